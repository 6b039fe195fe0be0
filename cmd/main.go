package main

import (
	"os"
	"path/filepath"

	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/cli"

	cmd "github.com/tari-project/tari-dan-sub001/cmd/commands"
	nm "github.com/tari-project/tari-dan-sub001/node"
)

func main() {
	cfg.DefaultTendermintDir = ".tari-dan"
	rootCmd := cmd.RootCmd

	rootCmd.AddCommand(
		cmd.InitFilesCmd,
		cmd.GenGenesisCmd,
		cmd.GenNodeKeyCmd,
		cmd.GenValidatorCmd,
		cmd.ShowNodeIDCmd,
		cmd.ShowValidatorCmd,
		cmd.ShowCommitteesCmd,
		cmd.NewRunNodeCmd(nm.DefaultNewNode),
		cli.NewCompletionCmd(rootCmd, true),
	)

	baseCmd := cli.PrepareBaseCmd(rootCmd, "TARIDAN", os.ExpandEnv(filepath.Join("$HOME", cfg.DefaultTendermintDir)))
	if err := baseCmd.Execute(); err != nil {
		panic(err)
	}
}
