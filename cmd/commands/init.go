package commands

import (
	"github.com/spf13/cobra"

	cfg "github.com/tendermint/tendermint/config"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/p2p"

	"github.com/tari-project/tari-dan-sub001/privval"
)

// InitFilesCmd initialises the private validator, node key and genesis
// file for one validator of a seeded test network.
var InitFilesCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a validator home directory",
	RunE:  initFiles,
}

func init() {
	InitFilesCmd.Flags().StringVar(&chainID, "chain-id", "tari-dan-local", "chain id recorded in the genesis doc")
	InitFilesCmd.Flags().Int64Var(&seed, "seed", 1, "seed the committee keys derive from")
	InitFilesCmd.Flags().Int64Var(&idx, "idx", 1, "index of this validator inside its committee, starting at 1")
	InitFilesCmd.Flags().IntVar(&thres, "thres", 3, "signature threshold per committee")
	InitFilesCmd.Flags().IntVar(&committees, "committees", 1, "number of committees splitting the shard space")
	InitFilesCmd.Flags().IntVar(&perCommittee, "validators", 4, "validators per committee")
}

func initFiles(cmd *cobra.Command, args []string) error {
	return initFilesWithConfig(config)
}

func initFilesWithConfig(config *cfg.Config) error {
	privValKeyFile := config.PrivValidatorKeyFile()
	privValStateFile := config.PrivValidatorStateFile()
	if tmos.FileExists(privValKeyFile) {
		logger.Info("Found private validator", "keyFile", privValKeyFile)
	} else {
		pv := privval.GenFilePVWithSeedAndIdx(privValKeyFile, privValStateFile, thres, idx, seed)
		pv.Save()
		logger.Info("Generated private validator", "keyFile", privValKeyFile)
	}

	nodeKeyFile := config.NodeKeyFile()
	if tmos.FileExists(nodeKeyFile) {
		logger.Info("Found node key", "path", nodeKeyFile)
	} else {
		if _, err := p2p.LoadOrGenNodeKey(nodeKeyFile); err != nil {
			return err
		}
		logger.Info("Generated node key", "path", nodeKeyFile)
	}

	genFile := config.GenesisFile()
	if tmos.FileExists(genFile) {
		logger.Info("Found genesis file", "path", genFile)
		return nil
	}
	genDoc, err := makeGenesisDoc(chainID, seed, thres, committees, perCommittee)
	if err != nil {
		return err
	}
	if err := genDoc.SaveAs(genFile); err != nil {
		return err
	}
	logger.Info("Generated genesis file", "path", genFile)
	return nil
}
