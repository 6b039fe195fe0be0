package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"

	"github.com/tari-project/tari-dan-sub001/privval"
)

// GenValidatorCmd derives this validator's threshold key share and
// writes the private validator files.
var GenValidatorCmd = &cobra.Command{
	Use:     "gen-validator",
	Aliases: []string{"gen_validator"},
	Short:   "Generate this validator's keypair from the committee seed",
	PreRun:  deprecateSnakeCase,
	RunE:    genValidator,
}

func init() {
	GenValidatorCmd.Flags().Int64Var(&seed, "seed", 1, "seed of this validator's committee")
	GenValidatorCmd.Flags().Int64Var(&idx, "idx", 1, "index of this validator inside its committee, starting at 1")
	GenValidatorCmd.Flags().IntVar(&thres, "thres", 3, "signature threshold per committee")
}

func genValidator(cmd *cobra.Command, args []string) error {
	privValKeyFile := config.PrivValidatorKeyFile()
	if tmos.FileExists(privValKeyFile) {
		logger.Info("Found private validator", "keyFile", privValKeyFile)
		return nil
	}

	pv := privval.GenFilePVWithSeedAndIdx(privValKeyFile, config.PrivValidatorStateFile(), thres, idx, seed)
	pv.Save()

	jsbz, err := tmjson.Marshal(pv.Key)
	if err != nil {
		return err
	}
	fmt.Println(string(jsbz))
	return nil
}
