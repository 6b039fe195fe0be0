package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"
	tmtime "github.com/tendermint/tendermint/types/time"

	"github.com/tari-project/tari-dan-sub001/crypto/bls"
	"github.com/tari-project/tari-dan-sub001/crypto/threshold"
	"github.com/tari-project/tari-dan-sub001/types"
)

// GenGenesisCmd derives the whole network's committee keys from a seed
// and writes the genesis doc. Every operator running it with the same
// flags produces an identical file.
var GenGenesisCmd = &cobra.Command{
	Use:     "gen-genesis",
	Aliases: []string{"gen_genesis"},
	Short:   "Generate the genesis file naming the epoch-1 committees",
	PreRun:  deprecateSnakeCase,
	RunE:    genGenesisFile,
}

func init() {
	GenGenesisCmd.Flags().StringVar(&chainID, "chain-id", "tari-dan-local", "chain id recorded in the genesis doc")
	GenGenesisCmd.Flags().Int64Var(&seed, "seed", 1, "seed the committee keys derive from")
	GenGenesisCmd.Flags().IntVar(&thres, "thres", 3, "signature threshold per committee")
	GenGenesisCmd.Flags().IntVar(&committees, "committees", 1, "number of committees splitting the shard space")
	GenGenesisCmd.Flags().IntVar(&perCommittee, "validators", 4, "validators per committee")
}

func genGenesisFile(cmd *cobra.Command, args []string) error {
	genFile := config.GenesisFile()
	if tmos.FileExists(genFile) {
		logger.Info("Found genesis file, not overwriting", "path", genFile)
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

// makeGenesisDoc splits the shard space between committees and derives
// each committee's validator keys as threshold shares of a per-committee
// master key. Committee c seeds its polynomial with seed+c, which is what
// gen-validator re-derives for an individual member.
func makeGenesisDoc(chainID string, seed int64, thres, committees, perCommittee int) (*types.GenesisDoc, error) {
	genDoc := &types.GenesisDoc{
		GenesisTime:  tmtime.Now(),
		ChainID:      chainID,
		InitialEpoch: 1,
	}

	for c, sg := range types.SplitShardSpace(committees) {
		committeeSeed := seed + int64(c)
		primary := bls.GenPrivKeyWithSeed(committeeSeed)
		poly := threshold.Master(primary, thres, committeeSeed)

		committee := types.GenesisCommittee{ShardGroup: sg}
		for id := 1; id <= perCommittee; id++ {
			priv, err := poly.GetValue(int64(id))
			if err != nil {
				return nil, fmt.Errorf("deriving validator %d of committee %d: %w", id, c, err)
			}
			pub := priv.PubKey()
			committee.Validators = append(committee.Validators, types.GenesisValidator{
				Address: types.GetAddress(pub),
				PubKey:  pub,
				Name:    fmt.Sprintf("validator-%d-%d", c, id),
			})
		}
		genDoc.Committees = append(genDoc.Committees, committee)
	}

	if err := genDoc.ValidateAndComplete(); err != nil {
		return nil, err
	}
	return genDoc, nil
}
