package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tari-project/tari-dan-sub001/epoch"
	"github.com/tari-project/tari-dan-sub001/types"
)

// ShowCommitteesCmd prints the committee topology of the genesis file.
var ShowCommitteesCmd = &cobra.Command{
	Use:     "show-committees",
	Aliases: []string{"show_committees"},
	Short:   "Show the shard groups and validators in the genesis file",
	PreRun:  deprecateSnakeCase,
	RunE:    showCommittees,
}

func showCommittees(cmd *cobra.Command, args []string) error {
	genDoc, err := types.GenesisDocFromFile(config.GenesisFile())
	if err != nil {
		return err
	}
	epochs, err := epoch.NewObserverManager(genDoc)
	if err != nil {
		return err
	}

	fmt.Printf("chain %s, epoch %d, %d committees\n", genDoc.ChainID, epochs.CurrentEpoch(), len(genDoc.Committees))
	for _, committee := range genDoc.Committees {
		vals, err := epochs.Committee(committee.ShardGroup)
		if err != nil {
			return err
		}
		fmt.Printf("%s  (%d validators, quorum %d)\n", committee.ShardGroup, vals.Size(), vals.QuorumThreshold())
		for _, val := range committee.Validators {
			fmt.Printf("  %s  %s\n", val.Address, val.Name)
		}
	}
	return nil
}
