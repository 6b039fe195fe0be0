// fork from github.com/tendermint/tendermint/types/genesis.go
package types

import (
	"fmt"
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"
	tmtime "github.com/tendermint/tendermint/types/time"
)

const (
	// MaxChainIDLen is a maximum length of the chain ID.
	MaxChainIDLen = 50
)

//------------------------------------------------------------
// core types for a genesis definition
// NOTE: any changes to the genesis definition should
// be reflected in the documentation:
// docs/tendermint-core/using-tendermint.md

// GenesisValidator is an initial committee member.
type GenesisValidator struct {
	Address Address       `json:"address"`
	PubKey  crypto.PubKey `json:"pub_key"`
	Name    string        `json:"name"`
}

// GenesisCommittee assigns one committee to one shard group for the initial
// epoch. Committees must cover the shard space without overlap.
type GenesisCommittee struct {
	ShardGroup ShardGroup         `json:"shard_group"`
	Validators []GenesisValidator `json:"validators"`
}

// GenesisDoc defines the initial conditions for the settlement chain, in
// particular the epoch-0 committees and how the shard space splits between
// them.
type GenesisDoc struct {
	GenesisTime  time.Time          `json:"genesis_time"`
	ChainID      string             `json:"chain_id"`
	InitialEpoch uint64             `json:"initial_epoch"`
	Committees   []GenesisCommittee `json:"committees"`
}

// SaveAs is a utility method for saving GenesisDoc as a JSON file.
func (genDoc *GenesisDoc) SaveAs(file string) error {
	genDocBytes, err := tmjson.MarshalIndent(genDoc, "", "  ")
	if err != nil {
		return err
	}
	return tmos.WriteFile(file, genDocBytes, 0644)
}

// CommitteeFor returns the committee whose shard group contains shard, or
// nil if none does.
func (genDoc *GenesisDoc) CommitteeFor(shard Shard) *GenesisCommittee {
	for i := range genDoc.Committees {
		if genDoc.Committees[i].ShardGroup.Contains(shard) {
			return &genDoc.Committees[i]
		}
	}
	return nil
}

// ValidatorSetFor builds the sorted validator set for one shard group.
func (genDoc *GenesisDoc) ValidatorSetFor(sg ShardGroup) (*ValidatorSet, error) {
	for _, committee := range genDoc.Committees {
		if !committee.ShardGroup.Equal(sg) {
			continue
		}
		vals := make([]*Validator, len(committee.Validators))
		for i, gv := range committee.Validators {
			vals[i] = NewValidator(gv.PubKey)
		}
		return NewValidatorSet(vals), nil
	}
	return nil, fmt.Errorf("no committee registered for shard group %v", sg)
}

// ValidateAndComplete checks that all necessary fields are present
// and fills in defaults for optional fields left empty.
func (genDoc *GenesisDoc) ValidateAndComplete() error {
	if genDoc.ChainID == "" {
		return errors.New("genesis doc must include non-empty chain_id")
	}
	if len(genDoc.ChainID) > MaxChainIDLen {
		return errors.Errorf("chain_id in genesis doc is too long (max: %d)", MaxChainIDLen)
	}

	if len(genDoc.Committees) == 0 {
		return errors.New("genesis doc must include at least one committee")
	}
	for i, committee := range genDoc.Committees {
		if committee.ShardGroup.End < committee.ShardGroup.Start {
			return errors.Errorf("committee #%d has inverted shard group %v", i, committee.ShardGroup)
		}
		if len(committee.Validators) == 0 {
			return errors.Errorf("committee #%d for %v has no validators", i, committee.ShardGroup)
		}
		for j, v := range committee.Validators {
			if v.PubKey == nil {
				return errors.Errorf("committee #%d validator #%d has no pub_key", i, j)
			}
			addr := v.PubKey.Address()
			if len(v.Address) > 0 && !AddressesEqual(addr, v.Address) {
				return errors.Errorf("committee #%d validator #%d address does not match its pub_key", i, j)
			}
			genDoc.Committees[i].Validators[j].Address = addr
		}
		for _, other := range genDoc.Committees[:i] {
			if other.ShardGroup.Contains(committee.ShardGroup.Start) ||
				other.ShardGroup.Contains(committee.ShardGroup.End) {
				return errors.Errorf("committee shard group %v overlaps %v", committee.ShardGroup, other.ShardGroup)
			}
		}
	}

	if genDoc.GenesisTime.IsZero() {
		genDoc.GenesisTime = tmtime.Now()
	}

	return nil
}

//------------------------------------------------------------
// Make genesis state from file

// GenesisDocFromJSON unmarshalls JSON data into a GenesisDoc.
func GenesisDocFromJSON(jsonBlob []byte) (*GenesisDoc, error) {
	genDoc := GenesisDoc{}
	err := tmjson.Unmarshal(jsonBlob, &genDoc)
	if err != nil {
		return nil, err
	}

	if err := genDoc.ValidateAndComplete(); err != nil {
		return nil, err
	}

	return &genDoc, err
}

// GenesisDocFromFile reads JSON data from a file and unmarshalls it into a GenesisDoc.
func GenesisDocFromFile(genDocFile string) (*GenesisDoc, error) {
	jsonBlob, err := ioutil.ReadFile(genDocFile)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't read GenesisDoc file")
	}
	genDoc, err := GenesisDocFromJSON(jsonBlob)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading GenesisDoc at %s", genDocFile)
	}
	return genDoc, nil
}
