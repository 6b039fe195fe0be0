// fork from github.com/tendermint/tendermint/types/priv_validator.go
package types

import (
	"bytes"
	"fmt"

	"github.com/tendermint/tendermint/crypto"

	"github.com/tari-project/tari-dan-sub001/crypto/bls"
)

// PrivValidator signs votes and block proposals for a committee member.
type PrivValidator interface {
	GetPubKey() (crypto.PubKey, error)

	SignVote(chainID string, vote *Vote) error
	SignBlock(chainID string, block *Block) error
}

type PrivValidatorsByAddress []PrivValidator

func (pvs PrivValidatorsByAddress) Len() int { return len(pvs) }

func (pvs PrivValidatorsByAddress) Less(i, j int) bool {
	pvi, err := pvs[i].GetPubKey()
	if err != nil {
		panic(err)
	}
	pvj, err := pvs[j].GetPubKey()
	if err != nil {
		panic(err)
	}

	return bytes.Compare(pvi.Address(), pvj.Address()) == -1
}

func (pvs PrivValidatorsByAddress) Swap(i, j int) {
	pvs[i], pvs[j] = pvs[j], pvs[i]
}

//----------------------------------------
// MockPV

// MockPV implements PrivValidator without any safety or persistence.
// Only use it for testing.
type MockPV struct {
	PrivKey crypto.PrivKey
}

func NewMockPV() MockPV {
	return MockPV{bls.GenPrivKey()}
}

// NewMockPVWithParams allows one to create a MockPV instance, but with finer
// grained control over the operation of the mock validator. This is useful for
// mocking test failures.
func NewMockPVWithParams(privKey crypto.PrivKey) MockPV {
	return MockPV{privKey}
}

// GetPubKey implements PrivValidator.
func (pv MockPV) GetPubKey() (crypto.PubKey, error) {
	return pv.PrivKey.PubKey(), nil
}

// SignVote implements PrivValidator.
func (pv MockPV) SignVote(chainID string, vote *Vote) error {
	sig, err := pv.PrivKey.Sign(vote.SignBytes(chainID))
	if err != nil {
		return err
	}
	vote.Signature = sig
	return nil
}

// SignBlock implements PrivValidator.
func (pv MockPV) SignBlock(chainID string, block *Block) error {
	sig, err := pv.PrivKey.Sign(block.SignBytes())
	if err != nil {
		return err
	}
	block.Signature = sig
	return nil
}

func (pv MockPV) String() string {
	addr := pv.PrivKey.PubKey().Address()
	return fmt.Sprintf("MockPV{%v}", addr)
}
