package privval

import (
	"bytes"
	"fmt"
	"io/ioutil"

	"github.com/tendermint/tendermint/crypto"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/libs/tempfile"

	"github.com/tari-project/tari-dan-sub001/crypto/bls"
	"github.com/tari-project/tari-dan-sub001/crypto/threshold"
	"github.com/tari-project/tari-dan-sub001/types"
)

//-------------------------------------------------------------------------------

// FilePVKey stores the immutable part of PrivValidator.
type FilePVKey struct {
	Address types.Address  `json:"address"`
	PubKey  crypto.PubKey  `json:"pub_key"`
	PrivKey crypto.PrivKey `json:"priv_key"`

	filePath string
}

// Save persists the FilePVKey to its filePath.
func (pvKey FilePVKey) Save() {
	outFile := pvKey.filePath
	if outFile == "" {
		panic("cannot save PrivValidator key: filePath not set")
	}

	jsonBytes, err := tmjson.MarshalIndent(pvKey, "", "  ")
	if err != nil {
		panic(err)
	}
	err = tempfile.WriteFileAtomic(outFile, jsonBytes, 0600)
	if err != nil {
		panic(err)
	}
}

//-------------------------------------------------------------------------------

// FilePVLastSignState stores the mutable part of PrivValidator. A replica
// votes at most once per (epoch, height); the last challenge and signature
// are kept so a crash between signing and broadcast does not turn into an
// equivocation on restart.
type FilePVLastSignState struct {
	Epoch     uint64 `json:"epoch"`
	Height    uint64 `json:"height"`
	SignBytes []byte `json:"sign_bytes,omitempty"`
	Signature []byte `json:"signature,omitempty"`

	filePath string
}

// checkVote returns an error if signing a vote at (epoch, height) would
// regress past state, and whether the stored signature can be reused for
// the same challenge.
func (lss *FilePVLastSignState) checkVote(epoch, height uint64, signBytes []byte) (sameVote bool, err error) {
	if epoch < lss.Epoch {
		return false, fmt.Errorf("epoch regression: last signed %d, new vote %d", lss.Epoch, epoch)
	}
	if epoch == lss.Epoch && height < lss.Height {
		return false, fmt.Errorf("height regression in epoch %d: last signed %d, new vote %d", epoch, lss.Height, height)
	}
	if epoch == lss.Epoch && height == lss.Height && lss.Signature != nil {
		if bytes.Equal(signBytes, lss.SignBytes) {
			return true, nil
		}
		return false, fmt.Errorf("conflicting vote at epoch %d height %d", epoch, height)
	}
	return false, nil
}

// Save persists the FilePVLastSignState to its filePath.
func (lss *FilePVLastSignState) Save() {
	outFile := lss.filePath
	if outFile == "" {
		panic("cannot save PrivValidator sign state: filePath not set")
	}
	jsonBytes, err := tmjson.MarshalIndent(lss, "", "  ")
	if err != nil {
		panic(err)
	}
	err = tempfile.WriteFileAtomic(outFile, jsonBytes, 0600)
	if err != nil {
		panic(err)
	}
}

//-------------------------------------------------------------------------------

// FilePV implements PrivValidator using data persisted to disk to prevent
// double signing.
// NOTE: the directories containing pv.Key.filePath and
// pv.LastSignState.filePath must already exist.
type FilePV struct {
	Key           FilePVKey
	LastSignState FilePVLastSignState
}

// NewFilePV generates a new validator from the given key and paths.
func NewFilePV(privKey crypto.PrivKey, keyFilePath, stateFilePath string) *FilePV {
	return &FilePV{
		Key: FilePVKey{
			Address:  privKey.PubKey().Address(),
			PubKey:   privKey.PubKey(),
			PrivKey:  privKey,
			filePath: keyFilePath,
		},
		LastSignState: FilePVLastSignState{
			filePath: stateFilePath,
		},
	}
}

// GenFilePVWithSeedAndIdx derives the member's private key from the
// committee master seed using the threshold polynomial, so every member of
// a committee can be provisioned from one (seed, size) pair.
func GenFilePVWithSeedAndIdx(keyFilePath, stateFilePath string, t int, idx, seed int64) *FilePV {
	primary := bls.GenPrivKeyWithSeed(seed)
	poly := threshold.Master(primary, t, seed)

	priv, err := poly.GetValue(idx)
	if err != nil {
		panic(err)
	}
	return NewFilePV(priv, keyFilePath, stateFilePath)
}

// GenFilePV generates a new validator with a randomly generated private key
// and sets the filePaths, but does not call Save().
func GenFilePV(keyFilePath, stateFilePath string) *FilePV {
	return NewFilePV(bls.GenPrivKey(), keyFilePath, stateFilePath)
}

// LoadFilePV loads a FilePV from the filePaths. Double signing prevention
// is persisted to stateFilePath. If either file does not exist or cannot be
// parsed, the program exits.
func LoadFilePV(keyFilePath, stateFilePath string) *FilePV {
	return loadFilePV(keyFilePath, stateFilePath, true)
}

// LoadFilePVEmptyState loads a FilePV from the given keyFilePath, with an
// empty LastSignState. If the keyFilePath does not exist, the program exits.
func LoadFilePVEmptyState(keyFilePath, stateFilePath string) *FilePV {
	return loadFilePV(keyFilePath, stateFilePath, false)
}

func loadFilePV(keyFilePath, stateFilePath string, loadState bool) *FilePV {
	keyJSONBytes, err := ioutil.ReadFile(keyFilePath)
	if err != nil {
		tmos.Exit(err.Error())
	}
	pvKey := FilePVKey{}
	err = tmjson.Unmarshal(keyJSONBytes, &pvKey)
	if err != nil {
		tmos.Exit(fmt.Sprintf("Error reading PrivValidator key from %v: %v\n", keyFilePath, err))
	}

	// overwrite pubkey and address for convenience
	pvKey.PubKey = pvKey.PrivKey.PubKey()
	pvKey.Address = pvKey.PubKey.Address()
	pvKey.filePath = keyFilePath

	pvState := FilePVLastSignState{}
	if loadState {
		stateJSONBytes, err := ioutil.ReadFile(stateFilePath)
		if err != nil {
			tmos.Exit(err.Error())
		}
		err = tmjson.Unmarshal(stateJSONBytes, &pvState)
		if err != nil {
			tmos.Exit(fmt.Sprintf("Error reading PrivValidator state from %v: %v\n", stateFilePath, err))
		}
	}
	pvState.filePath = stateFilePath

	return &FilePV{
		Key:           pvKey,
		LastSignState: pvState,
	}
}

// LoadOrGenFilePV loads a FilePV from the given filePaths or else generates
// a new one and saves it to the filePaths.
func LoadOrGenFilePV(keyFilePath, stateFilePath string) *FilePV {
	var pv *FilePV
	if tmos.FileExists(keyFilePath) {
		pv = LoadFilePV(keyFilePath, stateFilePath)
	} else {
		pv = GenFilePV(keyFilePath, stateFilePath)
		pv.Save()
	}
	return pv
}

// GetAddress returns the address of the validator.
func (pv *FilePV) GetAddress() types.Address {
	return pv.Key.Address
}

// GetPubKey returns the public key of the validator.
// Implements PrivValidator.
func (pv *FilePV) GetPubKey() (crypto.PubKey, error) {
	return pv.Key.PubKey, nil
}

// SignVote signs the vote's aggregation challenge after checking it does
// not conflict with a previously signed vote. Implements PrivValidator.
func (pv *FilePV) SignVote(chainID string, vote *types.Vote) error {
	if err := pv.signVote(chainID, vote); err != nil {
		return fmt.Errorf("error signing vote: %v", err)
	}
	return nil
}

// SignBlock signs a block proposal. Implements PrivValidator.
func (pv *FilePV) SignBlock(chainID string, block *types.Block) error {
	sig, err := pv.Key.PrivKey.Sign(block.SignBytes())
	if err != nil {
		return fmt.Errorf("error signing block: %v", err)
	}
	block.Signature = sig
	return nil
}

// Save persists the FilePV to disk.
func (pv *FilePV) Save() {
	pv.Key.Save()
	pv.LastSignState.Save()
}

// Reset resets the sign state.
// NOTE: Unsafe!
func (pv *FilePV) Reset() {
	pv.LastSignState = FilePVLastSignState{filePath: pv.LastSignState.filePath}
	pv.Save()
}

// String returns a string representation of the FilePV.
func (pv *FilePV) String() string {
	return fmt.Sprintf(
		"PrivValidator{%v LSS:%d/%d}",
		pv.GetAddress(),
		pv.LastSignState.Epoch,
		pv.LastSignState.Height,
	)
}

//------------------------------------------------------------------------------------

func (pv *FilePV) signVote(chainID string, vote *types.Vote) error {
	lss := &pv.LastSignState

	signBytes := vote.SignBytes(chainID)

	sameVote, err := lss.checkVote(vote.Epoch, vote.Height, signBytes)
	if err != nil {
		return err
	}

	// We signed exactly this challenge before the last crash. Reuse the
	// stored signature instead of signing twice.
	if sameVote {
		vote.Signature = lss.Signature
		return nil
	}

	sig, err := pv.Key.PrivKey.Sign(signBytes)
	if err != nil {
		return err
	}

	lss.Epoch = vote.Epoch
	lss.Height = vote.Height
	lss.SignBytes = signBytes
	lss.Signature = sig
	if lss.filePath != "" {
		lss.Save()
	}

	vote.Signature = sig
	return nil
}
