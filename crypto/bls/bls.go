package bls

import (
	"bytes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/sign/bls"
)

//-------------------------------------

var _ crypto.PrivKey = PrivKey{}
var _ crypto.PubKey = PubKey{}

const (
	PrivKeyName = "tari-dan/PrivKeyBLS"
	PubKeyName  = "tari-dan/PubKeyBLS"

	KeyType = "bls"

	// PrivKeySize is the size, in bytes, of a marshalled bn256 scalar.
	PrivKeySize = 32
	// PubKeySize is the size, in bytes, of a marshalled G2 point.
	PubKeySize = 128
)

// suite is the shared bn256 pairing suite. Signatures live on G1, public
// keys on G2.
var suite = bn256.NewSuite()

func init() {
	tmjson.RegisterType(PubKey{}, PubKeyName)
	tmjson.RegisterType(PrivKey{}, PrivKeyName)
}

// PrivKey is a bn256 scalar in marshalled form.
type PrivKey []byte

// Bytes returns the privkey byte format.
func (privKey PrivKey) Bytes() []byte {
	return []byte(privKey)
}

// Sign produces a BLS signature on msg. Signatures over the same message
// bytes by different members can be aggregated into a single signature.
func (privKey PrivKey) Sign(msg []byte) ([]byte, error) {
	scalar, err := privKey.scalar()
	if err != nil {
		return nil, err
	}
	return bls.Sign(suite, scalar, msg)
}

// PubKey derives the corresponding G2 public key.
func (privKey PrivKey) PubKey() crypto.PubKey {
	scalar, err := privKey.scalar()
	if err != nil {
		panic(fmt.Sprintf("invalid bls private key: %v", err))
	}
	point := suite.G2().Point().Mul(scalar, nil)
	bz, err := point.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return PubKey(bz)
}

// Equals - you probably don't need to use this.
// Runs in constant time based on length of the keys.
func (privKey PrivKey) Equals(other crypto.PrivKey) bool {
	if otherBLS, ok := other.(PrivKey); ok {
		return subtle.ConstantTimeCompare(privKey[:], otherBLS[:]) == 1
	}
	return false
}

func (privKey PrivKey) Type() string {
	return KeyType
}

func (privKey PrivKey) scalar() (kyber.Scalar, error) {
	scalar := suite.G2().Scalar()
	if err := scalar.UnmarshalBinary(privKey); err != nil {
		return nil, fmt.Errorf("unmarshal bls private key: %w", err)
	}
	return scalar, nil
}

// GenPrivKey generates a new BLS private key from crypto-grade randomness.
func GenPrivKey() PrivKey {
	return genPrivKey(suite.RandomStream())
}

// GenPrivKeyWithSeed generates a private key deterministically from seed.
// Distinct nodes initialized from the same cluster seed derive distinct keys
// via the threshold polynomial, not via this function directly.
func GenPrivKeyWithSeed(seed int64) PrivKey {
	var seedBytes [8]byte
	binary.BigEndian.PutUint64(seedBytes[:], uint64(seed))
	return genPrivKey(suite.XOF(seedBytes[:]))
}

func genPrivKey(stream cipher.Stream) PrivKey {
	scalar := suite.G2().Scalar().Pick(stream)
	bz, err := scalar.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return PrivKey(bz)
}

//-------------------------------------

// PubKey is a bn256 G2 point in marshalled form.
type PubKey []byte

// Address is the SHA256-20 of the raw pubkey bytes.
func (pubKey PubKey) Address() crypto.Address {
	return crypto.Address(tmhash.SumTruncated(pubKey))
}

// Bytes returns the PubKey byte format.
func (pubKey PubKey) Bytes() []byte {
	return []byte(pubKey)
}

// VerifySignature checks a single-signer BLS signature.
func (pubKey PubKey) VerifySignature(msg []byte, sig []byte) bool {
	point, err := pubKey.point()
	if err != nil {
		return false
	}
	return bls.Verify(suite, point, msg, sig) == nil
}

func (pubKey PubKey) String() string {
	return fmt.Sprintf("PubKeyBLS{%X}", []byte(pubKey))
}

func (pubKey PubKey) Equals(other crypto.PubKey) bool {
	if otherBLS, ok := other.(PubKey); ok {
		return bytes.Equal(pubKey[:], otherBLS[:])
	}
	return false
}

func (pubKey PubKey) Type() string {
	return KeyType
}

func (pubKey PubKey) point() (kyber.Point, error) {
	point := suite.G2().Point()
	if err := point.UnmarshalBinary(pubKey); err != nil {
		return nil, fmt.Errorf("unmarshal bls public key: %w", err)
	}
	return point, nil
}

//-------------------------------------

// AggregateSignatures combines signatures over the same message into one.
func AggregateSignatures(sigs ...[]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, fmt.Errorf("no signatures to aggregate")
	}
	return bls.AggregateSignatures(suite, sigs...)
}

// VerifyAggregate checks an aggregated signature over one shared message
// against the set of public keys whose owners signed it.
func VerifyAggregate(pubKeys []crypto.PubKey, msg []byte, sig []byte) error {
	if len(pubKeys) == 0 {
		return fmt.Errorf("no public keys to verify against")
	}
	points := make([]kyber.Point, len(pubKeys))
	for i, pk := range pubKeys {
		blsPK, ok := pk.(PubKey)
		if !ok {
			return fmt.Errorf("public key #%d is %s, not %s", i, pk.Type(), KeyType)
		}
		point, err := blsPK.point()
		if err != nil {
			return err
		}
		points[i] = point
	}
	aggregated := bls.AggregatePublicKeys(suite, points...)
	return bls.Verify(suite, aggregated, msg, sig)
}
