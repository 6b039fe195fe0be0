// Package threshold derives per-member private keys from one cluster
// master key using a random polynomial, so an operator can provision a
// whole committee from a single seed.
package threshold

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"

	"github.com/tari-project/tari-dan-sub001/crypto/bls"
)

var suite = bn256.NewSuite()

// Polynomial is a secret-sharing polynomial whose constant term is the
// cluster master key. Evaluating it at a member index yields that member's
// private key share.
type Polynomial struct {
	poly *share.PriPoly
}

// Master builds the degree t-1 polynomial for masterKey. The same
// (masterKey, t, seed) triple always yields the same polynomial, so every
// member can be provisioned independently.
func Master(masterKey bls.PrivKey, t int, seed int64) *Polynomial {
	scalar := suite.G2().Scalar()
	if err := scalar.UnmarshalBinary(masterKey.Bytes()); err != nil {
		panic(errors.Wrap(err, "invalid master key"))
	}

	var seedBytes [8]byte
	binary.BigEndian.PutUint64(seedBytes[:], uint64(seed))

	return &Polynomial{
		poly: share.NewPriPoly(suite.G2(), t, scalar, suite.XOF(seedBytes[:])),
	}
}

// Threshold returns t, the number of shares needed to recover the master
// key.
func (p *Polynomial) Threshold() int {
	return p.poly.Threshold()
}

// GetValue evaluates the polynomial at idx and returns the member's
// private key.
func (p *Polynomial) GetValue(idx int64) (bls.PrivKey, error) {
	if idx < 0 {
		return nil, errors.Errorf("member index must be non-negative, got %d", idx)
	}
	priShare := p.poly.Eval(int(idx))
	bz, err := priShare.V.MarshalBinary()
	if err != nil {
		return nil, errors.Wrapf(err, "marshal share for member %d", idx)
	}
	return bls.PrivKey(bz), nil
}
