package storage

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tari-project/tari-dan-sub001/types"
)

// ErrNotFound is the base for all lookup misses. Use errors.Is to test for
// it regardless of the concrete error.
var ErrNotFound = errors.New("not found")

// ErrSubstateNotFound reports a lookup of a substate version that was never
// written.
type ErrSubstateNotFound struct {
	Address types.SubstateAddress
}

func (e ErrSubstateNotFound) Error() string {
	return fmt.Sprintf("substate %s not found", e.Address)
}

func (e ErrSubstateNotFound) Unwrap() error { return ErrNotFound }

// ErrSubstateIsDown reports a read of a substate version that has already
// been consumed.
type ErrSubstateIsDown struct {
	Address types.SubstateAddress
}

func (e ErrSubstateIsDown) Error() string {
	return fmt.Sprintf("substate %s is down", e.Address)
}

// ErrExpectedSubstateDown reports a down-write against a version that is
// still up, or was never up.
type ErrExpectedSubstateDown struct {
	Address types.SubstateAddress
}

func (e ErrExpectedSubstateDown) Error() string {
	return fmt.Sprintf("expected substate %s to be down", e.Address)
}

// ErrExpectedSubstateNotExist reports an up-write against a version that
// already exists.
type ErrExpectedSubstateNotExist struct {
	Address types.SubstateAddress
}

func (e ErrExpectedSubstateNotExist) Error() string {
	return fmt.Sprintf("expected substate %s to not exist", e.Address)
}

// IsNotFound reports whether err represents any lookup miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
