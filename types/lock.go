package types

import "fmt"

// LockMode is the declared access a transaction requires on a substate.
type LockMode byte

const (
	LockRead LockMode = iota + 1
	LockWrite
	LockOutput
)

func (m LockMode) String() string {
	switch m {
	case LockRead:
		return "Read"
	case LockWrite:
		return "Write"
	case LockOutput:
		return "Output"
	default:
		return fmt.Sprintf("LockMode(%d)", byte(m))
	}
}

func (m LockMode) Valid() bool {
	return m >= LockRead && m <= LockOutput
}

// IsInput reports whether the mode locks an existing up substate. Output
// locks claim an address that must not exist yet.
func (m LockMode) IsInput() bool  { return m == LockRead || m == LockWrite }
func (m LockMode) IsOutput() bool { return m == LockOutput }

// SubstateLock is one live entry in a substate's lock stack.
type SubstateLock struct {
	TransactionID TxID     `json:"transaction_id"`
	Version       uint32   `json:"version"`
	Mode          LockMode `json:"mode"`
	// IsLocalOnly is set when both the holding and requesting transactions
	// touch only this committee, which relaxes the conflict rules.
	IsLocalOnly bool `json:"is_local_only"`
}

func NewSubstateLock(txID TxID, version uint32, mode LockMode, localOnly bool) SubstateLock {
	return SubstateLock{TransactionID: txID, Version: version, Mode: mode, IsLocalOnly: localOnly}
}

func (l SubstateLock) String() string {
	return fmt.Sprintf("%s lock v%d by %s (local_only=%v)", l.Mode, l.Version, l.TransactionID, l.IsLocalOnly)
}

// LockIntent is a lock request as it appears in a block walk: which id, at
// which version, in which mode.
type LockIntent struct {
	Id            SubstateId `json:"id"`
	VersionToLock uint32     `json:"version_to_lock"`
	Mode          LockMode   `json:"mode"`
}

func (li LockIntent) ToAddress() SubstateAddress {
	return NewSubstateAddress(li.Id, li.VersionToLock)
}

func (li LockIntent) String() string {
	return fmt.Sprintf("%s %s:v%d", li.Mode, li.Id, li.VersionToLock)
}
