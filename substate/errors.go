package substate

import (
	"errors"
	"fmt"

	"github.com/tari-project/tari-dan-sub001/types"
)

// ErrLockConflict reports a lock request denied by the compatibility
// matrix. It names the held lock so the no-vote reason can be specific.
type ErrLockConflict struct {
	SubstateId    types.SubstateId
	TransactionID types.TxID
	Requested     types.LockMode
	Held          types.SubstateLock
}

func (e ErrLockConflict) Error() string {
	return fmt.Sprintf("lock conflict on %s: tx %s requested %s, held %s",
		e.SubstateId, e.TransactionID, e.Requested, e.Held)
}

// IsLockConflict reports whether err is a lock conflict.
func IsLockConflict(err error) bool {
	var conflict ErrLockConflict
	return errors.As(err, &conflict)
}
