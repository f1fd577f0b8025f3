// Package storage holds the per-operation execution state shared by the
// write hooks: the recovery unit that scopes a unit of work and carries
// the prepare timestamp, and the operation context with its pre-image
// arena for the two-phase delete protocol.
package storage

import (
	"github.com/cainiaofei/mongo/core/oplog"
)

// RecoveryUnit scopes a single storage unit of work. The transaction
// machinery stamps the prepare timestamp on it when a prepare entry is
// written, so the storage layer can pin the commit point.
type RecoveryUnit struct {
	active    bool
	prepareTS oplog.Timestamp
}

func NewRecoveryUnit() *RecoveryUnit {
	return &RecoveryUnit{}
}

// BeginUnitOfWork marks the unit active. Nested begins are not supported.
func (ru *RecoveryUnit) BeginUnitOfWork() {
	ru.active = true
}

// CommitUnitOfWork ends the unit, keeping the prepare timestamp readable.
func (ru *RecoveryUnit) CommitUnitOfWork() {
	ru.active = false
}

// AbortUnitOfWork ends the unit and clears the prepare timestamp.
func (ru *RecoveryUnit) AbortUnitOfWork() {
	ru.active = false
	ru.prepareTS = 0
}

func (ru *RecoveryUnit) InUnitOfWork() bool {
	return ru.active
}

// SetPrepareTimestamp records the timestamp at which this unit's writes
// become visible if the transaction later commits.
func (ru *RecoveryUnit) SetPrepareTimestamp(ts oplog.Timestamp) {
	ru.prepareTS = ts
}

func (ru *RecoveryUnit) PrepareTimestamp() oplog.Timestamp {
	return ru.prepareTS
}
