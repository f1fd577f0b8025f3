package observer

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RollbackInfo describes the effects of a replication rollback: which
// sessions had writes truncated from the log, and whether the node's
// identity document was among them.
type RollbackInfo struct {
	RolledBackSessionIDs       []uuid.UUID
	IdentityDocumentRolledBack bool
}

// OnReplicationRollback reacts to a log truncation. Rollback of the
// identity document halts the process before any session invalidation:
// the node can no longer trust its cluster-assigned identity. Otherwise
// each affected session's in-memory transaction state is invalidated so
// the next access reloads from the truncated durable record.
func (o *Observer) OnReplicationRollback(info RollbackInfo) {
	if info.IdentityDocumentRolledBack {
		o.fatal("node identity document was rolled back",
			zap.Int("affectedSessions", len(info.RolledBackSessionIDs)))
		return
	}
	for _, sessionID := range info.RolledBackSessionIDs {
		o.sessions.Invalidate(sessionID)
	}
	o.logger.Info("replication rollback processed",
		zap.Int("invalidatedSessions", len(info.RolledBackSessionIDs)))
}
