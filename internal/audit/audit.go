package audit

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/chirino/openmemory-service/internal/model"
	"github.com/chirino/openmemory-service/internal/registry/store"
)

// Logger appends access log entries. Read-path auditing is best effort: a
// failed append is logged and swallowed so it never fails the read that
// triggered it. State-mutating paths do not go through here; they attach
// their audit entry to the transition transaction instead.
type Logger struct {
	store store.MemoryStore
	log   *log.Logger
}

func NewLogger(s store.MemoryStore) *Logger {
	return &Logger{
		store: s,
		log:   log.Default().With("component", "audit"),
	}
}

// Record appends one access log entry for a memory.
func (l *Logger) Record(ctx context.Context, memoryID, appID uuid.UUID, kind model.AccessKind, metadata map[string]interface{}) {
	entry := &model.MemoryAccessLog{
		MemoryID:   memoryID,
		AppID:      appID,
		AccessType: kind,
		Metadata:   metadata,
	}
	// Detached from the caller's cancellation: an audit write already
	// issued is a side effect of work already done and runs to completion.
	if err := l.store.AppendAccessLog(context.WithoutCancel(ctx), entry); err != nil {
		l.log.Warn("access log append failed", "memory", memoryID, "app", appID, "kind", kind, "error", err)
	}
}

// RecordAll appends one entry per memory. Stops issuing new writes once the
// context is cancelled; writes already issued run to completion.
func (l *Logger) RecordAll(ctx context.Context, memoryIDs []uuid.UUID, appID uuid.UUID, kind model.AccessKind, metadata map[string]interface{}) {
	for _, id := range memoryIDs {
		if ctx.Err() != nil {
			return
		}
		l.Record(ctx, id, appID, kind, metadata)
	}
}
