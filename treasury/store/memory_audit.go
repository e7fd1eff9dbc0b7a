package store

import (
	"context"
	"sync"
	"time"

	"github.com/warp/treasury-engine/treasury"
)

// =============================================================================
// MEMORY AUDIT LOG - Append-only, sequence-stamped
// =============================================================================

type MemoryAuditLog struct {
	mu     sync.Mutex
	seq    uint64
	events []treasury.AuditEvent
}

func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{}
}

func (l *MemoryAuditLog) Append(_ context.Context, ev *treasury.AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	ev.Seq = l.seq
	l.events = append(l.events, *ev)
	return nil
}

func (l *MemoryAuditLog) Events(_ context.Context, entityID treasury.EntityID, from, to time.Time) ([]*treasury.AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*treasury.AuditEvent
	for i := range l.events {
		ev := l.events[i]
		if entityID != "" && ev.EntityID != entityID {
			continue
		}
		if !from.IsZero() && ev.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && ev.Timestamp.After(to) {
			continue
		}
		out = append(out, &ev)
	}
	return out, nil
}
