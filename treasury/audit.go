/*
audit.go - Audit event emission

PURPOSE:
  Thin service the engine uses to record every state-changing operation:
  ingests, FX writes, forecast runs, reconciliation passes, approvals,
  transitions, overrides, and matching-policy changes. The log itself is
  append-only and monotonically sequenced (see store.go AuditLog).
*/
package treasury

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Audit actions recorded by the engine.
const (
	ActionCreateSnapshot = "CREATE_SNAPSHOT"
	ActionIngest         = "INGEST_RECORDS"
	ActionSetFXRates     = "SET_FX_RATES"
	ActionRunForecast    = "RUN_FORECAST"
	ActionReconcile      = "RECONCILE"
	ActionApproveMatch   = "APPROVE_MATCH"
	ActionLinkManual     = "LINK_MANUAL"
	ActionMarkReady      = "MARK_READY"
	ActionLock           = "LOCK_SNAPSHOT"
	ActionOverrideLock   = "LOCK_SNAPSHOT_OVERRIDE"
	ActionPolicyChange   = "MATCHING_POLICY_CHANGE"
	ActionAssignTxn      = "ASSIGN_TRANSACTION"
)

type Auditor struct {
	log   AuditLog
	zlog  *zap.Logger
	clock func() time.Time
}

func NewAuditor(log AuditLog, zlog *zap.Logger) *Auditor {
	if zlog == nil {
		zlog = zap.NewNop()
	}
	return &Auditor{log: log, zlog: zlog, clock: time.Now}
}

// Record appends one audit event. Audit failures are logged but never
// fail the business operation - the operation already committed.
func (a *Auditor) Record(ctx context.Context, user string, entityID EntityID, snapshotID SnapshotID, action, resourceType, resourceID string, delta map[string]string) {
	if a == nil || a.log == nil {
		return
	}
	ev := &AuditEvent{
		Timestamp:    a.clock(),
		User:         user,
		EntityID:     entityID,
		SnapshotID:   snapshotID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Delta:        delta,
	}
	if err := a.log.Append(ctx, ev); err != nil {
		a.zlog.Warn("audit append failed", zap.String("action", action), zap.Error(err))
	}
}
