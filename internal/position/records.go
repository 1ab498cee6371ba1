package position

import "time"

// ReconciliationStatus summarizes a reconciliation run.
type ReconciliationStatus string

const (
	ReconcileSuccess ReconciliationStatus = "SUCCESS"
	ReconcilePartial ReconciliationStatus = "PARTIAL"
	ReconcileFailed  ReconciliationStatus = "FAILED"
)

// ActionKind names a corrective write issued by reconciliation.
type ActionKind string

const (
	ActionCloseGhost   ActionKind = "CLOSE_GHOST"
	ActionOpenPhantom  ActionKind = "OPEN_PHANTOM"
	ActionAdjustAmount ActionKind = "ADJUST_AMOUNT"
	// ActionRejected marks an exchange entry that could not be used. No
	// write is attempted and it is not a discrepancy.
	ActionRejected ActionKind = "REJECTED"
)

// ReconcileAction records one corrective write and its outcome.
type ReconcileAction struct {
	Kind       ActionKind `json:"kind"`
	PositionID string     `json:"position_id,omitempty"`
	Symbol     string     `json:"symbol"`
	Side       Side       `json:"side"`
	Detail     string     `json:"detail,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Failed reports whether the corrective write did not go through.
func (a ReconcileAction) Failed() bool {
	return a.Kind != ActionRejected && a.Error != ""
}

// Discrepancy reports whether the action counts toward DiscrepanciesCount.
func (a ReconcileAction) Discrepancy() bool {
	return a.Kind != ActionRejected
}

// Reconciliation is the immutable summary of one reconciliation run.
type Reconciliation struct {
	ID                     string               `json:"reconciliation_id"`
	Timestamp              time.Time            `json:"timestamp"`
	ExchangePositionsCount int                  `json:"exchange_positions_count"`
	LocalPositionsCount    int                  `json:"local_positions_count"`
	DiscrepanciesCount     int                  `json:"discrepancies_count"`
	Actions                []ReconcileAction    `json:"actions_taken"`
	Status                 ReconciliationStatus `json:"status"`
}

// CheckType identifies a self-diagnosis check.
type CheckType string

const (
	CheckStuckPosition CheckType = "STUCK_POSITION"
	CheckOrphanedEvent CheckType = "ORPHANED_EVENT"
	CheckMissingStop   CheckType = "MISSING_STOP"
	CheckIntegrity     CheckType = "INTEGRITY"
)

// CheckStatus is the outcome of a health check.
type CheckStatus string

const (
	CheckOK    CheckStatus = "OK"
	CheckIssue CheckStatus = "ISSUE"
)

// CheckDetails is the JSON body stored with a health check.
type CheckDetails struct {
	Count       int      `json:"count"`
	PositionIDs []string `json:"position_ids,omitempty"`
	Messages    []string `json:"messages,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// HealthCheck is one finding of a self-diagnosis cycle.
type HealthCheck struct {
	ID        string       `json:"check_id"`
	Timestamp time.Time    `json:"timestamp"`
	Type      CheckType    `json:"check_type"`
	Status    CheckStatus  `json:"status"`
	Details   CheckDetails `json:"details"`
	AutoFixed bool         `json:"auto_fixed"`
}
