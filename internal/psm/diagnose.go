package psm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/psm/internal/canonical"
	"github.com/roach88/psm/internal/position"
	"github.com/roach88/psm/internal/store"
)

// DiagnosisReport collects the health checks of one self-diagnosis cycle.
type DiagnosisReport struct {
	Timestamp time.Time              `json:"timestamp"`
	Checks    []position.HealthCheck `json:"checks"`
}

// Healthy reports whether every check came back OK.
func (r DiagnosisReport) Healthy() bool {
	for _, c := range r.Checks {
		if c.Status != position.CheckOK {
			return false
		}
	}
	return true
}

// Check returns the check of the given type.
func (r DiagnosisReport) Check(typ position.CheckType) (position.HealthCheck, bool) {
	for _, c := range r.Checks {
		if c.Type == typ {
			return c, true
		}
	}
	return position.HealthCheck{}, false
}

// SelfDiagnose runs every health check and records one HealthCheck row per
// check. Checks are independent: a failing query marks its own check as an
// ISSUE and the others still run.
//
// When the integrity check finds positions whose event replay disagrees
// with the stored row, the complete report is returned together with an
// *position.IntegrityViolation.
func (m *Manager) SelfDiagnose(ctx context.Context) (DiagnosisReport, error) {
	now := m.now()
	report := DiagnosisReport{Timestamp: now}

	integrity, violation := m.checkIntegrity(ctx, now)
	report.Checks = []position.HealthCheck{
		m.checkStuckPositions(ctx, now),
		m.checkOrphanedEvents(ctx, now),
		m.checkMissingStops(ctx, now),
		integrity,
	}

	var errs []error
	for _, hc := range report.Checks {
		if err := m.recordHealthCheck(ctx, hc); err != nil {
			errs = append(errs, err)
		}
		if hc.Status == position.CheckIssue {
			m.logger.Warn("health check issue",
				"check_type", hc.Type,
				"count", hc.Details.Count,
				"auto_fixed", hc.AutoFixed,
				"error", hc.Details.Error,
			)
		}
	}
	if violation != nil {
		errs = append(errs, violation)
	}
	if len(errs) > 0 {
		return report, fmt.Errorf("self-diagnose: %w", errors.Join(errs...))
	}

	m.logger.Debug("self-diagnosis finished", "healthy", report.Healthy())
	return report, nil
}

func (m *Manager) newCheck(typ position.CheckType, now time.Time) position.HealthCheck {
	return position.HealthCheck{
		ID:        m.ids.NewID(),
		Timestamp: now,
		Type:      typ,
		Status:    position.CheckOK,
	}
}

func failCheck(hc position.HealthCheck, err error) position.HealthCheck {
	hc.Status = position.CheckIssue
	hc.Details.Error = err.Error()
	return hc
}

func (m *Manager) checkStuckPositions(ctx context.Context, now time.Time) position.HealthCheck {
	hc := m.newCheck(position.CheckStuckPosition, now)

	open, err := m.GetOpenPositions(ctx, "")
	if err != nil {
		return failCheck(hc, err)
	}
	for _, p := range open {
		age := now.Sub(p.OpenedAt)
		if age <= m.opts.StuckThreshold {
			continue
		}
		hc.Details.PositionIDs = append(hc.Details.PositionIDs, p.ID)
		hc.Details.Messages = append(hc.Details.Messages,
			fmt.Sprintf("%s %s %s open for %s", p.ID, p.Symbol, p.Side, age.Truncate(time.Minute)))
	}
	hc.Details.Count = len(hc.Details.PositionIDs)
	if hc.Details.Count > 0 {
		hc.Status = position.CheckIssue
	}
	return hc
}

func (m *Manager) checkOrphanedEvents(ctx context.Context, now time.Time) position.HealthCheck {
	hc := m.newCheck(position.CheckOrphanedEvent, now)

	var orphans []store.Orphan
	err := m.store.Read(ctx, func(ctx context.Context, tx *store.ReadTx) error {
		var err error
		orphans, err = tx.ListOrphanedEvents(ctx)
		return err
	})
	if err != nil {
		return failCheck(hc, err)
	}
	for _, o := range orphans {
		hc.Details.Count += o.Events
		hc.Details.PositionIDs = append(hc.Details.PositionIDs, o.PositionID)
		hc.Details.Messages = append(hc.Details.Messages,
			fmt.Sprintf("%d event(s) reference missing position %s", o.Events, o.PositionID))
	}
	if hc.Details.Count > 0 {
		hc.Status = position.CheckIssue
	}
	return hc
}

// StopFor returns the protective stop pct percent away from entry on the
// losing side of the position.
func StopFor(side position.Side, entry, pct decimal.Decimal) decimal.Decimal {
	offset := entry.Mul(pct).Div(decimal.NewFromInt(100))
	if side == position.SideShort {
		return entry.Add(offset)
	}
	return entry.Sub(offset)
}

func (m *Manager) checkMissingStops(ctx context.Context, now time.Time) position.HealthCheck {
	hc := m.newCheck(position.CheckMissingStop, now)

	var missing []position.Position
	err := m.store.Read(ctx, func(ctx context.Context, tx *store.ReadTx) error {
		var err error
		missing, err = tx.ListOpenWithoutStop(ctx)
		return err
	})
	if err != nil {
		return failCheck(hc, err)
	}
	if len(missing) == 0 {
		return hc
	}

	hc.Status = position.CheckIssue
	hc.Details.Count = len(missing)
	for _, p := range missing {
		hc.Details.PositionIDs = append(hc.Details.PositionIDs, p.ID)
	}

	if !m.opts.AutoFix || !m.opts.DefaultStopPct.IsPositive() {
		return hc
	}

	fixed := 0
	for _, p := range missing {
		stop := StopFor(p.Side, p.EntryPrice, m.opts.DefaultStopPct)
		err := Retry(ctx, m.opts.Backoff, func() error {
			_, err := m.update(ctx, p.ID, UpdateRequest{
				StopPrice: decimal.NewNullDecimal(stop),
				Actor:     position.ActorDiagnosis,
			}, position.EventUpdated)
			return err
		})
		if err != nil {
			hc.Details.Messages = append(hc.Details.Messages, fmt.Sprintf("%s: set stop failed: %v", p.ID, err))
			continue
		}
		fixed++
		hc.Details.Messages = append(hc.Details.Messages, fmt.Sprintf("%s: stop set to %s", p.ID, stop))
	}
	hc.AutoFixed = fixed == len(missing)
	return hc
}

// checkIntegrity replays a random sample of positions and compares each
// replay with the stored row, and each event's stored hash with its data.
func (m *Manager) checkIntegrity(ctx context.Context, now time.Time) (position.HealthCheck, *position.IntegrityViolation) {
	hc := m.newCheck(position.CheckIntegrity, now)

	var problems map[string][]string
	err := m.store.Read(ctx, func(ctx context.Context, tx *store.ReadTx) error {
		ids, err := tx.SamplePositionIDs(ctx, m.opts.IntegritySampleSize)
		if err != nil {
			return err
		}
		problems = make(map[string][]string)
		for _, id := range ids {
			row, err := tx.GetPosition(ctx, id)
			if err != nil {
				return err
			}
			events, err := tx.ListEvents(ctx, id)
			if err != nil {
				return err
			}
			if msgs := verifyPosition(row, events); len(msgs) > 0 {
				problems[id] = msgs
			}
		}
		hc.Details.Messages = []string{fmt.Sprintf("verified %d position(s)", len(ids))}
		return nil
	})
	if err != nil {
		return failCheck(hc, err), nil
	}
	if len(problems) == 0 {
		return hc, nil
	}

	violation := &position.IntegrityViolation{}
	for _, id := range slices.Sorted(maps.Keys(problems)) {
		violation.PositionIDs = append(violation.PositionIDs, id)
		violation.Details = append(violation.Details, problems[id]...)
	}
	hc.Status = position.CheckIssue
	hc.Details.Count = len(violation.PositionIDs)
	hc.Details.PositionIDs = violation.PositionIDs
	hc.Details.Messages = violation.Details
	return hc, violation
}

func verifyPosition(row position.Position, events []position.Event) []string {
	var msgs []string
	for _, ev := range events {
		if ev.DataHash == "" {
			continue
		}
		_, hash, err := canonical.MarshalAndHash(canonical.DomainEvent, ev.Data)
		if err != nil {
			msgs = append(msgs, fmt.Sprintf("%s event %d: %v", row.ID, ev.ID, err))
			continue
		}
		if hash != ev.DataHash {
			msgs = append(msgs, fmt.Sprintf("%s event %d: data hash mismatch", row.ID, ev.ID))
		}
	}

	replayed, err := position.Replay(events)
	if err != nil {
		return append(msgs, fmt.Sprintf("%s: replay failed: %v", row.ID, err))
	}
	if diff := position.Diff(row, replayed); len(diff) > 0 {
		msgs = append(msgs, fmt.Sprintf("%s: row differs from replay in %s", row.ID, strings.Join(diff, ", ")))
	}
	return msgs
}

func (m *Manager) recordHealthCheck(ctx context.Context, hc position.HealthCheck) error {
	err := Retry(ctx, m.opts.Backoff, func() error {
		return m.store.Write(ctx, func(ctx context.Context, tx *store.Tx) error {
			return tx.InsertHealthCheck(ctx, hc)
		})
	})
	if err != nil {
		return fmt.Errorf("record %s check: %w", hc.Type, err)
	}
	return nil
}
