package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/audit"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/auth"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/ledger"
)

type ReportingService struct {
	*Core
	Bets *BettingService
}

func NewReportingService(core *Core, bets *BettingService) *ReportingService {
	return &ReportingService{Core: core, Bets: bets}
}

// Reconcile checks pair balance for the filtered transactions. A mismatch
// raises an alert and is never corrected automatically.
func (s *ReportingService) Reconcile(ctx context.Context, actor auth.Actor, f ledger.Filter) (ledger.Report, error) {
	if err := s.authorize(actor, auth.CapReconcile, ""); err != nil {
		s.denied(ctx, actor, "ledger", "", "ledger_reconcile", err)
		return ledger.Report{}, err
	}
	report := s.Ledger.Reconcile(ctx, f)
	s.Metrics.SetOpenAlerts(s.Ledger.OpenAlertCount())
	if !report.Balanced {
		s.record(ctx, actor, "ledger_alert", report.AlertID, "ledger_reconcile", nil, report)
	}
	return report, nil
}

func (s *ReportingService) Alerts(actor auth.Actor, includeResolved bool) ([]ledger.Alert, error) {
	if err := s.authorize(actor, auth.CapReconcile, ""); err != nil {
		return nil, err
	}
	return s.Ledger.Alerts(includeResolved), nil
}

func (s *ReportingService) ResolveAlert(ctx context.Context, actor auth.Actor, id, note string) (ledger.Alert, error) {
	if err := s.authorize(actor, auth.CapReconcile, ""); err != nil {
		s.denied(ctx, actor, "ledger_alert", id, "alert_resolve", err)
		return ledger.Alert{}, err
	}
	alert, err := s.Ledger.ResolveAlert(ctx, id, actor.ID, note)
	if errors.Is(err, ledger.ErrAlertNotFound) {
		return ledger.Alert{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if err != nil {
		return ledger.Alert{}, err
	}
	s.Metrics.SetOpenAlerts(s.Ledger.OpenAlertCount())
	s.record(ctx, actor, "ledger_alert", id, "alert_resolve", nil, alert)
	return alert, nil
}

// StartReconcileWorker reconciles the whole ledger every interval.
func (s *ReportingService) StartReconcileWorker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Ledger.Reconcile(ctx, ledger.Filter{})
				s.Metrics.SetOpenAlerts(s.Ledger.OpenAlertCount())
			}
		}
	}()
}

// Transactions lists ledger legs. Players see their own; operators may pass
// any downline user id; powerhouse may list everything.
func (s *ReportingService) Transactions(actor auth.Actor, f ledger.Filter, limit, offset int) ([]ledger.Transaction, error) {
	if f.UserID == "" && actor.Role != auth.RolePowerhouse {
		f.UserID = actor.ID
	}
	capability := auth.CapViewDownline
	if f.UserID == actor.ID {
		capability = auth.CapViewOwnWallet
	}
	if err := s.authorize(actor, capability, f.UserID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.Ledger.Transactions(f, limit, offset), nil
}

type GGRReport struct {
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Bets     int       `json:"bets"`
	Stakes   int64     `json:"stakes"`
	Payouts  int64     `json:"payouts"`
	Refunds  int64     `json:"refunds"`
	GGR      int64     `json:"ggr"`
	OpenBets int       `json:"open_bets"`
}

// GGR sums stakes minus payouts for bets settled in [from, to), less void
// refunds. A zero bound is open.
func (s *ReportingService) GGR(actor auth.Actor, from, to time.Time) (GGRReport, error) {
	if err := s.authorize(actor, auth.CapViewReports, ""); err != nil {
		return GGRReport{}, err
	}
	r := GGRReport{From: from, To: to}
	for _, b := range s.Bets.Bets() {
		if actor.Role != auth.RolePowerhouse && !s.Users.IsAncestor(actor.ID, b.UserID) {
			continue
		}
		if b.Status == BetOpen {
			r.OpenBets++
			continue
		}
		at := *b.SettledAt
		if (!from.IsZero() && at.Before(from)) || (!to.IsZero() && !at.Before(to)) {
			continue
		}
		r.Bets++
		r.Stakes += b.Stake
		switch b.Status {
		case BetWon:
			r.Payouts += b.Payout
		case BetVoid:
			r.Refunds += b.Stake
		}
	}
	r.GGR = r.Stakes - r.Payouts - r.Refunds
	return r, nil
}

type AuditPage struct {
	Events     []audit.Event `json:"events"`
	ChainValid bool          `json:"chain_valid"`
	BrokenAt   int           `json:"broken_at,omitempty"`
}

// AuditEvents returns audit events newest first, optionally for one object.
func (s *ReportingService) AuditEvents(actor auth.Actor, objectType, objectID string, limit int) (AuditPage, error) {
	if err := s.authorize(actor, auth.CapViewAudit, ""); err != nil {
		return AuditPage{}, err
	}
	if s.Audit == nil || s.Audit.Store == nil {
		return AuditPage{}, audit.ErrCorruptChain
	}
	all := s.Audit.Store.Events()
	page := AuditPage{ChainValid: true}
	if bad := audit.Verify(all); bad >= 0 {
		page.ChainValid = false
		page.BrokenAt = bad
	}
	events := all
	if objectType != "" {
		events = s.Audit.Store.ForObject(objectType, objectID)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].RecordedAt.After(events[j].RecordedAt) })
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if len(events) > limit {
		events = events[:limit]
	}
	page.Events = events
	return page, nil
}
