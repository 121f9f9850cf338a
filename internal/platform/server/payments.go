package server

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/auth"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/ledger"
)

type PaymentKind string

const (
	PaymentDeposit    PaymentKind = "deposit"
	PaymentWithdrawal PaymentKind = "withdrawal"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentApproved  PaymentStatus = "approved"
	PaymentRejected  PaymentStatus = "rejected"
	PaymentCancelled PaymentStatus = "cancelled"
)

type PaymentRequest struct {
	ID          string        `json:"id"`
	Kind        PaymentKind   `json:"kind"`
	UserID      string        `json:"user_id"`
	Amount      int64         `json:"amount"`
	PaymentMode string        `json:"payment_mode"`
	Status      PaymentStatus `json:"status"`
	ReviewedBy  string        `json:"reviewed_by,omitempty"`
	ReviewNotes string        `json:"review_notes,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	ReviewedAt  *time.Time    `json:"reviewed_at,omitempty"`
}

type PaymentService struct {
	*Core

	mu       sync.Mutex
	requests map[string]*PaymentRequest
}

func NewPaymentService(core *Core) *PaymentService {
	return &PaymentService{Core: core, requests: make(map[string]*PaymentRequest)}
}

func (s *PaymentService) get(id string) (PaymentRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.requests[id]
	if r == nil {
		return PaymentRequest{}, false
	}
	return *r, true
}

func (s *PaymentService) put(r PaymentRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.ID] = &r
}

// Create files a pending deposit or withdrawal for the caller.
func (s *PaymentService) Create(ctx context.Context, actor auth.Actor, kind PaymentKind, amount int64, mode string) (PaymentRequest, error) {
	if kind != PaymentDeposit && kind != PaymentWithdrawal {
		return PaymentRequest{}, fmt.Errorf("%w: unknown payment kind %q", ErrInvalidState, kind)
	}
	if amount <= 0 {
		return PaymentRequest{}, fmt.Errorf("%w: %s amount must be positive", ErrInvalidAmount, kind)
	}
	if err := s.authorize(actor, auth.CapRequestPayment, ""); err != nil {
		s.denied(ctx, actor, "payment_request", "", "payment_create", err)
		return PaymentRequest{}, err
	}
	if kind == PaymentWithdrawal {
		bal, err := s.Ledger.Balances(actor.ID)
		if err != nil {
			return PaymentRequest{}, err
		}
		if err := requireFunds(bal, ledger.WalletMain, amount); err != nil {
			return PaymentRequest{}, err
		}
	}
	r := PaymentRequest{
		ID:          uuid.NewString(),
		Kind:        kind,
		UserID:      actor.ID,
		Amount:      amount,
		PaymentMode: strings.TrimSpace(mode),
		Status:      PaymentPending,
		CreatedAt:   s.now(),
	}
	if s.dbEnabled() {
		if err := upsertPayment(ctx, s.db, &r); err != nil {
			return PaymentRequest{}, err
		}
	}
	s.put(r)
	s.record(ctx, actor, "payment_request", r.ID, "payment_create", nil, r)
	return r, nil
}

func (s *PaymentService) reviewable(ctx context.Context, actor auth.Actor, id, action string) (PaymentRequest, error) {
	r, ok := s.get(id)
	if !ok {
		return PaymentRequest{}, fmt.Errorf("%w: payment request %s", ErrNotFound, id)
	}
	if err := s.authorize(actor, auth.CapReviewPayment, r.UserID); err != nil || r.UserID == actor.ID {
		if err == nil {
			err = fmt.Errorf("%w: cannot review your own request", ErrForbidden)
		}
		s.denied(ctx, actor, "payment_request", id, action, err)
		return PaymentRequest{}, err
	}
	return r, nil
}

// Approve posts the paired transaction for a pending request: house to main
// for deposits, main to house for withdrawals.
func (s *PaymentService) Approve(ctx context.Context, actor auth.Actor, id, notes string) (PaymentRequest, error) {
	r, err := s.reviewable(ctx, actor, id, "payment_approve")
	if err != nil {
		return PaymentRequest{}, err
	}

	unlock := s.Ledger.Lock(r.UserID)
	defer unlock()

	r, _ = s.get(id)
	if r.Status != PaymentPending {
		return PaymentRequest{}, fmt.Errorf("%w: request is %s", ErrInvalidState, r.Status)
	}
	var entry ledger.Entry
	switch r.Kind {
	case PaymentDeposit:
		entry = ledger.Between(ledger.TxDepositApproval, r.ID, ledger.HouseAccountID, ledger.WalletMain, r.UserID, ledger.WalletMain, r.Amount)
	case PaymentWithdrawal:
		bal, err := s.Ledger.Balances(r.UserID)
		if err != nil {
			return PaymentRequest{}, err
		}
		if err := requireFunds(bal, ledger.WalletMain, r.Amount); err != nil {
			return PaymentRequest{}, err
		}
		entry = ledger.Between(ledger.TxWithdrawalApproval, r.ID, r.UserID, ledger.WalletMain, ledger.HouseAccountID, ledger.WalletMain, r.Amount)
	}

	before := r
	now := s.now()
	r.Status = PaymentApproved
	r.ReviewedBy = actor.ID
	r.ReviewNotes = notes
	r.ReviewedAt = &now
	persist := func(ctx context.Context, tx *sql.Tx) error {
		return upsertPayment(ctx, tx, &r)
	}
	if _, err := s.post(ctx, persist, entry); err != nil {
		return PaymentRequest{}, err
	}
	s.put(r)
	s.Metrics.ObservePayment(r.Kind, r.Status)
	s.record(ctx, actor, "payment_request", r.ID, "payment_approve", before, r)
	return r, nil
}

func (s *PaymentService) Reject(ctx context.Context, actor auth.Actor, id, notes string) (PaymentRequest, error) {
	r, err := s.reviewable(ctx, actor, id, "payment_reject")
	if err != nil {
		return PaymentRequest{}, err
	}
	if strings.TrimSpace(notes) == "" {
		return PaymentRequest{}, fmt.Errorf("%w: rejection needs review notes", ErrInvalidState)
	}
	return s.close(ctx, actor, r.ID, PaymentRejected, notes, "payment_reject")
}

// Cancel withdraws the caller's own pending request.
func (s *PaymentService) Cancel(ctx context.Context, actor auth.Actor, id string) (PaymentRequest, error) {
	r, ok := s.get(id)
	if !ok {
		return PaymentRequest{}, fmt.Errorf("%w: payment request %s", ErrNotFound, id)
	}
	if r.UserID != actor.ID {
		err := fmt.Errorf("%w: only the requester may cancel", ErrForbidden)
		s.denied(ctx, actor, "payment_request", id, "payment_cancel", err)
		return PaymentRequest{}, err
	}
	return s.close(ctx, actor, id, PaymentCancelled, "", "payment_cancel")
}

func (s *PaymentService) close(ctx context.Context, actor auth.Actor, id string, status PaymentStatus, notes, action string) (PaymentRequest, error) {
	r, _ := s.get(id)
	unlock := s.Ledger.Lock(r.UserID)
	defer unlock()

	r, _ = s.get(id)
	if r.Status != PaymentPending {
		return PaymentRequest{}, fmt.Errorf("%w: request is %s", ErrInvalidState, r.Status)
	}
	before := r
	now := s.now()
	r.Status = status
	r.ReviewNotes = notes
	r.ReviewedAt = &now
	if status != PaymentCancelled {
		r.ReviewedBy = actor.ID
	}
	if s.dbEnabled() {
		if err := upsertPayment(ctx, s.db, &r); err != nil {
			return PaymentRequest{}, err
		}
	}
	s.put(r)
	s.Metrics.ObservePayment(r.Kind, r.Status)
	s.record(ctx, actor, "payment_request", r.ID, action, before, r)
	return r, nil
}

// List returns requests visible to actor, newest first. Players see their
// own; operators see their downline.
func (s *PaymentService) List(actor auth.Actor, kind PaymentKind, status PaymentStatus) ([]PaymentRequest, error) {
	if _, err := s.activeActor(actor); err != nil {
		return nil, err
	}
	s.mu.Lock()
	all := make([]PaymentRequest, 0, len(s.requests))
	for _, r := range s.requests {
		if (kind == "" || r.Kind == kind) && (status == "" || r.Status == status) {
			all = append(all, *r)
		}
	}
	s.mu.Unlock()

	out := all[:0]
	for _, r := range all {
		if r.UserID == actor.ID || actor.Role == auth.RolePowerhouse || s.Users.IsAncestor(actor.ID, r.UserID) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func upsertPayment(ctx context.Context, db execer, r *PaymentRequest) error {
	const q = `
INSERT INTO payment_requests (
  request_id, kind, user_id, amount_minor, payment_mode, status,
  reviewed_by, review_notes, created_at, reviewed_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::timestamptz,$10)
ON CONFLICT (request_id) DO UPDATE SET
  status = EXCLUDED.status,
  reviewed_by = EXCLUDED.reviewed_by,
  review_notes = EXCLUDED.review_notes,
  reviewed_at = EXCLUDED.reviewed_at
`
	var reviewed sql.NullTime
	if r.ReviewedAt != nil {
		reviewed = sql.NullTime{Time: r.ReviewedAt.UTC(), Valid: true}
	}
	_, err := db.ExecContext(ctx, q,
		r.ID,
		string(r.Kind),
		r.UserID,
		r.Amount,
		r.PaymentMode,
		string(r.Status),
		r.ReviewedBy,
		r.ReviewNotes,
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
		reviewed,
	)
	return err
}

// Load restores payment requests from PostgreSQL.
func (s *PaymentService) Load(ctx context.Context) error {
	if !s.dbEnabled() {
		return nil
	}
	const q = `
SELECT request_id, kind, user_id, amount_minor, payment_mode, status,
       reviewed_by, review_notes, created_at, reviewed_at
FROM payment_requests
`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var r PaymentRequest
		var kind, status string
		var reviewed sql.NullTime
		if err := rows.Scan(&r.ID, &kind, &r.UserID, &r.Amount, &r.PaymentMode, &status,
			&r.ReviewedBy, &r.ReviewNotes, &r.CreatedAt, &reviewed); err != nil {
			return err
		}
		r.Kind = PaymentKind(kind)
		r.Status = PaymentStatus(status)
		r.CreatedAt = r.CreatedAt.UTC()
		if reviewed.Valid {
			t := reviewed.Time.UTC()
			r.ReviewedAt = &t
		}
		s.put(r)
	}
	return rows.Err()
}
