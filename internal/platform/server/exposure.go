package server

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/auth"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/ledger"
)

const pinActionExposureTransfer = "exposure_transfer"

type ExposureTransferState string

const (
	ExposurePinRequired ExposureTransferState = "pin_required"
	ExposureCompleted   ExposureTransferState = "completed"
)

type ExposureTransfer struct {
	ID         string                `json:"id"`
	OperatorID string                `json:"operator_id"`
	UserID     string                `json:"user_id"`
	Amount     int64                 `json:"amount"`
	State      ExposureTransferState `json:"state"`
	CreatedAt  time.Time             `json:"created_at"`
	ExecutedAt *time.Time            `json:"executed_at,omitempty"`
}

// ExposureService moves locked exposure funds back to main on an operator's
// request, gated by a single-use PIN verification.
type ExposureService struct {
	*Core

	mu        sync.Mutex
	transfers map[string]*ExposureTransfer
}

func NewExposureService(core *Core) *ExposureService {
	return &ExposureService{Core: core, transfers: make(map[string]*ExposureTransfer)}
}

func (s *ExposureService) get(id string) (ExposureTransfer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.transfers[id]
	if t == nil {
		return ExposureTransfer{}, false
	}
	return *t, true
}

func (s *ExposureService) put(t ExposureTransfer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers[t.ID] = &t
}

func checkExposureAmount(amount, exposure int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: transfer amount must be positive", ErrInvalidAmount)
	}
	if amount > exposure {
		return fmt.Errorf("%w: amount %d exceeds exposure balance %d", ErrInvalidAmount, amount, exposure)
	}
	return nil
}

// Request validates the amount and opens a PIN session bound to this
// transfer. Nothing moves until Execute.
func (s *ExposureService) Request(ctx context.Context, actor auth.Actor, userID string, amount int64) (ExposureTransfer, auth.PinSession, error) {
	if err := s.authorize(actor, auth.CapExposureTransfer, userID); err != nil {
		s.denied(ctx, actor, "exposure_transfer", "", "exposure_transfer_request", err)
		return ExposureTransfer{}, auth.PinSession{}, err
	}
	bal, err := s.Ledger.Balances(userID)
	if err != nil {
		return ExposureTransfer{}, auth.PinSession{}, err
	}
	if err := checkExposureAmount(amount, bal.Exposure); err != nil {
		return ExposureTransfer{}, auth.PinSession{}, err
	}
	t := ExposureTransfer{
		ID:         uuid.NewString(),
		OperatorID: actor.ID,
		UserID:     userID,
		Amount:     amount,
		State:      ExposurePinRequired,
		CreatedAt:  s.now(),
	}
	sess, err := s.Pins.Begin(actor.ID, pinActionExposureTransfer, t.ID)
	if err != nil {
		return ExposureTransfer{}, auth.PinSession{}, err
	}
	s.put(t)
	return t, sess, nil
}

// Execute consumes the verified PIN session and posts exposure out, main in.
func (s *ExposureService) Execute(ctx context.Context, actor auth.Actor, transferID string) (ExposureTransfer, ledger.Balances, error) {
	t, ok := s.get(transferID)
	if !ok {
		return ExposureTransfer{}, ledger.Balances{}, fmt.Errorf("%w: exposure transfer %s", ErrNotFound, transferID)
	}
	if t.OperatorID != actor.ID {
		err := fmt.Errorf("%w: transfer belongs to another operator", ErrForbidden)
		s.denied(ctx, actor, "exposure_transfer", transferID, "exposure_transfer_execute", err)
		return ExposureTransfer{}, ledger.Balances{}, err
	}
	if err := s.authorize(actor, auth.CapExposureTransfer, t.UserID); err != nil {
		return ExposureTransfer{}, ledger.Balances{}, err
	}

	unlock := s.Ledger.Lock(t.UserID)
	defer unlock()

	t, _ = s.get(transferID)
	if t.State != ExposurePinRequired {
		return ExposureTransfer{}, ledger.Balances{}, fmt.Errorf("%w: transfer is %s", ErrInvalidState, t.State)
	}
	bal, err := s.Ledger.Balances(t.UserID)
	if err != nil {
		return ExposureTransfer{}, ledger.Balances{}, err
	}
	if err := checkExposureAmount(t.Amount, bal.Exposure); err != nil {
		return ExposureTransfer{}, bal, err
	}
	if err := s.Pins.Consume(actor.ID, pinActionExposureTransfer, t.ID); err != nil {
		s.denied(ctx, actor, "exposure_transfer", t.ID, "exposure_transfer_execute", err)
		return ExposureTransfer{}, bal, err
	}

	before := t
	now := s.now()
	t.State = ExposureCompleted
	t.ExecutedAt = &now
	persist := func(ctx context.Context, tx *sql.Tx) error {
		return insertExposureTransfer(ctx, tx, &t)
	}
	entry := ledger.Between(ledger.TxExposureTransfer, t.ID, t.UserID, ledger.WalletExposure, t.UserID, ledger.WalletMain, t.Amount)
	if _, err := s.post(ctx, persist, entry); err != nil {
		return ExposureTransfer{}, bal, err
	}
	s.put(t)
	s.record(ctx, actor, "exposure_transfer", t.ID, "exposure_transfer_execute", before, t)

	after, _ := s.Ledger.Balances(t.UserID)
	return t, after, nil
}

// insertExposureTransfer records a completed transfer. Pending requests are
// not persisted since their PIN sessions live in memory.
func insertExposureTransfer(ctx context.Context, db execer, t *ExposureTransfer) error {
	const q = `
INSERT INTO exposure_transfers (
  transfer_id, operator_id, user_id, amount_minor, state, created_at, executed_at
)
VALUES ($1,$2,$3,$4,$5,$6::timestamptz,$7::timestamptz)
`
	_, err := db.ExecContext(ctx, q,
		t.ID,
		t.OperatorID,
		t.UserID,
		t.Amount,
		string(t.State),
		t.CreatedAt.UTC().Format(time.RFC3339Nano),
		t.ExecutedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}
