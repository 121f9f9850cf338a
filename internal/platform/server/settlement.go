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

const pinActionSettlement = "settlement"

type SettlementState string

const (
	SettlementPendingConfirmation SettlementState = "pending_confirmation"
	SettlementPinRequired         SettlementState = "pin_required"
	SettlementSettled             SettlementState = "settled"
	SettlementCancelled           SettlementState = "cancelled"
)

type Settlement struct {
	ID          string          `json:"id"`
	MasterID    string          `json:"master_id"`
	SuperiorID  string          `json:"superior_id"`
	Main        int64           `json:"main"`
	PL          int64           `json:"pl"`
	Total       int64           `json:"total"`
	State       SettlementState `json:"state"`
	RequestedBy string          `json:"requested_by"`
	CreatedAt   time.Time       `json:"created_at"`
	ClosedAt    *time.Time      `json:"closed_at,omitempty"`
}

// SettlementService zeroes a subordinate's main and P&L wallets and rolls
// the net total up to the superior.
type SettlementService struct {
	*Core

	mu          sync.Mutex
	settlements map[string]*Settlement
}

func NewSettlementService(core *Core) *SettlementService {
	return &SettlementService{Core: core, settlements: make(map[string]*Settlement)}
}

func (s *SettlementService) get(id string) (Settlement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.settlements[id]
	if st == nil {
		return Settlement{}, false
	}
	return *st, true
}

func (s *SettlementService) put(st Settlement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settlements[st.ID] = &st
}

// SettlementEntries builds the pairs for one settlement: main and P&L are
// zeroed against the house and total is applied to the superior's main.
func SettlementEntries(ref, masterID, superiorID string, main, pl int64) []ledger.Entry {
	out := make([]ledger.Entry, 0, 3)
	if main > 0 {
		out = append(out, ledger.Between(ledger.TxSettlement, ref, masterID, ledger.WalletMain, ledger.HouseAccountID, ledger.WalletMain, main))
	}
	switch {
	case pl > 0:
		out = append(out, ledger.Between(ledger.TxSettlement, ref, masterID, ledger.WalletPL, ledger.HouseAccountID, ledger.WalletMain, pl))
	case pl < 0:
		out = append(out, ledger.Between(ledger.TxSettlement, ref, ledger.HouseAccountID, ledger.WalletMain, masterID, ledger.WalletPL, -pl))
	}
	switch total := main + pl; {
	case total > 0:
		out = append(out, ledger.Between(ledger.TxSettlement, ref, ledger.HouseAccountID, ledger.WalletMain, superiorID, ledger.WalletMain, total))
	case total < 0:
		out = append(out, ledger.Between(ledger.TxSettlement, ref, superiorID, ledger.WalletMain, ledger.HouseAccountID, ledger.WalletMain, -total))
	}
	return out
}

// Create previews a settlement for subordinateID. A zero total is rejected
// without writing anything.
func (s *SettlementService) Create(ctx context.Context, actor auth.Actor, subordinateID string) (Settlement, error) {
	if err := s.authorize(actor, auth.CapSettle, subordinateID); err != nil || subordinateID == actor.ID {
		if err == nil {
			err = fmt.Errorf("%w: cannot settle your own account", ErrForbidden)
		}
		s.denied(ctx, actor, "settlement", "", "settlement_create", err)
		return Settlement{}, err
	}
	sub, err := s.Users.Get(subordinateID)
	if err != nil {
		return Settlement{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if sub.Role != auth.RoleMaster && sub.Role != auth.RoleSuper {
		return Settlement{}, fmt.Errorf("%w: only masters and supers are settled", ErrForbidden)
	}
	superior, err := s.Users.Parent(subordinateID)
	if err != nil {
		return Settlement{}, err
	}
	bal, err := s.Ledger.Balances(subordinateID)
	if err != nil {
		return Settlement{}, err
	}
	if bal.Main+bal.PL == 0 {
		return Settlement{}, ErrNothingToSettle
	}
	st := Settlement{
		ID:          uuid.NewString(),
		MasterID:    subordinateID,
		SuperiorID:  superior.ID,
		Main:        bal.Main,
		PL:          bal.PL,
		Total:       bal.Main + bal.PL,
		State:       SettlementPendingConfirmation,
		RequestedBy: actor.ID,
		CreatedAt:   s.now(),
	}
	if s.dbEnabled() {
		if err := upsertSettlement(ctx, s.db, &st); err != nil {
			return Settlement{}, err
		}
	}
	s.put(st)
	return st, nil
}

func (s *SettlementService) owned(actor auth.Actor, id string) (Settlement, error) {
	st, ok := s.get(id)
	if !ok {
		return Settlement{}, fmt.Errorf("%w: settlement %s", ErrNotFound, id)
	}
	if st.RequestedBy != actor.ID {
		return Settlement{}, fmt.Errorf("%w: settlement belongs to another operator", ErrForbidden)
	}
	return st, nil
}

// Confirm moves a pending settlement to pin_required and opens the PIN
// session that Execute consumes.
func (s *SettlementService) Confirm(ctx context.Context, actor auth.Actor, id string) (Settlement, auth.PinSession, error) {
	st, err := s.owned(actor, id)
	if err != nil {
		s.denied(ctx, actor, "settlement", id, "settlement_confirm", err)
		return Settlement{}, auth.PinSession{}, err
	}
	if st.State != SettlementPendingConfirmation {
		return Settlement{}, auth.PinSession{}, fmt.Errorf("%w: settlement is %s", ErrInvalidState, st.State)
	}
	sess, err := s.Pins.Begin(actor.ID, pinActionSettlement, st.ID)
	if err != nil {
		return Settlement{}, auth.PinSession{}, err
	}
	st.State = SettlementPinRequired
	if s.dbEnabled() {
		if err := upsertSettlement(ctx, s.db, &st); err != nil {
			return Settlement{}, auth.PinSession{}, err
		}
	}
	s.put(st)
	return st, sess, nil
}

// Execute settles at the balances current at execution time.
func (s *SettlementService) Execute(ctx context.Context, actor auth.Actor, id string) (Settlement, error) {
	st, err := s.owned(actor, id)
	if err != nil {
		s.denied(ctx, actor, "settlement", id, "settlement_execute", err)
		return Settlement{}, err
	}
	if err := s.authorize(actor, auth.CapSettle, st.MasterID); err != nil {
		return Settlement{}, err
	}

	unlock := s.Ledger.Lock(st.MasterID, st.SuperiorID)
	defer unlock()

	st, _ = s.get(id)
	if st.State != SettlementPinRequired {
		return Settlement{}, fmt.Errorf("%w: settlement is %s", ErrInvalidState, st.State)
	}
	bal, err := s.Ledger.Balances(st.MasterID)
	if err != nil {
		return Settlement{}, err
	}
	total := bal.Main + bal.PL
	if total == 0 {
		return Settlement{}, ErrNothingToSettle
	}
	if total < 0 {
		sup, err := s.Ledger.Balances(st.SuperiorID)
		if err != nil {
			return Settlement{}, err
		}
		if err := requireFunds(sup, ledger.WalletMain, -total); err != nil {
			return Settlement{}, err
		}
	}
	if err := s.Pins.Consume(actor.ID, pinActionSettlement, st.ID); err != nil {
		s.denied(ctx, actor, "settlement", st.ID, "settlement_execute", err)
		return Settlement{}, err
	}

	before := st
	now := s.now()
	st.Main, st.PL, st.Total = bal.Main, bal.PL, total
	st.State = SettlementSettled
	st.ClosedAt = &now
	persist := func(ctx context.Context, tx *sql.Tx) error {
		return upsertSettlement(ctx, tx, &st)
	}
	if _, err := s.post(ctx, persist, SettlementEntries(st.ID, st.MasterID, st.SuperiorID, bal.Main, bal.PL)...); err != nil {
		return Settlement{}, err
	}
	s.put(st)
	s.Metrics.ObserveSettlement(total)
	s.record(ctx, actor, "settlement", st.ID, "settlement_execute", before, st)
	return st, nil
}

// Cancel aborts a settlement that has not been executed.
func (s *SettlementService) Cancel(ctx context.Context, actor auth.Actor, id string) (Settlement, error) {
	st, err := s.owned(actor, id)
	if err != nil {
		return Settlement{}, err
	}
	if st.State != SettlementPendingConfirmation && st.State != SettlementPinRequired {
		return Settlement{}, fmt.Errorf("%w: settlement is %s", ErrInvalidState, st.State)
	}
	before := st
	now := s.now()
	st.State = SettlementCancelled
	st.ClosedAt = &now
	if s.dbEnabled() {
		if err := upsertSettlement(ctx, s.db, &st); err != nil {
			return Settlement{}, err
		}
	}
	s.put(st)
	s.record(ctx, actor, "settlement", st.ID, "settlement_cancel", before, st)
	return st, nil
}

func (s *SettlementService) Get(actor auth.Actor, id string) (Settlement, error) {
	st, ok := s.get(id)
	if !ok {
		return Settlement{}, fmt.Errorf("%w: settlement %s", ErrNotFound, id)
	}
	if err := s.authorize(actor, auth.CapSettle, st.MasterID); err != nil {
		return Settlement{}, err
	}
	return st, nil
}

func upsertSettlement(ctx context.Context, db execer, st *Settlement) error {
	const q = `
INSERT INTO settlements (
  settlement_id, master_id, superior_id, main_minor, pl_minor, total_minor,
  state, requested_by, created_at, closed_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::timestamptz,$10)
ON CONFLICT (settlement_id) DO UPDATE SET
  main_minor = EXCLUDED.main_minor,
  pl_minor = EXCLUDED.pl_minor,
  total_minor = EXCLUDED.total_minor,
  state = EXCLUDED.state,
  closed_at = EXCLUDED.closed_at
`
	var closed sql.NullTime
	if st.ClosedAt != nil {
		closed = sql.NullTime{Time: st.ClosedAt.UTC(), Valid: true}
	}
	_, err := db.ExecContext(ctx, q,
		st.ID,
		st.MasterID,
		st.SuperiorID,
		st.Main,
		st.PL,
		st.Total,
		string(st.State),
		st.RequestedBy,
		st.CreatedAt.UTC().Format(time.RFC3339Nano),
		closed,
	)
	return err
}

// Load restores settlements from PostgreSQL. PIN sessions do not survive a
// restart, so pin_required records fall back to pending_confirmation.
func (s *SettlementService) Load(ctx context.Context) error {
	if !s.dbEnabled() {
		return nil
	}
	const q = `
SELECT settlement_id, master_id, superior_id, main_minor, pl_minor, total_minor,
       state, requested_by, created_at, closed_at
FROM settlements
`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var st Settlement
		var state string
		var closed sql.NullTime
		if err := rows.Scan(&st.ID, &st.MasterID, &st.SuperiorID, &st.Main, &st.PL, &st.Total,
			&state, &st.RequestedBy, &st.CreatedAt, &closed); err != nil {
			return err
		}
		st.State = SettlementState(state)
		if st.State == SettlementPinRequired {
			st.State = SettlementPendingConfirmation
		}
		st.CreatedAt = st.CreatedAt.UTC()
		if closed.Valid {
			t := closed.Time.UTC()
			st.ClosedAt = &t
		}
		s.put(st)
	}
	return rows.Err()
}
