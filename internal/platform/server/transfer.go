package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/auth"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/ledger"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/users"
)

// TransferService moves main balance between users, at most Limit times per
// sender in any trailing Window.
type TransferService struct {
	*Core

	Limit  int
	Window time.Duration
}

func NewTransferService(core *Core, limit int, window time.Duration) *TransferService {
	if limit <= 0 {
		limit = 5
	}
	if window <= 0 {
		window = 60 * time.Minute
	}
	return &TransferService{Core: core, Limit: limit, Window: window}
}

type TransferResult struct {
	ReferenceID  string               `json:"reference_id"`
	From         string               `json:"from"`
	To           string               `json:"to"`
	Amount       int64                `json:"amount"`
	Transactions []ledger.Transaction `json:"transactions"`
	Remaining    int                  `json:"remaining_in_window"`
}

// checkRate counts the sender's outgoing transfers in the trailing window.
func (s *TransferService) checkRate(userID string, now time.Time) (int, error) {
	count, oldest := s.Ledger.CountSince(userID, ledger.TxTransfer, ledger.ActionOut, now.Add(-s.Window))
	if count >= s.Limit {
		retry := oldest.Add(s.Window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return count, &RateLimitError{Limit: s.Limit, Window: s.Window, RetryAfter: retry}
	}
	return count, nil
}

func (s *TransferService) Transfer(ctx context.Context, actor auth.Actor, toUserID string, amount int64, password string) (TransferResult, error) {
	if amount <= 0 {
		return TransferResult{}, fmt.Errorf("%w: transfer amount must be positive", ErrInvalidAmount)
	}
	if err := s.authorize(actor, auth.CapTransfer, ""); err != nil {
		s.denied(ctx, actor, "transfer", "", "coins_transfer", err)
		return TransferResult{}, err
	}
	if toUserID == "" || toUserID == actor.ID {
		return TransferResult{}, fmt.Errorf("%w: recipient must be another user", ErrInvalidAmount)
	}
	recipient, err := s.Users.Get(toUserID)
	if err != nil {
		return TransferResult{}, fmt.Errorf("%w: recipient %s", ErrNotFound, toUserID)
	}
	if !recipient.Active {
		return TransferResult{}, fmt.Errorf("%w: recipient is suspended", ErrForbidden)
	}
	if _, err := s.checkRate(actor.ID, s.now()); err != nil {
		s.Metrics.ObserveRateLimited("coins_transfer")
		return TransferResult{}, err
	}
	if err := s.Users.VerifyPassword(actor.ID, password); err != nil {
		if errors.Is(err, users.ErrInvalidCredentials) {
			s.denied(ctx, actor, "transfer", "", "coins_transfer", err)
		}
		return TransferResult{}, err
	}

	unlock := s.Ledger.Lock(actor.ID, toUserID)
	defer unlock()

	now := s.now()
	count, err := s.checkRate(actor.ID, now)
	if err != nil {
		s.Metrics.ObserveRateLimited("coins_transfer")
		return TransferResult{}, err
	}
	bal, err := s.Ledger.Balances(actor.ID)
	if err != nil {
		return TransferResult{}, err
	}
	if err := requireFunds(bal, ledger.WalletMain, amount); err != nil {
		return TransferResult{}, err
	}

	ref := uuid.NewString()
	txs, err := s.post(ctx, nil, ledger.Between(ledger.TxTransfer, ref, actor.ID, ledger.WalletMain, toUserID, ledger.WalletMain, amount))
	if err != nil {
		return TransferResult{}, err
	}
	res := TransferResult{
		ReferenceID:  ref,
		From:         actor.ID,
		To:           toUserID,
		Amount:       amount,
		Transactions: txs,
		Remaining:    s.Limit - count - 1,
	}
	s.record(ctx, actor, "transfer", ref, "coins_transfer", nil, res)
	return res, nil
}
