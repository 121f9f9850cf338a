package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/auth"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/ledger"
)

func TestDepositApprovalCreditsMain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req, err := env.payments.Create(ctx, env.player, PaymentDeposit, 5000, " esewa ")
	if err != nil {
		t.Fatalf("create deposit: %v", err)
	}
	if req.Status != PaymentPending || req.PaymentMode != "esewa" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if _, err := env.payments.Approve(ctx, env.player, req.ID, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("player review must be forbidden, got=%v", err)
	}

	approved, err := env.payments.Approve(ctx, env.master, req.ID, "ok")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != PaymentApproved || approved.ReviewedBy != env.master.ID || approved.ReviewedAt == nil {
		t.Fatalf("unexpected approval: %+v", approved)
	}
	if b := env.balances(t, env.player.ID); b.Main != 5000 {
		t.Fatalf("player main: got=%d want=5000", b.Main)
	}
	if _, err := env.payments.Approve(ctx, env.master, req.ID, "again"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double approval must fail, got=%v", err)
	}
	txs := env.core.Ledger.Transactions(ledger.Filter{ReferenceID: req.ID, UserID: env.player.ID}, 10, 0)
	if len(txs) != 1 || txs[0].Type != ledger.TxDepositApproval || txs[0].Action != ledger.ActionIn {
		t.Fatalf("unexpected ledger legs: %+v", txs)
	}
	env.requireBalanced(t)
}

func TestPaymentReviewScope(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	self := env.register(t, env.master, "reviewed@karnalix.test", auth.RolePlayer)
	req, err := env.payments.Create(ctx, self, PaymentDeposit, 100, "bank")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.payments.Approve(ctx, self, req.ID, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("player review must be forbidden, got=%v", err)
	}
	other := env.register(t, env.super, "other-master@karnalix.test", auth.RoleMaster)
	if _, err := env.payments.Approve(ctx, other, req.ID, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("out-of-scope review must be forbidden, got=%v", err)
	}
	if _, err := env.payments.Approve(ctx, env.powerhouse, req.ID, ""); err != nil {
		t.Fatalf("powerhouse approve: %v", err)
	}
}

func TestWithdrawalChecksMainBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.payments.Create(ctx, env.player, PaymentWithdrawal, 1000, "bank"); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("unfunded withdrawal request, got=%v", err)
	}
	if _, err := env.payments.Create(ctx, env.player, PaymentWithdrawal, 0, "bank"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero withdrawal, got=%v", err)
	}

	env.fund(t, env.player.ID, ledger.WalletMain, 1500)
	req, err := env.payments.Create(ctx, env.player, PaymentWithdrawal, 1000, "bank")
	if err != nil {
		t.Fatalf("create withdrawal: %v", err)
	}

	// Spend funds between request and approval.
	if _, _, err := env.bets.PlaceBet(ctx, env.player, env.player.ID, 1000); err != nil {
		t.Fatalf("place bet: %v", err)
	}
	if _, err := env.payments.Approve(ctx, env.master, req.ID, ""); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("approval past balance, got=%v", err)
	}
	if got, _ := env.payments.get(req.ID); got.Status != PaymentPending {
		t.Fatalf("failed approval changed status to %s", got.Status)
	}

	env.fund(t, env.player.ID, ledger.WalletMain, 500)
	if _, err := env.payments.Approve(ctx, env.master, req.ID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if b := env.balances(t, env.player.ID); b.Main != 0 {
		t.Fatalf("player main after withdrawal: %d", b.Main)
	}
	env.requireBalanced(t)
}

func TestRejectAndCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req, err := env.payments.Create(ctx, env.player, PaymentDeposit, 700, "bank")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.payments.Reject(ctx, env.master, req.ID, "  "); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("reject without notes, got=%v", err)
	}
	rejected, err := env.payments.Reject(ctx, env.master, req.ID, "receipt missing")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != PaymentRejected || rejected.ReviewNotes != "receipt missing" {
		t.Fatalf("unexpected rejection: %+v", rejected)
	}
	if _, err := env.payments.Cancel(ctx, env.player, req.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("cancel after reject, got=%v", err)
	}

	other, err := env.payments.Create(ctx, env.player, PaymentDeposit, 300, "bank")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.payments.Cancel(ctx, env.master, other.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("operator cancel, got=%v", err)
	}
	cancelled, err := env.payments.Cancel(ctx, env.player, other.ID)
	if err != nil || cancelled.Status != PaymentCancelled || cancelled.ReviewedBy != "" {
		t.Fatalf("cancel: %+v err=%v", cancelled, err)
	}
	if b := env.balances(t, env.player.ID); b.Main != 0 {
		t.Fatalf("rejected or cancelled requests moved funds: %+v", b)
	}
}

func TestListScopesRequests(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	outsider := env.register(t, env.super, "outside-master@karnalix.test", auth.RoleMaster)
	stranger := env.register(t, outsider, "stranger@karnalix.test", auth.RolePlayer)

	first, err := env.payments.Create(ctx, env.player, PaymentDeposit, 100, "bank")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	env.clk.Advance(time.Minute)
	second, err := env.payments.Create(ctx, env.player, PaymentDeposit, 200, "bank")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.payments.Create(ctx, stranger, PaymentDeposit, 300, "bank"); err != nil {
		t.Fatalf("create: %v", err)
	}

	mine, err := env.payments.List(env.master, PaymentDeposit, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mine) != 2 || mine[0].ID != second.ID || mine[1].ID != first.ID {
		t.Fatalf("master listing: %+v", mine)
	}
	own, _ := env.payments.List(stranger, "", "")
	if len(own) != 1 || own[0].UserID != stranger.ID {
		t.Fatalf("player listing: %+v", own)
	}
	all, _ := env.payments.List(env.powerhouse, "", PaymentPending)
	if len(all) != 3 {
		t.Fatalf("powerhouse listing: got=%d want=3", len(all))
	}
	none, _ := env.payments.List(env.master, PaymentWithdrawal, "")
	if len(none) != 0 {
		t.Fatalf("withdrawal listing: %+v", none)
	}
}
