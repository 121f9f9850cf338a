package server

import (
	"context"
	"errors"
	"testing"

	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/auth"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/ledger"
)

func TestSettlementRollsMasterTotalToSuperior(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, env.master.ID, ledger.WalletMain, 45000)
	env.fund(t, env.master.ID, ledger.WalletPL, 12000)

	st, err := env.settlements.Create(ctx, env.super, env.master.ID)
	if err != nil {
		t.Fatalf("create settlement: %v", err)
	}
	if st.Total != 57000 || st.State != SettlementPendingConfirmation || st.SuperiorID != env.super.ID {
		t.Fatalf("unexpected preview: %+v", st)
	}
	if _, err := env.settlements.Execute(ctx, env.super, st.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("execute before confirm must fail, got=%v", err)
	}

	st, sess, err := env.settlements.Confirm(ctx, env.super, st.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if st.State != SettlementPinRequired {
		t.Fatalf("state after confirm: %s", st.State)
	}
	if _, err := env.settlements.Execute(ctx, env.super, st.ID); !errors.Is(err, auth.ErrAuthenticationRequired) {
		t.Fatalf("execute without pin must fail, got=%v", err)
	}
	env.verifyPin(t, env.super, sess)

	done, err := env.settlements.Execute(ctx, env.super, st.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if done.State != SettlementSettled || done.ClosedAt == nil {
		t.Fatalf("unexpected settled record: %+v", done)
	}
	if m := env.balances(t, env.master.ID); m.Main != 0 || m.PL != 0 {
		t.Fatalf("master not zeroed: %+v", m)
	}
	if s := env.balances(t, env.super.ID); s.Main != 57000 {
		t.Fatalf("superior main: got=%d want=57000", s.Main)
	}
	if _, err := env.settlements.Create(ctx, env.super, env.master.ID); !errors.Is(err, ErrNothingToSettle) {
		t.Fatalf("second settlement should have nothing to settle, got=%v", err)
	}
	if _, err := env.settlements.Execute(ctx, env.super, st.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("re-execute must fail, got=%v", err)
	}
	txs := env.core.Ledger.Transactions(ledger.Filter{ReferenceID: st.ID}, 100, 0)
	for _, tx := range txs {
		if tx.Type != ledger.TxSettlement {
			t.Fatalf("unexpected transaction type %s", tx.Type)
		}
	}
	env.requireBalanced(t)
}

func TestNegativeSettlementDebitsSuperior(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, env.master.ID, ledger.WalletMain, 1000)
	loss := ledger.Between(ledger.TxGameWin, "seed-loss", env.master.ID, ledger.WalletPL, ledger.HouseAccountID, ledger.WalletMain, 5000)
	if _, err := env.core.Ledger.RecordPair(ctx, loss); err != nil {
		t.Fatalf("seed pl loss: %v", err)
	}

	st, err := env.settlements.Create(ctx, env.super, env.master.ID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if st.Total != -4000 {
		t.Fatalf("total: got=%d want=-4000", st.Total)
	}
	st, sess, err := env.settlements.Confirm(ctx, env.super, st.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	env.verifyPin(t, env.super, sess)

	if _, err := env.settlements.Execute(ctx, env.super, st.ID); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("unfunded superior should fail, got=%v", err)
	}
	env.fund(t, env.super.ID, ledger.WalletMain, 10000)
	if _, err := env.settlements.Execute(ctx, env.super, st.ID); err != nil {
		t.Fatalf("execute after funding: %v", err)
	}
	if s := env.balances(t, env.super.ID); s.Main != 6000 {
		t.Fatalf("superior main: got=%d want=6000", s.Main)
	}
	if m := env.balances(t, env.master.ID); m.Main != 0 || m.PL != 0 {
		t.Fatalf("master not zeroed: %+v", m)
	}
	env.requireBalanced(t)
}

func TestSettlementRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.settlements.Create(ctx, env.super, env.master.ID); !errors.Is(err, ErrNothingToSettle) {
		t.Fatalf("zero total should be rejected, got=%v", err)
	}
	if n := len(env.core.Ledger.Transactions(ledger.Filter{Type: ledger.TxSettlement}, 10, 0)); n != 0 {
		t.Fatalf("nothing-to-settle wrote %d transactions", n)
	}
	if _, err := env.settlements.Create(ctx, env.master, env.player.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("players are not settled, got=%v", err)
	}
	if _, err := env.settlements.Create(ctx, env.player, env.master.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("players cannot settle, got=%v", err)
	}

	env.fund(t, env.master.ID, ledger.WalletMain, 100)
	st, err := env.settlements.Create(ctx, env.super, env.master.ID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := env.settlements.Confirm(ctx, env.powerhouse, st.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("only the requester may confirm, got=%v", err)
	}
	cancelled, err := env.settlements.Cancel(ctx, env.super, st.ID)
	if err != nil || cancelled.State != SettlementCancelled {
		t.Fatalf("cancel: %+v err=%v", cancelled, err)
	}
	if _, _, err := env.settlements.Confirm(ctx, env.super, st.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("cancelled settlement cannot be confirmed, got=%v", err)
	}
	if got := env.balances(t, env.master.ID); got.Main != 100 {
		t.Fatalf("cancel moved funds: %+v", got)
	}
}

func TestOffsettingMainAndPLAreNotSettled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, env.master.ID, ledger.WalletMain, 500)
	payout := ledger.Between(ledger.TxGameWin, "bet-x", env.master.ID, ledger.WalletPL, ledger.HouseAccountID, ledger.WalletMain, 500)
	if _, err := env.core.Ledger.RecordPair(ctx, payout); err != nil {
		t.Fatalf("record master loss: %v", err)
	}

	if _, err := env.settlements.Create(ctx, env.super, env.master.ID); !errors.Is(err, ErrNothingToSettle) {
		t.Fatalf("main and pl that cancel out leave nothing to settle, got=%v", err)
	}
	if m := env.balances(t, env.master.ID); m.Main != 500 || m.PL != -500 {
		t.Fatalf("balances must stay untouched: %+v", m)
	}
	if n := len(env.core.Ledger.Transactions(ledger.Filter{Type: ledger.TxSettlement}, 10, 0)); n != 0 {
		t.Fatalf("nothing-to-settle wrote %d transactions", n)
	}
}
