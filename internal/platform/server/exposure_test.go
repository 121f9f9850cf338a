package server

import (
	"context"
	"errors"
	"testing"

	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/auth"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/ledger"
)

func TestExposureTransferRequiresVerifiedPin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, env.player.ID, ledger.WalletExposure, 3000)

	tr, sess, err := env.exposure.Request(ctx, env.master, env.player.ID, 2000)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if sess.State != auth.PinAwaitingInput {
		t.Fatalf("pin session state: %s", sess.State)
	}
	if _, _, err := env.exposure.Execute(ctx, env.master, tr.ID); !errors.Is(err, auth.ErrAuthenticationRequired) {
		t.Fatalf("execute without pin must fail, got=%v", err)
	}
	if b := env.balances(t, env.player.ID); b.Exposure != 3000 || b.Main != 0 {
		t.Fatalf("funds moved without pin: %+v", b)
	}

	env.verifyPin(t, env.master, sess)
	done, bal, err := env.exposure.Execute(ctx, env.master, tr.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if done.State != ExposureCompleted || bal.Exposure != 1000 || bal.Main != 2000 {
		t.Fatalf("unexpected result: %+v %+v", done, bal)
	}
	if _, _, err := env.exposure.Execute(ctx, env.master, tr.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second execute must fail, got=%v", err)
	}

	txs := env.core.Ledger.Transactions(ledger.Filter{ReferenceID: tr.ID}, 10, 0)
	if len(txs) != 2 {
		t.Fatalf("expected one pair, got %d legs", len(txs))
	}
	for _, tx := range txs {
		if tx.Type != ledger.TxExposureTransfer || tx.UserID != env.player.ID {
			t.Fatalf("unexpected leg: %+v", tx)
		}
	}
	env.requireBalanced(t)
}

func TestExposureTransferAmountBounds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, env.player.ID, ledger.WalletExposure, 3000)

	for _, amount := range []int64{0, -1, 5000} {
		if _, _, err := env.exposure.Request(ctx, env.master, env.player.ID, amount); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %d: got=%v want ErrInvalidAmount", amount, err)
		}
	}
	if _, _, err := env.exposure.Request(ctx, env.player, env.player.ID, 100); !errors.Is(err, ErrForbidden) {
		t.Fatalf("players cannot move exposure, got=%v", err)
	}

	other := env.register(t, env.super, "other-master@karnalix.test", auth.RoleMaster)
	if _, _, err := env.exposure.Request(ctx, other, env.player.ID, 100); !errors.Is(err, ErrForbidden) {
		t.Fatalf("out-of-scope operator must be forbidden, got=%v", err)
	}

	tr, sess, err := env.exposure.Request(ctx, env.master, env.player.ID, 3000)
	if err != nil {
		t.Fatalf("request full exposure: %v", err)
	}
	env.verifyPin(t, env.master, sess)
	if _, _, err := env.exposure.Execute(ctx, env.super, tr.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("another operator cannot execute, got=%v", err)
	}
	if _, bal, err := env.exposure.Execute(ctx, env.master, tr.ID); err != nil || bal.Exposure != 0 || bal.Main != 3000 {
		t.Fatalf("full transfer: %+v err=%v", bal, err)
	}
}
