package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/auth"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/ledger"
)

func TestSelectWallet(t *testing.T) {
	cases := []struct {
		name  string
		bal   ledger.Balances
		stake int64
		want  ledger.WalletType
		err   error
	}{
		{name: "main covers", bal: ledger.Balances{Main: 5000, Bonus: 9000}, stake: 4000, want: ledger.WalletMain},
		{name: "tie goes to main", bal: ledger.Balances{Main: 3000, Bonus: 3000}, stake: 3000, want: ledger.WalletMain},
		{name: "falls back to bonus", bal: ledger.Balances{Main: 100, Bonus: 3000}, stake: 2000, want: ledger.WalletBonus},
		{name: "no partial draw", bal: ledger.Balances{Main: 1500, Bonus: 1500}, stake: 2000, err: ErrInsufficientBalance},
		{name: "zero stake", bal: ledger.Balances{Main: 1500}, stake: 0, err: ErrInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := SelectWallet(tc.bal, tc.stake)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got=%v", tc.err, err)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("got=%s err=%v want=%s", got, err, tc.want)
			}
		})
	}
}

func TestSplitWin(t *testing.T) {
	cases := []struct {
		win, limit         int64
		toMain, toExposure int64
	}{
		{win: 25000, limit: 10000, toMain: 10000, toExposure: 15000},
		{win: 8000, limit: 10000, toMain: 8000, toExposure: 0},
		{win: 10000, limit: 10000, toMain: 10000, toExposure: 0},
		{win: 500, limit: 0, toMain: 0, toExposure: 500},
		{win: 0, limit: 10000, toMain: 0, toExposure: 0},
	}
	for _, tc := range cases {
		m, x := SplitWin(tc.win, tc.limit)
		if m != tc.toMain || x != tc.toExposure {
			t.Fatalf("SplitWin(%d, %d) = %d, %d; want %d, %d", tc.win, tc.limit, m, x, tc.toMain, tc.toExposure)
		}
		if m+x != max(tc.win, 0) {
			t.Fatalf("split does not conserve the win: %d + %d != %d", m, x, tc.win)
		}
	}
}

func TestWonBetSplitsPayoutAndRollsUpToMaster(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, env.player.ID, ledger.WalletMain, 20000)

	bet, bal, err := env.bets.PlaceBet(ctx, env.player, "", 5000)
	if err != nil {
		t.Fatalf("place bet: %v", err)
	}
	if bet.Wallet != ledger.WalletMain || bal.Main != 15000 {
		t.Fatalf("unexpected placement: wallet=%s balances=%+v", bet.Wallet, bal)
	}

	settled, err := env.bets.SettleBet(ctx, env.master, bet.ID, BetWon, 25000)
	if err != nil {
		t.Fatalf("settle bet: %v", err)
	}
	if settled.ToMain != 10000 || settled.ToExposure != 15000 {
		t.Fatalf("unexpected split: %+v", settled)
	}
	got := env.balances(t, env.player.ID)
	if got.Main != 25000 || got.Exposure != 15000 {
		t.Fatalf("player balances: %+v", got)
	}
	if m := env.balances(t, env.master.ID); m.PL != -20000 {
		t.Fatalf("master pl: got=%d want=-20000", m.PL)
	}
	env.requireBalanced(t)

	if _, err := env.bets.SettleBet(ctx, env.master, bet.ID, BetLost, 0); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected second settlement to fail, got=%v", err)
	}
	if v := testutil.ToFloat64(env.metrics.betsTotal.WithLabelValues("main", "won")); v != 1 {
		t.Fatalf("won bet metric: got=%v", v)
	}
}

func TestPerUserExposureLimitOverridesDefault(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	limit := int64(2000)
	if _, err := env.accounts.Update(ctx, env.powerhouse, env.player.ID, UserUpdate{ExposureLimit: &limit}); err != nil {
		t.Fatalf("set exposure limit: %v", err)
	}
	env.fund(t, env.player.ID, ledger.WalletMain, 1000)
	bet, _, err := env.bets.PlaceBet(ctx, env.player, "", 1000)
	if err != nil {
		t.Fatalf("place bet: %v", err)
	}
	if _, err := env.bets.SettleBet(ctx, env.master, bet.ID, BetWon, 5000); err != nil {
		t.Fatalf("settle bet: %v", err)
	}
	if got := env.balances(t, env.player.ID); got.Main != 2000 || got.Exposure != 3000 {
		t.Fatalf("player balances: %+v", got)
	}
}

func TestLostAndVoidBets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, env.player.ID, ledger.WalletMain, 1000)
	env.fund(t, env.player.ID, ledger.WalletBonus, 4000)

	lost, _, err := env.bets.PlaceBet(ctx, env.player, "", 1000)
	if err != nil {
		t.Fatalf("place main bet: %v", err)
	}
	if _, err := env.bets.SettleBet(ctx, env.master, lost.ID, BetLost, 0); err != nil {
		t.Fatalf("settle lost: %v", err)
	}
	if m := env.balances(t, env.master.ID); m.PL != 1000 {
		t.Fatalf("master pl after loss: got=%d want=1000", m.PL)
	}

	void, _, err := env.bets.PlaceBet(ctx, env.player, "", 3000)
	if err != nil {
		t.Fatalf("place bonus bet: %v", err)
	}
	if void.Wallet != ledger.WalletBonus {
		t.Fatalf("expected bonus-funded bet, got=%s", void.Wallet)
	}
	if _, err := env.bets.SettleBet(ctx, env.master, void.ID, BetVoid, 0); err != nil {
		t.Fatalf("settle void: %v", err)
	}
	got := env.balances(t, env.player.ID)
	if got.Main != 0 || got.Bonus != 4000 {
		t.Fatalf("void should refund the bonus wallet: %+v", got)
	}
	if m := env.balances(t, env.master.ID); m.PL != 1000 {
		t.Fatalf("void must not move master pl: got=%d", m.PL)
	}
	if _, err := env.bets.SettleBet(ctx, env.master, void.ID, BetWon, 100); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state on settled bet, got=%v", err)
	}
	env.requireBalanced(t)
}

func TestPlaceBetRejectsInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, env.player.ID, ledger.WalletMain, 1500)
	env.fund(t, env.player.ID, ledger.WalletBonus, 1500)

	if _, _, err := env.bets.PlaceBet(ctx, env.player, "", 2000); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got=%v", err)
	}
	if got := env.balances(t, env.player.ID); got.Main != 1500 || got.Bonus != 1500 {
		t.Fatalf("balances changed on rejected bet: %+v", got)
	}
	if _, _, err := env.bets.PlaceBet(ctx, env.master, env.player.ID, 100); !errors.Is(err, ErrForbidden) {
		t.Fatalf("operators must not bet for players, got=%v", err)
	}
}

func TestSettleBetRequiresScope(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	other := env.register(t, env.super, "other-master@karnalix.test", auth.RoleMaster)
	env.fund(t, env.player.ID, ledger.WalletMain, 1000)
	bet, _, err := env.bets.PlaceBet(ctx, env.player, "", 500)
	if err != nil {
		t.Fatalf("place bet: %v", err)
	}
	if _, err := env.bets.SettleBet(ctx, other, bet.ID, BetLost, 0); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden outside downline, got=%v", err)
	}
	if _, err := env.bets.SettleBet(ctx, env.super, bet.ID, BetLost, 0); !errors.Is(err, ErrForbidden) {
		t.Fatalf("supers do not settle bets, got=%v", err)
	}
}

func TestConcurrentBetsNeverOverdraw(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, env.player.ID, ledger.WalletMain, 1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	placed := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := env.bets.PlaceBet(ctx, env.player, "", 100); err == nil {
				mu.Lock()
				placed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if placed != 10 {
		t.Fatalf("expected 10 bets to succeed, got=%d", placed)
	}
	if got := env.balances(t, env.player.ID); got.Main != 0 {
		t.Fatalf("main balance: got=%d want=0", got.Main)
	}
	env.requireBalanced(t)
}

func TestGGRReport(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, env.player.ID, ledger.WalletMain, 10000)

	settle := func(stake int64, outcome BetStatus, payout int64) {
		t.Helper()
		bet, _, err := env.bets.PlaceBet(ctx, env.player, "", stake)
		if err != nil {
			t.Fatalf("place bet: %v", err)
		}
		if _, err := env.bets.SettleBet(ctx, env.master, bet.ID, outcome, payout); err != nil {
			t.Fatalf("settle bet: %v", err)
		}
	}
	settle(2000, BetLost, 0)
	settle(500, BetWon, 1500)
	settle(300, BetVoid, 0)
	if _, _, err := env.bets.PlaceBet(ctx, env.player, "", 100); err != nil {
		t.Fatalf("place open bet: %v", err)
	}

	r, err := env.reporting.GGR(env.powerhouse, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("ggr: %v", err)
	}
	if r.Bets != 3 || r.Stakes != 2800 || r.Payouts != 1500 || r.Refunds != 300 || r.GGR != 1000 || r.OpenBets != 1 {
		t.Fatalf("unexpected ggr report: %+v", r)
	}
	if _, err := env.reporting.GGR(env.player, time.Time{}, time.Time{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("players cannot read reports, got=%v", err)
	}
	future, err := env.reporting.GGR(env.powerhouse, env.clk.Now().Add(time.Hour), time.Time{})
	if err != nil || future.Bets != 0 {
		t.Fatalf("window should exclude earlier bets: %+v err=%v", future, err)
	}
}
