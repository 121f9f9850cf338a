package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/ledger"
)

func TestBonusWageringProgressesOldestFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.bonuses.Grant(ctx, env.master, GrantBonusInput{UserID: env.player.ID, Amount: 2000, WageringRequired: 1500})
	if err != nil {
		t.Fatalf("grant first: %v", err)
	}
	env.clk.Advance(time.Minute)
	second, err := env.bonuses.Grant(ctx, env.master, GrantBonusInput{UserID: env.player.ID, Amount: 2000, WageringRequired: 1000})
	if err != nil {
		t.Fatalf("grant second: %v", err)
	}
	if got := env.balances(t, env.player.ID); got.Bonus != 4000 {
		t.Fatalf("bonus wallet after grants: got=%d want=4000", got.Bonus)
	}

	for _, stake := range []int64{1000, 600} {
		if _, _, err := env.bets.PlaceBet(ctx, env.player, "", stake); err != nil {
			t.Fatalf("place bet %d: %v", stake, err)
		}
	}
	b1, _ := env.bonuses.Get(env.player, first.ID)
	b2, _ := env.bonuses.Get(env.player, second.ID)
	if b1.WageringProgress != 1600 || b1.Status != BonusAvailable || b1.Remaining != 400 {
		t.Fatalf("first bonus should be unlocked: %+v", b1)
	}
	if b2.WageringProgress != 0 || b2.Status != BonusActive || b2.Remaining != 2000 {
		t.Fatalf("second bonus should be untouched: %+v", b2)
	}

	bet, _, err := env.bets.PlaceBet(ctx, env.player, "", 400)
	if err != nil {
		t.Fatalf("place bet: %v", err)
	}
	if bet.BonusID != second.ID {
		t.Fatalf("third stake should count toward the second bonus, got=%s", bet.BonusID)
	}

	claimed, err := env.bonuses.Claim(ctx, env.player, first.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != BonusClaimed {
		t.Fatalf("claimed status: %s", claimed.Status)
	}
	if got := env.balances(t, env.player.ID); got.Main != 400 || got.Bonus != 1600 {
		t.Fatalf("claim should release only the first bonus's funds: %+v", got)
	}
	if b2, _ := env.bonuses.Get(env.player, second.ID); b2.Remaining != 1600 || b2.Status != BonusActive {
		t.Fatalf("second bonus funds should stay locked: %+v", b2)
	}
	if _, err := env.bonuses.Claim(ctx, env.player, second.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("active bonus must not be claimable, got=%v", err)
	}
	if _, err := env.bonuses.Claim(ctx, env.player, first.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("claim must be single use, got=%v", err)
	}
	env.requireBalanced(t)
}

func TestMainFundedStakesDoNotCountTowardWagering(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b, err := env.bonuses.Grant(ctx, env.master, GrantBonusInput{UserID: env.player.ID, Amount: 1000, WageringRequired: 500})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	env.fund(t, env.player.ID, ledger.WalletMain, 5000)
	if _, _, err := env.bets.PlaceBet(ctx, env.player, "", 1000); err != nil {
		t.Fatalf("place bet: %v", err)
	}
	got, _ := env.bonuses.Get(env.player, b.ID)
	if got.WageringProgress != 0 {
		t.Fatalf("main stake advanced wagering: %+v", got)
	}
}

func TestBonusGrantAndClaimRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.bonuses.Grant(ctx, env.master, GrantBonusInput{UserID: env.player.ID, Amount: 0}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got=%v", err)
	}
	if _, err := env.bonuses.Grant(ctx, env.player, GrantBonusInput{UserID: env.player.ID, Amount: 100}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("players cannot grant bonuses, got=%v", err)
	}
	if _, err := env.bonuses.Grant(ctx, env.super, GrantBonusInput{UserID: env.master.ID, Amount: 100}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("bonuses go to players only, got=%v", err)
	}

	free, err := env.bonuses.Grant(ctx, env.master, GrantBonusInput{UserID: env.player.ID, Amount: 700})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if free.Status != BonusAvailable {
		t.Fatalf("zero requirement should be claimable at once, got=%s", free.Status)
	}
	if _, err := env.bonuses.Claim(ctx, env.master, free.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("only the owner may claim, got=%v", err)
	}
	if _, err := env.bonuses.Claim(ctx, env.player, free.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got := env.balances(t, env.player.ID); got.Main != 700 || got.Bonus != 0 {
		t.Fatalf("balances after claim: %+v", got)
	}
}

func TestExpireDueForfeitsRemainingBonus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b, err := env.bonuses.Grant(ctx, env.master, GrantBonusInput{
		UserID:           env.player.ID,
		Amount:           3000,
		WageringRequired: 10000,
		ExpiresAt:        env.clk.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, _, err := env.bets.PlaceBet(ctx, env.player, "", 1000); err != nil {
		t.Fatalf("place bet: %v", err)
	}

	if n, err := env.bonuses.ExpireDue(ctx); err != nil || n != 0 {
		t.Fatalf("nothing should be due yet: n=%d err=%v", n, err)
	}
	env.clk.Advance(time.Hour)
	n, err := env.bonuses.ExpireDue(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expire due: n=%d err=%v", n, err)
	}
	got, _ := env.bonuses.Get(env.player, b.ID)
	if got.Status != BonusExpired {
		t.Fatalf("status: got=%s want=expired", got.Status)
	}
	if bal := env.balances(t, env.player.ID); bal.Bonus != 0 {
		t.Fatalf("bonus wallet should be forfeited: %+v", bal)
	}
	if _, _, err := env.bets.PlaceBet(ctx, env.player, "", 100); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance after forfeit, got=%v", err)
	}
	env.requireBalanced(t)
}

func TestClaimLeavesOtherBonusFundsLocked(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	small, err := env.bonuses.Grant(ctx, env.master, GrantBonusInput{UserID: env.player.ID, Amount: 100, WageringRequired: 100})
	if err != nil {
		t.Fatalf("grant small: %v", err)
	}
	env.clk.Advance(time.Minute)
	large, err := env.bonuses.Grant(ctx, env.master, GrantBonusInput{UserID: env.player.ID, Amount: 5000, WageringRequired: 100000})
	if err != nil {
		t.Fatalf("grant large: %v", err)
	}
	bet, _, err := env.bets.PlaceBet(ctx, env.player, "", 100)
	if err != nil {
		t.Fatalf("place bet: %v", err)
	}
	if bet.BonusID != small.ID {
		t.Fatalf("stake should count toward the oldest bonus, got=%s", bet.BonusID)
	}

	if _, err := env.bonuses.Claim(ctx, env.player, small.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got := env.balances(t, env.player.ID); got.Main != 0 || got.Bonus != 5000 {
		t.Fatalf("claim moved locked funds: %+v", got)
	}
	b, _ := env.bonuses.Get(env.player, large.ID)
	if b.Status != BonusActive || b.Remaining != 5000 || b.WageringProgress != 0 {
		t.Fatalf("large bonus changed: %+v", b)
	}
	env.requireBalanced(t)
}

func TestStakeBeyondBonusDrawsFromNextBonus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.bonuses.Grant(ctx, env.master, GrantBonusInput{UserID: env.player.ID, Amount: 300, WageringRequired: 500})
	if err != nil {
		t.Fatalf("grant first: %v", err)
	}
	env.clk.Advance(time.Minute)
	second, err := env.bonuses.Grant(ctx, env.master, GrantBonusInput{UserID: env.player.ID, Amount: 1000, WageringRequired: 5000})
	if err != nil {
		t.Fatalf("grant second: %v", err)
	}
	bet, _, err := env.bets.PlaceBet(ctx, env.player, "", 500)
	if err != nil {
		t.Fatalf("place bet: %v", err)
	}
	b1, _ := env.bonuses.Get(env.player, first.ID)
	b2, _ := env.bonuses.Get(env.player, second.ID)
	if b1.Remaining != 0 || b1.Status != BonusAvailable || b1.WageringProgress != 500 {
		t.Fatalf("first bonus: %+v", b1)
	}
	if b2.Remaining != 800 || b2.WageringProgress != 0 {
		t.Fatalf("second bonus should fund the overflow only: %+v", b2)
	}

	if _, err := env.bets.SettleBet(ctx, env.master, bet.ID, BetVoid, 0); err != nil {
		t.Fatalf("void: %v", err)
	}
	b1, _ = env.bonuses.Get(env.player, first.ID)
	b2, _ = env.bonuses.Get(env.player, second.ID)
	if b1.Remaining != 300 || b2.Remaining != 1000 {
		t.Fatalf("void should refill the bonuses: first=%+v second=%+v", b1, b2)
	}
	if b1.WageringProgress != 500 {
		t.Fatalf("void keeps wagering progress: %+v", b1)
	}
	if got := env.balances(t, env.player.ID); got.Bonus != 1300 {
		t.Fatalf("bonus wallet after void: %+v", got)
	}
	env.requireBalanced(t)
}
