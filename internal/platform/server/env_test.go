package server

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/audit"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/auth"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/clock"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/ledger"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/users"
)

const (
	testPassword = "correct-horse"
	testPIN      = "2468"
)

type testEnv struct {
	clk     *clock.Manual
	core    *Core
	reg     *prometheus.Registry
	store   *audit.InMemoryStore
	signer  *auth.JWTSigner
	verify  *auth.JWTVerifier
	metrics *Metrics

	accounts    *AccountService
	identity    *IdentityService
	payments    *PaymentService
	bonuses     *BonusService
	bets        *BettingService
	transfers   *TransferService
	exposure    *ExposureService
	settlements *SettlementService
	reporting   *ReportingService

	powerhouse auth.Actor
	super      auth.Actor
	master     auth.Actor
	player     auth.Actor
}

// newTestEnv builds a powerhouse > super > master > player chain with
// wallets open and nothing funded. The default exposure limit is 10000.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := buildTestEnv(t, clock.NewManual(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)))
	env.seedHierarchy(t)
	return env
}

// buildTestEnv wires every service over clk, persisting to db when given.
func buildTestEnv(t *testing.T, clk *clock.Manual, db ...*sql.DB) *testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	l := ledger.New(clk, ledger.NewStore(), db...)
	l.SetObserver(metrics)
	dir := users.NewDirectory(clk, db...)
	store := audit.NewInMemoryStore()
	rec := audit.NewRecorder(clk, store, "test", db...)
	pins := auth.NewPinVerifier(clk, dir, 5*time.Minute)

	core := NewCore(clk, l, dir, rec, pins, db...)
	core.Metrics = metrics
	core.DefaultExposureLimit = 10000

	signer := auth.NewJWTSigner("test-secret")
	verifier := auth.NewJWTVerifier("test-secret")
	verifier.SetTimeFunc(clk.Now)

	env := &testEnv{
		clk:         clk,
		core:        core,
		reg:         reg,
		store:       store,
		signer:      signer,
		verify:      verifier,
		metrics:     metrics,
		accounts:    NewAccountService(core),
		identity:    NewIdentityService(clk, dir, signer, 15*time.Minute, 24*time.Hour, db...),
		payments:    NewPaymentService(core),
		transfers:   NewTransferService(core, 5, time.Hour),
		exposure:    NewExposureService(core),
		settlements: NewSettlementService(core),
	}
	env.identity.Audit = rec
	env.identity.Metrics = metrics
	env.bonuses = NewBonusService(core, 7*24*time.Hour)
	env.bets = NewBettingService(core, env.bonuses)
	env.reporting = NewReportingService(core, env.bets)
	return env
}

func (e *testEnv) seedHierarchy(t *testing.T) {
	t.Helper()
	ph, created, err := e.accounts.Bootstrap(context.Background(), "root@karnalix.test", testPassword, testPIN)
	if err != nil || !created {
		t.Fatalf("bootstrap powerhouse: created=%v err=%v", created, err)
	}
	e.powerhouse = auth.Actor{ID: ph.ID, Role: ph.Role}
	e.super = e.register(t, e.powerhouse, "super@karnalix.test", auth.RoleSuper)
	e.master = e.register(t, e.super, "master@karnalix.test", auth.RoleMaster)
	e.player = e.register(t, e.master, "player@karnalix.test", auth.RolePlayer)
}

func (e *testEnv) register(t *testing.T, by auth.Actor, email string, role auth.Role) auth.Actor {
	t.Helper()
	u, err := e.accounts.Register(context.Background(), by, RegisterUserInput{
		Email:    email,
		Password: testPassword,
		PIN:      testPIN,
		Role:     role,
	})
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return auth.Actor{ID: u.ID, Role: u.Role}
}

// fund credits a wallet straight from the house.
func (e *testEnv) fund(t *testing.T, userID string, wallet ledger.WalletType, amount int64) {
	t.Helper()
	entry := ledger.Between(ledger.TxDepositApproval, "seed-"+userID, ledger.HouseAccountID, ledger.WalletMain, userID, wallet, amount)
	if _, err := e.core.Ledger.RecordPair(context.Background(), entry); err != nil {
		t.Fatalf("fund %s/%s: %v", userID, wallet, err)
	}
}

func (e *testEnv) balances(t *testing.T, userID string) ledger.Balances {
	t.Helper()
	b, err := e.core.Ledger.Balances(userID)
	if err != nil {
		t.Fatalf("balances %s: %v", userID, err)
	}
	return b
}

func (e *testEnv) requireBalanced(t *testing.T) {
	t.Helper()
	if report := e.core.Ledger.Reconcile(context.Background(), ledger.Filter{}); !report.Balanced {
		t.Fatalf("ledger not balanced: %+v", report)
	}
}

func (e *testEnv) verifyPin(t *testing.T, actor auth.Actor, sess auth.PinSession) {
	t.Helper()
	got, err := e.core.Pins.Submit(sess.ID, actor.ID, testPIN)
	if err != nil {
		t.Fatalf("submit pin: %v", err)
	}
	if got.State != auth.PinVerified {
		t.Fatalf("pin session state: got=%s want=%s", got.State, auth.PinVerified)
	}
}
