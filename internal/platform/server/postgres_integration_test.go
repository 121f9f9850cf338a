package server

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/audit"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/clock"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/ledger"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/migrations"
)

func openPostgresIntegrationDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("KARNALIX_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("set KARNALIX_TEST_DATABASE_URL to run postgres integration tests")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}
	if _, err := migrations.Apply(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

func resetPostgresIntegrationState(t *testing.T, db *sql.DB) {
	t.Helper()
	const q = `
TRUNCATE TABLE
  ledger_alerts,
  exposure_transfers,
  audit_events,
  identity_lockouts,
  settlements,
  bets,
  bonuses,
  payment_requests,
  ledger_transactions,
  wallets,
  users
RESTART IDENTITY CASCADE
`
	if _, err := db.Exec(q); err != nil {
		t.Fatalf("truncate integration tables: %v", err)
	}
}

func countAuditRows(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM audit_events`).Scan(&n); err != nil {
		t.Fatalf("count audit rows: %v", err)
	}
	return n
}

// restart builds a fresh environment over db and loads it the way the
// daemon does at startup.
func restart(t *testing.T, prev *testEnv, db *sql.DB) *testEnv {
	t.Helper()
	env := buildTestEnv(t, prev.clk, db)
	env.powerhouse, env.super, env.master, env.player = prev.powerhouse, prev.super, prev.master, prev.player
	ctx := context.Background()
	steps := []func(context.Context) error{
		env.core.Audit.Load,
		env.core.Users.Load,
		env.core.Ledger.Load,
		env.payments.Load,
		env.bonuses.Load,
		env.bets.Load,
		env.settlements.Load,
		env.identity.Load,
	}
	for i, step := range steps {
		if err := step(ctx); err != nil {
			t.Fatalf("load step %d: %v", i, err)
		}
	}
	return env
}

func TestMigrationsApplyOnce(t *testing.T) {
	db := openPostgresIntegrationDB(t)
	applied, err := migrations.Apply(context.Background(), db)
	if err != nil {
		t.Fatalf("reapply migrations: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("migrations applied twice: %v", applied)
	}
}

func TestPostgresStateSurvivesRestart(t *testing.T) {
	db := openPostgresIntegrationDB(t)
	resetPostgresIntegrationState(t, db)
	ctx := context.Background()

	first := buildTestEnv(t, clock.NewManual(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)), db)
	first.seedHierarchy(t)

	dep, err := first.payments.Create(ctx, first.player, PaymentDeposit, 5000, "esewa")
	if err != nil {
		t.Fatalf("create deposit: %v", err)
	}
	if _, err := first.payments.Approve(ctx, first.master, dep.ID, "ok"); err != nil {
		t.Fatalf("approve deposit: %v", err)
	}
	bonus, err := first.bonuses.Grant(ctx, first.master, GrantBonusInput{UserID: first.player.ID, Amount: 2000, WageringRequired: 5000})
	if err != nil {
		t.Fatalf("grant bonus: %v", err)
	}
	bet, _, err := first.bets.PlaceBet(ctx, first.player, "", 1500)
	if err != nil {
		t.Fatalf("place bet: %v", err)
	}
	first.fund(t, first.master.ID, ledger.WalletMain, 3000)
	st, err := first.settlements.Create(ctx, first.super, first.master.ID)
	if err != nil {
		t.Fatalf("create settlement: %v", err)
	}

	want := map[string]ledger.Balances{}
	for _, a := range []string{first.super.ID, first.master.ID, first.player.ID, ledger.HouseAccountID} {
		want[a] = first.balances(t, a)
	}
	auditBefore := countAuditRows(t, db)
	if auditBefore != len(first.store.Events()) {
		t.Fatalf("audit rows=%d events=%d", auditBefore, len(first.store.Events()))
	}

	first.clk.Advance(time.Minute)
	second := restart(t, first, db)

	for id, b := range want {
		if got := second.balances(t, id); got != b {
			t.Fatalf("balances for %s after restart: got=%+v want=%+v", id, got, b)
		}
	}
	if report := second.core.Ledger.Reconcile(ctx, ledger.Filter{}); !report.Balanced {
		t.Fatalf("reloaded ledger not balanced: %+v", report)
	}
	if got, _ := second.bonuses.Get(second.player, bonus.ID); got.Status != BonusActive || got.Remaining != 2000 {
		t.Fatalf("reloaded bonus: %+v", got)
	}
	deps, err := second.payments.List(second.powerhouse, PaymentDeposit, PaymentApproved)
	if err != nil || len(deps) != 1 || deps[0].ID != dep.ID {
		t.Fatalf("reloaded deposits: %+v err=%v", deps, err)
	}

	st, sess, err := second.settlements.Confirm(ctx, second.super, st.ID)
	if err != nil {
		t.Fatalf("confirm reloaded settlement: %v", err)
	}
	second.verifyPin(t, second.super, sess)
	if _, err := second.settlements.Execute(ctx, second.super, st.ID); err != nil {
		t.Fatalf("execute reloaded settlement: %v", err)
	}
	if _, err := second.bets.SettleBet(ctx, second.master, bet.ID, BetWon, 3000); err != nil {
		t.Fatalf("settle reloaded bet: %v", err)
	}

	auditAfter := countAuditRows(t, db)
	if auditAfter <= auditBefore {
		t.Fatalf("audit rows did not grow after restart: before=%d after=%d", auditBefore, auditAfter)
	}
	if auditAfter != len(second.store.Events()) {
		t.Fatalf("audit rows=%d events=%d", auditAfter, len(second.store.Events()))
	}
	persisted, err := audit.LoadFromDB(ctx, db)
	if err != nil {
		t.Fatalf("load audit rows: %v", err)
	}
	if idx := audit.Verify(persisted); idx != -1 {
		t.Fatalf("persisted audit chain broken at %d", idx)
	}

	third := restart(t, second, db)
	if s := third.balances(t, third.super.ID); s.Main != 3000 {
		t.Fatalf("superior main after settlement reload: %+v", s)
	}
	if p := third.balances(t, third.player.ID); p.Main != 6500 {
		t.Fatalf("player main after win reload: %+v", p)
	}
	if report := third.core.Ledger.Reconcile(ctx, ledger.Filter{}); !report.Balanced {
		t.Fatalf("ledger not balanced after second restart: %+v", report)
	}
}

func TestPostgresAlertsSurviveRestart(t *testing.T) {
	db := openPostgresIntegrationDB(t)
	resetPostgresIntegrationState(t, db)
	ctx := context.Background()

	first := buildTestEnv(t, clock.NewManual(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)), db)
	first.seedHierarchy(t)
	first.fund(t, first.player.ID, ledger.WalletMain, 700)
	if _, err := db.Exec(`UPDATE wallets SET main_minor = main_minor + 50 WHERE user_id = $1`, first.player.ID); err != nil {
		t.Fatalf("skew stored balance: %v", err)
	}

	second := restart(t, first, db)
	report, err := second.reporting.Reconcile(ctx, second.powerhouse, ledger.Filter{})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Balanced || report.AlertID == "" {
		t.Fatalf("expected drift alert: %+v", report)
	}
	if _, err := second.reporting.ResolveAlert(ctx, second.powerhouse, report.AlertID, "manual correction booked"); err != nil {
		t.Fatalf("resolve alert: %v", err)
	}

	third := restart(t, second, db)
	alerts, err := third.reporting.Alerts(third.powerhouse, true)
	if err != nil {
		t.Fatalf("alerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].ID != report.AlertID || !alerts[0].Resolved || alerts[0].Note != "manual correction booked" {
		t.Fatalf("reloaded alerts: %+v", alerts)
	}
	next := third.core.Ledger.Reconcile(ctx, ledger.Filter{})
	if next.AlertID == report.AlertID {
		t.Fatalf("alert ids must not repeat after restart: %s", next.AlertID)
	}
}
