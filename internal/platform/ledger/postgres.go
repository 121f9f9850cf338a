package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"
)

func (l *Ledger) persistWalletOpen(ctx context.Context, userID string) error {
	const q = `
INSERT INTO wallets (user_id, is_system)
VALUES ($1, FALSE)
ON CONFLICT (user_id) DO NOTHING
`
	_, err := l.db.ExecContext(ctx, q, userID)
	return err
}

func (l *Ledger) persistPost(ctx context.Context, txs []Transaction, wallets map[string]Balances, extra PersistFunc) error {
	dbtx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = dbtx.Rollback()
	}()

	const upsertWallet = `
INSERT INTO wallets (user_id, is_system, main_minor, bonus_minor, pl_minor, exposure_minor)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id) DO UPDATE SET
  main_minor = EXCLUDED.main_minor,
  bonus_minor = EXCLUDED.bonus_minor,
  pl_minor = EXCLUDED.pl_minor,
  exposure_minor = EXCLUDED.exposure_minor,
  updated_at = NOW()
`
	ids := make([]string, 0, len(wallets))
	for id := range wallets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		b := wallets[id]
		_, system := l.store.unconstrained[id]
		if _, err := dbtx.ExecContext(ctx, upsertWallet, id, system, b.Main, b.Bonus, b.PL, b.Exposure); err != nil {
			return err
		}
	}

	const insTx = `
INSERT INTO ledger_transactions (
  transaction_id, pair_id, user_id, action, wallet, amount_minor,
  balance_before_minor, balance_after_minor, transaction_type, reference_id,
  counterparty, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12::timestamptz)
`
	for _, tx := range txs {
		_, err := dbtx.ExecContext(ctx, insTx,
			tx.ID,
			tx.PairID,
			tx.UserID,
			string(tx.Action),
			string(tx.Wallet),
			tx.Amount,
			tx.BalanceBefore,
			tx.BalanceAfter,
			string(tx.Type),
			tx.ReferenceID,
			tx.Counterparty,
			tx.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return err
		}
	}

	if extra != nil {
		if err := extra(ctx, dbtx); err != nil {
			return err
		}
	}
	return dbtx.Commit()
}

// Load replaces in-memory state with the persisted wallets and transactions.
// Call it once at startup before serving.
func (l *Ledger) Load(ctx context.Context) error {
	if !l.dbEnabled() {
		return nil
	}
	const walletsQ = `
SELECT user_id, is_system, main_minor, bonus_minor, pl_minor, exposure_minor
FROM wallets
`
	rows, err := l.db.QueryContext(ctx, walletsQ)
	if err != nil {
		return err
	}
	type walletRow struct {
		id     string
		system bool
		b      Balances
	}
	loaded := make([]walletRow, 0)
	for rows.Next() {
		var r walletRow
		if err := rows.Scan(&r.id, &r.system, &r.b.Main, &r.b.Bonus, &r.b.PL, &r.b.Exposure); err != nil {
			rows.Close()
			return err
		}
		loaded = append(loaded, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	const txQ = `
SELECT transaction_id, pair_id, user_id, action, wallet, amount_minor,
       balance_before_minor, balance_after_minor, transaction_type, reference_id,
       counterparty, created_at
FROM ledger_transactions
ORDER BY seq ASC
`
	txRows, err := l.db.QueryContext(ctx, txQ)
	if err != nil {
		return err
	}
	defer txRows.Close()
	txs := make([]Transaction, 0)
	for txRows.Next() {
		var tx Transaction
		var action, wallet, typ string
		if err := txRows.Scan(&tx.ID, &tx.PairID, &tx.UserID, &action, &wallet, &tx.Amount,
			&tx.BalanceBefore, &tx.BalanceAfter, &typ, &tx.ReferenceID, &tx.Counterparty, &tx.CreatedAt); err != nil {
			return err
		}
		tx.Action = Action(action)
		tx.Wallet = WalletType(wallet)
		tx.Type = TxType(typ)
		tx.CreatedAt = tx.CreatedAt.UTC()
		txs = append(txs, tx)
	}
	if err := txRows.Err(); err != nil {
		return err
	}

	alerts, err := loadAlerts(ctx, l.db)
	if err != nil {
		return err
	}

	for _, r := range loaded {
		if r.system {
			l.store.mu.Lock()
			l.store.addSystemAccount(r.id)
			l.store.mu.Unlock()
		}
		l.store.restore(r.id, r.b)
	}
	l.mu.Lock()
	l.txs = nil
	l.byUser = make(map[string][]int)
	l.byPair = make(map[string][]int)
	l.appendLocked(txs)
	l.alerts = alerts
	l.nextAlertID = 0
	for _, a := range alerts {
		if n, err := strconv.ParseInt(strings.TrimPrefix(a.ID, "recon-"), 10, 64); err == nil && n > l.nextAlertID {
			l.nextAlertID = n
		}
	}
	l.mu.Unlock()
	l.logger.Info("ledger state loaded", "wallets", len(loaded), "transactions", len(txs), "alerts", len(alerts))
	return nil
}

func upsertAlert(ctx context.Context, db *sql.DB, a Alert) error {
	filter, err := json.Marshal(a.Filter)
	if err != nil {
		return err
	}
	broken, err := json.Marshal(a.BrokenPairs)
	if err != nil {
		return err
	}
	drift, err := json.Marshal(a.Drift)
	if err != nil {
		return err
	}
	var resolvedAt any
	if a.Resolved {
		resolvedAt = a.ResolvedAt.UTC().Format(time.RFC3339Nano)
	}
	const q = `
INSERT INTO ledger_alerts (
  alert_id, raised_at, filter, total_in_minor, total_out_minor,
  broken_pairs, drift, resolved, resolved_by, resolved_at, note
)
VALUES ($1,$2::timestamptz,$3::jsonb,$4,$5,$6::jsonb,$7::jsonb,$8,$9,$10::timestamptz,$11)
ON CONFLICT (alert_id) DO UPDATE SET
  resolved = EXCLUDED.resolved,
  resolved_by = EXCLUDED.resolved_by,
  resolved_at = EXCLUDED.resolved_at,
  note = EXCLUDED.note
`
	_, err = db.ExecContext(ctx, q,
		a.ID,
		a.RaisedAt.UTC().Format(time.RFC3339Nano),
		string(filter),
		a.TotalIn,
		a.TotalOut,
		string(broken),
		string(drift),
		a.Resolved,
		a.ResolvedBy,
		resolvedAt,
		a.Note,
	)
	return err
}

func loadAlerts(ctx context.Context, db *sql.DB) ([]Alert, error) {
	const q = `
SELECT alert_id, raised_at, filter::text, total_in_minor, total_out_minor,
       broken_pairs::text, drift::text, resolved, resolved_by, resolved_at, note
FROM ledger_alerts
ORDER BY raised_at ASC, alert_id ASC
`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Alert, 0)
	for rows.Next() {
		var a Alert
		var filter, broken, drift string
		var resolvedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.RaisedAt, &filter, &a.TotalIn, &a.TotalOut,
			&broken, &drift, &a.Resolved, &a.ResolvedBy, &resolvedAt, &a.Note); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(filter), &a.Filter); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(broken), &a.BrokenPairs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(drift), &a.Drift); err != nil {
			return nil, err
		}
		a.RaisedAt = a.RaisedAt.UTC()
		if resolvedAt.Valid {
			a.ResolvedAt = resolvedAt.Time.UTC()
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
