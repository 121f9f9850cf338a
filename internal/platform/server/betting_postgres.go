package server

import (
	"context"
	"database/sql"
	"time"

	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/ledger"
)

func upsertBet(ctx context.Context, db execer, b *Bet) error {
	const q = `
INSERT INTO bets (bet_id, user_id, stake_minor, wallet, status, payout_minor, created_at, settled_at)
VALUES ($1,$2,$3,$4,$5,$6,$7::timestamptz,$8)
ON CONFLICT (bet_id) DO UPDATE SET
  status = EXCLUDED.status,
  payout_minor = EXCLUDED.payout_minor,
  settled_at = EXCLUDED.settled_at
`
	var settled sql.NullTime
	if b.SettledAt != nil {
		settled = sql.NullTime{Time: b.SettledAt.UTC(), Valid: true}
	}
	_, err := db.ExecContext(ctx, q,
		b.ID,
		b.UserID,
		b.Stake,
		string(b.Wallet),
		string(b.Status),
		b.Payout,
		b.CreatedAt.UTC().Format(time.RFC3339Nano),
		settled,
	)
	return err
}

// Load restores bets from PostgreSQL.
func (s *BettingService) Load(ctx context.Context) error {
	if !s.dbEnabled() {
		return nil
	}
	const q = `
SELECT bet_id, user_id, stake_minor, wallet, status, payout_minor, created_at, settled_at
FROM bets
`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			b       Bet
			wallet  string
			status  string
			settled sql.NullTime
		)
		if err := rows.Scan(&b.ID, &b.UserID, &b.Stake, &wallet, &status, &b.Payout, &b.CreatedAt, &settled); err != nil {
			return err
		}
		b.Wallet = ledger.WalletType(wallet)
		b.Status = BetStatus(status)
		b.CreatedAt = b.CreatedAt.UTC()
		if settled.Valid {
			t := settled.Time.UTC()
			b.SettledAt = &t
		}
		s.store(&b)
	}
	return rows.Err()
}
