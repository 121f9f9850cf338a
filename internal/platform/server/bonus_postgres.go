package server

import (
	"context"
	"database/sql"
	"time"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertBonus(ctx context.Context, db execer, b *Bonus) error {
	const q = `
INSERT INTO bonuses (
  bonus_id, user_id, amount_minor, wagering_required_minor, wagering_progress_minor,
  remaining_minor, status, created_at, expires_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8::timestamptz,$9::timestamptz)
ON CONFLICT (bonus_id) DO UPDATE SET
  wagering_progress_minor = EXCLUDED.wagering_progress_minor,
  remaining_minor = EXCLUDED.remaining_minor,
  status = EXCLUDED.status
`
	_, err := db.ExecContext(ctx, q,
		b.ID,
		b.UserID,
		b.Amount,
		b.WageringRequired,
		b.WageringProgress,
		b.Remaining,
		string(b.Status),
		b.CreatedAt.UTC().Format(time.RFC3339Nano),
		b.ExpiresAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *BonusService) persistBonus(ctx context.Context, b *Bonus) error {
	return upsertBonus(ctx, s.db, b)
}

// Load restores bonuses from PostgreSQL.
func (s *BonusService) Load(ctx context.Context) error {
	if !s.dbEnabled() {
		return nil
	}
	const q = `
SELECT bonus_id, user_id, amount_minor, wagering_required_minor, wagering_progress_minor,
       remaining_minor, status, created_at, expires_at
FROM bonuses
ORDER BY created_at ASC
`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var b Bonus
		var status string
		if err := rows.Scan(&b.ID, &b.UserID, &b.Amount, &b.WageringRequired, &b.WageringProgress,
			&b.Remaining, &status, &b.CreatedAt, &b.ExpiresAt); err != nil {
			return err
		}
		b.Status = BonusStatus(status)
		b.CreatedAt = b.CreatedAt.UTC()
		b.ExpiresAt = b.ExpiresAt.UTC()
		s.commit(&b)
	}
	return rows.Err()
}
