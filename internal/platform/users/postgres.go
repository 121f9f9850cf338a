package users

import (
	"context"
	"database/sql"
	"time"

	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/auth"
)

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (d *Directory) upsertUser(ctx context.Context, u *User) error {
	const q = `
INSERT INTO users (
  user_id, email, role, parent_id, kyc_status, active, commission_bps,
  exposure_limit_minor, password_hash, pin_hash, totp_secret, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12::timestamptz)
ON CONFLICT (user_id) DO UPDATE SET
  role = EXCLUDED.role,
  parent_id = EXCLUDED.parent_id,
  kyc_status = EXCLUDED.kyc_status,
  active = EXCLUDED.active,
  commission_bps = EXCLUDED.commission_bps,
  exposure_limit_minor = EXCLUDED.exposure_limit_minor,
  password_hash = EXCLUDED.password_hash,
  pin_hash = EXCLUDED.pin_hash,
  totp_secret = EXCLUDED.totp_secret,
  updated_at = NOW()
`
	var limit sql.NullInt64
	if u.ExposureLimit != nil {
		limit = sql.NullInt64{Int64: *u.ExposureLimit, Valid: true}
	}
	_, err := d.db.ExecContext(ctx, q,
		u.ID,
		u.Email,
		string(u.Role),
		nullString(u.ParentID),
		string(u.KYCStatus),
		u.Active,
		u.CommissionBPS,
		limit,
		u.PasswordHash,
		u.PinHash,
		u.TOTPSecret,
		u.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Load replaces the in-memory directory with the persisted users.
func (d *Directory) Load(ctx context.Context) error {
	if d.db == nil {
		return nil
	}
	const q = `
SELECT user_id, email, role, parent_id, kyc_status, active, commission_bps,
       exposure_limit_minor, password_hash, pin_hash, totp_secret, created_at
FROM users
ORDER BY created_at ASC
`
	rows, err := d.db.QueryContext(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()

	loaded := make([]*User, 0)
	for rows.Next() {
		var (
			u      User
			role   string
			kyc    string
			parent sql.NullString
			limit  sql.NullInt64
		)
		if err := rows.Scan(&u.ID, &u.Email, &role, &parent, &kyc, &u.Active, &u.CommissionBPS,
			&limit, &u.PasswordHash, &u.PinHash, &u.TOTPSecret, &u.CreatedAt); err != nil {
			return err
		}
		u.Role = auth.Role(role)
		u.KYCStatus = KYCStatus(kyc)
		u.ParentID = parent.String
		if limit.Valid {
			v := limit.Int64
			u.ExposureLimit = &v
		}
		u.CreatedAt = u.CreatedAt.UTC()
		loaded = append(loaded, &u)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.users = make(map[string]*User, len(loaded))
	d.byEmail = make(map[string]string, len(loaded))
	d.children = make(map[string][]string)
	for _, u := range loaded {
		d.insertLocked(u)
	}
	return nil
}
