package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

func normalizeJSON(raw json.RawMessage) string {
	if len(raw) == 0 || !json.Valid(raw) {
		return `{}`
	}
	return string(raw)
}

// AppendToDB persists an already-chained event.
func AppendToDB(ctx context.Context, db *sql.DB, ev Event) error {
	if db == nil {
		return nil
	}
	const q = `
INSERT INTO audit_events (
  audit_id, occurred_at, recorded_at, actor_id, actor_role,
  object_type, object_id, action, before_state, after_state,
  result, reason, partition_day, hash_prev, hash_curr
) VALUES (
  $1, $2::timestamptz, $3::timestamptz, $4, $5,
  $6, $7, $8, $9::json, $10::json,
  $11, $12, $13::date, $14, $15
)
`
	_, err := db.ExecContext(ctx, q,
		ev.AuditID,
		ev.OccurredAt.UTC().Format(time.RFC3339Nano),
		ev.RecordedAt.UTC().Format(time.RFC3339Nano),
		ev.ActorID,
		ev.ActorRole,
		ev.ObjectType,
		ev.ObjectID,
		ev.Action,
		normalizeJSON(ev.Before),
		normalizeJSON(ev.After),
		string(ev.Result),
		ev.Reason,
		ev.PartitionDay,
		ev.HashPrev,
		ev.HashCurr,
	)
	return err
}

// LoadFromDB reads the persisted chain in append order.
func LoadFromDB(ctx context.Context, db *sql.DB) ([]Event, error) {
	if db == nil {
		return nil, nil
	}
	const q = `
SELECT audit_id, occurred_at, recorded_at, actor_id, actor_role,
       object_type, object_id, action, before_state::text, after_state::text,
       result, reason, partition_day::text, hash_prev, hash_curr
FROM audit_events
ORDER BY seq ASC
`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Event, 0)
	for rows.Next() {
		var ev Event
		var before, after, result string
		if err := rows.Scan(&ev.AuditID, &ev.OccurredAt, &ev.RecordedAt, &ev.ActorID, &ev.ActorRole,
			&ev.ObjectType, &ev.ObjectID, &ev.Action, &before, &after,
			&result, &ev.Reason, &ev.PartitionDay, &ev.HashPrev, &ev.HashCurr); err != nil {
			return nil, err
		}
		ev.OccurredAt = ev.OccurredAt.UTC()
		ev.RecordedAt = ev.RecordedAt.UTC()
		ev.Before = json.RawMessage(before)
		ev.After = json.RawMessage(after)
		ev.Result = Result(result)
		out = append(out, ev)
	}
	return out, rows.Err()
}
