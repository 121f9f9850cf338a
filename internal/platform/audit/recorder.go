package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/clock"
)

// Recorder stamps ids and times onto events and appends them to the chain,
// mirroring to PostgreSQL when a handle is set.
type Recorder struct {
	Clock clock.Clock
	Store *InMemoryStore

	db     *sql.DB
	prefix string
	mu     sync.Mutex
	next   int64
}

func NewRecorder(clk clock.Clock, store *InMemoryStore, prefix string, db ...*sql.DB) *Recorder {
	var handle *sql.DB
	if len(db) > 0 {
		handle = db[0]
	}
	if prefix == "" {
		prefix = "audit"
	}
	return &Recorder{Clock: clk, Store: store, db: handle, prefix: prefix}
}

func Snapshot(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage(`{}`)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

type Entry struct {
	ActorID    string
	ActorRole  string
	ObjectType string
	ObjectID   string
	Action     string
	Before     any
	After      any
	Result     Result
	Reason     string
}

func (r *Recorder) Record(ctx context.Context, in Entry) error {
	if r == nil || r.Store == nil {
		return ErrCorruptChain
	}
	r.mu.Lock()
	r.next++
	id := r.prefix + "-" + strconv.FormatInt(r.next, 10)
	r.mu.Unlock()

	// Truncated to the precision PostgreSQL stores.
	now := r.Clock.Now().UTC().Truncate(time.Microsecond)
	if in.ActorID == "" {
		in.ActorID = "system"
		in.ActorRole = "service"
	}
	res := in.Result
	if res == "" {
		res = ResultSuccess
	}
	ev, err := r.Store.Append(Event{
		AuditID:      id,
		OccurredAt:   now,
		RecordedAt:   now,
		ActorID:      in.ActorID,
		ActorRole:    in.ActorRole,
		ObjectType:   in.ObjectType,
		ObjectID:     in.ObjectID,
		Action:       in.Action,
		Before:       Snapshot(in.Before),
		After:        Snapshot(in.After),
		Result:       res,
		Reason:       in.Reason,
		PartitionDay: now.Format("2006-01-02"),
	})
	if err != nil {
		return err
	}
	return AppendToDB(ctx, r.db, ev)
}

// Restore loads a persisted chain and continues id numbering after the
// highest id carrying this recorder's prefix.
func (r *Recorder) Restore(events []Event) error {
	if r == nil || r.Store == nil {
		return ErrCorruptChain
	}
	if err := r.Store.Restore(events); err != nil {
		return err
	}
	var highest int64
	for _, e := range events {
		rest, ok := strings.CutPrefix(e.AuditID, r.prefix+"-")
		if !ok {
			continue
		}
		if n, err := strconv.ParseInt(rest, 10, 64); err == nil && n > highest {
			highest = n
		}
	}
	r.mu.Lock()
	r.next = highest
	r.mu.Unlock()
	return nil
}

// Load restores the chain from PostgreSQL when a handle is set.
func (r *Recorder) Load(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	events, err := LoadFromDB(ctx, r.db)
	if err != nil {
		return err
	}
	return r.Restore(events)
}

// Denied records a rejected attempt. Failures are dropped so a broken audit
// sink never turns a denial into a different error.
func (r *Recorder) Denied(ctx context.Context, actorID, actorRole, objectType, objectID, action, reason string) {
	_ = r.Record(ctx, Entry{
		ActorID:    actorID,
		ActorRole:  actorRole,
		ObjectType: objectType,
		ObjectID:   objectID,
		Action:     action,
		Result:     ResultDenied,
		Reason:     reason,
	})
}
