package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/audit"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/auth"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/clock"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/ledger"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/users"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNothingToSettle     = errors.New("nothing to settle")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid state transition")
	ErrRateLimited         = errors.New("rate limit exceeded")
)

// RateLimitError reports when the caller may try again.
type RateLimitError struct {
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: %d per %s, retry after %ds", ErrRateLimited, e.Limit, e.Window, int(e.RetryAfter.Round(time.Second)/time.Second))
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// Core carries the state shared by every money-moving service.
type Core struct {
	Clock   clock.Clock
	Ledger  *ledger.Ledger
	Users   *users.Directory
	Audit   *audit.Recorder
	Pins    *auth.PinVerifier
	Metrics *Metrics
	Logger  *slog.Logger

	// DefaultExposureLimit applies to users without an override, in minor units.
	DefaultExposureLimit int64

	db *sql.DB
}

func NewCore(clk clock.Clock, l *ledger.Ledger, dir *users.Directory, rec *audit.Recorder, pins *auth.PinVerifier, db ...*sql.DB) *Core {
	var handle *sql.DB
	if len(db) > 0 {
		handle = db[0]
	}
	return &Core{
		Clock:                clk,
		Ledger:               l,
		Users:                dir,
		Audit:                rec,
		Pins:                 pins,
		Logger:               slog.Default(),
		DefaultExposureLimit: 10000000,
		db:                   handle,
	}
}

func (c *Core) now() time.Time {
	if c.Clock == nil {
		return time.Now().UTC()
	}
	return c.Clock.Now().UTC()
}

func (c *Core) dbEnabled() bool {
	return c != nil && c.db != nil
}

// activeActor resolves the caller and rejects suspended accounts.
func (c *Core) activeActor(actor auth.Actor) (users.User, error) {
	u, err := c.Users.Get(actor.ID)
	if err != nil {
		return users.User{}, fmt.Errorf("%w: unknown actor", ErrForbidden)
	}
	if !u.Active {
		return users.User{}, fmt.Errorf("%w: %v", ErrForbidden, users.ErrUserInactive)
	}
	if u.Role != actor.Role {
		return users.User{}, fmt.Errorf("%w: role changed, sign in again", ErrForbidden)
	}
	return u, nil
}

// authorize checks that actor holds capability and, when targetID names
// someone else, that the target sits in the actor's downline. Powerhouse
// accounts reach every user.
func (c *Core) authorize(actor auth.Actor, capability auth.Capability, targetID string) error {
	if _, err := c.activeActor(actor); err != nil {
		return err
	}
	if !auth.Can(actor.Role, capability) {
		return fmt.Errorf("%w: %s lacks %s", ErrForbidden, actor.Role, capability)
	}
	if targetID == "" || targetID == actor.ID || actor.Role == auth.RolePowerhouse {
		return nil
	}
	if !c.Users.IsAncestor(actor.ID, targetID) {
		return fmt.Errorf("%w: %s is outside your downline", ErrForbidden, targetID)
	}
	return nil
}

func (c *Core) exposureLimit(u users.User) int64 {
	if u.ExposureLimit != nil {
		return *u.ExposureLimit
	}
	return c.DefaultExposureLimit
}

func (c *Core) record(ctx context.Context, actor auth.Actor, objectType, objectID, action string, before, after any) {
	if c.Audit == nil {
		return
	}
	err := c.Audit.Record(ctx, audit.Entry{
		ActorID:    actor.ID,
		ActorRole:  string(actor.Role),
		ObjectType: objectType,
		ObjectID:   objectID,
		Action:     action,
		Before:     before,
		After:      after,
	})
	if err != nil {
		c.Logger.Error("audit append failed", "object_type", objectType, "object_id", objectID, "action", action, "error", err)
	}
}

func (c *Core) denied(ctx context.Context, actor auth.Actor, objectType, objectID, action string, cause error) {
	if c.Audit == nil {
		return
	}
	c.Audit.Denied(ctx, actor.ID, string(actor.Role), objectType, objectID, action, cause.Error())
}

// post runs a ledger post and logs invariant failures, which indicate a bug
// rather than a user error.
func (c *Core) post(ctx context.Context, persist ledger.PersistFunc, entries ...ledger.Entry) ([]ledger.Transaction, error) {
	txs, err := c.Ledger.Post(ctx, persist, entries...)
	if err != nil && errors.Is(err, ledger.ErrLedgerInvariant) {
		ref := ""
		if len(entries) > 0 {
			ref = entries[0].ReferenceID
		}
		c.Logger.Error("ledger invariant violated", "reference_id", ref, "error", err)
	}
	return txs, err
}

// requireFunds pre-checks a debit so users see an insufficient funds error
// instead of a ledger invariant failure.
func requireFunds(b ledger.Balances, w ledger.WalletType, amount int64) error {
	if have := b.Get(w); have < amount {
		return fmt.Errorf("%w: %s wallet holds %d, need %d", ledger.ErrInsufficientFunds, w, have, amount)
	}
	return nil
}
