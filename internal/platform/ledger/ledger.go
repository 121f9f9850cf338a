package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/clock"
)

// Observer receives post and reconciliation outcomes, normally the metrics
// registry.
type Observer interface {
	ObserveLedgerPost(txType TxType, err error)
	ObserveReconciliation(balanced bool)
}

// PersistFunc runs inside the SQL transaction that stores a post, so service
// rows change atomically with the balances they describe.
type PersistFunc func(ctx context.Context, tx *sql.Tx) error

type Ledger struct {
	Clock clock.Clock

	store    *Store
	locks    *Locker
	db       *sql.DB
	logger   *slog.Logger
	observer Observer

	mu          sync.RWMutex
	txs         []Transaction
	byUser      map[string][]int
	byPair      map[string][]int
	alerts      []Alert
	nextAlertID int64
}

func New(clk clock.Clock, store *Store, db ...*sql.DB) *Ledger {
	var handle *sql.DB
	if len(db) > 0 {
		handle = db[0]
	}
	if store == nil {
		store = NewStore()
	}
	return &Ledger{
		Clock:  clk,
		store:  store,
		locks:  NewLocker(HouseAccountID),
		db:     handle,
		logger: slog.Default(),
		byUser: make(map[string][]int),
		byPair: make(map[string][]int),
	}
}

func (l *Ledger) SetLogger(logger *slog.Logger) {
	if logger != nil {
		l.logger = logger
	}
}

func (l *Ledger) SetObserver(o Observer) {
	l.observer = o
}

func (l *Ledger) now() time.Time {
	if l.Clock == nil {
		return time.Now().UTC()
	}
	return l.Clock.Now().UTC()
}

func (l *Ledger) dbEnabled() bool {
	return l != nil && l.db != nil
}

// Lock takes the per-user locks for an operation. Callers must hold them for
// the whole read-decide-post sequence.
func (l *Ledger) Lock(userIDs ...string) func() {
	return l.locks.Lock(userIDs...)
}

func (l *Ledger) OpenWallet(ctx context.Context, userID string) error {
	if err := l.store.Open(userID); err != nil {
		return err
	}
	if l.dbEnabled() {
		if err := l.persistWalletOpen(ctx, userID); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}
	return nil
}

func (l *Ledger) Balances(userID string) (Balances, error) {
	return l.store.GetBalances(userID)
}

func (l *Ledger) RecordPair(ctx context.Context, e Entry) ([]Transaction, error) {
	return l.Post(ctx, nil, e)
}

// Post commits every entry or none of them. Each entry yields two
// transactions sharing a pair id.
func (l *Ledger) Post(ctx context.Context, persist PersistFunc, entries ...Entry) ([]Transaction, error) {
	if len(entries) == 0 {
		return nil, invariant("empty post", nil)
	}
	for _, e := range entries {
		if err := validateEntry(e); err != nil {
			l.observe(e.Type, err)
			return nil, err
		}
	}

	// Held through persistence. Every post moves the unlocked house account,
	// so posts are staged and stored one at a time.
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	txn := l.store.begin()
	now := l.now()
	out := make([]Transaction, 0, 2*len(entries))
	for _, e := range entries {
		pairID := uuid.NewString()
		sides := [2][2]Leg{{e.A, e.B}, {e.B, e.A}}
		for _, side := range sides {
			leg, other := side[0], side[1]
			before, after, err := txn.applyDelta(leg.UserID, leg.Wallet, leg.delta())
			if err != nil {
				wrapped := invariant("leg rejected", err)
				l.observe(e.Type, wrapped)
				return nil, wrapped
			}
			out = append(out, Transaction{
				ID:            uuid.NewString(),
				PairID:        pairID,
				UserID:        leg.UserID,
				Action:        leg.Action,
				Wallet:        leg.Wallet,
				Amount:        leg.Amount,
				BalanceBefore: before,
				BalanceAfter:  after,
				Type:          e.Type,
				ReferenceID:   e.ReferenceID,
				Counterparty:  other.UserID,
				CreatedAt:     now,
			})
		}
	}

	if l.dbEnabled() {
		if err := l.persistPost(ctx, out, txn.touched(), persist); err != nil {
			wrapped := fmt.Errorf("%w: %v", ErrPersistence, err)
			l.observe(entries[0].Type, wrapped)
			return nil, wrapped
		}
	}
	txn.commit()

	l.mu.Lock()
	l.appendLocked(out)
	l.mu.Unlock()

	for _, e := range entries {
		l.observe(e.Type, nil)
	}
	cp := make([]Transaction, len(out))
	copy(cp, out)
	return cp, nil
}

func (l *Ledger) appendLocked(txs []Transaction) {
	for _, tx := range txs {
		idx := len(l.txs)
		l.txs = append(l.txs, tx)
		l.byUser[tx.UserID] = append(l.byUser[tx.UserID], idx)
		l.byPair[tx.PairID] = append(l.byPair[tx.PairID], idx)
	}
}

func (l *Ledger) observe(txType TxType, err error) {
	if l.observer != nil {
		l.observer.ObserveLedgerPost(txType, err)
	}
}

func validateEntry(e Entry) error {
	if !e.Type.Valid() {
		return invariant(fmt.Sprintf("unknown transaction type %q", e.Type), nil)
	}
	for _, leg := range []Leg{e.A, e.B} {
		if leg.UserID == "" {
			return invariant("leg without user", nil)
		}
		if !leg.Wallet.Valid() {
			return invariant(fmt.Sprintf("unknown wallet %q", leg.Wallet), nil)
		}
		if leg.Action != ActionIn && leg.Action != ActionOut {
			return invariant(fmt.Sprintf("unknown action %q", leg.Action), nil)
		}
		if leg.Amount <= 0 {
			return invariant("leg amount must be positive", nil)
		}
	}
	if e.A.Amount != e.B.Amount {
		return invariant("leg amounts differ", nil)
	}
	if e.A.Action == e.B.Action {
		return invariant("legs must have opposite actions", nil)
	}
	if e.A.UserID == e.B.UserID && e.A.Wallet == e.B.Wallet {
		return invariant("legs touch the same wallet", nil)
	}
	return nil
}

// Transactions lists matching transactions newest first.
func (l *Ledger) Transactions(f Filter, limit, offset int) []Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if offset < 0 {
		offset = 0
	}
	out := make([]Transaction, 0)
	skipped := 0
	visit := func(tx Transaction) bool {
		if !f.matches(tx) {
			return true
		}
		if skipped < offset {
			skipped++
			return true
		}
		out = append(out, tx)
		return limit <= 0 || len(out) < limit
	}
	if f.UserID != "" {
		idxs := l.byUser[f.UserID]
		for i := len(idxs) - 1; i >= 0; i-- {
			if !visit(l.txs[idxs[i]]) {
				break
			}
		}
		return out
	}
	for i := len(l.txs) - 1; i >= 0; i-- {
		if !visit(l.txs[i]) {
			break
		}
	}
	return out
}

// CountSince counts a user's transactions of one type and action recorded
// strictly after since, and reports the oldest of them. Timestamps are not
// assumed to follow append order.
func (l *Ledger) CountSince(userID string, txType TxType, action Action, since time.Time) (int, time.Time) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var oldest time.Time
	count := 0
	for _, idx := range l.byUser[userID] {
		tx := l.txs[idx]
		if !tx.CreatedAt.After(since) || tx.Type != txType || tx.Action != action {
			continue
		}
		count++
		if oldest.IsZero() || tx.CreatedAt.Before(oldest) {
			oldest = tx.CreatedAt
		}
	}
	return count, oldest
}

type Drift struct {
	UserID  string     `json:"user_id"`
	Wallet  WalletType `json:"wallet"`
	Stored  int64      `json:"stored"`
	Derived int64      `json:"derived"`
}

type Report struct {
	Pairs       int      `json:"pairs"`
	Legs        int      `json:"legs"`
	TotalIn     int64    `json:"total_in"`
	TotalOut    int64    `json:"total_out"`
	Balanced    bool     `json:"balanced"`
	BrokenPairs []string `json:"broken_pairs,omitempty"`
	Drift       []Drift  `json:"drift,omitempty"`
	AlertID     string   `json:"alert_id,omitempty"`
}

type Alert struct {
	ID          string    `json:"id"`
	RaisedAt    time.Time `json:"raised_at"`
	Filter      Filter    `json:"filter"`
	TotalIn     int64     `json:"total_in"`
	TotalOut    int64     `json:"total_out"`
	BrokenPairs []string  `json:"broken_pairs,omitempty"`
	Drift       []Drift   `json:"drift,omitempty"`
	Resolved    bool      `json:"resolved"`
	ResolvedBy  string    `json:"resolved_by,omitempty"`
	ResolvedAt  time.Time `json:"resolved_at,omitempty"`
	Note        string    `json:"note,omitempty"`
}

// Reconcile recomputes sum(in) against sum(out) over every pair touched by
// the filter, including both legs of each pair. With an empty filter it also
// rebuilds each wallet from its legs and compares with the stored balance.
// Mismatches raise an alert; nothing is corrected.
func (l *Ledger) Reconcile(ctx context.Context, f Filter) Report {
	var stored map[string]Balances
	if f.Empty() {
		l.store.mu.RLock()
		defer l.store.mu.RUnlock()
		stored = make(map[string]Balances, len(l.store.wallets))
		for id, b := range l.store.wallets {
			stored[id] = *b
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pairIDs := make(map[string]struct{})
	for _, tx := range l.txs {
		if f.matches(tx) {
			pairIDs[tx.PairID] = struct{}{}
		}
	}
	ordered := make([]string, 0, len(pairIDs))
	for id := range pairIDs {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	var rep Report
	for _, pairID := range ordered {
		idxs := l.byPair[pairID]
		rep.Pairs++
		rep.Legs += len(idxs)
		var pairIn, pairOut int64
		for _, idx := range idxs {
			tx := l.txs[idx]
			switch tx.Action {
			case ActionIn:
				pairIn += tx.Amount
			case ActionOut:
				pairOut += tx.Amount
			}
		}
		rep.TotalIn += pairIn
		rep.TotalOut += pairOut
		if !pairIntact(l.txs, idxs) {
			rep.BrokenPairs = append(rep.BrokenPairs, pairID)
		}
	}

	if stored != nil {
		derived := make(map[string]Balances, len(stored))
		for _, tx := range l.txs {
			b := derived[tx.UserID]
			delta := tx.Amount
			if tx.Action == ActionOut {
				delta = -tx.Amount
			}
			b.set(tx.Wallet, b.Get(tx.Wallet)+delta)
			derived[tx.UserID] = b
		}
		users := make([]string, 0, len(stored))
		for id := range stored {
			users = append(users, id)
		}
		for id := range derived {
			if _, ok := stored[id]; !ok {
				users = append(users, id)
			}
		}
		sort.Strings(users)
		for _, id := range users {
			for _, w := range []WalletType{WalletMain, WalletBonus, WalletPL, WalletExposure} {
				s, d := stored[id].Get(w), derived[id].Get(w)
				if s != d {
					rep.Drift = append(rep.Drift, Drift{UserID: id, Wallet: w, Stored: s, Derived: d})
				}
			}
		}
	}

	rep.Balanced = rep.TotalIn == rep.TotalOut && len(rep.BrokenPairs) == 0 && len(rep.Drift) == 0
	if !rep.Balanced {
		l.nextAlertID++
		alert := Alert{
			ID:          "recon-" + strconv.FormatInt(l.nextAlertID, 10),
			RaisedAt:    l.now(),
			Filter:      f,
			TotalIn:     rep.TotalIn,
			TotalOut:    rep.TotalOut,
			BrokenPairs: rep.BrokenPairs,
			Drift:       rep.Drift,
		}
		l.alerts = append(l.alerts, alert)
		rep.AlertID = alert.ID
		if l.dbEnabled() {
			if err := upsertAlert(ctx, l.db, alert); err != nil {
				l.logger.Error("persist reconciliation alert failed", "alert_id", alert.ID, "error", err)
			}
		}
		l.logger.Error("ledger reconciliation mismatch",
			"alert_id", alert.ID,
			"total_in", rep.TotalIn,
			"total_out", rep.TotalOut,
			"broken_pairs", len(rep.BrokenPairs),
			"drifted_wallets", len(rep.Drift),
		)
	}
	if l.observer != nil {
		l.observer.ObserveReconciliation(rep.Balanced)
	}
	return rep
}

func pairIntact(txs []Transaction, idxs []int) bool {
	if len(idxs) != 2 {
		return false
	}
	a, b := txs[idxs[0]], txs[idxs[1]]
	return a.Amount == b.Amount && a.Amount > 0 && a.Action != b.Action
}

func (l *Ledger) Alerts(includeResolved bool) []Alert {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Alert, 0, len(l.alerts))
	for _, a := range l.alerts {
		if a.Resolved && !includeResolved {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (l *Ledger) OpenAlertCount() int {
	return len(l.Alerts(false))
}

// ResolveAlert records an operator's manual investigation outcome.
func (l *Ledger) ResolveAlert(ctx context.Context, id, by, note string) (Alert, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.alerts {
		if l.alerts[i].ID != id {
			continue
		}
		next := l.alerts[i]
		next.Resolved = true
		next.ResolvedBy = by
		next.ResolvedAt = l.now()
		next.Note = note
		if l.dbEnabled() {
			if err := upsertAlert(ctx, l.db, next); err != nil {
				return Alert{}, fmt.Errorf("%w: %v", ErrPersistence, err)
			}
		}
		l.alerts[i] = next
		return next, nil
	}
	return Alert{}, ErrAlertNotFound
}
