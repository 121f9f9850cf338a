package ledger

import (
	"fmt"
	"sort"
	"sync"
)

// Store holds the four typed balances of every user. It has no exported
// mutators: balances only change through Ledger posts.
type Store struct {
	mu            sync.RWMutex
	wallets       map[string]*Balances
	unconstrained map[string]struct{}
}

func NewStore(systemAccounts ...string) *Store {
	s := &Store{
		wallets:       make(map[string]*Balances),
		unconstrained: make(map[string]struct{}),
	}
	s.addSystemAccount(HouseAccountID)
	for _, id := range systemAccounts {
		s.addSystemAccount(id)
	}
	return s
}

func (s *Store) addSystemAccount(id string) {
	if id == "" {
		return
	}
	s.unconstrained[id] = struct{}{}
	if _, ok := s.wallets[id]; !ok {
		s.wallets[id] = &Balances{}
	}
}

func (s *Store) IsSystemAccount(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.unconstrained[id]
	return ok
}

// Open creates a zeroed wallet set for a newly registered user.
func (s *Store) Open(userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", ErrWalletNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[userID]; ok {
		return ErrWalletExists
	}
	s.wallets[userID] = &Balances{}
	return nil
}

func (s *Store) GetBalances(userID string) (Balances, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.wallets[userID]
	if !ok {
		return Balances{}, fmt.Errorf("%w: %s", ErrWalletNotFound, userID)
	}
	return *b, nil
}

func (s *Store) UserIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.wallets))
	for id := range s.wallets {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// restore overwrites a wallet set when loading from persistence.
func (s *Store) restore(userID string, b Balances) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := b
	s.wallets[userID] = &cp
}

// walletTxn stages deltas against copies of the touched wallets. Nothing is
// visible to readers until commit. The caller holds s.mu for writing.
type walletTxn struct {
	s      *Store
	staged map[string]Balances
}

func (s *Store) begin() *walletTxn {
	return &walletTxn{s: s, staged: make(map[string]Balances)}
}

func (t *walletTxn) current(userID string) (Balances, error) {
	if b, ok := t.staged[userID]; ok {
		return b, nil
	}
	b, ok := t.s.wallets[userID]
	if !ok {
		return Balances{}, fmt.Errorf("%w: %s", ErrWalletNotFound, userID)
	}
	return *b, nil
}

// applyDelta changes one wallet by a signed amount and returns the balance
// before and after. Main, bonus and exposure may not go below zero for real
// users; pl and system accounts are unconstrained.
func (t *walletTxn) applyDelta(userID string, wallet WalletType, delta int64) (int64, int64, error) {
	b, err := t.current(userID)
	if err != nil {
		return 0, 0, err
	}
	before := b.Get(wallet)
	after := before + delta
	if (delta > 0 && after < before) || (delta < 0 && after > before) {
		return 0, 0, fmt.Errorf("balance overflow on %s/%s", userID, wallet)
	}
	_, system := t.s.unconstrained[userID]
	if after < 0 && wallet != WalletPL && !system {
		return 0, 0, fmt.Errorf("%w: %s %s balance %d, delta %d", ErrInsufficientFunds, userID, wallet, before, delta)
	}
	b.set(wallet, after)
	t.staged[userID] = b
	return before, after, nil
}

func (t *walletTxn) touched() map[string]Balances {
	out := make(map[string]Balances, len(t.staged))
	for id, b := range t.staged {
		out[id] = b
	}
	return out
}

func (t *walletTxn) commit() {
	for id, b := range t.staged {
		cp := b
		t.s.wallets[id] = &cp
	}
}
