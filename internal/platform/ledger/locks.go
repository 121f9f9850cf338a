package ledger

import (
	"sort"
	"sync"
)

type userLock struct {
	mu   sync.Mutex
	refs int
}

// Locker hands out per-user exclusive locks. Multi-user operations acquire
// their locks in ascending user id order so two operations over the same
// users cannot deadlock.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*userLock
	skip  map[string]struct{}
}

func NewLocker(skip ...string) *Locker {
	l := &Locker{
		locks: make(map[string]*userLock),
		skip:  make(map[string]struct{}),
	}
	for _, id := range skip {
		l.skip[id] = struct{}{}
	}
	return l
}

// Lock blocks until every listed user is held and returns the release func.
// Duplicates and skipped (system) ids are ignored.
func (l *Locker) Lock(userIDs ...string) func() {
	ids := l.order(userIDs)
	held := make([]*userLock, 0, len(ids))
	for _, id := range ids {
		ul := l.acquire(id)
		ul.mu.Lock()
		held = append(held, ul)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].mu.Unlock()
				l.release(ids[i])
			}
		})
	}
}

func (l *Locker) order(userIDs []string) []string {
	seen := make(map[string]struct{}, len(userIDs))
	out := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, ok := l.skip[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (l *Locker) acquire(id string) *userLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	ul, ok := l.locks[id]
	if !ok {
		ul = &userLock{}
		l.locks[id] = ul
	}
	ul.refs++
	return ul
}

func (l *Locker) release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ul, ok := l.locks[id]
	if !ok {
		return
	}
	ul.refs--
	if ul.refs <= 0 {
		delete(l.locks, id)
	}
}
