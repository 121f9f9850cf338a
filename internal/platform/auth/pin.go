package auth

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/clock"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrAuthenticationRequired = errors.New("pin verification required")
	ErrPinLocked              = errors.New("pin entry locked")
	ErrInvalidPin             = errors.New("invalid pin")
	ErrPinSessionNotFound     = errors.New("pin session not found")
	ErrPinSessionExpired      = errors.New("pin session expired")
	ErrPinNotConfigured       = errors.New("pin not configured")
)

type PinState string

const (
	PinIdle          PinState = "idle"
	PinAwaitingInput PinState = "awaiting_input"
	PinVerified      PinState = "verified"
	PinFailed        PinState = "failed"
	PinLocked        PinState = "locked"
)

// PinLockedError is returned while a (user, action) pair is locked out.
type PinLockedError struct {
	RetryAfter time.Duration
}

func (e *PinLockedError) Error() string {
	return fmt.Sprintf("%s: retry after %ds", ErrPinLocked, int(e.RetryAfter.Round(time.Second)/time.Second))
}

func (e *PinLockedError) Is(target error) bool { return target == ErrPinLocked }

// PinMismatchError reports a wrong PIN and how many attempts remain before
// lockout.
type PinMismatchError struct {
	Remaining int
}

func (e *PinMismatchError) Error() string {
	return fmt.Sprintf("%s: %d attempts remaining", ErrInvalidPin, e.Remaining)
}

func (e *PinMismatchError) Is(target error) bool { return target == ErrInvalidPin }

// PinHashSource resolves the stored bcrypt hash of a user's PIN.
type PinHashSource interface {
	PinHash(userID string) (string, error)
}

type PinSession struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Action       string    `json:"action"`
	InvocationID string    `json:"invocation_id"`
	State        PinState  `json:"state"`
	Remaining    int       `json:"remaining_attempts"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type pinCounter struct {
	failures    int
	lockedUntil time.Time
}

type PinVerifier struct {
	Clock clock.Clock

	hashes      PinHashSource
	mu          sync.Mutex
	sessions    map[string]*PinSession
	counters    map[string]*pinCounter
	maxAttempts int
	lockout     time.Duration
	ttl         time.Duration
	nextID      int64
}

func NewPinVerifier(clk clock.Clock, hashes PinHashSource, ttl time.Duration) *PinVerifier {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PinVerifier{
		Clock:       clk,
		hashes:      hashes,
		sessions:    make(map[string]*PinSession),
		counters:    make(map[string]*pinCounter),
		maxAttempts: 5,
		lockout:     60 * time.Second,
		ttl:         ttl,
	}
}

// SetLockoutPolicy overrides the failure threshold and lockout duration.
func (v *PinVerifier) SetLockoutPolicy(maxAttempts int, lockout time.Duration) {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if lockout <= 0 {
		lockout = 60 * time.Second
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.maxAttempts = maxAttempts
	v.lockout = lockout
}

func (v *PinVerifier) now() time.Time {
	if v.Clock == nil {
		return time.Now().UTC()
	}
	return v.Clock.Now().UTC()
}

func counterKey(userID, action string) string {
	return userID + "|" + action
}

// counterLocked returns the counter for key, clearing an expired lockout.
func (v *PinVerifier) counterLocked(key string, now time.Time) *pinCounter {
	c := v.counters[key]
	if c == nil {
		c = &pinCounter{}
		v.counters[key] = c
	}
	if !c.lockedUntil.IsZero() && !now.Before(c.lockedUntil) {
		c.failures = 0
		c.lockedUntil = time.Time{}
	}
	return c
}

func (v *PinVerifier) sweepLocked(now time.Time) {
	for id, s := range v.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(v.sessions, id)
		}
	}
}

// Begin opens a session awaiting PIN input for one invocation of action.
func (v *PinVerifier) Begin(userID, action, invocationID string) (PinSession, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	v.sweepLocked(now)
	c := v.counterLocked(counterKey(userID, action), now)
	if now.Before(c.lockedUntil) {
		return PinSession{}, &PinLockedError{RetryAfter: c.lockedUntil.Sub(now)}
	}

	v.nextID++
	s := &PinSession{
		ID:           "pin-" + strconv.FormatInt(v.nextID, 10),
		UserID:       userID,
		Action:       action,
		InvocationID: invocationID,
		State:        PinAwaitingInput,
		Remaining:    v.maxAttempts - c.failures,
		CreatedAt:    now,
		ExpiresAt:    now.Add(v.ttl),
	}
	v.sessions[s.ID] = s
	return *s, nil
}

// Submit checks pin against the session owner's stored hash. Attempts made
// while locked are rejected without counting.
func (v *PinVerifier) Submit(sessionID, userID, pin string) (PinSession, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	s := v.sessions[sessionID]
	if s == nil || s.UserID != userID {
		return PinSession{}, ErrPinSessionNotFound
	}
	if !now.Before(s.ExpiresAt) {
		delete(v.sessions, sessionID)
		return PinSession{}, ErrPinSessionExpired
	}
	if s.State == PinVerified {
		return *s, nil
	}

	c := v.counterLocked(counterKey(s.UserID, s.Action), now)
	if now.Before(c.lockedUntil) {
		s.State = PinLocked
		s.Remaining = 0
		return *s, &PinLockedError{RetryAfter: c.lockedUntil.Sub(now)}
	}

	if v.hashes == nil {
		return *s, ErrPinNotConfigured
	}
	hash, err := v.hashes.PinHash(s.UserID)
	if err != nil {
		return *s, err
	}
	if hash == "" {
		return *s, ErrPinNotConfigured
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)) != nil {
		c.failures++
		if c.failures >= v.maxAttempts {
			c.lockedUntil = now.Add(v.lockout)
			s.State = PinLocked
			s.Remaining = 0
			return *s, &PinLockedError{RetryAfter: v.lockout}
		}
		s.State = PinFailed
		s.Remaining = v.maxAttempts - c.failures
		return *s, &PinMismatchError{Remaining: s.Remaining}
	}

	c.failures = 0
	s.State = PinVerified
	s.Remaining = v.maxAttempts
	return *s, nil
}

// Consume spends the verified session bound to (user, action, invocation).
// It succeeds at most once per verification.
func (v *PinVerifier) Consume(userID, action, invocationID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	for id, s := range v.sessions {
		if s.UserID != userID || s.Action != action || s.InvocationID != invocationID {
			continue
		}
		if s.State != PinVerified || !now.Before(s.ExpiresAt) {
			continue
		}
		delete(v.sessions, id)
		return nil
	}
	return ErrAuthenticationRequired
}

// Session returns the current state of a session owned by userID.
func (v *PinVerifier) Session(sessionID, userID string) (PinSession, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s := v.sessions[sessionID]
	if s == nil || s.UserID != userID {
		return PinSession{}, ErrPinSessionNotFound
	}
	out := *s
	if !v.now().Before(s.ExpiresAt) {
		out.State = PinIdle
	}
	return out, nil
}
