package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/audit"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/auth"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/clock"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/users"
)

var (
	ErrAccountLocked       = errors.New("account locked")
	ErrTOTPRequired        = errors.New("totp code required")
	ErrRefreshTokenInvalid = errors.New("refresh token invalid")
	ErrTOTPNotPending      = errors.New("no totp enrollment pending")
)

// AccountLockedError reports the time left on a login lockout.
type AccountLockedError struct {
	RetryAfter time.Duration
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("%s, retry after %ds", ErrAccountLocked, int(e.RetryAfter.Round(time.Second)/time.Second))
}

func (e *AccountLockedError) Is(target error) bool { return target == ErrAccountLocked }

type identitySession struct {
	refreshToken string
	userID       string
	expiresAt    time.Time
	revoked      bool
}

type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id"`
	Role         auth.Role `json:"role"`
}

type IdentityService struct {
	Clock   clock.Clock
	Users   *users.Directory
	Audit   *audit.Recorder
	Metrics *Metrics

	mu              sync.Mutex
	signer          *auth.JWTSigner
	refreshSessions map[string]*identitySession
	failedAttempts  map[string]int
	lockedUntil     map[string]time.Time
	pendingTOTP     map[string]string
	totpIssuer      string
	accessTTL       time.Duration
	refreshTTL      time.Duration
	lockoutTTL      time.Duration
	maxFailures     int
	db              *sql.DB
}

func NewIdentityService(clk clock.Clock, dir *users.Directory, signer *auth.JWTSigner, accessTTL, refreshTTL time.Duration, db ...*sql.DB) *IdentityService {
	var handle *sql.DB
	if len(db) > 0 {
		handle = db[0]
	}
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	if refreshTTL <= 0 {
		refreshTTL = 24 * time.Hour
	}
	return &IdentityService{
		Clock:           clk,
		Users:           dir,
		signer:          signer,
		refreshSessions: make(map[string]*identitySession),
		failedAttempts:  make(map[string]int),
		lockedUntil:     make(map[string]time.Time),
		pendingTOTP:     make(map[string]string),
		totpIssuer:      "KarnaliX",
		accessTTL:       accessTTL,
		refreshTTL:      refreshTTL,
		lockoutTTL:      15 * time.Minute,
		maxFailures:     5,
		db:              handle,
	}
}

func (s *IdentityService) SetLockoutPolicy(maxFailures int, ttl time.Duration) {
	if s == nil {
		return
	}
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxFailures = maxFailures
	s.lockoutTTL = ttl
}

func (s *IdentityService) SetTOTPIssuer(issuer string) {
	if issuer == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totpIssuer = issuer
}

func (s *IdentityService) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

func (s *IdentityService) auditSession(ctx context.Context, u users.User, objectID, action string, after any) error {
	if s.Audit == nil {
		return nil
	}
	return s.Audit.Record(ctx, audit.Entry{
		ActorID:    u.ID,
		ActorRole:  string(u.Role),
		ObjectType: "identity_session",
		ObjectID:   objectID,
		Action:     action,
		After:      after,
	})
}

func (s *IdentityService) auditDenied(ctx context.Context, actorID, action, reason string) {
	if s.Audit == nil {
		return
	}
	s.Audit.Denied(ctx, actorID, "", "identity_session", "", action, reason)
}

func randomToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func (s *IdentityService) lockedForLocked(userID string) time.Duration {
	until := s.lockedUntil[userID]
	if left := until.Sub(s.now()); left > 0 {
		return left
	}
	return 0
}

func (s *IdentityService) recordFailureLocked(ctx context.Context, userID string) error {
	s.failedAttempts[userID]++
	locked := false
	if s.failedAttempts[userID] >= s.maxFailures {
		s.lockedUntil[userID] = s.now().Add(s.lockoutTTL)
		s.failedAttempts[userID] = 0
		locked = true
		s.Metrics.ObserveLockout()
	}
	if s.db == nil {
		return nil
	}
	const q = `
INSERT INTO identity_lockouts (user_id, failed_attempts, locked_until, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (user_id) DO UPDATE
SET failed_attempts = EXCLUDED.failed_attempts,
    locked_until = EXCLUDED.locked_until,
    updated_at = NOW()
`
	var until sql.NullTime
	if t, ok := s.lockedUntil[userID]; ok && (locked || t.After(s.now())) {
		until = sql.NullTime{Time: t, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, q, userID, s.failedAttempts[userID], until)
	return err
}

func (s *IdentityService) resetFailuresLocked(ctx context.Context, userID string) error {
	_, hadFailures := s.failedAttempts[userID]
	_, hadLock := s.lockedUntil[userID]
	delete(s.failedAttempts, userID)
	delete(s.lockedUntil, userID)
	if s.db == nil || (!hadFailures && !hadLock) {
		return nil
	}
	const q = `
INSERT INTO identity_lockouts (user_id, failed_attempts, locked_until, updated_at)
VALUES ($1, 0, NULL, NOW())
ON CONFLICT (user_id) DO UPDATE
SET failed_attempts = 0,
    locked_until = NULL,
    updated_at = NOW()
`
	_, err := s.db.ExecContext(ctx, q, userID)
	return err
}

func (s *IdentityService) issueLocked(u users.User) (Tokens, error) {
	now := s.now()
	access, expiresAt, err := s.signer.SignActor(auth.Actor{ID: u.ID, Role: u.Role}, now, s.accessTTL)
	if err != nil {
		return Tokens{}, err
	}
	refresh, err := randomToken()
	if err != nil {
		return Tokens{}, err
	}
	s.refreshSessions[refresh] = &identitySession{
		refreshToken: refresh,
		userID:       u.ID,
		expiresAt:    now.Add(s.refreshTTL),
	}
	return Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresAt:    expiresAt,
		UserID:       u.ID,
		Role:         u.Role,
	}, nil
}

// Login checks email and password, then the TOTP code when the account has
// one enrolled. Five consecutive failures lock the account for the lockout
// window; attempts during a lockout are rejected without counting.
func (s *IdentityService) Login(ctx context.Context, email, password, totpCode string) (Tokens, error) {
	u, err := s.Users.GetByEmail(email)
	if err != nil {
		s.Metrics.ObserveLogin("invalid_credentials")
		s.auditDenied(ctx, "", "identity_login", "unknown email")
		return Tokens{}, users.ErrInvalidCredentials
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if left := s.lockedForLocked(u.ID); left > 0 {
		s.Metrics.ObserveLogin("locked")
		s.auditDenied(ctx, u.ID, "identity_login", "account locked")
		return Tokens{}, &AccountLockedError{RetryAfter: left}
	}

	if err := s.Users.VerifyPassword(u.ID, password); err != nil {
		if errors.Is(err, users.ErrUserInactive) {
			s.Metrics.ObserveLogin("inactive")
			s.auditDenied(ctx, u.ID, "identity_login", "account suspended")
			return Tokens{}, fmt.Errorf("%w: %v", ErrForbidden, err)
		}
		if perr := s.recordFailureLocked(ctx, u.ID); perr != nil {
			return Tokens{}, perr
		}
		s.Metrics.ObserveLogin("invalid_credentials")
		s.auditDenied(ctx, u.ID, "identity_login", "invalid credentials")
		return Tokens{}, users.ErrInvalidCredentials
	}

	if u.TOTPSecret != "" {
		if totpCode == "" {
			s.Metrics.ObserveLogin("totp_required")
			return Tokens{}, ErrTOTPRequired
		}
		if err := auth.ValidateTOTP(totpCode, u.TOTPSecret, s.now()); err != nil {
			if perr := s.recordFailureLocked(ctx, u.ID); perr != nil {
				return Tokens{}, perr
			}
			s.Metrics.ObserveLogin("invalid_totp")
			s.auditDenied(ctx, u.ID, "identity_login", "invalid totp")
			return Tokens{}, err
		}
	}

	if err := s.resetFailuresLocked(ctx, u.ID); err != nil {
		return Tokens{}, err
	}
	tokens, err := s.issueLocked(u)
	if err != nil {
		return Tokens{}, err
	}
	if err := s.auditSession(ctx, u, u.ID, "identity_login", map[string]any{"expires_at": tokens.ExpiresAt}); err != nil {
		delete(s.refreshSessions, tokens.RefreshToken)
		return Tokens{}, err
	}
	s.Metrics.ObserveLogin("ok")
	return tokens, nil
}

// Refresh rotates a refresh token. The old token is revoked and the new
// access token carries the user's current role.
func (s *IdentityService) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.refreshSessions[refreshToken]
	if sess == nil || sess.revoked {
		return Tokens{}, ErrRefreshTokenInvalid
	}
	if !s.now().Before(sess.expiresAt) {
		delete(s.refreshSessions, refreshToken)
		return Tokens{}, fmt.Errorf("%w: expired", ErrRefreshTokenInvalid)
	}
	u, err := s.Users.Get(sess.userID)
	if err != nil {
		return Tokens{}, ErrRefreshTokenInvalid
	}
	if !u.Active {
		sess.revoked = true
		return Tokens{}, fmt.Errorf("%w: %v", ErrForbidden, users.ErrUserInactive)
	}
	sess.revoked = true
	tokens, err := s.issueLocked(u)
	if err != nil {
		sess.revoked = false
		return Tokens{}, err
	}
	if err := s.auditSession(ctx, u, u.ID, "identity_refresh", map[string]any{"expires_at": tokens.ExpiresAt}); err != nil {
		sess.revoked = false
		delete(s.refreshSessions, tokens.RefreshToken)
		return Tokens{}, err
	}
	return tokens, nil
}

// Logout revokes a refresh token owned by actor.
func (s *IdentityService) Logout(ctx context.Context, actor auth.Actor, refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.refreshSessions[refreshToken]
	if sess == nil || sess.userID != actor.ID {
		return ErrRefreshTokenInvalid
	}
	sess.revoked = true
	if s.Audit != nil {
		_ = s.Audit.Record(ctx, audit.Entry{
			ActorID:    actor.ID,
			ActorRole:  string(actor.Role),
			ObjectType: "identity_session",
			ObjectID:   actor.ID,
			Action:     "identity_logout",
		})
	}
	return nil
}

// EnrollTOTP starts TOTP enrollment. The secret takes effect once
// ConfirmTOTP sees a valid code for it.
func (s *IdentityService) EnrollTOTP(actor auth.Actor) (secret, url string, err error) {
	u, err := s.Users.Get(actor.ID)
	if err != nil {
		return "", "", err
	}
	s.mu.Lock()
	issuer := s.totpIssuer
	s.mu.Unlock()

	secret, url, err = auth.GenerateTOTP(issuer, u.Email)
	if err != nil {
		return "", "", err
	}
	s.mu.Lock()
	s.pendingTOTP[u.ID] = secret
	s.mu.Unlock()
	return secret, url, nil
}

func (s *IdentityService) ConfirmTOTP(ctx context.Context, actor auth.Actor, code string) error {
	s.mu.Lock()
	secret, ok := s.pendingTOTP[actor.ID]
	s.mu.Unlock()
	if !ok {
		return ErrTOTPNotPending
	}
	if err := auth.ValidateTOTP(code, secret, s.now()); err != nil {
		return err
	}
	if err := s.Users.SetTOTPSecret(ctx, actor.ID, secret); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.pendingTOTP, actor.ID)
	s.mu.Unlock()
	if s.Audit != nil {
		_ = s.Audit.Record(ctx, audit.Entry{
			ActorID:    actor.ID,
			ActorRole:  string(actor.Role),
			ObjectType: "user",
			ObjectID:   actor.ID,
			Action:     "totp_enroll",
		})
	}
	return nil
}

// Load restores active lockouts from PostgreSQL.
func (s *IdentityService) Load(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	const q = `
SELECT user_id, failed_attempts, locked_until
FROM identity_lockouts
WHERE failed_attempts > 0 OR locked_until IS NOT NULL
`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var userID string
		var failures int
		var until sql.NullTime
		if err := rows.Scan(&userID, &failures, &until); err != nil {
			return err
		}
		if failures > 0 {
			s.failedAttempts[userID] = failures
		}
		if until.Valid && until.Time.After(s.now()) {
			s.lockedUntil[userID] = until.Time.UTC()
		}
	}
	return rows.Err()
}
