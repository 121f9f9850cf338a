package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/auth"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/clock"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidRole        = errors.New("invalid role")
	ErrInvalidHierarchy   = errors.New("invalid hierarchy placement")
	ErrUserInactive       = errors.New("user suspended")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidInput       = errors.New("invalid user input")
)

// MaxDepth bounds the parent chain: player, master, super, powerhouse.
const MaxDepth = 4

type KYCStatus string

const (
	KYCPending  KYCStatus = "pending"
	KYCVerified KYCStatus = "verified"
	KYCRejected KYCStatus = "rejected"
)

func (k KYCStatus) Valid() bool {
	return k == KYCPending || k == KYCVerified || k == KYCRejected
}

type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Role          auth.Role `json:"role"`
	ParentID      string    `json:"parent_id,omitempty"`
	KYCStatus     KYCStatus `json:"kyc_status"`
	Active        bool      `json:"active"`
	CommissionBPS int       `json:"commission_bps"`
	ExposureLimit *int64    `json:"exposure_limit,omitempty"`
	CreatedAt     time.Time `json:"created_at"`

	PasswordHash string `json:"-"`
	PinHash      string `json:"-"`
	TOTPSecret   string `json:"-"`
}

type RegisterInput struct {
	Email         string
	Password      string
	PIN           string
	Role          auth.Role
	ParentID      string
	CommissionBPS int
	ExposureLimit *int64
}

type Directory struct {
	Clock clock.Clock

	mu       sync.RWMutex
	users    map[string]*User
	byEmail  map[string]string
	children map[string][]string
	db       *sql.DB
}

func NewDirectory(clk clock.Clock, db ...*sql.DB) *Directory {
	var handle *sql.DB
	if len(db) > 0 {
		handle = db[0]
	}
	return &Directory{
		Clock:    clk,
		users:    make(map[string]*User),
		byEmail:  make(map[string]string),
		children: make(map[string][]string),
		db:       handle,
	}
}

func (d *Directory) now() time.Time {
	if d.Clock == nil {
		return time.Now().UTC()
	}
	return d.Clock.Now().UTC()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func cloneLimit(limit *int64) *int64 {
	if limit == nil {
		return nil
	}
	v := *limit
	return &v
}

func copyUser(u *User) User {
	out := *u
	out.ExposureLimit = cloneLimit(u.ExposureLimit)
	return out
}

// checkPlacementLocked validates that parentID may hold a child of role.
func (d *Directory) checkPlacementLocked(role auth.Role, parentID string) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if role == auth.RolePowerhouse {
		if parentID != "" {
			return fmt.Errorf("%w: powerhouse has no parent", ErrInvalidHierarchy)
		}
		return nil
	}
	parent := d.users[parentID]
	if parent == nil {
		return fmt.Errorf("%w: parent %q not found", ErrInvalidHierarchy, parentID)
	}
	if parent.Role != role.Parent() {
		return fmt.Errorf("%w: %s must report to a %s, not a %s", ErrInvalidHierarchy, role, role.Parent(), parent.Role)
	}
	return nil
}

// Register creates a user under parentID. The parent must sit exactly one
// level above the new role.
func (d *Directory) Register(ctx context.Context, in RegisterInput) (User, error) {
	email := normalizeEmail(in.Email)
	if email == "" || !strings.Contains(email, "@") {
		return User{}, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if in.CommissionBPS < 0 || in.CommissionBPS > 10000 {
		return User{}, fmt.Errorf("%w: commission must be within 0-10000 bps", ErrInvalidInput)
	}
	if in.ExposureLimit != nil && *in.ExposureLimit < 0 {
		return User{}, fmt.Errorf("%w: exposure limit must not be negative", ErrInvalidInput)
	}
	pwHash, err := auth.HashPassword(in.Password)
	if err != nil {
		return User{}, err
	}
	pinHash := ""
	if in.PIN != "" {
		if pinHash, err = auth.HashPIN(in.PIN); err != nil {
			return User{}, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byEmail[email]; ok {
		return User{}, ErrEmailTaken
	}
	if err := d.checkPlacementLocked(in.Role, in.ParentID); err != nil {
		return User{}, err
	}
	u := &User{
		ID:            uuid.NewString(),
		Email:         email,
		Role:          in.Role,
		ParentID:      in.ParentID,
		KYCStatus:     KYCPending,
		Active:        true,
		CommissionBPS: in.CommissionBPS,
		ExposureLimit: cloneLimit(in.ExposureLimit),
		CreatedAt:     d.now(),
		PasswordHash:  pwHash,
		PinHash:       pinHash,
	}
	if d.db != nil {
		if err := d.upsertUser(ctx, u); err != nil {
			return User{}, err
		}
	}
	d.insertLocked(u)
	return copyUser(u), nil
}

func (d *Directory) insertLocked(u *User) {
	d.users[u.ID] = u
	d.byEmail[u.Email] = u.ID
	if u.ParentID != "" {
		d.children[u.ParentID] = append(d.children[u.ParentID], u.ID)
	}
}

func (d *Directory) Get(id string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u := d.users[id]
	if u == nil {
		return User{}, ErrUserNotFound
	}
	return copyUser(u), nil
}

func (d *Directory) GetByEmail(email string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u := d.users[d.byEmail[normalizeEmail(email)]]
	if u == nil {
		return User{}, ErrUserNotFound
	}
	return copyUser(u), nil
}

// Children lists the direct downline of id ordered by id.
func (d *Directory) Children(id string) []User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := append([]string(nil), d.children[id]...)
	sort.Strings(ids)
	out := make([]User, 0, len(ids))
	for _, cid := range ids {
		out = append(out, copyUser(d.users[cid]))
	}
	return out
}

// Ancestors returns the chain from the direct parent up to the root.
func (d *Directory) Ancestors(id string) ([]User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u := d.users[id]
	if u == nil {
		return nil, ErrUserNotFound
	}
	out := make([]User, 0, MaxDepth-1)
	for cur := u.ParentID; cur != "" && len(out) < MaxDepth; {
		p := d.users[cur]
		if p == nil {
			break
		}
		out = append(out, copyUser(p))
		cur = p.ParentID
	}
	return out, nil
}

// Parent returns the direct superior of id.
func (d *Directory) Parent(id string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u := d.users[id]
	if u == nil {
		return User{}, ErrUserNotFound
	}
	p := d.users[u.ParentID]
	if p == nil {
		return User{}, fmt.Errorf("%w: %s has no superior", ErrInvalidHierarchy, id)
	}
	return copyUser(p), nil
}

func (d *Directory) isAncestorLocked(ancestorID, id string) bool {
	u := d.users[id]
	for depth := 0; u != nil && u.ParentID != "" && depth < MaxDepth; depth++ {
		if u.ParentID == ancestorID {
			return true
		}
		u = d.users[u.ParentID]
	}
	return false
}

// IsAncestor reports whether ancestorID sits above id in the hierarchy.
func (d *Directory) IsAncestor(ancestorID, id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isAncestorLocked(ancestorID, id)
}

// ChangeRole moves a user to a new role under newParentID. The new parent
// must not be in the user's downline and every existing child must still sit
// exactly one level below.
func (d *Directory) ChangeRole(ctx context.Context, id string, role auth.Role, newParentID string) (User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	u := d.users[id]
	if u == nil {
		return User{}, ErrUserNotFound
	}
	if newParentID == id || d.isAncestorLocked(id, newParentID) {
		return User{}, fmt.Errorf("%w: parent would create a cycle", ErrInvalidHierarchy)
	}
	if err := d.checkPlacementLocked(role, newParentID); err != nil {
		return User{}, err
	}
	for _, cid := range d.children[id] {
		if c := d.users[cid]; c != nil && c.Role.Parent() != role {
			return User{}, fmt.Errorf("%w: child %s is a %s", ErrInvalidHierarchy, cid, c.Role)
		}
	}

	next := copyUser(u)
	next.Role = role
	next.ParentID = newParentID
	if d.db != nil {
		if err := d.upsertUser(ctx, &next); err != nil {
			return User{}, err
		}
	}
	if u.ParentID != newParentID {
		d.children[u.ParentID] = removeID(d.children[u.ParentID], id)
		if newParentID != "" {
			d.children[newParentID] = append(d.children[newParentID], id)
		}
	}
	*u = next
	return copyUser(u), nil
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func (d *Directory) update(ctx context.Context, id string, mutate func(*User) error) (User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	u := d.users[id]
	if u == nil {
		return User{}, ErrUserNotFound
	}
	next := copyUser(u)
	if err := mutate(&next); err != nil {
		return User{}, err
	}
	if d.db != nil {
		if err := d.upsertUser(ctx, &next); err != nil {
			return User{}, err
		}
	}
	*u = next
	return copyUser(u), nil
}

func (d *Directory) SetActive(ctx context.Context, id string, active bool) (User, error) {
	return d.update(ctx, id, func(u *User) error {
		u.Active = active
		return nil
	})
}

func (d *Directory) SetKYCStatus(ctx context.Context, id string, status KYCStatus) (User, error) {
	return d.update(ctx, id, func(u *User) error {
		if !status.Valid() {
			return fmt.Errorf("%w: kyc status %q", ErrInvalidInput, status)
		}
		u.KYCStatus = status
		return nil
	})
}

// SetExposureLimit overrides the default win limit; nil restores the default.
func (d *Directory) SetExposureLimit(ctx context.Context, id string, limit *int64) (User, error) {
	return d.update(ctx, id, func(u *User) error {
		if limit != nil && *limit < 0 {
			return fmt.Errorf("%w: exposure limit must not be negative", ErrInvalidInput)
		}
		u.ExposureLimit = cloneLimit(limit)
		return nil
	})
}

func (d *Directory) SetPIN(ctx context.Context, id, pin string) error {
	hash, err := auth.HashPIN(pin)
	if err != nil {
		return err
	}
	_, err = d.update(ctx, id, func(u *User) error {
		u.PinHash = hash
		return nil
	})
	return err
}

func (d *Directory) SetTOTPSecret(ctx context.Context, id, secret string) error {
	_, err := d.update(ctx, id, func(u *User) error {
		u.TOTPSecret = secret
		return nil
	})
	return err
}

// VerifyPassword checks the password of an active user.
func (d *Directory) VerifyPassword(id, password string) error {
	d.mu.RLock()
	u := d.users[id]
	d.mu.RUnlock()
	if u == nil {
		return ErrUserNotFound
	}
	if !u.Active {
		return ErrUserInactive
	}
	if err := auth.CheckPassword(u.PasswordHash, password); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// PinHash satisfies auth.PinHashSource.
func (d *Directory) PinHash(userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u := d.users[userID]
	if u == nil {
		return "", ErrUserNotFound
	}
	return u.PinHash, nil
}

func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}
