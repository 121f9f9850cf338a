package server

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/auth"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/ledger"
)

type BonusStatus string

const (
	BonusActive    BonusStatus = "active"
	BonusAvailable BonusStatus = "available"
	BonusClaimed   BonusStatus = "claimed"
	BonusExpired   BonusStatus = "expired"
)

type Bonus struct {
	ID               string      `json:"id"`
	UserID           string      `json:"user_id"`
	Amount           int64       `json:"amount"`
	WageringRequired int64       `json:"wagering_required"`
	WageringProgress int64       `json:"wagering_progress"`
	Remaining        int64       `json:"remaining"`
	Status           BonusStatus `json:"status"`
	CreatedAt        time.Time   `json:"created_at"`
	ExpiresAt        time.Time   `json:"expires_at"`
}

// BonusService grants bonuses and tracks their wagering. Callers that change
// a user's bonuses hold that user's ledger lock.
type BonusService struct {
	*Core

	mu       sync.Mutex
	bonuses  map[string]*Bonus
	byUser   map[string][]string
	validity time.Duration
}

func NewBonusService(core *Core, validity time.Duration) *BonusService {
	if validity <= 0 {
		validity = 7 * 24 * time.Hour
	}
	return &BonusService{
		Core:     core,
		bonuses:  make(map[string]*Bonus),
		byUser:   make(map[string][]string),
		validity: validity,
	}
}

type GrantBonusInput struct {
	UserID           string
	Amount           int64
	WageringRequired int64
	ExpiresAt        time.Time
}

// Grant credits the user's bonus wallet from the house and opens a bonus
// that unlocks once the wagering requirement is met.
func (s *BonusService) Grant(ctx context.Context, actor auth.Actor, in GrantBonusInput) (Bonus, error) {
	if in.Amount <= 0 {
		return Bonus{}, fmt.Errorf("%w: bonus amount must be positive", ErrInvalidAmount)
	}
	if in.WageringRequired < 0 {
		return Bonus{}, fmt.Errorf("%w: wagering requirement must not be negative", ErrInvalidAmount)
	}
	if err := s.authorize(actor, auth.CapGrantBonus, in.UserID); err != nil {
		s.denied(ctx, actor, "bonus", "", "bonus_grant", err)
		return Bonus{}, err
	}
	target, err := s.Users.Get(in.UserID)
	if err != nil {
		return Bonus{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if target.Role != auth.RolePlayer {
		return Bonus{}, fmt.Errorf("%w: bonuses are granted to players", ErrForbidden)
	}

	now := s.now()
	expires := in.ExpiresAt
	if expires.IsZero() {
		expires = now.Add(s.validity)
	}
	if !expires.After(now) {
		return Bonus{}, fmt.Errorf("%w: bonus must expire in the future", ErrInvalidAmount)
	}

	unlock := s.Ledger.Lock(in.UserID)
	defer unlock()

	b := &Bonus{
		ID:               uuid.NewString(),
		UserID:           in.UserID,
		Amount:           in.Amount,
		WageringRequired: in.WageringRequired,
		Remaining:        in.Amount,
		Status:           BonusActive,
		CreatedAt:        now,
		ExpiresAt:        expires.UTC(),
	}
	if b.WageringRequired == 0 {
		b.Status = BonusAvailable
	}
	entry := ledger.Between(ledger.TxBonus, b.ID, ledger.HouseAccountID, ledger.WalletMain, in.UserID, ledger.WalletBonus, in.Amount)
	if _, err := s.post(ctx, s.persistBonusFunc(b), entry); err != nil {
		return Bonus{}, err
	}
	s.commit(b)
	s.record(ctx, actor, "bonus", b.ID, "bonus_grant", nil, b)
	return *b, nil
}

// wagerPlan holds the bonus rows changed by one bonus-wallet movement.
// Nothing in it is stored until commitAll.
type wagerPlan struct {
	wagered *Bonus
	changed []*Bonus
}

func (p wagerPlan) wageredID() string {
	if p.wagered == nil {
		return ""
	}
	return p.wagered.ID
}

// openLocked returns copies of the user's active or available bonuses,
// oldest first. Bonuses past their deadline but not yet swept are included
// only when withExpired is set.
// The caller holds s.mu.
func (s *BonusService) openLocked(userID string, now time.Time, withExpired bool) []*Bonus {
	open := make([]*Bonus, 0, len(s.byUser[userID]))
	for _, id := range s.byUser[userID] {
		b := s.bonuses[id]
		if b.Status != BonusActive && b.Status != BonusAvailable {
			continue
		}
		if !withExpired && !now.Before(b.ExpiresAt) {
			continue
		}
		cp := *b
		open = append(open, &cp)
	}
	sort.SliceStable(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })
	return open
}

// planWager applies a bonus-funded stake. Wagering progress goes to the
// oldest unexpired active bonus. The stake is drawn from that bonus's
// remaining funds first, then from the other held bonuses oldest first.
func (s *BonusService) planWager(userID string, stake int64, now time.Time) wagerPlan {
	s.mu.Lock()
	defer s.mu.Unlock()

	open := s.openLocked(userID, now, true)
	var plan wagerPlan
	for _, b := range open {
		if b.Status != BonusActive || !now.Before(b.ExpiresAt) {
			continue
		}
		b.WageringProgress += stake
		if b.WageringProgress >= b.WageringRequired {
			b.Status = BonusAvailable
		}
		plan.wagered = b
		plan.changed = append(plan.changed, b)
		break
	}

	left := stake
	if plan.wagered != nil {
		take := min(left, plan.wagered.Remaining)
		plan.wagered.Remaining -= take
		left -= take
	}
	for _, b := range open {
		if left == 0 {
			break
		}
		if b == plan.wagered || b.Remaining == 0 {
			continue
		}
		take := min(left, b.Remaining)
		b.Remaining -= take
		left -= take
		plan.changed = append(plan.changed, b)
	}
	return plan
}

// planRefund returns a voided bonus-funded stake to the open bonuses it can
// be attributed to, starting with bonusID. Each bonus is refilled up to its
// granted amount.
func (s *BonusService) planRefund(userID, bonusID string, stake int64, now time.Time) wagerPlan {
	s.mu.Lock()
	defer s.mu.Unlock()

	open := s.openLocked(userID, now, false)
	sort.SliceStable(open, func(i, j int) bool { return open[i].ID == bonusID && open[j].ID != bonusID })
	var plan wagerPlan
	left := stake
	for _, b := range open {
		if left == 0 {
			break
		}
		room := b.Amount - b.Remaining
		if room <= 0 {
			continue
		}
		give := min(left, room)
		b.Remaining += give
		left -= give
		plan.changed = append(plan.changed, b)
	}
	return plan
}

func (s *BonusService) persistAll(ctx context.Context, tx *sql.Tx, plan wagerPlan) error {
	for _, b := range plan.changed {
		if err := upsertBonus(ctx, tx, b); err != nil {
			return err
		}
	}
	return nil
}

func (s *BonusService) commitAll(plan wagerPlan) {
	for _, b := range plan.changed {
		s.commit(b)
	}
}

func (s *BonusService) commit(b *Bonus) {
	if b == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bonuses[b.ID]; !ok {
		s.byUser[b.UserID] = append(s.byUser[b.UserID], b.ID)
	}
	cp := *b
	s.bonuses[b.ID] = &cp
}

func (s *BonusService) get(id string) (Bonus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bonuses[id]
	if b == nil {
		return Bonus{}, false
	}
	return *b, true
}

func (s *BonusService) Get(actor auth.Actor, id string) (Bonus, error) {
	b, ok := s.get(id)
	if !ok {
		return Bonus{}, fmt.Errorf("%w: bonus %s", ErrNotFound, id)
	}
	if err := s.authorize(actor, auth.CapViewOwnWallet, b.UserID); err != nil {
		return Bonus{}, err
	}
	return b, nil
}

// List returns a user's bonuses, oldest first.
func (s *BonusService) List(actor auth.Actor, userID string) ([]Bonus, error) {
	if err := s.authorize(actor, auth.CapViewOwnWallet, userID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Bonus, 0, len(s.byUser[userID]))
	for _, id := range s.byUser[userID] {
		out = append(out, *s.bonuses[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Claim releases an available bonus into main. Only the funds still
// attributed to this bonus move; funds of other bonuses stay locked.
func (s *BonusService) Claim(ctx context.Context, actor auth.Actor, bonusID string) (Bonus, error) {
	b, ok := s.get(bonusID)
	if !ok {
		return Bonus{}, fmt.Errorf("%w: bonus %s", ErrNotFound, bonusID)
	}
	if actor.ID != b.UserID {
		err := fmt.Errorf("%w: only the owner may claim a bonus", ErrForbidden)
		s.denied(ctx, actor, "bonus", bonusID, "bonus_claim", err)
		return Bonus{}, err
	}
	if err := s.authorize(actor, auth.CapClaimBonus, b.UserID); err != nil {
		return Bonus{}, err
	}

	unlock := s.Ledger.Lock(b.UserID)
	defer unlock()

	b, _ = s.get(bonusID)
	now := s.now()
	if b.Status != BonusAvailable {
		return Bonus{}, fmt.Errorf("%w: bonus is %s", ErrInvalidState, b.Status)
	}
	if !now.Before(b.ExpiresAt) {
		return Bonus{}, fmt.Errorf("%w: bonus expired", ErrInvalidState)
	}
	bal, err := s.Ledger.Balances(b.UserID)
	if err != nil {
		return Bonus{}, err
	}
	before := b
	b.Status = BonusClaimed
	release := min(b.Remaining, bal.Bonus)
	b.Remaining = 0
	if release > 0 {
		entry := ledger.Between(ledger.TxBonus, b.ID, b.UserID, ledger.WalletBonus, b.UserID, ledger.WalletMain, release)
		if _, err := s.post(ctx, s.persistBonusFunc(&b), entry); err != nil {
			return Bonus{}, err
		}
	} else if s.dbEnabled() {
		if err := s.persistBonus(ctx, &b); err != nil {
			return Bonus{}, err
		}
	}
	s.commit(&b)
	s.record(ctx, actor, "bonus", b.ID, "bonus_claim", before, b)
	return b, nil
}

// ExpireDue expires every active or available bonus past its deadline and
// returns the remaining bonus funds to the house.
func (s *BonusService) ExpireDue(ctx context.Context) (int, error) {
	now := s.now()
	s.mu.Lock()
	due := make([]Bonus, 0)
	for _, b := range s.bonuses {
		if (b.Status == BonusActive || b.Status == BonusAvailable) && !now.Before(b.ExpiresAt) {
			due = append(due, *b)
		}
	}
	s.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })

	expired := 0
	for _, b := range due {
		if err := s.expireOne(ctx, b.ID, now); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (s *BonusService) expireOne(ctx context.Context, id string, now time.Time) error {
	b, _ := s.get(id)
	unlock := s.Ledger.Lock(b.UserID)
	defer unlock()

	b, _ = s.get(id)
	if b.Status != BonusActive && b.Status != BonusAvailable {
		return nil
	}
	bal, err := s.Ledger.Balances(b.UserID)
	if err != nil {
		return err
	}
	before := b
	b.Status = BonusExpired
	forfeit := min(b.Remaining, bal.Bonus)
	b.Remaining = 0
	if forfeit > 0 {
		entry := ledger.Between(ledger.TxBonus, b.ID, b.UserID, ledger.WalletBonus, ledger.HouseAccountID, ledger.WalletMain, forfeit)
		if _, err := s.post(ctx, s.persistBonusFunc(&b), entry); err != nil {
			return err
		}
	} else if s.dbEnabled() {
		if err := s.persistBonus(ctx, &b); err != nil {
			return err
		}
	}
	s.commit(&b)
	s.record(ctx, auth.Actor{}, "bonus", b.ID, "bonus_expire", before, b)
	s.Logger.Info("bonus expired", "bonus_id", b.ID, "user_id", b.UserID, "forfeited", forfeit, "at", now)
	return nil
}

// StartExpiryWorker sweeps due bonuses every interval until ctx ends.
func (s *BonusService) StartExpiryWorker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.ExpireDue(ctx)
				s.Metrics.ObserveBonusSweep(n, err)
				if err != nil {
					s.Logger.Error("bonus expiry sweep failed", "error", err)
				}
			}
		}
	}()
}

func (s *BonusService) persistBonusFunc(b *Bonus) ledger.PersistFunc {
	return func(ctx context.Context, tx *sql.Tx) error {
		return upsertBonus(ctx, tx, b)
	}
}
