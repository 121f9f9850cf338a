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

type BetStatus string

const (
	BetOpen BetStatus = "open"
	BetWon  BetStatus = "won"
	BetLost BetStatus = "lost"
	BetVoid BetStatus = "void"
)

type Bet struct {
	ID         string            `json:"id"`
	UserID     string            `json:"user_id"`
	Stake      int64             `json:"stake"`
	Wallet     ledger.WalletType `json:"wallet"`
	Status     BetStatus         `json:"status"`
	Payout     int64             `json:"payout"`
	ToMain     int64             `json:"to_main"`
	ToExposure int64             `json:"to_exposure"`
	BonusID    string            `json:"bonus_id,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	SettledAt  *time.Time        `json:"settled_at,omitempty"`
}

type BettingService struct {
	*Core
	Bonuses *BonusService

	mu   sync.Mutex
	bets map[string]*Bet
}

func NewBettingService(core *Core, bonuses *BonusService) *BettingService {
	return &BettingService{
		Core:    core,
		Bonuses: bonuses,
		bets:    make(map[string]*Bet),
	}
}

func (s *BettingService) store(b *Bet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.bets[b.ID] = &cp
}

func (s *BettingService) get(id string) (Bet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bets[id]
	if b == nil {
		return Bet{}, false
	}
	return *b, true
}

// PlaceBet draws the stake from the wallet chosen by SelectWallet and, for
// bonus-funded stakes, advances the oldest active bonus.
func (s *BettingService) PlaceBet(ctx context.Context, actor auth.Actor, userID string, stake int64) (Bet, ledger.Balances, error) {
	if userID == "" {
		userID = actor.ID
	}
	if stake <= 0 {
		return Bet{}, ledger.Balances{}, fmt.Errorf("%w: stake must be positive", ErrInvalidAmount)
	}
	if err := s.authorize(actor, auth.CapPlaceBet, ""); err != nil || userID != actor.ID {
		if err == nil {
			err = fmt.Errorf("%w: bets are placed by the player", ErrForbidden)
		}
		s.denied(ctx, actor, "bet", "", "bet_place", err)
		return Bet{}, ledger.Balances{}, err
	}

	unlock := s.Ledger.Lock(userID)
	defer unlock()

	bal, err := s.Ledger.Balances(userID)
	if err != nil {
		return Bet{}, ledger.Balances{}, err
	}
	wallet, err := SelectWallet(bal, stake)
	if err != nil {
		return Bet{}, bal, err
	}

	now := s.now()
	bet := &Bet{
		ID:        uuid.NewString(),
		UserID:    userID,
		Stake:     stake,
		Wallet:    wallet,
		Status:    BetOpen,
		CreatedAt: now,
	}
	var plan wagerPlan
	if wallet == ledger.WalletBonus && s.Bonuses != nil {
		plan = s.Bonuses.planWager(userID, stake, now)
		bet.BonusID = plan.wageredID()
	}

	entry := ledger.Between(ledger.TxBetPlaced, bet.ID, userID, wallet, ledger.HouseAccountID, ledger.WalletMain, stake)
	persist := func(ctx context.Context, tx *sql.Tx) error {
		if err := upsertBet(ctx, tx, bet); err != nil {
			return err
		}
		return s.Bonuses.persistAll(ctx, tx, plan)
	}
	if _, err := s.post(ctx, persist, entry); err != nil {
		return Bet{}, bal, err
	}
	s.store(bet)
	s.Bonuses.commitAll(plan)
	s.Metrics.ObserveBet(wallet, BetOpen)

	after, _ := s.Ledger.Balances(userID)
	return *bet, after, nil
}

// SettleBet closes an open bet. A win is split between main and exposure; a
// void refunds the stake to the wallet it came from. The house result
// (stake minus payout) rolls up into the player's master P&L.
func (s *BettingService) SettleBet(ctx context.Context, actor auth.Actor, betID string, outcome BetStatus, payout int64) (Bet, error) {
	bet, ok := s.get(betID)
	if !ok {
		return Bet{}, fmt.Errorf("%w: bet %s", ErrNotFound, betID)
	}
	if err := s.authorize(actor, auth.CapSettleBet, bet.UserID); err != nil {
		s.denied(ctx, actor, "bet", betID, "bet_settle", err)
		return Bet{}, err
	}
	switch outcome {
	case BetWon:
		if payout <= 0 {
			return Bet{}, fmt.Errorf("%w: a won bet needs a positive payout", ErrInvalidAmount)
		}
	case BetLost, BetVoid:
		if payout != 0 {
			return Bet{}, fmt.Errorf("%w: only won bets pay out", ErrInvalidAmount)
		}
	default:
		return Bet{}, fmt.Errorf("%w: unknown outcome %q", ErrInvalidState, outcome)
	}

	player, err := s.Users.Get(bet.UserID)
	if err != nil {
		return Bet{}, err
	}
	masterID := ""
	if master, err := s.Users.Parent(bet.UserID); err == nil && master.Role == auth.RoleMaster {
		masterID = master.ID
	}

	unlock := s.Ledger.Lock(bet.UserID, masterID)
	defer unlock()

	bet, _ = s.get(betID)
	if bet.Status != BetOpen {
		return Bet{}, fmt.Errorf("%w: bet is %s", ErrInvalidState, bet.Status)
	}
	before := bet

	entries := make([]ledger.Entry, 0, 3)
	houseResult := int64(0)
	switch outcome {
	case BetWon:
		bet.ToMain, bet.ToExposure = SplitWin(payout, s.exposureLimit(player))
		entries = append(entries, winEntries(bet.ID, bet.UserID, bet.ToMain, bet.ToExposure)...)
		houseResult = bet.Stake - payout
	case BetLost:
		houseResult = bet.Stake
	case BetVoid:
		entries = append(entries, ledger.Between(ledger.TxBetRefund, bet.ID, ledger.HouseAccountID, ledger.WalletMain, bet.UserID, bet.Wallet, bet.Stake))
	}
	var refund wagerPlan
	if outcome == BetVoid && bet.Wallet == ledger.WalletBonus && s.Bonuses != nil {
		refund = s.Bonuses.planRefund(bet.UserID, bet.BonusID, bet.Stake, s.now())
	}
	if masterID != "" {
		switch {
		case houseResult > 0:
			entries = append(entries, ledger.Between(ledger.TxGameLoss, bet.ID, ledger.HouseAccountID, ledger.WalletMain, masterID, ledger.WalletPL, houseResult))
		case houseResult < 0:
			entries = append(entries, ledger.Between(ledger.TxGameWin, bet.ID, masterID, ledger.WalletPL, ledger.HouseAccountID, ledger.WalletMain, -houseResult))
		}
	}

	now := s.now()
	bet.Status = outcome
	bet.Payout = payout
	bet.SettledAt = &now
	if len(entries) > 0 {
		persist := func(ctx context.Context, tx *sql.Tx) error {
			if err := upsertBet(ctx, tx, &bet); err != nil {
				return err
			}
			return s.Bonuses.persistAll(ctx, tx, refund)
		}
		if _, err := s.post(ctx, persist, entries...); err != nil {
			return Bet{}, err
		}
	} else if s.dbEnabled() {
		if err := upsertBet(ctx, s.db, &bet); err != nil {
			return Bet{}, err
		}
	}
	s.store(&bet)
	s.Bonuses.commitAll(refund)
	s.Metrics.ObserveBet(bet.Wallet, outcome)
	s.record(ctx, actor, "bet", bet.ID, "bet_settle", before, bet)
	return bet, nil
}

func (s *BettingService) Get(actor auth.Actor, id string) (Bet, error) {
	bet, ok := s.get(id)
	if !ok {
		return Bet{}, fmt.Errorf("%w: bet %s", ErrNotFound, id)
	}
	if err := s.authorize(actor, auth.CapViewOwnWallet, bet.UserID); err != nil {
		return Bet{}, err
	}
	return bet, nil
}

// Bets returns a snapshot of all bets ordered by creation time.
func (s *BettingService) Bets() []Bet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Bet, 0, len(s.bets))
	for _, b := range s.bets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
