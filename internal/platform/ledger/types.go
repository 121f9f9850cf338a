package ledger

import "time"

// HouseAccountID is the contra account for every movement that has no user
// counterparty. It is unconstrained and is never locked per user.
const HouseAccountID = "system"

type WalletType string

const (
	WalletMain     WalletType = "main"
	WalletBonus    WalletType = "bonus"
	WalletPL       WalletType = "pl"
	WalletExposure WalletType = "exposure"
)

func (w WalletType) Valid() bool {
	switch w {
	case WalletMain, WalletBonus, WalletPL, WalletExposure:
		return true
	}
	return false
}

type Action string

const (
	ActionIn  Action = "in"
	ActionOut Action = "out"
)

type TxType string

const (
	TxDepositApproval    TxType = "deposit_approval"
	TxWithdrawalApproval TxType = "withdrawal_approval"
	TxBetPlaced          TxType = "bet_placed"
	TxBetRefund          TxType = "bet_refund"
	TxGameWin            TxType = "game_win"
	TxGameLoss           TxType = "game_loss"
	TxTransfer           TxType = "transfer"
	TxSettlement         TxType = "settlement"
	TxBonus              TxType = "bonus"
	TxExposureTransfer   TxType = "exposure_transfer"
)

func (t TxType) Valid() bool {
	switch t {
	case TxDepositApproval, TxWithdrawalApproval, TxBetPlaced, TxBetRefund, TxGameWin,
		TxGameLoss, TxTransfer, TxSettlement, TxBonus, TxExposureTransfer:
		return true
	}
	return false
}

// Balances is a consistent snapshot of one user's four wallets, in minor units.
type Balances struct {
	Main     int64 `json:"main"`
	Bonus    int64 `json:"bonus"`
	PL       int64 `json:"pl"`
	Exposure int64 `json:"exposure"`
}

func (b Balances) Get(w WalletType) int64 {
	switch w {
	case WalletMain:
		return b.Main
	case WalletBonus:
		return b.Bonus
	case WalletPL:
		return b.PL
	case WalletExposure:
		return b.Exposure
	}
	return 0
}

func (b *Balances) set(w WalletType, v int64) {
	switch w {
	case WalletMain:
		b.Main = v
	case WalletBonus:
		b.Bonus = v
	case WalletPL:
		b.PL = v
	case WalletExposure:
		b.Exposure = v
	}
}

// Leg is one side of a double entry.
type Leg struct {
	UserID string
	Action Action
	Wallet WalletType
	Amount int64
}

func (l Leg) delta() int64 {
	if l.Action == ActionOut {
		return -l.Amount
	}
	return l.Amount
}

// Entry is a matched pair of legs plus the metadata copied onto both
// transactions it produces.
type Entry struct {
	Type        TxType
	ReferenceID string
	A           Leg
	B           Leg
}

// Between builds the usual entry moving amount out of one wallet and into
// another.
func Between(txType TxType, ref string, from string, fromWallet WalletType, to string, toWallet WalletType, amount int64) Entry {
	return Entry{
		Type:        txType,
		ReferenceID: ref,
		A:           Leg{UserID: from, Action: ActionOut, Wallet: fromWallet, Amount: amount},
		B:           Leg{UserID: to, Action: ActionIn, Wallet: toWallet, Amount: amount},
	}
}

type Transaction struct {
	ID            string     `json:"id"`
	PairID        string     `json:"pair_id"`
	UserID        string     `json:"user_id"`
	Action        Action     `json:"action_type"`
	Wallet        WalletType `json:"wallet"`
	Amount        int64      `json:"amount"`
	BalanceBefore int64      `json:"balance_before"`
	BalanceAfter  int64      `json:"balance_after"`
	Type          TxType     `json:"transaction_type"`
	ReferenceID   string     `json:"reference_id"`
	Counterparty  string     `json:"counterparty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Filter selects transactions. Zero fields match everything.
type Filter struct {
	UserID      string
	Type        TxType
	Wallet      WalletType
	Action      Action
	ReferenceID string
	From        time.Time
	To          time.Time
}

func (f Filter) Empty() bool {
	return f == Filter{}
}

func (f Filter) matches(tx Transaction) bool {
	if f.UserID != "" && tx.UserID != f.UserID {
		return false
	}
	if f.Type != "" && tx.Type != f.Type {
		return false
	}
	if f.Wallet != "" && tx.Wallet != f.Wallet {
		return false
	}
	if f.Action != "" && tx.Action != f.Action {
		return false
	}
	if f.ReferenceID != "" && tx.ReferenceID != f.ReferenceID {
		return false
	}
	if !f.From.IsZero() && tx.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !tx.CreatedAt.Before(f.To) {
		return false
	}
	return true
}
