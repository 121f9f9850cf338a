package server

import (
	"time"

	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/auth"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/ledger"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/money"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/users"
)

// Wire representations. Amounts leave the service as decimal strings.

type balancesView struct {
	UserID   string       `json:"user_id"`
	Main     money.Amount `json:"main"`
	Bonus    money.Amount `json:"bonus"`
	PL       money.Amount `json:"pl"`
	Exposure money.Amount `json:"exposure"`
}

func viewBalances(userID string, b ledger.Balances) balancesView {
	return balancesView{
		UserID:   userID,
		Main:     money.FromMinor(b.Main),
		Bonus:    money.FromMinor(b.Bonus),
		PL:       money.FromMinor(b.PL),
		Exposure: money.FromMinor(b.Exposure),
	}
}

type transactionView struct {
	ID            string            `json:"id"`
	PairID        string            `json:"pair_id"`
	UserID        string            `json:"user_id"`
	Action        ledger.Action     `json:"action_type"`
	Wallet        ledger.WalletType `json:"wallet"`
	Amount        money.Amount      `json:"amount"`
	BalanceBefore money.Amount      `json:"balance_before"`
	BalanceAfter  money.Amount      `json:"balance_after"`
	Type          ledger.TxType     `json:"transaction_type"`
	ReferenceID   string            `json:"reference_id"`
	Counterparty  string            `json:"counterparty"`
	CreatedAt     time.Time         `json:"created_at"`
}

func viewTransactions(txs []ledger.Transaction) []transactionView {
	out := make([]transactionView, 0, len(txs))
	for _, t := range txs {
		out = append(out, transactionView{
			ID:            t.ID,
			PairID:        t.PairID,
			UserID:        t.UserID,
			Action:        t.Action,
			Wallet:        t.Wallet,
			Amount:        money.FromMinor(t.Amount),
			BalanceBefore: money.FromMinor(t.BalanceBefore),
			BalanceAfter:  money.FromMinor(t.BalanceAfter),
			Type:          t.Type,
			ReferenceID:   t.ReferenceID,
			Counterparty:  t.Counterparty,
			CreatedAt:     t.CreatedAt,
		})
	}
	return out
}

type userView struct {
	ID            string          `json:"id"`
	Email         string          `json:"email"`
	Role          auth.Role       `json:"role"`
	ParentID      string          `json:"parent_id,omitempty"`
	KYCStatus     users.KYCStatus `json:"kyc_status"`
	Active        bool            `json:"active"`
	CommissionBPS int             `json:"commission_bps"`
	ExposureLimit *money.Amount   `json:"exposure_limit,omitempty"`
	TOTPEnabled   bool            `json:"totp_enabled"`
	PINSet        bool            `json:"pin_set"`
	CreatedAt     time.Time       `json:"created_at"`
}

func viewUser(u users.User) userView {
	v := userView{
		ID:            u.ID,
		Email:         u.Email,
		Role:          u.Role,
		ParentID:      u.ParentID,
		KYCStatus:     u.KYCStatus,
		Active:        u.Active,
		CommissionBPS: u.CommissionBPS,
		TOTPEnabled:   u.TOTPSecret != "",
		PINSet:        u.PinHash != "",
		CreatedAt:     u.CreatedAt,
	}
	if u.ExposureLimit != nil {
		limit := money.FromMinor(*u.ExposureLimit)
		v.ExposureLimit = &limit
	}
	return v
}

func viewUsers(list []users.User) []userView {
	out := make([]userView, 0, len(list))
	for _, u := range list {
		out = append(out, viewUser(u))
	}
	return out
}

type betView struct {
	ID         string            `json:"id"`
	UserID     string            `json:"user_id"`
	Stake      money.Amount      `json:"stake"`
	Wallet     ledger.WalletType `json:"wallet"`
	Status     BetStatus         `json:"status"`
	Payout     money.Amount      `json:"payout"`
	ToMain     money.Amount      `json:"to_main"`
	ToExposure money.Amount      `json:"to_exposure"`
	BonusID    string            `json:"bonus_id,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	SettledAt  *time.Time        `json:"settled_at,omitempty"`
}

func viewBet(b Bet) betView {
	return betView{
		ID:         b.ID,
		UserID:     b.UserID,
		Stake:      money.FromMinor(b.Stake),
		Wallet:     b.Wallet,
		Status:     b.Status,
		Payout:     money.FromMinor(b.Payout),
		ToMain:     money.FromMinor(b.ToMain),
		ToExposure: money.FromMinor(b.ToExposure),
		BonusID:    b.BonusID,
		CreatedAt:  b.CreatedAt,
		SettledAt:  b.SettledAt,
	}
}

type bonusView struct {
	ID               string       `json:"id"`
	UserID           string       `json:"user_id"`
	Amount           money.Amount `json:"amount"`
	WageringRequired money.Amount `json:"wagering_required"`
	WageringProgress money.Amount `json:"wagering_progress"`
	Remaining        money.Amount `json:"remaining"`
	Status           BonusStatus  `json:"status"`
	CreatedAt        time.Time    `json:"created_at"`
	ExpiresAt        time.Time    `json:"expires_at"`
}

func viewBonus(b Bonus) bonusView {
	return bonusView{
		ID:               b.ID,
		UserID:           b.UserID,
		Amount:           money.FromMinor(b.Amount),
		WageringRequired: money.FromMinor(b.WageringRequired),
		WageringProgress: money.FromMinor(b.WageringProgress),
		Remaining:        money.FromMinor(b.Remaining),
		Status:           b.Status,
		CreatedAt:        b.CreatedAt,
		ExpiresAt:        b.ExpiresAt,
	}
}

func viewBonuses(list []Bonus) []bonusView {
	out := make([]bonusView, 0, len(list))
	for _, b := range list {
		out = append(out, viewBonus(b))
	}
	return out
}

type paymentView struct {
	ID          string        `json:"id"`
	Kind        PaymentKind   `json:"kind"`
	UserID      string        `json:"user_id"`
	Amount      money.Amount  `json:"amount"`
	PaymentMode string        `json:"payment_mode"`
	Status      PaymentStatus `json:"status"`
	ReviewedBy  string        `json:"reviewed_by,omitempty"`
	ReviewNotes string        `json:"review_notes,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	ReviewedAt  *time.Time    `json:"reviewed_at,omitempty"`
}

func viewPayment(p PaymentRequest) paymentView {
	return paymentView{
		ID:          p.ID,
		Kind:        p.Kind,
		UserID:      p.UserID,
		Amount:      money.FromMinor(p.Amount),
		PaymentMode: p.PaymentMode,
		Status:      p.Status,
		ReviewedBy:  p.ReviewedBy,
		ReviewNotes: p.ReviewNotes,
		CreatedAt:   p.CreatedAt,
		ReviewedAt:  p.ReviewedAt,
	}
}

func viewPayments(list []PaymentRequest) []paymentView {
	out := make([]paymentView, 0, len(list))
	for _, p := range list {
		out = append(out, viewPayment(p))
	}
	return out
}

type settlementView struct {
	ID          string          `json:"id"`
	MasterID    string          `json:"master_id"`
	SuperiorID  string          `json:"superior_id"`
	Main        money.Amount    `json:"main"`
	PL          money.Amount    `json:"pl"`
	Total       money.Amount    `json:"total"`
	State       SettlementState `json:"state"`
	RequestedBy string          `json:"requested_by"`
	CreatedAt   time.Time       `json:"created_at"`
	ClosedAt    *time.Time      `json:"closed_at,omitempty"`
}

func viewSettlement(st Settlement) settlementView {
	return settlementView{
		ID:          st.ID,
		MasterID:    st.MasterID,
		SuperiorID:  st.SuperiorID,
		Main:        money.FromMinor(st.Main),
		PL:          money.FromMinor(st.PL),
		Total:       money.FromMinor(st.Total),
		State:       st.State,
		RequestedBy: st.RequestedBy,
		CreatedAt:   st.CreatedAt,
		ClosedAt:    st.ClosedAt,
	}
}

type exposureTransferView struct {
	ID         string                `json:"id"`
	OperatorID string                `json:"operator_id"`
	UserID     string                `json:"user_id"`
	Amount     money.Amount          `json:"amount"`
	State      ExposureTransferState `json:"state"`
	CreatedAt  time.Time             `json:"created_at"`
	ExecutedAt *time.Time            `json:"executed_at,omitempty"`
}

func viewExposureTransfer(t ExposureTransfer) exposureTransferView {
	return exposureTransferView{
		ID:         t.ID,
		OperatorID: t.OperatorID,
		UserID:     t.UserID,
		Amount:     money.FromMinor(t.Amount),
		State:      t.State,
		CreatedAt:  t.CreatedAt,
		ExecutedAt: t.ExecutedAt,
	}
}

type transferView struct {
	ReferenceID  string            `json:"reference_id"`
	From         string            `json:"from"`
	To           string            `json:"to"`
	Amount       money.Amount      `json:"amount"`
	Transactions []transactionView `json:"transactions"`
	Remaining    int               `json:"remaining_in_window"`
}

func viewTransfer(r TransferResult) transferView {
	return transferView{
		ReferenceID:  r.ReferenceID,
		From:         r.From,
		To:           r.To,
		Amount:       money.FromMinor(r.Amount),
		Transactions: viewTransactions(r.Transactions),
		Remaining:    r.Remaining,
	}
}

type ggrView struct {
	From     time.Time    `json:"from,omitzero"`
	To       time.Time    `json:"to,omitzero"`
	Bets     int          `json:"bets"`
	Stakes   money.Amount `json:"stakes"`
	Payouts  money.Amount `json:"payouts"`
	Refunds  money.Amount `json:"refunds"`
	GGR      money.Amount `json:"ggr"`
	OpenBets int          `json:"open_bets"`
}

func viewGGR(r GGRReport) ggrView {
	return ggrView{
		From:     r.From,
		To:       r.To,
		Bets:     r.Bets,
		Stakes:   money.FromMinor(r.Stakes),
		Payouts:  money.FromMinor(r.Payouts),
		Refunds:  money.FromMinor(r.Refunds),
		GGR:      money.FromMinor(r.GGR),
		OpenBets: r.OpenBets,
	}
}
