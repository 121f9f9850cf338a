package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/auth"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/ledger"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/money"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/users"
)

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		TOTPCode string `json:"totp_code"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	tokens, err := a.Identity.Login(r.Context(), req.Email, req.Password, req.TOTPCode)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	tokens, err := a.Identity.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.Identity.Logout(r.Context(), actor, req.RefreshToken); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) enrollTOTP(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	secret, url, err := a.Identity.EnrollTOTP(actor)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"secret": secret, "otpauth_url": url})
}

func (a *API) confirmTOTP(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.Identity.ConfirmTOTP(r.Context(), actor, req.Code); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) setPIN(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		Password string `json:"password"`
		PIN      string `json:"pin"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.Accounts.SetPIN(r.Context(), actor, req.Password, req.PIN); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) registerUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		Email         string        `json:"email"`
		Password      string        `json:"password"`
		PIN           string        `json:"pin"`
		Role          auth.Role     `json:"role"`
		ParentID      string        `json:"parent_id"`
		CommissionBPS int           `json:"commission_bps"`
		ExposureLimit *money.Amount `json:"exposure_limit"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	var limit *int64
	if req.ExposureLimit != nil {
		v := req.ExposureLimit.Minor()
		limit = &v
	}
	u, err := a.Accounts.Register(r.Context(), actor, RegisterUserInput{
		Email:         req.Email,
		Password:      req.Password,
		PIN:           req.PIN,
		Role:          req.Role,
		ParentID:      req.ParentID,
		CommissionBPS: req.CommissionBPS,
		ExposureLimit: limit,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewUser(u))
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	u, err := a.Accounts.User(actor, chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewUser(u))
}

func (a *API) listChildren(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	list, err := a.Accounts.Children(actor, chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": viewUsers(list)})
}

func (a *API) getBalances(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	userID := chi.URLParam(r, "userId")
	b, err := a.Accounts.Balances(actor, userID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewBalances(userID, b))
}

func (a *API) placeBet(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		UserID string       `json:"user_id"`
		Stake  money.Amount `json:"stake"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		req.UserID = actor.ID
	}
	bet, bal, err := a.Bets.PlaceBet(r.Context(), actor, req.UserID, req.Stake.Minor())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"bet":      viewBet(bet),
		"balances": viewBalances(bet.UserID, bal),
	})
}

func (a *API) getBet(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	bet, err := a.Bets.Get(actor, chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewBet(bet))
}

func (a *API) settleBet(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		Outcome BetStatus    `json:"outcome"`
		Payout  money.Amount `json:"payout"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	bet, err := a.Bets.SettleBet(r.Context(), actor, chi.URLParam(r, "id"), req.Outcome, req.Payout.Minor())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewBet(bet))
}

func paymentKind(w http.ResponseWriter, r *http.Request) (PaymentKind, bool) {
	switch chi.URLParam(r, "kind") {
	case "deposits":
		return PaymentDeposit, true
	case "withdrawals":
		return PaymentWithdrawal, true
	}
	writeError(w, http.StatusNotFound, "not_found", "unknown payment kind")
	return "", false
}

func (a *API) createPayment(kind PaymentKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		var req struct {
			Amount      money.Amount `json:"amount"`
			PaymentMode string       `json:"payment_mode"`
		}
		if !a.decode(w, r, &req) {
			return
		}
		p, err := a.Payments.Create(r.Context(), actor, kind, req.Amount.Minor(), req.PaymentMode)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, viewPayment(p))
	}
}

func (a *API) listPayments(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	kind, ok := paymentKind(w, r)
	if !ok {
		return
	}
	list, err := a.Payments.List(actor, kind, PaymentStatus(r.URL.Query().Get("status")))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": viewPayments(list)})
}

// reviewPayment resolves the request named by the path and checks that its
// kind matches the path segment.
func (a *API) reviewPayment(w http.ResponseWriter, r *http.Request, run func(actor auth.Actor, id, notes string) (PaymentRequest, error)) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	kind, ok := paymentKind(w, r)
	if !ok {
		return
	}
	var req struct {
		Notes string `json:"notes"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if existing, found := a.Payments.get(id); !found || existing.Kind != kind {
		writeError(w, http.StatusNotFound, "not_found", "payment request not found")
		return
	}
	p, err := run(actor, id, req.Notes)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewPayment(p))
}

func (a *API) approvePayment(w http.ResponseWriter, r *http.Request) {
	a.reviewPayment(w, r, func(actor auth.Actor, id, notes string) (PaymentRequest, error) {
		return a.Payments.Approve(r.Context(), actor, id, notes)
	})
}

func (a *API) rejectPayment(w http.ResponseWriter, r *http.Request) {
	a.reviewPayment(w, r, func(actor auth.Actor, id, notes string) (PaymentRequest, error) {
		return a.Payments.Reject(r.Context(), actor, id, notes)
	})
}

func (a *API) cancelPayment(w http.ResponseWriter, r *http.Request) {
	a.reviewPayment(w, r, func(actor auth.Actor, id, _ string) (PaymentRequest, error) {
		return a.Payments.Cancel(r.Context(), actor, id)
	})
}

func (a *API) transfer(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		ToUserID string       `json:"to_user_id"`
		Amount   money.Amount `json:"amount"`
		Password string       `json:"password"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.Transfers.Transfer(r.Context(), actor, req.ToUserID, req.Amount.Minor(), req.Password)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewTransfer(res))
}

func (a *API) listTransactions(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	from, err := queryTime(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	f := ledger.Filter{
		UserID:      q.Get("user_id"),
		Type:        ledger.TxType(q.Get("type")),
		Wallet:      ledger.WalletType(q.Get("wallet")),
		Action:      ledger.Action(q.Get("action")),
		ReferenceID: q.Get("reference_id"),
		From:        from,
		To:          to,
	}
	txs, err := a.Reporting.Transactions(actor, f, limit, offset)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": viewTransactions(txs)})
}

func (a *API) listBonuses(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = actor.ID
	}
	list, err := a.Bonuses.List(actor, userID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bonuses": viewBonuses(list)})
}

func (a *API) grantBonus(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		UserID           string       `json:"user_id"`
		Amount           money.Amount `json:"amount"`
		WageringRequired money.Amount `json:"wagering_required"`
		ExpiresAt        time.Time    `json:"expires_at"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	b, err := a.Bonuses.Grant(r.Context(), actor, GrantBonusInput{
		UserID:           req.UserID,
		Amount:           req.Amount.Minor(),
		WageringRequired: req.WageringRequired.Minor(),
		ExpiresAt:        req.ExpiresAt,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewBonus(b))
}

func (a *API) claimBonus(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	b, err := a.Bonuses.Claim(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewBonus(b))
}

func (a *API) getPinSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	sess, err := a.Pins.Session(chi.URLParam(r, "id"), actor.ID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) verifyPin(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		PIN string `json:"pin"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	sess, err := a.Pins.Submit(chi.URLParam(r, "id"), actor.ID, req.PIN)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) requestExposureTransfer(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		UserID string       `json:"user_id"`
		Amount money.Amount `json:"amount"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	t, sess, err := a.Exposure.Request(r.Context(), actor, req.UserID, req.Amount.Minor())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"transfer":    viewExposureTransfer(t),
		"pin_session": sess,
	})
}

func (a *API) executeExposureTransfer(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	t, bal, err := a.Exposure.Execute(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transfer": viewExposureTransfer(t),
		"balances": viewBalances(t.UserID, bal),
	})
}

func (a *API) createSettlement(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		SubordinateID string `json:"subordinate_id"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	st, err := a.Settlements.Create(r.Context(), actor, req.SubordinateID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewSettlement(st))
}

func (a *API) getSettlement(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	st, err := a.Settlements.Get(actor, chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSettlement(st))
}

func (a *API) confirmSettlement(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	st, sess, err := a.Settlements.Confirm(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"settlement":  viewSettlement(st),
		"pin_session": sess,
	})
}

func (a *API) executeSettlement(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	st, err := a.Settlements.Execute(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSettlement(st))
}

func (a *API) cancelSettlement(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	st, err := a.Settlements.Cancel(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSettlement(st))
}

func (a *API) reconcile(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	from, err := queryTime(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	report, err := a.Reporting.Reconcile(r.Context(), actor, ledger.Filter{
		UserID:      q.Get("user_id"),
		Type:        ledger.TxType(q.Get("type")),
		ReferenceID: q.Get("reference_id"),
		From:        from,
		To:          to,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) listAlerts(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	alerts, err := a.Reporting.Alerts(actor, r.URL.Query().Get("include_resolved") == "true")
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (a *API) resolveAlert(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		Note string `json:"note"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	alert, err := a.Reporting.ResolveAlert(r.Context(), actor, chi.URLParam(r, "id"), req.Note)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (a *API) ggr(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	from, err := queryTime(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	report, err := a.Reporting.GGR(actor, from, to)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewGGR(report))
}

func (a *API) auditEvents(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	q := r.URL.Query()
	page, err := a.Reporting.AuditEvents(actor, q.Get("object_type"), q.Get("object_id"), limit)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) updateUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		Role               *auth.Role       `json:"role"`
		ParentID           *string          `json:"parent_id"`
		Active             *bool            `json:"active"`
		KYCStatus          *users.KYCStatus `json:"kyc_status"`
		ExposureLimit      *money.Amount    `json:"exposure_limit"`
		ClearExposureLimit bool             `json:"clear_exposure_limit"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	in := UserUpdate{
		Role:       req.Role,
		ParentID:   req.ParentID,
		Active:     req.Active,
		KYCStatus:  req.KYCStatus,
		ClearLimit: req.ClearExposureLimit,
	}
	if req.ExposureLimit != nil {
		v := req.ExposureLimit.Minor()
		in.ExposureLimit = &v
	}
	u, err := a.Accounts.Update(r.Context(), actor, chi.URLParam(r, "id"), in)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewUser(u))
}

func (a *API) remoteAccess(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	if !auth.Can(actor.Role, auth.CapViewAudit) {
		writeError(w, http.StatusForbidden, "forbidden", "audit access required")
		return
	}
	var logs []RemoteAccessActivity
	if a.Guard != nil {
		logs = a.Guard.Activities()
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": logs})
}
