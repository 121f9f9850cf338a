package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/auth"
)

const maxBodyBytes = 1 << 20

// API binds the services to the JSON HTTP surface.
type API struct {
	Accounts    *AccountService
	Identity    *IdentityService
	Payments    *PaymentService
	Bets        *BettingService
	Bonuses     *BonusService
	Transfers   *TransferService
	Exposure    *ExposureService
	Settlements *SettlementService
	Reporting   *ReportingService
	Pins        *auth.PinVerifier

	Verifier     *auth.JWTVerifier
	Guard        *RemoteAccessGuard
	LoginLimiter *RateLimiter
	Gatherer     prometheus.Gatherer
	Logger       *slog.Logger
}

func (a *API) Handler() http.Handler {
	if a.Logger == nil {
		a.Logger = slog.Default()
	}
	if a.Gatherer == nil {
		a.Gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(a.requestLogger)
	r.Use(chimw.Recoverer)
	if a.Guard != nil {
		r.Use(a.Guard.Wrap)
	}
	r.Use(auth.HTTPJWTMiddleware(a.Verifier, "/healthz", "/metrics", "/v1/auth/login", "/v1/auth/refresh"))

	r.Get("/healthz", a.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(v1 chi.Router) {
		v1.Route("/auth", func(ar chi.Router) {
			login := http.Handler(http.HandlerFunc(a.login))
			if a.LoginLimiter != nil {
				login = a.LoginLimiter.Middleware(login)
			}
			ar.Method(http.MethodPost, "/login", login)
			ar.Post("/refresh", a.refresh)
			ar.Post("/logout", a.logout)
			ar.Post("/totp/enroll", a.enrollTOTP)
			ar.Post("/totp/confirm", a.confirmTOTP)
		})
		v1.Post("/me/pin", a.setPIN)

		v1.Post("/users", a.registerUser)
		v1.Get("/users/{id}", a.getUser)
		v1.Get("/users/{id}/children", a.listChildren)
		v1.Get("/wallets/{userId}", a.getBalances)

		v1.Post("/bets", a.placeBet)
		v1.Get("/bets/{id}", a.getBet)
		v1.Post("/bets/{id}/settle", a.settleBet)

		v1.Route("/transactions", func(tr chi.Router) {
			tr.Post("/deposits", a.createPayment(PaymentDeposit))
			tr.Post("/withdrawals", a.createPayment(PaymentWithdrawal))
			tr.Get("/{kind}", a.listPayments)
			tr.Post("/{kind}/{id}/approve", a.approvePayment)
			tr.Post("/{kind}/{id}/reject", a.rejectPayment)
			tr.Post("/{kind}/{id}/cancel", a.cancelPayment)
		})

		v1.Post("/coins/transfer", a.transfer)
		v1.Get("/coins/transactions", a.listTransactions)

		v1.Get("/bonuses", a.listBonuses)
		v1.Post("/bonuses", a.grantBonus)
		v1.Post("/bonuses/{id}/claim", a.claimBonus)

		v1.Get("/pin/sessions/{id}", a.getPinSession)
		v1.Post("/pin/sessions/{id}/verify", a.verifyPin)

		v1.Post("/exposure-transfers", a.requestExposureTransfer)
		v1.Post("/exposure-transfers/{id}/execute", a.executeExposureTransfer)

		v1.Route("/settlements", func(sr chi.Router) {
			sr.Post("/", a.createSettlement)
			sr.Get("/{id}", a.getSettlement)
			sr.Post("/{id}/confirm", a.confirmSettlement)
			sr.Post("/{id}/execute", a.executeSettlement)
			sr.Post("/{id}/cancel", a.cancelSettlement)
		})

		v1.Route("/admin", func(adm chi.Router) {
			adm.Get("/reconcile", a.reconcile)
			adm.Get("/alerts", a.listAlerts)
			adm.Post("/alerts/{id}/resolve", a.resolveAlert)
			adm.Get("/ggr", a.ggr)
			adm.Get("/audit", a.auditEvents)
			adm.Patch("/users/{id}", a.updateUser)
			adm.Get("/remote-access", a.remoteAccess)
		})
	})
	return r
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.Logger.Info("http request",
			"request_id", chimw.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func actorFrom(w http.ResponseWriter, r *http.Request) (auth.Actor, bool) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication_required", auth.ErrMissingBearer.Error())
		return auth.Actor{}, false
	}
	return actor, true
}

// decode reads a JSON body, rejecting unknown fields. An empty body leaves
// dst untouched.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		status, code := classify(err)
		if status == http.StatusInternalServerError {
			status, code = http.StatusBadRequest, "invalid_request"
		}
		writeError(w, status, code, fmt.Sprintf("invalid payload: %v", err))
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return v, nil
}

func queryTime(r *http.Request, key string) (time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC3339", key)
	}
	return t.UTC(), nil
}
