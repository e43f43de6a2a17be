package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/punchamoorthee/nftledger/internal/domain"
	"github.com/punchamoorthee/nftledger/internal/models"
	"github.com/punchamoorthee/nftledger/internal/service"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	purchases *service.PurchaseService
	sweeper   *service.Sweeper
	auth      *Authenticator
	log       *zap.Logger
}

func NewHandler(purchases *service.PurchaseService, sweeper *service.Sweeper, auth *Authenticator, log *zap.Logger) *Handler {
	return &Handler{purchases: purchases, sweeper: sweeper, auth: auth, log: log}
}

// Router wires every endpoint. Buyer routes need a valid token; ops routes
// additionally need the ops role.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)

	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(h.auth.Middleware)
	v1.HandleFunc("/purchases", h.CreatePurchaseHandler).Methods("POST")
	v1.HandleFunc("/purchases/{id}", h.GetPurchaseHandler).Methods("GET")
	v1.HandleFunc("/purchases/{id}/confirm", h.ConfirmPaymentHandler).Methods("POST")
	v1.HandleFunc("/purchases/{id}/transitions", h.GetTransitionsHandler).Methods("GET")
	v1.HandleFunc("/wallet/reconcile", h.ReconcileWalletHandler).Methods("POST")

	ops := v1.PathPrefix("/ops").Subrouter()
	ops.Use(RequireRole(RoleOps))
	ops.HandleFunc("/wallets/{wallet}/reconcile", h.OpsReconcileHandler).Methods("POST")
	ops.HandleFunc("/sweep", h.OpsSweepHandler).Methods("POST")

	return r
}

func endpoint(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint(r)))
		defer timer.ObserveDuration()
		next.ServeHTTP(w, r)
	})
}

// statusFor maps a domain error kind to its HTTP status.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		if errIsAny(err, domain.ErrIdempotencyKey, domain.ErrOutOfStock, domain.ErrItemUnavailable, domain.ErrInvalidQuantity) {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindTransient:
		return http.StatusAccepted
	case domain.KindVerification:
		return http.StatusUnprocessableEntity
	case domain.KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func errIsAny(err error, targets ...*domain.Error) bool {
	code := domain.CodeOf(err)
	for _, t := range targets {
		if t.Code == code {
			return true
		}
	}
	return false
}

func (h *Handler) respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("endpoint", endpoint(r)),
			zap.Error(err))
		respondError(w, r, code, "internal", "Internal Server Error")
		return
	}
	respondError(w, r, code, domain.CodeOf(err), err.Error())
}

func respondError(w http.ResponseWriter, r *http.Request, code int, errCode, message string) {
	respondJSON(w, r, code, models.ErrorResponse{Error: message, Code: errCode})
}

func respondJSON(w http.ResponseWriter, r *http.Request, code int, payload any) {
	httpRequestsTotal.WithLabelValues(r.Method, endpoint(r), strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
