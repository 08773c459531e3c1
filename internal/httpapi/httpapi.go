package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"kasirinaja/pos/internal/bill"
	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/loyalty"
	"kasirinaja/pos/internal/obs"
	"kasirinaja/pos/internal/service"
	"kasirinaja/pos/internal/store"
)

const managerPINHeader = "X-Manager-PIN"

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
	csrfSecret    []byte
	validate      *validator.Validate
	logger        zerolog.Logger
	metrics       http.Handler
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, logger zerolog.Logger, gatherer prometheus.Gatherer) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		logger.Fatal().Err(err).Msg("generate csrf secret")
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
		csrfSecret:    csrfSecret,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		logger:        logger.With().Str("component", "http").Logger(),
		metrics:       promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
	}
}

// csrfTokenForHour is the hex HMAC-SHA256 of an hour bucket (Unix seconds).
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	bucket := time.Now().UTC().Truncate(time.Hour).Unix()
	return a.csrfTokenForHour(bucket)
}

// validateCSRFToken accepts tokens of the current and the previous hour.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	currentBucket := time.Now().UTC().Truncate(time.Hour).Unix()
	prevBucket := currentBucket - 3600

	return hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(currentBucket))) ||
		hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(prevBucket)))
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(obs.RequestLogger(a.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{a.allowedOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-CSRF-Token", managerPINHeader, "Idempotency-Key"},
		MaxAge:         300,
	}))
	r.Use(securityHeaders)
	r.Use(limitJSONBody)
	r.Use(a.checkCSRF)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", errors.New("method not allowed"))
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", errors.New("route not found"))
	})

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.metrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)
		r.Get("/auth/csrf-token", a.handleCSRFToken)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth("cashier", "admin"))

			r.Get("/products", a.handleProducts)
			r.Get("/products/lookup/{code}", a.handleProductLookup)
			r.Get("/combos", a.handleCombos)
			r.Get("/tier-rules", a.handleTierRules)
			r.Get("/loyalty/wallets/{phone}", a.handleWallet)

			r.Post("/bills", a.handleStartBill)
			r.Route("/bills/{billID}", func(r chi.Router) {
				r.Get("/", a.handleBillSnapshot)
				r.Delete("/", a.handleClearBill)
				r.Post("/scan", a.handleScan)
				r.Post("/items", a.handleAddItem)
				r.Patch("/items/{lineID}", a.handleUpdateLine)
				r.Delete("/items/{lineID}", a.handleRemoveLine)
				r.Post("/combos", a.handleOpenCombo)
				r.Delete("/combos/{instanceID}", a.handleCloseCombo)
				r.Get("/totals", a.handleTotals)
				r.Get("/line-items", a.handleLineItems)
				r.Get("/points", a.handlePoints)
				r.Get("/combo-suggestion", a.handleComboSuggestion)
				r.Post("/checkout", a.handleCheckout)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth("admin"))

			r.Get("/audit-logs", a.handleAuditLogs)
			r.Get("/users/cashiers", a.handleListCashiers)
			r.Post("/users/cashiers", a.handleCreateCashier)
		})
	})

	return r
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", errors.New("missing bearer token"))
				return
			}

			actor, err := a.auth.ParseToken(strings.TrimSpace(authorization[len("Bearer "):]))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err)
				return
			}
			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", errors.New("forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		next.ServeHTTP(w, r)
	})
}

func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && isMutating(r.Method) {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}
		next.ServeHTTP(w, r)
	})
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// csrfExemptPaths are called before a client can hold a CSRF token.
var csrfExemptPaths = []string{
	"/api/v1/auth/login",
}

func (a *API) checkCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isMutating(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		for _, exempt := range csrfExemptPaths {
			if r.URL.Path == exempt {
				next.ServeHTTP(w, r)
				return
			}
		}
		if !a.validateCSRFToken(strings.TrimSpace(r.Header.Get("X-CSRF-Token"))) {
			writeError(w, http.StatusForbidden, "CSRF_INVALID", errors.New("missing or invalid CSRF token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS", errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if !a.decode(w, r, &req) {
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCSRFToken returns a token for the X-CSRF-Token header of mutating
// requests; it stays valid into the next hour.
func (a *API) handleCSRFToken(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 20, 100)

	products, err := a.service.SearchProducts(r.Context(), query, limit)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleProductLookup(w http.ResponseWriter, r *http.Request) {
	product, err := a.service.LookupProduct(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleCombos(w http.ResponseWriter, r *http.Request) {
	combos, err := a.service.ActiveCombos(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"combos": combos})
}

func (a *API) handleTierRules(w http.ResponseWriter, r *http.Request) {
	rules, err := a.service.ListTierRules(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tier_rules": rules})
}

func (a *API) handleWallet(w http.ResponseWriter, r *http.Request) {
	balance, err := a.service.WalletBalance(r.Context(), chi.URLParam(r, "phone"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (a *API) handleStartBill(w http.ResponseWriter, r *http.Request) {
	var req domain.StartBillRequest
	if r.ContentLength != 0 && !a.decode(w, r, &req) {
		return
	}

	snap, err := a.service.StartBill(r.Context(), req.TerminalID)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (a *API) handleBillSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := a.service.Snapshot(chi.URLParam(r, "billID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleClearBill needs the manager PIN unless the bill is already empty.
func (a *API) handleClearBill(w http.ResponseWriter, r *http.Request) {
	billID := chi.URLParam(r, "billID")
	empty, err := a.service.BillIsEmpty(billID)
	if err != nil {
		a.fail(w, err)
		return
	}
	if !empty {
		if !a.pinLimiter.Allow(clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS", errors.New("too many manager pin attempts"))
			return
		}
		if !a.auth.ValidateManagerPIN(r.Header.Get(managerPINHeader)) {
			writeError(w, http.StatusForbidden, "MANAGER_PIN_REQUIRED", errors.New("valid manager pin required"))
			return
		}
	}

	snap, err := a.service.ClearBill(r.Context(), billID)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleScan(w http.ResponseWriter, r *http.Request) {
	var req domain.ScanRequest
	if !a.decode(w, r, &req) {
		return
	}

	result, err := a.service.ScanCode(r.Context(), chi.URLParam(r, "billID"), req.Code, req.Quantity)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req domain.AddItemRequest
	if !a.decode(w, r, &req) {
		return
	}

	result, err := a.service.AddProduct(r.Context(), chi.URLParam(r, "billID"), req.SKU, req.Quantity)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleUpdateLine(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateLineRequest
	if !a.decode(w, r, &req) {
		return
	}

	snap, err := a.service.SetLineQuantity(r.Context(), chi.URLParam(r, "billID"), chi.URLParam(r, "lineID"), req.Quantity)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleRemoveLine(w http.ResponseWriter, r *http.Request) {
	snap, err := a.service.RemoveLine(r.Context(), chi.URLParam(r, "billID"), chi.URLParam(r, "lineID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleOpenCombo(w http.ResponseWriter, r *http.Request) {
	var req domain.OpenComboRequest
	if !a.decode(w, r, &req) {
		return
	}

	snap, err := a.service.OpenCombo(r.Context(), chi.URLParam(r, "billID"), req.DefinitionID)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleCloseCombo(w http.ResponseWriter, r *http.Request) {
	snap, err := a.service.CloseCombo(r.Context(), chi.URLParam(r, "billID"), chi.URLParam(r, "instanceID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := a.service.Totals(chi.URLParam(r, "billID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

func (a *API) handleLineItems(w http.ResponseWriter, r *http.Request) {
	items, err := a.service.LineItems(chi.URLParam(r, "billID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handlePoints(w http.ResponseWriter, r *http.Request) {
	points, err := a.service.Points(chi.URLParam(r, "billID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (a *API) handleComboSuggestion(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.ComboSuggestion(r.Context(), chi.URLParam(r, "billID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req domain.CheckoutRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}

	resp, err := a.service.Checkout(r.Context(), chi.URLParam(r, "billID"), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)

	logs, err := a.service.ListAuditLogs(r.Context(), date, limit)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (a *API) handleListCashiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"cashiers": a.auth.ListCashiers(r.Context())})
}

func (a *API) handleCreateCashier(w http.ResponseWriter, r *http.Request) {
	var req domain.CashierCreateRequest
	if !a.decode(w, r, &req) {
		return
	}

	cashier, err := a.auth.CreateCashier(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"cashier": cashier})
}

// fail maps domain errors to a status and a stable error code.
func (a *API) fail(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeError(w, status, code, err)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, bill.ErrProductNotFound):
		return http.StatusNotFound, "PRODUCT_NOT_FOUND"
	case errors.Is(err, service.ErrBillNotFound):
		return http.StatusNotFound, "BILL_NOT_FOUND"
	case errors.Is(err, bill.ErrComboNotFound):
		return http.StatusNotFound, "COMBO_NOT_FOUND"
	case errors.Is(err, bill.ErrLineNotFound):
		return http.StatusNotFound, "LINE_NOT_FOUND"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, bill.ErrInsufficientStock), errors.Is(err, store.ErrInsufficientStock):
		return http.StatusConflict, "INSUFFICIENT_STOCK"
	case errors.Is(err, store.ErrInsufficientPoints):
		return http.StatusConflict, "INSUFFICIENT_POINTS"
	case errors.Is(err, bill.ErrLineConsumed):
		return http.StatusConflict, "LINE_CONSUMED"
	case errors.Is(err, bill.ErrComboNotActive):
		return http.StatusUnprocessableEntity, "COMBO_NOT_ACTIVE"
	case errors.Is(err, bill.ErrInvalidCombo):
		return http.StatusUnprocessableEntity, "INVALID_COMBO"
	case errors.Is(err, service.ErrComboIncomplete):
		return http.StatusUnprocessableEntity, "COMBO_INCOMPLETE"
	case errors.Is(err, service.ErrEmptyBill):
		return http.StatusUnprocessableEntity, "EMPTY_BILL"
	case errors.Is(err, bill.ErrInvalidQuantity):
		return http.StatusBadRequest, "INVALID_QUANTITY"
	case errors.Is(err, store.ErrInvalidTransaction), errors.Is(err, loyalty.ErrInvalidPoints):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// decode reads a JSON body into dest and validates it, writing a 400 on failure.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := decodeJSON(r, dest); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err)
		return false
	}
	if err := a.validate.Struct(dest); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			err = fmt.Errorf("invalid field %s: %s", strings.ToLower(verrs[0].Field()), verrs[0].Tag())
		}
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err)
		return false
	}
	return true
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// writeError hides the cause of 5xx responses from the client.
func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
		"code":  code,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
