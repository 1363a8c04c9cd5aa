// Package httpapi exposes the reservation core over a thin JSON API. Expiry
// timestamps cross the wire as epoch milliseconds; clients compare them to
// their own clock to drive countdowns.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/guard"
	"retailcore/backend/internal/promo"
	"retailcore/backend/internal/reservation"
	"retailcore/backend/internal/session"
	"retailcore/backend/internal/store"
)

type Server struct {
	repo     store.Repository
	registry *session.Registry
	guard    *guard.Guard
	promos   *promo.Resolver
	sweeper  *reservation.Sweeper
	auth     *AuthManager
	logger   zerolog.Logger

	allowedOrigin  string
	defaultStoreID string
}

func NewServer(
	repo store.Repository,
	registry *session.Registry,
	g *guard.Guard,
	promos *promo.Resolver,
	sweeper *reservation.Sweeper,
	auth *AuthManager,
	logger zerolog.Logger,
	allowedOrigin string,
	defaultStoreID string,
) *Server {
	return &Server{
		repo:           repo,
		registry:       registry,
		guard:          g,
		promos:         promos,
		sweeper:        sweeper,
		auth:           auth,
		logger:         logger.With().Str("component", "httpapi").Logger(),
		allowedOrigin:  allowedOrigin,
		defaultStoreID: defaultStoreID,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/healthz", s.handleHealthz)
	r.Post("/api/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth(RoleCashier, RoleAdmin))

		r.Get("/api/skus", s.handleListSKUs)
		r.Get("/api/skus/{id}", s.handleGetSKU)
		r.Get("/api/reserved-skus", s.handleReservedSKUs)

		r.Post("/api/checkout-sessions", s.handleCreateCheckoutSession)
		r.Get("/api/checkout-sessions/{id}", s.handleGetCheckoutSession)
		r.Post("/api/checkout-sessions/{id}/complete", s.handleCompleteCheckoutSession)

		r.Post("/api/pos-sessions", s.handleCreatePOSSession)
		r.Get("/api/pos-sessions/held", s.handleListHeldSessions)
		r.Get("/api/pos-sessions/{id}", s.handleGetPOSSession)
		r.Post("/api/pos-sessions/{id}/hold", s.handleHoldSession)
		r.Post("/api/pos-sessions/{id}/resume", s.handleResumeSession)
		r.Post("/api/pos-sessions/{id}/void", s.handleVoidSession)
		r.Post("/api/pos-sessions/{id}/complete", s.handleCompleteSession)

		r.Post("/api/promo-codes/redeem", s.handleRedeemPromo)
		r.Post("/api/promo-codes/apply", s.handleApplyPromo)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth(RoleAdmin))

		r.Put("/api/skus/{id}/stock", s.handleSetStock)
		r.Post("/api/admin/sweep", s.handleSweep)
	})

	return r
}

// ---------------- middleware ----------------

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type ctxKey string

const claimsKey ctxKey = "claims"

func (s *Server) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				s.respondError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			claims, err := s.auth.Verify(token)
			if err != nil {
				s.respondError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			allowed := false
			for _, role := range roles {
				if claims.Role == role {
					allowed = true
					break
				}
			}
			if !allowed {
				s.respondError(w, http.StatusForbidden, "insufficient role")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

func claimsFrom(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey).(*Claims)
	return claims
}

// ---------------- responses ----------------

func (s *Server) respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			s.logger.Error().Err(err).Msg("failed to encode response")
		}
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respond(w, status, map[string]any{"success": false, "message": message})
}

// writeDomainError maps service errors onto HTTP statuses. Insufficient
// stock gets its own payload listing every short SKU.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var insufficient *domain.InsufficientStockError
	var transition *domain.InvalidStateTransitionError
	var tooLarge *domain.BatchTooLargeError

	switch {
	case errors.As(err, &insufficient):
		s.respond(w, http.StatusConflict, map[string]any{
			"success":             false,
			"message":             "some products are no longer available in the requested quantities",
			"unavailableProducts": insufficient.Unavailable,
		})
	case errors.As(err, &transition):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &tooLarge):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrActiveSessionExists):
		s.respondError(w, http.StatusConflict, "an active session is already open for this terminal and cashier")
	case errors.Is(err, promo.ErrAlreadyRedeemed):
		s.respondError(w, http.StatusConflict, "promo code already redeemed")
	case errors.Is(err, promo.ErrInvalidCode):
		s.respondError(w, http.StatusBadRequest, "invalid promo code")
	case errors.Is(err, store.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrInvalidInput):
		s.respondError(w, http.StatusBadRequest, "invalid request")
	default:
		s.logger.Error().Err(err).Msg("request failed")
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

type checkoutSessionResponse struct {
	*domain.CheckoutSession
	ExpiresAtMillis int64 `json:"expiresAt"`
}

func newCheckoutSessionResponse(cs *domain.CheckoutSession) checkoutSessionResponse {
	return checkoutSessionResponse{CheckoutSession: cs, ExpiresAtMillis: cs.ExpiresAt.UnixMilli()}
}

type posSessionResponse struct {
	*domain.POSSession
	ExpiresAtMillis int64 `json:"expiresAt"`
}

func newPOSSessionResponse(ps *domain.POSSession) posSessionResponse {
	return posSessionResponse{POSSession: ps, ExpiresAtMillis: ps.ExpiresAt.UnixMilli()}
}

// ---------------- handlers ----------------

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]any{"success": true, "status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			s.respondError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.writeDomainError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"success": true, "token": token})
}

func (s *Server) handleListSKUs(w http.ResponseWriter, r *http.Request) {
	storeID := s.storeID(r)
	skus, err := s.repo.ListSKUs(r.Context(), storeID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"success": true, "skus": skus})
}

func (s *Server) handleGetSKU(w http.ResponseWriter, r *http.Request) {
	sku, err := s.repo.GetSKU(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"success": true, "sku": sku})
}

// handleSetStock overwrites a SKU's available quantity. The conflict guard
// runs first: a SKU held by any live session cannot be edited until the
// sessions settle.
func (s *Server) handleSetStock(w http.ResponseWriter, r *http.Request) {
	skuID := chi.URLParam(r, "id")
	var req struct {
		Quantity int  `json:"quantity"`
		Force    bool `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	storeID := s.storeID(r)
	if !req.Force {
		reserved, err := s.guard.ReservedSKUs(r.Context(), storeID, []string{skuID}, guard.ScopeAll)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		if len(reserved) > 0 {
			s.respond(w, http.StatusConflict, map[string]any{
				"success":      false,
				"message":      "sku is reserved by a live session",
				"reservedSkus": reserved,
			})
			return
		}
	}

	if err := s.repo.SetStock(r.Context(), storeID, skuID, req.Quantity); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleReservedSKUs(w http.ResponseWriter, r *http.Request) {
	storeID := s.storeID(r)
	raw := r.URL.Query().Get("skuIds")
	if raw == "" {
		s.respondError(w, http.StatusBadRequest, "skuIds is required")
		return
	}
	skuIDs := strings.Split(raw, ",")
	scope := guard.Scope(r.URL.Query().Get("scope"))

	reserved, err := s.guard.ReservedSKUs(r.Context(), storeID, skuIDs, scope)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"success": true, "reservedSkus": reserved})
}

func (s *Server) handleCreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StoreID         string                 `json:"storeId"`
		CustomerID      string                 `json:"customerId"`
		BagID           string                 `json:"bagId"`
		Items           []domain.RequestedItem `json:"items"`
		BillingDetails  json.RawMessage        `json:"billingDetails"`
		CustomerDetails json.RawMessage        `json:"customerDetails"`
		DeliveryDetails json.RawMessage        `json:"deliveryDetails"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.StoreID == "" {
		req.StoreID = s.defaultStoreID
	}

	created, err := s.registry.CreateCheckoutSession(r.Context(), reservation.CheckoutRequest{
		StoreID:         req.StoreID,
		CustomerID:      req.CustomerID,
		BagID:           req.BagID,
		Items:           req.Items,
		BillingDetails:  req.BillingDetails,
		CustomerDetails: req.CustomerDetails,
		DeliveryDetails: req.DeliveryDetails,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, map[string]any{"success": true, "session": newCheckoutSessionResponse(created)})
}

func (s *Server) handleGetCheckoutSession(w http.ResponseWriter, r *http.Request) {
	cs, err := s.registry.GetCheckoutSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"success": true, "session": newCheckoutSessionResponse(cs)})
}

func (s *Server) handleCompleteCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlacedOrderID string `json:"placedOrderId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cs, err := s.registry.CompleteCheckoutSession(r.Context(), chi.URLParam(r, "id"), req.PlacedOrderID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"success": true, "session": newCheckoutSessionResponse(cs)})
}

func (s *Server) handleCreatePOSSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StoreID    string                 `json:"storeId"`
		TerminalID string                 `json:"terminalId"`
		CustomerID string                 `json:"customerId"`
		Items      []domain.RequestedItem `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.StoreID == "" {
		req.StoreID = s.defaultStoreID
	}

	claims := claimsFrom(r.Context())
	created, err := s.registry.CreatePOSSession(r.Context(), reservation.POSRequest{
		StoreID:    req.StoreID,
		TerminalID: req.TerminalID,
		CashierID:  claims.Username,
		CustomerID: req.CustomerID,
		Items:      req.Items,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, map[string]any{"success": true, "session": newPOSSessionResponse(created)})
}

func (s *Server) handleGetPOSSession(w http.ResponseWriter, r *http.Request) {
	ps, err := s.registry.GetPOSSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"success": true, "session": newPOSSessionResponse(ps)})
}

func (s *Server) handleHoldSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ps, err := s.registry.HoldSession(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"success": true, "session": newPOSSessionResponse(ps)})
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	ps, err := s.registry.ResumeSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"success": true, "session": newPOSSessionResponse(ps)})
}

func (s *Server) handleVoidSession(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.VoidSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	ps, err := s.registry.CompleteSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"success": true, "session": newPOSSessionResponse(ps)})
}

func (s *Server) handleListHeldSessions(w http.ResponseWriter, r *http.Request) {
	storeID := s.storeID(r)
	terminalID := r.URL.Query().Get("terminalId")
	claims := claimsFrom(r.Context())

	held, err := s.registry.ListHeldSessions(r.Context(), storeID, terminalID, claims.Username, 100)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	sessions := make([]posSessionResponse, 0, len(held))
	for i := range held {
		sessions = append(sessions, newPOSSessionResponse(&held[i]))
	}
	s.respond(w, http.StatusOK, map[string]any{"success": true, "sessions": sessions})
}

func (s *Server) handleRedeemPromo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code    string `json:"code"`
		UserRef string `json:"userRef"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.promos.RecordRedemption(r.Context(), req.Code, req.UserRef); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleApplyPromo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code      string `json:"code"`
		UserRef   string `json:"userRef"`
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	promoCode, err := s.promos.Redeem(r.Context(), req.Code, req.UserRef)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	items, err := s.repo.GetSessionItems(r.Context(), req.SessionID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	total, err := s.promos.ApplyToItems(r.Context(), items, promoCode)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"success":              true,
		"discountedTotalCents": total,
	})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	released, err := s.sweeper.SweepOnce(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"success": true, "released": released})
}

func (s *Server) storeID(r *http.Request) string {
	if id := r.URL.Query().Get("storeId"); id != "" {
		return id
	}
	return s.defaultStoreID
}
