package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"gitlab.ozon.dev/qwestard/marketplace/internal/apperr"
	"gitlab.ozon.dev/qwestard/marketplace/internal/audit"
	"gitlab.ozon.dev/qwestard/marketplace/internal/config"
	"gitlab.ozon.dev/qwestard/marketplace/internal/escrow"
	"gitlab.ozon.dev/qwestard/marketplace/internal/middleware"
	"gitlab.ozon.dev/qwestard/marketplace/internal/models"
	"gitlab.ozon.dev/qwestard/marketplace/internal/order"
	"gitlab.ozon.dev/qwestard/marketplace/internal/proposal"
	"gitlab.ozon.dev/qwestard/marketplace/internal/reconciler"
)

const CronSecretHeader = "X-Cron-Secret"

type Proposals interface {
	Create(ctx context.Context, req proposal.CreateRequest) (*models.Proposal, error)
	Resolve(ctx context.Context, ownerID, proposalID string, decision proposal.Decision) (*proposal.Resolution, error)
	Get(ctx context.Context, profileID, id string) (*models.Proposal, error)
}

type Orders interface {
	CreateFromBuyNow(ctx context.Context, req order.BuyNowRequest) (*models.Order, error)
	Get(ctx context.Context, profileID, id string) (*models.Order, error)
}

type Webhooks interface {
	Handle(ctx context.Context, ev escrow.Event) (*reconciler.Result, error)
}

type Sweeper interface {
	ExpireProposals(ctx context.Context) (int64, error)
	ExpireOrders(ctx context.Context) (int64, error)
}

type Services struct {
	Proposals Proposals
	Orders    Orders
	Webhooks  Webhooks
	Sweeper   Sweeper
	Audit     audit.Logger
}

type Server struct {
	svc         Services
	webhookUser string
	webhookPass string
	cronSecret  string
	jwtSecret   string
	addr        string
}

func NewServer(svc Services, cfg *config.Config) *Server {
	if svc.Audit == nil {
		svc.Audit = audit.Nop{}
	}
	return &Server{
		svc:         svc,
		webhookUser: cfg.WebhookUser,
		webhookPass: cfg.WebhookPass,
		cronSecret:  cfg.CronSecret,
		jwtSecret:   cfg.JWTSecret,
		addr:        cfg.Addr(),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	webhookAuth := middleware.BasicAuthMiddleware(s.webhookUser, s.webhookPass, writeError)
	cronAuth := middleware.SecretHeaderMiddleware(CronSecretHeader, s.cronSecret, writeError)
	profileAuth := middleware.JWTMiddleware(s.jwtSecret, writeError)

	s.handleWith(mux, "POST /webhooks/escrow", s.handleEscrowWebhook, webhookAuth)

	s.handleWith(mux, "POST /cron/expire-proposals", s.handleExpireProposals, cronAuth)
	s.handleWith(mux, "POST /cron/expire-orders", s.handleExpireOrders, cronAuth)

	s.handleWith(mux, "POST /proposals", s.handleCreateProposal, profileAuth)
	s.handleWith(mux, "GET /proposals/{id}", s.handleGetProposal, profileAuth)
	s.handleWith(mux, "POST /proposals/{id}/resolve", s.handleResolveProposal, profileAuth)

	s.handleWith(mux, "POST /orders", s.handleBuyNow, profileAuth)
	s.handleWith(mux, "GET /orders/{id}", s.handleGetOrder, profileAuth)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Run serves until ctx is cancelled and then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server listen on %s...", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWith(mux *http.ServeMux, pattern string,
	handlerFunc http.HandlerFunc,
	auth func(http.Handler) http.Handler,
) {
	finalHandler := middleware.LogMiddleware(s.svc.Audit, http.MethodPost)(
		auth(handlerFunc),
	)
	mux.Handle(pattern, finalHandler)
}

func (s *Server) handleEscrowWebhook(w http.ResponseWriter, r *http.Request) {
	var ev escrow.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "bad JSON")
		return
	}
	res, err := s.svc.Webhooks.Handle(r.Context(), ev)
	if apperr.Is(err, apperr.KindNotFound) {
		// the provider retries anything but 2xx; an unknown transaction never becomes known
		log.Printf("webhook: %s for unknown transaction %q", ev.Code, ev.ExternalTransactionID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": apperr.Reason(err)})
		return
	}
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExpireProposals(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Sweeper.ExpireProposals(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"expired": n})
}

func (s *Server) handleExpireOrders(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Sweeper.ExpireOrders(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"expired": n})
}

type createProposalRequest struct {
	ItemID    string `json:"item_id"`
	Price     int64  `json:"price"`
	AddressID string `json:"address_id,omitempty"`
}

func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	var req createProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "bad JSON")
		return
	}
	p, err := s.svc.Proposals.Create(r.Context(), proposal.CreateRequest{
		BuyerID:   middleware.ProfileID(r.Context()),
		ItemID:    req.ItemID,
		Price:     req.Price,
		AddressID: req.AddressID,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Proposals.Get(r.Context(), middleware.ProfileID(r.Context()), r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type resolveRequest struct {
	Decision string `json:"decision"`
}

func (s *Server) handleResolveProposal(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "bad JSON")
		return
	}
	res, err := s.svc.Proposals.Resolve(r.Context(), middleware.ProfileID(r.Context()),
		r.PathValue("id"), proposal.Decision(req.Decision))
	if err != nil {
		writeAppError(w, err)
		return
	}
	status := http.StatusOK
	if res.Order != nil {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

type buyNowRequest struct {
	ItemID    string `json:"item_id"`
	AddressID string `json:"address_id,omitempty"`
}

func (s *Server) handleBuyNow(w http.ResponseWriter, r *http.Request) {
	var req buyNowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "bad JSON")
		return
	}
	o, err := s.svc.Orders.CreateFromBuyNow(r.Context(), order.BuyNowRequest{
		BuyerID:   middleware.ProfileID(r.Context()),
		ItemID:    req.ItemID,
		AddressID: req.AddressID,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.svc.Orders.Get(r.Context(), middleware.ProfileID(r.Context()), r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type errorBody struct {
	Kind    string `json:"kind"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func writeAppError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Printf("request failed: %v", err)
	}
	writeJSON(w, status, map[string]errorBody{"error": {
		Kind:    apperr.Kind(err),
		Reason:  apperr.Reason(err),
		Message: apperr.Message(err),
	}})
}

func writeError(w http.ResponseWriter, status int, reason, message string) {
	kind := apperr.KindValidation
	if status == http.StatusUnauthorized {
		kind = "unauthorized"
	}
	writeJSON(w, status, map[string]errorBody{"error": {
		Kind:    kind,
		Reason:  reason,
		Message: message,
	}})
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}
