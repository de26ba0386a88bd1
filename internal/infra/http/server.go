package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"video-batch-service/internal/config"
	"video-batch-service/internal/domain"
	"video-batch-service/internal/domain/model"
	"video-batch-service/internal/domain/ports/usecase"
)

// Server is the internal-facing listener: the payment webhook and admin
// credit adjustments. It runs on its own port so the public API can be
// exposed without it.
type Server struct {
	cfg    *config.Config
	ledger usecase.LedgerService
	log    *zerolog.Logger
	server *http.Server
}

func NewServer(cfg *config.Config, ledger usecase.LedgerService, log *zerolog.Logger) *Server {
	return &Server{cfg: cfg, ledger: ledger, log: log}
}

func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/payment", s.requireKey(s.handlePaymentWebhook))
	mux.HandleFunc("/admin/credits/adjust", s.requireKey(s.handleAdminAdjust))
	mux.HandleFunc("/health", s.handleHealthCheck)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Server.WebhookPort),
		Handler: mux,
	}

	s.log.Info().Int("port", s.cfg.Server.WebhookPort).Msg("webhook server listening")
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// requireKey guards internal endpoints with the shared webhook bearer key.
func (s *Server) requireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hdr := r.Header.Get("Authorization")
		if !strings.HasPrefix(strings.ToLower(hdr), "bearer ") {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		got := strings.TrimSpace(hdr[7:])
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Server.WebhookKey)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

type paymentNotification struct {
	UserID  string `json:"user_id"`
	Credits int    `json:"credits"`
	OrderID string `json:"order_id"`
}

// handlePaymentWebhook credits a user after the payment provider confirms an
// order. The credit amount is taken from the notification, already converted
// by the payment service.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var n paymentNotification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if n.UserID == "" || n.Credits <= 0 {
		http.Error(w, "user_id and positive credits are required", http.StatusUnprocessableEntity)
		return
	}

	entry, err := s.ledger.Adjust(r.Context(), n.UserID, n.Credits, model.ReasonRecharge)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", n.UserID).Str("order_id", n.OrderID).Msg("recharge failed")
		http.Error(w, "recharge failed", http.StatusInternalServerError)
		return
	}
	s.log.Info().
		Str("user_id", n.UserID).
		Str("order_id", n.OrderID).
		Int("credits", n.Credits).
		Str("entry_id", entry.ID).
		Msg("recharge applied")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"entry_id": entry.ID})
}

type adminAdjustRequest struct {
	UserID string `json:"user_id"`
	Delta  int    `json:"delta"`
}

func (s *Server) handleAdminAdjust(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req adminAdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Delta == 0 {
		http.Error(w, "user_id and a non-zero delta are required", http.StatusUnprocessableEntity)
		return
	}

	entry, err := s.ledger.Adjust(r.Context(), req.UserID, req.Delta, model.ReasonAdminAdjust)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) {
			http.Error(w, "adjustment would overdraw the balance", http.StatusConflict)
			return
		}
		s.log.Error().Err(err).Str("user_id", req.UserID).Int("delta", req.Delta).Msg("admin adjust failed")
		http.Error(w, "adjust failed", http.StatusInternalServerError)
		return
	}
	s.log.Info().
		Str("user_id", req.UserID).
		Int("delta", req.Delta).
		Str("entry_id", entry.ID).
		Msg("admin adjustment applied")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"entry_id": entry.ID})
}
