package apiv1

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"video-batch-service/internal/domain"
	"video-batch-service/internal/domain/model"
	"video-batch-service/internal/domain/ports/repository"
	"video-batch-service/internal/domain/ports/usecase"
	"video-batch-service/internal/infra/api"
	"video-batch-service/internal/infra/security"
)

// Server holds the use cases behind the authenticated JSON API.
type Server struct {
	batches  usecase.BatchManager
	tasks    usecase.TaskService
	ledger   usecase.LedgerService
	keys     repository.ProviderKeyRepository
	crypto   *security.EncryptionService
	provider string
	log      *zerolog.Logger
}

func NewServer(
	batches usecase.BatchManager,
	tasks usecase.TaskService,
	ledger usecase.LedgerService,
	keys repository.ProviderKeyRepository,
	crypto *security.EncryptionService,
	providerName string,
	log *zerolog.Logger,
) *Server {
	return &Server{
		batches:  batches,
		tasks:    tasks,
		ledger:   ledger,
		keys:     keys,
		crypto:   crypto,
		provider: providerName,
		log:      log,
	}
}

// RegisterAPIV1 mounts all /api/v1 routes on r behind the auth middleware.
func RegisterAPIV1(r chi.Router, s *Server, auth func(http.Handler) http.Handler) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimw.Recoverer)
		r.Use(auth)

		r.Route("/batches", func(r chi.Router) {
			r.Post("/", s.handleCreateBatch)
			r.Get("/", s.handleListBatches)
			r.Get("/{id}", s.handleGetBatch)
			r.Delete("/{id}", s.handleDeleteBatch)
			r.Get("/{id}/tasks", s.handleListTasks)
		})
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/{id}/retry", s.handleRetryTask)
			r.Post("/{id}/cancel", s.handleCancelTask)
			r.Delete("/{id}", s.handleDeleteTask)
		})
		r.Route("/credits", func(r chi.Router) {
			r.Get("/", s.handleBalance)
			r.Get("/history", s.handleHistory)
		})
		r.Get("/me", s.handleMe)
		r.Put("/me/provider-key", s.handlePutProviderKey)
	})
}

// ---- request/response shapes ----

type createBatchRequest struct {
	Prompt      string `json:"prompt"`
	Model       string `json:"model"`
	Orientation string `json:"orientation"`
	Size        string `json:"size"`
	Duration    int    `json:"duration"`
	NumVideos   int    `json:"num_videos"`
	ImageRef    string `json:"image_ref,omitempty"`
}

type taskCountsDTO struct {
	Pending   int `json:"pending"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

type batchDTO struct {
	ID          string         `json:"id"`
	Prompt      string         `json:"prompt"`
	Model       string         `json:"model"`
	Orientation string         `json:"orientation"`
	Size        string         `json:"size"`
	Duration    int            `json:"duration"`
	NumVideos   int            `json:"num_videos"`
	ImageRef    string         `json:"image_ref,omitempty"`
	Status      string         `json:"status,omitempty"`
	Counts      *taskCountsDTO `json:"counts,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

type taskDTO struct {
	ID           string    `json:"id"`
	BatchID      string    `json:"batch_id"`
	Status       string    `json:"status"`
	ResultRef    string    `json:"result_ref,omitempty"`
	ErrorSummary string    `json:"error_summary,omitempty"`
	Retries      int       `json:"retries"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type entryDTO struct {
	ID         string    `json:"id"`
	Delta      int       `json:"delta"`
	Reason     string    `json:"reason"`
	RefBatchID string    `json:"ref_batch_id,omitempty"`
	RefTaskID  string    `json:"ref_task_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func toBatchDTO(b *model.Batch) batchDTO {
	return batchDTO{
		ID:          b.ID,
		Prompt:      b.Prompt,
		Model:       b.Model,
		Orientation: string(b.Orientation),
		Size:        b.Size,
		Duration:    b.Duration,
		NumVideos:   b.NumVideos,
		ImageRef:    b.ImageRef,
		CreatedAt:   b.CreatedAt,
	}
}

func toBatchViewDTO(v *usecase.BatchView) batchDTO {
	dto := toBatchDTO(v.Batch)
	dto.Status = string(v.Status)
	dto.Counts = &taskCountsDTO{
		Pending:   v.Counts.Pending,
		Queued:    v.Counts.Queued,
		Running:   v.Counts.Running,
		Completed: v.Counts.Completed,
		Failed:    v.Counts.Failed,
		Cancelled: v.Counts.Cancelled,
	}
	return dto
}

func toTaskDTO(t *model.Task) taskDTO {
	return taskDTO{
		ID:           t.ID,
		BatchID:      t.BatchID,
		Status:       string(t.Status),
		ResultRef:    t.ResultRef,
		ErrorSummary: t.ErrorSummary,
		Retries:      t.Retries,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

// ---- handlers ----

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	spec := model.BatchSpec{
		Prompt:      req.Prompt,
		Model:       req.Model,
		Orientation: model.Orientation(req.Orientation),
		Size:        req.Size,
		Duration:    req.Duration,
		NumVideos:   req.NumVideos,
		ImageRef:    req.ImageRef,
	}
	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))

	batch, err := s.batches.CreateBatch(r.Context(), api.UserID(r.Context()), spec, idemKey)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBatchDTO(batch))
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pagination(r)
	views, total, err := s.batches.ListBatches(r.Context(), api.UserID(r.Context()), page, pageSize)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	items := make([]batchDTO, 0, len(views))
	for _, v := range views {
		items = append(items, toBatchViewDTO(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	view, err := s.batches.GetBatch(r.Context(), api.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchViewDTO(view))
}

func (s *Server) handleDeleteBatch(w http.ResponseWriter, r *http.Request) {
	if err := s.batches.DeleteBatch(r.Context(), api.UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.ListTasks(r.Context(), api.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	items := make([]taskDTO, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, toTaskDTO(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.RetryTask(r.Context(), api.UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.CancelTask(r.Context(), api.UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.DeleteTask(r.Context(), api.UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.ledger.Balance(r.Context(), api.UserID(r.Context()))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance": balance})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pagination(r)
	entries, total, err := s.ledger.History(r.Context(), api.UserID(r.Context()), page, pageSize)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	items := make([]entryDTO, 0, len(entries))
	for _, e := range entries {
		items = append(items, entryDTO{
			ID:         e.ID,
			Delta:      e.Delta,
			Reason:     string(e.Reason),
			RefBatchID: e.RefBatchID,
			RefTaskID:  e.RefTaskID,
			CreatedAt:  e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID := api.UserID(r.Context())
	balance, err := s.ledger.Balance(r.Context(), userID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"role":    api.Role(r.Context()),
		"balance": balance,
	})
}

func (s *Server) handlePutProviderKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.APIKey) == "" {
		writeError(w, http.StatusUnprocessableEntity, "api_key is required")
		return
	}
	encrypted, err := s.crypto.Encrypt(req.APIKey)
	if err != nil {
		s.log.Error().Err(err).Msg("encrypt provider key")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	err = s.keys.Upsert(r.Context(), nil, &repository.ProviderKeyRecord{
		UserID:       api.UserID(r.Context()),
		Provider:     s.provider,
		EncryptedKey: encrypted,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- helpers ----

func pagination(r *http.Request) (page, pageSize int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ = strconv.Atoi(r.URL.Query().Get("page_size"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	return page, pageSize
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientCredits):
		code = http.StatusPaymentRequired
	case errors.Is(err, domain.ErrRateLimited):
		code = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrQueueFull), errors.Is(err, domain.ErrProviderUnavailable):
		code = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTaskNotRetryable),
		errors.Is(err, domain.ErrTaskNotCancellable),
		errors.Is(err, domain.ErrAlreadyExists):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}
