package apiv1

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"video-batch-service/internal/domain"
	"video-batch-service/internal/domain/model"
	"video-batch-service/internal/domain/ports/repository"
	"video-batch-service/internal/domain/ports/usecase"
	"video-batch-service/internal/infra/api"
	"video-batch-service/internal/infra/security"
)

// ---- stubs ----

type stubBatches struct {
	create func(ctx context.Context, userID string, spec model.BatchSpec, idemKey string) (*model.Batch, error)
	get    func(ctx context.Context, userID, batchID string) (*usecase.BatchView, error)
	list   func(ctx context.Context, userID string, page, pageSize int) ([]*usecase.BatchView, int, error)
	del    func(ctx context.Context, userID, batchID string) error
}

func (s *stubBatches) CreateBatch(ctx context.Context, userID string, spec model.BatchSpec, idemKey string) (*model.Batch, error) {
	return s.create(ctx, userID, spec, idemKey)
}
func (s *stubBatches) GetBatch(ctx context.Context, userID, batchID string) (*usecase.BatchView, error) {
	return s.get(ctx, userID, batchID)
}
func (s *stubBatches) ListBatches(ctx context.Context, userID string, page, pageSize int) ([]*usecase.BatchView, int, error) {
	return s.list(ctx, userID, page, pageSize)
}
func (s *stubBatches) DeleteBatch(ctx context.Context, userID, batchID string) error {
	return s.del(ctx, userID, batchID)
}

type stubTasks struct {
	list   func(ctx context.Context, userID, batchID string) ([]*model.Task, error)
	retry  func(ctx context.Context, userID, taskID string) error
	cancel func(ctx context.Context, userID, taskID string) error
	del    func(ctx context.Context, userID, taskID string) error
}

func (s *stubTasks) ListTasks(ctx context.Context, userID, batchID string) ([]*model.Task, error) {
	return s.list(ctx, userID, batchID)
}
func (s *stubTasks) RetryTask(ctx context.Context, userID, taskID string) error {
	return s.retry(ctx, userID, taskID)
}
func (s *stubTasks) CancelTask(ctx context.Context, userID, taskID string) error {
	return s.cancel(ctx, userID, taskID)
}
func (s *stubTasks) DeleteTask(ctx context.Context, userID, taskID string) error {
	return s.del(ctx, userID, taskID)
}

type stubLedger struct {
	balance func(ctx context.Context, userID string) (int, error)
	history func(ctx context.Context, userID string, page, pageSize int) ([]*model.CreditEntry, int, error)
}

func (s *stubLedger) Reserve(context.Context, string, int, model.CreditReason, string, string) (*model.CreditEntry, error) {
	panic("not used by the API")
}
func (s *stubLedger) Refund(context.Context, string, int, model.CreditReason, string, string) (*model.CreditEntry, error) {
	panic("not used by the API")
}
func (s *stubLedger) Adjust(context.Context, string, int, model.CreditReason) (*model.CreditEntry, error) {
	panic("not used by the API")
}
func (s *stubLedger) Balance(ctx context.Context, userID string) (int, error) {
	return s.balance(ctx, userID)
}
func (s *stubLedger) History(ctx context.Context, userID string, page, pageSize int) ([]*model.CreditEntry, int, error) {
	return s.history(ctx, userID, page, pageSize)
}

type stubKeys struct {
	upserted *repository.ProviderKeyRecord
}

func (s *stubKeys) Upsert(_ context.Context, _ repository.Tx, rec *repository.ProviderKeyRecord) error {
	s.upserted = rec
	return nil
}
func (s *stubKeys) Find(context.Context, repository.Tx, string, string) (*repository.ProviderKeyRecord, error) {
	return nil, domain.ErrNotFound
}

// ---- harness ----

type harness struct {
	srv     *httptest.Server
	guard   *api.Guard
	batches *stubBatches
	tasks   *stubTasks
	ledger  *stubLedger
	keys    *stubKeys
	crypto  *security.EncryptionService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	crypto, err := security.NewEncryptionService("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		guard:   api.NewGuard("test-secret"),
		batches: &stubBatches{},
		tasks:   &stubTasks{},
		ledger:  &stubLedger{},
		keys:    &stubKeys{},
		crypto:  crypto,
	}
	log := zerolog.Nop()
	s := NewServer(h.batches, h.tasks, h.ledger, h.keys, h.crypto, "sora", &log)
	r := chi.NewRouter()
	RegisterAPIV1(r, s, h.guard.Middleware)
	h.srv = httptest.NewServer(r)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path, userID string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if userID != "" {
		token, err := h.guard.Mint(userID, "user", time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// ---- tests ----

func TestUnauthenticatedRequestsAreRejected(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodGet, "/api/v1/credits", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestExpiredTokenIsRejected(t *testing.T) {
	h := newHarness(t)
	token, err := h.guard.Mint("u1", "user", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/api/v1/credits", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := h.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestCreateBatch(t *testing.T) {
	h := newHarness(t)
	var gotUser, gotKey string
	var gotSpec model.BatchSpec
	h.batches.create = func(_ context.Context, userID string, spec model.BatchSpec, idemKey string) (*model.Batch, error) {
		gotUser, gotSpec, gotKey = userID, spec, idemKey
		return &model.Batch{
			ID: "b1", UserID: userID, Prompt: spec.Prompt, Model: spec.Model,
			Orientation: spec.Orientation, Size: spec.Size, Duration: spec.Duration,
			NumVideos: spec.NumVideos, CreatedAt: time.Now(),
		}, nil
	}

	body := createBatchRequest{
		Prompt: "a red fox in snow", Model: "sora-2", Orientation: "landscape",
		Size: "1280x720", Duration: 10, NumVideos: 3,
	}
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, h.srv.URL+"/api/v1/batches", bytes.NewReader(b))
	token, _ := h.guard.Mint("u1", "user", time.Minute)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", "idem-42")
	resp, err := h.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if gotUser != "u1" || gotKey != "idem-42" {
		t.Errorf("forwarded user=%q key=%q", gotUser, gotKey)
	}
	if gotSpec.NumVideos != 3 || gotSpec.Model != "sora-2" {
		t.Errorf("spec not forwarded: %+v", gotSpec)
	}
	var dto batchDTO
	decodeBody(t, resp, &dto)
	if dto.ID != "b1" || dto.Status != "" {
		t.Errorf("dto = %+v, create response must not carry a derived status", dto)
	}
}

func TestCreateBatchErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("prompt: %w", domain.ErrInvalidArgument), http.StatusUnprocessableEntity},
		{domain.ErrInsufficientCredits, http.StatusPaymentRequired},
		{domain.ErrRateLimited, http.StatusTooManyRequests},
		{domain.ErrQueueFull, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		h := newHarness(t)
		h.batches.create = func(context.Context, string, model.BatchSpec, string) (*model.Batch, error) {
			return nil, tc.err
		}
		resp := h.do(t, http.MethodPost, "/api/v1/batches", "u1", createBatchRequest{Prompt: "x"})
		if resp.StatusCode != tc.want {
			t.Errorf("err %v: status = %d, want %d", tc.err, resp.StatusCode, tc.want)
		}
	}
}

func TestCreateBatchRejectsMalformedBody(t *testing.T) {
	h := newHarness(t)
	token, _ := h.guard.Mint("u1", "user", time.Minute)
	req, _ := http.NewRequest(http.MethodPost, h.srv.URL+"/api/v1/batches", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := h.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetBatchIncludesDerivedStatus(t *testing.T) {
	h := newHarness(t)
	h.batches.get = func(_ context.Context, userID, batchID string) (*usecase.BatchView, error) {
		if batchID != "b1" {
			return nil, domain.ErrNotFound
		}
		return &usecase.BatchView{
			Batch:  &model.Batch{ID: "b1", UserID: userID, NumVideos: 3},
			Status: model.BatchStatusPartialFailed,
			Counts: model.TaskCounts{Completed: 2, Failed: 1},
		}, nil
	}

	resp := h.do(t, http.MethodGet, "/api/v1/batches/b1", "u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var dto batchDTO
	decodeBody(t, resp, &dto)
	if dto.Status != "partial_failed" {
		t.Errorf("status = %q, want partial_failed", dto.Status)
	}
	if dto.Counts == nil || dto.Counts.Completed != 2 || dto.Counts.Failed != 1 {
		t.Errorf("counts = %+v", dto.Counts)
	}

	resp = h.do(t, http.MethodGet, "/api/v1/batches/nope", "u1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing batch status = %d, want 404", resp.StatusCode)
	}
}

func TestListBatchesPassesPagination(t *testing.T) {
	h := newHarness(t)
	var gotPage, gotSize int
	h.batches.list = func(_ context.Context, _ string, page, pageSize int) ([]*usecase.BatchView, int, error) {
		gotPage, gotSize = page, pageSize
		return []*usecase.BatchView{{
			Batch:  &model.Batch{ID: "b1"},
			Status: model.BatchStatusRunning,
			Counts: model.TaskCounts{Queued: 2},
		}}, 1, nil
	}

	resp := h.do(t, http.MethodGet, "/api/v1/batches?page=2&page_size=5", "u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if gotPage != 2 || gotSize != 5 {
		t.Errorf("pagination = (%d, %d), want (2, 5)", gotPage, gotSize)
	}
	var out struct {
		Items []batchDTO `json:"items"`
		Total int        `json:"total"`
	}
	decodeBody(t, resp, &out)
	if out.Total != 1 || len(out.Items) != 1 || out.Items[0].Status != "running" {
		t.Errorf("list = %+v", out)
	}
}

func TestTaskConflictMapping(t *testing.T) {
	h := newHarness(t)
	h.tasks.retry = func(context.Context, string, string) error { return domain.ErrTaskNotRetryable }
	h.tasks.cancel = func(context.Context, string, string) error { return domain.ErrTaskNotCancellable }

	resp := h.do(t, http.MethodPost, "/api/v1/tasks/t1/retry", "u1", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("retry status = %d, want 409", resp.StatusCode)
	}
	resp = h.do(t, http.MethodPost, "/api/v1/tasks/t1/cancel", "u1", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("cancel status = %d, want 409", resp.StatusCode)
	}
}

func TestTaskHappyPaths(t *testing.T) {
	h := newHarness(t)
	var retried, cancelled, deleted string
	h.tasks.retry = func(_ context.Context, _, id string) error { retried = id; return nil }
	h.tasks.cancel = func(_ context.Context, _, id string) error { cancelled = id; return nil }
	h.tasks.del = func(_ context.Context, _, id string) error { deleted = id; return nil }
	h.tasks.list = func(_ context.Context, _, batchID string) ([]*model.Task, error) {
		return []*model.Task{{ID: "t1", BatchID: batchID, Status: model.TaskStatusCompleted, ResultRef: "https://cdn/v.mp4"}}, nil
	}

	if resp := h.do(t, http.MethodPost, "/api/v1/tasks/t1/retry", "u1", nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("retry status = %d, want 204", resp.StatusCode)
	}
	if resp := h.do(t, http.MethodPost, "/api/v1/tasks/t2/cancel", "u1", nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("cancel status = %d, want 204", resp.StatusCode)
	}
	if resp := h.do(t, http.MethodDelete, "/api/v1/tasks/t3", "u1", nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}
	if retried != "t1" || cancelled != "t2" || deleted != "t3" {
		t.Errorf("ids = %q %q %q", retried, cancelled, deleted)
	}

	resp := h.do(t, http.MethodGet, "/api/v1/batches/b1/tasks", "u1", nil)
	var out struct {
		Items []taskDTO `json:"items"`
	}
	decodeBody(t, resp, &out)
	if len(out.Items) != 1 || out.Items[0].ResultRef != "https://cdn/v.mp4" {
		t.Errorf("tasks = %+v", out.Items)
	}
}

func TestCreditsEndpoints(t *testing.T) {
	h := newHarness(t)
	h.ledger.balance = func(_ context.Context, userID string) (int, error) {
		if userID != "u1" {
			t.Errorf("balance queried for %q", userID)
		}
		return 120, nil
	}
	h.ledger.history = func(context.Context, string, int, int) ([]*model.CreditEntry, int, error) {
		return []*model.CreditEntry{{
			ID: "e1", UserID: "u1", Delta: -30, Reason: model.ReasonDeductForBatch, RefBatchID: "b1",
		}}, 1, nil
	}

	resp := h.do(t, http.MethodGet, "/api/v1/credits", "u1", nil)
	var bal struct {
		Balance int `json:"balance"`
	}
	decodeBody(t, resp, &bal)
	if bal.Balance != 120 {
		t.Errorf("balance = %d, want 120", bal.Balance)
	}

	resp = h.do(t, http.MethodGet, "/api/v1/credits/history", "u1", nil)
	var hist struct {
		Items []entryDTO `json:"items"`
		Total int        `json:"total"`
	}
	decodeBody(t, resp, &hist)
	if hist.Total != 1 || len(hist.Items) != 1 {
		t.Fatalf("history = %+v", hist)
	}
	if hist.Items[0].Delta != -30 || hist.Items[0].Reason != "deduct_for_batch" || hist.Items[0].RefBatchID != "b1" {
		t.Errorf("entry = %+v", hist.Items[0])
	}
}

func TestMe(t *testing.T) {
	h := newHarness(t)
	h.ledger.balance = func(context.Context, string) (int, error) { return 45, nil }

	resp := h.do(t, http.MethodGet, "/api/v1/me", "u1", nil)
	var out struct {
		UserID  string `json:"user_id"`
		Role    string `json:"role"`
		Balance int    `json:"balance"`
	}
	decodeBody(t, resp, &out)
	if out.UserID != "u1" || out.Role != "user" || out.Balance != 45 {
		t.Errorf("me = %+v", out)
	}
}

func TestPutProviderKeyEncryptsAtRest(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodPut, "/api/v1/me/provider-key", "u1", map[string]string{"api_key": "sk-secret"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	rec := h.keys.upserted
	if rec == nil {
		t.Fatal("no record stored")
	}
	if rec.UserID != "u1" || rec.Provider != "sora" {
		t.Errorf("record = %+v", rec)
	}
	if rec.EncryptedKey == "sk-secret" {
		t.Error("key stored in plaintext")
	}
	plain, err := h.crypto.Decrypt(rec.EncryptedKey)
	if err != nil {
		t.Fatal(err)
	}
	if plain != "sk-secret" {
		t.Errorf("round trip = %q", plain)
	}
}

func TestPutProviderKeyRequiresKey(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodPut, "/api/v1/me/provider-key", "u1", map[string]string{"api_key": "  "})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", resp.StatusCode)
	}
}
