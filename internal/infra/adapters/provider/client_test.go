package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"video-batch-service/internal/config"
	"video-batch-service/internal/domain"
	"video-batch-service/internal/domain/ports/adapter"
)

func newTestClient(srv *httptest.Server) *SoraClient {
	return NewSoraClient(config.ProviderConfig{
		BaseURL:        srv.URL,
		APIKey:         "global-key",
		RequestTimeout: 5 * time.Second,
	})
}

func TestSubmitSendsAuthAndIdempotencyKey(t *testing.T) {
	var gotAuth, gotIdem string
	var gotBody createRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/video/create" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotIdem = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(createResponse{ID: "job-123"})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	id, err := c.Submit(context.Background(), adapter.JobSpec{
		Prompt:         "a cat surfing",
		Model:          "sora-2",
		Orientation:    "portrait",
		Size:           "720x1280",
		Duration:       10,
		IdempotencyKey: "task-abc:0",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "job-123" {
		t.Errorf("job id = %s", id)
	}
	if gotAuth != "Bearer global-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotIdem != "task-abc:0" {
		t.Errorf("idempotency key = %q", gotIdem)
	}
	if gotBody.Model != "sora-2" || gotBody.Seconds != 10 {
		t.Errorf("body = %+v", gotBody)
	}
}

func TestSubmitUserKeyOverridesGlobal(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(createResponse{ID: "job-1"})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	if _, err := c.Submit(context.Background(), adapter.JobSpec{Prompt: "p", Model: "sora-2", APIKey: "user-key"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if gotAuth != "Bearer user-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
}

func TestSubmitClassifiesErrors(t *testing.T) {
	cases := []struct {
		name string
		code int
		want error
	}{
		{"bad request is permanent", http.StatusBadRequest, domain.ErrProviderRejected},
		{"unauthorized is permanent", http.StatusUnauthorized, domain.ErrProviderRejected},
		{"rate limit is transient", http.StatusTooManyRequests, domain.ErrProviderUnavailable},
		{"server error is transient", http.StatusBadGateway, domain.ErrProviderUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", tc.code)
			}))
			defer srv.Close()

			c := newTestClient(srv)
			_, err := c.Submit(context.Background(), adapter.JobSpec{Prompt: "p", Model: "sora-2"})
			if !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestSubmitNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	c := newTestClient(srv)
	_, err := c.Submit(context.Background(), adapter.JobSpec{Prompt: "p", Model: "sora-2"})
	if !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Errorf("err = %v, want ErrProviderUnavailable", err)
	}
}

func TestSubmitMissingJobIDIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(createResponse{Error: "prompt flagged"})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.Submit(context.Background(), adapter.JobSpec{Prompt: "p", Model: "sora-2"})
	if !errors.Is(err, domain.ErrProviderRejected) {
		t.Errorf("err = %v, want ErrProviderRejected", err)
	}
}

func TestPollMapsStatuses(t *testing.T) {
	cases := []struct {
		name      string
		body      queryResponse
		wantState adapter.JobState
		wantRef   string
	}{
		{"completed", queryResponse{Status: "completed", VideoURL: "https://cdn/v.mp4"}, adapter.JobDone, "https://cdn/v.mp4"},
		{"succeeded alias", queryResponse{Status: "SUCCEEDED", VideoURL: "https://cdn/v.mp4"}, adapter.JobDone, "https://cdn/v.mp4"},
		{"failed", queryResponse{Status: "failed", Error: "content policy"}, adapter.JobError, ""},
		{"queued", queryResponse{Status: "queued"}, adapter.JobInProgress, ""},
		{"unknown status stays in progress", queryResponse{Status: "transcoding_v2"}, adapter.JobInProgress, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/video/query" {
					t.Errorf("path = %s", r.URL.Path)
				}
				if got := r.URL.Query().Get("id"); got != "job-9" {
					t.Errorf("id = %s", got)
				}
				_ = json.NewEncoder(w).Encode(tc.body)
			}))
			defer srv.Close()

			c := newTestClient(srv)
			st, err := c.Poll(context.Background(), "job-9", "")
			if err != nil {
				t.Fatalf("Poll: %v", err)
			}
			if st.State != tc.wantState {
				t.Errorf("state = %s, want %s", st.State, tc.wantState)
			}
			if st.ResultRef != tc.wantRef {
				t.Errorf("result = %q, want %q", st.ResultRef, tc.wantRef)
			}
		})
	}
}

func TestPollFailureCarriesDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(queryResponse{Status: "failed"})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	st, err := c.Poll(context.Background(), "job-9", "")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if st.State != adapter.JobError || st.ErrorDetail == "" {
		t.Errorf("expected error state with detail, got %+v", st)
	}
}

func TestNoopProviderLifecycle(t *testing.T) {
	p := NewNoopProvider()
	ctx := context.Background()

	id, err := p.Submit(ctx, adapter.JobSpec{Prompt: "hello", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Same idempotency key returns the same job.
	id2, err := p.Submit(ctx, adapter.JobSpec{Prompt: "hello", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id2 != id {
		t.Errorf("duplicate submit created new job: %s vs %s", id, id2)
	}

	st, err := p.Poll(ctx, id, "")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if st.State != adapter.JobInProgress {
		t.Errorf("first poll state = %s", st.State)
	}
	st, err = p.Poll(ctx, id, "")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if st.State != adapter.JobDone || st.ResultRef == "" {
		t.Errorf("second poll = %+v", st)
	}

	if _, err := p.Poll(ctx, "nope", ""); !errors.Is(err, domain.ErrProviderRejected) {
		t.Errorf("unknown job err = %v", err)
	}
}
