package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homework-grader/internal/chat"
	"homework-grader/internal/grading"
	"homework-grader/internal/models"
	"homework-grader/internal/ratelimit"
	"homework-grader/internal/store"
)

type instantChat struct{ answer string }

func (c instantChat) CreateChat(context.Context, string, string) (chat.CreateResult, error) {
	return chat.CreateResult{Answer: c.answer}, nil
}

func (instantChat) RetrieveChat(context.Context, chat.Ref) (chat.State, error) {
	return chat.State{Status: chat.StatusCompleted}, nil
}

func (instantChat) ListMessages(context.Context, chat.Ref) ([]chat.Message, error) {
	return nil, nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{RetryAfter: 1500 * time.Millisecond}, nil
}

type fixture struct {
	srv   *httptest.Server
	store *store.Memory
}

// newFixture runs units synchronously unless hold is set, in which case
// dispatched tasks are dropped and jobs stay pending.
func newFixture(t *testing.T, hold bool, limiter Limiter) *fixture {
	t.Helper()
	mem := store.NewMemory()
	mem.Put(models.Submission{ID: "sub-1", GraderID: "t-1", TotalScore: 10, Attachments: []string{"https://cdn.example.com/s.jpg"}})

	var svc *grading.Service
	svc = grading.NewService(grading.Deps{
		Store: mem,
		Chat:  instantChat{answer: "Score: 8/10"},
		Dispatcher: grading.DispatchFunc(func(ctx context.Context, task grading.Task) error {
			if !hold {
				svc.Run(ctx, task)
			}
			return nil
		}),
	})
	srv := httptest.NewServer(New(svc, mem, limiter, nil).Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: mem}
}

func (f *fixture) do(t *testing.T, method, path, body string, user string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("X-User-ID", user)
		req.Header.Set("X-User-Role", "grader")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestStartStatusAccept(t *testing.T) {
	f := newFixture(t, false, nil)

	resp, body := f.do(t, http.MethodPost, "/submissions/sub-1/grading", "", "t-1")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "sub-1", body["job_id"])
	assert.Equal(t, "pending", body["status"])

	resp, body = f.do(t, http.MethodGet, "/submissions/sub-1/grading", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "Score: 8/10", body["result_text"])
	assert.NotEmpty(t, body["completed_at"])
	assert.NotContains(t, body, "run_id")

	resp, body = f.do(t, http.MethodPost, "/submissions/sub-1/grading/accept", `{"score": 8}`, "t-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"job_id": "sub-1", "status": "graded", "score": 8.0}, body)

	resp, body = f.do(t, http.MethodGet, "/submissions/sub-1/grading/audit", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	items, _ := body["items"].([]any)
	assert.Len(t, items, 4) // started, processing, completed, accepted
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t, true, nil)

	resp, body := f.do(t, http.MethodPost, "/submissions/sub-1/grading", "", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "authorization", body["kind"])

	resp, _ = f.do(t, http.MethodPost, "/submissions/sub-1/grading", "", "t-2")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/submissions/nope/grading", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["kind"])

	resp, _ = f.do(t, http.MethodPost, "/submissions/sub-1/grading/cancel", "", "t-1")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/submissions/sub-1/grading", "", "t-1")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, body = f.do(t, http.MethodPost, "/submissions/sub-1/grading", "", "t-1")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", body["kind"])

	resp, body = f.do(t, http.MethodPost, "/submissions/sub-1/grading/accept", `{"score": 5}`, "t-1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", body["kind"])
	resp, _ = f.do(t, http.MethodPost, "/submissions/sub-1/grading/accept", `{}`, "t-1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/submissions/sub-1/grading/accept", `{score`, "t-1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/submissions/sub-1/grading/cancel", "", "t-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "none", body["status"])
	assert.Equal(t, models.CancelledMessage, body["error_message"])
}

func TestRetryAccepted(t *testing.T) {
	f := newFixture(t, true, nil)
	resp, body := f.do(t, http.MethodPost, "/submissions/sub-1/grading/retry", "", "t-1")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])
}

func TestRateLimited(t *testing.T) {
	f := newFixture(t, false, denyAll{})
	resp, body := f.do(t, http.MethodPost, "/submissions/sub-1/grading", "", "t-1")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", body["kind"])
	assert.Equal(t, "2", resp.Header.Get("Retry-After"))

	// reads are not limited
	resp, _ = f.do(t, http.MethodGet, "/submissions/sub-1/grading", "", "t-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, false, nil)
	resp, body := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}
