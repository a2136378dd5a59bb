package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	cfgpkg "github.com/courier-mq/courier/internal/config"
	"github.com/courier-mq/courier/internal/queue"
	"github.com/courier-mq/courier/internal/runtime"
	logpkg "github.com/courier-mq/courier/pkg/log"
)

func newTestServer(t *testing.T, mutate func(*cfgpkg.Config)) (*Server, *runtime.Runtime) {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Fsync = "never"
	maxRetries := 0
	cfg.Queues = []cfgpkg.QueueSpec{{Name: "jobs", MaxRetries: &maxRetries}}
	if mutate != nil {
		mutate(&cfg)
	}
	rt, err := runtime.Open(runtime.Options{Config: cfg})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return New(rt, logpkg.NewNop()), rt
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := do(t, s, http.MethodGet, "/v1/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestEnqueueAndStats(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/v1/queues/jobs/enqueue",
		`{"type":"email.send","payload":{"to":"a@b"},"priority":"high"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("enqueue status: %d body: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp["id"] == "" {
		t.Fatalf("enqueue response: %s (%v)", w.Body.String(), err)
	}

	w = do(t, s, http.MethodGet, "/v1/queues/jobs/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("stats status: %d", w.Code)
	}
	var st struct {
		Ready int `json:"ready"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("stats decode: %v", err)
	}
	if st.Ready != 1 {
		t.Fatalf("ready = %d, want 1", st.Ready)
	}
}

func TestEnqueueRejectsBadRequests(t *testing.T) {
	s, _ := newTestServer(t, nil)

	if w := do(t, s, http.MethodPost, "/v1/queues/missing/enqueue", `{"type":"t","payload":{}}`); w.Code != http.StatusNotFound {
		t.Fatalf("unknown queue status: %d", w.Code)
	}
	if w := do(t, s, http.MethodPost, "/v1/queues/jobs/enqueue", `{"type":"t","payload":{},"priority":"urgent"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad priority status: %d", w.Code)
	}
	if w := do(t, s, http.MethodPost, "/v1/queues/jobs/enqueue", `{"type":"t","payload":{},"delayMs":-1}`); w.Code != http.StatusBadRequest {
		t.Fatalf("negative delay status: %d", w.Code)
	}
	if w := do(t, s, http.MethodPost, "/v1/queues/jobs/enqueue", `not json`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad json status: %d", w.Code)
	}
}

func TestAuthGuardsAdminRoutes(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *cfgpkg.Config) { cfg.AdminToken = "s3cret" })

	if w := do(t, s, http.MethodGet, "/v1/queues", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token status: %d", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/v1/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("healthz must stay open, status: %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/queues", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("with token status: %d", w.Code)
	}
}

// deadLetterOne enqueues and fails a message so it lands in the DLQ. The
// test queue has maxRetries 0, one nack is enough.
func deadLetterOne(t *testing.T, rt *runtime.Runtime, typ string) string {
	t.Helper()
	ctx := context.Background()
	q, _ := rt.Queue("jobs")
	id, err := q.Enqueue(ctx, typ, []byte(`{"n":1}`), queue.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	batch, err := q.DequeueBatch(ctx, 1)
	if err != nil || len(batch) != 1 {
		t.Fatalf("dequeue: %v (%d)", err, len(batch))
	}
	if err := q.Nack(ctx, batch[0].Envelope, batch[0].Token, errors.New("boom")); err != nil {
		t.Fatalf("nack: %v", err)
	}
	return id
}

func TestDLQReadAndRecovery(t *testing.T) {
	s, rt := newTestServer(t, nil)
	deadID := deadLetterOne(t, rt, "report.build")
	deadLetterOne(t, rt, "email.send")

	w := do(t, s, http.MethodGet, "/v1/dlq?queue=jobs&limit=10", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status: %d body: %s", w.Code, w.Body.String())
	}
	var page struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
		Stats *struct {
			TotalMessages int            `json:"totalMessages"`
			ByType        map[string]int `json:"byType"`
		} `json:"stats"`
		Pagination *struct {
			Total  int `json:"total"`
			Limit  int `json:"limit"`
			Offset int `json:"offset"`
		} `json:"pagination"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("list decode: %v", err)
	}
	if page.Stats == nil || page.Pagination == nil {
		t.Fatalf("list body missing stats or pagination: %s", w.Body.String())
	}
	if page.Pagination.Total != 2 || len(page.Messages) != 2 {
		t.Fatalf("list total=%d len=%d, want 2/2", page.Pagination.Total, len(page.Messages))
	}
	if page.Pagination.Limit != 10 || page.Pagination.Offset != 0 {
		t.Fatalf("pagination echo: %+v", page.Pagination)
	}
	if page.Stats.TotalMessages != 2 || page.Stats.ByType["email.send"] != 1 {
		t.Fatalf("list stats: %+v", page.Stats)
	}

	w = do(t, s, http.MethodGet, `/v1/dlq?queue=jobs&filter=type+==+"email.send"`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("filter status: %d body: %s", w.Code, w.Body.String())
	}
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil || page.Pagination == nil || page.Pagination.Total != 1 {
		t.Fatalf("filter body: %s (%v)", w.Body.String(), err)
	}

	if w = do(t, s, http.MethodGet, "/v1/dlq?queue=jobs&filter=type+==", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad filter status: %d", w.Code)
	}

	w = do(t, s, http.MethodGet, "/v1/dlq?queue=jobs&action=stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("stats status: %d", w.Code)
	}
	var st struct {
		TotalMessages int `json:"totalMessages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil || st.TotalMessages != 2 {
		t.Fatalf("dlq stats: %s (%v)", w.Body.String(), err)
	}

	w = do(t, s, http.MethodPost, "/v1/dlq",
		`{"action":"replay","queueName":"jobs","messageId":"`+deadID+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("replay status: %d body: %s", w.Code, w.Body.String())
	}
	var replayed map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &replayed); err != nil || replayed["id"] == deadID || replayed["id"] == "" {
		t.Fatalf("replay response: %s (%v)", w.Body.String(), err)
	}

	w = do(t, s, http.MethodPost, "/v1/dlq",
		`{"action":"replay","queueName":"jobs","messageId":"`+deadID+`"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("second replay status: %d", w.Code)
	}

	w = do(t, s, http.MethodPost, "/v1/dlq", `{"action":"purge","queueName":"jobs"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("purge status: %d", w.Code)
	}
	var purged map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &purged); err != nil || purged["removed"] != 1 {
		t.Fatalf("purge response: %s (%v)", w.Body.String(), err)
	}
}

func TestDLQBulkReplayAndDelete(t *testing.T) {
	s, rt := newTestServer(t, nil)
	idA := deadLetterOne(t, rt, "report.build")
	idB := deadLetterOne(t, rt, "report.build")

	w := do(t, s, http.MethodPost, "/v1/dlq",
		`{"action":"replayBulk","queueName":"jobs","messageIds":["`+idA+`","nope"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("bulk status: %d body: %s", w.Code, w.Body.String())
	}
	var res struct {
		Succeeded int               `json:"succeeded"`
		Failed    int               `json:"failed"`
		Errors    map[string]string `json:"errors"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("bulk decode: %v", err)
	}
	if res.Succeeded != 1 || res.Failed != 1 || res.Errors["nope"] == "" {
		t.Fatalf("bulk result: %+v", res)
	}

	w = do(t, s, http.MethodPost, "/v1/dlq",
		`{"action":"delete","queueName":"jobs","messageId":"`+idB+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status: %d", w.Code)
	}
	w = do(t, s, http.MethodPost, "/v1/dlq",
		`{"action":"delete","queueName":"jobs","messageId":"`+idB+`"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("second delete status: %d", w.Code)
	}

	if w = do(t, s, http.MethodPost, "/v1/dlq", `{"action":"explode","queueName":"jobs"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown action status: %d", w.Code)
	}
}
