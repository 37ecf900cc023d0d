package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/tenantbot/internal/intake"
	"github.com/kalambet/tenantbot/internal/queue"
	"github.com/kalambet/tenantbot/internal/retrieval"
	"github.com/kalambet/tenantbot/internal/storage"
)

const testToken = "test-token-12345"

// --- mocks ---

type mockQueue struct {
	mu        sync.Mutex
	enqueued  []intake.Message
	ensured   []string
	woken     []string
	removed   []string
	err       error
	pending   int
	cancelled int64
}

func (m *mockQueue) Enqueue(_ context.Context, tenantID string, msg intake.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", &queue.QueueError{TenantID: tenantID, Err: m.err}
	}
	m.enqueued = append(m.enqueued, msg)
	return "job-123", nil
}

func (m *mockQueue) EnsureWorker(tenantID string, _ queue.Processor) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensured = append(m.ensured, tenantID)
	return len(m.ensured) == 1
}

func (m *mockQueue) Wake(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.woken = append(m.woken, tenantID)
}

func (m *mockQueue) Active(string) bool { return true }

func (m *mockQueue) Pending(context.Context, string) (int, error) { return m.pending, nil }

func (m *mockQueue) Remove(_ context.Context, tenantID string) (int64, error) {
	m.removed = append(m.removed, tenantID)
	return m.cancelled, nil
}

type mockMetrics struct {
	gotTenant, gotType string
	gotLimit           int
	metrics            []storage.Metric
}

func (m *mockMetrics) Query(_ context.Context, tenantID, metricType string, limit int) []storage.Metric {
	m.gotTenant, m.gotType, m.gotLimit = tenantID, metricType, limit
	return m.metrics
}

type mockEmbedder struct {
	err error
}

func (m *mockEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, float32(i), 0}
	}
	return out, nil
}

type mockHealth struct{ up bool }

func (m mockHealth) IsRunning(context.Context) bool { return m.up }

// --- helpers ---

type testEnv struct {
	handler http.Handler
	queue   *mockQueue
	metrics *mockMetrics
	store   *storage.Store
	vectors *retrieval.SQLiteStore
	replies *mockReplies
}

type mockReplies struct {
	forgotten []string
}

func (m *mockReplies) Forget(tenantID string) { m.forgotten = append(m.forgotten, tenantID) }

func setupHandler(t *testing.T, token string) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		queue:   &mockQueue{},
		metrics: &mockMetrics{},
		store:   store,
		vectors: retrieval.NewSQLiteStore(store.DB(), 3),
		replies: &mockReplies{},
	}
	env.handler = NewHandler(Deps{
		Queue:       env.queue,
		Processor:   queue.ProcessorFunc(func(context.Context, storage.Job) error { return nil }),
		Knowledge:   env.vectors,
		Embedder:    &mockEmbedder{},
		Metrics:     env.metrics,
		DeadLetters: store,
		Engine:      mockHealth{up: true},
		Replies:     env.replies,
		Token:       token,
	})
	return env
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decoding body %q: %v", rr.Body.String(), err)
	}
}

// --- health ---

func TestHealth(t *testing.T) {
	env := setupHandler(t, testToken)
	rr := serve(env.handler, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]string
	decodeBody(t, rr, &body)
	if body["status"] != "ok" || body["engine"] != "reachable" {
		t.Errorf("body = %v", body)
	}
}

// --- intake ---

func TestIntake_Queued(t *testing.T) {
	env := setupHandler(t, testToken)
	body := `{"agent_id":"acme","user_id":"42","text":"hola","timestamp":"2024-05-01T10:00:00Z"}`

	rr := serve(env.handler, authReq(http.MethodPost, "/intake", body, ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	decodeBody(t, rr, &resp)
	if resp["status"] != "queued" || resp["messageId"] != "job-123" {
		t.Errorf("resp = %v", resp)
	}

	if len(env.queue.enqueued) != 1 {
		t.Fatalf("enqueue calls = %d, want 1", len(env.queue.enqueued))
	}
	got := env.queue.enqueued[0]
	if got.TenantID != "acme" || got.Text != "hola" || got.Media == nil {
		t.Errorf("enqueued = %+v", got)
	}
	if len(env.queue.ensured) != 1 || env.queue.ensured[0] != "acme" {
		t.Errorf("ensure worker calls = %v", env.queue.ensured)
	}
}

func TestIntake_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad json", `{nope`, "Invalid JSON body"},
		{"missing agent", `{"user_id":"u","text":"t","timestamp":"x"}`, "Missing or invalid agent_id"},
		{"empty text", `{"agent_id":"a","user_id":"u","text":"","timestamp":"x"}`, "Missing or invalid text"},
		{"bad media", `{"agent_id":"a","user_id":"u","text":"t","timestamp":"x","media":[1]}`, "Invalid media: must be an array of strings"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupHandler(t, testToken)
			rr := serve(env.handler, authReq(http.MethodPost, "/intake", tt.body, ""))

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
			var resp map[string]string
			decodeBody(t, rr, &resp)
			if resp["error"] != tt.want {
				t.Errorf("error = %q, want %q", resp["error"], tt.want)
			}
			if len(env.queue.enqueued) != 0 {
				t.Error("enqueue must not be called for an invalid payload")
			}
		})
	}
}

func TestIntake_QueueFailureIs500(t *testing.T) {
	env := setupHandler(t, testToken)
	env.queue.err = errors.New("disk I/O error")
	body := `{"agent_id":"acme","user_id":"42","text":"hola","timestamp":"t"}`

	rr := serve(env.handler, authReq(http.MethodPost, "/intake", body, ""))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	var resp map[string]string
	decodeBody(t, rr, &resp)
	if resp["error"] == "" {
		t.Error("expected error message")
	}
	if len(env.queue.ensured) != 0 {
		t.Error("no worker should be started when enqueue fails")
	}
}

func TestIntake_BodyTooLarge(t *testing.T) {
	env := setupHandler(t, testToken)
	big := `{"agent_id":"a","user_id":"u","timestamp":"t","text":"` + strings.Repeat("x", maxRequestBodySize) + `"}`

	rr := serve(env.handler, authReq(http.MethodPost, "/intake", big, ""))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rr.Code)
	}
}

// --- auth ---

func TestAdmin_RequiresToken(t *testing.T) {
	env := setupHandler(t, testToken)

	rr := serve(env.handler, authReq(http.MethodGet, "/tenants/acme/knowledge/count", "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rr.Code)
	}
	rr = serve(env.handler, authReq(http.MethodGet, "/tenants/acme/knowledge/count", "", "wrong"))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rr.Code)
	}
	rr = serve(env.handler, authReq(http.MethodGet, "/tenants/acme/knowledge/count", "", testToken))
	if rr.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", rr.Code)
	}
}

func TestAdmin_AlternateTokenHeader(t *testing.T) {
	env := setupHandler(t, testToken)

	req := authReq(http.MethodGet, "/tenants/acme/knowledge/count", "", "")
	req.Header.Set("X-Tenantbot-Token", testToken)
	if rr := serve(env.handler, req); rr.Code != http.StatusOK {
		t.Errorf("X-Tenantbot-Token: status = %d, want 200", rr.Code)
	}

	req = authReq(http.MethodGet, "/tenants/acme/knowledge/count", "", "")
	req.Header.Set("Authorization", "bearer "+testToken)
	if rr := serve(env.handler, req); rr.Code != http.StatusOK {
		t.Errorf("lowercase scheme: status = %d, want 200", rr.Code)
	}

	req = authReq(http.MethodGet, "/tenants/acme/knowledge/count", "", "")
	req.Header.Set("Authorization", "Basic "+testToken)
	if rr := serve(env.handler, req); rr.Code != http.StatusUnauthorized {
		t.Errorf("basic scheme: status = %d, want 401", rr.Code)
	}
}

func TestAdmin_NoTokenConfigured(t *testing.T) {
	env := setupHandler(t, "")
	rr := serve(env.handler, authReq(http.MethodGet, "/tenants/acme/queue", "", ""))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

// --- knowledge ---

func TestKnowledge_LoadChunksAndCount(t *testing.T) {
	env := setupHandler(t, testToken)
	body := `{"chunks":[{"content":"We open at 9","embedding":[1,0,0]},{"content":"We close at 5","embedding":[0,1,0]}]}`

	rr := serve(env.handler, authReq(http.MethodPost, "/tenants/acme/knowledge", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	decodeBody(t, rr, &resp)
	if resp["loaded"] != float64(2) {
		t.Errorf("loaded = %v", resp["loaded"])
	}

	rr = serve(env.handler, authReq(http.MethodGet, "/tenants/acme/knowledge/count", "", testToken))
	decodeBody(t, rr, &resp)
	if resp["count"] != float64(2) {
		t.Errorf("count = %v", resp["count"])
	}
}

func TestKnowledge_LoadTextsEmbedsThem(t *testing.T) {
	env := setupHandler(t, testToken)
	body := `{"texts":["alpha","beta","gamma"]}`

	rr := serve(env.handler, authReq(http.MethodPost, "/tenants/acme/knowledge", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	n, err := env.vectors.Count(context.Background(), "acme")
	if err != nil || n != 3 {
		t.Errorf("count = %d, err = %v", n, err)
	}
}

func TestKnowledge_ReplaceSwapsKB(t *testing.T) {
	env := setupHandler(t, testToken)
	first := `{"chunks":[{"content":"a","embedding":[1,0,0]},{"content":"b","embedding":[0,1,0]}]}`
	second := `{"chunks":[{"content":"c","embedding":[0,0,1]}]}`

	serve(env.handler, authReq(http.MethodPost, "/tenants/acme/knowledge", first, testToken))
	rr := serve(env.handler, authReq(http.MethodPost, "/tenants/acme/knowledge?replace=true", second, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if n, _ := env.vectors.Count(context.Background(), "acme"); n != 1 {
		t.Errorf("count after replace = %d, want 1", n)
	}
}

func TestKnowledge_DimensionMismatchIs400(t *testing.T) {
	env := setupHandler(t, testToken)
	body := `{"chunks":[{"content":"a","embedding":[1,0]}]}`

	rr := serve(env.handler, authReq(http.MethodPost, "/tenants/acme/knowledge", body, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestKnowledge_EmptyRequestIs400(t *testing.T) {
	env := setupHandler(t, testToken)
	rr := serve(env.handler, authReq(http.MethodPost, "/tenants/acme/knowledge", `{}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestKnowledge_BlankTextIs400(t *testing.T) {
	env := setupHandler(t, testToken)
	rr := serve(env.handler, authReq(http.MethodPost, "/tenants/acme/knowledge", `{"texts":["ok","   "]}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "texts[1] is blank") {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestKnowledge_DeleteIsTenantScoped(t *testing.T) {
	env := setupHandler(t, testToken)
	body := `{"chunks":[{"content":"a","embedding":[1,0,0]}]}`
	serve(env.handler, authReq(http.MethodPost, "/tenants/acme/knowledge", body, testToken))
	serve(env.handler, authReq(http.MethodPost, "/tenants/other/knowledge", body, testToken))

	rr := serve(env.handler, authReq(http.MethodDelete, "/tenants/acme/knowledge", "", testToken))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
	if n, _ := env.vectors.Count(context.Background(), "acme"); n != 0 {
		t.Errorf("acme count = %d", n)
	}
	if n, _ := env.vectors.Count(context.Background(), "other"); n != 1 {
		t.Errorf("other count = %d, want 1", n)
	}
}

// --- metrics & queue ---

func TestMetrics_QueryPassesFilters(t *testing.T) {
	env := setupHandler(t, testToken)
	env.metrics.metrics = []storage.Metric{{TenantID: "acme", Type: "error", Value: 1}}

	rr := serve(env.handler, authReq(http.MethodGet, "/tenants/acme/metrics?type=error&limit=7", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if env.metrics.gotTenant != "acme" || env.metrics.gotType != "error" || env.metrics.gotLimit != 7 {
		t.Errorf("query args = %q %q %d", env.metrics.gotTenant, env.metrics.gotType, env.metrics.gotLimit)
	}
	var got []storage.Metric
	decodeBody(t, rr, &got)
	if len(got) != 1 {
		t.Errorf("metrics = %+v", got)
	}
}

func TestMetrics_EmptyIsArray(t *testing.T) {
	env := setupHandler(t, testToken)
	rr := serve(env.handler, authReq(http.MethodGet, "/tenants/acme/metrics", "", testToken))
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("body = %q, want []", rr.Body.String())
	}
}

func TestMetrics_BadLimit(t *testing.T) {
	env := setupHandler(t, testToken)
	rr := serve(env.handler, authReq(http.MethodGet, "/tenants/acme/metrics?limit=zero", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestQueueStatus(t *testing.T) {
	env := setupHandler(t, testToken)
	env.queue.pending = 4

	rr := serve(env.handler, authReq(http.MethodGet, "/tenants/acme/queue", "", testToken))
	var resp map[string]any
	decodeBody(t, rr, &resp)
	if resp["pending"] != float64(4) || resp["active"] != true {
		t.Errorf("resp = %v", resp)
	}
}

// --- offboarding ---

func TestDeleteTenant(t *testing.T) {
	env := setupHandler(t, testToken)
	env.queue.cancelled = 2
	serve(env.handler, authReq(http.MethodPost, "/tenants/acme/knowledge", `{"chunks":[{"content":"a","embedding":[1,0,0]}]}`, testToken))

	rr := serve(env.handler, authReq(http.MethodDelete, "/tenants/acme", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	decodeBody(t, rr, &resp)
	if resp["cancelled_jobs"] != float64(2) {
		t.Errorf("resp = %v", resp)
	}
	if len(env.queue.removed) != 1 || env.queue.removed[0] != "acme" {
		t.Errorf("removed = %v", env.queue.removed)
	}
	if n, _ := env.vectors.Count(context.Background(), "acme"); n != 0 {
		t.Errorf("knowledge not deleted, count = %d", n)
	}
	if len(env.replies.forgotten) != 1 || env.replies.forgotten[0] != "acme" {
		t.Errorf("reply limits forgotten = %v", env.replies.forgotten)
	}
}

// --- dead letters ---

func seedDeadJob(t *testing.T, store *storage.Store, id, tenant string) {
	t.Helper()
	ctx := context.Background()
	if err := store.EnqueueJob(ctx, storage.Job{ID: id, TenantID: tenant, PayloadJSON: `{}`, MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	job, _, err := store.ClaimNextJob(ctx, tenant)
	if err != nil || job == nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if dead, err := store.FailJob(ctx, id, "boom"); err != nil || !dead {
		t.Fatalf("FailJob: dead=%v err=%v", dead, err)
	}
}

func TestDeadLetters_ListAndRetry(t *testing.T) {
	env := setupHandler(t, testToken)
	seedDeadJob(t, env.store, "dead-1", "acme")

	rr := serve(env.handler, authReq(http.MethodGet, "/dead-letters?tenant=acme", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var list []map[string]any
	decodeBody(t, rr, &list)
	if len(list) != 1 || list[0]["id"] != "dead-1" || list[0]["last_error"] != "boom" {
		t.Fatalf("list = %v", list)
	}

	rr = serve(env.handler, authReq(http.MethodPost, "/dead-letters/dead-1/retry", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("retry status = %d, body = %s", rr.Code, rr.Body.String())
	}
	job, err := env.store.GetJob(context.Background(), "dead-1")
	if err != nil || job.Status != storage.JobPending {
		t.Errorf("job = %+v, err = %v", job, err)
	}
	if len(env.queue.ensured) != 1 || env.queue.ensured[0] != "acme" {
		t.Errorf("ensured = %v", env.queue.ensured)
	}
}

func TestDeadLetters_RetryUnknown(t *testing.T) {
	env := setupHandler(t, testToken)
	rr := serve(env.handler, authReq(http.MethodPost, "/dead-letters/nope/retry", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}
