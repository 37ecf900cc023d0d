// Package api exposes the HTTP intake endpoint, the tenant admin routes and
// the MCP tool server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/tenantbot/internal/intake"
	"github.com/kalambet/tenantbot/internal/queue"
	"github.com/kalambet/tenantbot/internal/retrieval"
	"github.com/kalambet/tenantbot/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxKnowledgeBodySize = 32 << 20

// Queue is the part of queue.Registry the API drives.
type Queue interface {
	Enqueue(ctx context.Context, tenantID string, msg intake.Message) (string, error)
	EnsureWorker(tenantID string, p queue.Processor) bool
	Wake(tenantID string)
	Active(tenantID string) bool
	Pending(ctx context.Context, tenantID string) (int, error)
	Remove(ctx context.Context, tenantID string) (int64, error)
}

// TextEmbedder embeds knowledge-base texts uploaded without vectors.
type TextEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// MetricsReader queries telemetry. It never fails; an unavailable store
// yields an empty slice.
type MetricsReader interface {
	Query(ctx context.Context, tenantID, metricType string, limit int) []storage.Metric
}

// DeadLetters lists and requeues dead-lettered jobs.
type DeadLetters interface {
	ListDeadJobs(ctx context.Context, tenantID string, limit int) ([]storage.Job, error)
	RetryDeadJob(ctx context.Context, id string) (storage.Job, error)
}

// ReplyLimits drops per-tenant reply state on offboarding.
type ReplyLimits interface {
	Forget(tenantID string)
}

// HealthChecker reports inference backend reachability.
type HealthChecker interface {
	IsRunning(ctx context.Context) bool
}

// Deps holds everything the HTTP handlers need.
type Deps struct {
	Queue       Queue
	Processor   queue.Processor
	Knowledge   retrieval.VectorStore
	Embedder    TextEmbedder
	Metrics     MetricsReader
	DeadLetters DeadLetters
	Engine      HealthChecker // optional
	Replies     ReplyLimits   // optional
	Token       string
}

// NewHandler builds the top-level router. /health and /intake are open;
// every admin route requires the bearer token when one is configured.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))
	r.Post("/intake", handleIntake(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			r.Post("/knowledge", handleLoadKnowledge(deps))
			r.Delete("/knowledge", handleDeleteKnowledge(deps))
			r.Get("/knowledge/count", handleCountKnowledge(deps))
			r.Get("/metrics", handleQueryMetrics(deps))
			r.Get("/queue", handleQueueStatus(deps))
			r.Delete("/", handleDeleteTenant(deps))
		})

		r.Get("/dead-letters", handleListDeadLetters(deps))
		r.Post("/dead-letters/{jobID}/retry", handleRetryDeadLetter(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]string{"status": "ok"}
		if deps.Engine != nil {
			if deps.Engine.IsRunning(r.Context()) {
				resp["engine"] = "reachable"
			} else {
				resp["engine"] = "unreachable"
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]string{"error": fmt.Sprintf(format, args...)})
}
