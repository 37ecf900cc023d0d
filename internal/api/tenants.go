package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/tenantbot/internal/retrieval"
	"github.com/kalambet/tenantbot/internal/storage"
)

// KnowledgeRequest uploads a tenant knowledge base, either as pre-embedded
// chunks or as raw texts to embed server-side.
type KnowledgeRequest struct {
	Chunks []retrieval.Chunk `json:"chunks"`
	Texts  []string          `json:"texts"`
}

func handleLoadKnowledge(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := chi.URLParam(r, "tenantID")
		r.Body = http.MaxBytesReader(w, r.Body, maxKnowledgeBodySize)
		defer r.Body.Close()

		var req KnowledgeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if len(req.Chunks) == 0 && len(req.Texts) == 0 {
			httpError(w, http.StatusBadRequest, "at least one of chunks or texts is required")
			return
		}

		chunks := req.Chunks
		if len(req.Texts) > 0 {
			if deps.Embedder == nil {
				httpError(w, http.StatusBadRequest, "server-side embedding is not available; send chunks with embeddings")
				return
			}
			for i, text := range req.Texts {
				if strings.TrimSpace(text) == "" {
					httpError(w, http.StatusBadRequest, "texts[%d] is blank", i)
					return
				}
			}
			vecs, err := deps.Embedder.EmbedBatch(r.Context(), req.Texts)
			if err != nil {
				httpError(w, http.StatusBadGateway, "embedding failed: %v", err)
				return
			}
			for i, text := range req.Texts {
				chunks = append(chunks, retrieval.Chunk{Content: text, Embedding: vecs[i]})
			}
		}

		load := deps.Knowledge.Load
		if replace, _ := strconv.ParseBool(r.URL.Query().Get("replace")); replace {
			load = deps.Knowledge.Replace
		}
		if err := load(r.Context(), tenantID, chunks); err != nil {
			if errors.Is(err, retrieval.ErrDimensionMismatch) || errors.Is(err, retrieval.ErrTenantMismatch) {
				httpError(w, http.StatusBadRequest, "%v", err)
				return
			}
			httpError(w, http.StatusInternalServerError, "failed to load knowledge: %v", err)
			return
		}

		slog.Info("knowledge loaded", "tenant", tenantID, "chunks", len(chunks))
		writeJSON(w, http.StatusOK, map[string]any{
			"tenant_id": tenantID,
			"loaded":    len(chunks),
		})
	}
}

func handleDeleteKnowledge(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := chi.URLParam(r, "tenantID")
		if err := deps.Knowledge.Delete(r.Context(), tenantID); err != nil {
			httpError(w, http.StatusInternalServerError, "failed to delete knowledge: %v", err)
			return
		}
		if deps.Replies != nil {
			deps.Replies.Forget(tenantID)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleCountKnowledge(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := chi.URLParam(r, "tenantID")
		n, err := deps.Knowledge.Count(r.Context(), tenantID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "failed to count knowledge: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tenant_id": tenantID, "count": n})
	}
}

func handleQueryMetrics(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := chi.URLParam(r, "tenantID")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				httpError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}
		metrics := deps.Metrics.Query(r.Context(), tenantID, r.URL.Query().Get("type"), limit)
		if metrics == nil {
			metrics = []storage.Metric{}
		}
		writeJSON(w, http.StatusOK, metrics)
	}
}

func handleQueueStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := chi.URLParam(r, "tenantID")
		pending, err := deps.Queue.Pending(r.Context(), tenantID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "failed to read queue: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tenant_id": tenantID,
			"pending":   pending,
			"active":    deps.Queue.Active(tenantID),
		})
	}
}

// handleDeleteTenant offboards a tenant: its worker stops after the job in
// flight, pending jobs are cancelled and its knowledge base is deleted.
func handleDeleteTenant(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := chi.URLParam(r, "tenantID")

		cancelled, err := deps.Queue.Remove(r.Context(), tenantID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "failed to stop tenant queue: %v", err)
			return
		}
		if err := deps.Knowledge.Delete(r.Context(), tenantID); err != nil {
			httpError(w, http.StatusInternalServerError, "failed to delete knowledge: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"tenant_id":      tenantID,
			"cancelled_jobs": cancelled,
		})
	}
}

// deadLetter is the API view of a dead-lettered job.
type deadLetter struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error"`
	Payload   string `json:"payload"`
	FailedAt  string `json:"failed_at"`
}

func toDeadLetter(j storage.Job) deadLetter {
	return deadLetter{
		ID:        j.ID,
		TenantID:  j.TenantID,
		Attempts:  j.Attempts,
		LastError: j.LastError,
		Payload:   j.PayloadJSON,
		FailedAt:  j.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

func handleListDeadLetters(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				httpError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}
		jobs, err := deps.DeadLetters.ListDeadJobs(r.Context(), r.URL.Query().Get("tenant"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "failed to list dead letters: %v", err)
			return
		}
		out := make([]deadLetter, len(jobs))
		for i, j := range jobs {
			out[i] = toDeadLetter(j)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleRetryDeadLetter(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.DeadLetters.RetryDeadJob(r.Context(), chi.URLParam(r, "jobID"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "dead letter not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "failed to retry dead letter: %v", err)
			return
		}

		if !deps.Queue.EnsureWorker(job.TenantID, deps.Processor) {
			deps.Queue.Wake(job.TenantID)
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": job.ID, "tenant_id": job.TenantID, "status": job.Status})
	}
}
