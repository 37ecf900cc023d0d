package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/kalambet/tenantbot/internal/intake"
)

func handleIntake(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		raw, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpError(w, http.StatusRequestEntityTooLarge, "Request body too large")
				return
			}
			httpError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}

		msg, err := intake.Validate(raw)
		if err != nil {
			var ve *intake.ValidationError
			if errors.As(err, &ve) {
				httpError(w, http.StatusBadRequest, "%s", ve.Message)
				return
			}
			httpError(w, http.StatusBadRequest, "%s", err.Error())
			return
		}

		id, err := deps.Queue.Enqueue(r.Context(), msg.TenantID, msg)
		if err != nil {
			slog.Error("enqueue failed", "tenant", msg.TenantID, "error", err)
			httpError(w, http.StatusInternalServerError, "Failed to queue message")
			return
		}
		deps.Queue.EnsureWorker(msg.TenantID, deps.Processor)

		writeJSON(w, http.StatusOK, map[string]string{
			"status":    "queued",
			"messageId": id,
		})
	}
}
