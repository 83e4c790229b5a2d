package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/occd/internal/runner"
)

// maxExecutionsLimit caps one /executions page.
const maxExecutionsLimit = 500

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		FeedState:     s.feed.Stats().State,
		Subscriptions: s.reg.Len(),
	})
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.history.Counts(r.Context())
	if err != nil {
		s.logger.Error("failed to read execution counts", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read execution counts")
		return
	}

	subs := make([]SubscriptionSummary, 0, s.reg.Len())
	for _, sub := range s.reg.All() {
		subs = append(subs, SubscriptionSummary{
			Name:            sub.Name,
			Topics:          sub.Topics,
			Command:         sub.Command,
			ChangeDir:       sub.ChangeDir,
			Timeout:         sub.Timeout.String(),
			BlameRecipients: len(sub.Blame),
		})
	}

	respondJSON(w, http.StatusOK, StatusResponse{
		StartedAt:     s.startedAt.UTC(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Feed:          s.feed.Stats(),
		Dispatch:      s.dispatch.Stats(),
		Executions:    counts,
		Subscriptions: subs,
	})
}

// handleExecutions handles GET /executions?limit=&subscription=.
func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxExecutionsLimit {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxExecutionsLimit))
			return
		}
		limit = n
	}

	rows, err := s.history.Recent(r.Context(), r.URL.Query().Get("subscription"), limit)
	if err != nil {
		s.logger.Error("failed to list executions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	out := make([]ExecutionSummary, 0, len(rows))
	for i := range rows {
		out = append(out, summarize(&rows[i]))
	}
	respondJSON(w, http.StatusOK, ExecutionsResponse{Executions: out})
}

// handleExecution handles GET /executions/{id}, returning the full
// record including captured output.
func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.history.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to read execution", "execution_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read execution")
		return
	}
	if res == nil {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func summarize(res *runner.Result) ExecutionSummary {
	return ExecutionSummary{
		ID:           res.ID,
		Subscription: res.Subscription,
		Topic:        res.Topic,
		Revision:     res.Revision,
		Command:      res.Command,
		Status:       res.Status,
		ExitCode:     res.ExitCode,
		Truncated:    res.Truncated,
		StartedAt:    res.StartedAt,
		DurationMS:   res.Duration().Milliseconds(),
	}
}

// respondJSON is a helper to write JSON responses.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
