package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/willynikes2/GenOS/internal/engine"
	"github.com/willynikes2/GenOS/internal/model"
	"github.com/willynikes2/GenOS/internal/registry"
	"github.com/willynikes2/GenOS/internal/sched"
	"github.com/willynikes2/GenOS/internal/validate"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// listEnvironmentsResponse wraps the paginated list response.
type listEnvironmentsResponse struct {
	Environments []*model.Environment `json:"environments"`
	Total        int                  `json:"total"`
	Limit        int                  `json:"limit"`
	Offset       int                  `json:"offset"`
}

func (s *Server) handleSubmitEnvironment(w http.ResponseWriter, r *http.Request) {
	var spec model.EnvironmentSpec
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if spec.Owner == "" {
		spec.Owner = Subject(r.Context())
	}

	env, err := s.engine.Submit(r.Context(), spec)
	if err != nil {
		s.writeSubmitError(w, env, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, env)
}

// writeSubmitError maps a submission failure to its HTTP shape. An admission
// rejection still produced a failed record, so the response names it.
func (s *Server) writeSubmitError(w http.ResponseWriter, env *model.Environment, err error) {
	var ve *validate.Error
	switch {
	case errors.As(err, &ve):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": ve.Detail,
			"code":  ve.Code,
		})
	case errors.Is(err, sched.ErrResourceExhausted):
		body := map[string]string{"error": err.Error()}
		if env != nil {
			body["environment_id"] = env.ID
		}
		s.writeJSON(w, http.StatusTooManyRequests, body)
	default:
		s.logger.Error("submit environment", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit environment")
	}
}

func (s *Server) handleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	env, err := s.store.GetEnvironment(r.Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "environment not found")
		return
	}
	if err != nil {
		s.logger.Error("get environment", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get environment")
		return
	}

	s.writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	filter := registry.ListFilter{
		Owner:  r.URL.Query().Get("owner"),
		State:  r.URL.Query().Get("state"),
		Limit:  limit,
		Offset: offset,
	}

	envs, total, err := s.store.ListEnvironments(r.Context(), filter)
	if err != nil {
		s.logger.Error("list environments", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list environments")
		return
	}

	if envs == nil {
		envs = []*model.Environment{}
	}

	s.writeJSON(w, http.StatusOK, listEnvironmentsResponse{
		Environments: envs,
		Total:        total,
		Limit:        limit,
		Offset:       offset,
	})
}

func (s *Server) handleStartEnvironment(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.engine.Start, "start environment")
}

func (s *Server) handleSuspendEnvironment(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.engine.Suspend, "suspend environment")
}

func (s *Server) handleResumeEnvironment(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.engine.Resume, "resume environment")
}

func (s *Server) handleTerminateEnvironment(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.engine.Terminate, "terminate environment")
}

// lifecycle runs one engine lifecycle operation against the path id and maps
// its error to the HTTP taxonomy: unknown id 404, wrong state 409, no
// capacity to resume 429.
func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*model.Environment, error), what string) {
	id := chi.URLParam(r, "id")

	env, err := op(r.Context(), id)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, env)
	case errors.Is(err, registry.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "environment not found")
	case errors.Is(err, registry.ErrConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrNoCapacity):
		s.writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.logger.Error(what, "environment_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+what)
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
