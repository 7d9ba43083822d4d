package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ancs/internal/registry"
	"ancs/internal/watcher"
	"ancs/pkg/dropin"
)

const maxRequestBody = 1 << 20

var reservedPrefixes = []string{"api", "health", "metrics"}

// DropInStatus is the API view of a loaded drop-in.
type DropInStatus struct {
	ID           string              `json:"id"`
	Candidate    string              `json:"candidate"`
	Version      string              `json:"version"`
	Capabilities dropin.Capabilities `json:"capabilities"`
	Route        string              `json:"route,omitempty"`
	Verbs        []string            `json:"verbs,omitempty"`
	State        dropin.State        `json:"state,omitempty"`
	Readings     *dropin.Readings    `json:"readings,omitempty"`
	LastPoll     *watcher.PollResult `json:"last_poll,omitempty"`
}

func (s *Server) status(e *registry.Entry) DropInStatus {
	st := DropInStatus{
		ID:           e.ID(),
		Candidate:    e.Name,
		Version:      e.Identity.Version,
		Capabilities: e.Identity.Capabilities,
		Route:        e.Identity.Route,
		Verbs:        e.Identity.Verbs,
	}
	if state, readings, ok := e.Observe(); ok {
		st.State = state
		st.Readings = &readings
	}
	if s.opts.Watcher != nil {
		if res, ok := s.opts.Watcher.LastPoll(e.ID()); ok {
			st.LastPoll = &res
		}
	}
	return st
}

func (s *Server) handleListDropIns(w http.ResponseWriter, r *http.Request) {
	plugins := s.opts.Registry.Plugins()
	resp := make([]DropInStatus, 0, len(plugins))
	for _, e := range plugins {
		resp = append(resp, s.status(e))
	}
	writeJSON(w, s.logger, http.StatusOK, resp)
}

func (s *Server) handleGetDropIn(w http.ResponseWriter, r *http.Request) {
	e, ok := s.opts.Registry.Get(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "unknown drop-in")
		return
	}
	writeJSON(w, s.logger, http.StatusOK, s.status(e))
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if s.opts.Report == nil {
		writeJSON(w, s.logger, http.StatusOK, registry.Report{Loaded: []string{}, Skipped: []registry.Skipped{}})
		return
	}
	writeJSON(w, s.logger, http.StatusOK, s.opts.Report)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.opts.Registry.Get(id); !ok {
		s.writeError(w, r, http.StatusNotFound, "unknown drop-in")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 10000 {
			s.writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 10000")
			return
		}
		limit = n
	}

	readings, err := s.opts.History.Recent(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("Failed to read history", zap.String("drop_in", id), zap.Error(err))
		s.writeError(w, r, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(w, s.logger, http.StatusOK, readings)
}

// mountDropIns binds every handler entry at /{route} and /{route}/* for its
// declared verbs. Routes clashing with the daemon's own endpoints or with an
// earlier drop-in are skipped.
func (s *Server) mountDropIns(r chi.Router) {
	taken := make(map[string]string)

	for _, e := range s.opts.Registry.Handlers() {
		route := e.Identity.Route
		logger := s.logger.With(zap.String("drop_in", e.ID()), zap.String("route", route))

		if isReserved(route) {
			logger.Warn("Drop-in route is reserved, not mounted")
			continue
		}
		if owner, exists := taken[route]; exists {
			logger.Warn("Drop-in route already mounted, not mounted", zap.String("owner", owner))
			continue
		}
		taken[route] = e.ID()

		h := s.dropInHandler(e, rate.NewLimiter(s.opts.RequestRate, s.opts.RequestBurst))
		for _, verb := range e.Identity.Verbs {
			verb = strings.ToUpper(verb)
			s.handle(r, verb, "/"+route, "Drop-in "+e.ID(), h)
			r.Method(verb, "/"+route+"/*", h)
		}
		logger.Info("Drop-in route mounted", zap.Strings("verbs", e.Identity.Verbs))
	}
}

func isReserved(route string) bool {
	first := strings.SplitN(route, "/", 2)[0]
	for _, p := range reservedPrefixes {
		if first == p {
			return true
		}
	}
	return false
}

func (s *Server) dropInHandler(e *registry.Entry, limiter *rate.Limiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			s.writeError(w, r, http.StatusTooManyRequests, "too many requests")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "unreadable body")
			return
		}

		req := &dropin.Request{
			ID:     RequestIDFrom(r.Context()),
			Method: r.Method,
			Path:   strings.Trim(chi.URLParam(r, "*"), "/"),
			Query:  r.URL.Query(),
			Body:   body,
		}

		resp, err := e.Handle(r.Context(), req)
		switch {
		case errors.Is(err, dropin.ErrUnsupportedRequest):
			s.writeError(w, r, http.StatusNotFound, err.Error())
		case errors.Is(err, dropin.ErrBadRequest):
			s.writeError(w, r, http.StatusBadRequest, err.Error())
		case err != nil:
			s.logger.Error("Drop-in request failed",
				zap.String("drop_in", e.ID()),
				zap.String("request_id", req.ID),
				zap.Error(err))
			s.writeError(w, r, http.StatusInternalServerError, "drop-in request failed")
		case resp == nil:
			w.WriteHeader(http.StatusNoContent)
		default:
			status := resp.Status
			if status == 0 {
				status = http.StatusOK
			}
			writeJSON(w, s.logger, status, resp.Body)
		}
	}
}
