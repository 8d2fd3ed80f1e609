// Package server is the HTTP ingress: unauthenticated per-expectation
// observation endpoints and the trial ack endpoint, plus bearer-protected
// admin endpoints for creating and toggling expectations.
//
// The observation endpoints are intentionally unauthenticated; their
// security derives from the unguessability of the expectation id. Disabled
// expectations still accept observations (record-but-don't-evaluate).
package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewire/rewire/internal/metrics"
	"github.com/rewire/rewire/internal/rules"
	"github.com/rewire/rewire/internal/store"
	"github.com/rewire/rewire/internal/token"
)

// Config holds the ingress tunables.
type Config struct {
	BaseURL            string
	AdminToken         string
	RateLimitPerMinute int
}

// Server routes HTTP requests to the store.
type Server struct {
	store   *store.Store
	cfg     Config
	limiter *RateLimiter
	metrics *metrics.Metrics
	logger  *log.Logger
}

// New creates the ingress. metrics may be nil.
func New(st *store.Store, m *metrics.Metrics, cfg Config) *Server {
	return &Server{
		store:   st,
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.RateLimitPerMinute),
		metrics: m,
		logger:  log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
	}
}

// Close stops the rate limiter's background cleanup.
func (s *Server) Close() { s.limiter.Stop() }

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/observe/{id}", s.handleObserveGet).Methods("GET")
	r.HandleFunc("/observe/{id}", s.handleObservePost).Methods("POST")
	r.HandleFunc("/ack/{trial_id}", s.handleAck).Methods("GET")

	r.HandleFunc("/admin/new", s.handleAdminNew).Methods("POST")
	r.HandleFunc("/admin/enable", s.adminEnableHandler(true)).Methods("POST")
	r.HandleFunc("/admin/disable", s.adminEnableHandler(false)).Methods("POST")

	return r
}

// --- Handlers ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.text(w, http.StatusOK, "rewire ok\n")
}

func (s *Server) handleObserveGet(w http.ResponseWriter, r *http.Request) {
	expID := mux.Vars(r)["id"]
	exp, err := s.store.GetExpectation(r.Context(), expID)
	if err != nil {
		s.expectationError(w, err)
		return
	}

	obs, err := s.store.RecentObservations(r.Context(), expID, 10)
	if err != nil {
		s.internalError(w, err)
		return
	}

	var params any
	if err := json.Unmarshal([]byte(exp.ParamsJSON), &params); err != nil {
		params = map[string]any{}
	}
	recent := make([]map[string]any, 0, len(obs))
	for _, o := range obs {
		var meta any
		if o.Meta != "" {
			meta = o.Meta
		}
		recent = append(recent, map[string]any{
			"kind":        string(o.Kind),
			"observed_at": o.ObservedAt,
			"meta":        meta,
		})
	}

	s.json(w, http.StatusOK, map[string]any{
		"id":                  exp.ID,
		"type":                string(exp.Type),
		"name":                exp.Name,
		"expected_interval_s": exp.ExpectedIntervalS,
		"tolerance_s":         exp.ToleranceS,
		"params":              params,
		"owner_email":         exp.OwnerEmail,
		"is_enabled":          exp.Enabled,
		"recent_observations": recent,
	})
}

func (s *Server) handleObservePost(w http.ResponseWriter, r *http.Request) {
	expID := mux.Vars(r)["id"]

	if !s.limiter.Allow(expID) {
		s.json(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
		return
	}

	if _, err := s.store.GetExpectation(r.Context(), expID); err != nil {
		s.expectationError(w, err)
		return
	}

	if err := r.ParseForm(); err != nil {
		s.json(w, http.StatusBadRequest, map[string]any{"error": "malformed form body"})
		return
	}
	kind := store.ObservationKind(strings.TrimSpace(r.PostFormValue("kind")))
	meta := r.PostFormValue("meta")

	if !store.ValidKind(kind) {
		s.json(w, http.StatusBadRequest, map[string]any{"error": "kind must be start|end|ping|ack"})
		return
	}

	if _, err := s.store.AddObservation(r.Context(), expID, kind, meta); err != nil {
		s.internalError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.ObservationsRecorded.WithLabelValues(string(kind)).Inc()
	}
	s.text(w, http.StatusOK, "ok\n")
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	trialID := mux.Vars(r)["trial_id"]
	ok, err := s.store.AckTrial(r.Context(), trialID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if !ok {
		s.text(w, http.StatusNotFound, "unknown or not pending\n")
		return
	}
	if s.metrics != nil {
		s.metrics.TrialsAcked.Inc()
	}
	s.text(w, http.StatusOK, "acked\n")
}

func (s *Server) handleAdminNew(w http.ResponseWriter, r *http.Request) {
	if !s.authAdmin(r) {
		s.text(w, http.StatusUnauthorized, "unauthorized\n")
		return
	}
	if err := r.ParseForm(); err != nil {
		s.json(w, http.StatusBadRequest, map[string]any{"error": "malformed form body"})
		return
	}

	expType := store.ExpectationType(strings.TrimSpace(r.PostFormValue("type")))
	name := strings.TrimSpace(r.PostFormValue("name"))
	ownerEmail := strings.TrimSpace(r.PostFormValue("email"))
	expected, _ := strconv.ParseInt(r.PostFormValue("expected_interval_s"), 10, 64)
	tolerance, _ := strconv.ParseInt(r.PostFormValue("tolerance_s"), 10, 64)
	paramsJSON := r.PostFormValue("params_json")
	if paramsJSON == "" {
		paramsJSON = "{}"
	}

	if !store.ValidType(expType) {
		s.json(w, http.StatusBadRequest, map[string]any{"error": "type must be schedule|alert_path"})
		return
	}
	if name == "" || ownerEmail == "" || expected < 60 {
		s.json(w, http.StatusBadRequest, map[string]any{"error": "need name,email,expected_interval_s>=60"})
		return
	}
	if tolerance < 0 {
		s.json(w, http.StatusBadRequest, map[string]any{"error": "tolerance_s must be >= 0"})
		return
	}
	if err := rules.ValidateParams(expType, paramsJSON); err != nil {
		s.json(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("invalid params_json: %v", err)})
		return
	}

	expID, err := token.New()
	if err != nil {
		s.internalError(w, err)
		return
	}
	err = s.store.CreateExpectation(r.Context(), store.CreateExpectationParams{
		ID:                expID,
		Type:              expType,
		Name:              name,
		OwnerEmail:        ownerEmail,
		ExpectedIntervalS: expected,
		ToleranceS:        tolerance,
		ParamsJSON:        paramsJSON,
	})
	if err != nil {
		if errors.Is(err, store.ErrInvalid) {
			s.json(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		s.internalError(w, err)
		return
	}

	observeURL := fmt.Sprintf("%s/observe/%s", strings.TrimRight(s.cfg.BaseURL, "/"), expID)
	s.json(w, http.StatusOK, map[string]any{"id": expID, "observe_url": observeURL})
}

func (s *Server) adminEnableHandler(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authAdmin(r) {
			s.text(w, http.StatusUnauthorized, "unauthorized\n")
			return
		}
		if err := r.ParseForm(); err != nil {
			s.json(w, http.StatusBadRequest, map[string]any{"error": "malformed form body"})
			return
		}
		expID := strings.TrimSpace(r.PostFormValue("id"))
		if expID == "" {
			s.json(w, http.StatusBadRequest, map[string]any{"error": "need id"})
			return
		}
		if _, err := s.store.SetEnabled(r.Context(), expID, enable); err != nil {
			s.internalError(w, err)
			return
		}
		s.json(w, http.StatusOK, map[string]any{"ok": true, "enabled": enable})
	}
}

// --- Helpers ---

// authAdmin validates the bearer token. Both sides are hashed first so the
// comparison is constant-time regardless of length.
func (s *Server) authAdmin(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return false
	}
	presented := sha256.Sum256([]byte(strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))))
	expected := sha256.Sum256([]byte(s.cfg.AdminToken))
	return subtle.ConstantTimeCompare(presented[:], expected[:]) == 1
}

func (s *Server) expectationError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.text(w, http.StatusNotFound, "unknown expectation\n")
		return
	}
	s.internalError(w, err)
}

// internalError reports a transient failure without leaking internals.
func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Printf("internal error: %v", err)
	s.json(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
}

func (s *Server) text(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

func (s *Server) json(w http.ResponseWriter, code int, obj any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(obj)
}
