package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/provider-router/internal/consensus"
	"github.com/tributary-ai/provider-router/internal/middleware"
	"github.com/tributary-ai/provider-router/internal/registry"
	"github.com/tributary-ai/provider-router/internal/routing"
	"github.com/tributary-ai/provider-router/internal/security"
	"github.com/tributary-ai/provider-router/internal/streaming"
	"github.com/tributary-ai/provider-router/internal/telemetry"
	"github.com/tributary-ai/provider-router/internal/types"
)

// Server represents the HTTP server
type Server struct {
	config     *ServerConfig
	deps       Dependencies
	httpServer *http.Server
	handler    http.Handler
	security   *middleware.SecurityMiddleware
	validation *middleware.ValidationMiddleware
	startedAt  time.Time
	logger     *logrus.Logger
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxHeaderBytes int

	// ExecStrategy is used by /router/exec when the query names none
	ExecStrategy types.Strategy

	Security   *middleware.SecurityMiddlewareConfig
	Validation *middleware.ValidationConfig
	OpenAPI    []byte
}

// Dependencies are the components the handlers call into
type Dependencies struct {
	Registry  *registry.Registry
	Router    *routing.Router
	Executor  *routing.Executor
	Streams   *streaming.Manager
	Recorder  *telemetry.Recorder
	Metrics   *telemetry.Metrics
	Consensus *consensus.Client
}

// NewServer creates a new server instance
func NewServer(config *ServerConfig, deps Dependencies, logger *logrus.Logger) (*Server, error) {
	if config.ExecStrategy == "" {
		config.ExecStrategy = types.StrategyBasic
	}

	validation, err := middleware.NewValidationMiddleware(config.Validation, config.OpenAPI, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize validation middleware: %w", err)
	}

	s := &Server{
		config:     config,
		deps:       deps,
		security:   middleware.NewSecurityMiddleware(config.Security, logger),
		validation: validation,
		startedAt:  time.Now(),
		logger:     logger,
	}
	s.handler = s.loggingMiddleware(s.security.Handler()(s.setupRoutes()))

	return s, nil
}

// Handler returns the fully wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.handler,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting provider router server")
	return s.httpServer.ListenAndServe()
}

// Stop closes streaming sessions and shuts the HTTP server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping provider router server")

	if s.deps.Streams != nil {
		s.deps.Streams.Shutdown()
	}
	s.security.Stop()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.validation.Middleware)

	general := s.security.RateLimit(security.ClassGeneral)
	generate := s.security.RateLimit(security.ClassGenerate)
	auth := s.security.RateLimit(security.ClassAuth)

	// Routing endpoints
	rt := r.PathPrefix("/router").Subrouter()
	rt.Handle("/exec", general(http.HandlerFunc(s.handleExec))).Methods(http.MethodGet)
	rt.Handle("/analytics", general(http.HandlerFunc(s.handleAnalytics))).Methods(http.MethodGet)
	rt.Handle("/providers/{name}/metrics", auth(http.HandlerFunc(s.handleUpdateMetrics))).Methods(http.MethodPut)

	// Streaming endpoints
	st := r.PathPrefix("/stream").Subrouter()
	st.Handle("/stream", general(http.HandlerFunc(s.handleStream))).Methods(http.MethodGet)
	st.Handle("/generate", generate(http.HandlerFunc(s.handleGenerate))).Methods(http.MethodPost)
	st.Handle("/providers/status", general(http.HandlerFunc(s.handleProviderStatus))).Methods(http.MethodGet)
	st.Handle("/providers/health", general(http.HandlerFunc(s.handleProviderHealth))).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealthCheck).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}
	s.setupSwaggerRoutes(r)

	return r
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a custom response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"user_agent":  r.UserAgent(),
			"remote_addr": r.RemoteAddr,
			"request_id":  r.Header.Get("X-Request-ID"),
		}).Info("HTTP request")
	})
}

// Handlers

type execResponse struct {
	*routing.ExecutionResult
	ProposalID      string `json:"proposal_id"`
	ConsensusStatus string `json:"consensus_status"`
}

// handleExec routes a single query, executes it with failover and records a proposal
func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseExecRequest(r)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.deps.Executor.Execute(r.Context(), req)
	if err != nil {
		s.writeExecError(w, err)
		return
	}

	proposal := consensus.ProposalResult{Status: consensus.StatusDisabled}
	if s.deps.Consensus != nil {
		proposal = s.deps.Consensus.Record(r.Context(), consensus.ProposalInput{
			Query:     req.Query,
			Decision:  result.Routing,
			Telemetry: result.Telemetry,
		})
	}

	s.writeJSON(w, http.StatusOK, execResponse{
		ExecutionResult: result,
		ProposalID:      proposal.ProposalID,
		ConsensusStatus: proposal.Status,
	})
}

func (s *Server) parseExecRequest(r *http.Request) (routing.ExecuteRequest, error) {
	q := r.URL.Query()

	req := routing.ExecuteRequest{Query: q.Get("q")}
	if req.Query == "" {
		return req, errors.New("query parameter q is required")
	}

	if v := q.Get("max_tokens"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return req, fmt.Errorf("invalid max_tokens: %q", v)
		}
		req.MaxTokens = n
	}

	strategy, ok := types.ParseStrategy(q.Get("strategy"), s.config.ExecStrategy)
	if !ok {
		return req, fmt.Errorf("%w: %s", routing.ErrUnknownStrategy, q.Get("strategy"))
	}
	req.Strategy = strategy

	floats := []struct {
		name string
		dst  *float64
	}{
		{"max_latency_ms", &req.Preferences.MaxLatencyMs},
		{"max_cost_per_token", &req.Preferences.MaxCostPerToken},
		{"min_quality", &req.Preferences.MinQuality},
	}
	for _, f := range floats {
		v := q.Get(f.name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil || n < 0 {
			return req, fmt.Errorf("invalid %s: %q", f.name, v)
		}
		*f.dst = n
	}
	req.Preferences.PreferredRegion = q.Get("region")

	return req, nil
}

// writeExecError maps routing errors to status codes
func (s *Server) writeExecError(w http.ResponseWriter, err error) {
	var (
		noHealthy *routing.NoHealthyProviderError
		mismatch  *routing.PreferenceMismatchError
		execErr   *routing.ProviderExecutionError
	)

	status, errType := http.StatusInternalServerError, "api_error"
	details := map[string]interface{}{}

	switch {
	case errors.As(err, &noHealthy):
		status, errType = http.StatusServiceUnavailable, "no_healthy_provider"
		details["provider_health"] = noHealthy.Health
	case errors.As(err, &mismatch):
		status, errType = http.StatusUnprocessableEntity, "preference_mismatch"
		details["eligible"] = mismatch.Eligible
	case errors.As(err, &execErr):
		status, errType = http.StatusBadGateway, "provider_error"
		details["attempts"] = execErr.Attempts
	case errors.Is(err, routing.ErrUnknownStrategy):
		status, errType = http.StatusBadRequest, "invalid_request_error"
	}

	s.logger.WithError(err).WithField("status", status).Warn("Routed execution failed")

	errObj := map[string]interface{}{
		"message": err.Error(),
		"type":    errType,
		"code":    status,
	}
	for k, v := range details {
		errObj[k] = v
	}
	s.writeJSON(w, status, map[string]interface{}{
		"error":            errObj,
		"consensus_status": consensus.StatusFailed,
		"timestamp":        time.Now().Unix(),
	})
}

// handleAnalytics returns aggregated routing history
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Recorder.Analytics())
}

// metricsUpdate is a partial update of a provider's routing metrics
type metricsUpdate struct {
	QualityScore        *float64           `json:"quality_score" validate:"omitempty,gte=0,lte=100"`
	Availability        *float64           `json:"availability" validate:"omitempty,gte=0,lte=100"`
	ConsensusRating     *float64           `json:"consensus_rating" validate:"omitempty,gte=0,lte=100"`
	RegionalPerformance map[string]float64 `json:"regional_performance"`
	InstanceID          string             `json:"instance_id"`
}

func (u metricsUpdate) apply(m types.EnhancedRoutingMetrics) types.EnhancedRoutingMetrics {
	if u.QualityScore != nil {
		m.QualityScore = *u.QualityScore
	}
	if u.Availability != nil {
		m.Availability = *u.Availability
	}
	if u.ConsensusRating != nil {
		m.ConsensusRating = *u.ConsensusRating
	}
	if u.RegionalPerformance != nil {
		m.RegionalPerformance = u.RegionalPerformance
	}
	if u.InstanceID != "" {
		m.InstanceID = u.InstanceID
	}
	return m
}

// handleUpdateMetrics applies an operator update to a provider's routing metrics
func (s *Server) handleUpdateMetrics(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	state, ok := s.deps.Registry.Get(name)
	if !ok {
		s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Provider %s not found", name))
		return
	}

	var update metricsUpdate
	if err := middleware.DecodeJSON(r, &update); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Registry.UpdateMetrics(name, update.apply(state.Metrics)); err != nil {
		if errors.Is(err, registry.ErrUnknownProvider) {
			s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Provider %s not found", name))
			return
		}
		s.writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	updated, _ := s.deps.Registry.Get(name)
	s.logger.WithFields(logrus.Fields{
		"provider":      name,
		"quality_score": updated.Metrics.QualityScore,
		"availability":  updated.Metrics.Availability,
	}).Info("Provider routing metrics updated")

	s.writeJSON(w, http.StatusOK, updated)
}

// handleStream opens an SSE session that carries heartbeats until the client leaves
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sink, err := streaming.NewSSEWriter(w)
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	session, err := s.deps.Streams.Open(r.Context(), streaming.OpenRequest{
		ClientID: clientID(r),
		Provider: r.URL.Query().Get("provider"),
	}, sink)
	if err != nil {
		s.logger.WithError(err).Debug("SSE session failed to open")
		return
	}
	defer session.Close()

	select {
	case <-session.Done():
	case <-r.Context().Done():
	}
}

// handleGenerate streams one generation over a fresh session
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req types.GenerateRequest
	if err := middleware.DecodeJSON(r, &req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	sink, err := streaming.NewSSEWriter(w)
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	session, err := s.deps.Streams.Open(r.Context(), streaming.OpenRequest{
		ClientID: clientID(r),
		Provider: req.Provider,
	}, sink)
	if err != nil {
		s.logger.WithError(err).Debug("SSE session failed to open")
		return
	}
	defer session.Close()

	if err := s.deps.Streams.Generate(r.Context(), session, req); err != nil {
		s.logger.WithError(err).WithField("session_id", session.ID()).Debug("Generation ended with error")
	}
}

// handleProviderStatus returns the full registry snapshot
func (s *Server) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers":       s.deps.Registry.Snapshot(),
		"failovers":       s.deps.Recorder.FailoverStats(),
		"sessions":        s.deps.Streams.Sessions(),
		"active_sessions": s.deps.Streams.ActiveSessions(),
		"timestamp":       time.Now().Unix(),
	})
}

type providerHealth struct {
	Health      types.HealthState `json:"health"`
	LatencyMs   float64           `json:"latency_ms"`
	LastChecked time.Time         `json:"last_checked"`
	LastError   string            `json:"last_error,omitempty"`
	QuotaLeft   float64           `json:"quota_remaining"`
}

// handleProviderHealth returns per-provider health
func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	health := make(map[string]providerHealth)
	for _, state := range s.deps.Registry.Snapshot() {
		health[state.Config.Name] = providerHealth{
			Health:      state.Config.Health,
			LatencyMs:   state.Config.LatencyMs,
			LastChecked: state.Config.LastChecked,
			LastError:   state.Config.LastError,
			QuotaLeft:   state.Config.Quota.Remaining(),
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers":       health,
		"failovers":       s.deps.Recorder.FailoverStats(),
		"sessions":        s.deps.Streams.Sessions(),
		"active_sessions": s.deps.Streams.ActiveSessions(),
		"timestamp":       time.Now().Unix(),
	})
}

// handleHealthCheck returns overall health status
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	providers := make(map[string]types.HealthState)
	healthy := 0
	for _, state := range s.deps.Registry.Snapshot() {
		providers[state.Config.Name] = state.Config.Health
		if state.Config.Health == types.HealthHealthy {
			healthy++
		}
	}

	status, code := "healthy", http.StatusOK
	switch {
	case healthy == 0:
		status, code = "unavailable", http.StatusServiceUnavailable
	case healthy < len(providers):
		status = "degraded"
	}

	response := map[string]interface{}{
		"status":         status,
		"providers":      providers,
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"timestamp":      time.Now().Unix(),
	}
	if s.deps.Streams != nil {
		response["active_sessions"] = s.deps.Streams.ActiveSessions()
	}

	s.writeJSON(w, code, response)
}

// Helper functions

func clientID(r *http.Request) string {
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return id
	}
	return security.ClientIP(r)
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	errType := "api_error"
	if statusCode == http.StatusBadRequest {
		errType = "invalid_request_error"
	}

	s.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errType,
			"code":    statusCode,
		},
		"timestamp": time.Now().Unix(),
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush lets SSE handlers stream through the logging wrapper
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	return h.Hijack()
}
