package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/model-hopper/api"
	"github.com/tributary-ai/model-hopper/internal/middleware"
	"github.com/tributary-ai/model-hopper/internal/providers"
	"github.com/tributary-ai/model-hopper/internal/routing"
	"github.com/tributary-ai/model-hopper/internal/types"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// OptionsFunc returns the current base routing options (priority order and
// threshold). It is called once per request so reloads take effect.
type OptionsFunc func() routing.RoutingOptions

// ReloadFunc re-reads configuration and rebuilds the provider pool
type ReloadFunc func(ctx context.Context) error

// Server represents the HTTP server
type Server struct {
	router             *routing.Router
	options            OptionsFunc
	reload             ReloadFunc
	httpServer         *http.Server
	logger             *logrus.Logger
	config             *ServerConfig
	securityMiddleware *middleware.SecurityMiddleware
	validator          *middleware.ValidationMiddleware

	mu             sync.RWMutex
	override       types.ProviderID
	activeProvider types.ProviderID
	activeModel    string
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           string                               `yaml:"port"`
	ReadTimeout    time.Duration                        `yaml:"read_timeout"`
	WriteTimeout   time.Duration                        `yaml:"write_timeout"`
	MaxHeaderBytes int                                  `yaml:"max_header_bytes"`
	Security       *middleware.SecurityMiddlewareConfig `yaml:"security"`
	Validation     *middleware.ValidationConfig         `yaml:"validation"`
}

// NewServer creates a new server instance. The manual override starts as the
// one carried by options and is then owned by the server.
func NewServer(router *routing.Router, config *ServerConfig, options OptionsFunc, logger *logrus.Logger) (*Server, error) {
	server := &Server{
		router:   router,
		options:  options,
		logger:   logger,
		config:   config,
		override: options().ManualOverride,
	}

	if config.Security != nil {
		server.securityMiddleware = middleware.NewSecurityMiddleware(config.Security, logger)
	}

	validator, err := middleware.NewValidationMiddleware(config.Validation, api.OpenAPISpec, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize validation middleware: %w", err)
	}
	server.validator = validator

	return server, nil
}

// SetReloadFunc installs the hook behind POST /v1/reload
func (s *Server) SetReloadFunc(fn ReloadFunc) {
	s.reload = fn
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.Handler(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting Model Hopper server")
	return s.httpServer.ListenAndServe()
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping Model Hopper server")

	if s.securityMiddleware != nil {
		s.securityMiddleware.Stop()
	}

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the fully wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.setupRoutes()

	// wrapped outside the mux so preflight and unmatched routes are covered
	if s.securityMiddleware != nil {
		handler = s.securityMiddleware.Handler()(handler)
		handler = s.securityMiddleware.CORSMiddleware()(handler)
	}
	handler = s.loggingMiddleware(handler)
	handler = s.requestIDMiddleware(handler)

	return handler
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	r.Use(s.contentTypeMiddleware)
	r.Use(s.validator.Middleware)

	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/prompt", s.handlePrompt).Methods("POST")

	v1.HandleFunc("/providers", s.handleListProviders).Methods("GET")
	v1.HandleFunc("/providers/{id}", s.handleGetProvider).Methods("GET")
	v1.HandleFunc("/quota", s.handleQuota).Methods("GET")

	v1.HandleFunc("/override", s.handleGetOverride).Methods("GET")
	v1.HandleFunc("/override", s.handleSetOverride).Methods("PUT")
	v1.HandleFunc("/override", s.handleClearOverride).Methods("DELETE")

	v1.HandleFunc("/reload", s.handleReload).Methods("POST")

	r.HandleFunc("/health", s.handleHealthCheck).Methods("GET")

	s.setupSwaggerRoutes(r)

	return r
}

// Middleware

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// capture the status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"request_id":  requestIDFrom(r.Context()),
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"user_agent":  r.UserAgent(),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" || r.Method == "PUT" {
			if contentType := r.Header.Get("Content-Type"); contentType != "" {
				mediaType, _, err := mime.ParseMediaType(contentType)
				if err != nil || mediaType != "application/json" {
					s.writeErrorResponse(w, http.StatusUnsupportedMediaType, "invalid_request_error", "Content-Type must be application/json")
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Handlers

type promptRequest struct {
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Override    string   `json:"override,omitempty"`
}

type switchEvent struct {
	From types.ProviderID `json:"from"`
	To   types.ProviderID `json:"to"`
}

type promptResponse struct {
	ID       string           `json:"id"`
	Text     string           `json:"text"`
	Provider types.ProviderID `json:"provider"`
	Model    string           `json:"model,omitempty"`
	Switches []switchEvent    `json:"switches"`
}

// handlePrompt routes a prompt through the failover walk
func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	opts := s.routingOptions()
	if req.Override != "" {
		id, err := types.ParseProviderID(req.Override)
		if err != nil {
			s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}
		opts.ManualOverride = id
	}

	requestID := requestIDFrom(r.Context())
	switches := make([]switchEvent, 0)
	opts.OnAutoSwitch = func(from, to types.ProviderID) {
		switches = append(switches, switchEvent{From: from, To: to})
		s.logger.WithFields(logrus.Fields{
			"request_id": requestID,
			"from":       from,
			"to":         to,
		}).Warnf("Auto-switched from %s to %s.", from, to)
	}

	resp, err := s.router.RouteRequest(r.Context(), &types.AIRequest{
		Prompt:      req.Prompt,
		Model:       req.Model,
		Temperature: req.Temperature,
	}, opts)
	if err != nil {
		if errors.Is(err, types.ErrEmptyPrompt) {
			s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}
		s.logger.WithError(err).WithField("request_id", requestID).Error("Request failed")
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "routing_error", err.Error())
		return
	}

	s.mu.Lock()
	s.activeProvider = resp.Provider
	s.activeModel = resp.Model
	s.mu.Unlock()

	s.writeJSON(w, http.StatusOK, promptResponse{
		ID:       "prompt-" + requestID,
		Text:     resp.Text,
		Provider: resp.Provider,
		Model:    resp.Model,
		Switches: switches,
	})
}

type providerStatus struct {
	ID          types.ProviderID  `json:"id"`
	DisplayName string            `json:"display_name"`
	Configured  bool              `json:"configured"`
	Quota       *types.QuotaState `json:"quota"`
	Summary     string            `json:"summary"`
	Detail      string            `json:"detail"`
}

type providerListResponse struct {
	PriorityOrder  []types.ProviderID `json:"priority_order"`
	ManualOverride types.ProviderID   `json:"manual_override"`
	Providers      []providerStatus   `json:"providers"`
}

// handleListProviders lists all registered providers with routing context
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	opts := s.routingOptions()

	s.writeJSON(w, http.StatusOK, providerListResponse{
		PriorityOrder:  opts.PriorityOrder,
		ManualOverride: opts.ManualOverride,
		Providers:      s.providerStatuses(),
	})
}

// handleGetProvider gets information about a specific provider
func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	id := types.ProviderID(mux.Vars(r)["id"])

	provider, exists := s.router.GetProvider(id)
	if !exists {
		s.writeErrorResponse(w, http.StatusNotFound, "not_found_error", fmt.Sprintf("Provider %s not found", id))
		return
	}

	s.writeJSON(w, http.StatusOK, statusFor(provider))
}

// handleQuota returns the quota view: one line per provider
func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.providerStatuses())
}

type overrideRequest struct {
	Provider string `json:"provider"`
}

type overrideResponse struct {
	Provider types.ProviderID `json:"provider"`
}

func (s *Server) handleGetOverride(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	override := s.override
	s.mu.RUnlock()

	s.writeJSON(w, http.StatusOK, overrideResponse{Provider: override})
}

func (s *Server) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	id, err := types.ParseProviderID(req.Provider)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	s.mu.Lock()
	s.override = id
	s.mu.Unlock()

	s.logger.WithField("provider", id).Infof("Manual override set to %s.", id)
	s.writeJSON(w, http.StatusOK, overrideResponse{Provider: id})
}

func (s *Server) handleClearOverride(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.override = ""
	s.mu.Unlock()

	s.logger.Info("Manual override cleared.")
	w.WriteHeader(http.StatusNoContent)
}

// handleReload rebuilds the provider pool from configuration
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		s.writeErrorResponse(w, http.StatusNotImplemented, "api_error", "Reload is not available")
		return
	}

	if err := s.reload(r.Context()); err != nil {
		s.logger.WithError(err).Error("Reload failed")
		s.writeErrorResponse(w, http.StatusInternalServerError, "api_error", fmt.Sprintf("Reload failed: %v", err))
		return
	}

	s.logger.WithField("providers", len(s.router.ListProviders())).Info("Configuration reloaded")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "reloaded",
		"providers": s.router.ListProviders(),
	})
}

// handleHealthCheck reports degraded when no provider is configured
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	registered := s.router.Providers()
	configured := 0
	for _, provider := range registered {
		if provider.IsConfigured() {
			configured++
		}
	}

	s.mu.RLock()
	active := s.activeProvider
	activeModel := s.activeModel
	s.mu.RUnlock()

	status := "healthy"
	statusCode := http.StatusOK
	if configured == 0 {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	response := map[string]interface{}{
		"status":               status,
		"providers":            len(registered),
		"configured_providers": configured,
		"active_provider":      active,
		"active_model":         activeModel,
		"timestamp":            time.Now().Unix(),
	}
	if s.securityMiddleware != nil {
		response["security"] = s.securityMiddleware.GetStats()
	}

	s.writeJSON(w, statusCode, response)
}

// Helper functions

// routingOptions merges the base options with the server-owned override
func (s *Server) routingOptions() routing.RoutingOptions {
	opts := s.options()

	s.mu.RLock()
	opts.ManualOverride = s.override
	s.mu.RUnlock()

	return opts
}

func (s *Server) providerStatuses() []providerStatus {
	registered := s.router.Providers()
	statuses := make([]providerStatus, 0, len(registered))
	for _, provider := range registered {
		statuses = append(statuses, statusFor(provider))
	}
	return statuses
}

func statusFor(provider providers.Provider) providerStatus {
	configured := provider.IsConfigured()
	state := provider.GetQuotaState()

	return providerStatus{
		ID:          provider.ID(),
		DisplayName: provider.DisplayName(),
		Configured:  configured,
		Quota:       state,
		Summary:     QuotaSummary(configured, state),
		Detail:      QuotaDetail(configured, state),
	}
}

// QuotaSummary renders the one-line quota label for a provider
func QuotaSummary(configured bool, state *types.QuotaState) string {
	if !configured {
		return "Not configured"
	}

	summary := "Unknown"
	if state != nil {
		summary = fmt.Sprintf("%g%% used", state.UsedPercent)
		if state.AuthFailed {
			summary += " | Auth failed"
		}
	}
	return summary
}

// QuotaDetail renders the longer explanation shown next to the summary
func QuotaDetail(configured bool, state *types.QuotaState) string {
	switch {
	case !configured:
		return "API key is not configured."
	case state != nil && state.LastError != "":
		return "Last error: " + state.LastError
	case state != nil && state.ResetAt != nil:
		return "Resets at " + state.ResetAt.Local().Format(time.Kitchen)
	default:
		return "No recent requests."
	}
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, errType, message string) {
	s.writeJSON(w, statusCode, types.ErrorResponse{
		Error: types.ErrorDetail{
			Message: message,
			Type:    errType,
			Code:    statusCode,
		},
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
