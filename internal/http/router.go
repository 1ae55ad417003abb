// Package httpx exposes the deployment queue REST API.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/martocorp/deployment-queue-api/internal/domain"
	"github.com/martocorp/deployment-queue-api/internal/repository"
	"github.com/martocorp/deployment-queue-api/internal/service/auth"
	"github.com/martocorp/deployment-queue-api/internal/service/deployment"
	"github.com/martocorp/deployment-queue-api/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	auth        *auth.Service
	deployments *deployment.Service
	hub         *ws.Hub
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	dbHealth    func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	deploymentsCreated *prometheus.CounterVec
	deploymentsUpdated *prometheus.CounterVec
	deploymentsSkipped *prometheus.CounterVec
	rollbacks          *prometheus.CounterVec
	authRequests       *prometheus.CounterVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitWrite     = 120
	rateLimitRead      = 300
	rateLimitStream    = 30
	healthCheckTimeout = 2 * time.Second

	sseHeartbeatInterval = 15 * time.Second
)

// Endpoint labels kept to a fixed set so metric cardinality stays bounded.
const (
	endpointDeployments   = "/v1/deployments"
	endpointDeploymentID  = "/v1/deployments/{id}"
	endpointRollback      = "/v1/deployments/{id}/rollback"
	endpointCurrent       = "/v1/deployments/current"
	endpointCurrentStatus = "/v1/deployments/current/status"
	endpointHistory       = "/v1/deployments/history"
	endpointEvents        = "/v1/deployments/events"
	endpointHealth        = "/health"
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc *auth.Service, deploySvc *deployment.Service, hub *ws.Hub, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger,
		auth:        authSvc,
		deployments: deploySvc,
		hub:         hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	if authSvc != nil {
		authSvc.OnAuth(r.recordAuthAttempt)
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/health", r.observe(r.handleHealth))
	r.mux.HandleFunc("/v1/deployments", r.observe(r.handlerAuthRate(endpointDeployments, rateLimitWrite, rateWindowDefault, r.handleDeployments)))
	r.mux.HandleFunc("/v1/deployments/", r.observe(r.handleDeploymentSubroutes))
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/v1/deployments/")
	parts := strings.Split(trimmed, "/")
	switch {
	case len(parts) == 1 && parts[0] == "current":
		r.handlerAuthRate(endpointCurrent, rateLimitRead, rateWindowDefault, r.handleCurrent)(w, req)
	case len(parts) == 2 && parts[0] == "current" && parts[1] == "status":
		r.handlerAuthRate(endpointCurrentStatus, rateLimitWrite, rateWindowDefault, r.handleCurrentStatus)(w, req)
	case len(parts) == 1 && parts[0] == "history":
		r.handlerAuthRate(endpointHistory, rateLimitRead, rateWindowDefault, r.handleHistory)(w, req)
	case len(parts) == 1 && parts[0] == "events":
		r.handlerAuthRate(endpointEvents, rateLimitStream, rateWindowRealtime, r.handleEvents)(w, req)
	case len(parts) == 1 && parts[0] != "":
		id := parts[0]
		r.handlerAuthRate(endpointDeploymentID, rateLimitWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleDeploymentByID(w, req, id)
		})(w, req)
	case len(parts) == 2 && parts[0] != "" && parts[1] == "rollback":
		id := parts[0]
		r.handlerAuthRate(endpointRollback, rateLimitWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleRollback(w, req, id)
		})(w, req)
	default:
		r.notFound(w)
	}
}

type createRequest struct {
	Name                string  `json:"name"`
	Version             string  `json:"version"`
	CommitSHA           string  `json:"commit_sha"`
	PipelineExtraParams string  `json:"pipeline_extra_params"`
	Provider            string  `json:"provider"`
	CloudAccountID      string  `json:"cloud_account_id"`
	Region              string  `json:"region"`
	Environment         string  `json:"environment"`
	Cell                *string `json:"cell"`
	Type                string  `json:"type"`
	Auto                bool    `json:"auto"`
	Description         string  `json:"description"`
	Notes               string  `json:"notes"`
	BuildURI            string  `json:"build_uri"`
	DeploymentURI       string  `json:"deployment_uri"`
	Resource            string  `json:"resource"`
}

type updateRequest struct {
	Status        *string `json:"status"`
	Notes         *string `json:"notes"`
	DeploymentURI *string `json:"deployment_uri"`
}

func (u updateRequest) toInput() deployment.UpdateInput {
	in := deployment.UpdateInput{
		Notes:         u.Notes,
		DeploymentURI: u.DeploymentURI,
	}
	if u.Status != nil {
		status := domain.Status(*u.Status)
		in.Status = &status
	}
	return in
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	identity, ok := identityFromContext(req.Context())
	if !ok {
		r.missingIdentity(w, req)
		return
	}
	switch req.Method {
	case http.MethodPost:
		var payload createRequest
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := r.deployments.Create(req.Context(), identity, deployment.CreateInput{
			Name:                payload.Name,
			Version:             payload.Version,
			CommitSHA:           payload.CommitSHA,
			PipelineExtraParams: payload.PipelineExtraParams,
			Provider:            domain.Provider(payload.Provider),
			CloudAccountID:      payload.CloudAccountID,
			Region:              payload.Region,
			Environment:         payload.Environment,
			Cell:                payload.Cell,
			Type:                domain.DeploymentType(payload.Type),
			Auto:                payload.Auto,
			Description:         payload.Description,
			Notes:               payload.Notes,
			BuildURI:            payload.BuildURI,
			DeploymentURI:       payload.DeploymentURI,
			Resource:            payload.Resource,
		})
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		r.recordCreated(created.Organisation, string(created.Provider), string(created.Trigger))
		writeJSON(w, http.StatusCreated, created)
	case http.MethodGet:
		query := req.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		records, err := r.deployments.List(req.Context(), identity.Organisation, repository.Filter{
			Status:         domain.Status(query.Get("status")),
			Name:           query.Get("name"),
			Provider:       domain.Provider(query.Get("provider")),
			CloudAccountID: query.Get("cloud_account_id"),
			Region:         query.Get("region"),
			Cell:           query.Get("cell"),
			Trigger:        domain.Trigger(query.Get("trigger")),
			Limit:          limit,
		})
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"deployments": records,
			"count":       len(records),
		})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeploymentByID(w http.ResponseWriter, req *http.Request, id string) {
	identity, ok := identityFromContext(req.Context())
	if !ok {
		r.missingIdentity(w, req)
		return
	}
	switch req.Method {
	case http.MethodGet:
		record, err := r.deployments.Get(req.Context(), identity.Organisation, id)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	case http.MethodPatch:
		var payload updateRequest
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		updated, skipped, err := r.deployments.Update(req.Context(), identity.Organisation, id, payload.toInput())
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		if payload.Status != nil {
			r.recordUpdated(updated.Organisation, string(updated.Status))
		}
		r.recordSkipped(updated.Organisation, skipped)
		writeJSON(w, http.StatusOK, map[string]any{
			"deployment":    updated,
			"skipped_count": skipped,
		})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleRollback(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	identity, ok := identityFromContext(req.Context())
	if !ok {
		r.missingIdentity(w, req)
		return
	}
	rollback, err := r.deployments.Rollback(req.Context(), identity.Organisation, id, identity)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	r.recordRollback(rollback.Organisation, string(rollback.Provider))
	r.recordCreated(rollback.Organisation, string(rollback.Provider), string(rollback.Trigger))
	writeJSON(w, http.StatusCreated, rollback)
}

func taxonomyQueryFromRequest(req *http.Request) deployment.TaxonomyQuery {
	query := req.URL.Query()
	q := deployment.TaxonomyQuery{
		Name:           query.Get("name"),
		Provider:       domain.Provider(query.Get("provider")),
		CloudAccountID: query.Get("cloud_account_id"),
		Region:         query.Get("region"),
	}
	if query.Has("cell") {
		cell := query.Get("cell")
		q.Cell = &cell
	}
	return q
}

func (r *Router) handleCurrent(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	identity, ok := identityFromContext(req.Context())
	if !ok {
		r.missingIdentity(w, req)
		return
	}
	record, err := r.deployments.Current(req.Context(), identity.Organisation, taxonomyQueryFromRequest(req))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (r *Router) handleCurrentStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPatch {
		r.methodNotAllowed(w)
		return
	}
	identity, ok := identityFromContext(req.Context())
	if !ok {
		r.missingIdentity(w, req)
		return
	}
	var payload updateRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	updated, skipped, err := r.deployments.UpdateCurrent(req.Context(), identity.Organisation, taxonomyQueryFromRequest(req), payload.toInput())
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if payload.Status != nil {
		r.recordUpdated(updated.Organisation, string(updated.Status))
	}
	r.recordSkipped(updated.Organisation, skipped)
	writeJSON(w, http.StatusOK, map[string]any{
		"deployment":    updated,
		"skipped_count": skipped,
	})
}

func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	identity, ok := identityFromContext(req.Context())
	if !ok {
		r.missingIdentity(w, req)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	records, err := r.deployments.History(req.Context(), identity.Organisation, taxonomyQueryFromRequest(req), limit)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deployments": records,
		"count":       len(records),
	})
}

// handleEvents streams lifecycle events for the caller's organisation. A
// websocket upgrade is preferred; plain HTTP callers get Server-Sent Events.
func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	identity, ok := identityFromContext(req.Context())
	if !ok {
		r.missingIdentity(w, req)
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusNotImplemented, "event stream not enabled")
		return
	}
	if websocket.IsWebSocketUpgrade(req) {
		r.serveEventsWS(w, req, identity.Organisation)
		return
	}
	r.serveEventsSSE(w, req, identity.Organisation)
}

func (r *Router) serveEventsWS(w http.ResponseWriter, req *http.Request, organisation string) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(organisation, client)
	go func() {
		defer func() {
			r.hub.Unregister(organisation, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) serveEventsSSE(w http.ResponseWriter, req *http.Request, organisation string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(organisation, client)
	defer func() {
		r.hub.Unregister(organisation, client)
		client.Close()
	}()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-heartbeat.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "healthy"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// observe wraps a handler with request logging and metrics.
func (r *Router) observe(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		endpoint := routeLabel(req.URL.Path)
		r.recordRequestMetrics(req.Method, endpoint, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if identity, ok := identityFromContext(ctx); ok {
			fields = append(fields,
				"organisation", identity.Organisation,
				"auth_source", identity.Source,
			)
			if identity.Actor != "" {
				fields = append(fields, "actor", identity.Actor)
			}
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

// routeLabel collapses concrete paths onto the fixed endpoint set.
func routeLabel(path string) string {
	if path == endpointHealth || path == endpointDeployments {
		return path
	}
	trimmed := strings.TrimPrefix(path, "/v1/deployments/")
	if trimmed == path {
		return "other"
	}
	parts := strings.Split(trimmed, "/")
	switch {
	case len(parts) == 1 && parts[0] == "current":
		return endpointCurrent
	case len(parts) == 2 && parts[0] == "current" && parts[1] == "status":
		return endpointCurrentStatus
	case len(parts) == 1 && parts[0] == "history":
		return endpointHistory
	case len(parts) == 1 && parts[0] == "events":
		return endpointEvents
	case len(parts) == 2 && parts[1] == "rollback":
		return endpointRollback
	case len(parts) == 1 && parts[0] != "":
		return endpointDeploymentID
	}
	return "other"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) missingIdentity(w http.ResponseWriter, req *http.Request) {
	r.logger.Error("identity missing from request context", "path", req.URL.Path)
	writeError(w, http.StatusInternalServerError, "authorization context missing")
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
