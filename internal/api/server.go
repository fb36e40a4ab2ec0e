// Package api serves the vdilab control surface over HTTP: session
// operations for users, lifecycle callbacks for the provisioning layer and
// the join handshake for instances.
//
// Endpoints:
//   - GET    /healthz
//   - GET    /metrics
//   - POST   /v1/sessions                        - Create a session
//   - GET    /v1/sessions                        - List sessions (owner, project, state filters)
//   - GET    /v1/sessions/{id}                   - Get a session
//   - POST   /v1/sessions/{id}/stop              - Stop a READY session
//   - POST   /v1/sessions/{id}/start             - Start a stopped session
//   - POST   /v1/sessions/{id}/terminate         - Terminate a session
//   - DELETE /v1/sessions/{id}                   - Terminate a session
//   - GET    /v1/sessions/{id}/events            - Session audit events
//   - GET    /v1/sessions/{id}/idle              - Idle monitor samples
//   - POST   /v1/callbacks/sessions/{id}/reachable
//   - POST   /v1/callbacks/sessions/{id}/join-confirmed
//   - POST   /v1/callbacks/sessions/{id}/join-failed
//   - POST   /v1/callbacks/sessions/{id}/boot-confirmed
//   - POST   /v1/callbacks/sessions/{id}/terminated
//   - POST   /v1/provisioning/consume            - Fetch join credentials once
//   - GET    /v1/tasks                           - Directory task queue
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vdilab/vdilab/internal/idle"
	"github.com/vdilab/vdilab/internal/lifecycle"
	"github.com/vdilab/vdilab/internal/models"
)

const (
	maxJSONBytes       = 1 << 20
	defaultEventsLimit = 200
	maxEventsLimit     = 1000
	defaultTasksLimit  = 100
)

var sessionStates = map[models.SessionState]struct{}{
	models.SessionCreating:     {},
	models.SessionProvisioning: {},
	models.SessionInitializing: {},
	models.SessionReady:        {},
	models.SessionResuming:     {},
	models.SessionStopping:     {},
	models.SessionStopped:      {},
	models.SessionStoppedIdle:  {},
	models.SessionDeleting:     {},
	models.SessionDeleted:      {},
	models.SessionError:        {},
}

// Sessions is the lifecycle controller surface the API drives.
type Sessions interface {
	CreateSession(ctx context.Context, spec lifecycle.SessionSpec) (models.Session, error)
	Get(ctx context.Context, id string) (models.Session, error)
	List(ctx context.Context, opts lifecycle.ListOptions) ([]models.Session, error)
	Stop(ctx context.Context, id string, reason models.StopReason, hibernate bool) error
	Start(ctx context.Context, id string) error
	Terminate(ctx context.Context, id string) error
	OnInstanceReachableWithToken(ctx context.Context, id, privateIP, joinToken string) error
	OnJoinConfirmed(ctx context.Context, id, hostname string) error
	OnJoinFailed(ctx context.Context, id, reason string) error
	OnBootConfirmed(ctx context.Context, id string) error
	OnInstanceTerminated(ctx context.Context, id string) error
}

// Journal exposes the audit log and task queue for inspection.
type Journal interface {
	ListEventsBySession(ctx context.Context, sessionID string, limit int) ([]models.Event, error)
	ListTasks(ctx context.Context, status models.TaskStatus, limit int) ([]models.DirectoryTask, error)
	CountTasks(ctx context.Context) (map[models.TaskStatus]int, error)
}

// EntryConsumer hands join credentials to an instance exactly once.
type EntryConsumer interface {
	ConsumeProvisioningEntry(ctx context.Context, token, instanceID string) (models.OneTimeProvisioningEntry, error)
}

// IdleReporter reports idle monitor samples.
type IdleReporter interface {
	Status(id string) (idle.Status, bool)
}

// Server routes HTTP requests to the controller and automation agent.
type Server struct {
	sessions Sessions
	journal  Journal
	entries  EntryConsumer
	idle     IdleReporter
	metrics  http.Handler
	auth     *ControlAuth
	consume  *IPRateLimiter
	logger   *slog.Logger
}

// NewServer builds a server over sessions and journal.
func NewServer(sessions Sessions, journal Journal, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{sessions: sessions, journal: journal, logger: logger.With("component", "api")}
}

// WithEntries enables the join handshake endpoint.
func (s *Server) WithEntries(entries EntryConsumer) *Server {
	s.entries = entries
	return s
}

// WithIdle enables the idle status endpoint.
func (s *Server) WithIdle(reporter IdleReporter) *Server {
	s.idle = reporter
	return s
}

// WithMetrics serves h on /metrics.
func (s *Server) WithMetrics(h http.Handler) *Server {
	s.metrics = h
	return s
}

// WithAuth guards /v1 with auth.
func (s *Server) WithAuth(auth *ControlAuth) *Server {
	s.auth = auth
	return s
}

// WithConsumeRateLimit throttles the join handshake endpoint per source IP.
func (s *Server) WithConsumeRateLimit(l *IPRateLimiter) *Server {
	s.consume = l
	return s
}

// Handler returns the gin engine as an http.Handler.
func (s *Server) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), s.accessLog())
	g.HandleMethodNotAllowed = true
	g.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, errorCodeResourceNotFound, "not found")
	})
	g.NoMethod(func(c *gin.Context) {
		writeError(c, http.StatusMethodNotAllowed, errorCodeValidationBadRequest, "method not allowed")
	})

	g.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, V1OKResponse{OK: true})
	})
	if s.metrics != nil {
		g.GET("/metrics", gin.WrapH(s.metrics))
	}

	v1 := g.Group("/v1", s.auth.Middleware())
	v1.POST("/sessions", s.handleCreateSession)
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.DELETE("/sessions/:id", s.handleTerminate)
	v1.POST("/sessions/:id/stop", s.handleStop)
	v1.POST("/sessions/:id/start", s.handleStart)
	v1.POST("/sessions/:id/terminate", s.handleTerminate)
	v1.GET("/sessions/:id/events", s.handleSessionEvents)
	v1.GET("/sessions/:id/idle", s.handleIdleStatus)

	cb := v1.Group("/callbacks/sessions/:id")
	cb.POST("/reachable", s.handleReachable)
	cb.POST("/join-confirmed", s.handleJoinConfirmed)
	cb.POST("/join-failed", s.handleJoinFailed)
	cb.POST("/boot-confirmed", s.handleBootConfirmed)
	cb.POST("/terminated", s.handleTerminated)

	v1.POST("/provisioning/consume", s.consume.Middleware(), s.handleConsumeEntry)
	v1.GET("/tasks", s.handleListTasks)
	return g
}

// NewHTTPServer wraps h with the daemon's timeouts.
func NewHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      3 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		level := slog.LevelDebug
		if status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration", time.Since(start))
	}
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req V1CreateSessionRequest
	if !decodeJSON(c, &req) {
		return
	}
	session, err := s.sessions.CreateSession(c.Request.Context(), lifecycle.SessionSpec{
		Owner:         req.Owner,
		Project:       req.Project,
		Name:          req.Name,
		SoftwareStack: req.SoftwareStack,
		Hibernate:     req.Hibernate,
		IdleAction:    req.IdleAction,
		Schedule:      req.Schedule,
	})
	if err != nil {
		// A failed launch still allocated a session; report it with the error.
		if session.ID != "" {
			s.logger.Warn("session launch failed", "session_id", session.ID, "err", err)
		}
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sessionToV1(session))
}

func (s *Server) handleListSessions(c *gin.Context) {
	state := models.SessionState(strings.ToUpper(strings.TrimSpace(c.Query("state"))))
	if state != "" {
		if _, ok := sessionStates[state]; !ok {
			writeError(c, http.StatusBadRequest, errorCodeValidationInvalidValue, fmt.Sprintf("unknown state %q", c.Query("state")))
			return
		}
	}
	sessions, err := s.sessions.List(c.Request.Context(), lifecycle.ListOptions{
		Owner:   strings.TrimSpace(c.Query("owner")),
		Project: strings.TrimSpace(c.Query("project")),
		State:   state,
	})
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	resp := V1SessionsResponse{Sessions: make([]V1Session, 0, len(sessions))}
	for _, session := range sessions {
		resp.Sessions = append(resp.Sessions, sessionToV1(session))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetSession(c *gin.Context) {
	s.respondSession(c, c.Param("id"))
}

func (s *Server) handleStop(c *gin.Context) {
	var req V1StopSessionRequest
	if !decodeOptionalJSON(c, &req) {
		return
	}
	id := c.Param("id")
	if err := s.sessions.Stop(c.Request.Context(), id, models.StopReasonUser, req.Hibernate); err != nil {
		s.writeDomainError(c, err)
		return
	}
	s.respondSession(c, id)
}

func (s *Server) handleStart(c *gin.Context) {
	id := c.Param("id")
	if err := s.sessions.Start(c.Request.Context(), id); err != nil {
		s.writeDomainError(c, err)
		return
	}
	s.respondSession(c, id)
}

func (s *Server) handleTerminate(c *gin.Context) {
	id := c.Param("id")
	if err := s.sessions.Terminate(c.Request.Context(), id); err != nil {
		s.writeDomainError(c, err)
		return
	}
	s.respondSession(c, id)
}

func (s *Server) handleSessionEvents(c *gin.Context) {
	id := c.Param("id")
	limit, ok := parseLimit(c, defaultEventsLimit, maxEventsLimit)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := s.sessions.Get(ctx, id); err != nil {
		s.writeDomainError(c, err)
		return
	}
	events, err := s.journal.ListEventsBySession(ctx, id, limit)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	resp := V1EventsResponse{Events: make([]V1Event, 0, len(events))}
	for _, ev := range events {
		resp.Events = append(resp.Events, eventToV1(ev))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleIdleStatus(c *gin.Context) {
	if s.idle == nil {
		writeError(c, http.StatusServiceUnavailable, errorCodeUnavailable, "idle monitor unavailable")
		return
	}
	status, ok := s.idle.Status(c.Param("id"))
	if !ok {
		writeError(c, http.StatusNotFound, errorCodeIdleStatusNotAvailable, "session is not tracked by the idle monitor")
		return
	}
	resp := V1IdleStatus{
		SessionID: status.SessionID,
		Average:   status.Average,
		Samples:   make([]V1Sample, 0, len(status.Samples)),
		IdleSince: formatTime(status.IdleSince),
		IdleFor:   status.IdleFor,
	}
	for _, sample := range status.Samples {
		resp.Samples = append(resp.Samples, V1Sample{At: formatTime(sample.At), CPU: sample.CPU})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleReachable(c *gin.Context) {
	var req V1ReachableRequest
	if !decodeJSON(c, &req) {
		return
	}
	if strings.TrimSpace(req.PrivateIP) == "" {
		writeError(c, http.StatusBadRequest, errorCodeValidationInvalidValue, "private_ip is required")
		return
	}
	s.callback(c, func(ctx context.Context, id string) error {
		return s.sessions.OnInstanceReachableWithToken(ctx, id, strings.TrimSpace(req.PrivateIP), req.JoinToken)
	})
}

func (s *Server) handleJoinConfirmed(c *gin.Context) {
	var req V1JoinConfirmedRequest
	if !decodeJSON(c, &req) {
		return
	}
	if strings.TrimSpace(req.Hostname) == "" {
		writeError(c, http.StatusBadRequest, errorCodeValidationInvalidValue, "hostname is required")
		return
	}
	s.callback(c, func(ctx context.Context, id string) error {
		return s.sessions.OnJoinConfirmed(ctx, id, strings.TrimSpace(req.Hostname))
	})
}

func (s *Server) handleJoinFailed(c *gin.Context) {
	var req V1JoinFailedRequest
	if !decodeJSON(c, &req) {
		return
	}
	s.callback(c, func(ctx context.Context, id string) error {
		return s.sessions.OnJoinFailed(ctx, id, req.Reason)
	})
}

func (s *Server) handleBootConfirmed(c *gin.Context) {
	s.callback(c, s.sessions.OnBootConfirmed)
}

func (s *Server) handleTerminated(c *gin.Context) {
	s.callback(c, s.sessions.OnInstanceTerminated)
}

func (s *Server) callback(c *gin.Context, fn func(ctx context.Context, id string) error) {
	if err := fn(c.Request.Context(), c.Param("id")); err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, V1OKResponse{OK: true})
}

func (s *Server) handleConsumeEntry(c *gin.Context) {
	if s.entries == nil {
		writeError(c, http.StatusServiceUnavailable, errorCodeUnavailable, "directory automation unavailable")
		return
	}
	var req V1ConsumeEntryRequest
	if !decodeJSON(c, &req) {
		return
	}
	entry, err := s.entries.ConsumeProvisioningEntry(c.Request.Context(), strings.TrimSpace(req.Token), strings.TrimSpace(req.InstanceID))
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, V1ProvisioningEntry{
		SessionID:        entry.SessionID,
		Hostname:         entry.Hostname,
		OTP:              entry.OTP,
		DomainController: entry.DomainController,
		ExpiresAt:        formatTime(entry.ExpiresAt),
	})
}

func (s *Server) handleListTasks(c *gin.Context) {
	status := models.TaskStatus(strings.TrimSpace(c.Query("status")))
	switch status {
	case "", models.TaskPending, models.TaskDone, models.TaskDead:
	default:
		writeError(c, http.StatusBadRequest, errorCodeValidationInvalidValue, fmt.Sprintf("unknown status %q", status))
		return
	}
	limit, ok := parseLimit(c, defaultTasksLimit, maxEventsLimit)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	tasks, err := s.journal.ListTasks(ctx, status, limit)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	counts, err := s.journal.CountTasks(ctx)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	resp := V1TasksResponse{Tasks: make([]V1Task, 0, len(tasks)), Counts: make(map[string]int, len(counts))}
	for _, task := range tasks {
		resp.Tasks = append(resp.Tasks, taskToV1(task))
	}
	for st, n := range counts {
		resp.Counts[string(st)] = n
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) respondSession(c *gin.Context, id string) {
	session, err := s.sessions.Get(c.Request.Context(), id)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionToV1(session))
}

func (s *Server) writeDomainError(c *gin.Context, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "err", err)
	}
	writeError(c, status, code, err.Error())
}

func parseLimit(c *gin.Context, def, max int) (int, bool) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(c, http.StatusBadRequest, errorCodeValidationInvalidValue, "limit must be a positive integer")
		return 0, false
	}
	if n > max {
		n = max
	}
	return n, true
}

// decodeJSON reads a single strict JSON object. It writes the error response
// and returns false on failure.
func decodeJSON(c *gin.Context, dest any) bool {
	if err := readJSON(c, dest); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(c, http.StatusBadRequest, errorCodeValidationMalformedJSON, "request body is required")
			return false
		}
		writeError(c, http.StatusBadRequest, errorCodeValidationMalformedJSON, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// decodeOptionalJSON is decodeJSON that accepts an empty body.
func decodeOptionalJSON(c *gin.Context, dest any) bool {
	err := readJSON(c, dest)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(c, http.StatusBadRequest, errorCodeValidationMalformedJSON, "invalid request body: "+err.Error())
	return false
}

func readJSON(c *gin.Context, dest any) error {
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		return io.EOF
	}
	body := http.MaxBytesReader(c.Writer, c.Request.Body, maxJSONBytes)
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func writeError(c *gin.Context, status int, code, msg string) {
	if code == "" {
		code = errorCodeByStatus(status)
	}
	c.JSON(status, V1ErrorResponse{Error: msg, Code: code})
}

func abortError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, V1ErrorResponse{Error: msg, Code: code})
}
