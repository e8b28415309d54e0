package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/hotspot-billing/hotspot-billing/internal/service/activation"
	"github.com/hotspot-billing/hotspot-billing/internal/storage"
	"github.com/hotspot-billing/hotspot-billing/pkg/models"
)

// Request/Response types

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services,omitempty"`
}

// ReadyResponse is the readiness check response
type ReadyResponse struct {
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
}

// CreateSessionResponse carries the router credentials. The password is only
// returned when the session is first created.
type CreateSessionResponse struct {
	Session  models.Session `json:"session"`
	Password string         `json:"password,omitempty"`
	Existing bool           `json:"existing,omitempty"`
}

// DisableSessionResponse reports the session after an administrative disable
type DisableSessionResponse struct {
	Session models.Session `json:"session"`
	Changed bool           `json:"changed"`
}

// ListPlansQuery defines query parameters for listing plans
type ListPlansQuery struct {
	Kind string `form:"kind" binding:"omitempty,oneof=time data unlimited"`
}

// UsageAlertsQuery selects the device whose alerts are returned
type UsageAlertsQuery struct {
	MAC string `form:"mac" binding:"required,mac"`
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: s.now(),
		Services:  make(map[string]string),
	}

	if s.db != nil {
		if err := s.db.PingContext(c.Request.Context()); err != nil {
			s.logger.Error("database health check failed", slog.String("error", err.Error()))
			response.Status = "degraded"
			response.Services["database"] = "unavailable"
		} else {
			response.Services["database"] = "ok"
		}
	}

	if !s.ready.Load() {
		response.Status = "unavailable"
		response.Services["ready"] = "false"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	response.Services["ready"] = "true"
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleReady(c *gin.Context) {
	response := ReadyResponse{
		Ready:     s.ready.Load(),
		Timestamp: s.now(),
	}

	if !response.Ready {
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleListPlans(c *gin.Context) {
	var query ListPlansQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		s.abort(c, http.StatusBadRequest, bindingError(err))
		return
	}

	plans, err := s.plans.ListActive(c.Request.Context(), models.PlanKind(query.Kind))
	if err != nil {
		s.internalError(c, "failed to list plans", err)
		return
	}
	if plans == nil {
		plans = []*models.Plan{}
	}

	c.JSON(http.StatusOK, gin.H{
		"plans": plans,
		"count": len(plans),
	})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	ctx := c.Request.Context()

	var req models.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abort(c, http.StatusBadRequest, bindingError(err))
		return
	}

	username, password, err := models.NewRouterIdentity(req.PhoneNumber)
	if err != nil {
		s.abort(c, http.StatusBadRequest, err.Error())
		return
	}

	now := s.now().UTC()
	session := &models.Session{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		PhoneNumber: req.PhoneNumber,
		MACAddress:  req.MACAddress,
		Status:      models.StatusPending,
		Username:    username,
		Password:    password,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.sessions.Create(ctx, session)
	if errors.Is(err, storage.ErrAlreadyExists) {
		// One session per phone number; later purchases renew it
		existing, getErr := s.sessions.GetByUsername(ctx, username)
		if getErr != nil {
			s.internalError(c, "failed to create session", getErr)
			return
		}
		c.JSON(http.StatusOK, CreateSessionResponse{Session: *existing, Existing: true})
		return
	}
	if err != nil {
		s.internalError(c, "failed to create session", err)
		return
	}

	s.logger.Info("session created",
		slog.String("session_id", session.ID),
		slog.String("username", session.Username))

	c.JSON(http.StatusCreated, CreateSessionResponse{Session: *session, Password: password})
}

func (s *Server) handleGetSession(c *gin.Context) {
	session, err := s.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.lookupError(c, "failed to get session", err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleGetUsage(c *gin.Context) {
	summary, err := s.usage.Summary(c.Request.Context(), c.Param("id"), s.now())
	if err != nil {
		s.lookupError(c, "failed to get usage", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleDisableSession(c *gin.Context) {
	session, changed, err := s.usage.Disable(c.Request.Context(), c.Param("id"), s.now(), models.CauseAdministrative)
	if err != nil {
		s.lookupError(c, "failed to disable session", err)
		return
	}
	c.JSON(http.StatusOK, DisableSessionResponse{Session: *session, Changed: changed})
}

func (s *Server) handleUsageAlerts(c *gin.Context) {
	var query UsageAlertsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		s.abort(c, http.StatusBadRequest, bindingError(err))
		return
	}

	alerts, err := s.usage.AlertsForMAC(c.Request.Context(), query.MAC, s.now())
	if err != nil {
		s.internalError(c, "failed to get usage alerts", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"mac_address": query.MAC,
		"alerts":      alerts,
		"count":       len(alerts),
	})
}

func (s *Server) handleListCommands(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")

	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		s.lookupError(c, "failed to get session", err)
		return
	}

	cmds, err := s.commands.ListBySession(ctx, sessionID)
	if err != nil {
		s.internalError(c, "failed to list commands", err)
		return
	}
	if cmds == nil {
		cmds = []*models.EnforcementCommand{}
	}

	c.JSON(http.StatusOK, gin.H{
		"commands": cmds,
		"count":    len(cmds),
	})
}

func (s *Server) handleCreatePayment(c *gin.Context) {
	var req models.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abort(c, http.StatusBadRequest, bindingError(err))
		return
	}

	txn, err := s.payments.BeginPayment(c.Request.Context(), req)
	if err != nil {
		var unavailable *activation.PlanUnavailableError
		if errors.As(err, &unavailable) {
			s.abort(c, http.StatusConflict, err.Error())
			return
		}
		s.lookupError(c, "failed to start payment", err)
		return
	}
	c.JSON(http.StatusCreated, txn)
}

func (s *Server) handleGetPayment(c *gin.Context) {
	txn, err := s.payments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.lookupError(c, "failed to get payment", err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (s *Server) handleMarkProcessing(c *gin.Context) {
	var req models.MarkProcessingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abort(c, http.StatusBadRequest, bindingError(err))
		return
	}

	txn, err := s.payments.MarkProcessing(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			s.abort(c, http.StatusConflict, err.Error())
			return
		}
		s.lookupError(c, "failed to update payment", err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

// handlePaymentCallback acknowledges processed and duplicate deliveries with
// 200. Unknown checkouts and store failures get a status the gateway retries on.
func (s *Server) handlePaymentCallback(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		s.rejectCallback(c, http.StatusBadRequest, "unreadable body")
		return
	}

	var envelope models.STKCallbackEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		s.rejectCallback(c, http.StatusBadRequest, "invalid JSON")
		return
	}

	outcome, err := s.payments.HandleCallback(c.Request.Context(), envelope.Body.STKCallback, string(raw))
	s.answerCallback(c, outcome, err)
}

func (s *Server) handlePaymentTimeout(c *gin.Context) {
	var note models.TimeoutNotification
	if err := c.ShouldBindJSON(&note); err != nil {
		s.rejectCallback(c, http.StatusBadRequest, "invalid JSON")
		return
	}

	outcome, err := s.payments.HandleTimeout(c.Request.Context(), note.CheckoutRequestID)
	s.answerCallback(c, outcome, err)
}

func (s *Server) answerCallback(c *gin.Context, outcome *activation.Outcome, err error) {
	switch {
	case errors.Is(err, activation.ErrMalformedCallback):
		s.rejectCallback(c, http.StatusBadRequest, "malformed callback")
		return
	case errors.Is(err, activation.ErrTransactionNotFound):
		s.rejectCallback(c, http.StatusNotFound, "unknown checkout request")
		return
	case err != nil:
		s.logger.Error("payment callback failed",
			slog.String("error", err.Error()),
			slog.String("request_id", c.GetString("request_id")))
		s.rejectCallback(c, http.StatusInternalServerError, "temporarily unavailable")
		return
	}

	s.logger.Info("payment callback handled",
		slog.String("outcome", string(outcome.Kind)),
		slog.String("transaction_id", outcome.Transaction.ID))
	c.JSON(http.StatusOK, models.CallbackAck{ResultCode: 0, ResultDesc: "Accepted"})
}

func (s *Server) rejectCallback(c *gin.Context, status int, desc string) {
	c.JSON(status, models.CallbackAck{ResultCode: 1, ResultDesc: desc})
}

// lookupError maps storage.ErrNotFound to 404 and everything else to 500
func (s *Server) lookupError(c *gin.Context, msg string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		s.abort(c, http.StatusNotFound, err.Error())
		return
	}
	s.internalError(c, msg, err)
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	s.logger.Error(msg,
		slog.String("error", err.Error()),
		slog.String("request_id", c.GetString("request_id")))
	s.abort(c, http.StatusInternalServerError, msg)
}

func (s *Server) abort(c *gin.Context, status int, msg string) {
	c.JSON(status, ErrorResponse{
		Error:     msg,
		RequestID: c.GetString("request_id"),
	})
}
