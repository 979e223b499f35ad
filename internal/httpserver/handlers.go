package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/finvault/notifier/internal/notification"
	"github.com/finvault/notifier/internal/preferences"
	"github.com/finvault/notifier/internal/telemetry"
)

// handleRoute injects one notification request directly, bypassing the
// event bus. Used by internal tools and runbooks.
func (s *Server) handleRoute(c *gin.Context) {
	var req notification.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.deps.Router.Route(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, notification.ErrUnknownKind) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleManualRetry(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid record id"})
		return
	}

	if err := s.deps.Retry.ManualRetry(c.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, notification.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, notification.ErrNotRetryable):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "retry dispatched"})
}

func (s *Server) handleMarkRead(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid record id"})
		return
	}

	var body struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rows, err := s.deps.History.MarkRead(c.Request.Context(), body.UserID, id, time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rows == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found or already read"})
		return
	}

	if s.deps.Audit != nil {
		event := notification.AuditEvent{
			Type:           notification.AuditRead,
			NotificationID: id,
			UserID:         body.UserID,
			CorrelationID:  telemetry.GetCorrelationID(c.Request.Context()),
			OccurredAt:     time.Now(),
		}
		if err := s.deps.Audit.Publish(c.Request.Context(), event); err != nil {
			telemetry.LogFromContext(c.Request.Context()).WithError(err).Warn("failed to publish read audit event")
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "read"})
}

func (s *Server) handleHistory(c *gin.Context) {
	userID := c.Param("userId")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	records, err := s.deps.History.ListByUser(c.Request.Context(), userID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

func (s *Server) handleGetPreferences(c *gin.Context) {
	prefs, err := s.deps.Preferences.GetOrCreate(c.Request.Context(), c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, prefs)
}

func (s *Server) handleUpdatePreferences(c *gin.Context) {
	userID := c.Param("userId")

	current, err := s.deps.Preferences.GetOrCreate(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var update struct {
		Channels      map[notification.Channel]bool                   `json:"channels"`
		KindOverrides map[notification.Kind]notification.KindOverride `json:"kind_overrides"`
		QuietHours    *notification.QuietHours                        `json:"quiet_hours"`
		DoNotContact  *notification.DoNotContact                      `json:"do_not_contact"`
		Digest        *notification.DigestSettings                    `json:"digest"`
	}
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if update.Channels != nil {
		current.Channels = update.Channels
	}
	if update.KindOverrides != nil {
		current.KindOverrides = update.KindOverrides
	}
	if update.QuietHours != nil {
		current.QuietHours = *update.QuietHours
	}
	if update.DoNotContact != nil {
		current.DoNotContact = *update.DoNotContact
	}
	if update.Digest != nil {
		current.Digest = *update.Digest
	}

	if err := s.deps.Preferences.Update(c.Request.Context(), current); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, current)
}

func (s *Server) handleRegisterDevice(c *gin.Context) {
	userID := c.Param("userId")

	var device notification.Device
	if err := c.ShouldBindJSON(&device); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if device.Token == "" || device.Platform == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token and platform are required"})
		return
	}
	if device.ID == "" {
		device.ID = uuid.New().String()
	}

	if err := s.deps.Preferences.RegisterDevice(c.Request.Context(), userID, device); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"device_id": device.ID})
}

func (s *Server) handleRemoveDevice(c *gin.Context) {
	err := s.deps.Preferences.RemoveDevice(c.Request.Context(), c.Param("userId"), c.Param("deviceId"))
	if err != nil {
		if errors.Is(err, preferences.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleResetBudget clears a user's rate counters. Channel query param
// narrows the reset; omitted means all channels.
func (s *Server) handleResetBudget(c *gin.Context) {
	channel := notification.Channel(c.Query("channel"))

	if err := s.deps.Budget.ResetBudget(c.Request.Context(), c.Param("userId"), channel); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "budget reset"})
}

func (s *Server) handleForceDigest(c *gin.Context) {
	if err := s.deps.Digest.ForceDigest(c.Request.Context(), c.Param("userId")); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "digest flushed"})
}

func (s *Server) handleDLQList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	filter := notification.DLQFilter{
		UserID:       c.Query("user_id"),
		Channel:      notification.Channel(c.Query("channel")),
		ReviewStatus: notification.ReviewStatus(c.Query("review_status")),
		Limit:        limit,
	}

	records, err := s.deps.DLQ.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

func (s *Server) handleDLQStats(c *gin.Context) {
	stats, err := s.deps.DLQ.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleDLQGet(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dlq record id"})
		return
	}

	rec, err := s.deps.DLQ.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, notification.ErrDLQNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDLQClaim(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dlq record id"})
		return
	}

	var body struct {
		ResolverID string `json:"resolver_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.deps.DLQ.Claim(c.Request.Context(), id, body.ResolverID); err != nil {
		if errors.Is(err, notification.ErrDLQNotFound) {
			c.JSON(http.StatusConflict, gin.H{"error": "record not found or already claimed"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "claimed"})
}

func (s *Server) handleDLQClose(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dlq record id"})
		return
	}

	var body struct {
		Status     notification.ReviewStatus `json:"status" binding:"required"`
		ResolverID string                    `json:"resolver_id" binding:"required"`
		Notes      string                    `json:"notes"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.deps.DLQ.Close(c.Request.Context(), id, body.Status, body.ResolverID, body.Notes); err != nil {
		if errors.Is(err, notification.ErrDLQNotFound) {
			c.JSON(http.StatusConflict, gin.H{"error": "record not found or already closed"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(body.Status)})
}
