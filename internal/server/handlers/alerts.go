package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mamadbah2/farmsync/internal/domain/models"
	"github.com/mamadbah2/farmsync/internal/repository/sqlite"
)

// streamHeartbeat keeps idle alert streams alive through proxies.
const streamHeartbeat = 20 * time.Second

// ListAlerts handles GET /alerts?device_id=&flock_id=&active=&since=&limit=.
func (h *Handler) ListAlerts(c *gin.Context) {
	since, ok := queryTime(c, "since")
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	active := false
	if raw := c.Query("active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, "active must be a boolean")
			return
		}
		active = v
	}

	alerts, err := h.Store.ListAlerts(c.Request.Context(), models.AlertFilter{
		DeviceID:   c.Query("device_id"),
		FlockID:    c.Query("flock_id"),
		ActiveOnly: active,
		Since:      since,
		Limit:      limit,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

// AcknowledgeAlert handles POST /alerts/:id/ack.
func (h *Handler) AcknowledgeAlert(c *gin.Context) {
	alert, err := h.Alerts.Acknowledge(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

// AlertStream handles GET /alerts/stream. Every alert committed after the
// client connects is sent as a server-sent event named after the change
// ("create", "update" or "delete").
func (h *Handler) AlertStream(c *gin.Context) {
	sub := h.Store.Subscribe(string(models.EntityAlert))
	defer sub.Close()

	ctx := c.Request.Context()
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			return true
		case change, ok := <-sub.C:
			if !ok {
				return false
			}
			if change.Op == sqlite.OpDelete {
				c.SSEvent(string(change.Op), gin.H{"id": change.ID})
				return true
			}
			alert, err := h.Store.GetAlert(ctx, change.ID)
			if err != nil {
				if !errors.Is(err, models.ErrNotFound) {
					h.logger.Warn("alert stream lookup failed", zap.String("alert_id", change.ID), zap.Error(err))
				}
				return true
			}
			c.SSEvent(string(change.Op), alert)
			return true
		}
	})
}

// SyncStatus handles GET /sync/status.
func (h *Handler) SyncStatus(c *gin.Context) {
	if !h.syncEnabled(c) {
		return
	}
	pending, err := h.Sync.Pending(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending})
}

// SyncPush handles POST /sync/push.
func (h *Handler) SyncPush(c *gin.Context) {
	if !h.syncEnabled(c) {
		return
	}
	report, err := h.Sync.Drain(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// SyncPull handles POST /sync/pull.
func (h *Handler) SyncPull(c *gin.Context) {
	if !h.syncEnabled(c) {
		return
	}
	report, err := h.Sync.Pull(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) syncEnabled(c *gin.Context) bool {
	if h.Sync == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync backend is disabled"})
		return false
	}
	return true
}
