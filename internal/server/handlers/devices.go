package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mamadbah2/farmsync/internal/domain/models"
	"github.com/mamadbah2/farmsync/internal/service/telemetry"
)

type readingRequest struct {
	DeviceID  string   `json:"device_id" binding:"required"`
	Value     *float64 `json:"value" binding:"required"`
	Unit      string   `json:"unit"`
	Timestamp *string  `json:"timestamp"`
}

// IngestReading handles POST /readings/:kind.
func (h *Handler) IngestReading(c *gin.Context) {
	var req readingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "device_id and value are required")
		return
	}
	at, err := parseOptionalTime(req.Timestamp)
	if err != nil {
		badRequest(c, "timestamp must be an RFC 3339 timestamp")
		return
	}
	res, err := h.Telemetry.Ingest(c.Request.Context(), models.SensorReading{
		Kind:      models.SensorKind(c.Param("kind")),
		DeviceID:  req.DeviceID,
		Value:     *req.Value,
		Unit:      req.Unit,
		Timestamp: at,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) parseHistory(c *gin.Context) ([]models.SensorKind, bool) {
	kinds, err := telemetry.ParseKinds(c.Query("kinds"))
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}
	return kinds, true
}

// History handles GET /devices/:id/history?kinds=&from=&to=&format=csv.
func (h *Handler) History(c *gin.Context) {
	kinds, ok := h.parseHistory(c)
	if !ok {
		return
	}
	from, ok := queryTime(c, "from")
	if !ok {
		return
	}
	to, ok := queryTime(c, "to")
	if !ok {
		return
	}
	deviceID := c.Param("id")
	readings, err := h.Telemetry.History(c.Request.Context(), deviceID, kinds, from, to)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if strings.EqualFold(c.Query("format"), "csv") {
		c.Header("Content-Type", "text/csv; charset=utf-8")
		c.Header("Content-Disposition", `attachment; filename="`+deviceID+`-history.csv"`)
		c.Status(http.StatusOK)
		if err := telemetry.WriteCSV(c.Writer, readings); err != nil {
			h.logger.Warn("csv history write failed", zap.String("device_id", deviceID), zap.Error(err))
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"device_id": deviceID, "readings": readings})
}

// ExportHistory handles POST /devices/:id/history/export with the same
// query parameters as History.
func (h *Handler) ExportHistory(c *gin.Context) {
	if h.Exporter == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history export is not configured"})
		return
	}
	kinds, ok := h.parseHistory(c)
	if !ok {
		return
	}
	from, ok := queryTime(c, "from")
	if !ok {
		return
	}
	to, ok := queryTime(c, "to")
	if !ok {
		return
	}
	n, err := h.Telemetry.ExportHistory(c.Request.Context(), h.Exporter, c.Param("id"), kinds, from, to)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exported": n})
}

type deviceConfigRequest struct {
	DisplayName              string            `json:"display_name"`
	Location                 string            `json:"location"`
	ReportingIntervalSeconds int64             `json:"reporting_interval_seconds"`
	CustomSettings           map[string]string `json:"custom_settings"`
}

// PutDeviceConfig handles PUT /devices/:id/config.
func (h *Handler) PutDeviceConfig(c *gin.Context) {
	var req deviceConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	cfg := models.DeviceConfig{
		DeviceID:                 c.Param("id"),
		DisplayName:              req.DisplayName,
		Location:                 req.Location,
		ReportingIntervalSeconds: req.ReportingIntervalSeconds,
		CustomSettings:           req.CustomSettings,
	}
	if err := h.Store.UpsertDeviceConfig(c.Request.Context(), &cfg); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// GetDeviceConfig handles GET /devices/:id/config.
func (h *Handler) GetDeviceConfig(c *gin.Context) {
	cfg, err := h.Store.GetDeviceConfig(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// ListDevices handles GET /devices.
func (h *Handler) ListDevices(c *gin.Context) {
	devices, err := h.Store.ListDeviceConfigs(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}
