package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mamadbah2/farmsync/internal/domain/models"
	"github.com/mamadbah2/farmsync/internal/repository/sqlite"
	"github.com/mamadbah2/farmsync/internal/service/lineage"
	"github.com/mamadbah2/farmsync/internal/service/syncer"
	"github.com/mamadbah2/farmsync/internal/service/telemetry"
)

// Store is the slice of the local store the HTTP layer reads and writes
// directly.
type Store interface {
	CreateFlock(ctx context.Context, f *models.Flock) error
	UpdateFlock(ctx context.Context, f *models.Flock) error
	DeleteFlock(ctx context.Context, id string) error
	GetFlock(ctx context.Context, id string) (*models.Flock, error)
	ListFlocks(ctx context.Context, ownerID string) ([]models.Flock, error)

	CreateHealthRecord(ctx context.Context, h *models.HealthRecord) error
	ListHealthRecords(ctx context.Context, flockID string, kind models.HealthKind) ([]models.HealthRecord, error)
	UpdateHealthRecord(ctx context.Context, h *models.HealthRecord) error
	DeleteHealthRecord(ctx context.Context, id string) error
	CreateProductionRecord(ctx context.Context, p *models.ProductionRecord) error
	ListProductionRecords(ctx context.Context, flockID string, from, to time.Time) ([]models.ProductionRecord, error)
	UpdateProductionRecord(ctx context.Context, p *models.ProductionRecord) error
	DeleteProductionRecord(ctx context.Context, id string) error

	UpsertDeviceConfig(ctx context.Context, d *models.DeviceConfig) error
	GetDeviceConfig(ctx context.Context, deviceID string) (*models.DeviceConfig, error)
	ListDeviceConfigs(ctx context.Context) ([]models.DeviceConfig, error)

	ListAlerts(ctx context.Context, f models.AlertFilter) ([]models.AlertInfo, error)
	GetAlert(ctx context.Context, id string) (*models.AlertInfo, error)
	Subscribe(tables ...string) *sqlite.Subscription
}

var _ Store = (*sqlite.Store)(nil)

// Lineage serves the family tree endpoints.
type Lineage interface {
	AddParent(ctx context.Context, childID, parentID string, kind models.ParentKind, policy lineage.Policy) (*models.LineageLink, error)
	RemoveParent(ctx context.Context, childID string, kind models.ParentKind) error
	GetAncestors(ctx context.Context, flockID string, maxDepth int) (*lineage.AncestorNode, error)
	GetDescendants(ctx context.Context, flockID string) ([]models.Flock, error)
}

// Telemetry ingests samples and serves history.
type Telemetry interface {
	Ingest(ctx context.Context, r models.SensorReading) (*telemetry.Result, error)
	History(ctx context.Context, deviceID string, kinds []models.SensorKind, from, to time.Time) ([]models.SensorReading, error)
	ExportHistory(ctx context.Context, exporter telemetry.Exporter, deviceID string, kinds []models.SensorKind, from, to time.Time) (int, error)
}

// Alerts evaluates flock events and acknowledges alerts.
type Alerts interface {
	EvaluateHealth(ctx context.Context, h models.HealthRecord) ([]models.AlertInfo, error)
	Acknowledge(ctx context.Context, alertID string) (*models.AlertInfo, error)
}

// Sync triggers synchronization on demand.
type Sync interface {
	Pending(ctx context.Context) (map[models.EntityType]int, error)
	Drain(ctx context.Context) (syncer.DrainReport, error)
	Pull(ctx context.Context) (syncer.PullReport, error)
}

// Deps groups the services behind the HTTP surface. Sync and Exporter may
// be nil.
type Deps struct {
	Store     Store
	Lineage   Lineage
	Telemetry Telemetry
	Alerts    Alerts
	Sync      Sync
	Exporter  telemetry.Exporter
}

// Handler adapts the services to gin.
type Handler struct {
	Deps
	logger *zap.Logger
}

// New constructs the HTTP handler adapter.
func New(deps Deps, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Deps: deps, logger: logger}
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// respondError maps user-facing error categories to status codes; anything
// else is logged and reported as a 500 without detail.
func (h *Handler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrCycle), errors.Is(err, models.ErrParentExists), errors.Is(err, syncer.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, models.ErrReferentialIntegrity):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// queryTime parses an optional RFC 3339 query parameter.
func queryTime(c *gin.Context, key string) (time.Time, bool) {
	raw := c.Query(key)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		badRequest(c, key+" must be an RFC 3339 timestamp")
		return time.Time{}, false
	}
	return t.UTC(), true
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(c *gin.Context, key string) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		badRequest(c, key+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func parseOptionalTime(raw *string) (time.Time, error) {
	if raw == nil || *raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
