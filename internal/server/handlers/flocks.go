package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mamadbah2/farmsync/internal/domain/models"
	"github.com/mamadbah2/farmsync/internal/service/lineage"
)

type flockRequest struct {
	OwnerID   string  `json:"owner_id"`
	FatherID  *string `json:"father_id"`
	MotherID  *string `json:"mother_id"`
	Type      string  `json:"type"`
	Name      string  `json:"name"`
	Breed     string  `json:"breed"`
	Weight    float64 `json:"weight"`
	Certified bool    `json:"certified"`
	Verified  bool    `json:"verified"`
}

func (r flockRequest) toModel() models.Flock {
	return models.Flock{
		OwnerID:   r.OwnerID,
		FatherID:  r.FatherID,
		MotherID:  r.MotherID,
		Type:      r.Type,
		Name:      r.Name,
		Breed:     r.Breed,
		Weight:    r.Weight,
		Certified: r.Certified,
		Verified:  r.Verified,
	}
}

// CreateFlock handles POST /flocks.
func (h *Handler) CreateFlock(c *gin.Context) {
	var req flockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	f := req.toModel()
	if err := h.Store.CreateFlock(c.Request.Context(), &f); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, f)
}

// ListFlocks handles GET /flocks?owner_id=.
func (h *Handler) ListFlocks(c *gin.Context) {
	flocks, err := h.Store.ListFlocks(c.Request.Context(), c.Query("owner_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flocks": flocks})
}

// GetFlock handles GET /flocks/:id.
func (h *Handler) GetFlock(c *gin.Context) {
	f, err := h.Store.GetFlock(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

// UpdateFlock handles PUT /flocks/:id. Parents are changed through the
// parents endpoints, not here.
func (h *Handler) UpdateFlock(c *gin.Context) {
	var req flockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	f := req.toModel()
	f.ID = c.Param("id")
	if err := h.Store.UpdateFlock(c.Request.Context(), &f); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

// DeleteFlock handles DELETE /flocks/:id.
func (h *Handler) DeleteFlock(c *gin.Context) {
	if err := h.Store.DeleteFlock(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type parentRequest struct {
	ParentID string `json:"parent_id" binding:"required"`
	Kind     string `json:"kind" binding:"required"`
	Policy   string `json:"policy"`
}

// AddParent handles POST /flocks/:id/parents.
func (h *Handler) AddParent(c *gin.Context) {
	var req parentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "parent_id and kind are required")
		return
	}
	policy, err := lineage.ParsePolicy(req.Policy)
	if err != nil {
		h.respondError(c, err)
		return
	}
	kind := models.ParentKind(strings.ToUpper(req.Kind))
	link, err := h.Lineage.AddParent(c.Request.Context(), c.Param("id"), req.ParentID, kind, policy)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, link)
}

// RemoveParent handles DELETE /flocks/:id/parents/:kind.
func (h *Handler) RemoveParent(c *gin.Context) {
	kind := models.ParentKind(strings.ToUpper(c.Param("kind")))
	if !kind.Valid() {
		badRequest(c, "kind must be FATHER or MOTHER")
		return
	}
	if err := h.Lineage.RemoveParent(c.Request.Context(), c.Param("id"), kind); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Ancestors handles GET /flocks/:id/ancestors?depth=.
func (h *Handler) Ancestors(c *gin.Context) {
	depth, ok := queryInt(c, "depth")
	if !ok {
		return
	}
	tree, err := h.Lineage.GetAncestors(c.Request.Context(), c.Param("id"), depth)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tree)
}

// Descendants handles GET /flocks/:id/descendants.
func (h *Handler) Descendants(c *gin.Context) {
	flocks, err := h.Lineage.GetDescendants(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flocks": flocks})
}

type healthRequest struct {
	FlockID    string            `json:"flock_id"`
	Kind       models.HealthKind `json:"kind"`
	RecordedAt *string           `json:"recorded_at"`
	Notes      string            `json:"notes"`
	Count      *int              `json:"count"`
	Cause      *string           `json:"cause"`
	Vaccine    *string           `json:"vaccine"`
	Dose       *string           `json:"dose"`
	NextDueAt  *string           `json:"next_due_at"`
	Diagnosis  *string           `json:"diagnosis"`
	Severity   *string           `json:"severity"`
}

// bindHealth reads a health record body. It writes the 400 response itself
// and reports false when the body is unusable.
func bindHealth(c *gin.Context) (models.HealthRecord, bool) {
	var req healthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return models.HealthRecord{}, false
	}
	rec := models.HealthRecord{
		FlockID:   req.FlockID,
		Kind:      models.HealthKind(strings.ToUpper(string(req.Kind))),
		Notes:     req.Notes,
		Count:     req.Count,
		Cause:     req.Cause,
		Vaccine:   req.Vaccine,
		Dose:      req.Dose,
		Diagnosis: req.Diagnosis,
		Severity:  req.Severity,
	}
	var err error
	if rec.RecordedAt, err = parseOptionalTime(req.RecordedAt); err != nil {
		badRequest(c, "recorded_at must be an RFC 3339 timestamp")
		return rec, false
	}
	if req.NextDueAt != nil {
		due, err := parseOptionalTime(req.NextDueAt)
		if err != nil {
			badRequest(c, "next_due_at must be an RFC 3339 timestamp")
			return rec, false
		}
		rec.NextDueAt = &due
	}
	return rec, true
}

// CreateHealthRecord handles POST /flocks/:id/health and evaluates the
// flock's alert conditions for the new record.
func (h *Handler) CreateHealthRecord(c *gin.Context) {
	rec, ok := bindHealth(c)
	if !ok {
		return
	}
	rec.FlockID = c.Param("id")

	if err := h.Store.CreateHealthRecord(c.Request.Context(), &rec); err != nil {
		h.respondError(c, err)
		return
	}
	alerts := h.evaluateHealth(c, rec)
	c.JSON(http.StatusCreated, gin.H{"record": rec, "alerts": alerts})
}

// UpdateHealthRecord handles PUT /health/:id. The body replaces the record
// and must name its flock.
func (h *Handler) UpdateHealthRecord(c *gin.Context) {
	rec, ok := bindHealth(c)
	if !ok {
		return
	}
	rec.ID = c.Param("id")

	if err := h.Store.UpdateHealthRecord(c.Request.Context(), &rec); err != nil {
		h.respondError(c, err)
		return
	}
	alerts := h.evaluateHealth(c, rec)
	c.JSON(http.StatusOK, gin.H{"record": rec, "alerts": alerts})
}

func (h *Handler) evaluateHealth(c *gin.Context, rec models.HealthRecord) []models.AlertInfo {
	alerts, err := h.Alerts.EvaluateHealth(c.Request.Context(), rec)
	if err != nil {
		h.logger.Warn("health alert evaluation failed", zap.String("record_id", rec.ID), zap.Error(err))
	}
	return alerts
}

// ListHealthRecords handles GET /flocks/:id/health?kind=.
func (h *Handler) ListHealthRecords(c *gin.Context) {
	kind := models.HealthKind(strings.ToUpper(c.Query("kind")))
	records, err := h.Store.ListHealthRecords(c.Request.Context(), c.Param("id"), kind)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// DeleteHealthRecord handles DELETE /health/:id.
func (h *Handler) DeleteHealthRecord(c *gin.Context) {
	if err := h.Store.DeleteHealthRecord(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type productionRequest struct {
	FlockID    string  `json:"flock_id"`
	RecordedAt *string `json:"recorded_at"`
	Eggs       int     `json:"eggs"`
	FeedKg     float64 `json:"feed_kg"`
	AvgWeight  float64 `json:"avg_weight"`
	Notes      string  `json:"notes"`
}

func bindProduction(c *gin.Context) (models.ProductionRecord, bool) {
	var req productionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return models.ProductionRecord{}, false
	}
	at, err := parseOptionalTime(req.RecordedAt)
	if err != nil {
		badRequest(c, "recorded_at must be an RFC 3339 timestamp")
		return models.ProductionRecord{}, false
	}
	return models.ProductionRecord{
		FlockID:    req.FlockID,
		RecordedAt: at,
		Eggs:       req.Eggs,
		FeedKg:     req.FeedKg,
		AvgWeight:  req.AvgWeight,
		Notes:      req.Notes,
	}, true
}

// CreateProductionRecord handles POST /flocks/:id/production.
func (h *Handler) CreateProductionRecord(c *gin.Context) {
	rec, ok := bindProduction(c)
	if !ok {
		return
	}
	rec.FlockID = c.Param("id")
	if err := h.Store.CreateProductionRecord(c.Request.Context(), &rec); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// UpdateProductionRecord handles PUT /production/:id.
func (h *Handler) UpdateProductionRecord(c *gin.Context) {
	rec, ok := bindProduction(c)
	if !ok {
		return
	}
	rec.ID = c.Param("id")
	if err := h.Store.UpdateProductionRecord(c.Request.Context(), &rec); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ListProductionRecords handles GET /flocks/:id/production?from=&to=.
func (h *Handler) ListProductionRecords(c *gin.Context) {
	from, ok := queryTime(c, "from")
	if !ok {
		return
	}
	to, ok := queryTime(c, "to")
	if !ok {
		return
	}
	records, err := h.Store.ListProductionRecords(c.Request.Context(), c.Param("id"), from, to)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// DeleteProductionRecord handles DELETE /production/:id.
func (h *Handler) DeleteProductionRecord(c *gin.Context) {
	if err := h.Store.DeleteProductionRecord(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
