package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"propagator/internal/core/apperror"
	"propagator/internal/domain/batch"
	"propagator/internal/infrastructure/http/v1/dto"
	"propagator/internal/infrastructure/http/v1/middleware"
	"propagator/internal/propagation"
)

// BatchHandler handles HTTP requests for statement batches.
type BatchHandler struct {
	*BaseHandler
	service *batch.Service
}

// NewBatchHandler creates a new batch handler.
func NewBatchHandler(base *BaseHandler, service *batch.Service) *BatchHandler {
	return &BatchHandler{
		BaseHandler: base,
		service:     service,
	}
}

// Execute runs a batch.
// POST /v1/batches?propagation=requires_new
func (h *BatchHandler) Execute(c *gin.Context) {
	var req dto.ExecuteBatchRequest
	if !h.BindJSON(c, &req) {
		return
	}

	mode := middleware.GetPropagationMode(c)
	if mode == 0 {
		mode = h.service.DefaultMode()
	}

	report, err := h.service.Execute(c.Request.Context(), req.ToBatch(mode))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.OK(c, dto.FromReport(report))
}

// Audit returns the audit trail of a batch.
// GET /v1/batches/:id/audit
func (h *BatchHandler) Audit(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.HandleError(c, apperror.NewValidation("invalid batch id").WithDetail("id", c.Param("id")))
		return
	}

	limit := h.ParseIntQuery(c, "limit", batch.DefaultHistoryLimit)
	entries, err := h.service.History(c.Request.Context(), id, limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.OK(c, dto.NewListResponse(dto.FromAuditEntries(entries)))
}

// Modes lists the propagation modes and the ambient statuses each accepts.
// GET /v1/propagation/modes
func (h *BatchHandler) Modes(c *gin.Context) {
	modes := propagation.Modes()
	out := make([]dto.ModeResponse, len(modes))
	for i, m := range modes {
		out[i] = dto.ModeResponse{Name: m.String()}
		for _, s := range propagation.Precondition(m) {
			out[i].Requires = append(out[i].Requires, s.String())
		}
	}
	h.OK(c, dto.NewListResponse(out))
}
