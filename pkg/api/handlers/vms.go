package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mhrivnak/vmorch/pkg/database/models"
	"github.com/mhrivnak/vmorch/pkg/services"
)

// VMHandler handles VM endpoints, power operations included
type VMHandler struct {
	vms    services.VMServiceInterface
	logger *slog.Logger
}

// NewVMHandler creates a new VM handler
func NewVMHandler(vms services.VMServiceInterface, logger *slog.Logger) *VMHandler {
	return &VMHandler{
		vms:    vms,
		logger: logger,
	}
}

// VMListResponse wraps the VM listing
type VMListResponse struct {
	VMs []models.VM `json:"vms"`
}

// List handles GET /api/vms
func (h *VMHandler) List(c *gin.Context) {
	vms, err := h.vms.List(c.Request.Context(), c.Query("sort"))
	if err != nil {
		sendServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, VMListResponse{VMs: vms})
}

// Get handles GET /api/vms/:id
func (h *VMHandler) Get(c *gin.Context) {
	vm, err := h.vms.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, vm)
}

// Create handles POST /api/vms
func (h *VMHandler) Create(c *gin.Context) {
	var req services.CreateVMRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendBindError(c, err)
		return
	}

	vm, err := h.vms.Create(c.Request.Context(), req)
	if err != nil {
		sendServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, vm)
}

// Update handles PUT /api/vms/:id. Omitted fields are left unchanged.
func (h *VMHandler) Update(c *gin.Context) {
	var req services.UpdateVMRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendBindError(c, err)
		return
	}

	vm, err := h.vms.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		sendServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, vm)
}

// Delete handles DELETE /api/vms/:id
func (h *VMHandler) Delete(c *gin.Context) {
	if err := h.vms.Delete(c.Request.Context(), c.Param("id")); err != nil {
		sendServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Start handles POST /api/vms/:id/start
func (h *VMHandler) Start(c *gin.Context) {
	vm, err := h.vms.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, vm)
}

// Stop handles POST /api/vms/:id/stop
func (h *VMHandler) Stop(c *gin.Context) {
	vm, err := h.vms.Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, vm)
}
