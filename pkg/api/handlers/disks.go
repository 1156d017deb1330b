package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mhrivnak/vmorch/pkg/database/models"
	"github.com/mhrivnak/vmorch/pkg/services"
)

// DiskHandler handles disk registry endpoints
type DiskHandler struct {
	disks  services.DiskServiceInterface
	logger *slog.Logger
}

// NewDiskHandler creates a new disk handler
func NewDiskHandler(disks services.DiskServiceInterface, logger *slog.Logger) *DiskHandler {
	return &DiskHandler{
		disks:  disks,
		logger: logger,
	}
}

// DiskListResponse wraps the disk listing
type DiskListResponse struct {
	Disks []models.Disk `json:"disks"`
}

// List handles GET /api/disks
func (h *DiskHandler) List(c *gin.Context) {
	disks, err := h.disks.ListDisks(c.Request.Context(), c.Query("sort"))
	if err != nil {
		sendServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, DiskListResponse{Disks: disks})
}

// Get handles GET /api/disks/:id
func (h *DiskHandler) Get(c *gin.Context) {
	disk, err := h.disks.GetDisk(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, disk)
}

// Create handles POST /api/disks
func (h *DiskHandler) Create(c *gin.Context) {
	var req services.CreateDiskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendBindError(c, err)
		return
	}

	disk, err := h.disks.CreateDisk(c.Request.Context(), req)
	if err != nil {
		sendServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, disk)
}

// Update handles PATCH /api/disks/:id
func (h *DiskHandler) Update(c *gin.Context) {
	var req services.EditDiskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendBindError(c, err)
		return
	}

	disk, err := h.disks.EditDisk(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		sendServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, disk)
}

// Delete handles DELETE /api/disks/:id
func (h *DiskHandler) Delete(c *gin.Context) {
	if err := h.disks.DeleteDisk(c.Request.Context(), c.Param("id")); err != nil {
		sendServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
