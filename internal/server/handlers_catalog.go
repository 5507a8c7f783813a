package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/hazardmap/internal/alerts"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/blocks"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/facilities"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type facilityPayload struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Type    string `json:"type"`
}

func (h *httpHandler) handleFacilities(c *gin.Context) {
	if h.facilities == nil {
		unavailable(c, "facilities_disabled")
		return
	}
	facilityType, err := facilities.ParseType(c.Query("type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_type"})
		return
	}
	items, err := h.facilities.List(c.Request.Context(), facilityType)
	if err != nil {
		h.requestLogger(c).Error("failed to list facilities", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	response := make([]facilityPayload, 0, len(items))
	for _, item := range items {
		response = append(response, facilityPayload{ID: item.ID, Name: item.Name, Address: item.Address, Type: string(item.Type)})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleDistricts(c *gin.Context) {
	if h.blocks == nil {
		unavailable(c, "blocks_disabled")
		return
	}
	c.JSON(http.StatusOK, gin.H{"districts": h.blocks.Districts()})
}

func (h *httpHandler) handleBlocks(c *gin.Context) {
	if h.blocks == nil {
		unavailable(c, "blocks_disabled")
		return
	}
	dataset, err := h.blocks.Load(c.Request.Context(), c.Param("gu"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, dataset)
	case errors.Is(err, blocks.ErrUnknownDistrict):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_district"})
	case errors.Is(err, blocks.ErrDatasetUnavailable):
		h.requestLogger(c).Warn("block dataset unavailable", zap.String("district", c.Param("gu")), zap.Error(err))
		unavailable(c, "dataset_unavailable")
	default:
		h.requestLogger(c).Error("failed to load block dataset", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func (h *httpHandler) handleAlerts(c *gin.Context) {
	if h.alerts == nil {
		unavailable(c, "alerts_disabled")
		return
	}
	region := strings.TrimSpace(c.Query("region"))
	if region == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_region"})
		return
	}
	messages, err := h.alerts.Recent(c.Request.Context(), region)
	if err != nil {
		h.writeAlertError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"region": region, "messages": messages})
}

func (h *httpHandler) writeAlertError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, alerts.ErrMissingServiceKey):
		unavailable(c, "alerts_disabled")
	case errors.Is(err, alerts.ErrEmptyRegion):
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_region"})
	default:
		h.requestLogger(c).Warn("alert fetch failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "alerts_unavailable"})
	}
}
