package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/hazardmap/internal/addresses"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type addressRequestPayload struct {
	Address string `json:"address"`
	Memo    string `json:"memo"`
	Cause   string `json:"cause"`
}

type addressPayload struct {
	ID        int64  `json:"id"`
	Address   string `json:"address"`
	Memo      string `json:"memo"`
	Cause     string `json:"cause,omitempty"`
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	CreatedAt string `json:"created_at"`
}

func newAddressPayload(entry addresses.Entry) addressPayload {
	return addressPayload{
		ID:        entry.ID,
		Address:   entry.Address.Address,
		Memo:      entry.Memo,
		Cause:     entry.Cause,
		UserID:    entry.UserID,
		Username:  entry.Username,
		CreatedAt: entry.CreatedAt.Format(addresses.TimestampLayout),
	}
}

func (h *httpHandler) listAddresses(kind addresses.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := addresses.Filter{Kinds: []addresses.Kind{kind}}
		if kind == addresses.KindUser {
			filter.UserID = c.GetInt64(userIDContextKey)
		}
		entries, err := h.addresses.List(c.Request.Context(), filter)
		if err != nil {
			h.writeAddressError(c, err)
			return
		}
		response := make([]addressPayload, 0, len(entries))
		for _, entry := range entries {
			response = append(response, newAddressPayload(entry))
		}
		c.JSON(http.StatusOK, response)
	}
}

func (h *httpHandler) createAddress(kind addresses.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request addressRequestPayload
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		userID := c.GetInt64(userIDContextKey)
		entry, err := h.addresses.Create(c.Request.Context(), kind, userID, draftFrom(request))
		if err != nil {
			h.writeAddressError(c, err)
			return
		}
		h.publish(kind, ChangeActionCreated, entry.ID, userID)
		c.JSON(http.StatusOK, newAddressPayload(entry))
	}
}

func (h *httpHandler) updateAddress(kind addresses.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := addressIDParam(c)
		if !ok {
			return
		}
		var request addressRequestPayload
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		userID := c.GetInt64(userIDContextKey)
		entry, err := h.addresses.Update(c.Request.Context(), kind, id, userID, draftFrom(request))
		if err != nil {
			h.writeAddressError(c, err)
			return
		}
		h.publish(kind, ChangeActionUpdated, entry.ID, userID)
		c.JSON(http.StatusOK, newAddressPayload(entry))
	}
}

func (h *httpHandler) deleteAddress(kind addresses.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := addressIDParam(c)
		if !ok {
			return
		}
		userID := c.GetInt64(userIDContextKey)
		if err := h.addresses.Delete(c.Request.Context(), kind, id, userID); err != nil {
			h.writeAddressError(c, err)
			return
		}
		h.publish(kind, ChangeActionDeleted, id, userID)
		c.JSON(http.StatusOK, gin.H{"message": "deleted", "id": id})
	}
}

func draftFrom(request addressRequestPayload) addresses.Draft {
	return addresses.Draft{Address: request.Address, Memo: request.Memo, Cause: request.Cause}
}

func addressIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address_id"})
		return 0, false
	}
	return id, true
}

func (h *httpHandler) writeAddressError(c *gin.Context, err error) {
	body := gin.H{}
	var serviceErr *addresses.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, addresses.ErrInvalidAddress),
		errors.Is(err, addresses.ErrInvalidMemo),
		errors.Is(err, addresses.ErrInvalidKind),
		errors.Is(err, addresses.ErrInvalidOwner):
		status = http.StatusBadRequest
		body["error"] = "invalid_request"
		body["detail"] = err.Error()
	case errors.Is(err, addresses.ErrNotFound):
		status = http.StatusNotFound
		body["error"] = "not_found"
		body["detail"] = "주소를 찾을 수 없습니다."
	case errors.Is(err, addresses.ErrForbidden):
		status = http.StatusForbidden
		body["error"] = "forbidden"
	default:
		h.requestLogger(c).Error("address operation failed", zap.Error(err))
		body["error"] = "internal_error"
	}
	c.JSON(status, body)
}
