package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"lastmile/internal/domain"
	"lastmile/internal/service"
)

// RiderHandler handles HTTP requests for riders.
type RiderHandler struct {
	riders          *service.RiderDirectory
	resolver        *service.AssignmentResolver
	deliveryService *service.DeliveryService
}

// NewRiderHandler creates a new RiderHandler.
func NewRiderHandler(
	riders *service.RiderDirectory,
	resolver *service.AssignmentResolver,
	deliveryService *service.DeliveryService,
) *RiderHandler {
	return &RiderHandler{
		riders:          riders,
		resolver:        resolver,
		deliveryService: deliveryService,
	}
}

// RegisterRiderRequest is the HTTP request body for registering a rider.
type RegisterRiderRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// RiderResponse is the HTTP response for a rider.
type RiderResponse struct {
	ID               string `json:"id"`
	Name             string `json:"name,omitempty"`
	Availability     string `json:"availability"`
	ActiveDeliveryID string `json:"active_delivery_id,omitempty"`
}

// RegisterRider handles POST /v1/riders
func (h *RiderHandler) RegisterRider(c *gin.Context) {
	var req RegisterRiderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: CodeInvalidRequest})
		return
	}

	id, err := h.riders.Register(req.ID, req.Name)
	if err != nil {
		respondError(c, err)
		return
	}

	rider, err := h.resolver.Rider(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusCreated, toRiderResponse(rider))
}

// GetRider handles GET /v1/riders/:id
func (h *RiderHandler) GetRider(c *gin.Context) {
	rider, err := h.resolver.Rider(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, toRiderResponse(rider))
}

// ListRiderDeliveries handles GET /v1/riders/:id/deliveries
func (h *RiderHandler) ListRiderDeliveries(c *gin.Context) {
	riderID := c.Param("id")
	if riderID == "" {
		respondError(c, service.ErrInvalidRiderID)
		return
	}

	ds, err := h.deliveryService.List(c.Request.Context(), domain.DeliveryStatus(c.Query("status")), riderID)
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, ListDeliveriesResponse{Deliveries: toDeliveryResponses(ds), Count: len(ds)})
}

func toRiderResponse(r domain.Rider) RiderResponse {
	return RiderResponse{
		ID:               r.ID,
		Name:             r.Name,
		Availability:     string(r.Availability),
		ActiveDeliveryID: r.ActiveDeliveryID,
	}
}
