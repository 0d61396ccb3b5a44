package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"lastmile/internal/domain"
	"lastmile/internal/service"
)

// DeliveryHandler handles HTTP requests for deliveries.
type DeliveryHandler struct {
	deliveryService *service.DeliveryService
	resolver        *service.AssignmentResolver
}

// NewDeliveryHandler creates a new DeliveryHandler.
func NewDeliveryHandler(deliveryService *service.DeliveryService, resolver *service.AssignmentResolver) *DeliveryHandler {
	return &DeliveryHandler{
		deliveryService: deliveryService,
		resolver:        resolver,
	}
}

// CreateDeliveryRequest is the HTTP request body for creating a delivery.
type CreateDeliveryRequest struct {
	Pickup             string  `json:"pickup"`
	Dropoff            string  `json:"dropoff"`
	PackageSize        string  `json:"package_size,omitempty"` // small, medium, large
	PackageDescription string  `json:"package_description,omitempty"`
	ReceiverName       string  `json:"receiver_name,omitempty"`
	ReceiverPhone      string  `json:"receiver_phone,omitempty"`
	DeliveryFee        float64 `json:"delivery_fee"`
	PaymentStatus      string  `json:"payment_status,omitempty"`
}

// AcceptDeliveryRequest is the HTTP request body for a rider accepting a delivery.
type AcceptDeliveryRequest struct {
	RiderID string `json:"rider_id"`
}

// RecordPaymentRequest is the HTTP request body for settling a payment.
type RecordPaymentRequest struct {
	PaymentStatus string `json:"payment_status"`
}

// ListDeliveriesResponse wraps a list of deliveries.
type ListDeliveriesResponse struct {
	Deliveries []DeliveryResponse `json:"deliveries"`
	Count      int                `json:"count"`
}

// CreateDelivery handles POST /v1/deliveries
func (h *DeliveryHandler) CreateDelivery(c *gin.Context) {
	var req CreateDeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: CodeInvalidRequest})
		return
	}

	d, err := h.deliveryService.Create(c.Request.Context(), service.CreateDeliveryRequest{
		Pickup:             req.Pickup,
		Dropoff:            req.Dropoff,
		PackageSize:        domain.PackageSize(req.PackageSize),
		PackageDescription: req.PackageDescription,
		ReceiverName:       req.ReceiverName,
		ReceiverPhone:      req.ReceiverPhone,
		DeliveryFee:        req.DeliveryFee,
		PaymentStatus:      domain.PaymentStatus(req.PaymentStatus),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusCreated, toDeliveryResponse(d))
}

// ListDeliveries handles GET /v1/deliveries?status=&rider_id=
func (h *DeliveryHandler) ListDeliveries(c *gin.Context) {
	ds, err := h.deliveryService.List(
		c.Request.Context(),
		domain.DeliveryStatus(c.Query("status")),
		c.Query("rider_id"),
	)
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, ListDeliveriesResponse{Deliveries: toDeliveryResponses(ds), Count: len(ds)})
}

// ListAvailable handles GET /v1/deliveries/available
func (h *DeliveryHandler) ListAvailable(c *gin.Context) {
	ds, err := h.resolver.ListAvailable(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, ListDeliveriesResponse{Deliveries: toDeliveryResponses(ds), Count: len(ds)})
}

// GetDelivery handles GET /v1/deliveries/:id
func (h *DeliveryHandler) GetDelivery(c *gin.Context) {
	d, err := h.deliveryService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, toDeliveryResponse(d))
}

// AcceptDelivery handles POST /v1/deliveries/:id/accept
func (h *DeliveryHandler) AcceptDelivery(c *gin.Context) {
	var req AcceptDeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: CodeInvalidRequest})
		return
	}

	d, err := h.resolver.Accept(c.Request.Context(), c.Param("id"), req.RiderID)
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, toDeliveryResponse(d))
}

// AdvanceDelivery handles POST /v1/deliveries/:id/advance (operator only)
func (h *DeliveryHandler) AdvanceDelivery(c *gin.Context) {
	d, err := h.deliveryService.Advance(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, toDeliveryResponse(d))
}

// CancelDelivery handles POST /v1/deliveries/:id/cancel
func (h *DeliveryHandler) CancelDelivery(c *gin.Context) {
	d, err := h.deliveryService.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, toDeliveryResponse(d))
}

// RecordPayment handles POST /v1/deliveries/:id/payment
func (h *DeliveryHandler) RecordPayment(c *gin.Context) {
	var req RecordPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: CodeInvalidRequest})
		return
	}

	d, err := h.deliveryService.RecordPayment(c.Request.Context(), c.Param("id"), domain.PaymentStatus(req.PaymentStatus))
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, toDeliveryResponse(d))
}
