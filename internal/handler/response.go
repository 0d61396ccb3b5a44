package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"lastmile/internal/domain"
	"lastmile/internal/lifecycle"
	"lastmile/internal/repository"
	"lastmile/internal/service"
	"lastmile/internal/store"
)

// Error codes returned next to the message so clients can offer the right retry.
const (
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeAlreadyTaken      = "ALREADY_TAKEN"
	CodeRiderBusy         = "RIDER_BUSY"
	CodePaymentFinal      = "PAYMENT_FINAL"
	CodeDeliveryLocked    = "DELIVERY_LOCKED"
	CodePersistence       = "PERSISTENCE_FAILURE"
	CodeInternal          = "INTERNAL"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// respondError sends an error response with the appropriate HTTP status code.
func respondError(c *gin.Context, err error) {
	code, errCode := mapError(err)
	msg := err.Error()
	switch errCode {
	case CodePersistence:
		msg = "could not save the change, please try again"
	case CodeInternal:
		msg = "internal error"
	}
	_ = c.Error(err)
	c.JSON(code, ErrorResponse{Error: msg, Code: errCode})
}

// respondJSON sends a JSON response with the given status code.
func respondJSON(c *gin.Context, code int, data any) {
	c.JSON(code, data)
}

// mapError maps service, lifecycle and store errors to an HTTP status and error code.
func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, service.ErrUnknownRider):
		return http.StatusNotFound, CodeNotFound

	case errors.Is(err, service.ErrInvalidDeliveryID),
		errors.Is(err, service.ErrInvalidRiderID),
		errors.Is(err, service.ErrInvalidRiderName),
		errors.Is(err, service.ErrInvalidLocation),
		errors.Is(err, service.ErrInvalidFee),
		errors.Is(err, service.ErrInvalidPackageSize),
		errors.Is(err, service.ErrInvalidPaymentStatus),
		errors.Is(err, service.ErrInvalidStatusFilter),
		errors.Is(err, lifecycle.ErrUnknownEvent),
		errors.Is(err, lifecycle.ErrMissingRider):
		return http.StatusBadRequest, CodeInvalidRequest

	case errors.Is(err, service.ErrAlreadyTaken):
		return http.StatusConflict, CodeAlreadyTaken
	case errors.Is(err, service.ErrRiderBusy):
		return http.StatusConflict, CodeRiderBusy
	case errors.Is(err, service.ErrPaymentFinal):
		return http.StatusConflict, CodePaymentFinal
	case errors.Is(err, service.ErrDeliveryLocked):
		return http.StatusConflict, CodeDeliveryLocked
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return http.StatusConflict, CodeInvalidTransition

	case errors.Is(err, store.ErrPersistence):
		return http.StatusServiceUnavailable, CodePersistence

	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// DeliveryResponse is the HTTP representation of a delivery.
// Transition timestamps are omitted until they happen.
type DeliveryResponse struct {
	ID                 string     `json:"id"`
	Status             string     `json:"status"`
	Pickup             string     `json:"pickup"`
	Dropoff            string     `json:"dropoff"`
	PackageSize        string     `json:"package_size,omitempty"`
	PackageDescription string     `json:"package_description,omitempty"`
	ReceiverName       string     `json:"receiver_name,omitempty"`
	ReceiverPhone      string     `json:"receiver_phone,omitempty"`
	DeliveryFee        float64    `json:"delivery_fee"`
	RiderID            string     `json:"rider_id,omitempty"`
	PaymentStatus      string     `json:"payment_status"`
	CreatedAt          time.Time  `json:"created_at"`
	AcceptedAt         *time.Time `json:"accepted_at,omitempty"`
	PickedUpAt         *time.Time `json:"picked_up_at,omitempty"`
	InTransitAt        *time.Time `json:"in_transit_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
}

func toDeliveryResponse(d domain.Delivery) DeliveryResponse {
	return DeliveryResponse{
		ID:                 d.ID,
		Status:             string(d.Status),
		Pickup:             d.Pickup,
		Dropoff:            d.Dropoff,
		PackageSize:        string(d.PackageSize),
		PackageDescription: d.PackageDescription,
		ReceiverName:       d.ReceiverName,
		ReceiverPhone:      d.ReceiverPhone,
		DeliveryFee:        d.DeliveryFee,
		RiderID:            d.RiderID,
		PaymentStatus:      string(d.PaymentStatus),
		CreatedAt:          d.CreatedAt,
		AcceptedAt:         optionalTime(d.AcceptedAt),
		PickedUpAt:         optionalTime(d.PickedUpAt),
		InTransitAt:        optionalTime(d.InTransitAt),
		CompletedAt:        optionalTime(d.CompletedAt),
		CancelledAt:        optionalTime(d.CancelledAt),
	}
}

func toDeliveryResponses(ds []domain.Delivery) []DeliveryResponse {
	out := make([]DeliveryResponse, len(ds))
	for i, d := range ds {
		out[i] = toDeliveryResponse(d)
	}
	return out
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
