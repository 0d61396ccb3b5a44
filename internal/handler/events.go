package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"lastmile/internal/bus"
)

const (
	eventBuffer       = 32
	keepAliveInterval = 15 * time.Second
)

var errSlowClient = errors.New("event stream client is not keeping up")

// EventsHandler streams bus events to HTTP clients as server-sent events.
type EventsHandler struct {
	bus *bus.Bus
	log *zap.Logger
}

// NewEventsHandler creates a new EventsHandler.
func NewEventsHandler(b *bus.Bus, log *zap.Logger) *EventsHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &EventsHandler{bus: b, log: log}
}

// EventResponse is the data of one streamed event.
type EventResponse struct {
	Type           string           `json:"type"`
	Delivery       DeliveryResponse `json:"delivery"`
	PreviousStatus string           `json:"previous_status,omitempty"`
	OccurredAt     time.Time        `json:"occurred_at"`
}

// Stream handles GET /v1/events?delivery_id=&type=
//
// The first frame is a "ready" event sent once the subscription is in place. A client
// that falls more than eventBuffer events behind loses the overflow; the bus logs it.
func (h *EventsHandler) Stream(c *gin.Context) {
	deliveryID := c.Query("delivery_id")
	only := bus.EventType(c.Query("type"))
	if only != "" && only != bus.DeliveryUpdated && only != bus.NewDeliveryAvailable {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unknown event type", Code: CodeInvalidRequest})
		return
	}

	events := make(chan bus.Event, eventBuffer)
	unsubscribe := h.bus.SubscribeAll(func(_ context.Context, e bus.Event) error {
		if only != "" && e.Type != only {
			return nil
		}
		if deliveryID != "" && e.Delivery.ID != deliveryID {
			return nil
		}
		select {
		case events <- e:
			return nil
		default:
			return errSlowClient
		}
	})
	defer unsubscribe()

	h.log.Debug("event stream opened", zap.String("delivery_id", deliveryID), zap.String("type", string(only)))

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("ready", gin.H{"delivery_id": deliveryID, "type": string(only)})
	c.Writer.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	ctx := c.Request.Context()
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case e := <-events:
			c.SSEvent(string(e.Type), toEventResponse(e))
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			return true
		}
	})

	h.log.Debug("event stream closed", zap.String("delivery_id", deliveryID))
}

func toEventResponse(e bus.Event) EventResponse {
	return EventResponse{
		Type:           string(e.Type),
		Delivery:       toDeliveryResponse(e.Delivery),
		PreviousStatus: string(e.PreviousStatus),
		OccurredAt:     e.OccurredAt,
	}
}
