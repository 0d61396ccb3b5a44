package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lastmile/internal/bus"
	"lastmile/internal/domain"
)

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationDeliveryAvailable NotificationType = "DELIVERY_AVAILABLE"
	NotificationRiderAssigned     NotificationType = "RIDER_ASSIGNED"
	NotificationPackagePickedUp   NotificationType = "PACKAGE_PICKED_UP"
	NotificationPackageInTransit  NotificationType = "PACKAGE_IN_TRANSIT"
	NotificationPackageDelivered  NotificationType = "PACKAGE_DELIVERED"
	NotificationDeliveryCancelled NotificationType = "DELIVERY_CANCELLED"
	NotificationPaymentUpdated    NotificationType = "PAYMENT_UPDATED"
)

// ridersAudience addresses every rider dashboard.
const ridersAudience = "riders"

// Notification represents a notification to be sent.
type Notification struct {
	Type        NotificationType
	RecipientID string
	Title       string
	Message     string
	DeliveryID  string
	CreatedAt   time.Time
}

// NotificationService turns bus events into customer and rider notifications.
// Delivery is log-only; push, SMS and e-mail channels are out of scope.
type NotificationService struct {
	log *zap.Logger
}

// NewNotificationService creates a new NotificationService.
func NewNotificationService(log *zap.Logger) *NotificationService {
	if log == nil {
		log = zap.NewNop()
	}
	return &NotificationService{log: log}
}

// Subscribe registers the service on b for every event type.
func (s *NotificationService) Subscribe(b *bus.Bus) (unsubscribe func()) {
	return b.SubscribeAll(s.Handle)
}

// Handle is a bus.Handler.
func (s *NotificationService) Handle(ctx context.Context, e bus.Event) error {
	for _, n := range s.build(e) {
		s.send(ctx, n)
	}
	return nil
}

// build returns the notifications owed for e. The customer side is addressed by
// delivery (the tracking screen), the rider side by rider id.
func (s *NotificationService) build(e bus.Event) []Notification {
	d := e.Delivery
	tracking := "delivery:" + d.ID

	if e.Type == bus.NewDeliveryAvailable {
		return []Notification{{
			Type:        NotificationDeliveryAvailable,
			RecipientID: ridersAudience,
			Title:       "New Delivery Available",
			Message:     fmt.Sprintf("Pickup at %s, drop-off at %s. Fee: %.2f", d.Pickup, d.Dropoff, d.DeliveryFee),
			DeliveryID:  d.ID,
			CreatedAt:   e.OccurredAt,
		}}
	}

	var out []Notification
	add := func(t NotificationType, recipient, title, msg string) {
		if recipient == "" {
			return
		}
		out = append(out, Notification{
			Type:        t,
			RecipientID: recipient,
			Title:       title,
			Message:     msg,
			DeliveryID:  d.ID,
			CreatedAt:   e.OccurredAt,
		})
	}

	if e.PreviousStatus == d.Status {
		add(NotificationPaymentUpdated, tracking, "Payment Updated", fmt.Sprintf("Payment status: %s", d.PaymentStatus))
		return out
	}

	switch d.Status {
	case domain.DeliveryStatusAccepted:
		add(NotificationRiderAssigned, tracking, "Rider Assigned", "A rider is on the way to pick up your package")
		add(NotificationRiderAssigned, d.RiderID, "Delivery Accepted", fmt.Sprintf("Head to %s for pickup", d.Pickup))
	case domain.DeliveryStatusPickedUp:
		add(NotificationPackagePickedUp, tracking, "Package Picked Up", "Your package has been picked up")
	case domain.DeliveryStatusInTransit:
		add(NotificationPackageInTransit, tracking, "Package In Transit", fmt.Sprintf("Your package is on its way to %s", d.Dropoff))
	case domain.DeliveryStatusCompleted:
		add(NotificationPackageDelivered, tracking, "Package Delivered", fmt.Sprintf("Delivered to %s", d.ReceiverName))
		add(NotificationPackageDelivered, d.RiderID, "Delivery Completed", "Nice work. You are available for a new delivery")
	case domain.DeliveryStatusCancelled:
		add(NotificationDeliveryCancelled, tracking, "Delivery Cancelled", "The delivery has been cancelled")
		add(NotificationDeliveryCancelled, d.RiderID, "Delivery Cancelled", "The delivery you accepted was cancelled")
	}
	return out
}

// send delivers a notification (log only).
func (s *NotificationService) send(ctx context.Context, n Notification) {
	s.log.Info("notification",
		zap.String("type", string(n.Type)),
		zap.String("recipient", n.RecipientID),
		zap.String("delivery_id", n.DeliveryID),
		zap.String("title", n.Title),
		zap.String("message", n.Message),
	)
}
