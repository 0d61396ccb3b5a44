package service

import (
	"errors"
	"fmt"

	"lastmile/internal/lifecycle"
)

var (
	// ErrAlreadyTaken is returned when a rider tries to accept a delivery that is no longer pending.
	ErrAlreadyTaken = errors.New("delivery already taken")

	// ErrDeliveryLocked is returned when another replica keeps the delivery locked.
	ErrDeliveryLocked = errors.New("delivery is being updated elsewhere, retry")

	// ErrRiderBusy is returned when the rider already holds an active delivery.
	ErrRiderBusy = errors.New("rider already has an active delivery")

	// ErrInvalidDeliveryID is returned when delivery ID is empty.
	ErrInvalidDeliveryID = errors.New("invalid delivery id")

	// ErrInvalidRiderID is returned when rider ID is empty.
	ErrInvalidRiderID = errors.New("invalid rider id")

	// ErrInvalidLocation is returned when pickup or dropoff is blank.
	ErrInvalidLocation = errors.New("invalid pickup or dropoff location")

	// ErrInvalidFee is returned when the delivery fee is negative or not a number.
	ErrInvalidFee = errors.New("invalid delivery fee")

	// ErrInvalidPackageSize is returned for an unknown package size.
	ErrInvalidPackageSize = errors.New("invalid package size")

	// ErrInvalidPaymentStatus is returned for an unknown payment status.
	ErrInvalidPaymentStatus = errors.New("invalid payment status")

	// ErrPaymentFinal is returned when a completed or failed payment is changed again.
	ErrPaymentFinal = errors.New("payment status is final")

	// ErrInvalidStatusFilter is returned when a list filter names an unknown status.
	ErrInvalidStatusFilter = errors.New("invalid status filter")

	// ErrNothingToAdvance is returned when the delivery has no automatic next step.
	// It matches lifecycle.ErrInvalidTransition.
	ErrNothingToAdvance = fmt.Errorf("%w: delivery has no next lifecycle step", lifecycle.ErrInvalidTransition)

	// ErrUnknownRider is returned for a rider that is neither registered nor referenced by any delivery.
	ErrUnknownRider = errors.New("rider not found")

	// ErrInvalidRiderName is returned when a rider is registered without a name.
	ErrInvalidRiderName = errors.New("invalid rider name")
)
