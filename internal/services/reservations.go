package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/ridealong/ridealong-backend/internal/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrRideNotFound is returned when the referenced ride does not exist.
var ErrRideNotFound = errors.New("ride not found")

// ErrBookingNotFound is returned when the referenced booking does not exist.
var ErrBookingNotFound = errors.New("booking not found")

// ErrDuplicateBooking is returned when the passenger already holds a
// non-cancelled booking for the ride.
var ErrDuplicateBooking = errors.New("you have already booked this ride")

// ErrNoSeatsAvailable is returned when the ride has no free seats left at the
// moment the seat is reserved.
var ErrNoSeatsAvailable = errors.New("no seats available")

// ErrNotAllowed is returned when the requesting user is neither the booking's
// passenger nor the ride's driver.
var ErrNotAllowed = errors.New("not allowed")

// ErrInvalidTransition is returned when a driver tries to update a booking
// that is no longer pending.
var ErrInvalidTransition = errors.New("only pending bookings can be updated")

// ErrSeatCountInconsistent indicates the seat counter and the booking rows
// disagree. It should never occur; if it does, it is a correctness bug and is
// logged with full context before being surfaced.
var ErrSeatCountInconsistent = errors.New("seat count does not match bookings")

// Reservations owns the booking lifecycle: seat reservation on create, seat
// restoration on cancel, and the driver-side status transitions. All seat
// mutations go through AdjustAvailableSeats so the counter can never leave
// the [0, seat_capacity] range, no matter how many requests race.
type Reservations struct {
	db    *gorm.DB
	cache *Cache
	hub   *Hub
}

// NewReservations wires the coordinator. cache and hub may be nil; the
// coordinator then skips invalidation and notifications.
func NewReservations(db *gorm.DB, cache *Cache, hub *Hub) *Reservations {
	return &Reservations{db: db, cache: cache, hub: hub}
}

// AdjustAvailableSeats applies delta to a ride's seat counter in a single
// conditional UPDATE. It reports false when the ride is missing or the
// resulting count would leave [0, seat_capacity]. Because the check and the
// write are one statement, concurrent callers serialize on the row and the
// counter cannot be oversold by a read-then-write race.
func AdjustAvailableSeats(tx *gorm.DB, rideID uint, delta int) (bool, error) {
	res := tx.Model(&models.Ride{}).
		Where("id = ? AND available_seats + ? >= 0 AND available_seats + ? <= seat_capacity",
			rideID, delta, delta).
		Update("available_seats", gorm.Expr("available_seats + ?", delta))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CreateBooking reserves a seat on the ride for the passenger and inserts a
// pending booking. The seat decrement is the first statement of the
// transaction, so the insert only happens once a seat is actually held; any
// later failure rolls the seat back with the transaction.
func (r *Reservations) CreateBooking(ctx context.Context, rideID, passengerID uint) (*models.Booking, error) {
	// Friendly pre-check. Two racing first bookings both pass it, but the
	// partial unique index on (ride_id, passenger_id) catches the loser at
	// insert time.
	var existing int64
	err := r.db.WithContext(ctx).Model(&models.Booking{}).
		Where("ride_id = ? AND passenger_id = ? AND status <> ?",
			rideID, passengerID, models.BookingStatusCancelled).
		Count(&existing).Error
	if err != nil {
		return nil, r.failure("create_booking", rideID, passengerID, fmt.Errorf("check existing booking: %w", err))
	}
	if existing > 0 {
		return nil, ErrDuplicateBooking
	}

	booking := &models.Booking{
		RideID:      rideID,
		PassengerID: passengerID,
		Status:      models.BookingStatusPending,
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := AdjustAvailableSeats(tx, rideID, -1)
		if err != nil {
			return fmt.Errorf("reserve seat: %w", err)
		}
		if !ok {
			var rides int64
			if err := tx.Model(&models.Ride{}).Where("id = ?", rideID).Count(&rides).Error; err != nil {
				return fmt.Errorf("look up ride: %w", err)
			}
			if rides == 0 {
				return ErrRideNotFound
			}
			return ErrNoSeatsAvailable
		}

		if err := tx.Create(booking).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateBooking
			}
			return fmt.Errorf("insert booking: %w", err)
		}
		return nil
	})
	if err != nil {
		if isReservationError(err) {
			return nil, err
		}
		return nil, r.failure("create_booking", rideID, passengerID, err)
	}

	r.afterBookingChange(ctx, booking, "booking_created")
	return booking, nil
}

// CancelBooking cancels the booking and returns its seat to the ride. The
// requesting user must be the booking's passenger or the ride's driver.
// Cancelling an already-cancelled booking is a no-op: the status flip is
// conditional, and the seat increment only runs when the flip took effect.
func (r *Reservations) CancelBooking(ctx context.Context, bookingID, userID uint) error {
	booking, err := r.loadBooking(ctx, bookingID, userID)
	if err != nil {
		return err
	}

	var flipped bool
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		flipped, err = r.cancelInTx(tx, booking)
		return err
	})
	if err != nil {
		if isReservationError(err) {
			if errors.Is(err, ErrSeatCountInconsistent) {
				logrus.WithFields(logrus.Fields{
					"operation": "cancel_booking",
					"bookingId": booking.ID,
					"rideId":    booking.RideID,
					"userId":    userID,
				}).Error("seat counter already at capacity while cancelling a live booking")
			}
			return err
		}
		return r.failure("cancel_booking", booking.RideID, userID, err)
	}

	if flipped {
		booking.Status = models.BookingStatusCancelled
		r.afterBookingChange(ctx, booking, "booking_cancelled")
	}
	return nil
}

// UpdateBookingStatus lets the ride's driver confirm or cancel a pending
// booking. Cancellation goes through the same seat-restoring path as a
// passenger cancel, so both sides of a cancellation behave identically.
func (r *Reservations) UpdateBookingStatus(ctx context.Context, bookingID uint, status models.BookingStatus, driverID uint) error {
	booking, err := r.loadBooking(ctx, bookingID, 0)
	if err != nil {
		return err
	}
	if booking.Ride == nil || booking.Ride.DriverID != driverID {
		return ErrNotAllowed
	}

	switch status {
	case models.BookingStatusConfirmed:
		res := r.db.WithContext(ctx).Model(&models.Booking{}).
			Where("id = ? AND status = ?", bookingID, models.BookingStatusPending).
			Update("status", models.BookingStatusConfirmed)
		if res.Error != nil {
			return r.failure("update_booking_status", booking.RideID, driverID, fmt.Errorf("confirm booking: %w", res.Error))
		}
		if res.RowsAffected == 0 {
			return ErrInvalidTransition
		}
		booking.Status = models.BookingStatusConfirmed
		r.afterBookingChange(ctx, booking, "booking_status_changed")
		return nil

	case models.BookingStatusCancelled:
		return r.CancelBooking(ctx, bookingID, driverID)

	default:
		return ErrInvalidTransition
	}
}

// CancelBookingsForRide marks every live booking on the ride cancelled inside
// the caller's transaction. Used when a driver deletes a ride; the ride row
// is going away, so no seats are restored.
func CancelBookingsForRide(tx *gorm.DB, rideID uint) error {
	return tx.Model(&models.Booking{}).
		Where("ride_id = ? AND status <> ?", rideID, models.BookingStatusCancelled).
		Update("status", models.BookingStatusCancelled).Error
}

// cancelInTx flips the booking to cancelled and restores its seat. The flip
// is gated on the prior status being non-cancelled; when it matches no row
// the whole operation is a no-op. The increment is bounded by seat_capacity,
// so a count mismatch surfaces instead of inflating the ride.
func (r *Reservations) cancelInTx(tx *gorm.DB, booking *models.Booking) (bool, error) {
	res := tx.Model(&models.Booking{}).
		Where("id = ? AND status <> ?", booking.ID, models.BookingStatusCancelled).
		Update("status", models.BookingStatusCancelled)
	if res.Error != nil {
		return false, fmt.Errorf("cancel booking: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Already cancelled. Do not touch the seat counter again.
		return false, nil
	}

	ok, err := AdjustAvailableSeats(tx, booking.RideID, +1)
	if err != nil {
		return false, fmt.Errorf("restore seat: %w", err)
	}
	if !ok {
		var rides int64
		if err := tx.Model(&models.Ride{}).Where("id = ?", booking.RideID).Count(&rides).Error; err != nil {
			return false, fmt.Errorf("look up ride: %w", err)
		}
		if rides == 0 {
			return false, ErrRideNotFound
		}
		return false, ErrSeatCountInconsistent
	}
	return true, nil
}

// loadBooking fetches the booking with its ride. When userID is non-zero the
// caller must be the passenger or the ride's driver.
func (r *Reservations) loadBooking(ctx context.Context, bookingID, userID uint) (*models.Booking, error) {
	var booking models.Booking
	err := r.db.WithContext(ctx).Preload("Ride").First(&booking, bookingID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBookingNotFound
		}
		return nil, r.failure("load_booking", 0, userID, fmt.Errorf("load booking: %w", err))
	}
	if booking.Ride == nil {
		return nil, ErrRideNotFound
	}
	if userID != 0 && booking.PassengerID != userID && booking.Ride.DriverID != userID {
		return nil, ErrNotAllowed
	}
	return &booking, nil
}

// afterBookingChange invalidates the cached views touched by a booking
// mutation and notifies the two affected users. Cache and hub trouble is
// logged, never surfaced; the mutation already committed.
func (r *Reservations) afterBookingChange(ctx context.Context, booking *models.Booking, event string) {
	driverID := uint(0)
	if booking.Ride != nil {
		driverID = booking.Ride.DriverID
	} else if r.db != nil {
		var ride models.Ride
		if err := r.db.WithContext(ctx).Select("driver_id").First(&ride, booking.RideID).Error; err == nil {
			driverID = ride.DriverID
		}
	}

	if r.cache != nil {
		r.cache.InvalidateRides(ctx)
		r.cache.InvalidateUserBookings(ctx, booking.PassengerID)
		if driverID != 0 {
			r.cache.InvalidateUserRides(ctx, driverID)
		}
		r.cache.PublishBookingUpdate(ctx, BookingEvent{
			Type:        event,
			BookingID:   booking.ID,
			RideID:      booking.RideID,
			PassengerID: booking.PassengerID,
			Status:      string(booking.Status),
		})
	}

	if r.hub != nil {
		update := BookingUpdate{
			BookingID:   booking.ID,
			RideID:      booking.RideID,
			PassengerID: booking.PassengerID,
			Status:      string(booking.Status),
		}
		if driverID != 0 {
			r.hub.SendBookingUpdate(driverID, event, update)
		}
		r.hub.SendBookingUpdate(booking.PassengerID, event, update)
	}
}

// failure logs a persistence failure with its full context and wraps it.
func (r *Reservations) failure(operation string, rideID, userID uint, err error) error {
	logrus.WithFields(logrus.Fields{
		"operation": operation,
		"rideId":    rideID,
		"userId":    userID,
	}).WithError(err).Error("reservation persistence failure")
	return fmt.Errorf("%s: %w", operation, err)
}

func isReservationError(err error) bool {
	return errors.Is(err, ErrRideNotFound) ||
		errors.Is(err, ErrBookingNotFound) ||
		errors.Is(err, ErrDuplicateBooking) ||
		errors.Is(err, ErrNoSeatsAvailable) ||
		errors.Is(err, ErrNotAllowed) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrSeatCountInconsistent)
}
