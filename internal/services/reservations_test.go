package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ridealong/ridealong-backend/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "reservations.db") + "?_busy_timeout=10000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	if err := db.AutoMigrate(&models.User{}, &models.Ride{}, &models.Booking{}); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	// Same partial unique index the production migrations create
	err = db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_bookings_active_ride_passenger
		ON bookings (ride_id, passenger_id) WHERE status <> 'cancelled'`).Error
	if err != nil {
		t.Fatalf("failed to create booking index: %v", err)
	}

	return db
}

func createTestUser(t *testing.T, db *gorm.DB, email string) *models.User {
	t.Helper()
	user := &models.User{
		FirstName:    "Test",
		LastName:     "User",
		Email:        email,
		PasswordHash: "x",
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	return user
}

func createTestRide(t *testing.T, db *gorm.DB, driverID uint, seats int) *models.Ride {
	t.Helper()
	ride := &models.Ride{
		DriverID:       driverID,
		FromLocation:   "Downtown",
		ToLocation:     "Airport",
		DepartureDate:  time.Now().Add(48 * time.Hour),
		DepartureTime:  "09:30",
		Price:          12.50,
		SeatCapacity:   seats,
		AvailableSeats: seats,
	}
	if err := db.Create(ride).Error; err != nil {
		t.Fatalf("failed to create ride: %v", err)
	}
	return ride
}

func availableSeats(t *testing.T, db *gorm.DB, rideID uint) int {
	t.Helper()
	var ride models.Ride
	if err := db.First(&ride, rideID).Error; err != nil {
		t.Fatalf("failed to reload ride: %v", err)
	}
	return ride.AvailableSeats
}

func TestCreateBookingReservesSeat(t *testing.T) {
	db := newTestDB(t)
	svc := NewReservations(db, nil, nil)
	driver := createTestUser(t, db, "driver@example.com")
	passenger := createTestUser(t, db, "passenger@example.com")
	ride := createTestRide(t, db, driver.ID, 3)

	booking, err := svc.CreateBooking(context.Background(), ride.ID, passenger.ID)
	if err != nil {
		t.Fatalf("CreateBooking failed: %v", err)
	}

	if booking.Status != models.BookingStatusPending {
		t.Errorf("expected status pending, got %s", booking.Status)
	}
	if got := availableSeats(t, db, ride.ID); got != 2 {
		t.Errorf("expected 2 available seats, got %d", got)
	}
}

func TestCreateBookingRideNotFound(t *testing.T) {
	db := newTestDB(t)
	svc := NewReservations(db, nil, nil)
	passenger := createTestUser(t, db, "passenger@example.com")

	_, err := svc.CreateBooking(context.Background(), 9999, passenger.ID)
	if !errors.Is(err, ErrRideNotFound) {
		t.Fatalf("expected ErrRideNotFound, got %v", err)
	}
}

func TestCreateBookingNoSeats(t *testing.T) {
	db := newTestDB(t)
	svc := NewReservations(db, nil, nil)
	driver := createTestUser(t, db, "driver@example.com")
	a := createTestUser(t, db, "a@example.com")
	b := createTestUser(t, db, "b@example.com")
	ride := createTestRide(t, db, driver.ID, 1)

	if _, err := svc.CreateBooking(context.Background(), ride.ID, a.ID); err != nil {
		t.Fatalf("first booking failed: %v", err)
	}

	_, err := svc.CreateBooking(context.Background(), ride.ID, b.ID)
	if !errors.Is(err, ErrNoSeatsAvailable) {
		t.Fatalf("expected ErrNoSeatsAvailable, got %v", err)
	}
	if got := availableSeats(t, db, ride.ID); got != 0 {
		t.Errorf("seat count went below zero: %d", got)
	}
}

func TestCreateBookingDuplicate(t *testing.T) {
	db := newTestDB(t)
	svc := NewReservations(db, nil, nil)
	driver := createTestUser(t, db, "driver@example.com")
	passenger := createTestUser(t, db, "passenger@example.com")
	ride := createTestRide(t, db, driver.ID, 3)

	if _, err := svc.CreateBooking(context.Background(), ride.ID, passenger.ID); err != nil {
		t.Fatalf("first booking failed: %v", err)
	}

	_, err := svc.CreateBooking(context.Background(), ride.ID, passenger.ID)
	if !errors.Is(err, ErrDuplicateBooking) {
		t.Fatalf("expected ErrDuplicateBooking, got %v", err)
	}
	if got := availableSeats(t, db, ride.ID); got != 2 {
		t.Errorf("duplicate booking changed seat count: %d", got)
	}
}

func TestCancelBookingRestoresSeat(t *testing.T) {
	db := newTestDB(t)
	svc := NewReservations(db, nil, nil)
	driver := createTestUser(t, db, "driver@example.com")
	passenger := createTestUser(t, db, "passenger@example.com")
	ride := createTestRide(t, db, driver.ID, 3)

	booking, err := svc.CreateBooking(context.Background(), ride.ID, passenger.ID)
	if err != nil {
		t.Fatalf("CreateBooking failed: %v", err)
	}
	if got := availableSeats(t, db, ride.ID); got != 2 {
		t.Fatalf("expected 2 seats after booking, got %d", got)
	}

	if err := svc.CancelBooking(context.Background(), booking.ID, passenger.ID); err != nil {
		t.Fatalf("CancelBooking failed: %v", err)
	}
	if got := availableSeats(t, db, ride.ID); got != 3 {
		t.Errorf("expected seats restored to 3, got %d", got)
	}

	var reloaded models.Booking
	if err := db.First(&reloaded, booking.ID).Error; err != nil {
		t.Fatalf("failed to reload booking: %v", err)
	}
	if reloaded.Status != models.BookingStatusCancelled {
		t.Errorf("expected status cancelled, got %s", reloaded.Status)
	}
}

func TestCancelBookingIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	svc := NewReservations(db, nil, nil)
	driver := createTestUser(t, db, "driver@example.com")
	passenger := createTestUser(t, db, "passenger@example.com")
	ride := createTestRide(t, db, driver.ID, 3)

	booking, err := svc.CreateBooking(context.Background(), ride.ID, passenger.ID)
	if err != nil {
		t.Fatalf("CreateBooking failed: %v", err)
	}

	if err := svc.CancelBooking(context.Background(), booking.ID, passenger.ID); err != nil {
		t.Fatalf("first cancel failed: %v", err)
	}
	if err := svc.CancelBooking(context.Background(), booking.ID, passenger.ID); err != nil {
		t.Fatalf("second cancel failed: %v", err)
	}

	if got := availableSeats(t, db, ride.ID); got != 3 {
		t.Errorf("double cancel inflated seat count: %d", got)
	}
}

func TestRebookAfterCancel(t *testing.T) {
	db := newTestDB(t)
	svc := NewReservations(db, nil, nil)
	driver := createTestUser(t, db, "driver@example.com")
	passenger := createTestUser(t, db, "passenger@example.com")
	ride := createTestRide(t, db, driver.ID, 3)

	first, err := svc.CreateBooking(context.Background(), ride.ID, passenger.ID)
	if err != nil {
		t.Fatalf("first booking failed: %v", err)
	}
	if err := svc.CancelBooking(context.Background(), first.ID, passenger.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	second, err := svc.CreateBooking(context.Background(), ride.ID, passenger.ID)
	if err != nil {
		t.Fatalf("rebooking after cancel failed: %v", err)
	}
	if second.ID == first.ID {
		t.Error("rebooking reused the cancelled booking instead of creating a new one")
	}
	if second.Status != models.BookingStatusPending {
		t.Errorf("expected new booking pending, got %s", second.Status)
	}
	if got := availableSeats(t, db, ride.ID); got != 2 {
		t.Errorf("expected 2 seats after rebooking, got %d", got)
	}
}

func TestCancelBookingNotAllowedForStranger(t *testing.T) {
	db := newTestDB(t)
	svc := NewReservations(db, nil, nil)
	driver := createTestUser(t, db, "driver@example.com")
	passenger := createTestUser(t, db, "passenger@example.com")
	stranger := createTestUser(t, db, "stranger@example.com")
	ride := createTestRide(t, db, driver.ID, 3)

	booking, err := svc.CreateBooking(context.Background(), ride.ID, passenger.ID)
	if err != nil {
		t.Fatalf("CreateBooking failed: %v", err)
	}

	if err := svc.CancelBooking(context.Background(), booking.ID, stranger.ID); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
	if got := availableSeats(t, db, ride.ID); got != 2 {
		t.Errorf("unauthorized cancel changed seat count: %d", got)
	}
}

func TestUpdateBookingStatusConfirm(t *testing.T) {
	db := newTestDB(t)
	svc := NewReservations(db, nil, nil)
	driver := createTestUser(t, db, "driver@example.com")
	passenger := createTestUser(t, db, "passenger@example.com")
	ride := createTestRide(t, db, driver.ID, 3)

	booking, err := svc.CreateBooking(context.Background(), ride.ID, passenger.ID)
	if err != nil {
		t.Fatalf("CreateBooking failed: %v", err)
	}

	err = svc.UpdateBookingStatus(context.Background(), booking.ID, models.BookingStatusConfirmed, driver.ID)
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	var reloaded models.Booking
	if err := db.First(&reloaded, booking.ID).Error; err != nil {
		t.Fatalf("failed to reload booking: %v", err)
	}
	if reloaded.Status != models.BookingStatusConfirmed {
		t.Errorf("expected status confirmed, got %s", reloaded.Status)
	}

	// Confirming again is not a meaningful transition
	err = svc.UpdateBookingStatus(context.Background(), booking.ID, models.BookingStatusConfirmed, driver.ID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestUpdateBookingStatusRequiresDriver(t *testing.T) {
	db := newTestDB(t)
	svc := NewReservations(db, nil, nil)
	driver := createTestUser(t, db, "driver@example.com")
	passenger := createTestUser(t, db, "passenger@example.com")
	ride := createTestRide(t, db, driver.ID, 3)

	booking, err := svc.CreateBooking(context.Background(), ride.ID, passenger.ID)
	if err != nil {
		t.Fatalf("CreateBooking failed: %v", err)
	}

	err = svc.UpdateBookingStatus(context.Background(), booking.ID, models.BookingStatusConfirmed, passenger.ID)
	if !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
}

func TestDriverCancelRestoresSeat(t *testing.T) {
	db := newTestDB(t)
	svc := NewReservations(db, nil, nil)
	driver := createTestUser(t, db, "driver@example.com")
	passenger := createTestUser(t, db, "passenger@example.com")
	ride := createTestRide(t, db, driver.ID, 3)

	booking, err := svc.CreateBooking(context.Background(), ride.ID, passenger.ID)
	if err != nil {
		t.Fatalf("CreateBooking failed: %v", err)
	}

	// Driver-side cancellation must free the seat the same way a passenger
	// cancellation does
	err = svc.UpdateBookingStatus(context.Background(), booking.ID, models.BookingStatusCancelled, driver.ID)
	if err != nil {
		t.Fatalf("driver cancel failed: %v", err)
	}
	if got := availableSeats(t, db, ride.ID); got != 3 {
		t.Errorf("expected seats restored to 3, got %d", got)
	}
}

func TestCancelDetectsInconsistentSeatCount(t *testing.T) {
	db := newTestDB(t)
	svc := NewReservations(db, nil, nil)
	driver := createTestUser(t, db, "driver@example.com")
	passenger := createTestUser(t, db, "passenger@example.com")
	ride := createTestRide(t, db, driver.ID, 2)

	// A booking row that never went through seat reservation: the counter is
	// already at capacity, so restoring a seat for it has nowhere to go
	booking := &models.Booking{
		RideID:      ride.ID,
		PassengerID: passenger.ID,
		Status:      models.BookingStatusPending,
	}
	if err := db.Create(booking).Error; err != nil {
		t.Fatalf("failed to create booking fixture: %v", err)
	}

	err := svc.CancelBooking(context.Background(), booking.ID, passenger.ID)
	if !errors.Is(err, ErrSeatCountInconsistent) {
		t.Fatalf("expected ErrSeatCountInconsistent, got %v", err)
	}
	if got := availableSeats(t, db, ride.ID); got != 2 {
		t.Errorf("seat count exceeded capacity: %d", got)
	}
}

func TestConcurrentBookingsNeverOversell(t *testing.T) {
	db := newTestDB(t)
	svc := NewReservations(db, nil, nil)
	driver := createTestUser(t, db, "driver@example.com")

	const capacity = 3
	const attempts = 10
	ride := createTestRide(t, db, driver.ID, capacity)

	passengers := make([]*models.User, attempts)
	for i := range passengers {
		passengers[i] = createTestUser(t, db, fmt.Sprintf("passenger%d@example.com", i))
	}

	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.CreateBooking(context.Background(), ride.ID, passengers[i].ID)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for i, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrNoSeatsAvailable):
		default:
			t.Errorf("attempt %d failed unexpectedly: %v", i, err)
		}
	}

	if succeeded != capacity {
		t.Errorf("expected exactly %d successful bookings, got %d", capacity, succeeded)
	}
	if got := availableSeats(t, db, ride.ID); got != 0 {
		t.Errorf("expected 0 available seats, got %d", got)
	}

	var live int64
	err := db.Model(&models.Booking{}).
		Where("ride_id = ? AND status <> ?", ride.ID, models.BookingStatusCancelled).
		Count(&live).Error
	if err != nil {
		t.Fatalf("failed to count bookings: %v", err)
	}
	if live != capacity {
		t.Errorf("expected %d live bookings, got %d", capacity, live)
	}
}

func TestConcurrentSingleSeatHasOneWinner(t *testing.T) {
	db := newTestDB(t)
	svc := NewReservations(db, nil, nil)
	driver := createTestUser(t, db, "driver@example.com")
	a := createTestUser(t, db, "a@example.com")
	b := createTestUser(t, db, "b@example.com")
	ride := createTestRide(t, db, driver.ID, 1)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, passenger := range []*models.User{a, b} {
		wg.Add(1)
		go func(i int, passengerID uint) {
			defer wg.Done()
			_, errs[i] = svc.CreateBooking(context.Background(), ride.ID, passengerID)
		}(i, passenger.ID)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else if !errors.Is(err, ErrNoSeatsAvailable) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly one winner, got %d", winners)
	}
	if got := availableSeats(t, db, ride.ID); got != 0 {
		t.Errorf("expected 0 available seats, got %d", got)
	}
}

func TestConcurrentDuplicateBookingHasOneWinner(t *testing.T) {
	db := newTestDB(t)
	svc := NewReservations(db, nil, nil)
	driver := createTestUser(t, db, "driver@example.com")
	passenger := createTestUser(t, db, "passenger@example.com")
	ride := createTestRide(t, db, driver.ID, 5)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CreateBooking(context.Background(), ride.ID, passenger.ID)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else if !errors.Is(err, ErrDuplicateBooking) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly one successful booking, got %d", winners)
	}
	if got := availableSeats(t, db, ride.ID); got != 4 {
		t.Errorf("expected 4 available seats, got %d", got)
	}
}

func TestCancelBookingsForRide(t *testing.T) {
	db := newTestDB(t)
	svc := NewReservations(db, nil, nil)
	driver := createTestUser(t, db, "driver@example.com")
	a := createTestUser(t, db, "a@example.com")
	b := createTestUser(t, db, "b@example.com")
	ride := createTestRide(t, db, driver.ID, 3)

	if _, err := svc.CreateBooking(context.Background(), ride.ID, a.ID); err != nil {
		t.Fatalf("booking failed: %v", err)
	}
	if _, err := svc.CreateBooking(context.Background(), ride.ID, b.ID); err != nil {
		t.Fatalf("booking failed: %v", err)
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := CancelBookingsForRide(tx, ride.ID); err != nil {
			return err
		}
		return tx.Delete(&models.Ride{}, ride.ID).Error
	})
	if err != nil {
		t.Fatalf("delete cascade failed: %v", err)
	}

	var live int64
	err = db.Model(&models.Booking{}).
		Where("ride_id = ? AND status <> ?", ride.ID, models.BookingStatusCancelled).
		Count(&live).Error
	if err != nil {
		t.Fatalf("failed to count bookings: %v", err)
	}
	if live != 0 {
		t.Errorf("expected all bookings cancelled, %d still live", live)
	}
}
