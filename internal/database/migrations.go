package database

import (
	"github.com/ridealong/ridealong-backend/internal/models"
	"gorm.io/gorm"
)

func RunMigrations(db *gorm.DB) error {
	// Create tables if they don't exist
	err := db.AutoMigrate(
		&models.User{},
		&models.Ride{},
		&models.Booking{},
	)
	if err != nil {
		return err
	}

	// Seat counter bounds are enforced by the database itself so that no
	// code path, present or future, can oversell or inflate a ride.
	db.Exec(`ALTER TABLE rides DROP CONSTRAINT IF EXISTS rides_available_seats_range`)
	if err := db.Exec(`ALTER TABLE rides ADD CONSTRAINT rides_available_seats_range
		CHECK (available_seats >= 0 AND available_seats <= seat_capacity)`).Error; err != nil {
		return err
	}

	db.Exec(`ALTER TABLE bookings DROP CONSTRAINT IF EXISTS bookings_status_check`)
	if err := db.Exec(`ALTER TABLE bookings ADD CONSTRAINT bookings_status_check
		CHECK (status IN ('pending', 'confirmed', 'cancelled'))`).Error; err != nil {
		return err
	}

	// One live booking per (ride, passenger). Cancelled bookings are excluded
	// so a passenger can book again after cancelling.
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_bookings_active_ride_passenger
		ON bookings (ride_id, passenger_id) WHERE status <> 'cancelled'`).Error; err != nil {
		return err
	}

	return nil
}
