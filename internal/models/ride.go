package models

import (
	"time"

	"gorm.io/gorm"
)

type Ride struct {
	gorm.Model
	DriverID        uint      `json:"driverId" gorm:"not null;index"`
	Driver          *User     `json:"driver,omitempty"`
	FromLocation    string    `json:"fromLocation" gorm:"not null"`
	ToLocation      string    `json:"toLocation" gorm:"not null"`
	DepartureDate   time.Time `json:"departureDate" gorm:"not null"`
	DepartureTime   string    `json:"departureTime" gorm:"not null"`
	Price           float64   `json:"price" gorm:"not null"`
	SeatCapacity    int       `json:"seatCapacity" gorm:"not null"`
	AvailableSeats  int       `json:"availableSeats" gorm:"not null"`
	Distance        string    `json:"distance,omitempty"`
	AdditionalNotes string    `json:"additionalNotes,omitempty"`
}
