package models

import (
	"gorm.io/gorm"
)

type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCancelled BookingStatus = "cancelled"
)

type Booking struct {
	gorm.Model
	RideID      uint          `json:"rideId" gorm:"not null;index"`
	Ride        *Ride         `json:"ride,omitempty"`
	PassengerID uint          `json:"passengerId" gorm:"not null;index"`
	Passenger   *User         `json:"passenger,omitempty"`
	Status      BookingStatus `json:"status" gorm:"not null;default:'pending'"`
}
