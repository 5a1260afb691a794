package handlers

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ridealong/ridealong-backend/internal/models"
	"github.com/ridealong/ridealong-backend/internal/services"
	"gorm.io/gorm"
)

// reservationStatus maps a reservation error to an HTTP status code. Unknown
// errors are persistence failures and map to 500.
func reservationStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrRideNotFound),
		errors.Is(err, services.ErrBookingNotFound):
		return 404
	case errors.Is(err, services.ErrDuplicateBooking),
		errors.Is(err, services.ErrNoSeatsAvailable):
		return 409
	case errors.Is(err, services.ErrNotAllowed):
		return 403
	case errors.Is(err, services.ErrInvalidTransition):
		return 422
	default:
		return 500
	}
}

func reservationMessage(err error) string {
	if reservationStatus(err) == 500 {
		return "Something went wrong, please try again"
	}
	return err.Error()
}

// CreateBooking books a seat on a ride for the requesting user
func CreateBooking(reservations *services.Reservations) gin.HandlerFunc {
	return func(c *gin.Context) {
		userId := c.GetUint("userId")

		var input struct {
			RideID uint `json:"rideId" binding:"required"`
		}

		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		booking, err := reservations.CreateBooking(c.Request.Context(), input.RideID, userId)
		if err != nil {
			c.JSON(reservationStatus(err), gin.H{"error": reservationMessage(err)})
			return
		}

		c.JSON(201, booking)
	}
}

// CancelBooking cancels a booking and frees its seat
func CancelBooking(reservations *services.Reservations) gin.HandlerFunc {
	return func(c *gin.Context) {
		userId := c.GetUint("userId")

		bookingID, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(400, gin.H{"error": "Invalid booking id"})
			return
		}

		if err := reservations.CancelBooking(c.Request.Context(), uint(bookingID), userId); err != nil {
			c.JSON(reservationStatus(err), gin.H{"error": reservationMessage(err)})
			return
		}

		c.JSON(200, gin.H{"message": "Booking cancelled"})
	}
}

// UpdateBookingStatus lets a driver confirm or cancel a booking on their ride
func UpdateBookingStatus(reservations *services.Reservations) gin.HandlerFunc {
	return func(c *gin.Context) {
		userId := c.GetUint("userId")

		bookingID, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(400, gin.H{"error": "Invalid booking id"})
			return
		}

		var input struct {
			Status string `json:"status" binding:"required,oneof=confirmed cancelled"`
		}

		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		err = reservations.UpdateBookingStatus(
			c.Request.Context(), uint(bookingID), models.BookingStatus(input.Status), userId)
		if err != nil {
			c.JSON(reservationStatus(err), gin.H{"error": reservationMessage(err)})
			return
		}

		c.JSON(200, gin.H{"message": "Booking status updated"})
	}
}

func bookingResponse(booking *models.Booking) gin.H {
	resp := gin.H{
		"id":        booking.ID,
		"rideId":    booking.RideID,
		"status":    booking.Status,
		"createdAt": booking.CreatedAt,
		"updatedAt": booking.UpdatedAt,
	}
	if booking.Ride != nil {
		resp["ride"] = rideResponse(booking.Ride)
	}
	return resp
}

// GetMyBookings retrieves the requesting user's bookings with ride and
// driver details
func GetMyBookings(db *gorm.DB, cache *services.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		userId := c.GetUint("userId")

		if cache != nil {
			if data, ok := cache.GetUserBookings(c.Request.Context(), userId); ok {
				c.Data(200, "application/json; charset=utf-8", data)
				return
			}
		}

		var bookings []models.Booking
		if err := db.Where("passenger_id = ?", userId).
			Preload("Ride").
			Preload("Ride.Driver").
			Order("created_at DESC").
			Find(&bookings).Error; err != nil {
			c.JSON(500, gin.H{"error": "Failed to fetch bookings"})
			return
		}

		resp := make([]gin.H, 0, len(bookings))
		for i := range bookings {
			resp = append(resp, bookingResponse(&bookings[i]))
		}

		if cache != nil {
			if data, err := json.Marshal(resp); err == nil {
				cache.SetUserBookings(c.Request.Context(), userId, data)
			}
		}

		c.JSON(200, resp)
	}
}

// GetDriverBookings retrieves all bookings made against the requesting
// user's rides
func GetDriverBookings(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		userId := c.GetUint("userId")

		var bookings []models.Booking
		if err := db.Joins("Ride").
			Where("\"Ride\".driver_id = ?", userId).
			Preload("Passenger").
			Order("bookings.created_at DESC").
			Find(&bookings).Error; err != nil {
			c.JSON(500, gin.H{"error": "Failed to fetch bookings"})
			return
		}

		resp := make([]gin.H, 0, len(bookings))
		for i := range bookings {
			b := bookingResponse(&bookings[i])
			if bookings[i].Passenger != nil {
				b["passenger"] = gin.H{
					"firstName": bookings[i].Passenger.FirstName,
					"lastName":  bookings[i].Passenger.LastName,
					"avatarUrl": bookings[i].Passenger.AvatarURL,
					"rating":    bookings[i].Passenger.Rating,
				}
			}
			resp = append(resp, b)
		}

		c.JSON(200, resp)
	}
}
