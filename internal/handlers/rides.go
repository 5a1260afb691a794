package handlers

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ridealong/ridealong-backend/internal/models"
	"github.com/ridealong/ridealong-backend/internal/services"
	"gorm.io/gorm"
)

// rideResponse serializes a ride with its driver's public profile. The
// driver block is omitted when the profile record is absent.
func rideResponse(ride *models.Ride) gin.H {
	resp := gin.H{
		"id":              ride.ID,
		"driverId":        ride.DriverID,
		"fromLocation":    ride.FromLocation,
		"toLocation":      ride.ToLocation,
		"departureDate":   ride.DepartureDate,
		"departureTime":   ride.DepartureTime,
		"price":           ride.Price,
		"seatCapacity":    ride.SeatCapacity,
		"availableSeats":  ride.AvailableSeats,
		"distance":        ride.Distance,
		"additionalNotes": ride.AdditionalNotes,
		"createdAt":       ride.CreatedAt,
		"updatedAt":       ride.UpdatedAt,
	}

	if ride.Driver != nil {
		resp["driver"] = gin.H{
			"firstName": ride.Driver.FirstName,
			"lastName":  ride.Driver.LastName,
			"avatarUrl": ride.Driver.AvatarURL,
			"rating":    ride.Driver.Rating,
		}
	}

	return resp
}

// CreateRide handles the creation of a new ride offer
func CreateRide(db *gorm.DB, cache *services.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		userId := c.GetUint("userId")

		var input struct {
			FromLocation    string    `json:"fromLocation" binding:"required"`
			ToLocation      string    `json:"toLocation" binding:"required"`
			DepartureDate   time.Time `json:"departureDate" binding:"required"`
			DepartureTime   string    `json:"departureTime" binding:"required"`
			Price           float64   `json:"price" binding:"gte=0"`
			Seats           int       `json:"seats" binding:"required,min=1"`
			Distance        string    `json:"distance"`
			AdditionalNotes string    `json:"additionalNotes"`
		}

		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		// Check that the departure is not in the past
		if input.DepartureDate.Before(time.Now().Truncate(24 * time.Hour)) {
			c.JSON(400, gin.H{"error": "Ride departure date must be in the future"})
			return
		}

		ride := models.Ride{
			DriverID:        userId,
			FromLocation:    input.FromLocation,
			ToLocation:      input.ToLocation,
			DepartureDate:   input.DepartureDate,
			DepartureTime:   input.DepartureTime,
			Price:           input.Price,
			SeatCapacity:    input.Seats,
			AvailableSeats:  input.Seats,
			Distance:        input.Distance,
			AdditionalNotes: input.AdditionalNotes,
		}

		if err := db.Create(&ride).Error; err != nil {
			c.JSON(500, gin.H{"error": "Failed to create ride"})
			return
		}

		if cache != nil {
			cache.InvalidateRides(c.Request.Context())
			cache.InvalidateUserRides(c.Request.Context(), userId)
		}

		c.JSON(201, rideResponse(&ride))
	}
}

// GetRides retrieves upcoming rides with optional origin/destination search
func GetRides(db *gorm.DB, cache *services.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		from := c.Query("from")
		to := c.Query("to")
		unfiltered := from == "" && to == ""

		if unfiltered && cache != nil {
			if data, ok := cache.GetRidesList(c.Request.Context()); ok {
				c.Data(200, "application/json; charset=utf-8", data)
				return
			}
		}

		query := db.Preload("Driver").
			Where("departure_date >= ?", time.Now().Truncate(24*time.Hour)).
			Order("departure_date ASC")

		if from != "" {
			query = query.Where("LOWER(from_location) LIKE LOWER(?)", "%"+strings.ToLower(from)+"%")
		}
		if to != "" {
			query = query.Where("LOWER(to_location) LIKE LOWER(?)", "%"+strings.ToLower(to)+"%")
		}

		var rides []models.Ride
		if err := query.Find(&rides).Error; err != nil {
			c.JSON(500, gin.H{"error": "Failed to fetch rides"})
			return
		}

		resp := make([]gin.H, 0, len(rides))
		for i := range rides {
			resp = append(resp, rideResponse(&rides[i]))
		}

		if unfiltered && cache != nil {
			if data, err := json.Marshal(resp); err == nil {
				cache.SetRidesList(c.Request.Context(), data)
			}
		}

		c.JSON(200, resp)
	}
}

// GetMyRides retrieves all rides published by the requesting user
func GetMyRides(db *gorm.DB, cache *services.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		userId := c.GetUint("userId")

		if cache != nil {
			if data, ok := cache.GetUserRides(c.Request.Context(), userId); ok {
				c.Data(200, "application/json; charset=utf-8", data)
				return
			}
		}

		var rides []models.Ride
		if err := db.Where("driver_id = ?", userId).
			Order("departure_date ASC").
			Find(&rides).Error; err != nil {
			c.JSON(500, gin.H{"error": "Failed to fetch rides"})
			return
		}

		resp := make([]gin.H, 0, len(rides))
		for i := range rides {
			resp = append(resp, rideResponse(&rides[i]))
		}

		if cache != nil {
			if data, err := json.Marshal(resp); err == nil {
				cache.SetUserRides(c.Request.Context(), userId, data)
			}
		}

		c.JSON(200, resp)
	}
}

// UpdateRide lets the owner edit schedule, price and notes. Seat counts are
// never edited here; they only move through the reservation flow.
func UpdateRide(db *gorm.DB, cache *services.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		rideID := c.Param("id")
		userId := c.GetUint("userId")

		var input struct {
			FromLocation    *string    `json:"fromLocation"`
			ToLocation      *string    `json:"toLocation"`
			DepartureDate   *time.Time `json:"departureDate"`
			DepartureTime   *string    `json:"departureTime"`
			Price           *float64   `json:"price"`
			Distance        *string    `json:"distance"`
			AdditionalNotes *string    `json:"additionalNotes"`
		}

		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		var ride models.Ride
		if err := db.First(&ride, rideID).Error; err != nil {
			c.JSON(404, gin.H{"error": "Ride not found"})
			return
		}

		if ride.DriverID != userId {
			c.JSON(403, gin.H{"error": "Unauthorized to edit this ride"})
			return
		}

		if input.FromLocation != nil {
			ride.FromLocation = *input.FromLocation
		}
		if input.ToLocation != nil {
			ride.ToLocation = *input.ToLocation
		}
		if input.DepartureDate != nil {
			ride.DepartureDate = *input.DepartureDate
		}
		if input.DepartureTime != nil {
			ride.DepartureTime = *input.DepartureTime
		}
		if input.Price != nil {
			if *input.Price < 0 {
				c.JSON(400, gin.H{"error": "Price cannot be negative"})
				return
			}
			ride.Price = *input.Price
		}
		if input.Distance != nil {
			ride.Distance = *input.Distance
		}
		if input.AdditionalNotes != nil {
			ride.AdditionalNotes = *input.AdditionalNotes
		}

		if err := db.Save(&ride).Error; err != nil {
			c.JSON(500, gin.H{"error": "Failed to update ride"})
			return
		}

		if cache != nil {
			cache.InvalidateRides(c.Request.Context())
			cache.InvalidateUserRides(c.Request.Context(), userId)
		}

		c.JSON(200, rideResponse(&ride))
	}
}

// DeleteRide removes a ride and cancels its live bookings in one transaction
func DeleteRide(db *gorm.DB, cache *services.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		rideID := c.Param("id")
		userId := c.GetUint("userId")

		var ride models.Ride
		if err := db.First(&ride, rideID).Error; err != nil {
			c.JSON(404, gin.H{"error": "Ride not found"})
			return
		}

		if ride.DriverID != userId {
			c.JSON(403, gin.H{"error": "Unauthorized to delete this ride"})
			return
		}

		err := db.Transaction(func(tx *gorm.DB) error {
			if err := services.CancelBookingsForRide(tx, ride.ID); err != nil {
				return err
			}
			return tx.Delete(&ride).Error
		})
		if err != nil {
			c.JSON(500, gin.H{"error": "Failed to delete ride"})
			return
		}

		if cache != nil {
			cache.InvalidateRides(c.Request.Context())
			cache.InvalidateUserRides(c.Request.Context(), userId)
		}

		c.JSON(200, gin.H{"message": "Ride successfully deleted"})
	}
}
