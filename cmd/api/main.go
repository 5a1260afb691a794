package main

import (
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/ridealong/ridealong-backend/internal/database"
	"github.com/ridealong/ridealong-backend/internal/handlers"
	"github.com/ridealong/ridealong-backend/internal/logger"
	"github.com/ridealong/ridealong-backend/internal/middleware"
	"github.com/ridealong/ridealong-backend/internal/services"
	"github.com/sirupsen/logrus"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.Warn("No .env file found, using environment variables")
	}

	logger.Setup()

	db, err := database.InitDB()
	if err != nil {
		logrus.Fatalf("Failed to initialize database: %v", err)
	}

	if err := database.RunMigrations(db); err != nil {
		logrus.Fatalf("Failed to run migrations: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		logrus.Fatalf("Failed to get database instance: %v", err)
	}

	// Configure connection pool
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// Redis is an optimization; the API serves from the database without it
	var cache *services.Cache
	if rdb, err := services.InitRedis(); err != nil {
		logrus.Warnf("Redis unavailable, running without query cache: %v", err)
	} else {
		cache = services.NewCache(rdb)
	}

	if err := services.InitStorage(); err != nil {
		logrus.Fatalf("Failed to initialize storage: %v", err)
	}

	// WebSocket hub for booking notifications
	hub := services.NewHub()
	go hub.Run()

	reservations := services.NewReservations(db, cache, hub)

	r := gin.Default()

	config := cors.DefaultConfig()
	config.AllowOrigins = []string{"*"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	r.Use(cors.New(config))

	// Serve locally stored uploads (S3 serves its own URLs)
	r.Static("/uploads", "./uploads")

	api := r.Group("/api")
	{
		// Public routes
		auth := api.Group("/auth")
		{
			auth.POST("/register", handlers.Register(db))
			auth.POST("/login", handlers.Login(db))
		}

		// WebSocket connection
		api.GET("/ws", middleware.AuthMiddleware(), handlers.WebSocketHandler(hub))

		// Protected routes
		protected := api.Group("/")
		protected.Use(middleware.AuthMiddleware())
		{
			users := protected.Group("/users")
			{
				users.GET("/profile", handlers.GetProfile(db))
				users.PUT("/profile", handlers.UpdateProfile(db))
				users.POST("/avatar", handlers.UploadAvatar(db))
			}

			rides := protected.Group("/rides")
			{
				rides.GET("", handlers.GetRides(db, cache))
				rides.POST("", handlers.CreateRide(db, cache))
				rides.GET("/mine", handlers.GetMyRides(db, cache))
				rides.PUT("/:id", handlers.UpdateRide(db, cache))
				rides.DELETE("/:id", handlers.DeleteRide(db, cache))
			}

			bookings := protected.Group("/bookings")
			{
				bookings.POST("", handlers.CreateBooking(reservations))
				bookings.POST("/:id/cancel", handlers.CancelBooking(reservations))
				bookings.PATCH("/:id/status", handlers.UpdateBookingStatus(reservations))
				bookings.GET("/mine", handlers.GetMyBookings(db, cache))
				bookings.GET("/driver", handlers.GetDriverBookings(db))
			}
		}
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		logrus.Fatalf("Failed to start server: %v", err)
	}
}
