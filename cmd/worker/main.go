package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/statuswatch/oncall/internal/config"
	"github.com/statuswatch/oncall/services"
	"github.com/statuswatch/oncall/workers"
)

func main() {
	log.Println("Starting workers...")

	// Load Config
	configPath := os.Getenv("ONCALL_CONFIG_PATH")

	if err := config.LoadConfig(configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Database connection
	if config.App.DatabaseURL == "" {
		log.Fatal("DATABASE_URL environment variable (or config) is required")
	}

	pg, err := sql.Open("postgres", config.App.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pg.Close()

	// Test database connection
	if err := pg.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	// Set timezone to UTC for consistent time handling
	if _, err := pg.Exec("SET TIME ZONE 'UTC'"); err != nil {
		log.Printf("Failed to set timezone to UTC: %v", err)
	}
	log.Println("  Connected to database successfully")

	if err := services.SetDutyTimezone(config.App.DutyTimezone); err != nil {
		log.Fatalf("Invalid duty timezone: %v", err)
	}

	var rdb *redis.Client
	if config.App.RedisURL != "" {
		opts, err := redis.ParseURL(config.App.RedisURL)
		if err != nil {
			log.Fatalf("Failed to parse REDIS_URL: %v", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	}

	// Initialize providers and services
	twilioService := services.NewTwilioService(config.App.Twilio)
	mailService := services.NewMailService(config.App.SMTP)
	fcmService, _ := services.NewFCMService()
	tokenService := services.NewTokenService(config.App.JWTSecret)

	alertService := services.NewAlertService(pg, rdb, twilioService, mailService, fcmService, tokenService)
	alertService.PublicURL = config.App.PublicURL
	alertService.PhoneAlertsDailyLimit = config.App.PhoneAlertsDailyLimit

	interval := time.Duration(config.App.ReminderIntervalSeconds) * time.Second
	alertWorker := workers.NewAlertWorker(alertService, interval)

	ctx, cancel := context.WithCancel(context.Background())
	go alertWorker.Start(ctx)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down workers...")
	cancel()
}
