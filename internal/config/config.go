package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`
	Port        string `mapstructure:"port"`
	PublicURL   string `mapstructure:"public_url"`
	BackendURL  string `mapstructure:"backend_url"`

	// JWT secret for incident action tokens (ack/resolve links)
	JWTSecret string `mapstructure:"jwt_secret"`

	// Time zone duty windows are evaluated in. Empty means server local.
	DutyTimezone string `mapstructure:"duty_timezone"`

	// Daily phone alert cap per project, 0 disables the cap.
	PhoneAlertsDailyLimit int `mapstructure:"phone_alerts_daily_limit"`

	// Reminder worker
	ReminderIntervalSeconds int `mapstructure:"reminder_interval_seconds"`

	// Twilio (hosted mode credentials)
	Twilio TwilioConfig `mapstructure:"twilio"`

	// SMTP (hosted mode mail)
	SMTP SMTPConfig `mapstructure:"smtp"`

	// FCM service account file for push alerts
	FCMCredentialsFile string `mapstructure:"fcm_credentials_file"`
}

type TwilioConfig struct {
	AccountSID  string `mapstructure:"account_sid"`
	AuthToken   string `mapstructure:"auth_token"`
	FromNumber  string `mapstructure:"from_number"`
	VoiceNumber string `mapstructure:"voice_number"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// App holds the global config instance
var App Config

// LoadConfig loads configuration from file and environment variables
func LoadConfig(path string) error {
	// Auto-load .env file if present so 'go run' works without
	// manually exporting env vars. Missing .env is fine.
	if err := godotenv.Load(); err == nil {
		log.Println("✅ Loaded .env file")
	}

	v := viper.New()

	v.SetDefault("port", "8080")
	v.SetDefault("backend_url", "http://localhost:8080")
	v.SetDefault("reminder_interval_seconds", 60)
	v.SetDefault("phone_alerts_daily_limit", 0)

	// Config file settings
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.SetConfigName("dev.config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("oncall")

	// Bind standard environment variables (Docker/deploy compatibility)
	_ = v.BindEnv("database_url", "DATABASE_URL")
	_ = v.BindEnv("redis_url", "REDIS_URL")
	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("public_url", "PUBLIC_URL")
	_ = v.BindEnv("backend_url", "BACKEND_URL")
	_ = v.BindEnv("jwt_secret", "JWT_SECRET")
	_ = v.BindEnv("duty_timezone", "DUTY_TIMEZONE")
	_ = v.BindEnv("phone_alerts_daily_limit", "PHONE_ALERTS_DAILY_LIMIT")
	_ = v.BindEnv("reminder_interval_seconds", "REMINDER_INTERVAL_SECONDS")

	_ = v.BindEnv("twilio.account_sid", "TWILIO_ACCOUNT_SID")
	_ = v.BindEnv("twilio.auth_token", "TWILIO_AUTH_TOKEN")
	_ = v.BindEnv("twilio.from_number", "TWILIO_FROM_NUMBER")
	_ = v.BindEnv("twilio.voice_number", "TWILIO_VOICE_NUMBER")

	_ = v.BindEnv("smtp.host", "SMTP_HOST")
	_ = v.BindEnv("smtp.port", "SMTP_PORT")
	_ = v.BindEnv("smtp.username", "SMTP_USERNAME")
	_ = v.BindEnv("smtp.password", "SMTP_PASSWORD")
	_ = v.BindEnv("smtp.from", "SMTP_FROM")

	_ = v.BindEnv("fcm_credentials_file", "FCM_CREDENTIALS_FILE")

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("ℹ️  No config file found, using defaults and environment variables")
		} else {
			return err
		}
	} else {
		log.Printf("✅ Loaded config from: %s", v.ConfigFileUsed())
	}

	if err := v.Unmarshal(&App); err != nil {
		return err
	}

	// Backfill environment variables for code that still reads
	// os.Getenv() directly (FCM credential loading in particular).
	setEnvIfEmpty("DATABASE_URL", App.DatabaseURL)
	setEnvIfEmpty("REDIS_URL", App.RedisURL)
	setEnvIfEmpty("PORT", App.Port)
	setEnvIfEmpty("PUBLIC_URL", App.PublicURL)
	setEnvIfEmpty("BACKEND_URL", App.BackendURL)
	setEnvIfEmpty("FCM_CREDENTIALS_FILE", App.FCMCredentialsFile)

	return nil
}

func setEnvIfEmpty(key, value string) {
	if value != "" && os.Getenv(key) == "" {
		os.Setenv(key, value)
	}
}
