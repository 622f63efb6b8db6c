package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Tesseract-Nexus/go-shared/secrets"
)

// Config holds all configuration for the service
type Config struct {
	Environment     string
	Port            string
	DatabaseURL     string
	RedisURL        string
	NATSURL         string
	StaffServiceURL string

	Storage   StorageConfig
	Analysis  AnalysisConfig
	Detection DetectionConfig

	MaxUploadBytes int64
	AllowedOrigins []string
}

// StorageConfig selects where import files are kept
type StorageConfig struct {
	Backend  string // "local" or "gcs"
	LocalDir string
	Bucket   string
}

// AnalysisConfig drives the analysis poller and the claim policy
type AnalysisConfig struct {
	// ClaimEnabled turns on the atomic claim; false keeps the unlocked FIFO pick
	ClaimEnabled       bool
	StaleAfter         time.Duration
	PollInterval       time.Duration
	Workers            int
	StuckCheckInterval time.Duration
}

// DetectionConfig tunes EAN column detection
type DetectionConfig struct {
	SampleSize       int
	ThresholdPercent int
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		Environment:     getEnv("ENVIRONMENT", "development"),
		Port:            getEnv("PORT", "8097"),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		RedisURL:        getEnv("REDIS_URL", "redis://localhost:6379/0"),
		NATSURL:         getEnv("NATS_URL", ""),
		StaffServiceURL: getEnv("STAFF_SERVICE_URL", "http://staff-service:8080"),
		Storage: StorageConfig{
			Backend:  getEnv("STORAGE_BACKEND", "local"),
			LocalDir: getEnv("STORAGE_LOCAL_DIR", "./data"),
			Bucket:   getEnv("GCS_BUCKET", ""),
		},
		Analysis: AnalysisConfig{
			ClaimEnabled:       getEnvBool("ANALYSIS_CLAIM_ENABLED", true),
			StaleAfter:         getEnvDuration("ANALYSIS_STALE_AFTER", 10*time.Minute),
			PollInterval:       getEnvDuration("ANALYSIS_POLL_INTERVAL", 30*time.Second),
			Workers:            getEnvInt("ANALYSIS_WORKERS", 1),
			StuckCheckInterval: getEnvDuration("STUCK_CHECK_INTERVAL", 5*time.Minute),
		},
		Detection: DetectionConfig{
			SampleSize:       getEnvInt("DETECTION_SAMPLE_SIZE", 1000),
			ThresholdPercent: getEnvInt("DETECTION_THRESHOLD", 80),
		},
		MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_BYTES", 50<<20)),
		AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{
			"http://localhost:3000",
			"http://localhost:4200",
			"http://localhost:4302",
		}),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var list []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	if len(list) == 0 {
		return defaultValue
	}
	return list
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// InitDB initializes the database connection
func InitDB(cfg *Config) (*gorm.DB, error) {
	dsn := cfg.DatabaseURL
	if dsn == "" {
		// Build DSN from individual components if DATABASE_URL not set
		host := getEnv("DB_HOST", "localhost")
		port := getEnv("DB_PORT", "5432")
		user := getEnv("DB_USER", "postgres")
		password := secrets.GetDBPassword()
		dbname := getEnv("DB_NAME", "ean_import_db")
		sslmode := getEnv("DB_SSLMODE", "require")

		dsn = fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			host, port, user, password, dbname, sslmode,
		)
	}

	logLevel := logger.Silent
	if cfg.Environment == "development" {
		logLevel = logger.Info
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}
