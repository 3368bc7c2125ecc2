package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultMaxUploadBytes is the single authoritative per-file size limit.
	DefaultMaxUploadBytes = 10 << 20
	// DefaultAnonymousPool is the upload quota assumed for an anonymous
	// session the backend has never seen.
	DefaultAnonymousPool = 3
)

type Config struct {
	// Backend API
	APIBaseURL  string
	HTTPTimeout time.Duration

	// Local state
	SQLiteDBPath string

	// Upload pipeline
	MaxUploadBytes    int64
	UploadConcurrency int
	AnonymousPool     int

	// Status polling
	PollInterval    time.Duration
	PollMaxAttempts int
	StatusCacheSize int
	StatusCacheTTL  time.Duration

	// Notifications
	FlashTTL time.Duration

	// AMQP
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Google Sheets export
	GoogleSpreadsheetID      string
	GoogleSheetName          string
	GoogleServiceAccountFile string
	GoogleServiceAccountJSON string

	// Export worker
	ExportBatchSize int
	ExportInterval  time.Duration

	LogLevel string
}

func Load() *Config {
	cfg := &Config{
		APIBaseURL:  getEnv("RECEIPTS_API_URL", "http://localhost:8000/api"),
		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 60*time.Second),

		SQLiteDBPath: getEnv("SQLITE_DB_PATH", defaultStatePath()),

		MaxUploadBytes:    getEnvInt64("MAX_UPLOAD_BYTES", DefaultMaxUploadBytes),
		UploadConcurrency: getEnvInt("UPLOAD_CONCURRENCY", 4),
		AnonymousPool:     getEnvInt("ANON_DEFAULT_POOL", DefaultAnonymousPool),

		PollInterval:    getEnvDuration("POLL_INTERVAL", 3*time.Second),
		PollMaxAttempts: getEnvInt("POLL_MAX_ATTEMPTS", 100),
		StatusCacheSize: getEnvInt("STATUS_CACHE_SIZE", 256),
		StatusCacheTTL:  getEnvDuration("STATUS_CACHE_TTL", 10*time.Minute),

		FlashTTL: getEnvDuration("FLASH_TTL", 5*time.Second),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "receipts"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "receipt_settled"),

		GoogleSpreadsheetID:      getEnv("GOOGLE_SPREADSHEET_ID", ""),
		GoogleSheetName:          getEnv("GOOGLE_SHEET_NAME", "Receipts"),
		GoogleServiceAccountFile: getEnv("GOOGLE_SERVICE_ACCOUNT_FILE", getEnv("GOOGLE_APPLICATION_CREDENTIALS", "")),
		GoogleServiceAccountJSON: getEnv("GOOGLE_SERVICE_ACCOUNT_JSON", ""),

		ExportBatchSize: getEnvInt("EXPORT_BATCH_SIZE", 10),
		ExportInterval:  getEnvDuration("EXPORT_INTERVAL", 30*time.Second),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return cfg
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	// Validate API base URL
	if c.APIBaseURL == "" {
		errors = append(errors, "API base URL cannot be empty")
	} else if u, err := url.Parse(c.APIBaseURL); err != nil {
		errors = append(errors, fmt.Sprintf("invalid API base URL '%s': %v", c.APIBaseURL, err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errors = append(errors, fmt.Sprintf("invalid API base URL scheme '%s': must be 'http' or 'https'", u.Scheme))
	}

	if c.HTTPTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("invalid HTTP timeout %v: must be positive", c.HTTPTimeout))
	}

	// Validate local state database
	if c.SQLiteDBPath == "" {
		errors = append(errors, "SQLite database path cannot be empty")
	} else {
		dir := filepath.Dir(c.SQLiteDBPath)
		if dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
				}
			}
		}
	}

	// Validate upload pipeline
	if c.MaxUploadBytes < 1 {
		errors = append(errors, fmt.Sprintf("invalid max upload size %d: must be positive", c.MaxUploadBytes))
	}
	if c.UploadConcurrency < 1 || c.UploadConcurrency > 64 {
		errors = append(errors, fmt.Sprintf("invalid upload concurrency %d: must be between 1 and 64", c.UploadConcurrency))
	}
	if c.AnonymousPool < 0 {
		errors = append(errors, fmt.Sprintf("invalid anonymous pool %d: must not be negative", c.AnonymousPool))
	}

	// Validate polling
	if c.PollInterval < 100*time.Millisecond {
		errors = append(errors, fmt.Sprintf("invalid poll interval %v: must be at least 100ms", c.PollInterval))
	}
	if c.PollMaxAttempts < 1 {
		errors = append(errors, fmt.Sprintf("invalid poll max attempts %d: must be at least 1", c.PollMaxAttempts))
	}
	if c.StatusCacheSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid status cache size %d: must be at least 1", c.StatusCacheSize))
	}
	if c.FlashTTL <= 0 {
		errors = append(errors, fmt.Sprintf("invalid flash TTL %v: must be positive", c.FlashTTL))
	}

	// Validate AMQP URL if provided
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	// Validate Google Sheets export if enabled
	if c.GoogleSpreadsheetID != "" {
		if c.GoogleSheetName == "" {
			errors = append(errors, "Google Sheet name is required when GOOGLE_SPREADSHEET_ID is set")
		}
		hasFile := c.GoogleServiceAccountFile != ""
		hasJSON := c.GoogleServiceAccountJSON != ""
		if !hasFile && !hasJSON {
			errors = append(errors, "either GOOGLE_SERVICE_ACCOUNT_FILE or GOOGLE_SERVICE_ACCOUNT_JSON must be provided for sheets export")
		}
		if hasFile {
			if _, err := os.Stat(c.GoogleServiceAccountFile); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("Google service account file does not exist: %s", c.GoogleServiceAccountFile))
			}
		}
	}

	// Validate export worker
	if c.ExportBatchSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid export batch size %d: must be at least 1", c.ExportBatchSize))
	} else if c.ExportBatchSize > 1000 {
		errors = append(errors, fmt.Sprintf("invalid export batch size %d: must be at most 1000", c.ExportBatchSize))
	}

	if c.ExportInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid export interval %v: must be at least 1 second", c.ExportInterval))
	} else if c.ExportInterval > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid export interval %v: must be at most 24 hours", c.ExportInterval))
	}

	// Return combined errors
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// SheetsEnabled reports whether completed receipts are exported to a sheet
func (c *Config) SheetsEnabled() bool {
	return c.GoogleSpreadsheetID != ""
}

// AMQPEnabled reports whether settled receipts are published
func (c *Config) AMQPEnabled() bool {
	return c.AMQPURL != ""
}

func defaultStatePath() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "receiptflow", "state.db")
	}
	return "./data/receiptflow.db"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
