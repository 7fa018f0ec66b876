/**
 * Configuration for the generals extraction worker
 *
 * Loads configuration from environment variables (optionally pre-populated
 * from a .env file by main).
 */

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// maxRecognitionConcurrency bounds the worker pool. A single Tesseract host
// degrades sharply once more engines than cores are running.
const maxRecognitionConcurrency = 16

// Config holds worker configuration
type Config struct {
	Environment string `mapstructure:"ENVIRONMENT"`

	// Redis configuration
	RedisURL         string `mapstructure:"REDIS_URL"`
	CaptureQueue     string `mapstructure:"CAPTURE_QUEUE"`
	ResultChannel    string `mapstructure:"RESULT_CHANNEL"`
	AsynqConcurrency int    `mapstructure:"ASYNQ_CONCURRENCY"`

	// PostgreSQL configuration
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// Qdrant capture fingerprint index (optional)
	QdrantURL        string `mapstructure:"QDRANT_URL"`
	QdrantCollection string `mapstructure:"QDRANT_COLLECTION"`

	// S3 archive for captures that need review (optional)
	S3Bucket   string `mapstructure:"S3_BUCKET"`
	S3Region   string `mapstructure:"S3_REGION"`
	S3Endpoint string `mapstructure:"S3_ENDPOINT"`
	S3Prefix   string `mapstructure:"S3_PREFIX"`
	// Static keys for S3-compatible stores; the default AWS chain is used when empty
	S3AccessKeyID     string `mapstructure:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `mapstructure:"S3_SECRET_ACCESS_KEY"`

	// Google Sheets sync (optional)
	SheetsSpreadsheetID   string `mapstructure:"SHEETS_SPREADSHEET_ID"`
	SheetsRange           string `mapstructure:"SHEETS_RANGE"`
	SheetsCredentialsFile string `mapstructure:"SHEETS_CREDENTIALS_FILE"`

	// Vision recognition tier (optional)
	GeminiAPIKey        string  `mapstructure:"GEMINI_API_KEY"`
	GeminiModel         string  `mapstructure:"GEMINI_MODEL"`
	EscalationThreshold float64 `mapstructure:"ESCALATION_THRESHOLD"`

	// Tesseract configuration: comma-separated language hints, first is the default
	TesseractLanguages string `mapstructure:"TESSERACT_LANGUAGES"`
	// Read a blank image per language at startup so missing traineddata fails fast
	TesseractProbe bool `mapstructure:"TESSERACT_PROBE"`

	// Pipeline configuration
	RegionCatalogPath    string  `mapstructure:"REGION_CATALOG_PATH"`
	ReferenceDataPath    string  `mapstructure:"REFERENCE_DATA_PATH"`
	WorkerConcurrency    int     `mapstructure:"WORKER_CONCURRENCY"`
	ItemTimeoutMs        int     `mapstructure:"ITEM_TIMEOUT_MS"`
	RecognitionTimeoutMs int     `mapstructure:"RECOGNITION_TIMEOUT_MS"`
	AcceptanceThreshold  float64 `mapstructure:"ACCEPTANCE_THRESHOLD"`
	ReferenceMatchFloor  float64 `mapstructure:"REFERENCE_MATCH_FLOOR"`
	MinRegionDimension   int     `mapstructure:"MIN_REGION_DIMENSION"`
	DuplicateHashBits    int     `mapstructure:"DUPLICATE_HASH_BITS"`

	// HTTP API
	HTTPAddr           string `mapstructure:"HTTP_ADDR"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

var defaults = map[string]interface{}{
	"ENVIRONMENT":             "development",
	"REDIS_URL":               "redis://localhost:6379",
	"CAPTURE_QUEUE":           "generals:captures",
	"RESULT_CHANNEL":          "generals:results",
	"ASYNQ_CONCURRENCY":       2,
	"DATABASE_URL":            "",
	"QDRANT_URL":              "",
	"QDRANT_COLLECTION":       "generals_captures",
	"S3_BUCKET":               "",
	"S3_REGION":               "us-east-1",
	"S3_ENDPOINT":             "",
	"S3_PREFIX":               "review",
	"S3_ACCESS_KEY_ID":        "",
	"S3_SECRET_ACCESS_KEY":    "",
	"SHEETS_SPREADSHEET_ID":   "",
	"SHEETS_RANGE":            "Generals!A1",
	"SHEETS_CREDENTIALS_FILE": "",
	"GEMINI_API_KEY":          "",
	"GEMINI_MODEL":            "gemini-1.5-flash",
	"ESCALATION_THRESHOLD":    0.60,
	"TESSERACT_LANGUAGES":     "en",
	"TESSERACT_PROBE":         true,
	"REGION_CATALOG_PATH":     "",
	"REFERENCE_DATA_PATH":     "",
	"WORKER_CONCURRENCY":      4,
	"ITEM_TIMEOUT_MS":         30000,
	"RECOGNITION_TIMEOUT_MS":  5000,
	"ACCEPTANCE_THRESHOLD":    0.75,
	"REFERENCE_MATCH_FLOOR":   0.90,
	"MIN_REGION_DIMENSION":    64,
	"DUPLICATE_HASH_BITS":     5,
	"HTTP_ADDR":               ":8097",
	"CORS_ALLOWED_ORIGINS":    "",
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > maxRecognitionConcurrency {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and %d, got %d", maxRecognitionConcurrency, c.WorkerConcurrency)
	}

	if c.ItemTimeoutMs < 100 {
		return fmt.Errorf("ITEM_TIMEOUT_MS must be at least 100, got %d", c.ItemTimeoutMs)
	}

	if c.RecognitionTimeoutMs < 10 || c.RecognitionTimeoutMs > c.ItemTimeoutMs {
		return fmt.Errorf("RECOGNITION_TIMEOUT_MS must be between 10 and ITEM_TIMEOUT_MS, got %d", c.RecognitionTimeoutMs)
	}

	for name, value := range map[string]float64{
		"ACCEPTANCE_THRESHOLD":  c.AcceptanceThreshold,
		"REFERENCE_MATCH_FLOOR": c.ReferenceMatchFloor,
		"ESCALATION_THRESHOLD":  c.EscalationThreshold,
	} {
		if value < 0 || value > 1 {
			return fmt.Errorf("%s must be within [0, 1], got %v", name, value)
		}
	}

	if c.MinRegionDimension < 8 || c.MinRegionDimension > 1024 {
		return fmt.Errorf("MIN_REGION_DIMENSION must be between 8 and 1024, got %d", c.MinRegionDimension)
	}

	if c.DuplicateHashBits < 0 || c.DuplicateHashBits > 64 {
		return fmt.Errorf("DUPLICATE_HASH_BITS must be between 0 and 64, got %d", c.DuplicateHashBits)
	}

	if len(c.Languages()) == 0 {
		return fmt.Errorf("TESSERACT_LANGUAGES must name at least one language")
	}

	if (c.S3AccessKeyID == "") != (c.S3SecretAccessKey == "") {
		return fmt.Errorf("S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY must be set together")
	}

	if c.SheetsSpreadsheetID != "" && c.SheetsCredentialsFile == "" {
		return fmt.Errorf("SHEETS_CREDENTIALS_FILE is required when SHEETS_SPREADSHEET_ID is set")
	}

	return nil
}

// ItemTimeout is the per-capture deadline.
func (c *Config) ItemTimeout() time.Duration {
	return time.Duration(c.ItemTimeoutMs) * time.Millisecond
}

// RecognitionTimeout is the deadline for a single recognition attempt.
func (c *Config) RecognitionTimeout() time.Duration {
	return time.Duration(c.RecognitionTimeoutMs) * time.Millisecond
}

// IsProduction returns true when ENVIRONMENT=production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Languages returns the configured recognition language hints in order.
func (c *Config) Languages() []string {
	var out []string
	for _, l := range strings.Split(c.TesseractLanguages, ",") {
		if l = strings.ToLower(strings.TrimSpace(l)); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// AllowedOrigins returns the origins allowed to call the HTTP API from a
// browser. Empty means same-origin only.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
