package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration written as a string ("5m", "250ms") in config files.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON writes the duration in time.Duration's string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	*d = Duration(n)
	return nil
}

// RetryConfig controls retries of a single analyzer call.
// MaxRetries 0 leaves the attempts bounded by MaxElapsedTime only.
type RetryConfig struct {
	InitialInterval     Duration `json:"initial_interval" mapstructure:"initial_interval" validate:"gt=0"`
	MaxInterval         Duration `json:"max_interval" mapstructure:"max_interval" validate:"gtefield=InitialInterval"`
	MaxElapsedTime      Duration `json:"max_elapsed_time" mapstructure:"max_elapsed_time" validate:"gte=0"`
	Multiplier          float64  `json:"multiplier" mapstructure:"multiplier" validate:"gte=1"`
	RandomizationFactor float64  `json:"randomization_factor" mapstructure:"randomization_factor" validate:"gte=0,lte=1"`
	MaxRetries          uint64   `json:"max_retries" mapstructure:"max_retries"`
}

// BreakerConfig controls the circuit breaker around the analyzer backend.
type BreakerConfig struct {
	MaxRequests         uint32   `json:"max_requests" mapstructure:"max_requests" validate:"min=1"`
	Timeout             Duration `json:"timeout" mapstructure:"timeout" validate:"gt=0"`
	ConsecutiveFailures uint32   `json:"consecutive_failures" mapstructure:"consecutive_failures" validate:"min=1"`
}

// Config is the top-level configuration.
type Config struct {
	LogLevel  string `json:"log_level" mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `json:"log_format" mapstructure:"log_format" validate:"oneof=json text"`

	// Concurrent jobs per task, and the deadline for one job with its retries
	Workers    int           `json:"workers" mapstructure:"workers" validate:"min=1,max=64"`
	JobTimeout Duration      `json:"job_timeout" mapstructure:"job_timeout" validate:"gt=0"`
	Retry      RetryConfig   `json:"retry" mapstructure:"retry"`
	Breaker    BreakerConfig `json:"breaker" mapstructure:"breaker"`

	Backend      string `json:"backend" mapstructure:"backend" validate:"oneof=claude gemini"`
	ClaudeBinary string `json:"claude_binary" mapstructure:"claude_binary"`
	Model        string `json:"model" mapstructure:"model"`
	GeminiAPIKey string `json:"gemini_api_key,omitempty" mapstructure:"gemini_api_key" validate:"required_if=Backend gemini"`

	Store       string `json:"store" mapstructure:"store" validate:"oneof=memory sqlite postgres"`
	SQLitePath  string `json:"sqlite_path" mapstructure:"sqlite_path" validate:"required_if=Store sqlite"`
	DatabaseURL string `json:"database_url,omitempty" mapstructure:"database_url" validate:"required_if=Store postgres"`

	// An empty UploadDir uses the system temp dir. MaxDocumentChars 0 means unlimited.
	ListenAddr       string `json:"listen_addr" mapstructure:"listen_addr" validate:"required"`
	UploadDir        string `json:"upload_dir" mapstructure:"upload_dir"`
	MaxUploadBytes   int64  `json:"max_upload_bytes" mapstructure:"max_upload_bytes" validate:"min=1"`
	MaxDocumentChars int    `json:"max_document_chars" mapstructure:"max_document_chars" validate:"min=0"`
}
