package config

import (
	"path/filepath"
	"time"
)

// DefaultConfig returns the default configuration: Claude CLI backend, in-memory store.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:   "info",
		LogFormat:  "text",
		Workers:    5,
		JobTimeout: Duration(5 * time.Minute),
		Retry: RetryConfig{
			InitialInterval:     Duration(100 * time.Millisecond),
			MaxInterval:         Duration(10 * time.Second),
			MaxElapsedTime:      Duration(2 * time.Minute),
			Multiplier:          2.0,
			RandomizationFactor: 0.5,
			MaxRetries:          3,
		},
		Breaker: BreakerConfig{
			MaxRequests:         3,
			Timeout:             Duration(30 * time.Second),
			ConsecutiveFailures: 5,
		},
		Backend:          "claude",
		ClaudeBinary:     "claude",
		Store:            "memory",
		SQLitePath:       filepath.Join(".docanalyst", "tasks.db"),
		ListenAddr:       ":8080",
		MaxUploadBytes:   50 << 20,
		MaxDocumentChars: 400_000,
	}
}
