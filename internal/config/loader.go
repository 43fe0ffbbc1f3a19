package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DOCANALYST_WORKERS or DOCANALYST_RETRY_MAX_RETRIES.
const EnvPrefix = "DOCANALYST"

// ErrInvalidConfig is returned when the merged configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New()

// Load reads and merges configuration from global and project paths, then
// applies environment overrides.
// Order of precedence (highest to lowest): environment, project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")

	// Start with defaults
	defaults, err := json.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("encoding defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("reading defaults: %w", err)
	}

	if globalPath != "" {
		if err := mergeConfigFile(v, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(v, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := bindEnv(v); err != nil {
		return nil, err
	}

	var cfg Config
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHook,
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.docanalyst/config.json
// Project: .docanalyst/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".docanalyst", "config.json")
	projectPath := filepath.Join(".docanalyst", "config.json")

	return Load(globalPath, projectPath)
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// mergeConfigFile merges a JSON config file over the current values.
// Missing files are silently skipped. Malformed JSON returns an error.
func mergeConfigFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// bindEnv registers DOCANALYST_* overrides for every leaf key of Config,
// including keys whose defaults are empty.
func bindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for _, key := range configKeys(reflect.TypeOf(Config{}), "") {
		envVar := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envVar); err != nil {
			return fmt.Errorf("binding environment variable %s: %w", envVar, err)
		}
	}
	return nil
}

// configKeys lists the dotted mapstructure keys of every leaf field.
func configKeys(t reflect.Type, prefix string) []string {
	var keys []string
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name := field.Tag.Get("mapstructure")
		if name == "" || name == "-" {
			continue
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		if field.Type.Kind() == reflect.Struct {
			keys = append(keys, configKeys(field.Type, name)...)
			continue
		}
		keys = append(keys, name)
	}
	return keys
}

var durationType = reflect.TypeOf(Duration(0))

// durationHook decodes "5m"-style strings, and numbers as nanoseconds, into Duration.
func durationHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != durationType {
		return data, nil
	}

	switch v := data.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", v, err)
		}
		return Duration(d), nil
	case float64:
		return Duration(int64(v)), nil
	case int:
		return Duration(v), nil
	case int64:
		return Duration(v), nil
	}
	return data, nil
}
