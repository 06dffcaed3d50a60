// Package config loads go-intake settings from defaults, an optional TOML
// file, .env files and the process environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Defaults.
const (
	DefaultPort            = 3001
	DefaultWSPath          = "/ws"
	DefaultModel           = "models/gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultVoice           = "Kore"
	DefaultIdleTimeout     = 120 * time.Second
	DefaultStore           = StoreJSON
	DefaultDataDir         = "data"
	DefaultLanguage        = "de"
	DefaultToolName        = "submitRecord"
	DefaultGreetingTrigger = "Anruf entgegennehmen."
	DefaultLogLevel        = "info"
)

// Store drivers.
const (
	StoreJSON     = "json"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Duration is a time.Duration that reads "90s" style strings from TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full runtime configuration.
type Config struct {
	Port     int    `toml:"port"`
	WSPath   string `toml:"ws_path"`
	LogLevel string `toml:"log_level"`
	Debug    bool   `toml:"debug"`

	Engine EngineConfig `toml:"engine"`
	Store  StoreConfig  `toml:"store"`
	Intake IntakeConfig `toml:"intake"`
}

// EngineConfig configures the upstream conversational engine.
type EngineConfig struct {
	// APIKey is deliberately not read from the TOML file.
	APIKey      string   `toml:"-"`
	Model       string   `toml:"model"`
	Voice       string   `toml:"voice"`
	IdleTimeout Duration `toml:"idle_timeout"`
}

// StoreConfig selects and configures persistence.
type StoreConfig struct {
	Driver      string `toml:"driver"`
	DataDir     string `toml:"data_dir"`
	DatabaseURL string `toml:"-"`
}

// IntakeConfig holds conversation-level settings.
type IntakeConfig struct {
	Language        string `toml:"language"`
	ToolName        string `toml:"tool_name"`
	GreetingTrigger string `toml:"greeting_trigger"`
	// InstructionsFile optionally replaces the built-in agent instructions.
	InstructionsFile string `toml:"instructions_file"`
}

// Default returns a Config populated with defaults.
func Default() Config {
	return Config{
		Port:     DefaultPort,
		WSPath:   DefaultWSPath,
		LogLevel: DefaultLogLevel,
		Engine: EngineConfig{
			Model:       DefaultModel,
			Voice:       DefaultVoice,
			IdleTimeout: Duration{DefaultIdleTimeout},
		},
		Store: StoreConfig{
			Driver:  DefaultStore,
			DataDir: DefaultDataDir,
		},
		Intake: IntakeConfig{
			Language:        DefaultLanguage,
			ToolName:        DefaultToolName,
			GreetingTrigger: DefaultGreetingTrigger,
		},
	}
}

// Load builds the configuration. path may be empty, in which case
// INTAKE_CONFIG is consulted; a missing file is not an error.
func Load(path string) (Config, error) {
	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv("INTAKE_CONFIG")
	}
	if path != "" {
		if err := mergeFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := mergeEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadDotEnv reads .env then .env.local without overriding real env vars.
func loadDotEnv() error {
	for _, name := range []string{".env", ".env.local"} {
		values, err := godotenv.Read(name)
		if err != nil {
			continue
		}
		for k, v := range values {
			if _, exists := os.LookupEnv(k); !exists {
				if err := os.Setenv(k, v); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func mergeFile(cfg *Config, path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("config: decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func mergeEnv(cfg *Config) error {
	if v := env("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: PORT %q", ErrInvalid, v)
		}
		cfg.Port = port
	}
	if v := env("INTAKE_WS_PATH"); v != "" {
		cfg.WSPath = v
	}
	if v := env("INTAKE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := env("INTAKE_DEBUG"); v != "" {
		cfg.Debug = v == "1" || strings.EqualFold(v, "true")
	}

	cfg.Engine.APIKey = env("GEMINI_API_KEY")
	if v := env("INTAKE_MODEL"); v != "" {
		cfg.Engine.Model = v
	}
	if v := env("INTAKE_VOICE"); v != "" {
		cfg.Engine.Voice = v
	}
	if v := env("GEMINI_IDLE_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: GEMINI_IDLE_TIMEOUT_MS %q", ErrInvalid, v)
		}
		cfg.Engine.IdleTimeout = Duration{time.Duration(ms) * time.Millisecond}
	}
	if v := env("INTAKE_IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: INTAKE_IDLE_TIMEOUT %q", ErrInvalid, v)
		}
		cfg.Engine.IdleTimeout = Duration{d}
	}

	if v := env("INTAKE_STORE"); v != "" {
		cfg.Store.Driver = strings.ToLower(v)
	}
	if v := env("INTAKE_DATA_DIR"); v != "" {
		cfg.Store.DataDir = v
	}
	cfg.Store.DatabaseURL = env("DATABASE_URL")

	if v := env("INTAKE_LANGUAGE"); v != "" {
		cfg.Intake.Language = v
	}
	if v := env("INTAKE_TOOL_NAME"); v != "" {
		cfg.Intake.ToolName = v
	}
	if v := env("INTAKE_GREETING_TRIGGER"); v != "" {
		cfg.Intake.GreetingTrigger = v
	}
	if v := env("INTAKE_INSTRUCTIONS_FILE"); v != "" {
		cfg.Intake.InstructionsFile = v
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// Validate checks ranges and driver requirements. A missing engine API key
// is not a configuration error; sessions report it when they try to connect.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Port)
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("%w: ws path %q must start with /", ErrInvalid, c.WSPath)
	}
	if c.Engine.IdleTimeout.Duration < 0 {
		return fmt.Errorf("%w: negative idle timeout", ErrInvalid)
	}
	if c.Intake.ToolName == "" {
		return fmt.Errorf("%w: empty tool name", ErrInvalid)
	}
	switch c.Store.Driver {
	case StoreJSON, StoreSQLite:
		if c.Store.DataDir == "" {
			return fmt.Errorf("%w: store %s needs a data dir", ErrInvalid, c.Store.Driver)
		}
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("%w: store postgres needs DATABASE_URL", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalid, c.Store.Driver)
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
