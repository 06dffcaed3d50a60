package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "INTAKE_WS_PATH", "INTAKE_LOG_LEVEL", "INTAKE_DEBUG", "GEMINI_API_KEY",
		"INTAKE_MODEL", "INTAKE_VOICE", "GEMINI_IDLE_TIMEOUT_MS", "INTAKE_IDLE_TIMEOUT",
		"INTAKE_STORE", "INTAKE_DATA_DIR", "DATABASE_URL", "INTAKE_LANGUAGE",
		"INTAKE_TOOL_NAME", "INTAKE_GREETING_TRIGGER", "INTAKE_INSTRUCTIONS_FILE", "INTAKE_CONFIG",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	t.Chdir(t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.Engine.IdleTimeout.Duration != DefaultIdleTimeout {
		t.Errorf("IdleTimeout = %v", cfg.Engine.IdleTimeout)
	}
	if cfg.Store.Driver != StoreJSON {
		t.Errorf("Driver = %q", cfg.Store.Driver)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadPrecedence(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "intake.toml")
	file := `
port = 4000
[engine]
voice = "Puck"
idle_timeout = "45s"
[store]
driver = "sqlite"
`
	if err := os.WriteFile(path, []byte(file), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(".env", []byte("GEMINI_API_KEY=from-dotenv\nINTAKE_VOICE=Charon\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("INTAKE_VOICE", "Aoede")
	t.Setenv("GEMINI_IDLE_TIMEOUT_MS", "1500")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 4000 {
		t.Errorf("Port = %d, want 4000 from file", cfg.Port)
	}
	if cfg.Engine.Voice != "Aoede" {
		t.Errorf("Voice = %q, real env should win", cfg.Engine.Voice)
	}
	if cfg.Engine.APIKey != "from-dotenv" {
		t.Errorf("APIKey = %q, want value from .env", cfg.Engine.APIKey)
	}
	if cfg.Engine.IdleTimeout.Duration != 1500*time.Millisecond {
		t.Errorf("IdleTimeout = %v, legacy ms var should override file", cfg.Engine.IdleTimeout)
	}
	if cfg.Store.Driver != StoreSQLite {
		t.Errorf("Driver = %q", cfg.Store.Driver)
	}
}

func TestLoadRejectsBadNumbers(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "eighty")

	if _, err := Load(""); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"bad port", func(c *Config) { c.Port = 0 }, false},
		{"bad ws path", func(c *Config) { c.WSPath = "ws" }, false},
		{"negative idle", func(c *Config) { c.Engine.IdleTimeout = Duration{-time.Second} }, false},
		{"zero idle disables", func(c *Config) { c.Engine.IdleTimeout = Duration{} }, true},
		{"postgres without url", func(c *Config) { c.Store.Driver = StorePostgres }, false},
		{"postgres with url", func(c *Config) {
			c.Store.Driver = StorePostgres
			c.Store.DatabaseURL = "postgres://localhost/intake"
		}, true},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }, false},
		{"empty tool", func(c *Config) { c.Intake.ToolName = "" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
}
