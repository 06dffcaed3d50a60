package engine

import (
	"log/slog"
	"time"

	"github.com/teslashibe/go-intake/internal/log"
)

// Config holds settings shared by engine implementations.
type Config struct {
	// APIKey authenticates against the backend.
	APIKey string

	// Model is the backend model name.
	Model string

	// Voice is the prebuilt voice used for synthesized speech.
	Voice string

	// BaseURL overrides the default endpoint.
	BaseURL string

	// DialTimeout bounds the connection handshake.
	DialTimeout time.Duration

	// WriteTimeout bounds each websocket write.
	WriteTimeout time.Duration

	// EventBuffer is the capacity of the Events channel.
	EventBuffer int

	// Logger is the structured logger to use.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DialTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Second,
		EventBuffer:  256,
		Logger:       log.L(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// Option is a functional option for configuring engines.
type Option func(*Config)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Config) {
		c.APIKey = key
	}
}

// WithModel sets the model.
func WithModel(model string) Option {
	return func(c *Config) {
		c.Model = model
	}
}

// WithVoice sets the voice.
func WithVoice(voice string) Option {
	return func(c *Config) {
		c.Voice = voice
	}
}

// WithBaseURL overrides the endpoint.
func WithBaseURL(url string) Option {
	return func(c *Config) {
		c.BaseURL = url
	}
}

// WithTimeouts sets the dial and write timeouts.
func WithTimeouts(dial, write time.Duration) Option {
	return func(c *Config) {
		c.DialTimeout = dial
		c.WriteTimeout = write
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
