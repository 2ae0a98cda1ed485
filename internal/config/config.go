// Package config loads the server configuration from the environment, with
// an optional .env file for development. Priority: real environment over
// .env over struct defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every tunable of the driftwire server.
type Config struct {
	// Server basics
	Addr            string        `env:"DW_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"DW_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Connection capacity and egress
	MaxConnections int `env:"DW_MAX_CONNECTIONS" envDefault:"5000"`
	SendBuffer     int `env:"DW_SEND_BUFFER" envDefault:"256"`

	// Per-session inbound message rate
	MessageRate  float64 `env:"DW_MESSAGE_RATE" envDefault:"100"`
	MessageBurst int     `env:"DW_MESSAGE_BURST" envDefault:"200"`

	// Connection admission rate limits
	ConnRateIP     float64 `env:"DW_CONN_RATE_IP" envDefault:"5"`
	ConnBurstIP    int     `env:"DW_CONN_BURST_IP" envDefault:"10"`
	ConnRateGlobal float64 `env:"DW_CONN_RATE_GLOBAL" envDefault:"100"`
	ConnBurstGlob  int     `env:"DW_CONN_BURST_GLOBAL" envDefault:"200"`

	// Resource guard watermarks (percent)
	CPUWatermark    float64       `env:"DW_CPU_WATERMARK" envDefault:"85"`
	MemoryWatermark float64       `env:"DW_MEMORY_WATERMARK" envDefault:"90"`
	MemoryLimit     int64         `env:"DW_MEMORY_LIMIT" envDefault:"0"` // bytes, 0 disables the memory check
	GuardInterval   time.Duration `env:"DW_GUARD_INTERVAL" envDefault:"5s"`

	// Op-log bounds
	OplogMaxEntries      int           `env:"DW_OPLOG_MAX_ENTRIES" envDefault:"10000"`
	OplogMaxAge          time.Duration `env:"DW_OPLOG_MAX_AGE" envDefault:"5m"`
	OplogMaxMemory       int64         `env:"DW_OPLOG_MAX_MEMORY" envDefault:"10485760"`
	OplogCleanupInterval time.Duration `env:"DW_OPLOG_CLEANUP_INTERVAL" envDefault:"1m"`

	// Ingest work lanes
	Lanes     int `env:"DW_LANES" envDefault:"8"`
	LaneQueue int `env:"DW_LANE_QUEUE" envDefault:"1024"`

	// Emit sources; empty disables the source
	NATSURL       string   `env:"DW_NATS_URL"`
	KafkaBrokers  []string `env:"DW_KAFKA_BROKERS" envSeparator:","`
	KafkaTopic    string   `env:"DW_KAFKA_TOPIC" envDefault:"sync.emit"`
	ConsumerGroup string   `env:"DW_CONSUMER_GROUP" envDefault:"driftwire"`

	// Logging
	LogLevel  string `env:"DW_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"DW_LOG_FORMAT" envDefault:"json"`
}

// Load reads the .env file if present, then parses the environment.
func Load() (*Config, error) {
	// Missing .env is fine; production injects real environment variables.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate range-checks the parsed values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("DW_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("DW_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.SendBuffer < 1 {
		return fmt.Errorf("DW_SEND_BUFFER must be > 0, got %d", c.SendBuffer)
	}
	if c.MessageRate <= 0 {
		return fmt.Errorf("DW_MESSAGE_RATE must be > 0, got %f", c.MessageRate)
	}
	if c.CPUWatermark < 0 || c.CPUWatermark > 100 {
		return fmt.Errorf("DW_CPU_WATERMARK must be 0-100, got %.1f", c.CPUWatermark)
	}
	if c.MemoryWatermark < 0 || c.MemoryWatermark > 100 {
		return fmt.Errorf("DW_MEMORY_WATERMARK must be 0-100, got %.1f", c.MemoryWatermark)
	}
	if c.Lanes < 1 {
		return fmt.Errorf("DW_LANES must be > 0, got %d", c.Lanes)
	}
	return nil
}

// LogConfig dumps the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Int("send_buffer", c.SendBuffer).
		Float64("message_rate", c.MessageRate).
		Int("oplog_max_entries", c.OplogMaxEntries).
		Dur("oplog_max_age", c.OplogMaxAge).
		Int64("oplog_max_memory", c.OplogMaxMemory).
		Int("lanes", c.Lanes).
		Str("nats_url", c.NATSURL).
		Strs("kafka_brokers", c.KafkaBrokers).
		Str("log_level", c.LogLevel).
		Msg("configuration loaded")
}
