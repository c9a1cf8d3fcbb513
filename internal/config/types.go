package config

import "time"

// Config represents the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Masking   MaskingConfig   `yaml:"masking" mapstructure:"masking"`
	Scan      ScanConfig      `yaml:"scan" mapstructure:"scan"`
	Sync      SyncConfig      `yaml:"sync" mapstructure:"sync"`
	Findings  FindingsConfig  `yaml:"findings" mapstructure:"findings"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	WebSocket WebSocketConfig `yaml:"websocket" mapstructure:"websocket"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

// MaskingConfig contains the initial masking preferences applied at startup.
// The live values are owned by the settings store afterwards.
type MaskingConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Style     string `yaml:"style" mapstructure:"style"` // blur, pixelate, or blackout
	Intensity int    `yaml:"intensity" mapstructure:"intensity"`
	Detectors struct {
		Email      bool `yaml:"email" mapstructure:"email"`
		Phone      bool `yaml:"phone" mapstructure:"phone"`
		SSN        bool `yaml:"ssn" mapstructure:"ssn"`
		CreditCard bool `yaml:"credit_card" mapstructure:"credit_card"`
	} `yaml:"detectors" mapstructure:"detectors"`
}

// ScanConfig contains the scan budget knobs
type ScanConfig struct {
	MaxNodesPerPass      int           `yaml:"max_nodes_per_pass" mapstructure:"max_nodes_per_pass"`
	MinTextLength        int           `yaml:"min_text_length" mapstructure:"min_text_length"`
	MaxTextLength        int           `yaml:"max_text_length" mapstructure:"max_text_length"`
	ScanThrottleInterval time.Duration `yaml:"scan_throttle_interval" mapstructure:"scan_throttle_interval"`
	RescanDebounce       time.Duration `yaml:"rescan_debounce" mapstructure:"rescan_debounce"`
}

// SyncConfig contains Redis-backed settings sync configuration
type SyncConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	RedisURL  string `yaml:"redis_url" mapstructure:"redis_url"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// FindingsConfig contains the optional detection-event store configuration
type FindingsConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	Path            string        `yaml:"path" mapstructure:"path"`
	ReadBufferSize  int           `yaml:"read_buffer_size" mapstructure:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size" mapstructure:"write_buffer_size"`
	PingInterval    time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout" mapstructure:"pong_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	MaxMessageSize  int64         `yaml:"max_message_size" mapstructure:"max_message_size"`
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Masking: MaskingConfig{
			Enabled:   false,
			Style:     "blur",
			Intensity: 5,
		},
		Scan: ScanConfig{
			MaxNodesPerPass:      500,
			MinTextLength:        4,
			MaxTextLength:        10000,
			ScanThrottleInterval: 2 * time.Second,
			RescanDebounce:       500 * time.Millisecond,
		},
		Sync: SyncConfig{
			Enabled:   false,
			RedisURL:  "redis://localhost:6379/0",
			KeyPrefix: "pageveil",
		},
		Findings: FindingsConfig{
			Enabled:         false,
			DatabaseURL:     "postgres://localhost:5432/pageveil?sslmode=disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		WebSocket: WebSocketConfig{
			Enabled:         true,
			Path:            "/ws",
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingInterval:    54 * time.Second,
			PongTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			MaxMessageSize:  512,
		},
	}
	cfg.Masking.Detectors.Email = true
	cfg.Masking.Detectors.Phone = true
	cfg.Masking.Detectors.SSN = true
	cfg.Masking.Detectors.CreditCard = true
	return cfg
}
