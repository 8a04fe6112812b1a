package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the hub runtime parameters.
type Config struct {
	ListenAddress       string          `mapstructure:"listen_address"`
	LogLevel            string          `mapstructure:"log_level"`
	LogEncoding         string          `mapstructure:"log_encoding"`
	ShutdownGracePeriod time.Duration   `mapstructure:"shutdown_grace_period"`
	Server              ServerConfig    `mapstructure:"server"`
	Transport           TransportConfig `mapstructure:"transport"`
	Router              RouterConfig    `mapstructure:"router"`
	Cleanup             CleanupConfig   `mapstructure:"cleanup"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
}

// TransportConfig tunes per-session websocket behavior.
type TransportConfig struct {
	SendBuffer   int           `mapstructure:"send_buffer"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PongTimeout  time.Duration `mapstructure:"pong_timeout"`
	ReadLimit    int64         `mapstructure:"read_limit"`
}

// RouterConfig bounds handler execution.
type RouterConfig struct {
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
}

// CleanupConfig drives the stale-connection sweeper.
type CleanupConfig struct {
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	MaxConnectionAge time.Duration `mapstructure:"max_connection_age"`
}

const (
	defaultListenAddress       = "0.0.0.0:8080"
	defaultLogLevel            = "info"
	defaultLogEncoding         = "json"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultReadHeaderTimeout   = 5 * time.Second
	defaultSendBuffer          = 32
	defaultWriteTimeout        = 10 * time.Second
	defaultPongTimeout         = 60 * time.Second
	defaultReadLimit           = 1 << 20
	defaultHandlerTimeout      = 10 * time.Second
	defaultSweepInterval       = 5 * time.Minute
	defaultMaxConnectionAge    = 30 * time.Minute
)

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with HUB_ and can
// override file values, e.g. HUB_CLEANUP_SWEEP_INTERVAL=1m.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HUB")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_encoding", defaultLogEncoding)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("server.read_header_timeout", defaultReadHeaderTimeout.String())
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("transport.send_buffer", defaultSendBuffer)
	v.SetDefault("transport.write_timeout", defaultWriteTimeout.String())
	v.SetDefault("transport.pong_timeout", defaultPongTimeout.String())
	v.SetDefault("transport.read_limit", defaultReadLimit)
	v.SetDefault("router.handler_timeout", defaultHandlerTimeout.String())
	v.SetDefault("cleanup.sweep_interval", defaultSweepInterval.String())
	v.SetDefault("cleanup.max_connection_age", defaultMaxConnectionAge.String())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves env-sourced durations as strings; normalize them here.
	for key, dst := range map[string]*time.Duration{
		"shutdown_grace_period":      &cfg.ShutdownGracePeriod,
		"server.read_header_timeout": &cfg.Server.ReadHeaderTimeout,
		"transport.write_timeout":    &cfg.Transport.WriteTimeout,
		"transport.pong_timeout":     &cfg.Transport.PongTimeout,
		"router.handler_timeout":     &cfg.Router.HandlerTimeout,
		"cleanup.sweep_interval":     &cfg.Cleanup.SweepInterval,
		"cleanup.max_connection_age": &cfg.Cleanup.MaxConnectionAge,
	} {
		dur, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = dur
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.LogEncoding == "" {
		cfg.LogEncoding = defaultLogEncoding
	}
	if cfg.Transport.SendBuffer <= 0 {
		cfg.Transport.SendBuffer = defaultSendBuffer
	}
	if cfg.Transport.ReadLimit <= 0 {
		cfg.Transport.ReadLimit = defaultReadLimit
	}

	return cfg, nil
}
