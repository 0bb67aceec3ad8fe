// Package config загружает конфигурацию из флагов, переменных окружения
// и файла через viper. Переменные окружения имеют префикс DRIFTSYNC,
// точки в ключах заменяются подчеркиваниями.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "DRIFTSYNC"

	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "driftsync.db"
	defaultLogLevel      = "info"
	defaultTokenTTL      = 24 * time.Hour
	defaultRateLimit     = 120
	defaultRateWindow    = time.Minute
	defaultRetentionKeep = 1000
	defaultCursorTTL     = 30 * 24 * time.Hour
	defaultGCInterval    = time.Hour

	defaultClientDBPath  = "driftsync-client.db"
	defaultFlushInterval = 5 * time.Second
	defaultPullInterval  = 10 * time.Second
)

// ServerConfig captures runtime configuration for the sync gateway.
type ServerConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	JWTSecret       string
	TokenTTL        time.Duration
	RateLimit       int
	RateWindow      time.Duration
	RetentionWindow uint64
	CursorTTL       time.Duration
	GCInterval      time.Duration
}

// ClientConfig captures runtime configuration for the sync client.
type ClientConfig struct {
	ServerURL     string
	DatabasePath  string
	LogLevel      string
	WorkspaceID   string
	Token         string
	Backend       string
	FlushInterval time.Duration
	PullInterval  time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	v := viper.New()
	ApplyDefaults(v)
	return v
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http.address", defaultHTTPAddress)
	v.SetDefault("database.path", defaultDatabasePath)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("jwt.ttl", defaultTokenTTL)
	v.SetDefault("ratelimit.rate", defaultRateLimit)
	v.SetDefault("ratelimit.window", defaultRateWindow)
	v.SetDefault("retention.window", defaultRetentionKeep)
	v.SetDefault("retention.cursor_ttl", defaultCursorTTL)
	v.SetDefault("retention.gc_interval", defaultGCInterval)

	v.SetDefault("client.database.path", defaultClientDBPath)
	v.SetDefault("client.backend", "http")
	v.SetDefault("client.flush_interval", defaultFlushInterval)
	v.SetDefault("client.pull_interval", defaultPullInterval)
}

// LoadServer parses server configuration from viper.
func LoadServer(v *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:     v.GetString("http.address"),
		DatabasePath:    v.GetString("database.path"),
		LogLevel:        v.GetString("log.level"),
		JWTSecret:       v.GetString("jwt.secret"),
		TokenTTL:        v.GetDuration("jwt.ttl"),
		RateLimit:       v.GetInt("ratelimit.rate"),
		RateWindow:      v.GetDuration("ratelimit.window"),
		RetentionWindow: v.GetUint64("retention.window"),
		CursorTTL:       v.GetDuration("retention.cursor_ttl"),
		GCInterval:      v.GetDuration("retention.gc_interval"),
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}

	return cfg, nil
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("jwt.ttl must be positive")
	}
	return nil
}

// LoadClient parses client configuration from viper.
func LoadClient(v *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:     v.GetString("client.server_url"),
		DatabasePath:  v.GetString("client.database.path"),
		LogLevel:      v.GetString("log.level"),
		WorkspaceID:   v.GetString("client.workspace_id"),
		Token:         v.GetString("client.token"),
		Backend:       v.GetString("client.backend"),
		FlushInterval: v.GetDuration("client.flush_interval"),
		PullInterval:  v.GetDuration("client.pull_interval"),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

func (c ClientConfig) validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("client.server_url is required")
	}
	if strings.TrimSpace(c.WorkspaceID) == "" {
		return fmt.Errorf("client.workspace_id is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("client.database.path is required")
	}
	return nil
}
