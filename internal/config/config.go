package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "HUDDLE"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "huddle.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultAuthIssuer        = "huddle-auth"
	defaultAuthAudience      = "huddle-api"
	defaultTokenTTL          = 12 * time.Hour
	defaultRedisPrefix       = "huddle:"
	defaultMediaRoot         = "media"
	defaultMediaBaseURL      = "/media"
	defaultMediaMaxBytes     = 25 << 20
	defaultGatewayTimeout    = 10 * time.Second
	defaultPollInterval      = 30 * time.Second
	defaultCleanupInterval   = 24 * time.Hour
	defaultSchedulerBatch    = 100
	defaultActiveWindow      = 15 * time.Minute
	defaultReadRetention     = 30 * 24 * time.Hour
	defaultTerminalRetention = 30 * 24 * time.Hour
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	CORSAllowedOrigins []string
	DatabasePath       string
	LogLevel           string
	LogFormat          string

	AuthSigningSecret string
	AuthIssuer        string
	AuthAudience      string
	TokenTTL          time.Duration

	RedisAddress  string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	MediaRoot     string
	MediaBaseURL  string
	MediaMaxBytes int64

	PushRelayURL   string
	EmailRelayURL  string
	SMSRelayURL    string
	GatewayTimeout time.Duration

	SchedulerPollInterval     time.Duration
	SchedulerCleanupInterval  time.Duration
	SchedulerBatchSize        int
	SchedulerActiveWindow     time.Duration
	NotificationReadRetention time.Duration
	ScheduleRetention         time.Duration
}

// RedisEnabled reports whether a redis address was configured. Without it the
// offline queue and unread-count cache are disabled.
func (c AppConfig) RedisEnabled() bool {
	return strings.TrimSpace(c.RedisAddress) != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.cors_origins", []string{"*"})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.prefix", defaultRedisPrefix)
	configViper.SetDefault("media.root", defaultMediaRoot)
	configViper.SetDefault("media.base_url", defaultMediaBaseURL)
	configViper.SetDefault("media.max_bytes", defaultMediaMaxBytes)
	configViper.SetDefault("gateways.push_url", "")
	configViper.SetDefault("gateways.email_url", "")
	configViper.SetDefault("gateways.sms_url", "")
	configViper.SetDefault("gateways.timeout", defaultGatewayTimeout)
	configViper.SetDefault("scheduler.poll_interval", defaultPollInterval)
	configViper.SetDefault("scheduler.cleanup_interval", defaultCleanupInterval)
	configViper.SetDefault("scheduler.batch_size", defaultSchedulerBatch)
	configViper.SetDefault("scheduler.active_window", defaultActiveWindow)
	configViper.SetDefault("scheduler.read_retention", defaultReadRetention)
	configViper.SetDefault("scheduler.terminal_retention", defaultTerminalRetention)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:               configViper.GetString("http.address"),
		CORSAllowedOrigins:        configViper.GetStringSlice("http.cors_origins"),
		DatabasePath:              configViper.GetString("database.path"),
		LogLevel:                  configViper.GetString("log.level"),
		LogFormat:                 strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		AuthSigningSecret:         configViper.GetString("auth.signing_secret"),
		AuthIssuer:                configViper.GetString("auth.issuer"),
		AuthAudience:              configViper.GetString("auth.audience"),
		TokenTTL:                  configViper.GetDuration("auth.token_ttl"),
		RedisAddress:              configViper.GetString("redis.address"),
		RedisPassword:             configViper.GetString("redis.password"),
		RedisDB:                   configViper.GetInt("redis.db"),
		RedisPrefix:               configViper.GetString("redis.prefix"),
		MediaRoot:                 configViper.GetString("media.root"),
		MediaBaseURL:              configViper.GetString("media.base_url"),
		MediaMaxBytes:             configViper.GetInt64("media.max_bytes"),
		PushRelayURL:              configViper.GetString("gateways.push_url"),
		EmailRelayURL:             configViper.GetString("gateways.email_url"),
		SMSRelayURL:               configViper.GetString("gateways.sms_url"),
		GatewayTimeout:            configViper.GetDuration("gateways.timeout"),
		SchedulerPollInterval:     configViper.GetDuration("scheduler.poll_interval"),
		SchedulerCleanupInterval:  configViper.GetDuration("scheduler.cleanup_interval"),
		SchedulerBatchSize:        configViper.GetInt("scheduler.batch_size"),
		SchedulerActiveWindow:     configViper.GetDuration("scheduler.active_window"),
		NotificationReadRetention: configViper.GetDuration("scheduler.read_retention"),
		ScheduleRetention:         configViper.GetDuration("scheduler.terminal_retention"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.MediaRoot) == "" {
		return fmt.Errorf("media.root is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.SchedulerPollInterval <= 0 || c.SchedulerCleanupInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be positive")
	}
	if c.SchedulerBatchSize <= 0 {
		return fmt.Errorf("scheduler.batch_size must be positive")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("gateways.timeout must be positive")
	}
	return nil
}
