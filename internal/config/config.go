package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "LUMEBOARD"

	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "lumeboard.db"
	defaultRedisAddress      = "127.0.0.1:6379"
	defaultMinioBucket       = "lumeboard-snapshots"
	defaultLogLevel          = "info"
	defaultLogEncoding       = "json"
	defaultRetentionLimit    = 20
	defaultDebounceMillis    = 300
	defaultCursorMillis      = 33
	defaultHeartbeatMillis   = 10_000
	defaultPresenceTTLMillis = 30_000
	defaultTokenTTLMinutes   = 30
	defaultAuthIssuer        = "lumeboard-sync"
	defaultAuthAudience      = "lumeboard-api"
)

// AppConfig captures runtime configuration for one sync process: the room it
// mirrors, the stores it talks to and the HTTP surface it exposes.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	LogEncoding  string

	RedisAddress  string
	RedisPassword string
	RedisDB       int

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	MinioRegion    string

	RoomID          string
	UserID          string
	UserDisplayName string
	UserColor       string

	RetentionLimit    int
	DebounceInterval  time.Duration
	CursorInterval    time.Duration
	HeartbeatInterval time.Duration
	PresenceTTL       time.Duration

	AuthSigningSecret string
	AuthIssuer        string
	AuthAudience      string
	AuthTokenTTL      time.Duration
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)

	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.db", 0)

	configViper.SetDefault("minio.bucket", defaultMinioBucket)
	configViper.SetDefault("minio.use_ssl", false)

	configViper.SetDefault("versions.retention_limit", defaultRetentionLimit)
	configViper.SetDefault("sync.debounce_ms", defaultDebounceMillis)
	configViper.SetDefault("presence.cursor_interval_ms", defaultCursorMillis)
	configViper.SetDefault("presence.heartbeat_ms", defaultHeartbeatMillis)
	configViper.SetDefault("presence.ttl_ms", defaultPresenceTTLMillis)

	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		LogEncoding:  configViper.GetString("log.encoding"),

		RedisAddress:  configViper.GetString("redis.address"),
		RedisPassword: configViper.GetString("redis.password"),
		RedisDB:       configViper.GetInt("redis.db"),

		MinioEndpoint:  configViper.GetString("minio.endpoint"),
		MinioAccessKey: configViper.GetString("minio.access_key"),
		MinioSecretKey: configViper.GetString("minio.secret_key"),
		MinioBucket:    configViper.GetString("minio.bucket"),
		MinioUseSSL:    configViper.GetBool("minio.use_ssl"),
		MinioRegion:    configViper.GetString("minio.region"),

		RoomID:          configViper.GetString("room.id"),
		UserID:          configViper.GetString("user.id"),
		UserDisplayName: configViper.GetString("user.name"),
		UserColor:       configViper.GetString("user.color"),

		RetentionLimit:    configViper.GetInt("versions.retention_limit"),
		DebounceInterval:  time.Duration(configViper.GetInt("sync.debounce_ms")) * time.Millisecond,
		CursorInterval:    time.Duration(configViper.GetInt("presence.cursor_interval_ms")) * time.Millisecond,
		HeartbeatInterval: time.Duration(configViper.GetInt("presence.heartbeat_ms")) * time.Millisecond,
		PresenceTTL:       time.Duration(configViper.GetInt("presence.ttl_ms")) * time.Millisecond,

		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthAudience:      configViper.GetString("auth.audience"),
		AuthTokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RedisAddress) == "" {
		return fmt.Errorf("redis.address is required")
	}
	if strings.TrimSpace(c.MinioEndpoint) == "" {
		return fmt.Errorf("minio.endpoint is required")
	}
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.RoomID) == "" {
		return fmt.Errorf("room.id is required")
	}
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("user.id is required")
	}
	if c.RetentionLimit <= 0 {
		return fmt.Errorf("versions.retention_limit must be positive")
	}
	if c.DebounceInterval <= 0 {
		return fmt.Errorf("sync.debounce_ms must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("presence.heartbeat_ms must be positive")
	}
	if c.PresenceTTL < c.HeartbeatInterval {
		return fmt.Errorf("presence.ttl_ms must be at least presence.heartbeat_ms")
	}
	return nil
}
