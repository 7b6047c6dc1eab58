package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Sessions struct {
	EventChannelSize         int `yaml:"eventChannelSize"`
	SendBufferSize           int `yaml:"sendBufferSize"`
	WebSocketReadBufferSize  int `yaml:"webSocketReadBufferSize"`
	WebSocketWriteBufferSize int `yaml:"webSocketWriteBufferSize"`
	MaxConnections           int `yaml:"maxConnections"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"` // Burst size
}

type RateLimiters struct {
	Registrations RateLimiterConfig `yaml:"registrations"`
	Events        RateLimiterConfig `yaml:"events"`
	Default       RateLimiterConfig `yaml:"default"`
}

type Registration struct {
	// AllowRejoin permits a user whose registration was cancelled to join
	// the same event again. When false the cancellation is terminal for
	// that (user, event) pair.
	AllowRejoin bool `yaml:"allowRejoin"`
}

type Reconnect struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
}

type Postgres struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbName"`
	SSLMode  string `yaml:"sslMode"`
}

type Storage struct {
	// Driver selects the backing store: "memory" or "postgres".
	Driver   string   `yaml:"driver"`
	Postgres Postgres `yaml:"postgres"`
}

type Cache struct {
	SnapshotTTL time.Duration `yaml:"snapshotTTL"`
}

type Service struct {
	HttpBinding  string       `yaml:"httpBinding"`
	LogLevel     string       `yaml:"logLevel"`
	Sessions     Sessions     `yaml:"sessions"`
	RateLimiters RateLimiters `yaml:"rateLimiters"`
	Registration Registration `yaml:"registration"`
	Reconnect    Reconnect    `yaml:"reconnect"`
	Storage      Storage      `yaml:"storage"`
	Cache        Cache        `yaml:"cache"`
}

var (
	ErrConfigFileUnreadable             = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable         = errors.New("config file is unmarshallable")
	ErrHttpBindingMissing               = errors.New("httpBinding is missing in config")
	ErrStorageDriverInvalid             = errors.New("storage.driver must be \"memory\" or \"postgres\"")
	ErrSessionsEventChannelSizeMissing  = errors.New("sessions.eventChannelSize is missing or invalid in config")
	ErrSessionsSendBufferSizeMissing    = errors.New("sessions.sendBufferSize is missing or invalid in config")
	ErrSessionsMaxConnectionsMissing    = errors.New("sessions.maxConnections is missing or invalid in config")
	ErrRateLimitersRegistrationsMissing = errors.New("rateLimiters.registrations.limit is missing in config")
	ErrRateLimitersEventsLimitMissing   = errors.New("rateLimiters.events.limit is missing in config")
	ErrRateLimitersDefaultLimitMissing  = errors.New("rateLimiters.default.limit is missing in config")
	ErrReconnectMaxAttemptsMissing      = errors.New("reconnect.maxAttempts is missing or invalid in config")
	ErrReconnectBaseDelayMissing        = errors.New("reconnect.baseDelay is missing or invalid in config")
	ErrReconnectDelayOrdering           = errors.New("reconnect.maxDelay must be >= reconnect.baseDelay")
	ErrStoragePostgresHostMissing       = errors.New("storage.postgres.host is required when driver is postgres")
	ErrStoragePostgresDBNameMissing     = errors.New("storage.postgres.dbName is required when driver is postgres")
	ErrCacheSnapshotTTLNegative         = errors.New("cache.snapshotTTL must not be negative")
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

func LoadConfig(configFile string) (*Service, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Service
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every required field. Zero-value optional fields are left
// alone; callers wanting defaults should use Default() as the base.
func (cfg *Service) Validate() error {
	if cfg.HttpBinding == "" {
		return ErrHttpBindingMissing
	}

	switch cfg.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if cfg.Storage.Postgres.Host == "" {
			return ErrStoragePostgresHostMissing
		}
		if cfg.Storage.Postgres.DBName == "" {
			return ErrStoragePostgresDBNameMissing
		}
	default:
		return ErrStorageDriverInvalid
	}

	if cfg.Sessions.EventChannelSize <= 0 {
		return ErrSessionsEventChannelSizeMissing
	}
	if cfg.Sessions.SendBufferSize <= 0 {
		return ErrSessionsSendBufferSizeMissing
	}
	if cfg.Sessions.MaxConnections <= 0 {
		return ErrSessionsMaxConnectionsMissing
	}

	if cfg.RateLimiters.Registrations.Limit == 0 {
		return ErrRateLimitersRegistrationsMissing
	}
	if cfg.RateLimiters.Events.Limit == 0 {
		return ErrRateLimitersEventsLimitMissing
	}
	if cfg.RateLimiters.Default.Limit == 0 {
		return ErrRateLimitersDefaultLimitMissing
	}

	if cfg.Reconnect.MaxAttempts <= 0 {
		return ErrReconnectMaxAttemptsMissing
	}
	if cfg.Reconnect.BaseDelay <= 0 {
		return ErrReconnectBaseDelayMissing
	}
	if cfg.Reconnect.MaxDelay < cfg.Reconnect.BaseDelay {
		return ErrReconnectDelayOrdering
	}

	// Zero means snapshots never expire; only a negative TTL is invalid.
	if cfg.Cache.SnapshotTTL < 0 {
		return ErrCacheSnapshotTTLNegative
	}
	return nil
}

// Default returns a fully valid configuration for a single-node, in-memory
// deployment. Used by tests and by pulsed when no config file is given.
func Default() *Service {
	return &Service{
		HttpBinding: "127.0.0.1:8480",
		LogLevel:    "info",
		Sessions: Sessions{
			EventChannelSize:         4096,
			SendBufferSize:           256,
			WebSocketReadBufferSize:  1024,
			WebSocketWriteBufferSize: 1024,
			MaxConnections:           10000,
		},
		RateLimiters: RateLimiters{
			Registrations: RateLimiterConfig{Limit: 25, Burst: 50},
			Events:        RateLimiterConfig{Limit: 100, Burst: 200},
			Default:       RateLimiterConfig{Limit: 50, Burst: 100},
		},
		Registration: Registration{AllowRejoin: true},
		Reconnect: Reconnect{
			MaxAttempts: 5,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    15 * time.Second,
		},
		Storage: Storage{Driver: DriverMemory},
		Cache:   Cache{SnapshotTTL: 10 * time.Minute},
	}
}
