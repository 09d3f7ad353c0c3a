package config

import (
	"errors"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	BrokerDriverRedis  = "redis"
	BrokerDriverMemory = "memory"
)

type Broker struct {
	Driver   string `yaml:"driver"` // redis | memory
	Address  string `yaml:"address,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

type Sessions struct {
	SendBufferSize int   `yaml:"sendBufferSize"`
	MaxConnections int   `yaml:"maxConnections"`
	ReadLimit      int64 `yaml:"readLimit"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"` // Burst size
}

type RateLimiters struct {
	Connection RateLimiterConfig `yaml:"connection"` // inbound frames, per connection
	Publish    RateLimiterConfig `yaml:"publish"`    // HTTP publish endpoint, shared
}

type Service struct {
	Binding        string       `yaml:"binding"`
	InstanceSecret string       `yaml:"instanceSecret"` // hashed into the publish endpoint bearer token
	Broker         Broker       `yaml:"broker"`
	Sessions       Sessions     `yaml:"sessions"`
	RateLimiters   RateLimiters `yaml:"rateLimiters"`
}

var (
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrBindingMissing           = errors.New("binding is missing in config")
	ErrInstanceSecretMissing    = errors.New("instanceSecret is missing in config")
	ErrBrokerDriverUnknown      = errors.New("broker.driver must be \"redis\" or \"memory\"")
	ErrBrokerAddressMissing     = errors.New("broker.address is required for the redis driver")
)

// Tunables fall back to these when omitted; the structural fields above are
// required and fail loudly.
const (
	DefaultSendBufferSize  = 256
	DefaultMaxConnections  = 4096
	DefaultReadLimit       = 4096
	DefaultConnectionLimit = 20.0
	DefaultConnectionBurst = 40
	DefaultPublishLimit    = 200.0
	DefaultPublishBurst    = 400
)

func LoadConfig(configFile string) (*Service, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Service
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Service) Validate() error {
	if cfg.Binding == "" {
		return ErrBindingMissing
	}
	if cfg.InstanceSecret == "" {
		return ErrInstanceSecretMissing
	}

	switch cfg.Broker.Driver {
	case BrokerDriverRedis:
		if cfg.Broker.Address == "" {
			return ErrBrokerAddressMissing
		}
	case BrokerDriverMemory:
	default:
		return ErrBrokerDriverUnknown
	}

	if cfg.Sessions.SendBufferSize <= 0 {
		cfg.Sessions.SendBufferSize = DefaultSendBufferSize
	}
	if cfg.Sessions.MaxConnections <= 0 {
		cfg.Sessions.MaxConnections = DefaultMaxConnections
	}
	if cfg.Sessions.ReadLimit <= 0 {
		cfg.Sessions.ReadLimit = DefaultReadLimit
	}
	if cfg.RateLimiters.Connection.Limit <= 0 {
		cfg.RateLimiters.Connection = RateLimiterConfig{Limit: DefaultConnectionLimit, Burst: DefaultConnectionBurst}
	}
	if cfg.RateLimiters.Publish.Limit <= 0 {
		cfg.RateLimiters.Publish = RateLimiterConfig{Limit: DefaultPublishLimit, Burst: DefaultPublishBurst}
	}
	return nil
}
