package internal

import (
	"chat-relay/domain"
	"chat-relay/errors"
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	BackplaneRedis  = "redis"
	BackplaneMemory = "memory"

	HistoryBounded = "bounded"
	HistoryDurable = "durable"

	HistoryBackendBadger = "badger"
)

var validate = validator.New()

type Config struct {
	Host     string `env:"HOST,default=0.0.0.0"`
	Port     int    `env:"PORT,default=8080" validate:"min=1,max=65535"`
	LogLevel string `env:"LOG_LEVEL,default=INFO"`

	RelayMode string `env:"RELAY_MODE,default=topics" validate:"oneof=topics peers"`
	Roster    string `env:"ROSTER"`

	Backplane          string `env:"BACKPLANE,default=memory" validate:"oneof=redis memory"`
	RedisAddr          string `env:"REDIS_ADDR,default=localhost:6379" validate:"required_if=Backplane redis,required_if=HistoryBackend redis"`
	RedisPassword      string `env:"REDIS_PASSWORD"`
	RedisDB            int    `env:"REDIS_DB,default=0" validate:"min=0"`
	RedisChannelPrefix string `env:"REDIS_CHANNEL_PREFIX,default=relay:"`

	HistoryMode      string `env:"HISTORY_MODE,default=bounded" validate:"oneof=bounded durable"`
	HistoryBackend   string `env:"HISTORY_BACKEND,default=memory" validate:"oneof=redis memory badger"`
	HistoryLimit     int    `env:"HISTORY_LIMIT,default=100" validate:"min=1"`
	HistoryMaxTopics int    `env:"HISTORY_MAX_TOPICS,default=10000" validate:"min=1"`
	BadgerFilepath   string `env:"BADGER_FILEPATH,default=./data/history" validate:"required_if=HistoryMode durable,required_if=HistoryBackend badger"`

	ConnectionBufferSize int           `env:"CONNECTION_BUFFER_SIZE,default=256" validate:"min=1"`
	BackplaneBufferSize  int           `env:"BACKPLANE_BUFFER_SIZE,default=1024" validate:"min=1"`
	TrimBufferSize       int           `env:"TRIM_BUFFER_SIZE,default=1024" validate:"min=1"`
	SinkTimeout          time.Duration `env:"SINK_TIMEOUT,default=2s"`
	MaxMessageSize       int64         `env:"MAX_MESSAGE_SIZE,default=4096" validate:"min=64"`
	RateLimitBurst       int           `env:"RATE_LIMIT_BURST,default=20" validate:"min=1"`
	RateLimitInterval    time.Duration `env:"RATE_LIMIT_INTERVAL,default=1s"`
	AllowedOrigins       string        `env:"ALLOWED_ORIGINS,default=*"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
	RestartInterval time.Duration `env:"RESTART_INTERVAL,default=1s"`
	MetricInterval  time.Duration `env:"METRIC_INTERVAL,default=5s"`
}

// Load reads an optional .env file then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	mode, err := c.Mode()
	if err != nil {
		return err
	}
	if mode == domain.ModePeers && c.ParsedRoster().Len() < 2 {
		return errors.ErrEmptyRoster
	}
	return nil
}

func (c Config) Mode() (domain.Mode, error) {
	return domain.ParseMode(c.RelayMode)
}

func (c Config) ParsedRoster() domain.Roster {
	return domain.NewRoster(strings.Split(c.Roster, ","))
}

func (c Config) Origins() []string {
	return strings.Split(c.AllowedOrigins, ",")
}

func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Bounded tells whether history is kept to HistoryLimit messages per topic.
func (c Config) Bounded() bool {
	return c.HistoryMode == HistoryBounded
}

// UsesBadger reports whether history lives in badger: always when durable,
// and for bounded history with the badger backend.
func (c Config) UsesBadger() bool {
	return !c.Bounded() || c.HistoryBackend == HistoryBackendBadger
}

// UsesRedis reports whether any component needs a Redis client.
func (c Config) UsesRedis() bool {
	return c.Backplane == BackplaneRedis || (c.Bounded() && c.HistoryBackend == BackplaneRedis)
}
