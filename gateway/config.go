package gateway

import "time"

const (
	defaultMaxMessageSize = 4096
	defaultBurst          = 20
	defaultRefill         = time.Second
	defaultBufferSize     = 256

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Config holds the connection-level limits.
type Config struct {
	AllowedOrigins []string
	MaxMessageSize int64
	// Burst messages are accepted per RefillInterval, the rest is discarded.
	Burst          int
	RefillInterval time.Duration
	// BufferSize is the number of outbound events queued per connection.
	BufferSize int
}

func sanitizeConfig(cfg Config) Config {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = defaultRefill
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	return cfg
}
