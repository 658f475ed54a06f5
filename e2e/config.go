package e2e

import (
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// RELAY_ADDR is a running relay, e.g. localhost:8080. The suite is skipped without it.
	RelayAddr string `envconfig:"RELAY_ADDR"`
	Origin    string `envconfig:"RELAY_ORIGIN" default:"http://localhost"`
	// E2E_DEBUG_JSON dumps every frame sent and received
	DebugJSON bool `envconfig:"E2E_DEBUG_JSON" default:"false"`
	// E2E_COLOURS enables colorized output for better log readability
	Colours bool `envconfig:"E2E_COLOURS" default:"true"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return cfg, err
}
