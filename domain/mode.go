package domain

import (
	"chat-relay/errors"
	"fmt"
	"strings"
)

// Mode selects how topics come into existence.
type Mode string

const (
	// ModeTopics lets clients subscribe to any topic name.
	ModeTopics Mode = "topics"
	// ModePeers derives channels from a fixed roster of parties.
	ModePeers Mode = "peers"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeTopics, "":
		return ModeTopics, nil
	case ModePeers:
		return ModePeers, nil
	default:
		return "", fmt.Errorf("%w: %q", errors.ErrInvalidMode, s)
	}
}
