// Package domain contains core concepts of the relay.
// No runtime, network, or storage logic should be added here.
package domain

import (
	"strings"

	"github.com/google/uuid"
)

// Topic is the key of a message stream, either chosen by clients or
// derived from two parties.
type Topic string

func (t Topic) String() string { return string(t) }

// Valid reports whether the topic can be used as a key.
func (t Topic) Valid() bool {
	return strings.TrimSpace(string(t)) != ""
}

// ConnectionID identifies one live client connection.
type ConnectionID string

func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.NewString())
}
