package domain

import (
	"chat-relay/errors"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
)

const (
	// PublicChannel is shared by every party of the roster.
	PublicChannel Topic = "public"
	// ChannelSeparator joins the two party names of a peer channel.
	ChannelSeparator = ":"
)

// DeriveChannel returns the channel shared by two parties.
// Both parties compute the same key whoever initiates.
func DeriveChannel(a, b string) Topic {
	pair := []string{a, b}
	sort.Strings(pair)
	return Topic(strings.ToLower(strings.Join(pair, ChannelSeparator)))
}

// Roster is the fixed list of parties known in peer mode.
type Roster struct {
	parties []string
	index   map[string]struct{}
}

// NewRoster trims names, drops empty ones and duplicates, and keeps the
// declaration order.
func NewRoster(names []string) Roster {
	parties := lo.Uniq(lo.FilterMap(names, func(name string, _ int) (string, bool) {
		name = strings.TrimSpace(name)
		return name, name != ""
	}))
	index := make(map[string]struct{}, len(parties))
	for _, p := range parties {
		index[p] = struct{}{}
	}
	return Roster{parties: parties, index: index}
}

func (r Roster) Parties() []string {
	return append([]string(nil), r.parties...)
}

func (r Roster) Len() int { return len(r.parties) }

func (r Roster) Contains(name string) bool {
	_, ok := r.index[name]
	return ok
}

// Channels lists the public channel followed by one channel per
// unordered pair of parties.
func (r Roster) Channels() []Topic {
	channels := []Topic{PublicChannel}
	for i := 0; i < len(r.parties); i++ {
		for j := i + 1; j < len(r.parties); j++ {
			channels = append(channels, DeriveChannel(r.parties[i], r.parties[j]))
		}
	}
	return channels
}

// Derivable reports whether topic is one of Channels.
func (r Roster) Derivable(topic Topic) bool {
	return lo.Contains(r.Channels(), topic)
}

// Resolve maps a sender and recipient to the channel the message goes to.
// The recipient is either "public" or another party of the roster.
func (r Roster) Resolve(sender, recipient string) (Topic, error) {
	if !r.Contains(sender) {
		return "", fmt.Errorf("%w: sender %q", errors.ErrUnknownParty, sender)
	}
	if Topic(recipient) == PublicChannel {
		return PublicChannel, nil
	}
	if !r.Contains(recipient) || recipient == sender {
		return "", fmt.Errorf("%w: recipient %q", errors.ErrUnknownParty, recipient)
	}
	return DeriveChannel(sender, recipient), nil
}
