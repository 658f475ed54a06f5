package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message represents an immutable chat message bound to one topic.
type Message struct {
	ID     uuid.UUID
	Topic  Topic
	Sender string
	Text   string
	At     time.Time
}

func NewMessage(topic Topic, sender, text string, at time.Time) Message {
	return Message{
		ID:     uuid.New(),
		Topic:  topic,
		Sender: sender,
		Text:   text,
		At:     at.UTC(),
	}
}

// PeerText renders a peer-mode message the way clients display it.
func PeerText(sender, text string) string {
	return fmt.Sprintf("%s: %s", sender, text)
}

// HistoryEntry is a persisted message as exposed to readers.
type HistoryEntry struct {
	Channel   Topic     `json:"channel"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

func (m Message) Entry() HistoryEntry {
	return HistoryEntry{Channel: m.Topic, Text: m.Text, Timestamp: m.At}
}
