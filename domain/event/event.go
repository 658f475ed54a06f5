// Package event defines what the relay emits to a connection.
// Each event knows its wire name and the payload carried under "data".
package event

import (
	"chat-relay/domain"

	"github.com/samber/lo"
)

type DomainEvent interface {
	Name() string
	Data() any
}

const (
	InitType            = "init"
	SubscribedType      = "subscribed"
	UnsubscribedType    = "unsubscribed"
	TopicsType          = "topics"
	NewMessageType      = "new_message"
	TopicHistoryType    = "topic_history"
	HistoryResponseType = "history_response"
	ErrorType           = "error"
)

type Init struct {
	Roster   []string `json:"roster"`
	Channels []string `json:"channels"`
}

func (e Init) Name() string { return InitType }
func (e Init) Data() any    { return e }

type Subscribed struct {
	Topic domain.Topic
}

func (e Subscribed) Name() string { return SubscribedType }
func (e Subscribed) Data() any    { return e.Topic }

type Unsubscribed struct {
	Topic domain.Topic
}

func (e Unsubscribed) Name() string { return UnsubscribedType }
func (e Unsubscribed) Data() any    { return e.Topic }

type Topics struct {
	Topics []domain.Topic
}

func (e Topics) Name() string { return TopicsType }
func (e Topics) Data() any {
	if e.Topics == nil {
		return []domain.Topic{}
	}
	return e.Topics
}

// NewMessage carries Topic in topic mode and Channel in peer mode.
type NewMessage struct {
	Topic   domain.Topic `json:"topic,omitempty"`
	Channel domain.Topic `json:"channel,omitempty"`
	Message string       `json:"message"`
}

func (e NewMessage) Name() string { return NewMessageType }
func (e NewMessage) Data() any    { return e }

type TopicHistory struct {
	Topic    domain.Topic `json:"topic"`
	Messages []string     `json:"messages"`
}

func (e TopicHistory) Name() string { return TopicHistoryType }
func (e TopicHistory) Data() any    { return e }

func NewTopicHistory(topic domain.Topic, entries []domain.HistoryEntry) TopicHistory {
	return TopicHistory{
		Topic: topic,
		Messages: lo.Map(entries, func(item domain.HistoryEntry, _ int) string {
			return item.Text
		}),
	}
}

type HistoryResponse struct {
	Channel domain.Topic          `json:"channel"`
	History []domain.HistoryEntry `json:"history"`
}

func (e HistoryResponse) Name() string { return HistoryResponseType }
func (e HistoryResponse) Data() any {
	if e.History == nil {
		e.History = []domain.HistoryEntry{}
	}
	return e
}

type Error struct {
	Message string
}

func (e Error) Name() string { return ErrorType }
func (e Error) Data() any    { return e.Message }

func FromError(err error) Error {
	return Error{Message: err.Error()}
}
