package gateway

import (
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Inbound event names.
const (
	SubscribeEvent      = "subscribe"
	UnsubscribeEvent    = "unsubscribe"
	SendMessageEvent    = "send_message"
	RequestHistoryEvent = "request_history"
)

// Envelope is the JSON object carried by every text frame.
type Envelope struct {
	Event string          `json:"event" validate:"required"`
	Data  json.RawMessage `json:"data"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type topicPayload struct {
	Topic string `json:"topic" validate:"required"`
}

type channelPayload struct {
	Channel string `json:"channel" validate:"required"`
}

type sendPayload struct {
	Topic     string `json:"topic" validate:"required_without=Sender"`
	Sender    string `json:"sender" validate:"required_without=Topic,required_with=Recipient"`
	Recipient string `json:"recipient" validate:"required_with=Sender"`
	Message   string `json:"message" validate:"required"`
}

// Request is a decoded inbound frame.
type Request struct {
	Event string
	Topic domain.Topic
	Send  domain.SendCommand
}

// Decode parses and validates one inbound frame. Errors wrap
// ErrMalformedEvent or ErrUnknownEvent.
func Decode(raw []byte) (Request, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Request{}, fmt.Errorf("%w: %v", errors.ErrMalformedEvent, err)
	}
	if err := validate.Struct(envelope); err != nil {
		return Request{}, fmt.Errorf("%w: missing event name", errors.ErrMalformedEvent)
	}

	req := Request{Event: envelope.Event}
	switch envelope.Event {
	case SubscribeEvent, UnsubscribeEvent:
		topic, err := decodeName(envelope.Data, func(data []byte) (string, error) {
			var p topicPayload
			if err := json.Unmarshal(data, &p); err != nil {
				return "", err
			}
			return p.Topic, validate.Struct(p)
		})
		if err != nil {
			return Request{}, err
		}
		req.Topic = domain.Topic(topic)
	case RequestHistoryEvent:
		channel, err := decodeName(envelope.Data, func(data []byte) (string, error) {
			var p channelPayload
			if err := json.Unmarshal(data, &p); err != nil {
				return "", err
			}
			return p.Channel, validate.Struct(p)
		})
		if err != nil {
			return Request{}, err
		}
		req.Topic = domain.Topic(channel)
	case SendMessageEvent:
		var p sendPayload
		if err := json.Unmarshal(envelope.Data, &p); err != nil {
			return Request{}, fmt.Errorf("%w: %v", errors.ErrMalformedEvent, err)
		}
		if err := validate.Struct(p); err != nil {
			return Request{}, fmt.Errorf("%w: %v", errors.ErrMalformedEvent, err)
		}
		req.Send = domain.SendCommand{
			Topic:     domain.Topic(strings.TrimSpace(p.Topic)),
			Sender:    strings.TrimSpace(p.Sender),
			Recipient: strings.TrimSpace(p.Recipient),
			Message:   p.Message,
		}
	default:
		return Request{}, fmt.Errorf("%w: %q", errors.ErrUnknownEvent, envelope.Event)
	}
	return req, nil
}

// decodeName accepts a bare JSON string or an object handled by fromObject.
func decodeName(data json.RawMessage, fromObject func([]byte) (string, error)) (string, error) {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		if name, err = fromObject(data); err != nil {
			return "", fmt.Errorf("%w: %v", errors.ErrMalformedEvent, err)
		}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty name", errors.ErrMalformedEvent)
	}
	return name, nil
}

// Encode renders an outbound event as {"event": ..., "data": ...}.
func Encode(e event.DomainEvent) ([]byte, error) {
	return json.Marshal(outbound{Event: e.Name(), Data: e.Data()})
}
