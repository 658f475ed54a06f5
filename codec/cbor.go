// Package codec encodes relay records that leave the process: backplane
// envelopes and persisted history entries.
package codec

import (
	"chat-relay/domain"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// encMode uses Core Deterministic Encoding so one record always produces
// the same bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	// Unknown fields are ignored so older relays can read newer records.
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Record is the stored and transported form of a domain.Message.
type Record struct {
	ID        string `cbor:"id"`
	Channel   string `cbor:"channel"`
	Sender    string `cbor:"sender,omitempty"`
	Text      string `cbor:"text"`
	Timestamp int64  `cbor:"timestamp"`
}

func FromMessage(m domain.Message) Record {
	return Record{
		ID:        m.ID.String(),
		Channel:   string(m.Topic),
		Sender:    m.Sender,
		Text:      m.Text,
		Timestamp: m.At.UnixNano(),
	}
}

func (r Record) Message() (domain.Message, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ID:     id,
		Topic:  domain.Topic(r.Channel),
		Sender: r.Sender,
		Text:   r.Text,
		At:     time.Unix(0, r.Timestamp).UTC(),
	}, nil
}

func EncodeMessage(m domain.Message) ([]byte, error) {
	return Marshal(FromMessage(m))
}

func DecodeMessage(data []byte) (domain.Message, error) {
	var r Record
	if err := Unmarshal(data, &r); err != nil {
		return domain.Message{}, err
	}
	return r.Message()
}
