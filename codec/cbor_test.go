package codec

import (
	"chat-relay/domain"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeMessage_IsDeterministicAndDecodes(t *testing.T) {
	req := require.New(t)
	msg := domain.NewMessage("sports", "alice", "hi", time.Unix(1700000000, 42))

	first, err := EncodeMessage(msg)
	req.NoError(err)
	second, err := EncodeMessage(msg)
	req.NoError(err)
	req.Equal(first, second)

	decoded, err := DecodeMessage(first)
	req.NoError(err)
	req.Equal(msg, decoded)
}

func TestDecodeMessage_RejectsGarbage(t *testing.T) {
	req := require.New(t)
	_, err := DecodeMessage([]byte("not cbor"))
	req.Error(err)

	// Valid CBOR but the id is not a uuid
	data, err := Marshal(Record{ID: "nope", Channel: "sports"})
	req.NoError(err)
	_, err = DecodeMessage(data)
	req.Error(err)
}
