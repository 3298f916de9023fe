package protocol

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestFrameEncodeDecode(t *testing.T) {
	frame := &Frame{
		MessageType: MessageType_SyncStep2,
		Ids:         [][]byte{[]byte("a"), []byte("b")},
		Updates: []*Update{
			{Id: []byte("c"), Data: []byte("hello")},
			{Id: []byte("d"), Data: []byte{}},
		},
	}

	decoded, err := DecodeFrame(EncodeFrame(frame))
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.MessageType, MessageType_SyncStep2)
	assert.Equal(t, len(decoded.Ids), 2)
	assert.Equal(t, string(decoded.Ids[1]), "b")
	assert.Equal(t, len(decoded.Updates), 2)
	assert.Equal(t, string(decoded.Updates[0].Id), "c")
	assert.Equal(t, string(decoded.Updates[0].Data), "hello")
	assert.Equal(t, len(decoded.Updates[1].Data), 0)
}

func TestFrameDecodeSkipsUnknownFields(t *testing.T) {
	b := EncodeFrame(&Frame{MessageType: MessageType_Ack, Ids: [][]byte{[]byte("x")}})
	b = protowire.AppendTag(b, 15, protowire.VarintType)
	b = protowire.AppendVarint(b, 42)

	decoded, err := DecodeFrame(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.MessageType, MessageType_Ack)
	assert.Equal(t, string(decoded.Ids[0]), "x")
}

func TestFrameDecodeErrors(t *testing.T) {
	_, err := DecodeFrame(EncodeFrame(&Frame{}))
	assert.Equal(t, errors.Is(err, ErrUnknownMessageType), true)

	// truncated length-delimited field
	b := protowire.AppendTag(nil, frameIdsField, protowire.BytesType)
	b = protowire.AppendVarint(b, 10)
	_, err = DecodeFrame(b)
	assert.NotEqual(t, err, nil)
}
