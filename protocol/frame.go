package protocol

import (
	"bytes"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// sync frames exchanged on the document websocket
//
// message Frame {
//     MessageType message_type = 1;
//     repeated bytes ids = 2;
//     repeated Update updates = 3;
// }
//
// message Update {
//     bytes id = 1;
//     bytes data = 2;
// }
//
// an empty binary message is a ping and is not a frame

type MessageType int32

const (
	MessageType_Unknown MessageType = 0
	// client -> server, `ids` are the update ids the client holds
	MessageType_SyncStep1 MessageType = 1
	// server -> client, `updates` the client is missing, `ids` every id the server holds
	MessageType_SyncStep2 MessageType = 2
	// either direction
	MessageType_Update MessageType = 3
	// server -> client, `ids` are the client updates the server has stored
	MessageType_Ack MessageType = 4
)

func (self MessageType) String() string {
	switch self {
	case MessageType_SyncStep1:
		return "SyncStep1"
	case MessageType_SyncStep2:
		return "SyncStep2"
	case MessageType_Update:
		return "Update"
	case MessageType_Ack:
		return "Ack"
	default:
		return fmt.Sprintf("MessageType(%d)", int32(self))
	}
}

const (
	frameMessageTypeField protowire.Number = 1
	frameIdsField         protowire.Number = 2
	frameUpdatesField     protowire.Number = 3

	updateIdField   protowire.Number = 1
	updateDataField protowire.Number = 2
)

var ErrUnknownMessageType = errors.New("unknown message type")

type Update struct {
	Id   []byte
	Data []byte
}

type Frame struct {
	MessageType MessageType
	Ids         [][]byte
	Updates     []*Update
}

func EncodeFrame(frame *Frame) []byte {
	b := make([]byte, 0, 16)
	b = protowire.AppendTag(b, frameMessageTypeField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(frame.MessageType))
	for _, id := range frame.Ids {
		b = protowire.AppendTag(b, frameIdsField, protowire.BytesType)
		b = protowire.AppendBytes(b, id)
	}
	for _, update := range frame.Updates {
		b = protowire.AppendTag(b, frameUpdatesField, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeUpdate(update))
	}
	return b
}

func encodeUpdate(update *Update) []byte {
	b := make([]byte, 0, len(update.Id)+len(update.Data)+4)
	b = protowire.AppendTag(b, updateIdField, protowire.BytesType)
	b = protowire.AppendBytes(b, update.Id)
	b = protowire.AppendTag(b, updateDataField, protowire.BytesType)
	b = protowire.AppendBytes(b, update.Data)
	return b
}

func DecodeFrame(b []byte) (*Frame, error) {
	frame := &Frame{}
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == frameMessageTypeField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			frame.MessageType = MessageType(v)
			b = b[n:]
		case num == frameIdsField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			frame.Ids = append(frame.Ids, bytes.Clone(v))
			b = b[n:]
		case num == frameUpdatesField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			update, err := decodeUpdate(v)
			if err != nil {
				return nil, err
			}
			frame.Updates = append(frame.Updates, update)
			b = b[n:]
		default:
			// skip unknown fields for forward compatibility
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	switch frame.MessageType {
	case MessageType_SyncStep1, MessageType_SyncStep2, MessageType_Update, MessageType_Ack:
		return frame, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, frame.MessageType)
	}
}

func decodeUpdate(b []byte) (*Update, error) {
	update := &Update{}
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == updateIdField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			update.Id = bytes.Clone(v)
			b = b[n:]
		case num == updateDataField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			update.Data = bytes.Clone(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return update, nil
}
