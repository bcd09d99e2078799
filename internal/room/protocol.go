package room

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Protocol 訊息框架的第一個位元組
type Protocol byte

const (
	ProtocolJoinRoom       Protocol = 10
	ProtocolError          Protocol = 11
	ProtocolLeaveRoom      Protocol = 12
	ProtocolRoomData       Protocol = 13
	ProtocolRoomState      Protocol = 14
	ProtocolRoomStatePatch Protocol = 15
)

func (p Protocol) String() string {
	switch p {
	case ProtocolJoinRoom:
		return "JOIN_ROOM"
	case ProtocolError:
		return "ERROR"
	case ProtocolLeaveRoom:
		return "LEAVE_ROOM"
	case ProtocolRoomData:
		return "ROOM_DATA"
	case ProtocolRoomState:
		return "ROOM_STATE"
	case ProtocolRoomStatePatch:
		return "ROOM_STATE_PATCH"
	default:
		return fmt.Sprintf("PROTOCOL(%d)", byte(p))
	}
}

// WebSocket 關閉碼
const (
	CloseNormal    = 1000
	CloseConsented = 4000
	CloseWithError = 4002
)

// ErrEmptyFrame 收到空的訊息框架
var ErrEmptyFrame = errors.New("room: empty frame")

// Frame 格式：1 個位元組的 Protocol + JSON body（可省略）
//
//	┌──────┬────────────────────┐
//	│ code │ JSON body ...      │
//	└──────┴────────────────────┘
func EncodeFrame(code Protocol, body any) ([]byte, error) {
	if body == nil {
		return []byte{byte(code)}, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", code, err)
	}
	frame := make([]byte, 0, len(data)+1)
	frame = append(frame, byte(code))
	return append(frame, data...), nil
}

// encodeRawFrame body 已經是編碼好的 JSON
func encodeRawFrame(code Protocol, body []byte) []byte {
	frame := make([]byte, 0, len(body)+1)
	frame = append(frame, byte(code))
	return append(frame, body...)
}

// DecodeFrame 拆出 Protocol 與 body
func DecodeFrame(frame []byte) (Protocol, []byte, error) {
	if len(frame) == 0 {
		return 0, nil, ErrEmptyFrame
	}
	return Protocol(frame[0]), frame[1:], nil
}

// DataMessage ROOM_DATA 的 body
type DataMessage struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message,omitempty"`
}

// ErrorMessage ERROR 的 body
type ErrorMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JoinMessage JOIN_ROOM 的 body
type JoinMessage struct {
	SessionID  string          `json:"sessionId"`
	Serializer string          `json:"serializer"`
	Handshake  json.RawMessage `json:"handshake,omitempty"`
}

// encodeData 組出 ROOM_DATA 框架
func encodeData(msgType string, payload any) ([]byte, error) {
	msg := DataMessage{Type: msgType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode message %q: %w", msgType, err)
		}
		msg.Message = data
	}
	return EncodeFrame(ProtocolRoomData, msg)
}
