package room

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Serializer 計算房間狀態的差異
//
// 房間每個 patch 週期呼叫一次 ApplyPatches；changed 為 true 時，
// patch 會以 ROOM_STATE_PATCH 送給所有已加入的客戶端。
// 新加入的客戶端確認 JOIN_ROOM 後收到 FullState。
type Serializer interface {
	ID() string
	Reset(state any)
	FullState() ([]byte, error)
	ApplyPatches(state any) (patch []byte, changed bool, err error)
	Handshake() []byte
}

// NoneSerializer 不同步狀態
type NoneSerializer struct{}

func (NoneSerializer) ID() string { return "none" }
func (NoneSerializer) Reset(any) {}
func (NoneSerializer) FullState() ([]byte, error) { return nil, nil }
func (NoneSerializer) ApplyPatches(any) ([]byte, bool, error) { return nil, false, nil }
func (NoneSerializer) Handshake() []byte { return nil }

// JSONSerializer 以 JSON 編碼整個狀態
//
// 沒有真正的差異計算：狀態的編碼結果與上一次不同時，patch 就是完整的新狀態。
// 適合狀態小、更新頻率低的房間。
type JSONSerializer struct {
	last []byte
}

// NewJSONSerializer 建立 JSON 序列化器
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

func (s *JSONSerializer) ID() string { return "json" }

// Reset 以新的狀態作為基準
func (s *JSONSerializer) Reset(state any) {
	s.last = nil
	if state == nil {
		return
	}
	if data, err := json.Marshal(state); err == nil {
		s.last = data
	}
}

// FullState 最近一次編碼的狀態
func (s *JSONSerializer) FullState() ([]byte, error) {
	return s.last, nil
}

// ApplyPatches 重新編碼並和上一次比較
func (s *JSONSerializer) ApplyPatches(state any) ([]byte, bool, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, false, fmt.Errorf("encode room state: %w", err)
	}
	if bytes.Equal(data, s.last) {
		return nil, false, nil
	}
	s.last = data
	return data, true, nil
}

func (s *JSONSerializer) Handshake() []byte { return nil }
