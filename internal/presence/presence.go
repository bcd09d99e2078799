// Package presence 定義跨程序共享的 pub/sub 與鍵值存儲介面
//
// 配對服務中每個程序都不共享記憶體，所有跨程序協調都經過 Presence：
//   - 房間頻道（RoomChannel）：對某個房間發送 IPC 呼叫
//   - 程序頻道（ProcessChannel）：請某個程序在本地建立房間
//   - 房間數雜湊（RoomCountKey）：processId → 本地房間數，用於負載均衡
//   - 併發計數（ConcurrencyKey）：同名房間同時等待建立的請求數
//
// 系統設計考量：
//
//  1. 為什麼把 pub/sub 和 KV 放在同一個介面？
//     兩者在 Redis、NATS JetStream 上都可以由同一個連線提供，
//     對上層而言是「叢集共享狀態」這一個概念。
//
//  2. 訊息格式
//     Presence 只傳遞 []byte，序列化由上層（ipc 套件）負責。
package presence

import (
	"context"
	"time"
)

// Handler 訂閱回呼
type Handler func(payload []byte)

// Presence 叢集共享的 pub/sub 與鍵值存儲
//
// 所有實作都必須是併發安全的。
// Get / HGet 遇到不存在的鍵時回傳空字串與 nil 錯誤。
type Presence interface {
	// Subscribe 訂閱主題；同一主題可以有多個回呼
	Subscribe(ctx context.Context, topic string, handler Handler) error
	// Unsubscribe 移除主題上的所有回呼
	Unsubscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, payload []byte) error
	// Exists 檢查叢集中是否有任何程序訂閱了主題
	Exists(ctx context.Context, topic string) (bool, error)

	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, key string) error

	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)
	SInter(ctx context.Context, keys ...string) ([]string, error)

	HSet(ctx context.Context, key, field, value string) error
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key, field string) error
	HLen(ctx context.Context, key string) (int64, error)

	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)

	Close() error
}

// RoomCountKey processId → 房間數的雜湊鍵
const RoomCountKey = "roomcount"

// RoomChannel 房間的 IPC 頻道
func RoomChannel(roomID string) string {
	return "room:" + roomID
}

// ProcessChannel 程序的 IPC 頻道
func ProcessChannel(processID string) string {
	return "proc:" + processID
}

// ConcurrencyKey 同名房間建立請求的併發計數鍵
func ConcurrencyKey(roomName string) string {
	return "c:" + roomName
}

// intersect 計算多個集合的交集，保持第一個集合的順序
func intersect(sets [][]string) []string {
	if len(sets) == 0 {
		return []string{}
	}
	counts := make(map[string]int)
	for _, set := range sets {
		seen := make(map[string]struct{}, len(set))
		for _, m := range set {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			counts[m]++
		}
	}
	out := make([]string, 0)
	for _, m := range sets[0] {
		if counts[m] == len(sets) {
			out = append(out, m)
			counts[m] = 0
		}
	}
	return out
}
