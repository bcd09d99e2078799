package driver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RoomCachesKey 存放所有房間資料的 Redis 雜湊
const RoomCachesKey = "roomcaches"

// Redis 以 Redis 雜湊存放房間目錄
//
// 每筆資料以 roomId 為欄位、JSON 為值；查詢時讀出整個雜湊在記憶體中過濾。
// 目錄規模與房間數同階，HGETALL 的成本可以接受。
type Redis struct {
	client *redis.Client
}

// NewRedis 創建 Redis 目錄；client 由呼叫端負責關閉
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (d *Redis) CreateInstance(initial Listing) *RoomCache {
	return newRoomCache(initial, d)
}

func (d *Redis) Find(ctx context.Context, cond Conditions) ([]Listing, error) {
	raw, err := d.client.HGetAll(ctx, RoomCachesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", RoomCachesKey, err)
	}

	all := make([]Listing, 0, len(raw))
	for roomID, data := range raw {
		var l Listing
		if err := json.Unmarshal([]byte(data), &l); err != nil {
			return nil, fmt.Errorf("decode listing %s: %w", roomID, err)
		}
		all = append(all, l)
	}

	out := filterListings(all, cond)
	sortListings(out, nil)
	return out, nil
}

func (d *Redis) FindOne(ctx context.Context, cond Conditions, sortBy ...SortField) (*Listing, error) {
	found, err := d.Find(ctx, cond)
	if err != nil {
		return nil, err
	}
	return firstOf(found, sortBy), nil
}

func (d *Redis) Clear(ctx context.Context) error {
	return d.client.Del(ctx, RoomCachesKey).Err()
}

func (d *Redis) Close() error { return nil }

func (d *Redis) save(ctx context.Context, l Listing) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	return d.client.HSet(ctx, RoomCachesKey, l.RoomID, data).Err()
}

// update 只有擁有者會寫入，直接覆寫整筆資料
func (d *Redis) update(ctx context.Context, _ string, _ Update, after Listing) error {
	return d.save(ctx, after)
}

func (d *Redis) remove(ctx context.Context, roomID string) error {
	return d.client.HDel(ctx, RoomCachesKey, roomID).Err()
}
