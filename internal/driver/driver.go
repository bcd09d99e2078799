// Package driver 定義叢集共享的房間目錄（room listing）存儲
//
// 每個存活的房間在目錄中恰好有一筆資料，以 roomId 為鍵。
// 資料只由擁有該房間的程序寫入；唯一的例外是過期清理（stale cleanup）
// 移除已確認死亡的房間。
//
// 系統設計考量：
//
//  1. Listing 與 RoomCache 分離
//     Listing 是純資料（可以複製、序列化、回傳給 HTTP 客戶端）；
//     RoomCache 是房間持有的可變句柄，負責把本地修改寫回後端。
//
//  2. 查詢條件
//     內建欄位（name、locked、clients…）直接比對；
//     metadata.<key> 比對 Listing.Metadata 的頂層鍵；
//     其餘鍵視為房間類型宣告的過濾欄位（FilterBy），比對 Listing.Filters。
package driver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// 內建欄位名稱，用於查詢條件、排序與更新
const (
	FieldRoomID     = "roomId"
	FieldName       = "name"
	FieldProcessID  = "processId"
	FieldClients    = "clients"
	FieldMaxClients = "maxClients"
	FieldLocked     = "locked"
	FieldPrivate    = "private"
	FieldUnlisted   = "unlisted"
	FieldMetadata   = "metadata"
	FieldCreatedAt  = "createdAt"

	// MetadataPrefix 查詢與排序 metadata 頂層鍵的前綴，例如 "metadata.mode"
	MetadataPrefix = FieldMetadata + "."
)

// Listing 房間目錄中的一筆資料
type Listing struct {
	RoomID     string         `json:"roomId"`
	Name       string         `json:"name"`
	ProcessID  string         `json:"processId"`
	Clients    int            `json:"clients"`
	MaxClients int            `json:"maxClients"`
	Locked     bool           `json:"locked"`
	Private    bool           `json:"private"`
	Unlisted   bool           `json:"unlisted"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Filters    map[string]any `json:"filters,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Conditions 查詢條件：欄位名稱 → 期望值
type Conditions map[string]any

// SortField 排序欄位
type SortField struct {
	Field string
	Desc  bool
}

// Update 對單筆資料的修改
//
// Set 覆寫欄位；Inc 對數值欄位做增量（目前只有 clients 會用到）。
type Update struct {
	Set map[string]any
	Inc map[string]int
}

// Driver 房間目錄存儲
type Driver interface {
	// CreateInstance 建立尚未寫入後端的句柄，需呼叫 Save 才會出現在查詢結果中
	CreateInstance(initial Listing) *RoomCache
	Find(ctx context.Context, cond Conditions) ([]Listing, error)
	// FindOne 回傳排序後的第一筆；沒有符合條件的資料時回傳 nil
	FindOne(ctx context.Context, cond Conditions, sortBy ...SortField) (*Listing, error)
	// Clear 清空目錄（測試與單機重啟用）
	Clear(ctx context.Context) error
	Close() error
}

// store 後端寫入操作
type store interface {
	save(ctx context.Context, l Listing) error
	update(ctx context.Context, roomID string, u Update, after Listing) error
	remove(ctx context.Context, roomID string) error
}

// RoomCache 房間持有的目錄句柄
//
// 本地副本先更新，再寫回後端；一旦 Remove，之後的 Save / UpdateOne 都不會再寫入，
// 避免已銷毀的房間被重新登記。
type RoomCache struct {
	mu      sync.Mutex
	data    Listing
	store   store
	saved   bool
	removed bool
}

func newRoomCache(initial Listing, s store) *RoomCache {
	if initial.Metadata == nil {
		initial.Metadata = map[string]any{}
	}
	if initial.Filters == nil {
		initial.Filters = map[string]any{}
	}
	return &RoomCache{data: initial, store: s}
}

// Listing 回傳目前本地副本的複本
func (c *RoomCache) Listing() Listing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.clone()
}

// RoomID 房間 ID
func (c *RoomCache) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.RoomID
}

// Save 寫入完整資料
func (c *RoomCache) Save(ctx context.Context) error {
	c.mu.Lock()
	if c.removed {
		c.mu.Unlock()
		return nil
	}
	snapshot := c.data.clone()
	c.mu.Unlock()

	if err := c.store.save(ctx, snapshot); err != nil {
		return fmt.Errorf("save listing %s: %w", snapshot.RoomID, err)
	}

	c.mu.Lock()
	c.saved = true
	c.mu.Unlock()
	return nil
}

// UpdateOne 修改本地副本並寫回後端；尚未 Save 時只修改本地副本
func (c *RoomCache) UpdateOne(ctx context.Context, u Update) error {
	c.mu.Lock()
	if c.removed {
		c.mu.Unlock()
		return nil
	}
	if err := applyUpdate(&c.data, u); err != nil {
		c.mu.Unlock()
		return err
	}
	saved := c.saved
	after := c.data.clone()
	c.mu.Unlock()

	if !saved {
		return nil
	}
	if err := c.store.update(ctx, after.RoomID, u, after); err != nil {
		return fmt.Errorf("update listing %s: %w", after.RoomID, err)
	}
	return nil
}

// Remove 從後端移除
func (c *RoomCache) Remove(ctx context.Context) error {
	c.mu.Lock()
	if c.removed {
		c.mu.Unlock()
		return nil
	}
	c.removed = true
	roomID := c.data.RoomID
	c.mu.Unlock()

	if err := c.store.remove(ctx, roomID); err != nil {
		return fmt.Errorf("remove listing %s: %w", roomID, err)
	}
	return nil
}

// clone 深複製 map 欄位
func (l Listing) clone() Listing {
	out := l
	out.Metadata = cloneMap(l.Metadata)
	out.Filters = cloneMap(l.Filters)
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// applyUpdate 套用修改到 Listing
func applyUpdate(l *Listing, u Update) error {
	for field, v := range u.Set {
		if err := setField(l, field, v); err != nil {
			return err
		}
	}
	for field, delta := range u.Inc {
		switch field {
		case FieldClients:
			l.Clients += delta
		case FieldMaxClients:
			l.MaxClients += delta
		default:
			return fmt.Errorf("field %q cannot be incremented", field)
		}
	}
	return nil
}

func setField(l *Listing, field string, v any) error {
	var ok bool
	switch field {
	case FieldClients:
		var n float64
		n, ok = toFloat(v)
		l.Clients = int(n)
	case FieldMaxClients:
		var n float64
		n, ok = toFloat(v)
		l.MaxClients = int(n)
	case FieldLocked:
		l.Locked, ok = v.(bool)
	case FieldPrivate:
		l.Private, ok = v.(bool)
	case FieldUnlisted:
		l.Unlisted, ok = v.(bool)
	case FieldProcessID:
		l.ProcessID, ok = v.(string)
	case FieldMetadata:
		var m map[string]any
		m, ok = v.(map[string]any)
		l.Metadata = cloneMap(m)
	default:
		return fmt.Errorf("field %q cannot be set", field)
	}
	if !ok {
		return fmt.Errorf("invalid value %v (%T) for field %q", v, v, field)
	}
	return nil
}

// fieldValue 取出欄位值；非內建欄位從 Filters 讀取
func (l Listing) fieldValue(field string) (any, bool) {
	switch field {
	case FieldRoomID:
		return l.RoomID, true
	case FieldName:
		return l.Name, true
	case FieldProcessID:
		return l.ProcessID, true
	case FieldClients:
		return l.Clients, true
	case FieldMaxClients:
		return l.MaxClients, true
	case FieldLocked:
		return l.Locked, true
	case FieldPrivate:
		return l.Private, true
	case FieldUnlisted:
		return l.Unlisted, true
	case FieldCreatedAt:
		return l.CreatedAt, true
	}
	if key, ok := metadataKey(field); ok {
		v, ok := l.Metadata[key]
		return v, ok
	}
	v, ok := l.Filters[field]
	return v, ok
}

// metadataKey 解析 metadata.<key>
func metadataKey(field string) (string, bool) {
	key, ok := strings.CutPrefix(field, MetadataPrefix)
	return key, ok && key != ""
}

// isBuiltin 是否為內建欄位
func isBuiltin(field string) bool {
	switch field {
	case FieldRoomID, FieldName, FieldProcessID, FieldClients, FieldMaxClients,
		FieldLocked, FieldPrivate, FieldUnlisted, FieldCreatedAt:
		return true
	}
	return false
}

// Matches 判斷 Listing 是否符合所有條件
func (l Listing) Matches(cond Conditions) bool {
	for field, want := range cond {
		got, ok := l.fieldValue(field)
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// valuesEqual 數值先正規化再比較（JSON 解碼後的數字都是 float64）
func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	case nil:
		return b == nil
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// compareValues 回傳 -1、0、1；不同類型或無法比較時視為相等
func compareValues(a, b any) int {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	case bool:
		if bv, ok := b.(bool); ok && av != bv {
			if !av {
				return -1
			}
			return 1
		}
	}
	return 0
}

// sortListings 依排序欄位穩定排序；沒有排序欄位時依建立時間
func sortListings(listings []Listing, sortBy []SortField) {
	sort.SliceStable(listings, func(i, j int) bool {
		for _, s := range sortBy {
			a, _ := listings[i].fieldValue(s.Field)
			b, _ := listings[j].fieldValue(s.Field)
			c := compareValues(a, b)
			if c == 0 {
				continue
			}
			if s.Desc {
				return c > 0
			}
			return c < 0
		}
		if !listings[i].CreatedAt.Equal(listings[j].CreatedAt) {
			return listings[i].CreatedAt.Before(listings[j].CreatedAt)
		}
		return listings[i].RoomID < listings[j].RoomID
	})
}

// filterListings 回傳符合條件的資料
func filterListings(all []Listing, cond Conditions) []Listing {
	out := make([]Listing, 0, len(all))
	for _, l := range all {
		if l.Matches(cond) {
			out = append(out, l)
		}
	}
	return out
}

// firstOf 排序並回傳第一筆
func firstOf(listings []Listing, sortBy []SortField) *Listing {
	if len(listings) == 0 {
		return nil
	}
	sortListings(listings, sortBy)
	first := listings[0]
	return &first
}
