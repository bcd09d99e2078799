package matchmaker

import (
	"slices"
	"sync"

	"github.com/koopa0/system-design/14-matchmaker/internal/driver"
	"github.com/koopa0/system-design/14-matchmaker/internal/room"
)

// Factory 為每個新房間建立一個 Handler
type Factory func() room.Handler

// HandlerEvent 房間類型層級的事件
type HandlerEvent int

const (
	HandlerCreate HandlerEvent = iota
	HandlerLock
	HandlerUnlock
	HandlerJoin
	HandlerLeave
	HandlerDispose
)

func (e HandlerEvent) String() string {
	switch e {
	case HandlerCreate:
		return "create"
	case HandlerLock:
		return "lock"
	case HandlerUnlock:
		return "unlock"
	case HandlerJoin:
		return "join"
	case HandlerLeave:
		return "leave"
	case HandlerDispose:
		return "dispose"
	default:
		return "unknown"
	}
}

// HandlerListener 房間類型事件回呼；join / leave 以外 c 為 nil
type HandlerListener func(r *room.Room, c *room.Client)

// RegisteredHandler 已註冊的房間類型
//
// 系統設計考量：
//
//	FilterBy 決定哪些客戶端選項會寫進目錄（Listing.Filters），
//	joinOrCreate / join 用相同的鍵過濾候選房間，例如依地圖或模式分房。
//	SortBy 決定多個候選房間時的優先順序，例如人數多的先填滿。
type RegisteredHandler struct {
	name    string
	factory Factory
	options room.Options

	mu            sync.RWMutex
	filterOptions []string
	sortOptions   []driver.SortField
	listeners     map[HandlerEvent][]HandlerListener
}

func newRegisteredHandler(name string, factory Factory, options room.Options) *RegisteredHandler {
	if options == nil {
		options = room.Options{}
	}
	return &RegisteredHandler{
		name:      name,
		factory:   factory,
		options:   options,
		listeners: make(map[HandlerEvent][]HandlerListener),
	}
}

// Name 房間類型名稱
func (h *RegisteredHandler) Name() string { return h.name }

// FilterBy 設定用來分房的選項鍵
func (h *RegisteredHandler) FilterBy(keys ...string) *RegisteredHandler {
	h.mu.Lock()
	h.filterOptions = slices.Clone(keys)
	h.mu.Unlock()
	return h
}

// SortBy 設定候選房間的排序
func (h *RegisteredHandler) SortBy(fields ...driver.SortField) *RegisteredHandler {
	h.mu.Lock()
	h.sortOptions = slices.Clone(fields)
	h.mu.Unlock()
	return h
}

// On 註冊事件回呼
func (h *RegisteredHandler) On(ev HandlerEvent, l HandlerListener) *RegisteredHandler {
	h.mu.Lock()
	h.listeners[ev] = append(h.listeners[ev], l)
	h.mu.Unlock()
	return h
}

func (h *RegisteredHandler) emit(ev HandlerEvent, r *room.Room, c *room.Client) {
	h.mu.RLock()
	listeners := slices.Clone(h.listeners[ev])
	h.mu.RUnlock()
	for _, l := range listeners {
		l(r, c)
	}
}

// filters 從客戶端選項取出 FilterBy 宣告的鍵；客戶端沒帶的鍵不會出現
func (h *RegisteredHandler) filters(clientOptions room.Options) map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]any, len(h.filterOptions))
	for _, key := range h.filterOptions {
		if v, ok := clientOptions[key]; ok {
			out[key] = v
		}
	}
	return out
}

func (h *RegisteredHandler) sortBy() []driver.SortField {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.sortOptions)
}

// createOptions 客戶端選項與預設選項合併，預設選項優先
func (h *RegisteredHandler) createOptions(clientOptions room.Options) room.Options {
	out := make(room.Options, len(clientOptions)+len(h.options))
	for k, v := range clientOptions {
		out[k] = v
	}
	for k, v := range h.options {
		out[k] = v
	}
	return out
}
