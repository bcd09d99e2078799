package presence

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrClosed Presence 已關閉
var ErrClosed = errors.New("presence: closed")

// Local 單一程序內的 Presence 實作
//
// 用於單機部署與測試。訂閱回呼在獨立的 goroutine 中執行，
// 因此在回呼中再呼叫 Publish 不會造成死結；同一主題的訊息不保證送達順序。
type Local struct {
	mu       sync.RWMutex
	clock    clock.Clock
	subs     map[string][]Handler
	values   map[string]localValue
	sets     map[string]map[string]struct{}
	hashes   map[string]map[string]string
	closed   bool
	inflight sync.WaitGroup
}

type localValue struct {
	value     string
	expiresAt time.Time // 零值表示不過期
}

// LocalOption Local 的選項
type LocalOption func(*Local)

// WithClock 注入時鐘（測試 SetEx 過期用）
func WithClock(c clock.Clock) LocalOption {
	return func(l *Local) { l.clock = c }
}

// NewLocal 創建本地 Presence
func NewLocal(opts ...LocalOption) *Local {
	l := &Local{
		clock:  clock.New(),
		subs:   make(map[string][]Handler),
		values: make(map[string]localValue),
		sets:   make(map[string]map[string]struct{}),
		hashes: make(map[string]map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Local) Subscribe(_ context.Context, topic string, handler Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.subs[topic] = append(l.subs[topic], handler)
	return nil
}

func (l *Local) Unsubscribe(_ context.Context, topic string) error {
	l.mu.Lock()
	delete(l.subs, topic)
	l.mu.Unlock()
	return nil
}

func (l *Local) Publish(_ context.Context, topic string, payload []byte) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	handlers := append([]Handler(nil), l.subs[topic]...)
	l.inflight.Add(len(handlers))
	l.mu.RUnlock()

	for _, h := range handlers {
		msg := append([]byte(nil), payload...)
		go func(h Handler) {
			defer l.inflight.Done()
			h(msg)
		}(h)
	}
	return nil
}

func (l *Local) Exists(_ context.Context, topic string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs[topic]) > 0, nil
}

func (l *Local) SetEx(_ context.Context, key, value string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := localValue{value: value}
	if ttl > 0 {
		v.expiresAt = l.clock.Now().Add(ttl)
	}
	l.values[key] = v
	return nil
}

func (l *Local) Get(_ context.Context, key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.lookupLocked(key)
	if !ok {
		return "", nil
	}
	return v.value, nil
}

// lookupLocked 讀取字串值並惰性刪除過期鍵
func (l *Local) lookupLocked(key string) (localValue, bool) {
	v, ok := l.values[key]
	if !ok {
		return localValue{}, false
	}
	if !v.expiresAt.IsZero() && !l.clock.Now().Before(v.expiresAt) {
		delete(l.values, key)
		return localValue{}, false
	}
	return v, true
}

func (l *Local) Del(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.values, key)
	delete(l.sets, key)
	delete(l.hashes, key)
	return nil
}

func (l *Local) SAdd(_ context.Context, key, member string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.sets[key]
	if !ok {
		set = make(map[string]struct{})
		l.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

func (l *Local) SRem(_ context.Context, key, member string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if set, ok := l.sets[key]; ok {
		delete(set, member)
		if len(set) == 0 {
			delete(l.sets, key)
		}
	}
	return nil
}

func (l *Local) SMembers(_ context.Context, key string) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.membersLocked(key), nil
}

func (l *Local) membersLocked(key string) []string {
	set := l.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (l *Local) SIsMember(_ context.Context, key, member string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.sets[key][member]
	return ok, nil
}

func (l *Local) SCard(_ context.Context, key string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.sets[key])), nil
}

func (l *Local) SInter(_ context.Context, keys ...string) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sets := make([][]string, 0, len(keys))
	for _, k := range keys {
		sets = append(sets, l.membersLocked(k))
	}
	return intersect(sets), nil
}

func (l *Local) HSet(_ context.Context, key, field, value string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hashLocked(key)[field] = value
	return nil
}

func (l *Local) hashLocked(key string) map[string]string {
	h, ok := l.hashes[key]
	if !ok {
		h = make(map[string]string)
		l.hashes[key] = h
	}
	return h
}

func (l *Local) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.hashLocked(key)
	current, err := parseCounter(h[field])
	if err != nil {
		return 0, err
	}
	current += delta
	h[field] = strconv.FormatInt(current, 10)
	return current, nil
}

func (l *Local) HGet(_ context.Context, key, field string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hashes[key][field], nil
}

func (l *Local) HGetAll(_ context.Context, key string) (map[string]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]string, len(l.hashes[key]))
	for f, v := range l.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (l *Local) HDel(_ context.Context, key, field string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.hashes[key]; ok {
		delete(h, field)
		if len(h) == 0 {
			delete(l.hashes, key)
		}
	}
	return nil
}

func (l *Local) HLen(_ context.Context, key string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.hashes[key])), nil
}

func (l *Local) Incr(ctx context.Context, key string) (int64, error) {
	return l.incrBy(key, 1)
}

func (l *Local) Decr(ctx context.Context, key string) (int64, error) {
	return l.incrBy(key, -1)
}

func (l *Local) incrBy(key string, delta int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, _ := l.lookupLocked(key)
	current, err := parseCounter(v.value)
	if err != nil {
		return 0, err
	}
	current += delta
	v.value = strconv.FormatInt(current, 10)
	l.values[key] = v
	return current, nil
}

// Close 關閉並等待進行中的回呼完成
func (l *Local) Close() error {
	l.mu.Lock()
	l.closed = true
	l.subs = make(map[string][]Handler)
	l.mu.Unlock()
	l.inflight.Wait()
	return nil
}

// parseCounter 空字串視為 0
func parseCounter(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
