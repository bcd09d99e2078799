package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
)

// Redis 以 Redis 實作的 Presence
//
// 系統設計考量：
//
//  1. 訂閱連線
//     所有主題共用同一個 PubSub 連線，由一個 goroutine 分派訊息。
//     Redis 的訂閱連線不能執行一般指令，因此一般指令走 client 連線池。
//
//  2. Exists
//     使用 PUBSUB NUMSUB，能看到叢集中所有程序的訂閱，而不只本程序。
type Redis struct {
	client *redis.Client
	pubsub *redis.PubSub
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string][]Handler

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// NewRedis 創建 Redis Presence；client 由呼叫端負責關閉
func NewRedis(ctx context.Context, client *redis.Client, logger *slog.Logger) (*Redis, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	r := &Redis{
		client: client,
		pubsub: client.Subscribe(ctx),
		logger: logger,
		subs:   make(map[string][]Handler),
		done:   make(chan struct{}),
	}

	r.wg.Add(1)
	go r.dispatchLoop()

	return r, nil
}

// dispatchLoop 從訂閱連線讀取訊息並分派給回呼
func (r *Redis) dispatchLoop() {
	defer r.wg.Done()

	ch := r.pubsub.Channel()
	for {
		select {
		case <-r.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.mu.RLock()
			handlers := append([]Handler(nil), r.subs[msg.Channel]...)
			r.mu.RUnlock()

			payload := []byte(msg.Payload)
			for _, h := range handlers {
				go h(payload)
			}
		}
	}
}

func (r *Redis) Subscribe(ctx context.Context, topic string, handler Handler) error {
	r.mu.Lock()
	first := len(r.subs[topic]) == 0
	r.subs[topic] = append(r.subs[topic], handler)
	r.mu.Unlock()

	if !first {
		return nil
	}
	if err := r.pubsub.Subscribe(ctx, topic); err != nil {
		r.mu.Lock()
		delete(r.subs, topic)
		r.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (r *Redis) Unsubscribe(ctx context.Context, topic string) error {
	r.mu.Lock()
	_, ok := r.subs[topic]
	delete(r.subs, topic)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return r.pubsub.Unsubscribe(ctx, topic)
}

func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	return r.client.Publish(ctx, topic, payload).Err()
}

func (r *Redis) Exists(ctx context.Context, topic string) (bool, error) {
	counts, err := r.client.PubSubNumSub(ctx, topic).Result()
	if err != nil {
		return false, err
	}
	return counts[topic] > 0, nil
}

func (r *Redis) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (r *Redis) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) SAdd(ctx context.Context, key, member string) error {
	return r.client.SAdd(ctx, key, member).Err()
}

func (r *Redis) SRem(ctx context.Context, key, member string) error {
	return r.client.SRem(ctx, key, member).Err()
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

func (r *Redis) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return r.client.SIsMember(ctx, key, member).Result()
}

func (r *Redis) SCard(ctx context.Context, key string) (int64, error) {
	return r.client.SCard(ctx, key).Result()
}

func (r *Redis) SInter(ctx context.Context, keys ...string) ([]string, error) {
	return r.client.SInter(ctx, keys...).Result()
}

func (r *Redis) HSet(ctx context.Context, key, field, value string) error {
	return r.client.HSet(ctx, key, field, value).Err()
}

func (r *Redis) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	return r.client.HIncrBy(ctx, key, field, delta).Result()
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := r.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.client.HGetAll(ctx, key).Result()
}

func (r *Redis) HDel(ctx context.Context, key, field string) error {
	return r.client.HDel(ctx, key, field).Err()
}

func (r *Redis) HLen(ctx context.Context, key string) (int64, error) {
	return r.client.HLen(ctx, key).Result()
}

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, key).Result()
}

func (r *Redis) Decr(ctx context.Context, key string) (int64, error) {
	return r.client.Decr(ctx, key).Result()
}

// Close 取消所有訂閱並關閉訂閱連線
func (r *Redis) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.subs = make(map[string][]Handler)
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		r.closeErr = multierr.Combine(
			r.pubsub.Unsubscribe(ctx),
			r.pubsub.Close(),
		)
		close(r.done)
		r.wg.Wait()

		if r.closeErr != nil {
			r.logger.Warn("close redis presence", "error", r.closeErr)
		}
	})
	return r.closeErr
}
