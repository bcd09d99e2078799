package presence

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/multierr"
)

// existsPrefix Exists 探測用的主題前綴
const existsPrefix = "_presence.exists."

// casAttempts 計數器 CAS 更新的最大嘗試次數
const casAttempts = 32

// NATS 以 NATS 實作的 Presence
//
// pub/sub 使用 Core NATS；鍵值、雜湊、集合與計數器存放在 JetStream KV bucket。
//
// 系統設計考量：
//
//  1. 鍵的編碼
//     KV 的鍵只允許 [-/_=.a-zA-Z0-9]，因此每一段都先做 base64url 編碼：
//     字串 k.<key>、雜湊欄位 h.<key>.<field>、集合成員 s.<key>.<member>。
//     雜湊與集合各欄位是獨立的鍵，可以用 wildcard watch 一次讀出。
//
//  2. 計數器
//     KV 沒有原子遞增，用 revision 做 CAS（Create / Update）迴圈。
//
//  3. SetEx
//     bucket 的 TTL 是整個 bucket 共用的，單鍵過期時間寫在值裡，讀取時判斷。
//
//  4. Exists
//     每個訂閱同時掛一個探測 responder，Exists 發送 request，
//     沒有 responder 時伺服器立即回傳 no responders。
type NATS struct {
	conn   *nats.Conn
	kv     nats.KeyValue
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string][]*nats.Subscription
}

// NewNATS 創建 NATS Presence；conn 由呼叫端負責關閉
func NewNATS(conn *nats.Conn, bucket string, logger *slog.Logger) (*NATS, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  bucket,
			History: 1,
			Storage: nats.MemoryStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %s: %w", bucket, err)
	}

	return &NATS{
		conn:   conn,
		kv:     kv,
		logger: logger,
		subs:   make(map[string][]*nats.Subscription),
	}, nil
}

func (n *NATS) Subscribe(_ context.Context, topic string, handler Handler) error {
	sub, err := n.conn.Subscribe(topic, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	subs := []*nats.Subscription{sub}
	if len(n.subs[topic]) == 0 {
		probe, err := n.conn.Subscribe(existsPrefix+topic, func(msg *nats.Msg) {
			_ = msg.Respond(nil)
		})
		if err != nil {
			_ = sub.Unsubscribe()
			return fmt.Errorf("subscribe probe %s: %w", topic, err)
		}
		subs = append(subs, probe)
	}
	n.subs[topic] = append(n.subs[topic], subs...)

	// 確保伺服器已處理訂閱，之後的 Publish 才會送達
	return n.conn.Flush()
}

func (n *NATS) Unsubscribe(_ context.Context, topic string) error {
	n.mu.Lock()
	subs := n.subs[topic]
	delete(n.subs, topic)
	n.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *NATS) Publish(_ context.Context, topic string, payload []byte) error {
	return n.conn.Publish(topic, payload)
}

func (n *NATS) Exists(ctx context.Context, topic string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	_, err := n.conn.RequestWithContext(ctx, existsPrefix+topic, nil)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, nats.ErrNoResponders):
		return false, nil
	default:
		return false, err
	}
}

// envelope 帶過期時間的字串值
type envelope struct {
	Value     string `json:"v"`
	ExpiresAt int64  `json:"e,omitempty"` // unix nano，0 表示不過期
}

func encodeToken(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func decodeToken(s string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	return string(b), err
}

func stringKey(key string) string      { return "k." + encodeToken(key) }
func hashPrefix(key string) string     { return "h." + encodeToken(key) + "." }
func setPrefix(key string) string      { return "s." + encodeToken(key) + "." }
func hashKey(key, field string) string { return hashPrefix(key) + encodeToken(field) }
func setKey(key, member string) string { return setPrefix(key) + encodeToken(member) }

func (n *NATS) SetEx(_ context.Context, key, value string, ttl time.Duration) error {
	env := envelope{Value: value}
	if ttl > 0 {
		env.ExpiresAt = time.Now().Add(ttl).UnixNano()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = n.kv.Put(stringKey(key), data)
	return err
}

func (n *NATS) Get(_ context.Context, key string) (string, error) {
	env, _, err := n.getEnvelope(stringKey(key))
	if err != nil {
		return "", err
	}
	return env.Value, nil
}

// getEnvelope 讀取字串值；鍵不存在時 revision 為 0，已過期時回傳零值與原 revision
func (n *NATS) getEnvelope(k string) (envelope, uint64, error) {
	entry, err := n.kv.Get(k)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return envelope{}, 0, nil
	}
	if err != nil {
		return envelope{}, 0, err
	}

	var env envelope
	if err := json.Unmarshal(entry.Value(), &env); err != nil {
		return envelope{}, 0, fmt.Errorf("decode %s: %w", k, err)
	}
	if env.ExpiresAt != 0 && time.Now().UnixNano() >= env.ExpiresAt {
		// 過期值仍佔用 revision，呼叫端以此做 CAS 覆寫
		return envelope{}, entry.Revision(), nil
	}
	return env, entry.Revision(), nil
}

func (n *NATS) Del(_ context.Context, key string) error {
	if err := n.kv.Delete(stringKey(key)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return err
	}
	for _, prefix := range []string{hashPrefix(key), setPrefix(key)} {
		entries, err := n.scan(prefix)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := n.kv.Delete(e.Key()); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
				return err
			}
		}
	}
	return nil
}

// scan 讀取某個前綴下所有現存的鍵
func (n *NATS) scan(prefix string) ([]nats.KeyValueEntry, error) {
	w, err := n.kv.Watch(prefix+"*", nats.IgnoreDeletes())
	if err != nil {
		return nil, err
	}
	defer func() { _ = w.Stop() }()

	var out []nats.KeyValueEntry
	for entry := range w.Updates() {
		// nil 表示初始值已全部送達
		if entry == nil {
			break
		}
		out = append(out, entry)
	}
	return out, nil
}

func (n *NATS) SAdd(_ context.Context, key, member string) error {
	_, err := n.kv.Put(setKey(key, member), []byte{1})
	return err
}

func (n *NATS) SRem(_ context.Context, key, member string) error {
	err := n.kv.Delete(setKey(key, member))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (n *NATS) SMembers(_ context.Context, key string) ([]string, error) {
	prefix := setPrefix(key)
	entries, err := n.scan(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		m, err := decodeToken(strings.TrimPrefix(e.Key(), prefix))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (n *NATS) SIsMember(_ context.Context, key, member string) (bool, error) {
	_, err := n.kv.Get(setKey(key, member))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (n *NATS) SCard(ctx context.Context, key string) (int64, error) {
	members, err := n.SMembers(ctx, key)
	return int64(len(members)), err
}

func (n *NATS) SInter(ctx context.Context, keys ...string) ([]string, error) {
	sets := make([][]string, 0, len(keys))
	for _, k := range keys {
		members, err := n.SMembers(ctx, k)
		if err != nil {
			return nil, err
		}
		sets = append(sets, members)
	}
	return intersect(sets), nil
}

func (n *NATS) HSet(_ context.Context, key, field, value string) error {
	_, err := n.kv.PutString(hashKey(key, field), value)
	return err
}

func (n *NATS) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	return n.casAdd(hashKey(key, field), delta)
}

func (n *NATS) HGet(_ context.Context, key, field string) (string, error) {
	entry, err := n.kv.Get(hashKey(key, field))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(entry.Value()), nil
}

func (n *NATS) HGetAll(_ context.Context, key string) (map[string]string, error) {
	prefix := hashPrefix(key)
	entries, err := n.scan(prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		field, err := decodeToken(strings.TrimPrefix(e.Key(), prefix))
		if err != nil {
			return nil, err
		}
		out[field] = string(e.Value())
	}
	return out, nil
}

func (n *NATS) HDel(_ context.Context, key, field string) error {
	err := n.kv.Delete(hashKey(key, field))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (n *NATS) HLen(ctx context.Context, key string) (int64, error) {
	all, err := n.HGetAll(ctx, key)
	return int64(len(all)), err
}

func (n *NATS) Incr(_ context.Context, key string) (int64, error) {
	return n.addString(stringKey(key), 1)
}

func (n *NATS) Decr(_ context.Context, key string) (int64, error) {
	return n.addString(stringKey(key), -1)
}

// addString 對字串計數器做 CAS 遞增，保留原有的過期時間
func (n *NATS) addString(k string, delta int64) (int64, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		env, rev, err := n.getEnvelope(k)
		if err != nil {
			return 0, err
		}
		current, err := parseCounter(env.Value)
		if err != nil {
			return 0, err
		}
		current += delta
		env.Value = strconv.FormatInt(current, 10)

		data, err := json.Marshal(env)
		if err != nil {
			return 0, err
		}
		if err := n.compareAndSet(k, data, rev); err != nil {
			if isConflict(err) {
				continue
			}
			return 0, err
		}
		return current, nil
	}
	return 0, fmt.Errorf("incr %s: too many concurrent updates", k)
}

// casAdd 對原始字串值做 CAS 遞增（雜湊欄位使用）
func (n *NATS) casAdd(k string, delta int64) (int64, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		var (
			raw string
			rev uint64
		)
		entry, err := n.kv.Get(k)
		switch {
		case errors.Is(err, nats.ErrKeyNotFound):
		case err != nil:
			return 0, err
		default:
			raw, rev = string(entry.Value()), entry.Revision()
		}

		current, err := parseCounter(raw)
		if err != nil {
			return 0, err
		}
		current += delta

		if err := n.compareAndSet(k, []byte(strconv.FormatInt(current, 10)), rev); err != nil {
			if isConflict(err) {
				continue
			}
			return 0, err
		}
		return current, nil
	}
	return 0, fmt.Errorf("hincrby %s: too many concurrent updates", k)
}

// compareAndSet revision 為 0 時要求鍵不存在
func (n *NATS) compareAndSet(k string, value []byte, rev uint64) error {
	if rev == 0 {
		_, err := n.kv.Create(k, value)
		return err
	}
	_, err := n.kv.Update(k, value, rev)
	return err
}

// isConflict 判斷 CAS 是否因為併發寫入而失敗
func isConflict(err error) bool {
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}

// Close 取消本程序的所有訂閱
func (n *NATS) Close() error {
	n.mu.Lock()
	topics := make([]string, 0, len(n.subs))
	for topic := range n.subs {
		topics = append(topics, topic)
	}
	n.mu.Unlock()

	var err error
	for _, topic := range topics {
		err = multierr.Append(err, n.Unsubscribe(context.Background(), topic))
	}
	if err != nil {
		n.logger.Warn("close nats presence", "error", err)
		return err
	}
	return nil
}
