package presence_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-matchmaker/internal/presence"
)

// runContract 所有 Presence 實作都必須通過的行為測試
//
// newPresence 每次呼叫都要回傳新的實例；共享後端上的鍵以 uniqueKey 隔離。
func runContract(t *testing.T, newPresence func(t *testing.T) presence.Presence) {
	t.Run("PubSub", func(t *testing.T) {
		p := newPresence(t)
		ctx := context.Background()
		topic := uniqueKey(t, "topic")

		received := make(chan string, 2)
		require.NoError(t, p.Subscribe(ctx, topic, func(payload []byte) {
			received <- string(payload)
		}))

		exists, err := p.Exists(ctx, topic)
		require.NoError(t, err)
		assert.True(t, exists)

		require.NoError(t, p.Publish(ctx, topic, []byte("hello")))
		select {
		case msg := <-received:
			assert.Equal(t, "hello", msg)
		case <-time.After(3 * time.Second):
			t.Fatal("message not delivered")
		}

		require.NoError(t, p.Unsubscribe(ctx, topic))
		assert.Eventually(t, func() bool {
			exists, err := p.Exists(ctx, topic)
			return err == nil && !exists
		}, 3*time.Second, 20*time.Millisecond)
	})

	t.Run("MultipleSubscribersOnTopic", func(t *testing.T) {
		p := newPresence(t)
		ctx := context.Background()
		topic := uniqueKey(t, "multi")

		var wg sync.WaitGroup
		wg.Add(2)
		for i := 0; i < 2; i++ {
			require.NoError(t, p.Subscribe(ctx, topic, func([]byte) { wg.Done() }))
		}
		require.NoError(t, p.Publish(ctx, topic, []byte("x")))

		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("not every subscriber was called")
		}
	})

	t.Run("Strings", func(t *testing.T) {
		p := newPresence(t)
		ctx := context.Background()
		key := uniqueKey(t, "str")

		v, err := p.Get(ctx, key)
		require.NoError(t, err)
		assert.Empty(t, v, "missing key reads as empty")

		require.NoError(t, p.SetEx(ctx, key, "value", time.Minute))
		v, err = p.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "value", v)

		require.NoError(t, p.Del(ctx, key))
		v, err = p.Get(ctx, key)
		require.NoError(t, err)
		assert.Empty(t, v)
	})

	t.Run("Counters", func(t *testing.T) {
		p := newPresence(t)
		ctx := context.Background()
		key := uniqueKey(t, "counter")

		const workers = 10
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := p.Incr(ctx, key)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		n, err := p.Decr(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(workers-1), n)
	})

	t.Run("Sets", func(t *testing.T) {
		p := newPresence(t)
		ctx := context.Background()
		a, b := uniqueKey(t, "set-a"), uniqueKey(t, "set-b")

		for _, m := range []string{"x", "y", "z"} {
			require.NoError(t, p.SAdd(ctx, a, m))
		}
		for _, m := range []string{"y", "z", "w"} {
			require.NoError(t, p.SAdd(ctx, b, m))
		}

		card, err := p.SCard(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, int64(3), card)

		ok, err := p.SIsMember(ctx, a, "x")
		require.NoError(t, err)
		assert.True(t, ok)

		inter, err := p.SInter(ctx, a, b)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"y", "z"}, inter)

		require.NoError(t, p.SRem(ctx, a, "x"))
		members, err := p.SMembers(ctx, a)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"y", "z"}, members)
	})

	t.Run("Hashes", func(t *testing.T) {
		p := newPresence(t)
		ctx := context.Background()
		key := uniqueKey(t, "hash")

		require.NoError(t, p.HSet(ctx, key, "proc-a", "0"))
		n, err := p.HIncrBy(ctx, key, "proc-a", 3)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		n, err = p.HIncrBy(ctx, key, "proc-b", -1)
		require.NoError(t, err)
		assert.Equal(t, int64(-1), n)

		all, err := p.HGetAll(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"proc-a": "3", "proc-b": "-1"}, all)

		size, err := p.HLen(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(2), size)

		require.NoError(t, p.HDel(ctx, key, "proc-b"))
		v, err := p.HGet(ctx, key, "proc-b")
		require.NoError(t, err)
		assert.Empty(t, v)
	})
}

// uniqueKey 產生測試專用的鍵，避免共享後端上的測試互相干擾
func uniqueKey(t *testing.T, name string) string {
	return fmt.Sprintf("%s:%s:%d", t.Name(), name, time.Now().UnixNano())
}
