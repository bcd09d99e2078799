package room_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-matchmaker/internal/driver"
	"github.com/koopa0/system-design/14-matchmaker/internal/room"
	"github.com/koopa0/system-design/14-matchmaker/pkg/logger"
)

const eventually = 2 * time.Second

var errConnClosed = errors.New("connection closed")

// fakeConn 記錄送出的框架
type fakeConn struct {
	mu        sync.Mutex
	frames    [][]byte
	closed    bool
	closeCode int
}

func (f *fakeConn) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errConnClosed
	}
	f.frames = append(f.frames, append([]byte(nil), frame...))
	return nil
}

func (f *fakeConn) Close(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	return nil
}

func (f *fakeConn) codes() []room.Protocol {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]room.Protocol, 0, len(f.frames))
	for _, frame := range f.frames {
		out = append(out, room.Protocol(frame[0]))
	}
	return out
}

func (f *fakeConn) lastFrame() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	return f.frames[len(f.frames)-1]
}

func (f *fakeConn) isClosed() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

// testHandler 每個 hook 都可以替換
type testHandler struct {
	maxClients int
	create     func(ctx context.Context, r *room.Room, options room.Options) error
	auth       func(ctx context.Context, c *room.Client, options room.Options) (any, error)
	join       func(ctx context.Context, c *room.Client, options room.Options) error
	leave      func(ctx context.Context, c *room.Client, consented bool) error
	dispose    func(ctx context.Context) error

	mu        sync.Mutex
	room      *room.Room
	consented []bool
	disposed  int
}

func (h *testHandler) OnCreate(ctx context.Context, r *room.Room, options room.Options) error {
	h.mu.Lock()
	h.room = r
	h.mu.Unlock()
	r.SetMaxClients(h.maxClients)
	if h.create != nil {
		return h.create(ctx, r, options)
	}
	return nil
}

func (h *testHandler) OnAuth(ctx context.Context, c *room.Client, options room.Options) (any, error) {
	if h.auth != nil {
		return h.auth(ctx, c, options)
	}
	return true, nil
}

func (h *testHandler) OnJoin(ctx context.Context, c *room.Client, options room.Options) error {
	if h.join != nil {
		return h.join(ctx, c, options)
	}
	return nil
}

func (h *testHandler) OnLeave(ctx context.Context, c *room.Client, consented bool) error {
	h.mu.Lock()
	h.consented = append(h.consented, consented)
	h.mu.Unlock()
	if h.leave != nil {
		return h.leave(ctx, c, consented)
	}
	return nil
}

func (h *testHandler) OnDispose(ctx context.Context) error {
	h.mu.Lock()
	h.disposed++
	h.mu.Unlock()
	if h.dispose != nil {
		return h.dispose(ctx)
	}
	return nil
}

func (h *testHandler) leaves() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.consented...)
}

func (h *testHandler) disposeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disposed
}

type fixture struct {
	room   *room.Room
	clock  *clock.Mock
	driver *driver.Local
}

// newRoom 建立已完成 OnCreate 且目錄資料已寫入的房間
func newRoom(t *testing.T, h *testHandler) fixture {
	t.Helper()
	return newRoomWithPatchRate(t, h, -1)
}

func newRoomWithPatchRate(t *testing.T, h *testHandler, patchRate time.Duration) fixture {
	t.Helper()
	ctx := context.Background()

	clk := clock.NewMock()
	d := driver.NewLocal()
	cache := d.CreateInstance(driver.Listing{
		RoomID:    "r1",
		Name:      "battle",
		ProcessID: "p1",
		CreatedAt: clk.Now(),
	})

	r := room.New(room.Config{
		ID:        "r1",
		Name:      "battle",
		Handler:   h,
		Listing:   cache,
		Clock:     clk,
		Logger:    logger.Discard(),
		PatchRate: patchRate,
	})
	require.NoError(t, r.Create(ctx, nil))
	require.NoError(t, cache.Save(ctx))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.Disconnect(ctx)
	})
	return fixture{room: r, clock: clk, driver: d}
}

func (f fixture) listing(t *testing.T) *driver.Listing {
	t.Helper()
	l, err := f.driver.FindOne(context.Background(), driver.Conditions{driver.FieldRoomID: "r1"})
	require.NoError(t, err)
	return l
}

// join 保留座位並完成加入
func (f fixture) join(t *testing.T, sessionID string) (*room.Client, *fakeConn) {
	t.Helper()
	ctx := context.Background()
	require.True(t, f.room.ReserveSeat(ctx, sessionID, room.Options{}))
	conn := &fakeConn{}
	c, err := f.room.HandleJoin(ctx, sessionID, conn)
	require.NoError(t, err)
	return c, conn
}

func isDisposed(r *room.Room) bool {
	select {
	case <-r.Disconnected():
		return true
	default:
		return false
	}
}

func frame(code room.Protocol, body any) []byte {
	data, err := room.EncodeFrame(code, body)
	if err != nil {
		panic(err)
	}
	return data
}
