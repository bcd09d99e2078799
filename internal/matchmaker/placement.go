package matchmaker

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/14-matchmaker/internal/driver"
	"github.com/koopa0/system-design/14-matchmaker/internal/ipc"
	"github.com/koopa0/system-design/14-matchmaker/internal/presence"
	"github.com/koopa0/system-design/14-matchmaker/internal/room"
	apperrors "github.com/koopa0/system-design/14-matchmaker/pkg/errors"
)

// 程序頻道上的呼叫
const methodCreateRoom = "createRoom"

// findOrCreate joinOrCreate 的一次嘗試：在併發節流下查詢，找不到就建立
func (m *MatchMaker) findOrCreate(ctx context.Context, roomName string, options room.Options) (*driver.Listing, error) {
	return awaitRoomAvailable(ctx, m, roomName, func(ctx context.Context) (*driver.Listing, error) {
		listing, err := m.findOneRoomAvailable(ctx, roomName, options)
		if err != nil || listing != nil {
			return listing, err
		}
		return m.createRoom(ctx, roomName, options)
	})
}

// findOneRoomAvailable 查詢未鎖定的公開房間，套用房間類型的 FilterBy / SortBy
func (m *MatchMaker) findOneRoomAvailable(ctx context.Context, roomName string, options room.Options) (*driver.Listing, error) {
	h := m.handler(roomName)
	if h == nil {
		return nil, apperrors.Newf(apperrors.MatchmakeNoHandler, "provided room name %q not defined", roomName)
	}

	cond := driver.Conditions{
		driver.FieldLocked:  false,
		driver.FieldName:    roomName,
		driver.FieldPrivate: false,
	}
	for k, v := range h.filters(options) {
		cond[k] = v
	}

	listing, err := m.driver.FindOne(ctx, cond, h.sortBy()...)
	if err != nil {
		return nil, fmt.Errorf("find available %s room: %w", roomName, err)
	}
	return listing, nil
}

// awaitRoomAvailable 同名房間的查詢併發節流
//
// 排在前面的併發查詢越多，延遲越久：min(ahead × 100ms, 短逾時)。
// 只分散查詢壓力，不保證正確性。
func awaitRoomAvailable[T any](ctx context.Context, m *MatchMaker, roomName string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	key := presence.ConcurrencyKey(roomName)

	n, err := m.presence.Incr(ctx, key)
	if err != nil {
		return zero, fmt.Errorf("incr %s: %w", key, err)
	}
	defer func() {
		if _, err := m.presence.Decr(context.WithoutCancel(ctx), key); err != nil {
			m.logger.Warn("decr concurrency counter", "key", key, "error", err)
		}
	}()

	if delay := concurrencyDelay(n-1, m.cfg.RemoteRoomShortTimeout); delay > 0 {
		timer := m.clock.Timer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
	}
	return fn(ctx)
}

func concurrencyDelay(ahead int64, limit time.Duration) time.Duration {
	if ahead <= 0 {
		return 0
	}
	return min(time.Duration(ahead)*concurrencyStep, limit)
}

// createRoom 選擇房間數最少的程序建立房間
//
// 遠端程序沒有回應或回傳錯誤時改在本地建立。
func (m *MatchMaker) createRoom(ctx context.Context, roomName string, options room.Options) (*driver.Listing, error) {
	if m.handler(roomName) == nil {
		return nil, apperrors.Newf(apperrors.MatchmakeNoHandler, "provided room name %q not defined", roomName)
	}

	target := m.selectProcess(ctx)
	if target == m.processID {
		return m.handleCreateRoom(ctx, roomName, options)
	}

	call, err := ipc.MethodCall(methodCreateRoom, roomName, options)
	if err != nil {
		return nil, err
	}
	var listing driver.Listing
	err = ipc.Decode(ctx, m.presence, presence.ProcessChannel(target), call, m.cfg.RemoteRoomShortTimeout, &listing, ipc.WithClock(m.clock))
	if err == nil {
		return &listing, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.logger.Warn("remote room creation failed, creating locally",
		"room_name", roomName, "target_process", target, "error", err)
	return m.handleCreateRoom(ctx, roomName, options)
}

// selectProcess 回傳房間數最少的程序；同數時本地優先，其次依 processId 字典序
//
// 讀不到房間數時回傳本地程序。
func (m *MatchMaker) selectProcess(ctx context.Context) string {
	counts, err := m.presence.HGetAll(ctx, presence.RoomCountKey)
	if err != nil {
		m.logger.Warn("read room counts", "error", err)
		return m.processID
	}
	return leastLoaded(counts, m.processID)
}

func leastLoaded(counts map[string]string, local string) string {
	best := local
	bestCount, ok := parseCount(counts[local])
	if !ok {
		bestCount = -1
	}

	for _, id := range slices.Sorted(maps.Keys(counts)) {
		n, ok := parseCount(counts[id])
		if !ok || id == local {
			continue
		}
		if bestCount < 0 || n < bestCount {
			best, bestCount = id, n
		}
	}
	return best
}

func parseCount(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}

// handleProcessCall 處理其他程序透過程序頻道送來的呼叫
func (m *MatchMaker) handleProcessCall(ctx context.Context, call ipc.Call) (any, error) {
	if call.Kind != ipc.KindMethod || call.Method != methodCreateRoom {
		return nil, fmt.Errorf("%w: %s %q", room.ErrUnknownCall, call.Kind, call.Method)
	}

	var roomName string
	var options room.Options
	if err := call.Arg(0, &roomName); err != nil {
		return nil, err
	}
	if err := call.Arg(1, &options); err != nil {
		return nil, err
	}
	return m.handleCreateRoom(ctx, roomName, options)
}

// handleCreateRoom 在本地建立房間並登記到目錄
//
// OnCreate 失敗時房間不會登記，也不會增加房間數。
func (m *MatchMaker) handleCreateRoom(ctx context.Context, roomName string, options room.Options) (*driver.Listing, error) {
	h := m.handler(roomName)
	if h == nil {
		return nil, apperrors.Newf(apperrors.MatchmakeNoHandler, "provided room name %q not defined", roomName)
	}
	if m.shuttingDown.Load() {
		return nil, apperrors.New(apperrors.MatchmakeUnhandled, "process is shutting down")
	}

	roomID := uuid.NewString()
	listing := m.driver.CreateInstance(driver.Listing{
		RoomID:    roomID,
		Name:      roomName,
		ProcessID: m.processID,
		Filters:   h.filters(options),
		CreatedAt: m.clock.Now().UTC(),
	})

	r := room.New(room.Config{
		ID:                  roomID,
		Name:                roomName,
		Handler:             h.factory(),
		Listing:             listing,
		Clock:               m.clock,
		Logger:              m.logger,
		SeatReservationTime: m.cfg.SeatReservationTime,
		PatchRate:           m.cfg.PatchRate,
	})

	if err := r.Create(ctx, h.createOptions(options)); err != nil {
		m.logger.Warn("room creation failed", "room_name", roomName, "room_id", roomID, "error", err)
		return nil, err
	}

	if _, err := m.presence.HIncrBy(ctx, presence.RoomCountKey, m.processID, 1); err != nil {
		m.logger.Warn("increment room count", "error", err)
	}

	m.wireRoomEvents(h, r)

	m.mu.Lock()
	m.rooms[roomID] = r
	m.mu.Unlock()
	m.metrics.rooms.Inc()

	if err := ipc.Subscribe(m.ctx, m.presence, presence.RoomChannel(roomID), r.Invoke, r.Logger()); err != nil {
		return nil, m.abortRoom(ctx, r, fmt.Errorf("subscribe room channel: %w", err))
	}
	if err := listing.Save(ctx); err != nil {
		return nil, m.abortRoom(ctx, r, err)
	}

	h.emit(HandlerCreate, r, nil)
	m.logger.Info("room created", "room_name", roomName, "room_id", roomID)

	l := listing.Listing()
	return &l, nil
}

// abortRoom 登記途中失敗：關閉房間，dispose 事件負責回收計數與訂閱
func (m *MatchMaker) abortRoom(ctx context.Context, r *room.Room, cause error) error {
	if err := r.Disconnect(context.WithoutCancel(ctx)); err != nil {
		m.logger.Warn("disconnect aborted room", "room_id", r.ID(), "error", err)
	}
	return apperrors.Wrap(cause, apperrors.MatchmakeUnhandled, "register room")
}

// wireRoomEvents 把房間事件轉成房間類型事件與程序層級的記帳
func (m *MatchMaker) wireRoomEvents(h *RegisteredHandler, r *room.Room) {
	r.On(room.EventLock, func(*room.Client) { h.emit(HandlerLock, r, nil) })
	r.On(room.EventUnlock, func(*room.Client) { h.emit(HandlerUnlock, r, nil) })
	r.On(room.EventJoin, func(c *room.Client) { h.emit(HandlerJoin, r, c) })
	r.On(room.EventLeave, func(c *room.Client) { h.emit(HandlerLeave, r, c) })
	r.On(room.EventDispose, func(*room.Client) { m.disposeRoom(h, r) })
}

// disposeRoom 房間銷毀後的清理
func (m *MatchMaker) disposeRoom(h *RegisteredHandler, r *room.Room) {
	ctx := m.ctx
	roomID := r.ID()

	if !m.shuttingDown.Load() {
		if _, err := m.presence.HIncrBy(ctx, presence.RoomCountKey, m.processID, -1); err != nil {
			m.logger.Warn("decrement room count", "error", err)
		}
	}
	if err := r.Listing().Remove(ctx); err != nil {
		m.logger.Warn("remove listing", "room_id", roomID, "error", err)
	}

	h.emit(HandlerDispose, r, nil)

	if err := m.presence.Del(ctx, presence.ConcurrencyKey(r.Name())); err != nil {
		m.logger.Warn("clear concurrency counter", "room_name", r.Name(), "error", err)
	}
	if err := m.presence.Unsubscribe(ctx, presence.RoomChannel(roomID)); err != nil {
		m.logger.Warn("unsubscribe room channel", "room_id", roomID, "error", err)
	}

	m.mu.Lock()
	_, ok := m.rooms[roomID]
	delete(m.rooms, roomID)
	m.mu.Unlock()
	if ok {
		m.metrics.rooms.Dec()
	}
	m.logger.Info("room disposed", "room_name", r.Name(), "room_id", roomID)
}
