// Package matchmaker 實作跨程序的房間配對
//
// 流程：
//
//	JoinOrCreate(name, options)
//	  │
//	  ├─ awaitRoomAvailable ── Presence INCR c:<name>，依併發數延遲查詢
//	  │     └─ Driver.FindOne(locked=false, private=false, name, filters…)
//	  │
//	  ├─ 找不到 → createRoom
//	  │     └─ HGETALL roomcount 選房間最少的程序
//	  │           ├─ 本地 → handleCreateRoom
//	  │           └─ 遠端 → IPC proc:<id>，失敗時改在本地建立
//	  │
//	  └─ reserveSeatFor ── RemoteRoomCall(reserveSeat)
//	        └─ 座位被搶走 → SeatReservationError → 退避重試
//
// 系統設計考量：
//
//  1. 沒有全域狀態
//     handler 註冊表、本地房間表、Presence、Driver 都掛在 MatchMaker 上，
//     同一個測試可以建立多個 MatchMaker 模擬多個程序。
//
//  2. 「找到」與「保留」不是原子操作
//     別的程序可能在兩者之間把房間填滿；座位保留的同步容量檢查才是正確性的保證，
//     重試只是補償，不是鎖。
//
//  3. 可用性優先於平衡
//     遠端程序沒有回應時直接在本地建立房間，寧可負載不均也不讓請求失敗。
package matchmaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/koopa0/system-design/14-matchmaker/internal/driver"
	"github.com/koopa0/system-design/14-matchmaker/internal/ipc"
	"github.com/koopa0/system-design/14-matchmaker/internal/presence"
	"github.com/koopa0/system-design/14-matchmaker/internal/retry"
	"github.com/koopa0/system-design/14-matchmaker/internal/room"
	apperrors "github.com/koopa0/system-design/14-matchmaker/pkg/errors"
)

// 預設值
const (
	DefaultRemoteRoomShortTimeout = 2 * time.Second
	DefaultJoinOrCreateRetries    = 5
	DefaultJoinRetries            = 3

	// concurrencyStep 每個排在前面的併發查詢增加的延遲
	concurrencyStep = 100 * time.Millisecond
)

// ErrAlreadyShuttingDown GracefullyShutdown 重複呼叫
var ErrAlreadyShuttingDown = errors.New("matchmaker: already shutting down")

// SeatReservationError 房間已滿或保留座位失敗，可以換一個房間重試
type SeatReservationError struct {
	RoomID string
	Err    error
}

func (e *SeatReservationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to reserve seat in room %s: %v", e.RoomID, e.Err)
	}
	return fmt.Sprintf("failed to reserve seat in room %s", e.RoomID)
}

func (e *SeatReservationError) Unwrap() error { return e.Err }

func isSeatReservationError(err error) bool {
	var target *SeatReservationError
	return errors.As(err, &target)
}

// SeatReservation 配對結果：房間目錄資料與 session ID
//
// 客戶端帶著 sessionId 連線到 Room.ProcessID 所在的程序完成加入。
type SeatReservation struct {
	Room      driver.Listing `json:"room"`
	SessionID string         `json:"sessionId"`
}

// Config MatchMaker 參數
type Config struct {
	// ProcessID 空字串時自動產生
	ProcessID string
	Presence  presence.Presence
	Driver    driver.Driver
	Clock     clock.Clock
	Logger    *slog.Logger
	// Registerer 零值使用獨立的 registry
	Registerer prometheus.Registerer

	SeatReservationTime    time.Duration
	RemoteRoomShortTimeout time.Duration
	JoinOrCreateRetries    int
	JoinRetries            int
	RetryBaseDelay         time.Duration
	PatchRate              time.Duration
}

// Stats 程序的即時狀態
type Stats struct {
	ProcessID string   `json:"processId"`
	Rooms     int      `json:"rooms"`
	Clients   int      `json:"clients"`
	RoomTypes []string `json:"roomTypes"`
}

// MatchMaker 一個程序的配對上下文
type MatchMaker struct {
	processID string
	presence  presence.Presence
	driver    driver.Driver
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics
	cfg       Config

	// ctx 房間與 IPC 訂閱的生命週期，關閉完成後取消
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	handlers map[string]*RegisteredHandler
	rooms    map[string]*room.Room

	shuttingDown atomic.Bool
}

// New 建立 MatchMaker 並加入叢集
//
// 訂閱程序頻道並在 roomcount 雜湊登記本程序（房間數 0）。
func New(ctx context.Context, cfg Config) (*MatchMaker, error) {
	if cfg.Presence == nil || cfg.Driver == nil {
		return nil, errors.New("matchmaker: presence and driver are required")
	}
	if cfg.ProcessID == "" {
		cfg.ProcessID = uuid.NewString()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	if cfg.SeatReservationTime <= 0 {
		cfg.SeatReservationTime = room.DefaultSeatReservationTime
	}
	if cfg.RemoteRoomShortTimeout <= 0 {
		cfg.RemoteRoomShortTimeout = DefaultRemoteRoomShortTimeout
	}
	if cfg.JoinOrCreateRetries <= 0 {
		cfg.JoinOrCreateRetries = DefaultJoinOrCreateRetries
	}
	if cfg.JoinRetries <= 0 {
		cfg.JoinRetries = DefaultJoinRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = retry.DefaultBaseDelay
	}

	met, err := newMetrics(cfg.Registerer, cfg.ProcessID)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	lifetime, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m := &MatchMaker{
		processID: cfg.ProcessID,
		presence:  cfg.Presence,
		driver:    cfg.Driver,
		clock:     cfg.Clock,
		logger:    cfg.Logger.With("process_id", cfg.ProcessID),
		metrics:   met,
		cfg:       cfg,
		ctx:       lifetime,
		cancel:    cancel,
		handlers:  make(map[string]*RegisteredHandler),
		rooms:     make(map[string]*room.Room),
	}

	if err := ipc.Subscribe(lifetime, m.presence, presence.ProcessChannel(m.processID), m.handleProcessCall, m.logger); err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe process channel: %w", err)
	}
	if err := m.presence.HSet(ctx, presence.RoomCountKey, m.processID, "0"); err != nil {
		cancel()
		return nil, multierr.Append(
			fmt.Errorf("register process: %w", err),
			m.presence.Unsubscribe(ctx, presence.ProcessChannel(m.processID)),
		)
	}

	m.logger.Info("matchmaker ready")
	return m, nil
}

// ProcessID 本程序的 ID
func (m *MatchMaker) ProcessID() string { return m.processID }

// DefineRoomType 註冊房間類型，並清理目錄中同名的過期房間
func (m *MatchMaker) DefineRoomType(ctx context.Context, name string, factory Factory, defaults room.Options) *RegisteredHandler {
	h := newRegisteredHandler(name, factory, defaults)

	m.mu.Lock()
	m.handlers[name] = h
	m.mu.Unlock()

	if err := m.cleanupStaleRooms(ctx, name); err != nil {
		m.logger.Warn("cleanup stale rooms", "room_name", name, "error", err)
	}
	return h
}

// RemoveRoomType 移除房間類型；已存在的房間不受影響
func (m *MatchMaker) RemoveRoomType(ctx context.Context, name string) {
	m.mu.Lock()
	delete(m.handlers, name)
	m.mu.Unlock()

	if err := m.cleanupStaleRooms(ctx, name); err != nil {
		m.logger.Warn("cleanup stale rooms", "room_name", name, "error", err)
	}
}

// HasHandler 房間類型是否已註冊
func (m *MatchMaker) HasHandler(name string) bool {
	return m.handler(name) != nil
}

func (m *MatchMaker) handler(name string) *RegisteredHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handlers[name]
}

// GetRoomByID 本地房間；房間在其他程序時回傳 nil
func (m *MatchMaker) GetRoomByID(roomID string) *room.Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[roomID]
}

// Stats 目前的房間與連線數
func (m *MatchMaker) Stats() Stats {
	m.mu.RLock()
	rooms := slices.Collect(maps.Values(m.rooms))
	types := slices.Sorted(maps.Keys(m.handlers))
	m.mu.RUnlock()

	s := Stats{ProcessID: m.processID, Rooms: len(rooms), RoomTypes: types}
	for _, r := range rooms {
		s.Clients += r.ClientCount()
	}
	return s
}

// JoinOrCreate 加入可用的房間，沒有就建立一個
func (m *MatchMaker) JoinOrCreate(ctx context.Context, roomName string, options room.Options) (res *SeatReservation, err error) {
	defer func() { m.metrics.observeRequest("joinOrCreate", err) }()

	return retry.Do(ctx, m.retryPolicy(m.cfg.JoinOrCreateRetries), func(ctx context.Context) (*SeatReservation, error) {
		listing, err := m.findOrCreate(ctx, roomName, options)
		if err != nil {
			return nil, err
		}
		return m.reserveSeatFor(ctx, listing, options)
	})
}

// Create 建立新房間並保留座位
func (m *MatchMaker) Create(ctx context.Context, roomName string, options room.Options) (res *SeatReservation, err error) {
	defer func() { m.metrics.observeRequest("create", err) }()

	listing, err := m.createRoom(ctx, roomName, options)
	if err != nil {
		return nil, err
	}
	return m.reserveSeatFor(ctx, listing, options)
}

// Join 只加入已存在的房間；沒有符合條件的房間時回傳 MATCHMAKE_INVALID_CRITERIA
func (m *MatchMaker) Join(ctx context.Context, roomName string, options room.Options) (res *SeatReservation, err error) {
	defer func() { m.metrics.observeRequest("join", err) }()

	return retry.Do(ctx, m.retryPolicy(m.cfg.JoinRetries), func(ctx context.Context) (*SeatReservation, error) {
		listing, err := awaitRoomAvailable(ctx, m, roomName, func(ctx context.Context) (*driver.Listing, error) {
			return m.findOneRoomAvailable(ctx, roomName, options)
		})
		if err != nil {
			return nil, err
		}
		if listing == nil {
			return nil, apperrors.New(apperrors.MatchmakeInvalidCriteria, "no rooms found with provided criteria")
		}
		return m.reserveSeatFor(ctx, listing, options)
	})
}

// JoinByID 加入指定房間
//
// options 帶有 sessionId 時視為重連：只確認該 session 的座位仍然保留，不會保留新座位。
func (m *MatchMaker) JoinByID(ctx context.Context, roomID string, options room.Options) (res *SeatReservation, err error) {
	defer func() { m.metrics.observeRequest("joinById", err) }()

	listing, err := m.driver.FindOne(ctx, driver.Conditions{driver.FieldRoomID: roomID})
	if err != nil {
		return nil, fmt.Errorf("find room %s: %w", roomID, err)
	}
	if listing == nil {
		return nil, apperrors.Newf(apperrors.MatchmakeInvalidRoomID, "room %q not found", roomID)
	}

	if sessionID, _ := options["sessionId"].(string); sessionID != "" {
		call, err := ipc.MethodCall(room.MethodHasReservedSeat, sessionID)
		if err != nil {
			return nil, err
		}
		var reserved bool
		if err := m.RemoteRoomCall(ctx, roomID, call, 0, &reserved); err != nil || !reserved {
			return nil, apperrors.Newf(apperrors.MatchmakeExpired, "session expired: %s", sessionID)
		}
		return &SeatReservation{Room: *listing, SessionID: sessionID}, nil
	}

	if listing.Locked {
		return nil, apperrors.Newf(apperrors.MatchmakeInvalidRoomID, "room %q is locked", roomID)
	}
	return m.reserveSeatFor(ctx, listing, options)
}

// Query 直接查詢目錄
func (m *MatchMaker) Query(ctx context.Context, cond driver.Conditions) ([]driver.Listing, error) {
	return m.driver.Find(ctx, cond)
}

// RemoteRoomCall 呼叫房間，房間在本地時直接呼叫，否則經過 IPC
//
// out 不為 nil 時把結果以 JSON 解碼到 out。timeout <= 0 使用短逾時。
// 遠端逾時回傳 MATCHMAKE_UNHANDLED；遠端回傳帶錯誤碼的錯誤時保留原本的錯誤碼。
func (m *MatchMaker) RemoteRoomCall(ctx context.Context, roomID string, call ipc.Call, timeout time.Duration, out any) error {
	start := m.clock.Now()

	if r := m.GetRoomByID(roomID); r != nil {
		defer func() { m.metrics.observeRemoteCall("local", start, m.clock.Now()) }()
		result, err := r.Invoke(ctx, call)
		if err != nil {
			return err
		}
		return assign(result, out)
	}

	if timeout <= 0 {
		timeout = m.cfg.RemoteRoomShortTimeout
	}
	defer func() { m.metrics.observeRemoteCall("remote", start, m.clock.Now()) }()

	err := ipc.Decode(ctx, m.presence, presence.RoomChannel(roomID), call, timeout, out, ipc.WithClock(m.clock))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ipc.ErrTimeout):
		return apperrors.Newf(apperrors.MatchmakeUnhandled,
			"remote room (%s) timed out, requesting %q with args %s. (%dms exceeded)",
			roomID, call.Method, formatArgs(call.Args), timeout.Milliseconds())
	case ctx.Err() != nil:
		return err
	default:
		return apperrors.EnsureCode(err, apperrors.MatchmakeUnhandled)
	}
}

// assign 本地呼叫的結果與遠端呼叫走相同的 JSON 轉換
func assign(result, out any) error {
	if out == nil || result == nil {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func formatArgs(args []json.RawMessage) string {
	if len(args) == 0 {
		return "[]"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "[?]"
	}
	return string(data)
}

func (m *MatchMaker) retryPolicy(maxRetries int) retry.Policy {
	return retry.Policy{
		MaxRetries: maxRetries,
		BaseDelay:  m.cfg.RetryBaseDelay,
		Retryable:  isSeatReservationError,
		Clock:      m.clock,
	}
}

// reserveSeatFor 在房間中保留座位；房間已滿或呼叫失敗都回傳 SeatReservationError
func (m *MatchMaker) reserveSeatFor(ctx context.Context, listing *driver.Listing, options room.Options) (*SeatReservation, error) {
	sessionID := uuid.NewString()
	call, err := ipc.MethodCall(room.MethodReserveSeat, sessionID, options)
	if err != nil {
		return nil, err
	}

	var reserved bool
	if err := m.RemoteRoomCall(ctx, listing.RoomID, call, 0, &reserved); err != nil {
		m.metrics.seats.WithLabelValues("error").Inc()
		return nil, &SeatReservationError{RoomID: listing.RoomID, Err: err}
	}
	if !reserved {
		m.metrics.seats.WithLabelValues("rejected").Inc()
		return nil, &SeatReservationError{RoomID: listing.RoomID}
	}

	m.metrics.seats.WithLabelValues("granted").Inc()
	return &SeatReservation{Room: *listing, SessionID: sessionID}, nil
}

// DisconnectAll 同時關閉所有本地房間並等待完成
func (m *MatchMaker) DisconnectAll(ctx context.Context) error {
	m.mu.RLock()
	rooms := slices.Collect(maps.Values(m.rooms))
	m.mu.RUnlock()

	var g errgroup.Group
	for _, r := range rooms {
		g.Go(func() error { return r.Disconnect(ctx) })
	}
	return g.Wait()
}

// GracefullyShutdown 離開叢集並關閉所有本地房間
//
// 第二次呼叫回傳 ErrAlreadyShuttingDown。
func (m *MatchMaker) GracefullyShutdown(ctx context.Context) error {
	if !m.shuttingDown.CompareAndSwap(false, true) {
		return ErrAlreadyShuttingDown
	}
	m.logger.Info("matchmaker shutting down", "rooms", m.Stats().Rooms)

	err := multierr.Combine(
		m.presence.HDel(ctx, presence.RoomCountKey, m.processID),
		m.presence.Unsubscribe(ctx, presence.ProcessChannel(m.processID)),
		m.DisconnectAll(ctx),
	)
	m.cancel()
	return err
}
