// Package room 實作房間的生命週期狀態機
//
// 狀態：
//
//	CREATING ──OnCreate 成功──► CREATED ──Disconnect──► DISCONNECTING ──► disposed
//	    │                          │
//	    └──── OnCreate 失敗 ───────┴── 自動銷毀（無客戶端、無保留座位）
//
// 系統設計考量：
//
//  1. 座位保留是唯一的容量檢查點
//     ReserveSeat 在同一個臨界區內檢查容量並寫入保留，不會被其他操作插入；
//     跨程序的競爭由 matchmaker 的重試處理，不在這裡加分散式鎖。
//
//  2. 鎖的範圍
//     r.mu 只保護記憶體狀態。目錄寫入、使用者 hook、事件回呼都在釋放鎖之後執行，
//     hook 可以安全地回頭呼叫房間的方法。
//
//  3. 計時器
//     座位逾時、重連寬限、自動銷毀、patch 與 simulation 全部透過 clock.Clock 排程，
//     測試使用 clock.Mock 推進時間。
//
//  4. 目錄寫入失敗
//     計時器或客戶端離開觸發的目錄寫入沒有呼叫者可以回報，只記錄日誌；
//     目錄是最終一致的，過期資料由 stale cleanup 收拾。
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/koopa0/system-design/14-matchmaker/internal/driver"
	apperrors "github.com/koopa0/system-design/14-matchmaker/pkg/errors"
)

// 預設值
const (
	DefaultPatchRate           = 50 * time.Millisecond
	DefaultSimulationInterval  = 16600 * time.Microsecond
	DefaultSeatReservationTime = 15 * time.Second

	// WildcardMessage 沒有對應 handler 的訊息都交給這個 handler
	WildcardMessage = "*"
)

// InternalState 房間內部狀態
type InternalState int

const (
	StateCreating InternalState = iota
	StateCreated
	StateDisconnecting
)

func (s InternalState) String() string {
	switch s {
	case StateCreating:
		return "CREATING"
	case StateCreated:
		return "CREATED"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Options 建立或加入房間時客戶端帶的選項
type Options map[string]any

// Handler 房間類型的邏輯
//
// 每個房間實例有自己的 Handler，由房間類型的 factory 建立。
// 下列介面是選擇性的，有實作才會被呼叫：Authenticator、Joiner、Leaver、Disposer。
type Handler interface {
	OnCreate(ctx context.Context, r *Room, options Options) error
}

// Authenticator 加入前驗證；回傳 nil 或 false 視為驗證失敗
type Authenticator interface {
	OnAuth(ctx context.Context, c *Client, options Options) (any, error)
}

// Joiner 客戶端加入
type Joiner interface {
	OnJoin(ctx context.Context, c *Client, options Options) error
}

// Leaver 客戶端離開；consented 表示客戶端主動離開
//
// 可以在這裡呼叫 AllowReconnection 並等待重連。
type Leaver interface {
	OnLeave(ctx context.Context, c *Client, consented bool) error
}

// Disposer 房間銷毀
type Disposer interface {
	OnDispose(ctx context.Context) error
}

// Event 房間事件
type Event int

const (
	EventLock Event = iota
	EventUnlock
	EventJoin
	EventLeave
	EventDispose
	EventDisconnect
)

func (e Event) String() string {
	switch e {
	case EventLock:
		return "lock"
	case EventUnlock:
		return "unlock"
	case EventJoin:
		return "join"
	case EventLeave:
		return "leave"
	case EventDispose:
		return "dispose"
	case EventDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Listener 事件回呼；join 與 leave 帶有客戶端，其他事件 c 為 nil
type Listener func(c *Client)

// MessageHandler 處理 ROOM_DATA 訊息
type MessageHandler func(c *Client, msgType string, payload json.RawMessage)

// BroadcastOptions 廣播選項
type BroadcastOptions struct {
	// Except 不送給這個客戶端
	Except *Client
	// AfterNextPatch 等下一次狀態 patch 送出後才廣播
	AfterNextPatch bool
}

// ErrUnknownCall 房間不支援的遠端呼叫
var ErrUnknownCall = errors.New("room: unknown call")

// Config 建立房間的參數
type Config struct {
	ID      string
	Name    string
	Handler Handler
	Listing *driver.RoomCache
	Clock   clock.Clock
	Logger  *slog.Logger

	SeatReservationTime time.Duration
	// PatchRate 零值使用 DefaultPatchRate，負值不啟動自動 patch
	PatchRate time.Duration
}

type seat struct {
	options      Options
	timer        *clock.Timer
	reconnection bool
}

type task struct {
	timer *clock.Timer
}

type queuedFrame struct {
	frame  []byte
	except *Client
}

// Room 一個房間實例，只存在於擁有它的程序
type Room struct {
	id      string
	name    string
	handler Handler
	listing *driver.RoomCache
	clock   clock.Clock
	logger  *slog.Logger

	mu                  sync.Mutex
	state               InternalState
	maxClients          int
	locked              bool
	lockedExplicitly    bool
	maxClientsReached   bool
	autoDispose         bool
	disposing           bool
	seatReservationTime time.Duration
	clients             []*Client
	reservedSeats       map[string]*seat
	reconnections       map[string]*Reconnection
	autoDisposeTask     *task
	patchStop           chan struct{}
	simulationStop      chan struct{}
	afterNextPatch      []queuedFrame
	messageHandlers     map[string]MessageHandler
	listeners           map[Event][]Listener

	// stateMu 序列化使用者狀態的修改與 patch 計算
	stateMu    sync.Mutex
	userState  any
	serializer Serializer

	disposeOnce  sync.Once
	disconnected chan struct{}
}

// New 建立房間，狀態為 CREATING
//
// 建立後立即以座位保留時間排程自動銷毀：沒有人在這段時間內加入就會被回收。
func New(cfg Config) *Room {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SeatReservationTime <= 0 {
		cfg.SeatReservationTime = DefaultSeatReservationTime
	}
	if cfg.PatchRate == 0 {
		cfg.PatchRate = DefaultPatchRate
	}

	r := &Room{
		id:                  cfg.ID,
		name:                cfg.Name,
		handler:             cfg.Handler,
		listing:             cfg.Listing,
		clock:               cfg.Clock,
		logger:              cfg.Logger.With("room_id", cfg.ID, "room_name", cfg.Name),
		autoDispose:         true,
		seatReservationTime: cfg.SeatReservationTime,
		reservedSeats:       make(map[string]*seat),
		reconnections:       make(map[string]*Reconnection),
		messageHandlers:     make(map[string]MessageHandler),
		listeners:           make(map[Event][]Listener),
		serializer:          NoneSerializer{},
		disconnected:        make(chan struct{}),
	}

	r.mu.Lock()
	r.resetAutoDisposeLocked(r.seatReservationTime)
	r.mu.Unlock()
	r.SetPatchRate(cfg.PatchRate)
	return r
}

// Create 執行 OnCreate；成功後狀態變為 CREATED
//
// OnCreate 失敗時停止所有計時器，回傳的錯誤一定帶有錯誤碼（預設 APPLICATION_ERROR）。
func (r *Room) Create(ctx context.Context, options Options) error {
	if err := r.handler.OnCreate(ctx, r, options); err != nil {
		r.stopAll()
		return apperrors.EnsureCode(err, apperrors.ApplicationError)
	}

	r.mu.Lock()
	r.state = StateCreated
	maxClients := r.maxClients
	r.mu.Unlock()

	return r.listing.UpdateOne(ctx, driver.Update{
		Set: map[string]any{driver.FieldMaxClients: maxClients},
	})
}

func (r *Room) ID() string { return r.id }
func (r *Room) Name() string { return r.name }
func (r *Room) Listing() *driver.RoomCache { return r.listing }
func (r *Room) Clock() clock.Clock { return r.clock }
func (r *Room) Logger() *slog.Logger { return r.logger }

// InternalState 目前的內部狀態
func (r *Room) InternalState() InternalState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// MaxClients 容量；0 表示不限
func (r *Room) MaxClients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxClients
}

// SetMaxClients 只在 OnCreate 中呼叫
func (r *Room) SetMaxClients(n int) {
	r.mu.Lock()
	r.maxClients = n
	r.mu.Unlock()
}

// Locked 房間是否鎖定
func (r *Room) Locked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locked
}

// ClientCount 已連線的客戶端數量
func (r *Room) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Clients 已連線客戶端的快照
func (r *Room) Clients() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.clients)
}

// ReservedSeats 保留中的座位數（含重連）
func (r *Room) ReservedSeats() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reservedSeats)
}

// HasReachedMaxClients 客戶端加保留座位是否已達上限
func (r *Room) HasReachedMaxClients() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasReachedMaxClientsLocked()
}

func (r *Room) hasReachedMaxClientsLocked() bool {
	return r.maxClients > 0 && len(r.clients)+len(r.reservedSeats) >= r.maxClients
}

// HasReservedSeat session 是否持有保留座位
func (r *Room) HasReservedSeat(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.reservedSeats[sessionID]
	return ok
}

// SetSeatReservationTime 設定座位保留時間
func (r *Room) SetSeatReservationTime(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.seatReservationTime = d
	r.mu.Unlock()
}

// SetAutoDispose 開關自動銷毀；開啟時重新排程一秒後檢查
func (r *Room) SetAutoDispose(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateDisconnecting {
		return
	}
	r.autoDispose = enabled
	r.resetAutoDisposeLocked(time.Second)
}

// Metadata 目錄中的 metadata
func (r *Room) Metadata() map[string]any {
	return r.listing.Listing().Metadata
}

// SetMetadata 覆寫 metadata；OnCreate 中呼叫時只修改尚未寫入的目錄資料
func (r *Room) SetMetadata(ctx context.Context, metadata map[string]any) error {
	return r.listing.UpdateOne(ctx, driver.Update{
		Set: map[string]any{driver.FieldMetadata: metadata},
	})
}

// SetPrivate 私人房間不會被 joinOrCreate / join 找到，只能 joinById
func (r *Room) SetPrivate(ctx context.Context, private bool) error {
	return r.listing.UpdateOne(ctx, driver.Update{
		Set: map[string]any{driver.FieldPrivate: private},
	})
}

// On 註冊事件回呼
func (r *Room) On(ev Event, l Listener) {
	r.mu.Lock()
	r.listeners[ev] = append(r.listeners[ev], l)
	r.mu.Unlock()
}

func (r *Room) emit(ev Event, c *Client) {
	r.mu.Lock()
	listeners := slices.Clone(r.listeners[ev])
	r.mu.Unlock()
	for _, l := range listeners {
		l(c)
	}
}

// OnMessage 註冊訊息 handler；type 為 "*" 時接收所有未註冊的類型
func (r *Room) OnMessage(msgType string, h MessageHandler) {
	r.mu.Lock()
	r.messageHandlers[msgType] = h
	r.mu.Unlock()
}

// change 釋放鎖之後要寫入目錄與發出的事件
type change struct {
	update driver.Update
	events []Event
}

func (r *Room) commit(ctx context.Context, ch change) error {
	var err error
	if len(ch.update.Set) > 0 || len(ch.update.Inc) > 0 {
		err = r.listing.UpdateOne(ctx, ch.update)
	}
	for _, ev := range ch.events {
		r.emit(ev, nil)
	}
	return err
}

// commitLogged 沒有呼叫者可以回報錯誤時使用
func (r *Room) commitLogged(ctx context.Context, ch change) {
	if err := r.commit(ctx, ch); err != nil {
		r.logger.Warn("update room listing", "error", err)
	}
}

// Lock 明確鎖定；明確的鎖不會因為有人離開而自動解除
func (r *Room) Lock(ctx context.Context) error {
	r.mu.Lock()
	r.lockedExplicitly = true
	if r.locked {
		r.mu.Unlock()
		return nil
	}
	r.locked = true
	r.mu.Unlock()

	return r.commit(ctx, change{
		update: driver.Update{Set: map[string]any{driver.FieldLocked: true}},
		events: []Event{EventLock},
	})
}

// Unlock 解除鎖定
func (r *Room) Unlock(ctx context.Context) error {
	r.mu.Lock()
	r.lockedExplicitly = false
	if !r.locked {
		r.mu.Unlock()
		return nil
	}
	r.locked = false
	r.mu.Unlock()

	return r.commit(ctx, change{
		update: driver.Update{Set: map[string]any{driver.FieldLocked: false}},
		events: []Event{EventUnlock},
	})
}

// ReserveSeat 為 session 保留座位；房間已滿時回傳 false
func (r *Room) ReserveSeat(ctx context.Context, sessionID string, options Options) bool {
	r.mu.Lock()
	if r.closingLocked() || r.hasReachedMaxClientsLocked() {
		r.mu.Unlock()
		return false
	}
	if _, exists := r.reservedSeats[sessionID]; exists {
		r.mu.Unlock()
		return false
	}

	d := r.seatReservationTime
	s := &seat{options: options}
	r.reservedSeats[sessionID] = s
	s.timer = r.clock.AfterFunc(d, func() { r.expireSeat(sessionID, s) })
	r.resetAutoDisposeLocked(d)

	// 達到上限的瞬間自動鎖定
	ch := change{}
	if !r.locked && r.hasReachedMaxClientsLocked() {
		r.maxClientsReached = true
		r.lockedExplicitly = false
		r.locked = true
		ch.events = append(ch.events, EventLock)
	}
	ch.update = driver.Update{
		Set: map[string]any{driver.FieldLocked: r.locked},
		Inc: map[string]int{driver.FieldClients: 1},
	}
	r.mu.Unlock()

	r.commitLogged(ctx, ch)
	return true
}

// closingLocked 房間正在關閉或已經銷毀，不再接受新座位
func (r *Room) closingLocked() bool {
	return r.disposing || r.state == StateDisconnecting
}

func (r *Room) expireSeat(sessionID string, s *seat) {
	r.mu.Lock()
	if r.reservedSeats[sessionID] != s {
		r.mu.Unlock()
		return
	}
	delete(r.reservedSeats, sessionID)
	r.mu.Unlock()

	r.logger.Debug("seat reservation expired", "session_id", sessionID)
	r.decrementClientCount(context.Background())
}

// decrementClientCount 回傳房間是否因此銷毀
func (r *Room) decrementClientCount(ctx context.Context) bool {
	r.mu.Lock()
	willDispose := r.shouldDisposeLocked()
	if willDispose || r.state == StateDisconnecting {
		r.mu.Unlock()
		if willDispose {
			r.dispose(ctx)
		}
		return willDispose
	}

	ch := change{}
	if r.maxClientsReached && !r.lockedExplicitly {
		r.maxClientsReached = false
		if r.locked {
			r.locked = false
			ch.events = append(ch.events, EventUnlock)
		}
	}
	ch.update = driver.Update{
		Set: map[string]any{driver.FieldLocked: r.locked},
		Inc: map[string]int{driver.FieldClients: -1},
	}
	r.mu.Unlock()

	r.commitLogged(ctx, ch)
	return false
}

// shouldDisposeLocked 回傳 true 時呼叫者負責執行 dispose
func (r *Room) shouldDisposeLocked() bool {
	if r.disposing || !r.autoDispose || r.autoDisposeTask != nil {
		return false
	}
	if len(r.clients) > 0 || len(r.reservedSeats) > 0 {
		return false
	}
	r.disposing = true
	return true
}

func (r *Room) resetAutoDisposeLocked(d time.Duration) {
	r.stopAutoDisposeLocked()
	if !r.autoDispose || r.disposing {
		return
	}
	t := &task{}
	t.timer = r.clock.AfterFunc(d, func() { r.autoDisposeFired(t) })
	r.autoDisposeTask = t
}

func (r *Room) stopAutoDisposeLocked() {
	if r.autoDisposeTask != nil {
		r.autoDisposeTask.timer.Stop()
		r.autoDisposeTask = nil
	}
}

func (r *Room) autoDisposeFired(t *task) {
	r.mu.Lock()
	if r.autoDisposeTask != t {
		r.mu.Unlock()
		return
	}
	r.autoDisposeTask = nil
	willDispose := r.shouldDisposeLocked()
	r.mu.Unlock()

	if willDispose {
		r.dispose(context.Background())
	}
}

// HandleJoin 完成加入握手
//
// session 必須持有保留座位，否則回傳 MATCHMAKE_EXPIRED。
// 如果這個 session 正在等待重連，新連線接手舊客戶端，不再執行 OnAuth / OnJoin。
// hook 失敗時客戶端會被移除，座位計數回退。
func (r *Room) HandleJoin(ctx context.Context, sessionID string, conn Connection) (*Client, error) {
	r.mu.Lock()
	s, ok := r.reservedSeats[sessionID]
	if !ok || r.closingLocked() {
		r.mu.Unlock()
		return nil, apperrors.Newf(apperrors.MatchmakeExpired, "seat reservation expired for session %s", sessionID)
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	delete(r.reservedSeats, sessionID)
	r.stopAutoDisposeLocked()

	c := newClient(sessionID, conn)
	r.clients = append(r.clients, c)
	rec := r.reconnections[sessionID]
	r.mu.Unlock()

	if rec != nil {
		if !rec.resolve(c) {
			// 寬限時間剛好到期，舊客戶端的離開流程會處理計數
			r.removeClient(c)
			c.markLeft()
			return nil, apperrors.Newf(apperrors.MatchmakeExpired, "reconnection expired for session %s", sessionID)
		}
	} else if err := r.authorize(ctx, c, s.options); err != nil {
		if r.removeClient(c) && c.markLeft() {
			r.decrementClientCount(ctx)
		}
		return nil, err
	}

	r.emit(EventJoin, c)
	c.enableMessages()

	frame, err := EncodeFrame(ProtocolJoinRoom, JoinMessage{
		SessionID:  sessionID,
		Serializer: r.serializerID(),
		Handshake:  r.handshake(),
	})
	if err == nil {
		err = c.write(frame)
	}
	if err != nil {
		r.logger.Warn("send join confirmation", "session_id", sessionID, "error", err)
	}
	return c, nil
}

func (r *Room) authorize(ctx context.Context, c *Client, options Options) error {
	var auth any = true
	if a, ok := r.handler.(Authenticator); ok {
		v, err := a.OnAuth(ctx, c, options)
		if err != nil {
			return apperrors.EnsureCode(err, apperrors.ApplicationError)
		}
		if !truthy(v) {
			return apperrors.New(apperrors.AuthFailed, "onAuth failed")
		}
		auth = v
	}

	c.mu.Lock()
	c.auth = auth
	c.mu.Unlock()

	if j, ok := r.handler.(Joiner); ok {
		if err := j.OnJoin(ctx, c, options); err != nil {
			return apperrors.EnsureCode(err, apperrors.ApplicationError)
		}
	}
	return nil
}

func truthy(v any) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func (r *Room) removeClient(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeClientLocked(c)
}

func (r *Room) removeClientLocked(c *Client) bool {
	i := slices.Index(r.clients, c)
	if i < 0 {
		return false
	}
	r.clients = slices.Delete(r.clients, i, i+1)
	return true
}

// HandleMessage 處理客戶端送來的框架
//
// 加入完成前與離開中的客戶端訊息會被忽略。
func (r *Room) HandleMessage(c *Client, frame []byte) {
	if !c.acceptsMessages() {
		return
	}
	code, body, err := DecodeFrame(frame)
	if err != nil {
		return
	}

	switch code {
	case ProtocolRoomData:
		var msg DataMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			r.logger.Debug("drop malformed message", "session_id", c.sessionID, "error", err)
			return
		}
		r.dispatchMessage(c, msg)

	case ProtocolJoinRoom:
		queued, ok := c.acknowledgeJoin()
		if !ok {
			return
		}
		r.sendFullState(c)
		for _, f := range queued {
			if err := c.write(f); err != nil {
				r.logger.Debug("flush queued message", "session_id", c.sessionID, "error", err)
				return
			}
		}

	case ProtocolLeaveRoom:
		r.forciblyCloseClient(context.Background(), c, CloseConsented)

	default:
		r.logger.Debug("unexpected protocol", "session_id", c.sessionID, "code", code)
	}
}

func (r *Room) dispatchMessage(c *Client, msg DataMessage) {
	r.mu.Lock()
	h, ok := r.messageHandlers[msg.Type]
	if !ok {
		h, ok = r.messageHandlers[WildcardMessage]
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("no message handler", "type", msg.Type, "session_id", c.sessionID)
		return
	}
	h(c, msg.Type, msg.Message)
}

// HandleLeave 客戶端連線關閉
//
// 同一個客戶端只處理一次。OnLeave 的錯誤只記錄，房間照常回收座位。
// OnLeave 期間完成重連的話，座位由新連線接手，不減少計數。
func (r *Room) HandleLeave(ctx context.Context, c *Client, code int) {
	if !c.markLeft() {
		return
	}

	if r.removeClient(c) {
		c.setState(ClientLeaving)
		if l, ok := r.handler.(Leaver); ok {
			if err := l.OnLeave(ctx, c, code == CloseConsented); err != nil {
				r.logger.Error("onLeave failed", "session_id", c.sessionID, "error", err)
			}
		}
	}

	if c.State() != ClientReconnected {
		r.decrementClientCount(ctx)
		r.emit(EventLeave, c)
	}
}

func (r *Room) forciblyCloseClient(ctx context.Context, c *Client, code int) {
	r.HandleLeave(ctx, c, code)
	if err := c.Leave(CloseNormal); err != nil {
		r.logger.Debug("close client", "session_id", c.sessionID, "error", err)
	}
}

// AllowReconnection 保留座位給斷線的客戶端
//
// grace <= 0 表示沒有期限，直到 Reject 或房間關閉。重連座位不受容量限制，
// 它取回的是原本就計算過的座位。
func (r *Room) AllowReconnection(c *Client, grace time.Duration) (*Reconnection, error) {
	r.mu.Lock()
	if r.state == StateDisconnecting {
		willDispose := r.shouldDisposeLocked()
		r.mu.Unlock()
		if willDispose {
			r.dispose(context.Background())
		}
		return nil, ErrDisconnecting
	}

	rec := &Reconnection{
		room:     r,
		previous: c,
		seat:     &seat{reconnection: true},
		done:     make(chan struct{}),
	}
	previous := r.reconnections[c.sessionID]
	r.reservedSeats[c.sessionID] = rec.seat
	r.reconnections[c.sessionID] = rec
	if grace > 0 {
		rec.timer = r.clock.AfterFunc(grace, func() { rec.settle(nil, ErrReconnectionExpired) })
	}
	r.mu.Unlock()

	if previous != nil {
		previous.Reject()
	}
	return rec, nil
}

func (r *Room) finishReconnection(rec *Reconnection, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := rec.previous.sessionID
	if r.reconnections[id] == rec {
		delete(r.reconnections, id)
	}
	if r.reservedSeats[id] == rec.seat {
		delete(r.reservedSeats, id)
	}
	if rec.timer != nil {
		rec.timer.Stop()
	}
	if failed && r.state != StateDisconnecting {
		r.resetAutoDisposeLocked(time.Second)
	}
}

// Disconnect 關閉房間
//
// 立即移除目錄資料、拒絕所有等待中的重連、強制關閉所有客戶端，
// 等到房間銷毀後才回傳。重複呼叫會等待同一次關閉完成。
func (r *Room) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateDisconnecting {
		r.mu.Unlock()
		return r.waitDisconnected(ctx)
	}
	r.state = StateDisconnecting
	r.autoDispose = true
	r.stopAutoDisposeLocked()
	for id, s := range r.reservedSeats {
		if !s.reconnection {
			s.timer.Stop()
			delete(r.reservedSeats, id)
		}
	}
	reconnections := make([]*Reconnection, 0, len(r.reconnections))
	for _, rec := range r.reconnections {
		reconnections = append(reconnections, rec)
	}
	clients := slices.Clone(r.clients)
	r.mu.Unlock()

	err := r.listing.Remove(ctx)
	for _, rec := range reconnections {
		rec.settle(nil, ErrDisconnecting)
	}

	drainCtx := context.WithoutCancel(ctx)
	if len(clients) == 0 {
		r.mu.Lock()
		willDispose := !r.disposing
		r.disposing = true
		r.mu.Unlock()
		if willDispose {
			r.dispose(drainCtx)
		}
	} else {
		for _, c := range clients {
			go r.forciblyCloseClient(drainCtx, c, CloseConsented)
		}
	}

	return multierr.Append(err, r.waitDisconnected(ctx))
}

func (r *Room) waitDisconnected(ctx context.Context) error {
	select {
	case <-r.disconnected:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for room %s to disconnect: %w", r.id, ctx.Err())
	}
}

// Disconnected 房間銷毀後關閉
func (r *Room) Disconnected() <-chan struct{} { return r.disconnected }

// dispose 只執行一次：發出 dispose 事件、執行 OnDispose、停止計時器，最後發出 disconnect
func (r *Room) dispose(ctx context.Context) {
	r.disposeOnce.Do(func() {
		r.stopAll()
		r.emit(EventDispose, nil)

		if d, ok := r.handler.(Disposer); ok {
			if err := d.OnDispose(ctx); err != nil {
				r.logger.Error("onDispose failed", "error", err)
			}
		}

		close(r.disconnected)
		r.emit(EventDisconnect, nil)
	})
}

// stopAll 停止所有計時器與背景 goroutine
func (r *Room) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.disposing = true
	r.stopAutoDisposeLocked()
	for _, s := range r.reservedSeats {
		if s.timer != nil {
			s.timer.Stop()
		}
	}
	if r.patchStop != nil {
		close(r.patchStop)
		r.patchStop = nil
	}
	if r.simulationStop != nil {
		close(r.simulationStop)
		r.simulationStop = nil
	}
}
