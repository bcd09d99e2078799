// Package transport 把房間接到 WebSocket 連線上
//
// 客戶端拿到座位保留後連線到 /ws/{roomId}?sessionId=...，
// 連線在擁有房間的程序上完成加入握手。
//
// 系統設計考量：
//
//  1. 讀寫分離
//     每條連線一個 readPump、一個 writePump。房間只透過 Send 把框架放進緩衝 channel，
//     不會被慢客戶端卡住；緩衝區滿時回傳錯誤，由房間決定是否踢掉客戶端。
//
//  2. 心跳
//     writePump 每 54 秒送 Ping，readPump 60 秒內沒有收到任何資料就斷線，
//     網路中斷的客戶端最多佔用一分鐘的座位。
//
//  3. 關閉碼
//     客戶端主動離開（4000）與異常斷線在 OnLeave 中以 consented 區分，
//     房間可以只對異常斷線開放重連。
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-matchmaker/internal/matchmaker"
	"github.com/koopa0/system-design/14-matchmaker/internal/room"
	apperrors "github.com/koopa0/system-design/14-matchmaker/pkg/errors"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
	// maxFrameSize 單一框架上限，超過就斷線
	maxFrameSize = 64 << 10
)

var (
	// ErrConnectionClosed 連線已關閉
	ErrConnectionClosed = errors.New("transport: connection closed")
	// ErrSendBufferFull 客戶端讀取太慢
	ErrSendBufferFull = errors.New("transport: send buffer full")
)

// Server WebSocket 入口
type Server struct {
	matchmaker *matchmaker.MatchMaker
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	mu    sync.Mutex
	conns map[*Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer 建立 WebSocket 入口
func NewServer(mm *matchmaker.MatchMaker, logger *slog.Logger) *Server {
	return &Server{
		matchmaker: mm,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 跨來源限制交給前面的 gateway
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*Conn]struct{}),
	}
}

// ServeWS 處理 GET /ws/{roomId}?sessionId=
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	sessionID := r.URL.Query().Get("sessionId")
	if roomID == "" || sessionID == "" {
		http.Error(w, "roomId and sessionId are required", http.StatusBadRequest)
		return
	}

	rm := s.matchmaker.GetRoomByID(roomID)
	if rm == nil {
		http.Error(w, "room not found on this process", http.StatusNotFound)
		return
	}
	if !rm.HasReservedSeat(sessionID) {
		http.Error(w, "seat reservation expired", http.StatusForbidden)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "room_id", roomID, "error", err)
		return
	}

	conn := newConn(ws, s.logger.With("room_id", roomID, "session_id", sessionID))
	s.track(conn)
	go conn.writePump()

	ctx := context.WithoutCancel(r.Context())
	client, err := rm.HandleJoin(ctx, sessionID, conn)
	if err != nil {
		conn.logger.Info("join rejected", "error", err)
		s.reject(conn, err)
		return
	}

	go s.readPump(ctx, rm, client, conn)
}

// reject 送出錯誤框架後關閉連線
func (s *Server) reject(conn *Conn, err error) {
	appErr := apperrors.EnsureCode(err, apperrors.MatchmakeUnhandled)
	frame, encErr := room.EncodeFrame(room.ProtocolError, room.ErrorMessage{
		Code:    int(appErr.Code),
		Message: appErr.Message,
	})
	if encErr == nil {
		_ = conn.Send(frame)
	}
	_ = conn.Close(room.CloseWithError, appErr.Message)
}

// readPump 讀取客戶端框架直到連線中斷，然後通知房間
func (s *Server) readPump(ctx context.Context, rm *room.Room, client *room.Client, conn *Conn) {
	code := websocket.CloseAbnormalClosure
	defer func() {
		rm.HandleLeave(ctx, client, code)
		_ = conn.Close(room.CloseNormal, "")
	}()

	conn.ws.SetReadLimit(maxFrameSize)
	if err := conn.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		conn.logger.Debug("set read deadline", "error", err)
	}
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := conn.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, room.CloseConsented) {
				conn.logger.Debug("websocket read", "error", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		rm.HandleMessage(client, data)
	}
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		<-c.done
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.wg.Done()
	}()
}

// ConnectionCount 目前開啟的連線數
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close 關閉所有連線並等待 writePump 結束
//
// 正常流程下房間關閉時已經逐一關閉連線，這裡只收拾殘留的連線。
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Conn 實作 room.Connection
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger
	send   chan []byte
	done   chan struct{}

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
}

func newConn(ws *websocket.Conn, logger *slog.Logger) *Conn {
	return &Conn{
		ws:     ws,
		logger: logger,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

// Send 非阻塞地排入一個框架
func (c *Conn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close 送完已排入的框架後以 code 關閉連線；只有第一次呼叫有效
func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
	return nil
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.done)
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				c.mu.Lock()
				code, reason := c.closeCode, c.closeReason
				c.mu.Unlock()
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
				return
			}
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.logger.Debug("websocket write", "error", err)
				return
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
