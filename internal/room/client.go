package room

import (
	"sync"
)

// Connection 傳輸層連線
//
// WebSocket 轉接器與測試用的假連線都實作這個介面；
// Send 不應阻塞太久，慢客戶端由傳輸層自己處理。
type Connection interface {
	Send(frame []byte) error
	Close(code int, reason string) error
}

// ClientState 客戶端狀態
//
//	JOINING ──JOIN_ROOM ack──► JOINED
//	   │                         │
//	   └──────── leave ──────────┴──► LEAVING ──reconnected──► RECONNECTED
type ClientState int

const (
	ClientJoining ClientState = iota
	ClientJoined
	ClientReconnected
	ClientLeaving
)

func (s ClientState) String() string {
	switch s {
	case ClientJoining:
		return "JOINING"
	case ClientJoined:
		return "JOINED"
	case ClientReconnected:
		return "RECONNECTED"
	case ClientLeaving:
		return "LEAVING"
	default:
		return "UNKNOWN"
	}
}

// Client 房間內的一個連線客戶端
//
// 斷線重連時，新的 Client 會接手舊 Client 的 auth 與 userData；
// 舊 Client 的連線也會換成新的連線，持有舊指標的程式碼仍能送出訊息。
type Client struct {
	sessionID string

	mu              sync.Mutex
	conn            Connection
	state           ClientState
	auth            any
	userData        any
	enqueued        [][]byte
	messagesEnabled bool
	left            bool
}

func newClient(sessionID string, conn Connection) *Client {
	return &Client{sessionID: sessionID, conn: conn, state: ClientJoining}
}

// SessionID 客戶端的 session ID
func (c *Client) SessionID() string { return c.sessionID }

// State 目前狀態
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Auth OnAuth 回傳的認證資料
func (c *Client) Auth() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth
}

// UserData 房間邏輯附加在客戶端上的資料
func (c *Client) UserData() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userData
}

// SetUserData 設定附加資料
func (c *Client) SetUserData(v any) {
	c.mu.Lock()
	c.userData = v
	c.mu.Unlock()
}

// Send 送出 ROOM_DATA 訊息
//
// 客戶端尚未確認 JOIN_ROOM 前，訊息先排隊，確認後跟在完整狀態之後送出。
func (c *Client) Send(msgType string, payload any) error {
	frame, err := encodeData(msgType, payload)
	if err != nil {
		return err
	}
	return c.sendRaw(frame)
}

// Error 送出 ERROR 訊息
func (c *Client) Error(code int, message string) error {
	frame, err := EncodeFrame(ProtocolError, ErrorMessage{Code: code, Message: message})
	if err != nil {
		return err
	}
	return c.write(frame)
}

// Leave 關閉連線
func (c *Client) Leave(code int) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	return conn.Close(code, "")
}

func (c *Client) sendRaw(frame []byte) error {
	c.mu.Lock()
	switch c.state {
	case ClientJoining:
		c.enqueued = append(c.enqueued, frame)
		c.mu.Unlock()
		return nil
	case ClientLeaving:
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()
	return conn.Send(frame)
}

// write 不經過排隊直接寫入
func (c *Client) write(frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	return conn.Send(frame)
}

// acknowledgeJoin JOINING → JOINED，回傳排隊中的訊息
func (c *Client) acknowledgeJoin() ([][]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ClientJoining {
		return nil, false
	}
	c.state = ClientJoined
	queued := c.enqueued
	c.enqueued = nil
	return queued, true
}

func (c *Client) acceptsMessages() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messagesEnabled && c.state != ClientLeaving
}

func (c *Client) enableMessages() {
	c.mu.Lock()
	c.messagesEnabled = true
	c.mu.Unlock()
}

// markLeft 標記已離開；已標記過回傳 false
func (c *Client) markLeft() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.left {
		return false
	}
	c.left = true
	return true
}

// takeOver 新連線接手舊客戶端的身分
func (c *Client) takeOver(prev *Client) {
	prev.mu.Lock()
	auth, userData := prev.auth, prev.userData
	prev.mu.Unlock()

	c.mu.Lock()
	c.auth = auth
	c.userData = userData
	conn := c.conn
	c.mu.Unlock()

	prev.mu.Lock()
	prev.conn = conn
	prev.state = ClientReconnected
	prev.mu.Unlock()
}
