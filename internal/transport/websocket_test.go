package transport_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-matchmaker/internal/driver"
	"github.com/koopa0/system-design/14-matchmaker/internal/matchmaker"
	"github.com/koopa0/system-design/14-matchmaker/internal/presence"
	"github.com/koopa0/system-design/14-matchmaker/internal/room"
	"github.com/koopa0/system-design/14-matchmaker/internal/transport"
	apperrors "github.com/koopa0/system-design/14-matchmaker/pkg/errors"
	"github.com/koopa0/system-design/14-matchmaker/pkg/logger"
)

// echoRoom 把 echo 訊息送回給發送者，記錄每次離開是否為主動離開
type echoRoom struct {
	mu        sync.Mutex
	consented []bool
}

func (e *echoRoom) OnCreate(_ context.Context, r *room.Room, _ room.Options) error {
	r.SetMaxClients(4)
	r.OnMessage("echo", func(c *room.Client, msgType string, payload json.RawMessage) {
		_ = c.Send(msgType, payload)
	})
	return nil
}

func (e *echoRoom) OnAuth(_ context.Context, _ *room.Client, options room.Options) (any, error) {
	if options["token"] == "bad" {
		return nil, apperrors.New(apperrors.AuthFailed, "invalid token")
	}
	return true, nil
}

func (e *echoRoom) OnLeave(_ context.Context, _ *room.Client, consented bool) error {
	e.mu.Lock()
	e.consented = append(e.consented, consented)
	e.mu.Unlock()
	return nil
}

func (e *echoRoom) leaves() []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bool(nil), e.consented...)
}

type fixture struct {
	mm      *matchmaker.MatchMaker
	handler *echoRoom
	url     string
}

func setup(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()

	mm, err := matchmaker.New(ctx, matchmaker.Config{
		ProcessID: "p1",
		Presence:  presence.NewLocal(),
		Driver:    driver.NewLocal(),
		Logger:    logger.Discard(),
		PatchRate: -1,
	})
	require.NoError(t, err)

	h := &echoRoom{}
	mm.DefineRoomType(ctx, "echo", func() room.Handler { return h }, nil)

	srv := transport.NewServer(mm, logger.Discard())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{roomId}", srv.ServeWS)
	ts := httptest.NewServer(mux)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mm.GracefullyShutdown(ctx)
		_ = srv.Close(ctx)
		ts.Close()
	})

	return fixture{mm: mm, handler: h, url: "ws" + strings.TrimPrefix(ts.URL, "http")}
}

func (f fixture) dial(t *testing.T, res *matchmaker.SeatReservation) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(f.url+"/ws/"+res.Room.RoomID+"?sessionId="+res.SessionID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) (room.Protocol, []byte) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	messageType, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, messageType)
	code, body, err := room.DecodeFrame(data)
	require.NoError(t, err)
	return code, body
}

func writeFrame(t *testing.T, ws *websocket.Conn, code room.Protocol, body any) {
	t.Helper()
	frame, err := room.EncodeFrame(code, body)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, frame))
}

// join 完成握手：收到 JOIN_ROOM 後回覆確認
func join(t *testing.T, ws *websocket.Conn, sessionID string) {
	t.Helper()
	code, body := readFrame(t, ws)
	require.Equal(t, room.ProtocolJoinRoom, code)

	var msg room.JoinMessage
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.Equal(t, sessionID, msg.SessionID)

	writeFrame(t, ws, room.ProtocolJoinRoom, nil)
}

func TestJoinAndExchangeMessages(t *testing.T) {
	f := setup(t)
	res, err := f.mm.Create(context.Background(), "echo", nil)
	require.NoError(t, err)

	ws := f.dial(t, res)
	join(t, ws, res.SessionID)

	writeFrame(t, ws, room.ProtocolRoomData, room.DataMessage{Type: "echo", Message: json.RawMessage(`{"n":1}`)})

	code, body := readFrame(t, ws)
	require.Equal(t, room.ProtocolRoomData, code)
	var msg room.DataMessage
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.Equal(t, "echo", msg.Type)
	assert.JSONEq(t, `{"n":1}`, string(msg.Message))

	assert.Equal(t, 1, f.mm.GetRoomByID(res.Room.RoomID).ClientCount())
}

func TestLeaveRoomIsConsented(t *testing.T) {
	f := setup(t)
	res, err := f.mm.Create(context.Background(), "echo", nil)
	require.NoError(t, err)
	rm := f.mm.GetRoomByID(res.Room.RoomID)

	ws := f.dial(t, res)
	join(t, ws, res.SessionID)
	writeFrame(t, ws, room.ProtocolLeaveRoom, nil)

	assert.Eventually(t, func() bool { return len(f.handler.leaves()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true}, f.handler.leaves())

	// 最後一位客戶端離開，房間自動銷毀
	select {
	case <-rm.Disconnected():
	case <-time.After(2 * time.Second):
		t.Fatal("room should dispose after the last client leaves")
	}
}

func TestAbnormalCloseIsNotConsented(t *testing.T) {
	f := setup(t)
	res, err := f.mm.Create(context.Background(), "echo", nil)
	require.NoError(t, err)

	ws := f.dial(t, res)
	join(t, ws, res.SessionID)
	require.NoError(t, ws.UnderlyingConn().Close())

	assert.Eventually(t, func() bool { return len(f.handler.leaves()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{false}, f.handler.leaves())
}

func TestJoinRejected(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	res, err := f.mm.Create(ctx, "echo", room.Options{"token": "bad"})
	require.NoError(t, err)

	ws := f.dial(t, res)
	code, body := readFrame(t, ws)
	require.Equal(t, room.ProtocolError, code)

	var msg room.ErrorMessage
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.Equal(t, int(apperrors.AuthFailed), msg.Code)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, room.CloseWithError), "got %v", err)
}

func TestServeWSValidation(t *testing.T) {
	f := setup(t)
	res, err := f.mm.Create(context.Background(), "echo", nil)
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"missing session", "/ws/" + res.Room.RoomID, http.StatusBadRequest},
		{"unknown room", "/ws/nope?sessionId=" + res.SessionID, http.StatusNotFound},
		{"unknown session", "/ws/" + res.Room.RoomID + "?sessionId=stranger", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(f.url+tt.path, nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}
