package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/koopa0/system-design/14-matchmaker/internal/driver"
	"github.com/koopa0/system-design/14-matchmaker/internal/matchmaker"
	"github.com/koopa0/system-design/14-matchmaker/internal/room"
)

// reconnectGrace 非主動斷線的玩家可以在這段時間內回到原本的座位
const reconnectGrace = 20 * time.Second

// defineRooms 服務啟動時註冊的房間類型
func defineRooms(ctx context.Context, mm *matchmaker.MatchMaker) {
	mm.DefineRoomType(ctx, "chat", func() room.Handler { return &chatRoom{} }, room.Options{"maxClients": 50})

	mm.DefineRoomType(ctx, "battle", func() room.Handler { return &battleRoom{} }, nil).
		FilterBy("mode").
		SortBy(driver.SortField{Field: driver.FieldClients, Desc: true})
}

// chatRoom 把訊息轉送給房間內所有人
type chatRoom struct {
	room *room.Room
}

func (c *chatRoom) OnCreate(_ context.Context, r *room.Room, options room.Options) error {
	c.room = r
	if n, ok := options["maxClients"].(float64); ok {
		r.SetMaxClients(int(n))
	} else if n, ok := options["maxClients"].(int); ok {
		r.SetMaxClients(n)
	}

	r.OnMessage("message", func(client *room.Client, _ string, payload json.RawMessage) {
		_ = r.Broadcast("message", map[string]any{
			"from": client.SessionID(),
			"text": payload,
		}, room.BroadcastOptions{})
	})
	return nil
}

func (c *chatRoom) OnLeave(_ context.Context, client *room.Client, consented bool) error {
	if consented {
		return nil
	}
	rec, err := c.room.AllowReconnection(client, reconnectGrace)
	if err != nil {
		return err
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), reconnectGrace+time.Second)
		defer cancel()
		if _, err := rec.Wait(ctx); err != nil {
			c.room.Logger().Debug("player did not come back", "session_id", client.SessionID(), "error", err)
		}
	}()
	return nil
}

// battleState 同步給客戶端的對戰狀態
type battleState struct {
	Tick    int            `json:"tick"`
	Players map[string]int `json:"players"`
}

// battleRoom 兩人對戰，每個模擬週期推進一次並同步狀態
type battleRoom struct {
	state *battleState
}

func (b *battleRoom) OnCreate(_ context.Context, r *room.Room, _ room.Options) error {
	b.state = &battleState{Players: map[string]int{}}
	r.SetMaxClients(2)
	r.SetSerializer(room.NewJSONSerializer())
	r.SetState(b.state)

	r.OnMessage("score", func(client *room.Client, _ string, _ json.RawMessage) {
		r.MutateState(func(s any) { s.(*battleState).Players[client.SessionID()]++ })
	})
	// 模擬函數已經在狀態鎖內執行
	r.SetSimulationInterval(func(time.Duration) { b.state.Tick++ }, room.DefaultSimulationInterval)
	return nil
}

func (b *battleRoom) OnJoin(_ context.Context, client *room.Client, _ room.Options) error {
	client.SetUserData(map[string]any{"joinedAt": time.Now()})
	return nil
}
