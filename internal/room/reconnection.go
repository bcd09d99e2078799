package room

import (
	"context"
	"errors"
	"sync"

	"github.com/benbjohnson/clock"
)

var (
	// ErrReconnectionExpired 寬限時間內沒有重新連線
	ErrReconnectionExpired = errors.New("room: reconnection expired")
	// ErrReconnectionRejected 呼叫了 Reject
	ErrReconnectionRejected = errors.New("room: reconnection rejected")
	// ErrDisconnecting 房間正在關閉
	ErrDisconnecting = errors.New("room: disconnecting")
)

// Reconnection 等待中的斷線重連
//
// 由 AllowReconnection 建立；同一個 session 重新 join 時完成，
// 寬限時間到、Reject 或房間關閉時失敗。只會完成一次。
type Reconnection struct {
	room     *Room
	previous *Client
	seat     *seat
	timer    *clock.Timer

	once   sync.Once
	done   chan struct{}
	client *Client
	err    error
}

// SessionID 等待重連的 session
func (rec *Reconnection) SessionID() string { return rec.previous.sessionID }

// Wait 等待重連結果，成功時回傳新的 Client
func (rec *Reconnection) Wait(ctx context.Context) (*Client, error) {
	select {
	case <-rec.done:
		return rec.client, rec.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done 重連結束時關閉
func (rec *Reconnection) Done() <-chan struct{} { return rec.done }

// Reject 放棄等待
func (rec *Reconnection) Reject() {
	rec.settle(nil, ErrReconnectionRejected)
}

// resolve 回傳 false 表示重連已經以其他方式結束
func (rec *Reconnection) resolve(c *Client) bool {
	return rec.settle(c, nil)
}

func (rec *Reconnection) settle(c *Client, err error) bool {
	settled := false
	rec.once.Do(func() {
		settled = true
		if c != nil {
			c.takeOver(rec.previous)
		}
		rec.client = c
		rec.err = err
		rec.room.finishReconnection(rec, err != nil)
		close(rec.done)
	})
	return settled
}
