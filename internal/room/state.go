package room

import (
	"time"
)

// SetState 設定房間狀態並重設序列化器的基準
func (r *Room) SetState(state any) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.userState = state
	r.serializer.Reset(state)
}

// SetSerializer 更換序列化器，必須在 SetState 之前呼叫
func (r *Room) SetSerializer(s Serializer) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.serializer = s
	if r.userState != nil {
		s.Reset(r.userState)
	}
}

// MutateState 在狀態鎖內修改狀態，不會與 patch 計算交錯
func (r *Room) MutateState(fn func(state any)) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	fn(r.userState)
}

func (r *Room) serializerID() string {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.serializer.ID()
}

func (r *Room) handshake() []byte {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.serializer.Handshake()
}

// SetPatchRate 設定狀態 patch 的頻率；d <= 0 停止自動 patch
func (r *Room) SetPatchRate(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.patchStop != nil {
		close(r.patchStop)
		r.patchStop = nil
	}
	if d <= 0 || r.disposing {
		return
	}

	stop := make(chan struct{})
	r.patchStop = stop
	ticker := r.clock.Ticker(d)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.BroadcastPatch()
			case <-stop:
				return
			}
		}
	}()
}

// SetSimulationInterval 以固定間隔呼叫 fn，參數是距離上一次呼叫的時間
//
// fn 在狀態鎖內執行；fn 為 nil 時停止。interval <= 0 使用 DefaultSimulationInterval。
func (r *Room) SetSimulationInterval(fn func(delta time.Duration), interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.simulationStop != nil {
		close(r.simulationStop)
		r.simulationStop = nil
	}
	if fn == nil || r.disposing {
		return
	}
	if interval <= 0 {
		interval = DefaultSimulationInterval
	}

	stop := make(chan struct{})
	r.simulationStop = stop
	ticker := r.clock.Ticker(interval)
	last := r.clock.Now()
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				now := r.clock.Now()
				delta := now.Sub(last)
				last = now
				r.stateMu.Lock()
				fn(delta)
				r.stateMu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

// BroadcastPatch 計算並送出狀態 patch，接著送出等待 patch 的廣播
//
// 沒有狀態時回傳 false；回傳值表示狀態是否有變化。
func (r *Room) BroadcastPatch() bool {
	r.stateMu.Lock()
	if r.userState == nil {
		r.stateMu.Unlock()
		return false
	}
	patch, changed, err := r.serializer.ApplyPatches(r.userState)
	r.stateMu.Unlock()

	if err != nil {
		r.logger.Error("compute state patch", "error", err)
	}
	if changed {
		frame := encodeRawFrame(ProtocolRoomStatePatch, patch)
		for _, c := range r.Clients() {
			// 還在 JOINING 的客戶端確認加入時會收到完整狀態
			if c.State() != ClientJoined {
				continue
			}
			if err := c.write(frame); err != nil {
				r.logger.Debug("send state patch", "session_id", c.sessionID, "error", err)
			}
		}
	}

	r.mu.Lock()
	queued := r.afterNextPatch
	r.afterNextPatch = nil
	r.mu.Unlock()
	for _, q := range queued {
		r.broadcastFrame(q.frame, q.except)
	}
	return changed
}

// Broadcast 送出 ROOM_DATA 給所有客戶端
func (r *Room) Broadcast(msgType string, payload any, opts BroadcastOptions) error {
	frame, err := encodeData(msgType, payload)
	if err != nil {
		return err
	}
	if opts.AfterNextPatch {
		r.mu.Lock()
		r.afterNextPatch = append(r.afterNextPatch, queuedFrame{frame: frame, except: opts.Except})
		r.mu.Unlock()
		return nil
	}
	r.broadcastFrame(frame, opts.Except)
	return nil
}

func (r *Room) broadcastFrame(frame []byte, except *Client) {
	for _, c := range r.Clients() {
		if c == except {
			continue
		}
		if err := c.sendRaw(frame); err != nil {
			r.logger.Debug("broadcast", "session_id", c.sessionID, "error", err)
		}
	}
}

func (r *Room) sendFullState(c *Client) {
	r.stateMu.Lock()
	if r.userState == nil {
		r.stateMu.Unlock()
		return
	}
	full, err := r.serializer.FullState()
	r.stateMu.Unlock()

	if err != nil {
		r.logger.Error("encode full state", "error", err)
		return
	}
	if full == nil {
		return
	}
	if err := c.write(encodeRawFrame(ProtocolRoomState, full)); err != nil {
		r.logger.Debug("send full state", "session_id", c.sessionID, "error", err)
	}
}
