package matchmaker

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/koopa0/system-design/14-matchmaker/internal/driver"
	"github.com/koopa0/system-design/14-matchmaker/internal/ipc"
	"github.com/koopa0/system-design/14-matchmaker/internal/presence"
	"github.com/koopa0/system-design/14-matchmaker/internal/room"
)

// maxConcurrentProbes 同時進行的存活探測上限
const maxConcurrentProbes = 16

// cleanupStaleRooms 移除擁有者已經不存在的目錄資料
//
// 對每一筆同名資料讀取 roomId 屬性；逾時或失敗就視為程序崩潰留下的孤兒資料。
// 沒有任何程序訂閱房間頻道時不必等逾時，直接判定。
func (m *MatchMaker) cleanupStaleRooms(ctx context.Context, roomName string) error {
	listings, err := m.driver.Find(ctx, driver.Conditions{driver.FieldName: roomName})
	if err != nil {
		return fmt.Errorf("find %s rooms: %w", roomName, err)
	}
	if err := m.presence.Del(ctx, presence.ConcurrencyKey(roomName)); err != nil {
		m.logger.Warn("clear concurrency counter", "room_name", roomName, "error", err)
	}

	var g errgroup.Group
	g.SetLimit(maxConcurrentProbes)
	for _, l := range listings {
		g.Go(func() error {
			if m.probe(ctx, l.RoomID) {
				return nil
			}
			m.logger.Info("removing stale room listing",
				"room_name", roomName, "room_id", l.RoomID, "owner_process", l.ProcessID)
			return m.driver.CreateInstance(l).Remove(ctx)
		})
	}
	return g.Wait()
}

// probe 房間是否仍有程序回應
func (m *MatchMaker) probe(ctx context.Context, roomID string) bool {
	if m.GetRoomByID(roomID) != nil {
		return true
	}
	exists, err := m.presence.Exists(ctx, presence.RoomChannel(roomID))
	if err == nil && !exists {
		return false
	}
	return m.RemoteRoomCall(ctx, roomID, ipc.PropertyRead(room.PropertyRoomID), 0, nil) == nil
}
