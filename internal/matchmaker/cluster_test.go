package matchmaker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-matchmaker/internal/driver"
	"github.com/koopa0/system-design/14-matchmaker/internal/ipc"
	"github.com/koopa0/system-design/14-matchmaker/internal/presence"
	"github.com/koopa0/system-design/14-matchmaker/internal/room"
	apperrors "github.com/koopa0/system-design/14-matchmaker/pkg/errors"
)

func TestRemotePlacement(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	p1 := c.process(t, "p1")
	p2 := c.process(t, "p2")
	p1.DefineRoomType(ctx, "battle", battle(2), nil)
	p2.DefineRoomType(ctx, "battle", battle(2), nil)

	// 同數時本地優先
	first, err := p1.Create(ctx, "battle", nil)
	require.NoError(t, err)
	assert.Equal(t, "p1", first.Room.ProcessID)

	// p2 房間較少，p1 透過程序頻道請 p2 建立
	second, err := p1.Create(ctx, "battle", nil)
	require.NoError(t, err)
	assert.Equal(t, "p2", second.Room.ProcessID)
	assert.Nil(t, p1.GetRoomByID(second.Room.RoomID))

	remote := p2.GetRoomByID(second.Room.RoomID)
	require.NotNil(t, remote)
	assert.True(t, remote.HasReservedSeat(second.SessionID), "seat reserved over ipc")

	assert.Equal(t, map[string]string{"p1": "1", "p2": "1"}, c.roomCounts(t))
}

func TestJoinRemoteRoom(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	p1 := c.process(t, "p1")
	p2 := c.process(t, "p2")
	p1.DefineRoomType(ctx, "battle", battle(2), nil)
	p2.DefineRoomType(ctx, "battle", battle(2), nil)

	hosted, err := p2.Create(ctx, "battle", nil)
	require.NoError(t, err)
	require.Equal(t, "p2", hosted.Room.ProcessID)

	joined, err := p1.JoinOrCreate(ctx, "battle", nil)
	require.NoError(t, err)
	assert.Equal(t, hosted.Room.RoomID, joined.Room.RoomID)

	var locked bool
	require.NoError(t, p1.RemoteRoomCall(ctx, hosted.Room.RoomID, ipc.PropertyRead(room.PropertyLocked), 0, &locked))
	assert.True(t, locked, "room reached max clients through a remote reservation")

	// 房間已滿並鎖定，下一位玩家得到新房間
	third, err := p1.JoinOrCreate(ctx, "battle", nil)
	require.NoError(t, err)
	assert.NotEqual(t, hosted.Room.RoomID, third.Room.RoomID)
}

func TestRemoteRoomCallUnknownMethod(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	p1 := c.process(t, "p1")
	p2 := c.process(t, "p2")
	p2.DefineRoomType(ctx, "battle", battle(2), nil)

	res, err := p2.Create(ctx, "battle", nil)
	require.NoError(t, err)

	call, err := ipc.MethodCall("selfDestruct")
	require.NoError(t, err)
	err = p1.RemoteRoomCall(ctx, res.Room.RoomID, call, 0, nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.MatchmakeUnhandled, apperrors.CodeOf(err), "uncoded remote errors become unhandled")
}

func TestPlacementFallsBackWhenProcessIsGone(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	p1 := c.process(t, "p1")
	p1.DefineRoomType(ctx, "battle", battle(2), nil)

	_, err := p1.Create(ctx, "battle", nil)
	require.NoError(t, err)

	// 崩潰的程序留下的房間數，沒有人訂閱它的程序頻道
	require.NoError(t, c.presence.HSet(ctx, presence.RoomCountKey, "crashed", "0"))

	start := time.Now()
	res, err := p1.Create(ctx, "battle", nil)
	require.NoError(t, err)
	assert.Equal(t, "p1", res.Room.ProcessID)
	assert.GreaterOrEqual(t, time.Since(start), shortTimeout, "waited for the remote process first")
}

func TestStaleRoomCleanup(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	p2 := c.process(t, "p2")
	p2.DefineRoomType(ctx, "battle", battle(2), nil)
	alive, err := p2.Create(ctx, "battle", nil)
	require.NoError(t, err)

	orphan := c.driver.CreateInstance(driver.Listing{
		RoomID:     "orphan",
		Name:       "battle",
		ProcessID:  "crashed",
		MaxClients: 2,
		CreatedAt:  time.Now(),
	})
	require.NoError(t, orphan.Save(ctx))
	_, err = c.presence.Incr(ctx, presence.ConcurrencyKey("battle"))
	require.NoError(t, err)

	p1 := c.process(t, "p1")
	p1.DefineRoomType(ctx, "battle", battle(2), nil)

	listings, err := p1.Query(ctx, driver.Conditions{driver.FieldName: "battle"})
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Equal(t, alive.Room.RoomID, listings[0].RoomID, "live remote room survives the probe")

	counter, err := c.presence.Get(ctx, presence.ConcurrencyKey("battle"))
	require.NoError(t, err)
	assert.Empty(t, counter, "concurrency counter cleared")
}

func TestRemoveRoomType(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	m := c.process(t, "p1")
	m.DefineRoomType(ctx, "battle", battle(2), nil)
	res, err := m.Create(ctx, "battle", nil)
	require.NoError(t, err)

	m.RemoveRoomType(ctx, "battle")
	assert.False(t, m.HasHandler("battle"))
	assert.NotNil(t, m.GetRoomByID(res.Room.RoomID), "existing rooms keep running")

	_, err = m.JoinOrCreate(ctx, "battle", nil)
	assert.True(t, apperrors.HasCode(err, apperrors.MatchmakeNoHandler), "got %v", err)
}
