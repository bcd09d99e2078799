package ipc_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-matchmaker/internal/ipc"
	"github.com/koopa0/system-design/14-matchmaker/internal/presence"
	apperrors "github.com/koopa0/system-design/14-matchmaker/pkg/errors"
	"github.com/koopa0/system-design/14-matchmaker/pkg/logger"
)

func setup(t *testing.T) presence.Presence {
	t.Helper()
	p := presence.NewLocal()
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestRequestReply(t *testing.T) {
	p := setup(t)
	ctx := context.Background()

	err := ipc.Subscribe(ctx, p, "room:r1", func(_ context.Context, call ipc.Call) (any, error) {
		switch call.Kind {
		case ipc.KindProperty:
			return map[string]any{"name": call.Method}, nil
		default:
			var a, b int
			assert.NoError(t, call.Arg(0, &a))
			assert.NoError(t, call.Arg(1, &b))
			return a + b, nil
		}
	}, logger.Discard())
	require.NoError(t, err)

	call, err := ipc.MethodCall("add", 2, 3)
	require.NoError(t, err)

	var sum int
	require.NoError(t, ipc.Decode(ctx, p, "room:r1", call, time.Second, &sum))
	assert.Equal(t, 5, sum)

	var prop map[string]any
	require.NoError(t, ipc.Decode(ctx, p, "room:r1", ipc.PropertyRead("roomName"), time.Second, &prop))
	assert.Equal(t, "roomName", prop["name"])
}

func TestRequestTimeout(t *testing.T) {
	p := setup(t)

	call, err := ipc.MethodCall("lock")
	require.NoError(t, err)

	start := time.Now()
	_, err = ipc.Request(context.Background(), p, "room:nobody", call, 50*time.Millisecond)

	assert.ErrorIs(t, err, ipc.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRemoteErrorKeepsCode(t *testing.T) {
	p := setup(t)
	ctx := context.Background()

	require.NoError(t, ipc.Subscribe(ctx, p, "proc:p1", func(context.Context, ipc.Call) (any, error) {
		return nil, apperrors.New(apperrors.MatchmakeNoHandler, "no handler for battle")
	}, logger.Discard()))

	call, err := ipc.MethodCall("createRoom", "battle")
	require.NoError(t, err)

	_, err = ipc.Request(ctx, p, "proc:p1", call, time.Second)
	require.Error(t, err)

	var remote *ipc.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, apperrors.MatchmakeNoHandler, remote.Code)
	assert.Equal(t, apperrors.MatchmakeNoHandler, apperrors.CodeOf(err))
	assert.NotErrorIs(t, err, ipc.ErrTimeout)
}

func TestRequestCancelledContext(t *testing.T) {
	p := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ipc.Request(ctx, p, "room:r1", ipc.PropertyRead("clients"), time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRequestTimeoutFollowsClock(t *testing.T) {
	p := setup(t)
	mock := clock.NewMock()

	done := make(chan error, 1)
	go func() {
		_, err := ipc.Request(context.Background(), p, "room:nobody", ipc.PropertyRead("roomId"), time.Hour, ipc.WithClock(mock))
		done <- err
	}()

	// 真實時間不會觸發一小時的逾時，只有推進 mock clock 才會
	var err error
	require.Eventually(t, func() bool {
		mock.Add(time.Hour)
		select {
		case err = <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, err, ipc.ErrTimeout)
}

func TestHandlerPanicIsReported(t *testing.T) {
	p := setup(t)
	ctx := context.Background()

	require.NoError(t, ipc.Subscribe(ctx, p, "proc:p2", func(context.Context, ipc.Call) (any, error) {
		panic("onCreate exploded")
	}, logger.Discard()))

	call, err := ipc.MethodCall("createRoom", "battle")
	require.NoError(t, err)

	_, err = ipc.Request(ctx, p, "proc:p2", call, time.Second)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ipc.ErrTimeout)
	assert.Equal(t, apperrors.MatchmakeUnhandled, apperrors.CodeOf(err))
	assert.Contains(t, err.Error(), "onCreate exploded")

	// 訂閱仍然有效
	_, err = ipc.Request(ctx, p, "proc:p2", call, time.Second)
	assert.Equal(t, apperrors.MatchmakeUnhandled, apperrors.CodeOf(err))
}
