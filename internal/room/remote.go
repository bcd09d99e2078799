package room

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/koopa0/system-design/14-matchmaker/internal/ipc"
)

// Invoke 處理遠端呼叫
//
// 屬性：roomId、roomName、clients、maxClients、locked、metadata。
// 方法：reserveSeat(sessionId, options)、hasReservedSeat(sessionId)、lock、unlock、
// disconnect、setMetadata(metadata)、setPrivate(private)。
func (r *Room) Invoke(ctx context.Context, call ipc.Call) (any, error) {
	switch call.Kind {
	case ipc.KindProperty:
		switch call.Method {
		case PropertyRoomID:
			return r.id, nil
		case PropertyRoomName:
			return r.name, nil
		case PropertyClients:
			return r.ClientCount(), nil
		case PropertyMaxClients:
			return r.MaxClients(), nil
		case PropertyLocked:
			return r.Locked(), nil
		case PropertyMetadata:
			return r.Metadata(), nil
		}

	case ipc.KindMethod:
		switch call.Method {
		case MethodReserveSeat:
			var sessionID string
			var options Options
			if err := multierr.Combine(call.Arg(0, &sessionID), call.Arg(1, &options)); err != nil {
				return nil, err
			}
			return r.ReserveSeat(ctx, sessionID, options), nil
		case MethodHasReservedSeat:
			var sessionID string
			if err := call.Arg(0, &sessionID); err != nil {
				return nil, err
			}
			return r.HasReservedSeat(sessionID), nil
		case MethodLock:
			return nil, r.Lock(ctx)
		case MethodUnlock:
			return nil, r.Unlock(ctx)
		case MethodDisconnect:
			return nil, r.Disconnect(ctx)
		case MethodSetMetadata:
			var metadata map[string]any
			if err := call.Arg(0, &metadata); err != nil {
				return nil, err
			}
			return nil, r.SetMetadata(ctx, metadata)
		case MethodSetPrivate:
			var private bool
			if err := call.Arg(0, &private); err != nil {
				return nil, err
			}
			return nil, r.SetPrivate(ctx, private)
		}
	}
	return nil, fmt.Errorf("%w: %s %q", ErrUnknownCall, call.Kind, call.Method)
}

// 遠端呼叫名稱
const (
	PropertyRoomID     = "roomId"
	PropertyRoomName   = "roomName"
	PropertyClients    = "clients"
	PropertyMaxClients = "maxClients"
	PropertyLocked     = "locked"
	PropertyMetadata   = "metadata"

	MethodReserveSeat     = "reserveSeat"
	MethodHasReservedSeat = "hasReservedSeat"
	MethodLock            = "lock"
	MethodUnlock          = "unlock"
	MethodDisconnect      = "disconnect"
	MethodSetMetadata     = "setMetadata"
	MethodSetPrivate      = "setPrivate"
)
