// Package ipc 在 Presence pub/sub 上實作請求/回應
//
// 流程：
//
//	caller                      presence                    owner
//	  │ subscribe ipc:<id>         │                           │
//	  │ publish room:<roomId> ───► │ ────────────────────────► │ handler(call)
//	  │                            │ ◄──────── publish ipc:<id>│
//	  │ ◄───────────────────────── │                           │
//
// 系統設計考量：
//
//  1. 關聯 ID
//     每個請求使用 UUID v4 作為回覆頻道名稱，回覆只會送到發起者。
//
//  2. 逾時
//     逾時回傳 ErrTimeout，與遠端回傳的業務錯誤（*RemoteError）區分；
//     上層據此決定是否 fallback 或轉成 MATCHMAKE_UNHANDLED。
//     計時走注入的 clock.Clock，測試可以用 mock clock 推進。
//
//  3. handler panic
//     handler 在 presence 的 goroutine 上執行，panic 沒人接住會讓整個程序退出，
//     來不及離開叢集。panic 會被恢復並以 MATCHMAKE_UNHANDLED 回覆呼叫者。
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/koopa0/system-design/14-matchmaker/internal/presence"
	apperrors "github.com/koopa0/system-design/14-matchmaker/pkg/errors"
)

// ErrTimeout 在逾時前沒有收到回覆
var ErrTimeout = errors.New("ipc: request timed out")

// CallKind 呼叫類型
type CallKind string

const (
	// KindMethod 呼叫方法
	KindMethod CallKind = "method"
	// KindProperty 讀取屬性
	KindProperty CallKind = "property"
)

// Call 跨程序呼叫
type Call struct {
	Kind   CallKind          `json:"kind"`
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args,omitempty"`
}

// MethodCall 建立方法呼叫，參數以 JSON 編碼
func MethodCall(method string, args ...any) (Call, error) {
	call := Call{Kind: KindMethod, Method: method}
	for _, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return Call{}, fmt.Errorf("encode argument of %s: %w", method, err)
		}
		call.Args = append(call.Args, data)
	}
	return call, nil
}

// PropertyRead 建立屬性讀取
func PropertyRead(name string) Call {
	return Call{Kind: KindProperty, Method: name}
}

// Arg 解碼第 i 個參數；參數不存在時保持 v 不變
func (c Call) Arg(i int, v any) error {
	if i >= len(c.Args) {
		return nil
	}
	if err := json.Unmarshal(c.Args[i], v); err != nil {
		return fmt.Errorf("decode argument %d of %s: %w", i, c.Method, err)
	}
	return nil
}

// Status 回覆狀態
type Status int

const (
	StatusSuccess Status = 0
	StatusError   Status = 1
)

type request struct {
	ID      string `json:"id"`
	ReplyTo string `json:"replyTo"`
	Call    Call   `json:"call"`
}

type reply struct {
	Status  Status          `json:"status"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Code    apperrors.Code  `json:"code,omitempty"`
}

// RemoteError 遠端 handler 回傳的錯誤
type RemoteError struct {
	Code    apperrors.Code
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote: %s", e.Message)
}

// Unwrap 帶錯誤碼時轉成 AppError，讓 errors.CodeOf 可以取出
func (e *RemoteError) Unwrap() error {
	if e.Code == apperrors.CodeNone {
		return nil
	}
	return apperrors.New(e.Code, e.Message)
}

// Handler 處理呼叫；回傳值以 JSON 編碼後回覆
type Handler func(ctx context.Context, call Call) (any, error)

// ReplyChannel 回覆頻道
func ReplyChannel(requestID string) string {
	return "ipc:" + requestID
}

// Subscribe 在 channel 上處理呼叫
//
// ctx 傳給每一次 handler 呼叫；取消 ctx 不會取消訂閱，需呼叫 presence.Unsubscribe。
func Subscribe(ctx context.Context, p presence.Presence, channel string, h Handler, logger *slog.Logger) error {
	return p.Subscribe(ctx, channel, func(payload []byte) {
		var req request
		if err := json.Unmarshal(payload, &req); err != nil {
			logger.Warn("drop malformed ipc request", "channel", channel, "error", err)
			return
		}

		rep := reply{Status: StatusSuccess}
		result, err := invoke(ctx, h, req.Call, logger)
		if err != nil {
			rep = reply{Status: StatusError, Message: err.Error(), Code: apperrors.CodeOf(err)}
		} else if result != nil {
			data, err := json.Marshal(result)
			if err != nil {
				rep = reply{Status: StatusError, Message: err.Error()}
			} else {
				rep.Data = data
			}
		}

		data, err := json.Marshal(rep)
		if err != nil {
			logger.Error("encode ipc reply", "request_id", req.ID, "error", err)
			return
		}
		if err := p.Publish(ctx, req.ReplyTo, data); err != nil {
			logger.Warn("publish ipc reply", "request_id", req.ID, "error", err)
		}
	})
}

// invoke 執行 handler，panic 轉成 MATCHMAKE_UNHANDLED
func invoke(ctx context.Context, h Handler, call Call, logger *slog.Logger) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("panic in ipc handler",
				"method", call.Method,
				"panic", rec,
				"stack", string(debug.Stack()))
			result = nil
			err = apperrors.Newf(apperrors.MatchmakeUnhandled, "%s failed: %v", call.Method, rec)
		}
	}()
	return h(ctx, call)
}

// RequestOption Request 的選項
type RequestOption func(*requestOptions)

type requestOptions struct {
	clock clock.Clock
}

// WithClock 以 clk 計算逾時，預設為真實時鐘
func WithClock(clk clock.Clock) RequestOption {
	return func(o *requestOptions) {
		if clk != nil {
			o.clock = clk
		}
	}
}

// Request 發送呼叫並等待回覆
//
// 回傳：
//   - 成功：handler 回傳值的 JSON（可能為空）
//   - ErrTimeout：timeout 內沒有回覆
//   - *RemoteError：handler 回傳錯誤
func Request(ctx context.Context, p presence.Presence, channel string, call Call, timeout time.Duration, opts ...RequestOption) (json.RawMessage, error) {
	o := requestOptions{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	id := uuid.NewString()
	replyTo := ReplyChannel(id)

	replies := make(chan reply, 1)
	err := p.Subscribe(ctx, replyTo, func(payload []byte) {
		var rep reply
		if err := json.Unmarshal(payload, &rep); err != nil {
			return
		}
		select {
		case replies <- rep:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe reply channel: %w", err)
	}
	defer func() {
		_ = p.Unsubscribe(context.WithoutCancel(ctx), replyTo)
	}()

	data, err := json.Marshal(request{ID: id, ReplyTo: replyTo, Call: call})
	if err != nil {
		return nil, err
	}
	if err := p.Publish(ctx, channel, data); err != nil {
		return nil, fmt.Errorf("publish to %s: %w", channel, err)
	}

	timer := o.clock.Timer(timeout)
	defer timer.Stop()

	select {
	case rep := <-replies:
		if rep.Status == StatusError {
			return nil, &RemoteError{Code: rep.Code, Message: rep.Message}
		}
		return rep.Data, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Decode 便利函數：發送呼叫並把結果解碼到 out（out 為 nil 時忽略結果）
func Decode(ctx context.Context, p presence.Presence, channel string, call Call, timeout time.Duration, out any, opts ...RequestOption) error {
	data, err := Request(ctx, p, channel, call, timeout, opts...)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
