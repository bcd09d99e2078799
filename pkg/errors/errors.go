// Package errors 提供配對服務的錯誤類型與穩定錯誤碼
//
// 錯誤碼會直接回傳給客戶端（HTTP 回應與 WebSocket ERROR 訊息），
// 因此數值一旦發佈就不能再更改。
package errors

import (
	"errors"
	"fmt"
)

// Code 錯誤碼
type Code int

// 定義錯誤碼
const (
	// CodeNone 未指定錯誤碼
	CodeNone Code = 0
	// MatchmakeNoHandler 房間類型未註冊
	MatchmakeNoHandler Code = 4210
	// MatchmakeInvalidCriteria 沒有符合條件的房間
	MatchmakeInvalidCriteria Code = 4211
	// MatchmakeInvalidRoomID 房間不存在或已鎖定
	MatchmakeInvalidRoomID Code = 4212
	// MatchmakeUnhandled 遠端呼叫逾時或無法處理
	MatchmakeUnhandled Code = 4213
	// MatchmakeExpired 座位預約已過期
	MatchmakeExpired Code = 4214
	// AuthFailed 認證失敗
	AuthFailed Code = 4215
	// ApplicationError 房間業務邏輯錯誤
	ApplicationError Code = 4216
)

var codeNames = map[Code]string{
	MatchmakeNoHandler:       "MATCHMAKE_NO_HANDLER",
	MatchmakeInvalidCriteria: "MATCHMAKE_INVALID_CRITERIA",
	MatchmakeInvalidRoomID:   "MATCHMAKE_INVALID_ROOM_ID",
	MatchmakeUnhandled:       "MATCHMAKE_UNHANDLED",
	MatchmakeExpired:         "MATCHMAKE_EXPIRED",
	AuthFailed:               "AUTH_FAILED",
	ApplicationError:         "APPLICATION_ERROR",
}

// String 回傳錯誤碼名稱
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE_%d", int(c))
}

// AppError 應用程式錯誤
type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"error"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is，以錯誤碼比較
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code Code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf 以格式化訊息創建錯誤
func Newf(code Code, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 包裝錯誤
func Wrap(err error, code Code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 添加詳細資訊
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// EnsureCode 保留錯誤原有的錯誤碼；沒有錯誤碼時以 fallback 包裝
//
// 用於使用者 hook（onCreate / onAuth / onJoin）回傳的任意錯誤。
func EnsureCode(err error, fallback Code) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Code != CodeNone {
		return appErr
	}
	return &AppError{Code: fallback, Message: err.Error(), Err: err}
}

// CodeOf 取出錯誤碼，非 AppError 回傳 CodeNone
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeNone
}

// HasCode 檢查錯誤鏈中是否帶有指定錯誤碼
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
