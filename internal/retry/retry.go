// Package retry 提供有上限的指數退避重試
//
// 退避使用 full jitter：第 k 次重試前等待 floor(rand × 2^k × BaseDelay)。
// 只有 Retryable 判定為可重試的錯誤才會重試，其餘錯誤立即回傳。
//
// 系統設計考量：
//
//  1. 為什麼要 jitter？
//     多個程序同時搶同一個座位失敗後，如果用固定延遲會在同一時間再撞一次；
//     隨機延遲讓重試分散開來。
//
//  2. 為什麼用白名單？
//     只有「座位被搶走」這類競爭錯誤值得重試；
//     房間類型不存在、認證失敗等錯誤重試也不會成功。
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultBaseDelay 預設退避基準時間
const DefaultBaseDelay = 400 * time.Millisecond

// Policy 重試策略
type Policy struct {
	// MaxRetries 最大重試次數（不含第一次執行）
	MaxRetries int
	// BaseDelay 退避基準時間，零值使用 DefaultBaseDelay
	BaseDelay time.Duration
	// Retryable 判斷錯誤是否可重試；nil 表示都不重試
	Retryable func(error) bool
	// Clock 零值使用系統時鐘
	Clock clock.Clock
	// Rand 回傳 [0,1) 的亂數，測試時可固定
	Rand func() float64
}

// Backoff 第 retry 次重試（從 1 開始）前的等待時間
func (p Policy) Backoff(retry int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(r() * float64(int64(1)<<retry) * float64(base))
}

// Do 執行 fn，遇到可重試錯誤時退避後重試
//
// 重試次數用完後回傳最後一次的錯誤；ctx 取消時回傳 ctx.Err()。
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}

	for retries := 0; ; {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if p.Retryable == nil || !p.Retryable(err) || retries >= p.MaxRetries {
			return result, err
		}
		retries++

		timer := clk.Timer(p.Backoff(retries))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, ctx.Err()
		}
	}
}
