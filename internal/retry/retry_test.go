package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-matchmaker/internal/retry"
)

var (
	errRace  = errors.New("seat taken")
	errFatal = errors.New("no handler")
)

func isRace(err error) bool { return errors.Is(err, errRace) }

// instant 不等待的策略，方便計算呼叫次數
func instant(maxRetries int) retry.Policy {
	return retry.Policy{
		MaxRetries: maxRetries,
		Retryable:  isRace,
		Rand:       func() float64 { return 0 },
	}
}

func TestDo(t *testing.T) {
	tests := []struct {
		name      string
		failures  []error
		maxRetry  int
		wantCalls int
		wantErr   error
	}{
		{"success first try", nil, 3, 1, nil},
		{"success after races", []error{errRace, errRace}, 3, 3, nil},
		{"retries exhausted", []error{errRace, errRace, errRace, errRace, errRace}, 3, 4, errRace},
		{"non whitelisted error is not retried", []error{errFatal}, 3, 1, errFatal},
		{"zero retries", []error{errRace}, 0, 1, errRace},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			got, err := retry.Do(context.Background(), instant(tt.maxRetry), func(context.Context) (int, error) {
				calls++
				if calls <= len(tt.failures) {
					return 0, tt.failures[calls-1]
				}
				return 42, nil
			})

			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 42, got)
		})
	}
}

func TestBackoffBounds(t *testing.T) {
	p := retry.Policy{Rand: func() float64 { return 0.999999 }}

	for k := 1; k <= 5; k++ {
		upper := time.Duration(int64(1)<<k) * retry.DefaultBaseDelay
		d := p.Backoff(k)
		assert.Less(t, d, upper, "retry %d", k)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}

	p.Rand = func() float64 { return 0.5 }
	assert.Equal(t, 400*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 800*time.Millisecond, p.Backoff(2))
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := retry.Policy{
		MaxRetries: 5,
		BaseDelay:  time.Hour,
		Retryable:  isRace,
		Rand:       func() float64 { return 0.5 },
	}

	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := retry.Do(ctx, p, func(context.Context) (struct{}, error) {
			calls++
			return struct{}{}, errRace
		})
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not stop on cancel")
	}
}
