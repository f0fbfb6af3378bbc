package middleware

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jsoncomm/message"
)

var testRequest = message.NewGenericRequest("add", map[string]any{"a": 1, "b": 2})

// 模拟一个简单的 handler：直接返回成功响应
func echoHandler(ctx context.Context, req message.Request) (any, error) {
	return map[string]any{"command": req.RequestCommand(), "result": "ok"}, nil
}

// 模拟一个慢 handler：睡 200ms
func slowHandler(ctx context.Context, req message.Request) (any, error) {
	select {
	case <-time.After(200 * time.Millisecond):
		return echoHandler(ctx, req)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestLogging(t *testing.T) {
	handler := LoggingMiddleware()(echoHandler)

	resp, err := handler(context.Background(), testRequest)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.(map[string]any)["result"])
}

func TestTimeoutPass(t *testing.T) {
	// 超时 500ms，handler 很快，应该正常返回
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	_, err := handler(context.Background(), testRequest)
	assert.NoError(t, err)
}

func TestTimeoutExceeded(t *testing.T) {
	// 超时 50ms，handler 需要 200ms，应该超时
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	_, err := handler(context.Background(), testRequest)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "request timed out: context deadline exceeded", err.Error())
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		_, err := handler(context.Background(), testRequest)
		require.NoError(t, err, "request %d should pass", i)
	}

	_, err := handler(context.Background(), testRequest)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestRetryRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	flaky := func(ctx context.Context, req message.Request) (any, error) {
		if calls.Add(1) < 3 {
			return nil, Retryable(errors.New("backend busy"))
		}
		return "done", nil
	}

	resp, err := RetryMiddleware(5, time.Millisecond)(flaky)(context.Background(), testRequest)
	require.NoError(t, err)
	assert.Equal(t, "done", resp)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRetryGivesUp(t *testing.T) {
	var calls atomic.Int32
	busy := errors.New("backend busy")
	failing := func(ctx context.Context, req message.Request) (any, error) {
		calls.Add(1)
		return nil, Retryable(busy)
	}

	_, err := RetryMiddleware(2, time.Millisecond)(failing)(context.Background(), testRequest)
	assert.ErrorIs(t, err, busy)
	assert.EqualValues(t, 3, calls.Load(), "one attempt plus two retries")
}

func TestRetrySkipsPermanentErrors(t *testing.T) {
	var calls atomic.Int32
	invalid := errors.New("invalid argument")
	failing := func(ctx context.Context, req message.Request) (any, error) {
		calls.Add(1)
		return nil, invalid
	}

	_, err := RetryMiddleware(3, time.Millisecond)(failing)(context.Background(), testRequest)
	assert.ErrorIs(t, err, invalid)
	assert.EqualValues(t, 1, calls.Load())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Retryable(errors.New("x"))))
	assert.True(t, IsRetryable(ErrTimeout))
	assert.False(t, IsRetryable(ErrRateLimited))
	assert.False(t, IsRetryable(nil))
	assert.Nil(t, Retryable(nil))
}

func TestRecover(t *testing.T) {
	panicking := func(ctx context.Context, req message.Request) (any, error) {
		panic("kaboom")
	}

	resp, err := RecoverMiddleware()(panicking)(context.Background(), testRequest)
	assert.Nil(t, resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Contains(t, err.Error(), `"add"`)
}

func TestChain(t *testing.T) {
	var order []string
	trace := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req message.Request) (any, error) {
				order = append(order, name+" in")
				resp, err := next(ctx, req)
				order = append(order, name+" out")
				return resp, err
			}
		}
	}

	handler := Chain(trace("outer"), LoggingMiddleware(), TimeOutMiddleware(500*time.Millisecond), trace("inner"))(echoHandler)
	_, err := handler(context.Background(), testRequest)
	require.NoError(t, err)
	assert.Equal(t, []string{"outer in", "inner in", "inner out", "outer out"}, order)
}
