package future

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromiseResolve(t *testing.T) {
	p := NewPromise[int]()
	f := p.Future()

	_, _, completed := f.Poll()
	assert.False(t, completed)

	assert.True(t, p.Resolve(42))

	value, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, 42, value)
}

func TestPromiseFail(t *testing.T) {
	testErr := errors.New("test error")

	p := NewPromise[string]()
	assert.True(t, p.Fail(testErr))

	_, err := p.Future().Result()
	assert.ErrorIs(t, err, testErr)
}

func TestPromiseFirstCompletionWins(t *testing.T) {
	p := NewPromise[int]()

	assert.True(t, p.Resolve(1))
	assert.False(t, p.Resolve(2))
	assert.False(t, p.Fail(errors.New("too late")))

	value, err := p.Future().Result()
	require.NoError(t, err)
	assert.Equal(t, 1, value)
}

func TestFutureCancel(t *testing.T) {
	p := NewPromise[int]()
	f := p.Future()

	assert.True(t, f.Cancel())
	assert.True(t, f.Canceled())

	// The producer lost the race; its resolution is ignored
	assert.False(t, p.Resolve(42))

	_, err := f.Result()
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestFutureCancelAfterCompletion(t *testing.T) {
	p := NewPromise[int]()
	p.Resolve(7)

	f := p.Future()
	assert.False(t, f.Cancel())

	value, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, 7, value)
}

func TestFutureSubscribe(t *testing.T) {
	p := NewPromise[int]()
	f := p.Future()

	results := make(chan int, 2)

	f.Subscribe(func(value int, err error) {
		results <- value
	})

	p.Resolve(10)

	// Subscribing after completion runs the callback immediately
	f.Subscribe(func(value int, err error) {
		results <- value * 2
	})

	assert.Equal(t, 10, <-results)
	assert.Equal(t, 20, <-results)
}

func TestFutureResultContext(t *testing.T) {
	p := NewPromise[int]()
	f := p.Future()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.ResultContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	p.Resolve(3)

	value, err := f.ResultContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, value)
}

func TestThen(t *testing.T) {
	p := NewPromise[int]()

	f := Then(p.Future(), func(value int) (string, error) {
		if value < 0 {
			return "", errors.New("negative")
		}
		return "ok", nil
	})

	p.Resolve(1)

	value, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, "ok", value)
}

func TestThenPropagatesError(t *testing.T) {
	testErr := errors.New("test error")

	f := Then(Failed[int](testErr), func(value int) (int, error) {
		t.Fatal("continuation must not run on error")
		return 0, nil
	})

	_, err := f.Result()
	assert.ErrorIs(t, err, testErr)
}

func TestWithTimeout(t *testing.T) {
	p := NewPromise[int]()

	f := WithTimeout(p.Future(), 20*time.Millisecond)

	_, err := f.Result()
	assert.ErrorIs(t, err, ErrTimeout)

	// The source future is untouched
	_, _, completed := p.Future().Poll()
	assert.False(t, completed)
}

func TestWithTimeoutCompletesInTime(t *testing.T) {
	p := NewPromise[int]()
	f := WithTimeout(p.Future(), time.Second)

	p.Resolve(5)

	value, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, 5, value)
}
