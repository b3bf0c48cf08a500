package coap

import (
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testLogLevel = 0

type testLogger struct {
	logger *log.Logger
}

func newTestLogger(name string) *testLogger {
	return &testLogger{
		logger: log.New(os.Stderr, fmt.Sprintf("%-6s| ", name),
			log.Lmicroseconds),
	}
}

func (l *testLogger) Debug(level int, format string, args ...interface{}) {
	if level <= testLogLevel {
		l.logger.Printf(format, args...)
	}
}

func (l *testLogger) Info(format string, args ...interface{}) {
	l.logger.Printf(format, args...)
}

func (l *testLogger) Error(format string, args ...interface{}) {
	l.logger.Printf("error: "+format, args...)
}

func newTestPool(t *testing.T, cfg SessionPoolCfg) *SessionPool {
	pool := NewSessionPool(cfg, newTestLogger("pool"), nil)
	t.Cleanup(pool.Close)

	return pool
}

func TestSessionPoolReuse(t *testing.T) {
	pool := newTestPool(t, SessionPoolCfg{})

	s1, err := pool.Get("127.0.0.1:40001")
	require.NoError(t, err)

	s2, err := pool.Get("127.0.0.1:40001")
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, 1, pool.Len())

	pool.Put(s1)
	pool.Put(s2)
	assert.Equal(t, 1, pool.Len())
}

func TestSessionPoolLimit(t *testing.T) {
	pool := newTestPool(t, SessionPoolCfg{MaxSessions: 2})

	s1, err := pool.Get("127.0.0.1:40001")
	require.NoError(t, err)

	s2, err := pool.Get("127.0.0.1:40002")
	require.NoError(t, err)

	// Both sessions are in use, nothing can be evicted.
	_, err = pool.Get("127.0.0.1:40003")
	assert.ErrorIs(t, err, ErrOverloaded)

	pool.Put(s1)

	s3, err := pool.Get("127.0.0.1:40003")
	require.NoError(t, err)
	assert.Equal(t, 2, pool.Len())

	pool.Put(s2)
	pool.Put(s3)
}

func TestSessionPoolIdleBound(t *testing.T) {
	pool := newTestPool(t, SessionPoolCfg{MaxIdle: 1})

	for i := 0; i < 3; i++ {
		s, err := pool.Get(fmt.Sprintf("127.0.0.1:%d", 40010+i))
		require.NoError(t, err)
		pool.Put(s)
	}

	assert.Equal(t, 1, pool.Len())
}

func TestSessionPoolExpiry(t *testing.T) {
	pool := newTestPool(t, SessionPoolCfg{IdleTimeout: 30 * time.Millisecond})

	s, err := pool.Get("127.0.0.1:40020")
	require.NoError(t, err)
	pool.Put(s)

	assert.Eventually(t, func() bool {
		return pool.Len() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSessionPoolInUseNeverExpires(t *testing.T) {
	pool := newTestPool(t, SessionPoolCfg{IdleTimeout: 30 * time.Millisecond})

	s, err := pool.Get("127.0.0.1:40021")
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	assert.Zero(t, pool.CleanupExpired())
	assert.Equal(t, 1, pool.Len())

	pool.Put(s)
}

func TestSessionPoolShed(t *testing.T) {
	pool := newTestPool(t, SessionPoolCfg{MaxIdle: 10})

	for i := 0; i < 4; i++ {
		s, err := pool.Get(fmt.Sprintf("127.0.0.1:%d", 40030+i))
		require.NoError(t, err)
		pool.Put(s)
	}

	require.Equal(t, 4, pool.Len())

	assert.Equal(t, 2, pool.Shed())
	assert.Equal(t, 2, pool.Len())
}

func TestSessionPoolClosed(t *testing.T) {
	pool := NewSessionPool(SessionPoolCfg{}, newTestLogger("pool"), nil)
	pool.Close()

	_, err := pool.Get("127.0.0.1:40040")
	assert.Error(t, err)

	pool.Close()
}

func TestSessionMessageIds(t *testing.T) {
	session, err := dialSession("127.0.0.1:40050", newTestLogger("sess"))
	require.NoError(t, err)
	defer session.close()

	id1 := session.messageId()
	id2 := session.messageId()
	assert.Equal(t, id1+1, id2)
}
