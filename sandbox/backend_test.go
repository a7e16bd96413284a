package sandbox

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vorrawut/DebuggyDuckyMCP/types"
)

func TestNew_KnownBackends(t *testing.T) {
	logger := zap.NewNop()

	b, err := New("process", DefaultConfig(), logger)
	require.NoError(t, err)
	assert.Equal(t, "process", b.Name())

	b, err = New("", DefaultConfig(), logger)
	require.NoError(t, err)
	assert.Equal(t, "process", b.Name())

	b, err = New("docker", DefaultConfig(), logger)
	require.NoError(t, err)
	assert.Equal(t, "docker", b.Name())
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New("firecracker", DefaultConfig(), zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "firecracker")
}

func TestClampBudget(t *testing.T) {
	lim := Limits{
		MaxCPU:         10 * time.Second,
		MaxMemoryBytes: 128 << 20,
		MaxWallClock:   30 * time.Second,
		MaxOutputBytes: 1 << 20,
	}

	t.Run("budget within ceiling is untouched", func(t *testing.T) {
		b := types.Budget{
			MaxCPU:         time.Second,
			MaxMemoryBytes: 64 << 20,
			Timeout:        5 * time.Second,
			MaxOutputBytes: 1 << 10,
		}
		assert.Equal(t, b, clampBudget(b, lim))
	})

	t.Run("budget above ceiling is capped", func(t *testing.T) {
		b := types.Budget{
			MaxCPU:         time.Minute,
			MaxMemoryBytes: 1 << 40,
			Timeout:        time.Hour,
			MaxOutputBytes: 1 << 30,
		}
		got := clampBudget(b, lim)
		assert.Equal(t, lim.MaxCPU, got.MaxCPU)
		assert.Equal(t, lim.MaxMemoryBytes, got.MaxMemoryBytes)
		assert.Equal(t, lim.MaxWallClock, got.Timeout)
		assert.Equal(t, lim.MaxOutputBytes, got.MaxOutputBytes)
	})

	t.Run("zero budget fields inherit the ceiling", func(t *testing.T) {
		got := clampBudget(types.Budget{}, lim)
		assert.Equal(t, lim.MaxCPU, got.MaxCPU)
		assert.Equal(t, lim.MaxMemoryBytes, got.MaxMemoryBytes)
		assert.Equal(t, lim.MaxWallClock, got.Timeout)
		assert.Equal(t, lim.MaxOutputBytes, got.MaxOutputBytes)
	})

	t.Run("zero ceiling leaves budget alone", func(t *testing.T) {
		b := types.Budget{MaxCPU: time.Minute, Timeout: time.Hour}
		got := clampBudget(b, Limits{})
		assert.Equal(t, b, got)
	})
}

func TestCappedBuffer_UnderCap(t *testing.T) {
	buf := newCappedBuffer(32)
	n, err := buf.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	s, truncated := buf.release()
	assert.Equal(t, "hello", s)
	assert.False(t, truncated)
}

func TestCappedBuffer_Truncates(t *testing.T) {
	buf := newCappedBuffer(8)
	payload := strings.Repeat("x", 100)

	n, err := buf.Write([]byte(payload))
	require.NoError(t, err)
	// Full length reported so the producing pipe keeps draining.
	assert.Equal(t, len(payload), n)

	n, err = buf.Write([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	s, truncated := buf.release()
	assert.Equal(t, strings.Repeat("x", 8), s)
	assert.True(t, truncated)
}

func TestCappedBuffer_ReleaseTwice(t *testing.T) {
	buf := newCappedBuffer(8)
	buf.Write([]byte("hi"))

	s, _ := buf.release()
	assert.Equal(t, "hi", s)

	s, _ = buf.release()
	assert.Equal(t, "", s)
}

func TestCappedBuffer_ZeroCapDefaults(t *testing.T) {
	buf := newCappedBuffer(0)
	assert.Equal(t, int64(1<<20), buf.max)
	buf.release()
}
