package redisdb

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	srv := miniredis.RunT(t)
	a := New(srv.Addr(), zap.NewNop())
	require.NoError(t, a.Connect(context.Background()))
	t.Cleanup(func() { _ = a.Disconnect(context.Background()) })
	return a
}

func TestSetGetDel(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	affected, err := a.Execute(ctx, "set", map[string]any{"key": "greeting", "value": "hello"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	rows, err := a.Query(ctx, "get", map[string]any{"key": "greeting"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "hello", rows[0]["value"])

	affected, err = a.Execute(ctx, "del", map[string]any{"key": "greeting"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	rows, err = a.Query(ctx, "get", map[string]any{"key": "greeting"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestExistsAndKeys(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	_, err := a.Execute(ctx, "set", map[string]any{"key": "user:1", "value": "ada"})
	require.NoError(t, err)
	_, err = a.Execute(ctx, "set", map[string]any{"key": "user:2", "value": "bob"})
	require.NoError(t, err)

	rows, err := a.Query(ctx, "exists", map[string]any{"key": "user:1"})
	require.NoError(t, err)
	assert.Equal(t, true, rows[0]["exists"])

	rows, err = a.Query(ctx, "keys", map[string]any{"pattern": "user:*"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestSetWithTTL(t *testing.T) {
	srv := miniredis.RunT(t)
	a := New(srv.Addr(), zap.NewNop())
	require.NoError(t, a.Connect(context.Background()))
	defer a.Disconnect(context.Background())
	ctx := context.Background()

	_, err := a.Execute(ctx, "set", map[string]any{"key": "ephemeral", "value": "x", "ttl": time.Minute})
	require.NoError(t, err)

	srv.FastForward(2 * time.Minute)

	rows, err := a.Query(ctx, "get", map[string]any{"key": "ephemeral"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestExpire(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	_, err := a.Execute(ctx, "set", map[string]any{"key": "k", "value": "v"})
	require.NoError(t, err)

	affected, err := a.Execute(ctx, "expire", map[string]any{"key": "k", "ttl": time.Minute})
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	affected, err = a.Execute(ctx, "expire", map[string]any{"key": "missing", "ttl": time.Minute})
	require.NoError(t, err)
	assert.Equal(t, int64(0), affected)
}

func TestUnsupportedOperations(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	_, err := a.Query(ctx, "scan", nil)
	assert.Error(t, err)
	_, err = a.Execute(ctx, "flushall", nil)
	assert.Error(t, err)
	_, err = a.Query(ctx, "get", map[string]any{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	srv := miniredis.RunT(t)
	a := New(srv.Addr(), zap.NewNop())
	require.NoError(t, a.Connect(context.Background()))

	status, err := a.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)

	srv.Close()
	status, _ = a.Health(context.Background())
	assert.False(t, status.Healthy)
}

func TestConnect_Unreachable(t *testing.T) {
	a := New("127.0.0.1:1", zap.NewNop())
	assert.Error(t, a.Connect(context.Background()))
}
