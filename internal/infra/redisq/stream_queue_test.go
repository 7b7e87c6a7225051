package redisq

import (
	"context"
	"testing"
	"time"

	"taskrelay/internal/config"
	"taskrelay/internal/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := New(config.Redis{
		Addr:         mr.Addr(),
		StreamKey:    "tasks:dispatch",
		Group:        "pipelines",
		DLQStreamKey: "tasks:dispatch:dlq",
	})
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Init(context.Background()))
	return c, mr
}

func TestInitIsRepeatable(t *testing.T) {
	c, _ := newTestClient(t)
	assert.NoError(t, c.Init(context.Background()))
}

func TestDispatchClaimAck(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Dispatch(ctx, domain.Task{ID: "task-1", Kind: "course_generation"}))

	d, err := c.Claim(ctx, "worker-1", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "task-1", d.TaskID)
	assert.NotEmpty(t, d.StreamID)

	stale, err := c.Stale(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "task-1", stale[0].TaskID)

	require.NoError(t, c.Ack(ctx, d.StreamID))

	stale, err = c.Stale(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestClaimEmptyStream(t *testing.T) {
	c, _ := newTestClient(t)

	d, err := c.Claim(context.Background(), "worker-1", 20*time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, d)
}

func TestMalformedMessageIsDeadLettered(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.Cfg.StreamKey,
		Values: map[string]interface{}{payloadField: "not json"},
	}).Err())

	d, err := c.Claim(ctx, "worker-1", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Empty(t, d.TaskID)
	assert.Equal(t, "not json", d.Raw)

	require.NoError(t, c.DeadLetter(ctx, *d, "undecodable"))

	dlq, err := c.Rdb.XRange(ctx, c.Cfg.DLQStreamKey, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, "undecodable", dlq[0].Values["reason"])

	stale, err := c.Stale(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}
