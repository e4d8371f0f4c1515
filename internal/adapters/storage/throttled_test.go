package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottled_PassesThrough(t *testing.T) {
	ctx := context.Background()
	s := NewThrottled(newFileStore(t), 1000, 10)

	require.NoError(t, s.Create(ctx, "heartbeats/a", []byte("1")))
	require.NoError(t, s.Write(ctx, "heartbeats/a", []byte("2")))
	data, err := s.Read(ctx, "heartbeats/a")
	require.NoError(t, err)
	assert.Equal(t, "2", string(data))

	list, err := s.List(ctx, "heartbeats")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	require.NoError(t, s.Delete(ctx, "heartbeats/a"))
}

func TestThrottled_WaitHonoursContext(t *testing.T) {
	s := NewThrottled(newFileStore(t), 0.001, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, s.Write(ctx, "a", []byte("x")), "burst token")
	_, err := s.Read(ctx, "a")
	assert.Error(t, err, "second call must wait beyond the deadline")
}
