package dripgate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestGate(t *testing.T, interval time.Duration) (*Gate, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "test:drip:bucket", interval), client
}

func TestFirstWaitIsImmediate(t *testing.T) {
	g, _ := newTestGate(t, 50*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, g.Wait(ctx))
	require.Less(t, time.Since(start), 30*time.Millisecond)
}

func TestSecondWaitRespectsInterval(t *testing.T) {
	g, _ := newTestGate(t, 100*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, g.Wait(ctx))
	start := time.Now()
	require.NoError(t, g.Wait(ctx))
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	g, _ := newTestGate(t, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, g.Wait(ctx))

	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	err := g.Wait(ctx2)
	require.Error(t, err)
}
