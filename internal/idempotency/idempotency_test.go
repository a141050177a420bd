// Copyright 2025 James Ross
package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestReserveOnceWins(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	g := New(rdb, "test")
	ctx := context.Background()

	first, err := g.Reserve(ctx, ResultKey("j1"), time.Minute)
	require.NoError(t, err)
	require.True(t, first)

	second, err := g.Reserve(ctx, ResultKey("j1"), time.Minute)
	require.NoError(t, err)
	require.False(t, second)
}
