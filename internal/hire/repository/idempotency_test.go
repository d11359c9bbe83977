package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/chauffeur/internal/hire/repository"
)

func TestRedisIdempotencyRepoRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	repo := repository.NewRedisIdempotencyRepo(client, time.Minute)
	ctx := context.Background()

	_, ok, err := repo.GetResponse(ctx, "customer:key")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, repo.PutResponse(ctx, "customer:key", []byte(`{"id":"1"}`)))
	got, ok, err := repo.GetResponse(ctx, "customer:key")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"id":"1"}`, string(got))

	mr.FastForward(2 * time.Minute)
	_, ok, err = repo.GetResponse(ctx, "customer:key")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryIdempotencyRepo(t *testing.T) {
	repo := repository.NewMemoryIdempotencyRepo()
	ctx := context.Background()

	require.NoError(t, repo.PutResponse(ctx, "k", []byte("v")))
	got, ok, err := repo.GetResponse(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), got)
}
