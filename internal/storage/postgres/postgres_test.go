package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/storyweave/internal/config"
	"github.com/cory-johannsen/storyweave/internal/storage/postgres"
	"github.com/cory-johannsen/storyweave/internal/testutil"
)

func TestNewPoolUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := postgres.NewPool(ctx, config.DatabaseConfig{
		Host:     "127.0.0.1",
		Port:     1,
		User:     "story",
		Password: "story",
		Name:     "story",
		SSLMode:  "disable",
		MaxConns: 1,
	}, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "127.0.0.1:1/story")
}

func TestPoolHealthAndWatch(t *testing.T) {
	pc := testutil.NewPostgresContainer(t)

	require.NoError(t, pc.Pool.Health(context.Background(), 5*time.Second))

	done := make(chan struct{})
	result := make(chan error, 1)
	go func() { result <- pc.Pool.Watch(done, 10*time.Millisecond, time.Second) }()
	time.Sleep(50 * time.Millisecond)
	close(done)

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Watch did not return after done was closed")
	}
}
