package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessOnce(t *testing.T) {
	g := NewGuard(DefaultGuardConfig(), nil)
	calls := 0
	fn := func(ctx context.Context) (interface{}, error) {
		calls++
		return "rec-1", nil
	}

	res, err := g.Process(context.Background(), "k", "submit", fn)
	require.NoError(t, err)
	assert.True(t, res.IsNew)
	assert.Equal(t, "rec-1", res.Result)

	res, err = g.Process(context.Background(), "k", "submit", fn)
	require.NoError(t, err)
	assert.False(t, res.IsNew)
	assert.Equal(t, "rec-1", res.Result)
	assert.Equal(t, 1, calls)
}

func TestConcurrentProcessRejected(t *testing.T) {
	g := NewGuard(DefaultGuardConfig(), nil)
	entered := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := g.Process(context.Background(), "k", "submit", func(ctx context.Context) (interface{}, error) {
			close(entered)
			<-release
			return nil, nil
		})
		assert.NoError(t, err)
	}()

	<-entered
	_, err := g.Process(context.Background(), "k", "submit", func(ctx context.Context) (interface{}, error) {
		t.Fatal("second attempt must not run")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrInProgress)

	close(release)
	wg.Wait()
}

func TestRecoverableErrorAllowsRetry(t *testing.T) {
	g := NewGuard(DefaultGuardConfig(), nil)
	boom := errors.New("remote rejected")

	_, err := g.Process(context.Background(), "k", "submit", func(ctx context.Context) (interface{}, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	entry, ok := g.Lookup("k")
	require.True(t, ok)
	assert.Equal(t, StatusRecoverable, entry.Status)

	res, err := g.Process(context.Background(), "k", "submit", func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)
	assert.False(t, res.IsNew)
}

func TestTerminalError(t *testing.T) {
	cfg := DefaultGuardConfig()
	cfg.IsTerminal = func(err error) bool { return true }
	g := NewGuard(cfg, nil)

	_, err := g.Process(context.Background(), "k", "submit", func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("forbidden")
	})
	require.Error(t, err)

	_, err = g.Process(context.Background(), "k", "submit", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrPreviouslyFailed)
}

func TestStaleStartedRecovered(t *testing.T) {
	g := NewGuard(DefaultGuardConfig(), nil)
	now := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	_, err := g.start("k", "submit")
	require.NoError(t, err)

	now = now.Add(time.Minute)
	_, err = g.start("k", "submit")
	assert.ErrorIs(t, err, ErrInProgress)

	now = now.Add(5 * time.Minute)
	assert.Equal(t, 1, g.RecoverStaleEntries())
	assert.Equal(t, int64(1), g.GetStats().Recoverable)
}

func TestCleanupDropsExpired(t *testing.T) {
	g := NewGuard(DefaultGuardConfig(), nil)
	now := time.Now()
	g.now = func() time.Time { return now }

	_, err := g.Process(context.Background(), "k", "submit", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	require.NoError(t, err)

	now = now.Add(25 * time.Hour)
	assert.Equal(t, 1, g.cleanup())
	_, ok := g.Lookup("k")
	assert.False(t, ok)
}

func TestGenerateKeyDeterministic(t *testing.T) {
	a := GenerateKey("draft-1", "bills", "payload-hash")
	assert.Equal(t, a, GenerateKey("draft-1", "bills", "payload-hash"))
	assert.NotEqual(t, a, GenerateKey("draft-1", "bills", "other"))
	assert.Len(t, a, 64)
}
