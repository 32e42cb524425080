package metadb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpiryReaper(t *testing.T) {
	ctx := context.Background()

	t.Run("reaps expired entries", func(t *testing.T) {
		baseTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		currentTime := baseTime
		now := func() time.Time { return currentTime }
		db := newTestBoltDB(t, WithNow(now))

		require.NoError(t, db.Put(ctx, "metadata", "movie:550", []byte(`{}`), 10*time.Minute))
		require.NoError(t, db.Put(ctx, "metadata", "movie:551", []byte(`{}`), 0))

		currentTime = baseTime.Add(30 * time.Minute)

		reaper := NewExpiryReaper(db, WithReaperNow(now), WithReaperBatchSize(10))
		assert.Equal(t, 1, reaper.ReapNow(ctx))

		_, err := db.Get(ctx, "metadata", "movie:550")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = db.Get(ctx, "metadata", "movie:551")
		require.NoError(t, err)
	})

	t.Run("respects batch size", func(t *testing.T) {
		baseTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		currentTime := baseTime
		now := func() time.Time { return currentTime }
		db := newTestBoltDB(t, WithNow(now))

		for i := range 5 {
			require.NoError(t, db.Put(ctx, "metadata", fmt.Sprintf("movie:%d", i+1), []byte(`{}`), time.Minute))
		}
		currentTime = baseTime.Add(time.Hour)

		reaper := NewExpiryReaper(db, WithReaperNow(now), WithReaperBatchSize(2))
		assert.Equal(t, 2, reaper.ReapNow(ctx))
		assert.Equal(t, 2, reaper.ReapNow(ctx))
		assert.Equal(t, 1, reaper.ReapNow(ctx))
		assert.Equal(t, 0, reaper.ReapNow(ctx))
	})

	t.Run("Run stops on context cancel", func(t *testing.T) {
		db := newTestBoltDB(t)
		reaper := NewExpiryReaper(db, WithReaperInterval(10*time.Millisecond))

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			reaper.Run(runCtx)
			close(done)
		}()

		time.Sleep(30 * time.Millisecond)
		cancel()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("reaper did not stop")
		}
	})
}
