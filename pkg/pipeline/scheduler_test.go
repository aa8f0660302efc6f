package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitrack/hitrack-scanner/pkg/etc"
	"github.com/hitrack/hitrack-scanner/pkg/ext"
	"github.com/hitrack/hitrack-scanner/pkg/queue"
)

func TestEntries(t *testing.T) {
	t.Run("Should skip disabled entries", func(t *testing.T) {
		entries, err := Entries(etc.Schedule{Discovery: "0 3 * * *", StuckImageReap: "*/30 * * * *"})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, queue.TypeDiscoverRepos, entries[0].Type)
		assert.Equal(t, queue.TypeReapStuckImages, entries[1].Type)
	})

	t.Run("Should return error for an invalid expression", func(t *testing.T) {
		_, err := Entries(etc.Schedule{Enrichment: "every day"})
		assert.ErrorContains(t, err, "parsing schedule enrichment")
	})
}

func TestScheduler_Tick(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 2, 59, 0, 0, time.UTC)

	t.Run("Should fire a due slot exactly once across replicas", func(t *testing.T) {
		clock := &ext.FixedClock{Time: start}
		f := newFixture(t, clock)
		f.config.Schedule = etc.Schedule{Discovery: "0 3 * * *", Tick: time.Second}

		first, err := NewScheduler(f.config, f.rdb, f.enqueuer, clock)
		require.NoError(t, err)
		second, err := NewScheduler(f.config, f.rdb, f.enqueuer, clock)
		require.NoError(t, err)

		assert.Empty(t, first.Tick(ctx))

		clock.Time = start.Add(90 * time.Second)
		fired := first.Tick(ctx)
		require.Len(t, fired, 1)
		assert.Equal(t, queue.TypeDiscoverRepos, fired[0].Type)
		assert.Empty(t, second.Tick(ctx))
		assert.Empty(t, first.Tick(ctx))

		assert.True(t, f.server.Exists("test:schedule:discovery:"+"1717210800"))
		assert.Len(t, ofType(f.drain(t), queue.TypeDiscoverRepos), 1)
	})

	t.Run("Should fire again on the next slot", func(t *testing.T) {
		clock := &ext.FixedClock{Time: start}
		f := newFixture(t, clock)
		f.config.Schedule = etc.Schedule{StuckImageReap: "*/30 * * * *"}

		scheduler, err := NewScheduler(f.config, f.rdb, f.enqueuer, clock)
		require.NoError(t, err)

		clock.Time = start.Add(2 * time.Minute)
		assert.Len(t, scheduler.Tick(ctx), 1)
		clock.Time = start.Add(10 * time.Minute)
		assert.Empty(t, scheduler.Tick(ctx))
		clock.Time = start.Add(32 * time.Minute)
		assert.Len(t, scheduler.Tick(ctx), 1)
	})
}
