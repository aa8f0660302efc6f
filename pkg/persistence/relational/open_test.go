package relational

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitrack/hitrack-scanner/pkg/etc"
	"github.com/hitrack/hitrack-scanner/pkg/model"
)

func TestOpen(t *testing.T) {
	t.Run("Should keep the in-memory sqlite schema across statements", func(t *testing.T) {
		db, err := Open(etc.Database{Dialect: "sqlite", DSN: ":memory:", AutoMigrate: true, ConnMaxLifetime: time.Millisecond})
		require.NoError(t, err)
		sqlDB, err := db.DB()
		require.NoError(t, err)
		t.Cleanup(func() { _ = sqlDB.Close() })

		time.Sleep(5 * time.Millisecond)
		store := NewStore(db)
		image, created, err := store.GetOrCreateImage(context.Background(), model.Image{Name: "nginx:1.25"})
		require.NoError(t, err)
		assert.True(t, created)

		reloaded, err := store.GetImage(context.Background(), image.ID)
		require.NoError(t, err)
		assert.Equal(t, "nginx:1.25", reloaded.Name)
	})

	t.Run("Should reject an unsupported dialect", func(t *testing.T) {
		_, err := Open(etc.Database{Dialect: "oracle"})
		assert.EqualError(t, err, "unsupported dialect: oracle")
	})
}
