package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/hitrack/hitrack-scanner/pkg/model"
	"github.com/hitrack/hitrack-scanner/pkg/persistence"
)

// TestGatewayInterface is a generic test that is intended to be called by the
// implementations of the Gateway interface.
func TestGatewayInterface(t *testing.T, store persistence.Gateway) {
	ctx := context.Background()

	t.Run("Image state machine", func(t *testing.T) {
		image, created, err := store.GetOrCreateImage(ctx, model.Image{Name: "registry.example.com/library/nginx:1.25"})
		require.NoError(t, err, "creating image should not fail")
		assert.True(t, created)
		assert.Equal(t, model.StatusNone, image.ScanStatus)

		again, created, err := store.GetOrCreateImage(ctx, model.Image{Name: "registry.example.com/library/nginx:1.25"})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, image.ID, again.ID)

		marked, err := store.MarkImagePending(ctx, image.ID)
		require.NoError(t, err)
		assert.True(t, marked, "an idle image should be marked pending")

		marked, err = store.MarkImagePending(ctx, image.ID)
		require.NoError(t, err)
		assert.False(t, marked, "a pending image should not be marked twice")

		claimed, err := store.ClaimImage(ctx, image.ID)
		require.NoError(t, err)
		assert.True(t, claimed)

		claimed, err = store.ClaimImage(ctx, image.ID)
		require.NoError(t, err)
		assert.False(t, claimed, "an in_process image should not be claimed twice")

		moved, err := store.TransitionImage(ctx, image.ID, model.StatusInProcess, model.StatusSuccess)
		require.NoError(t, err)
		assert.True(t, moved)

		image, err = store.GetImage(ctx, image.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusSuccess, image.ScanStatus)
		assert.NotNil(t, image.ScannedAt)
	})

	t.Run("Missing records", func(t *testing.T) {
		_, err := store.GetImage(ctx, uuid.NewString())
		assert.True(t, xerrors.Is(err, persistence.ErrNotFound))

		_, err = store.GetTask(ctx, uuid.NewString())
		assert.True(t, xerrors.Is(err, persistence.ErrNotFound))
	})

	t.Run("Child task counts", func(t *testing.T) {
		parentID := uuid.NewString()
		now := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, store.CreateTask(ctx, model.TaskRecord{ID: parentID, Type: "rescan_images", Status: model.TaskSuccess, EnqueuedAt: now}))
		for _, status := range []model.TaskStatus{model.TaskQueued, model.TaskSuccess, model.TaskSuccess} {
			require.NoError(t, store.CreateTask(ctx, model.TaskRecord{
				ID:         uuid.NewString(),
				Type:       "generate_sbom",
				ParentID:   parentID,
				Status:     status,
				EnqueuedAt: now,
			}))
		}

		counts, err := store.ChildTaskCounts(ctx, parentID)
		require.NoError(t, err)
		assert.Equal(t, map[model.TaskStatus]int64{model.TaskQueued: 1, model.TaskSuccess: 2}, counts)
	})

	t.Run("Orphan vulnerabilities", func(t *testing.T) {
		require.NoError(t, store.InsertVulnerabilities(ctx, []model.Vulnerability{
			{VulnerabilityID: "CVE-2024-0001", Severity: "High"},
		}))

		ids, err := store.DeleteOrphanVulnerabilities(ctx, true)
		require.NoError(t, err)
		assert.Equal(t, []string{"CVE-2024-0001"}, ids)

		found, err := store.VulnerabilitiesByID(ctx, []string{"CVE-2024-0001"})
		require.NoError(t, err)
		assert.Len(t, found, 1, "dry run should not delete")

		ids, err = store.DeleteOrphanVulnerabilities(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"CVE-2024-0001"}, ids)

		found, err = store.VulnerabilitiesByID(ctx, []string{"CVE-2024-0001"})
		require.NoError(t, err)
		assert.Empty(t, found)
	})
}
