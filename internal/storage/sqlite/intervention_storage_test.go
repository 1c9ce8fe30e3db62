package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/common"
	"github.com/ternarybob/indago/internal/interfaces"
	"github.com/ternarybob/indago/internal/models"
)

// setupInterventionTestDB creates a test database and returns cleanup function
func setupInterventionTestDB(t *testing.T) (*SQLiteDB, func()) {
	tempDir := t.TempDir()

	config := &common.SQLiteConfig{
		Path:          tempDir + "/test.db",
		CacheSizeMB:   10,
		WALMode:       false,
		BusyTimeoutMS: 5000,
	}

	logger := arbor.NewLogger()
	db, err := NewSQLiteDB(logger, config)
	require.NoError(t, err)

	cleanup := func() {
		db.Close()
	}

	return db, cleanup
}

func TestInterventionStorage_InsertListAndFilter(t *testing.T) {
	db, cleanup := setupInterventionTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewInterventionStorage(db, logger)
	ctx := context.Background()

	items := []*models.InterventionItem{
		models.NewInterventionItem("queue-1", "task-1", "https://paywall.example.com/a", "paywall.example.com", "paywall", "high"),
		models.NewInterventionItem("queue-2", "task-1", "https://login.example.net/b", "login.example.net", "login", ""),
		models.NewInterventionItem("queue-3", "task-2", "https://paywall.example.com/c", "paywall.example.com", "paywall", "low"),
	}
	for _, item := range items {
		require.NoError(t, storage.InsertItem(ctx, item))
	}

	got, err := storage.GetItem(ctx, "queue-2")
	require.NoError(t, err)
	assert.Equal(t, "medium", got.Priority)
	assert.Equal(t, models.InterventionPending, got.Status)

	byTask, err := storage.ListItems(ctx, interfaces.InterventionFilter{TaskID: "task-1"})
	require.NoError(t, err)
	assert.Len(t, byTask, 2)

	byPriority, err := storage.ListItems(ctx, interfaces.InterventionFilter{Priority: "high"})
	require.NoError(t, err)
	require.Len(t, byPriority, 1)
	assert.Equal(t, "queue-1", byPriority[0].QueueID)

	pending, err := storage.CountPending(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, pending)

	pendingForTask, err := storage.CountPending(ctx, "task-2")
	require.NoError(t, err)
	assert.Equal(t, 1, pendingForTask)

	_, err = storage.GetItem(ctx, "queue-missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestInterventionStorage_ResolveItem(t *testing.T) {
	db, cleanup := setupInterventionTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewInterventionStorage(db, logger)
	ctx := context.Background()

	item := models.NewInterventionItem("queue-1", "task-1", "https://login.example.com/x", "login.example.com", "login", "medium")
	require.NoError(t, storage.InsertItem(ctx, item))

	success := true
	require.NoError(t, storage.ResolveItem(ctx, "queue-1", models.InterventionResolved, &success))

	got, err := storage.GetItem(ctx, "queue-1")
	require.NoError(t, err)
	assert.Equal(t, models.InterventionResolved, got.Status)
	require.NotNil(t, got.Success)
	assert.True(t, *got.Success)
	require.NotNil(t, got.ResolvedAt)

	err = storage.ResolveItem(ctx, "queue-missing", models.InterventionResolved, nil)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestInterventionStorage_ResolveDomainSweepsPending(t *testing.T) {
	db, cleanup := setupInterventionTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewInterventionStorage(db, logger)
	ctx := context.Background()

	items := []*models.InterventionItem{
		models.NewInterventionItem("queue-1", "task-1", "https://wall.example.com/a", "wall.example.com", "paywall", "medium"),
		models.NewInterventionItem("queue-2", "task-2", "https://wall.example.com/b", "wall.example.com", "paywall", "medium"),
		models.NewInterventionItem("queue-3", "task-1", "https://other.example.org/c", "other.example.org", "login", "medium"),
	}
	for _, item := range items {
		require.NoError(t, storage.InsertItem(ctx, item))
	}

	// One item on the domain is already handled and must not be touched again
	require.NoError(t, storage.ResolveItem(ctx, "queue-2", models.InterventionSkipped, nil))

	count, err := storage.ResolveDomain(ctx, "wall.example.com", models.InterventionResolved, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := storage.GetItem(ctx, "queue-2")
	require.NoError(t, err)
	assert.Equal(t, models.InterventionSkipped, got.Status)

	untouched, err := storage.GetItem(ctx, "queue-3")
	require.NoError(t, err)
	assert.Equal(t, models.InterventionPending, untouched.Status)
}

func TestInterventionStorage_PruneResolved(t *testing.T) {
	db, cleanup := setupInterventionTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewInterventionStorage(db, logger)
	ctx := context.Background()

	old := models.NewInterventionItem("queue-old", "task-1", "https://a.example.com", "a.example.com", "login", "medium")
	fresh := models.NewInterventionItem("queue-fresh", "task-1", "https://b.example.com", "b.example.com", "login", "medium")
	pending := models.NewInterventionItem("queue-pending", "task-1", "https://c.example.com", "c.example.com", "login", "medium")
	for _, item := range []*models.InterventionItem{old, fresh, pending} {
		require.NoError(t, storage.InsertItem(ctx, item))
	}

	require.NoError(t, storage.ResolveItem(ctx, "queue-old", models.InterventionResolved, nil))
	require.NoError(t, storage.ResolveItem(ctx, "queue-fresh", models.InterventionResolved, nil))

	// Backdate one resolution beyond the retention window
	_, err := db.DB().ExecContext(ctx,
		"UPDATE intervention_queue SET resolved_at = ? WHERE queue_id = ?",
		time.Now().Add(-72*time.Hour).Unix(), "queue-old")
	require.NoError(t, err)

	pruned, err := storage.PruneResolved(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	_, err = storage.GetItem(ctx, "queue-old")
	assert.ErrorIs(t, err, models.ErrNotFound)

	// Pending and recently resolved rows survive
	_, err = storage.GetItem(ctx, "queue-fresh")
	require.NoError(t, err)
	_, err = storage.GetItem(ctx, "queue-pending")
	require.NoError(t, err)
}
