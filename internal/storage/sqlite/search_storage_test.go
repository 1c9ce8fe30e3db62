package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/common"
	"github.com/ternarybob/indago/internal/models"
)

// setupSearchTestDB creates a test database and returns cleanup function
func setupSearchTestDB(t *testing.T) (*SQLiteDB, func()) {
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

func TestSearchStorage_SaveIsUpsert(t *testing.T) {
	db, cleanup := setupSearchTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewSearchStorage(db, logger)
	ctx := context.Background()

	search := models.NewSearch("search-1", "task-1", "perovskite stability 2024")
	require.NoError(t, storage.SaveSearch(ctx, search))

	// Progress updates land on the same row
	search.Status = models.SearchStatusSatisfied
	search.PagesFetched = 7
	search.FragmentsKept = 12
	search.IndependentSources = 3
	search.PrimarySource = true
	search.Satisfaction = 0.85
	search.HarvestRate = 0.4
	require.NoError(t, storage.SaveSearch(ctx, search))

	got, err := storage.GetSearch(ctx, "search-1")
	require.NoError(t, err)
	assert.Equal(t, "perovskite stability 2024", got.Text)
	assert.Equal(t, models.SearchStatusSatisfied, got.Status)
	assert.Equal(t, 7, got.PagesFetched)
	assert.Equal(t, 12, got.FragmentsKept)
	assert.Equal(t, 3, got.IndependentSources)
	assert.True(t, got.PrimarySource)
	assert.InDelta(t, 0.85, got.Satisfaction, 1e-9)
	assert.InDelta(t, 0.4, got.HarvestRate, 1e-9)

	searches, err := storage.ListSearches(ctx, "task-1")
	require.NoError(t, err)
	assert.Len(t, searches, 1)

	_, err = storage.GetSearch(ctx, "search-missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSearchStorage_ListKeepsInsertionOrder(t *testing.T) {
	db, cleanup := setupSearchTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewSearchStorage(db, logger)
	ctx := context.Background()

	for _, id := range []string{"search-a", "search-b", "search-c"} {
		require.NoError(t, storage.SaveSearch(ctx, models.NewSearch(id, "task-1", "query "+id)))
	}
	require.NoError(t, storage.SaveSearch(ctx, models.NewSearch("search-x", "task-2", "other task")))

	searches, err := storage.ListSearches(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, searches, 3)
	assert.Equal(t, "search-a", searches[0].ID)
	assert.Equal(t, "search-b", searches[1].ID)
	assert.Equal(t, "search-c", searches[2].ID)
}
