package state

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
	"github.com/ternarybob/indago/internal/storage/sqlite"
)

// setupStateTest wires a manager over a real store
func setupStateTest(t *testing.T, cacheSize int) (*Manager, interfaces.SearchStorage, interfaces.EvidenceStorage, func()) {
	tempDir := t.TempDir()

	config := &common.SQLiteConfig{
		Path:          tempDir + "/test.db",
		CacheSizeMB:   10,
		WALMode:       false,
		BusyTimeoutMS: 5000,
	}

	logger := arbor.NewLogger()
	db, err := sqlite.NewSQLiteDB(logger, config)
	require.NoError(t, err)

	searches := sqlite.NewSearchStorage(db, logger)
	evidence := sqlite.NewEvidenceStorage(db, logger)

	manager, err := NewManager(searches, evidence, nil, &common.StateConfig{CacheSize: cacheSize}, logger)
	require.NoError(t, err)

	cleanup := func() {
		db.Close()
	}

	return manager, searches, evidence, cleanup
}

func TestManager_RehydratesFromStore(t *testing.T) {
	manager, searches, evidence, cleanup := setupStateTest(t, 16)
	defer cleanup()
	ctx := context.Background()

	// Persisted progress from a previous process lifetime
	first := models.NewSearch("search-1", "task-1", "solar capacity growth")
	first.PagesFetched = 4
	first.Status = models.SearchStatusPartial
	require.NoError(t, searches.SaveSearch(ctx, first))

	second := models.NewSearch("search-2", "task-1", "grid storage costs")
	require.NoError(t, searches.SaveSearch(ctx, second))

	require.NoError(t, evidence.SavePage(ctx, &models.Page{
		ID: "page-1", TaskID: "task-1", SearchID: "search-1", URL: "https://example.org/a",
	}))
	require.NoError(t, evidence.SaveFragment(ctx, &models.Fragment{
		ID: "frag-1", TaskID: "task-1", PageID: "page-1", Text: "capacity doubled",
	}))

	require.False(t, manager.Cached("task-1"))

	snapshot, err := manager.Snapshot(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, manager.Cached("task-1"))

	require.Len(t, snapshot.Searches, 2)
	assert.Equal(t, "search-1", snapshot.Searches[0].ID)
	assert.Equal(t, 4, snapshot.Searches[0].PagesFetched)
	assert.Equal(t, models.SearchStatusPartial, snapshot.Searches[0].Status)
	assert.Equal(t, 1, snapshot.TotalPages)
	assert.Equal(t, 1, snapshot.TotalFragments)
	assert.Equal(t, 0, snapshot.TotalClaims)

	// The activity clock comes from the newest persisted search
	assert.WithinDuration(t, second.UpdatedAt, snapshot.LastActivity, time.Second)
}

func TestManager_SnapshotOfEmptyTask(t *testing.T) {
	manager, _, _, cleanup := setupStateTest(t, 16)
	defer cleanup()

	snapshot, err := manager.Snapshot(context.Background(), "task-blank")
	require.NoError(t, err)
	assert.NotNil(t, snapshot.Searches)
	assert.Len(t, snapshot.Searches, 0)
	assert.Equal(t, 0, snapshot.TotalPages)
	assert.InDelta(t, 0, snapshot.IdleSeconds(), 1)
}

func TestManager_RecordSearchPersistsAndMirrors(t *testing.T) {
	manager, searches, _, cleanup := setupStateTest(t, 16)
	defer cleanup()
	ctx := context.Background()

	search := models.NewSearch("search-1", "task-1", "ocean heat content")
	require.NoError(t, manager.RecordSearch(ctx, search))

	// Persisted for rehydration
	stored, err := searches.GetSearch(ctx, "search-1")
	require.NoError(t, err)
	assert.Equal(t, "ocean heat content", stored.Text)

	// Mirrored into memory
	snapshot, err := manager.Snapshot(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, snapshot.Searches, 1)
	assert.Equal(t, "search-1", snapshot.Searches[0].ID)
}

func TestManager_CountersTrackProgress(t *testing.T) {
	manager, _, _, cleanup := setupStateTest(t, 16)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, manager.RecordSearch(ctx, models.NewSearch("search-1", "task-1", "q")))

	require.NoError(t, manager.RecordPageFetched(ctx, "task-1", "search-1"))
	require.NoError(t, manager.RecordPageFetched(ctx, "task-1", "search-1"))
	require.NoError(t, manager.RecordFragments(ctx, "task-1", "search-1", 3))
	require.NoError(t, manager.RecordClaims(ctx, "task-1", 2))

	// Unknown search IDs only bump the task totals
	require.NoError(t, manager.RecordPageFetched(ctx, "task-1", "search-unknown"))

	snapshot, err := manager.Snapshot(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, 3, snapshot.TotalPages)
	assert.Equal(t, 3, snapshot.TotalFragments)
	assert.Equal(t, 2, snapshot.TotalClaims)

	require.Len(t, snapshot.Searches, 1)
	assert.Equal(t, 2, snapshot.Searches[0].PagesFetched)
	assert.Equal(t, 3, snapshot.Searches[0].FragmentsKept)

	// Zero and negative deltas are ignored
	require.NoError(t, manager.RecordFragments(ctx, "task-1", "search-1", 0))
	require.NoError(t, manager.RecordClaims(ctx, "task-1", -1))
	snapshot, err = manager.Snapshot(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, 3, snapshot.TotalFragments)
	assert.Equal(t, 2, snapshot.TotalClaims)
}

func TestManager_NotifierWokenOnProgress(t *testing.T) {
	tempDir := t.TempDir()

	config := &common.SQLiteConfig{
		Path:          tempDir + "/test.db",
		CacheSizeMB:   10,
		WALMode:       false,
		BusyTimeoutMS: 5000,
	}

	logger := arbor.NewLogger()
	db, err := sqlite.NewSQLiteDB(logger, config)
	require.NoError(t, err)
	defer db.Close()

	notifier := &recordingNotifier{}
	manager, err := NewManager(sqlite.NewSearchStorage(db, logger), sqlite.NewEvidenceStorage(db, logger),
		notifier, &common.StateConfig{CacheSize: 16}, logger)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, manager.RecordSearch(ctx, models.NewSearch("search-1", "task-1", "q")))
	require.NoError(t, manager.RecordPageFetched(ctx, "task-1", "search-1"))
	require.NoError(t, manager.RecordClaims(ctx, "task-1", 1))

	assert.Equal(t, 3, notifier.notified)
}

// recordingNotifier counts wakeups
type recordingNotifier struct {
	notified int
}

func (n *recordingNotifier) Notify(taskID string) { n.notified++ }

func (n *recordingNotifier) NotifyAll() { n.notified++ }

func (n *recordingNotifier) Wait(taskID string) <-chan struct{} { return nil }

func TestManager_EvictIdleDropsOnlyStaleTasks(t *testing.T) {
	manager, _, _, cleanup := setupStateTest(t, 16)
	defer cleanup()
	ctx := context.Background()

	manager.Touch(ctx, "task-old")
	manager.Touch(ctx, "task-fresh")

	// Backdate one task's activity clock
	st, ok := manager.cache.Get("task-old")
	require.True(t, ok)
	st.mu.Lock()
	st.lastActivity = time.Now().UTC().Add(-2 * time.Hour)
	st.mu.Unlock()

	evicted := manager.EvictIdle(time.Hour)
	assert.Equal(t, []string{"task-old"}, evicted)
	assert.False(t, manager.Cached("task-old"))
	assert.True(t, manager.Cached("task-fresh"))

	// A later reference simply rehydrates
	snapshot, err := manager.Snapshot(ctx, "task-old")
	require.NoError(t, err)
	assert.Equal(t, 0, snapshot.TotalPages)
	assert.True(t, manager.Cached("task-old"))
}

func TestManager_CacheBoundHolds(t *testing.T) {
	manager, _, _, cleanup := setupStateTest(t, 2)
	defer cleanup()
	ctx := context.Background()

	manager.Touch(ctx, "task-1")
	manager.Touch(ctx, "task-2")
	manager.Touch(ctx, "task-3")

	assert.Equal(t, 2, manager.Len())
	assert.False(t, manager.Cached("task-1"))
}
