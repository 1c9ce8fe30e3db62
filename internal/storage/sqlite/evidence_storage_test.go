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

// setupEvidenceTestDB creates a test database and returns cleanup function
func setupEvidenceTestDB(t *testing.T) (*SQLiteDB, func()) {
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

func TestEvidenceStorage_PageUpsertByURL(t *testing.T) {
	db, cleanup := setupEvidenceTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewEvidenceStorage(db, logger)
	ctx := context.Background()

	page := &models.Page{
		ID:         "page-1",
		TaskID:     "task-1",
		URL:        "https://example.org/paper",
		Title:      "First fetch",
		HTTPStatus: 200,
	}
	require.NoError(t, storage.SavePage(ctx, page))

	// Saving the same URL again refreshes metadata instead of duplicating
	again := &models.Page{
		ID:         "page-2",
		TaskID:     "task-1",
		URL:        "https://example.org/paper",
		Title:      "Second fetch",
		HTTPStatus: 200,
	}
	require.NoError(t, storage.SavePage(ctx, again))

	count, err := storage.CountPages(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := storage.GetPageByURL(ctx, "task-1", "https://example.org/paper")
	require.NoError(t, err)
	assert.Equal(t, "page-1", got.ID)
	assert.Equal(t, "Second fetch", got.Title)

	// The same URL under another task is a separate page
	other := &models.Page{ID: "page-3", TaskID: "task-2", URL: "https://example.org/paper"}
	require.NoError(t, storage.SavePage(ctx, other))

	count, err = storage.CountPages(ctx, "task-2")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = storage.GetPage(ctx, "page-missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestEvidenceStorage_ClaimAdoption(t *testing.T) {
	db, cleanup := setupEvidenceTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewEvidenceStorage(db, logger)
	ctx := context.Background()

	claim := &models.Claim{
		ID:         "claim-1",
		TaskID:     "task-1",
		Text:       "Perovskite cells passed 27% efficiency in 2024.",
		Confidence: 0.82,
	}
	require.NoError(t, storage.SaveClaim(ctx, claim))

	// Adoption defaults to adopted
	got, err := storage.GetClaim(ctx, "claim-1")
	require.NoError(t, err)
	assert.Equal(t, models.AdoptionAdopted, got.Adoption)

	require.NoError(t, storage.SetClaimAdoption(ctx, "claim-1", models.AdoptionNotAdopted))

	// Re-applying the same value succeeds
	require.NoError(t, storage.SetClaimAdoption(ctx, "claim-1", models.AdoptionNotAdopted))

	got, err = storage.GetClaim(ctx, "claim-1")
	require.NoError(t, err)
	assert.Equal(t, models.AdoptionNotAdopted, got.Adoption)

	err = storage.SetClaimAdoption(ctx, "claim-missing", models.AdoptionAdopted)
	assert.ErrorIs(t, err, models.ErrNotFound)

	// Adoption filters on list
	adopted, err := storage.ListClaims(ctx, "task-1", models.AdoptionAdopted)
	require.NoError(t, err)
	assert.Empty(t, adopted)

	rejected, err := storage.ListClaims(ctx, "task-1", models.AdoptionNotAdopted)
	require.NoError(t, err)
	assert.Len(t, rejected, 1)
}

func TestEvidenceStorage_EdgeEndpointsMustExist(t *testing.T) {
	db, cleanup := setupEvidenceTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewEvidenceStorage(db, logger)
	ctx := context.Background()

	page := &models.Page{ID: "page-1", TaskID: "task-1", URL: "https://example.org/a"}
	require.NoError(t, storage.SavePage(ctx, page))
	fragment := &models.Fragment{ID: "frag-1", TaskID: "task-1", PageID: "page-1", Text: "a span", Score: 0.7}
	require.NoError(t, storage.SaveFragment(ctx, fragment))
	claim := &models.Claim{ID: "claim-1", TaskID: "task-1", Text: "an assertion", Confidence: 0.5}
	require.NoError(t, storage.SaveClaim(ctx, claim))

	edge := &models.Edge{
		ID:         "edge-1",
		TaskID:     "task-1",
		Relation:   models.RelationSupports,
		SourceType: models.NodeTypeFragment,
		SourceID:   "frag-1",
		TargetType: models.NodeTypeClaim,
		TargetID:   "claim-1",
	}
	require.NoError(t, storage.SaveEdge(ctx, edge))

	// A dangling endpoint is rejected by name
	bad := &models.Edge{
		ID:         "edge-2",
		TaskID:     "task-1",
		Relation:   models.RelationSupports,
		SourceType: models.NodeTypeFragment,
		SourceID:   "frag-missing",
		TargetType: models.NodeTypeClaim,
		TargetID:   "claim-1",
	}
	err := storage.SaveEdge(ctx, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frag-missing")

	unknownRelation := &models.Edge{
		ID:         "edge-3",
		TaskID:     "task-1",
		Relation:   models.EdgeRelation("begets"),
		SourceType: models.NodeTypeFragment,
		SourceID:   "frag-1",
		TargetType: models.NodeTypeClaim,
		TargetID:   "claim-1",
	}
	err = storage.SaveEdge(ctx, unknownRelation)
	assert.Error(t, err)
}

func TestEvidenceStorage_EdgeRelationUpdateAndFilter(t *testing.T) {
	db, cleanup := setupEvidenceTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewEvidenceStorage(db, logger)
	ctx := context.Background()

	page := &models.Page{ID: "page-1", TaskID: "task-1", URL: "https://example.org/a"}
	require.NoError(t, storage.SavePage(ctx, page))
	fragment := &models.Fragment{ID: "frag-1", TaskID: "task-1", PageID: "page-1", Text: "a span"}
	require.NoError(t, storage.SaveFragment(ctx, fragment))
	claim := &models.Claim{ID: "claim-1", TaskID: "task-1", Text: "an assertion", Confidence: 0.5}
	require.NoError(t, storage.SaveClaim(ctx, claim))

	edges := []*models.Edge{
		{ID: "edge-1", TaskID: "task-1", Relation: models.RelationSupports,
			SourceType: models.NodeTypeFragment, SourceID: "frag-1",
			TargetType: models.NodeTypeClaim, TargetID: "claim-1"},
		{ID: "edge-2", TaskID: "task-1", Relation: models.RelationCites,
			SourceType: models.NodeTypePage, SourceID: "page-1",
			TargetType: models.NodeTypeClaim, TargetID: "claim-1"},
	}
	for _, e := range edges {
		require.NoError(t, storage.SaveEdge(ctx, e))
	}

	require.NoError(t, storage.UpdateEdgeRelation(ctx, "edge-1", models.RelationRefutes))

	got, err := storage.GetEdge(ctx, "edge-1")
	require.NoError(t, err)
	assert.Equal(t, models.RelationRefutes, got.Relation)

	refuting, err := storage.ListEdges(ctx, "task-1", models.RelationRefutes)
	require.NoError(t, err)
	require.Len(t, refuting, 1)
	assert.Equal(t, "edge-1", refuting[0].ID)

	all, err := storage.ListEdges(ctx, "task-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	err = storage.UpdateEdgeRelation(ctx, "edge-missing", models.RelationNeutral)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestEvidenceStorage_ResourceIndexDedup(t *testing.T) {
	db, cleanup := setupEvidenceTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewEvidenceStorage(db, logger)
	ctx := context.Background()

	entry := &models.ResourceIndexEntry{
		TaskID: "task-1",
		Kind:   "doi",
		Key:    "10.1234/abc.5",
		PageID: "page-1",
	}
	inserted, err := storage.RegisterResource(ctx, entry)
	require.NoError(t, err)
	assert.True(t, inserted)

	// The same key registers once; the first page wins
	dup := &models.ResourceIndexEntry{
		TaskID: "task-1",
		Kind:   "doi",
		Key:    "10.1234/abc.5",
		PageID: "page-2",
	}
	inserted, err = storage.RegisterResource(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	pageID, err := storage.LookupResource(ctx, "task-1", "doi", "10.1234/abc.5")
	require.NoError(t, err)
	assert.Equal(t, "page-1", pageID)

	_, err = storage.LookupResource(ctx, "task-1", "doi", "10.9999/missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestEvidenceStorage_CorrectionLogAppends(t *testing.T) {
	db, cleanup := setupEvidenceTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewEvidenceStorage(db, logger)
	ctx := context.Background()

	// Every correction is a new sample, including a repeat of the same label
	for i := 0; i < 2; i++ {
		sample := &models.CorrectionSample{
			TaskID:      "task-1",
			EdgeID:      "edge-1",
			OldRelation: models.RelationSupports,
			NewRelation: models.RelationRefutes,
		}
		require.NoError(t, storage.AppendCorrection(ctx, sample))
	}

	samples, err := storage.ListCorrections(ctx, "task-1", 10)
	require.NoError(t, err)
	assert.Len(t, samples, 2)

	none, err := storage.ListCorrections(ctx, "task-other", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
