package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/indago/internal/models"
)

// seedMaterials stores two pages, two fragments and three claims for the
// task. Claim claim_3 is not adopted.
func (f *toolsFixture) seedMaterials(t *testing.T, taskID string) {
	t.Helper()
	ctx := context.Background()
	ev := f.stores.EvidenceStorage()
	now := time.Now().UTC()

	require.NoError(t, ev.SavePage(ctx, &models.Page{
		ID:        "page_a",
		TaskID:    taskID,
		URL:       "https://energy.example.org/grid-study",
		Title:     "Grid Study 2024",
		DOI:       "10.1234/grid.2024",
		FetchedAt: now,
	}))
	require.NoError(t, ev.SavePage(ctx, &models.Page{
		ID:        "page_b",
		TaskID:    taskID,
		URL:       "https://storage.example.net/review",
		FetchedAt: now,
	}))

	require.NoError(t, ev.SaveFragment(ctx, &models.Fragment{
		ID: "frag_1", TaskID: taskID, PageID: "page_a",
		Text: "Grid-scale storage capacity rose 40% in 2024.", Score: 0.91, CreatedAt: now,
	}))
	require.NoError(t, ev.SaveFragment(ctx, &models.Fragment{
		ID: "frag_2", TaskID: taskID, PageID: "page_b",
		Text: "Most new capacity was lithium iron phosphate.", Score: 0.64, CreatedAt: now,
	}))

	claims := []*models.Claim{
		{ID: "claim_1", TaskID: taskID, Text: "Storage capacity grew 40% year over year.", Confidence: 0.82, Adoption: models.AdoptionAdopted},
		{ID: "claim_2", TaskID: taskID, Text: "LFP chemistry dominates new deployments.", Confidence: 0.67, Adoption: models.AdoptionAdopted},
		{ID: "claim_3", TaskID: taskID, Text: "All 2024 projects used flow batteries.", Confidence: 0.21, Adoption: models.AdoptionNotAdopted},
	}
	for _, claim := range claims {
		claim.CreatedAt = now
		claim.UpdatedAt = now
		require.NoError(t, ev.SaveClaim(ctx, claim))
	}
}

func TestGetMaterials_ListsAndSummary(t *testing.T) {
	f := setupToolsTest(t)
	f.createTask(t, "task-1")
	f.seedMaterials(t, "task-1")

	env := f.call(t, "get_materials", `{"task_id":"task-1"}`)
	require.Equal(t, true, env["ok"])

	claims := env["claims"].([]interface{})
	assert.Len(t, claims, 3)
	fragments := env["fragments"].([]interface{})
	require.Len(t, fragments, 2)
	assert.Len(t, env["pages"].([]interface{}), 2)

	// Fragment views carry the source page URL
	for _, raw := range fragments {
		frag := raw.(map[string]interface{})
		if frag["fragment_id"] == "frag_1" {
			assert.Equal(t, "https://energy.example.org/grid-study", frag["url"])
		}
	}

	summary := env["summary"].(map[string]interface{})
	assert.EqualValues(t, 3, summary["total_claims"])
	assert.EqualValues(t, 2, summary["adopted_claims"])
	assert.EqualValues(t, 2, summary["total_fragments"])
	assert.EqualValues(t, 2, summary["total_pages"])

	_, hasGraph := env["evidence_graph"]
	assert.False(t, hasGraph)
	_, hasNetwork := env["citation_network"]
	assert.False(t, hasNetwork)
}

func TestGetMaterials_AdoptedOnlyFiltersListNotSummary(t *testing.T) {
	f := setupToolsTest(t)
	f.createTask(t, "task-1")
	f.seedMaterials(t, "task-1")

	env := f.call(t, "get_materials", `{"task_id":"task-1","adopted_only":true}`)
	require.Equal(t, true, env["ok"])

	claims := env["claims"].([]interface{})
	require.Len(t, claims, 2)
	for _, raw := range claims {
		assert.Equal(t, "adopted", raw.(map[string]interface{})["adoption"])
	}

	// The summary keeps counting the whole task
	summary := env["summary"].(map[string]interface{})
	assert.EqualValues(t, 3, summary["total_claims"])
	assert.EqualValues(t, 2, summary["adopted_claims"])
}

func TestGetMaterials_GraphDerivesEdges(t *testing.T) {
	f := setupToolsTest(t)
	ctx := context.Background()
	f.createTask(t, "task-1")
	ev := f.stores.EvidenceStorage()
	now := time.Now().UTC()

	f.seedCitingPage(t, "task-1", "page_a", "https://doi.org/10.1234/cited.work")
	require.NoError(t, ev.SavePage(ctx, &models.Page{
		ID: "page_b", TaskID: "task-1", URL: "https://publisher.example.org/cited", FetchedAt: now,
	}))
	_, err := ev.RegisterResource(ctx, &models.ResourceIndexEntry{
		TaskID: "task-1", Kind: "doi", Key: "10.1234/cited.work", PageID: "page_b", CreatedAt: now,
	})
	require.NoError(t, err)

	require.NoError(t, ev.SaveFragment(ctx, &models.Fragment{
		ID: "frag_1", TaskID: "task-1", PageID: "page_a", Text: "Capacity grew.", CreatedAt: now,
	}))
	require.NoError(t, ev.SaveClaim(ctx, &models.Claim{
		ID: "claim_1", TaskID: "task-1", Text: "Capacity grew in 2024.", Confidence: 0.8, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, ev.SaveEdge(ctx, &models.Edge{
		ID: "edge_1", TaskID: "task-1", Relation: models.RelationSupports,
		SourceType: models.NodeTypeFragment, SourceID: "frag_1",
		TargetType: models.NodeTypeClaim, TargetID: "claim_1",
		CreatedAt: now,
	}))

	env := f.call(t, "get_materials", `{"task_id":"task-1","include_graph":true}`)
	require.Equal(t, true, env["ok"])
	graph := env["evidence_graph"].(map[string]interface{})

	nodes := graph["nodes"].([]interface{})
	assert.Len(t, nodes, 4)

	edges := graph["edges"].([]interface{})
	require.Len(t, edges, 3)
	byRelation := map[string]map[string]interface{}{}
	for _, raw := range edges {
		edge := raw.(map[string]interface{})
		byRelation[edge["relation"].(string)] = edge
	}

	stored := byRelation["supports"]
	require.NotNil(t, stored)
	assert.Equal(t, "edge_1", stored["edge_id"])

	// Derived edges carry no edge_id
	derived := byRelation["evidence_source"]
	require.NotNil(t, derived)
	assert.Nil(t, derived["edge_id"])
	assert.Equal(t, "frag_1", derived["source_id"])
	assert.Equal(t, "page_a", derived["target_id"])

	cites := byRelation["cites"]
	require.NotNil(t, cites)
	assert.Nil(t, cites["edge_id"])
	assert.Equal(t, "page_a", cites["source_id"])
	assert.Equal(t, "page_b", cites["target_id"])
	assert.Equal(t, "https://doi.org/10.1234/cited.work", cites["citation_source"])

	stats := graph["stats"].(map[string]interface{})
	assert.EqualValues(t, 4, stats["node_count"])
	assert.EqualValues(t, 3, stats["edge_count"])
	counts := stats["relation_counts"].(map[string]interface{})
	assert.EqualValues(t, 1, counts["supports"])
	assert.EqualValues(t, 1, counts["evidence_source"])
	assert.EqualValues(t, 1, counts["cites"])
}

func TestGetMaterials_CitationNetworkSkipsUnresolvedAndSelf(t *testing.T) {
	f := setupToolsTest(t)
	ctx := context.Background()
	f.createTask(t, "task-1")
	ev := f.stores.EvidenceStorage()
	now := time.Now().UTC()

	f.seedCitingPage(t, "task-1", "page_a",
		"https://doi.org/10.1234/cited.work",
		"https://nowhere.example.com/never-fetched",
		"https://journal.example.org/articles/page_a",
	)
	require.NoError(t, ev.SavePage(ctx, &models.Page{
		ID: "page_b", TaskID: "task-1", URL: "https://publisher.example.org/cited", FetchedAt: now,
	}))
	_, err := ev.RegisterResource(ctx, &models.ResourceIndexEntry{
		TaskID: "task-1", Kind: "doi", Key: "10.1234/cited.work", PageID: "page_b", CreatedAt: now,
	})
	require.NoError(t, err)
	// The third reference resolves back to the citing page itself
	_, err = ev.RegisterResource(ctx, &models.ResourceIndexEntry{
		TaskID: "task-1", Kind: "url", Key: models.NormalizeURL("https://journal.example.org/articles/page_a"), PageID: "page_a", CreatedAt: now,
	})
	require.NoError(t, err)

	env := f.call(t, "get_materials", `{"task_id":"task-1","include_citations":true}`)
	require.Equal(t, true, env["ok"])

	network := env["citation_network"].([]interface{})
	require.Len(t, network, 1)
	link := network[0].(map[string]interface{})
	assert.Equal(t, "page_a", link["from_page_id"])
	assert.Equal(t, "page_b", link["to_page_id"])
	assert.Equal(t, "https://doi.org/10.1234/cited.work", link["via"])

	_, hasGraph := env["evidence_graph"]
	assert.False(t, hasGraph)
}

func TestGetMaterials_UnknownTask(t *testing.T) {
	f := setupToolsTest(t)

	env := f.call(t, "get_materials", `{"task_id":"task-missing"}`)
	assert.Equal(t, "TASK_NOT_FOUND", env["error_code"])
}
