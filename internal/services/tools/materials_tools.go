package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/interfaces"
	"github.com/ternarybob/indago/internal/models"
)

// MaterialsTools implements get_materials, the read-only export of a
// task's harvested evidence.
type MaterialsTools struct {
	tasks    interfaces.TaskStorage
	evidence interfaces.EvidenceStorage
	logger   arbor.ILogger
}

func NewMaterialsTools(tasks interfaces.TaskStorage, evidence interfaces.EvidenceStorage, logger arbor.ILogger) *MaterialsTools {
	return &MaterialsTools{
		tasks:    tasks,
		evidence: evidence,
		logger:   logger,
	}
}

type getMaterialsRequest struct {
	TaskID           string `json:"task_id"`
	IncludeGraph     bool   `json:"include_graph"`
	IncludeCitations bool   `json:"include_citations"`
	AdoptedOnly      bool   `json:"adopted_only"`
}

// citationLink ties a citing page to a cited page through the reference
// value that was harvested from the citing page.
type citationLink struct {
	FromPageID string
	ToPageID   string
	Via        string
}

func (t *MaterialsTools) GetMaterials(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	var req getMaterialsRequest
	if err := decode(args, &req); err != nil {
		return nil, err
	}

	if _, err := t.tasks.GetTask(ctx, req.TaskID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.TaskNotFound("task %s not found", req.TaskID)
		}
		return nil, fmt.Errorf("failed to load task: %w", err)
	}

	adoption := models.ClaimAdoption("")
	if req.AdoptedOnly {
		adoption = models.AdoptionAdopted
	}
	claims, err := t.evidence.ListClaims(ctx, req.TaskID, adoption)
	if err != nil {
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}

	pages, err := t.evidence.ListPages(ctx, req.TaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	pageURLs := make(map[string]string, len(pages))
	for _, page := range pages {
		pageURLs[page.ID] = page.URL
	}

	fragments, err := t.evidence.ListFragments(ctx, req.TaskID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list fragments: %w", err)
	}

	claimViews := make([]map[string]interface{}, 0, len(claims))
	adopted := 0
	for _, claim := range claims {
		if claim.Adoption == models.AdoptionAdopted {
			adopted++
		}
		claimViews = append(claimViews, map[string]interface{}{
			"claim_id":   claim.ID,
			"text":       claim.Text,
			"confidence": claim.Confidence,
			"adoption":   string(claim.Adoption),
		})
	}

	fragmentViews := make([]map[string]interface{}, 0, len(fragments))
	for _, fragment := range fragments {
		fragmentViews = append(fragmentViews, map[string]interface{}{
			"fragment_id": fragment.ID,
			"page_id":     fragment.PageID,
			"url":         pageURLs[fragment.PageID],
			"text":        fragment.Text,
			"score":       fragment.Score,
		})
	}

	pageViews := make([]map[string]interface{}, 0, len(pages))
	for _, page := range pages {
		pageViews = append(pageViews, map[string]interface{}{
			"page_id": page.ID,
			"url":     page.URL,
			"title":   page.Title,
			"doi":     page.DOI,
		})
	}

	totalClaims, err := t.evidence.CountClaims(ctx, req.TaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to count claims: %w", err)
	}

	result := map[string]interface{}{
		"task_id":   req.TaskID,
		"claims":    claimViews,
		"fragments": fragmentViews,
		"pages":     pageViews,
		"summary": map[string]interface{}{
			"total_claims":    totalClaims,
			"adopted_claims":  adopted,
			"total_fragments": len(fragments),
			"total_pages":     len(pages),
		},
	}

	var links []citationLink
	if req.IncludeGraph || req.IncludeCitations {
		links, err = t.citationLinks(ctx, req.TaskID)
		if err != nil {
			return nil, err
		}
	}

	if req.IncludeGraph {
		graph, err := t.buildGraph(ctx, req.TaskID, pages, fragments, claims, links)
		if err != nil {
			return nil, err
		}
		result["evidence_graph"] = graph
	}

	if req.IncludeCitations {
		network := make([]map[string]interface{}, 0, len(links))
		for _, link := range links {
			network = append(network, map[string]interface{}{
				"from_page_id": link.FromPageID,
				"to_page_id":   link.ToPageID,
				"via":          link.Via,
			})
		}
		result["citation_network"] = network
	}

	return result, nil
}

// buildGraph assembles the evidence graph: every page, fragment and
// claim as a node, the stored edges, then the derived ones. Each
// fragment gets an evidence_source edge back to its page, and each
// citation link becomes a cites edge annotated with the reference it
// was derived from. Derived edges have no edge_id.
func (t *MaterialsTools) buildGraph(ctx context.Context, taskID string, pages []*models.Page, fragments []*models.Fragment, claims []*models.Claim, links []citationLink) (map[string]interface{}, error) {
	nodes := make([]map[string]interface{}, 0, len(pages)+len(fragments)+len(claims))
	for _, page := range pages {
		nodes = append(nodes, graphNode(models.NodeTypePage, page.ID))
	}
	for _, fragment := range fragments {
		nodes = append(nodes, graphNode(models.NodeTypeFragment, fragment.ID))
	}
	for _, claim := range claims {
		nodes = append(nodes, graphNode(models.NodeTypeClaim, claim.ID))
	}

	stored, err := t.evidence.ListEdges(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}

	relationCounts := make(map[string]int)
	edges := make([]map[string]interface{}, 0, len(stored)+len(fragments)+len(links))
	for _, edge := range stored {
		relationCounts[string(edge.Relation)]++
		edges = append(edges, map[string]interface{}{
			"edge_id":     edge.ID,
			"relation":    string(edge.Relation),
			"source_type": string(edge.SourceType),
			"source_id":   edge.SourceID,
			"target_type": string(edge.TargetType),
			"target_id":   edge.TargetID,
		})
	}
	for _, fragment := range fragments {
		relationCounts[string(models.RelationEvidenceSource)]++
		edges = append(edges, map[string]interface{}{
			"edge_id":     nil,
			"relation":    string(models.RelationEvidenceSource),
			"source_type": string(models.NodeTypeFragment),
			"source_id":   fragment.ID,
			"target_type": string(models.NodeTypePage),
			"target_id":   fragment.PageID,
		})
	}
	for _, link := range links {
		relationCounts[string(models.RelationCites)]++
		edges = append(edges, map[string]interface{}{
			"edge_id":         nil,
			"relation":        string(models.RelationCites),
			"source_type":     string(models.NodeTypePage),
			"source_id":       link.FromPageID,
			"target_type":     string(models.NodeTypePage),
			"target_id":       link.ToPageID,
			"citation_source": link.Via,
		})
	}

	return map[string]interface{}{
		"nodes": nodes,
		"edges": edges,
		"stats": map[string]interface{}{
			"node_count":      len(nodes),
			"edge_count":      len(edges),
			"relation_counts": relationCounts,
		},
	}, nil
}

// citationLinks resolves harvested references to pages fetched later in
// the same task. References whose target was never fetched, and pages
// citing themselves, yield no link.
func (t *MaterialsTools) citationLinks(ctx context.Context, taskID string) ([]citationLink, error) {
	entries, err := t.evidence.ListResources(ctx, taskID, "cite")
	if err != nil {
		return nil, fmt.Errorf("failed to list citations: %w", err)
	}

	links := make([]citationLink, 0, len(entries))
	seen := make(map[string]bool)
	for _, entry := range entries {
		kind := "url"
		key := models.NormalizeURL(entry.Key)
		if doi := models.NormalizeDOI(entry.Key); models.ValidDOI(doi) {
			kind = "doi"
			key = doi
		}

		cited, err := t.evidence.LookupResource(ctx, taskID, kind, key)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to resolve citation: %w", err)
		}
		if cited == entry.PageID {
			continue
		}

		pair := entry.PageID + "|" + cited
		if seen[pair] {
			continue
		}
		seen[pair] = true

		links = append(links, citationLink{FromPageID: entry.PageID, ToPageID: cited, Via: entry.Key})
	}
	return links, nil
}

func graphNode(nodeType models.NodeType, objID string) map[string]interface{} {
	return map[string]interface{}{
		"node_type": string(nodeType),
		"obj_id":    objID,
	}
}
