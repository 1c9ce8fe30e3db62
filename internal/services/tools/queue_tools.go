package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/interfaces"
	"github.com/ternarybob/indago/internal/models"
	"github.com/ternarybob/indago/internal/queue"
)

// QueueTools implements queue_targets and queue_reference_candidates
type QueueTools struct {
	tasks    interfaces.TaskStorage
	evidence interfaces.EvidenceStorage
	queue    *queue.Service
	logger   arbor.ILogger
}

func NewQueueTools(tasks interfaces.TaskStorage, evidence interfaces.EvidenceStorage, queueSvc *queue.Service, logger arbor.ILogger) *QueueTools {
	return &QueueTools{
		tasks:    tasks,
		evidence: evidence,
		queue:    queueSvc,
		logger:   logger,
	}
}

type queueTargetsRequest struct {
	TaskID  string          `json:"task_id"`
	Targets []models.Target `json:"targets"`
	Options struct {
		Priority string `json:"priority"`
	} `json:"options"`
}

// QueueTargets enqueues exploration targets. Validation, deduplication
// and the paused-task resume live in the queue service; this handler only
// shapes the response.
func (t *QueueTools) QueueTargets(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	var req queueTargetsRequest
	if err := decode(args, &req); err != nil {
		return nil, err
	}

	outcome, err := t.queue.EnqueueTargets(ctx, req.TaskID, req.Targets, req.Options.Priority)
	if err != nil {
		return nil, err
	}

	targetIDs := outcome.QueuedIDs
	if targetIDs == nil {
		targetIDs = []string{}
	}

	return map[string]interface{}{
		"queued_count":  len(outcome.QueuedIDs),
		"skipped_count": len(outcome.SkippedKeys),
		"target_ids":    targetIDs,
		"task_resumed":  outcome.TaskResumed,
	}, nil
}

type referenceCandidatesRequest struct {
	TaskID     string   `json:"task_id"`
	IncludeIDs []string `json:"include_ids"`
	ExcludeIDs []string `json:"exclude_ids"`
	Limit      int      `json:"limit"`
	DryRun     bool     `json:"dry_run"`
}

// candidateView is one promotable harvested reference
type candidateView struct {
	CandidateID  string `json:"candidate_id"`
	Kind         string `json:"kind"`
	Value        string `json:"value"`
	SourcePageID string `json:"source_page_id"`
	Queued       bool   `json:"queued"`
	SkipReason   string `json:"skip_reason,omitempty"`

	target models.Target
}

// QueueReferenceCandidates promotes harvested references (the "cite"
// entries of the resource index) into queued fetch jobs. Candidates whose
// resource was already fetched are skipped outright; queue-level dedup
// catches the rest.
func (t *QueueTools) QueueReferenceCandidates(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	var req referenceCandidatesRequest
	if err := decode(args, &req); err != nil {
		return nil, err
	}
	if len(req.IncludeIDs) > 0 && len(req.ExcludeIDs) > 0 {
		return nil, models.InvalidParams("include_ids and exclude_ids cannot be combined")
	}

	if _, err := t.tasks.GetTask(ctx, req.TaskID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.TaskNotFound("task %s not found", req.TaskID)
		}
		return nil, fmt.Errorf("failed to load task: %w", err)
	}

	entries, err := t.evidence.ListResources(ctx, req.TaskID, "cite")
	if err != nil {
		return nil, fmt.Errorf("failed to list reference candidates: %w", err)
	}

	include := idSet(req.IncludeIDs)
	exclude := idSet(req.ExcludeIDs)

	candidates := make([]*candidateView, 0, len(entries))
	skipped := 0
	for _, entry := range entries {
		candidate := t.buildCandidate(entry)
		if include != nil && !include[candidate.CandidateID] {
			continue
		}
		if exclude[candidate.CandidateID] {
			continue
		}

		pageID, err := t.lookupFetched(ctx, req.TaskID, &candidate.target)
		if err != nil {
			return nil, fmt.Errorf("failed to check resource index: %w", err)
		}
		if pageID != "" {
			candidate.SkipReason = "already_fetched"
			skipped++
		} else if req.Limit > 0 && len(candidates)-skipped >= req.Limit {
			candidate.SkipReason = "over_limit"
			skipped++
		}
		candidates = append(candidates, candidate)
	}

	queued := 0
	if !req.DryRun {
		targets := make([]models.Target, 0, len(candidates))
		promotable := make([]*candidateView, 0, len(candidates))
		for _, candidate := range candidates {
			if candidate.SkipReason != "" {
				continue
			}
			targets = append(targets, candidate.target)
			promotable = append(promotable, candidate)
		}

		if len(targets) > 0 {
			outcome, err := t.queue.EnqueueTargets(ctx, req.TaskID, targets, "low")
			if err != nil {
				return nil, err
			}
			queued = len(outcome.QueuedIDs)

			skippedKeys := make(map[string]bool, len(outcome.SkippedKeys))
			for _, key := range outcome.SkippedKeys {
				skippedKeys[key] = true
			}
			for _, candidate := range promotable {
				if skippedKeys[candidate.target.DedupKey(req.TaskID)] {
					candidate.SkipReason = "already_queued"
					skipped++
				} else {
					candidate.Queued = true
				}
			}
		}

		t.logger.Info().
			Str("task_id", req.TaskID).
			Int("candidates", len(candidates)).
			Int("queued", queued).
			Int("skipped", skipped).
			Msg("Reference candidates promoted")
	}

	views := make([]map[string]interface{}, 0, len(candidates))
	for _, candidate := range candidates {
		view, err := asMap(candidate)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}

	return map[string]interface{}{
		"queued_count":  queued,
		"skipped_count": skipped,
		"dry_run":       req.DryRun,
		"candidates":    views,
	}, nil
}

// buildCandidate converts one index entry to a target: DOI when the value
// is, or resolves to, a DOI, URL otherwise.
func (t *QueueTools) buildCandidate(entry *models.ResourceIndexEntry) *candidateView {
	candidate := &candidateView{
		CandidateID:  candidateID(entry.Key),
		SourcePageID: entry.PageID,
	}

	if doi, ok := models.ExtractDOIFromURL(entry.Key); ok {
		candidate.Kind = "doi"
		candidate.Value = doi
	} else if doi := models.NormalizeDOI(entry.Key); models.ValidDOI(doi) {
		candidate.Kind = "doi"
		candidate.Value = doi
	} else {
		candidate.Kind = "url"
		candidate.Value = entry.Key
	}

	if candidate.Kind == "doi" {
		candidate.target = models.Target{
			Kind:   models.TargetKindDOI,
			DOI:    candidate.Value,
			Reason: models.URLReasonCitationChase,
		}
	} else {
		candidate.target = models.Target{
			Kind:   models.TargetKindURL,
			URL:    candidate.Value,
			Reason: models.URLReasonCitationChase,
		}
	}
	return candidate
}

// lookupFetched reports the page already registered for this candidate
func (t *QueueTools) lookupFetched(ctx context.Context, taskID string, target *models.Target) (string, error) {
	kind := "url"
	if target.Kind == models.TargetKindDOI {
		kind = "doi"
	}
	pageID, err := t.evidence.LookupResource(ctx, taskID, kind, target.NormalizedField())
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return pageID, nil
}

// candidateID derives a stable ID from the candidate value so dry-run
// listings and later include_ids calls agree.
func candidateID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "cand_" + hex.EncodeToString(sum[:6])
}

func idSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
