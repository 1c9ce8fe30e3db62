package research

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/common"
	"github.com/ternarybob/indago/internal/interfaces"
	"github.com/ternarybob/indago/internal/models"
	"github.com/ternarybob/indago/internal/queue"
	"github.com/ternarybob/indago/internal/state"
)

const (
	// maxCitationChase caps how many harvested DOIs one page may enqueue
	maxCitationChase = 3
	// satisfiedThreshold is the satisfaction score that settles a sub-search
	satisfiedThreshold = 0.8
)

// primaryHostSuffixes and primaryHosts identify authoritative origins for
// the primary-source signal
var primaryHostSuffixes = []string{".gov", ".edu", ".mil", ".int"}

var primaryHosts = map[string]bool{
	"doi.org":                true,
	"dx.doi.org":             true,
	"arxiv.org":              true,
	"pubmed.ncbi.nlm.nih.gov": true,
	"ncbi.nlm.nih.gov":       true,
	"nature.com":             true,
	"science.org":            true,
	"sciencedirect.com":      true,
	"link.springer.com":      true,
	"onlinelibrary.wiley.com": true,
	"academic.oup.com":       true,
	"ieee.org":               true,
	"acm.org":                true,
	"jstor.org":              true,
	"plos.org":               true,
	"pnas.org":               true,
}

// TargetAction executes target_queue jobs: query targets fan out into URL
// targets via the search provider, URL and DOI targets fetch one document
// and harvest evidence from it. One handler covers all three kinds so the
// dedup index, budget checks and search progress live in one place.
type TargetAction struct {
	tasks        interfaces.TaskStorage
	searches     interfaces.SearchStorage
	evidence     interfaces.EvidenceStorage
	content      interfaces.ContentStorage
	intervention interfaces.InterventionStorage
	rules        interfaces.RuleStorage

	state     *state.Manager
	queue     *queue.Service
	provider  interfaces.SearchProvider
	fetcher   *Fetcher
	extractor *Extractor

	doiResolver string
	maxResults  int
	logger      arbor.ILogger
}

// NewTargetAction wires the research pipeline behind the target_queue kind
func NewTargetAction(stores interfaces.StorageManager, stateMgr *state.Manager, queueSvc *queue.Service, provider interfaces.SearchProvider, fetcher *Fetcher, extractor *Extractor, config *common.SearchConfig, logger arbor.ILogger) *TargetAction {
	maxResults := 10
	if config != nil && config.MaxResults > 0 {
		maxResults = config.MaxResults
	}

	return &TargetAction{
		tasks:        stores.TaskStorage(),
		searches:     stores.SearchStorage(),
		evidence:     stores.EvidenceStorage(),
		content:      stores.ContentStorage(),
		intervention: stores.InterventionStorage(),
		rules:        stores.RuleStorage(),
		state:        stateMgr,
		queue:        queueSvc,
		provider:     provider,
		fetcher:      fetcher,
		extractor:    extractor,
		doiResolver:  "https://doi.org/",
		maxResults:   maxResults,
		logger:       logger,
	}
}

func (a *TargetAction) Kind() string {
	return models.KindTargetQueue
}

func (a *TargetAction) Slot() string {
	return models.SlotNetworkClient
}

// Execute runs one claimed target job to completion
func (a *TargetAction) Execute(ctx context.Context, job *models.Job) (map[string]interface{}, error) {
	task, err := a.tasks.GetTask(ctx, job.TaskID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.TaskNotFound("task %s not found", job.TaskID)
		}
		return nil, fmt.Errorf("failed to load task: %w", err)
	}

	if err := a.checkBudget(ctx, task); err != nil {
		return nil, err
	}

	target := &job.Input.Target
	switch target.Kind {
	case models.TargetKindQuery:
		return a.executeQuery(ctx, task, job, target)
	case models.TargetKindURL:
		return a.executeURL(ctx, task, job, target)
	case models.TargetKindDOI:
		return a.executeDOI(ctx, task, job, target)
	default:
		return nil, models.InvalidParams("unknown target kind %q", target.Kind)
	}
}

// checkBudget fails the job before any network work when the task has spent
// its page or time budget
func (a *TargetAction) checkBudget(ctx context.Context, task *models.Task) error {
	snap, err := a.state.Snapshot(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("failed to load exploration state: %w", err)
	}

	if task.Budget.Pages > 0 && snap.TotalPages >= task.Budget.Pages {
		return models.NewTaskError(models.ErrBudgetExhausted, "page budget of %d exhausted for task %s", task.Budget.Pages, task.ID).
			WithDetails(map[string]interface{}{
				"pages_fetched": snap.TotalPages,
				"budget_pages":  task.Budget.Pages,
			})
	}

	if task.Budget.MaxSeconds > 0 {
		elapsed := time.Since(task.CreatedAt)
		if elapsed >= time.Duration(task.Budget.MaxSeconds)*time.Second {
			return models.NewTaskError(models.ErrBudgetExhausted, "time budget of %ds exhausted for task %s", task.Budget.MaxSeconds, task.ID).
				WithDetails(map[string]interface{}{
					"elapsed_seconds": int(elapsed.Seconds()),
					"max_seconds":     task.Budget.MaxSeconds,
				})
		}
	}

	return nil
}

// executeQuery runs the query through the search provider and queues a URL
// target per organic result, all linked to the same sub-search
func (a *TargetAction) executeQuery(ctx context.Context, task *models.Task, job *models.Job, target *models.Target) (map[string]interface{}, error) {
	text := models.NormalizeQuery(target.Query)

	search, err := a.findOrCreateSearch(ctx, task.ID, text)
	if err != nil {
		return nil, err
	}

	results, err := a.provider.Search(ctx, text, a.maxResults)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, errEnginesBlocked) {
			return nil, models.NewTaskError(models.ErrAllEnginesBlocked, "every search engine refused query %q", text).WithCause(err)
		}
		return nil, models.NewTaskError(models.ErrSerpSearchFailed, "search for %q failed", text).WithCause(err)
	}

	queued, skipped := 0, 0
	targets := make([]models.Target, 0, len(results))
	seen := make(map[string]bool)
	for _, result := range results {
		if !validHTTPURL(result.URL) {
			continue
		}
		normalized := models.NormalizeURL(result.URL)
		if seen[normalized] {
			continue
		}
		seen[normalized] = true

		targets = append(targets, models.Target{
			Kind:    models.TargetKindURL,
			URL:     result.URL,
			Depth:   1,
			Context: text,
			Options: map[string]interface{}{"search_id": search.ID},
		})
	}
	if len(targets) > 0 {
		outcome, err := a.queue.EnqueueTargets(ctx, task.ID, targets, priorityName(job.Priority))
		if err != nil {
			return nil, err
		}
		queued = len(outcome.QueuedIDs)
		skipped = len(outcome.SkippedKeys)
	}

	a.logger.Info().
		Str("task_id", task.ID).
		Str("search_id", search.ID).
		Str("query", text).
		Int("results", len(results)).
		Int("queued", queued).
		Msg("Search dispatched")

	return map[string]interface{}{
		"search_id": search.ID,
		"query":     text,
		"results":   len(results),
		"queued":    queued,
		"skipped":   skipped,
	}, nil
}

// findOrCreateSearch reuses the existing sub-search for the same normalized
// text so a re-queued query keeps accumulating into one progress row
func (a *TargetAction) findOrCreateSearch(ctx context.Context, taskID, text string) (*models.Search, error) {
	existing, err := a.searches.ListSearches(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list searches: %w", err)
	}
	for _, search := range existing {
		if models.NormalizeQuery(search.Text) == text {
			return search, nil
		}
	}

	search := models.NewSearch(common.NewSearchID(), taskID, text)
	if err := a.state.RecordSearch(ctx, search); err != nil {
		return nil, err
	}
	return search, nil
}

func (a *TargetAction) executeURL(ctx context.Context, task *models.Task, job *models.Job, target *models.Target) (map[string]interface{}, error) {
	normalized := models.NormalizeURL(target.URL)
	host := hostOf(target.URL)

	if rule, err := a.blockedRule(ctx, host); err != nil {
		return nil, err
	} else if rule != nil {
		return nil, models.NewTaskError(models.ErrPipelineError, "domain %s is blocked", host).
			WithDetails(map[string]interface{}{"url": target.URL, "pattern": rule.Pattern})
	}

	if target.Policy == "browser" {
		return nil, models.NewTaskError(models.ErrChromeNotReady, "browser rendering requested for %s but no renderer is available", target.URL)
	}

	if pageID, err := a.evidence.LookupResource(ctx, task.ID, "url", normalized); err == nil {
		return map[string]interface{}{"deduplicated": true, "page_id": pageID, "url": normalized}, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("failed to check resource index: %w", err)
	}

	return a.harvest(ctx, task, job, target, target.URL, "")
}

func (a *TargetAction) executeDOI(ctx context.Context, task *models.Task, job *models.Job, target *models.Target) (map[string]interface{}, error) {
	doi := models.NormalizeDOI(target.DOI)

	if pageID, err := a.evidence.LookupResource(ctx, task.ID, "doi", doi); err == nil {
		return map[string]interface{}{"deduplicated": true, "page_id": pageID, "doi": doi}, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("failed to check resource index: %w", err)
	}

	return a.harvest(ctx, task, job, target, a.doiResolver+doi, doi)
}

// harvest fetches one document, persists its evidence and updates the
// sub-search's progress. doi is set when the target resolved through a DOI.
func (a *TargetAction) harvest(ctx context.Context, task *models.Task, job *models.Job, target *models.Target, fetchURL, doi string) (map[string]interface{}, error) {
	searchID := searchIDOption(target)

	result, err := a.fetcher.Fetch(ctx, fetchURL)
	if err != nil {
		return nil, a.classifyFetchError(ctx, task, job, fetchURL, err)
	}

	// The fetch may have redirected onto a blocked domain
	finalHost := hostOf(result.URL)
	if rule, err := a.blockedRule(ctx, finalHost); err != nil {
		return nil, err
	} else if rule != nil {
		return nil, models.NewTaskError(models.ErrPipelineError, "domain %s is blocked", finalHost).
			WithDetails(map[string]interface{}{"url": result.URL, "pattern": rule.Pattern})
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	queryText := target.Context
	if queryText == "" {
		queryText = task.Query
	}
	extracted, err := a.extractor.Extract(result.HTML, result.URL, queryText)
	if err != nil {
		return nil, models.NewTaskError(models.ErrPipelineError, "content extraction for %s failed", result.URL).WithCause(err)
	}

	now := time.Now().UTC()
	page := &models.Page{
		ID:          common.NewPageID(),
		TaskID:      task.ID,
		SearchID:    searchID,
		URL:         models.NormalizeURL(result.URL),
		Title:       extracted.Title,
		DOI:         doi,
		ContentType: result.ContentType,
		HTTPStatus:  result.StatusCode,
		FetchedAt:   now,
	}
	if err := a.evidence.SavePage(ctx, page); err != nil {
		return nil, fmt.Errorf("failed to save page: %w", err)
	}

	if err := a.content.SaveContent(&models.PageContent{
		PageID:    page.ID,
		TaskID:    task.ID,
		URL:       page.URL,
		HTML:      result.HTML,
		Markdown:  extracted.Markdown,
		FetchedAt: now,
	}); err != nil {
		a.logger.Warn().Err(err).Str("page_id", page.ID).Msg("Page body not stored")
	}

	requested := models.NormalizeURL(fetchURL)
	a.registerResource(ctx, task.ID, "url", requested, page.ID)
	if page.URL != requested {
		a.registerResource(ctx, task.ID, "url", page.URL, page.ID)
	}
	if doi != "" {
		a.registerResource(ctx, task.ID, "doi", doi, page.ID)
	}
	// Every harvested reference stays promotable later, chased now or not
	for _, cited := range extracted.DOIs {
		a.registerResource(ctx, task.ID, "cite", cited, page.ID)
	}

	kept := 0
	for _, fragment := range extracted.Fragments {
		if err := a.evidence.SaveFragment(ctx, &models.Fragment{
			ID:        common.NewFragmentID(),
			TaskID:    task.ID,
			PageID:    page.ID,
			Text:      fragment.Text,
			Score:     fragment.Score,
			CreatedAt: now,
		}); err != nil {
			return nil, fmt.Errorf("failed to save fragment: %w", err)
		}
		kept++
	}

	if err := a.state.RecordPageFetched(ctx, task.ID, searchID); err != nil {
		return nil, err
	}
	if err := a.state.RecordFragments(ctx, task.ID, searchID, kept); err != nil {
		return nil, err
	}
	if searchID != "" {
		if err := a.updateSearchProgress(ctx, task.ID, searchID); err != nil {
			a.logger.Warn().Err(err).Str("search_id", searchID).Msg("Search progress not updated")
		}
	}

	citations := a.chaseCitations(ctx, task, target, extracted.DOIs)

	a.logger.Info().
		Str("task_id", task.ID).
		Str("page_id", page.ID).
		Str("url", page.URL).
		Int("fragments_kept", kept).
		Int("citations_queued", citations).
		Msg("Page harvested")

	return map[string]interface{}{
		"page_id":          page.ID,
		"url":              page.URL,
		"title":            page.Title,
		"fragments_kept":   kept,
		"dois_found":       len(extracted.DOIs),
		"citations_queued": citations,
	}, nil
}

// classifyFetchError maps fetch failures onto the taxonomy. An auth wall
// additionally lands an item on the human intervention queue.
func (a *TargetAction) classifyFetchError(ctx context.Context, task *models.Task, job *models.Job, fetchURL string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	taskErr, ok := models.AsTaskError(err)
	if !ok {
		return models.NewTaskError(models.ErrAllFetchesFailed, "fetch of %s failed", fetchURL).WithCause(err)
	}

	if taskErr.Code == models.ErrAuthRequired {
		a.queueIntervention(ctx, task.ID, fetchURL, job.Priority, taskErr)
	}
	return taskErr
}

func (a *TargetAction) queueIntervention(ctx context.Context, taskID, fetchURL string, priority int, taskErr *models.TaskError) {
	authType := "login"
	if status, ok := detailInt(taskErr.Details, "status"); ok && status == http.StatusPaymentRequired {
		authType = "paywall"
	}

	item := models.NewInterventionItem(common.NewAuthQueueID(), taskID, fetchURL, hostOf(fetchURL), authType, priorityName(priority))
	if err := a.intervention.InsertItem(ctx, item); err != nil {
		a.logger.Warn().Err(err).Str("url", fetchURL).Msg("Auth queue insert failed")
		return
	}

	a.logger.Info().
		Str("task_id", taskID).
		Str("queue_id", item.QueueID).
		Str("domain", item.Domain).
		Str("auth_type", authType).
		Msg("Authentication required; queued for user")
}

// blockedRule returns the first block rule matching the host, nil when the
// host is clear
func (a *TargetAction) blockedRule(ctx context.Context, host string) (*models.DomainRule, error) {
	if host == "" {
		return nil, nil
	}

	rules, err := a.rules.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list domain rules: %w", err)
	}
	for _, rule := range rules {
		if rule.RuleType == models.RuleTypeBlock && rule.Matches(host) {
			return rule, nil
		}
	}
	return nil, nil
}

func (a *TargetAction) registerResource(ctx context.Context, taskID, kind, key, pageID string) {
	if key == "" {
		return
	}

	inserted, err := a.evidence.RegisterResource(ctx, &models.ResourceIndexEntry{
		TaskID:    taskID,
		Kind:      kind,
		Key:       key,
		PageID:    pageID,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		a.logger.Warn().Err(err).Str("kind", kind).Str("key", key).Msg("Resource index insert failed")
		return
	}
	if !inserted {
		a.logger.Debug().Str("kind", kind).Str("key", key).Msg("Resource already indexed")
	}
}

// updateSearchProgress recomputes the sub-search's derived metrics from the
// bumped counters and the persisted pages, then saves the row
func (a *TargetAction) updateSearchProgress(ctx context.Context, taskID, searchID string) error {
	snap, err := a.state.Snapshot(ctx, taskID)
	if err != nil {
		return err
	}

	var search *models.Search
	for _, s := range snap.Searches {
		if s.ID == searchID {
			search = s
			break
		}
	}
	if search == nil {
		return nil
	}

	pages, err := a.evidence.ListPages(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to list pages: %w", err)
	}

	hosts := make(map[string]bool)
	primary := false
	for _, page := range pages {
		if page.SearchID != searchID {
			continue
		}
		host := hostOf(page.URL)
		if host == "" {
			continue
		}
		hosts[host] = true
		if isPrimarySourceHost(host) {
			primary = true
		}
	}

	search.IndependentSources = len(hosts)
	search.PrimarySource = primary
	if search.PagesFetched > 0 {
		search.HarvestRate = float64(search.FragmentsKept) / float64(search.PagesFetched)
	}
	search.Satisfaction = satisfactionScore(search)

	switch {
	case search.Satisfaction >= satisfiedThreshold:
		search.Status = models.SearchStatusSatisfied
	case search.PagesFetched > 0:
		search.Status = models.SearchStatusPartial
	}
	search.UpdatedAt = time.Now().UTC()

	return a.state.RecordSearch(ctx, search)
}

// satisfactionScore blends fragment yield, source diversity and primary
// source presence into [0,1]
func satisfactionScore(search *models.Search) float64 {
	fragments := math.Min(1, float64(search.FragmentsKept)/6.0)
	sources := math.Min(1, float64(search.IndependentSources)/3.0)
	primary := 0.0
	if search.PrimarySource {
		primary = 1.0
	}
	return 0.5*fragments + 0.3*sources + 0.2*primary
}

// chaseCitations enqueues DOI targets for harvested references while depth
// remains. Chases run at low priority so direct targets dispatch first.
func (a *TargetAction) chaseCitations(ctx context.Context, task *models.Task, target *models.Target, dois []string) int {
	if target.Depth <= 0 || len(dois) == 0 {
		return 0
	}

	limit := maxCitationChase
	if len(dois) < limit {
		limit = len(dois)
	}

	var options map[string]interface{}
	if id := searchIDOption(target); id != "" {
		options = map[string]interface{}{"search_id": id}
	}

	targets := make([]models.Target, 0, limit)
	for _, doi := range dois[:limit] {
		targets = append(targets, models.Target{
			Kind:    models.TargetKindDOI,
			DOI:     doi,
			Depth:   target.Depth - 1,
			Context: target.Context,
			Options: options,
		})
	}

	outcome, err := a.queue.EnqueueTargets(ctx, task.ID, targets, "low")
	if err != nil {
		a.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Citation chase enqueue failed")
		return 0
	}
	return len(outcome.QueuedIDs)
}

// searchIDOption reads the sub-search linkage carried in target options
func searchIDOption(t *models.Target) string {
	if t.Options == nil {
		return ""
	}
	if v, ok := t.Options["search_id"].(string); ok {
		return v
	}
	return ""
}

func priorityName(priority int) string {
	switch priority {
	case models.PriorityHigh:
		return "high"
	case models.PriorityLow:
		return "low"
	default:
		return "medium"
	}
}

// detailInt reads a numeric error detail regardless of whether the error
// was built in-process (int) or decoded from JSON (float64)
func detailInt(details map[string]interface{}, key string) (int, bool) {
	switch v := details[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func validHTTPURL(raw string) bool {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	return err == nil && parsed.Host != "" && (parsed.Scheme == "http" || parsed.Scheme == "https")
}

func hostOf(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

func isPrimarySourceHost(host string) bool {
	host = strings.ToLower(host)
	for _, suffix := range primaryHostSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	if primaryHosts[host] {
		return true
	}
	for known := range primaryHosts {
		if strings.HasSuffix(host, "."+known) {
			return true
		}
	}
	return false
}
