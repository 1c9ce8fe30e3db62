package interfaces

import (
	"context"
	"database/sql"
	"time"

	"github.com/ternarybob/indago/internal/models"
)

// TaskStorage - interface for task persistence
type TaskStorage interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	ListTasks(ctx context.Context, limit, offset int) ([]*models.Task, error)

	// UpdateTaskStatus applies a status transition, enforcing the state
	// machine at the row level. Returns models.ErrNotFound for unknown
	// tasks and an error when the transition is not legal.
	UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus) error

	// SetTaskStopped records a terminal status together with the stop reason
	SetTaskStopped(ctx context.Context, taskID string, status models.TaskStatus, reason string) error

	CountTasks(ctx context.Context) (int, error)
}

// EnqueueOutcome reports what a transactional enqueue did
type EnqueueOutcome struct {
	QueuedIDs   []string
	SkippedKeys []string
	TaskResumed bool
}

// JobStorage - transactional queue operations over the jobs table.
// Enqueue, claim and cancel are the atomic primitives the queue and
// dispatcher build on.
type JobStorage interface {
	// EnqueueJobs inserts jobs with dedup in one transaction and, when any
	// row lands, moves a created/paused task to exploring in the same commit.
	EnqueueJobs(ctx context.Context, task *models.Task, jobs []*models.Job) (*EnqueueOutcome, error)

	// ClaimNext atomically moves the best queued job for the slot to
	// running and returns it. models.ErrNoJob when the slot is drained.
	ClaimNext(ctx context.Context, slot string) (*models.Job, error)

	CompleteJob(ctx context.Context, jobID string, resultJSON string) error
	FailJob(ctx context.Context, jobID string, errorCode, errorMsg string) error

	// CancelQueued cancels all queued jobs for a task, returning the count
	CancelQueued(ctx context.Context, taskID string) (int, error)

	// RequestCancelRunning flags running jobs so workers observe the
	// cancellation at their next checkpoint
	RequestCancelRunning(ctx context.Context, taskID string) (int, error)

	// CancelRunning transitions one running job to cancelled (worker-side)
	CancelRunning(ctx context.Context, jobID string) error

	IsCancelRequested(ctx context.Context, jobID string) (bool, error)

	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, taskID string, states ...models.JobState) ([]*models.Job, error)
	CountJobsByState(ctx context.Context, taskID string) (map[models.JobState]int, error)
	CountRunning(ctx context.Context, taskID string) (int, error)

	// HasActiveDuplicate reports whether a queued-or-running job already
	// holds the dedup key
	HasActiveDuplicate(ctx context.Context, dedupKey string) (bool, error)

	// FailStaleRunning fails running jobs older than the cutoff (dead workers)
	FailStaleRunning(ctx context.Context, olderThan time.Duration) (int, error)
}

// EvidenceStorage - pages, fragments, claims, edges, the resource index
// and the correction log
type EvidenceStorage interface {
	SavePage(ctx context.Context, page *models.Page) error
	GetPage(ctx context.Context, pageID string) (*models.Page, error)
	GetPageByURL(ctx context.Context, taskID, url string) (*models.Page, error)
	ListPages(ctx context.Context, taskID string) ([]*models.Page, error)
	CountPages(ctx context.Context, taskID string) (int, error)

	SaveFragment(ctx context.Context, fragment *models.Fragment) error
	ListFragments(ctx context.Context, taskID string, limit int) ([]*models.Fragment, error)
	CountFragments(ctx context.Context, taskID string) (int, error)

	SaveClaim(ctx context.Context, claim *models.Claim) error
	GetClaim(ctx context.Context, claimID string) (*models.Claim, error)
	ListClaims(ctx context.Context, taskID string, adoption models.ClaimAdoption) ([]*models.Claim, error)
	CountClaims(ctx context.Context, taskID string) (int, error)
	SetClaimAdoption(ctx context.Context, claimID string, adoption models.ClaimAdoption) error

	// SaveEdge verifies both endpoints exist before inserting
	SaveEdge(ctx context.Context, edge *models.Edge) error
	GetEdge(ctx context.Context, edgeID string) (*models.Edge, error)
	ListEdges(ctx context.Context, taskID string, relations ...models.EdgeRelation) ([]*models.Edge, error)
	UpdateEdgeRelation(ctx context.Context, edgeID string, relation models.EdgeRelation) error

	// RegisterResource indexes a page under (task, kind, key); duplicate
	// keys report inserted=false
	RegisterResource(ctx context.Context, entry *models.ResourceIndexEntry) (bool, error)
	LookupResource(ctx context.Context, taskID, kind, key string) (string, error)
	ListResources(ctx context.Context, taskID, kind string) ([]*models.ResourceIndexEntry, error)

	AppendCorrection(ctx context.Context, sample *models.CorrectionSample) error
	ListCorrections(ctx context.Context, taskID string, limit int) ([]*models.CorrectionSample, error)
}

// SearchStorage - persisted sub-search progress for rehydration
type SearchStorage interface {
	SaveSearch(ctx context.Context, search *models.Search) error
	GetSearch(ctx context.Context, searchID string) (*models.Search, error)
	ListSearches(ctx context.Context, taskID string) ([]*models.Search, error)
}

// CalibrationSourceStats summarises one source's calibration history
type CalibrationSourceStats struct {
	Source          string  `json:"source"`
	CurrentVersion  int     `json:"current_version"`
	BrierAfter      float64 `json:"brier_after"`
	Method          string  `json:"method"`
	VersionCount    int     `json:"version_count"`
	EvaluationCount int     `json:"evaluation_count"`
	MeanBrier       float64 `json:"mean_brier"`
}

// CalibrationStorage - append-only calibration versions plus evaluations
type CalibrationStorage interface {
	// InsertVersion appends a version and atomically moves the current
	// pointer to it
	InsertVersion(ctx context.Context, version *models.CalibrationVersion) error

	// SetCurrentVersion atomically swaps the current pointer to an
	// existing version; models.ErrNotFound when the version is not in
	// history
	SetCurrentVersion(ctx context.Context, source string, version int) error

	CurrentVersion(ctx context.Context, source string) (*models.CalibrationVersion, error)
	GetVersion(ctx context.Context, source string, version int) (*models.CalibrationVersion, error)
	ListVersions(ctx context.Context, source string) ([]*models.CalibrationVersion, error)
	ListSourceStats(ctx context.Context) ([]*CalibrationSourceStats, error)

	InsertEvaluation(ctx context.Context, eval *models.CalibrationEvaluation) error
	ListEvaluations(ctx context.Context, source, taskID string, limit int) ([]*models.CalibrationEvaluation, error)
	PruneEvaluations(ctx context.Context, olderThan time.Duration) (int, error)
}

// InterventionFilter narrows intervention queue queries
type InterventionFilter struct {
	TaskID   string
	Priority string
	Status   models.InterventionStatus
}

// InterventionStorage - the human-in-the-loop authentication queue
type InterventionStorage interface {
	InsertItem(ctx context.Context, item *models.InterventionItem) error
	GetItem(ctx context.Context, queueID string) (*models.InterventionItem, error)
	ListItems(ctx context.Context, filter InterventionFilter) ([]*models.InterventionItem, error)
	CountPending(ctx context.Context, taskID string) (int, error)

	// ResolveItem marks one item; reports models.ErrNotFound when missing
	ResolveItem(ctx context.Context, queueID string, status models.InterventionStatus, success *bool) error

	// ResolveDomain marks every pending item for a domain, returning the count
	ResolveDomain(ctx context.Context, domain string, status models.InterventionStatus, success *bool) (int, error)

	PruneResolved(ctx context.Context, olderThan time.Duration) (int, error)
}

// RuleStorage - persisted domain rules
type RuleStorage interface {
	// UpsertRule inserts or refreshes a rule; reports inserted=false when
	// the pattern was already present
	UpsertRule(ctx context.Context, rule *models.DomainRule) (bool, error)
	DeleteRule(ctx context.Context, pattern string) (bool, error)
	ListRules(ctx context.Context) ([]*models.DomainRule, error)
	ListBlockedPatterns(ctx context.Context) ([]string, error)
}

// ContentStorage - page bodies kept outside the relational store
type ContentStorage interface {
	SaveContent(content *models.PageContent) error
	GetContent(pageID string) (*models.PageContent, error)
	DeleteContentForTask(taskID string) error
}

// StorageManager - composite interface for all storage operations
type StorageManager interface {
	TaskStorage() TaskStorage
	JobStorage() JobStorage
	EvidenceStorage() EvidenceStorage
	SearchStorage() SearchStorage
	CalibrationStorage() CalibrationStorage
	InterventionStorage() InterventionStorage
	RuleStorage() RuleStorage
	ContentStorage() ContentStorage

	// DB exposes the relational handle for components that manage their
	// own tables (the notification outbox)
	DB() *sql.DB

	Close() error
}
