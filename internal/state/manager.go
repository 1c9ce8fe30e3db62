package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/common"
	"github.com/ternarybob/indago/internal/interfaces"
	"github.com/ternarybob/indago/internal/models"
)

const defaultCacheSize = 256

// Snapshot is a point-in-time copy of one task's exploration state, safe to
// read without holding any lock
type Snapshot struct {
	TaskID         string
	LastActivity   time.Time
	Searches       []*models.Search
	TotalPages     int
	TotalFragments int
	TotalClaims    int
}

// IdleSeconds reports how long the task has been without exploration activity
func (s *Snapshot) IdleSeconds() float64 {
	return time.Since(s.LastActivity).Seconds()
}

// taskState is the live per-task record. Writes are serialised through its
// mutex; readers receive copies.
type taskState struct {
	mu sync.Mutex

	taskID         string
	lastActivity   time.Time
	searches       map[string]*models.Search
	totalPages     int
	totalFragments int
	totalClaims    int
}

// Manager is the bounded cache of per-task exploration state. State
// materialises from the store on first reference, stays current through the
// Record methods, and is dropped again by idle eviction or LRU pressure.
// Everything here is reconstructible, so losing an entry is never data loss.
type Manager struct {
	cache    *lru.Cache[string, *taskState]
	searches interfaces.SearchStorage
	evidence interfaces.EvidenceStorage
	notifier interfaces.ChangeNotifier
	logger   arbor.ILogger

	// Serialises rehydration so concurrent first references build one entry
	mu sync.Mutex
}

// NewManager creates the exploration state cache
func NewManager(searches interfaces.SearchStorage, evidence interfaces.EvidenceStorage, notifier interfaces.ChangeNotifier, config *common.StateConfig, logger arbor.ILogger) (*Manager, error) {
	size := defaultCacheSize
	if config != nil && config.CacheSize > 0 {
		size = config.CacheSize
	}

	cache, err := lru.New[string, *taskState](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create state cache: %w", err)
	}

	return &Manager{
		cache:    cache,
		searches: searches,
		evidence: evidence,
		notifier: notifier,
		logger:   logger,
	}, nil
}

// Snapshot returns a copy of the task's exploration state, rehydrating it
// from the store when the task is not cached
func (m *Manager) Snapshot(ctx context.Context, taskID string) (*Snapshot, error) {
	st, err := m.get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	searches := make([]*models.Search, 0, len(st.searches))
	for _, search := range st.searches {
		copied := *search
		searches = append(searches, &copied)
	}
	sort.Slice(searches, func(i, j int) bool {
		if searches[i].CreatedAt.Equal(searches[j].CreatedAt) {
			return searches[i].ID < searches[j].ID
		}
		return searches[i].CreatedAt.Before(searches[j].CreatedAt)
	})

	return &Snapshot{
		TaskID:         taskID,
		LastActivity:   st.lastActivity,
		Searches:       searches,
		TotalPages:     st.totalPages,
		TotalFragments: st.totalFragments,
		TotalClaims:    st.totalClaims,
	}, nil
}

// Touch marks exploration activity on the task
func (m *Manager) Touch(ctx context.Context, taskID string) {
	st, err := m.get(ctx, taskID)
	if err != nil {
		m.logger.Warn().Err(err).Str("task_id", taskID).Msg("State touch failed")
		return
	}

	st.mu.Lock()
	st.lastActivity = time.Now().UTC()
	st.mu.Unlock()
}

// RecordSearch persists the sub-search and mirrors it into the cached state
func (m *Manager) RecordSearch(ctx context.Context, search *models.Search) error {
	if err := m.searches.SaveSearch(ctx, search); err != nil {
		return fmt.Errorf("failed to persist search: %w", err)
	}

	st, err := m.get(ctx, search.TaskID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	copied := *search
	st.searches[search.ID] = &copied
	st.lastActivity = time.Now().UTC()
	st.mu.Unlock()

	m.notify(search.TaskID)
	return nil
}

// RecordPageFetched bumps the page counters for the task and, when the page
// belongs to a sub-search, that search's progress
func (m *Manager) RecordPageFetched(ctx context.Context, taskID, searchID string) error {
	st, err := m.get(ctx, taskID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	st.totalPages++
	if search, ok := st.searches[searchID]; ok {
		search.PagesFetched++
		search.UpdatedAt = time.Now().UTC()
	}
	st.lastActivity = time.Now().UTC()
	st.mu.Unlock()

	m.notify(taskID)
	return nil
}

// RecordFragments bumps the fragment counters
func (m *Manager) RecordFragments(ctx context.Context, taskID, searchID string, kept int) error {
	if kept <= 0 {
		return nil
	}

	st, err := m.get(ctx, taskID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	st.totalFragments += kept
	if search, ok := st.searches[searchID]; ok {
		search.FragmentsKept += kept
		search.UpdatedAt = time.Now().UTC()
	}
	st.lastActivity = time.Now().UTC()
	st.mu.Unlock()

	m.notify(taskID)
	return nil
}

// RecordClaims bumps the cumulative claim counter
func (m *Manager) RecordClaims(ctx context.Context, taskID string, extracted int) error {
	if extracted <= 0 {
		return nil
	}

	st, err := m.get(ctx, taskID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	st.totalClaims += extracted
	st.lastActivity = time.Now().UTC()
	st.mu.Unlock()

	m.notify(taskID)
	return nil
}

// EvictIdle drops cached state for tasks idle longer than the cutoff and
// returns their IDs so callers can release related resources
func (m *Manager) EvictIdle(olderThan time.Duration) []string {
	cutoff := time.Now().UTC().Add(-olderThan)

	evicted := make([]string, 0)
	for _, taskID := range m.cache.Keys() {
		st, ok := m.cache.Peek(taskID)
		if !ok {
			continue
		}

		st.mu.Lock()
		idle := st.lastActivity.Before(cutoff)
		st.mu.Unlock()

		if idle {
			m.cache.Remove(taskID)
			evicted = append(evicted, taskID)
		}
	}

	if len(evicted) > 0 {
		m.logger.Debug().
			Int("evicted", len(evicted)).
			Msg("Idle exploration state evicted")
	}
	return evicted
}

// Cached reports whether the task currently has in-memory state
func (m *Manager) Cached(taskID string) bool {
	return m.cache.Contains(taskID)
}

// Len returns the number of cached tasks
func (m *Manager) Len() int {
	return m.cache.Len()
}

// get returns the cached state or rehydrates it from the store
func (m *Manager) get(ctx context.Context, taskID string) (*taskState, error) {
	if st, ok := m.cache.Get(taskID); ok {
		return st, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another goroutine may have rehydrated while we waited
	if st, ok := m.cache.Get(taskID); ok {
		return st, nil
	}

	st, err := m.rehydrate(ctx, taskID)
	if err != nil {
		return nil, err
	}
	m.cache.Add(taskID, st)
	return st, nil
}

// rehydrate rebuilds state from persisted searches and evidence counts
func (m *Manager) rehydrate(ctx context.Context, taskID string) (*taskState, error) {
	searches, err := m.searches.ListSearches(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load searches: %w", err)
	}

	pages, err := m.evidence.CountPages(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to count pages: %w", err)
	}
	fragments, err := m.evidence.CountFragments(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to count fragments: %w", err)
	}
	claims, err := m.evidence.CountClaims(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to count claims: %w", err)
	}

	st := &taskState{
		taskID:         taskID,
		lastActivity:   time.Now().UTC(),
		searches:       make(map[string]*models.Search, len(searches)),
		totalPages:     pages,
		totalFragments: fragments,
		totalClaims:    claims,
	}

	// Persisted progress carries the honest activity clock across restarts
	var latest time.Time
	for _, search := range searches {
		copied := *search
		st.searches[search.ID] = &copied
		if search.UpdatedAt.After(latest) {
			latest = search.UpdatedAt
		}
	}
	if !latest.IsZero() {
		st.lastActivity = latest
	}

	m.logger.Debug().
		Str("task_id", taskID).
		Int("searches", len(st.searches)).
		Int("pages", pages).
		Msg("Exploration state rehydrated")

	return st, nil
}

func (m *Manager) notify(taskID string) {
	if m.notifier != nil {
		m.notifier.Notify(taskID)
	}
}
