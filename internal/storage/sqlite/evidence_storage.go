package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/interfaces"
	"github.com/ternarybob/indago/internal/models"
)

// EvidenceStorage implements SQLite persistence for pages, fragments,
// claims, edges, the resource index and the correction log
type EvidenceStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewEvidenceStorage creates a new evidence storage instance
func NewEvidenceStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.EvidenceStorage {
	return &EvidenceStorage{
		db:     db,
		logger: logger,
	}
}

// ---- Pages ----

// SavePage inserts or refreshes a page row keyed by (task, url)
func (s *EvidenceStorage) SavePage(ctx context.Context, page *models.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO pages (id, task_id, search_id, url, title, doi, content_type, http_status, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, url) DO UPDATE SET
			title = excluded.title,
			doi = excluded.doi,
			content_type = excluded.content_type,
			http_status = excluded.http_status,
			fetched_at = excluded.fetched_at
	`

	_, err := s.db.db.ExecContext(ctx, query,
		page.ID,
		page.TaskID,
		nullString(page.SearchID),
		page.URL,
		nullString(page.Title),
		nullString(page.DOI),
		nullString(page.ContentType),
		page.HTTPStatus,
		page.FetchedAt.Unix(),
	)
	if err != nil {
		s.logger.Error().Err(err).Str("page_id", page.ID).Msg("Failed to save page")
		return fmt.Errorf("failed to save page: %w", err)
	}
	return nil
}

// GetPage retrieves a page by ID
func (s *EvidenceStorage) GetPage(ctx context.Context, pageID string) (*models.Page, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT id, task_id, search_id, url, title, doi, content_type, http_status, fetched_at
		 FROM pages WHERE id = ?`, pageID,
	)
	return scanPage(row)
}

// GetPageByURL retrieves a page by its task-scoped URL
func (s *EvidenceStorage) GetPageByURL(ctx context.Context, taskID, url string) (*models.Page, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT id, task_id, search_id, url, title, doi, content_type, http_status, fetched_at
		 FROM pages WHERE task_id = ? AND url = ?`, taskID, url,
	)
	return scanPage(row)
}

// ListPages lists a task's pages newest first
func (s *EvidenceStorage) ListPages(ctx context.Context, taskID string) ([]*models.Page, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT id, task_id, search_id, url, title, doi, content_type, http_status, fetched_at
		 FROM pages WHERE task_id = ? ORDER BY fetched_at DESC`, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	defer rows.Close()

	var pages []*models.Page
	for rows.Next() {
		page, err := scanPageRow(rows)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	return pages, rows.Err()
}

// CountPages counts a task's pages
func (s *EvidenceStorage) CountPages(ctx context.Context, taskID string) (int, error) {
	var count int
	err := s.db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pages WHERE task_id = ?`, taskID,
	).Scan(&count)
	return count, err
}

// ---- Fragments ----

// SaveFragment inserts a fragment
func (s *EvidenceStorage) SaveFragment(ctx context.Context, fragment *models.Fragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.db.ExecContext(ctx,
		`INSERT INTO fragments (id, task_id, page_id, text, score, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		fragment.ID,
		fragment.TaskID,
		fragment.PageID,
		fragment.Text,
		fragment.Score,
		fragment.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save fragment: %w", err)
	}
	return nil
}

// ListFragments lists a task's fragments, oldest first
func (s *EvidenceStorage) ListFragments(ctx context.Context, taskID string, limit int) ([]*models.Fragment, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.db.db.QueryContext(ctx,
		`SELECT id, task_id, page_id, text, score, created_at
		 FROM fragments WHERE task_id = ? ORDER BY created_at ASC LIMIT ?`, taskID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list fragments: %w", err)
	}
	defer rows.Close()

	var fragments []*models.Fragment
	for rows.Next() {
		var f models.Fragment
		var createdAt int64
		if err := rows.Scan(&f.ID, &f.TaskID, &f.PageID, &f.Text, &f.Score, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan fragment: %w", err)
		}
		f.CreatedAt = unixToTime(createdAt)
		fragments = append(fragments, &f)
	}
	return fragments, rows.Err()
}

// CountFragments counts a task's fragments
func (s *EvidenceStorage) CountFragments(ctx context.Context, taskID string) (int, error) {
	var count int
	err := s.db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fragments WHERE task_id = ?`, taskID,
	).Scan(&count)
	return count, err
}

// ---- Claims ----

// SaveClaim inserts a claim, defaulting adoption to adopted
func (s *EvidenceStorage) SaveClaim(ctx context.Context, claim *models.Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	adoption := claim.Adoption
	if adoption == "" {
		adoption = models.AdoptionAdopted
	}

	_, err := s.db.db.ExecContext(ctx,
		`INSERT INTO claims (id, task_id, text, confidence, adoption, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		claim.ID,
		claim.TaskID,
		claim.Text,
		claim.Confidence,
		string(adoption),
		claim.CreatedAt.Unix(),
		claim.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save claim: %w", err)
	}
	return nil
}

// GetClaim retrieves a claim by ID
func (s *EvidenceStorage) GetClaim(ctx context.Context, claimID string) (*models.Claim, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT id, task_id, text, confidence, adoption, created_at, updated_at
		 FROM claims WHERE id = ?`, claimID,
	)

	var c models.Claim
	var adoption string
	var createdAt, updatedAt int64
	err := row.Scan(&c.ID, &c.TaskID, &c.Text, &c.Confidence, &adoption, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan claim: %w", err)
	}
	c.Adoption = models.ClaimAdoption(adoption)
	c.CreatedAt = unixToTime(createdAt)
	c.UpdatedAt = unixToTime(updatedAt)
	return &c, nil
}

// ListClaims lists a task's claims, optionally filtered by adoption
func (s *EvidenceStorage) ListClaims(ctx context.Context, taskID string, adoption models.ClaimAdoption) ([]*models.Claim, error) {
	query := `SELECT id, task_id, text, confidence, adoption, created_at, updated_at
	          FROM claims WHERE task_id = ?`
	args := []interface{}{taskID}
	if adoption != "" {
		query += ` AND adoption = ?`
		args = append(args, string(adoption))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}
	defer rows.Close()

	var claims []*models.Claim
	for rows.Next() {
		var c models.Claim
		var adoptionVal string
		var createdAt, updatedAt int64
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Text, &c.Confidence, &adoptionVal, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		c.Adoption = models.ClaimAdoption(adoptionVal)
		c.CreatedAt = unixToTime(createdAt)
		c.UpdatedAt = unixToTime(updatedAt)
		claims = append(claims, &c)
	}
	return claims, rows.Err()
}

// CountClaims counts a task's claims
func (s *EvidenceStorage) CountClaims(ctx context.Context, taskID string) (int, error) {
	var count int
	err := s.db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM claims WHERE task_id = ?`, taskID,
	).Scan(&count)
	return count, err
}

// SetClaimAdoption updates a claim's adoption flag. Idempotent: applying
// the current value succeeds without touching the row.
func (s *EvidenceStorage) SetClaimAdoption(ctx context.Context, claimID string, adoption models.ClaimAdoption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.db.ExecContext(ctx,
		`UPDATE claims SET adoption = ?, updated_at = ? WHERE id = ?`,
		string(adoption), time.Now().Unix(), claimID,
	)
	if err != nil {
		return fmt.Errorf("failed to set claim adoption: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ---- Edges ----

// SaveEdge inserts a typed relation after verifying both endpoints exist
func (s *EvidenceStorage) SaveEdge(ctx context.Context, edge *models.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !models.ValidEdgeRelation(edge.Relation) {
		return fmt.Errorf("unknown edge relation: %s", edge.Relation)
	}

	if err := s.verifyEndpoint(ctx, edge.SourceType, edge.SourceID); err != nil {
		return fmt.Errorf("edge source: %w", err)
	}
	if err := s.verifyEndpoint(ctx, edge.TargetType, edge.TargetID); err != nil {
		return fmt.Errorf("edge target: %w", err)
	}

	_, err := s.db.db.ExecContext(ctx,
		`INSERT INTO edges (id, task_id, relation, source_type, source_id, target_type, target_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		edge.ID,
		edge.TaskID,
		string(edge.Relation),
		string(edge.SourceType),
		edge.SourceID,
		string(edge.TargetType),
		edge.TargetID,
		edge.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save edge: %w", err)
	}
	return nil
}

func (s *EvidenceStorage) verifyEndpoint(ctx context.Context, nodeType models.NodeType, id string) error {
	var table string
	switch nodeType {
	case models.NodeTypePage:
		table = "pages"
	case models.NodeTypeFragment:
		table = "fragments"
	case models.NodeTypeClaim:
		table = "claims"
	default:
		return fmt.Errorf("unknown node type: %s", nodeType)
	}

	var one int
	err := s.db.db.QueryRowContext(ctx,
		`SELECT 1 FROM `+table+` WHERE id = ?`, id,
	).Scan(&one)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("%s %s does not exist", nodeType, id)
		}
		return err
	}
	return nil
}

// GetEdge retrieves an edge by ID
func (s *EvidenceStorage) GetEdge(ctx context.Context, edgeID string) (*models.Edge, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT id, task_id, relation, source_type, source_id, target_type, target_id, created_at
		 FROM edges WHERE id = ?`, edgeID,
	)

	var e models.Edge
	var relation, sourceType, targetType string
	var createdAt int64
	err := row.Scan(&e.ID, &e.TaskID, &relation, &sourceType, &e.SourceID, &targetType, &e.TargetID, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan edge: %w", err)
	}
	e.Relation = models.EdgeRelation(relation)
	e.SourceType = models.NodeType(sourceType)
	e.TargetType = models.NodeType(targetType)
	e.CreatedAt = unixToTime(createdAt)
	return &e, nil
}

// ListEdges lists a task's edges, optionally filtered by relation
func (s *EvidenceStorage) ListEdges(ctx context.Context, taskID string, relations ...models.EdgeRelation) ([]*models.Edge, error) {
	query := `SELECT id, task_id, relation, source_type, source_id, target_type, target_id, created_at
	          FROM edges WHERE task_id = ?`
	args := []interface{}{taskID}

	if len(relations) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(relations)), ", ")
		query += fmt.Sprintf(" AND relation IN (%s)", placeholders)
		for _, r := range relations {
			args = append(args, string(r))
		}
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	defer rows.Close()

	var edges []*models.Edge
	for rows.Next() {
		var e models.Edge
		var relation, sourceType, targetType string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.TaskID, &relation, &sourceType, &e.SourceID, &targetType, &e.TargetID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		e.Relation = models.EdgeRelation(relation)
		e.SourceType = models.NodeType(sourceType)
		e.TargetType = models.NodeType(targetType)
		e.CreatedAt = unixToTime(createdAt)
		edges = append(edges, &e)
	}
	return edges, rows.Err()
}

// UpdateEdgeRelation rewrites an edge's relation label
func (s *EvidenceStorage) UpdateEdgeRelation(ctx context.Context, edgeID string, relation models.EdgeRelation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !models.ValidEdgeRelation(relation) {
		return fmt.Errorf("unknown edge relation: %s", relation)
	}

	res, err := s.db.db.ExecContext(ctx,
		`UPDATE edges SET relation = ? WHERE id = ?`,
		string(relation), edgeID,
	)
	if err != nil {
		return fmt.Errorf("failed to update edge relation: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ---- Resource index ----

// RegisterResource indexes a page under (task, kind, key). A duplicate
// key leaves the existing row in place and reports inserted=false.
func (s *EvidenceStorage) RegisterResource(ctx context.Context, entry *models.ResourceIndexEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO resource_index (task_id, kind, key, page_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.TaskID,
		entry.Kind,
		entry.Key,
		entry.PageID,
		entry.CreatedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to register resource: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected > 0, nil
}

// LookupResource returns the page registered under (task, kind, key)
func (s *EvidenceStorage) LookupResource(ctx context.Context, taskID, kind, key string) (string, error) {
	var pageID string
	err := s.db.db.QueryRowContext(ctx,
		`SELECT page_id FROM resource_index WHERE task_id = ? AND kind = ? AND key = ?`,
		taskID, kind, key,
	).Scan(&pageID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", models.ErrNotFound
		}
		return "", fmt.Errorf("failed to lookup resource: %w", err)
	}
	return pageID, nil
}

// ListResources lists a task's index entries of one kind, oldest first
func (s *EvidenceStorage) ListResources(ctx context.Context, taskID, kind string) ([]*models.ResourceIndexEntry, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT task_id, kind, key, page_id, created_at
		 FROM resource_index WHERE task_id = ? AND kind = ?
		 ORDER BY created_at ASC, rowid ASC`, taskID, kind,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	var entries []*models.ResourceIndexEntry
	for rows.Next() {
		var e models.ResourceIndexEntry
		var createdAt int64
		if err := rows.Scan(&e.TaskID, &e.Kind, &e.Key, &e.PageID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		e.CreatedAt = unixToTime(createdAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// ---- Correction log ----

// AppendCorrection records an edge-correction training sample
func (s *EvidenceStorage) AppendCorrection(ctx context.Context, sample *models.CorrectionSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.db.ExecContext(ctx,
		`INSERT INTO correction_log (task_id, edge_id, old_relation, new_relation, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		nullString(sample.TaskID),
		sample.EdgeID,
		string(sample.OldRelation),
		string(sample.NewRelation),
		sample.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to append correction: %w", err)
	}
	return nil
}

// ListCorrections lists correction samples newest first
func (s *EvidenceStorage) ListCorrections(ctx context.Context, taskID string, limit int) ([]*models.CorrectionSample, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, task_id, edge_id, old_relation, new_relation, created_at FROM correction_log`
	args := []interface{}{}
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list corrections: %w", err)
	}
	defer rows.Close()

	var samples []*models.CorrectionSample
	for rows.Next() {
		var sm models.CorrectionSample
		var taskIDVal sql.NullString
		var oldRel, newRel string
		var createdAt int64
		if err := rows.Scan(&sm.ID, &taskIDVal, &sm.EdgeID, &oldRel, &newRel, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan correction: %w", err)
		}
		if taskIDVal.Valid {
			sm.TaskID = taskIDVal.String
		}
		sm.OldRelation = models.EdgeRelation(oldRel)
		sm.NewRelation = models.EdgeRelation(newRel)
		sm.CreatedAt = unixToTime(createdAt)
		samples = append(samples, &sm)
	}
	return samples, rows.Err()
}

// ---- Scan helpers ----

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func scanPage(row *sql.Row) (*models.Page, error) {
	var p models.Page
	var searchID, title, doi, contentType sql.NullString
	var fetchedAt int64

	err := row.Scan(&p.ID, &p.TaskID, &searchID, &p.URL, &title, &doi, &contentType, &p.HTTPStatus, &fetchedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan page: %w", err)
	}
	applyPageNulls(&p, searchID, title, doi, contentType)
	p.FetchedAt = unixToTime(fetchedAt)
	return &p, nil
}

func scanPageRow(rows *sql.Rows) (*models.Page, error) {
	var p models.Page
	var searchID, title, doi, contentType sql.NullString
	var fetchedAt int64

	err := rows.Scan(&p.ID, &p.TaskID, &searchID, &p.URL, &title, &doi, &contentType, &p.HTTPStatus, &fetchedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan page: %w", err)
	}
	applyPageNulls(&p, searchID, title, doi, contentType)
	p.FetchedAt = unixToTime(fetchedAt)
	return &p, nil
}

func applyPageNulls(p *models.Page, searchID, title, doi, contentType sql.NullString) {
	if searchID.Valid {
		p.SearchID = searchID.String
	}
	if title.Valid {
		p.Title = title.String
	}
	if doi.Valid {
		p.DOI = doi.String
	}
	if contentType.Valid {
		p.ContentType = contentType.String
	}
}
