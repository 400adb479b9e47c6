package entitystore

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	kerrors "github.com/vinayprograms/taskkernel/errors"
	"github.com/vinayprograms/taskkernel/pipeline"
)

// timeFormat has fixed-width fractions so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// EntityContent is the entity type that flows through the pipeline stages.
const EntityContent = "content"

// Project statuses.
const (
	ProjectActive   = "active"
	ProjectArchived = "archived"
)

// Keyword statuses.
const (
	KeywordPending = "pending"
	KeywordUsed    = "used"
)

// Store reads and writes pipeline entities.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore wraps an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

type Project struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type Entity struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	CampaignID string    `json:"campaign_id"`
	Type       string    `json:"entity_type"`
	Title      string    `json:"title"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func campaignOrDefault(campaignID string) string {
	if campaignID == "" {
		return pipeline.DefaultCampaign
	}
	return campaignID
}

// CreateProject registers a project for a tenant.
func (s *Store) CreateProject(ctx context.Context, tenantID, name string) (Project, error) {
	if tenantID == "" || name == "" {
		return Project{}, kerrors.InvalidInput("tenant_id and name are required")
	}
	p := Project{ID: newID(), TenantID: tenantID, Name: name, Status: ProjectActive, CreatedAt: s.now()}
	_, err := s.db.ExecContext(ctx, `INSERT INTO projects (id, tenant_id, name, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.Name, p.Status, p.CreatedAt.Format(timeFormat))
	if err != nil {
		return Project{}, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

// SetProjectStatus archives or reactivates a project.
func (s *Store) SetProjectStatus(ctx context.Context, projectID, status string) error {
	if status != ProjectActive && status != ProjectArchived {
		return kerrors.Newf(kerrors.ErrCodeInvalidInput, "invalid project status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE projects SET status = ? WHERE id = ?`, status, projectID)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return requireRow(res, "project "+projectID)
}

// VerifyOwnership reports whether tenantID owns projectID.
func (s *Store) VerifyOwnership(ctx context.Context, tenantID, projectID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects WHERE id = ? AND tenant_id = ?`, projectID, tenantID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("verify ownership: %w", err)
	}
	return n > 0, nil
}

// ResolveActiveProject returns the tenant's only active project, or "" when
// the tenant has none or several.
func (s *Store) ResolveActiveProject(ctx context.Context, tenantID string) (string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM projects WHERE tenant_id = ? AND status = ? LIMIT 2`, tenantID, ProjectActive)
	if err != nil {
		return "", fmt.Errorf("resolve project: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("scan project: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate projects: %w", err)
	}
	if len(ids) != 1 {
		return "", nil
	}
	return ids[0], nil
}

// AddEntity inserts a work item at the given stage.
func (s *Store) AddEntity(ctx context.Context, projectID, campaignID, entityType, title, status string) (Entity, error) {
	if !slices.Contains(pipeline.Stages, status) {
		return Entity{}, kerrors.Newf(kerrors.ErrCodeInvalidInput, "invalid stage %q", status)
	}
	if entityType == "" {
		entityType = EntityContent
	}
	now := s.now()
	e := Entity{
		ID:         newID(),
		ProjectID:  projectID,
		CampaignID: campaignOrDefault(campaignID),
		Type:       entityType,
		Title:      title,
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO entities (id, project_id, campaign_id, entity_type, title, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.CampaignID, e.Type, e.Title, e.Status, now.Format(timeFormat), now.Format(timeFormat))
	if err != nil {
		return Entity{}, fmt.Errorf("insert entity: %w", err)
	}
	return e, nil
}

// UpdateStatus moves a work item to another stage.
func (s *Store) UpdateStatus(ctx context.Context, entityID, status string) error {
	if !slices.Contains(pipeline.Stages, status) {
		return kerrors.Newf(kerrors.ErrCodeInvalidInput, "invalid stage %q", status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE entities SET status = ?, updated_at = ? WHERE id = ?`,
		status, s.now().Format(timeFormat), entityID)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	return requireRow(res, "entity "+entityID)
}

// ListEntities returns work items at a stage, oldest first. An empty status
// lists every stage.
func (s *Store) ListEntities(ctx context.Context, projectID, campaignID, status string, limit int) ([]Entity, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, project_id, campaign_id, entity_type, title, status, created_at, updated_at
		FROM entities WHERE project_id = ? AND campaign_id = ?`
	args := []any{projectID, campaignOrDefault(campaignID)}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var e Entity
		var createdAt, updatedAt string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.CampaignID, &e.Type, &e.Title, &e.Status, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return out, nil
}

// AddAnchor records a seed topic for keyword generation.
func (s *Store) AddAnchor(ctx context.Context, projectID, campaignID, term string) (string, error) {
	id := newID()
	_, err := s.db.ExecContext(ctx, `INSERT INTO anchors (id, project_id, campaign_id, term, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, projectID, campaignOrDefault(campaignID), term, s.now().Format(timeFormat))
	if err != nil {
		return "", fmt.Errorf("insert anchor: %w", err)
	}
	return id, nil
}

// AddKeyword records a pending keyword. anchorID may be empty.
func (s *Store) AddKeyword(ctx context.Context, projectID, campaignID, anchorID, term string) (string, error) {
	id := newID()
	var anchor any
	if anchorID != "" {
		anchor = anchorID
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO keywords (id, project_id, campaign_id, anchor_id, term, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, projectID, campaignOrDefault(campaignID), anchor, term, KeywordPending, s.now().Format(timeFormat))
	if err != nil {
		return "", fmt.Errorf("insert keyword: %w", err)
	}
	return id, nil
}

// MarkKeywordUsed records that a keyword has been turned into a work item.
func (s *Store) MarkKeywordUsed(ctx context.Context, keywordID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE keywords SET status = ? WHERE id = ?`, KeywordUsed, keywordID)
	if err != nil {
		return fmt.Errorf("update keyword: %w", err)
	}
	return requireRow(res, "keyword "+keywordID)
}

// CountByStatus groups a project's entities of one type by status.
func (s *Store) CountByStatus(ctx context.Context, projectID, campaignID, entityType string) (map[string]int, error) {
	return countByStatus(ctx, s.db, projectID, campaignOrDefault(campaignID), entityType)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func countByStatus(ctx context.Context, q querier, projectID, campaignID, entityType string) (map[string]int, error) {
	rows, err := q.QueryContext(ctx, `SELECT status, COUNT(*) FROM entities
		WHERE project_id = ? AND campaign_id = ? AND entity_type = ? GROUP BY status`,
		projectID, campaignID, entityType)
	if err != nil {
		return nil, fmt.Errorf("count entities: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

// StageCounts derives the pipeline snapshot for a project. Reads run in
// one transaction so the counts are mutually consistent.
func (s *Store) StageCounts(ctx context.Context, projectID, campaignID string) (pipeline.Counts, error) {
	campaignID = campaignOrDefault(campaignID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pipeline.Counts{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	byStatus, err := countByStatus(ctx, tx, projectID, campaignID, EntityContent)
	if err != nil {
		return pipeline.Counts{}, err
	}

	c := pipeline.Counts{
		Unreviewed: byStatus[pipeline.StageUnreviewed],
		Validated:  byStatus[pipeline.StageValidated],
		Linked:     byStatus[pipeline.StageLinked],
		Imaged:     byStatus[pipeline.StageImaged],
		Ready:      byStatus[pipeline.StageReady],
		Published:  byStatus[pipeline.StagePublished],
	}

	err = tx.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM keywords WHERE project_id = ? AND campaign_id = ?`,
		KeywordPending, projectID, campaignID).Scan(&c.TotalKeywords, &c.PendingKeywords)
	if err != nil {
		return pipeline.Counts{}, fmt.Errorf("count keywords: %w", err)
	}

	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM anchors WHERE project_id = ? AND campaign_id = ?`,
		projectID, campaignID).Scan(&c.Anchors)
	if err != nil {
		return pipeline.Counts{}, fmt.Errorf("count anchors: %w", err)
	}
	return c, nil
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return kerrors.NotFound(what + " not found")
	}
	return nil
}

type Anchor struct {
	ID   string `json:"id"`
	Term string `json:"term"`
}

type Keyword struct {
	ID       string `json:"id"`
	AnchorID string `json:"anchor_id,omitempty"`
	Term     string `json:"term"`
	Status   string `json:"status"`
}

// ListAnchors returns a campaign's anchors, oldest first.
func (s *Store) ListAnchors(ctx context.Context, projectID, campaignID string) ([]Anchor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, term FROM anchors WHERE project_id = ? AND campaign_id = ? ORDER BY created_at ASC, id ASC`,
		projectID, campaignOrDefault(campaignID))
	if err != nil {
		return nil, fmt.Errorf("list anchors: %w", err)
	}
	defer rows.Close()

	var out []Anchor
	for rows.Next() {
		var a Anchor
		if err := rows.Scan(&a.ID, &a.Term); err != nil {
			return nil, fmt.Errorf("scan anchor: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate anchors: %w", err)
	}
	return out, nil
}

// ListKeywords returns a campaign's keywords with the given status (all
// when empty), oldest first.
func (s *Store) ListKeywords(ctx context.Context, projectID, campaignID, status string, limit int) ([]Keyword, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, COALESCE(anchor_id, ''), term, status FROM keywords WHERE project_id = ? AND campaign_id = ?`
	args := []any{projectID, campaignOrDefault(campaignID)}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list keywords: %w", err)
	}
	defer rows.Close()

	var out []Keyword
	for rows.Next() {
		var k Keyword
		if err := rows.Scan(&k.ID, &k.AnchorID, &k.Term, &k.Status); err != nil {
			return nil, fmt.Errorf("scan keyword: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keywords: %w", err)
	}
	return out, nil
}
