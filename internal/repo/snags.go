package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"snagline/internal/domain"
)

const snagColumns = `s.id,s.query_no,s.description,s.location,s.project_name,s.possible_solution,s.utm_coordinates,
s.photos_json,s.status,s.priority,s.cost_estimate,s.due_date,s.assigned_contractor_id,s.authority_feedback,
s.authority_comment,s.contractor_completed,s.authority_approved,s.work_started_date,s.work_completed_date,
s.contractor_completion_date,s.created_by_id,s.created_by_name,s.created_at,s.updated_at`

type snagRow struct {
	ID                       string          `db:"id"`
	QueryNo                  int             `db:"query_no"`
	Description              string          `db:"description"`
	Location                 string          `db:"location"`
	ProjectName              string          `db:"project_name"`
	PossibleSolution         sql.NullString  `db:"possible_solution"`
	UTMCoordinates           sql.NullString  `db:"utm_coordinates"`
	PhotosJSON               string          `db:"photos_json"`
	Status                   string          `db:"status"`
	Priority                 string          `db:"priority"`
	CostEstimate             sql.NullFloat64 `db:"cost_estimate"`
	DueDate                  sql.NullString  `db:"due_date"`
	AssignedContractorID     sql.NullString  `db:"assigned_contractor_id"`
	AuthorityFeedback        sql.NullString  `db:"authority_feedback"`
	AuthorityComment         sql.NullString  `db:"authority_comment"`
	ContractorCompleted      bool            `db:"contractor_completed"`
	AuthorityApproved        bool            `db:"authority_approved"`
	WorkStartedDate          sql.NullString  `db:"work_started_date"`
	WorkCompletedDate        sql.NullString  `db:"work_completed_date"`
	ContractorCompletionDate sql.NullString  `db:"contractor_completion_date"`
	CreatedByID              string          `db:"created_by_id"`
	CreatedByName            string          `db:"created_by_name"`
	CreatedAt                string          `db:"created_at"`
	UpdatedAt                string          `db:"updated_at"`
}

func (r snagRow) snag() (domain.Snag, error) {
	s := domain.Snag{
		ID:                   r.ID,
		QueryNo:              r.QueryNo,
		Description:          r.Description,
		Location:             r.Location,
		ProjectName:          r.ProjectName,
		PossibleSolution:     stringPtr(r.PossibleSolution),
		UTMCoordinates:       stringPtr(r.UTMCoordinates),
		Status:               domain.Status(r.Status),
		Priority:             domain.Priority(r.Priority),
		AssignedContractorID: stringPtr(r.AssignedContractorID),
		AuthorityFeedback:    stringPtr(r.AuthorityFeedback),
		AuthorityComment:     stringPtr(r.AuthorityComment),
		ContractorCompleted:  r.ContractorCompleted,
		AuthorityApproved:    r.AuthorityApproved,
		CreatedByID:          r.CreatedByID,
		CreatedByName:        r.CreatedByName,
	}
	if r.CostEstimate.Valid {
		v := r.CostEstimate.Float64
		s.CostEstimate = &v
	}
	if r.PhotosJSON != "" {
		if err := json.Unmarshal([]byte(r.PhotosJSON), &s.Photos); err != nil {
			return s, fmt.Errorf("snag %s photos: %w", r.ID, err)
		}
	}
	var err error
	for _, tf := range []struct {
		dst **time.Time
		src sql.NullString
	}{
		{&s.DueDate, r.DueDate},
		{&s.WorkStartedDate, r.WorkStartedDate},
		{&s.WorkCompletedDate, r.WorkCompletedDate},
		{&s.ContractorCompletionDate, r.ContractorCompletionDate},
	} {
		if *tf.dst, err = parseNullTime(tf.src); err != nil {
			return s, fmt.Errorf("snag %s: %w", r.ID, err)
		}
	}
	if s.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return s, fmt.Errorf("snag %s created_at: %w", r.ID, err)
	}
	if s.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return s, fmt.Errorf("snag %s updated_at: %w", r.ID, err)
	}
	return s, nil
}

func photosJSON(photos []string) string {
	if photos == nil {
		photos = []string{}
	}
	b, _ := json.Marshal(photos)
	return string(b)
}

// NextQueryNo atomically allocates the next query number for a project.
// The counter never falls behind the project's highest query_no, which can
// grow when a snag is moved in from another project.
func (r Repo) NextQueryNo(ctx context.Context, tx sqlx.ExtContext, project string) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, tx, &n, `INSERT INTO project_counters(project_name, last_query_no)
VALUES (?, COALESCE((SELECT MAX(query_no) FROM snags WHERE project_name=?), 0) + 1)
ON CONFLICT(project_name) DO UPDATE SET last_query_no =
	MAX(last_query_no, COALESCE((SELECT MAX(query_no) FROM snags WHERE project_name=?), 0)) + 1
RETURNING last_query_no`, project, project, project)
	if err != nil {
		return 0, fmt.Errorf("allocate query_no: %w", err)
	}
	return n, nil
}

func (r Repo) InsertSnag(ctx context.Context, tx sqlx.ExtContext, s domain.Snag) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO snags(id,query_no,description,location,project_name,possible_solution,utm_coordinates,
photos_json,status,priority,cost_estimate,due_date,assigned_contractor_id,authority_feedback,authority_comment,
contractor_completed,authority_approved,work_started_date,work_completed_date,contractor_completion_date,
created_by_id,created_by_name,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.QueryNo, s.Description, s.Location, s.ProjectName, nullableStringPtr(s.PossibleSolution), nullableStringPtr(s.UTMCoordinates),
		photosJSON(s.Photos), string(s.Status), string(s.Priority), nullableFloat(s.CostEstimate), nullableTime(s.DueDate),
		nullableStringPtr(s.AssignedContractorID), nullableStringPtr(s.AuthorityFeedback), nullableStringPtr(s.AuthorityComment),
		s.ContractorCompleted, s.AuthorityApproved, nullableTime(s.WorkStartedDate), nullableTime(s.WorkCompletedDate),
		nullableTime(s.ContractorCompletionDate), s.CreatedByID, s.CreatedByName, FormatTime(s.CreatedAt), FormatTime(s.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("snag %s #%d: %w", s.ProjectName, s.QueryNo, ErrDuplicate)
		}
		return fmt.Errorf("insert snag: %w", err)
	}
	return r.replaceAuthorities(ctx, tx, s.ID, s.AuthorityIDs)
}

func (r Repo) replaceAuthorities(ctx context.Context, tx sqlx.ExtContext, snagID string, ids []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM snag_authorities WHERE snag_id=?`, snagID); err != nil {
		return fmt.Errorf("clear authorities: %w", err)
	}
	for i, id := range domain.NormalizeAuthorityIDs(ids) {
		if _, err := tx.ExecContext(ctx, `INSERT INTO snag_authorities(snag_id,user_id,position) VALUES (?,?,?)`, snagID, id, i); err != nil {
			return fmt.Errorf("insert authority: %w", err)
		}
	}
	return nil
}

// snagColumnValue maps an update field name to its column and stored value.
func snagColumnValue(s domain.Snag, field string) (string, any, bool) {
	switch field {
	case "description":
		return field, s.Description, true
	case "location":
		return field, s.Location, true
	case "project_name":
		return field, s.ProjectName, true
	case "possible_solution":
		return field, nullableStringPtr(s.PossibleSolution), true
	case "utm_coordinates":
		return field, nullableStringPtr(s.UTMCoordinates), true
	case "photos":
		return "photos_json", photosJSON(s.Photos), true
	case "status":
		return field, string(s.Status), true
	case "priority":
		return field, string(s.Priority), true
	case "cost_estimate":
		return field, nullableFloat(s.CostEstimate), true
	case "due_date":
		return field, nullableTime(s.DueDate), true
	case "assigned_contractor_id":
		return field, nullableStringPtr(s.AssignedContractorID), true
	case "authority_feedback":
		return field, nullableStringPtr(s.AuthorityFeedback), true
	case "authority_comment":
		return field, nullableStringPtr(s.AuthorityComment), true
	case "contractor_completed":
		return field, s.ContractorCompleted, true
	case "authority_approved":
		return field, s.AuthorityApproved, true
	case "work_started_date":
		return field, nullableTime(s.WorkStartedDate), true
	case "work_completed_date":
		return field, nullableTime(s.WorkCompletedDate), true
	case "contractor_completion_date":
		return field, nullableTime(s.ContractorCompletionDate), true
	}
	return "", nil, false
}

// UpdateSnagFields writes only the named fields plus updated_at.
// "assigned_authority_ids" rewrites the authority list.
func (r Repo) UpdateSnagFields(ctx context.Context, tx sqlx.ExtContext, s domain.Snag, fields []string) error {
	sets := []string{"updated_at=?"}
	args := []any{FormatTime(s.UpdatedAt)}
	authorities := false
	for _, f := range fields {
		if f == "assigned_authority_ids" {
			authorities = true
			continue
		}
		col, val, ok := snagColumnValue(s, f)
		if !ok {
			return fmt.Errorf("update snag: unknown field %s", f)
		}
		sets = append(sets, col+"=?")
		args = append(args, val)
	}
	args = append(args, s.ID)
	res, err := tx.ExecContext(ctx, `UPDATE snags SET `+strings.Join(sets, ",")+` WHERE id=?`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("snag %s #%d: %w", s.ProjectName, s.QueryNo, ErrDuplicate)
		}
		return fmt.Errorf("update snag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if authorities {
		return r.replaceAuthorities(ctx, tx, s.ID, s.AuthorityIDs)
	}
	return nil
}

// DeleteSnag removes a snag and its authority rows.
func (r Repo) DeleteSnag(ctx context.Context, tx sqlx.ExtContext, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM snags WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete snag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetSnag(ctx context.Context, id string) (domain.Snag, error) {
	return r.GetSnagTx(ctx, r.DB, id)
}

func (r Repo) GetSnagTx(ctx context.Context, q sqlx.QueryerContext, id string) (domain.Snag, error) {
	items, err := r.selectSnags(ctx, q, `SELECT `+snagColumns+` FROM snags s WHERE s.id=?`, id)
	if err != nil {
		return domain.Snag{}, err
	}
	if len(items) == 0 {
		return domain.Snag{}, ErrNotFound
	}
	return items[0], nil
}

// LatestSnagWithAuthorities returns the most recently created snag of a
// project that carries at least one authority.
func (r Repo) LatestSnagWithAuthorities(ctx context.Context, q sqlx.QueryerContext, project string) (domain.Snag, error) {
	items, err := r.selectSnags(ctx, q, `SELECT `+snagColumns+` FROM snags s
WHERE s.project_name=? AND EXISTS (SELECT 1 FROM snag_authorities a WHERE a.snag_id=s.id)
ORDER BY s.created_at DESC, s.rowid DESC LIMIT 1`, project)
	if err != nil {
		return domain.Snag{}, err
	}
	if len(items) == 0 {
		return domain.Snag{}, ErrNotFound
	}
	return items[0], nil
}

// SnagFilters narrows ListSnags. Scope fields carry the caller's role
// restriction and are ANDed with the explicit filters.
type SnagFilters struct {
	Status            string
	Priority          string
	Location          string
	Project           string
	ContractorID      string
	ScopeContractorID string
	ScopeAuthorityID  string
	Limit             int
}

func (r Repo) ListSnags(ctx context.Context, f SnagFilters) ([]domain.Snag, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "s.status=?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		clauses = append(clauses, "s.priority=?")
		args = append(args, f.Priority)
	}
	if f.Location != "" {
		clauses = append(clauses, "instr(lower(s.location), lower(?)) > 0")
		args = append(args, f.Location)
	}
	if f.Project != "" {
		clauses = append(clauses, "instr(lower(s.project_name), lower(?)) > 0")
		args = append(args, f.Project)
	}
	if f.ContractorID != "" {
		clauses = append(clauses, "s.assigned_contractor_id=?")
		args = append(args, f.ContractorID)
	}
	if f.ScopeContractorID != "" {
		clauses = append(clauses, "s.assigned_contractor_id=?")
		args = append(args, f.ScopeContractorID)
	}
	if f.ScopeAuthorityID != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM snag_authorities a WHERE a.snag_id=s.id AND a.user_id=?)")
		args = append(args, f.ScopeAuthorityID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + snagColumns + ` FROM snags s ` + where + ` ORDER BY s.created_at DESC, s.rowid DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.selectSnags(ctx, r.DB, query, args...)
}

func (r Repo) selectSnags(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) ([]domain.Snag, error) {
	var rows []snagRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []domain.Snag{}, nil
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	authorities, err := r.authoritiesFor(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	res := make([]domain.Snag, 0, len(rows))
	for _, row := range rows {
		s, err := row.snag()
		if err != nil {
			return nil, err
		}
		s.AuthorityIDs = authorities[s.ID]
		if s.AuthorityIDs == nil {
			s.AuthorityIDs = []string{}
		}
		res = append(res, s)
	}
	return res, nil
}

func (r Repo) authoritiesFor(ctx context.Context, q sqlx.QueryerContext, snagIDs []string) (map[string][]string, error) {
	query, args, err := sqlx.In(`SELECT snag_id,user_id FROM snag_authorities WHERE snag_id IN (?) ORDER BY snag_id, position`, snagIDs)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		SnagID string `db:"snag_id"`
		UserID string `db:"user_id"`
	}
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("load authorities: %w", err)
	}
	out := make(map[string][]string, len(snagIDs))
	for _, row := range rows {
		out[row.SnagID] = append(out[row.SnagID], row.UserID)
	}
	return out, nil
}

// AuthorityUsage counts how often a user was assigned as authority in a project.
type AuthorityUsage struct {
	UserID   string `db:"user_id"`
	Count    int    `db:"uses"`
	LastUsed string `db:"last_used"`
}

// TopAuthorities ranks a project's authorities by assignment count, then recency.
func (r Repo) TopAuthorities(ctx context.Context, project string, limit int) ([]AuthorityUsage, error) {
	var rows []AuthorityUsage
	err := r.DB.SelectContext(ctx, &rows, `SELECT a.user_id AS user_id, COUNT(*) AS uses, MAX(s.created_at) AS last_used
FROM snag_authorities a JOIN snags s ON s.id=a.snag_id
WHERE s.project_name=?
GROUP BY a.user_id
ORDER BY uses DESC, last_used DESC
LIMIT ?`, project, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// LastUsedTime parses LastUsed.
func (u AuthorityUsage) LastUsedTime() time.Time {
	t, _ := parseTime(u.LastUsed)
	return t
}

// DashboardCounts aggregates snag counts. A non-empty contractorID scopes
// the counts to that contractor's snags.
func (r Repo) DashboardCounts(ctx context.Context, contractorID string) (domain.DashboardStats, error) {
	var row struct {
		Total      int `db:"total"`
		Open       int `db:"open"`
		InProgress int `db:"in_progress"`
		Resolved   int `db:"resolved"`
		Verified   int `db:"verified"`
		High       int `db:"high"`
	}
	query := `SELECT COUNT(*) AS total,
COALESCE(SUM(CASE WHEN status='open' THEN 1 ELSE 0 END),0) AS open,
COALESCE(SUM(CASE WHEN status='in_progress' THEN 1 ELSE 0 END),0) AS in_progress,
COALESCE(SUM(CASE WHEN status='resolved' THEN 1 ELSE 0 END),0) AS resolved,
COALESCE(SUM(CASE WHEN status='verified' THEN 1 ELSE 0 END),0) AS verified,
COALESCE(SUM(CASE WHEN priority='high' THEN 1 ELSE 0 END),0) AS high
FROM snags`
	var args []any
	if contractorID != "" {
		query += ` WHERE assigned_contractor_id=?`
		args = append(args, contractorID)
	}
	if err := r.DB.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.DashboardStats{}, nil
		}
		return domain.DashboardStats{}, err
	}
	return domain.DashboardStats{
		TotalSnags:        row.Total,
		OpenSnags:         row.Open,
		InProgressSnags:   row.InProgress,
		ResolvedSnags:     row.Resolved,
		VerifiedSnags:     row.Verified,
		HighPrioritySnags: row.High,
	}, nil
}

// ProjectNames lists distinct project names in order.
func (r Repo) ProjectNames(ctx context.Context) ([]string, error) {
	names := []string{}
	if err := r.DB.SelectContext(ctx, &names, `SELECT DISTINCT project_name FROM snags ORDER BY project_name`); err != nil {
		return nil, err
	}
	return names, nil
}
