package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"snagline/internal/directory"
	"snagline/internal/domain"
	"snagline/internal/engine/auth"
	"snagline/internal/engine/workflow"
	"snagline/internal/events"
	"snagline/internal/logger"
	"snagline/internal/notify"
	"snagline/internal/realtime"
	"snagline/internal/repo"
)

const (
	entitySnag = "snag"
	entityUser = "user"

	suggestedAuthorityLimit = 3
)

type Engine struct {
	DB        *sqlx.DB
	Repo      repo.Repo
	Events    events.Writer
	Directory *directory.Directory
	Notify    notify.Service
	Live      realtime.Publisher
	Log       *logger.Logger
	Now       func() time.Time
}

// New wires the engine over db. live receives every broadcast and
// per-user push; it may be nil when nothing listens.
func New(db *sqlx.DB, live realtime.Publisher, log *logger.Logger) Engine {
	if log == nil {
		log = logger.Nop()
	}
	r := repo.Repo{DB: db}
	dir := directory.New(r, log, 0)
	return Engine{
		DB:        db,
		Repo:      r,
		Events:    events.Writer{Now: time.Now},
		Directory: dir,
		Notify:    notify.Service{Repo: r, Directory: dir, Live: live, Log: log.With("service", "Notify"), Now: time.Now},
		Live:      live,
		Log:       log.With("service", "SnagEngine"),
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *logger.Logger {
	if e.Log == nil {
		return logger.Nop()
	}
	return e.Log
}

func (e Engine) view(ctx context.Context, s domain.Snag) domain.SnagView {
	if e.Directory == nil {
		return s.View(nil)
	}
	return s.View(e.Directory.Names(ctx))
}

func (e Engine) name(ctx context.Context, id string) string {
	if e.Directory == nil {
		return ""
	}
	return e.Directory.Name(ctx, id)
}

func (e Engine) broadcast(ctx context.Context, event string, data any) {
	if e.Live == nil {
		return
	}
	e.Live.BroadcastAll(ctx, realtime.SnagUpdate(event, data, e.now()))
}

// SnagCreateOptions are parameters for creating a snag. AuthorityIDsSet
// records whether the caller supplied AuthorityIDs at all; when it is false
// and no single authority is named, the project's previous assignment is
// reused.
type SnagCreateOptions struct {
	Description          string
	Location             string
	ProjectName          string
	PossibleSolution     *string
	UTMCoordinates       *string
	Photos               []string
	Priority             domain.Priority
	CostEstimate         *float64
	DueDate              *time.Time
	AssignedContractorID string
	AssignedAuthorityID  string
	AuthorityIDs         []string
	AuthorityIDsSet      bool
}

func (o SnagCreateOptions) validate() error {
	for field, v := range map[string]string{
		"description":  o.Description,
		"location":     o.Location,
		"project_name": o.ProjectName,
	} {
		if strings.TrimSpace(v) == "" {
			return domain.ValidationError{Field: field, Reason: "is required"}
		}
	}
	if o.Priority != "" && !o.Priority.Valid() {
		return domain.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", o.Priority)}
	}
	return nil
}

// CreateSnag records a new snag with the next query number of its project.
func (e Engine) CreateSnag(ctx context.Context, actor domain.User, opts SnagCreateOptions) (domain.SnagView, error) {
	if err := auth.Require(actor.Role, auth.ActionCreateSnag); err != nil {
		return domain.SnagView{}, err
	}
	if err := opts.validate(); err != nil {
		return domain.SnagView{}, err
	}
	priority := opts.Priority
	if priority == "" {
		priority = domain.PriorityMedium
	}
	now := e.now().UTC()
	s := domain.Snag{
		ID:                   uuid.NewString(),
		Description:          strings.TrimSpace(opts.Description),
		Location:             strings.TrimSpace(opts.Location),
		ProjectName:          strings.TrimSpace(opts.ProjectName),
		PossibleSolution:     trimmed(opts.PossibleSolution),
		UTMCoordinates:       trimmed(opts.UTMCoordinates),
		Photos:               append([]string{}, opts.Photos...),
		Status:               domain.StatusOpen,
		Priority:             priority,
		CostEstimate:         opts.CostEstimate,
		DueDate:              utc(opts.DueDate),
		AssignedContractorID: trimmed(&opts.AssignedContractorID),
		CreatedByID:          actor.ID,
		CreatedByName:        actor.Name,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.SnagView{}, err
	}
	defer tx.Rollback()

	ids := opts.AuthorityIDs
	if !opts.AuthorityIDsSet && strings.TrimSpace(opts.AssignedAuthorityID) == "" {
		prev, err := e.Repo.LatestSnagWithAuthorities(ctx, tx, s.ProjectName)
		switch {
		case err == nil:
			ids = prev.AuthorityIDs
		case !errors.Is(err, repo.ErrNotFound):
			return domain.SnagView{}, fmt.Errorf("previous authority: %w", err)
		}
	}
	s.AuthorityIDs = domain.PromoteAuthority(ids, opts.AssignedAuthorityID)

	if s.QueryNo, err = e.Repo.NextQueryNo(ctx, tx, s.ProjectName); err != nil {
		return domain.SnagView{}, err
	}
	if err := e.Repo.InsertSnag(ctx, tx, s); err != nil {
		return domain.SnagView{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       events.SnagCreated,
		Project:    s.ProjectName,
		EntityKind: entitySnag,
		EntityID:   s.ID,
		ActorID:    actor.ID,
		Payload:    events.EventPayload{"query_no": s.QueryNo, "status": s.Status, "priority": s.Priority, "assigned_authority_ids": s.AuthorityIDs},
	}); err != nil {
		return domain.SnagView{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SnagView{}, err
	}
	e.log().Info("snag created", "snag_id", s.ID, "project", s.ProjectName, "query_no", s.QueryNo)

	// committed work is announced even if the caller goes away
	ctx = context.WithoutCancel(ctx)
	e.Notify.Dispatch(ctx, s.ID, workflow.CreationDirectives(s))
	v := e.view(ctx, s)
	e.broadcast(ctx, realtime.EventCreated, v)
	return v, nil
}

// UpdateSnag applies a partial update on behalf of actor. Concurrent
// updates to one snag are last-write-wins per column.
func (e Engine) UpdateSnag(ctx context.Context, actor domain.User, id string, p workflow.Patch) (domain.SnagView, error) {
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.SnagView{}, err
	}
	defer tx.Rollback()

	current, err := e.Repo.GetSnagTx(ctx, tx, id)
	if err != nil {
		return domain.SnagView{}, err
	}
	d, err := workflow.Evaluate(current, actor, p, e.now())
	if err != nil {
		return domain.SnagView{}, err
	}
	d.Snag.UpdatedAt = e.now().UTC()

	fields := make([]string, 0, len(d.Changed))
	for _, f := range d.Changed {
		fields = append(fields, string(f))
	}
	if err := e.Repo.UpdateSnagFields(ctx, tx, d.Snag, fields); err != nil {
		return domain.SnagView{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       events.SnagUpdated,
		Project:    d.Snag.ProjectName,
		EntityKind: entitySnag,
		EntityID:   d.Snag.ID,
		ActorID:    actor.ID,
		Payload:    events.EventPayload{"fields": fields, "status": d.Snag.Status, "previous_status": d.PreviousStatus},
	}); err != nil {
		return domain.SnagView{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SnagView{}, err
	}
	if d.StatusChanged() {
		e.log().Info("snag status changed", "snag_id", id, "from", d.PreviousStatus, "to", d.Snag.Status)
	}

	ctx = context.WithoutCancel(ctx)
	e.Notify.Dispatch(ctx, d.Snag.ID, d.Directives)
	v := e.view(ctx, d.Snag)
	e.broadcast(ctx, realtime.EventUpdated, v)
	return v, nil
}

// DeletedSnag is the broadcast payload for a deletion.
type DeletedSnag struct {
	ID      string `json:"id"`
	QueryNo int    `json:"query_no"`
}

// DeleteSnag removes a snag. Only managers may delete.
func (e Engine) DeleteSnag(ctx context.Context, actor domain.User, id string) (DeletedSnag, error) {
	if err := auth.Require(actor.Role, auth.ActionDeleteSnag); err != nil {
		return DeletedSnag{}, err
	}
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return DeletedSnag{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSnagTx(ctx, tx, id)
	if err != nil {
		return DeletedSnag{}, err
	}
	if err := e.Repo.DeleteSnag(ctx, tx, id); err != nil {
		return DeletedSnag{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       events.SnagDeleted,
		Project:    s.ProjectName,
		EntityKind: entitySnag,
		EntityID:   s.ID,
		ActorID:    actor.ID,
		Payload:    events.EventPayload{"query_no": s.QueryNo},
	}); err != nil {
		return DeletedSnag{}, err
	}
	if err := tx.Commit(); err != nil {
		return DeletedSnag{}, err
	}
	e.log().Info("snag deleted", "snag_id", s.ID, "project", s.ProjectName, "query_no", s.QueryNo)

	out := DeletedSnag{ID: s.ID, QueryNo: s.QueryNo}
	e.broadcast(context.WithoutCancel(ctx), realtime.EventDeleted, out)
	return out, nil
}

func (e Engine) GetSnag(ctx context.Context, id string) (domain.SnagView, error) {
	s, err := e.Repo.GetSnag(ctx, id)
	if err != nil {
		return domain.SnagView{}, err
	}
	return e.view(ctx, s), nil
}

// SnagFilters are the caller-supplied list filters.
type SnagFilters struct {
	Status       string
	Priority     string
	Location     string
	ProjectName  string
	ContractorID string
	Limit        int
}

// ListSnags returns snags visible to actor, newest first. Contractors see
// their assigned snags and authorities the snags naming them.
func (e Engine) ListSnags(ctx context.Context, actor domain.User, f SnagFilters) ([]domain.SnagView, error) {
	rf := repo.SnagFilters{
		Status:       f.Status,
		Priority:     f.Priority,
		Location:     f.Location,
		Project:      f.ProjectName,
		ContractorID: f.ContractorID,
		Limit:        f.Limit,
	}
	switch actor.Role {
	case domain.RoleContractor:
		rf.ScopeContractorID = actor.ID
	case domain.RoleAuthority:
		rf.ScopeAuthorityID = actor.ID
	}
	items, err := e.Repo.ListSnags(ctx, rf)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SnagView, 0, len(items))
	for _, s := range items {
		out = append(out, e.view(ctx, s))
	}
	return out, nil
}

// DashboardStats counts snags by status and priority. Contractors only see
// their own.
func (e Engine) DashboardStats(ctx context.Context, actor domain.User) (domain.DashboardStats, error) {
	contractorID := ""
	if actor.Role == domain.RoleContractor {
		contractorID = actor.ID
	}
	return e.Repo.DashboardCounts(ctx, contractorID)
}

func (e Engine) ProjectNames(ctx context.Context) ([]string, error) {
	return e.Repo.ProjectNames(ctx)
}

// SuggestedAuthorities ranks the authorities used on a project by how often
// and how recently they were assigned.
func (e Engine) SuggestedAuthorities(ctx context.Context, project string) ([]domain.AuthoritySuggestion, error) {
	usage, err := e.Repo.TopAuthorities(ctx, project, suggestedAuthorityLimit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.AuthoritySuggestion, 0, len(usage))
	for _, u := range usage {
		out = append(out, domain.AuthoritySuggestion{
			ID:         u.UserID,
			Name:       e.name(ctx, u.UserID),
			Count:      u.Count,
			LastUsedAt: u.LastUsedTime(),
		})
	}
	return out, nil
}

// PreviousAuthority returns the authority list of the project's most recent
// snag that has one. ok is false when no such snag exists.
func (e Engine) PreviousAuthority(ctx context.Context, project string) (ids []string, names []string, ok bool, err error) {
	s, err := e.Repo.LatestSnagWithAuthorities(ctx, e.DB, project)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	v := e.view(ctx, s)
	return v.AssignedAuthorityIDs, v.AssignedAuthorityNames, true, nil
}

// History returns the audit events recorded for a snag, newest first,
// starting below the cursor event id when it is positive.
func (e Engine) History(ctx context.Context, actor domain.User, snagID string, limit int, cursor int64) ([]domain.Event, error) {
	if err := auth.Require(actor.Role, auth.ActionReadHistory); err != nil {
		return nil, err
	}
	return e.Repo.LatestEvents(ctx, repo.EventFilters{EntityKind: entitySnag, EntityID: snagID, Limit: limit, Cursor: cursor})
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
