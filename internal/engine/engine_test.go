package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"snagline/internal/db"
	"snagline/internal/domain"
	"snagline/internal/engine"
	"snagline/internal/engine/auth"
	"snagline/internal/engine/workflow"
	"snagline/internal/migrate"
	"snagline/internal/realtime"
	"snagline/internal/repo"
)

type captured struct {
	mu        sync.Mutex
	broadcast []realtime.Event
	direct    map[string][]realtime.Event
}

func (c *captured) BroadcastAll(_ context.Context, evt realtime.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcast = append(c.broadcast, evt)
}

func (c *captured) SendToUser(_ context.Context, userID string, evt realtime.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.direct == nil {
		c.direct = map[string][]realtime.Event{}
	}
	c.direct[userID] = append(c.direct[userID], evt)
}

func (c *captured) last() realtime.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broadcast[len(c.broadcast)-1]
}

type testEnv struct {
	Engine     engine.Engine
	Ctx        context.Context
	Live       *captured
	Manager    domain.User
	Inspector  domain.User
	Contractor domain.User
	Authority  domain.User
	Authority2 domain.User
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	live := &captured{}
	eng := engine.New(conn, live, nil)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	eng.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	env := testEnv{Engine: eng, Ctx: context.Background(), Live: live}
	env.Manager = env.user(t, "manager@site.test", "Mona Manager", domain.RoleManager)
	env.Inspector = env.user(t, "inspector@site.test", "Ian Inspector", domain.RoleInspector)
	env.Contractor = env.user(t, "contractor@site.test", "Cody Contractor", domain.RoleContractor)
	env.Authority = env.user(t, "authority@site.test", "Ada Authority", domain.RoleAuthority)
	env.Authority2 = env.user(t, "authority2@site.test", "Ben Authority", domain.RoleAuthority)
	return env
}

func (env testEnv) user(t *testing.T, email, name string, role domain.Role) domain.User {
	t.Helper()
	u, err := env.Engine.CreateUser(env.Ctx, engine.UserCreateOptions{Email: email, Password: "secret123", Name: name, Role: string(role)}, "")
	if err != nil {
		t.Fatalf("create user %s: %v", email, err)
	}
	return u
}

func (env testEnv) createSnag(t *testing.T, project string, opts engine.SnagCreateOptions) domain.SnagView {
	t.Helper()
	opts.ProjectName = project
	if opts.Description == "" {
		opts.Description = "Cracked tile"
	}
	if opts.Location == "" {
		opts.Location = "Lobby"
	}
	v, err := env.Engine.CreateSnag(env.Ctx, env.Manager, opts)
	if err != nil {
		t.Fatalf("create snag: %v", err)
	}
	return v
}

func boolPtr(b bool) *bool { return &b }

func TestQueryNumbersPerProject(t *testing.T) {
	env := newTestEnv(t)
	a1 := env.createSnag(t, "A", engine.SnagCreateOptions{})
	b1 := env.createSnag(t, "B", engine.SnagCreateOptions{})
	a2 := env.createSnag(t, "A", engine.SnagCreateOptions{})
	if a1.QueryNo != 1 || b1.QueryNo != 1 || a2.QueryNo != 2 {
		t.Fatalf("expected 1,1,2 got %d,%d,%d", a1.QueryNo, b1.QueryNo, a2.QueryNo)
	}
	if a1.Status != domain.StatusOpen || a1.Priority != domain.PriorityMedium {
		t.Fatalf("unexpected defaults %s/%s", a1.Status, a1.Priority)
	}
}

func TestQueryNumbersAfterProjectMove(t *testing.T) {
	env := newTestEnv(t)
	var moved domain.SnagView
	for i := 0; i < 3; i++ {
		moved = env.createSnag(t, "A", engine.SnagCreateOptions{})
	}
	b1 := env.createSnag(t, "B", engine.SnagCreateOptions{})
	project := "B"
	if _, err := env.Engine.UpdateSnag(env.Ctx, env.Manager, moved.ID, workflow.Patch{ProjectName: &project}); err != nil {
		t.Fatalf("move: %v", err)
	}
	for want := 4; want <= 7; want++ {
		got := env.createSnag(t, "B", engine.SnagCreateOptions{})
		if got.QueryNo != want {
			t.Fatalf("expected B #%d, got #%d", want, got.QueryNo)
		}
	}
	if next := env.createSnag(t, "A", engine.SnagCreateOptions{}); next.QueryNo != 4 {
		t.Fatalf("A keeps counting past the moved snag, got #%d", next.QueryNo)
	}

	project = "A"
	_, err := env.Engine.UpdateSnag(env.Ctx, env.Manager, b1.ID, workflow.Patch{ProjectName: &project})
	if !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate moving onto A #1, got %v", err)
	}
	got, err := env.Engine.GetSnag(env.Ctx, b1.ID)
	if err != nil || got.ProjectName != "B" {
		t.Fatalf("failed move must leave the snag in B: %+v %v", got, err)
	}
}

func TestStickyAuthorityDefault(t *testing.T) {
	env := newTestEnv(t)
	first := env.createSnag(t, "Tower 1", engine.SnagCreateOptions{
		AuthorityIDs:    []string{env.Authority.ID, env.Authority2.ID},
		AuthorityIDsSet: true,
	})
	if first.AssignedAuthorityID == nil || *first.AssignedAuthorityID != env.Authority.ID {
		t.Fatalf("mirror should be first authority: %+v", first.AssignedAuthorityID)
	}
	if len(first.AssignedAuthorityNames) != 2 || first.AssignedAuthorityNames[1] != "Ben Authority" {
		t.Fatalf("names not resolved: %v", first.AssignedAuthorityNames)
	}

	inherited := env.createSnag(t, "Tower 1", engine.SnagCreateOptions{})
	if strings.Join(inherited.AssignedAuthorityIDs, ",") != env.Authority.ID+","+env.Authority2.ID {
		t.Fatalf("expected inherited authorities, got %v", inherited.AssignedAuthorityIDs)
	}

	other := env.createSnag(t, "Tower 2", engine.SnagCreateOptions{})
	if len(other.AssignedAuthorityIDs) != 0 || other.AssignedAuthorityID != nil {
		t.Fatalf("other projects must not inherit: %v", other.AssignedAuthorityIDs)
	}

	cleared := env.createSnag(t, "Tower 1", engine.SnagCreateOptions{AuthorityIDs: []string{}, AuthorityIDsSet: true})
	if len(cleared.AssignedAuthorityIDs) != 0 {
		t.Fatalf("explicit empty list must disable the default, got %v", cleared.AssignedAuthorityIDs)
	}

	single := env.createSnag(t, "Tower 1", engine.SnagCreateOptions{AssignedAuthorityID: env.Authority2.ID})
	if len(single.AssignedAuthorityIDs) != 1 || single.AssignedAuthorityIDs[0] != env.Authority2.ID {
		t.Fatalf("single authority should replace the default, got %v", single.AssignedAuthorityIDs)
	}

	ids, names, ok, err := env.Engine.PreviousAuthority(env.Ctx, "Tower 1")
	if err != nil || !ok || len(ids) != 1 || names[0] != "Ben Authority" {
		t.Fatalf("previous authority: %v %v %v %v", ids, names, ok, err)
	}
	if _, _, ok, _ := env.Engine.PreviousAuthority(env.Ctx, "Nowhere"); ok {
		t.Fatalf("unknown project should have no previous authority")
	}
}

func TestCreateRequiresSupervisor(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateSnag(env.Ctx, env.Contractor, engine.SnagCreateOptions{Description: "d", Location: "l", ProjectName: "p"})
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	_, err = env.Engine.CreateSnag(env.Ctx, env.Inspector, engine.SnagCreateOptions{Location: "l", ProjectName: "p"})
	var invalid domain.ValidationError
	if !errors.As(err, &invalid) || invalid.Field != "description" {
		t.Fatalf("expected description validation error, got %v", err)
	}
}

func TestForbiddenUpdateLeavesSnagUnchanged(t *testing.T) {
	env := newTestEnv(t)
	s := env.createSnag(t, "A", engine.SnagCreateOptions{AssignedContractorID: env.Contractor.ID})
	before, err := env.Engine.History(env.Ctx, env.Manager, s.ID, 0, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	desc := "changed"
	_, err = env.Engine.UpdateSnag(env.Ctx, env.Contractor, s.ID, workflow.Patch{Description: &desc, ContractorCompleted: boolPtr(true)})
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) || forbidden.Field != "description" {
		t.Fatalf("expected forbidden description, got %v", err)
	}
	got, err := env.Engine.GetSnag(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Description != s.Description || got.ContractorCompleted || !got.UpdatedAt.Equal(s.UpdatedAt) {
		t.Fatalf("snag must be unchanged: %+v", got)
	}
	after, _ := env.Engine.History(env.Ctx, env.Manager, s.ID, 0, 0)
	if len(after) != len(before) {
		t.Fatalf("no event should be written on denial")
	}
}

func TestUpdateUnknownSnag(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.UpdateSnag(env.Ctx, env.Manager, "missing", workflow.Patch{})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolvedNotifiesCreatorOnce(t *testing.T) {
	env := newTestEnv(t)
	s := env.createSnag(t, "A", engine.SnagCreateOptions{
		AssignedContractorID: env.Contractor.ID,
		AuthorityIDs:         []string{env.Authority.ID},
		AuthorityIDsSet:      true,
	})
	approved, err := env.Engine.UpdateSnag(env.Ctx, env.Authority, s.ID, workflow.Patch{AuthorityApproved: boolPtr(true)})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", approved.Status)
	}
	before, err := env.Engine.Notify.ListFor(env.Ctx, env.Manager.ID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	done, err := env.Engine.UpdateSnag(env.Ctx, env.Contractor, s.ID, workflow.Patch{ContractorCompleted: boolPtr(true)})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.StatusResolved || done.WorkCompletedDate == nil {
		t.Fatalf("expected resolved with completion stamp, got %+v", done)
	}
	after, err := env.Engine.Notify.ListFor(env.Ctx, env.Manager.ID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(after)-len(before) != 1 {
		t.Fatalf("creator should receive exactly one notification, got %d", len(after)-len(before))
	}
	if !strings.Contains(after[0].Message, "RESOLVED") {
		t.Fatalf("expected the resolved notice, got %q", after[0].Message)
	}
	authority, _ := env.Engine.Notify.ListFor(env.Ctx, env.Authority.ID, 0)
	if len(authority) == 0 || !strings.Contains(authority[0].Message, "pending your approval") {
		t.Fatalf("authority should hear about completion: %+v", authority)
	}
	if evt := env.Live.last(); evt.Type != realtime.TypeSnagUpdate || evt.Event != realtime.EventUpdated {
		t.Fatalf("expected update broadcast, got %+v", evt)
	}
	env.Live.mu.Lock()
	pushed := len(env.Live.direct[env.Manager.ID])
	env.Live.mu.Unlock()
	if pushed != len(after) {
		t.Fatalf("every persisted notification should be pushed: %d vs %d", pushed, len(after))
	}
}

func TestCreationNotifiesAssignees(t *testing.T) {
	env := newTestEnv(t)
	env.createSnag(t, "Harbour", engine.SnagCreateOptions{
		AssignedContractorID: env.Contractor.ID,
		AuthorityIDs:         []string{env.Authority.ID, env.Authority2.ID},
		AuthorityIDsSet:      true,
	})
	for _, u := range []domain.User{env.Contractor, env.Authority, env.Authority2} {
		list, err := env.Engine.Notify.ListFor(env.Ctx, u.ID, 0)
		if err != nil || len(list) != 1 {
			t.Fatalf("%s should have one notification: %+v %v", u.Name, list, err)
		}
	}
	if !strings.Contains(mustList(t, env, env.Contractor.ID)[0].Message, "assigned to you at Harbour - Lobby") {
		t.Fatalf("unexpected contractor message")
	}
}

func mustList(t *testing.T, env testEnv, userID string) []domain.Notification {
	t.Helper()
	list, err := env.Engine.Notify.ListFor(env.Ctx, userID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return list
}

func TestDeleteBroadcastsQueryNo(t *testing.T) {
	env := newTestEnv(t)
	var last domain.SnagView
	for i := 0; i < 7; i++ {
		last = env.createSnag(t, "A", engine.SnagCreateOptions{})
	}
	if _, err := env.Engine.DeleteSnag(env.Ctx, env.Inspector, last.ID); err == nil {
		t.Fatalf("inspector must not delete")
	}
	out, err := env.Engine.DeleteSnag(env.Ctx, env.Manager, last.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if out.QueryNo != 7 {
		t.Fatalf("expected query_no 7, got %d", out.QueryNo)
	}
	evt := env.Live.last()
	data, ok := evt.Data.(engine.DeletedSnag)
	if evt.Event != realtime.EventDeleted || !ok || data.ID != last.ID || data.QueryNo != 7 {
		t.Fatalf("unexpected delete broadcast %+v", evt)
	}
	if _, err := env.Engine.GetSnag(env.Ctx, last.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("snag should be gone, got %v", err)
	}
	history, err := env.Engine.History(env.Ctx, env.Manager, last.ID, 0, 0)
	if err != nil || len(history) != 2 || history[0].Type != "snag.deleted" {
		t.Fatalf("expected created and deleted events, got %+v %v", history, err)
	}
}

func TestMutationsWithoutLiveConnections(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Live = realtime.NewHub(nil, time.Second)
	env.Engine.Notify.Live = env.Engine.Live
	s := env.createSnag(t, "A", engine.SnagCreateOptions{AssignedContractorID: env.Contractor.ID})
	if _, err := env.Engine.UpdateSnag(env.Ctx, env.Contractor, s.ID, workflow.Patch{ContractorCompleted: boolPtr(true)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(mustList(t, env, env.Contractor.ID)) != 1 {
		t.Fatalf("notifications are persisted regardless of live sessions")
	}
}

func TestListSnagsScopedByRole(t *testing.T) {
	env := newTestEnv(t)
	env.createSnag(t, "A", engine.SnagCreateOptions{AssignedContractorID: env.Contractor.ID, Priority: domain.PriorityHigh})
	env.createSnag(t, "A", engine.SnagCreateOptions{AuthorityIDs: []string{env.Authority.ID}, AuthorityIDsSet: true})
	env.createSnag(t, "B", engine.SnagCreateOptions{AuthorityIDs: []string{}, AuthorityIDsSet: true})

	all, err := env.Engine.ListSnags(env.Ctx, env.Manager, engine.SnagFilters{})
	if err != nil || len(all) != 3 {
		t.Fatalf("manager sees all: %d %v", len(all), err)
	}
	mine, _ := env.Engine.ListSnags(env.Ctx, env.Contractor, engine.SnagFilters{})
	if len(mine) != 1 || mine[0].AssignedContractorName == nil || *mine[0].AssignedContractorName != "Cody Contractor" {
		t.Fatalf("contractor scope: %+v", mine)
	}
	assigned, _ := env.Engine.ListSnags(env.Ctx, env.Authority, engine.SnagFilters{})
	if len(assigned) != 1 {
		t.Fatalf("authority scope: %+v", assigned)
	}
	none, _ := env.Engine.ListSnags(env.Ctx, env.Authority, engine.SnagFilters{ProjectName: "B"})
	if len(none) != 0 {
		t.Fatalf("scope must be ANDed with filters: %+v", none)
	}

	stats, err := env.Engine.DashboardStats(env.Ctx, env.Contractor)
	if err != nil || stats.TotalSnags != 1 || stats.HighPrioritySnags != 1 {
		t.Fatalf("contractor stats: %+v %v", stats, err)
	}
	stats, _ = env.Engine.DashboardStats(env.Ctx, env.Manager)
	if stats.TotalSnags != 3 || stats.OpenSnags != 3 {
		t.Fatalf("manager stats: %+v", stats)
	}
}

func TestSuggestedAuthoritiesRanking(t *testing.T) {
	env := newTestEnv(t)
	env.createSnag(t, "A", engine.SnagCreateOptions{AuthorityIDs: []string{env.Authority.ID}, AuthorityIDsSet: true})
	env.createSnag(t, "A", engine.SnagCreateOptions{AuthorityIDs: []string{env.Authority.ID}, AuthorityIDsSet: true})
	env.createSnag(t, "A", engine.SnagCreateOptions{AuthorityIDs: []string{env.Authority2.ID}, AuthorityIDsSet: true})

	got, err := env.Engine.SuggestedAuthorities(env.Ctx, "A")
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if len(got) != 2 || got[0].ID != env.Authority.ID || got[0].Count != 2 || got[0].Name != "Ada Authority" {
		t.Fatalf("unexpected ranking %+v", got)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)
	opts := engine.UserCreateOptions{Email: "New@Site.test", Password: "hunter22", Name: "New", Role: "contractor"}
	if _, err := env.Engine.RegisterUser(env.Ctx, env.Inspector, opts); err == nil {
		t.Fatalf("only managers may register")
	}
	u, err := env.Engine.RegisterUser(env.Ctx, env.Manager, opts)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if u.Email != "new@site.test" || u.Role != domain.RoleContractor {
		t.Fatalf("unexpected user %+v", u)
	}
	var invalid domain.ValidationError
	if _, err := env.Engine.RegisterUser(env.Ctx, env.Manager, opts); !errors.As(err, &invalid) {
		t.Fatalf("duplicate email should be a validation error, got %v", err)
	}
	opts.Email = "other@site.test"
	opts.Role = "owner"
	if _, err := env.Engine.RegisterUser(env.Ctx, env.Manager, opts); !errors.As(err, &invalid) || invalid.Field != "role" {
		t.Fatalf("invalid role should be rejected, got %v", err)
	}

	if _, err := env.Engine.Login(env.Ctx, "new@site.test", "wrong"); !errors.Is(err, engine.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := env.Engine.Login(env.Ctx, "nobody@site.test", "hunter22"); !errors.Is(err, engine.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown email, got %v", err)
	}
	logged, err := env.Engine.Login(env.Ctx, "NEW@site.test", "hunter22")
	if err != nil || logged.ID != u.ID {
		t.Fatalf("login: %+v %v", logged, err)
	}
}

func TestEnsureManagerSeedsOnce(t *testing.T) {
	env := newTestEnv(t)
	u, created, err := env.Engine.EnsureManager(env.Ctx, engine.UserCreateOptions{Email: "boss@site.test", Password: "manager123", Name: "Boss"})
	if err != nil || created || u.ID != env.Manager.ID {
		t.Fatalf("existing manager should be kept: %+v %v %v", u, created, err)
	}
}

func TestUpdatePushToken(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.UpdatePushToken(env.Ctx, env.Contractor, "ExponentPushToken[abc]"); err != nil {
		t.Fatalf("update: %v", err)
	}
	u, err := env.Engine.GetUser(env.Ctx, env.Contractor.ID)
	if err != nil || u.PushToken == nil || *u.PushToken != "ExponentPushToken[abc]" {
		t.Fatalf("push token not stored: %+v %v", u, err)
	}
}
