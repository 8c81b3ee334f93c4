package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"snagline/internal/db"
	"snagline/internal/domain"
	"snagline/internal/engine"
	"snagline/internal/migrate"
	"snagline/internal/realtime"
	snagsdk "snagline/sdk/go"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	Hub    *realtime.Hub
}

func newTestServer(t *testing.T, opts ...func(*Config)) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	hub := realtime.NewHub(nil, time.Second)
	e := engine.New(conn, hub, nil)
	cfg := Config{
		Engine: e,
		Auth:   AuthConfig{JWTSecret: testSecret},
		Hub:    hub,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	handler, err := New(cfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String(), Engine: e, Hub: hub}
}

func (s *testServer) user(t *testing.T, email, name string, role domain.Role) domain.User {
	t.Helper()
	u, err := s.Engine.CreateUser(context.Background(), engine.UserCreateOptions{
		Email: email, Password: "secret123", Name: name, Role: string(role),
	}, "")
	if err != nil {
		t.Fatalf("create user %s: %v", email, err)
	}
	return u
}

func (s *testServer) login(t *testing.T, email string) *snagsdk.Client {
	t.Helper()
	c := snagsdk.New(s.URL)
	if _, err := c.Login(context.Background(), email, "secret123"); err != nil {
		t.Fatalf("login %s: %v", email, err)
	}
	return c
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func apiStatus(t *testing.T, err error) (int, string) {
	t.Helper()
	var apiErr *snagsdk.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected API error, got %v", err)
	}
	return apiErr.StatusCode, apiErr.Code()
}

func TestLoginAndBearerAuth(t *testing.T) {
	srv := newTestServer(t)
	srv.user(t, "manager@site.test", "Mona Manager", domain.RoleManager)
	ctx := context.Background()

	res, body := doJSON(t, http.MethodGet, srv.URL+"/api/snags", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d %s", res.StatusCode, body)
	}
	res, body = doJSON(t, http.MethodGet, srv.URL+"/api/snags", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, body)
	}

	c := snagsdk.New(srv.URL)
	_, err := c.Login(ctx, "manager@site.test", "wrong-password")
	if status, code := apiStatus(t, err); status != http.StatusUnauthorized || code != "invalid_credentials" {
		t.Fatalf("expected 401 invalid_credentials, got %d %s", status, code)
	}

	c = srv.login(t, "manager@site.test")
	me, err := c.Me(ctx)
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	if me.Name != "Mona Manager" || me.Role != "manager" {
		t.Fatalf("unexpected me: %+v", me)
	}
	if err := c.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestTokenForDeletedUserIsRejected(t *testing.T) {
	srv := newTestServer(t)
	ghost := domain.User{ID: "ghost", Role: domain.RoleManager}
	token, err := IssueToken(testSecret, ghost, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, body := doJSON(t, http.MethodGet, srv.URL+"/api/auth/me", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown subject, got %d %s", res.StatusCode, body)
	}
}

func TestRegisterRequiresManager(t *testing.T) {
	srv := newTestServer(t)
	srv.user(t, "manager@site.test", "Mona Manager", domain.RoleManager)
	srv.user(t, "inspector@site.test", "Ian Inspector", domain.RoleInspector)
	ctx := context.Background()

	inspector := srv.login(t, "inspector@site.test")
	_, err := inspector.Register(ctx, "new@site.test", "secret123", "New Person", "contractor")
	if status, _ := apiStatus(t, err); status != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", status)
	}

	manager := srv.login(t, "manager@site.test")
	_, err = manager.Register(ctx, "new@site.test", "secret123", "New Person", "plumber")
	if status, _ := apiStatus(t, err); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown role, got %d", status)
	}
	created, err := manager.Register(ctx, "new@site.test", "secret123", "New Person", "contractor")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if created.Role != "contractor" {
		t.Fatalf("unexpected role %q", created.Role)
	}
	_, err = manager.Register(ctx, "new@site.test", "secret123", "Again", "contractor")
	if status, _ := apiStatus(t, err); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for duplicate email, got %d", status)
	}
	contractors, err := manager.Users(ctx, "contractors")
	if err != nil {
		t.Fatalf("contractors: %v", err)
	}
	if len(contractors) != 1 || contractors[0].Email != "new@site.test" {
		t.Fatalf("unexpected contractors: %+v", contractors)
	}
}

func TestSnagWorkflowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	srv.user(t, "manager@site.test", "Mona Manager", domain.RoleManager)
	contractor := srv.user(t, "contractor@site.test", "Cody Contractor", domain.RoleContractor)
	authority := srv.user(t, "authority@site.test", "Ada Authority", domain.RoleAuthority)
	ctx := context.Background()

	manager := srv.login(t, "manager@site.test")
	snag, err := manager.CreateSnag(ctx, map[string]any{
		"description":            "Cracked tile",
		"location":               "Lobby",
		"project_name":           "Harbour",
		"assigned_contractor_id": contractor.ID,
		"assigned_authority_ids": []string{authority.ID},
		"due_date":               "2024-03-01",
	})
	if err != nil {
		t.Fatalf("create snag: %v", err)
	}
	if snag.QueryNo != 1 || snag.Status != "open" || snag.Priority != "medium" {
		t.Fatalf("unexpected snag: %+v", snag)
	}
	if snag.AssignedAuthorityID == nil || *snag.AssignedAuthorityID != authority.ID {
		t.Fatalf("expected authority mirror, got %+v", snag.AssignedAuthorityID)
	}
	if snag.AssignedContractorName == nil || *snag.AssignedContractorName != "Cody Contractor" {
		t.Fatalf("expected contractor name, got %+v", snag.AssignedContractorName)
	}

	contractorClient := srv.login(t, "contractor@site.test")
	_, err = contractorClient.UpdateSnag(ctx, snag.ID, map[string]any{"description": "Not my field"})
	if status, code := apiStatus(t, err); status != http.StatusForbidden || code != "forbidden" {
		t.Fatalf("expected 403 forbidden, got %d %s", status, code)
	}
	unchanged, err := manager.GetSnag(ctx, snag.ID)
	if err != nil {
		t.Fatalf("get snag: %v", err)
	}
	if unchanged.Description != "Cracked tile" {
		t.Fatalf("forbidden update was persisted: %q", unchanged.Description)
	}

	inProgress, err := contractorClient.UpdateSnag(ctx, snag.ID, map[string]any{"contractor_completed": true})
	if err != nil {
		t.Fatalf("contractor update: %v", err)
	}
	if inProgress.Status != "in_progress" {
		t.Fatalf("expected in_progress, got %s", inProgress.Status)
	}

	authorityClient := srv.login(t, "authority@site.test")
	resolved, err := authorityClient.UpdateSnag(ctx, snag.ID, map[string]any{"authority_approved": true, "authority_comment": "ok"})
	if err != nil {
		t.Fatalf("authority update: %v", err)
	}
	if resolved.Status != "resolved" {
		t.Fatalf("expected resolved, got %s", resolved.Status)
	}

	notes, err := manager.Notifications(ctx)
	if err != nil {
		t.Fatalf("notifications: %v", err)
	}
	var approved bool
	for _, n := range notes {
		if n.Message == "Snag #1 approved by authority" {
			approved = true
		}
	}
	if !approved {
		t.Fatalf("manager missing approval notification: %+v", notes)
	}
	if err := manager.MarkAllRead(ctx); err != nil {
		t.Fatalf("mark all read: %v", err)
	}
	notes, _ = manager.Notifications(ctx)
	for _, n := range notes {
		if !n.Read {
			t.Fatalf("notification %s still unread", n.ID)
		}
	}

	stats, err := manager.DashboardStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalSnags != 1 || stats.ResolvedSnags != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	history, err := manager.SnagHistory(ctx, snag.ID, 2, "")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history.Items) != 2 || history.NextCursor == "" {
		t.Fatalf("expected a full first page with a cursor, got %+v", history)
	}
	rest, err := manager.SnagHistory(ctx, snag.ID, 2, history.NextCursor)
	if err != nil {
		t.Fatalf("history page 2: %v", err)
	}
	if len(rest.Items) != 1 || rest.Items[0].Type != "snag.created" {
		t.Fatalf("unexpected second page: %+v", rest)
	}
	_, err = contractorClient.SnagHistory(ctx, snag.ID, 0, "")
	if status, _ := apiStatus(t, err); status != http.StatusForbidden {
		t.Fatalf("expected 403 history for contractor, got %d", status)
	}

	_, err = contractorClient.DeleteSnag(ctx, snag.ID)
	if status, _ := apiStatus(t, err); status != http.StatusForbidden {
		t.Fatalf("expected 403 delete for contractor, got %d", status)
	}
	deleted, err := manager.DeleteSnag(ctx, snag.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted.QueryNo != 1 || deleted.Message != "Snag deleted successfully" {
		t.Fatalf("unexpected delete response: %+v", deleted)
	}
	_, err = manager.GetSnag(ctx, snag.ID)
	if status, code := apiStatus(t, err); status != http.StatusNotFound || code != "not_found" {
		t.Fatalf("expected 404, got %d %s", status, code)
	}
}

func TestCreateSnagValidation(t *testing.T) {
	srv := newTestServer(t)
	srv.user(t, "manager@site.test", "Mona Manager", domain.RoleManager)
	srv.user(t, "contractor@site.test", "Cody Contractor", domain.RoleContractor)
	ctx := context.Background()
	manager := srv.login(t, "manager@site.test")

	_, err := manager.CreateSnag(ctx, map[string]any{
		"description":  "Leak",
		"location":     "Roof",
		"project_name": "Harbour",
		"due_date":     "next tuesday",
	})
	if status, _ := apiStatus(t, err); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date, got %d", status)
	}
	_, err = manager.CreateSnag(ctx, map[string]any{
		"description":  "Leak",
		"location":     "Roof",
		"project_name": "Harbour",
		"priority":     "urgent",
	})
	if status, _ := apiStatus(t, err); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad priority, got %d", status)
	}
	_, err = manager.CreateSnag(ctx, map[string]any{"description": "Leak", "location": "Roof", "project_name": " "})
	if status, _ := apiStatus(t, err); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank project, got %d", status)
	}

	contractor := srv.login(t, "contractor@site.test")
	_, err = contractor.CreateSnag(ctx, map[string]any{"description": "Leak", "location": "Roof", "project_name": "Harbour"})
	if status, _ := apiStatus(t, err); status != http.StatusForbidden {
		t.Fatalf("expected 403 for contractor create, got %d", status)
	}
	_, err = manager.UpdateSnag(ctx, "missing", map[string]any{"priority": "low"})
	if status, _ := apiStatus(t, err); status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown snag, got %d", status)
	}
}

func TestAuthorityListPresenceControlsStickyDefault(t *testing.T) {
	srv := newTestServer(t)
	srv.user(t, "manager@site.test", "Mona Manager", domain.RoleManager)
	authority := srv.user(t, "authority@site.test", "Ada Authority", domain.RoleAuthority)
	ctx := context.Background()
	manager := srv.login(t, "manager@site.test")

	base := func(extra map[string]any) map[string]any {
		out := map[string]any{"description": "Scratch", "location": "Hall", "project_name": "Quay"}
		for k, v := range extra {
			out[k] = v
		}
		return out
	}
	first, err := manager.CreateSnag(ctx, base(map[string]any{"assigned_authority_ids": []string{authority.ID}}))
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	if len(first.AssignedAuthorityIDs) != 1 {
		t.Fatalf("expected one authority, got %v", first.AssignedAuthorityIDs)
	}

	omitted, err := manager.CreateSnag(ctx, base(nil))
	if err != nil {
		t.Fatalf("create omitted: %v", err)
	}
	if len(omitted.AssignedAuthorityIDs) != 1 || omitted.AssignedAuthorityIDs[0] != authority.ID {
		t.Fatalf("omitted list should inherit, got %v", omitted.AssignedAuthorityIDs)
	}

	null, err := manager.CreateSnag(ctx, base(map[string]any{"assigned_authority_ids": nil}))
	if err != nil {
		t.Fatalf("create null: %v", err)
	}
	if len(null.AssignedAuthorityIDs) != 1 {
		t.Fatalf("null list should inherit, got %v", null.AssignedAuthorityIDs)
	}

	empty, err := manager.CreateSnag(ctx, base(map[string]any{"assigned_authority_ids": []string{}}))
	if err != nil {
		t.Fatalf("create empty: %v", err)
	}
	if len(empty.AssignedAuthorityIDs) != 0 || empty.AssignedAuthorityID != nil {
		t.Fatalf("explicit empty list should disable the default, got %v", empty.AssignedAuthorityIDs)
	}
	if empty.QueryNo != 4 {
		t.Fatalf("expected query_no 4, got %d", empty.QueryNo)
	}

	prev, err := manager.PreviousAuthority(ctx, "Quay")
	if err != nil {
		t.Fatalf("previous authority: %v", err)
	}
	if prev.AuthorityName == nil || *prev.AuthorityName != "Ada Authority" {
		t.Fatalf("unexpected previous authority: %+v", prev)
	}
	suggested, err := manager.SuggestedAuthorities(ctx, "Quay")
	if err != nil {
		t.Fatalf("suggested: %v", err)
	}
	if len(suggested) != 1 || suggested[0].SnagCount != 3 {
		t.Fatalf("unexpected suggestions: %+v", suggested)
	}
	names, err := manager.ProjectNames(ctx)
	if err != nil {
		t.Fatalf("project names: %v", err)
	}
	if len(names) != 1 || names[0] != "Quay" {
		t.Fatalf("unexpected project names: %v", names)
	}
}

func TestContractorSeesOnlyAssignedSnags(t *testing.T) {
	srv := newTestServer(t)
	srv.user(t, "manager@site.test", "Mona Manager", domain.RoleManager)
	contractor := srv.user(t, "contractor@site.test", "Cody Contractor", domain.RoleContractor)
	ctx := context.Background()
	manager := srv.login(t, "manager@site.test")

	for _, assigned := range []bool{true, false, true} {
		fields := map[string]any{"description": "Gap", "location": "Stair", "project_name": "Mill", "priority": "high"}
		if assigned {
			fields["assigned_contractor_id"] = contractor.ID
		}
		if _, err := manager.CreateSnag(ctx, fields); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	all, err := manager.ListSnags(ctx, map[string]string{"project_name": "mil"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("manager expected 3 snags, got %d", len(all))
	}
	c := srv.login(t, "contractor@site.test")
	mine, err := c.ListSnags(ctx, nil)
	if err != nil {
		t.Fatalf("contractor list: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("contractor expected 2 snags, got %d", len(mine))
	}
	stats, err := c.DashboardStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalSnags != 2 || stats.HighPriority != 2 {
		t.Fatalf("unexpected contractor stats: %+v", stats)
	}
	notes, err := c.Notifications(ctx)
	if err != nil {
		t.Fatalf("notifications: %v", err)
	}
	if len(notes) != 2 || !strings.Contains(notes[0].Message, "assigned to you at Mill - Stair") {
		t.Fatalf("unexpected contractor notifications: %+v", notes)
	}
	if err := c.MarkRead(ctx, notes[0].ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := manager.MarkRead(ctx, notes[1].ID); err != nil {
		t.Fatalf("foreign mark read should be silent: %v", err)
	}
	notes, _ = c.Notifications(ctx)
	if !notes[0].Read || notes[1].Read {
		t.Fatalf("unexpected read flags: %+v", notes)
	}
}

func dialLive(t *testing.T, srv *testServer) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c, ctx
}

func readEvent(t *testing.T, ctx context.Context, c *websocket.Conn) realtime.Event {
	t.Helper()
	var evt realtime.Event
	if err := wsjson.Read(ctx, c, &evt); err != nil {
		t.Fatalf("read live event: %v", err)
	}
	return evt
}

func TestLivePingBeforeAuth(t *testing.T) {
	srv := newTestServer(t)
	c, ctx := dialLive(t, srv)

	if err := wsjson.Write(ctx, c, map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if evt := readEvent(t, ctx, c); evt.Type != realtime.TypePong {
		t.Fatalf("expected pong, got %+v", evt)
	}
}

func TestLiveAuthErrorKeepsConnectionOpen(t *testing.T) {
	srv := newTestServer(t)
	c, ctx := dialLive(t, srv)

	if err := wsjson.Write(ctx, c, map[string]string{"type": "auth", "token": "garbage"}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	evt := readEvent(t, ctx, c)
	if evt.Type != realtime.TypeAuthError || evt.Message != "Invalid token" {
		t.Fatalf("expected auth_error, got %+v", evt)
	}
	if err := wsjson.Write(ctx, c, map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if evt := readEvent(t, ctx, c); evt.Type != realtime.TypePong {
		t.Fatalf("expected pong after auth_error, got %+v", evt)
	}
}

func TestLiveReceivesSnagUpdatesAndNotifications(t *testing.T) {
	srv := newTestServer(t)
	srv.user(t, "manager@site.test", "Mona Manager", domain.RoleManager)
	contractor := srv.user(t, "contractor@site.test", "Cody Contractor", domain.RoleContractor)
	manager := srv.login(t, "manager@site.test")
	c, ctx := dialLive(t, srv)

	token, err := IssueToken(testSecret, contractor, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if err := wsjson.Write(ctx, c, map[string]string{"type": "auth", "token": token}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	evt := readEvent(t, ctx, c)
	if evt.Type != realtime.TypeAuthSuccess || evt.UserID != contractor.ID {
		t.Fatalf("expected auth_success, got %+v", evt)
	}
	if _, ok := srv.Hub.UserConn(contractor.ID); !ok {
		t.Fatalf("expected contractor binding in hub")
	}

	if _, err := manager.CreateSnag(ctx, map[string]any{
		"description":            "Loose rail",
		"location":               "Deck",
		"project_name":           "Pier",
		"assigned_contractor_id": contractor.ID,
	}); err != nil {
		t.Fatalf("create snag: %v", err)
	}

	// The notification is pushed before the broadcast.
	note := readEvent(t, ctx, c)
	if note.Type != realtime.TypeNotification {
		t.Fatalf("expected notification first, got %+v", note)
	}
	update := readEvent(t, ctx, c)
	if update.Type != realtime.TypeSnagUpdate || update.Event != realtime.EventCreated {
		t.Fatalf("expected snag_update created, got %+v", update)
	}
	data, _ := update.Data.(map[string]any)
	if data["project_name"] != "Pier" || data["query_no"] != float64(1) {
		t.Fatalf("unexpected broadcast payload: %+v", update.Data)
	}
}

func TestCreateSnagAcceptsLargePhotos(t *testing.T) {
	srv := newTestServer(t)
	srv.user(t, "manager@site.test", "Mona Manager", domain.RoleManager)
	c := srv.login(t, "manager@site.test")

	photo := "data:image/jpeg;base64," + strings.Repeat("A", 1536*1024)
	created, err := c.CreateSnag(context.Background(), map[string]any{
		"description":  "Cracked facade panel",
		"location":     "North elevation",
		"project_name": "Pier",
		"photos":       []string{photo},
	})
	if err != nil {
		t.Fatalf("create with large photo: %v", err)
	}
	if len(created.Photos) != 1 || created.Photos[0] != photo {
		t.Fatalf("photo not stored intact (%d photos)", len(created.Photos))
	}
	second := photo + "B"
	updated, err := c.UpdateSnag(context.Background(), created.ID, map[string]any{"photos": []string{photo, second}})
	if err != nil {
		t.Fatalf("update with large photos: %v", err)
	}
	if len(updated.Photos) != 2 || updated.Photos[1] != second {
		t.Fatalf("photo order not kept")
	}
}

func TestBodyLimitRejectsOversizedRequests(t *testing.T) {
	srv := newTestServer(t, func(cfg *Config) { cfg.MaxBodyBytes = 1024 })
	srv.user(t, "manager@site.test", "Mona Manager", domain.RoleManager)
	c := srv.login(t, "manager@site.test")

	_, err := c.CreateSnag(context.Background(), map[string]any{
		"description":  "Cracked facade panel",
		"location":     "North elevation",
		"project_name": "Pier",
		"photos":       []string{strings.Repeat("A", 4096)},
	})
	status, code := apiStatus(t, err)
	if status != http.StatusRequestEntityTooLarge || code != "request_entity_too_large" {
		t.Fatalf("expected 413 request_entity_too_large, got %d %s", status, code)
	}
	list, err := c.ListSnags(context.Background(), nil)
	if err != nil || len(list) != 0 {
		t.Fatalf("nothing should be stored: %d %v", len(list), err)
	}
}

func TestProjectMoveOntoTakenNumberConflicts(t *testing.T) {
	srv := newTestServer(t)
	srv.user(t, "manager@site.test", "Mona Manager", domain.RoleManager)
	c := srv.login(t, "manager@site.test")
	ctx := context.Background()

	a1, err := c.CreateSnag(ctx, map[string]any{"description": "d", "location": "l", "project_name": "A"})
	if err != nil {
		t.Fatalf("create A: %v", err)
	}
	if _, err := c.CreateSnag(ctx, map[string]any{"description": "d", "location": "l", "project_name": "B"}); err != nil {
		t.Fatalf("create B: %v", err)
	}
	_, err = c.UpdateSnag(ctx, a1.ID, map[string]any{"project_name": "B"})
	status, code := apiStatus(t, err)
	if status != http.StatusConflict || code != "conflict" {
		t.Fatalf("expected 409 conflict, got %d %s", status, code)
	}
}

func TestCORSAllowsBrowserClients(t *testing.T) {
	srv := newTestServer(t)
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/snags", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://app.site.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization, Content-Type")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	res.Body.Close()
	if res.StatusCode >= 300 {
		t.Fatalf("preflight should not need auth, got %d", res.StatusCode)
	}
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "https://app.site.test" && got != "*" {
		t.Fatalf("unexpected allow-origin %q", got)
	}

	res, _ = doJSON(t, http.MethodGet, srv.URL+"/api/health", nil, map[string]string{"Origin": "https://app.site.test"})
	if res.Header.Get("Access-Control-Allow-Origin") == "" {
		t.Fatalf("simple requests should carry allow-origin")
	}
}
