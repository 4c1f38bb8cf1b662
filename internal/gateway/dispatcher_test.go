package gateway_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sigee-min/bbmcp/internal/apperr"
	"github.com/sigee-min/bbmcp/internal/engine"
	"github.com/sigee-min/bbmcp/internal/entityid"
	"github.com/sigee-min/bbmcp/internal/events"
	"github.com/sigee-min/bbmcp/internal/gateway"
	"github.com/sigee-min/bbmcp/internal/jobqueue"
	"github.com/sigee-min/bbmcp/internal/project"
	"github.com/sigee-min/bbmcp/internal/projectlock"
	"github.com/sigee-min/bbmcp/internal/projecttree"
	"github.com/sigee-min/bbmcp/internal/requestctx"
	"github.com/sigee-min/bbmcp/internal/storage/memory"
	"github.com/sigee-min/bbmcp/internal/workspace"
)

type fixture struct {
	t     *testing.T
	d     *gateway.Dispatcher
	mem   *memory.Store
	admin *workspace.Admin
	locks *projectlock.Manager
	jobs  *jobqueue.Queue
	hub   *events.Hub
	ws    *workspace.Workspace
}

func newFixture(t *testing.T, policy gateway.LockPolicy) *fixture {
	t.Helper()
	return newFixtureWith(t, policy, nil)
}

func newFixtureWith(t *testing.T, policy gateway.LockPolicy, backend engine.Backend) *fixture {
	t.Helper()
	mem := memory.New()
	ids := entityid.New("test")
	if backend == nil {
		backend = engine.NewLocal(ids)
	}
	hub := events.NewHub(16)
	locks := projectlock.NewManager(mem.Locks, time.Minute)
	jobs := jobqueue.New(mem.Jobs, ids, jobqueue.Options{})
	tree := projecttree.NewStore(mem.Projects, mem.Projects, ids, projecttree.Config{
		Publisher: hub,
		Cleaners:  []projecttree.Cleaner{locks, jobs, hub},
	})
	admin := workspace.NewAdmin(mem.Workspaces, ids, tree)
	d, err := gateway.New(gateway.Deps{
		Authorizer: workspace.NewAuthorizer(mem.Workspaces, tree),
		Admin:      admin,
		Tree:       tree,
		Projects:   mem.Projects,
		Locks:      locks,
		Jobs:       jobs,
		Engine:     backend,
		Publisher:  hub,
		Events:     hub,
	}, gateway.Config{LockPolicy: policy, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	ws, err := admin.CreateWorkspace(context.Background(), workspace.CreateWorkspaceInput{Name: "Studio", CreatedBy: "owner"})
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	return &fixture{t: t, d: d, mem: mem, admin: admin, locks: locks, jobs: jobs, hub: hub, ws: ws}
}

// as returns a context carrying an actor scoped to the fixture workspace.
func (f *fixture) as(account, session string, systemRoles ...string) context.Context {
	return requestctx.WithActor(context.Background(), requestctx.Actor{
		AccountID:   account,
		SessionID:   session,
		WorkspaceID: f.ws.ID,
		SystemRoles: systemRoles,
	})
}

func (f *fixture) ok(ctx context.Context, name string, args map[string]any) any {
	f.t.Helper()
	resp := f.d.Invoke(ctx, name, args)
	if !resp.OK {
		f.t.Fatalf("%s failed: %s (%v)", name, resp.Error.Message, resp.Error.Details)
	}
	return resp.Data
}

func (f *fixture) fails(ctx context.Context, name string, args map[string]any, reason string) *apperr.Error {
	f.t.Helper()
	resp := f.d.Invoke(ctx, name, args)
	if resp.OK {
		f.t.Fatalf("%s succeeded, want %s", name, reason)
	}
	if got := resp.Error.Reason(); got != reason {
		f.t.Fatalf("%s reason = %q (%s), want %q", name, got, resp.Error.Message, reason)
	}
	return resp.Error
}

func (f *fixture) project(ctx context.Context, name, format string) *project.Project {
	f.t.Helper()
	args := map[string]any{"name": name}
	if format != "" {
		args["format"] = format
	}
	return f.ok(ctx, gateway.ToolProjectCreate, args).(*project.Project)
}

func (f *fixture) stored(id string) *project.Project {
	f.t.Helper()
	p, err := f.mem.Projects.Find(context.Background(), project.Scope{}, id)
	if err != nil {
		f.t.Fatalf("Find %s: %v", id, err)
	}
	return p
}

func (f *fixture) lock(id string) *projectlock.Lock {
	f.t.Helper()
	l, err := f.locks.Get(context.Background(), id)
	if err != nil {
		f.t.Fatal(err)
	}
	return l
}

func cubeArgs(projectID string) map[string]any {
	return map[string]any{
		"projectId": projectID,
		"name":      "body",
		"from":      []any{0.0, 0.0, 0.0},
		"to":        []any{4.0, 8.0, 2.0},
	}
}

func TestInvoke_BoundaryDecoding(t *testing.T) {
	f := newFixture(t, gateway.LockHold)
	ctx := f.as("owner", "s1")

	e := f.fails(ctx, "no_such_tool", nil, apperr.ReasonUnknownTool)
	if e.Code != apperr.CodeInvalidPayload {
		t.Errorf("code = %s", e.Code)
	}
	e = f.fails(ctx, gateway.ToolProjectCreate, map[string]any{"name": "x", "colour": "red"}, apperr.ReasonUnexpectedField)
	if e.Details["field"] != "colour" {
		t.Errorf("field = %v", e.Details["field"])
	}
	f.fails(ctx, gateway.ToolProjectCreate, map[string]any{}, apperr.ReasonMissingField)
	f.fails(ctx, gateway.ToolProjectCreate, map[string]any{"name": "x", "index": "first"}, apperr.ReasonInvalidField)
}

func TestMutation_RevisionGuard(t *testing.T) {
	f := newFixture(t, gateway.LockHold)
	ctx := f.as("owner", "s1")
	p := f.project(ctx, "robot", "")
	if p.Revision != 1 {
		t.Fatalf("new project revision = %d, want 1", p.Revision)
	}

	args := cubeArgs(p.ID)
	args["ifRevision"] = 5.0
	e := f.fails(ctx, engine.ToolModelAddCube, args, apperr.ReasonRevisionMismatch)
	if e.Code != apperr.CodeInvalidState || e.Details["expected"] != int64(5) || e.Details["currentRevision"] != int64(1) {
		t.Errorf("mismatch error = %s %v", e.Code, e.Details)
	}
	if got := f.stored(p.ID); got.Revision != 1 {
		t.Errorf("revision after rejected call = %d", got.Revision)
	}
	if l := f.lock(p.ID); l != nil {
		t.Errorf("lock kept after rejected call: %+v", l)
	}

	args["ifRevision"] = 1.0
	res := f.ok(ctx, engine.ToolModelAddCube, args).(gateway.ProjectResult)
	if res.Revision != 2 {
		t.Errorf("revision = %d, want 2", res.Revision)
	}
	snap, err := engine.DecodeSnapshot(f.stored(p.ID).Snapshot)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Cubes) != 1 || snap.Cubes[0].Name != "body" {
		t.Errorf("cubes = %+v", snap.Cubes)
	}

	evs := f.hub.Since(p.ID, 1)
	if len(evs) != 1 || evs[0].Seq != 2 || evs[0].Event != events.ProjectSnapshot {
		t.Errorf("events after seq 1 = %+v", evs)
	}
}

func TestMutation_LockContention(t *testing.T) {
	f := newFixture(t, gateway.LockHold)
	first := f.as("owner", "s1")
	second := f.as("owner", "s2")
	p := f.project(first, "robot", "")

	f.ok(first, gateway.ToolLockAcquire, map[string]any{"projectId": p.ID})
	e := f.fails(second, engine.ToolModelAddCube, cubeArgs(p.ID), apperr.ReasonProjectLocked)
	if e.Details["ownerSessionId"] != "s1" {
		t.Errorf("owner details = %v", e.Details)
	}
	if got := f.stored(p.ID); got.Revision != 1 {
		t.Errorf("revision = %d after locked-out call", got.Revision)
	}

	f.ok(first, engine.ToolModelAddCube, cubeArgs(p.ID))
	f.ok(first, gateway.ToolLockRelease, map[string]any{"projectId": p.ID})
	f.ok(second, engine.ToolModelAddCube, cubeArgs(p.ID))
	if got := f.stored(p.ID); got.Revision != 3 {
		t.Errorf("revision = %d, want 3", got.Revision)
	}
}

func TestMutation_LockPolicy(t *testing.T) {
	tests := []struct {
		policy gateway.LockPolicy
		held   bool
	}{
		{gateway.LockHold, true},
		{gateway.LockRelease, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			f := newFixture(t, tt.policy)
			ctx := f.as("owner", "s1")
			p := f.project(ctx, "robot", "")
			f.ok(ctx, engine.ToolModelAddCube, cubeArgs(p.ID))

			l := f.lock(p.ID)
			if (l != nil) != tt.held {
				t.Fatalf("lock = %+v, held want %v", l, tt.held)
			}
			if tt.held && l.OwnerSessionID != "s1" {
				t.Errorf("owner session = %q", l.OwnerSessionID)
			}
		})
	}
}

func TestMutation_EngineFailureReleasesLock(t *testing.T) {
	f := newFixture(t, gateway.LockHold)
	ctx := f.as("owner", "s1")
	p := f.project(ctx, "robot", "")

	e := f.fails(ctx, engine.ToolModelRemoveCube, map[string]any{"projectId": p.ID, "cubeId": "cube_missing"}, engine.ReasonCubeNotFound)
	if e.Code != apperr.CodeInvalidPayload {
		t.Errorf("engine error code rewritten: %s", e.Code)
	}
	if l := f.lock(p.ID); l != nil {
		t.Errorf("lock held after failure: %+v", l)
	}
	if got := f.stored(p.ID); got.Revision != 1 {
		t.Errorf("revision = %d after failure", got.Revision)
	}
}

func TestAuthorization_DenialTakesNoLock(t *testing.T) {
	f := newFixture(t, gateway.LockHold)
	owner := f.as("owner", "s1")
	p := f.project(owner, "robot", "")

	bg := context.Background()
	reader, err := f.admin.UpsertRole(bg, f.ws.ID, workspace.RoleInput{Name: "reader", Permissions: []string{workspace.PermFolderRead}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.admin.SetMember(bg, f.ws.ID, "rita", []string{reader.ID}); err != nil {
		t.Fatal(err)
	}
	rita := f.as("rita", "s-rita")

	f.fails(rita, engine.ToolModelAddCube, cubeArgs(p.ID), apperr.ReasonForbiddenProjectWrite)
	if l := f.lock(p.ID); l != nil {
		t.Errorf("denied call took the lock: %+v", l)
	}
	f.fails(rita, gateway.ToolFolderCreate, map[string]any{"name": "art"}, apperr.ReasonForbiddenFolderWrite)
	f.fails(rita, gateway.ToolMemberSet, map[string]any{"accountId": "x"}, apperr.ReasonForbiddenManage)

	f.ok(rita, gateway.ToolProjectTree, nil)
	f.ok(rita, engine.ToolModelGet, map[string]any{"projectId": p.ID})

	stranger := f.as("stranger", "s-x")
	f.fails(stranger, gateway.ToolProjectGet, map[string]any{"projectId": p.ID}, apperr.ReasonForbiddenRead)
}

func TestResolve_ScopeAndSystemRoles(t *testing.T) {
	f := newFixture(t, gateway.LockHold)
	p := f.project(f.as("owner", "s1"), "robot", "")

	elsewhere := requestctx.WithActor(context.Background(), requestctx.Actor{AccountID: "owner", SessionID: "s1", WorkspaceID: "ws_other"})
	e := f.fails(elsewhere, gateway.ToolProjectGet, map[string]any{"projectId": p.ID}, apperr.ReasonForbiddenRead)
	if e.Details["actorWorkspaceId"] != "ws_other" {
		t.Errorf("details = %v", e.Details)
	}

	f.fails(f.as("owner", "s1"), gateway.ToolJobDeadLetters, nil, apperr.ReasonForbiddenManage)
	f.fails(f.as("owner", "s1"), gateway.ToolWorkspaceCreate, map[string]any{"name": "x"}, apperr.ReasonForbiddenManage)

	ops := requestctx.WithActor(context.Background(), requestctx.Actor{AccountID: "ops", SystemRoles: []string{requestctx.RoleSystemAdmin}})
	f.ok(ops, gateway.ToolJobDeadLetters, nil)
	f.ok(ops, engine.ToolModelAddCube, cubeArgs(p.ID))
	ws := f.ok(ops, gateway.ToolWorkspaceCreate, map[string]any{"name": "Second", "ownerAccountId": "bob"}).(*workspace.Workspace)
	if ws.CreatedBy != "bob" {
		t.Errorf("createdBy = %q", ws.CreatedBy)
	}

	f.fails(f.as("owner", "s1"), gateway.ToolProjectGet, map[string]any{"projectId": "prj_missing"}, apperr.ReasonProjectNotFound)
}

func TestExport_QueuesJobAndTracksIt(t *testing.T) {
	f := newFixture(t, gateway.LockRelease)
	ctx := f.as("owner", "s1")
	p := f.project(ctx, "block", engine.FormatJavaBlock)

	res := f.ok(ctx, engine.ToolProjectExport, map[string]any{"projectId": p.ID, "format": engine.ExportJavaJSON}).(gateway.ProjectResult)
	jobs, ok := res.Jobs.([]*jobqueue.Job)
	if !ok || len(jobs) != 1 || jobs[0].Kind != jobqueue.KindExportConversion {
		t.Fatalf("jobs = %#v", res.Jobs)
	}
	if got := f.stored(p.ID); got.ActiveJobID != jobs[0].ID || got.Revision != 2 {
		t.Errorf("project = rev %d activeJob %q", got.Revision, got.ActiveJobID)
	}
	var payload engine.ExportPayload
	if err := json.Unmarshal(jobs[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Key != engine.ExportKey(p.ID, 2, engine.ExportJavaJSON) {
		t.Errorf("export key = %q", payload.Key)
	}

	job := f.ok(ctx, gateway.ToolJobGet, map[string]any{"jobId": jobs[0].ID}).(*jobqueue.Job)
	if job.Status != jobqueue.StatusQueued {
		t.Errorf("status = %s", job.Status)
	}

	generic := f.project(ctx, "plain", "")
	e := f.fails(ctx, engine.ToolProjectExport, map[string]any{"projectId": generic.ID, "format": engine.ExportJavaJSON}, apperr.ReasonUnsupportedExportFormat)
	if e.Code != apperr.CodeUnsupportedFormat {
		t.Errorf("code = %s", e.Code)
	}
}

func TestProjectDelete_CascadesUnderHeldLock(t *testing.T) {
	f := newFixture(t, gateway.LockHold)
	ctx := f.as("owner", "s1")
	folder := f.ok(ctx, gateway.ToolFolderCreate, map[string]any{"name": "props"}).(*projecttree.Folder)
	p := f.ok(ctx, gateway.ToolProjectCreate, map[string]any{"name": "crate", "parentFolderId": folder.ID}).(*project.Project)
	f.ok(ctx, engine.ToolTexturePreflight, map[string]any{"projectId": p.ID})

	f.ok(ctx, gateway.ToolProjectDelete, map[string]any{"projectId": p.ID})
	if l := f.lock(p.ID); l != nil {
		t.Errorf("lock survived delete: %+v", l)
	}
	jobs, err := f.jobs.ListByProject(context.Background(), p.ID)
	if err != nil || len(jobs) != 0 {
		t.Errorf("jobs after delete = %d, %v", len(jobs), err)
	}
	f.fails(ctx, gateway.ToolProjectGet, map[string]any{"projectId": p.ID}, apperr.ReasonProjectNotFound)
}

func TestFolderMove_AuthorizesDestination(t *testing.T) {
	f := newFixture(t, gateway.LockHold)
	owner := f.as("owner", "s1")
	a := f.ok(owner, gateway.ToolFolderCreate, map[string]any{"name": "A"}).(*projecttree.Folder)
	b := f.ok(owner, gateway.ToolFolderCreate, map[string]any{"name": "B"}).(*projecttree.Folder)

	bg := context.Background()
	editor, err := f.admin.UpsertRole(bg, f.ws.ID, workspace.RoleInput{Name: "editor", Permissions: []string{workspace.PermFolderRead, workspace.PermFolderWrite}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.admin.SetMember(bg, f.ws.ID, "eve", []string{editor.ID}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.admin.SetFolderACL(bg, f.ws.ID, &b.ID, editor.ID, "", workspace.EffectDeny); err != nil {
		t.Fatal(err)
	}
	eve := f.as("eve", "s-eve")

	f.fails(eve, gateway.ToolFolderMove, map[string]any{"folderId": a.ID, "parentFolderId": b.ID}, apperr.ReasonForbiddenFolderWrite)
	f.ok(owner, gateway.ToolFolderMove, map[string]any{"folderId": a.ID, "parentFolderId": b.ID})
	f.fails(owner, gateway.ToolFolderMove, map[string]any{"folderId": b.ID, "parentFolderId": a.ID}, apperr.ReasonFolderCycle)
}

func TestResponse_JSONEnvelope(t *testing.T) {
	f := newFixture(t, gateway.LockHold)
	resp := f.d.Invoke(f.as("owner", "s1"), "missing", nil)
	raw, err := resp.JSON()
	if err != nil {
		t.Fatal(err)
	}
	var env struct {
		OK    bool `json:"ok"`
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatal(err)
	}
	if env.OK || env.Error.Code != string(apperr.CodeInvalidPayload) || env.Error.Details["reason"] != apperr.ReasonUnknownTool {
		t.Errorf("envelope = %s", raw)
	}
}

func TestParseLockPolicy(t *testing.T) {
	for in, want := range map[string]gateway.LockPolicy{"": gateway.LockHold, "HOLD": gateway.LockHold, " release ": gateway.LockRelease} {
		got, err := gateway.ParseLockPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseLockPolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := gateway.ParseLockPolicy("keep"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

type downEngine struct{ *engine.Local }

func (downEngine) Health(context.Context) engine.Health {
	return engine.Health{Engine: "remote"}
}

func TestEngineUnavailable(t *testing.T) {
	f := newFixtureWith(t, gateway.LockHold, downEngine{engine.NewLocal(entityid.New("down"))})
	ctx := f.as("owner", "s1")
	p := f.project(ctx, "robot", "")

	e := f.fails(ctx, engine.ToolModelAddCube, cubeArgs(p.ID), apperr.ReasonEngineUnavailable)
	if e.Details["engine"] != "remote" {
		t.Errorf("details = %v", e.Details)
	}
	if l := f.lock(p.ID); l != nil {
		t.Errorf("lock taken while engine is down: %+v", l)
	}
	f.ok(ctx, gateway.ToolProjectRename, map[string]any{"projectId": p.ID, "name": "robot2"})
}

func TestProjectEvents_ReplaysAfterSeq(t *testing.T) {
	f := newFixture(t, gateway.LockRelease)
	ctx := f.as("owner", "s1")
	p := f.project(ctx, "robot", "")
	f.ok(ctx, engine.ToolModelAddCube, cubeArgs(p.ID))
	f.ok(ctx, engine.ToolModelAddCube, cubeArgs(p.ID))

	data := f.ok(ctx, gateway.ToolProjectEvents, map[string]any{"projectId": p.ID, "afterSeq": 2.0}).(map[string]any)
	evs, _ := data["events"].([]events.Event)
	if len(evs) != 1 || evs[0].Seq != 3 || data["revision"] != int64(3) {
		t.Errorf("events after seq 2 = %+v (revision %v)", evs, data["revision"])
	}

	stranger := f.as("stranger", "s-x")
	f.fails(stranger, gateway.ToolProjectEvents, map[string]any{"projectId": p.ID}, apperr.ReasonForbiddenRead)
}

func TestJobList_ActiveOnly(t *testing.T) {
	f := newFixture(t, gateway.LockRelease)
	ctx := f.as("owner", "s1")
	p := f.project(ctx, "crate", "")
	f.ok(ctx, engine.ToolTexturePreflight, map[string]any{"projectId": p.ID})
	f.ok(ctx, engine.ToolTexturePreflight, map[string]any{"projectId": p.ID})

	claimed, err := f.jobs.ClaimNext(context.Background(), "w1")
	if err != nil || claimed == nil {
		t.Fatalf("claim = %+v, %v", claimed, err)
	}
	if _, err := f.jobs.Complete(context.Background(), claimed.ID, "w1", nil); err != nil {
		t.Fatal(err)
	}

	all := f.ok(ctx, gateway.ToolJobList, map[string]any{"projectId": p.ID}).(map[string]any)
	active := f.ok(ctx, gateway.ToolJobList, map[string]any{"projectId": p.ID, "activeOnly": true}).(map[string]any)
	if n := len(all["jobs"].([]*jobqueue.Job)); n != 2 {
		t.Errorf("all jobs = %d, want 2", n)
	}
	got := active["jobs"].([]*jobqueue.Job)
	if len(got) != 1 || got[0].ID == claimed.ID {
		t.Errorf("active jobs = %+v", got)
	}
}
