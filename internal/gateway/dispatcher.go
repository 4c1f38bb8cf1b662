// Package gateway is the single entry point every tool invocation passes
// through: decode, resolve the target, authorize, lock, check the
// revision, delegate, commit, publish.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sigee-min/bbmcp/internal/apperr"
	"github.com/sigee-min/bbmcp/internal/engine"
	"github.com/sigee-min/bbmcp/internal/events"
	"github.com/sigee-min/bbmcp/internal/jobqueue"
	"github.com/sigee-min/bbmcp/internal/project"
	"github.com/sigee-min/bbmcp/internal/projectlock"
	"github.com/sigee-min/bbmcp/internal/projecttree"
	"github.com/sigee-min/bbmcp/internal/requestctx"
	"github.com/sigee-min/bbmcp/internal/tool"
	"github.com/sigee-min/bbmcp/internal/workspace"
)

const tracerName = "github.com/sigee-min/bbmcp/internal/gateway"

// timeNow is a package-level variable for testing.
var timeNow = time.Now

// LockPolicy decides what happens to the project lock after a successful
// mutation.
type LockPolicy string

const (
	// LockHold refreshes the lease so the caller keeps the project.
	LockHold LockPolicy = "hold"
	// LockRelease gives the project back after every mutation.
	LockRelease LockPolicy = "release"
)

// ParseLockPolicy validates a policy name. Empty means LockHold.
func ParseLockPolicy(s string) (LockPolicy, error) {
	switch p := LockPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return LockHold, nil
	case LockHold, LockRelease:
		return p, nil
	}
	return "", fmt.Errorf("invalid lock policy %q: must be hold or release", s)
}

// Deps are the components the dispatcher orchestrates.
type Deps struct {
	Authorizer *workspace.Authorizer
	Admin      *workspace.Admin
	Tree       *projecttree.Store
	Projects   project.Repository
	Locks      *projectlock.Manager
	Jobs       *jobqueue.Queue
	Engine     engine.Backend
	// Publisher receives project_snapshot events for engine mutations.
	// Tree operations publish through the tree store's own publisher.
	Publisher projecttree.Publisher
	// Events serves project_events. Optional.
	Events EventLog
}

// EventLog replays retained project events.
type EventLog interface {
	Since(projectID string, after int64) []events.Event
}

// Config tunes the dispatcher.
type Config struct {
	LockTTL    time.Duration
	LockPolicy LockPolicy
	Logger     zerolog.Logger
	// Tracer defaults to the global OpenTelemetry provider.
	Tracer trace.Tracer
}

// Invocation is one resolved tool call as the handlers see it.
type Invocation struct {
	Tool        string
	Actor       requestctx.Actor
	Args        tool.Args
	WorkspaceID string
	FolderID    *string
	Project     *project.Project
	Job         *jobqueue.Job
}

type handlerFunc func(ctx context.Context, inv *Invocation) (any, error)

type entry struct {
	spec tool.Spec
	// handle is nil for engine tools.
	handle handlerFunc
}

type builtin struct {
	spec   tool.Spec
	handle handlerFunc
}

// Dispatcher routes tool invocations.
type Dispatcher struct {
	deps    Deps
	cfg     Config
	log     zerolog.Logger
	tools   map[string]*entry
	catalog *Catalog
}

// New wires a Dispatcher and registers the built-in tools plus the
// engine's tools. Duplicate tool names are an error.
func New(deps Deps, cfg Config) (*Dispatcher, error) {
	if deps.Authorizer == nil || deps.Admin == nil || deps.Tree == nil || deps.Projects == nil ||
		deps.Locks == nil || deps.Jobs == nil || deps.Engine == nil {
		return nil, errors.New("gateway: missing dependency")
	}
	policy, err := ParseLockPolicy(string(cfg.LockPolicy))
	if err != nil {
		return nil, err
	}
	cfg.LockPolicy = policy
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = deps.Locks.TTL()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}

	d := &Dispatcher{
		deps:  deps,
		cfg:   cfg,
		log:   cfg.Logger.With().Str("component", "gateway").Logger(),
		tools: make(map[string]*entry),
	}
	var all []builtin
	all = append(all, d.treeTools()...)
	all = append(all, d.lockTools()...)
	all = append(all, d.jobTools()...)
	all = append(all, d.adminTools()...)
	all = append(all, d.metaTools()...)
	for _, b := range all {
		if err := d.register(b.spec, b.handle); err != nil {
			return nil, err
		}
	}
	for _, s := range deps.Engine.Tools() {
		if err := d.register(s, nil); err != nil {
			return nil, err
		}
	}
	d.catalog = NewCatalog(d.Specs())
	return d, nil
}

func (d *Dispatcher) register(s tool.Spec, h handlerFunc) error {
	if s.Name == "" {
		return errors.New("gateway: tool without a name")
	}
	if _, dup := d.tools[s.Name]; dup {
		return fmt.Errorf("gateway: duplicate tool %q", s.Name)
	}
	if s.Mutating && s.Target != tool.TargetProject {
		return fmt.Errorf("gateway: mutating tool %q must target a project", s.Name)
	}
	d.tools[s.Name] = &entry{spec: s, handle: h}
	return nil
}

// Specs returns every registered tool, sorted by name.
func (d *Dispatcher) Specs() []tool.Spec {
	out := make([]tool.Spec, 0, len(d.tools))
	for _, e := range d.tools {
		out = append(out, e.spec)
	}
	slices.SortFunc(out, func(a, b tool.Spec) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// VisibleTools lists the tools the actor in ctx can call in its own
// workspace.
func (d *Dispatcher) VisibleTools(ctx context.Context) ([]tool.Spec, error) {
	actor, _ := requestctx.ActorFromContext(ctx)
	perms, err := d.deps.Authorizer.Permissions(ctx, actor, actor.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if actor.Elevated() {
		perms = append(perms, SystemPermission)
	}
	return d.catalog.Visible(perms)
}

// Invoke runs one tool call for the actor carried by ctx. It never
// returns a Go error: failures are reported in the envelope.
func (d *Dispatcher) Invoke(ctx context.Context, name string, raw map[string]any) Response {
	actor, _ := requestctx.ActorFromContext(ctx)
	start := timeNow()

	ctx, span := d.cfg.Tracer.Start(ctx, "gateway.invoke", trace.WithAttributes(
		attribute.String("bbmcp.tool", name),
		attribute.String("bbmcp.account_id", actor.AccountID),
		attribute.String("bbmcp.workspace_id", actor.WorkspaceID),
	))
	defer span.End()

	data, err := d.invoke(ctx, actor, name, raw)
	resp := respond(data, err)

	var ev *zerolog.Event
	switch {
	case resp.OK:
		span.SetStatus(codes.Ok, "")
		ev = d.log.Info()
	default:
		span.SetAttributes(
			attribute.String("bbmcp.error_code", string(resp.Error.Code)),
			attribute.String("bbmcp.reason", resp.Error.Reason()),
		)
		span.SetStatus(codes.Error, resp.Error.Message)
		if resp.Error.Code == apperr.CodeUnknown {
			span.RecordError(err)
			ev = d.log.Error().Err(err)
		} else {
			ev = d.log.Warn().Str("code", string(resp.Error.Code)).Str("reason", resp.Error.Reason())
		}
	}
	ev.Str("tool", name).
		Str("account", actor.AccountID).
		Str("session", actor.SessionID).
		Bool("ok", resp.OK).
		Dur("elapsed", timeNow().Sub(start)).
		Msg("tool invocation")
	return resp
}

func (d *Dispatcher) invoke(ctx context.Context, actor requestctx.Actor, name string, raw map[string]any) (any, error) {
	e, ok := d.tools[name]
	if !ok {
		return nil, apperr.InvalidPayload(apperr.ReasonUnknownTool, "unknown tool: "+name).With("tool", name)
	}
	args, err := tool.Decode(e.spec.AllParams(), raw)
	if err != nil {
		return nil, err
	}
	if e.spec.SystemOnly && !actor.Elevated() {
		return nil, apperr.InvalidState(apperr.ReasonForbiddenManage, name+" requires a system role").
			With("tool", name)
	}

	inv := &Invocation{Tool: name, Actor: actor, Args: args}
	if err := d.resolve(ctx, e.spec, inv); err != nil {
		return nil, err
	}
	if e.spec.Action != "" && e.spec.Target != tool.TargetNone {
		if err := d.authorize(ctx, inv, e.spec.Action, inv.FolderID); err != nil {
			return nil, err
		}
	}

	if e.handle == nil {
		if h := d.deps.Engine.Health(ctx); !h.Available {
			return nil, apperr.InvalidState(apperr.ReasonEngineUnavailable, "modeling engine is unavailable").
				With("engine", h.Engine)
		}
	}

	switch {
	case e.spec.Mutating:
		return d.mutate(ctx, e, inv)
	case e.handle == nil:
		return d.read(ctx, e.spec, inv)
	}
	return e.handle(ctx, inv)
}

// resolve fills the workspace, folder, project and job an invocation
// acts on.
func (d *Dispatcher) resolve(ctx context.Context, s tool.Spec, inv *Invocation) error {
	switch s.Target {
	case tool.TargetWorkspace, tool.TargetFolder:
		ws := inv.Args.String(tool.ArgWorkspaceID)
		if ws == "" {
			ws = inv.Actor.WorkspaceID
		}
		if ws == "" {
			return apperr.InvalidPayload(apperr.ReasonMissingField, "workspaceId is required").
				With("field", tool.ArgWorkspaceID)
		}
		if err := checkScope(inv.Actor, ws); err != nil {
			return err
		}
		inv.WorkspaceID = ws
		if s.Target == tool.TargetFolder {
			inv.FolderID = inv.Args.StringPtr(s.FolderParam)
		}
	case tool.TargetProject:
		p, err := d.findProject(ctx, inv.Args.String(tool.ArgProjectID))
		if err != nil {
			return err
		}
		if err := checkScope(inv.Actor, p.WorkspaceID); err != nil {
			return err
		}
		inv.Project = p
		inv.WorkspaceID = p.WorkspaceID
		inv.FolderID = p.ParentFolderID
	case tool.TargetJob:
		job, err := d.deps.Jobs.Get(ctx, inv.Args.String(tool.ArgJobID))
		if err != nil {
			return err
		}
		p, err := d.findProject(ctx, job.ProjectID)
		if err != nil {
			return err
		}
		if err := checkScope(inv.Actor, p.WorkspaceID); err != nil {
			return err
		}
		inv.Job = job
		inv.Project = p
		inv.WorkspaceID = p.WorkspaceID
		inv.FolderID = p.ParentFolderID
	}
	return nil
}

func (d *Dispatcher) authorize(ctx context.Context, inv *Invocation, action workspace.Action, folderID *string) error {
	return d.deps.Authorizer.Authorize(ctx, inv.Actor, workspace.Request{
		WorkspaceID: inv.WorkspaceID,
		Action:      action,
		FolderID:    folderID,
	})
}

// checkScope rejects actors pinned to a different workspace.
func checkScope(actor requestctx.Actor, workspaceID string) error {
	if actor.WorkspaceID == "" || actor.WorkspaceID == workspaceID || actor.Elevated() {
		return nil
	}
	return apperr.InvalidState(apperr.ReasonForbiddenRead, "actor is scoped to another workspace").
		With("workspaceId", workspaceID).
		With("actorWorkspaceId", actor.WorkspaceID)
}

func (d *Dispatcher) findProject(ctx context.Context, id string) (*project.Project, error) {
	p, err := d.deps.Projects.Find(ctx, project.Scope{}, id)
	if errors.Is(err, project.ErrNotFound) {
		return nil, apperr.InvalidPayload(apperr.ReasonProjectNotFound, "project not found: "+id).With("projectId", id)
	}
	if err != nil {
		return nil, fmt.Errorf("gateway: loading project %s: %w", id, err)
	}
	return p, nil
}

// lockOwner derives the lock owner pair from the actor. Callers without a
// session share their account's lease.
func lockOwner(actor requestctx.Actor) (agent, session string) {
	session = actor.SessionID
	if session == "" {
		session = "account:" + actor.AccountID
	}
	return actor.AccountID, session
}

// mutate runs a mutating project tool under the project lock.
func (d *Dispatcher) mutate(ctx context.Context, e *entry, inv *Invocation) (any, error) {
	projectID := inv.Project.ID
	agent, session := lockOwner(inv.Actor)
	if _, err := d.deps.Locks.Acquire(ctx, projectID, agent, session, d.cfg.LockTTL); err != nil {
		return nil, err
	}

	committed := false
	defer func() {
		if !committed {
			d.releaseLock(ctx, projectID, agent, session)
		}
	}()

	// Re-read under the lock; the record resolved before acquiring may be
	// stale.
	current, err := d.findProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	inv.Project = current
	if inv.Args.Has(tool.ArgIfRevision) {
		if want := inv.Args.Int(tool.ArgIfRevision); want != current.Revision {
			return nil, revisionMismatch(projectID, want, current.Revision)
		}
	}

	var data any
	if e.handle != nil {
		data, err = e.handle(ctx, inv)
	} else {
		data, err = d.applyEngine(ctx, e.spec, inv)
	}
	if err != nil {
		return nil, err
	}
	committed = true

	switch d.cfg.LockPolicy {
	case LockRelease:
		d.releaseLock(ctx, projectID, agent, session)
	default:
		if _, err := d.deps.Locks.Refresh(ctx, projectID, agent, session, d.cfg.LockTTL); err != nil &&
			!apperr.HasReason(err, apperr.ReasonLockHolderMismatch) {
			d.log.Warn().Err(err).Str("project", projectID).Msg("lock refresh failed")
		}
	}
	return data, nil
}

func (d *Dispatcher) releaseLock(ctx context.Context, projectID, agent, session string) {
	err := d.deps.Locks.Release(context.WithoutCancel(ctx), projectID, agent, session)
	if err != nil && !apperr.HasReason(err, apperr.ReasonLockHolderMismatch) {
		d.log.Warn().Err(err).Str("project", projectID).Msg("lock release failed")
	}
}

// applyEngine delegates to the engine and commits its result: jobs first,
// then the snapshot at Revision+1, then the event.
func (d *Dispatcher) applyEngine(ctx context.Context, s tool.Spec, inv *Invocation) (any, error) {
	p := inv.Project
	res, err := d.deps.Engine.Handle(ctx, engine.Call{Tool: s.Name, Project: p.Clone(), Args: inv.Args})
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &engine.Result{}
	}

	next := p.Clone()
	if res.Snapshot != nil {
		next.Snapshot = res.Snapshot
	}
	next.Revision = p.Revision + 1
	next.UpdatedAt = timeNow().UTC()

	jobs := make([]*jobqueue.Job, 0, len(res.Jobs))
	for _, req := range res.Jobs {
		job, err := d.deps.Jobs.Submit(ctx, p.ID, req.Kind, req.Payload, jobqueue.Options{})
		if err != nil {
			return nil, err
		}
		next.ActiveJobID = job.ID
		jobs = append(jobs, job)
	}

	if err := d.deps.Projects.Save(ctx, next, p.Revision); err != nil {
		if errors.Is(err, project.ErrRevisionConflict) {
			latest, ferr := d.findProject(ctx, p.ID)
			if ferr != nil {
				return nil, ferr
			}
			return nil, revisionMismatch(p.ID, p.Revision, latest.Revision)
		}
		return nil, fmt.Errorf("gateway: saving project %s: %w", p.ID, err)
	}

	if d.deps.Publisher != nil {
		if err := d.deps.Publisher.Publish(next.ID, next.Revision, next); err != nil {
			d.log.Warn().Err(err).Str("project", next.ID).Msg("publishing snapshot failed")
		}
	}

	out := ProjectResult{ProjectID: next.ID, Revision: next.Revision, Result: res.Data}
	if len(jobs) > 0 {
		out.Jobs = jobs
	}
	return out, nil
}

// read runs a read-only engine tool.
func (d *Dispatcher) read(ctx context.Context, s tool.Spec, inv *Invocation) (any, error) {
	if inv.Project == nil {
		return nil, fmt.Errorf("gateway: engine tool %s has no project target", s.Name)
	}
	res, err := d.deps.Engine.Handle(ctx, engine.Call{Tool: s.Name, Project: inv.Project.Clone(), Args: inv.Args})
	if err != nil {
		return nil, err
	}
	var data any
	if res != nil {
		data = res.Data
	}
	return ProjectResult{ProjectID: inv.Project.ID, Revision: inv.Project.Revision, Result: data}, nil
}

func revisionMismatch(projectID string, expected, current int64) *apperr.Error {
	return apperr.InvalidState(apperr.ReasonRevisionMismatch,
		fmt.Sprintf("project %s is at revision %d, not %d", projectID, current, expected)).
		With("projectId", projectID).
		With("expected", expected).
		With("currentRevision", current)
}
