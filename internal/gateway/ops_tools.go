package gateway

import (
	"context"
	"slices"
	"time"

	"github.com/sigee-min/bbmcp/internal/events"
	"github.com/sigee-min/bbmcp/internal/jobqueue"
	"github.com/sigee-min/bbmcp/internal/tool"
	"github.com/sigee-min/bbmcp/internal/workspace"
)

// Lock, job and meta tool names.
const (
	ToolLockAcquire    = "project_lock_acquire"
	ToolLockRefresh    = "project_lock_refresh"
	ToolLockRelease    = "project_lock_release"
	ToolLockStatus     = "project_lock_status"
	ToolJobGet         = "job_get"
	ToolJobList        = "job_list"
	ToolJobDeadLetters = "job_dead_letters"
	ToolProjectEvents  = "project_events"
	ToolEngineHealth   = "engine_health"
	ToolCatalog        = "tool_catalog"
)

var paramTTL = tool.Param{Name: "ttlMs", Kind: tool.KindInt, Description: "Lease in milliseconds. Defaults to the server's lock TTL."}

func (d *Dispatcher) lockTools() []builtin {
	return []builtin{
		{tool.Spec{
			Name:        ToolLockAcquire,
			Description: "Take the project lock for this session, or extend it if already held. Fails with project_locked while another session holds a live lease.",
			Params:      []tool.Param{paramTTL},
			Target:      tool.TargetProject,
			Action:      workspace.ActionProjectWrite,
		}, d.lockAcquire},
		{tool.Spec{
			Name:        ToolLockRefresh,
			Description: "Extend this session's project lock.",
			Params:      []tool.Param{paramTTL},
			Target:      tool.TargetProject,
			Action:      workspace.ActionProjectWrite,
		}, d.lockRefresh},
		{tool.Spec{
			Name:        ToolLockRelease,
			Description: "Release this session's project lock.",
			Target:      tool.TargetProject,
			Action:      workspace.ActionProjectWrite,
		}, d.lockRelease},
		{tool.Spec{
			Name:        ToolLockStatus,
			Description: "Return the live project lock, or null.",
			Target:      tool.TargetProject,
			Action:      workspace.ActionRead,
		}, d.lockStatus},
	}
}

func (d *Dispatcher) jobTools() []builtin {
	return []builtin{
		{tool.Spec{
			Name:        ToolJobGet,
			Description: "Return one job with its status, attempts and result.",
			Target:      tool.TargetJob,
			Action:      workspace.ActionRead,
		}, d.jobGet},
		{tool.Spec{
			Name:        ToolJobList,
			Description: "List a project's jobs, oldest first.",
			Params:      []tool.Param{{Name: "activeOnly", Kind: tool.KindBool, Description: "Omit completed and failed jobs."}},
			Target:      tool.TargetProject,
			Action:      workspace.ActionRead,
		}, d.jobList},
		{tool.Spec{
			Name:        ToolJobDeadLetters,
			Description: "List jobs that exhausted their attempts.",
			Target:      tool.TargetNone,
			SystemOnly:  true,
		}, d.jobDeadLetters},
	}
}

func (d *Dispatcher) metaTools() []builtin {
	return []builtin{
		{tool.Spec{
			Name:        ToolProjectEvents,
			Description: "Replay the project's recent snapshot events with seq greater than afterSeq.",
			Params:      []tool.Param{{Name: "afterSeq", Kind: tool.KindInt, Description: "Last seq already seen. Defaults to 0."}},
			Target:      tool.TargetProject,
			Action:      workspace.ActionRead,
		}, d.projectEvents},
		{tool.Spec{
			Name:        ToolEngineHealth,
			Description: "Report whether the modeling engine is available.",
			Target:      tool.TargetNone,
		}, d.engineHealth},
		{tool.Spec{
			Name:        ToolCatalog,
			Description: "List the tools available to the caller in its workspace.",
			Target:      tool.TargetNone,
		}, d.toolCatalog},
	}
}

func (d *Dispatcher) lease(inv *Invocation) time.Duration {
	if ms := inv.Args.Int("ttlMs"); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return d.cfg.LockTTL
}

func (d *Dispatcher) lockAcquire(ctx context.Context, inv *Invocation) (any, error) {
	agent, session := lockOwner(inv.Actor)
	return d.deps.Locks.Acquire(ctx, inv.Project.ID, agent, session, d.lease(inv))
}

func (d *Dispatcher) lockRefresh(ctx context.Context, inv *Invocation) (any, error) {
	agent, session := lockOwner(inv.Actor)
	return d.deps.Locks.Refresh(ctx, inv.Project.ID, agent, session, d.lease(inv))
}

func (d *Dispatcher) lockRelease(ctx context.Context, inv *Invocation) (any, error) {
	agent, session := lockOwner(inv.Actor)
	if err := d.deps.Locks.Release(ctx, inv.Project.ID, agent, session); err != nil {
		return nil, err
	}
	return map[string]any{"projectId": inv.Project.ID, "released": true}, nil
}

func (d *Dispatcher) lockStatus(ctx context.Context, inv *Invocation) (any, error) {
	l, err := d.deps.Locks.Get(ctx, inv.Project.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"projectId": inv.Project.ID, "lock": l}, nil
}

func (d *Dispatcher) jobGet(_ context.Context, inv *Invocation) (any, error) {
	return inv.Job, nil
}

func (d *Dispatcher) jobList(ctx context.Context, inv *Invocation) (any, error) {
	jobs, err := d.deps.Jobs.ListByProject(ctx, inv.Project.ID)
	if err != nil {
		return nil, err
	}
	if inv.Args.Bool("activeOnly") {
		jobs = slices.DeleteFunc(jobs, (*jobqueue.Job).Terminal)
	}
	return map[string]any{"projectId": inv.Project.ID, "jobs": jobs}, nil
}

func (d *Dispatcher) jobDeadLetters(ctx context.Context, _ *Invocation) (any, error) {
	jobs, err := d.deps.Jobs.ListDeadLetters(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"jobs": jobs}, nil
}

func (d *Dispatcher) projectEvents(_ context.Context, inv *Invocation) (any, error) {
	evs := []events.Event{}
	if d.deps.Events != nil {
		if got := d.deps.Events.Since(inv.Project.ID, inv.Args.Int("afterSeq")); got != nil {
			evs = got
		}
	}
	return map[string]any{"projectId": inv.Project.ID, "revision": inv.Project.Revision, "events": evs}, nil
}

func (d *Dispatcher) engineHealth(ctx context.Context, _ *Invocation) (any, error) {
	return d.deps.Engine.Health(ctx), nil
}

type catalogEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Mutating    bool   `json:"mutating,omitempty"`
}

func (d *Dispatcher) toolCatalog(ctx context.Context, _ *Invocation) (any, error) {
	specs, err := d.VisibleTools(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]catalogEntry, 0, len(specs))
	for _, s := range specs {
		out = append(out, catalogEntry{Name: s.Name, Description: s.Description, Mutating: s.Mutating})
	}
	return map[string]any{"tools": out}, nil
}
