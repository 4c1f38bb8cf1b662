// Package server wires all bbmcp components and creates the MCP server.
//
// This is the composition root: it opens the configured store, builds the
// lock manager, job queue, tree store, authorizer and gateway, and exposes
// the gateway's tools, resources and prompts over MCP. No business logic
// lives here, only wiring.
package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/sigee-min/bbmcp/internal/blob"
	"github.com/sigee-min/bbmcp/internal/config"
	"github.com/sigee-min/bbmcp/internal/engine"
	"github.com/sigee-min/bbmcp/internal/entityid"
	"github.com/sigee-min/bbmcp/internal/events"
	"github.com/sigee-min/bbmcp/internal/gateway"
	"github.com/sigee-min/bbmcp/internal/jobqueue"
	"github.com/sigee-min/bbmcp/internal/project"
	"github.com/sigee-min/bbmcp/internal/projectlock"
	"github.com/sigee-min/bbmcp/internal/projecttree"
	"github.com/sigee-min/bbmcp/internal/prompts"
	"github.com/sigee-min/bbmcp/internal/resources"
	"github.com/sigee-min/bbmcp/internal/storage/memory"
	"github.com/sigee-min/bbmcp/internal/storage/sqlite"
	"github.com/sigee-min/bbmcp/internal/tools"
	"github.com/sigee-min/bbmcp/internal/workspace"
)

// Version is set at build time via ldflags.
var Version = "dev"

// projectStore is what both storage backends offer for project records
// and workspace trees.
type projectStore interface {
	project.Repository
	projecttree.Repository
}

type stores struct {
	projects   projectStore
	locks      projectlock.Store
	jobs       jobqueue.Store
	workspaces workspace.Repository
	close      func() error
}

func openStores(cfg config.Config) (*stores, error) {
	switch cfg.Store {
	case config.StoreMemory:
		m := memory.New()
		return &stores{m.Projects, m.Locks, m.Jobs, m.Workspaces, m.Close}, nil
	case config.StoreSQLite:
		s, err := sqlite.New(sqlite.Config{DataDir: cfg.DataDir})
		if err != nil {
			return nil, err
		}
		return &stores{s.Projects, s.Locks, s.Jobs, s.Workspaces, s.Close}, nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// Runtime holds the wired components of one process.
type Runtime struct {
	cfg   config.Config
	log   zerolog.Logger
	store *stores

	Hub        *events.Hub
	Locks      *projectlock.Manager
	Jobs       *jobqueue.Queue
	Tree       *projecttree.Store
	Admin      *workspace.Admin
	Dispatcher *gateway.Dispatcher
	runner     *engine.JobRunner

	unsubscribe []func()
}

// Build resolves every dependency from cfg. Close must be called on
// shutdown.
func Build(cfg config.Config, log zerolog.Logger) (*Runtime, error) {
	policy, err := gateway.ParseLockPolicy(cfg.LockPolicy)
	if err != nil {
		return nil, err
	}

	st, err := openStores(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store, err)
	}
	blobs, err := blob.NewFileStore(cfg.BlobDir())
	if err != nil {
		_ = st.close()
		return nil, fmt.Errorf("opening blob store: %w", err)
	}

	ids := entityid.New(cfg.IDSeed)
	hub := events.NewHub(cfg.EventStreamSize)
	locks := projectlock.NewManager(st.locks, cfg.LockTTL)
	jobs := jobqueue.New(st.jobs, ids, jobqueue.Options{
		MaxAttempts: cfg.JobMaxAttempts,
		Lease:       cfg.JobLease,
	})
	tree := projecttree.NewStore(st.projects, st.projects, ids, projecttree.Config{
		MaxFolderDepth: cfg.MaxFolderDepth,
		Publisher:      hub,
		Cleaners:       []projecttree.Cleaner{locks, jobs, hub},
		Logger:         log,
	})
	admin := workspace.NewAdmin(st.workspaces, ids, tree)

	d, err := gateway.New(gateway.Deps{
		Authorizer: workspace.NewAuthorizer(st.workspaces, tree),
		Admin:      admin,
		Tree:       tree,
		Projects:   st.projects,
		Locks:      locks,
		Jobs:       jobs,
		Engine:     engine.NewLocal(ids),
		Publisher:  hub,
		Events:     hub,
	}, gateway.Config{
		LockTTL:    cfg.LockTTL,
		LockPolicy: policy,
		Logger:     log,
	})
	if err != nil {
		_ = st.close()
		return nil, fmt.Errorf("creating gateway: %w", err)
	}

	return &Runtime{
		cfg:        cfg,
		log:        log,
		store:      st,
		Hub:        hub,
		Locks:      locks,
		Jobs:       jobs,
		Tree:       tree,
		Admin:      admin,
		Dispatcher: d,
		runner:     engine.NewJobRunner(st.projects, blobs),
	}, nil
}

// Close detaches event forwarding and closes the store.
func (r *Runtime) Close() error {
	for _, unsub := range r.unsubscribe {
		unsub()
	}
	r.unsubscribe = nil
	return r.store.close()
}

// NewMCPServer creates the MCP server with every gateway tool, resource
// and prompt registered. Snapshot events are forwarded to connected
// clients as resource updates of the project URI.
func (r *Runtime) NewMCPServer() *server.MCPServer {
	s := server.NewMCPServer(
		"bbmcp",
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true),
		server.WithPromptCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)

	// --- Register gateway tools ---

	all := tools.FromDispatcher(r.Dispatcher)
	for _, t := range all {
		s.AddTool(t.Definition(), t.Handle)
	}

	// --- Register resources ---

	res := resources.NewHandler(r.Dispatcher, Version, len(all))
	s.AddResource(res.StatusResource(), res.HandleStatus)
	s.AddResourceTemplate(res.ProjectTemplate(), res.HandleProject)
	s.AddResourceTemplate(res.TreeTemplate(), res.HandleTree)

	// --- Register prompts ---

	mutatePrompt := prompts.NewMutatePrompt()
	s.AddPrompt(mutatePrompt.Definition(), mutatePrompt.Handle)

	workspacePrompt := prompts.NewWorkspacePrompt()
	s.AddPrompt(workspacePrompt.Definition(), workspacePrompt.Handle)

	r.unsubscribe = append(r.unsubscribe, r.Hub.Subscribe(func(ev events.Event) {
		s.SendNotificationToAllClients("notifications/resources/updated", map[string]any{
			"uri": resources.ProjectURI(ev.ProjectID),
		})
	}))

	r.log.Info().Int("tools", len(all)).Str("store", r.cfg.Store).Msg("mcp server ready")
	return s
}

// NewWorker creates a job worker running the local engine's handlers.
func (r *Runtime) NewWorker() *jobqueue.Worker {
	return jobqueue.NewWorker(r.Jobs, r.runner.Handlers(), r.cfg.JobPollInterval, r.log)
}

// RunWorkers runs n workers until ctx is cancelled.
func (r *Runtime) RunWorkers(ctx context.Context, n int) error {
	if n <= 0 {
		return errors.New("at least one worker is required")
	}
	r.log.Info().Int("workers", n).Msg("starting job workers")
	return jobqueue.RunPool(ctx, n, r.NewWorker)
}

// serverInstructions returns the system instructions that tell the AI
// how to use bbmcp.
func serverInstructions() string {
	return `You have access to bbmcp, a control plane for shared 3D model projects.

## HOW PROJECTS ARE ORGANIZED

Projects live in folders inside a workspace. Call project_tree to see them
and workspace_get to see your permissions. tool_catalog lists only the
tools you may call.

## EDITING A PROJECT

Every project has a revision that grows by one with each committed change.

1. Read the project (project_get or model_get) and note its revision.
2. Take the lock with project_lock_acquire. Mutating tools also take it
   for you, but holding it keeps other sessions out between your edits.
3. Pass ifRevision on every mutating call. A revision_mismatch means
   someone else changed the project: re-read before retrying.
4. A project_locked error names the owning session and when its lock
   expires. Do not retry in a loop; tell the user.
5. Exports and texture preflight run as jobs. Poll job_get until the job
   is completed or failed.
6. Release the lock with project_lock_release when you are done.

## RESPONSES

Every tool returns {"ok":true,"data":...} or
{"ok":false,"error":{"code","message","details"}}. details.reason is
always set and is the value to branch on.`
}
