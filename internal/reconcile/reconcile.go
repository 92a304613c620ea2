// Package reconcile implements the level-based reconciliation engine: it
// diffs the desired stack set against last-applied fingerprints and the
// deployed stacks, and converges the cluster with the minimal set of
// deploy/remove actions.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/schaermu/swarmsyncd/internal/config"
	"github.com/schaermu/swarmsyncd/internal/fingerprint"
	"github.com/schaermu/swarmsyncd/internal/git"
	"github.com/schaermu/swarmsyncd/internal/metrics"
	"github.com/schaermu/swarmsyncd/internal/revision"
	"github.com/schaermu/swarmsyncd/internal/stack"
	"github.com/schaermu/swarmsyncd/internal/swarm"
)

// Engine orchestrates one reconciliation cycle: sync, resolve, diff, execute.
// It owns the fingerprint cache and the revision tracker exclusively; no
// concurrent access, cycles run strictly one at a time.
type Engine struct {
	cfg      *config.Config
	tracker  *revision.Tracker
	resolver *stack.Resolver
	swarm    swarm.Orchestrator
	logger   *slog.Logger
	dryRun   bool

	// cache maps stack name to the fingerprint last successfully applied.
	// Written only after a successful deploy, cleared on successful remove.
	// nil until the first cycle restores or initializes it.
	cache map[string]string
}

// NewEngine creates a new reconcile engine
func NewEngine(cfg *config.Config, gitClient git.Client, orchestrator swarm.Orchestrator, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:      cfg,
		tracker:  revision.NewTracker(gitClient, cfg.Repo.URL, cfg.Repo.Ref, cfg.RepoDir(), logger),
		resolver: stack.NewResolver(cfg, logger),
		swarm:    orchestrator,
		logger:   logger,
		dryRun:   dryRun,
	}
}

// Run executes one reconciliation cycle. A sync failure aborts the cycle
// with no state mutated; every other failure is contained at stack
// granularity and the batch continues.
func (e *Engine) Run(ctx context.Context) error {
	start := time.Now()

	e.logger.Info("starting reconciliation",
		"repo", e.cfg.Repo.URL,
		"ref", e.cfg.Repo.Ref,
		"dry_run", e.dryRun)

	// Ensure state directory exists
	if err := os.MkdirAll(e.cfg.Paths.StateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	e.initCache()

	// Fetch repository; the commit gate decides whether the cycle proceeds
	changed, err := e.tracker.Sync(ctx)
	if err != nil {
		metrics.SyncErrors.Inc()
		return fmt.Errorf("failed to sync repository: %w", err)
	}

	if !changed {
		e.logger.Info("no repository changes, skipping reconciliation", "commit", e.tracker.Current())
		metrics.CyclesSkipped.Inc()
		return nil
	}

	// Resolve desired state
	specs := e.resolver.Resolve()
	if len(specs) == 0 {
		e.logger.Warn("no stacks configured, nothing to reconcile")
		return nil
	}

	managed := make(map[string]bool, len(specs))
	for _, s := range specs {
		managed[s.Name] = true
	}
	metrics.ManagedStacks.Set(float64(len(managed)))

	// Deploy pass runs fully before the removal pass, so a stack renamed in
	// one commit comes up under its new name before the old one is torn down.
	enabled := e.deployPass(ctx, specs)
	metrics.EnabledStacks.Set(float64(len(enabled)))

	e.removalPass(ctx, managed, enabled)

	if e.cfg.Sync.PersistState && !e.dryRun {
		if err := e.saveState(); err != nil {
			e.logger.Warn("failed to persist state", "error", err)
		}
	}

	metrics.CyclesTotal.Inc()
	metrics.CycleDuration.Observe(time.Since(start).Seconds())
	e.logger.Info("reconciliation complete", "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// RunLoop reconciles periodically until the context is cancelled.
// Cancellation is at cycle granularity: a running cycle finishes its current
// action before the loop exits. Cycle errors are logged and the loop
// continues; nothing is retried faster than the next scheduled cycle.
func (e *Engine) RunLoop(ctx context.Context) error {
	interval := e.cfg.Sync.PollInterval
	e.logger.Info("starting reconcile loop", "poll_interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := e.Run(ctx); err != nil {
			e.logger.Error("reconciliation failed", "error", err)
		}

		select {
		case <-ctx.Done():
			e.logger.Info("reconcile loop stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// deployPass processes specs in resolver order and returns the set of
// enabled stack names. Disabled specs are skipped; per-stack failures are
// reported and do not stop the batch.
func (e *Engine) deployPass(ctx context.Context, specs []stack.Spec) map[string]bool {
	enabled := make(map[string]bool)

	for _, spec := range specs {
		if !spec.Enabled {
			e.logger.Info("stack is disabled, skipping deployment", "stack", spec.Name)
			continue
		}
		enabled[spec.Name] = true

		composePath := e.cfg.ResolveFile(spec.ComposeFile)
		if _, err := os.Stat(composePath); err != nil {
			e.logger.Error("compose file not found, skipping stack", "stack", spec.Name, "path", composePath)
			metrics.DeployFailures.Inc()
			continue
		}

		envPath := ""
		if spec.EnvFile != "" {
			envPath = e.cfg.ResolveFile(spec.EnvFile)
			if _, err := os.Stat(envPath); err != nil {
				e.logger.Warn("env file specified but not found, deploying without it", "stack", spec.Name, "path", envPath)
				envPath = ""
			}
		}

		fp, err := fingerprint.Stack(composePath, envPath)
		if err != nil {
			e.logger.Error("failed to fingerprint stack, skipping", "stack", spec.Name, "error", err)
			metrics.DeployFailures.Inc()
			continue
		}

		if e.cache[spec.Name] == fp {
			e.logger.Debug("stack is up to date", "stack", spec.Name)
			continue
		}

		if e.dryRun {
			e.logger.Info("[dry-run] would deploy stack", "stack", spec.Name, "compose", composePath)
			continue
		}

		e.logger.Info("deploying stack", "stack", spec.Name)
		if err := e.swarm.Deploy(ctx, spec.Name, composePath, envPath); err != nil {
			// Cache entry stays untouched so the fingerprint mismatch
			// persists and the next cycle retries the deploy.
			e.logger.Error("failed to deploy stack", "stack", spec.Name, "error", err)
			metrics.DeployFailures.Inc()
			continue
		}

		e.cache[spec.Name] = fp
		metrics.DeploysTotal.Inc()
		e.logger.Info("stack deployed", "stack", spec.Name)
	}

	return enabled
}

// removalPass removes deployed stacks that are managed (named in the current
// spec set) but not enabled. Deployed stacks the resolver does not currently
// recognize are never touched: removal-on-disappearance is out of scope,
// only an explicit enabled: false triggers removal.
func (e *Engine) removalPass(ctx context.Context, managed, enabled map[string]bool) {
	deployed, err := e.swarm.ListStacks(ctx)
	if err != nil {
		// Best-effort snapshot: without it, nothing can be removed this
		// cycle, but the deploy pass already ran.
		e.logger.Error("failed to list deployed stacks, skipping removal pass", "error", err)
		return
	}

	for _, name := range deployed {
		if !managed[name] || enabled[name] {
			continue
		}

		if e.dryRun {
			e.logger.Info("[dry-run] would remove stack", "stack", name)
			continue
		}

		e.logger.Info("stack is disabled, removing", "stack", name)
		if err := e.swarm.Remove(ctx, name); err != nil {
			e.logger.Error("failed to remove stack", "stack", name, "error", err)
			metrics.RemoveFailures.Inc()
			continue
		}

		delete(e.cache, name)
		metrics.RemovesTotal.Inc()
		e.logger.Info("stack removed", "stack", name)
	}
}

// initCache initializes the fingerprint cache on the first cycle, restoring
// persisted state when configured.
func (e *Engine) initCache() {
	if e.cache != nil {
		return
	}

	if e.cfg.Sync.PersistState {
		state, err := loadState(e.cfg.StateFilePath())
		if err != nil {
			e.logger.Warn("failed to load persisted state, starting with a cold cache", "error", err)
		} else {
			e.cache = state.Fingerprints
			e.tracker.Restore(state.Commit)
			if len(state.Fingerprints) > 0 {
				e.logger.Info("restored persisted state", "stacks", len(state.Fingerprints), "commit", state.Commit)
			}
			return
		}
	}

	e.cache = make(map[string]string)
}

// saveState persists the fingerprint cache and current commit
func (e *Engine) saveState() error {
	return saveState(e.cfg.StateFilePath(), &State{
		Commit:       e.tracker.Current(),
		Fingerprints: e.cache,
	})
}
