// Package revision tracks the last-observed repository revision and gates
// reconcile cycles on it.
package revision

import (
	"context"
	"log/slog"

	"github.com/schaermu/swarmsyncd/internal/git"
)

// Tracker holds the last repository commit observed across syncs. It is the
// coarse "did desired state change" gate only; per-stack change detection is
// driven by fingerprints, never by the commit.
type Tracker struct {
	git     git.Client
	url     string
	ref     string
	destDir string
	logger  *slog.Logger

	// current is empty until the first successful sync
	current string
}

// NewTracker creates a tracker for the given repository.
func NewTracker(gitClient git.Client, url, ref, destDir string, logger *slog.Logger) *Tracker {
	return &Tracker{
		git:     gitClient,
		url:     url,
		ref:     ref,
		destDir: destDir,
		logger:  logger,
	}
}

// Sync fetches the repository and reports whether the checked-out commit
// differs from the last one observed. The first successful sync always
// reports a change so the initial cycle reconciles everything. On error the
// stored commit is untouched and the caller must abort the cycle. The stored
// commit is overwritten on every successful sync, changed or not.
func (t *Tracker) Sync(ctx context.Context) (bool, error) {
	commit, err := t.git.EnsureCheckout(ctx, t.url, t.ref, t.destDir)
	if err != nil {
		return false, err
	}

	changed := t.current == "" || commit != t.current
	if changed {
		t.logger.Info("repository revision changed", "commit", commit, "previous", t.previousForLog())
	} else {
		t.logger.Debug("repository revision unchanged", "commit", commit)
	}

	t.current = commit
	return changed, nil
}

// Current returns the last observed commit, or empty if never synced.
func (t *Tracker) Current() string {
	return t.current
}

// Restore seeds the tracker with a previously persisted commit so a restart
// with persisted state does not force a spurious full cycle. A no-op for an
// empty commit.
func (t *Tracker) Restore(commit string) {
	if commit == "" {
		return
	}
	t.current = commit
}

func (t *Tracker) previousForLog() string {
	if t.current == "" {
		return "none"
	}
	return t.current
}
