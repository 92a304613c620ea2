// Package stack resolves the desired set of Docker Swarm stacks from a
// stacks manifest in the repository, falling back to stacks defined inline
// in the agent configuration.
package stack

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/swarmsyncd/internal/config"
	"github.com/schaermu/swarmsyncd/internal/metrics"
)

// Spec is one validated stack definition. Name is unique within a resolved
// snapshot; paths are relative to the repo source directory.
type Spec struct {
	Name        string
	ComposeFile string
	EnvFile     string
	Enabled     bool
}

// manifest is the on-disk shape of the stacks file
type manifest struct {
	Stacks []record `yaml:"stacks"`
}

// record is one raw manifest entry before validation
type record struct {
	Name        string `yaml:"name"`
	ComposeFile string `yaml:"compose_file"`
	EnvFile     string `yaml:"env_file"`
	Enabled     *bool  `yaml:"enabled"`
}

// Resolver turns raw stack records into a validated, deduplicated spec set.
type Resolver struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewResolver creates a resolver bound to the agent configuration.
func NewResolver(cfg *config.Config, logger *slog.Logger) *Resolver {
	return &Resolver{cfg: cfg, logger: logger}
}

// Resolve returns the current desired stack set. The manifest file inside
// the checkout takes precedence; the inline list from the agent config is
// used only when the manifest is absent. The two sources are never merged.
// No source, or an unparseable manifest, yields an empty slice: nothing to
// do rather than a fatal condition. Records that fail validation are
// reported and skipped; the batch continues.
func (r *Resolver) Resolve() []Spec {
	records, source := r.loadRecords()
	if records == nil {
		return []Spec{}
	}

	specs := make([]Spec, 0, len(records))
	seen := make(map[string]bool)

	for _, rec := range records {
		spec, err := rec.validate()
		if err != nil {
			r.logger.Error("skipping invalid stack record", "source", source, "error", err)
			metrics.ResolutionErrors.Inc()
			continue
		}

		// Duplicate names: first-seen-wins, deterministically.
		if seen[spec.Name] {
			r.logger.Warn("skipping duplicate stack name (first definition wins)", "stack", spec.Name, "source", source)
			metrics.ResolutionErrors.Inc()
			continue
		}
		seen[spec.Name] = true

		specs = append(specs, spec)
	}

	r.logger.Info("resolved desired stacks", "count", len(specs), "source", source)
	return specs
}

// loadRecords picks the desired-state source and returns its raw records.
// A nil return means no usable source.
func (r *Resolver) loadRecords() ([]record, string) {
	manifestPath := r.cfg.StacksFilePath()

	if _, err := os.Stat(manifestPath); err == nil {
		data, err := os.ReadFile(manifestPath)
		if err != nil {
			r.logger.Error("failed to read stacks manifest", "path", manifestPath, "error", err)
			return nil, ""
		}

		var m manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			r.logger.Error("failed to parse stacks manifest", "path", manifestPath, "error", err)
			return nil, ""
		}

		r.logger.Debug("loaded stacks manifest from repository", "path", manifestPath)
		return m.Stacks, "manifest"
	}

	if len(r.cfg.Stacks.Inline) > 0 {
		records := make([]record, 0, len(r.cfg.Stacks.Inline))
		for _, s := range r.cfg.Stacks.Inline {
			records = append(records, record{
				Name:        s.Name,
				ComposeFile: s.ComposeFile,
				EnvFile:     s.EnvFile,
				Enabled:     s.Enabled,
			})
		}
		r.logger.Debug("using inline stacks from agent configuration")
		return records, "inline"
	}

	r.logger.Warn("no stacks configured", "manifest", manifestPath)
	return nil, ""
}

// validate converts a raw record into a Spec, rejecting incomplete entries.
func (rec record) validate() (Spec, error) {
	if rec.Name == "" {
		return Spec{}, fmt.Errorf("stack record is missing required field: name")
	}
	if rec.ComposeFile == "" {
		return Spec{}, fmt.Errorf("stack %q is missing required field: compose_file", rec.Name)
	}

	enabled := true
	if rec.Enabled != nil {
		enabled = *rec.Enabled
	}

	return Spec{
		Name:        rec.Name,
		ComposeFile: rec.ComposeFile,
		EnvFile:     rec.EnvFile,
		Enabled:     enabled,
	}, nil
}
