// Package swarm provides operations against a Docker Swarm cluster by
// shelling out to the docker CLI.
package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/joho/godotenv"
)

// Orchestrator is the narrow contract the reconcile engine drives. All
// operations are idempotent at the CLI boundary: the engine may repeat any
// call with identical inputs.
type Orchestrator interface {
	// ListStacks returns the names of currently deployed stacks
	ListStacks(ctx context.Context) ([]string, error)
	// Deploy creates or updates a stack from a compose file. envPath, when
	// non-empty, names an env file whose variables are exported for compose
	// interpolation.
	Deploy(ctx context.Context, name, composePath, envPath string) error
	// Remove tears down a deployed stack
	Remove(ctx context.Context, name string) error
}

// CLIClient implements Orchestrator using the docker command
type CLIClient struct {
	logger *slog.Logger
}

// NewCLIClient creates a new docker CLI client
func NewCLIClient(logger *slog.Logger) *CLIClient {
	return &CLIClient{logger: logger}
}

// ListStacks returns the names of deployed stacks via docker stack ls
func (c *CLIClient) ListStacks(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, "docker", "stack", "ls", "--format", "{{.Name}}")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("docker stack ls failed: %w", err)
	}

	var stacks []string
	for _, line := range strings.Split(string(output), "\n") {
		if name := strings.TrimSpace(line); name != "" {
			stacks = append(stacks, name)
		}
	}
	return stacks, nil
}

// Deploy runs docker stack deploy for the given compose file. Variables from
// the env file are merged over the process environment so the compose file
// can interpolate them.
func (c *CLIClient) Deploy(ctx context.Context, name, composePath, envPath string) error {
	cmd := exec.CommandContext(ctx, "docker", "stack", "deploy", "-c", composePath, name)

	if envPath != "" {
		env, err := c.loadEnvFile(envPath)
		if err != nil {
			// A broken env file should not block the deploy itself, matching
			// the per-stack containment policy. The compose file simply sees
			// the plain process environment.
			c.logger.Warn("failed to load env file, deploying without it", "stack", name, "env_file", envPath, "error", err)
		} else {
			cmd.Env = env
		}
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker stack deploy failed for %s: %w: %s", name, err, strings.TrimSpace(string(output)))
	}

	c.logger.Debug("docker stack deploy succeeded", "stack", name, "output", strings.TrimSpace(string(output)))
	return nil
}

// Remove runs docker stack rm for the given stack
func (c *CLIClient) Remove(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, "docker", "stack", "rm", name)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker stack rm failed for %s: %w: %s", name, err, strings.TrimSpace(string(output)))
	}

	c.logger.Debug("docker stack rm succeeded", "stack", name)
	return nil
}

// Ping checks whether the docker CLI can reach a Swarm manager. Used for a
// startup diagnostic only; reconcile cycles never gate on it.
func (c *CLIClient) Ping(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "docker", "info", "--format", "{{.Swarm.LocalNodeState}}")
	output, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("docker info failed: %w", err)
	}

	state := strings.TrimSpace(string(output))
	if state != "active" {
		return fmt.Errorf("node is not part of an active swarm (state: %s)", state)
	}
	return nil
}

// loadEnvFile parses an env file and returns the process environment with
// the file's variables appended (file entries win on conflict).
func (c *CLIClient) loadEnvFile(envPath string) ([]string, error) {
	vars, err := godotenv.Read(envPath)
	if err != nil {
		return nil, err
	}

	env := os.Environ()
	for key, value := range vars {
		env = append(env, key+"="+value)
	}

	c.logger.Debug("loaded env file", "path", envPath, "vars", len(vars))
	return env, nil
}
