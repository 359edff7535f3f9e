// Package buildrun wraps the packaging toolchain: the debuild/rpmbuild
// runners, the build-dependency diagnoser and the artifact installer the
// engine drives. Everything here shells out; nothing interprets build output
// beyond dependency diagnosis.
package buildrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"pkgforge-agent/internal/queue"
)

// Runner executes debuild and rpmbuild in package source directories.
type Runner struct {
	parallel int
	logger   *slog.Logger
}

func NewRunner(parallel int, logger *slog.Logger) *Runner {
	return &Runner{parallel: parallel, logger: logger}
}

// Execute runs the toolchain for one task. The exit code is the toolchain's
// own; err is non-nil only when the command could not be started.
func (r *Runner) Execute(ctx context.Context, path string, kind queue.Kind, extraArgs []string) (int, string, error) {
	var cmd []string
	switch kind {
	case queue.KindDebian:
		cmd = append([]string{"debuild", "-us", "-uc", "-b"}, extraArgs...)
	case queue.KindRPM:
		spec, err := findSpecFile(path)
		if err != nil {
			return 0, "", err
		}
		cmd = append([]string{"rpmbuild", "-ba", spec}, extraArgs...)
	default:
		return 0, "", fmt.Errorf("unsupported task kind %q", kind)
	}

	r.logger.Info("starting build", "dir", path, "cmd", strings.Join(cmd, " "))
	c := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	c.Dir = path
	c.Env = r.buildEnv()
	out, err := c.CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), string(out), nil
		}
		return 0, string(out), fmt.Errorf("failed to run %s: %w", cmd[0], err)
	}
	return 0, string(out), nil
}

func (r *Runner) buildEnv() []string {
	env := os.Environ()
	env = ensureEnv(env, "DEBIAN_FRONTEND", "noninteractive")
	if r.parallel > 0 {
		env = ensureEnv(env, "DEB_BUILD_OPTIONS", fmt.Sprintf("parallel=%d", r.parallel))
	}
	return env
}

// ensureEnv appends key=value unless the key is already set.
func ensureEnv(env []string, key, value string) []string {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return env
		}
	}
	return append(env, prefix+value)
}

func findSpecFile(path string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(path, "*.spec"))
	if err != nil || len(matches) == 0 {
		return "", fmt.Errorf("no rpm spec file found in %s", path)
	}
	return matches[0], nil
}
