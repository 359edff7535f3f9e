// Package pkglock wraps mutating package-manager commands with a shared
// advisory file lock and a recovery protocol for contention on the package
// manager's own locks. The lock file is host-global: every process that
// mutates installed-package state must route through the same path.
package pkglock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"syscall"
	"time"

	"pkgforge-agent/internal/config"
)

// lockSignatures are output phrases that indicate the package manager lock is
// held by another process.
var lockSignatures = []string{
	"could not get lock",
	"unable to acquire the dpkg frontend lock",
	"is another process using it?",
	"is locked by another process",
	"dpkg was interrupted",
}

var lockPIDRe = regexp.MustCompile(`(?i)process\D*(\d+)`)

// Result carries the outcome of a guarded command.
type Result struct {
	ExitCode int
	Combined string
}

// ExitError is returned when the guarded command ultimately failed. It keeps
// the last captured output so callers can report it.
type ExitError struct {
	Cmd    []string
	Result Result
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q exited with status %d", strings.Join(e.Cmd, " "), e.Result.ExitCode)
}

// CommandRunner executes a command and returns its exit code plus combined
// output. Injectable for tests.
type CommandRunner func(ctx context.Context, dir string, cmd []string) (Result, error)

// Guard serializes mutating operations behind the advisory lock and recovers
// from contention on the native package-manager locks.
type Guard struct {
	cfg    config.LockConfig
	logger *slog.Logger

	run       CommandRunner
	probeBusy func(path string) bool
	signal    func(pid int, sig syscall.Signal) error
	alive     func(pid int) bool
	sleep     func(d time.Duration)
}

// NewGuard creates a guard using the real command runner and process probes.
func NewGuard(cfg config.LockConfig, logger *slog.Logger) *Guard {
	return &Guard{
		cfg:       cfg,
		logger:    logger,
		run:       execRunner,
		probeBusy: fuserBusy,
		signal:    func(pid int, sig syscall.Signal) error { return syscall.Kill(pid, sig) },
		alive:     func(pid int) bool { return syscall.Kill(pid, 0) == nil },
		sleep:     time.Sleep,
	}
}

// Run executes cmd under the advisory lock, applying the recovery protocol on
// lock contention. A nil error means the command exited zero. Recovery
// attempts that required terminating holder processes consume one retry
// credit each; attempts that succeeded by waiting do not. Exhausted retries
// surface the last failure as *ExitError.
func (g *Guard) Run(ctx context.Context, dir string, cmd ...string) (Result, error) {
	attempts := 0
	var last Result
	for {
		res, err := g.runLocked(ctx, dir, cmd)
		if err != nil {
			return res, err
		}
		if res.ExitCode == 0 {
			return res, nil
		}
		last = res

		retry, consumed := g.recover(ctx, cmd, res.Combined, attempts < g.cfg.MaxRetries)
		if retry {
			if consumed {
				attempts++
			}
			g.logger.Info("retrying command after lock recovery", "cmd", cmd[0], "attempt", attempts)
			continue
		}
		return last, &ExitError{Cmd: cmd, Result: last}
	}
}

// runLocked takes the advisory lock for the duration of one command.
func (g *Guard) runLocked(ctx context.Context, dir string, cmd []string) (Result, error) {
	release, err := g.acquire(ctx)
	if err != nil {
		return Result{}, err
	}
	defer release()
	return g.run(ctx, dir, cmd)
}

// acquire takes the advisory flock with a bounded wait.
func (g *Guard) acquire(ctx context.Context) (func(), error) {
	if g.cfg.Path == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(g.cfg.Path), 0755); err != nil {
		g.logger.Warn("failed to ensure lock directory, running unlocked", "error", err)
		return func() {}, nil
	}
	f, err := os.OpenFile(g.cfg.Path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	deadline := time.Now().Add(g.cfg.AcquireTimeout)
	for {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if err != syscall.EWOULDBLOCK {
			f.Close()
			return nil, fmt.Errorf("failed to acquire advisory lock: %w", err)
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("timed out waiting for advisory lock %s", g.cfg.Path)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}

// recover inspects failed output for contention and tries to clear it.
// Returns (retry, consumedCredit). Waiting the lock out is free; forced
// termination needs a retry credit and is skipped when none remain.
func (g *Guard) recover(ctx context.Context, cmd []string, combined string, creditAvailable bool) (bool, bool) {
	pids := extractLockPIDs(combined)
	if len(pids) == 0 && !hasLockSignature(combined) {
		return false, false
	}

	g.logger.Warn("detected package manager lock contention", "cmd", strings.Join(cmd, " "), "holders", pids)

	if g.waitForLockRelease(ctx) {
		g.logger.Info("lock released after waiting, will retry command")
		return true, false
	}

	if !g.cfg.AutoKillHolders {
		g.logger.Warn("auto-kill of lock holders disabled, returning original failure")
		return false, false
	}
	if !creditAvailable {
		g.logger.Warn("lock recovery retries exhausted, returning last failure")
		return false, false
	}

	g.terminate(pids)
	g.repair(ctx)
	return true, true
}

// waitForLockRelease polls the native lock files until they are free or the
// wait budget runs out.
func (g *Guard) waitForLockRelease(ctx context.Context) bool {
	if !g.cfg.WaitForLock || g.cfg.WaitTimeout <= 0 {
		return false
	}
	g.logger.Info("waiting for package manager lock to clear", "timeout", g.cfg.WaitTimeout)
	deadline := time.Now().Add(g.cfg.WaitTimeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return false
		}
		busy := false
		for _, lock := range g.cfg.NativeLockFiles {
			if _, err := os.Stat(lock); err != nil {
				continue
			}
			if g.probeBusy(lock) {
				busy = true
				break
			}
		}
		if !busy {
			return true
		}
		g.sleep(g.cfg.WaitInterval)
	}
	g.logger.Warn("lock still held after waiting", "timeout", g.cfg.WaitTimeout)
	return false
}

// terminate sends TERM then KILL to surviving holders, never targeting this
// process or its parent.
func (g *Guard) terminate(pids []int) {
	victims := make(map[int]bool)
	self, parent := os.Getpid(), os.Getppid()
	for _, pid := range pids {
		if pid != self && pid != parent {
			victims[pid] = true
		}
	}
	if len(victims) == 0 {
		return
	}
	g.logger.Warn("terminating lock holders", "pids", sortedPIDs(victims))
	for _, sig := range []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL} {
		for pid := range victims {
			if err := g.signal(pid, sig); err != nil {
				g.logger.Warn("failed to signal lock holder", "pid", pid, "signal", sig, "error", err)
			}
		}
		if sig == syscall.SIGTERM {
			g.sleep(5 * time.Second)
		}
		for pid := range victims {
			if !g.alive(pid) {
				delete(victims, pid)
			}
		}
		if len(victims) == 0 {
			break
		}
	}
}

// repair runs the best-effort dpkg/apt repair sequence, purging the known
// broken dependency-synthesis package when configured.
func (g *Guard) repair(ctx context.Context) {
	g.fixState(ctx)
	if g.cfg.BrokenDepsPackage != "" {
		res, err := g.runLocked(ctx, "", []string{"apt-get", "remove", "--purge", "-y", g.cfg.BrokenDepsPackage})
		if err != nil || res.ExitCode != 0 {
			g.logger.Warn("failed to purge broken build-deps package, continuing", "package", g.cfg.BrokenDepsPackage)
		}
		g.fixState(ctx)
	}
}

func (g *Guard) fixState(ctx context.Context) {
	for _, cmd := range [][]string{
		{"dpkg", "--configure", "-a"},
		{"apt-get", "-f", "install", "-y"},
	} {
		res, err := g.runLocked(ctx, "", cmd)
		if err != nil {
			g.logger.Warn("repair command failed to run", "cmd", strings.Join(cmd, " "), "error", err)
			continue
		}
		if res.ExitCode != 0 {
			g.logger.Warn("repair command returned non-zero", "cmd", strings.Join(cmd, " "), "exit_code", res.ExitCode)
		}
	}
}

// extractLockPIDs pulls holder process IDs out of lock-contention output.
func extractLockPIDs(output string) []int {
	seen := make(map[int]bool)
	var pids []int
	for _, match := range lockPIDRe.FindAllStringSubmatch(output, -1) {
		var pid int
		if _, err := fmt.Sscanf(match[1], "%d", &pid); err != nil {
			continue
		}
		if !seen[pid] {
			seen[pid] = true
			pids = append(pids, pid)
		}
	}
	sort.Ints(pids)
	return pids
}

func hasLockSignature(output string) bool {
	lower := strings.ToLower(output)
	for _, sig := range lockSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

func sortedPIDs(set map[int]bool) []int {
	pids := make([]int, 0, len(set))
	for pid := range set {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// execRunner is the real CommandRunner.
func execRunner(ctx context.Context, dir string, cmd []string) (Result, error) {
	c := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	c.Dir = dir
	c.Env = append(os.Environ(), "DEBIAN_FRONTEND=noninteractive")
	out, err := c.CombinedOutput()
	res := Result{Combined: string(out)}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("failed to run %s: %w", cmd[0], err)
	}
	return res, nil
}

// fuserBusy reports whether any process holds the given lock file. fuser
// exits zero only when at least one process has the file open; a missing
// fuser binary degrades to not-busy.
func fuserBusy(path string) bool {
	return exec.Command("fuser", path).Run() == nil
}
