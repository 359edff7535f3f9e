package pkglock

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkgforge-agent/internal/config"
)

const contentionOutput = "E: Could not get lock /var/lib/dpkg/lock-frontend. It is held by process 1234 (apt)"

type scriptedRunner struct {
	mainCmd []string
	exits   []int
	calls   [][]string
}

func (s *scriptedRunner) run(ctx context.Context, dir string, cmd []string) (Result, error) {
	s.calls = append(s.calls, cmd)
	if strings.Join(cmd, " ") != strings.Join(s.mainCmd, " ") {
		// Repair and cleanup commands always succeed.
		return Result{}, nil
	}
	if len(s.exits) == 0 {
		return Result{}, nil
	}
	code := s.exits[0]
	s.exits = s.exits[1:]
	if code != 0 {
		return Result{ExitCode: code, Combined: contentionOutput}, nil
	}
	return Result{}, nil
}

func newTestGuard(t *testing.T, cfg config.LockConfig, runner *scriptedRunner) (*Guard, *[]syscall.Signal) {
	t.Helper()
	var signals []syscall.Signal
	g := &Guard{
		cfg:       cfg,
		logger:    slog.New(slog.NewTextHandler(os.Stderr, nil)),
		run:       runner.run,
		probeBusy: func(string) bool { return false },
		signal: func(pid int, sig syscall.Signal) error {
			signals = append(signals, sig)
			return nil
		},
		alive: func(pid int) bool { return false },
		sleep: func(time.Duration) {},
	}
	return g, &signals
}

func TestExtractLockPIDs(t *testing.T) {
	pids := extractLockPIDs("held by process 1234 (apt)\nheld by process: 99\nheld by process 1234")
	assert.Equal(t, []int{99, 1234}, pids)
	assert.Empty(t, extractLockPIDs("nothing relevant here"))
}

func TestHasLockSignature(t *testing.T) {
	assert.True(t, hasLockSignature("E: dpkg was interrupted, you must manually run 'dpkg --configure -a'"))
	assert.True(t, hasLockSignature("Unable to acquire the dpkg frontend lock"))
	assert.False(t, hasLockSignature("gcc: error: no input files"))
}

func TestRunSucceedsFirstTry(t *testing.T) {
	runner := &scriptedRunner{mainCmd: []string{"apt-get", "install", "-y", "foo"}}
	g, _ := newTestGuard(t, config.LockConfig{MaxRetries: 3}, runner)

	res, err := g.Run(context.Background(), "", "apt-get", "install", "-y", "foo")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Len(t, runner.calls, 1)
}

func TestContentionWithRecoveryDisabledReturnsOriginalFailure(t *testing.T) {
	runner := &scriptedRunner{
		mainCmd: []string{"apt-get", "install", "-y", "foo"},
		exits:   []int{100},
	}
	g, signals := newTestGuard(t, config.LockConfig{
		MaxRetries:      3,
		WaitForLock:     false,
		AutoKillHolders: false,
	}, runner)

	res, err := g.Run(context.Background(), "", "apt-get", "install", "-y", "foo")
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 100, res.ExitCode)
	assert.Empty(t, *signals, "no termination attempted")
	assert.Len(t, runner.calls, 1, "no repair commands issued")
}

func TestNonContentionFailureDoesNotRetry(t *testing.T) {
	runner := &scriptedRunner{mainCmd: []string{"dpkg", "-i", "foo.deb"}}
	g, _ := newTestGuard(t, config.LockConfig{MaxRetries: 3, AutoKillHolders: true}, runner)
	g.run = func(ctx context.Context, dir string, cmd []string) (Result, error) {
		runner.calls = append(runner.calls, cmd)
		return Result{ExitCode: 2, Combined: "dependency problems prevent configuration"}, nil
	}

	_, err := g.Run(context.Background(), "", "dpkg", "-i", "foo.deb")
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Len(t, runner.calls, 1)
}

func TestWaitRecoveryDoesNotConsumeCredit(t *testing.T) {
	dir := t.TempDir()
	lockFile := filepath.Join(dir, "dpkg-lock")
	require.NoError(t, os.WriteFile(lockFile, nil, 0644))

	runner := &scriptedRunner{
		mainCmd: []string{"apt-get", "install", "-y", "foo"},
		exits:   []int{100, 100, 0},
	}
	// One credit, but both recoveries succeed by waiting, so the command is
	// retried twice without ever consuming it.
	g, signals := newTestGuard(t, config.LockConfig{
		MaxRetries:      1,
		WaitForLock:     true,
		WaitTimeout:     time.Second,
		WaitInterval:    time.Millisecond,
		NativeLockFiles: []string{lockFile},
	}, runner)

	res, err := g.Run(context.Background(), "", "apt-get", "install", "-y", "foo")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Len(t, runner.calls, 3)
	assert.Empty(t, *signals)
}

func TestKillRecoveryConsumesCreditAndRepairs(t *testing.T) {
	runner := &scriptedRunner{
		mainCmd: []string{"apt-get", "install", "-y", "foo"},
		exits:   []int{100, 0},
	}
	g, signals := newTestGuard(t, config.LockConfig{
		MaxRetries:        1,
		AutoKillHolders:   true,
		BrokenDepsPackage: "broken-build-deps",
	}, runner)

	res, err := g.Run(context.Background(), "", "apt-get", "install", "-y", "foo")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, *signals,
		"holder gone after SIGTERM, no SIGKILL needed")

	var repairs []string
	for _, cmd := range runner.calls {
		repairs = append(repairs, strings.Join(cmd, " "))
	}
	assert.Contains(t, repairs, "dpkg --configure -a")
	assert.Contains(t, repairs, "apt-get -f install -y")
	assert.Contains(t, repairs, "apt-get remove --purge -y broken-build-deps")
}

func TestKillRecoveryExhaustsCredits(t *testing.T) {
	runner := &scriptedRunner{
		mainCmd: []string{"apt-get", "install", "-y", "foo"},
		exits:   []int{100, 100},
	}
	g, signals := newTestGuard(t, config.LockConfig{
		MaxRetries:      1,
		AutoKillHolders: true,
	}, runner)

	_, err := g.Run(context.Background(), "", "apt-get", "install", "-y", "foo")
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 100, exitErr.Result.ExitCode)
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, *signals,
		"no second termination once the credit is spent")
}

func TestAdvisoryLockSerializes(t *testing.T) {
	dir := t.TempDir()
	runner := &scriptedRunner{mainCmd: []string{"true"}}
	g, _ := newTestGuard(t, config.LockConfig{
		Path:           filepath.Join(dir, "pkg.lock"),
		AcquireTimeout: time.Second,
	}, runner)

	_, err := g.Run(context.Background(), "", "true")
	require.NoError(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "pkg.lock"))
	assert.NoError(t, statErr, "lock file created on demand")
}
