// Package engine runs the build queue: strictly sequential task execution
// with dependency-driven queue splicing on failure. The engine owns the
// in-memory execution order for one run; durable queue state flows through
// the store after every completion.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"pkgforge-agent/internal/config"
	"pkgforge-agent/internal/queue"
)

// Task states as reported in run results.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// TaskResult is the terminal outcome of one task in a run.
type TaskResult struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Summary is the outcome of one engine run.
type Summary struct {
	RunID     string       `json:"run_id"`
	Attempted int          `json:"attempted"`
	Succeeded []string     `json:"succeeded"`
	Failed    []string     `json:"failed"`
	Paused    bool         `json:"paused"`
	Aborted   bool         `json:"aborted"`
	Results   []TaskResult `json:"results"`
}

// Options select per-run behavior.
type Options struct {
	IncludeCompleted bool
	InstallArtifacts bool
	MarkPrebuilt     bool
	ExtraArgs        []string
}

// Engine drives the queue through the build collaborators.
type Engine struct {
	cfg       *config.Config
	store     *queue.Store
	runner    BuildRunner
	diagnoser DepDiagnoser
	installer Installer
	logger    *slog.Logger

	// ContinuePolicy is asked after each unrecoverable task failure whether
	// the run should keep going. Nil means always continue.
	ContinuePolicy func(name string, exitCode int) bool

	// PrebuiltProbe reports whether a package already has a built artifact
	// on disk. Nil disables prebuilt marking.
	PrebuiltProbe func(ctx context.Context, dir, name string) bool
}

func New(cfg *config.Config, store *queue.Store, runner BuildRunner, diagnoser DepDiagnoser, installer Installer, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     store,
		runner:    runner,
		diagnoser: diagnoser,
		installer: installer,
		logger:    logger,
	}
}

// Run executes the queue until it is exhausted, aborted by the continue
// policy or interrupted. Interruption is observed at the loop boundary only:
// the summary comes back Paused and all persisted completions stand.
func (e *Engine) Run(ctx context.Context, opts Options) (*Summary, error) {
	e.store.Reload()

	if opts.MarkPrebuilt && e.PrebuiltProbe != nil {
		if err := e.markPrebuilt(ctx); err != nil {
			return nil, err
		}
	}

	summary := &Summary{RunID: uuid.NewString()}
	completed := make(map[string]bool)
	var items []queue.Task
	for _, entry := range e.store.Entries() {
		if entry.Completed && !opts.IncludeCompleted {
			completed[entry.Name] = true
			continue
		}
		items = append(items, entry.Tasks...)
	}
	if len(items) == 0 {
		e.logger.Info("queue is empty, nothing to build")
		return summary, nil
	}

	// Per failing task, the dependency names already spliced in on its
	// behalf. A retry that discovers nothing new is terminal.
	attempted := make(map[queue.TaskKey]map[string]bool)

	idx := 0
	for idx < len(items) {
		if ctx.Err() != nil {
			e.logger.Warn("run interrupted, queue state preserved", "remaining", len(items)-idx)
			summary.Paused = true
			break
		}
		task := items[idx]
		if !buildable(task) {
			e.logger.Warn("skipping task without buildable source directory", "package", task.Name, "path", task.Path)
			summary.Results = append(summary.Results, TaskResult{Name: task.Name, Kind: string(task.Kind), Status: StatusSkipped, Message: "source directory missing or not buildable"})
			idx++
			continue
		}

		e.logger.Info("building package", "package", task.Name, "kind", task.Kind, "dir", task.Path)
		extra := append(append([]string(nil), task.ExtraArgs...), opts.ExtraArgs...)
		exitCode, combined, err := e.runner.Execute(ctx, task.Path, task.Kind, extra)
		if err != nil {
			return summary, fmt.Errorf("build runner failed for %s: %w", task.Name, err)
		}

		if exitCode != 0 {
			if attempted[task.Key()] == nil {
				attempted[task.Key()] = make(map[string]bool)
			}
			inserted := e.spliceMissing(ctx, &items, idx, completed, attempted[task.Key()])
			if len(inserted) > 0 {
				e.logger.Info("queued missing dependencies before failing package",
					"package", task.Name, "dependencies", strings.Join(inserted, ","))
				continue
			}
			e.logger.Warn("package failed to build", "package", task.Name, "exit_code", exitCode)
			e.recordFailure(summary, task, fmt.Sprintf("build exited with status %d", exitCode), combined)
			if !e.shouldContinue(task.Name, exitCode) {
				summary.Aborted = true
				break
			}
			idx++
			continue
		}

		if opts.InstallArtifacts && e.installer != nil {
			if err := e.installer.InstallArtifacts(ctx, task.Path); err != nil {
				if !e.cfg.InstallFailAsWarning {
					e.recordFailure(summary, task, fmt.Sprintf("built but install failed: %v", err), "")
					if !e.shouldContinue(task.Name, 0) {
						summary.Aborted = true
						break
					}
					idx++
					continue
				}
				e.logger.Warn("artifact installation failed, continuing", "package", task.Name, "error", err)
			}
		}

		completed[task.Name] = true
		if err := e.store.MarkCompleted(task.Name); err != nil {
			return summary, fmt.Errorf("failed to persist completion of %s: %w", task.Name, err)
		}
		summary.Succeeded = append(summary.Succeeded, task.Name)
		summary.Results = append(summary.Results, TaskResult{Name: task.Name, Kind: string(task.Kind), Status: StatusSuccess})
		e.logger.Info("package completed", "package", task.Name)
		idx++
	}

	// Spliced dependencies count toward the run total.
	summary.Attempted = len(items)
	e.logger.Info("run finished",
		"run_id", summary.RunID,
		"succeeded", len(summary.Succeeded),
		"failed", len(summary.Failed),
		"total", summary.Attempted,
		"paused", summary.Paused)
	return summary, nil
}

func (e *Engine) recordFailure(summary *Summary, task queue.Task, message, combined string) {
	summary.Failed = append(summary.Failed, task.Name)
	if tail := outputTail(combined, 3); tail != "" {
		message = message + ": " + tail
	}
	summary.Results = append(summary.Results, TaskResult{Name: task.Name, Kind: string(task.Kind), Status: StatusFailed, Message: message})
}

func (e *Engine) shouldContinue(name string, exitCode int) bool {
	if e.ContinuePolicy == nil {
		return true
	}
	return e.ContinuePolicy(name, exitCode)
}

// spliceMissing diagnoses the failing task at idx and splices resolvable
// missing dependencies immediately before it, preserving their discovery
// order. Candidates already completed this run, or already spliced for this
// same task, are skipped. Returns the names inserted.
func (e *Engine) spliceMissing(ctx context.Context, items *[]queue.Task, idx int, completed, attempted map[string]bool) []string {
	failing := (*items)[idx]
	missing, err := e.diagnoser.DetectMissing(ctx, failing.Path)
	if err != nil {
		e.logger.Warn("dependency diagnosis failed", "package", failing.Name, "error", err)
		return nil
	}
	if len(missing) == 0 {
		return nil
	}

	var pending []queue.Task
	var inserted []string
	for _, dep := range missing {
		var target *queue.Task
		for _, candidate := range dep.Candidates {
			variants := e.nameVariants(candidate)
			if anyIn(variants, completed) || anyIn(variants, attempted) {
				continue
			}
			if pulled := pullForward(items, idx, variants); pulled != nil {
				target = pulled
				break
			}
			if resolved := e.resolveSource(variants); resolved != nil {
				target = resolved
				break
			}
		}
		if target == nil {
			e.logger.Warn("no local source found for missing dependency", "dependency", dep.Display)
			continue
		}
		if attempted[target.Name] {
			continue
		}
		attempted[target.Name] = true
		pending = append(pending, *target)
		inserted = append(inserted, target.Name)
	}
	if len(pending) == 0 {
		return nil
	}

	for _, task := range pending {
		if _, _, err := e.store.AddTasks([]queue.Task{task}, false); err != nil {
			e.logger.Warn("failed to persist spliced dependency", "package", task.Name, "error", err)
		}
	}

	spliced := make([]queue.Task, 0, len(*items)+len(pending))
	spliced = append(spliced, (*items)[:idx]...)
	spliced = append(spliced, pending...)
	spliced = append(spliced, (*items)[idx:]...)
	*items = spliced
	return inserted
}

// pullForward removes and returns the first not-yet-reached task matching one
// of the name variants.
func pullForward(items *[]queue.Task, idx int, variants []string) *queue.Task {
	for j := idx + 1; j < len(*items); j++ {
		for _, variant := range variants {
			if (*items)[j].Name == variant {
				task := (*items)[j]
				*items = append((*items)[:j], (*items)[j+1:]...)
				return &task
			}
		}
	}
	return nil
}

// resolveSource maps a dependency name variant to a buildable source
// directory under the code dir.
func (e *Engine) resolveSource(variants []string) *queue.Task {
	for _, variant := range variants {
		dir := filepath.Join(e.cfg.CodeDir, variant)
		if info, err := os.Stat(filepath.Join(dir, "debian")); err == nil && info.IsDir() {
			return &queue.Task{Name: variant, Path: dir, Kind: queue.KindDebian}
		}
	}
	return nil
}

// nameVariants expands a candidate with its known-source-prefix-stripped
// forms.
func (e *Engine) nameVariants(candidate string) []string {
	variants := []string{candidate}
	for _, prefix := range e.cfg.DepSourcePrefixes {
		if strings.HasPrefix(candidate, prefix) {
			stripped := candidate[len(prefix):]
			if stripped != "" && !contains(variants, stripped) {
				variants = append(variants, stripped)
			}
		}
	}
	return variants
}

// markPrebuilt marks pending packages complete when their artifact already
// exists next to the source directory.
func (e *Engine) markPrebuilt(ctx context.Context) error {
	var prebuilt []string
	for _, entry := range e.store.Entries() {
		if entry.Completed {
			continue
		}
		for _, task := range entry.Tasks {
			if task.Kind == queue.KindDebian && e.PrebuiltProbe(ctx, task.Path, task.Name) {
				prebuilt = append(prebuilt, entry.Name)
				break
			}
		}
	}
	if len(prebuilt) == 0 {
		return nil
	}
	e.logger.Info("marking prebuilt packages as completed", "packages", strings.Join(prebuilt, ","))
	if err := e.store.MarkCompleted(prebuilt...); err != nil {
		return fmt.Errorf("failed to mark prebuilt packages: %w", err)
	}
	return nil
}

func buildable(task queue.Task) bool {
	info, err := os.Stat(task.Path)
	if err != nil || !info.IsDir() {
		return false
	}
	if task.Kind == queue.KindDebian {
		debInfo, err := os.Stat(filepath.Join(task.Path, "debian"))
		return err == nil && debInfo.IsDir()
	}
	return true
}

func anyIn(names []string, set map[string]bool) bool {
	for _, name := range names {
		if set[name] {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// outputTail returns the last n non-empty lines of command output as a single
// line.
func outputTail(output string, n int) string {
	if output == "" {
		return ""
	}
	lines := strings.Split(strings.TrimSpace(output), "\n")
	var tail []string
	for i := len(lines) - 1; i >= 0 && len(tail) < n; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			tail = append([]string{line}, tail...)
		}
	}
	return strings.Join(tail, " | ")
}
