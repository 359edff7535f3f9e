package queue

import "path/filepath"

// Kind is the packaging target type for a build task.
type Kind string

const (
	KindDebian Kind = "debian"
	KindRPM    Kind = "rpm"
)

// ValidKind reports whether s names a supported task kind.
func ValidKind(s string) bool {
	switch Kind(s) {
	case KindDebian, KindRPM:
		return true
	}
	return false
}

// Task is one buildable unit: a package source directory plus the packaging
// kind and extra toolchain arguments. A queue holds at most one task per
// (package, kind) pair.
type Task struct {
	Name      string   `json:"name"`
	Path      string   `json:"path"`
	Kind      Kind     `json:"kind"`
	ExtraArgs []string `json:"extra_args,omitempty"`
}

// Key returns the identity used for deduplication.
func (t Task) Key() TaskKey {
	return TaskKey{Name: t.Name, Kind: t.Kind}
}

// TaskKey identifies a task within a queue.
type TaskKey struct {
	Name string
	Kind Kind
}

// baseName collapses a package reference (possibly a path) to its base name.
func baseName(ref string) string {
	return filepath.Base(ref)
}

// Entry is a queue position as seen by callers: one package in insertion
// order with its completion flag.
type Entry struct {
	Name      string `json:"name"`
	Completed bool   `json:"completed"`
	Tasks     []Task `json:"tasks"`
}
