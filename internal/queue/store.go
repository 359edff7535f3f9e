package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Store is the durable build queue. State is split across two records that
// are always rewritten together: the ordered queue file (names with inline
// completion markers, order-significant) and the structured meta file
// (per-package path and per-kind extra arguments). Every mutating operation
// persists immediately; writes replace whole files via rename so concurrent
// readers observe either the pre- or post-state, never a torn record.
//
// The files are a single-writer resource: only one process may mutate them at
// a time.
type Store struct {
	queueFile string
	metaFile  string
	codeDir   string

	mu       sync.Mutex
	packages []string
	status   map[string]bool
	tasks    []Task

	logger *slog.Logger
}

// NewStore creates a store over the given record paths and loads current
// state. codeDir supplies the default source path for packages without an
// explicit one. Unreadable records degrade to an empty queue.
func NewStore(queueFile, metaFile, codeDir string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		queueFile: queueFile,
		metaFile:  metaFile,
		codeDir:   codeDir,
		status:    make(map[string]bool),
		logger:    logger,
	}
	if err := s.ensureFiles(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()
	return s, nil
}

func (s *Store) ensureFiles() error {
	for _, path := range []string{s.queueFile, s.metaFile} {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create queue directory: %w", err)
		}
	}
	if _, err := os.Stat(s.queueFile); os.IsNotExist(err) {
		if err := os.WriteFile(s.queueFile, nil, 0644); err != nil {
			return fmt.Errorf("failed to create queue file: %w", err)
		}
	}
	if _, err := os.Stat(s.metaFile); os.IsNotExist(err) {
		if err := os.WriteFile(s.metaFile, []byte("{}"), 0644); err != nil {
			return fmt.Errorf("failed to create queue meta file: %w", err)
		}
	}
	return nil
}

// load rebuilds the in-memory model from both records. Caller must hold mu.
func (s *Store) load() {
	s.packages = nil
	s.status = make(map[string]bool)
	s.tasks = nil

	data, err := os.ReadFile(s.queueFile)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("queue file unreadable, starting empty", "path", s.queueFile, "error", err)
		}
		return
	}

	legacy := make(map[string]*metaEntry)
	seen := make(map[string]bool)
	for _, raw := range strings.Split(string(data), "\n") {
		name, completed, rec := parseLine(raw)
		if name == "" {
			continue
		}
		if rec != nil {
			entry := legacy[name]
			if entry == nil {
				entry = &metaEntry{Kinds: make(map[string]kindMeta)}
				legacy[name] = entry
			}
			if rec.Path != "" {
				entry.Path = rec.Path
			}
			entry.Kinds[rec.Kind] = kindMeta{ExtraArgs: rec.ExtraArgs}
		}
		if !seen[name] {
			seen[name] = true
			s.packages = append(s.packages, name)
		}
		s.status[name] = s.status[name] || completed
	}

	meta := s.loadMeta()
	// Legacy inline records merge over the structured map: their path wins
	// when present, kind sets are unioned.
	for name, entry := range legacy {
		existing, ok := meta[name]
		if !ok {
			existing = metaEntry{Kinds: make(map[string]kindMeta)}
		}
		if existing.Kinds == nil {
			existing.Kinds = make(map[string]kindMeta)
		}
		if entry.Path != "" {
			existing.Path = entry.Path
		}
		for kind, km := range entry.Kinds {
			existing.Kinds[kind] = km
		}
		meta[name] = existing
	}

	for _, pkg := range s.packages {
		info := meta[pkg]
		path := info.Path
		if path == "" {
			path = filepath.Join(s.codeDir, pkg)
		}
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		if len(info.Kinds) == 0 {
			s.tasks = append(s.tasks, Task{Name: pkg, Path: path, Kind: KindDebian})
			continue
		}
		for _, kind := range sortedKinds(info.Kinds) {
			s.tasks = append(s.tasks, Task{
				Name:      pkg,
				Path:      path,
				Kind:      Kind(kind),
				ExtraArgs: append([]string(nil), info.Kinds[kind].ExtraArgs...),
			})
		}
	}
}

// loadMeta parses the structured map record, normalizing keys to base names
// and merging duplicates (first path wins, kinds union).
func (s *Store) loadMeta() map[string]metaEntry {
	meta := make(map[string]metaEntry)
	data, err := os.ReadFile(s.metaFile)
	if err != nil {
		return meta
	}
	var raw map[string]metaEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		if s.logger != nil {
			s.logger.Warn("queue meta file malformed, ignoring", "path", s.metaFile, "error", err)
		}
		return meta
	}
	for key, value := range raw {
		name := baseName(key)
		if name == "" || name == "." {
			continue
		}
		existing, ok := meta[name]
		if !ok {
			if value.Kinds == nil {
				value.Kinds = make(map[string]kindMeta)
			}
			meta[name] = value
			continue
		}
		if existing.Path == "" && value.Path != "" {
			existing.Path = value.Path
		}
		if existing.Kinds == nil {
			existing.Kinds = make(map[string]kindMeta)
		}
		for kind, km := range value.Kinds {
			existing.Kinds[kind] = km
		}
		meta[name] = existing
	}
	return meta
}

// Reload re-reads both records, discarding in-memory state.
func (s *Store) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()
}

// Entries returns the queue in order with completion flags and task details.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]Entry, 0, len(s.packages))
	for _, pkg := range s.packages {
		entry := Entry{Name: pkg, Completed: s.status[pkg]}
		for _, task := range s.tasks {
			if task.Name == pkg {
				entry.Tasks = append(entry.Tasks, task)
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

// Tasks returns a copy of all tasks in queue order.
func (s *Store) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Task(nil), s.tasks...)
}

// Completed reports the completion flag for a package.
func (s *Store) Completed(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[baseName(name)]
}

// AddTasks inserts or updates tasks. A task whose (package, kind) key matches
// an existing one replaces its path and arguments in place instead of
// duplicating; resetCompleted clears the completion flag of replaced entries.
// New packages append to the queue order as incomplete. Returns the count of
// newly added tasks and the count processed. State persists before return.
func (s *Store) AddTasks(tasks []Task, resetCompleted bool) (added, total int, err error) {
	if len(tasks) == 0 {
		return 0, 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range tasks {
		total++
		task.Name = baseName(task.Path)
		replaced := false
		for i := range s.tasks {
			if s.tasks[i].Name == task.Name && s.tasks[i].Kind == task.Kind {
				s.tasks[i].Path = task.Path
				s.tasks[i].ExtraArgs = append([]string(nil), task.ExtraArgs...)
				replaced = true
				break
			}
		}
		if !replaced {
			task.ExtraArgs = append([]string(nil), task.ExtraArgs...)
			s.tasks = append(s.tasks, task)
			added++
		}
		if !contains(s.packages, task.Name) {
			s.packages = append(s.packages, task.Name)
		}
		if !replaced || resetCompleted {
			s.status[task.Name] = false
		} else if _, ok := s.status[task.Name]; !ok {
			s.status[task.Name] = false
		}
	}
	if err := s.save(); err != nil {
		return added, total, err
	}
	return added, total, nil
}

// MarkCompleted sets the completion flag for the named packages and persists.
// Names not present in the queue are ignored with a log entry.
func (s *Store) MarkCompleted(names ...string) error {
	if len(names) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		name = baseName(name)
		if !contains(s.packages, name) {
			if s.logger != nil {
				s.logger.Warn("cannot mark unknown package completed", "package", name)
			}
			continue
		}
		s.status[name] = true
	}
	return s.save()
}

// Clear truncates both records and resets in-memory state.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packages = nil
	s.status = make(map[string]bool)
	s.tasks = nil
	if err := atomicWrite(s.queueFile, nil); err != nil {
		return fmt.Errorf("failed to clear queue file: %w", err)
	}
	if err := atomicWrite(s.metaFile, []byte("{}\n")); err != nil {
		return fmt.Errorf("failed to clear queue meta file: %w", err)
	}
	return nil
}

// save normalizes and rewrites both records. Caller must hold mu.
func (s *Store) save() error {
	// Dedupe tasks by (package, kind), first occurrence wins.
	seen := make(map[TaskKey]bool, len(s.tasks))
	unique := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		task.Name = baseName(task.Path)
		if seen[task.Key()] {
			continue
		}
		seen[task.Key()] = true
		unique = append(unique, task)
	}
	s.tasks = unique

	order := append([]string(nil), s.packages...)
	for _, task := range s.tasks {
		if !contains(order, task.Name) {
			order = append(order, task.Name)
		}
	}
	// Drop packages no longer backed by a task. A package explicitly kept in
	// the completion map without tasks was added with no resolvable task;
	// that case is logged on the add path, not silently pruned here.
	backed := order[:0]
	for _, pkg := range order {
		has := false
		for _, task := range s.tasks {
			if task.Name == pkg {
				has = true
				break
			}
		}
		if has {
			backed = append(backed, pkg)
		} else if s.logger != nil {
			s.logger.Warn("dropping queue entry with no build task", "package", pkg)
		}
	}
	s.packages = append([]string(nil), backed...)
	status := make(map[string]bool, len(s.packages))
	for _, pkg := range s.packages {
		status[pkg] = s.status[pkg]
	}
	s.status = status

	var queueData []byte
	for _, pkg := range s.packages {
		line := pkg
		if s.status[pkg] {
			line += completedMarker
		}
		queueData = append(queueData, line...)
		queueData = append(queueData, '\n')
	}
	if err := atomicWrite(s.queueFile, queueData); err != nil {
		return fmt.Errorf("failed to write queue file: %w", err)
	}

	meta := make(map[string]metaEntry, len(s.packages))
	for _, task := range s.tasks {
		entry, ok := meta[task.Name]
		if !ok {
			entry = metaEntry{Kinds: make(map[string]kindMeta)}
		}
		entry.Path = task.Path
		entry.Kinds[string(task.Kind)] = kindMeta{ExtraArgs: append(flexibleStrings{}, task.ExtraArgs...)}
		meta[task.Name] = entry
	}
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal queue meta: %w", err)
	}
	if err := atomicWrite(s.metaFile, append(metaData, '\n')); err != nil {
		return fmt.Errorf("failed to write queue meta file: %w", err)
	}
	return nil
}

// atomicWrite replaces path's contents via a temp file and rename.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func contains(list []string, name string) bool {
	for _, item := range list {
		if item == name {
			return true
		}
	}
	return false
}

// sortedKinds gives a stable kind order for deterministic task
// materialization.
func sortedKinds(kinds map[string]kindMeta) []string {
	keys := make([]string, 0, len(kinds))
	for k := range kinds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
