package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all process-wide settings. It is built once at startup and
// passed by pointer into every component; nothing below cmd/ reads the
// environment after that.
type Config struct {
	// CodeDir is the workspace that holds the package source directories.
	CodeDir string `yaml:"code_dir"`

	// QueueFile is the durable ordered queue record. MetaFile holds the
	// structured per-package task details; when empty it defaults to
	// "<queue file>.meta.json".
	QueueFile string `yaml:"queue_file"`
	MetaFile  string `yaml:"meta_file"`

	// ResultsFile records per-package outcomes of the last build runs.
	ResultsFile string `yaml:"results_file"`

	// ProfilesFile is an optional HCL file with per-package build overrides.
	ProfilesFile string `yaml:"profiles_file"`

	// DepSourcePrefixes are distro prefixes stripped from dependency names
	// when resolving them back to local source directories.
	DepSourcePrefixes []string `yaml:"dep_source_prefixes"`

	// DistroName is the target distribution tag stamped on builds.
	DistroName string `yaml:"distro_name"`

	// Parallel is the build parallelism passed to the toolchain.
	Parallel int `yaml:"parallel"`

	// InstallFailAsWarning demotes artifact installation failures to warnings.
	InstallFailAsWarning bool `yaml:"install_fail_as_warning"`

	// APIPort is the inspection API port for serve mode.
	APIPort int `yaml:"api_port"`

	Lock LockConfig `yaml:"lock"`
}

// LockConfig controls the shared package-manager lock and its recovery
// protocol. The lock path is host-global: every process mutating installed
// package state must use the same file.
type LockConfig struct {
	Path            string        `yaml:"path"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout"`
	WaitForLock     bool          `yaml:"wait_for_lock"`
	WaitTimeout     time.Duration `yaml:"wait_timeout"`
	WaitInterval    time.Duration `yaml:"wait_interval"`
	MaxRetries      int           `yaml:"max_retries"`
	AutoKillHolders bool          `yaml:"auto_kill_holders"`

	// NativeLockFiles are the package manager's own lock files probed while
	// waiting for contention to clear.
	NativeLockFiles []string `yaml:"native_lock_files"`

	// BrokenDepsPackage is a dependency-synthesis package known to wedge the
	// package manager; it is purged during forced recovery when set.
	BrokenDepsPackage string `yaml:"broken_deps_package"`
}

// FromEnv builds a Config from PKGFORGE_* environment variables with defaults.
func FromEnv() *Config {
	queueFile := envStr("PKGFORGE_QUEUE_FILE", "build_queue.txt")
	cfg := &Config{
		CodeDir:              envStr("PKGFORGE_CODE_DIR", "."),
		QueueFile:            queueFile,
		MetaFile:             envStr("PKGFORGE_QUEUE_META", ""),
		ResultsFile:          envStr("PKGFORGE_RESULTS_FILE", "builds.ini"),
		ProfilesFile:         envStr("PKGFORGE_PROFILES_FILE", "profiles.hcl"),
		DepSourcePrefixes:    envList("PKGFORGE_DEP_PREFIXES", []string{"pkgforge-"}),
		DistroName:           envStr("PKGFORGE_DISTRO", "pkgforge"),
		Parallel:             envInt("PKGFORGE_PARALLEL", runtime.NumCPU()),
		InstallFailAsWarning: envBool("PKGFORGE_INSTALL_FAIL_AS_WARNING", true),
		APIPort:              envInt("PKGFORGE_API_PORT", 2380),
		Lock: LockConfig{
			Path:            envStr("PKGFORGE_LOCKFILE", "/var/lock/pkgforge/pkg.lock"),
			AcquireTimeout:  envDuration("PKGFORGE_LOCK_TIMEOUT", 3600*time.Second),
			WaitForLock:     envBool("PKGFORGE_WAIT_FOR_LOCK", true),
			WaitTimeout:     envDuration("PKGFORGE_LOCK_WAIT_TIMEOUT", 600*time.Second),
			WaitInterval:    envDuration("PKGFORGE_LOCK_WAIT_INTERVAL", 5*time.Second),
			MaxRetries:      envInt("PKGFORGE_LOCK_MAX_RETRIES", 3),
			AutoKillHolders: envBool("PKGFORGE_AUTO_KILL_LOCK_HOLDERS", true),
			NativeLockFiles: envList("PKGFORGE_NATIVE_LOCK_FILES", []string{
				"/var/lib/dpkg/lock-frontend",
				"/var/lib/dpkg/lock",
			}),
			BrokenDepsPackage: envStr("PKGFORGE_BROKEN_DEPS_PACKAGE", ""),
		},
	}
	return cfg
}

// Load overlays cfg with values from a YAML file. A missing file is not an
// error; the env-derived defaults stand.
func Load(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Finalize resolves derived fields and makes paths absolute. Call once after
// FromEnv/Load and before handing the config to components.
func (c *Config) Finalize() error {
	var err error
	if c.CodeDir, err = filepath.Abs(c.CodeDir); err != nil {
		return fmt.Errorf("failed to resolve code dir: %w", err)
	}
	if c.QueueFile, err = filepath.Abs(c.QueueFile); err != nil {
		return fmt.Errorf("failed to resolve queue file: %w", err)
	}
	if c.MetaFile == "" {
		c.MetaFile = c.QueueFile + ".meta.json"
	} else if c.MetaFile, err = filepath.Abs(c.MetaFile); err != nil {
		return fmt.Errorf("failed to resolve meta file: %w", err)
	}
	if c.Parallel < 1 {
		c.Parallel = 1
	}
	if c.Lock.MaxRetries < 0 {
		c.Lock.MaxRetries = 0
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "false", "no", "":
		return false
	}
	return true
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	// Accept either a plain number of seconds or a Go duration string.
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
		return d
	}
	return def
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var items []string
	for _, item := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	if len(items) == 0 {
		return def
	}
	return items
}
