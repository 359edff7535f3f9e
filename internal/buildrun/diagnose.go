package buildrun

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"pkgforge-agent/internal/engine"
)

var unmetDepsRe = regexp.MustCompile(`(?is)unmet build dependencies:(.*)`)

// Diagnoser asks dpkg-checkbuilddeps which build dependencies a package
// directory is missing.
type Diagnoser struct {
	logger *slog.Logger
}

func NewDiagnoser(logger *slog.Logger) *Diagnoser {
	return &Diagnoser{logger: logger}
}

// DetectMissing runs dpkg-checkbuilddeps in path and parses its unmet
// dependency report. Directories without debian/control, a missing
// dpkg-checkbuilddeps binary and a clean check all yield an empty result.
func (d *Diagnoser) DetectMissing(ctx context.Context, path string) ([]engine.MissingDependency, error) {
	if _, err := os.Stat(filepath.Join(path, "debian", "control")); err != nil {
		return nil, nil
	}
	cmd := exec.CommandContext(ctx, "dpkg-checkbuilddeps")
	cmd.Dir = path
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		d.logger.Warn("dpkg-checkbuilddeps unavailable, cannot inspect missing build dependencies", "error", err)
		return nil, nil
	}
	return ParseUnmetDeps(string(out)), nil
}

// ParseUnmetDeps extracts missing dependencies from dpkg-checkbuilddeps
// output. The block after "Unmet build dependencies:" is truncated at the
// next tool prefix or blank line, then split into comma/newline separated
// requirements; each requirement's "|" alternatives become sanitized
// candidates, deduplicated by the first candidate.
func ParseUnmetDeps(output string) []engine.MissingDependency {
	match := unmetDepsRe.FindStringSubmatch(output)
	if match == nil {
		return nil
	}
	block := match[1]
	for _, sentinel := range []string{"dpkg-checkbuilddeps:", "\n\n"} {
		if idx := strings.Index(block, sentinel); idx != -1 {
			block = block[:idx]
			break
		}
	}

	var missing []engine.MissingDependency
	seen := make(map[string]bool)
	for _, raw := range regexp.MustCompile(`[,\n]`).Split(block, -1) {
		display := strings.TrimSpace(raw)
		if display == "" {
			continue
		}
		var segments []string
		if strings.Contains(display, "|") {
			segments = strings.Split(display, "|")
		} else {
			segments = strings.Fields(display)
		}
		var candidates []string
		for _, option := range segments {
			candidate := sanitizeDepToken(option)
			if candidate != "" && !containsString(candidates, candidate) {
				candidates = append(candidates, candidate)
			}
		}
		if len(candidates) == 0 {
			continue
		}
		if seen[candidates[0]] {
			continue
		}
		seen[candidates[0]] = true
		missing = append(missing, engine.MissingDependency{Display: display, Candidates: candidates})
	}
	return missing
}

// sanitizeDepToken reduces one requirement token to a bare package name,
// dropping version constraints, architecture qualifiers and list decoration.
func sanitizeDepToken(token string) string {
	cleaned := strings.TrimSpace(token)
	cleaned = strings.TrimSpace(strings.TrimLeft(cleaned, "-•"))
	for _, sep := range []string{"(", "[", ":", ";"} {
		if idx := strings.Index(cleaned, sep); idx != -1 {
			cleaned = cleaned[:idx]
		}
	}
	cleaned = strings.TrimSpace(cleaned)
	return strings.TrimRight(cleaned, ".")
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
