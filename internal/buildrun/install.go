package buildrun

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"pkgforge-agent/internal/pkglock"
)

var changelogSourceRe = regexp.MustCompile(`^([A-Za-z0-9.+-]+)\s*\(`)

// Installer installs built .deb artifacts with dpkg, routed through the
// package-manager lock guard.
type Installer struct {
	guard  *pkglock.Guard
	logger *slog.Logger
}

func NewInstaller(guard *pkglock.Guard, logger *slog.Logger) *Installer {
	return &Installer{guard: guard, logger: logger}
}

// InstallArtifacts installs every .deb next to the package directory. A
// failed dpkg run gets one retry after apt-get fixes the dependency state.
func (i *Installer) InstallArtifacts(ctx context.Context, path string) error {
	artifacts := CollectArtifacts(path)
	if len(artifacts) == 0 {
		i.logger.Info("no artifacts to install", "dir", path)
		return nil
	}
	i.logger.Info("installing build artifacts", "dir", path, "count", len(artifacts))

	cmd := append([]string{"dpkg", "-i"}, artifacts...)
	if _, err := i.guard.Run(ctx, "", cmd...); err == nil {
		return nil
	}
	if _, err := i.guard.Run(ctx, "", "apt-get", "-f", "install", "-y"); err != nil {
		i.logger.Warn("apt-get fixup failed before install retry", "error", err)
	}
	if _, err := i.guard.Run(ctx, "", cmd...); err != nil {
		return fmt.Errorf("failed to install artifacts for %s: %w", filepath.Base(path), err)
	}
	return nil
}

// CollectArtifacts lists the .deb files in the parent of a package directory,
// skipping debug-symbol packages.
func CollectArtifacts(path string) []string {
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.deb"))
	if err != nil {
		return nil
	}
	var artifacts []string
	for _, candidate := range matches {
		if strings.Contains(filepath.Base(candidate), "-dbgsym_") {
			continue
		}
		if info, err := os.Stat(candidate); err != nil || !info.Mode().IsRegular() {
			continue
		}
		artifacts = append(artifacts, candidate)
	}
	sort.Strings(artifacts)
	return artifacts
}

// SourcePackageName resolves the source package name for a directory via
// dpkg-parsechangelog, falling back to the changelog's first line and then
// the provided fallback.
func SourcePackageName(ctx context.Context, dir, fallback string) string {
	cmd := exec.CommandContext(ctx, "dpkg-parsechangelog", "-S", "Source")
	cmd.Dir = dir
	if out, err := cmd.Output(); err == nil {
		if name := strings.TrimSpace(string(out)); name != "" {
			return name
		}
	}
	f, err := os.Open(filepath.Join(dir, "debian", "changelog"))
	if err != nil {
		return fallback
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if scanner.Scan() {
		if match := changelogSourceRe.FindStringSubmatch(scanner.Text()); match != nil {
			return match[1]
		}
	}
	return fallback
}

// HasPrebuiltArtifact reports whether a non-debug .deb for the directory's
// source package already exists next to it.
func HasPrebuiltArtifact(ctx context.Context, dir, name string) bool {
	source := SourcePackageName(ctx, dir, name)
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(dir), source+"_*.deb"))
	if err != nil {
		return false
	}
	for _, candidate := range matches {
		if strings.Contains(filepath.Base(candidate), "-dbgsym_") {
			continue
		}
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return true
		}
	}
	return false
}
