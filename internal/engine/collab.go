package engine

import (
	"context"

	"pkgforge-agent/internal/queue"
)

// BuildRunner executes one build task and reports the toolchain outcome. A
// non-nil error means the runner could not start at all; toolchain failures
// come back as a nonzero exit code with combined output.
type BuildRunner interface {
	Execute(ctx context.Context, path string, kind queue.Kind, extraArgs []string) (exitCode int, combined string, err error)
}

// DepDiagnoser inspects a package directory after a failed build and reports
// its unmet build dependencies. An empty result means the failure was not
// dependency-related as far as the diagnoser can tell.
type DepDiagnoser interface {
	DetectMissing(ctx context.Context, path string) ([]MissingDependency, error)
}

// Installer installs the artifacts a successful build produced.
type Installer interface {
	InstallArtifacts(ctx context.Context, path string) error
}

// MissingDependency is one unmet build dependency as the package toolchain
// reported it. Display keeps the raw requirement text; Candidates holds the
// sanitized package-name alternatives, most preferred first.
type MissingDependency struct {
	Display    string
	Candidates []string
}
