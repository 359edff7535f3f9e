package buildrun

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUnmetDeps(t *testing.T) {
	output := `dpkg-checkbuilddeps: error: Unmet build dependencies: libfoo-dev (>= 1.2) libbar-dev [amd64], python3:any, gcc | clang
dpkg-checkbuilddeps: warning: ignoring something else
`
	missing := ParseUnmetDeps(output)
	require.Len(t, missing, 2)

	// Space-separated tokens inside one requirement each become candidates;
	// constraint leftovers stay in the list and simply never resolve.
	assert.Equal(t, []string{"libfoo-dev", "1.2)", "libbar-dev"}, missing[0].Candidates)
	assert.Equal(t, []string{"python3"}, missing[1].Candidates)
}

func TestParseUnmetDepsAlternatives(t *testing.T) {
	output := "Unmet build dependencies: gcc-12 | clang-15, make"
	missing := ParseUnmetDeps(output)
	require.Len(t, missing, 2)
	assert.Equal(t, "gcc-12 | clang-15", missing[0].Display)
	assert.Equal(t, []string{"gcc-12", "clang-15"}, missing[0].Candidates)
	assert.Equal(t, []string{"make"}, missing[1].Candidates)
}

func TestParseUnmetDepsDedupesByFirstCandidate(t *testing.T) {
	output := "Unmet build dependencies: libfoo-dev, libfoo-dev (>= 2.0)"
	missing := ParseUnmetDeps(output)
	assert.Len(t, missing, 1)
}

func TestParseUnmetDepsTruncatesAtSentinel(t *testing.T) {
	output := "Unmet build dependencies: libfoo-dev\n\nsome unrelated trailing text, libghost-dev"
	missing := ParseUnmetDeps(output)
	require.Len(t, missing, 1)
	assert.Equal(t, []string{"libfoo-dev"}, missing[0].Candidates)
}

func TestParseUnmetDepsNoBlock(t *testing.T) {
	assert.Empty(t, ParseUnmetDeps("gcc: error: no input files"))
}

func TestSanitizeDepToken(t *testing.T) {
	tests := map[string]string{
		"libfoo-dev (>= 1.0)": "libfoo-dev",
		"libbar [amd64]":      "libbar",
		"python3:any":         "python3",
		"- libbaz;":           "libbaz",
		"libqux.":             "libqux",
		"   ":                 "",
	}
	for input, want := range tests {
		assert.Equal(t, want, sanitizeDepToken(input), "input %q", input)
	}
}

func TestEnsureEnv(t *testing.T) {
	env := []string{"PATH=/usr/bin", "DEB_BUILD_OPTIONS=parallel=2"}
	env = ensureEnv(env, "DEB_BUILD_OPTIONS", "parallel=8")
	assert.Contains(t, env, "DEB_BUILD_OPTIONS=parallel=2", "existing value kept")
	env = ensureEnv(env, "DEBIAN_FRONTEND", "noninteractive")
	assert.Contains(t, env, "DEBIAN_FRONTEND=noninteractive")
}
