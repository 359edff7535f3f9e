package engine

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultsRecordRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "builds.ini")
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	recorder := NewResultsRecorder(path, logger)

	summary := &Summary{
		RunID:     "run-123",
		Attempted: 3,
		Succeeded: []string{"pkg-a", "pkg-b"},
		Failed:    []string{"pkg-c"},
		Results: []TaskResult{
			{Name: "pkg-a", Kind: "debian", Status: StatusSuccess},
			{Name: "pkg-b", Kind: "rpm", Status: StatusSuccess},
			{Name: "pkg-c", Kind: "debian", Status: StatusFailed, Message: "build exited with status 2"},
		},
	}
	require.NoError(t, recorder.Write(summary))

	report, err := LoadReport(path)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, "run-123", report.RunID)
	assert.Equal(t, "2/3", report.Success)
	assert.False(t, report.Paused)
	require.Len(t, report.Results, 3)
	assert.Equal(t, "pkg-c", report.Results[2].Name)
	assert.Equal(t, StatusFailed, report.Results[2].Status)
	assert.Equal(t, "build exited with status 2", report.Results[2].Message)
}

func TestLoadReportMissingFile(t *testing.T) {
	report, err := LoadReport(filepath.Join(t.TempDir(), "absent.ini"))
	require.NoError(t, err)
	assert.Nil(t, report)
}
