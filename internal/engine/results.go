package engine

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/ini.v1"
)

// ResultsRecorder persists the outcome of the last run to an ini record so
// the CLI and the inspection API can show it after the process exits.
type ResultsRecorder struct {
	path   string
	logger *slog.Logger
}

func NewResultsRecorder(path string, logger *slog.Logger) *ResultsRecorder {
	return &ResultsRecorder{path: path, logger: logger}
}

// Write replaces the results record with the given run summary.
func (r *ResultsRecorder) Write(summary *Summary) error {
	if r.path == "" {
		return nil
	}
	file := ini.Empty()
	run, err := file.NewSection("run")
	if err != nil {
		return fmt.Errorf("failed to create run section: %w", err)
	}
	run.Key("id").SetValue(summary.RunID)
	run.Key("finished_at").SetValue(time.Now().UTC().Format(time.RFC3339))
	run.Key("success").SetValue(fmt.Sprintf("%d/%d", len(summary.Succeeded), summary.Attempted))
	run.Key("paused").SetValue(fmt.Sprintf("%t", summary.Paused))
	run.Key("aborted").SetValue(fmt.Sprintf("%t", summary.Aborted))

	for _, res := range summary.Results {
		sec, err := file.NewSection("package." + res.Name + "." + res.Kind)
		if err != nil {
			return fmt.Errorf("failed to create result section for %s: %w", res.Name, err)
		}
		sec.Key("name").SetValue(res.Name)
		sec.Key("kind").SetValue(res.Kind)
		sec.Key("status").SetValue(res.Status)
		if res.Message != "" {
			sec.Key("message").SetValue(res.Message)
		}
	}

	if err := file.SaveTo(r.path); err != nil {
		return fmt.Errorf("failed to write results record: %w", err)
	}
	r.logger.Info("run results recorded", "path", r.path, "run_id", summary.RunID)
	return nil
}

// RunReport is a results record read back from disk.
//
// swagger:model
type RunReport struct {
	RunID      string       `json:"run_id"`
	FinishedAt string       `json:"finished_at"`
	Success    string       `json:"success"`
	Paused     bool         `json:"paused"`
	Aborted    bool         `json:"aborted"`
	Results    []TaskResult `json:"results"`
}

// LoadReport reads the last run's results record. A missing record is not an
// error; it comes back nil.
func LoadReport(path string) (*RunReport, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read results record: %w", err)
	}
	run := file.Section("run")
	report := &RunReport{
		RunID:      run.Key("id").String(),
		FinishedAt: run.Key("finished_at").String(),
		Success:    run.Key("success").String(),
		Paused:     run.Key("paused").MustBool(false),
		Aborted:    run.Key("aborted").MustBool(false),
	}
	for _, sec := range file.Sections() {
		if sec.Name() == "run" || sec.Name() == ini.DefaultSection {
			continue
		}
		report.Results = append(report.Results, TaskResult{
			Name:    sec.Key("name").String(),
			Kind:    sec.Key("kind").String(),
			Status:  sec.Key("status").String(),
			Message: sec.Key("message").String(),
		})
	}
	return report, nil
}
