package queue

import (
	"encoding/json"
	"strings"
)

// Two serialization generations share the queue file. A line is either a bare
// package name with an optional trailing completion marker, or a structured
// single-line JSON record carrying task details inline. Both are merged into
// the same in-memory model on load; saves always write bare lines plus the
// structured meta file.

// completedMarker suffixes a queue-file line for a completed package.
const completedMarker = "#"

// lineRecord is the structured (legacy inline) queue-file variant.
type lineRecord struct {
	Name      string          `json:"name"`
	Completed bool            `json:"completed"`
	Kind      string          `json:"kind"`
	Path      string          `json:"path"`
	ExtraArgs flexibleStrings `json:"extra_args"`
}

// metaEntry is the per-package value of the structured meta record.
type metaEntry struct {
	Path  string              `json:"path"`
	Kinds map[string]kindMeta `json:"kinds"`
}

type kindMeta struct {
	ExtraArgs flexibleStrings `json:"extra_args"`
}

// flexibleStrings tolerates a scalar where a list is expected, which older
// writers produced.
type flexibleStrings []string

func (f *flexibleStrings) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*f = list
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single != "" {
			*f = []string{single}
		} else {
			*f = nil
		}
		return nil
	}
	// Unrecognized shape: drop the value rather than failing the load.
	*f = nil
	return nil
}

// parseLine classifies one queue-file line. The discriminator is purely
// syntactic: a trimmed line that looks like a JSON object is tried as a
// structured record and falls back to a bare name when it does not parse.
// Returns (name, completed, structured-record-or-nil); empty name means the
// line carries nothing.
func parseLine(raw string) (string, bool, *lineRecord) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return "", false, nil
	}
	if strings.HasPrefix(line, "{") && strings.HasSuffix(line, "}") {
		var rec lineRecord
		if err := json.Unmarshal([]byte(line), &rec); err == nil && strings.TrimSpace(rec.Name) != "" {
			name := baseName(strings.TrimSpace(rec.Name))
			if rec.Kind == "" {
				rec.Kind = string(KindDebian)
			}
			return name, rec.Completed, &rec
		}
	}
	completed := strings.HasSuffix(line, completedMarker)
	if completed {
		line = strings.TrimSpace(strings.TrimSuffix(line, completedMarker))
	}
	if line == "" {
		return "", false, nil
	}
	return baseName(line), completed, nil
}
