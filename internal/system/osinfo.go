// Package system probes the host the agent builds on.
package system

import (
	"bufio"
	"os"
	"os/exec"
	"strings"
)

// Info describes the host distribution and architecture.
//
// swagger:model
type Info struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Codename string `json:"codename"`
	Arch     string `json:"arch"`
}

const unknown = "unknown"

// Detect reads /etc/os-release and uname to describe the host. Probe
// failures degrade to "unknown" fields, never an error.
func Detect() Info {
	info := Info{Name: unknown, Version: unknown, Codename: unknown, Arch: unknown}

	if fields := readOSRelease("/etc/os-release"); fields != nil {
		if v := fields["NAME"]; v != "" {
			info.Name = v
		}
		if v := fields["VERSION_ID"]; v != "" {
			info.Version = v
		}
		if v := fields["VERSION_CODENAME"]; v != "" {
			info.Codename = v
		}
	}

	if out, err := exec.Command("uname", "-m").Output(); err == nil {
		if arch := strings.TrimSpace(string(out)); arch != "" {
			info.Arch = arch
		}
	}
	return info
}

func readOSRelease(path string) map[string]string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	fields := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		fields[key] = strings.Trim(value, `"`)
	}
	return fields
}
