// Package deps checks the external pieces depot needs before it can run
// downloads: the SteamCMD executable and writable library and state
// directories.
package deps

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/agentstation/depot/pkg/constants"
)

// Kind tells how a dependency is checked.
type Kind string

// Dependency kinds.
const (
	// KindExecutable is a program that must exist and be executable.
	KindExecutable Kind = "executable"
	// KindDirectory is a directory that must exist (or be creatable) and be writable.
	KindDirectory Kind = "directory"
)

// Dependency describes one thing depot needs.
type Dependency struct {
	Name        string `json:"name" yaml:"name"`
	DisplayName string `json:"display_name" yaml:"display_name"`
	Kind        Kind   `json:"kind" yaml:"kind"`
	// Path is checked first. For executables, CheckCommands are then
	// looked up in PATH in order.
	Path          string   `json:"path,omitempty" yaml:"path,omitempty"`
	CheckCommands []string `json:"check_commands,omitempty" yaml:"check_commands,omitempty"`
	Description   string   `json:"description,omitempty" yaml:"description,omitempty"`
	InstallURL    string   `json:"install_url,omitempty" yaml:"install_url,omitempty"`
}

// Status is the result of checking a dependency.
type Status struct {
	Available  bool   `json:"available" yaml:"available"`
	Path       string `json:"path,omitempty" yaml:"path,omitempty"`
	CheckError error  `json:"-" yaml:"-"`
	// Message is CheckError as text for structured output.
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

// SteamCMD describes the SteamCMD executable at path.
func SteamCMD(path string) Dependency {
	return Dependency{
		Name:          "steamcmd",
		DisplayName:   "SteamCMD",
		Kind:          KindExecutable,
		Path:          path,
		CheckCommands: []string{"steamcmd", "steamcmd.sh"},
		Description:   "Valve's command line Steam client, used to download titles",
		InstallURL:    "https://developer.valvesoftware.com/wiki/SteamCMD",
	}
}

// Directory describes a directory depot writes to.
func Directory(name, displayName, path string) Dependency {
	return Dependency{Name: name, DisplayName: displayName, Kind: KindDirectory, Path: path}
}

// Check verifies that dep is available.
func Check(ctx context.Context, dep Dependency) Status {
	var status Status
	switch dep.Kind {
	case KindDirectory:
		status = checkDirectory(dep)
	default:
		status = checkExecutable(ctx, dep)
	}
	if status.CheckError != nil {
		status.Message = status.CheckError.Error()
	}
	return status
}

// CheckAll checks every dependency and returns statuses keyed by name.
func CheckAll(ctx context.Context, deps []Dependency) map[string]Status {
	if len(deps) == 0 {
		return nil
	}
	results := make(map[string]Status, len(deps))
	for _, dep := range deps {
		results[dep.Name] = Check(ctx, dep)
	}
	return results
}

// HasMissingDeps returns true if any dependencies are missing.
func HasMissingDeps(statuses map[string]Status) bool {
	for _, status := range statuses {
		if !status.Available {
			return true
		}
	}
	return false
}

// GetMissingDeps returns the dependencies that are missing, in order.
func GetMissingDeps(deps []Dependency, statuses map[string]Status) []Dependency {
	var missing []Dependency
	for _, dep := range deps {
		if status, ok := statuses[dep.Name]; ok && !status.Available {
			missing = append(missing, dep)
		}
	}
	return missing
}

func checkExecutable(ctx context.Context, dep Dependency) Status {
	if ctx.Err() != nil {
		return Status{CheckError: ctx.Err()}
	}
	if dep.Path != "" {
		path := expandHome(dep.Path)
		if !strings.ContainsRune(path, filepath.Separator) {
			// A bare name is looked up in PATH like the fallbacks.
			if found, err := exec.LookPath(path); err == nil {
				return Status{Available: true, Path: found}
			}
		} else if err := isExecutable(path); err == nil {
			return Status{Available: true, Path: path}
		} else if len(dep.CheckCommands) == 0 {
			return Status{Path: path, CheckError: err}
		}
	}

	for _, cmd := range dep.CheckCommands {
		path, err := exec.LookPath(cmd)
		if err != nil {
			continue
		}
		return Status{Available: true, Path: path}
	}

	tried := dep.CheckCommands
	if dep.Path != "" {
		tried = append([]string{dep.Path}, tried...)
	}
	return Status{CheckError: fmt.Errorf("%s not found (tried: %s)", dep.DisplayName, strings.Join(tried, ", "))}
}

func isExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func checkDirectory(dep Dependency) Status {
	path := expandHome(dep.Path)
	if path == "" {
		return Status{CheckError: fmt.Errorf("%s is not configured", dep.DisplayName)}
	}
	if err := os.MkdirAll(path, constants.DirPermissions); err != nil {
		return Status{Path: path, CheckError: fmt.Errorf("cannot create %s: %w", path, err)}
	}
	f, err := os.CreateTemp(path, ".depot-check-*")
	if err != nil {
		return Status{Path: path, CheckError: fmt.Errorf("%s is not writable: %w", path, err)}
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return Status{Available: true, Path: path}
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
