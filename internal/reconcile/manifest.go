package reconcile

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/agentstation/depot/pkg/errors"
)

// StateFullyInstalled is the app manifest StateFlags value of a complete install.
const StateFullyInstalled = 4

// Manifest holds the fields of a SteamCMD app manifest (appmanifest_<id>.acf)
// that the reconciler uses.
type Manifest struct {
	AppID      string
	Name       string
	InstallDir string
	StateFlags int
	SizeOnDisk int64
}

var kvRe = regexp.MustCompile(`^\s*"([^"]+)"\s+"((?:[^"\\]|\\.)*)"\s*$`)

// manifestPath returns where SteamCMD writes the manifest for titleID under dest.
func manifestPath(dest, titleID string) string {
	return filepath.Join(dest, "steamapps", "appmanifest_"+titleID+".acf")
}

// stagingPath returns SteamCMD's partial download directory for titleID under dest.
func stagingPath(dest, titleID string) string {
	return filepath.Join(dest, "steamapps", "downloading", titleID)
}

// ReadManifest parses the top-level AppState keys of a manifest file.
// Nested blocks (depots, user config) are skipped.
func ReadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m := &Manifest{}
	depth := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "{":
			depth++
			continue
		case "}":
			depth--
			continue
		}
		if depth != 1 {
			continue
		}
		kv := kvRe.FindStringSubmatch(line)
		if kv == nil {
			continue
		}
		value := strings.ReplaceAll(kv[2], `\"`, `"`)
		switch strings.ToLower(kv[1]) {
		case "appid":
			m.AppID = value
		case "name":
			m.Name = value
		case "installdir":
			m.InstallDir = value
		case "stateflags":
			m.StateFlags, _ = strconv.Atoi(value)
		case "sizeondisk":
			m.SizeOnDisk, _ = strconv.ParseInt(value, 10, 64)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.WrapIO("read", path, err)
	}
	if m.AppID == "" {
		return nil, errors.NewValidationError("manifest", path, "no appid in app manifest")
	}
	return m, nil
}

// findManifest returns the first app manifest under dir/steamapps, if any.
func findManifest(dir string) *Manifest {
	matches, _ := filepath.Glob(filepath.Join(dir, "steamapps", "appmanifest_*.acf"))
	for _, path := range matches {
		if m, err := ReadManifest(path); err == nil {
			return m
		}
	}
	return nil
}
