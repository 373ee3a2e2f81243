package jobs

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/agentstation/depot/pkg/errors"
)

// Defaults fill in what a Request leaves out.
type Defaults struct {
	Platform Platform
	// DownloadRoot is where titles go when no destination is given:
	// <DownloadRoot>/<platform>/<titleID>.
	DownloadRoot string
	Validate     bool
}

// MaxNameLength bounds the optional display name of a request.
const MaxNameLength = 256

// Resolve validates r and builds the pending job it describes.
func (r Request) Resolve(d Defaults, now time.Time) (Job, error) {
	title := strings.TrimSpace(r.TitleID)
	if title == "" {
		return Job{}, errors.NewValidationError("title_id", r.TitleID, "is required")
	}
	for _, c := range title {
		if c < '0' || c > '9' {
			return Job{}, errors.NewValidationError("title_id", r.TitleID, "must be a numeric Steam app id")
		}
	}

	platform := d.Platform
	if r.Platform != "" {
		p, err := ParsePlatform(string(r.Platform))
		if err != nil {
			return Job{}, err
		}
		platform = p
	}
	if platform == "" {
		platform = PlatformWindows
	}

	dest := strings.TrimSpace(r.Destination)
	if dest == "" {
		if d.DownloadRoot == "" {
			return Job{}, errors.NewValidationError("destination", r.Destination, "is required when no download root is configured")
		}
		dest = filepath.Join(d.DownloadRoot, string(platform), title)
	}
	if !filepath.IsAbs(dest) {
		return Job{}, errors.NewValidationError("destination", r.Destination, "must be an absolute path")
	}

	name := strings.TrimSpace(r.Name)
	if len(name) > MaxNameLength {
		return Job{}, errors.NewValidationError("name", r.Name, "is too long")
	}

	validate := d.Validate
	if r.Validate != nil {
		validate = *r.Validate
	}
	job := New(title, platform, dest, validate, now)
	job.Name = name
	return job, nil
}
