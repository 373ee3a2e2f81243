package steamcmd

import (
	"strings"

	"github.com/agentstation/depot/pkg/constants"
	"github.com/agentstation/depot/pkg/jobs"
)

// Login selects the Steam account SteamCMD signs in with.
type Login struct {
	// Username is empty for anonymous login.
	Username string
	// Password is only ever passed on stdin, never on the command line.
	Password string
}

// Anonymous reports whether the login is anonymous.
func (l Login) Anonymous() bool {
	return l.Username == "" || strings.EqualFold(l.Username, constants.AnonymousLogin)
}

// command renders the login command.
func (l Login) command() string {
	if l.Anonymous() {
		return "login " + constants.AnonymousLogin
	}
	if l.Password == "" {
		// Cached credentials from a previous interactive login.
		return "login " + quote(l.Username)
	}
	return "login " + quote(l.Username) + " " + quote(l.Password)
}

// Script returns the SteamCMD console commands that install job.
// The install directory and platform must be set before login.
func Script(job jobs.Job, login Login) []string {
	update := "app_update " + job.TitleID
	if job.Validate {
		update += " validate"
	}
	return []string{
		"@ShutdownOnFailedCommand 1",
		"@NoPromptForPassword 1",
		"@sSteamCmdForcePlatformType " + string(job.Platform),
		"force_install_dir " + quote(job.Destination),
		login.command(),
		update,
		"quit",
	}
}

// Redact replaces the password in a rendered script, for logging.
func Redact(script []string, login Login) []string {
	out := make([]string, len(script))
	for i, line := range script {
		if login.Password != "" {
			line = strings.ReplaceAll(line, quote(login.Password), "********")
		}
		out[i] = line
	}
	return out
}

// quote wraps values with spaces in double quotes, which the SteamCMD
// console understands.
func quote(s string) string {
	if strings.ContainsAny(s, " \t\"") {
		return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
	}
	return s
}
