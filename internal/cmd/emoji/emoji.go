// Package emoji provides symbol constants for CLI output.
package emoji

// Status symbols shared by commands.
const (
	// Success marks a completed operation or an available dependency.
	Success = "✓"
	// Error marks a failed operation or a missing dependency.
	Error = "✗"
	// Warning marks a non-fatal problem.
	Warning = "!"
	// Info marks an informational line.
	Info = "i"
	// Stop marks a shutdown.
	Stop = "■"
)
