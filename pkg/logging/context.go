package logging

import (
	"context"

	"github.com/rs/zerolog"
)

type contextKey int

const (
	loggerKey contextKey = iota
	requestIDKey
)

// WithLogger stores logger in ctx. A nil logger stores Default.
func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	if logger == nil {
		logger = Default()
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored in ctx, or Default.
func FromContext(ctx context.Context) *zerolog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey).(*zerolog.Logger); ok && logger != nil {
			return logger
		}
	}
	return Default()
}

// HasLogger reports whether ctx carries a logger.
func HasLogger(ctx context.Context) bool {
	_, ok := ctx.Value(loggerKey).(*zerolog.Logger)
	return ok
}

// with derives a child of the context logger.
func with(ctx context.Context, fields func(zerolog.Context) zerolog.Context) context.Context {
	child := fields(FromContext(ctx).With()).Logger()
	return WithLogger(ctx, &child)
}

// WithJob tags the context logger with a job id.
func WithJob(ctx context.Context, jobID string) context.Context {
	return with(ctx, func(c zerolog.Context) zerolog.Context {
		return c.Str("job_id", jobID)
	})
}

// WithTitle tags the context logger with the title being downloaded.
func WithTitle(ctx context.Context, titleID, platform string) context.Context {
	return with(ctx, func(c zerolog.Context) zerolog.Context {
		return c.Str("title_id", titleID).Str("platform", platform)
	})
}

// WithAttempt tags the context logger with the attempt number of a job.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return with(ctx, func(c zerolog.Context) zerolog.Context {
		return c.Int("attempt", attempt)
	})
}

// WithRequestID stores an HTTP request id and tags the context logger with it.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	ctx = context.WithValue(ctx, requestIDKey, requestID)
	return with(ctx, func(c zerolog.Context) zerolog.Context {
		return c.Str("request_id", requestID)
	})
}

// RequestID returns the request id stored in ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
