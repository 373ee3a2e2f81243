package jobs

import (
	"strings"

	"github.com/agentstation/depot/pkg/constants"
	"github.com/agentstation/depot/pkg/errors"
)

const kindVerification = errors.KindVerification

// Disposition tells a user what will happen to a failed job.
type Disposition string

// Dispositions.
const (
	// DispositionRetry means the job goes back to pending automatically.
	DispositionRetry Disposition = "retrying"
	// DispositionAttention means a human has to fix something (credentials, the tool install).
	DispositionAttention Disposition = "needs_attention"
	// DispositionPermanent means retrying will not help.
	DispositionPermanent Disposition = "permanent"
)

// Policy decides whether failed attempts are retried. It is a pure function
// of its inputs so it can be tuned and tested apart from the queue.
type Policy struct {
	// MaxRetries bounds automatic retries of retryable failures.
	MaxRetries int
	// MaxVerificationRetries bounds retries of verification failures.
	MaxVerificationRetries int
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:             constants.MaxRetries,
		MaxVerificationRetries: constants.MaxVerificationRetries,
	}
}

// Classify maps a failure to its disposition ignoring the retry budget.
func Classify(kind errors.Kind, message string) Disposition {
	switch kind {
	case errors.KindStall, errors.KindVerification:
		return DispositionRetry
	case errors.KindToolReported:
		if IsTransientMessage(message) {
			return DispositionRetry
		}
		return DispositionPermanent
	case errors.KindLaunch, errors.KindLoginFailed, errors.KindPersistence:
		return DispositionAttention
	}
	return DispositionPermanent
}

// Decide returns the disposition of a failure of kind on job j, which is the
// job as it was before the failure was recorded.
func (p Policy) Decide(j Job, kind errors.Kind, message string) Disposition {
	d := Classify(kind, message)
	if d != DispositionRetry {
		return d
	}
	if j.RetryCount >= p.MaxRetries {
		return DispositionPermanent
	}
	if kind == errors.KindVerification && j.VerificationFailures >= p.MaxVerificationRetries {
		return DispositionPermanent
	}
	return DispositionRetry
}

// Failure builds the failure record for kind on job j.
func (p Policy) Failure(j Job, kind errors.Kind, message string) Failure {
	return Failure{
		Kind:        kind,
		Message:     message,
		Disposition: p.Decide(j, kind, message),
	}
}

// permanentMarkers are SteamCMD error fragments that retrying cannot fix.
var permanentMarkers = []string{
	"no subscription",
	"invalid platform",
	"missing configuration",
	"invalid app",
	"unknown app",
	"purchase",
	"not enough disk space",
	"disk write failure",
	"file locked",
	"no license",
}

// IsTransientMessage reports whether a tool error message looks like a
// temporary condition (network, rate limit, timeout). Unknown messages are
// treated as transient so the retry budget, not a guess, ends the job.
func IsTransientMessage(message string) bool {
	m := strings.ToLower(message)
	for _, marker := range permanentMarkers {
		if strings.Contains(m, marker) {
			return false
		}
	}
	return true
}
