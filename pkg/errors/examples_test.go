package errors_test

import (
	"fmt"

	"github.com/agentstation/depot/pkg/errors"
)

// Example demonstrates basic error creation and checking.
func Example() {
	err := &errors.NotFoundError{
		Resource: "job",
		ID:       "3f2a9c1b7d4e8a60",
	}

	if errors.IsNotFound(err) {
		fmt.Println("Job not found")
	}

	// Output: Job not found
}

// Example_jobError demonstrates classifying a job failure by kind.
func Example_jobError() {
	err := fmt.Errorf("attempt 1: %w", errors.NewJobError(errors.KindLoginFailed, "Invalid Password", nil))

	switch errors.KindOf(err) {
	case errors.KindLoginFailed:
		fmt.Println("check the configured Steam account")
	case errors.KindStall, errors.KindToolReported:
		fmt.Println("will retry")
	}

	// Output: check the configured Steam account
}

// Example_persistence demonstrates detecting a degraded queue.
func Example_persistence() {
	err := errors.WrapPersistence("save", "job/3f2a9c1b7d4e8a60", fmt.Errorf("no space left on device"))

	if errors.IsPersistence(err) {
		fmt.Println("storage unavailable, submissions paused")
	}

	// Output: storage unavailable, submissions paused
}
