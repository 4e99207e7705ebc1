package queue

import (
	"errors"
	"fmt"

	"github.com/opd-ai/toxcall/callerr"
)

var (
	// ErrStopped indicates the queue no longer accepts jobs.
	ErrStopped = errors.New("queue stopped")

	// ErrInvalidTask indicates a job with neither or both tasks set.
	ErrInvalidTask = fmt.Errorf("%w: job must carry exactly one task", callerr.ErrConfiguration)
)
