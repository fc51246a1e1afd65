package scheduler

import "github.com/cockroachdb/errors"

var (
	ErrAlreadyRunning    = errors.New("scheduler already running")
	ErrDuplicateJob      = errors.New("duplicate job name")
	ErrInvalidInterval   = errors.New("job interval must be > 0")
	ErrInvalidJob        = errors.New("invalid job")
	ErrStopGraceExceeded = errors.New("stop grace exceeded; in-flight runs abandoned")
	ErrStopInProgress    = errors.New("scheduler stop in progress")
)
