package scheduler

import (
	"errors"

	"github.com/BaSui01/dagflow/resume"
)

var (
	// ErrDagMismatch is returned when a resumed run belongs to another DAG
	ErrDagMismatch = errors.New("run belongs to a different dag")

	// ErrRunNotFound is returned when resuming an unknown run
	ErrRunNotFound = resume.ErrRunNotFound

	// ErrNotResumable is returned when a repair resume is refused
	ErrNotResumable = errors.New("run is not resumable")

	// ErrUnknownStep is returned for an execution order naming an unregistered step
	ErrUnknownStep = errors.New("unknown step")

	// ErrInvalidStep is returned by RegisterStep for an empty id or nil executor
	ErrInvalidStep = errors.New("invalid step")

	// ErrNoStore is returned when Options carries no RunStore
	ErrNoStore = errors.New("scheduler requires a run store")
)
