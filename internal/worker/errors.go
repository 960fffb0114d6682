package worker

import "errors"

// ErrInboxFull is returned by Submit when the bounded inbox is
// saturated.
var ErrInboxFull = errors.New("worker: inbox full")

// ErrWorkerStopped is returned when Submit is called (or races)
// against a Worker that has already shut down.
var ErrWorkerStopped = errors.New("worker: stopped")
