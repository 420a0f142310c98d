package transit

import (
	"errors"
	"fmt"
	"time"
)

type TripStatus string

const (
	StatusPending  TripStatus = "pending"
	StatusStarted  TripStatus = "started"
	StatusFinished TripStatus = "finished"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid trip state transition")
	ErrAlreadyStarted    = fmt.Errorf("%w: trip already started", ErrInvalidTransition)
	ErrAlreadyFinished   = fmt.Errorf("%w: trip already finished", ErrInvalidTransition)
	// ErrTripNotStarted rejects simulator writes for a trip that is no longer running.
	ErrTripNotStarted    = fmt.Errorf("%w: trip not started", ErrInvalidTransition)
)

// Valid reports whether s is one of the known statuses.
func (s TripStatus) Valid() bool {
	switch s {
	case StatusPending, StatusStarted, StatusFinished:
		return true
	}
	return false
}

// CheckTransition enforces Pending -> Started -> Finished. Finished is terminal
// and nothing moves back to Pending. A pending trip may be finished directly.
func CheckTransition(from, to TripStatus) error {
	switch {
	case from == StatusFinished:
		return ErrAlreadyFinished
	case to == StatusStarted && from == StatusStarted:
		return ErrAlreadyStarted
	case to == StatusStarted && from == StatusPending:
		return nil
	case to == StatusFinished:
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Start moves t to Started. t is left untouched on error.
func (t *Trip) Start(at time.Time) error {
	if err := CheckTransition(t.Status, StatusStarted); err != nil {
		return err
	}
	t.Status = StatusStarted
	t.StartedAt = at
	return nil
}

// Finish moves t to Finished. t is left untouched on error.
func (t *Trip) Finish(at time.Time) error {
	if err := CheckTransition(t.Status, StatusFinished); err != nil {
		return err
	}
	t.Status = StatusFinished
	t.FinishedAt = at
	return nil
}
