package supervisor

import (
	"errors"
	"fmt"
)

// Start failure taxonomy. These are the only errors Start returns for policy
// reasons; everything else is an infrastructure failure (store, spawn).
var (
	ErrSourceNotFound   = errors.New("source not found")
	ErrAlreadyCapturing = errors.New("source is already being captured")
	ErrShuttingDown     = errors.New("shutting down, not accepting new captures")
)

// InsufficientResourcesError carries the disk budget gate's denial reason.
type InsufficientResourcesError struct {
	Reason string
}

func (e *InsufficientResourcesError) Error() string {
	return fmt.Sprintf("insufficient resources: %s", e.Reason)
}
