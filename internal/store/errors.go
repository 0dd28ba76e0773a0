package store

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by lookups.
var (
	ErrProjectNotFound  = errors.New("store: project not found")
	ErrSnapshotNotFound = errors.New("store: snapshot not found")
	ErrLockHeld         = errors.New("store: ingest lock held")
)

// StoreWriteError reports a failed durable write. The batch it belongs to
// is abandoned and checkpoints stop at the last committed chunk.
type StoreWriteError struct {
	Op  string
	Err error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }
