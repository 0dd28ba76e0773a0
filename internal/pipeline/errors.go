package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/pulse/internal/config"
	"github.com/zulandar/pulse/internal/connector"
	"github.com/zulandar/pulse/internal/snapshot"
	"github.com/zulandar/pulse/internal/store"
)

// Error types the pipeline reports through run outcomes. They are owned by
// the packages that raise them and re-exported here for callers that only
// depend on the pipeline.
type (
	ConnectorError     = connector.ConnectorError
	ConfigurationError = config.ConfigurationError
	StoreWriteError    = store.StoreWriteError
)

// RunError is returned by Run when at least one stage failed. The report
// still holds every outcome.
type RunError struct {
	RunID  string
	Failed []string // "stage source/project: reason"
}

func (e *RunError) Error() string {
	return fmt.Sprintf("pipeline: run %s: %d failed: %s", e.RunID, len(e.Failed), strings.Join(e.Failed, "; "))
}

// reason renders err for the outcome log, naming its class.
func reason(err error) string {
	var (
		connErr  *connector.ConnectorError
		cfgErr   *config.ConfigurationError
		writeErr *store.StoreWriteError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, store.ErrLockHeld):
		return "lock held: " + err.Error()
	case errors.Is(err, snapshot.ErrNoActivity):
		return "no activity in window"
	case errors.As(err, &cfgErr):
		return "configuration: " + cfgErr.Error()
	case errors.As(err, &connErr):
		return "connector: " + connErr.Error()
	case errors.As(err, &writeErr):
		return "store write: " + writeErr.Error()
	}
	return err.Error()
}
