package sync

import (
	"errors"
	"fmt"
)

// ErrOffline is returned by [Engine.Sync] when the backend is unreachable.
// No lock is taken and no state is touched.
var ErrOffline = errors.New("backend is unreachable")

// Phase names a step of a sync.
type Phase string

// Sync phases in execution order.
const (
	PhaseInitialSync   Phase = "initial sync"
	PhaseReadState     Phase = "read state"
	PhaseBookmarks     Phase = "bookmarks"
	PhaseFeeds         Phase = "feeds"
	PhaseNewAndUpdated Phase = "new and updated entries"
)

// PhaseError reports which phase of a sync failed. The cause stays
// reachable through errors.Is and errors.As.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	if e.Phase == PhaseInitialSync {
		return fmt.Sprintf("can't perform initial sync: %v", e.Err)
	}
	return fmt.Sprintf("can't sync %s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }
