package collector

import "sync"

// ExclusionSet tracks user ids already recorded for a keyword. It is
// rebuilt from the store at run start and augmented after each flush, so
// a user commenting on a later video in the same run is still excluded.
// Safe for concurrent use by parallel video workers.
type ExclusionSet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewExclusionSet builds the set from the user ids already stored for
// the keyword.
func NewExclusionSet(userIDs []string) *ExclusionSet {
	ids := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		ids[id] = struct{}{}
	}
	return &ExclusionSet{ids: ids}
}

// Has reports whether userID is already excluded.
func (e *ExclusionSet) Has(userID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.ids[userID]
	return ok
}

// Add marks userID as recorded.
func (e *ExclusionSet) Add(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids[userID] = struct{}{}
}

// Len returns the number of excluded user ids.
func (e *ExclusionSet) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.ids)
}
