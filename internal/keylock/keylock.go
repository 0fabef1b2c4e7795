// Package keylock provides per-key mutual exclusion.
package keylock

import "sync"

// Map hands out one mutex per key. Entries are never evicted; keys are agent
// and escalation ids, which are bounded by what the stores hold anyway.
type Map struct {
	locks sync.Map
}

// Lock acquires the mutex for key and returns its unlock function
func (m *Map) Lock(key string) func() {
	v, _ := m.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
