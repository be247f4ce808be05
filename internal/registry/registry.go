// Package registry enforces the per-user single-flight invariant: at most one
// job per user in Assigned or Running state at any instant.
package registry

import "sync"

// Registry maps user id -> in-flight job id.
type Registry struct {
	mu     sync.Mutex
	active map[int64]int64
}

func New() *Registry {
	return &Registry{active: make(map[int64]int64)}
}

// Claim atomically test-and-sets the entry for userID. It returns false if
// another job for the same user is already in flight.
func (r *Registry) Claim(userID, jobID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[userID]; busy {
		return false
	}
	r.active[userID] = jobID
	return true
}

// Release drops the entry for userID. Callers invoke it on every pipeline
// exit path; releasing an absent entry is a no-op.
func (r *Registry) Release(userID int64) {
	r.mu.Lock()
	delete(r.active, userID)
	r.mu.Unlock()
}

// Active returns the in-flight job id for userID, if any.
func (r *Registry) Active(userID int64) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.active[userID]
	return id, ok
}

// Len reports how many users currently have a job in flight.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
