package coordinator

import (
	"sync"
	"time"
)

// workerRegistry is the process-local WorkerAddress -> WorkerInfo
// table (§4.B). All mutation happens from the dispatcher goroutine;
// the mutex exists only because stats readers (e.g. the API surface)
// may look the table up concurrently.
type workerRegistry struct {
	mu    sync.RWMutex
	rows  map[WorkerAddress]*WorkerInfo
}

func newWorkerRegistry() *workerRegistry {
	return &workerRegistry{rows: make(map[WorkerAddress]*WorkerInfo)}
}

// getOrInsert returns the WorkerInfo for worker, creating it with the
// given default share difficulty if this is the first time the
// coordinator has seen this worker.
func (r *workerRegistry) getOrInsert(worker WorkerAddress, defaultShareDifficulty uint64) *WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.rows[worker]
	if !ok {
		info = &WorkerInfo{
			LastSubmitted:   time.Now(),
			ShareDifficulty: defaultShareDifficulty,
		}
		r.rows[worker] = info
	}
	return info
}

// lookup returns the WorkerInfo for worker without creating one.
func (r *workerRegistry) lookup(worker WorkerAddress) (*WorkerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.rows[worker]
	return info, ok
}

// recordShare bumps last-submitted and the shares-since-reset counter
// for worker. The caller must have already established the row exists
// (via getOrInsert) earlier in the same handler.
func (r *workerRegistry) recordShare(worker WorkerAddress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.rows[worker]
	if !ok {
		// Defensive only: under the single-writer dispatcher discipline
		// this cannot happen, since getOrInsert runs earlier in the
		// same handler invocation.
		return
	}
	info.LastSubmitted = time.Now()
	info.SharesSinceReset++
}

// count returns the number of known workers, for stats surfaces.
func (r *workerRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rows)
}
