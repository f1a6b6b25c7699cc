package control

import (
	"sort"
	"sync"
	"time"

	"github.com/dense-identity/securecall/internal/call"
)

// DefaultRetention is how long a finished call stays listed.
const DefaultRetention = time.Minute

// Registry tracks live coordinators by attempt id. Finished calls are kept
// for the retention period so their outcome can still be listed.
type Registry struct {
	retention time.Duration

	byAttempt map[string]*call.Coordinator
	mu        sync.RWMutex

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewRegistry creates an empty registry. A negative retention means
// DefaultRetention.
func NewRegistry(retention time.Duration) *Registry {
	if retention < 0 {
		retention = DefaultRetention
	}
	return &Registry{
		retention: retention,
		byAttempt: make(map[string]*call.Coordinator),
		closed:    make(chan struct{}),
	}
}

// Track registers c and removes it once it has finished and the retention
// period has passed.
func (r *Registry) Track(c *call.Coordinator) {
	r.mu.Lock()
	r.byAttempt[c.ID()] = c
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-c.Done():
		case <-r.closed:
			return
		}
		c.Wait()

		timer := time.NewTimer(r.retention)
		defer timer.Stop()
		select {
		case <-timer.C:
			r.Remove(c.ID())
		case <-r.closed:
		}
	}()
}

// Get retrieves a coordinator by attempt id.
func (r *Registry) Get(id string) *call.Coordinator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byAttempt[id]
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byAttempt, id)
}

// All returns every tracked coordinator, oldest first.
func (r *Registry) All() []*call.Coordinator {
	r.mu.RLock()
	result := make([]*call.Coordinator, 0, len(r.byAttempt))
	for _, c := range r.byAttempt {
		result = append(result, c)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Info().CreatedAt.Before(result[j].Info().CreatedAt)
	})
	return result
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAttempt)
}

// Close terminates every tracked call and stops the reapers.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		for _, c := range r.All() {
			c.Terminate()
		}
		close(r.closed)
		for _, c := range r.All() {
			c.Wait()
		}
		r.wg.Wait()
	})
}
