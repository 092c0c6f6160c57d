// Package health reports whether escrowd's dependencies are reachable: the
// wallet database and the ledger it settles against.
//
// Checks run in parallel on each GET /health, each bounded by the registry's
// timeout.
package health

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// DefaultCheckTimeout bounds a single checker run.
const DefaultCheckTimeout = 2 * time.Second

// Status is the outcome of one dependency check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker checks one dependency.
type Checker func(ctx context.Context) Status

// Pinger is anything that can report reachability, such as the ledger client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker wraps a Pinger under the given name.
func PingChecker(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, DefaultCheckTimeout)
		defer cancel()

		if err := p.Ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

type dbPinger struct{ db *sql.DB }

func (d dbPinger) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

// DBChecker reports whether the wallet database answers a ping.
func DBChecker(db *sql.DB) Checker {
	return PingChecker("database", dbPinger{db})
}

// Registry holds the dependency checks of one escrowd process.
type Registry struct {
	mu       sync.RWMutex
	timeout  time.Duration
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry returns an empty registry using DefaultCheckTimeout.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultCheckTimeout}
}

// WithTimeout overrides the per-check bound.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
	return r
}

// Register adds a named checker. A status returned without a name is
// reported under name.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// RegisterPinger adds p under name.
func (r *Registry) RegisterPinger(name string, p Pinger) {
	r.Register(name, PingChecker(name, p))
}

// CheckAll runs every checker concurrently and reports whether all passed.
// Statuses come back in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			st := nc.check(cctx)
			if st.Name == "" {
				st.Name = nc.name
			}
			statuses[i] = st
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}
