// Package dispatch routes jobs from a worker to connectors.
//
// ARCHITECTURE: connectors register by id; jobs are routed by type
//   - Registry holds connectors in registration order
//   - Select picks the first connector that accepts the job type and has a free slot
//   - Dispatcher processes the job and records the outcome in the ledger and metrics
package dispatch

import (
	"sync"

	"github.com/teranos/jobconnect/connector"
	"github.com/teranos/jobconnect/errors"
)

// Registry holds connectors by id. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]*connector.Connector
	order      []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]*connector.Connector)}
}

// Register adds c. Ids must be unique.
func (r *Registry) Register(c *connector.Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connectors[c.ID()]; exists {
		return errors.Configurationf("connector already registered: %s", c.ID())
	}
	r.connectors[c.ID()] = c
	r.order = append(r.order, c.ID())
	return nil
}

// Get returns the connector registered under id.
func (r *Registry) Get(id string) (*connector.Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[id]
	return c, ok
}

// IDs returns connector ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// All returns connectors in registration order.
func (r *Registry) All() []*connector.Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*connector.Connector, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.connectors[id])
	}
	return out
}

// Len returns the number of registered connectors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Select returns the first connector that can take job now. It fails with
// a not-found error when no connector accepts the job type, and with a
// capacity error when every connector that does is full.
func (r *Registry) Select(job connector.JobData) (*connector.Connector, error) {
	accepting := r.accepting(job.Type)
	if len(accepting) == 0 {
		return nil, errors.WithHint(
			errors.NotFoundf("no connector accepts job type %q", job.Type),
			"check job_types and service_type in the connector configuration",
		)
	}
	for _, c := range accepting {
		if c.CanProcessJob(job) {
			return c, nil
		}
	}
	return nil, errors.Capacityf("all %d connectors for job type %q are at capacity", len(accepting), job.Type)
}

// accepting returns the connectors whose configuration accepts jobType.
func (r *Registry) accepting(jobType string) []*connector.Connector {
	var out []*connector.Connector
	for _, c := range r.All() {
		if c.Config().Accepts(jobType) {
			out = append(out, c)
		}
	}
	return out
}
