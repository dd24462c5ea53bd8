package local

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tomyedwab/localdeployer/deployer"
)

// Registry tracks deployments by id. An id is reserved for the duration of
// a Deploy call and becomes visible to Get only once published, so readers
// never observe a half-launched deployment.
type Registry struct {
	mu          sync.RWMutex
	reserved    map[string]bool
	deployments map[string]*Deployment
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		reserved:    make(map[string]bool),
		deployments: make(map[string]*Deployment),
	}
}

// Reserve claims id for a deployment in progress.
func (r *Registry) Reserve(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reserved[id] || r.deployments[id] != nil {
		return fmt.Errorf("%w: %s", deployer.ErrAlreadyDeployed, id)
	}
	r.reserved[id] = true
	return nil
}

// Publish makes a reserved deployment visible.
func (r *Registry) Publish(id string, dep *Deployment) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.reserved, id)
	r.deployments[id] = dep
}

// Release drops a reservation that will not be published.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.reserved, id)
}

// Get returns the published deployment for id.
func (r *Registry) Get(id string) (*Deployment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dep, ok := r.deployments[id]
	return dep, ok
}

// Withdraw removes the published deployment for id and keeps id reserved
// until Release, so the id cannot be redeployed while its instances are
// still being stopped.
func (r *Registry) Withdraw(id string) (*Deployment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dep, ok := r.deployments[id]
	if ok {
		delete(r.deployments, id)
		r.reserved[id] = true
	}
	return dep, ok
}

// IDs returns the published deployment ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.deployments))
	for id := range r.deployments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
