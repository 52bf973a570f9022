package deploy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mintflow/mintflow/pkg/engine"
	"github.com/mintflow/mintflow/pkg/retry"
)

// Registry maps networks to the deployers that serve them.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// deployers maps network name to deployer.
	deployers map[string]Deployer

	// fallback serves networks with no dedicated deployer.
	fallback Deployer
}

// NewRegistry creates an empty deployer registry.
func NewRegistry() *Registry {
	return &Registry{
		deployers: make(map[string]Deployer),
	}
}

// Register registers the deployer for a network.
func (r *Registry) Register(network string, d Deployer) error {
	if network == "" {
		return fmt.Errorf("network name is required")
	}
	if d == nil {
		return fmt.Errorf("deployer for %s is nil", network)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.deployers[network]; exists {
		return fmt.Errorf("deployer for %s already registered", network)
	}
	r.deployers[network] = d
	return nil
}

// SetFallback sets the deployer used for networks with no registration.
func (r *Registry) SetFallback(d Deployer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.fallback = d
}

// Get returns the deployer for network. A missing deployer is a
// configuration error on the service side, not a caller error.
func (r *Registry) Get(network string) (Deployer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if d, ok := r.deployers[network]; ok {
		return d, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, engine.NewPermanentError(fmt.Sprintf("no deployer configured for network %s", network), nil).
		WithCode(retry.CodeRPCMisconfigured).
		WithResource(network)
}

// Networks lists the networks with a dedicated deployer.
func (r *Registry) Networks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.deployers))
	for n := range r.deployers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
