package adapter

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/willynikes2/GenOS/internal/model"
)

// Requests above these thresholds are routed to the full-VM variant, which
// handles large guests and device passthrough better than microVMs.
const (
	vmCPUThreshold      = 4
	vmMemoryThresholdMB = 4096
)

// Registry holds registered adapter variants and picks one per spec.
type Registry struct {
	mu       sync.RWMutex
	variants map[string]Set
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		variants: make(map[string]Set),
	}
}

// Register adds a variant under the given name, replacing any previous
// registration.
func (r *Registry) Register(name string, s Set) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.variants[name] = s
}

// Choose returns the variant name preferred for the spec. GPU requests,
// Windows images, and large resource requests go to the full-VM variant;
// everything else gets a microVM.
func Choose(spec model.EnvironmentSpec) string {
	if spec.Runtime != "" {
		return spec.Runtime
	}
	if spec.Resources.GPU {
		return model.RuntimeLibvirt
	}
	if strings.HasPrefix(spec.BaseImage, "windows-") || strings.HasPrefix(spec.BaseImage, "macos-") {
		return model.RuntimeLibvirt
	}
	if spec.Resources.CPU > vmCPUThreshold || spec.Resources.MemoryMB > vmMemoryThresholdMB {
		return model.RuntimeLibvirt
	}
	return model.RuntimeFirecracker
}

// Resolve returns the variant to use for the spec along with its name. An
// explicit spec runtime must be registered. Otherwise the preferred variant
// is used when available, falling back to a sole registered variant so
// single-runtime deployments still serve every spec.
func (r *Registry) Resolve(spec model.EnvironmentSpec) (string, Set, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name := Choose(spec)
	if s, ok := r.variants[name]; ok {
		return name, s, nil
	}
	if spec.Runtime != "" {
		return "", Set{}, fmt.Errorf("runtime %q is not registered", spec.Runtime)
	}
	if len(r.variants) == 1 {
		for n, s := range r.variants {
			return n, s, nil
		}
	}
	return "", Set{}, fmt.Errorf("no registered runtime can serve this spec (preferred %q)", name)
}

// Get returns the variant registered under name. The engine uses it to reach
// the adapters of an environment whose variant was fixed at submission.
func (r *Registry) Get(name string) (Set, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.variants[name]
	return s, ok
}

// Names returns the registered variant names, sorted for stable output.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.variants))
	for n := range r.variants {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
