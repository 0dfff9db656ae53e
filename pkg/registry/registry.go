// Package registry replaces hither's decorator-based, process-wide function
// registration (`@hither.function(...)`) with an explicit registry value,
// per DESIGN NOTES §9. Callers register once at startup instead of relying
// on import-time side effects.
package registry

import (
	"fmt"
	"sync"

	"github.com/hither-run/hither/pkg/job"
	"github.com/hither-run/hither/pkg/value"
)

// Identity function identity: the built-in "return argument unchanged"
// function the Job Manager queues to force a remote handler to download a
// result's files locally (the "substitute identity job" pattern).
// Both a Job Manager's local registry and a Compute Resource's registry
// must carry this registration for the pattern to round-trip over a remote
// handler, so RegisterIdentity is called by both pkg/jobmanager.New and
// pkg/computeresource.New.
const (
	IdentityFunctionName    = "__hither_identity__"
	IdentityFunctionVersion = "1"
)

// identityKwarg is the single key an identity job's Kwargs map carries.
const identityKwarg = "value"

// NewIdentityKwargs wraps v as the Kwargs tree an identity job expects.
func NewIdentityKwargs(v value.Value) value.Value {
	m := value.NewOrderedMap()
	m.Set(identityKwarg, v)
	return value.NewMap(m)
}

// IdentityCallable returns its sole "value" kwarg unchanged.
func IdentityCallable(kwargs value.Value) (value.Value, error) {
	m, ok := kwargs.AsMap()
	if !ok {
		return value.Value{}, fmt.Errorf("registry: identity function expects a map kwargs tree")
	}
	v, ok := m.Get(identityKwarg)
	if !ok {
		return value.Value{}, fmt.Errorf("registry: identity function missing %q key", identityKwarg)
	}
	return v, nil
}

// RegisterIdentity registers the built-in identity function, ignoring
// DuplicateFunctionError so it is safe to call more than once against the
// same registry.
func RegisterIdentity(r *Registry) {
	_ = r.Register(Registration{
		Name:     IdentityFunctionName,
		Version:  IdentityFunctionVersion,
		Callable: IdentityCallable,
	})
}

// Registration describes one registered function.
type Registration struct {
	Name     string
	Version  string
	Callable job.Func

	// Container is the default image reference jobs for this function run
	// under, or "" for no container.
	Container string

	// TransportableCode is the opaque code object remote execution ships to
	// a Compute Resource; empty for local-only functions.
	TransportableCode []byte

	// Modules lists required packages (supplemented feature, from
	// original_source/'s RequiredPackages): informational only here; no
	// component reads or checks it.
	Modules []string
}

func key(name, version string) string {
	return name + "@" + version
}

// Registry is a process-wide table of registered functions, keyed by
// (name, version).
type Registry struct {
	mu  sync.RWMutex
	regs map[string]Registration
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{regs: make(map[string]Registration)}
}

// Register adds a function. It is an error to register the same
// (name, version) twice: DuplicateFunction is raised at registration.
func (r *Registry) Register(reg Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(reg.Name, reg.Version)
	if _, exists := r.regs[k]; exists {
		return job.DuplicateFunctionError(reg.Name, reg.Version)
	}
	r.regs[k] = reg
	return nil
}

// Lookup finds a registered function by name and version.
func (r *Registry) Lookup(name, version string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[key(name, version)]
	return reg, ok
}

// MustRegister panics on duplicate registration; useful for package-level
// `init()` style registration where a duplicate is a programming error.
func (r *Registry) MustRegister(reg Registration) {
	if err := r.Register(reg); err != nil {
		panic(fmt.Sprintf("registry: %v", err))
	}
}

// List returns every registered function, for status/introspection commands.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.regs))
	for _, reg := range r.regs {
		out = append(out, reg)
	}
	return out
}
