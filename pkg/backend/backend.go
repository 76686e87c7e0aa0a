// Package backend provides the numeric array backends used by the
// segmentation core. A backend exposes the elementwise, comparison and
// reduction operations the core relies on, so the same algorithm can run
// against the bundled CPU implementation or an accelerator-backed one
// registered by the caller.
package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Backend is the capability set the segmentation core is written against.
// All slice arguments of an operation must have equal length; implementations
// may panic on mismatched lengths, mirroring gonum's slice conventions.
type Backend interface {
	// Name returns the registered name of the backend.
	Name() string

	// Copy copies src into dst.
	Copy(dst, src []float64)

	// Fill sets every element of dst to v.
	Fill(dst []float64, v float64)

	// AddConst adds c to every element of dst in place.
	AddConst(dst []float64, c float64)

	// Scale multiplies every element of dst by c in place.
	Scale(dst []float64, c float64)

	// Add performs dst += s elementwise.
	Add(dst, s []float64)

	// SubTo stores a-b elementwise into dst.
	SubTo(dst, a, b []float64)

	// MulTo stores a*b elementwise into dst.
	MulTo(dst, a, b []float64)

	// DivTo stores a/b elementwise into dst.
	DivTo(dst, a, b []float64)

	// Exp replaces every element of dst with e**dst[i].
	Exp(dst []float64)

	// ClampMin raises every element of dst below c up to c.
	ClampMin(dst []float64, c float64)

	// WhereEq stores repl[i] into dst where src[i] == v, src[i] otherwise.
	WhereEq(dst, src []float64, v float64, repl []float64)

	// Min returns the smallest element of s. Panics on empty input.
	Min(s []float64) float64

	// Max returns the largest element of s. Panics on empty input.
	Max(s []float64) float64

	// Sum returns the sum of the elements of s.
	Sum(s []float64) float64

	// Argsort returns the permutation that sorts s ascending, without
	// modifying s.
	Argsort(s []float64) []int
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Backend)

	// DefaultName is the backend used when no explicit name is given.
	defaultName = "cpu"
)

// Register makes a backend available under the given name. Registering a
// name twice is an error so accidental collisions surface early.
func Register(name string, b Backend) error {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		return fmt.Errorf("backend %q already registered", name)
	}
	registry[name] = b
	return nil
}

// Get retrieves a backend by name.
func Get(name string) (Backend, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	b, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", name)
	}
	return b, nil
}

// Default returns the process-wide default backend.
func Default() Backend {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[defaultName]
}

// SetDefault switches the process-wide default to a registered backend.
func SetDefault(name string) error {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, ok := registry[name]; !ok {
		return fmt.Errorf("unknown backend %q", name)
	}
	defaultName = name
	return nil
}

// List returns the names of all registered backends in sorted order.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
