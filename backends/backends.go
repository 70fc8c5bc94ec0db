// Package backends defines the interfaces the graph compiler consumes from a
// device backend: the engine/stream pair that owns the execution context, the
// kernel compiler, and the implementation selector with its format oracle.
//
// Actual device code generation, queues and raw memory allocation live behind
// these interfaces; this package only carries the contracts and the
// process-wide provider registry.
package backends

import (
	"slices"
	"sync"

	"github.com/clgraph/clgraph/layout"
	"github.com/clgraph/clgraph/ops"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// DeviceInfo carries the device capability flags the compiler's heuristics
// read. All sizes are in bytes.
type DeviceInfo struct {
	Name string

	MaxAllocSize     int64
	MaxGlobalMemSize int64

	SupportsProfiling bool
	SupportsDeviceUSM bool
	IntegratedGPU     bool
	OutOfOrderQueue   bool
}

// EngineConfig is the engine-level configuration the compiler consults; it is
// fixed at engine creation time.
type EngineConfig struct {
	EnableProfiling bool
	UseMemoryPool   bool
	TuningCachePath string
}

// Engine is the device abstraction a Program is built against.
type Engine interface {
	Device() DeviceInfo
	Config() EngineConfig

	// NewStream creates an execution stream; the Program owns one for the
	// duration of a build.
	NewStream() Stream

	// UsedDeviceMemory returns the bytes currently allocated on the device
	// (device-local allocations when deviceLocal, otherwise host-visible ones).
	UsedDeviceMemory(deviceLocal bool) int64

	Compiler() Compiler
	Selector() Selector
}

// Stream is one execution queue on the device.
type Stream interface {
	// Finish blocks until all work queued on the stream completed.
	Finish()
}

// Kernel is a compiled device kernel, opaque to the compiler.
type Kernel interface {
	EntryPoint() string
}

// Compiler turns one kernel source text into a compiled kernel. BuildAll in the
// kernels package batches calls to it in parallel.
type Compiler interface {
	Compile(source string) (Kernel, error)
}

// KernelLookup resolves a kernel id previously returned by the source cache.
type KernelLookup func(id string) (Kernel, bool)

// Implementation is one selected device implementation for a node.
type Implementation interface {
	// KernelName names the kernel for introspection ("undef" style fallbacks
	// are the caller's business).
	KernelName() string

	// IsCPU reports whether the implementation runs on the host.
	IsCPU() bool

	// Source returns the kernel source to compile, or "" when the
	// implementation needs no device kernel.
	Source() string

	// InitKernels binds the compiled kernels after the batch build.
	InitKernels(lookup KernelLookup) error
}

// ImplSignature is the per-node parameter signature implementation selection is
// memoized on: same signature, same chosen implementation.
type ImplSignature struct {
	Kind   ops.Kind
	Layout string
	Config string
	Forced string
}

// Selector picks device implementations and answers format-compatibility
// queries for the layout heuristics.
type Selector interface {
	Select(sig ImplSignature) (Implementation, error)

	// FormatSupported reports whether the kind has any kernel consuming or
	// producing the format for the given layout.
	FormatSupported(kind ops.Kind, l layout.Layout, format layout.Format) bool

	// FormatOptimized reports whether the format is the kind's preferred
	// (fastest) one for the given layout.
	FormatOptimized(kind ops.Kind, l layout.Layout, format layout.Format) bool
}

// Transferrer is optionally implemented by engines that can move constant
// data into device-local memory ahead of execution.
type Transferrer interface {
	TransferToDevice(nodeID string, l layout.Layout) error
}

// Provider registers the implementation factories of one backend family
// (ocl/cpu/common style) into the process registry.
type Provider func(registry *Registry)

// Registry is the process-wide set of available implementation providers and
// the implementation names they registered per operation kind.
// Its query methods are safe before any graph construction begins.
type Registry struct {
	mu        sync.Mutex
	providers map[string]Provider
	byKind    map[ops.Kind][]string
	ran       bool
}

var (
	defaultRegistry = &Registry{
		providers: make(map[string]Provider),
		byKind:    make(map[ops.Kind][]string),
	}
	initOnce sync.Once
)

// RegisterImplementation records an available implementation name for the
// kind. Providers call it from their Provider function.
func (r *Registry) RegisterImplementation(kind ops.Kind, name string) {
	// Callers already hold no lock: RegisterImplementation is only reached
	// from InitProviders, which holds r.mu.
	r.byKind[kind] = append(r.byKind[kind], name)
}

// Implementations returns the implementation names registered for the kind.
func Implementations(kind ops.Kind) []string {
	r := defaultRegistry
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.byKind[kind])
}

// RegisterProvider registers a named provider; typically called from a
// backend package's init. Registering after InitProviders ran is an error.
func RegisterProvider(name string, provider Provider) error {
	r := defaultRegistry
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ran {
		return errors.Errorf("backends: provider %q registered after initialization", name)
	}
	r.providers[name] = provider
	return nil
}

// ProviderNames returns the names of the registered providers.
func ProviderNames() []string {
	r := defaultRegistry
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Keys(r.providers)
}

// InitProviders runs every registered provider exactly once per process, no
// matter how many programs are built concurrently. The orchestrator calls it
// at the start of every build; only the first call does work.
func InitProviders() {
	initOnce.Do(func() {
		r := defaultRegistry
		r.mu.Lock()
		defer r.mu.Unlock()
		names := maps.Keys(r.providers)
		slices.Sort(names)
		for _, name := range names {
			r.providers[name](r)
		}
		r.ran = true
	})
}
