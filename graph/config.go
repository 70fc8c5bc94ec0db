package graph

import (
	"github.com/clgraph/clgraph/backends"
	"github.com/pkg/errors"
)

// TuningMode selects how the tuning cache participates in implementation
// selection.
type TuningMode int

const (
	// TuningDisabled ignores the tuning cache.
	TuningDisabled TuningMode = iota
	// TuningUseCache reads hints from an existing cache.
	TuningUseCache
	// TuningTuneAndCache profiles missing entries and records them.
	TuningTuneAndCache
	// TuningRetuneAndCache re-profiles every entry and records the results.
	TuningRetuneAndCache
)

// String implements fmt.Stringer.
func (m TuningMode) String() string {
	switch m {
	case TuningDisabled:
		return "disabled"
	case TuningUseCache:
		return "use_cache"
	case TuningTuneAndCache:
		return "tune_and_cache"
	case TuningRetuneAndCache:
		return "retune_and_cache"
	}
	return "invalid"
}

// RequiresProfiling reports whether the mode measures kernels and therefore
// needs a profiling-capable device.
func (m TuningMode) RequiresProfiling() bool {
	return m == TuningTuneAndCache || m == TuningRetuneAndCache
}

// TuningConfig configures the tuning cache for one build.
type TuningConfig struct {
	Mode      TuningMode
	CachePath string
}

// BuildConfig carries the recognized build options of one Program build.
// The zero value is a valid default configuration.
type BuildConfig struct {
	// OptimizeData enables the heavier rewrite passes (fusion, layout
	// selection, buffer fusing). Format- and padding-insensitive passes run
	// regardless.
	OptimizeData bool

	// ForceImplementations maps operation id to a forced implementation
	// choice. A non-empty map implies OptimizeData.
	ForceImplementations map[string]string

	Tuning TuningConfig

	// Outputs are the ids of the nodes whose results the caller wants. When
	// empty, every node without users becomes an output.
	Outputs []string

	// GraphDumpsDir, when set, enables per-pass introspection snapshots.
	// The dump files themselves are written by external tooling.
	GraphDumpsDir string

	// PartialBuild stops after graph construction and optimization, skipping
	// kernel compilation.
	PartialBuild bool

	// NoOptimizations builds the graph and runs only the init stage.
	NoOptimizations bool

	// DebugBuild keeps every intermediate buffer queryable: at cleanup all
	// surviving nodes are marked as outputs.
	DebugBuild bool

	// IsBodyProgram marks the compiled sub-graph of a looping construct.
	// Body programs skip constant propagation, their constants belong to the
	// outer program.
	IsBodyProgram bool

	// ImplCacheCapacity bounds the implementation-selection memo. 0 means
	// DefaultImplCacheCapacity.
	ImplCacheCapacity int
}

// DefaultImplCacheCapacity bounds the LRU memo of selected implementations.
const DefaultImplCacheCapacity = 300

// validate checks option combinations against the engine, before any node is
// created, and normalizes implied options.
func (c *BuildConfig) validate(engine backends.Engine) error {
	if c.Tuning.Mode.RequiresProfiling() && !engine.Config().EnableProfiling {
		return errors.Wrapf(ErrConfiguration,
			"tuning mode %s requires an engine created with profiling enabled", c.Tuning.Mode)
	}
	if len(c.ForceImplementations) > 0 {
		c.OptimizeData = true
	}
	if c.ImplCacheCapacity <= 0 {
		c.ImplCacheCapacity = DefaultImplCacheCapacity
	}
	return nil
}
