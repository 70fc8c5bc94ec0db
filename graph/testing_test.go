package graph

import (
	"fmt"
	"testing"

	"github.com/clgraph/clgraph/backends"
	"github.com/clgraph/clgraph/layout"
	"github.com/clgraph/clgraph/ops"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

// Test doubles for the backend contracts: a fake engine whose selector hands
// out trivial implementations and whose compiler accepts any source.

type fakeStream struct{}

func (fakeStream) Finish() {}

type fakeKernel struct{ entry string }

func (k fakeKernel) EntryPoint() string { return k.entry }

type fakeCompiler struct{ compiled int }

func (c *fakeCompiler) Compile(source string) (backends.Kernel, error) {
	c.compiled++
	return fakeKernel{entry: source}, nil
}

type fakeImpl struct {
	name   string
	cpu    bool
	source string
}

func (i fakeImpl) KernelName() string { return i.name }
func (i fakeImpl) IsCPU() bool        { return i.cpu }
func (i fakeImpl) Source() string     { return i.source }
func (i fakeImpl) InitKernels(lookup backends.KernelLookup) error {
	if i.source == "" {
		return nil
	}
	return nil
}

type fakeSelector struct {
	selections int

	// optimizedFormats answers FormatOptimized; nil means never optimized.
	optimizedFormats map[layout.Format]bool

	// unsupported kinds force reorder insertion in add_required_reorders.
	unsupported map[ops.Kind]bool
}

func (s *fakeSelector) Select(sig backends.ImplSignature) (backends.Implementation, error) {
	s.selections++
	return fakeImpl{name: sig.Kind.String() + "_ref", source: "kernel " + sig.Kind.String()}, nil
}

func (s *fakeSelector) FormatSupported(kind ops.Kind, l layout.Layout, format layout.Format) bool {
	return !s.unsupported[kind]
}

func (s *fakeSelector) FormatOptimized(kind ops.Kind, l layout.Layout, format layout.Format) bool {
	return s.optimizedFormats[format]
}

type fakeEngine struct {
	device   backends.DeviceInfo
	config   backends.EngineConfig
	compiler *fakeCompiler
	selector *fakeSelector
	usedMem  int64
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		device: backends.DeviceInfo{
			Name:             "fake",
			MaxAllocSize:     1 << 30,
			MaxGlobalMemSize: 4 << 30,
		},
		compiler: &fakeCompiler{},
		selector: &fakeSelector{},
	}
}

func (e *fakeEngine) Device() backends.DeviceInfo             { return e.device }
func (e *fakeEngine) Config() backends.EngineConfig           { return e.config }
func (e *fakeEngine) NewStream() backends.Stream              { return fakeStream{} }
func (e *fakeEngine) UsedDeviceMemory(deviceLocal bool) int64 { return e.usedMem }
func (e *fakeEngine) Compiler() backends.Compiler             { return e.compiler }
func (e *fakeEngine) Selector() backends.Selector             { return e.selector }

// Topology helpers.

func inputPrim(id string, dims ...int) *ops.Primitive {
	return &ops.Primitive{
		ID:    id,
		Kind:  ops.KindInput,
		Input: &ops.InputParams{Layout: layout.Make(dtypes.Float32, layout.FormatBFYX, dims...)},
	}
}

func dataPrim(id string, dims ...int) *ops.Primitive {
	return &ops.Primitive{
		ID:    id,
		Kind:  ops.KindData,
		Input: &ops.InputParams{Layout: layout.Make(dtypes.Float32, layout.FormatBFYX, dims...)},
	}
}

func convPrim(id, input, weights string) *ops.Primitive {
	return &ops.Primitive{
		ID:     id,
		Kind:   ops.KindConvolution,
		Inputs: []string{input, weights},
		Conv: &ops.ConvParams{
			Stride:         []int{1, 1},
			OutputFeatures: 16,
		},
	}
}

func activationPrim(id, input string) *ops.Primitive {
	return &ops.Primitive{
		ID:         id,
		Kind:       ops.KindActivation,
		Inputs:     []string{input},
		Activation: &ops.ActivationParams{Func: ops.ActivationReLU},
	}
}

// smallConvNet is Input -> Conv -> Activation with 1x1 weights.
func smallConvNet() *Topology {
	return NewTopology().Add(
		inputPrim("in", 1, 3, 8, 8),
		dataPrim("weights", 16, 3, 1, 1),
		convPrim("conv", "in", "weights"),
		activationPrim("act", "conv"),
	)
}

// convChain builds n convolutions in sequence, each with its own weights.
func convChain(n int) *Topology {
	topology := NewTopology().Add(inputPrim("in", 1, 16, 32, 32))
	prev := "in"
	for i := 0; i < n; i++ {
		w := fmt.Sprintf("weights%d", i)
		c := fmt.Sprintf("conv%d", i)
		topology.Add(dataPrim(w, 16, 16, 1, 1), convPrim(c, prev, w))
		prev = c
	}
	return topology
}

// buildGraphOnly constructs a Program with nodes and edges wired but no passes
// run, for exercising the edit primitives directly.
func buildGraphOnly(t *testing.T, topology *Topology) *Program {
	p, err := newProgram(newFakeEngine(), BuildConfig{})
	require.NoError(t, err)
	require.NoError(t, p.prepareNodes(topology))
	p.order.CalculateBFS(p)
	return p
}

// requireEdgeSymmetry asserts every dependency edge has a matching reverse
// user edge and vice versa.
func requireEdgeSymmetry(t *testing.T, p *Program) {
	t.Helper()
	for id, n := range p.nodes {
		for _, depID := range n.deps {
			dep, found := p.nodes[depID]
			require.Truef(t, found, "node %q depends on unknown node %q", id, depID)
			require.Truef(t, dep.hasUser(id), "edge %q -> %q has no reverse user entry", depID, id)
		}
		for _, userID := range n.users {
			user, found := p.nodes[userID]
			require.Truef(t, found, "node %q lists unknown user %q", id, userID)
			require.Truef(t, user.dependencySlot(id) >= 0,
				"user entry %q -> %q has no matching dependency", id, userID)
		}
	}
	// Edge multiplicity must match too.
	for id, n := range p.nodes {
		for _, depID := range n.deps {
			require.Equalf(t, countOf(n.deps, depID), countOf(p.nodes[depID].users, id),
				"edge %q -> %q multiplicity mismatch", depID, id)
		}
	}
}

func countOf(s []string, v string) int {
	count := 0
	for _, e := range s {
		if e == v {
			count++
		}
	}
	return count
}
