package graph

import (
	"testing"

	"github.com/clgraph/clgraph/backends"
	"github.com/clgraph/clgraph/layout"
	"github.com/clgraph/clgraph/ops"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestBuildSmallNet(t *testing.T) {
	engine := newFakeEngine()
	p, err := Build(engine, smallConvNet(), BuildConfig{})
	require.NoError(t, err)

	// Dependency-free nodes, baked weights included, feed the graph.
	require.ElementsMatch(t, []string{"in", "weights"}, p.Inputs())
	require.Equal(t, []string{"act"}, p.Outputs())
	require.True(t, p.ProcessingOrder().IsCorrect(p))
	requireEdgeSymmetry(t, p)

	// Every executable node got an implementation and its kernel compiled.
	conv, err := p.Node("conv")
	require.NoError(t, err)
	require.NotNil(t, conv.SelectedImplementation())
	require.Equal(t, "convolution_ref", conv.SelectedImplementation().KernelName())
	require.Greater(t, engine.compiler.compiled, 0)

	// Layouts resolved through the chain: 1x1 conv keeps the spatial size and
	// takes the weights' output features.
	l, err := p.ResolveOutputLayout(conv)
	require.NoError(t, err)
	require.Equal(t, []int{1, 16, 8, 8}, l.Dims)
}

func TestBuildFusesOutputActivation(t *testing.T) {
	p, err := Build(newFakeEngine(), smallConvNet(), BuildConfig{OptimizeData: true})
	require.NoError(t, err)

	// The activation fused into the convolution and its id landed in the
	// ledger pointing at the convolution.
	require.False(t, p.HasNode("act"))
	conv, err := p.Node("conv")
	require.NoError(t, err)
	require.True(t, conv.IsOutput())

	fused := conv.FusedPrimitives()
	require.Len(t, fused, 1)
	require.Equal(t, "act", fused[0].Desc.ID)
	require.Equal(t, ops.ActivationReLU, fused[0].Activation)
	require.Equal(t, []string{"conv"}, p.OptimizedOutReplacement("act"))
}

func TestTuningRequiresProfilingDevice(t *testing.T) {
	engine := newFakeEngine() // profiling off
	_, err := Build(engine, smallConvNet(), BuildConfig{
		Tuning: TuningConfig{Mode: TuningTuneAndCache},
	})
	require.ErrorIs(t, err, ErrConfiguration)

	engine.config.EnableProfiling = true
	_, err = Build(engine, smallConvNet(), BuildConfig{
		Tuning: TuningConfig{Mode: TuningTuneAndCache},
	})
	require.NoError(t, err)
}

func TestMissingDependencyFailsBuild(t *testing.T) {
	topology := NewTopology().Add(
		&ops.Primitive{ID: "lonely", Kind: ops.KindReshape, Inputs: []string{"ghost"}},
	)
	_, err := Build(newFakeEngine(), topology, BuildConfig{})
	require.ErrorIs(t, err, ErrGraphIntegrity)
}

func TestDeclaredOutputs(t *testing.T) {
	p, err := Build(newFakeEngine(), smallConvNet(), BuildConfig{
		Outputs:      []string{"conv"},
		PartialBuild: true,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"conv"}, p.Outputs())
	// The activation hangs off no declared output and was trimmed.
	require.False(t, p.HasNode("act"))
}

func TestPartialBuildSkipsCompilation(t *testing.T) {
	engine := newFakeEngine()
	p, err := Build(engine, smallConvNet(), BuildConfig{PartialBuild: true})
	require.NoError(t, err)
	require.Equal(t, 0, engine.compiler.compiled)

	// Implementation selection still ran; only the batch build was skipped.
	conv, err := p.Node("conv")
	require.NoError(t, err)
	require.NotNil(t, conv.SelectedImplementation())
}

func TestForceImplementationsImpliesOptimizeData(t *testing.T) {
	p, err := Build(newFakeEngine(), smallConvNet(), BuildConfig{
		ForceImplementations: map[string]string{"conv": "winograd"},
	})
	require.NoError(t, err)
	require.True(t, p.Config().OptimizeData)
}

func TestImplementationSelectionMemoized(t *testing.T) {
	engine := newFakeEngine()
	_, err := Build(engine, convChain(6), BuildConfig{})
	require.NoError(t, err)
	// Six structurally equal convolutions share one selection.
	require.Equal(t, 1, engine.selector.selections)
}

func TestOptimizedOutLedgerTransitive(t *testing.T) {
	p := buildGraphOnly(t, smallConvNet())
	p.addOptimizedPrimitive("a", []string{"b"})
	p.addOptimizedPrimitive("b", []string{"c"})

	// The earlier entry is rewritten so chains always resolve to live ids.
	require.Equal(t, []string{"c"}, p.OptimizedOutReplacement("a"))
	require.Equal(t, []string{"c"}, p.OptimizedOutReplacement("b"))
	require.Nil(t, p.OptimizedOutReplacement("never-removed"))
}

func TestEstimateDeviceMemUsage(t *testing.T) {
	engine := newFakeEngine()
	p, err := Build(engine, smallConvNet(), BuildConfig{})
	require.NoError(t, err)

	constSum, used := p.EstimateDeviceMemUsage()
	require.GreaterOrEqual(t, constSum, int64(0))
	require.Equal(t, int64(0), used)

	// An impossible device produces the sentinel pair, not an error.
	engine.device.MaxAllocSize = 1
	gotConst, gotUsed := p.EstimateDeviceMemUsage()
	require.Equal(t, int64(-1), gotConst)
	require.Equal(t, int64(-1), gotUsed)
}

func TestNodesInfoSnapshot(t *testing.T) {
	p, err := Build(newFakeEngine(), smallConvNet(), BuildConfig{})
	require.NoError(t, err)

	infos := p.NodesInfo()
	require.NotEmpty(t, infos)
	byID := make(map[string]NodeInfo, len(infos))
	for _, info := range infos {
		byID[info.ID] = info
	}
	conv := byID["conv"]
	require.Equal(t, ops.KindConvolution, conv.Kind)
	require.Equal(t, "convolution_ref", conv.ImplName)
	require.Equal(t, dtypes.Float32, conv.Precision)
	require.Equal(t, "bfyx", conv.FormatStr)
}

func TestPassSnapshotsOnlyWithDumpsDir(t *testing.T) {
	p, err := Build(newFakeEngine(), smallConvNet(), BuildConfig{})
	require.NoError(t, err)
	require.Empty(t, p.OptimizerPassesInfo())

	p, err = Build(newFakeEngine(), smallConvNet(), BuildConfig{GraphDumpsDir: t.TempDir()})
	require.NoError(t, err)
	snapshots := p.OptimizerPassesInfo()
	require.NotEmpty(t, snapshots)
	require.Equal(t, "init/graph_initializations", snapshots[0].Name)
}

func TestGetImplementationInfo(t *testing.T) {
	p, err := Build(newFakeEngine(), smallConvNet(), BuildConfig{})
	require.NoError(t, err)

	info, err := p.GetImplementationInfo("conv")
	require.NoError(t, err)
	require.Equal(t, "convolution_ref__float32", info)

	input, err := p.Node("in")
	require.NoError(t, err)
	require.Nil(t, input.SelectedImplementation())
	info, err = p.GetImplementationInfo("in")
	require.NoError(t, err)
	require.Equal(t, "undef", info)
}

func TestMemoryDependenciesComputed(t *testing.T) {
	engine := newFakeEngine()
	engine.config.UseMemoryPool = true
	engine.device.OutOfOrderQueue = true

	topology := NewTopology().Add(
		inputPrim("in", 1, 8, 4, 4),
		activationPrim("left", "in"),
		activationPrim("right", "in"),
		&ops.Primitive{
			ID:      "join",
			Kind:    ops.KindEltwise,
			Inputs:  []string{"left", "right"},
			Eltwise: &ops.EltwiseParams{Mode: ops.EltwiseSum},
		},
	)
	p, err := Build(engine, topology, BuildConfig{})
	require.NoError(t, err)

	// The two branches run concurrently on an out-of-order queue and must not
	// share buffers.
	left, err := p.Node("left")
	require.NoError(t, err)
	require.Contains(t, left.MemoryDependencies(), "right")
	right, err := p.Node("right")
	require.NoError(t, err)
	require.Contains(t, right.MemoryDependencies(), "left")
	require.Contains(t, MemoryDependenciesString(right), "left")
}

func TestEngineWithoutMemoryPoolSkipsAnalysis(t *testing.T) {
	p, err := Build(newFakeEngine(), smallConvNet(), BuildConfig{})
	require.NoError(t, err)
	conv, err := p.Node("conv")
	require.NoError(t, err)
	require.Empty(t, conv.MemoryDependencies())
}

func TestProviderRegistryInit(t *testing.T) {
	// InitProviders is process-wide and idempotent; a second call does not
	// re-run providers.
	backends.InitProviders()
	backends.InitProviders()
	require.Error(t, backends.RegisterProvider("late", func(*backends.Registry) {}))
}

func TestReorderTargetLayout(t *testing.T) {
	topology := NewTopology().Add(
		inputPrim("in", 1, 3, 8, 8),
		&ops.Primitive{
			ID:     "to_fp16",
			Kind:   ops.KindReorder,
			Inputs: []string{"in"},
			Reorder: &ops.ReorderParams{
				Target: layout.Layout{DType: dtypes.Float16, Format: layout.FormatBYXF},
			},
		},
	)
	p, err := Build(newFakeEngine(), topology, BuildConfig{})
	require.NoError(t, err)
	n, err := p.Node("to_fp16")
	require.NoError(t, err)
	l, err := p.ResolveOutputLayout(n)
	require.NoError(t, err)
	require.Equal(t, dtypes.Float16, l.DType)
	require.Equal(t, layout.FormatBYXF, l.Format)
	require.Equal(t, []int{1, 3, 8, 8}, l.Dims)
}
