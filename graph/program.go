// Package graph is the graph-compilation core of the clgraph inference
// backend. It turns a declarative Topology (typed operation descriptors and
// their data dependencies) into an optimized, schedulable, kernel-bound
// Program for a parallel compute device.
//
// The main elements of the package are:
//
//   - Program: owns all graph nodes keyed by id and exposes the structural
//     editing primitives (insert/remove/replace/fuse/reorder) that the
//     optimization passes use. Build is the orchestrator: it constructs the
//     graph, runs the pass pipeline, computes memory dependencies and
//     compiles kernels.
//
//   - Node: wraps one immutable ops.Primitive descriptor with live edges,
//     resolved output layout and flags.
//
//   - ProcessingOrder: the maintained, edit-aware topological ordering of the
//     live nodes, BFS-grouped because the target device executes out of
//     order.
//
//   - Pass pipeline: an explicit ordered list of named rewrite passes grouped
//     into init / pre-optimize / compile / post-optimize / memory-dependency
//     / cleanup stages.
//
// Graph construction and every pass run synchronously on a single goroutine;
// only the batched kernel compilation parallelizes internally.
package graph

import (
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/clgraph/clgraph/backends"
	"github.com/clgraph/clgraph/kernels"
	"github.com/clgraph/clgraph/ops"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// Topology is the declarative description of the computation: operation
// descriptors in caller-given order, keyed by id.
type Topology struct {
	prims []*ops.Primitive
	byID  map[string]*ops.Primitive
}

// NewTopology returns an empty topology.
func NewTopology() *Topology {
	return &Topology{byID: make(map[string]*ops.Primitive)}
}

// Add registers a descriptor. Re-adding an id replaces the previous
// descriptor in place, keeping the original position.
func (t *Topology) Add(prims ...*ops.Primitive) *Topology {
	for _, prim := range prims {
		if _, found := t.byID[prim.ID]; !found {
			t.prims = append(t.prims, prim)
		} else {
			for i, existing := range t.prims {
				if existing.ID == prim.ID {
					t.prims[i] = prim
					break
				}
			}
		}
		t.byID[prim.ID] = prim
	}
	return t
}

// Get returns the descriptor for the id, or nil.
func (t *Topology) Get(id string) *ops.Primitive { return t.byID[id] }

// Primitives returns the descriptors in insertion order.
func (t *Topology) Primitives() []*ops.Primitive { return slices.Clone(t.prims) }

// OptimizedOut is one entry of the optimized-out ledger: a removed node id and
// the ids that took over its role. Used purely for introspection.
type OptimizedOut struct {
	ID           string
	ReplacedWith []string
}

// fusedDep records, for one user of a fused peer, which dependency slot the
// peer occupied. It is the unit of the fusing history.
type fusedDep struct {
	peerID string
	slot   int
}

// Program owns an operation graph through its whole build: construction,
// optimization, memory-dependency analysis and kernel compilation.
type Program struct {
	id     uint32
	engine backends.Engine
	stream backends.Stream
	config BuildConfig

	nodes   map[string]*Node
	inputs  []string
	outputs []string
	order   *ProcessingOrder

	optimizedOut  []OptimizedOut
	fusingHistory map[string][]fusedDep

	kernelsCache *kernels.SourceCache
	implCache    *kernels.ImplCache
	tuningCache  *kernels.TuningCache

	// outputSizeHandling is set when any descriptor's declared output size
	// disagrees with the computed sliding-window size.
	outputSizeHandling bool

	lo *layoutOptimizer

	passesInfo []PassSnapshot
	nodesInfo  []NodeInfo
}

var programIDGen atomic.Uint32

// Build compiles the topology into a Program: it validates the configuration,
// constructs the graph, runs the pass pipeline, computes memory dependencies
// and compiles and binds the device kernels. Any fatal error aborts the build.
func Build(engine backends.Engine, topology *Topology, config BuildConfig) (*Program, error) {
	p, err := newProgram(engine, config)
	if err != nil {
		return nil, err
	}
	if err := p.prepareNodes(topology); err != nil {
		return nil, err
	}
	if err := p.buildProgram(); err != nil {
		return nil, err
	}
	return p, nil
}

func newProgram(engine backends.Engine, config BuildConfig) (*Program, error) {
	if err := config.validate(engine); err != nil {
		return nil, err
	}
	backends.InitProviders()
	p := &Program{
		id:            programIDGen.Add(1),
		engine:        engine,
		stream:        engine.NewStream(),
		config:        config,
		nodes:         make(map[string]*Node),
		order:         newProcessingOrder(),
		fusingHistory: make(map[string][]fusedDep),
		kernelsCache:  kernels.NewSourceCache(engine.Compiler()),
		implCache:     kernels.NewImplCache(config.ImplCacheCapacity),
	}
	return p, nil
}

// ID returns the process-unique id of this program build.
func (p *Program) ID() uint32 { return p.id }

// Engine returns the engine this program is built against.
func (p *Program) Engine() backends.Engine { return p.engine }

// Config returns the build configuration (after option normalization).
func (p *Program) Config() BuildConfig { return p.config }

// NumNodes returns the number of live nodes.
func (p *Program) NumNodes() int { return len(p.nodes) }

// Node returns the node registered under id.
func (p *Program) Node(id string) (*Node, error) { return p.node(id) }

// HasNode reports whether a node with the id is live.
func (p *Program) HasNode(id string) bool {
	_, found := p.nodes[id]
	return found
}

// Inputs returns the ids of the graph's input nodes.
func (p *Program) Inputs() []string { return slices.Clone(p.inputs) }

// Outputs returns the ids of the graph's output nodes.
func (p *Program) Outputs() []string { return slices.Clone(p.outputs) }

// ProcessingOrder returns the maintained topological order.
func (p *Program) ProcessingOrder() *ProcessingOrder { return p.order }

// OptimizedOutLedger returns the removed-node ledger, in removal order.
func (p *Program) OptimizedOutLedger() []OptimizedOut {
	ledger := make([]OptimizedOut, len(p.optimizedOut))
	for i, entry := range p.optimizedOut {
		ledger[i] = OptimizedOut{ID: entry.ID, ReplacedWith: slices.Clone(entry.ReplacedWith)}
	}
	return ledger
}

// OptimizedOutReplacement returns the ids that took over the removed id's
// role, or nil if the id was never optimized out.
func (p *Program) OptimizedOutReplacement(id string) []string {
	for _, entry := range p.optimizedOut {
		if entry.ID == id {
			return slices.Clone(entry.ReplacedWith)
		}
	}
	return nil
}

func (p *Program) node(id string) (*Node, error) {
	n, found := p.nodes[id]
	if !found {
		return nil, errors.Wrapf(ErrGraphIntegrity, "program has no node %q", id)
	}
	return n, nil
}

// GetOrCreate returns the node registered under the descriptor's id, creating
// and registering it first if needed. It only fails on malformed descriptors.
// The descriptor is cloned: later caller mutations don't reach the graph.
func (p *Program) GetOrCreate(prim *ops.Primitive) (*Node, error) {
	if existing, found := p.nodes[prim.ID]; found {
		return existing, nil
	}
	if err := prim.Validate(); err != nil {
		return nil, errors.Wrapf(err, "malformed descriptor %q", prim.ID)
	}
	n := &Node{prim: prim.Clone()}
	if prim.Kind == ops.KindData {
		n.constant = true
	}
	if prim.Kind.IsDataInput() {
		n.setOutputLayout(prim.Input.Layout.Clone(), true)
	}
	p.nodes[prim.ID] = n
	return n, nil
}

// prepareNodes creates all nodes from the topology descriptors, synthesizes
// split outputs, connects dependencies and collects the inputs and outputs
// lists.
func (p *Program) prepareNodes(topology *Topology) error {
	for _, prim := range topology.Primitives() {
		if _, err := p.GetOrCreate(prim); err != nil {
			return err
		}
	}
	if err := p.AddSplitOutputs(); err != nil {
		return err
	}
	for _, id := range sortedNodeIDs(p.nodes) {
		if err := p.addNodeDependencies(id); err != nil {
			return err
		}
	}
	// Split nodes are fully represented by their synthesized crops; consuming
	// a split through its own id is a graph error.
	for _, id := range sortedNodeIDs(p.nodes) {
		n := p.nodes[id]
		if n.Kind() != ops.KindSplit {
			continue
		}
		if len(n.users) > 0 {
			return errors.Wrapf(ErrGraphIntegrity,
				"split node %q must be consumed through its declared outputs", id)
		}
		p.removeAllConnections(n)
		delete(p.nodes, id)
	}
	for _, id := range sortedNodeIDs(p.nodes) {
		if len(p.nodes[id].deps) == 0 {
			p.nodes[id].isInput = true
			p.inputs = append(p.inputs, id)
		}
	}
	return p.markOutputs()
}

// addNodeDependencies connects a node to the nodes its descriptor names.
func (p *Program) addNodeDependencies(id string) error {
	n := p.nodes[id]
	for _, depID := range n.prim.Inputs {
		dep, found := p.nodes[depID]
		if !found {
			return errors.Wrapf(ErrGraphIntegrity,
				"descriptor %q references dependency %q absent from the graph", id, depID)
		}
		n.deps = append(n.deps, depID)
		dep.users = append(dep.users, id)
	}
	return nil
}

// markOutputs marks the declared outputs, or every endpoint when none were
// declared.
func (p *Program) markOutputs() error {
	if len(p.config.Outputs) == 0 {
		for _, id := range sortedNodeIDs(p.nodes) {
			if n := p.nodes[id]; n.IsEndpoint() && !n.Kind().IsDataInput() {
				n.isOutput = true
				p.outputs = append(p.outputs, id)
			}
		}
		return nil
	}
	for _, id := range p.config.Outputs {
		n, err := p.node(id)
		if err != nil {
			return errors.WithMessage(err, "declared output")
		}
		if !n.isOutput {
			n.isOutput = true
			p.outputs = append(p.outputs, id)
		}
	}
	return nil
}

// buildProgram runs the staged pipeline, then compiles and binds kernels.
// Partial builds stop after the memory-dependency stage; no-optimizations
// builds stop after init.
func (p *Program) buildProgram() error {
	stages := p.stages()
	var cleanupStage Stage
	for _, stage := range stages {
		switch stage.Name {
		case stageMemoryDependency:
			if !p.engine.Config().UseMemoryPool {
				continue
			}
		case stageCleanup:
			// Runs last, after kernel initialization.
			cleanupStage = stage
			continue
		}
		if err := p.runStage(stage); err != nil {
			return err
		}
		if p.config.NoOptimizations && stage.Name == stageInit {
			return nil
		}
	}
	if p.config.PartialBuild {
		return nil
	}

	if err := p.Compile(); err != nil {
		return err
	}
	if err := p.InitKernels(); err != nil {
		return err
	}
	p.nodesInfo = p.currentStageInfo()
	if err := p.transferMemoryToDevice(); err != nil {
		return err
	}
	return p.runStage(cleanupStage)
}

// Compile batch-compiles every pending kernel source. It is a single blocking
// call; compilation failures are fatal to the build.
func (p *Program) Compile() error {
	return p.kernelsCache.BuildAll()
}

// InitKernels binds the compiled kernels to every node's selected
// implementation.
func (p *Program) InitKernels() error {
	for _, id := range p.order.Nodes() {
		n := p.nodes[id]
		if n.selectedImpl == nil {
			continue
		}
		if err := n.selectedImpl.InitKernels(p.kernelsCache.Lookup); err != nil {
			return errors.Wrapf(err, "initializing kernels of node %q", id)
		}
	}
	return nil
}

// AddKernel registers a kernel source for the next Compile call and returns
// its id.
func (p *Program) AddKernel(source string) string {
	return p.kernelsCache.Add(source)
}

// GetKernel returns a compiled kernel by id.
func (p *Program) GetKernel(id string) (backends.Kernel, error) {
	return p.kernelsCache.Get(id)
}

// RemoveKernel drops a kernel by id.
func (p *Program) RemoveKernel(id string) {
	p.kernelsCache.Remove(id)
}

// transferMemoryToDevice moves constant data to device-local memory when the
// engine supports it. The actual allocation lives behind the engine.
func (p *Program) transferMemoryToDevice() error {
	if !p.engine.Device().SupportsDeviceUSM {
		return nil
	}
	transferrer, ok := p.engine.(backends.Transferrer)
	if !ok {
		return nil
	}
	for _, id := range p.order.Nodes() {
		n := p.nodes[id]
		if n.Kind() != ops.KindData {
			continue
		}
		l, err := p.ResolveOutputLayout(n)
		if err != nil {
			return err
		}
		if err := transferrer.TransferToDevice(id, l); err != nil {
			return errors.Wrapf(err, "transferring constant %q to device", id)
		}
		klog.V(2).Infof("program %d: transferred constant %q (%s) to device", p.id, id, l)
	}
	p.stream.Finish()
	return nil
}

// cleanup forces resolution of every node's output layout and, in debug
// builds, marks every surviving node as an output so that all intermediate
// buffers remain queryable.
func (p *Program) cleanup() error {
	for _, id := range p.order.Nodes() {
		if _, err := p.ResolveOutputLayout(p.nodes[id]); err != nil {
			return err
		}
	}
	if p.config.DebugBuild {
		for _, id := range p.order.Nodes() {
			if n := p.nodes[id]; !n.isOutput {
				n.isOutput = true
				p.outputs = append(p.outputs, id)
			}
		}
	}
	return nil
}

// addOptimizedPrimitive records that optimizedID was removed and replacedWith
// took over, rewriting earlier ledger entries that pointed at optimizedID so
// transitive chains always resolve to live nodes.
func (p *Program) addOptimizedPrimitive(optimizedID string, replacedWith []string) {
	// The first removal wins: a fused node swept away afterwards keeps its
	// replacement mapping.
	for _, entry := range p.optimizedOut {
		if entry.ID == optimizedID {
			return
		}
	}
	for i := range p.optimizedOut {
		entry := &p.optimizedOut[i]
		if idx := slices.Index(entry.ReplacedWith, optimizedID); idx >= 0 {
			entry.ReplacedWith = slices.Delete(entry.ReplacedWith, idx, idx+1)
			entry.ReplacedWith = append(entry.ReplacedWith, replacedWith...)
		}
	}
	p.optimizedOut = append(p.optimizedOut, OptimizedOut{
		ID:           optimizedID,
		ReplacedWith: slices.Clone(replacedWith),
	})
}

func sortedNodeIDs(nodes map[string]*Node) []string {
	ids := maps.Keys(nodes)
	slices.Sort(ids)
	return ids
}

// nodeRef formats a node reference for error messages.
func nodeRef(n *Node) string {
	return fmt.Sprintf("%s(%s)", n.ID(), n.Kind())
}
