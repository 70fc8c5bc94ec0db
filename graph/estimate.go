package graph

import (
	"sort"

	"github.com/clgraph/clgraph/ops"
	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"
)

// EstimateDeviceMemUsage conservatively predicts whether the program's buffers
// fit the device. It returns the constant-data footprint and the memory
// already in use, or (-1, -1) when the prediction says the network will not
// fit. The walk is largest-buffer-first so oversized single allocations are
// caught before the running total matters.
func (p *Program) EstimateDeviceMemUsage() (int64, int64) {
	device := p.engine.Device()
	usedMem := p.engine.UsedDeviceMemory(true)

	type alloc struct {
		n     *Node
		bytes int64
	}
	var allocs []alloc
	for _, id := range p.order.Nodes() {
		n := p.nodes[id]
		if p.skipForEstimate(n) {
			continue
		}
		allocs = append(allocs, alloc{n: n, bytes: n.outputLayout.BytesCount()})
	}
	sort.Slice(allocs, func(i, j int) bool { return allocs[i].bytes > allocs[j].bytes })

	var total, constSum int64
	if device.IntegratedGPU {
		// On shared-memory devices everything already allocated competes with
		// the program's buffers.
		total = usedMem
	}
	for _, a := range allocs {
		if a.bytes > device.MaxAllocSize {
			klog.Warningf("program %d: node %q needs a %s buffer, device caps single allocations at %s",
				p.id, a.n.ID(), humanize.IBytes(uint64(a.bytes)), humanize.IBytes(uint64(device.MaxAllocSize)))
			return -1, -1
		}
		total += a.bytes
		if a.n.Kind() == ops.KindData {
			constSum += a.bytes
		}
		if total > device.MaxGlobalMemSize {
			klog.Warningf("program %d: estimated memory %s exceeds device capacity %s",
				p.id, humanize.IBytes(uint64(total)), humanize.IBytes(uint64(device.MaxGlobalMemSize)))
			return -1, -1
		}
	}
	klog.V(1).Infof("program %d: estimated device memory %s (constants %s, already used %s)",
		p.id, humanize.IBytes(uint64(total)), humanize.IBytes(uint64(constSum)), humanize.IBytes(uint64(usedMem)))
	return constSum, usedMem
}

// skipForEstimate excludes nodes that will not own a device buffer of their
// own: in-place views, constants that only exist to be converted once, and
// state holders nothing reads.
func (p *Program) skipForEstimate(n *Node) bool {
	if n.CanBeOptimized() {
		return true
	}
	if n.Kind() == ops.KindData && len(n.users) == 1 {
		if user := p.nodes[n.users[0]]; user != nil && user.Kind() == ops.KindReorder {
			return true
		}
	}
	if n.Kind() == ops.KindMutableData && n.IsDangling() {
		return true
	}
	// Inputs written directly into a buffer-fused concatenation share its
	// allocation.
	for _, userID := range n.users {
		if user := p.nodes[userID]; user != nil &&
			user.Kind() == ops.KindConcat && user.CanBeOptimized() {
			return true
		}
	}
	return false
}
