package graph

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pass is one named graph rewrite. Passes are idempotent with respect to
// re-application on a graph already in their post-condition; that is a
// correctness property the pipeline relies on, not just a performance one.
type Pass interface {
	Name() string
	Run(p *Program) error
}

// passFunc adapts a function to the Pass interface.
type passFunc struct {
	name string
	run  func(p *Program) error
}

func (f passFunc) Name() string         { return f.name }
func (f passFunc) Run(p *Program) error { return f.run(p) }
func mkPass(name string, run func(p *Program) error) Pass {
	return passFunc{name: name, run: run}
}

// Stage is one group of passes; stages run strictly sequentially, passes in
// their listed order within a stage.
type Stage struct {
	Name   string
	Passes []Pass
}

const (
	stageInit             = "init"
	stagePreOptimize      = "pre_optimize"
	stageCompile          = "compile"
	stagePostOptimize     = "post_optimize"
	stageMemoryDependency = "memory_dependency"
	stageCleanup          = "cleanup"
)

// stages builds the pipeline for the current configuration. The grouping is
// data: tests run stages and passes in isolation through the same descriptors.
func (p *Program) stages() []Stage {
	optData := p.config.OptimizeData

	pre := []Pass{
		mkPass("trim_to_outputs", (*Program).trimToOutputs),
		mkPass("handle_input_padding", (*Program).handleInputPadding),
		mkPass("calculate_processing_order", func(p *Program) error {
			p.order.CalculateBFS(p)
			return nil
		}),
		mkPass("reverse_optional_nodes_outputs", (*Program).reverseOptionalNodesOutputs),
		mkPass("analyze_output_sizes", (*Program).analyzeOutputSizes),
	}
	if optData {
		pre = append(pre,
			mkPass("prepare_quantization", (*Program).prepareQuantization),
			mkPass("prepare_primitive_fusing_through", (*Program).preparePrimitiveFusingThrough),
			mkPass("pre_replace_deconv", (*Program).preReplaceDeconv),
			mkPass("prepare_primitive_fusing", (*Program).preparePrimitiveFusing),
			mkPass("select_preferred_formats", (*Program).selectPreferredFormats),
			mkPass("reorder_inputs", (*Program).reorderInputs),
			mkPass("eltwise_shrinking", (*Program).eltwiseShrinking),
			mkPass("eltwise_remove_stride", (*Program).eltwiseRemoveStride),
		)
	}
	pre = append(pre,
		mkPass("strided_slice_optimize", (*Program).stridedSliceOptimize),
		mkPass("handle_reshape", (*Program).handleReshape),
		mkPass("prepare_padding", (*Program).preparePadding),
		mkPass("remove_redundant_reorders", (*Program).removeRedundantReorders),
	)
	if !p.config.IsBodyProgram {
		pre = append(pre, mkPass("propagate_constants", (*Program).propagateConstants))
	}
	if optData {
		pre = append(pre, mkPass("prepare_buffer_fusing", (*Program).prepareBufferFusing))
	}
	pre = append(pre, mkPass("add_required_reorders", (*Program).addRequiredReorders))

	post := []Pass{
		mkPass("post_input_reorder", (*Program).postInputReorder),
		mkPass("post_optimize_weights", (*Program).postOptimizeWeights),
		mkPass("remove_redundant_reorders", (*Program).removeRedundantReorders),
	}
	if !p.config.IsBodyProgram && !p.config.PartialBuild {
		post = append(post, mkPass("propagate_constants", (*Program).propagateConstants))
	}
	if optData {
		post = append(post, mkPass("remove_output_reorders", (*Program).removeOutputReorders))
	}
	post = append(post, mkPass("update_loop_primitive_map", (*Program).updateLoopPrimitiveMap))

	return []Stage{
		{Name: stageInit, Passes: []Pass{
			mkPass("graph_initializations", (*Program).graphInitializations),
			mkPass("calculate_prior_boxes", (*Program).calculatePriorBoxes),
			mkPass("mark_nodes", (*Program).markNodes),
		}},
		{Name: stagePreOptimize, Passes: pre},
		{Name: stageCompile, Passes: []Pass{
			mkPass("compile_graph", (*Program).compileGraph),
		}},
		{Name: stagePostOptimize, Passes: post},
		{Name: stageMemoryDependency, Passes: []Pass{
			mkPass("basic_memory_dependencies", (*Program).basicMemoryDependencies),
			mkPass("skipped_branch_memory_dependencies", (*Program).skippedBranchMemoryDependencies),
			mkPass("oooq_memory_dependencies", (*Program).oooqMemoryDependencies),
		}},
		{Name: stageCleanup, Passes: []Pass{
			mkPass("cleanup", func(p *Program) error { return p.cleanupPass() }),
		}},
	}
}

// runStage runs a stage's passes in order, recording per-pass snapshots when
// graph dumps are enabled.
func (p *Program) runStage(stage Stage) error {
	klog.V(1).Infof("program %d: stage %s", p.id, stage.Name)
	for _, pass := range stage.Passes {
		klog.V(2).Infof("program %d: pass %s", p.id, pass.Name())
		if err := pass.Run(p); err != nil {
			return errors.WithMessagef(err, "pass %s (stage %s)", pass.Name(), stage.Name)
		}
		p.savePassInfo(stage.Name + "/" + pass.Name())
	}
	return nil
}

// cleanupPass is the cleanup stage body; the final cleanup() on the Program
// additionally runs after kernel initialization.
func (p *Program) cleanupPass() error {
	return p.cleanup()
}
