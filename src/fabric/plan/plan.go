// Package plan compiles a lazy call graph into a concrete, conflict-free
// fabric configuration: which DMA channel carries each leaf buffer, which
// switch routes connect the blocks, and which scalar values land in which
// control registers. Compilation is pure; no register or DMA primitive is
// touched, so structural errors surface before the hardware does anything.
package plan

import (
	"fmt"

	"github.com/pkg/errors"

	"fabricflow/src/fabric/graph"
	"fabricflow/src/fabric/registry"
)

var (
	// ErrChannelExhaustion means the tree has more Source leaves than input
	// channels. Splitting a plan across multiple hardware passes is out of
	// scope, so this is fatal to the run.
	ErrChannelExhaustion = errors.New("not enough dma channels for plan")

	// ErrUnknownNodeKind means a graph node is neither a Source nor an
	// Invocation.
	ErrUnknownNodeKind = errors.New("unknown graph node kind")

	// ErrMissingControlBlock means an invocation carries scalar arguments
	// but its descriptor declares no control register block. This is a
	// capability configuration error.
	ErrMissingControlBlock = errors.New("scalar arguments on operator without control block")

	// ErrPortConflict means two routes in one plan target the same switch
	// output port. The capability data is inconsistent.
	ErrPortConflict = errors.New("two routes target the same output port")
)

// ScalarRegBase is the AXI-lite offset of the first scalar parameter inside
// an accelerator control block; scalar i lands at ScalarRegBase + 4*i. The
// layout is fixed by the accelerator blocks and must be reproduced exactly.
const (
	ScalarRegBase   = 0x10
	ScalarRegStride = 4
)

// ChannelBinding stages one Source buffer on one input channel.
type ChannelBinding struct {
	Source  *graph.Source
	Channel int
}

// Route connects a switch input port to a switch output port.
type Route struct {
	InPort  int
	OutPort int
}

func (r Route) String() string {
	return fmt.Sprintf("%d->%d", r.InPort, r.OutPort)
}

// RegisterWrite places one scalar value in an operator's control block.
type RegisterWrite struct {
	CtrlBlock string
	Offset    uint32
	Value     uint32
}

// Plan is the compiled configuration for one realization run.
type Plan struct {
	Root     *graph.Invocation
	Bindings []ChannelBinding
	Routes   []Route
	Writes   []RegisterWrite
}

// InputChannels lists the input channel indices the plan occupies, in
// binding order.
func (p *Plan) InputChannels() []int {
	out := make([]int, len(p.Bindings))
	for i, b := range p.Bindings {
		out[i] = b.Channel
	}
	return out
}

// Compiler assigns fabric resources against one capability snapshot.
type Compiler struct {
	reg *registry.Registry
}

// NewCompiler builds a compiler over the capability snapshot.
func NewCompiler(reg *registry.Registry) *Compiler {
	return &Compiler{reg: reg}
}

// compilation tracks per-run allocation state.
type compilation struct {
	reg         *registry.Registry
	plan        *Plan
	nextChannel int
	routedOut   map[int]bool
}

// Compile walks the root invocation and emits its plan. The result routes
// every leaf's channel send port through its ancestors' output ports to the
// return channel's receive port.
func (c *Compiler) Compile(root *graph.Invocation) (*Plan, error) {
	comp := &compilation{
		reg:         c.reg,
		plan:        &Plan{Root: root},
		nextChannel: registry.ReturnChannelIndex + 1,
		routedOut:   make(map[int]bool),
	}

	if err := comp.compileInvocation(root); err != nil {
		return nil, err
	}

	returnPort := c.reg.ReturnChannel().RecvPort
	if err := comp.addRoute(root.Descriptor().OutPorts[0], returnPort); err != nil {
		return nil, errors.Wrapf(err, "routing result of %q to return channel", root.Descriptor().Id)
	}

	return comp.plan, nil
}

// compileInvocation binds the invocation's operands to its descriptor's
// input ports and emits its scalar register writes. Routing of the
// invocation's own output is the parent's concern: the parent knows the
// target port.
func (comp *compilation) compileInvocation(inv *graph.Invocation) error {
	desc := inv.Descriptor()

	for i, operand := range inv.Operands() {
		target := desc.InPorts[i]
		switch op := operand.(type) {
		case *graph.Source:
			channel, err := comp.allocChannel()
			if err != nil {
				return errors.Wrapf(err, "operand %d of %q", i, desc.Id)
			}
			comp.plan.Bindings = append(comp.plan.Bindings, ChannelBinding{Source: op, Channel: channel})
			if err := comp.addRoute(comp.reg.Channel(channel).SendPort, target); err != nil {
				return errors.Wrapf(err, "routing channel %d to %q input %d", channel, desc.Id, i)
			}
		case *graph.Invocation:
			if err := comp.compileInvocation(op); err != nil {
				return err
			}
			if err := comp.addRoute(op.Descriptor().OutPorts[0], target); err != nil {
				return errors.Wrapf(err, "routing %q output to %q input %d", op.Descriptor().Id, desc.Id, i)
			}
		default:
			return errors.Wrapf(ErrUnknownNodeKind, "operand %d of %q (%T)", i, desc.Id, operand)
		}
	}

	return comp.emitScalarWrites(inv)
}

func (comp *compilation) emitScalarWrites(inv *graph.Invocation) error {
	scalars := inv.Scalars()
	if len(scalars) == 0 {
		return nil
	}
	desc := inv.Descriptor()
	if !desc.HasCtrlBlock() {
		return errors.Wrapf(ErrMissingControlBlock, "operator %q with %d scalars", desc.Id, len(scalars))
	}
	for i, value := range scalars {
		comp.plan.Writes = append(comp.plan.Writes, RegisterWrite{
			CtrlBlock: desc.CtrlBlock,
			Offset:    ScalarRegBase + ScalarRegStride*uint32(i),
			Value:     value,
		})
	}
	return nil
}

// allocChannel hands out the lowest unused input channel. Channel 0 is
// reserved for the result read-back and never allocated here.
func (comp *compilation) allocChannel() (int, error) {
	if comp.nextChannel >= comp.reg.ChannelCount() {
		return 0, errors.Wrapf(ErrChannelExhaustion,
			"all %d input channels in use", comp.reg.ChannelCount()-1)
	}
	ch := comp.nextChannel
	comp.nextChannel++
	return ch, nil
}

func (comp *compilation) addRoute(inPort int, outPort int) error {
	if comp.routedOut[outPort] {
		return errors.Wrapf(ErrPortConflict, "output port %d", outPort)
	}
	comp.routedOut[outPort] = true
	comp.plan.Routes = append(comp.plan.Routes, Route{InPort: inPort, OutPort: outPort})
	return nil
}
