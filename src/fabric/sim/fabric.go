// Package sim is a software model of the stream fabric: a crossbar switch
// that decodes the real register layout, DMA engines that move real bytes,
// and operator models standing in for the accelerator blocks. It backs the
// mmio and dma primitives so the whole core can run end-to-end with no
// hardware attached.
package sim

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"fabricflow/src/fabric/dma"
	"fabricflow/src/fabric/mmio"
	"fabricflow/src/fabric/plan"
	"fabricflow/src/fabric/registry"
	"fabricflow/src/fabric/xbar"
)

// OperatorModel is the software stand-in for one accelerator block.
type OperatorModel struct {
	// NumScalars is how many control registers the block consumes.
	NumScalars int
	// Apply computes the block's output stream from its input streams and
	// scalar register values.
	Apply func(inputs [][]byte, scalars []uint32) ([]byte, error)
}

// Fabric is one simulated hardware image.
type Fabric struct {
	mu sync.Mutex

	reg        *registry.Registry
	switchRegs *switchBlock
	ctrlBlocks map[string]*mmio.Mem
	models     map[string]OperatorModel
	engines    map[int]*engine
	stalled    map[int]bool
}

// NewFabric builds a simulated fabric for the capability snapshot. Operator
// models are attached with RegisterModel; unmodeled operators stall the
// stream like a misconfigured block would.
func NewFabric(reg *registry.Registry) *Fabric {
	f := &Fabric{
		reg:        reg,
		ctrlBlocks: make(map[string]*mmio.Mem),
		models:     make(map[string]OperatorModel),
		engines:    make(map[int]*engine),
		stalled:    make(map[int]bool),
	}
	f.switchRegs = newSwitchBlock()
	return f
}

// RegisterModel attaches a software model to an operator id.
func (f *Fabric) RegisterModel(id string, model OperatorModel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models[id] = model
}

// SetStall forces a channel's Wait to never observe completion, so timeout
// handling can be exercised.
func (f *Fabric) SetStall(channelIndex int, stalled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stalled[channelIndex] = stalled
}

// SwitchBlock exposes the switch register window.
func (f *Fabric) SwitchBlock() mmio.Block {
	return f.switchRegs
}

// Resolve returns the control block for a peripheral name, creating the
// in-memory window on first use. Implements mmio.Resolver.
func (f *Fabric) Resolve(name string) (mmio.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	block, ok := f.ctrlBlocks[name]
	if !ok {
		block = mmio.NewMem()
		f.ctrlBlocks[name] = block
	}
	return block, nil
}

// Engine hands out the simulated DMA engine for a channel. Implements
// dma.EngineProvider.
func (f *Fabric) Engine(desc registry.ChannelDescriptor) (dma.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if eng, ok := f.engines[desc.Index]; ok {
		return eng, nil
	}
	eng := &engine{fabric: f, desc: desc}
	f.engines[desc.Index] = eng
	return eng, nil
}

// switchBlock decodes route and commit writes the way the hardware does:
// route registers stage a pending table, the commit write makes the whole
// table live at once.
type switchBlock struct {
	mu        sync.Mutex
	regs      map[uint32]uint32
	pending   map[int]uint32
	committed map[int]uint32
}

func newSwitchBlock() *switchBlock {
	return &switchBlock{
		regs:      make(map[uint32]uint32),
		pending:   make(map[int]uint32),
		committed: make(map[int]uint32),
	}
}

func (b *switchBlock) Read(offset uint32) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.regs[offset]
}

func (b *switchBlock) Write(offset uint32, value uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[offset] = value

	if offset == xbar.CommitRegOffset {
		if value == xbar.CommitValue {
			b.committed = make(map[int]uint32, len(b.pending))
			for port, sel := range b.pending {
				b.committed[port] = sel
			}
		}
		return
	}
	if offset >= xbar.RouteRegBase && (offset-xbar.RouteRegBase)%xbar.RouteRegStride == 0 {
		port := int((offset - xbar.RouteRegBase) / xbar.RouteRegStride)
		if value == xbar.DisableSentinel {
			delete(b.pending, port)
		} else {
			b.pending[port] = value
		}
	}
}

// liveRoute returns the committed input selector for an output port.
func (b *switchBlock) liveRoute(outPort int) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sel, ok := b.committed[outPort]
	return int(sel), ok
}

// engine simulates one DMA channel. Input channels complete as soon as they
// start; the return channel resolves the routed dataflow at wait time and
// fills its receive window.
type engine struct {
	fabric *Fabric
	desc   registry.ChannelDescriptor

	mu       sync.Mutex
	staged   []byte
	started  bool
	done     bool
	received uint32
}

func (e *engine) Stage(buf []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.staged = buf
	e.started = false
	e.done = false
	e.received = 0
	return len(buf), nil
}

func (e *engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.staged == nil {
		return errors.Errorf("sim channel %d started with no staged buffer", e.desc.Index)
	}
	e.started = true
	return nil
}

func (e *engine) Wait(timeout time.Duration) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return errors.Errorf("sim channel %d wait before start", e.desc.Index)
	}
	e.mu.Unlock()

	e.fabric.mu.Lock()
	stalled := e.fabric.stalled[e.desc.Index]
	e.fabric.mu.Unlock()
	if stalled {
		time.Sleep(timeout)
		return errors.Wrapf(dma.ErrTransferTimeout, "sim channel %d stalled", e.desc.Index)
	}

	if e.desc.Index != registry.ReturnChannelIndex {
		e.mu.Lock()
		e.done = true
		e.received = uint32(len(e.staged))
		e.mu.Unlock()
		return nil
	}

	// Return channel: pull the result through the committed routing. If
	// the stream never resolves, real hardware would simply not raise the
	// completion interrupt, which is a wait timeout from the host's view.
	result, err := e.fabric.evaluate(e.desc.RecvPort)
	if err != nil {
		time.Sleep(timeout)
		return errors.Wrapf(dma.ErrTransferTimeout, "sim return channel stream never completed: %v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(result) > len(e.staged) {
		return errors.Errorf("sim result of %d bytes overruns %d-byte receive window", len(result), len(e.staged))
	}
	copy(e.staged, result)
	e.done = true
	e.received = uint32(len(result))
	return nil
}

func (e *engine) BytesTransferred() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.received
}

// evaluate resolves the value arriving at a switch output port by walking
// the committed route table back through operator blocks to staged channel
// buffers.
func (f *Fabric) evaluate(outPort int) ([]byte, error) {
	visiting := make(map[int]bool)
	return f.valueAtOutputPort(outPort, visiting)
}

func (f *Fabric) valueAtOutputPort(outPort int, visiting map[int]bool) ([]byte, error) {
	if visiting[outPort] {
		return nil, errors.Errorf("routing loop through output port %d", outPort)
	}
	visiting[outPort] = true
	defer delete(visiting, outPort)

	inPort, ok := f.switchRegs.liveRoute(outPort)
	if !ok {
		return nil, errors.Errorf("no committed route into output port %d", outPort)
	}
	return f.valueAtInputPort(inPort, visiting)
}

func (f *Fabric) valueAtInputPort(inPort int, visiting map[int]bool) ([]byte, error) {
	// A channel's send port drives this input port directly.
	f.mu.Lock()
	for _, eng := range f.engines {
		if eng.desc.SendPort == inPort && eng.desc.Index != registry.ReturnChannelIndex {
			eng.mu.Lock()
			started, buf := eng.started, eng.staged
			eng.mu.Unlock()
			f.mu.Unlock()
			if !started {
				return nil, errors.Errorf("channel %d feeds port %d but was never started", eng.desc.Index, inPort)
			}
			return buf, nil
		}
	}
	f.mu.Unlock()

	// Otherwise an operator block's output drives it.
	for _, id := range f.reg.OperatorIds() {
		desc, _ := f.reg.Lookup(id)
		if len(desc.OutPorts) == 0 || desc.OutPorts[0] != inPort {
			continue
		}
		return f.applyOperator(desc, visiting)
	}
	return nil, errors.Errorf("nothing drives input port %d", inPort)
}

func (f *Fabric) applyOperator(desc registry.OperatorDescriptor, visiting map[int]bool) ([]byte, error) {
	f.mu.Lock()
	model, ok := f.models[desc.Id]
	ctrl := f.ctrlBlocks[desc.CtrlBlock]
	f.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("no model registered for operator %q", desc.Id)
	}

	inputs := make([][]byte, len(desc.InPorts))
	for i, port := range desc.InPorts {
		value, err := f.valueAtOutputPort(port, visiting)
		if err != nil {
			return nil, errors.Wrapf(err, "operator %q input %d", desc.Id, i)
		}
		inputs[i] = value
	}

	scalars := make([]uint32, model.NumScalars)
	if model.NumScalars > 0 {
		if ctrl == nil {
			return nil, errors.Errorf("operator %q expects %d scalars but no control block was written", desc.Id, model.NumScalars)
		}
		for i := range scalars {
			scalars[i] = ctrl.Read(plan.ScalarRegBase + plan.ScalarRegStride*uint32(i))
		}
	}

	out, err := model.Apply(inputs, scalars)
	if err != nil {
		return nil, errors.Wrapf(err, "operator %q model", desc.Id)
	}
	return out, nil
}
