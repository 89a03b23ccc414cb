// Package runtime turns a lazy call graph into hardware activity: it drives
// the plan compiler, the switch route controller, and the DMA channels
// through one full realization run, then decodes and caches the result on
// the root node.
package runtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"fabricflow/src/fabric/dma"
	"fabricflow/src/fabric/graph"
	"fabricflow/src/fabric/mmio"
	"fabricflow/src/fabric/plan"
	"fabricflow/src/fabric/registry"
	"fabricflow/src/fabric/xbar"
)

// RunState tracks one realization run through its state machine. Complete
// and Failed are terminal.
type RunState int

const (
	RunIdle RunState = iota
	RunPlanBuilt
	RunRoutesCommitted
	RunStaged
	RunTransferring
	RunComplete
	RunFailed
)

func (s RunState) String() string {
	switch s {
	case RunIdle:
		return "idle"
	case RunPlanBuilt:
		return "plan_built"
	case RunRoutesCommitted:
		return "routes_committed"
	case RunStaged:
		return "staged"
	case RunTransferring:
		return "transferring"
	case RunComplete:
		return "complete"
	case RunFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	// DefaultWaitTimeout bounds each channel's completion wait.
	DefaultWaitTimeout = 2 * time.Second
	// DefaultMaxResultBytes sizes the return channel's receive window.
	DefaultMaxResultBytes = 1 << 20
)

// Config carries the orchestrator's tunables. Zero values pick defaults.
type Config struct {
	WaitTimeout    time.Duration
	MaxResultBytes int
	Logger         *logrus.Entry
}

// Orchestrator owns the fabric for the duration of a run. The switch, the
// channels, and the control registers are one shared physical resource, so
// at most one run is in flight system-wide.
type Orchestrator struct {
	reg       *registry.Registry
	compiler  *plan.Compiler
	switchCtl *xbar.Controller
	channels  *dma.Manager
	resolver  mmio.Resolver

	waitTimeout    time.Duration
	maxResultBytes int
	log            *logrus.Entry

	fabricMu  sync.Mutex
	flight    singleflight.Group
	lastState RunState
}

// NewOrchestrator wires the injected fabric handles together. All handles
// have process-wide lifetime; a test harness substitutes fakes behind the
// mmio and dma primitives.
func NewOrchestrator(reg *registry.Registry, switchCtl *xbar.Controller, channels *dma.Manager, resolver mmio.Resolver, cfg Config) *Orchestrator {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.MaxResultBytes <= 0 {
		cfg.MaxResultBytes = DefaultMaxResultBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Orchestrator{
		reg:            reg,
		compiler:       plan.NewCompiler(reg),
		switchCtl:      switchCtl,
		channels:       channels,
		resolver:       resolver,
		waitTimeout:    cfg.WaitTimeout,
		maxResultBytes: cfg.MaxResultBytes,
		log:            cfg.Logger,
		lastState:      RunIdle,
	}
}

// Realize returns the node's value. A Source realizes to its own buffer
// with no hardware involved. An Invocation realizes to its cached value if
// present; otherwise one full hardware run executes and populates the cache.
// Concurrent first-time realizations of the same node collapse into a
// single run; the rest observe its result.
func (o *Orchestrator) Realize(node graph.Node) ([]byte, error) {
	switch n := node.(type) {
	case *graph.Source:
		return n.Data(), nil
	case *graph.Invocation:
		if result, ok := n.CachedResult(); ok {
			return result, nil
		}
		result, err, _ := o.flight.Do(n.NodeId(), func() (interface{}, error) {
			if result, ok := n.CachedResult(); ok {
				return result, nil
			}
			buf, err := o.run(n)
			if err != nil {
				return nil, err
			}
			n.StoreResult(buf)
			return buf, nil
		})
		if err != nil {
			return nil, err
		}
		return result.([]byte), nil
	default:
		return nil, errors.Wrapf(plan.ErrUnknownNodeKind, "%T", node)
	}
}

// LastRunState reports the terminal state of the most recent run.
func (o *Orchestrator) LastRunState() RunState {
	o.fabricMu.Lock()
	defer o.fabricMu.Unlock()
	return o.lastState
}

// run executes one full realization of the root invocation. The fabric lock
// is held from plan build to completion; routing is never additive across
// runs, so every run resets the switch before committing its own routes.
func (o *Orchestrator) run(root *graph.Invocation) ([]byte, error) {
	o.fabricMu.Lock()
	defer o.fabricMu.Unlock()

	runLog := o.log.WithFields(logrus.Fields{
		"run_id":   uuid.NewString(),
		"operator": root.Descriptor().Id,
		"node":     root.NodeId(),
	})

	state := RunIdle
	defer func() {
		o.lastState = state
	}()

	// Idle -> PlanBuilt. Structural errors surface here, before any
	// register or DMA access.
	p, err := o.compiler.Compile(root)
	if err != nil {
		state = RunFailed
		return nil, err
	}
	state = RunPlanBuilt
	runLog.WithFields(logrus.Fields{
		"channels": p.InputChannels(),
		"routes":   len(p.Routes),
		"writes":   len(p.Writes),
	}).Debug("plan built")

	// PlanBuilt -> RoutesCommitted. Reset first, then every route, then
	// one commit for the whole tree.
	o.switchCtl.Reset()
	for _, route := range p.Routes {
		if err := o.switchCtl.SetRoute(route.InPort, route.OutPort); err != nil {
			state = RunFailed
			return nil, err
		}
	}
	if err := o.switchCtl.Commit(); err != nil {
		state = RunFailed
		return nil, err
	}
	if err := o.applyRegisterWrites(p); err != nil {
		state = RunFailed
		return nil, err
	}
	state = RunRoutesCommitted

	// RoutesCommitted -> Staged.
	o.channels.ResetRun()
	returnCh := o.channels.ReturnChannel()
	receive, err := returnCh.StageReceive(o.maxResultBytes)
	if err != nil {
		state = RunFailed
		return nil, err
	}
	inputs := make([]*dma.Channel, 0, len(p.Bindings))
	var movedBytes int64
	for _, binding := range p.Bindings {
		ch, err := o.channels.Channel(binding.Channel)
		if err != nil {
			state = RunFailed
			return nil, err
		}
		n, err := ch.Stage(binding.Source.Data(), binding.Source.Type().Width)
		if err != nil {
			state = RunFailed
			return nil, err
		}
		movedBytes += int64(n)
		inputs = append(inputs, ch)
	}
	state = RunStaged

	// Staged -> Transferring. Inputs first, then the return transfer.
	for _, ch := range inputs {
		if err := ch.Start(); err != nil {
			state = RunFailed
			return nil, err
		}
	}
	if err := returnCh.Start(); err != nil {
		state = RunFailed
		return nil, err
	}
	state = RunTransferring

	// Transferring -> Complete. Drain every input before the return
	// channel, aggregating failures so a stuck channel does not hide
	// another.
	var waitErrs *multierror.Error
	for _, ch := range inputs {
		if err := ch.Wait(o.waitTimeout); err != nil {
			waitErrs = multierror.Append(waitErrs, err)
		}
	}
	if waitErrs.ErrorOrNil() == nil {
		if err := returnCh.Wait(o.waitTimeout); err != nil {
			waitErrs = multierror.Append(waitErrs, err)
		}
	}
	if err := waitErrs.ErrorOrNil(); err != nil {
		state = RunFailed
		return nil, err
	}

	produced := int(returnCh.BytesTransferred())
	if produced > len(receive) {
		state = RunFailed
		return nil, errors.Errorf("return channel reports %d bytes, receive window holds %d", produced, len(receive))
	}
	result := receive[:produced]
	if _, err := root.Type().Count(produced); err != nil {
		state = RunFailed
		return nil, errors.Wrap(err, "decoding result")
	}

	o.channels.Record(movedBytes + int64(produced))
	state = RunComplete
	runLog.WithField("result_bytes", produced).Debug("run complete")
	return result, nil
}

// applyRegisterWrites lands every scalar argument in its control block,
// following the fixed parameter layout of the accelerator blocks.
func (o *Orchestrator) applyRegisterWrites(p *plan.Plan) error {
	for _, write := range p.Writes {
		block, err := o.resolver.Resolve(write.CtrlBlock)
		if err != nil {
			return errors.Wrapf(err, "resolving control block for register write at 0x%x", write.Offset)
		}
		block.Write(write.Offset, write.Value)
	}
	return nil
}
