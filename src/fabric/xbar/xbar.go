// Package xbar drives the crossbar stream switch. The controller owns the
// route table and sequences it through three states: Reset (all output
// ports disabled), Configuring (routes staged), Committed (routing live).
// The hardware makes the commit transition atomic; the controller's job is
// to never let transfers race a half-written table.
package xbar

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"fabricflow/src/fabric/mmio"
)

// Register layout of the switch peripheral. Must match the hardware exactly.
const (
	CommitRegOffset = 0x0
	CommitValue     = 2
	RouteRegBase    = 0x40
	RouteRegStride  = 4
	DisableSentinel = 0x80000000
)

// ErrInvalidSwitchState is returned when a route operation is issued from a
// state that does not allow it, e.g. SetRoute after Commit without an
// intervening Reset. This is a programming error in the caller.
var ErrInvalidSwitchState = errors.New("switch operation invalid in current state")

// State of the route controller.
type State int

const (
	StateReset State = iota
	StateConfiguring
	StateCommitted
)

func (s State) String() string {
	switch s {
	case StateReset:
		return "reset"
	case StateConfiguring:
		return "configuring"
	case StateCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// Controller owns the switch route table.
type Controller struct {
	block    mmio.Block
	numPorts int
	state    State
	log      *logrus.Entry
}

// NewController wraps the switch register block. numPorts is the output
// port count of the crossbar; Reset drives every one of them. The
// controller starts in Reset without touching hardware; call Reset before
// the first configuration run.
func NewController(block mmio.Block, numPorts int, log *logrus.Entry) *Controller {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Controller{
		block:    block,
		numPorts: numPorts,
		state:    StateReset,
		log:      log,
	}
}

// State returns the controller's current state.
func (c *Controller) State() State {
	return c.state
}

// Reset disables every output port and discards any staged or committed
// routing. Valid from any state; every orchestrator run starts here since
// routing is not additive across runs.
func (c *Controller) Reset() {
	for port := 0; port < c.numPorts; port++ {
		c.block.Write(routeRegOffset(port), DisableSentinel)
	}
	c.state = StateReset
	c.log.WithField("ports", c.numPorts).Debug("switch reset, all routes disabled")
}

// SetRoute stages a route from an input port to an output port by writing
// the input selector into the output port's route register. Only valid
// before Commit.
func (c *Controller) SetRoute(inPort int, outPort int) error {
	if c.state == StateCommitted {
		return errors.Wrapf(ErrInvalidSwitchState,
			"cannot set route %d->%d after commit; reset the switch first", inPort, outPort)
	}
	if outPort < 0 || outPort >= c.numPorts {
		return errors.Errorf("output port %d out of range [0,%d)", outPort, c.numPorts)
	}
	if inPort < 0 {
		return errors.Errorf("input port %d out of range", inPort)
	}
	c.block.Write(routeRegOffset(outPort), uint32(inPort))
	c.state = StateConfiguring
	c.log.WithFields(logrus.Fields{
		"in_port":  inPort,
		"out_port": outPort,
	}).Debug("route staged")
	return nil
}

// Commit makes the staged routing live in one atomic hardware transition.
// Only valid from Configuring.
func (c *Controller) Commit() error {
	if c.state != StateConfiguring {
		return errors.Wrapf(ErrInvalidSwitchState, "commit from %s state", c.state)
	}
	c.block.Write(CommitRegOffset, CommitValue)
	c.state = StateCommitted
	c.log.Debug("switch routes committed")
	return nil
}

func routeRegOffset(outPort int) uint32 {
	return RouteRegBase + RouteRegStride*uint32(outPort)
}
