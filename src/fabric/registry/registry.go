// Package registry holds the static capability snapshot of a fabric image:
// which accelerator operators exist, where their stream ports sit on the
// switch, and which DMA channels are available. It is pure data; discovery
// of the capabilities themselves happens outside the core and hands the
// registry a finished snapshot at startup.
package registry

import (
	"sort"

	"github.com/pkg/errors"
)

// OperatorDescriptor describes one hardware-accelerated operator: its stream
// port layout on the switch and, if the block takes scalar parameters, the
// name of its AXI-lite control register block.
type OperatorDescriptor struct {
	Id        string
	InPorts   []int
	OutPorts  []int
	CtrlBlock string // empty when the block has no control registers
}

// HasCtrlBlock reports whether the operator declares a control register block.
func (d OperatorDescriptor) HasCtrlBlock() bool {
	return d.CtrlBlock != ""
}

// ChannelDescriptor describes one memory-to-stream DMA channel and the pair
// of switch ports it occupies. Name resolves the physical peripheral.
type ChannelDescriptor struct {
	Index    int
	SendPort int
	RecvPort int
	Name     string
}

// ReturnChannelIndex is the channel reserved for reading results back to the
// caller. Input operands are staged on channels 1 and up.
const ReturnChannelIndex = 0

// Registry is the read-only capability snapshot. Construct via New or
// LoadCapabilities; never mutate after construction.
type Registry struct {
	operators map[string]OperatorDescriptor
	channels  []ChannelDescriptor
}

// New builds a registry from descriptor slices. Channels must be supplied in
// index order with channel 0 present as the return channel.
func New(operators []OperatorDescriptor, channels []ChannelDescriptor) (*Registry, error) {
	if len(channels) < 2 {
		return nil, errors.Errorf("registry needs the return channel plus at least one input channel, got %d channels", len(channels))
	}
	for i, ch := range channels {
		if ch.Index != i {
			return nil, errors.Errorf("channel %q has index %d at position %d; channels must be listed in index order", ch.Name, ch.Index, i)
		}
	}

	ops := make(map[string]OperatorDescriptor, len(operators))
	for _, op := range operators {
		if op.Id == "" {
			return nil, errors.New("operator descriptor with empty id")
		}
		if _, exists := ops[op.Id]; exists {
			return nil, errors.Errorf("duplicate operator id %q", op.Id)
		}
		if len(op.OutPorts) == 0 {
			return nil, errors.Errorf("operator %q declares no output ports", op.Id)
		}
		ops[op.Id] = op
	}

	return &Registry{
		operators: ops,
		channels:  append([]ChannelDescriptor(nil), channels...),
	}, nil
}

// Lookup returns the descriptor for an operator id. Absence means "not
// hardware-accelerated"; callers fall back to software.
func (r *Registry) Lookup(id string) (OperatorDescriptor, bool) {
	op, ok := r.operators[id]
	return op, ok
}

// Channel returns the descriptor of the channel at the given index.
func (r *Registry) Channel(index int) ChannelDescriptor {
	return r.channels[index]
}

// ReturnChannel returns the reserved result read-back channel.
func (r *Registry) ReturnChannel() ChannelDescriptor {
	return r.channels[ReturnChannelIndex]
}

// ChannelCount returns the number of DMA channels, return channel included.
func (r *Registry) ChannelCount() int {
	return len(r.channels)
}

// OperatorIds lists the registered operator ids in sorted order.
func (r *Registry) OperatorIds() []string {
	ids := make([]string, 0, len(r.operators))
	for id := range r.operators {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
