// Package graph is the lazy call-graph representation of deferred fabric
// computations. A Source wraps caller-supplied data; an Invocation records
// one operator call over operand nodes plus scalar arguments. Nothing
// executes at construction time; realization is driven by the runtime
// package against a compiled plan.
//
// The graph is a tree, not a DAG: a node is owned by exactly one parent (or
// by the caller, for a root). Reusing one node in several operand positions
// is unsupported upstream and stays unsupported here.
package graph

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"fabricflow/src/fabric/registry"
)

// ErrArityMismatch is returned when an invocation's operand count does not
// match its descriptor's input port count. It is a construction-time error;
// no hardware is touched.
var ErrArityMismatch = errors.New("operand count does not match descriptor input ports")

// Node is either a *Source or an *Invocation.
type Node interface {
	// NodeId identifies the node for logging and for per-node realization
	// locking.
	NodeId() string
	// Type is the element type of the node's realized buffer.
	Type() ElemType
}

// Source is a leaf wrapping externally supplied data. The buffer is copied
// at construction and never mutated afterwards.
type Source struct {
	id   string
	data []byte
	typ  ElemType
}

// NewSource wraps caller data into a leaf node. Never fails.
func NewSource(data []byte, typ ElemType) *Source {
	owned := make([]byte, len(data))
	copy(owned, data)
	return &Source{
		id:   uuid.NewString(),
		data: owned,
		typ:  typ,
	}
}

func (s *Source) NodeId() string {
	return s.id
}

func (s *Source) Type() ElemType {
	return s.typ
}

// Data returns the wrapped buffer. Callers must not mutate it.
func (s *Source) Data() []byte {
	return s.data
}

// Invocation is a deferred call of one operator over operand nodes and
// scalar arguments. Its result cache populates exactly once, on first
// realization, and is never re-derived.
type Invocation struct {
	id       string
	desc     registry.OperatorDescriptor
	operands []Node
	scalars  []uint32
	outType  ElemType

	mu     sync.Mutex
	result []byte
	cached bool
}

// NewInvocation builds a deferred operator call. The operand count must
// equal the descriptor's input port count.
func NewInvocation(desc registry.OperatorDescriptor, operands []Node, scalars []uint32, outType ElemType) (*Invocation, error) {
	if len(operands) != len(desc.InPorts) {
		return nil, errors.Wrapf(ErrArityMismatch,
			"operator %q takes %d stream operands, got %d", desc.Id, len(desc.InPorts), len(operands))
	}
	return &Invocation{
		id:       uuid.NewString(),
		desc:     desc,
		operands: append([]Node(nil), operands...),
		scalars:  append([]uint32(nil), scalars...),
		outType:  outType,
	}, nil
}

func (inv *Invocation) NodeId() string {
	return inv.id
}

func (inv *Invocation) Type() ElemType {
	return inv.outType
}

// Descriptor returns the operator descriptor this invocation targets.
func (inv *Invocation) Descriptor() registry.OperatorDescriptor {
	return inv.desc
}

// Operands returns the ordered stream operands.
func (inv *Invocation) Operands() []Node {
	return inv.operands
}

// Scalars returns the ordered scalar arguments.
func (inv *Invocation) Scalars() []uint32 {
	return inv.scalars
}

// CachedResult returns the realized buffer if the cache slot has been
// populated.
func (inv *Invocation) CachedResult() ([]byte, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.result, inv.cached
}

// StoreResult populates the cache slot. The first store wins; later calls
// are ignored so a result is never re-derived.
func (inv *Invocation) StoreResult(buf []byte) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.cached {
		return
	}
	inv.result = buf
	inv.cached = true
}
