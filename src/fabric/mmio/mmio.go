// Package mmio defines the register access primitive the core is written
// against. Real deployments back Block with a mapped AXI-lite window; tests
// and the simulated fabric back it with in-memory registers.
package mmio

import (
	"sync"

	"github.com/pkg/errors"
)

// Block is a 32-bit register window at some peripheral base address.
type Block interface {
	Read(offset uint32) uint32
	Write(offset uint32, value uint32)
}

// Resolver maps a peripheral name from the capability snapshot to its
// register block.
type Resolver interface {
	Resolve(name string) (Block, error)
}

// Mem is an in-memory Block. Safe for concurrent use.
type Mem struct {
	mu   sync.Mutex
	regs map[uint32]uint32
}

// NewMem returns an empty in-memory register block. Unwritten registers
// read as zero.
func NewMem() *Mem {
	return &Mem{regs: make(map[uint32]uint32)}
}

func (m *Mem) Read(offset uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[offset]
}

func (m *Mem) Write(offset uint32, value uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[offset] = value
}

// Snapshot copies the current register contents, for inspection in tests.
func (m *Mem) Snapshot() map[uint32]uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint32]uint32, len(m.regs))
	for off, val := range m.regs {
		out[off] = val
	}
	return out
}

// MapResolver resolves peripheral names out of a fixed map.
type MapResolver struct {
	blocks map[string]Block
}

func NewMapResolver() *MapResolver {
	return &MapResolver{blocks: make(map[string]Block)}
}

// Register associates a peripheral name with its block. Later registrations
// replace earlier ones.
func (r *MapResolver) Register(name string, block Block) {
	r.blocks[name] = block
}

func (r *MapResolver) Resolve(name string) (Block, error) {
	block, ok := r.blocks[name]
	if !ok {
		return nil, errors.Errorf("no register block mapped for peripheral %q", name)
	}
	return block, nil
}
