package dma

import (
	"github.com/pkg/errors"

	"fabricflow/src/fabric/registry"
)

// EngineProvider hands out the raw engine for a channel peripheral.
type EngineProvider interface {
	Engine(desc registry.ChannelDescriptor) (Engine, error)
}

// Manager owns the fixed channel set of one fabric. Channel 0 is the return
// channel; the rest carry input operands.
type Manager struct {
	channels []*Channel

	totalTransfers int64
	totalBytes     int64
}

// NewManager binds every channel in the capability snapshot to its engine.
func NewManager(reg *registry.Registry, provider EngineProvider) (*Manager, error) {
	channels := make([]*Channel, reg.ChannelCount())
	for i := 0; i < reg.ChannelCount(); i++ {
		desc := reg.Channel(i)
		engine, err := provider.Engine(desc)
		if err != nil {
			return nil, errors.Wrapf(err, "binding engine for channel %d (%s)", desc.Index, desc.Name)
		}
		channels[i] = &Channel{desc: desc, engine: engine}
	}
	return &Manager{channels: channels}, nil
}

// Channel returns the channel at the given index.
func (m *Manager) Channel(index int) (*Channel, error) {
	if index < 0 || index >= len(m.channels) {
		return nil, errors.Errorf("channel index %d out of range [0,%d)", index, len(m.channels))
	}
	return m.channels[index], nil
}

// ReturnChannel returns the reserved result read-back channel.
func (m *Manager) ReturnChannel() *Channel {
	return m.channels[registry.ReturnChannelIndex]
}

// ChannelCount returns the number of channels, return channel included.
func (m *Manager) ChannelCount() int {
	return len(m.channels)
}

// ResetRun clears staged buffers on every channel ahead of a new run.
func (m *Manager) ResetRun() {
	for _, ch := range m.channels {
		ch.reset()
	}
}

// Record registers a completed transfer for statistics.
func (m *Manager) Record(bytes int64) {
	if bytes < 0 {
		bytes = 0
	}
	m.totalTransfers++
	m.totalBytes += bytes
}

// Totals exposes aggregate transfer statistics for logging.
func (m *Manager) Totals() (transfers int64, bytes int64) {
	return m.totalTransfers, m.totalBytes
}
