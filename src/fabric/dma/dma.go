// Package dma manages the fabric's memory-to-stream DMA channels. The raw
// transfer primitive (Engine) is supplied from outside; this package binds
// engines to the channel descriptors from the capability snapshot, computes
// transfer lengths, and keeps aggregate transfer statistics.
package dma

import (
	"time"

	"github.com/pkg/errors"

	"fabricflow/src/fabric/registry"
)

// ErrTransferTimeout is returned when a channel's hardware completion signal
// does not arrive within the wait bound. The run that hit it is aborted; a
// fresh realization recompiles and retries from scratch.
var ErrTransferTimeout = errors.New("dma transfer wait timed out")

// Engine is the raw transfer primitive on one physical channel. Real
// deployments back it with the DMA peripheral driver; tests and the
// simulated fabric back it in software.
type Engine interface {
	// Stage exposes a buffer for device access and returns the byte length
	// the transfer will move. For the return channel the buffer is the
	// receive window.
	Stage(buf []byte) (int, error)
	// Start kicks the transfer off. Non-blocking.
	Start() error
	// Wait blocks until the hardware signals completion or the timeout
	// elapses, in which case it returns ErrTransferTimeout (possibly
	// wrapped).
	Wait(timeout time.Duration) error
	// BytesTransferred reads the channel status register. Meaningful after
	// a successful Wait; used to size result decode on the return channel.
	BytesTransferred() uint32
}

// Channel pairs a physical engine with its capability descriptor.
type Channel struct {
	desc   registry.ChannelDescriptor
	engine Engine
	staged []byte
}

// Descriptor returns the channel's capability entry.
func (c *Channel) Descriptor() registry.ChannelDescriptor {
	return c.desc
}

// Stage computes the transfer length of an input buffer and hands it to the
// engine. The buffer must hold whole elements of the given width.
func (c *Channel) Stage(buf []byte, elemWidth int) (int, error) {
	if elemWidth <= 0 {
		return 0, errors.Errorf("channel %d: element width %d invalid", c.desc.Index, elemWidth)
	}
	if len(buf)%elemWidth != 0 {
		return 0, errors.Errorf("channel %d: buffer of %d bytes is not a whole number of %d-byte elements",
			c.desc.Index, len(buf), elemWidth)
	}
	n, err := c.engine.Stage(buf)
	if err != nil {
		return 0, errors.Wrapf(err, "channel %d (%s) stage", c.desc.Index, c.desc.Name)
	}
	c.staged = buf
	return n, nil
}

// StageReceive stages a receive window of the given capacity and returns it.
// Used on the return channel, where the output length is not known up front.
func (c *Channel) StageReceive(capacity int) ([]byte, error) {
	buf := make([]byte, capacity)
	if _, err := c.engine.Stage(buf); err != nil {
		return nil, errors.Wrapf(err, "channel %d (%s) stage receive", c.desc.Index, c.desc.Name)
	}
	c.staged = buf
	return buf, nil
}

// Start begins the staged transfer.
func (c *Channel) Start() error {
	if c.staged == nil {
		return errors.Errorf("channel %d (%s) started with nothing staged", c.desc.Index, c.desc.Name)
	}
	if err := c.engine.Start(); err != nil {
		return errors.Wrapf(err, "channel %d (%s) start", c.desc.Index, c.desc.Name)
	}
	return nil
}

// Wait blocks for transfer completion within the timeout.
func (c *Channel) Wait(timeout time.Duration) error {
	if err := c.engine.Wait(timeout); err != nil {
		return errors.Wrapf(err, "channel %d (%s) wait", c.desc.Index, c.desc.Name)
	}
	return nil
}

// BytesTransferred reads the channel's status register.
func (c *Channel) BytesTransferred() uint32 {
	return c.engine.BytesTransferred()
}

// reset drops the staged buffer reference between runs.
func (c *Channel) reset() {
	c.staged = nil
}
