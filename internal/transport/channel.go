// Package transport carries chat traffic over an established data channel:
// framing, chunked files with backpressure, and the in-memory message log.
package transport

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// ChannelLabel names the single chat data channel the initiator opens.
const ChannelLabel = "chat"

// Channel is the subset of a data channel a Link needs. Handlers registered
// after the matching event already happened are invoked right away, so a
// channel handed over before anyone listens loses nothing.
type Channel interface {
	Label() string
	Send(data []byte) error
	OnOpen(fn func())
	OnClose(fn func())
	OnMessage(fn func(data []byte))
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(fn func())
	Close() error
}

// pionChannel adapts a pion data channel. pion may open the channel and
// deliver messages before the session gets around to attaching a Link, so
// early events are latched here.
type pionChannel struct {
	dc *webrtc.DataChannel

	mu      sync.Mutex
	opened  bool
	closed  bool
	onOpen  func()
	onClose func()

	// msgMu is held while delivering so the backlog flush and live messages
	// never interleave.
	msgMu     sync.Mutex
	onMessage func([]byte)
	backlog   [][]byte
}

// WrapDataChannel adapts dc. It must be called before dc can open, i.e. from
// CreateDataChannel's caller or inside an OnDataChannel handler.
func WrapDataChannel(dc *webrtc.DataChannel) Channel {
	c := &pionChannel{dc: dc}
	dc.OnOpen(c.handleOpen)
	dc.OnClose(c.handleClose)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.handleMessage(msg.Data)
	})
	return c
}

func (c *pionChannel) Label() string                   { return c.dc.Label() }
func (c *pionChannel) Send(data []byte) error          { return c.dc.Send(data) }
func (c *pionChannel) BufferedAmount() uint64          { return c.dc.BufferedAmount() }
func (c *pionChannel) OnBufferedAmountLow(fn func())   { c.dc.OnBufferedAmountLow(fn) }
func (c *pionChannel) Close() error                    { return c.dc.Close() }
func (c *pionChannel) SetBufferedAmountLowThreshold(th uint64) {
	c.dc.SetBufferedAmountLowThreshold(th)
}

func (c *pionChannel) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	fire := c.opened
	c.mu.Unlock()
	if fire {
		fn()
	}
}

func (c *pionChannel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	fire := c.closed
	c.mu.Unlock()
	if fire {
		fn()
	}
}

func (c *pionChannel) OnMessage(fn func([]byte)) {
	c.msgMu.Lock()
	defer c.msgMu.Unlock()
	c.onMessage = fn
	for _, data := range c.backlog {
		fn(data)
	}
	c.backlog = nil
}

func (c *pionChannel) handleOpen() {
	c.mu.Lock()
	c.opened = true
	fn := c.onOpen
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *pionChannel) handleClose() {
	c.mu.Lock()
	c.closed = true
	fn := c.onClose
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *pionChannel) handleMessage(data []byte) {
	c.msgMu.Lock()
	defer c.msgMu.Unlock()
	if c.onMessage == nil {
		c.backlog = append(c.backlog, data)
		return
	}
	c.onMessage(data)
}
