// Package mock provides test doubles for the [live.Dialer] and [live.Channel]
// interfaces.
//
// The Dialer records every Connect call and hands back a [Channel] whose
// callbacks the test drives explicitly:
//
//	d := &mock.Dialer{}
//	ch, _ := d.Connect(ctx, cfg, callbacks)
//	c := d.Last()
//	c.Open()                                  // fires OnOpen
//	c.Deliver(&live.ServerMessage{...})       // fires OnMessage
//	c.RemoteClose(errors.New("gone"))         // fires OnClose
//
// All methods are safe for concurrent use.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/jarvis/pkg/audio"
	"github.com/MrWong99/jarvis/pkg/provider/live"
)

var (
	_ live.Dialer  = (*Dialer)(nil)
	_ live.Channel = (*Channel)(nil)
)

// ─── Dialer ───────────────────────────────────────────────────────────────────

// Dialer is a mock implementation of [live.Dialer].
type Dialer struct {
	mu sync.Mutex

	// ConnectErr is returned by Connect when non-nil.
	ConnectErr error

	// OnConnect, when set, runs inside Connect before it returns. Tests use
	// it to block or to observe ordering.
	OnConnect func(ctx context.Context)

	// Configs records the config of every Connect call.
	Configs []live.Config

	channels []*Channel
}

// Connect implements [live.Dialer].
func (d *Dialer) Connect(ctx context.Context, cfg live.Config, cb live.Callbacks) (live.Channel, error) {
	d.mu.Lock()
	d.Configs = append(d.Configs, cfg)
	hook := d.OnConnect
	connectErr := d.ConnectErr
	d.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	if connectErr != nil {
		return nil, connectErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := newChannel(cb)
	d.mu.Lock()
	d.channels = append(d.channels, c)
	d.mu.Unlock()
	return c, nil
}

// Last returns the most recently connected channel, or nil.
func (d *Dialer) Last() *Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.channels) == 0 {
		return nil
	}
	return d.channels[len(d.channels)-1]
}

// LastConfig returns the config of the most recent Connect call.
func (d *Dialer) LastConfig() (live.Config, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Configs) == 0 {
		return live.Config{}, false
	}
	return d.Configs[len(d.Configs)-1], true
}

// ConnectCount returns the number of Connect calls.
func (d *Dialer) ConnectCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Configs)
}

// ─── Channel ──────────────────────────────────────────────────────────────────

// Channel is a mock implementation of [live.Channel].
type Channel struct {
	cb live.Callbacks

	mu            sync.Mutex
	closed        bool
	closeFired    bool
	SendErr       error
	Audio         []audio.Blob
	Texts         []string
	ToolResponses []live.FunctionResponse
	CloseCalls    int

	// Sent receives a copy of every outbound item (an audio.Blob, a string or a
	// live.FunctionResponse) for tests that wait on traffic. It is buffered;
	// items are dropped if nobody drains it.
	Sent chan any
}

func newChannel(cb live.Callbacks) *Channel {
	return &Channel{cb: cb, Sent: make(chan any, 256)}
}

func (c *Channel) record(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return live.ErrChannelClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	switch x := v.(type) {
	case audio.Blob:
		c.Audio = append(c.Audio, x)
	case string:
		c.Texts = append(c.Texts, x)
	case live.FunctionResponse:
		c.ToolResponses = append(c.ToolResponses, x)
	default:
		return fmt.Errorf("mock: unexpected outbound %T", v)
	}
	select {
	case c.Sent <- v:
	default:
	}
	return nil
}

// SendRealtimeInput implements [live.Channel].
func (c *Channel) SendRealtimeInput(blob audio.Blob) error { return c.record(blob) }

// SendText implements [live.Channel].
func (c *Channel) SendText(text string) error { return c.record(text) }

// SendToolResponse implements [live.Channel].
func (c *Channel) SendToolResponse(responses ...live.FunctionResponse) error {
	for _, r := range responses {
		if err := c.record(r); err != nil {
			return err
		}
	}
	return nil
}

// Close implements [live.Channel]. Like the real channel, OnClose fires once
// from another goroutine.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.CloseCalls++
	c.closed = true
	c.mu.Unlock()
	go c.fireClose(live.ErrChannelClosed)
	return nil
}

// Open fires OnOpen with this channel.
func (c *Channel) Open() {
	if c.cb.OnOpen != nil {
		c.cb.OnOpen(c)
	}
}

// Deliver fires OnMessage.
func (c *Channel) Deliver(msg *live.ServerMessage) {
	if c.cb.OnMessage != nil {
		c.cb.OnMessage(msg)
	}
}

// Fail fires OnError.
func (c *Channel) Fail(err error) {
	if c.cb.OnError != nil {
		c.cb.OnError(err)
	}
}

// RemoteClose marks the channel closed and fires OnClose synchronously.
func (c *Channel) RemoteClose(err error) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.fireClose(err)
}

func (c *Channel) fireClose(err error) {
	c.mu.Lock()
	if c.closeFired {
		c.mu.Unlock()
		return
	}
	c.closeFired = true
	c.mu.Unlock()
	if c.cb.OnClose != nil {
		c.cb.OnClose(err)
	}
}

// IsClosed reports whether Close or RemoteClose has been called.
func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Snapshot returns copies of the recorded outbound traffic.
func (c *Channel) Snapshot() (blobs []audio.Blob, texts []string, responses []live.FunctionResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audio.Blob(nil), c.Audio...),
		append([]string(nil), c.Texts...),
		append([]live.FunctionResponse(nil), c.ToolResponses...)
}

// CloseCount returns the number of Close calls.
func (c *Channel) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CloseCalls
}
