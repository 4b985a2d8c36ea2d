// Package mock provides scriptable test doubles for the voice-channel
// abstraction: a [Connection] that serves caller-supplied channels and a
// [Platform] that hands out a fixed connection.
//
// Both doubles are safe for concurrent use. Populate the exported fields
// before handing a double out; inspect calls afterwards through the
// accessor methods.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/convoxa/pkg/audio"
)

// Connection is a scriptable [audio.Connection]. The zero value is usable:
// InputStreams serves an empty map and Disconnect returns nil.
type Connection struct {
	// Inputs is served by InputStreams. A nil map is served as empty.
	Inputs map[string]<-chan audio.AudioFrame

	// Output is served by OutputStream.
	Output chan<- audio.AudioFrame

	// DisconnectErr is returned by every Disconnect call.
	DisconnectErr error

	mu          sync.Mutex
	inputScans  int
	disconnects int
	listeners   []func(audio.Event)
}

var _ audio.Connection = (*Connection)(nil)

// InputStreams serves Inputs and counts the scan for [Connection.InputScans].
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputScans++
	if c.Inputs == nil {
		return map[string]<-chan audio.AudioFrame{}
	}
	return c.Inputs
}

// OutputStream serves Output.
func (c *Connection) OutputStream() chan<- audio.AudioFrame {
	return c.Output
}

// OnParticipantChange keeps cb for later [Connection.Emit] calls. Unlike a
// real platform it accumulates callbacks instead of replacing the previous
// one, so tests see every registration.
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, cb)
}

// Disconnect counts the call and returns DisconnectErr.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	return c.DisconnectErr
}

// Emit feeds ev to every callback registered so far, synchronously on the
// calling goroutine.
func (c *Connection) Emit(ev audio.Event) {
	c.mu.Lock()
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()
	for _, cb := range listeners {
		cb(ev)
	}
}

// InputScans reports how many times InputStreams ran.
func (c *Connection) InputScans() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputScans
}

// Disconnects reports how many times Disconnect ran.
func (c *Connection) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// Platform is a scriptable [audio.Platform]: every Connect hands out Conn,
// or fails with Err when set.
type Platform struct {
	// Conn is returned by Connect.
	Conn audio.Connection

	// Err, when non-nil, is returned by Connect instead of Conn. The join
	// is still recorded.
	Err error

	mu     sync.Mutex
	joined []string
}

var _ audio.Platform = (*Platform)(nil)

// Connect records channelID and returns Conn or Err.
func (p *Platform) Connect(_ context.Context, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	p.joined = append(p.joined, channelID)
	p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Conn, nil
}

// Joined returns the channel IDs passed to Connect, in call order.
func (p *Platform) Joined() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.joined)
}
