// Package session carries the per-conversation state shared by the gateway,
// the provider bridge, the tool dispatcher, and the quota meter.
//
// A [Context] is composed at admission from the resolved agent snapshot and
// the caller's handshake, and handed to the bridge together with the
// [Lease] holding the agent's single-active-session slot. The [Registry]
// interface backs that slot with either a process-local map or Redis, so
// several runtime instances can displace each other's sessions.
package session

import (
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/MrWong99/convoxa/internal/agent"
	"github.com/MrWong99/convoxa/internal/store"
)

// ErrReplaced reports that a newer session took the agent's active slot.
// The holder must wind down silently: no error frame, no further debits.
var ErrReplaced = errors.New("session: replaced by a newer session for the same agent")

// Context is the admitted session handed to the provider bridge.
//
// The identity fields are immutable after construction. The dynamic-variable
// map is mutable and its writes are serialized, so concurrent tool
// completions cannot interleave partial updates.
type Context struct {
	// ID is the runtime session id (not the provider conversation id).
	ID string

	Transport store.TransportKind

	// UserID identifies the caller when the transport knows it: the widget
	// user id, the caller number for telephony, the Discord user id.
	UserID string

	// Snapshot is the immutable agent configuration for this session.
	Snapshot *agent.Snapshot

	// Language and Model are the effective initiation values after the
	// resolver's compatibility rule.
	Language string
	Model    string

	// RequestedModel and ModelCorrected carry the resolver's correction
	// record into the session row.
	RequestedModel string
	ModelCorrected bool

	StartedAt time.Time

	// Lease holds the agent's single-active-session slot until Release.
	Lease Lease

	varsMu sync.Mutex
	vars   map[string]string
}

// NewContext builds the session context for an admitted conversation. The
// dynamic-variable map starts as a copy of the snapshot's defaults.
func NewContext(id string, res *agent.Resolution, transport store.TransportKind, userID string) *Context {
	return &Context{
		ID:             id,
		Transport:      transport,
		UserID:         userID,
		Snapshot:       res.Snapshot,
		Language:       res.Language,
		Model:          res.Model,
		RequestedModel: res.RequestedModel,
		ModelCorrected: res.ModelCorrected,
		StartedAt:      time.Now().UTC(),
		vars:           maps.Clone(res.Snapshot.Variables),
	}
}

// SetVariable stores one dynamic variable.
func (c *Context) SetVariable(name, value string) {
	c.varsMu.Lock()
	defer c.varsMu.Unlock()
	if c.vars == nil {
		c.vars = map[string]string{}
	}
	c.vars[name] = value
}

// MergeVariables stores every entry of vars.
func (c *Context) MergeVariables(vars map[string]string) {
	c.varsMu.Lock()
	defer c.varsMu.Unlock()
	if c.vars == nil {
		c.vars = map[string]string{}
	}
	maps.Copy(c.vars, vars)
}

// Variable returns the named dynamic variable and whether it is set.
func (c *Context) Variable(name string) (string, bool) {
	c.varsMu.Lock()
	defer c.varsMu.Unlock()
	v, ok := c.vars[name]
	return v, ok
}

// Variables returns a copy of the current dynamic-variable map.
func (c *Context) Variables() map[string]string {
	c.varsMu.Lock()
	defer c.varsMu.Unlock()
	return maps.Clone(c.vars)
}

// NewRecord builds the initial SessionRecord for this session.
func (c *Context) NewRecord() *store.SessionRecord {
	return &store.SessionRecord{
		ID:             c.ID,
		AgentID:        c.Snapshot.AgentID,
		TenantID:       c.Snapshot.TenantID,
		Transport:      c.Transport,
		Language:       c.Language,
		Model:          c.Model,
		RequestedModel: c.RequestedModel,
		ModelCorrected: c.ModelCorrected,
		UserID:         c.UserID,
		StartedAt:      c.StartedAt,
		Status:         store.SessionActive,
		Variables:      c.Variables(),
	}
}
