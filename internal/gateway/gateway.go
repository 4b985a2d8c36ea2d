// Package gateway is the inbound edge of the runtime. It accepts caller
// transports, runs the admission sequence and hands admitted sessions to the
// bridge.
//
// Four transports share one admission path: the browser and preview sockets
// speak the widget JSON protocol, the telephony pair (voice webhook plus
// media-stream socket) translates the carrier's µ-law envelope, and the
// Discord link feeds guild voice channels. Admission is resolve, quota
// check, slot acquire, bridge handoff; a failure anywhere before the bridge
// owns the session closes the transport with a policy-violation frame and
// persists nothing.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/convoxa/internal/agent"
	"github.com/MrWong99/convoxa/internal/bridge"
	"github.com/MrWong99/convoxa/internal/quota"
	"github.com/MrWong99/convoxa/internal/session"
	"github.com/MrWong99/convoxa/internal/store"
	"github.com/MrWong99/convoxa/pkg/audio"
)

const (
	// pcmSampleRate is the audio rate on the provider side of every
	// transport: 16 kHz mono signed 16-bit little-endian PCM.
	pcmSampleRate = 16000

	// initTimeout bounds the wait for the widget's conversation_init frame
	// after the upgrade.
	initTimeout = 10 * time.Second

	// writeTimeout bounds a single frame write towards the caller so a
	// stalled transport cannot wedge the egress pump.
	writeTimeout = 10 * time.Second
)

// Resolver composes immutable agent snapshots. Satisfied by [agent.Resolver].
type Resolver interface {
	Resolve(ctx context.Context, req agent.Request) (*agent.Resolution, error)
}

// Admitter runs the synchronous pre-session quota check. Satisfied by
// [quota.Enforcer].
type Admitter interface {
	Admit(ctx context.Context, snap *agent.Snapshot) quota.Reason
}

// Runner owns an admitted session from provider connect to the final record
// transition. Satisfied by [bridge.Bridge].
type Runner interface {
	Run(ctx context.Context, sess *session.Context, client bridge.Client) (bridge.CloseCause, error)
}

// Config wires a Gateway. Resolver, Quota, Registry and Bridge are required.
type Config struct {
	Resolver Resolver
	Quota    Admitter
	Registry session.Registry
	Bridge   Runner

	// ApprovedDomains is the global origin allow-list consulted in
	// addition to each tenant's own. Entries are host names or host:port,
	// without scheme.
	ApprovedDomains []string

	// PublicBaseURL is the externally reachable base URL of this runtime,
	// used to build the media-stream address in voice webhook replies.
	PublicBaseURL string
}

// Gateway terminates caller transports and runs admission. One instance
// serves all routes; everything mutable is per-connection except the global
// origin allow-list, which is hot-reloadable, and the drain state.
type Gateway struct {
	resolver Resolver
	quota    Admitter
	registry session.Registry
	bridge   Runner

	publicBaseURL string

	mu      sync.RWMutex
	domains []string

	drainMu  sync.Mutex
	draining bool
	sessions sync.WaitGroup
}

// New creates a Gateway from cfg.
func New(cfg Config) *Gateway {
	return &Gateway{
		resolver:      cfg.Resolver,
		quota:         cfg.Quota,
		registry:      cfg.Registry,
		bridge:        cfg.Bridge,
		publicBaseURL: cfg.PublicBaseURL,
		domains:       append([]string(nil), cfg.ApprovedDomains...),
	}
}

// Register adds the gateway routes to mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /live/ws/{publicID}", g.handleBrowser)
	mux.HandleFunc("GET /live/preview/ws/{publicID}", g.handlePreview)
	mux.HandleFunc("POST /telephony/voice/{agentID}", g.handleVoice)
	mux.HandleFunc("GET /telephony/media", g.handleMedia)
}

// SetApprovedDomains replaces the global origin allow-list. Applies to new
// browser sessions only; running sessions keep their admission-time check.
func (g *Gateway) SetApprovedDomains(domains []string) {
	g.mu.Lock()
	g.domains = append([]string(nil), domains...)
	g.mu.Unlock()
}

// Drain stops admitting sessions and waits for in-flight ones to finish
// final persistence. Session records are written after the caller transport
// closes, so the store must stay open until Drain returns. Returns ctx.Err
// when sessions remain at the deadline.
func (g *Gateway) Drain(ctx context.Context) error {
	g.drainMu.Lock()
	g.draining = true
	g.drainMu.Unlock()

	done := make(chan struct{})
	go func() {
		g.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// beginSession registers an in-flight session unless draining has begun.
func (g *Gateway) beginSession() bool {
	g.drainMu.Lock()
	defer g.drainMu.Unlock()
	if g.draining {
		return false
	}
	g.sessions.Add(1)
	return true
}

// originPatterns merges the tenant's allow-list with the global one into
// the pattern set handed to the WebSocket accept.
func (g *Gateway) originPatterns(tenant []string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	patterns := make([]string, 0, len(tenant)+len(g.domains))
	patterns = append(patterns, tenant...)
	patterns = append(patterns, g.domains...)
	return patterns
}

// rejectableClient is a [bridge.Client] that can also refuse admission with
// a policy-violation close before the bridge ever owns it.
type rejectableClient interface {
	bridge.Client
	reject(reason string)
}

// serve runs the admission tail shared by all transports: quota check, slot
// acquire, bridge handoff. It blocks until the session has fully ended. Any
// failure before the bridge takes ownership rejects the caller and leaves
// no session record behind.
func (g *Gateway) serve(ctx context.Context, res *agent.Resolution, transport store.TransportKind, userID string, client rejectableClient) {
	if !g.beginSession() {
		client.reject("runtime shutting down")
		return
	}
	defer g.sessions.Done()

	snap := res.Snapshot

	if reason := g.quota.Admit(ctx, snap); reason != quota.ReasonNone {
		client.reject(string(reason))
		return
	}

	sess := session.NewContext(uuid.NewString(), res, transport, userID)

	lease, err := g.registry.Acquire(ctx, snap.PublicID, sess.ID)
	if err != nil {
		slog.Error("acquire session slot",
			"agent_public_id", snap.PublicID,
			"transport", string(transport),
			"error", err)
		client.reject("session slot unavailable")
		return
	}
	sess.Lease = lease

	if _, err := g.bridge.Run(ctx, sess, client); err != nil {
		// The bridge never owned the transport or the lease.
		if rerr := lease.Release(ctx); rerr != nil {
			slog.Warn("release session lease after refusal",
				"session_id", sess.ID,
				"error", rerr)
		}
		slog.Warn("session refused",
			"session_id", sess.ID,
			"agent_id", snap.AgentID,
			"transport", string(transport),
			"error", err)
		client.reject("provider unavailable")
	}
}

// rejectText is the close-frame reason for a failed agent resolution. Close
// reasons surface in browser consoles, so they name the condition without
// leaking internals.
func rejectText(err error) string {
	switch {
	case errors.Is(err, agent.ErrNotFound):
		return "unknown agent"
	case errors.Is(err, agent.ErrDisabled):
		return "agent disabled"
	case errors.Is(err, agent.ErrUnprovisioned):
		return "agent not provisioned"
	default:
		return "agent unavailable"
	}
}

// closeStatus maps a termination cause onto the WebSocket close code the
// caller sees.
func closeStatus(cause bridge.CloseCause) websocket.StatusCode {
	switch cause {
	case bridge.CauseQuota:
		return websocket.StatusPolicyViolation
	case bridge.CauseProviderError, bridge.CauseTransportError, bridge.CauseInternal:
		return websocket.StatusInternalError
	default:
		return websocket.StatusNormalClosure
	}
}

// wsEOF reports whether a read error is a clean far-end close.
func wsEOF(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	default:
		return false
	}
}

// newGate returns the ingress noise gate configured by the agent snapshot,
// or nil when suppression is off. One gate per session; it carries hold
// state between frames.
func newGate(noise store.NoiseSettings) *audio.NoiseGate {
	if !noise.Suppression || noise.GateThreshold <= 0 {
		return nil
	}
	return &audio.NoiseGate{Threshold: noise.GateThreshold}
}

// gatedPCM runs one 16 kHz mono chunk through the gate when one is
// configured.
func gatedPCM(gate *audio.NoiseGate, pcm []byte) []byte {
	if gate == nil {
		return pcm
	}
	return gate.Process(audio.AudioFrame{
		Data:       pcm,
		SampleRate: pcmSampleRate,
		Channels:   1,
	}).Data
}
