package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/convoxa/internal/quota"
	"github.com/MrWong99/convoxa/internal/session"
	"github.com/MrWong99/convoxa/internal/store"
	"github.com/MrWong99/convoxa/internal/tools"
	"github.com/MrWong99/convoxa/pkg/convai"
)

// run is the per-session state shared by the pump goroutines.
type run struct {
	bridge   *Bridge
	sess     *session.Context
	client   Client
	provider convai.Session

	cancel context.CancelFunc

	// toProvider and toClient are the bounded queues decoupling transport
	// I/O from provider I/O. When a queue is full the frame is dropped and
	// counted instead of blocking the other side.
	toProvider chan []byte
	toClient   chan []byte

	endCall     chan struct{}
	endCallOnce sync.Once

	mu         sync.Mutex
	cause      CloseCause
	causeErr   error
	reason     quota.Reason
	turns      []store.Turn
	lastSpeech time.Time

	droppedIngress atomic.Int64
	droppedEgress  atomic.Int64

	toolWG sync.WaitGroup
}

// terminate records the first terminal condition and cancels the task
// group. Later calls are no-ops: the first cause wins.
func (r *run) terminate(cause CloseCause, err error) {
	r.mu.Lock()
	if r.cause == "" {
		r.cause = cause
		r.causeErr = err
	}
	r.mu.Unlock()
	r.cancel()
}

// termination returns the recorded cause. An empty cause means nobody
// terminated the session from inside: the parent context was cancelled,
// i.e. the runtime is shutting down.
func (r *run) termination() (CloseCause, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cause == "" {
		return CauseShutdown, nil
	}
	return r.cause, r.causeErr
}

func (r *run) setQuotaReason(reason quota.Reason) {
	r.mu.Lock()
	r.reason = reason
	r.mu.Unlock()
}

func (r *run) quotaReason() quota.Reason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// protect converts an activity panic into an internal-error termination so
// one broken pump cannot take down the process; other sessions keep
// running.
func (r *run) protect(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				slog.Error("session activity panic",
					"session_id", r.sess.ID,
					"activity", name,
					"panic", p)
				r.terminate(CauseInternal, fmt.Errorf("bridge: %s: panic: %v", name, p))
			}
		}()
		return fn()
	}
}

// ingress reads caller audio and enqueues it for the provider. On a clean
// caller end it closes the queue so the forwarder flushes the tail frames
// before the cause is recorded; a trailing utterance is not lost.
func (r *run) ingress(ctx context.Context) error {
	for {
		chunk, err := r.client.ReadAudio(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				close(r.toProvider)
			case ctx.Err() != nil:
				// Shutdown already in progress.
			default:
				r.terminate(CauseTransportError, fmt.Errorf("bridge: read caller audio: %w", err))
			}
			return nil
		}
		if len(chunk) == 0 {
			continue
		}
		select {
		case r.toProvider <- chunk:
		default:
			r.dropFrame(ctx, "ingress", &r.droppedIngress)
		}
	}
}

// forwardToProvider drains the ingress queue into the provider session. A
// closed queue means the caller ended cleanly.
func (r *run) forwardToProvider(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk, ok := <-r.toProvider:
			if !ok {
				r.terminate(CauseCallerEnd, nil)
				return nil
			}
			if err := r.provider.SendAudio(chunk); err != nil {
				if ctx.Err() == nil {
					r.bridge.metrics.RecordProviderError(ctx, "send_audio")
					r.terminate(CauseProviderError, fmt.Errorf("bridge: send caller audio: %w", err))
				}
				return nil
			}
		}
	}
}

// egress moves provider audio into the egress queue. A closed audio stream
// means the provider leg ended; [convai.Session.Err] decides whether it was
// clean. Idle timeouts count as a provider hang-up, not a failure.
func (r *run) egress(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk, ok := <-r.provider.Audio():
			if !ok {
				if err := r.provider.Err(); err != nil && !errors.Is(err, convai.ErrIdleTimeout) {
					r.bridge.metrics.RecordProviderError(ctx, "receive")
					r.terminate(CauseProviderError, err)
				} else {
					r.terminate(CauseProviderEnd, nil)
				}
				return nil
			}
			select {
			case r.toClient <- chunk:
			default:
				r.dropFrame(ctx, "egress", &r.droppedEgress)
			}
		}
	}
}

// forwardToClient drains the egress queue into the caller's transport.
func (r *run) forwardToClient(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk := <-r.toClient:
			if err := r.client.WriteAudio(chunk); err != nil {
				if ctx.Err() == nil {
					r.terminate(CauseTransportError, fmt.Errorf("bridge: write agent audio: %w", err))
				}
				return nil
			}
		}
	}
}

// events forwards transcript lines to the caller and keeps the in-memory
// turn sequence the reconciler falls back to when the provider copy cannot
// be recovered.
func (r *run) events(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-r.provider.Transcripts():
			if !ok {
				// The audio pump records the provider-end cause.
				return nil
			}
			r.recordTurn(ev)

			var out Event
			if ev.Role == convai.RoleAgent {
				out = AgentResponseEvent{Text: ev.Text}
			} else {
				out = UserTranscriptEvent{Text: ev.Text}
			}
			if err := r.client.WriteEvent(out); err != nil {
				if ctx.Err() == nil {
					r.terminate(CauseTransportError, fmt.Errorf("bridge: write transcript event: %w", err))
				}
				return nil
			}
		}
	}
}

// meter debits tokens for the life of the session and cuts it on breach.
func (r *run) meter(ctx context.Context) error {
	reason := r.bridge.quota.Meter(ctx, r.sess.Snapshot.TenantID, r.sess.Snapshot.AgentID, r.sess.ID)
	if reason != quota.ReasonNone {
		r.setQuotaReason(reason)
		r.terminate(CauseQuota, nil)
	}
	return nil
}

// control watches the session lease and the end-call grace timer.
// Displacement sends the replacement notice while the transport is still
// open, then winds the session down silently.
func (r *run) control(ctx context.Context) error {
	var replaced <-chan struct{}
	if r.sess.Lease != nil {
		replaced = r.sess.Lease.Replaced()
	}

	select {
	case <-ctx.Done():
		return nil
	case <-replaced:
		_ = r.client.WriteEvent(ReplacedEvent{})
		r.terminate(CauseReplaced, nil)
		return nil
	case <-r.endCall:
	}

	timer := time.NewTimer(r.bridge.graceDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		r.terminate(CauseEndCall, nil)
	case <-replaced:
		_ = r.client.WriteEvent(ReplacedEvent{})
		r.terminate(CauseReplaced, nil)
	case <-ctx.Done():
	}
	return nil
}

// toolCallHandler returns the session's tool-call handler. The provider
// invokes it on its receive goroutine, so the work is offloaded. The
// dispatch context survives session shutdown: an in-flight call may already
// have had effects on the remote side and is bounded by the dispatcher's
// own timeout instead of being aborted.
func (r *run) toolCallHandler(ctx context.Context) func(convai.ToolCall) {
	toolCtx := context.WithoutCancel(ctx)
	return func(call convai.ToolCall) {
		r.toolWG.Add(1)
		go func() {
			defer r.toolWG.Done()
			defer func() {
				if p := recover(); p != nil {
					slog.Error("tool dispatch panic",
						"session_id", r.sess.ID,
						"tool", call.Name,
						"panic", p)
				}
			}()

			res, directive := r.bridge.tools.Dispatch(toolCtx, r.sess, call)
			if err := r.provider.SendToolResult(res); err != nil {
				slog.Warn("send tool result",
					"session_id", r.sess.ID,
					"tool", call.Name,
					"error", err)
			}
			if directive == tools.DirectiveEndCall {
				r.requestEndCall()
			}
		}()
	}
}

func (r *run) requestEndCall() {
	r.endCallOnce.Do(func() { close(r.endCall) })
}

// handleInterruption discards buffered agent audio so the caller does not
// hear speech the provider already truncated.
func (r *run) handleInterruption() {
	for {
		select {
		case <-r.toClient:
		default:
			return
		}
	}
}

func (r *run) handleLatency(millis int) {
	_ = r.client.WriteEvent(LatencyEvent{Millis: millis})
}

// handleProviderError reacts to a provider error frame. The session stays
// technically open on the wire, but the runtime treats error frames as
// fatal and cuts the call.
func (r *run) handleProviderError(ctx context.Context, err error) {
	r.bridge.metrics.RecordProviderError(ctx, "session")
	r.terminate(CauseProviderError, err)
}

// recordTurn appends one transcript line to the fallback sequence and
// refreshes the liveness timestamp.
func (r *run) recordTurn(ev convai.TranscriptEvent) {
	now := time.Now().UTC()
	r.mu.Lock()
	r.turns = append(r.turns, store.Turn{
		Role:           string(ev.Role),
		Text:           ev.Text,
		TimeInCallSecs: now.Sub(r.sess.StartedAt).Seconds(),
	})
	r.lastSpeech = now
	r.mu.Unlock()
}

func (r *run) collectedTurns() []store.Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	turns := make([]store.Turn, len(r.turns))
	copy(turns, r.turns)
	return turns
}

func (r *run) turnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.turns)
}

// dropFrame counts one dropped audio frame. Only the first drop per
// direction is logged; the counter carries the rest.
func (r *run) dropFrame(ctx context.Context, direction string, counter *atomic.Int64) {
	n := counter.Add(1)
	r.bridge.metrics.RecordDroppedFrames(ctx, direction, 1)
	if n == 1 {
		slog.Warn("audio queue full, dropping frames",
			"session_id", r.sess.ID,
			"direction", direction)
	}
}
