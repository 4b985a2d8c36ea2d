// Package bridge drives the live half of a conversation: it connects an
// admitted session to the realtime-voice provider and pumps audio and events
// between the caller's transport and the provider until either side ends the
// call or the runtime cuts it.
//
// One [Bridge] serves all sessions. [Bridge.Run] owns a single conversation
// from provider connect to the final SessionRecord transition and the
// reconcile-job enqueue. Per session it runs a small task group: an ingress
// pump moving caller audio to the provider through a bounded queue, an
// egress pump moving provider audio back, an event pump forwarding
// transcript lines, the quota meter, and a control loop watching the
// session lease and the end-call grace timer. The first terminal condition
// wins and classifies the shutdown as a [CloseCause].
//
// Tool calls surfaced by the provider are offloaded to the dispatcher on
// their own goroutines so the receive path never stalls; their results are
// answered through the same session.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/convoxa/internal/observe"
	"github.com/MrWong99/convoxa/internal/quota"
	"github.com/MrWong99/convoxa/internal/session"
	"github.com/MrWong99/convoxa/internal/store"
	"github.com/MrWong99/convoxa/internal/tools"
	"github.com/MrWong99/convoxa/pkg/convai"
)

const (
	// DefaultGraceDelay is how long a session stays open after the agent
	// invoked end_call, so the closing utterance still reaches the caller.
	DefaultGraceDelay = 5 * time.Second

	// DefaultSettleDelay is how long after session end the reconcile job
	// becomes due. The provider needs time to finalize the conversation
	// before its record is worth fetching.
	DefaultSettleDelay = 30 * time.Second

	// DefaultQueueDepth bounds the per-direction audio queues, roughly
	// sixteen seconds of speech at the widget's usual chunk size.
	DefaultQueueDepth = 64

	// finalizeTimeout bounds the record transition, job enqueue and lease
	// release after the pumps have stopped.
	finalizeTimeout = 10 * time.Second
)

// CloseCause classifies why a session ended.
type CloseCause string

const (
	// CauseCallerEnd: the caller disconnected cleanly or sent the end frame.
	CauseCallerEnd CloseCause = "caller_end"

	// CauseProviderEnd: the provider closed the conversation cleanly, or
	// went silent past the idle window.
	CauseProviderEnd CloseCause = "provider_end"

	// CauseEndCall: the agent invoked the end_call tool and the grace delay
	// elapsed.
	CauseEndCall CloseCause = "end_call"

	// CauseQuota: the meter hit a quota dimension mid-call.
	CauseQuota CloseCause = "quota"

	// CauseProviderError: the provider sent an error frame or its transport
	// failed.
	CauseProviderError CloseCause = "provider_error"

	// CauseTransportError: the caller's transport failed.
	CauseTransportError CloseCause = "transport_error"

	// CauseReplaced: a newer session took the agent's active slot.
	CauseReplaced CloseCause = "replaced"

	// CauseShutdown: the runtime is stopping.
	CauseShutdown CloseCause = "shutdown"

	// CauseInternal: a pump panicked; the session was cut to contain it.
	CauseInternal CloseCause = "internal_error"
)

// Status maps the termination cause onto the record's terminal status. A
// replaced or shut-down session still completed from the caller's point of
// view; only quota cuts and failures count as aborts.
func (c CloseCause) Status() store.SessionStatus {
	switch c {
	case CauseQuota:
		return store.SessionAbortedQuota
	case CauseProviderError, CauseTransportError, CauseInternal:
		return store.SessionAbortedError
	default:
		return store.SessionCompleted
	}
}

// Client is the caller-facing half of a session. Each gateway transport
// implements it over its own framing: the browser and preview sockets map
// events onto the widget JSON protocol, telephony re-wraps audio in the
// carrier envelope and discards events, the Discord link feeds a guild
// voice channel.
//
// ReadAudio and the write methods are called from different goroutines.
// Close may be called concurrently with any of them and must be idempotent.
type Client interface {
	// ReadAudio blocks until the next caller audio chunk is available and
	// returns it as 16 kHz mono signed 16-bit little-endian PCM. It returns
	// [io.EOF] when the caller ended the conversation cleanly and any other
	// error when the transport failed.
	ReadAudio(ctx context.Context) ([]byte, error)

	// WriteAudio delivers one chunk of agent speech in the same PCM format.
	WriteAudio(chunk []byte) error

	// WriteEvent delivers one non-audio event. Transports without an event
	// surface return nil and drop it.
	WriteEvent(ev Event) error

	// Close ends the transport, translating the cause into the framing's
	// close semantics. Closing an already-closed transport returns nil.
	Close(cause CloseCause) error
}

// Dispatcher executes provider tool calls. Satisfied by [tools.Dispatcher].
type Dispatcher interface {
	Dispatch(ctx context.Context, sess *session.Context, call convai.ToolCall) (convai.ToolResult, tools.Directive)
}

// Meterer debits conversation tokens until the session ends or a quota
// dimension breaches. Satisfied by [quota.Enforcer].
type Meterer interface {
	Meter(ctx context.Context, tenantID, agentID, sessionID string) quota.Reason
}

// Config wires a Bridge. Provider, Sessions, Jobs, Quota and Tools are
// required; zero timing and depth values fall back to the package defaults.
type Config struct {
	Provider convai.Provider
	Sessions store.SessionStore
	Jobs     store.JobStore
	Quota    Meterer
	Tools    Dispatcher
	Metrics  *observe.Metrics

	// GraceDelay is the end_call grace period.
	GraceDelay time.Duration

	// SettleDelay offsets the reconcile job's due time from session end.
	SettleDelay time.Duration

	// QueueDepth bounds the per-direction audio queues.
	QueueDepth int
}

// Bridge runs admitted sessions against the realtime-voice provider. One
// instance serves all sessions; everything mutable is per-run.
type Bridge struct {
	provider convai.Provider
	sessions store.SessionStore
	jobs     store.JobStore
	quota    Meterer
	tools    Dispatcher
	metrics  *observe.Metrics

	graceDelay  time.Duration
	settleDelay time.Duration
	queueDepth  int
}

// New creates a Bridge from cfg, applying defaults for unset timing values.
func New(cfg Config) *Bridge {
	b := &Bridge{
		provider:    cfg.Provider,
		sessions:    cfg.Sessions,
		jobs:        cfg.Jobs,
		quota:       cfg.Quota,
		tools:       cfg.Tools,
		metrics:     cfg.Metrics,
		graceDelay:  cfg.GraceDelay,
		settleDelay: cfg.SettleDelay,
		queueDepth:  cfg.QueueDepth,
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	if b.graceDelay <= 0 {
		b.graceDelay = DefaultGraceDelay
	}
	if b.settleDelay <= 0 {
		b.settleDelay = DefaultSettleDelay
	}
	if b.queueDepth <= 0 {
		b.queueDepth = DefaultQueueDepth
	}
	return b
}

// Run owns one conversation from provider connect to the final record
// transition. It blocks until the session is fully wound down and returns
// the termination cause.
//
// A setup failure (provider admission, record insert) is returned as an
// error with an empty cause and nothing persisted; the caller still owns
// the transport and closes it with its policy frame. Once setup succeeds
// the bridge owns the transport: it writes the terminal event frames,
// closes the client, finalizes the SessionRecord and enqueues the reconcile
// job before returning.
func (b *Bridge) Run(ctx context.Context, sess *session.Context, client Client) (CloseCause, error) {
	provSess, err := b.provider.Connect(ctx, providerConfig(sess))
	if err != nil {
		b.metrics.RecordProviderError(ctx, "connect")
		return "", fmt.Errorf("bridge: provider connect: %w", err)
	}

	if err := b.sessions.CreateSession(ctx, sess.NewRecord()); err != nil {
		_ = provSess.Close()
		return "", fmt.Errorf("bridge: create session record: %w", err)
	}

	b.metrics.RecordSessionStart(ctx, string(sess.Transport))
	slog.Info("session started",
		"session_id", sess.ID,
		"agent_id", sess.Snapshot.AgentID,
		"tenant_id", sess.Snapshot.TenantID,
		"transport", string(sess.Transport),
		"language", sess.Language,
		"model", sess.Model)

	// Admission frames. The caller may start streaming after these.
	_ = client.WriteEvent(ReadyEvent{})
	_ = client.WriteEvent(LanguageConfirmedEvent{Language: sess.Language, Model: sess.Model})
	_ = client.WriteEvent(AudioReadyEvent{})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{
		bridge:     b,
		sess:       sess,
		client:     client,
		provider:   provSess,
		cancel:     cancel,
		toProvider: make(chan []byte, b.queueDepth),
		toClient:   make(chan []byte, b.queueDepth),
		endCall:    make(chan struct{}),
	}

	provSess.OnToolCall(r.toolCallHandler(runCtx))
	provSess.OnInterruption(r.handleInterruption)
	provSess.OnLatency(r.handleLatency)
	provSess.OnError(func(err error) { r.handleProviderError(runCtx, err) })

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(r.protect("ingress", func() error { return r.ingress(gctx) }))
	g.Go(r.protect("ingress_forward", func() error { return r.forwardToProvider(gctx) }))
	g.Go(r.protect("egress", func() error { return r.egress(gctx) }))
	g.Go(r.protect("egress_forward", func() error { return r.forwardToClient(gctx) }))
	g.Go(r.protect("events", func() error { return r.events(gctx) }))
	g.Go(r.protect("meter", func() error { return r.meter(gctx) }))
	g.Go(r.protect("control", func() error { return r.control(gctx) }))
	_ = g.Wait()

	return b.finalize(ctx, r), nil
}

// finalize stops the provider leg, tells the caller why the session ended,
// transitions the record, enqueues the reconcile job and frees the lease.
func (b *Bridge) finalize(ctx context.Context, r *run) CloseCause {
	cause, causeErr := r.termination()
	endedAt := time.Now().UTC()

	_ = r.provider.Close()

	switch cause {
	case CauseQuota:
		_ = r.client.WriteEvent(ErrorEvent{Message: quotaMessage(r.quotaReason())})
	case CauseProviderError, CauseInternal:
		_ = r.client.WriteEvent(ErrorEvent{Message: "conversation failed"})
	}
	_ = r.client.Close(cause)

	// The session context is gone or going; the finalization writes get
	// their own deadline.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	status := cause.Status()
	if err := b.sessions.FinishSession(fctx, r.sess.ID, status, endedAt, errorCode(cause, r.quotaReason())); err != nil {
		slog.Error("finish session record",
			"session_id", r.sess.ID,
			"error", err)
	}

	job := &store.ReconcileJob{
		ID:                      uuid.NewString(),
		SessionID:               r.sess.ID,
		ProviderAgentID:         r.sess.Snapshot.ProviderAgentID,
		SessionStart:            r.sess.StartedAt,
		SessionEnd:              endedAt,
		SessionStatus:           status,
		TentativeConversationID: r.provider.ConversationID(),
		FallbackTurns:           r.collectedTurns(),
		Status:                  store.JobPending,
		DueAt:                   endedAt.Add(b.settleDelay),
	}
	if err := b.jobs.EnqueueJob(fctx, job); err != nil {
		slog.Error("enqueue reconcile job",
			"session_id", r.sess.ID,
			"error", err)
	}

	if r.sess.Lease != nil {
		if err := r.sess.Lease.Release(fctx); err != nil {
			slog.Warn("release session lease",
				"session_id", r.sess.ID,
				"error", err)
		}
	}

	duration := endedAt.Sub(r.sess.StartedAt)
	b.metrics.RecordSessionEnd(fctx, string(r.sess.Transport), string(cause), duration.Seconds())

	attrs := []any{
		"session_id", r.sess.ID,
		"agent_id", r.sess.Snapshot.AgentID,
		"cause", string(cause),
		"status", string(status),
		"duration", duration,
		"turns", r.turnCount(),
		"dropped_ingress", r.droppedIngress.Load(),
		"dropped_egress", r.droppedEgress.Load(),
	}
	if causeErr != nil {
		slog.Warn("session ended", append(attrs, "error", causeErr)...)
	} else {
		slog.Info("session ended", attrs...)
	}

	// Let in-flight tool calls finish; they are bounded by their own
	// timeouts and may still merge variables into the record.
	r.toolWG.Wait()

	return cause
}

// providerConfig assembles the initiation payload: the agent's variable
// defaults merged with the session-level identifiers the provider can
// substitute into prompt templates.
func providerConfig(sess *session.Context) convai.SessionConfig {
	vars := make(map[string]any)
	for name, value := range sess.Variables() {
		vars[name] = value
	}
	vars["session_id"] = sess.ID
	vars["agent_public_id"] = sess.Snapshot.PublicID
	vars["session_start"] = sess.StartedAt.Format(time.RFC3339)
	if sess.UserID != "" {
		vars["user_id"] = sess.UserID
	}
	return convai.SessionConfig{
		AgentID:          sess.Snapshot.ProviderAgentID,
		Language:         sess.Language,
		Model:            sess.Model,
		VoiceID:          sess.Snapshot.ProviderVoiceID,
		DynamicVariables: vars,
	}
}

// quotaMessage is the caller-facing text for a quota cut.
func quotaMessage(reason quota.Reason) string {
	switch reason {
	case quota.ReasonTenantBalance:
		return "insufficient tokens"
	case quota.ReasonAgentOverall:
		return "agent token limit reached"
	case quota.ReasonAgentDaily:
		return "agent daily limit reached"
	case quota.ReasonPerCall:
		return "call token limit reached"
	default:
		return "quota exceeded"
	}
}

// errorCode is the machine-readable code stored on aborted records.
func errorCode(cause CloseCause, reason quota.Reason) string {
	switch cause {
	case CauseQuota:
		return string(reason)
	case CauseProviderError:
		return "provider_error"
	case CauseTransportError:
		return "transport_error"
	case CauseInternal:
		return "internal_error"
	default:
		return ""
	}
}
