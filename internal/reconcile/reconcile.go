// Package reconcile settles finished sessions against the provider's
// post-call archive. The bridge enqueues one durable job per session; a
// worker pool drains the queue, binds each session to its provider
// conversation, copies the final transcript, downloads the call audio, and
// stamps the provider-reported cost onto the session record.
//
// The provider needs time to finalize a conversation after the socket
// closes, so jobs become due only after a settle delay and incomplete
// conversations are retried with capped backoff. When the provider copy
// cannot be recovered at all, the bridge's own transcript is kept instead so
// the session still has a record.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/convoxa/internal/embed"
	"github.com/MrWong99/convoxa/internal/observe"
	"github.com/MrWong99/convoxa/internal/resilience"
	"github.com/MrWong99/convoxa/internal/store"
	"github.com/MrWong99/convoxa/internal/transcript"
	"github.com/MrWong99/convoxa/pkg/convai"
)

// audioSubdir is the directory under the audio storage root where call
// recordings are written.
const audioSubdir = "elevenlabs_conversations"

// errSettling marks conversations the provider has not finalized yet. The
// job is retried.
var errSettling = errors.New("conversation not finalized")

// errNoMatch marks a listing that produced no conversation near the session
// start. The archive can lag a closed socket, so the job is retried.
var errNoMatch = errors.New("no matching conversation")

// Config wires a Reconciler. Jobs, Sessions, Agents, Records and Archive
// are required; the rest defaults.
type Config struct {
	Jobs     store.JobStore
	Sessions store.SessionStore
	Agents   store.AgentStore
	Records  store.RecordingStore
	Archive  convai.Archive

	// Summarizer fills Transcript.Summary when the provider analysis has
	// none. Nil skips fallback summaries.
	Summarizer Summarizer

	// Embedder feeds the transcript semantic index. Nil skips indexing.
	Embedder embed.Embedder

	// Corrector runs the phonetic correction pass over user turns before
	// the transcript is persisted.
	Corrector *transcript.Corrector

	Metrics *observe.Metrics

	// Workers is the pool size. Default 2.
	Workers int

	// PollInterval is how often an idle worker checks for due jobs.
	// Default 5s.
	PollInterval time.Duration

	// MaxAttempts bounds retries before a job is marked failed. Default 5.
	MaxAttempts int

	// Backoff spaces retry attempts.
	Backoff resilience.Backoff

	// AudioRoot is the directory recordings are written under.
	AudioRoot string

	// BindWindow is the maximum distance between the session start and a
	// listed conversation's start for the two to be considered the same
	// call. Default 5m.
	BindWindow time.Duration

	// ListLimit is the page size when listing conversations to bind an
	// unknown id. Default 30.
	ListLimit int
}

// Reconciler drains the reconcile job queue.
type Reconciler struct {
	cfg Config
	now func() time.Time
}

// New creates a Reconciler with defaults applied.
func New(cfg Config) *Reconciler {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = resilience.DefaultBackoff()
	}
	if cfg.BindWindow <= 0 {
		cfg.BindWindow = 5 * time.Minute
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 30
	}
	if cfg.Corrector == nil {
		cfg.Corrector = transcript.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Reconciler{cfg: cfg, now: time.Now}
}

// Run blocks draining the queue with the configured number of workers until
// ctx is cancelled. Cancellation is a clean stop, not an error.
func (r *Reconciler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for range r.cfg.Workers {
		g.Go(func() error { return r.worker(ctx) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// worker alternates between draining the queue and sleeping one poll
// interval.
func (r *Reconciler) worker(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		r.drain(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// drain claims and processes due jobs until the queue is empty or ctx ends.
func (r *Reconciler) drain(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := r.cfg.Jobs.ClaimDueJob(ctx, r.now())
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("reconcile: claim job", "error", err)
			}
			return
		}
		if job == nil {
			return
		}
		r.process(ctx, job)
	}
}

// process settles one claimed job and routes the outcome: done, retried, or
// failed. Shutdown mid-job puts the job back so nothing is stranded in the
// running state.
func (r *Reconciler) process(ctx context.Context, job *store.ReconcileJob) {
	start := r.now()
	attempt := job.Attempts + 1
	log := slog.With("session_id", job.SessionID, "job_id", job.ID, "attempt", attempt)

	err := r.settle(ctx, job)
	elapsed := r.now().Sub(start).Seconds()

	switch {
	case err == nil:
		// Complete on a detached context when shutdown raced the settle,
		// otherwise the job stays running forever.
		cctx := ctx
		if ctx.Err() != nil {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if cerr := r.cfg.Jobs.CompleteJob(cctx, job.ID); cerr != nil {
			log.Error("reconcile: complete job", "error", cerr)
			return
		}
		r.cfg.Metrics.RecordReconcileJob(cctx, "done", elapsed)
		log.Info("session reconciled")

	case ctx.Err() != nil:
		// Shutdown interrupted the job. Requeue on a detached context so
		// the next run picks it up instead of leaving it running forever.
		reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := r.cfg.Jobs.RetryJob(reqCtx, job.ID, r.now(), "interrupted by shutdown"); rerr != nil {
			log.Error("reconcile: requeue interrupted job", "error", rerr)
		}

	case errors.Is(err, convai.ErrConversationNotFound), attempt >= r.cfg.MaxAttempts:
		r.fail(ctx, job, err)
		r.cfg.Metrics.RecordReconcileJob(ctx, "failed", elapsed)

	default:
		due := r.now().Add(r.cfg.Backoff.Delay(attempt - 1))
		if rerr := r.cfg.Jobs.RetryJob(ctx, job.ID, due, err.Error()); rerr != nil {
			log.Error("reconcile: retry job", "error", rerr)
			return
		}
		r.cfg.Metrics.RecordReconcileJob(ctx, "retried", elapsed)
		log.Info("reconcile retried", "due_at", due, "error", err)
	}
}

// settle performs one reconcile attempt: resolve the conversation id, fetch
// the finalized conversation, and persist its artifacts.
func (r *Reconciler) settle(ctx context.Context, job *store.ReconcileJob) error {
	convID := job.TentativeConversationID
	if convID == "" {
		// A prior attempt may have bound the session already.
		if sess, err := r.cfg.Sessions.GetSession(ctx, job.SessionID); err == nil && sess.ProviderConversationID != "" {
			convID = sess.ProviderConversationID
		}
	}
	if convID == "" {
		id, err := r.matchConversation(ctx, job)
		if err != nil {
			return err
		}
		convID = id
	}

	conv, err := r.cfg.Archive.Conversation(ctx, convID)
	if err != nil {
		if errors.Is(err, convai.ErrConversationNotFound) {
			return fmt.Errorf("conversation %q: %w", convID, err)
		}
		return fmt.Errorf("fetch conversation %q: %w", convID, err)
	}
	if !conv.Complete() {
		return fmt.Errorf("%w: conversation %q", errSettling, convID)
	}

	return r.persist(ctx, job, conv)
}

// matchConversation lists recent conversations for the job's provider agent
// and picks the one starting closest to the session start, within the bind
// window.
func (r *Reconciler) matchConversation(ctx context.Context, job *store.ReconcileJob) (string, error) {
	summaries, err := r.cfg.Archive.ListConversations(ctx, job.ProviderAgentID, r.cfg.ListLimit)
	if err != nil {
		return "", fmt.Errorf("list conversations: %w", err)
	}

	var (
		bestID    string
		bestDelta time.Duration
	)
	for _, s := range summaries {
		delta := s.StartTime.Sub(job.SessionStart)
		if delta < 0 {
			delta = -delta
		}
		if delta > r.cfg.BindWindow {
			continue
		}
		if bestID == "" || delta < bestDelta {
			bestID, bestDelta = s.ID, delta
		}
	}
	if bestID == "" {
		return "", fmt.Errorf("%w within %s of session start for agent %q", errNoMatch, r.cfg.BindWindow, job.ProviderAgentID)
	}
	return bestID, nil
}

// persist writes every artifact of a finalized conversation. All writes are
// idempotent upserts keyed by session id, so a crash between any two steps
// is repaired by the retried job.
func (r *Reconciler) persist(ctx context.Context, job *store.ReconcileJob, conv *convai.Conversation) error {
	sess, err := r.cfg.Sessions.GetSession(ctx, job.SessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	if err := r.cfg.Sessions.BindConversation(ctx, job.SessionID, conv.ID); err != nil {
		return fmt.Errorf("bind conversation %q: %w", conv.ID, err)
	}

	turns := convertTurns(conv.Turns)
	turns, corrections := r.cfg.Corrector.Correct(turns, r.correctionTerms(ctx, sess))

	summary := conv.Analysis.Summary
	if summary == "" && r.cfg.Summarizer != nil {
		s, serr := r.cfg.Summarizer.Summarize(ctx, turns)
		if serr != nil {
			slog.Warn("reconcile: fallback summary", "session_id", job.SessionID, "error", serr)
		} else {
			summary = s
		}
	}

	if conv.HasAudio {
		rec := &store.Recording{
			SessionID:              job.SessionID,
			AudioPath:              r.downloadAudio(ctx, job, conv.ID),
			DurationSeconds:        conv.Metadata.Duration.Seconds(),
			ProviderConversationID: conv.ID,
			CreatedAt:              r.now(),
		}
		if err := r.cfg.Records.UpsertRecording(ctx, rec); err != nil {
			return fmt.Errorf("persist recording: %w", err)
		}
	}

	t := &store.Transcript{
		SessionID:   job.SessionID,
		Summary:     summary,
		Turns:       turns,
		Corrections: corrections,
		CreatedAt:   r.now(),
	}
	if err := r.cfg.Records.UpsertTranscript(ctx, t); err != nil {
		return fmt.Errorf("persist transcript: %w", err)
	}

	if err := r.cfg.Sessions.SetReconciled(ctx, job.SessionID, float64(conv.Metadata.Cost)); err != nil {
		return fmt.Errorf("set reconciled: %w", err)
	}

	r.indexTranscript(ctx, sess, turns)
	return nil
}

// fail gives up on a job. The bridge's in-memory transcript is persisted as
// a last resort, unless an earlier partial run already stored the provider
// copy.
func (r *Reconciler) fail(ctx context.Context, job *store.ReconcileJob, cause error) {
	log := slog.With("session_id", job.SessionID, "job_id", job.ID)

	if len(job.FallbackTurns) > 0 {
		existing, err := r.cfg.Records.GetTranscript(ctx, job.SessionID)
		if err != nil {
			log.Warn("reconcile: check existing transcript", "error", err)
		}
		if err == nil && existing == nil {
			sess, serr := r.cfg.Sessions.GetSession(ctx, job.SessionID)
			var terms []string
			if serr == nil {
				terms = r.correctionTerms(ctx, sess)
			}
			turns, corrections := r.cfg.Corrector.Correct(job.FallbackTurns, terms)
			t := &store.Transcript{
				SessionID:   job.SessionID,
				Turns:       turns,
				Corrections: corrections,
				CreatedAt:   r.now(),
			}
			if perr := r.cfg.Records.UpsertTranscript(ctx, t); perr != nil {
				log.Warn("reconcile: persist fallback transcript", "error", perr)
			} else if sess != nil {
				r.indexTranscript(ctx, sess, turns)
			}
		}
	}

	if err := r.cfg.Jobs.FailJob(ctx, job.ID, cause.Error()); err != nil {
		log.Error("reconcile: fail job", "error", err)
		return
	}
	log.Warn("reconcile gave up", "attempts", job.Attempts+1, "error", cause)
}

// correctionTerms collects the agent vocabulary fed to the phonetic
// correction pass. Lookup failures degrade to no corrections.
func (r *Reconciler) correctionTerms(ctx context.Context, sess *store.SessionRecord) []string {
	agent, err := r.cfg.Agents.GetAgent(ctx, sess.AgentID)
	if err != nil {
		slog.Warn("reconcile: load agent for corrections", "agent_id", sess.AgentID, "error", err)
		return nil
	}
	knowledge, err := r.cfg.Agents.ListAgentKnowledge(ctx, agent.ID)
	if err != nil {
		slog.Warn("reconcile: load knowledge for corrections", "agent_id", agent.ID, "error", err)
	}
	vars := sess.Variables
	if len(vars) == 0 {
		vars = agent.DynamicVariables
	}
	return transcript.Terms(agent.DisplayName, knowledge, vars)
}

// downloadAudio streams the conversation audio to the storage directory and
// returns the path relative to the audio root. Any failure leaves the path
// empty; the recording row is still written.
func (r *Reconciler) downloadAudio(ctx context.Context, job *store.ReconcileJob, convID string) string {
	log := slog.With("session_id", job.SessionID, "conversation_id", convID)

	stream, err := r.cfg.Archive.ConversationAudio(ctx, convID)
	if err != nil {
		log.Warn("reconcile: fetch audio", "error", err)
		return ""
	}
	defer stream.Close()

	// The session end stamps the filename so a re-run overwrites the same
	// file instead of accumulating copies.
	name := fmt.Sprintf("%s_%s.wav", job.SessionID, job.SessionEnd.UTC().Format("20060102_150405"))
	rel := filepath.Join(audioSubdir, name)
	abs := filepath.Join(r.cfg.AudioRoot, rel)

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		log.Warn("reconcile: create audio directory", "error", err)
		return ""
	}
	f, err := os.Create(abs)
	if err != nil {
		log.Warn("reconcile: create audio file", "error", err)
		return ""
	}
	if _, err := io.Copy(f, stream); err != nil {
		f.Close()
		os.Remove(abs)
		log.Warn("reconcile: write audio file", "error", err)
		return ""
	}
	if err := f.Close(); err != nil {
		log.Warn("reconcile: close audio file", "error", err)
		return ""
	}
	return rel
}

// indexTranscript embeds the spoken turns and upserts them into the semantic
// index. Chunk ids derive from the session id and turn index, so re-runs
// overwrite rather than duplicate. Failures only cost the index, never the
// job.
func (r *Reconciler) indexTranscript(ctx context.Context, sess *store.SessionRecord, turns []store.Turn) {
	if r.cfg.Embedder == nil {
		return
	}

	var (
		texts  []string
		chunks []store.TranscriptChunk
	)
	for i, t := range turns {
		text := strings.TrimSpace(t.Text)
		if text == "" || t.Role == store.RoleTool {
			continue
		}
		texts = append(texts, text)
		chunks = append(chunks, store.TranscriptChunk{
			ID:             fmt.Sprintf("%s:%d", sess.ID, i),
			SessionID:      sess.ID,
			TenantID:       sess.TenantID,
			AgentID:        sess.AgentID,
			Role:           t.Role,
			Content:        text,
			TimeInCallSecs: t.TimeInCallSecs,
			CreatedAt:      r.now(),
		})
	}
	if len(chunks) == 0 {
		return
	}

	vectors, err := r.cfg.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		slog.Warn("reconcile: embed transcript", "session_id", sess.ID, "error", err)
		return
	}
	if len(vectors) != len(chunks) {
		slog.Warn("reconcile: embedding count mismatch", "session_id", sess.ID, "want", len(chunks), "got", len(vectors))
		return
	}
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
	}
	if err := r.cfg.Records.IndexChunks(ctx, chunks); err != nil {
		slog.Warn("reconcile: index transcript", "session_id", sess.ID, "error", err)
	}
}

// convertTurns maps provider turns onto the persisted transcript shape,
// preserving order.
func convertTurns(turns []convai.Turn) []store.Turn {
	out := make([]store.Turn, 0, len(turns))
	for _, t := range turns {
		st := store.Turn{
			Role:           string(t.Role),
			Text:           t.Text,
			TimeInCallSecs: t.TimeInCall.Seconds(),
			Interrupted:    t.Interrupted,
		}
		for _, tc := range t.ToolCalls {
			st.ToolCalls = append(st.ToolCalls, store.ToolInvocation{
				Name:      tc.Name,
				Arguments: tc.ArgsJSON,
				RequestID: tc.RequestID,
			})
		}
		for _, tr := range t.ToolResults {
			st.ToolResults = append(st.ToolResults, store.ToolOutcome{
				RequestID: tr.RequestID,
				Result:    tr.Result,
				IsError:   tr.IsError,
			})
		}
		out = append(out, st)
	}
	return out
}
