package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/convoxa/internal/reconcile"
	"github.com/MrWong99/convoxa/internal/resilience"
	"github.com/MrWong99/convoxa/internal/store"
	"github.com/MrWong99/convoxa/pkg/convai"
	"github.com/MrWong99/convoxa/pkg/convai/mock"
)

const waitTimeout = 3 * time.Second

// ─── Fakes ───────────────────────────────────────────────────────────────────

// fakeStore is an in-memory store backing the reconciler: the job queue, the
// session rows and the persisted artifacts. Every queue transition is also
// published on events so tests can wait without sleeping.
type fakeStore struct {
	mu sync.Mutex

	jobs        map[string]*store.ReconcileJob
	sessions    map[string]*store.SessionRecord
	agents      map[string]*store.Agent
	knowledge   map[string][]store.KnowledgeItem
	recordings  map[string]*store.Recording
	transcripts map[string]*store.Transcript
	chunks      map[string]store.TranscriptChunk

	reconciled map[string]float64

	events chan string // "done", "retried", "failed"
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:        make(map[string]*store.ReconcileJob),
		sessions:    make(map[string]*store.SessionRecord),
		agents:      make(map[string]*store.Agent),
		knowledge:   make(map[string][]store.KnowledgeItem),
		recordings:  make(map[string]*store.Recording),
		transcripts: make(map[string]*store.Transcript),
		chunks:      make(map[string]store.TranscriptChunk),
		reconciled:  make(map[string]float64),
		events:      make(chan string, 32),
	}
}

// ── JobStore ──

func (f *fakeStore) EnqueueJob(_ context.Context, job *store.ReconcileJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.SessionID == job.SessionID {
			return nil
		}
	}
	cp := *job
	f.jobs[job.ID] = &cp
	return nil
}

func (f *fakeStore) ClaimDueJob(_ context.Context, now time.Time) (*store.ReconcileJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var oldest *store.ReconcileJob
	for _, j := range f.jobs {
		if j.Status != store.JobPending || j.DueAt.After(now) {
			continue
		}
		if oldest == nil || j.DueAt.Before(oldest.DueAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}
	oldest.Status = store.JobRunning
	cp := *oldest
	return &cp, nil
}

func (f *fakeStore) CompleteJob(_ context.Context, id string) error {
	f.mu.Lock()
	if j, ok := f.jobs[id]; ok {
		j.Status = store.JobDone
		j.LastErr = ""
	}
	f.mu.Unlock()
	f.events <- "done"
	return nil
}

func (f *fakeStore) RetryJob(_ context.Context, id string, dueAt time.Time, lastErr string) error {
	f.mu.Lock()
	if j, ok := f.jobs[id]; ok {
		j.Status = store.JobPending
		j.DueAt = dueAt
		j.Attempts++
		j.LastErr = lastErr
	}
	f.mu.Unlock()
	f.events <- "retried"
	return nil
}

func (f *fakeStore) FailJob(_ context.Context, id string, lastErr string) error {
	f.mu.Lock()
	if j, ok := f.jobs[id]; ok {
		j.Status = store.JobFailed
		j.LastErr = lastErr
	}
	f.mu.Unlock()
	f.events <- "failed"
	return nil
}

// ── SessionStore ──

func (f *fakeStore) CreateSession(_ context.Context, rec *store.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.sessions[rec.ID] = &cp
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, id string) (*store.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q not found", id)
	}
	cp := *sess
	return &cp, nil
}

func (f *fakeStore) FinishSession(context.Context, string, store.SessionStatus, time.Time, string) error {
	return nil
}

func (f *fakeStore) MergeSessionVariables(context.Context, string, map[string]string) error {
	return nil
}

func (f *fakeStore) BindConversation(_ context.Context, id, providerConversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return fmt.Errorf("session %q not found", id)
	}
	if sess.ProviderConversationID != "" && sess.ProviderConversationID != providerConversationID {
		return fmt.Errorf("session %q already bound to conversation %q", id, sess.ProviderConversationID)
	}
	sess.ProviderConversationID = providerConversationID
	return nil
}

func (f *fakeStore) SetReconciled(_ context.Context, id string, cost float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled[id] = cost
	if sess, ok := f.sessions[id]; ok {
		sess.Cost = cost
	}
	return nil
}

// ── AgentStore ──

func (f *fakeStore) GetAgentByPublicID(context.Context, string) (*store.Agent, error) {
	return nil, nil
}

func (f *fakeStore) GetAgent(_ context.Context, id string) (*store.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ag, ok := f.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %q not found", id)
	}
	cp := *ag
	return &cp, nil
}

func (f *fakeStore) GetVoice(context.Context, string) (*store.Voice, error)   { return nil, nil }
func (f *fakeStore) GetModel(context.Context, string) (*store.AIModel, error) { return nil, nil }

func (f *fakeStore) ListAgentKnowledge(_ context.Context, agentID string) ([]store.KnowledgeItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.knowledge[agentID], nil
}

func (f *fakeStore) ListAgentTools(context.Context, string) ([]store.Tool, error) { return nil, nil }

// ── RecordingStore ──

func (f *fakeStore) UpsertRecording(_ context.Context, rec *store.Recording) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.recordings[rec.SessionID] = &cp
	return nil
}

func (f *fakeStore) GetRecording(_ context.Context, sessionID string) (*store.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recordings[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) UpsertTranscript(_ context.Context, t *store.Transcript) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.transcripts[t.SessionID] = &cp
	return nil
}

func (f *fakeStore) GetTranscript(_ context.Context, sessionID string) (*store.Transcript, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transcripts[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) IndexChunks(_ context.Context, chunks []store.TranscriptChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range chunks {
		f.chunks[c.ID] = c
	}
	return nil
}

func (f *fakeStore) SearchChunks(context.Context, []float32, int, store.ChunkFilter) ([]store.ChunkResult, error) {
	return nil, nil
}

// ── accessors ──

func (f *fakeStore) job(t *testing.T, id string) store.ReconcileJob {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		t.Fatalf("job %q not found", id)
	}
	return *j
}

func (f *fakeStore) transcript(sessionID string) *store.Transcript {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transcripts[sessionID]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

func (f *fakeStore) recording(sessionID string) *store.Recording {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recordings[sessionID]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

func (f *fakeStore) session(t *testing.T, id string) store.SessionRecord {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		t.Fatalf("session %q not found", id)
	}
	return *sess
}

func (f *fakeStore) chunkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chunks)
}

func (f *fakeStore) reconciledCost(id string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cost, ok := f.reconciled[id]
	return cost, ok
}

// fakeEmbedder returns fixed-size vectors and records batch sizes.
type fakeEmbedder struct {
	mu      sync.Mutex
	batches [][]string
	err     error
}

func (e *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (e *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.mu.Lock()
	cp := make([]string, len(texts))
	copy(cp, texts)
	e.batches = append(e.batches, cp)
	e.mu.Unlock()
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{float32(i), 1, 0}
	}
	return out, nil
}

func (e *fakeEmbedder) Dimensions() int { return 3 }
func (e *fakeEmbedder) ModelID() string { return "fake-embed" }

// stubSummarizer returns a canned summary and counts calls.
type stubSummarizer struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (s *stubSummarizer) Summarize(context.Context, []store.Turn) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.text, nil
}

func (s *stubSummarizer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func seedSession(fs *fakeStore) {
	fs.sessions["sess-1"] = &store.SessionRecord{
		ID:        "sess-1",
		AgentID:   "agent-1",
		TenantID:  "tenant-1",
		Transport: store.TransportBrowser,
		Language:  "en",
		Status:    store.SessionCompleted,
		StartedAt: time.Now().Add(-3 * time.Minute),
		EndedAt:   time.Now().Add(-time.Minute),
		Variables: map[string]string{"customer_name": "Ada"},
	}
	fs.agents["agent-1"] = &store.Agent{
		ID:              "agent-1",
		TenantID:        "tenant-1",
		DisplayName:     "Helpline",
		PublicID:        "pub-1",
		ProviderAgentID: "prov-agent-1",
		Enabled:         true,
	}
}

func dueJob(tentative string, fallback []store.Turn) *store.ReconcileJob {
	now := time.Now()
	return &store.ReconcileJob{
		ID:                      "job-1",
		SessionID:               "sess-1",
		ProviderAgentID:         "prov-agent-1",
		SessionStart:            now.Add(-3 * time.Minute),
		SessionEnd:              now.Add(-time.Minute),
		SessionStatus:           store.SessionCompleted,
		TentativeConversationID: tentative,
		FallbackTurns:           fallback,
		Status:                  store.JobPending,
		DueAt:                   now.Add(-time.Second),
		CreatedAt:               now.Add(-time.Minute),
	}
}

func completeConversation(id string) *convai.Conversation {
	return &convai.Conversation{
		ID:      id,
		AgentID: "prov-agent-1",
		Status:  "done",
		Turns: []convai.Turn{
			{Role: convai.RoleUser, Text: "I need to move my appointment", TimeInCall: 2 * time.Second},
			{
				Role:       convai.RoleAgent,
				Text:       "Sure, which day works for you?",
				TimeInCall: 5 * time.Second,
				ToolCalls: []convai.TurnToolCall{
					{RequestID: "call-9", Name: "check_calendar", ArgsJSON: `{"day":"tuesday"}`},
				},
				ToolResults: []convai.TurnToolResult{
					{RequestID: "call-9", Name: "check_calendar", Result: `{"free":true}`},
				},
			},
		},
		Metadata: &convai.ConversationMetadata{
			StartTime: time.Now().Add(-3 * time.Minute),
			Duration:  42 * time.Second,
			Cost:      7,
		},
		Analysis: &convai.ConversationAnalysis{Summary: "caller rescheduled", CallSuccessful: "success"},
		HasAudio: true,
	}
}

func testConfig(fs *fakeStore, arch *mock.Archive, audioRoot string) reconcile.Config {
	return reconcile.Config{
		Jobs:         fs,
		Sessions:     fs,
		Agents:       fs,
		Records:      fs,
		Archive:      arch,
		Workers:      1,
		PollInterval: 5 * time.Millisecond,
		MaxAttempts:  3,
		Backoff:      resilience.Backoff{Initial: time.Millisecond, Max: 4 * time.Millisecond, Factor: 2},
		AudioRoot:    audioRoot,
	}
}

// startReconciler runs the pool in the background and returns a stop func
// that is also registered as cleanup.
func startReconciler(t *testing.T, cfg reconcile.Config) func() {
	t.Helper()
	r := reconcile.New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				if err != nil {
					t.Errorf("Run returned error: %v", err)
				}
			case <-time.After(waitTimeout):
				t.Error("Run did not stop after cancel")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func waitEvent(t *testing.T, fs *fakeStore, want string) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-fs.events:
			if ev == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for job event %q", want)
		}
	}
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestRun_HappyPath(t *testing.T) {
	fs := newFakeStore()
	seedSession(fs)
	job := dueJob("conv-1", nil)
	fs.EnqueueJob(context.Background(), job)

	arch := &mock.Archive{AudioData: []byte("RIFF-fake-wave-bytes")}
	arch.SetConversation(completeConversation("conv-1"))

	tmp := t.TempDir()
	emb := &fakeEmbedder{}
	sum := &stubSummarizer{text: "should not be used"}

	cfg := testConfig(fs, arch, tmp)
	cfg.Embedder = emb
	cfg.Summarizer = sum
	startReconciler(t, cfg)

	waitEvent(t, fs, "done")

	if got := fs.job(t, "job-1").Status; got != store.JobDone {
		t.Errorf("job status = %q, want %q", got, store.JobDone)
	}

	sess := fs.session(t, "sess-1")
	if sess.ProviderConversationID != "conv-1" {
		t.Errorf("session bound to %q, want conv-1", sess.ProviderConversationID)
	}
	if cost, ok := fs.reconciledCost("sess-1"); !ok || cost != 7 {
		t.Errorf("reconciled cost = %v (recorded=%v), want 7", cost, ok)
	}

	tr := fs.transcript("sess-1")
	if tr == nil {
		t.Fatal("no transcript persisted")
	}
	if tr.Summary != "caller rescheduled" {
		t.Errorf("summary = %q, want provider analysis summary", tr.Summary)
	}
	if sum.callCount() != 0 {
		t.Errorf("fallback summarizer called %d times despite provider summary", sum.callCount())
	}
	if len(tr.Turns) != 2 {
		t.Fatalf("transcript has %d turns, want 2", len(tr.Turns))
	}
	if tr.Turns[0].Role != store.RoleUser || tr.Turns[0].Text != "I need to move my appointment" {
		t.Errorf("turn 0 = %+v, want user turn", tr.Turns[0])
	}
	if tr.Turns[0].TimeInCallSecs != 2 {
		t.Errorf("turn 0 time_in_call = %v, want 2", tr.Turns[0].TimeInCallSecs)
	}
	agentTurn := tr.Turns[1]
	if len(agentTurn.ToolCalls) != 1 || agentTurn.ToolCalls[0].RequestID != "call-9" || agentTurn.ToolCalls[0].Arguments != `{"day":"tuesday"}` {
		t.Errorf("tool calls not carried over: %+v", agentTurn.ToolCalls)
	}
	if len(agentTurn.ToolResults) != 1 || agentTurn.ToolResults[0].Result != `{"free":true}` {
		t.Errorf("tool results not carried over: %+v", agentTurn.ToolResults)
	}

	rec := fs.recording("sess-1")
	if rec == nil {
		t.Fatal("no recording persisted")
	}
	if rec.DurationSeconds != 42 {
		t.Errorf("duration = %v, want 42", rec.DurationSeconds)
	}
	if rec.ProviderConversationID != "conv-1" {
		t.Errorf("recording conversation id = %q", rec.ProviderConversationID)
	}
	if rec.AudioPath == "" {
		t.Fatal("audio path empty")
	}
	if filepath.Dir(rec.AudioPath) != "elevenlabs_conversations" {
		t.Errorf("audio path %q not under elevenlabs_conversations", rec.AudioPath)
	}
	wantFile := "sess-1_" + job.SessionEnd.UTC().Format("20060102_150405") + ".wav"
	if got := filepath.Base(rec.AudioPath); got != wantFile {
		t.Errorf("audio file = %q, want %q", got, wantFile)
	}
	data, err := os.ReadFile(filepath.Join(tmp, rec.AudioPath))
	if err != nil {
		t.Fatalf("read audio file: %v", err)
	}
	if string(data) != "RIFF-fake-wave-bytes" {
		t.Errorf("audio file content mismatch: %q", data)
	}

	if fs.chunkCount() != 2 {
		t.Errorf("indexed %d chunks, want 2", fs.chunkCount())
	}
}

func TestRun_BindsByClosestStartTime(t *testing.T) {
	fs := newFakeStore()
	seedSession(fs)
	job := dueJob("", nil)
	fs.EnqueueJob(context.Background(), job)

	arch := &mock.Archive{
		Summaries: []convai.ConversationSummary{
			{ID: "conv-old", AgentID: "prov-agent-1", StartTime: job.SessionStart.Add(-10 * time.Minute)},
			{ID: "conv-near", AgentID: "prov-agent-1", StartTime: job.SessionStart.Add(2 * time.Minute)},
			{ID: "conv-nearest", AgentID: "prov-agent-1", StartTime: job.SessionStart.Add(30 * time.Second)},
		},
	}
	arch.SetConversation(completeConversation("conv-nearest"))

	startReconciler(t, testConfig(fs, arch, t.TempDir()))
	waitEvent(t, fs, "done")

	if got := fs.session(t, "sess-1").ProviderConversationID; got != "conv-nearest" {
		t.Errorf("bound to %q, want conv-nearest", got)
	}
}

func TestRun_RetriesUntilFinalized(t *testing.T) {
	fs := newFakeStore()
	seedSession(fs)
	fs.EnqueueJob(context.Background(), dueJob("conv-1", nil))

	// First attempts see a conversation without analysis or metadata.
	arch := &mock.Archive{}
	arch.SetConversation(&convai.Conversation{
		ID:      "conv-1",
		AgentID: "prov-agent-1",
		Status:  "processing",
		Turns:   []convai.Turn{{Role: convai.RoleUser, Text: "hello"}},
	})

	cfg := testConfig(fs, arch, t.TempDir())
	cfg.MaxAttempts = 20
	startReconciler(t, cfg)
	waitEvent(t, fs, "retried")

	arch.SetConversation(completeConversation("conv-1"))
	waitEvent(t, fs, "done")

	job := fs.job(t, "job-1")
	if job.Attempts == 0 {
		t.Error("attempts not incremented by retry")
	}
	if fs.transcript("sess-1") == nil {
		t.Error("no transcript after retry succeeded")
	}
}

func TestRun_FailsAfterMaxAttemptsAndKeepsFallback(t *testing.T) {
	fs := newFakeStore()
	seedSession(fs)
	fallback := []store.Turn{
		{Role: store.RoleUser, Text: "are you there", TimeInCallSecs: 1},
		{Role: store.RoleAgent, Text: "yes, how can I help", TimeInCallSecs: 2},
	}
	fs.EnqueueJob(context.Background(), dueJob("conv-1", fallback))

	// Never finalizes.
	arch := &mock.Archive{}
	arch.SetConversation(&convai.Conversation{ID: "conv-1", AgentID: "prov-agent-1", Status: "processing"})

	cfg := testConfig(fs, arch, t.TempDir())
	cfg.MaxAttempts = 2
	startReconciler(t, cfg)
	waitEvent(t, fs, "failed")

	job := fs.job(t, "job-1")
	if job.Status != store.JobFailed {
		t.Errorf("job status = %q, want failed", job.Status)
	}
	if job.LastErr == "" {
		t.Error("failed job carries no error")
	}

	tr := fs.transcript("sess-1")
	if tr == nil {
		t.Fatal("fallback transcript not persisted")
	}
	if len(tr.Turns) != 2 || tr.Turns[0].Text != "are you there" {
		t.Errorf("fallback turns not kept: %+v", tr.Turns)
	}
	if tr.Summary != "" {
		t.Errorf("fallback transcript has summary %q, want none", tr.Summary)
	}

	if rec := fs.recording("sess-1"); rec != nil {
		t.Errorf("recording persisted for failed job: %+v", rec)
	}
	if _, ok := fs.reconciledCost("sess-1"); ok {
		t.Error("failed job marked session reconciled")
	}
	if got := fs.session(t, "sess-1").Status; got != store.SessionCompleted {
		t.Errorf("session status = %q, want completed untouched", got)
	}
}

func TestRun_ConversationGoneFailsWithoutRetry(t *testing.T) {
	fs := newFakeStore()
	seedSession(fs)
	fs.EnqueueJob(context.Background(), dueJob("conv-gone", nil))

	arch := &mock.Archive{} // empty map yields ErrConversationNotFound

	startReconciler(t, testConfig(fs, arch, t.TempDir()))
	waitEvent(t, fs, "failed")

	job := fs.job(t, "job-1")
	if job.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 (no retries for a vanished conversation)", job.Attempts)
	}
	if fs.transcript("sess-1") != nil {
		t.Error("transcript persisted with no fallback turns")
	}
}

func TestRun_NoAudioSkipsRecording(t *testing.T) {
	fs := newFakeStore()
	seedSession(fs)
	fs.EnqueueJob(context.Background(), dueJob("conv-1", nil))

	conv := completeConversation("conv-1")
	conv.HasAudio = false
	arch := &mock.Archive{}
	arch.SetConversation(conv)

	startReconciler(t, testConfig(fs, arch, t.TempDir()))
	waitEvent(t, fs, "done")

	if rec := fs.recording("sess-1"); rec != nil {
		t.Errorf("recording persisted without audio: %+v", rec)
	}
	if fs.transcript("sess-1") == nil {
		t.Error("transcript missing")
	}
	if len(arch.AudioCalls) != 0 {
		t.Errorf("audio fetched %d times for a call without audio", len(arch.AudioCalls))
	}
}

func TestRun_AudioWriteFailureLeavesPathEmpty(t *testing.T) {
	fs := newFakeStore()
	seedSession(fs)
	fs.EnqueueJob(context.Background(), dueJob("conv-1", nil))

	arch := &mock.Archive{AudioData: []byte("bytes")}
	arch.SetConversation(completeConversation("conv-1"))

	// A regular file where the audio root should be makes MkdirAll fail.
	tmp := t.TempDir()
	blocked := filepath.Join(tmp, "blocked")
	if err := os.WriteFile(blocked, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	startReconciler(t, testConfig(fs, arch, blocked))
	waitEvent(t, fs, "done")

	rec := fs.recording("sess-1")
	if rec == nil {
		t.Fatal("recording row missing; write failure must only empty the path")
	}
	if rec.AudioPath != "" {
		t.Errorf("audio path = %q, want empty after write failure", rec.AudioPath)
	}
	if rec.DurationSeconds != 42 {
		t.Errorf("duration lost on write failure: %v", rec.DurationSeconds)
	}
}

func TestRun_ReplayIsNoOp(t *testing.T) {
	fs := newFakeStore()
	seedSession(fs)
	original := dueJob("conv-1", nil)
	fs.EnqueueJob(context.Background(), original)

	arch := &mock.Archive{AudioData: []byte("RIFF")}
	arch.SetConversation(completeConversation("conv-1"))

	tmp := t.TempDir()
	cfg := testConfig(fs, arch, tmp)
	cfg.Embedder = &fakeEmbedder{}
	stop := startReconciler(t, cfg)

	waitEvent(t, fs, "done")
	stop()

	firstRec := fs.recording("sess-1")
	firstChunks := fs.chunkCount()

	// Replay: the same job made pending again, as after a crash between
	// the persist steps and the queue update.
	replay := *original
	replay.ID = "job-2"
	replay.Status = store.JobPending
	replay.DueAt = time.Now().Add(-time.Second)
	fs.mu.Lock()
	fs.jobs[replay.ID] = &replay
	fs.mu.Unlock()

	startReconciler(t, cfg)
	waitEvent(t, fs, "done")

	entries, err := os.ReadDir(filepath.Join(tmp, "elevenlabs_conversations"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("replay produced %d audio files, want 1", len(entries))
	}

	secondRec := fs.recording("sess-1")
	if secondRec.AudioPath != firstRec.AudioPath {
		t.Errorf("replay changed audio path %q -> %q", firstRec.AudioPath, secondRec.AudioPath)
	}
	if got := fs.chunkCount(); got != firstChunks {
		t.Errorf("replay grew chunk count %d -> %d", firstChunks, got)
	}
	if got := fs.session(t, "sess-1").ProviderConversationID; got != "conv-1" {
		t.Errorf("binding changed on replay: %q", got)
	}
}

func TestRun_FallbackSummaryWhenAnalysisEmpty(t *testing.T) {
	fs := newFakeStore()
	seedSession(fs)
	fs.EnqueueJob(context.Background(), dueJob("conv-1", nil))

	conv := completeConversation("conv-1")
	conv.Analysis.Summary = ""
	arch := &mock.Archive{AudioData: []byte("a")}
	arch.SetConversation(conv)

	sum := &stubSummarizer{text: "generated summary"}
	cfg := testConfig(fs, arch, t.TempDir())
	cfg.Summarizer = sum
	startReconciler(t, cfg)
	waitEvent(t, fs, "done")

	tr := fs.transcript("sess-1")
	if tr == nil {
		t.Fatal("no transcript")
	}
	if tr.Summary != "generated summary" {
		t.Errorf("summary = %q, want generated summary", tr.Summary)
	}
	if sum.callCount() != 1 {
		t.Errorf("summarizer called %d times, want 1", sum.callCount())
	}
}

func TestRun_SummarizerErrorDoesNotFailJob(t *testing.T) {
	fs := newFakeStore()
	seedSession(fs)
	fs.EnqueueJob(context.Background(), dueJob("conv-1", nil))

	conv := completeConversation("conv-1")
	conv.Analysis.Summary = ""
	arch := &mock.Archive{AudioData: []byte("a")}
	arch.SetConversation(conv)

	cfg := testConfig(fs, arch, t.TempDir())
	cfg.Summarizer = &stubSummarizer{err: errors.New("backend down")}
	startReconciler(t, cfg)
	waitEvent(t, fs, "done")

	tr := fs.transcript("sess-1")
	if tr == nil {
		t.Fatal("no transcript")
	}
	if tr.Summary != "" {
		t.Errorf("summary = %q, want empty when summarizer fails", tr.Summary)
	}
}

func TestRun_EmbedderErrorDoesNotFailJob(t *testing.T) {
	fs := newFakeStore()
	seedSession(fs)
	fs.EnqueueJob(context.Background(), dueJob("conv-1", nil))

	arch := &mock.Archive{AudioData: []byte("a")}
	arch.SetConversation(completeConversation("conv-1"))

	cfg := testConfig(fs, arch, t.TempDir())
	cfg.Embedder = &fakeEmbedder{err: errors.New("quota exceeded")}
	startReconciler(t, cfg)
	waitEvent(t, fs, "done")

	if fs.chunkCount() != 0 {
		t.Errorf("chunks indexed despite embed failure: %d", fs.chunkCount())
	}
	if fs.transcript("sess-1") == nil {
		t.Error("transcript missing")
	}
}

func TestExtractiveSummarizer(t *testing.T) {
	e := &reconcile.ExtractiveSummarizer{}

	got, err := e.Summarize(context.Background(), []store.Turn{
		{Role: store.RoleAgent, Text: "Hi, this is the clinic."},
		{Role: store.RoleUser, Text: "I want to cancel my visit."},
		{Role: store.RoleAgent, Text: "Done, your visit is cancelled."},
	})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	for _, want := range []string{"3 turns", "I want to cancel my visit.", "Done, your visit is cancelled."} {
		if !strings.Contains(got, want) {
			t.Errorf("summary %q missing %q", got, want)
		}
	}

	got, err = e.Summarize(context.Background(), nil)
	if err != nil || got != "" {
		t.Errorf("empty transcript: got (%q, %v), want empty", got, err)
	}
}

func TestSummarizerChain_FallsThrough(t *testing.T) {
	failing := &stubSummarizer{err: errors.New("llm down")}
	chain := reconcile.NewSummarizerChain(failing, "llm", &reconcile.ExtractiveSummarizer{})

	got, err := chain.Summarize(context.Background(), []store.Turn{
		{Role: store.RoleUser, Text: "hello there"},
	})
	if err != nil {
		t.Fatalf("chain failed despite extractive fallback: %v", err)
	}
	if !strings.Contains(got, "hello there") {
		t.Errorf("fallback summary %q missing caller text", got)
	}
	if failing.callCount() == 0 {
		t.Error("primary summarizer never tried")
	}
}
