package reconcile

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/convoxa/internal/config"
	"github.com/MrWong99/convoxa/internal/resilience"
	"github.com/MrWong99/convoxa/internal/store"
)

// summaryPrompt is the system prompt for post-call summaries. Provider
// conversations that already carry an analysis summary never reach this path.
const summaryPrompt = `Summarise the following phone or web conversation between a caller and a voice agent.
Preserve: the caller's intent, commitments made by either side, collected details
(names, dates, amounts), and how the call ended. Be concise; three sentences at most.`

// Summarizer produces a short summary of a reconciled transcript.
type Summarizer interface {
	Summarize(ctx context.Context, turns []store.Turn) (string, error)
}

// LLMSummarizer generates summaries through an any-llm-go backend.
type LLMSummarizer struct {
	backend anyllmlib.Provider
	model   string
}

// NewLLMSummarizer builds the summarizer named by cfg. An empty provider
// name disables fallback summaries: callers receive (nil, nil) and persist
// transcripts without one.
func NewLLMSummarizer(cfg config.SummarizerConfig) (*LLMSummarizer, error) {
	if cfg.Provider == "" {
		return nil, nil
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("summarizer: model must be set for provider %q", cfg.Provider)
	}

	var opts []anyllmlib.Option
	if cfg.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
	}

	backend, err := newBackend(cfg.Provider, opts...)
	if err != nil {
		return nil, fmt.Errorf("summarizer: create %q backend: %w", cfg.Provider, err)
	}
	return &LLMSummarizer{backend: backend, model: cfg.Model}, nil
}

// newBackend creates the underlying any-llm-go provider for the given name.
func newBackend(name string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(name) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", name)
	}
}

// Summarize formats the turns into a readable transcript and asks the model
// for a condensed summary.
func (s *LLMSummarizer) Summarize(ctx context.Context, turns []store.Turn) (string, error) {
	text := formatTurns(turns)
	if text == "" {
		return "", nil
	}

	temperature := 0.3
	resp, err := s.backend.Completion(ctx, anyllmlib.CompletionParams{
		Model: s.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleSystem, Content: summaryPrompt},
			{Role: "user", Content: text},
		},
		Temperature: &temperature,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("summarize: empty choices in response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.ContentString()), nil
}

// ExtractiveSummarizer builds a summary without an LLM: the caller's opening,
// the agent's closing line, and the turn count. It is the terminal entry of
// the summarizer chain, so transcripts keep a summary even when every LLM
// backend is down.
type ExtractiveSummarizer struct {
	// MaxQuote clips each quoted turn, in runes. Zero means 140.
	MaxQuote int
}

// Summarize implements [Summarizer]. It never fails.
func (e *ExtractiveSummarizer) Summarize(_ context.Context, turns []store.Turn) (string, error) {
	maxQuote := e.MaxQuote
	if maxQuote <= 0 {
		maxQuote = 140
	}

	var opening, closing string
	spoken := 0
	for _, t := range turns {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		spoken++
		if opening == "" && t.Role == store.RoleUser {
			opening = clip(text, maxQuote)
		}
		if t.Role == store.RoleAgent {
			closing = clip(text, maxQuote)
		}
	}
	if spoken == 0 {
		return "", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Conversation of %d turns.", spoken)
	if opening != "" {
		fmt.Fprintf(&sb, " Caller opened with: %q.", opening)
	}
	if closing != "" {
		fmt.Fprintf(&sb, " Agent closed with: %q.", closing)
	}
	return sb.String(), nil
}

// clip shortens s to at most n runes, appending an ellipsis when cut.
func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

// SummarizerChain wraps summarizers in a [resilience.FallbackGroup] so a
// failing LLM backend degrades to the next entry instead of dropping the
// summary. Per-entry circuit breakers keep a dead backend from delaying
// every job.
type SummarizerChain struct {
	group *resilience.FallbackGroup[Summarizer]
}

// NewSummarizerChain builds a chain with primary first. Fallbacks are tried
// in order.
func NewSummarizerChain(primary Summarizer, primaryName string, fallbacks ...Summarizer) *SummarizerChain {
	group := resilience.NewFallbackGroup[Summarizer](primary, primaryName, resilience.FallbackConfig{})
	for i, fb := range fallbacks {
		group.AddFallback(fmt.Sprintf("fallback-%d", i+1), fb)
	}
	return &SummarizerChain{group: group}
}

// Summarize implements [Summarizer] by trying each entry until one succeeds.
func (c *SummarizerChain) Summarize(ctx context.Context, turns []store.Turn) (string, error) {
	return resilience.ExecuteWithResult(c.group, func(s Summarizer) (string, error) {
		return s.Summarize(ctx, turns)
	})
}

// formatTurns renders spoken turns as "[role]: text" lines for the prompt.
func formatTurns(turns []store.Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", t.Role, text)
	}
	return sb.String()
}
