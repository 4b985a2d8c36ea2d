package convai

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrConversationNotFound is returned by [Archive] lookups when the provider
// has no conversation under the given id. Callers treat it as permanent —
// retrying will not make the conversation appear.
var ErrConversationNotFound = errors.New("convai: conversation not found")

// ConversationSummary is one entry of a provider conversation listing.
type ConversationSummary struct {
	ID        string
	AgentID   string
	StartTime time.Time
	Duration  time.Duration
	Status    string
}

// ConversationMetadata is the provider's finalized call accounting. It is nil
// on a [Conversation] until the provider has settled the call.
type ConversationMetadata struct {
	StartTime time.Time
	Duration  time.Duration

	// Cost is the provider-reported charge in its own credit unit, or 0 if
	// the provider does not report one.
	Cost int
}

// ConversationAnalysis holds the provider's post-call evaluation. Nil on a
// [Conversation] until analysis completes.
type ConversationAnalysis struct {
	Summary        string
	CallSuccessful string
}

// TurnToolCall records a tool invocation the agent made during a turn.
type TurnToolCall struct {
	RequestID string
	Name      string
	ArgsJSON  string
}

// TurnToolResult records the answer to a [TurnToolCall], matched by RequestID.
type TurnToolResult struct {
	RequestID string
	Name      string
	Result    string
	IsError   bool
}

// Turn is one utterance of the provider's authoritative transcript.
type Turn struct {
	Role        Role
	Text        string
	TimeInCall  time.Duration
	Interrupted bool
	ToolCalls   []TurnToolCall
	ToolResults []TurnToolResult
}

// Conversation is the provider's authoritative post-call record. Metadata and
// Analysis arrive asynchronously after the call ends: both nil plus an empty
// Turns slice means the provider has not finished settling yet.
type Conversation struct {
	ID       string
	AgentID  string
	Status   string
	Turns    []Turn
	Metadata *ConversationMetadata
	Analysis *ConversationAnalysis
	HasAudio bool
}

// Complete reports whether the provider has finished settling this
// conversation: transcript, metadata, and analysis are all present.
func (c *Conversation) Complete() bool {
	return c != nil && len(c.Turns) > 0 && c.Metadata != nil && c.Analysis != nil
}

// Archive is the provider's post-call REST surface. The reconciler uses it to
// bind sessions to provider conversations and to pull the authoritative
// transcript and audio once the provider has settled the call.
//
// Implementations must be safe for concurrent use.
type Archive interface {
	// ListConversations returns up to limit recent conversations for the
	// given provider agent id, newest first.
	ListConversations(ctx context.Context, agentID string, limit int) ([]ConversationSummary, error)

	// Conversation fetches the full record for one conversation. Returns
	// [ErrConversationNotFound] if the provider does not know the id.
	Conversation(ctx context.Context, conversationID string) (*Conversation, error)

	// ConversationAudio opens the conversation's audio stream. The caller
	// must close the returned reader. Returns [ErrConversationNotFound] if
	// the provider has no audio under the id.
	ConversationAudio(ctx context.Context, conversationID string) (io.ReadCloser, error)
}

// Passage is one retrieved fragment from the provider's knowledge store.
type Passage struct {
	DocumentID string
	Text       string
	Score      float64
}

// KnowledgeRetriever queries the provider-side knowledge store attached to an
// agent. Used by the retrieve_from_knowledge tool.
type KnowledgeRetriever interface {
	// RetrieveKnowledge returns passages relevant to query from the given
	// provider document ids. An empty result is not an error.
	RetrieveKnowledge(ctx context.Context, query string, documentIDs []string) ([]Passage, error)
}
