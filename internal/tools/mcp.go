package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/convoxa/internal/store"
	"github.com/MrWong99/convoxa/pkg/convai"
)

// mcpPool keeps one connected client session per MCP server endpoint.
// Sessions are dialed lazily on first use and dropped after a call error,
// so the next call against that endpoint reconnects.
type mcpPool struct {
	client *mcpsdk.Client

	// transport builds the wire transport for an endpoint. Tests swap it
	// for in-memory transports.
	transport func(endpoint string) mcpsdk.Transport

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
}

func newMCPPool() *mcpPool {
	return &mcpPool{
		client: mcpsdk.NewClient(&mcpsdk.Implementation{Name: "convoxa", Version: "1.0.0"}, nil),
		transport: func(endpoint string) mcpsdk.Transport {
			return &mcpsdk.StreamableClientTransport{Endpoint: endpoint}
		},
		sessions: map[string]*mcpsdk.ClientSession{},
	}
}

// session returns the pooled session for endpoint, dialing when absent.
// The dial happens outside the lock; the loser of a concurrent dial race
// closes its session and uses the winner's.
func (p *mcpPool) session(ctx context.Context, endpoint string) (*mcpsdk.ClientSession, error) {
	p.mu.Lock()
	if s, ok := p.sessions[endpoint]; ok {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	s, err := p.client.Connect(ctx, p.transport(endpoint), nil)
	if err != nil {
		return nil, fmt.Errorf("tools: connect mcp server %s: %w", endpoint, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.sessions[endpoint]; ok {
		_ = s.Close()
		return existing, nil
	}
	p.sessions[endpoint] = s
	return s, nil
}

// invalidate drops the session from the pool if it is still the cached one
// and closes it.
func (p *mcpPool) invalidate(endpoint string, s *mcpsdk.ClientSession) {
	p.mu.Lock()
	if p.sessions[endpoint] == s {
		delete(p.sessions, endpoint)
	}
	p.mu.Unlock()
	_ = s.Close()
}

// Close closes every pooled session.
func (p *mcpPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for endpoint, s := range p.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tools: close mcp session %s: %w", endpoint, err))
		}
		delete(p.sessions, endpoint)
	}
	return errors.Join(errs...)
}

// runMCP forwards the call to the tool's MCP server and folds the returned
// content into a tool result. Text content parts are concatenated; other
// part kinds are skipped.
func (d *Dispatcher) runMCP(ctx context.Context, tool *store.Tool, call convai.ToolCall) convai.ToolResult {
	if tool.MCPServerURL == "" {
		return errorResult(call.ID, fmt.Sprintf("tool %q has no MCP server configured", tool.Name))
	}

	timeout := d.timeout
	if tool.TimeoutSeconds > 0 {
		timeout = time.Duration(tool.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := d.mcp.session(ctx, tool.MCPServerURL)
	if err != nil {
		slog.Warn("mcp server unreachable", "tool", tool.Name, "error", err)
		return errorResult(call.ID, "mcp server unavailable")
	}

	res, err := sess.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      call.Name,
		Arguments: call.Parameters,
	})
	if err != nil {
		d.mcp.invalidate(tool.MCPServerURL, sess)
		slog.Warn("mcp tool call failed", "tool", tool.Name, "error", err)
		return errorResult(call.ID, "mcp tool call failed")
	}

	var content strings.Builder
	for _, part := range res.Content {
		if tc, ok := part.(*mcpsdk.TextContent); ok {
			content.WriteString(tc.Text)
		}
	}

	if res.IsError {
		msg := content.String()
		if msg == "" {
			msg = "mcp tool reported an error"
		}
		return errorResult(call.ID, msg)
	}

	return successResult(call.ID, map[string]any{
		"status": "success",
		"data":   content.String(),
	})
}
