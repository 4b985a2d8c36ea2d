package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/MrWong99/convoxa/internal/resilience"
	"github.com/MrWong99/convoxa/internal/session"
	"github.com/MrWong99/convoxa/internal/store"
	"github.com/MrWong99/convoxa/pkg/convai"
)

// runWebhook executes a webhook tool: build the request from the call
// arguments, send it under the per-host circuit breaker, extract configured
// response variables, and fold the outcome into a single tool result.
//
// A 5xx response counts against the breaker but its body is still read, so
// the model sees the upstream status instead of a generic failure.
func (d *Dispatcher) runWebhook(ctx context.Context, sess *session.Context, tool *store.Tool, call convai.ToolCall) convai.ToolResult {
	timeout := d.timeout
	if tool.TimeoutSeconds > 0 {
		timeout = time.Duration(tool.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := d.buildWebhookRequest(ctx, sess, tool, call.Parameters)
	if err != nil {
		return errorResult(call.ID, err.Error())
	}

	var resp *http.Response
	err = d.breakers.Execute(req.URL.Host, func() error {
		r, doErr := d.client.Do(req)
		if doErr != nil {
			return doErr
		}
		resp = r
		if r.StatusCode >= 500 {
			return fmt.Errorf("tools: webhook status %d", r.StatusCode)
		}
		return nil
	})

	if resp == nil {
		switch {
		case errors.Is(err, resilience.ErrCircuitOpen):
			return errorResult(call.ID, "webhook temporarily unavailable")
		case errors.Is(err, context.DeadlineExceeded):
			return errorResult(call.ID, "webhook request timed out")
		default:
			slog.Warn("webhook request failed",
				"session_id", sess.ID,
				"tool", tool.Name,
				"error", err)
			return errorResult(call.ID, "webhook request failed")
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes))
	if err != nil {
		return errorResult(call.ID, "failed to read webhook response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorResult(call.ID, fmt.Sprintf("webhook returned status %d", resp.StatusCode))
	}

	d.extractResponseVariables(ctx, sess, tool, body)

	if json.Valid(body) {
		return successResult(call.ID, map[string]any{
			"status": "success",
			"data":   json.RawMessage(body),
		})
	}
	return successResult(call.ID, map[string]any{
		"status": "success",
		"data":   string(body),
	})
}

// extractResponseVariables evaluates each configured json path against the
// response body and merges the values that exist into the session. The tool
// result is already decided at this point, so extraction failures only log.
func (d *Dispatcher) extractResponseVariables(ctx context.Context, sess *session.Context, tool *store.Tool, body []byte) {
	if len(tool.ResponseVariables) == 0 {
		return
	}

	vars := map[string]string{}
	for name, path := range tool.ResponseVariables {
		if res := gjson.GetBytes(body, path); res.Exists() {
			vars[name] = res.String()
		}
	}
	if len(vars) == 0 {
		return
	}

	if err := d.persistVariables(ctx, sess, vars); err != nil {
		slog.Warn("response variable persist failed",
			"session_id", sess.ID,
			"tool", tool.Name,
			"error", err)
	}
}

// buildWebhookRequest assembles the HTTP request for a webhook tool. Errors
// are written for the model: they name the argument that is missing so the
// next call can supply it.
func (d *Dispatcher) buildWebhookRequest(ctx context.Context, sess *session.Context, tool *store.Tool, args map[string]any) (*http.Request, error) {
	expanded, err := expandURLTemplate(tool.URLTemplate, args)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(expanded)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook url: %v", err)
	}

	query := u.Query()
	for name, spec := range tool.QuerySchema {
		val, ok := args[name]
		if !ok || val == nil {
			if spec.Required {
				return nil, fmt.Errorf("required query parameter %q not supplied", name)
			}
			continue
		}
		query.Set(name, stringifyArg(val))
	}
	u.RawQuery = query.Encode()

	method := strings.ToUpper(tool.Method)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if method != http.MethodGet && tool.BodySchema != nil {
		payload := map[string]any{}
		for name := range tool.BodySchema.Properties {
			if val, ok := args[name]; ok {
				payload[name] = val
			}
		}
		for _, name := range tool.BodySchema.Required {
			if _, ok := payload[name]; !ok {
				return nil, fmt.Errorf("required body property %q not supplied", name)
			}
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %v", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %v", err)
	}

	headers := tool.Headers
	if d.codec != nil {
		headers, err = d.codec.DecryptHeaders(headers)
		if err != nil {
			return nil, errors.New("failed to decode tool credentials")
		}
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(sessionHeader, sess.ID)

	return req, nil
}

// expandURLTemplate substitutes every {name} fragment with the path-escaped
// value of the matching argument.
func expandURLTemplate(tmpl string, args map[string]any) (string, error) {
	var b strings.Builder
	rest := tmpl
	for {
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			return "", fmt.Errorf("unbalanced placeholder in url template %q", tmpl)
		}
		b.WriteString(rest[:start])
		name := rest[start+1 : start+end]
		val, ok := args[name]
		if !ok {
			return "", fmt.Errorf("url parameter %q not supplied", name)
		}
		b.WriteString(url.PathEscape(stringifyArg(val)))
		rest = rest[start+end+1:]
	}
}
