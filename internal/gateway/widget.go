package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/convoxa/internal/agent"
	"github.com/MrWong99/convoxa/internal/bridge"
	"github.com/MrWong99/convoxa/internal/store"
	"github.com/MrWong99/convoxa/pkg/audio"
)

// widgetFrame is one JSON text frame of the widget protocol, both
// directions. Fields not used by a frame type stay empty and are omitted on
// the wire.
type widgetFrame struct {
	Type       string `json:"type"`
	Language   string `json:"language,omitempty"`
	Model      string `json:"model,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Format     string `json:"format,omitempty"`
	DataB64    string `json:"data_b64,omitempty"`
	Text       string `json:"text,omitempty"`
	LatencyMs  int    `json:"latency_ms,omitempty"`
	Message    string `json:"message,omitempty"`
	TS         int64  `json:"ts,omitempty"`
}

func (g *Gateway) handleBrowser(w http.ResponseWriter, r *http.Request) {
	g.handleWidget(w, r, store.TransportBrowser)
}

func (g *Gateway) handlePreview(w http.ResponseWriter, r *http.Request) {
	g.handleWidget(w, r, store.TransportPreview)
}

// handleWidget runs the widget handshake: resolve for the origin check,
// upgrade, read conversation_init, re-resolve under the caller's proposal,
// then hand off. The preview page is first-party, so it skips the origin
// check and counts under its own transport kind.
func (g *Gateway) handleWidget(w http.ResponseWriter, r *http.Request, transport store.TransportKind) {
	ctx := r.Context()
	publicID := r.PathValue("publicID")
	userID := r.URL.Query().Get("user_id")

	// Resolved before the upgrade: the origin check needs the tenant's
	// allow-list. An unresolvable agent still upgrades so the close frame
	// can carry the reason.
	res, resolveErr := g.resolver.Resolve(ctx, agent.Request{PublicID: publicID})

	opts := &websocket.AcceptOptions{}
	if transport == store.TransportPreview || resolveErr != nil {
		opts.InsecureSkipVerify = true
	} else {
		opts.OriginPatterns = g.originPatterns(res.Snapshot.Tenant.ApprovedDomains)
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		// Accept already answered, typically 403 for a refused origin.
		slog.Debug("widget upgrade refused",
			"agent_public_id", publicID,
			"origin", r.Header.Get("Origin"),
			"error", err)
		return
	}

	if resolveErr != nil {
		slog.Info("widget session refused",
			"agent_public_id", publicID,
			"error", resolveErr)
		_ = conn.Close(websocket.StatusPolicyViolation, rejectText(resolveErr))
		return
	}

	init, err := readInit(ctx, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "expected conversation_init")
		return
	}

	// A language or model proposal reruns the compatibility rule against a
	// fresh snapshot.
	if init.Language != "" || init.Model != "" {
		res, err = g.resolver.Resolve(ctx, agent.Request{
			PublicID: publicID,
			Language: init.Language,
			Model:    init.Model,
		})
		if err != nil {
			_ = conn.Close(websocket.StatusPolicyViolation, rejectText(err))
			return
		}
	}

	g.serve(ctx, res, transport, userID, newWidgetClient(ctx, conn, res.Snapshot.Noise))
}

// readInit reads the single conversation_init frame that must open every
// widget conversation.
func readInit(ctx context.Context, conn *websocket.Conn) (widgetFrame, error) {
	ctx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return widgetFrame{}, fmt.Errorf("gateway: read conversation_init: %w", err)
	}
	var f widgetFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return widgetFrame{}, fmt.Errorf("gateway: decode conversation_init: %w", err)
	}
	if f.Type != "conversation_init" {
		return widgetFrame{}, fmt.Errorf("gateway: first frame is %q, want conversation_init", f.Type)
	}
	return f, nil
}

// widgetClient adapts a widget WebSocket to [bridge.Client]. Audio travels
// base64-encoded inside JSON text frames; events map one-to-one onto frame
// types.
type widgetClient struct {
	ctx  context.Context
	conn *websocket.Conn
	gate *audio.NoiseGate

	// writeMu serializes frame writes; the egress and event pumps write
	// concurrently and the socket allows only one writer.
	writeMu sync.Mutex

	closeMu sync.Mutex
	closed  bool
}

func newWidgetClient(ctx context.Context, conn *websocket.Conn, noise store.NoiseSettings) *widgetClient {
	return &widgetClient{ctx: ctx, conn: conn, gate: newGate(noise)}
}

func (c *widgetClient) ReadAudio(ctx context.Context) ([]byte, error) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if wsEOF(err) {
				return nil, io.EOF
			}
			return nil, err
		}

		var f widgetFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Type {
		case "user_audio_chunk":
			pcm, err := base64.StdEncoding.DecodeString(f.DataB64)
			if err != nil || len(pcm) == 0 {
				continue
			}
			return gatedPCM(c.gate, pcm), nil
		case "end":
			return nil, io.EOF
		default:
			// Unknown control frames are ignored.
		}
	}
}

func (c *widgetClient) WriteAudio(chunk []byte) error {
	return c.writeFrame(widgetFrame{
		Type:       "audio_chunk",
		SampleRate: pcmSampleRate,
		Channels:   1,
		Format:     "pcm_s16le",
		DataB64:    base64.StdEncoding.EncodeToString(chunk),
		TS:         time.Now().UnixMilli(),
	})
}

func (c *widgetClient) WriteEvent(ev bridge.Event) error {
	f := widgetFrame{Type: ev.Kind()}
	switch e := ev.(type) {
	case bridge.LanguageConfirmedEvent:
		f.Language = e.Language
		f.Model = e.Model
	case bridge.AgentResponseEvent:
		f.Text = e.Text
		f.TS = time.Now().UnixMilli()
	case bridge.UserTranscriptEvent:
		f.Text = e.Text
		f.TS = time.Now().UnixMilli()
	case bridge.LatencyEvent:
		f.LatencyMs = e.Millis
		f.TS = time.Now().UnixMilli()
	case bridge.ErrorEvent:
		f.Message = e.Message
	}
	return c.writeFrame(f)
}

func (c *widgetClient) writeFrame(f widgetFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("gateway: marshal widget frame: %w", err)
	}
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *widgetClient) Close(cause bridge.CloseCause) error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()
	return c.conn.Close(closeStatus(cause), string(cause))
}

func (c *widgetClient) reject(reason string) {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	c.closeMu.Unlock()
	_ = c.conn.Close(websocket.StatusPolicyViolation, reason)
}
