package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/convoxa/internal/agent"
	"github.com/MrWong99/convoxa/internal/bridge"
	"github.com/MrWong99/convoxa/internal/store"
	"github.com/MrWong99/convoxa/pkg/audio"
)

// telephonyRate is the carrier's sample rate. Twilio Media Streams carry
// 8 kHz µ-law; both directions are transcoded to the provider's 16 kHz PCM
// at this edge.
const telephonyRate = 8000

// twiml is the instruction document the voice webhook returns: it tells the
// carrier to open a media stream against this runtime and which agent
// answers it.
type twiml struct {
	XMLName xml.Name      `xml:"Response"`
	Connect *twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string       `xml:"url,attr"`
	Parameters []twimlParam `xml:"Parameter"`
}

type twimlParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// twilioMessage is one frame of the media-stream protocol, both directions.
// Inbound frames carry start/media/stop events; the only outbound frame is
// media.
type twilioMessage struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid,omitempty"`
	Start     *twilioStart `json:"start,omitempty"`
	Media     *twilioMedia `json:"media,omitempty"`
}

type twilioStart struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type twilioMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// handleVoice answers the carrier's voice webhook. The number's webhook URL
// carries the agent's internal id in the path; the reply points the carrier
// at the media-stream socket and passes the agent and caller through as
// custom parameters.
func (g *Gateway) handleVoice(w http.ResponseWriter, r *http.Request) {
	streamURL, err := g.mediaStreamURL()
	if err != nil {
		slog.Error("voice webhook refused", "error", err)
		http.Error(w, "media stream address not configured", http.StatusServiceUnavailable)
		return
	}

	doc := twiml{Connect: &twimlConnect{Stream: twimlStream{
		URL: streamURL,
		Parameters: []twimlParam{
			{Name: "agent_id", Value: r.PathValue("agentID")},
			{Name: "user_id", Value: r.FormValue("From")},
			{Name: "direction", Value: "inbound"},
		},
	}}}

	w.Header().Set("Content-Type", "application/xml")
	_, _ = io.WriteString(w, xml.Header)
	if err := xml.NewEncoder(w).Encode(doc); err != nil {
		slog.Error("encode voice webhook reply", "error", err)
	}
}

// mediaStreamURL derives the media-stream WebSocket address from the public
// base URL.
func (g *Gateway) mediaStreamURL() (string, error) {
	if g.publicBaseURL == "" {
		return "", errors.New("gateway: server.public_base_url is not set")
	}
	u, err := url.Parse(g.publicBaseURL)
	if err != nil {
		return "", fmt.Errorf("gateway: parse public base URL: %w", err)
	}
	if u.Scheme == "https" || u.Scheme == "wss" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = "/telephony/media"
	return u.String(), nil
}

// handleMedia terminates the carrier's media stream. The start handshake
// carries the agent's internal id and the caller's number as custom
// parameters; language and model come from the snapshot, so no
// conversation_init is involved.
func (g *Gateway) handleMedia(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// The carrier is not a browser; there is no origin to check.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}

	start, err := readStart(ctx, conn)
	if err != nil {
		slog.Info("telephony handshake failed", "error", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "expected start event")
		return
	}

	agentID := start.CustomParameters["agent_id"]
	userID := start.CustomParameters["user_id"]
	transport := store.TransportTelephonyInbound
	if start.CustomParameters["direction"] == "outbound" {
		transport = store.TransportTelephonyOutbound
	}

	res, err := g.resolver.Resolve(ctx, agent.Request{AgentID: agentID})
	if err != nil {
		slog.Info("telephony session refused",
			"agent_id", agentID,
			"call_sid", start.CallSid,
			"error", err)
		_ = conn.Close(websocket.StatusPolicyViolation, rejectText(err))
		return
	}

	slog.Debug("media stream started",
		"call_sid", start.CallSid,
		"stream_sid", start.StreamSid,
		"agent_id", agentID,
		"transport", string(transport))

	g.serve(ctx, res, transport, userID, newTelephonyClient(ctx, conn, start.StreamSid, res.Snapshot.Noise))
}

// readStart consumes the carrier handshake: a connected event followed by
// the start event naming the stream. Anything else before start is a
// protocol violation.
func readStart(ctx context.Context, conn *websocket.Conn) (*twilioStart, error) {
	ctx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("gateway: read start event: %w", err)
		}
		var msg twilioMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("gateway: decode handshake frame: %w", err)
		}
		switch msg.Event {
		case "connected":
			continue
		case "start":
			if msg.Start == nil {
				return nil, errors.New("gateway: start event without payload")
			}
			if msg.Start.StreamSid == "" {
				msg.Start.StreamSid = msg.StreamSid
			}
			return msg.Start, nil
		default:
			return nil, fmt.Errorf("gateway: handshake frame is %q, want start", msg.Event)
		}
	}
}

// telephonyClient adapts a carrier media stream to [bridge.Client]. Caller
// audio arrives as base64 µ-law at 8 kHz and is upsampled for the provider;
// agent audio goes back down the same way. The carrier has no event
// surface, so events are dropped.
type telephonyClient struct {
	ctx  context.Context
	conn *websocket.Conn
	sid  string
	gate *audio.NoiseGate

	writeMu sync.Mutex

	closeMu sync.Mutex
	closed  bool
}

func newTelephonyClient(ctx context.Context, conn *websocket.Conn, streamSid string, noise store.NoiseSettings) *telephonyClient {
	return &telephonyClient{ctx: ctx, conn: conn, sid: streamSid, gate: newGate(noise)}
}

func (c *telephonyClient) ReadAudio(ctx context.Context) ([]byte, error) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if wsEOF(err) {
				return nil, io.EOF
			}
			return nil, err
		}

		var msg twilioMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Event {
		case "media":
			if msg.Media == nil || msg.Media.Payload == "" {
				continue
			}
			ulaw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil || len(ulaw) == 0 {
				continue
			}
			pcm := audio.ResampleMono16(audio.DecodeMulaw(ulaw), telephonyRate, pcmSampleRate)
			return gatedPCM(c.gate, pcm), nil
		case "stop":
			return nil, io.EOF
		default:
			// Marks and other control events are ignored.
		}
	}
}

func (c *telephonyClient) WriteAudio(chunk []byte) error {
	ulaw := audio.EncodeMulaw(audio.ResampleMono16(chunk, pcmSampleRate, telephonyRate))
	data, err := json.Marshal(twilioMessage{
		Event:     "media",
		StreamSid: c.sid,
		Media:     &twilioMedia{Payload: base64.StdEncoding.EncodeToString(ulaw)},
	})
	if err != nil {
		return fmt.Errorf("gateway: marshal media frame: %w", err)
	}

	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *telephonyClient) WriteEvent(bridge.Event) error { return nil }

func (c *telephonyClient) Close(cause bridge.CloseCause) error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()
	return c.conn.Close(closeStatus(cause), string(cause))
}

func (c *telephonyClient) reject(reason string) {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	c.closeMu.Unlock()
	_ = c.conn.Close(websocket.StatusPolicyViolation, reason)
}
