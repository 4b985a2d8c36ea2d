package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/convoxa/internal/agent"
	"github.com/MrWong99/convoxa/internal/bridge"
	"github.com/MrWong99/convoxa/internal/config"
	"github.com/MrWong99/convoxa/internal/store"
	"github.com/MrWong99/convoxa/pkg/audio"
	discordaudio "github.com/MrWong99/convoxa/pkg/audio/discord"
)

const (
	// discordSpeechRMS is the RMS level treated as speech when deciding to
	// open a session. Line noise sits well below it.
	discordSpeechRMS = 0.01

	// DefaultSilenceHangup ends a Discord session after this long without
	// caller audio. A voice channel has no hang-up signal of its own, and a
	// session nobody talks in only burns the tenant's tokens.
	DefaultSilenceHangup = 90 * time.Second
)

// DiscordLink joins the configured guild voice channels and serves them as
// a caller transport. Each bound channel idles until a participant speaks,
// then runs the regular admission path with transport kind discord; when
// the session ends the channel goes back to waiting for speech.
//
// All participants are mixed into one caller stream, so the provider hears
// the room. Agent speech is played back into the channel.
type DiscordLink struct {
	gw       *Gateway
	bindings []config.DiscordBinding
	silence  time.Duration

	// session is the bot connection owning the voice gateway. nil when a
	// test injected its own platforms.
	session *discordgo.Session

	// platformFor returns the voice platform for one guild.
	platformFor func(guildID string) audio.Platform
}

// DiscordOption adjusts a DiscordLink. Options exist for test injection.
type DiscordOption func(*DiscordLink)

// WithPlatforms replaces the voice-platform factory. The link then never
// opens a Discord session of its own.
func WithPlatforms(f func(guildID string) audio.Platform) DiscordOption {
	return func(l *DiscordLink) {
		l.platformFor = f
		l.session = nil
	}
}

// WithSilenceHangup overrides the silence window that ends an idle session.
func WithSilenceHangup(d time.Duration) DiscordOption {
	return func(l *DiscordLink) {
		if d > 0 {
			l.silence = d
		}
	}
}

// NewDiscordLink creates the link and its bot session. The session is not
// opened until [DiscordLink.Run].
func NewDiscordLink(cfg config.DiscordConfig, gw *Gateway, opts ...DiscordOption) (*DiscordLink, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("gateway: create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	l := &DiscordLink{
		gw:       gw,
		bindings: cfg.Bindings,
		silence:  DefaultSilenceHangup,
		session:  session,
	}
	l.platformFor = func(guildID string) audio.Platform {
		return discordaudio.New(session, guildID)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Run opens the bot session, joins every bound channel and serves them
// until ctx is cancelled.
func (l *DiscordLink) Run(ctx context.Context) error {
	if l.session != nil {
		if err := l.session.Open(); err != nil {
			return fmt.Errorf("gateway: open discord session: %w", err)
		}
		defer func() { _ = l.session.Close() }()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range l.bindings {
		g.Go(func() error { return l.serveChannel(gctx, b) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// serveChannel joins one voice channel and loops: wait for speech, run a
// session, wait again.
func (l *DiscordLink) serveChannel(ctx context.Context, b config.DiscordBinding) error {
	conn, err := l.platformFor(b.GuildID).Connect(ctx, b.ChannelID)
	if err != nil {
		return fmt.Errorf("gateway: join voice channel %s/%s: %w", b.GuildID, b.ChannelID, err)
	}
	defer func() { _ = conn.Disconnect() }()

	cl := &channelLink{
		conn:   conn,
		mixer:  audio.NewMixer(audio.Format{SampleRate: pcmSampleRate, Channels: 1}, 0),
		speech: make(chan string, 1),
		added:  make(map[string]bool),
	}
	defer cl.mixer.Close()

	conn.OnParticipantChange(func(ev audio.Event) {
		slog.Debug("voice channel change",
			"guild_id", b.GuildID,
			"channel_id", b.ChannelID,
			"event", ev.Type.String(),
			"user_id", ev.UserID)
		if ev.Type == audio.EventJoin {
			cl.addSources()
		}
	})
	cl.addSources()

	slog.Info("voice channel bound",
		"guild_id", b.GuildID,
		"channel_id", b.ChannelID,
		"agent_public_id", b.AgentPublicID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case speaker := <-cl.speech:
			l.runSession(ctx, b, speaker, cl)
			// One stale trigger may have queued while the session ran.
			cl.drainSpeech()
		}
	}
}

// runSession admits and runs one conversation for a bound channel.
func (l *DiscordLink) runSession(ctx context.Context, b config.DiscordBinding, speaker string, cl *channelLink) {
	userID := b.UserID
	if userID == "" {
		userID = speaker
	}

	res, err := l.gw.resolver.Resolve(ctx, agent.Request{PublicID: b.AgentPublicID})
	if err != nil {
		slog.Warn("discord session refused",
			"agent_public_id", b.AgentPublicID,
			"channel_id", b.ChannelID,
			"error", err)
		return
	}

	client := newDiscordClient(cl.mixer.Output(), cl.conn.OutputStream(), res.Snapshot.Noise, l.silence)
	l.gw.serve(ctx, res, store.TransportDiscord, userID, client)
}

// channelLink is the per-channel state: the mixer merging every speaker and
// the trigger that opens a session on the first spoken frame.
type channelLink struct {
	conn   audio.Connection
	mixer  *audio.Mixer
	speech chan string

	mu    sync.Mutex
	added map[string]bool
}

// addSources tees any new participant streams into the mixer. Called once
// at join time and again whenever a participant appears.
func (cl *channelLink) addSources() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for id, ch := range cl.conn.InputStreams() {
		if cl.added[id] {
			continue
		}
		cl.added[id] = true
		tapped := make(chan audio.AudioFrame, 16)
		go cl.tap(id, ch, tapped)
		cl.mixer.AddSource(id, tapped)
	}
}

// tap forwards one participant's frames into the mixer and signals speech.
// The trigger channel holds a single pending signal; speech during a
// running session is dropped on the floor.
func (cl *channelLink) tap(id string, in <-chan audio.AudioFrame, out chan<- audio.AudioFrame) {
	defer close(out)
	for frame := range in {
		if audio.RMS(frame.Data) >= discordSpeechRMS {
			select {
			case cl.speech <- id:
			default:
			}
		}
		out <- frame
	}
}

func (cl *channelLink) drainSpeech() {
	select {
	case <-cl.speech:
	default:
	}
}

// discordClient adapts one voice-channel conversation to [bridge.Client].
// It reads the mixed participant stream and plays agent speech back into
// the channel; frame format conversion happens in the mixer and the
// platform's send loop. Events have no voice-channel surface and are
// dropped.
type discordClient struct {
	frames  <-chan audio.AudioFrame
	out     chan<- audio.AudioFrame
	gate    *audio.NoiseGate
	silence time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

func newDiscordClient(frames <-chan audio.AudioFrame, out chan<- audio.AudioFrame, noise store.NoiseSettings, silence time.Duration) *discordClient {
	if silence <= 0 {
		silence = DefaultSilenceHangup
	}
	return &discordClient{
		frames:  frames,
		out:     out,
		gate:    newGate(noise),
		silence: silence,
		done:    make(chan struct{}),
	}
}

// ReadAudio returns the next mixed caller chunk. A full silence window
// counts as the caller hanging up.
func (c *discordClient) ReadAudio(ctx context.Context) ([]byte, error) {
	timer := time.NewTimer(c.silence)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, io.EOF
	case <-timer.C:
		return nil, io.EOF
	case frame, ok := <-c.frames:
		if !ok {
			return nil, io.EOF
		}
		return gatedPCM(c.gate, frame.Data), nil
	}
}

func (c *discordClient) WriteAudio(chunk []byte) error {
	frame := audio.AudioFrame{Data: chunk, SampleRate: pcmSampleRate, Channels: 1}
	select {
	case c.out <- frame:
	case <-c.done:
	}
	return nil
}

func (c *discordClient) WriteEvent(bridge.Event) error { return nil }

func (c *discordClient) Close(bridge.CloseCause) error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *discordClient) reject(string) {
	_ = c.Close(bridge.CauseInternal)
}
