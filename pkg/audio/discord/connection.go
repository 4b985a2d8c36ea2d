package discord

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"layeh.com/gopus"

	"github.com/MrWong99/convoxa/pkg/audio"
)

var _ audio.Connection = (*Connection)(nil)

const (
	// participantBuffer is the per-participant frame queue. A slow mixer
	// sheds the newest frame rather than stalling the receive loop.
	participantBuffer = 64

	// speechBuffer queues outbound agent speech ahead of Opus encoding.
	speechBuffer = 64
)

// participant is one SSRC's decode pipeline. Opus decoder state is
// per-stream, so each participant owns a decoder along with the channel its
// frames are delivered on.
type participant struct {
	dec    *gopus.Decoder
	frames chan audio.AudioFrame
}

// Connection adapts a joined discordgo voice connection to
// [audio.Connection]: inbound Opus packets are demuxed by SSRC and decoded
// into per-participant PCM streams, outbound PCM is cut into 20 ms packets
// and encoded back to Opus.
type Connection struct {
	voice *discordgo.VoiceConnection
	guild string

	mu           sync.RWMutex
	participants map[uint32]*participant

	speech chan audio.AudioFrame

	notifyMu sync.Mutex
	notify   func(audio.Event)

	stop     chan struct{}
	stopOnce sync.Once

	// recvDone closes once the receive loop has exited. Disconnect waits on
	// it so participant channels are only closed after the last delivery.
	recvDone chan struct{}

	// unhook removes the voice-state handler; leave tears down the SDK
	// connection. Both are swapped out in tests.
	unhook func()
	leave  func() error
}

// join wraps an already-joined voice connection and starts its receive and
// transmit loops.
func join(vc *discordgo.VoiceConnection, bot *discordgo.Session, guildID string) *Connection {
	c := &Connection{
		voice:        vc,
		guild:        guildID,
		participants: make(map[uint32]*participant),
		speech:       make(chan audio.AudioFrame, speechBuffer),
		stop:         make(chan struct{}),
		recvDone:     make(chan struct{}),
		leave:        vc.Disconnect,
	}
	c.unhook = bot.AddHandler(c.onVoiceState)

	go c.receive()
	go c.transmit()
	return c
}

// InputStreams implements [audio.Connection]. Keys are decimal SSRCs; the
// platform does not know which user an SSRC belongs to until the voice
// gateway says so, and the mixer only needs distinct streams.
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.mu.RLock()
	defer c.mu.RUnlock()
	streams := make(map[string]<-chan audio.AudioFrame, len(c.participants))
	for ssrc, p := range c.participants {
		streams[strconv.FormatUint(uint64(ssrc), 10)] = p.frames
	}
	return streams
}

// OutputStream implements [audio.Connection].
func (c *Connection) OutputStream() chan<- audio.AudioFrame {
	return c.speech
}

// OnParticipantChange replaces the join/leave callback.
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.notifyMu.Lock()
	c.notify = cb
	c.notifyMu.Unlock()
}

// Disconnect implements [audio.Connection]. The first call stops both loops,
// leaves the channel and closes every participant stream; later calls are
// no-ops.
func (c *Connection) Disconnect() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stop)
		if c.unhook != nil {
			c.unhook()
		}
		if c.leave != nil {
			err = c.leave()
		}
		<-c.recvDone

		c.mu.Lock()
		for ssrc, p := range c.participants {
			close(p.frames)
			delete(c.participants, ssrc)
		}
		c.mu.Unlock()
	})
	return err
}

// receive demuxes inbound Opus packets by SSRC, decodes them and delivers
// PCM frames to the owning participant's channel.
func (c *Connection) receive() {
	defer close(c.recvDone)
	for {
		select {
		case <-c.stop:
			return
		case pkt, ok := <-c.voice.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}

			p := c.participantFor(pkt.SSRC)
			if p == nil {
				continue
			}

			samples, err := p.dec.Decode(pkt.Opus, packetSamples, false)
			if err != nil {
				slog.Warn("opus decode failed", "ssrc", pkt.SSRC, "error", err)
				continue
			}

			frame := audio.AudioFrame{
				Data:       samplesToPCM(samples),
				SampleRate: voiceSampleRate,
				Channels:   voiceChannels,
				Timestamp:  time.Duration(pkt.Timestamp) * time.Second / voiceSampleRate,
			}
			select {
			case p.frames <- frame:
			default:
				// Consumer lagging; shed rather than stall the demux.
			}
		}
	}
}

// participantFor returns the pipeline for an SSRC, creating it on the first
// packet. Creation announces the participant as a join keyed by SSRC, since
// the packet itself carries no user identity.
func (c *Connection) participantFor(ssrc uint32) *participant {
	c.mu.RLock()
	p := c.participants[ssrc]
	c.mu.RUnlock()
	if p != nil {
		return p
	}

	dec, err := gopus.NewDecoder(voiceSampleRate, voiceChannels)
	if err != nil {
		slog.Error("create opus decoder", "ssrc", ssrc, "error", err)
		return nil
	}

	c.mu.Lock()
	if existing := c.participants[ssrc]; existing != nil {
		c.mu.Unlock()
		return existing
	}
	p = &participant{dec: dec, frames: make(chan audio.AudioFrame, participantBuffer)}
	c.participants[ssrc] = p
	c.mu.Unlock()

	c.emit(audio.Event{Type: audio.EventJoin, UserID: strconv.FormatUint(uint64(ssrc), 10)})
	return p
}

// transmit cuts outbound speech into exact 20 ms packets, encodes them and
// hands them to the voice gateway. The speaking flag is raised on the first
// frame and lowered when the connection stops.
func (c *Connection) transmit() {
	enc, err := gopus.NewEncoder(voiceSampleRate, voiceChannels, gopus.Audio)
	if err != nil {
		slog.Error("create opus encoder", "error", err)
		return
	}

	conv := audio.FormatConverter{Target: audio.Format{SampleRate: voiceSampleRate, Channels: voiceChannels}}
	var pending []byte
	speaking := false

	for {
		select {
		case <-c.stop:
			if speaking {
				c.setSpeaking(false)
			}
			return
		case frame, ok := <-c.speech:
			if !ok {
				return
			}
			if !speaking {
				c.setSpeaking(true)
				speaking = true
			}

			pending = append(pending, conv.Convert(frame).Data...)

			for len(pending) >= packetPCMBytes {
				packet, err := enc.Encode(pcmToSamples(pending[:packetPCMBytes]), packetSamples, packetPCMBytes)
				pending = pending[packetPCMBytes:]
				if err != nil {
					slog.Warn("opus encode failed", "error", err)
					continue
				}
				select {
				case c.voice.OpusSend <- packet:
				case <-c.stop:
					return
				}
			}
		}
	}
}

// onVoiceState turns voice-state updates for this channel into join and
// leave events. Updates that do not move a user across the channel boundary
// are ignored.
func (c *Connection) onVoiceState(_ *discordgo.Session, ev *discordgo.VoiceStateUpdate) {
	if ev.GuildID != c.guild {
		return
	}
	here := ev.ChannelID == c.voice.ChannelID
	was := ev.BeforeUpdate != nil && ev.BeforeUpdate.ChannelID == c.voice.ChannelID
	if here == was {
		return
	}

	kind := audio.EventJoin
	if was {
		kind = audio.EventLeave
	}
	name := ""
	if ev.Member != nil && ev.Member.User != nil {
		name = ev.Member.User.Username
	}
	c.emit(audio.Event{Type: kind, UserID: ev.UserID, Username: name})
}

// emit invokes the registered participant callback on its own goroutine.
func (c *Connection) emit(ev audio.Event) {
	c.notifyMu.Lock()
	cb := c.notify
	c.notifyMu.Unlock()
	if cb != nil {
		go cb(ev)
	}
}

func (c *Connection) setSpeaking(on bool) {
	if err := c.voice.Speaking(on); err != nil {
		slog.Warn("set speaking state", "speaking", on, "error", err)
	}
}
