package discord

import (
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/convoxa/pkg/audio"
)

// opusSilence is the canonical 3-byte Opus silence frame. It decodes through
// a real decoder, which lets the receive path run without fixture audio.
var opusSilence = []byte{0xF8, 0xFF, 0xFE}

// testConnection builds a Connection over a fake voice connection with
// buffered Opus channels and no SDK teardown, then starts both loops.
func testConnection(t *testing.T) *Connection {
	t.Helper()
	c := &Connection{
		voice: &discordgo.VoiceConnection{
			ChannelID: "voice-chan",
			OpusSend:  make(chan []byte, 16),
			OpusRecv:  make(chan *discordgo.Packet, 16),
		},
		guild:        "guild-1",
		participants: make(map[uint32]*participant),
		speech:       make(chan audio.AudioFrame, speechBuffer),
		stop:         make(chan struct{}),
		recvDone:     make(chan struct{}),
		leave:        func() error { return nil },
	}
	go c.receive()
	go c.transmit()
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func waitForStreams(t *testing.T, c *Connection, n int) map[string]<-chan audio.AudioFrame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		streams := c.InputStreams()
		if len(streams) >= n {
			return streams
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d input streams, have %d", n, len(streams))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestNewPlatform(t *testing.T) {
	t.Parallel()

	bot := &discordgo.Session{}
	p := New(bot, "guild-42")
	if p.bot != bot {
		t.Error("bot session not retained")
	}
	if p.guild != "guild-42" {
		t.Errorf("guild = %q, want %q", p.guild, "guild-42")
	}
}

func TestReceiveDemuxesBySSRC(t *testing.T) {
	t.Parallel()

	c := testConnection(t)

	joins := make(chan audio.Event, 4)
	c.OnParticipantChange(func(ev audio.Event) { joins <- ev })

	c.voice.OpusRecv <- &discordgo.Packet{SSRC: 100, Opus: opusSilence}
	c.voice.OpusRecv <- &discordgo.Packet{SSRC: 200, Opus: opusSilence}

	streams := waitForStreams(t, c, 2)
	for _, ssrc := range []string{"100", "200"} {
		ch, ok := streams[ssrc]
		if !ok {
			t.Fatalf("no input stream for SSRC %s", ssrc)
		}
		select {
		case frame := <-ch:
			if frame.SampleRate != voiceSampleRate || frame.Channels != voiceChannels {
				t.Errorf("SSRC %s: frame format %d/%d, want %d/%d",
					ssrc, frame.SampleRate, frame.Channels, voiceSampleRate, voiceChannels)
			}
			if len(frame.Data) == 0 {
				t.Errorf("SSRC %s: decoded frame is empty", ssrc)
			}
		case <-time.After(time.Second):
			t.Fatalf("SSRC %s: no frame delivered", ssrc)
		}
	}

	// First packet of each SSRC announces a join keyed by the SSRC.
	seen := map[string]bool{}
	for range 2 {
		select {
		case ev := <-joins:
			if ev.Type != audio.EventJoin {
				t.Errorf("event type = %v, want join", ev.Type)
			}
			seen[ev.UserID] = true
		case <-time.After(time.Second):
			t.Fatal("missing join event")
		}
	}
	if !seen["100"] || !seen["200"] {
		t.Errorf("join events for %v, want SSRCs 100 and 200", seen)
	}
}

func TestReceiveReusesDecoderPerSSRC(t *testing.T) {
	t.Parallel()

	c := testConnection(t)
	for range 3 {
		c.voice.OpusRecv <- &discordgo.Packet{SSRC: 7, Opus: opusSilence}
	}

	streams := waitForStreams(t, c, 1)
	if len(streams) != 1 {
		t.Fatalf("got %d streams, want 1", len(streams))
	}
	ch := streams["7"]
	for i := range 3 {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("frame %d not delivered", i)
		}
	}
}

func TestTransmitPacketizesSpeech(t *testing.T) {
	t.Parallel()

	c := testConnection(t)

	half := audio.AudioFrame{
		Data:       make([]byte, packetPCMBytes/2),
		SampleRate: voiceSampleRate,
		Channels:   voiceChannels,
	}

	// Half a packet buffers without sending.
	c.OutputStream() <- half
	select {
	case <-c.voice.OpusSend:
		t.Fatal("sub-packet PCM must not be sent")
	case <-time.After(100 * time.Millisecond):
	}

	// The second half completes the 20 ms packet.
	c.OutputStream() <- half
	select {
	case pkt := <-c.voice.OpusSend:
		if len(pkt) == 0 {
			t.Error("encoded packet is empty")
		}
	case <-time.After(time.Second):
		t.Fatal("no Opus packet after a full 20 ms of PCM")
	}
}

func TestTransmitResamplesForeignFormats(t *testing.T) {
	t.Parallel()

	c := testConnection(t)

	// 20 ms of 16 kHz mono becomes exactly one 48 kHz stereo packet.
	c.OutputStream() <- audio.AudioFrame{
		Data:       make([]byte, 16000/50*2),
		SampleRate: 16000,
		Channels:   1,
	}

	select {
	case <-c.voice.OpusSend:
	case <-time.After(time.Second):
		t.Fatal("16 kHz mono speech never reached the voice gateway")
	}
}

func TestDisconnectClosesParticipantStreams(t *testing.T) {
	t.Parallel()

	c := testConnection(t)
	c.voice.OpusRecv <- &discordgo.Packet{SSRC: 9, Opus: opusSilence}
	streams := waitForStreams(t, c, 1)

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	ch := streams["9"]
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("participant stream not closed after Disconnect")
		}
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	t.Parallel()

	c := testConnection(t)

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() { _ = c.Disconnect() })
	}
	wg.Wait()

	if err := c.Disconnect(); err != nil {
		t.Fatalf("repeat Disconnect: %v", err)
	}
}

func TestVoiceStateEvents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		update *discordgo.VoiceStateUpdate
		want   audio.EventType
		none   bool
	}{
		{
			name: "user joins channel",
			update: &discordgo.VoiceStateUpdate{
				VoiceState: &discordgo.VoiceState{GuildID: "guild-1", ChannelID: "voice-chan", UserID: "u1"},
			},
			want: audio.EventJoin,
		},
		{
			name: "user leaves channel",
			update: &discordgo.VoiceStateUpdate{
				VoiceState:   &discordgo.VoiceState{GuildID: "guild-1", ChannelID: "", UserID: "u2"},
				BeforeUpdate: &discordgo.VoiceState{GuildID: "guild-1", ChannelID: "voice-chan"},
			},
			want: audio.EventLeave,
		},
		{
			name: "move between unrelated channels",
			update: &discordgo.VoiceStateUpdate{
				VoiceState:   &discordgo.VoiceState{GuildID: "guild-1", ChannelID: "other-a", UserID: "u3"},
				BeforeUpdate: &discordgo.VoiceState{GuildID: "guild-1", ChannelID: "other-b"},
			},
			none: true,
		},
		{
			name: "mute toggle inside channel",
			update: &discordgo.VoiceStateUpdate{
				VoiceState:   &discordgo.VoiceState{GuildID: "guild-1", ChannelID: "voice-chan", UserID: "u4"},
				BeforeUpdate: &discordgo.VoiceState{GuildID: "guild-1", ChannelID: "voice-chan"},
			},
			none: true,
		},
		{
			name: "other guild ignored",
			update: &discordgo.VoiceStateUpdate{
				VoiceState: &discordgo.VoiceState{GuildID: "guild-9", ChannelID: "voice-chan", UserID: "u5"},
			},
			none: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c := testConnection(t)
			got := make(chan audio.Event, 1)
			c.OnParticipantChange(func(ev audio.Event) { got <- ev })

			c.onVoiceState(nil, tc.update)

			if tc.none {
				select {
				case ev := <-got:
					t.Fatalf("unexpected event %v for %s", ev, tc.name)
				case <-time.After(50 * time.Millisecond):
				}
				return
			}

			select {
			case ev := <-got:
				if ev.Type != tc.want {
					t.Errorf("event type = %v, want %v", ev.Type, tc.want)
				}
				if ev.UserID != tc.update.UserID {
					t.Errorf("event user = %q, want %q", ev.UserID, tc.update.UserID)
				}
			case <-time.After(time.Second):
				t.Fatal("no participant event delivered")
			}
		})
	}
}

func TestVoiceStateCarriesUsername(t *testing.T) {
	t.Parallel()

	c := testConnection(t)
	got := make(chan audio.Event, 1)
	c.OnParticipantChange(func(ev audio.Event) { got <- ev })

	c.onVoiceState(nil, &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{
			GuildID:   "guild-1",
			ChannelID: "voice-chan",
			UserID:    "u1",
			Member:    &discordgo.Member{User: &discordgo.User{Username: "ada"}},
		},
	})

	select {
	case ev := <-got:
		if ev.Username != "ada" {
			t.Errorf("username = %q, want %q", ev.Username, "ada")
		}
	case <-time.After(time.Second):
		t.Fatal("no join event delivered")
	}
}

func TestCallbackReplacement(t *testing.T) {
	t.Parallel()

	c := testConnection(t)

	first := make(chan audio.Event, 1)
	c.OnParticipantChange(func(ev audio.Event) { first <- ev })
	second := make(chan audio.Event, 1)
	c.OnParticipantChange(func(ev audio.Event) { second <- ev })

	c.emit(audio.Event{Type: audio.EventLeave, UserID: "u9"})

	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("replacement callback not invoked")
	}
	select {
	case ev := <-first:
		t.Fatalf("stale callback received %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
