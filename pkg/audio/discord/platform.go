// Package discord adapts Discord voice channels to the [audio.Platform]
// interface using bwmarrin/discordgo. Inbound voice arrives as Opus over the
// voice gateway and is decoded to 48 kHz stereo PCM; outbound agent speech is
// encoded back to Opus in 20 ms packets.
//
// The adapter borrows an already-authenticated *discordgo.Session from the
// bot layer; it never opens or closes the session itself.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/convoxa/pkg/audio"
)

var _ audio.Platform = (*Platform)(nil)

// Platform joins voice channels within a single guild. Safe for concurrent
// use by multiple sessions.
type Platform struct {
	bot   *discordgo.Session
	guild string
}

// New returns a Platform that joins voice channels in the given guild over
// the supplied bot session.
func New(bot *discordgo.Session, guildID string) *Platform {
	return &Platform{bot: bot, guild: guildID}
}

// Connect joins the given voice channel unmuted and undeafened and returns
// the live connection. ctx covers the join handshake only; the returned
// connection outlives it until Disconnect.
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	vc, err := p.bot.ChannelVoiceJoin(p.guild, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	return join(vc, p.bot, p.guild), nil
}
