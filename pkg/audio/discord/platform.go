// Package discord connects a Discord voice channel to the translation
// pipeline via the bwmarrin/discordgo library. The channel is a remote
// capture source and the bot's voice is an output sink; Opus is decoded and
// encoded with gopus.
package discord

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// OpenSession creates and opens a bot session with the intents needed for
// voice.
func OpenSession(token string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildVoiceStates | discordgo.IntentsGuilds
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	return session, nil
}

// Join joins the voice channel and returns the live [Connection]. The
// connection lives until [Connection.Close] is called.
func Join(session *discordgo.Session, guildID, channelID string, opts ...Option) (*Connection, error) {
	// mute=false (we speak), deaf=false (we listen).
	vc, err := session.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	c := newConnection(vc, channelID, opts...)
	vc.AddHandler(c.handleSpeaking)
	return c, nil
}
