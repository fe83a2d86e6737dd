// Package discord provides an [audio.Platform] implementation backed by
// Discord voice channels via the bwmarrin/discordgo library. Inbound voice is
// surfaced as raw Opus packets (Discord's native framing) so downstream
// consumers can do gap detection and container assembly without a decode step;
// outbound PCM frames are encoded to Opus and sent on the voice connection.
//
// The platform requires an active *discordgo.Session (owned by the bot layer)
// and a guild ID. Each call to [Platform.Connect] joins the specified voice
// channel and returns a [Connection].
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/techwithanirudh/gork/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

// Platform implements [audio.Platform] using a discordgo voice connection.
// It requires an active *discordgo.Session (owned by the bot layer).
//
// Platform is safe for concurrent use.
type Platform struct {
	session *discordgo.Session
	guildID string
}

// New creates a new Discord Platform for the given session and guild.
func New(session *discordgo.Session, guildID string) *Platform {
	return &Platform{
		session: session,
		guildID: guildID,
	}
}

// Connect joins the voice channel identified by channelID and returns an active
// [audio.Connection]. ctx bounds the join handshake: if it expires before the
// voice gateway is ready, Connect returns ctx's error and the late connection
// (if any) is torn down.
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	type joinResult struct {
		vc  *discordgo.VoiceConnection
		err error
	}

	// ChannelVoiceJoin blocks until the voice gateway handshake completes, with
	// no context support, so the ctx deadline is raced against it here.
	resCh := make(chan joinResult, 1)
	go func() {
		// mute=false (we send audio), deaf=false (we receive audio).
		vc, err := p.session.ChannelVoiceJoin(p.guildID, channelID, false, false)
		resCh <- joinResult{vc: vc, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, res.err)
		}
		conn, err := newConnection(res.vc, p.session, p.guildID)
		if err != nil {
			_ = res.vc.Disconnect()
			return nil, fmt.Errorf("discord: create connection: %w", err)
		}
		return conn, nil
	case <-ctx.Done():
		// Reap the connection when the join eventually completes.
		go func() {
			if res := <-resCh; res.err == nil && res.vc != nil {
				_ = res.vc.Disconnect()
			}
		}()
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, ctx.Err())
	}
}
