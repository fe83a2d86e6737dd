// Package commands implements Discord slash command handlers for gork.
package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/techwithanirudh/gork/internal/discord"
	"github.com/techwithanirudh/gork/internal/voice"
)

// joinTimeout bounds the whole /join interaction, including the voice
// gateway handshake.
const joinTimeout = 30 * time.Second

// VoiceCommands holds the dependencies for the /join, /leave, and /status
// slash commands.
type VoiceCommands struct {
	manager *voice.Manager
	perms   *discord.PermissionChecker
	stats   *discord.PipelineStats
}

// NewVoiceCommands creates a VoiceCommands and registers its handlers with
// the bot's router. stats may be nil, in which case /status omits pipeline
// statistics.
func NewVoiceCommands(bot *discord.Bot, manager *voice.Manager, stats *discord.PipelineStats) *VoiceCommands {
	vc := &VoiceCommands{
		manager: manager,
		perms:   bot.Permissions(),
		stats:   stats,
	}
	vc.Register(bot.Router())
	return vc
}

// Register registers the voice commands with the router.
func (vc *VoiceCommands) Register(router *discord.CommandRouter) {
	router.RegisterCommand("join", &discordgo.ApplicationCommand{
		Name:        "join",
		Description: "Have the bot join your current voice channel and start listening",
	}, vc.handleJoin)
	router.RegisterCommand("leave", &discordgo.ApplicationCommand{
		Name:        "leave",
		Description: "Have the bot leave the voice channel",
	}, vc.handleLeave)
	router.RegisterCommand("status", &discordgo.ApplicationCommand{
		Name:        "status",
		Description: "Show the bot's voice session status",
	}, vc.handleStatus)
}

// handleJoin handles /join.
func (vc *VoiceCommands) handleJoin(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !vc.perms.Allowed(i) {
		discord.RespondEphemeral(s, i, "You are not allowed to control the bot's voice presence.")
		return
	}

	guildID := i.GuildID
	userID := interactionUserID(i)
	vs, err := s.State.VoiceState(guildID, userID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		discord.RespondEphemeral(s, i, "You must be in a voice channel for me to join.")
		return
	}

	// Defer the reply since the voice handshake may take a moment.
	discord.DeferReply(s, i)

	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()

	sess, err := vc.manager.Start(ctx, guildID, vs.ChannelID)
	if err != nil {
		discord.FollowUp(s, i, fmt.Sprintf("Failed to join: %v", err))
		return
	}

	if sess.ChannelID() != vs.ChannelID {
		discord.FollowUp(s, i, fmt.Sprintf("Already listening in <#%s>.", sess.ChannelID()))
		return
	}
	discord.FollowUp(s, i, fmt.Sprintf("Listening in <#%s>.", sess.ChannelID()))
}

// handleLeave handles /leave.
func (vc *VoiceCommands) handleLeave(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !vc.perms.Allowed(i) {
		discord.RespondEphemeral(s, i, "You are not allowed to control the bot's voice presence.")
		return
	}

	sess, ok := vc.manager.Get(i.GuildID)
	if !ok {
		discord.RespondEphemeral(s, i, "I'm not in a voice channel.")
		return
	}
	uptime := time.Since(sess.StartedAt()).Truncate(time.Second)

	if err := vc.manager.Stop(i.GuildID); err != nil {
		discord.RespondError(s, i, fmt.Errorf("leave voice channel: %w", err))
		return
	}

	discord.RespondEphemeral(s, i, fmt.Sprintf("Left the voice channel after %s.", uptime))
}

// handleStatus handles /status.
func (vc *VoiceCommands) handleStatus(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess, ok := vc.manager.Get(i.GuildID)
	if !ok {
		discord.RespondEphemeral(s, i, "No active voice session in this server.")
		return
	}

	var snap discord.Snapshot
	if vc.stats != nil {
		snap = vc.stats.Snapshot()
	}

	embed := statusEmbed(
		sess.ChannelID(),
		time.Since(sess.StartedAt()),
		sess.ArbiterState().String(),
		sess.PlaybackState().String(),
		snap,
	)
	discord.RespondEmbed(s, i, embed)
}

// statusEmbed renders the /status response.
func statusEmbed(channelID string, uptime time.Duration, arbiterState, playbackState string, snap discord.Snapshot) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: "Voice session",
		Color: 0x5865F2,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Channel", Value: fmt.Sprintf("<#%s>", channelID), Inline: true},
			{Name: "Uptime", Value: uptime.Truncate(time.Second).String(), Inline: true},
			{Name: "State", Value: arbiterState, Inline: true},
			{Name: "Playback", Value: playbackState, Inline: true},
			{Name: "Utterances", Value: fmt.Sprintf("%d", snap.Utterances), Inline: true},
			{Name: "Turns", Value: fmt.Sprintf("%d", snap.Turns), Inline: true},
			{Name: "Barge-ins", Value: fmt.Sprintf("%d", snap.BargeIns), Inline: true},
			{
				Name: "Latency (p50 / p95)",
				Value: fmt.Sprintf("transcription: %s / %s\nreply: %s / %s",
					snap.Transcription.P50, snap.Transcription.P95,
					snap.Reply.P50, snap.Reply.P95),
			},
		},
	}
}

// interactionUserID extracts the user ID from an interaction, handling
// both guild (Member) and DM (User) contexts.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
