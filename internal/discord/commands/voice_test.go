package commands

import (
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/techwithanirudh/gork/internal/discord"
)

func TestInteractionUserID(t *testing.T) {
	t.Parallel()

	t.Run("guild member", func(t *testing.T) {
		i := &discordgo.InteractionCreate{
			Interaction: &discordgo.Interaction{
				Member: &discordgo.Member{User: &discordgo.User{ID: "member-123"}},
			},
		}
		if got := interactionUserID(i); got != "member-123" {
			t.Errorf("got %q, want member-123", got)
		}
	})

	t.Run("DM user", func(t *testing.T) {
		i := &discordgo.InteractionCreate{
			Interaction: &discordgo.Interaction{
				User: &discordgo.User{ID: "dm-456"},
			},
		}
		if got := interactionUserID(i); got != "dm-456" {
			t.Errorf("got %q, want dm-456", got)
		}
	})

	t.Run("neither", func(t *testing.T) {
		i := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}
		if got := interactionUserID(i); got != "" {
			t.Errorf("got %q, want empty", got)
		}
	})
}

func TestPermissionGate(t *testing.T) {
	t.Parallel()

	perms := discord.NewPermissionChecker("role-voice")

	allowed := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Member: &discordgo.Member{
				User:  &discordgo.User{ID: "u1"},
				Roles: []string{"role-other", "role-voice"},
			},
		},
	}
	if !perms.Allowed(allowed) {
		t.Error("member with control role should be allowed")
	}

	denied := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Member: &discordgo.Member{
				User:  &discordgo.User{ID: "u2"},
				Roles: []string{"role-other"},
			},
		},
	}
	if perms.Allowed(denied) {
		t.Error("member without control role should be denied")
	}

	// No role configured: everyone may control the bot.
	open := discord.NewPermissionChecker("")
	if !open.Allowed(denied) {
		t.Error("empty control role should allow everyone")
	}
}

func TestStatusEmbed(t *testing.T) {
	t.Parallel()

	stats := discord.NewPipelineStats(10)
	stats.IncrUtterances()
	stats.IncrTurns()
	stats.RecordReply(300 * time.Millisecond)

	embed := statusEmbed("chan-1", 90*time.Second, "RESPONDING", "PLAYING", stats.Snapshot())

	if embed.Title != "Voice session" {
		t.Errorf("title = %q", embed.Title)
	}

	fields := make(map[string]string, len(embed.Fields))
	for _, f := range embed.Fields {
		fields[f.Name] = f.Value
	}
	if fields["Channel"] != "<#chan-1>" {
		t.Errorf("channel field = %q", fields["Channel"])
	}
	if fields["Uptime"] != "1m30s" {
		t.Errorf("uptime field = %q", fields["Uptime"])
	}
	if fields["State"] != "RESPONDING" {
		t.Errorf("state field = %q", fields["State"])
	}
	if fields["Playback"] != "PLAYING" {
		t.Errorf("playback field = %q", fields["Playback"])
	}
	if fields["Turns"] != "1" {
		t.Errorf("turns field = %q", fields["Turns"])
	}
	if !strings.Contains(fields["Latency (p50 / p95)"], "reply: 300ms") {
		t.Errorf("latency field = %q", fields["Latency (p50 / p95)"])
	}
}

func TestRegister_ExposesThreeCommands(t *testing.T) {
	t.Parallel()

	router := discord.NewCommandRouter()
	vc := &VoiceCommands{perms: discord.NewPermissionChecker("")}
	vc.Register(router)

	cmds := router.ApplicationCommands()
	if len(cmds) != 3 {
		t.Fatalf("registered %d commands, want 3", len(cmds))
	}
	names := make(map[string]bool, len(cmds))
	for _, c := range cmds {
		names[c.Name] = true
	}
	for _, want := range []string{"join", "leave", "status"} {
		if !names[want] {
			t.Errorf("command %q not registered", want)
		}
	}
}
