package channel

import (
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

func slashCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        pingCommand,
			Description: "Replies with Pong! 🏓",
		},
	}
}

// registerSlashCommands replaces the application's commands with ours.
// An empty guildID registers them globally.
func (d *Discord) registerSlashCommands() {
	if d.session.State == nil || d.session.State.User == nil {
		d.logger.Warn("cannot register slash commands: bot user unknown")
		return
	}
	cmds, err := d.session.ApplicationCommandBulkOverwrite(d.session.State.User.ID, d.guildID, slashCommands())
	if err != nil {
		d.logger.Warn("failed to register slash commands", tint.Err(err))
		return
	}
	d.logger.Info("synced slash commands", "count", len(cmds), "guild_id", d.guildID)
}

func (d *Discord) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	name := i.ApplicationCommandData().Name
	resp := commandResponse(name)

	if err := s.InteractionRespond(i.Interaction, resp); err != nil {
		d.logger.Error("cannot respond to slash command", "command", name, tint.Err(err))
		return
	}
	d.logger.Info("slash command used", "command", name, "user", interactionUser(i.Interaction))
}

// commandResponse builds the ephemeral reply for a slash command.
func commandResponse(name string) *discordgo.InteractionResponse {
	content := "❌ Unknown command."
	if name == pingCommand {
		content = pongText
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

// interactionUser returns the invoking user's name; Member is set in guilds,
// User in DMs.
func interactionUser(i *discordgo.Interaction) string {
	switch {
	case i.Member != nil && i.Member.User != nil:
		return i.Member.User.Username
	case i.User != nil:
		return i.User.Username
	default:
		return ""
	}
}
