package grcbot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	DiscordSlashCommandPing    = "ping"
	DiscordSlashCommandCredits = "credits"

	pingDescription    = "Check if the bot is online."
	creditsDescription = "See who developed the bot."

	pingResponse       = "✅ Georgia Roleplay Community's Bot is online!"
	creditsDeveloperID = "698301697134559308"
)

// slashCommands returns the guild commands registered on startup
func slashCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        DiscordSlashCommandPing,
			Description: pingDescription,
			Type:        discordgo.ChatApplicationCommand,
		},
		{
			Name:        DiscordSlashCommandCredits,
			Description: creditsDescription,
			Type:        discordgo.ChatApplicationCommand,
		},
	}
}

func pingCommandResponse() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: pingResponse,
		},
	}
}

// creditsCommandResponse shows the developer mention without
// notifying them
func creditsCommandResponse() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: fmt.Sprintf("This bot is developed by <@%s>", creditsDeveloperID),
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Parse: []discordgo.AllowedMentionType{},
				Users: []string{},
			},
		},
	}
}

// CommandDispatcher answers slash commands
type CommandDispatcher struct {
	session   DiscordSessionHandler
	logger    *slog.Logger
	responses map[string]func() *discordgo.InteractionResponse
}

func newCommandDispatcher(session DiscordSessionHandler, logger *slog.Logger) *CommandDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandDispatcher{
		session: session,
		logger:  logger,
		responses: map[string]func() *discordgo.InteractionResponse{
			DiscordSlashCommandPing:    pingCommandResponse,
			DiscordSlashCommandCredits: creditsCommandResponse,
		},
	}
}

// Dispatch replies to a known slash command. Non-command interactions
// and unknown command names are ignored, returning false.
func (c *CommandDispatcher) Dispatch(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) (bool, error) {
	if i == nil || i.Interaction == nil {
		return false, nil
	}
	if i.Type != discordgo.InteractionApplicationCommand {
		return false, nil
	}
	logger := contextLoggerOr(ctx, c.logger).With(interactionLogAttrs(*i)...)

	name := i.ApplicationCommandData().Name
	response, ok := c.responses[name]
	if !ok {
		logger.DebugContext(ctx, "ignoring unknown command")
		return false, nil
	}

	if err := c.session.InteractionRespond(
		i.Interaction,
		response(),
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error responding to command", tint.Err(err))
		return true, fmt.Errorf("error responding to %s: %w", name, err)
	}
	logger.InfoContext(ctx, "responded to command")
	return true, nil
}
