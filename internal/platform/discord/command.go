package discord

import (
	"context"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"chatsearch/internal/search"
)

const (
	searchCommandName = "search"
	searchOptionText  = "text"

	// Hits scoring at or below this are left out of command replies.
	minCommandScore = 0.2
	commandLimit    = 10

	// Discord embed field limits.
	maxEmbedTitle       = 256
	maxEmbedDescription = 4096
)

type Searcher interface {
	Search(ctx context.Context, text string, opts search.Options) ([]search.Result, error)
}

var searchCommand = &discordgo.ApplicationCommand{
	Type:        discordgo.ChatApplicationCommand,
	Name:        searchCommandName,
	Description: "Search all indexed messages by meaning and keywords",
	Options: []*discordgo.ApplicationCommandOption{{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        searchOptionText,
		Description: "The text to search messages by",
		Required:    true,
	}},
}

// EnableSearchCommand registers a global /search command on ready and answers it with
// s. Call before Open.
func (a *Adapter) EnableSearchCommand(s Searcher) {
	a.searcher = s
}

func (a *Adapter) registerSearchCommand(appID string) {
	if _, err := a.session.ApplicationCommandCreate(appID, "", searchCommand); err != nil {
		slog.Error("Failed to register search command", "error", err)
		return
	}
	slog.Info("Registered search command")
}

func (a *Adapter) onInteractionCreate(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	if a.searcher == nil || i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	if data.Name != searchCommandName {
		return
	}
	query := ""
	for _, opt := range data.Options {
		if opt.Name == searchOptionText {
			query = opt.StringValue()
		}
	}

	ctx := a.eventContext()
	// Searches can outlast the three second interaction deadline, so acknowledge first.
	err := a.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	}, discordgo.WithContext(ctx))
	if err != nil {
		slog.Error("Failed to acknowledge search command", "error", err)
		return
	}

	start := time.Now()
	content, embeds := a.answer(ctx, query)
	if _, err := a.session.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{
		Content: &content,
		Embeds:  &embeds,
	}, discordgo.WithContext(ctx)); err != nil {
		slog.Error("Failed to send search results", "error", err)
		return
	}
	slog.Info("Answered search command", "results", len(embeds), "duration", time.Since(start))
}

// answer runs the command's search and renders the reply.
func (a *Adapter) answer(ctx context.Context, query string) (string, []*discordgo.MessageEmbed) {
	opts := search.DefaultOptions()
	opts.Limit = commandLimit
	results, err := a.searcher.Search(ctx, query, opts)
	if err != nil {
		slog.Error("Search command failed", "error", err)
		return "Search failed, try again later.", []*discordgo.MessageEmbed{}
	}
	embeds := resultEmbeds(results)
	if len(embeds) == 0 {
		return "No matching messages.", embeds
	}
	return "", embeds
}

// resultEmbeds renders link embeds for results above minCommandScore, best match last
// so it sits closest to the input box.
func resultEmbeds(results []search.Result) []*discordgo.MessageEmbed {
	embeds := make([]*discordgo.MessageEmbed, 0, len(results))
	for i := len(results) - 1; i >= 0; i-- {
		r := results[i]
		if r.Score <= minCommandScore {
			continue
		}
		embeds = append(embeds, &discordgo.MessageEmbed{
			Type:        discordgo.EmbedTypeLink,
			URL:         Link(r.Ref()),
			Title:       truncate(r.Author, maxEmbedTitle),
			Description: truncate(r.Text, maxEmbedDescription),
		})
	}
	return embeds
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
