package grcbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

var (
	// ErrRulesDisabled is returned when the rules channel or any page
	// text isn't set. Nothing is sent or edited in that case.
	ErrRulesDisabled = errors.New("rules channel or page text not configured")

	ErrChannelNotText = errors.New("channel is not text-based")
)

// RulesPage is one rules message. MessageID is the known message
// holding the page, if any.
type RulesPage struct {
	Index     int    `json:"index"`
	Text      string `json:"-"`
	MessageID string `json:"message_id,omitempty"`
}

// ReconcileResult is the outcome of reconciling a single rules page
type ReconcileResult struct {
	Page      int     `json:"page"`
	Outcome   Outcome `json:"outcome"`
	MessageID string  `json:"message_id,omitempty"`
	Pinned    bool    `json:"pinned"`
	Err       error   `json:"-"`
	Error     string  `json:"error,omitempty"`
}

func (r ReconcileResult) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int("page", r.Page),
		slog.String("outcome", r.Outcome.String()),
		slog.String("message_id", r.MessageID),
		slog.Bool("pinned", r.Pinned),
	}
	if r.Err != nil {
		attrs = append(attrs, tint.Err(r.Err))
	}
	return slog.GroupValue(attrs...)
}

func (r *ReconcileResult) fail(err error) {
	r.Outcome = OutcomeFailed
	r.Err = err
	r.Error = err.Error()
}

// RulesReconciler keeps one message per rules page in a channel, with
// content matching the page text. Messages are created (and pinned) once,
// then edited in place on later runs.
type RulesReconciler struct {
	session   DiscordSessionHandler
	db        DBI
	botUserID func() string
	logger    *slog.Logger
}

func newRulesReconciler(
	session DiscordSessionHandler,
	db DBI,
	botUserID func() string,
	logger *slog.Logger,
) *RulesReconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if botUserID == nil {
		botUserID = func() string { return "" }
	}
	return &RulesReconciler{
		session:   session,
		db:        db,
		botUserID: botUserID,
		logger:    logger,
	}
}

// Reconcile makes the channel's rules messages match the given pages.
//
// A page's message is looked up by its configured ID first, then by the
// ID stored from a previous run, which is also tried when the
// configured message is gone. If discoverPinned is set and neither
// resolves, the channel's pinned messages are searched for one sent by
// the bot. A message that can't be fetched is treated as missing and
// sent again.
//
// Per-page failures are reported in the results, not as an error.
func (r *RulesReconciler) Reconcile(
	ctx context.Context,
	channelID string,
	pages []RulesPage,
	discoverPinned bool,
) ([]ReconcileResult, error) {
	logger := contextLoggerOr(ctx, r.logger).With("channel_id", channelID)

	if channelID == "" || len(pages) == 0 {
		return nil, ErrRulesDisabled
	}
	for _, page := range pages {
		if page.Text == "" {
			logger.InfoContext(ctx, "rules page text not set, skipping rules", "page", page.Index)
			return nil, ErrRulesDisabled
		}
	}

	channel, err := r.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("error fetching rules channel: %w", err)
	}
	if !channelIsTextBased(channel) {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotText, channelID)
	}

	stored := map[int]string{}
	if r.db != nil {
		refs, refErr := r.db.RulesMessageRefs(ctx, channelID)
		if refErr != nil {
			logger.WarnContext(ctx, "unable to load stored rules message IDs", tint.Err(refErr))
		} else {
			stored = refs
		}
	}

	var pinned []*discordgo.Message
	pinnedLoaded := false
	claimed := map[string]bool{}

	results := make([]ReconcileResult, 0, len(pages))
	for _, page := range pages {
		var existing *discordgo.Message
		for _, knownID := range knownMessageIDs(page.MessageID, stored[page.Index]) {
			msg, fetchErr := r.session.ChannelMessage(channelID, knownID, discordgo.WithContext(ctx))
			if fetchErr != nil || msg == nil {
				logger.WarnContext(
					ctx,
					"rules message not found",
					"page", page.Index,
					"message_id", knownID,
					tint.Err(fetchErr),
				)
				continue
			}
			existing = msg
			break
		}

		if existing == nil && discoverPinned {
			if !pinnedLoaded {
				pinnedLoaded = true
				pinned, err = r.session.ChannelMessagesPinned(channelID, discordgo.WithContext(ctx))
				if err != nil {
					logger.WarnContext(ctx, "unable to list pinned messages", tint.Err(err))
				}
			}
			existing = r.findPinned(pinned, claimed)
			if existing != nil {
				logger.InfoContext(
					ctx,
					"found pinned rules message",
					"page", page.Index,
					"message_id", existing.ID,
				)
			}
		}
		if existing != nil {
			claimed[existing.ID] = true
		}

		result := r.reconcilePage(ctx, logger, channelID, page, existing)
		if result.MessageID != "" && result.MessageID != stored[page.Index] {
			r.saveRef(ctx, logger, channelID, page.Index, result.MessageID)
		}
		logger.InfoContext(ctx, "reconciled rules page", "result", result)
		results = append(results, result)
	}
	return results, nil
}

// knownMessageIDs returns the IDs to try for a page, configured first.
// The stored ID is still tried when a configured ID goes stale, so a
// page sent after that isn't sent again on every run.
func knownMessageIDs(configured string, stored string) []string {
	ids := make([]string, 0, 2)
	if configured != "" {
		ids = append(ids, configured)
	}
	if stored != "" && stored != configured {
		ids = append(ids, stored)
	}
	return ids
}

func (r *RulesReconciler) reconcilePage(
	ctx context.Context,
	logger *slog.Logger,
	channelID string,
	page RulesPage,
	existing *discordgo.Message,
) ReconcileResult {
	result := ReconcileResult{Page: page.Index}

	switch {
	case existing == nil:
		msg, err := r.session.ChannelMessageSend(channelID, page.Text, discordgo.WithContext(ctx))
		if err != nil {
			result.fail(fmt.Errorf("error sending rules page %d: %w", page.Index, err))
			return result
		}
		result.Outcome = OutcomeCreated
		result.MessageID = msg.ID

		if pinErr := r.session.ChannelMessagePin(channelID, msg.ID, discordgo.WithContext(ctx)); pinErr != nil {
			logger.WarnContext(
				ctx,
				"unable to pin rules message",
				"page", page.Index,
				"message_id", msg.ID,
				tint.Err(pinErr),
			)
		} else {
			result.Pinned = true
		}
		logger.InfoContext(
			ctx,
			fmt.Sprintf("RULES_MESSAGE_%d_ID = %s", page.Index, msg.ID),
			"page", page.Index,
			"message_id", msg.ID,
		)
	case existing.Content != page.Text:
		result.MessageID = existing.ID
		result.Pinned = existing.Pinned
		if _, err := r.session.ChannelMessageEdit(
			channelID,
			existing.ID,
			page.Text,
			discordgo.WithContext(ctx),
		); err != nil {
			result.fail(fmt.Errorf("error editing rules page %d: %w", page.Index, err))
			return result
		}
		result.Outcome = OutcomeEdited
	default:
		result.MessageID = existing.ID
		result.Pinned = existing.Pinned
		result.Outcome = OutcomeUnchanged
	}
	return result
}

// findPinned returns the first pinned message sent by the bot that
// hasn't already been matched to a page.
func (r *RulesReconciler) findPinned(
	pinned []*discordgo.Message,
	claimed map[string]bool,
) *discordgo.Message {
	botID := r.botUserID()
	if botID == "" {
		return nil
	}
	for _, m := range pinned {
		if m == nil || m.Author == nil || claimed[m.ID] {
			continue
		}
		if m.Author.ID == botID {
			return m
		}
	}
	return nil
}

func (r *RulesReconciler) saveRef(
	ctx context.Context,
	logger *slog.Logger,
	channelID string,
	page int,
	messageID string,
) {
	if r.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dbOperationTimeout)
	defer cancel()
	if err := r.db.SaveRulesMessageRef(ctx, channelID, page, messageID); err != nil {
		logger.ErrorContext(ctx, "unable to store rules message ID", tint.Err(err))
	}
}
