package grcbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	// bulkDeleteMaxAge is the oldest a message can be for the bulk
	// delete endpoint to accept it
	bulkDeleteMaxAge = 14 * 24 * time.Hour

	// bulkDeleteAgeMargin is subtracted from bulkDeleteMaxAge, so a
	// message crossing the limit mid-run doesn't fail the whole batch
	bulkDeleteAgeMargin = 10 * time.Minute

	supportTriggerSchedule = "schedule"
	supportTriggerStartup  = "startup"
	supportTriggerAPI      = "api"
	supportTriggerCLI      = "cli"
)

var (
	ErrSupportDisabled = errors.New("support channel or message not configured")
	ErrResetInProgress = errors.New("a support channel reset is already running")
)

// PurgeResult summarizes a support channel reset
type PurgeResult struct {
	ChannelID       string    `json:"channel_id"`
	Trigger         string    `json:"trigger"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	Passes          int       `json:"passes"`
	BulkBatches     int       `json:"bulk_batches"`
	BulkDeleted     int       `json:"bulk_deleted"`
	SingleDeleted   int       `json:"single_deleted"`
	SingleFailed    int       `json:"single_failed"`
	Stuck           bool      `json:"stuck"`
	PostedMessageID string    `json:"posted_message_id,omitempty"`
	PostErr         error     `json:"-"`
	PostError       string    `json:"post_error,omitempty"`
}

// Deleted returns the total number of messages removed
func (p PurgeResult) Deleted() int {
	return p.BulkDeleted + p.SingleDeleted
}

func (p PurgeResult) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("channel_id", p.ChannelID),
		slog.String("trigger", p.Trigger),
		slog.Int("passes", p.Passes),
		slog.Int("bulk_batches", p.BulkBatches),
		slog.Int("bulk_deleted", p.BulkDeleted),
		slog.Int("single_deleted", p.SingleDeleted),
		slog.Int("single_failed", p.SingleFailed),
		slog.Bool("stuck", p.Stuck),
		slog.String("posted_message_id", p.PostedMessageID),
		slog.Duration("elapsed", p.FinishedAt.Sub(p.StartedAt)),
	}
	if p.PostErr != nil {
		attrs = append(attrs, tint.Err(p.PostErr))
	}
	return slog.GroupValue(attrs...)
}

func (p PurgeResult) record(runErr error) *SupportReset {
	r := &SupportReset{
		ChannelID:       p.ChannelID,
		Trigger:         p.Trigger,
		StartedAt:       p.StartedAt.UnixMilli(),
		FinishedAt:      p.FinishedAt.UnixMilli(),
		Passes:          p.Passes,
		BulkBatches:     p.BulkBatches,
		BulkDeleted:     p.BulkDeleted,
		SingleDeleted:   p.SingleDeleted,
		SingleFailed:    p.SingleFailed,
		Stuck:           p.Stuck,
		PostedMessageID: p.PostedMessageID,
	}
	if err := errors.Join(runErr, p.PostErr); err != nil {
		r.Error = err.Error()
	}
	return r
}

// SupportResetter empties a channel and posts a fresh message in it.
// Only one reset runs at a time.
type SupportResetter struct {
	session        DiscordSessionHandler
	db             DBI
	logger         *slog.Logger
	deleteInterval time.Duration
	now            func() time.Time
	running        sync.Mutex
}

func newSupportResetter(
	session DiscordSessionHandler,
	db DBI,
	deleteInterval time.Duration,
	logger *slog.Logger,
) *SupportResetter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SupportResetter{
		session:        session,
		db:             db,
		logger:         logger,
		deleteInterval: deleteInterval,
		now:            time.Now,
	}
}

// Reset deletes every message it can from the channel, then posts message.
//
// Each pass fetches the newest 100 messages. Messages young enough are
// removed with one bulk delete request, older ones are deleted one at a
// time, throttled by deleteInterval. Individual delete failures are
// counted and otherwise ignored. The loop ends when the channel is empty,
// or when a pass deletes nothing (Stuck), so a channel the bot can't
// delete from doesn't loop forever.
//
// The returned error is only set when the channel can't be used or a
// reset is already running. Failing to post is reported in the result.
func (s *SupportResetter) Reset(
	ctx context.Context,
	channelID string,
	message string,
	trigger string,
) (PurgeResult, error) {
	result := PurgeResult{
		ChannelID: channelID,
		Trigger:   trigger,
		StartedAt: s.now(),
	}
	if channelID == "" || message == "" {
		return result, ErrSupportDisabled
	}
	if !s.running.TryLock() {
		return result, ErrResetInProgress
	}
	defer s.running.Unlock()

	logger := contextLoggerOr(ctx, s.logger).With(
		"channel_id", channelID,
		"trigger", trigger,
	)
	logger.InfoContext(ctx, "resetting support channel")

	err := s.reset(ctx, logger, channelID, message, &result)
	result.FinishedAt = s.now()

	if err != nil {
		logger.ErrorContext(ctx, "support channel reset failed", tint.Err(err), "result", result)
	} else {
		logger.InfoContext(ctx, "support channel reset", "result", result)
	}

	if s.db != nil {
		// recorded even if ctx was cancelled mid-reset
		dbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dbOperationTimeout)
		if recErr := s.db.RecordSupportReset(dbCtx, result.record(err)); recErr != nil {
			logger.ErrorContext(ctx, "unable to record support reset", tint.Err(recErr))
		}
		cancel()
	}
	return result, err
}

func (s *SupportResetter) reset(
	ctx context.Context,
	logger *slog.Logger,
	channelID string,
	message string,
	result *PurgeResult,
) error {
	channel, err := s.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("error fetching support channel: %w", err)
	}
	if !channelIsTextBased(channel) {
		return fmt.Errorf("%w: %s", ErrChannelNotText, channelID)
	}

	if err = s.purge(ctx, logger, channelID, result); err != nil {
		return err
	}

	msg, err := s.session.ChannelMessageSend(channelID, message, discordgo.WithContext(ctx))
	if err != nil {
		result.PostErr = fmt.Errorf("error posting support message: %w", err)
		result.PostError = result.PostErr.Error()
		return nil
	}
	result.PostedMessageID = msg.ID
	return nil
}

// purge runs delete passes until the channel is empty or no progress
// is made. Only context cancellation is returned as an error.
func (s *SupportResetter) purge(
	ctx context.Context,
	logger *slog.Logger,
	channelID string,
	result *PurgeResult,
) error {
	limit := rate.Inf
	if s.deleteInterval > 0 {
		limit = rate.Every(s.deleteInterval)
	}
	limiter := rate.NewLimiter(limit, 1)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		messages, err := s.session.ChannelMessages(
			channelID,
			discordMaxMessagesPerFetch,
			"",
			"",
			"",
			discordgo.WithContext(ctx),
		)
		if err != nil {
			logger.WarnContext(ctx, "unable to fetch messages, ending purge", tint.Err(err))
			return nil
		}
		if len(messages) == 0 {
			logger.DebugContext(ctx, "channel empty")
			return nil
		}
		result.Passes++

		recent, old := partitionByAge(messages, s.now(), bulkDeleteMaxAge-bulkDeleteAgeMargin)
		deleted := 0

		for _, batch := range chunkItems(discordMaxBulkDelete, recent...) {
			result.BulkBatches++
			if bulkErr := s.session.ChannelMessagesBulkDelete(
				channelID,
				batch,
				discordgo.WithContext(ctx),
			); bulkErr != nil {
				logger.WarnContext(
					ctx,
					"bulk delete failed",
					"count", len(batch),
					tint.Err(bulkErr),
				)
				continue
			}
			result.BulkDeleted += len(batch)
			deleted += len(batch)
		}

		for _, messageID := range old {
			if err = limiter.Wait(ctx); err != nil {
				return err
			}
			if delErr := s.session.ChannelMessageDelete(
				channelID,
				messageID,
				discordgo.WithContext(ctx),
			); delErr != nil {
				result.SingleFailed++
				logger.DebugContext(
					ctx,
					"unable to delete message",
					"message_id", messageID,
					tint.Err(delErr),
				)
				continue
			}
			result.SingleDeleted++
			deleted++
		}

		logger.DebugContext(
			ctx,
			"purge pass finished",
			"pass", result.Passes,
			"fetched", len(messages),
			"recent", len(recent),
			"old", len(old),
			"deleted", deleted,
		)

		if deleted == 0 {
			result.Stuck = true
			logger.WarnContext(
				ctx,
				"no messages could be deleted, ending purge",
				"remaining", len(messages),
			)
			return nil
		}
	}
}

// partitionByAge splits message IDs into those younger than maxAge and
// the rest. Messages with an unknown timestamp are treated as old.
func partitionByAge(
	messages []*discordgo.Message,
	now time.Time,
	maxAge time.Duration,
) (recent []string, old []string) {
	for _, m := range messages {
		if m == nil {
			continue
		}
		sent, err := messageTime(m)
		if err == nil && now.Sub(sent) < maxAge {
			recent = append(recent, m.ID)
		} else {
			old = append(old, m.ID)
		}
	}
	return recent, old
}
