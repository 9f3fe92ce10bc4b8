package grcbot

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// JoinResult describes what the join handler did for a new member
type JoinResult struct {
	UserID           string  `json:"user_id"`
	Welcome          Outcome `json:"welcome"`
	WelcomeMessageID string  `json:"welcome_message_id,omitempty"`
	WelcomeErr       error   `json:"-"`
	Role             Outcome `json:"role"`
	RoleErr          error   `json:"-"`
}

func (j JoinResult) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("user_id", j.UserID),
		slog.String("welcome", j.Welcome.String()),
		slog.String("role", j.Role.String()),
	}
	if j.WelcomeMessageID != "" {
		attrs = append(attrs, slog.String("welcome_message_id", j.WelcomeMessageID))
	}
	if j.WelcomeErr != nil {
		attrs = append(attrs, slog.String("welcome_error", j.WelcomeErr.Error()))
	}
	if j.RoleErr != nil {
		attrs = append(attrs, slog.String("role_error", j.RoleErr.Error()))
	}
	return slog.GroupValue(attrs...)
}

// JoinHandler greets new members and gives them the auto-role
type JoinHandler struct {
	session   DiscordSessionHandler
	guildID   string
	config    *WelcomeConfig
	botUserID func() string
	logger    *slog.Logger
	now       func() time.Time

	// welcoming serializes the dedup scan and send per user
	mu        sync.Mutex
	welcoming map[string]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func newJoinHandler(
	session DiscordSessionHandler,
	guildID string,
	config *WelcomeConfig,
	botUserID func() string,
	logger *slog.Logger,
) *JoinHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if botUserID == nil {
		botUserID = func() string { return "" }
	}
	return &JoinHandler{
		session:   session,
		guildID:   guildID,
		config:    config,
		botUserID: botUserID,
		logger:    logger,
		now:       time.Now,
		welcoming: map[string]*userLock{},
	}
}

// lockUser blocks until no other join for userID is being welcomed,
// and returns the func that releases it.
func (j *JoinHandler) lockUser(userID string) func() {
	j.mu.Lock()
	l, ok := j.welcoming[userID]
	if !ok {
		l = &userLock{}
		j.welcoming[userID] = l
	}
	l.refs++
	j.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		j.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(j.welcoming, userID)
		}
		j.mu.Unlock()
	}
}

// renderWelcome replaces every {user} in the template with the
// user's mention
func renderWelcome(template string, u *discordgo.User) string {
	return strings.ReplaceAll(template, welcomeUserPlaceholder, u.Mention())
}

// Handle processes a member join. Bot accounts and members of other
// guilds are ignored. Failures are logged and reported in the result,
// never returned.
func (j *JoinHandler) Handle(ctx context.Context, m *discordgo.Member) JoinResult {
	result := JoinResult{Welcome: OutcomeSkipped, Role: OutcomeSkipped}
	if m == nil || m.User == nil {
		return result
	}
	result.UserID = m.User.ID
	logger := contextLoggerOr(ctx, j.logger).With(memberLogAttrs(m)...)

	if m.User.Bot {
		logger.DebugContext(ctx, "ignoring bot join")
		return result
	}
	if j.guildID != "" && m.GuildID != "" && m.GuildID != j.guildID {
		logger.DebugContext(ctx, "ignoring join for another guild", "guild_id", m.GuildID)
		return result
	}

	result.Welcome, result.WelcomeMessageID, result.WelcomeErr = j.welcome(ctx, logger, m.User)
	result.Role, result.RoleErr = j.assignRole(ctx, logger, m)

	logger.InfoContext(ctx, "handled member join", "result", result)
	return result
}

func (j *JoinHandler) welcome(
	ctx context.Context,
	logger *slog.Logger,
	u *discordgo.User,
) (Outcome, string, error) {
	if j.config == nil || j.config.ChannelID == "" || j.config.Message == "" {
		return OutcomeSkipped, "", nil
	}
	channelID := j.config.ChannelID

	if j.config.Dedup && j.config.DedupLookback > 0 {
		unlock := j.lockUser(u.ID)
		defer unlock()
		if existing := j.findRecentWelcome(ctx, logger, channelID, u.ID); existing != nil {
			logger.InfoContext(
				ctx,
				"member was already welcomed",
				"message_id", existing.ID,
			)
			return OutcomeDuplicate, existing.ID, nil
		}
	}

	msg, err := j.session.ChannelMessageSend(
		channelID,
		renderWelcome(j.config.Message, u),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		err = fmt.Errorf("error sending welcome message: %w", err)
		logger.ErrorContext(ctx, "unable to welcome member", tint.Err(err))
		return OutcomeFailed, "", err
	}
	return OutcomeSent, msg.ID, nil
}

// findRecentWelcome looks through the latest messages in the welcome
// channel for one sent by the bot, mentioning the user, within the
// dedup window. If the messages can't be read, the welcome is sent
// anyway.
func (j *JoinHandler) findRecentWelcome(
	ctx context.Context,
	logger *slog.Logger,
	channelID string,
	userID string,
) *discordgo.Message {
	messages, err := j.session.ChannelMessages(
		channelID,
		j.config.DedupLookback,
		"",
		"",
		"",
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.WarnContext(ctx, "unable to check for earlier welcome", tint.Err(err))
		return nil
	}

	botID := j.botUserID()
	now := j.now()
	for _, msg := range messages {
		if msg == nil || msg.Author == nil {
			continue
		}
		fromBot := msg.Author.ID == botID
		if botID == "" {
			fromBot = msg.Author.Bot
		}
		if !fromBot || !messageMentionsUser(msg, userID) {
			continue
		}
		sent, tsErr := messageTime(msg)
		if tsErr != nil {
			continue
		}
		if now.Sub(sent) <= j.config.DedupWindow {
			return msg
		}
	}
	return nil
}

// assignRole adds the auto-role, unless the member already has it.
// The join event usually carries no roles, so the member is fetched
// to check before adding.
func (j *JoinHandler) assignRole(
	ctx context.Context,
	logger *slog.Logger,
	m *discordgo.Member,
) (Outcome, error) {
	if j.config == nil || j.config.AutoRoleID == "" {
		return OutcomeSkipped, nil
	}
	roleID := j.config.AutoRoleID
	guildID := m.GuildID
	if guildID == "" {
		guildID = j.guildID
	}

	if slices.Contains(m.Roles, roleID) {
		return OutcomeAlreadyHeld, nil
	}
	current, err := j.session.GuildMember(guildID, m.User.ID, discordgo.WithContext(ctx))
	if err != nil {
		logger.WarnContext(ctx, "unable to fetch member roles", tint.Err(err))
	} else if current != nil && slices.Contains(current.Roles, roleID) {
		return OutcomeAlreadyHeld, nil
	}

	if err = j.session.GuildMemberRoleAdd(
		guildID,
		m.User.ID,
		roleID,
		discordgo.WithContext(ctx),
	); err != nil {
		err = fmt.Errorf("error adding role %s: %w", roleID, err)
		logger.ErrorContext(ctx, "failed to auto-assign role", tint.Err(err))
		return OutcomeFailed, err
	}
	return OutcomeAssigned, nil
}
