package grcbot

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// roleSessionMock delegates to the fake session, except for role
// changes, which are answered by the mock.
type roleSessionMock struct {
	*fakeDiscordSession
	mock.Mock
}

func (r *roleSessionMock) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	args := r.Called(guildID, userID, roleID)
	return args.Error(0)
}

func newTestMember(b *Bot, userID string) *discordgo.Member {
	return &discordgo.Member{
		GuildID: b.config.Discord.GuildID,
		User: &discordgo.User{
			ID:       userID,
			Username: fmt.Sprintf("user_%s", userID),
		},
	}
}

func TestRenderWelcome(t *testing.T) {
	t.Parallel()
	u := &discordgo.User{ID: "123"}
	assert.Equal(t, "Hi <@123>", renderWelcome("Hi {user}", u))
	assert.Equal(t, "<@123> <@123>", renderWelcome("{user} {user}", u))
	assert.Equal(t, "no placeholder", renderWelcome("no placeholder", u))
}

func TestJoinHandler_WelcomeAndRole(t *testing.T) {
	t.Parallel()
	b, fake := newTestBot(t, nil)
	b.config.Welcome.Message = "Hi {user}"

	result := b.joins.Handle(context.Background(), newTestMember(b, "123"))
	assert.Equal(t, OutcomeSent, result.Welcome)
	assert.Equal(t, OutcomeAssigned, result.Role)
	assert.NoError(t, result.WelcomeErr)
	assert.NoError(t, result.RoleErr)

	messages := fake.channelMessages(testWelcomeChannelID)
	require.Len(t, messages, 1)
	assert.Equal(t, "Hi <@123>", messages[0].Content)
	assert.Equal(t, messages[0].ID, result.WelcomeMessageID)

	member, err := fake.GuildMember(b.config.Discord.GuildID, "123")
	require.NoError(t, err)
	assert.Contains(t, member.Roles, testAutoRoleID)
}

func TestJoinHandler_Dedup(t *testing.T) {
	t.Parallel()
	b, fake := newTestBot(t, nil)
	ctx := context.Background()
	member := newTestMember(b, "456")

	first := b.joins.Handle(ctx, member)
	require.Equal(t, OutcomeSent, first.Welcome)

	second := b.joins.Handle(ctx, member)
	assert.Equal(t, OutcomeDuplicate, second.Welcome)
	assert.Equal(t, first.WelcomeMessageID, second.WelcomeMessageID)
	assert.Equal(t, OutcomeAlreadyHeld, second.Role)
	assert.Len(t, fake.channelMessages(testWelcomeChannelID), 1)

	other := b.joins.Handle(ctx, newTestMember(b, "789"))
	assert.Equal(t, OutcomeSent, other.Welcome)
	assert.Len(t, fake.channelMessages(testWelcomeChannelID), 2)
}

func TestJoinHandler_DedupConcurrentJoins(t *testing.T) {
	t.Parallel()
	b, fake := newTestBot(t, nil)
	ctx := context.Background()

	const joins = 20
	results := make(chan JoinResult, joins)
	var wg sync.WaitGroup
	for i := 0; i < joins; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- b.joins.Handle(ctx, newTestMember(b, "789"))
		}()
	}
	wg.Wait()
	close(results)

	outcomes := map[Outcome]int{}
	for r := range results {
		outcomes[r.Welcome]++
	}
	assert.Equal(t, 1, outcomes[OutcomeSent])
	assert.Equal(t, joins-1, outcomes[OutcomeDuplicate])
	assert.Len(t, fake.channelMessages(testWelcomeChannelID), 1)

	b.joins.mu.Lock()
	assert.Empty(t, b.joins.welcoming)
	b.joins.mu.Unlock()
}

func TestJoinHandler_DedupOutsideWindow(t *testing.T) {
	t.Parallel()
	b, fake := newTestBot(t, nil)

	fake.addMessage(
		testWelcomeChannelID,
		fake.botUser,
		renderWelcome(b.config.Welcome.Message, &discordgo.User{ID: "456"}),
		2*DefaultWelcomeDedupWindow,
	)

	result := b.joins.Handle(context.Background(), newTestMember(b, "456"))
	assert.Equal(t, OutcomeSent, result.Welcome)
	assert.Len(t, fake.channelMessages(testWelcomeChannelID), 2)
}

func TestJoinHandler_DedupIgnoresOtherAuthors(t *testing.T) {
	t.Parallel()
	b, fake := newTestBot(t, nil)

	fake.addMessage(
		testWelcomeChannelID,
		&discordgo.User{ID: "other_bot", Bot: true},
		"Welcome <@456>!",
		time.Second,
	)

	result := b.joins.Handle(context.Background(), newTestMember(b, "456"))
	assert.Equal(t, OutcomeSent, result.Welcome)
}

func TestJoinHandler_DedupDisabled(t *testing.T) {
	t.Parallel()
	b, fake := newTestBot(t, nil)
	b.config.Welcome.Dedup = false
	ctx := context.Background()

	b.joins.Handle(ctx, newTestMember(b, "456"))
	b.joins.Handle(ctx, newTestMember(b, "456"))
	assert.Len(t, fake.channelMessages(testWelcomeChannelID), 2)
	assert.Equal(t, 0, fake.Calls("ChannelMessages"))
}

func TestJoinHandler_DedupFetchFailureStillWelcomes(t *testing.T) {
	t.Parallel()
	b, fake := newTestBot(t, nil)
	fake.failFetchHistory = true

	result := b.joins.Handle(context.Background(), newTestMember(b, "456"))
	assert.Equal(t, OutcomeSent, result.Welcome)
}

func TestJoinHandler_Ignored(t *testing.T) {
	t.Parallel()
	b, fake := newTestBot(t, nil)
	ctx := context.Background()

	botMember := newTestMember(b, "999")
	botMember.User.Bot = true
	result := b.joins.Handle(ctx, botMember)
	assert.Equal(t, OutcomeSkipped, result.Welcome)
	assert.Equal(t, OutcomeSkipped, result.Role)

	elsewhere := newTestMember(b, "888")
	elsewhere.GuildID = "another_guild"
	result = b.joins.Handle(ctx, elsewhere)
	assert.Equal(t, OutcomeSkipped, result.Welcome)
	assert.Equal(t, OutcomeSkipped, result.Role)

	result = b.joins.Handle(ctx, nil)
	assert.Equal(t, OutcomeSkipped, result.Welcome)

	assert.Equal(t, 0, fake.Calls("ChannelMessageSend"))
	assert.Equal(t, 0, fake.Calls("GuildMemberRoleAdd"))
}

func TestJoinHandler_FeaturesDisabled(t *testing.T) {
	t.Parallel()
	b, fake := newTestBot(t, nil)
	b.config.Welcome.ChannelID = ""
	b.config.Welcome.AutoRoleID = ""

	result := b.joins.Handle(context.Background(), newTestMember(b, "123"))
	assert.Equal(t, OutcomeSkipped, result.Welcome)
	assert.Equal(t, OutcomeSkipped, result.Role)
	assert.Equal(t, 0, fake.Calls("ChannelMessageSend"))
	assert.Equal(t, 0, fake.Calls("GuildMember"))
}

func TestJoinHandler_RoleAlreadyHeld(t *testing.T) {
	t.Parallel()
	b, fake := newTestBot(t, nil)

	member := newTestMember(b, "123")
	member.Roles = []string{testAutoRoleID}
	result := b.joins.Handle(context.Background(), member)
	assert.Equal(t, OutcomeAlreadyHeld, result.Role)
	assert.Equal(t, 0, fake.Calls("GuildMember"))
	assert.Equal(t, 0, fake.Calls("GuildMemberRoleAdd"))
}

func TestJoinHandler_RoleFailure(t *testing.T) {
	t.Parallel()
	b, fake := newTestBot(t, nil)

	session := &roleSessionMock{fakeDiscordSession: fake}
	session.On(
		"GuildMemberRoleAdd",
		b.config.Discord.GuildID,
		"123",
		testAutoRoleID,
	).Return(errFakeDiscord).Once()
	b.discord.session = session
	b.wire()

	result := b.joins.Handle(context.Background(), newTestMember(b, "123"))
	assert.Equal(t, OutcomeSent, result.Welcome)
	assert.Equal(t, OutcomeFailed, result.Role)
	assert.ErrorIs(t, result.RoleErr, errFakeDiscord)
	session.AssertExpectations(t)
}

func TestJoinHandler_WelcomeFailureStillAssignsRole(t *testing.T) {
	t.Parallel()
	b, fake := newTestBot(t, nil)
	fake.failSend = true

	result := b.joins.Handle(context.Background(), newTestMember(b, "123"))
	assert.Equal(t, OutcomeFailed, result.Welcome)
	assert.ErrorIs(t, result.WelcomeErr, errFakeDiscord)
	assert.Equal(t, OutcomeAssigned, result.Role)
}

func TestHandlerGuildMemberAdd(t *testing.T) {
	t.Parallel()
	b, fake := newTestBot(t, nil)

	handler := b.handlerGuildMemberAdd()
	handler(nil, &discordgo.GuildMemberAdd{Member: newTestMember(b, "321")})
	handler(nil, &discordgo.GuildMemberAdd{})
	b.eventWG.Wait()

	messages := fake.channelMessages(testWelcomeChannelID)
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0].Content, "<@321>")
}
