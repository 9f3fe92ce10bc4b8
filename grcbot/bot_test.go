package grcbot

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func waitForReady(t testing.TB, b *Bot) {
	t.Helper()
	select {
	case <-b.Ready():
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for startup")
	}
}

func TestNew_InvalidDatabaseType(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.DatabaseType = "mysql"
	_, err := newBot(cfg)
	require.Error(t, err)
}

func TestNew_InvalidSchedule(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Support.Timezone = "Mars/Olympus_Mons"
	_, err := newBot(cfg)
	require.Error(t, err)
}

func TestNew_NoSchedulerWithoutSupport(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Support.Message = ""
	b, err := newBot(cfg)
	require.NoError(t, err)
	assert.Nil(t, b.scheduler)

	_, ok := b.NextSupportReset()
	assert.False(t, ok)
}

func TestStartup(t *testing.T) {
	t.Parallel()
	b, fake := newTestBot(t, nil)

	ready := &discordgo.Ready{SessionID: "session", User: fake.botUser}
	handler := b.discord.handlerReady(b.onReady)
	handler(nil, ready)
	waitForReady(t, b)

	// a second Ready (after a reconnect) doesn't repeat startup
	handler(nil, ready)
	b.eventWG.Wait()
	t.Cleanup(func() { <-b.scheduler.Stop().Done() })

	require.Len(t, fake.statuses, 1)
	assert.Equal(t, DefaultDiscordActivity, fake.statuses[0].Activities[0].Name)
	assert.Equal(t, 1, fake.Calls("ApplicationCommandBulkOverwrite"))
	assert.Len(t, fake.commands, 2)
	assert.Len(t, fake.channelMessages(testRulesChannelID), 2)

	next, ok := b.NextSupportReset()
	require.True(t, ok)
	assert.True(t, next.After(time.Now()))

	// the support channel is left alone until the scheduled time
	assert.Empty(t, fake.channelMessages(testSupportChannelID))
}

func TestStartup_RunSupportOnStartup(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Support.RunOnStartup = true
	b, fake := newTestBot(t, cfg)
	fake.seedMessages(testSupportChannelID, 7, time.Hour)

	b.onReady(&discordgo.Ready{})
	waitForReady(t, b)
	t.Cleanup(func() { <-b.scheduler.Stop().Done() })

	messages := fake.channelMessages(testSupportChannelID)
	require.Len(t, messages, 1)
	assert.Equal(t, cfg.Support.Message, messages[0].Content)

	resets, err := b.db.ListSupportResets(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, resets, 1)
	assert.Equal(t, supportTriggerStartup, resets[0].Trigger)
}

func TestStartup_FailuresDontStopStartup(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Rules.Message2 = ""
	b, fake := newTestBot(t, cfg)
	fake.failStatus = true
	fake.failCommands = true

	b.onReady(&discordgo.Ready{})
	waitForReady(t, b)
	t.Cleanup(func() { <-b.scheduler.Stop().Done() })

	assert.Empty(t, fake.channelMessages(testRulesChannelID))
	_, ok := b.NextSupportReset()
	assert.True(t, ok)
}

func TestScheduledSupportReset(t *testing.T) {
	t.Parallel()
	b, fake := newTestBot(t, nil)
	fake.seedMessages(testSupportChannelID, 3, time.Hour)

	b.scheduler.RunNow(context.Background())

	messages := fake.channelMessages(testSupportChannelID)
	require.Len(t, messages, 1)
	resets, err := b.db.ListSupportResets(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, resets, 1)
	assert.Equal(t, supportTriggerSchedule, resets[0].Trigger)
}

func TestResetSupportOnce(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	b, err := newBot(cfg)
	require.NoError(t, err)

	fake := newFakeDiscordSession(t)
	fake.addChannel(testSupportChannelID, discordgo.ChannelTypeGuildText)
	fake.seedMessages(testSupportChannelID, 4, time.Hour)
	b.discord.session = fake
	b.wire()

	result, err := b.ResetSupportOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, supportTriggerCLI, result.Trigger)
	assert.Equal(t, 4, result.Deleted())
	assert.Equal(t, 0, fake.Calls("Open"))
}

func TestResetSupportOnce_MissingConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Discord.Token = ""
	b, err := newBot(cfg)
	require.NoError(t, err)

	_, err = b.ResetSupportOnce(context.Background())
	require.ErrorIs(t, err, ErrMissingRequiredConfig)
}

func TestRun(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.API.Listen = "127.0.0.1:0"
	b, fake := newTestBot(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Run(ctx)
	}()

	require.Eventually(
		t, func() bool { return fake.Calls("Open") == 1 },
		5*time.Second, 10*time.Millisecond,
	)
	assert.Equal(t, 5, fake.Calls("AddHandler"))

	b.discord.handlerReady(b.onReady)(nil, &discordgo.Ready{User: fake.botUser})
	waitForReady(t, b)
	assert.Len(t, fake.channelMessages(testRulesChannelID), 2)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
	assert.Equal(t, 1, fake.Calls("Close"))
	assert.Equal(t, 5, fake.Calls("RemoveHandler"))
}

func TestRun_OpenFailureClosesDatabase(t *testing.T) {
	t.Parallel()
	b, fake := newTestBot(t, nil)
	fake.failOpen = true

	err := b.Run(context.Background())
	require.ErrorIs(t, err, errFakeDiscord)
	assert.Equal(t, 5, fake.Calls("RemoveHandler"))

	sqlDB, err := b.gormDB.DB()
	require.NoError(t, err)
	assert.Error(t, sqlDB.Ping())
}

func TestRun_MissingConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Discord.GuildID = ""
	b, err := newBot(cfg)
	require.NoError(t, err)

	err = b.Run(context.Background())
	require.ErrorIs(t, err, ErrMissingRequiredConfig)
	assert.Contains(t, err.Error(), "GUILD_ID")
}
