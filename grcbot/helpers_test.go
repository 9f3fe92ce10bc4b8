package grcbot

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestLoggerCtx(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, ok := ContextLogger(ctx)
	assert.False(t, ok)

	fallback := slog.Default().With("fallback", true)
	assert.Equal(t, fallback, contextLoggerOr(ctx, fallback))

	logger := slog.Default().With("test_name", t.Name())
	ctx = WithLogger(ctx, logger)
	ctxLogger, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Equal(t, logger, ctxLogger)
	assert.Equal(t, logger, contextLoggerOr(ctx, fallback))
}

func TestMessageMentionsUser(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		message *discordgo.Message
		want    bool
	}{
		{"nil", nil, false},
		{"content", &discordgo.Message{Content: "Welcome <@123>!"}, true},
		{"nickname mention", &discordgo.Message{Content: "Welcome <@!123>!"}, true},
		{"resolved", &discordgo.Message{Mentions: []*discordgo.User{{ID: "123"}}}, true},
		{"other user", &discordgo.Message{Content: "Welcome <@1234>!"}, false},
		{"bare id", &discordgo.Message{Content: "123"}, false},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.want, messageMentionsUser(tc.message, "123"))
			},
		)
	}
}

func TestMessageTime(t *testing.T) {
	t.Parallel()
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	got, err := messageTime(&discordgo.Message{ID: "1", Timestamp: ts})
	require.NoError(t, err)
	assert.True(t, ts.Equal(got))

	// snowflake for 2016-04-30 11:18:25.796 UTC
	got, err = messageTime(&discordgo.Message{ID: "175928847299117063"})
	require.NoError(t, err)
	assert.Equal(t, 2016, got.UTC().Year())

	_, err = messageTime(&discordgo.Message{ID: "nope"})
	assert.Error(t, err)
}

func TestChunkItems(t *testing.T) {
	t.Parallel()
	items := make([]int, 250)
	chunks := chunkItems(100, items...)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 100)
	assert.Len(t, chunks[1], 100)
	assert.Len(t, chunks[2], 50)

	assert.Empty(t, chunkItems[string](100))
}

func TestChannelIsTextBased(t *testing.T) {
	t.Parallel()
	assert.False(t, channelIsTextBased(nil))
	assert.True(t, channelIsTextBased(&discordgo.Channel{Type: discordgo.ChannelTypeGuildText}))
	assert.True(t, channelIsTextBased(&discordgo.Channel{Type: discordgo.ChannelTypeGuildNews}))
	assert.False(t, channelIsTextBased(&discordgo.Channel{Type: discordgo.ChannelTypeGuildCategory}))
	assert.False(t, channelIsTextBased(&discordgo.Channel{Type: discordgo.ChannelTypeGuildForum}))
}

func TestGenerateRandomHexString(t *testing.T) {
	t.Parallel()
	s, err := generateRandomHexString(32)
	require.NoError(t, err)
	assert.Len(t, s, 32)

	other, err := generateRandomHexString(32)
	require.NoError(t, err)
	assert.NotEqual(t, s, other)
}

func TestStructToSlogValue(t *testing.T) {
	t.Parallel()
	type inner struct {
		Secret string `json:"secret" log:"[redacted]"`
		Name   string `json:"name"`
	}
	type outer struct {
		ID    int    `json:"id"`
		Empty string `json:"empty"`
		Inner *inner `json:"inner"`
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info(
		"test",
		"value",
		structToSlogValue(outer{ID: 1, Inner: &inner{Secret: "hunter2", Name: "n"}}),
	)
	out := buf.String()
	assert.Contains(t, out, "value.id=1")
	assert.Contains(t, out, "value.inner.name=n")
	assert.Contains(t, out, "value.inner.secret=[redacted]")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "empty")
}

func TestGORMLogger_Trace(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	gl := newGORMLogger(handler, 10*time.Millisecond)
	ctx := context.Background()

	sql := func() (string, int64) { return "select 1", 1 }

	gl.Trace(ctx, time.Now(), sql, nil)
	assert.Contains(t, buf.String(), "level=DEBUG")
	buf.Reset()

	gl.Trace(ctx, time.Now().Add(-time.Second), sql, nil)
	assert.Contains(t, buf.String(), "level=WARN")
	buf.Reset()

	gl.Trace(ctx, time.Now(), sql, errors.New("boom"))
	assert.Contains(t, buf.String(), "boom")
	buf.Reset()

	gl.Trace(ctx, time.Now(), sql, gorm.ErrRecordNotFound)
	assert.NotContains(t, buf.String(), "level=WARN")
}

func TestCronLogger(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	cl := cronLogger{logger: logger}

	cl.Info("wake", "now", "x")
	assert.Contains(t, buf.String(), "level=DEBUG")
	buf.Reset()

	cl.Error(errors.New("job panicked"), "panic", "job", "reset")
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "job panicked")
}
