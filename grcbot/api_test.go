package grcbot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// apiRequest sends a request straight to the bot's gin engine, with
// the API secret unless auth is false.
func apiRequest(
	t testing.TB,
	b *Bot,
	method string,
	path string,
	auth bool,
) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, apiPrefix+path, nil)
	if auth {
		req.Header.Set("Authorization", bearerPrefix+b.config.API.Secret)
	}
	w := httptest.NewRecorder()
	b.api.engine.ServeHTTP(w, req)
	return w.Result()
}

func decodeResponse[T any](t testing.TB, resp *http.Response) T {
	t.Helper()
	defer func() {
		_ = resp.Body.Close()
	}()
	var rv T
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, &rv), string(body))
	return rv
}

func TestAPI_HealthCheck(t *testing.T) {
	t.Parallel()
	b, _ := newTestBot(t, nil)
	b.discord.handlerConnect()(nil, nil)

	resp := apiRequest(t, b, http.MethodGet, apiPathHealthCheck, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(xRequestIDHeader))

	health := decodeResponse[healthCheckResponse](t, resp)
	assert.True(t, health.DiscordGatewayConnected)
	assert.Equal(t, b.discord.BotUserID(), health.BotUserID)
	assert.Equal(t, Version, health.Version)
	require.NotNil(t, health.NextSupportReset)
	assert.True(t, health.NextSupportReset.After(time.Now()))
}

func TestAPI_HealthCheckWithoutSupport(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Support.ChannelID = ""
	b, _ := newTestBot(t, cfg)

	resp := apiRequest(t, b, http.MethodGet, apiPathHealthCheck, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeResponse[healthCheckResponse](t, resp)
	assert.Nil(t, health.NextSupportReset)
	assert.False(t, health.DiscordGatewayConnected)
}

func TestAPI_Unauthorized(t *testing.T) {
	t.Parallel()
	b, fake := newTestBot(t, nil)

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodGet, apiPathRules},
		{http.MethodPost, apiPathRulesReconcile},
		{http.MethodPost, apiPathSupportReset},
		{http.MethodGet, apiPathSupportResetsList},
	}
	for _, route := range routes {
		t.Run(
			fmt.Sprintf("%s %s", route.method, route.path), func(t *testing.T) {
				resp := apiRequest(t, b, route.method, route.path, false)
				assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

				req := httptest.NewRequest(route.method, apiPrefix+route.path, nil)
				req.Header.Set("Authorization", bearerPrefix+"wrong")
				w := httptest.NewRecorder()
				b.api.engine.ServeHTTP(w, req)
				assert.Equal(t, http.StatusUnauthorized, w.Code)
			},
		)
	}
	assert.Equal(t, 0, fake.Calls("ChannelMessageSend"))
}

func TestAuthMiddleware_EmptySecret(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	b, _ := newTestBot(t, cfg)
	b.config.API.Secret = ""

	api, err := newAPI(b, b.config.API)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, apiPrefix+apiPathRules, nil)
	req.Header.Set("Authorization", bearerPrefix)
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_ReconcileRules(t *testing.T) {
	t.Parallel()
	b, fake := newTestBot(t, nil)

	resp := apiRequest(t, b, http.MethodPost, apiPathRulesReconcile, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeResponse[reconcileResponse](t, resp)
	assert.Equal(t, testRulesChannelID, body.ChannelID)
	require.Len(t, body.Results, 2)
	assert.Equal(t, OutcomeCreated, body.Results[0].Outcome)
	assert.Len(t, fake.channelMessages(testRulesChannelID), 2)

	resp = apiRequest(t, b, http.MethodGet, apiPathRules, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	refs := decodeResponse[[]RulesMessageRef](t, resp)
	require.Len(t, refs, 2)
	assert.Equal(t, body.Results[0].MessageID, refs[0].MessageID)
}

func TestAPI_ReconcileRulesDisabled(t *testing.T) {
	t.Parallel()
	b, _ := newTestBot(t, nil)
	b.config.Rules.Message1 = ""

	resp := apiRequest(t, b, http.MethodPost, apiPathRulesReconcile, true)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decodeResponse[httpError](t, resp)
	assert.Equal(t, ErrRulesDisabled.Error(), body.Error)
}

func TestAPI_ResetSupport(t *testing.T) {
	t.Parallel()
	b, fake := newTestBot(t, nil)
	fake.seedMessages(testSupportChannelID, 12, time.Hour)

	resp := apiRequest(t, b, http.MethodPost, apiPathSupportReset, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decodeResponse[PurgeResult](t, resp)
	assert.Equal(t, supportTriggerAPI, result.Trigger)
	assert.Equal(t, 12, result.BulkDeleted)
	assert.NotEmpty(t, result.PostedMessageID)

	resp = apiRequest(t, b, http.MethodGet, apiPathSupportResetsList+"?limit=10", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resets := decodeResponse[[]SupportReset](t, resp)
	require.Len(t, resets, 1)
	assert.Equal(t, supportTriggerAPI, resets[0].Trigger)
}

func TestAPI_ResetSupportOutlivesRequest(t *testing.T) {
	t.Parallel()
	b, fake := newTestBot(t, nil)
	fake.seedMessages(testSupportChannelID, 6, 20*24*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, apiPrefix+apiPathSupportReset, nil).WithContext(ctx)
	req.Header.Set("Authorization", bearerPrefix+b.config.API.Secret)
	w := httptest.NewRecorder()
	b.api.engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decodeResponse[PurgeResult](t, w.Result())
	assert.Equal(t, 6, result.SingleDeleted)
	assert.NotEmpty(t, result.PostedMessageID)

	messages := fake.channelMessages(testSupportChannelID)
	require.Len(t, messages, 1)
	assert.Equal(t, b.config.Support.Message, messages[0].Content)
}

func TestAPI_ReconcileRulesOutlivesRequest(t *testing.T) {
	t.Parallel()
	b, fake := newTestBot(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, apiPrefix+apiPathRulesReconcile, nil).WithContext(ctx)
	req.Header.Set("Authorization", bearerPrefix+b.config.API.Secret)
	w := httptest.NewRecorder()
	b.api.engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, fake.channelMessages(testRulesChannelID), 2)
}

func TestAPI_ResetSupportConflict(t *testing.T) {
	t.Parallel()
	b, _ := newTestBot(t, nil)

	b.support.running.Lock()
	resp := apiRequest(t, b, http.MethodPost, apiPathSupportReset, true)
	b.support.running.Unlock()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	b.config.Support.Message = ""
	resp = apiRequest(t, b, http.MethodPost, apiPathSupportReset, true)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_SupportResetsInvalidLimit(t *testing.T) {
	t.Parallel()
	b, _ := newTestBot(t, nil)

	for _, q := range []string{"?limit=500", "?limit=-1", "?limit=abc"} {
		resp := apiRequest(t, b, http.MethodGet, apiPathSupportResetsList+q, true)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestAPI_RequestMetrics(t *testing.T) {
	t.Parallel()
	b, _ := newTestBot(t, nil)

	apiRequest(t, b, http.MethodGet, apiPathHealthCheck, false)
	apiRequest(t, b, http.MethodGet, apiPathHealthCheck, false)
	apiRequest(t, b, http.MethodGet, apiPathRules, false)

	metrics := b.api.RequestMetrics()
	assert.Equal(t, 2, metrics[fmt.Sprintf("GET %s%s", apiPrefix, apiPathHealthCheck)])
	assert.Equal(t, 1, metrics[fmt.Sprintf("GET %s%s", apiPrefix, apiPathRules)])
}

func TestAPI_ServeShutdown(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.API.Listen = "127.0.0.1:0"
	b, _ := newTestBot(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.api.Serve(ctx)
	}()

	var addr string
	require.Eventually(
		t, func() bool {
			addr = b.api.Addr()
			return addr != ""
		}, 5*time.Second, 10*time.Millisecond,
	)

	resp, err := http.Get(fmt.Sprintf("http://%s%s%s", addr, apiPrefix, apiPathHealthCheck))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	require.NoError(t, b.api.Shutdown(shutdownCtx))
	select {
	case err = <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Serve to return")
	}
}
