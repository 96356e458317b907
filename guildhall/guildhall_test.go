package guildhall

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"net/http"
	"testing"
	"time"
)

func restoreDefaultLogger(t testing.TB) {
	t.Helper()
	defaultLogger := slog.Default()
	t.Cleanup(
		func() {
			slog.SetDefault(defaultLogger)
		},
	)
}

func TestNew_InvalidDatabaseType(t *testing.T) {
	restoreDefaultLogger(t)
	cfg := testConfig(t)
	cfg.DatabaseType = "oracle"
	_, err := New(cfg, WithDiscordSession(newFakeDiscordSession()))
	assert.Error(t, err)
}

func TestNew_OpenAIDisabled(t *testing.T) {
	restoreDefaultLogger(t)
	g, err := New(testConfig(t), WithDiscordSession(newFakeDiscordSession()))
	require.NoError(t, err)
	assert.Nil(t, g.aiClient)

	cfg := testConfig(t)
	cfg.OpenAI.Token = "sk-test"
	g, err = New(cfg, WithDiscordSession(newFakeDiscordSession()))
	require.NoError(t, err)
	assert.NotNil(t, g.aiClient)
}

func TestNew_HTTPClient(t *testing.T) {
	restoreDefaultLogger(t)
	session := newFakeDiscordSession()
	_, err := New(testConfig(t), WithDiscordSession(session))
	require.NoError(t, err)
	assert.Same(t, http.DefaultClient, session.httpClient)

	client := &http.Client{Timeout: time.Second}
	cfg := testConfig(t)
	cfg.HTTPClient = client
	g, err := New(cfg)
	require.NoError(t, err)
	discordSession, ok := g.session.(DiscordSession)
	require.True(t, ok)
	assert.Same(t, client, discordSession.session.Client)
}

func TestGuildhall_Run(t *testing.T) {
	restoreDefaultLogger(t)
	cfg := testConfig(t)
	cfg.Discord.RegisterCommands = true
	session := newFakeDiscordSession()
	ai := &mockOpenAIClient{}
	g, err := New(cfg, WithDiscordSession(session), WithOpenAIClient(ai))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- g.Run(ctx)
	}()

	require.Eventually(
		t, func() bool {
			session.mu.Lock()
			defer session.mu.Unlock()
			return session.opened
		}, 5*time.Second, 10*time.Millisecond,
	)
	// connection handlers plus every gateway event
	assert.Equal(t, 2+len(defaultEvents()), session.handlerCount())
	assert.Len(t, g.manager.Controllers(), 4)
	assert.NotNil(t, g.manager.OpenAI())

	session.mu.Lock()
	assert.Len(t, session.overwrites, 1)
	session.mu.Unlock()

	cancel()
	select {
	case err = <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run didn't return")
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.True(t, session.closed)
	assert.Empty(t, session.handlers)

	sqlDB, _ := g.gormDB.DB()
	if sqlDB != nil {
		_ = sqlDB.Close()
	}
}

func TestGuildhall_RunInvalidConfig(t *testing.T) {
	restoreDefaultLogger(t)
	cfg := testConfig(t)
	cfg.API.Secret = ""
	g, err := New(cfg, WithDiscordSession(newFakeDiscordSession()))
	require.NoError(t, err)
	assert.Error(t, g.Run(context.Background()))
}
