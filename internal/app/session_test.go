package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivalwatch/internal/config"
	"github.com/rivalwatch/internal/models"
	"github.com/rivalwatch/internal/orchestrator"
	"github.com/rivalwatch/internal/storage"
	"github.com/rivalwatch/pkg/logger"
)

func testConfig() *config.Config {
	return &config.Config{
		API:       config.APIConfig{BaseURL: "http://localhost:8000", Timeout: time.Second},
		Stream:    config.StreamConfig{BufferSize: 16},
		Peers:     config.PeersConfig{MaxSurfaced: 10},
		Analysis:  config.AnalysisConfig{MaxCompetitors: 5},
		Database:  config.DatabaseConfig{DSN: ":memory:"},
		RateLimit: config.RateLimitConfig{APIRequestsPerSecond: 100, APIBurst: 10},
	}
}

func openStore(t *testing.T) storage.Repository {
	t.Helper()
	repo, err := OpenStore(testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestTokenSource(t *testing.T) {
	ctx := context.Background()
	repo := openStore(t)

	ts, err := TokenSource(ctx, repo, config.APIConfig{})
	require.NoError(t, err)
	assert.Nil(t, ts, "no token anywhere")

	ts, err = TokenSource(ctx, repo, config.APIConfig{Token: "from-config"})
	require.NoError(t, err)
	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "from-config", tok.AccessToken)

	require.NoError(t, repo.SaveToken(ctx, &models.SessionToken{Provider: storage.TokenProvider, AccessToken: "stored", TokenType: "Bearer"}))
	ts, err = TokenSource(ctx, repo, config.APIConfig{Token: "from-config"})
	require.NoError(t, err)
	tok, err = ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "stored", tok.AccessToken)
}

func TestTokenSource_ExpiredStoredTokenFallsBack(t *testing.T) {
	ctx := context.Background()
	repo := openStore(t)

	past := time.Now().Add(-time.Hour)
	require.NoError(t, repo.SaveToken(ctx, &models.SessionToken{Provider: storage.TokenProvider, AccessToken: "old", TokenType: "Bearer", ExpiresAt: &past}))

	ts, err := TokenSource(ctx, repo, config.APIConfig{Token: "from-config"})
	require.NoError(t, err)
	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "from-config", tok.AccessToken)
}

func TestOpen_RestoresCachedState(t *testing.T) {
	ctx := context.Background()
	repo := openStore(t)

	require.NoError(t, repo.SaveMonitors(ctx, []models.Monitor{{ID: "m1", Name: "Example", URL: "https://example.com"}}))
	require.NoError(t, repo.SetSetting(ctx, storage.SettingCurrentMonitor, "m1"))

	s, err := Open(ctx, testConfig(), repo, logger.Nop(), Hooks{})
	require.NoError(t, err)
	defer s.Close()

	cur, ok := s.Orchestrator.Current()
	require.True(t, ok)
	assert.Equal(t, "m1", cur.ID)
	assert.Equal(t, orchestrator.StateIdle, s.Orchestrator.State("m1"))
	assert.NotNil(t, s.Backend)
}
