// Package app wires a client session from configuration. Both binaries build
// their orchestrator through it.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"

	"github.com/rivalwatch/internal/backend"
	"github.com/rivalwatch/internal/config"
	"github.com/rivalwatch/internal/events"
	"github.com/rivalwatch/internal/models"
	"github.com/rivalwatch/internal/orchestrator"
	"github.com/rivalwatch/internal/storage"
	"github.com/rivalwatch/internal/storage/sqlite"
	"github.com/rivalwatch/internal/stream"
	"github.com/rivalwatch/pkg/logger"
	"github.com/rivalwatch/pkg/ratelimit"
)

// Hooks receive orchestrator notifications
type Hooks struct {
	OnSnapshot func(monitorID string, w *models.WorkingCopy)
	OnStatus   func(monitorID string, ev events.StatusEvent)
}

// Session holds everything one process needs to talk to the backend
type Session struct {
	Config       *config.Config
	Log          *logger.Logger
	Store        storage.Repository
	Limiter      *ratelimit.MultiLimiter
	Backend      *backend.Client
	Orchestrator *orchestrator.Orchestrator
}

// OpenStore opens and migrates the local working store
func OpenStore(cfg *config.Config) (storage.Repository, error) {
	repo, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := repo.Migrate(); err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}

// Open builds a session on top of an open store and restores the cached
// state. Nothing is fetched from the backend.
func Open(ctx context.Context, cfg *config.Config, repo storage.Repository, log *logger.Logger, hooks Hooks) (*Session, error) {
	tokens, err := TokenSource(ctx, repo, cfg.API)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.NewDefaultLimiter(cfg.RateLimit.APIRequestsPerSecond, cfg.RateLimit.APIBurst)
	client := backend.NewClient(cfg.API.BaseURL, cfg.API.Timeout, tokens, limiter, log)
	dialer := backend.NewStreamDialer(cfg.API.StreamURL(), cfg.Stream.HandshakeTimeout, tokens, limiter, log)

	orch := orchestrator.New(orchestrator.Options{
		Backend:  client,
		Streamer: dialer,
		Store:    repo,
		Analysis: cfg.Analysis,
		Stream: stream.Options{
			BufferSize:  cfg.Stream.BufferSize,
			IdleTimeout: cfg.Stream.IdleTimeout,
		},
		MaxPeers:   cfg.Peers.MaxSurfaced,
		Log:        log,
		OnSnapshot: hooks.OnSnapshot,
		OnStatus:   hooks.OnStatus,
	})
	if err := orch.Restore(ctx); err != nil {
		return nil, fmt.Errorf("failed to restore session: %w", err)
	}

	return &Session{
		Config:       cfg,
		Log:          log,
		Store:        repo,
		Limiter:      limiter,
		Backend:      client,
		Orchestrator: orch,
	}, nil
}

// Close stops any live run. The store stays open; its owner closes it.
func (s *Session) Close() {
	s.Orchestrator.Close()
}

// TokenSource picks the bearer token: a stored, unexpired session token wins
// over the configured one. It returns nil when neither exists.
func TokenSource(ctx context.Context, repo storage.Repository, cfg config.APIConfig) (oauth2.TokenSource, error) {
	if repo != nil {
		tok, err := repo.GetToken(ctx, storage.TokenProvider)
		switch {
		case err == nil && !tok.IsExpired():
			return oauth2.StaticTokenSource(tok.ToOAuth2Token()), nil
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("failed to load session token: %w", err)
		}
	}

	if token := strings.TrimSpace(cfg.Token); token != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}), nil
	}
	return nil, nil
}
