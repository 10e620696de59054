package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/alexjbarnes/chatsync/chat"
	"github.com/alexjbarnes/chatsync/internal/cache"
	"github.com/alexjbarnes/chatsync/internal/config"
	"github.com/alexjbarnes/chatsync/internal/logging"
	"github.com/alexjbarnes/chatsync/internal/state"
	"github.com/alexjbarnes/chatsync/realtime"
)

// app bundles everything a command needs for one chat session.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	state   *state.State
	store   *cache.Store
	session *chat.Session
}

// setup loads config and state and builds the session. Logs go to logOut.
func setup(logOut io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLoggerTo(logOut, cfg.Environment, cfg.LogLevel)

	appState, err := openState(cfg)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	if cfg.UserID != "" && cfg.UserID != appState.UserID() {
		if err := appState.SetUserID(cfg.UserID); err != nil {
			appState.Close()
			return nil, fmt.Errorf("saving user id: %w", err)
		}
	}

	store := cache.New(appState, logger)
	if err := store.Load(); err != nil {
		logger.Warn("discarding unreadable cache snapshot", slog.String("error", err.Error()))

		if err := appState.ClearCache(); err != nil {
			logger.Warn("clearing cache snapshot", slog.String("error", err.Error()))
		}
	}

	manager := realtime.NewManager(realtime.ManagerConfig{
		URL:              cfg.ServerURL,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReconnectDelay:   cfg.EffectiveReconnectDelay(),
	}, logger)

	session := chat.NewSession(chat.SessionConfig{
		Manager:  manager,
		Cache:    store,
		Identity: chat.IdentityFunc(appState.UserID),
		Headers:  cfg.ConnectHeaders(),
	}, logger)

	return &app{
		cfg:     cfg,
		logger:  logger,
		state:   appState,
		store:   store,
		session: session,
	}, nil
}

func openState(cfg *config.Config) (*state.State, error) {
	if cfg.StatePath != "" {
		return state.LoadAt(cfg.StatePath)
	}

	return state.Load()
}

// hold starts the session and keeps it open until ctx ends. A failed
// first connect is tolerated while auto-reconnect will retry it.
func (a *app) hold(ctx context.Context) error {
	if err := a.session.Start(ctx); err != nil {
		if !a.cfg.AutoReconnect || errors.Is(err, context.Canceled) {
			return err
		}

		a.logger.Warn("initial connect failed, retrying in background", slog.String("error", err.Error()))
	}

	<-ctx.Done()

	return nil
}

func (a *app) Close() {
	if err := a.session.Close(); err != nil {
		a.logger.Warn("closing session", slog.String("error", err.Error()))
	}

	if err := a.state.Close(); err != nil {
		a.logger.Warn("closing state", slog.String("error", err.Error()))
	}
}
