package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alexjbarnes/chatsync/internal/cache"
	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/realtime"
)

// SessionConfig wires one chat session.
type SessionConfig struct {
	Manager     *realtime.Manager
	Cache       *cache.Store
	Identity    IdentityProvider
	Headers     map[string]string // CONNECT headers, e.g. Authorization
	OnException func(Exception)   // optional
}

// Session is the per-instance chat context: one connection, one cache,
// one identity. Create one per signed-in client and Close it when done.
type Session struct {
	manager  *realtime.Manager
	cache    *cache.Store
	identity IdentityProvider
	headers  map[string]string
	logger   *slog.Logger

	sync     *Synchronizer
	router   *Router
	presence *Presence

	mu           sync.Mutex
	subscribedAs string
}

// NewSession builds the synchronizer and router around cfg.Manager.
func NewSession(cfg SessionConfig, logger *slog.Logger) *Session {
	presence := NewPresence()
	synchronizer := NewSynchronizer(SynchronizerConfig{
		Cache:       cfg.Cache,
		Sender:      cfg.Manager,
		Identity:    cfg.Identity,
		OnException: cfg.OnException,
	}, logger)

	s := &Session{
		manager:  cfg.Manager,
		cache:    cfg.Cache,
		identity: cfg.Identity,
		headers:  cfg.Headers,
		logger:   logger,
		sync:     synchronizer,
		router:   NewRouter(synchronizer, presence, logger),
		presence: presence,
	}

	cfg.Manager.OnStateChange(s.onStateChange)

	return s
}

// Synchronizer returns the session's cache writer and outbound API.
func (s *Session) Synchronizer() *Synchronizer { return s.sync }

// Presence returns the session's presence tracker.
func (s *Session) Presence() *Presence { return s.presence }

// Manager returns the session's connection manager.
func (s *Session) Manager() *realtime.Manager { return s.manager }

// Cache returns the session's cache.
func (s *Session) Cache() *cache.Store { return s.cache }

// Start subscribes the per-user channels, when the user is known, and
// connects. An unknown user defers subscription to a later Resubscribe
// or reconnect; it does not fail Start.
func (s *Session) Start(ctx context.Context) error {
	if err := s.Resubscribe(); err != nil {
		if !errors.Is(err, chaterrors.ErrIdentityUnknown) {
			return err
		}

		s.logger.Info("user not known yet, chat subscription deferred")
	}

	if err := s.manager.Connect(ctx, s.headers); err != nil {
		return fmt.Errorf("starting chat session: %w", err)
	}

	return nil
}

// Resubscribe binds the per-user channels for the current user. It
// returns ErrIdentityUnknown while the identity provider has no user,
// and moves the subscriptions when the user changed.
func (s *Session) Resubscribe() error {
	userID := s.identity.CurrentUserID()
	if userID == "" {
		return chaterrors.ErrIdentityUnknown
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if userID == s.subscribedAs {
		return nil
	}

	if prev := s.subscribedAs; prev != "" {
		for _, dest := range []string{EventChannel(prev), MessageChannel(prev)} {
			if err := s.manager.Unsubscribe(dest); err != nil {
				return fmt.Errorf("leaving %s: %w", dest, err)
			}
		}
	}

	for _, dest := range []string{EventChannel(userID), MessageChannel(userID)} {
		if err := s.manager.Subscribe(dest, s.router.Handle, ""); err != nil {
			return fmt.Errorf("subscribing %s: %w", dest, err)
		}
	}

	s.subscribedAs = userID

	s.logger.Info("chat channels bound", slog.String("user_id", userID))

	return nil
}

func (s *Session) onStateChange(ev realtime.StateEvent) {
	switch ev.New {
	case realtime.StateConnected:
		if err := s.Resubscribe(); err != nil && !errors.Is(err, chaterrors.ErrIdentityUnknown) {
			s.logger.Warn("resubscribing after connect", slog.String("error", err.Error()))
		}
	case realtime.StateReconnecting, realtime.StateDisconnected:
		s.presence.Reset()
	}
}

// Close disconnects and releases the session. The cache is kept.
func (s *Session) Close() error {
	return s.manager.Close()
}
