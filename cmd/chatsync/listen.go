package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/chatsync/internal/cache"
	"github.com/alexjbarnes/chatsync/realtime"
)

func newListenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Hold a chat session open and apply pushed events to the cache",
		Long:  "Connects to the chat server, subscribes the user's event and message channels, and keeps the local cache in sync until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()

			return listen(cmd.Context(), a)
		},
	}
}

func listen(parent context.Context, a *app) error {
	logger := a.logger

	logger.Info("starting",
		slog.String("version", Version),
		slog.String("server", a.cfg.ServerURL),
		slog.String("user_id", a.state.UserID()),
		slog.Bool("auto_reconnect", a.cfg.AutoReconnect),
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	states := make(chan realtime.StateEvent, 16)
	a.session.Manager().OnStateChange(func(ev realtime.StateEvent) {
		select {
		case states <- ev:
		default:
			logger.Debug("state event dropped", slog.String("state", ev.New.String()))
		}
	})

	a.store.OnChange(func(k cache.Key) {
		if chatID, ok := cache.ChatIDFromKey(k); ok {
			logger.Info("messages updated", slog.String("chat_id", chatID))
			return
		}

		logger.Info("cache updated", slog.String("key", string(k)))
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.hold(gctx)
	})

	g.Go(func() error {
		for {
			select {
			case ev := <-states:
				attrs := []any{
					slog.String("from", ev.Old.String()),
					slog.String("to", ev.New.String()),
				}
				if ev.Err != nil {
					attrs = append(attrs, slog.String("error", ev.Err.Error()))
				}

				logger.Info("connection state changed", attrs...)
			case <-gctx.Done():
				return nil
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("listening: %w", err)
	}

	logger.Info("shutting down", slog.Int("online_users", len(a.session.Presence().Online())))

	return nil
}
