package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/chatsync/internal/mcpserver"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the chat session as MCP tools over stdio",
		Long:  "Holds a chat session open like listen and exposes the cached chats, messages and chat intents as MCP tools on stdin/stdout. Logs go to stderr.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			return serveMCP(cmd.Context(), a)
		},
	}
}

func serveMCP(parent context.Context, a *app) error {
	logger := a.logger

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := mcp.NewServer(&mcp.Implementation{Name: "chatsync", Version: Version}, nil)
	mcpserver.RegisterTools(server, a.session)

	logger.Info("starting mcp server",
		slog.String("version", Version),
		slog.String("server", a.cfg.ServerURL),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.hold(gctx)
	})

	g.Go(func() error {
		// The client closing stdin ends the session.
		defer stop()

		return server.Run(gctx, &mcp.StdioTransport{})
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serving mcp: %w", err)
	}

	return nil
}
