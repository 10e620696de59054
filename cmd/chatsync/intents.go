package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/chatsync/internal/cache"
	"github.com/alexjbarnes/chatsync/internal/models"
)

const defaultIntentTimeout = 10 * time.Second

// oneShot connects, runs fn, and disconnects.
func oneShot(cmd *cobra.Command, timeout time.Duration, fn func(ctx context.Context, a *app) error) error {
	a, err := setup(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	if err := a.session.Start(ctx); err != nil {
		return err
	}

	return fn(ctx, a)
}

func newSendCmd() *cobra.Command {
	var (
		chatID      string
		recipientID string
		wait        bool
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send [text...]",
		Short: "Send a chat message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if chatID == "" {
				return errors.New("--chat is required")
			}

			return oneShot(cmd, timeout, func(ctx context.Context, a *app) error {
				key := cache.MessagesKey(chatID)

				changed := make(chan struct{}, 1)
				a.store.OnChange(func(k cache.Key) {
					if k != key {
						return
					}

					select {
					case changed <- struct{}{}:
					default:
					}
				})

				msg, err := a.session.Synchronizer().SendMessage(ctx, models.Draft{
					ChatID:      chatID,
					RecipientID: recipientID,
					Text:        strings.Join(args, " "),
				})
				if err != nil {
					return err
				}

				if !wait {
					fmt.Fprintln(cmd.OutOrStdout(), msg.ID)
					return nil
				}

				confirmed, err := awaitEcho(ctx, a.store, key, msg.ClientID, changed)
				if err != nil {
					return err
				}

				fmt.Fprintln(cmd.OutOrStdout(), confirmed.ID)

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&chatID, "chat", "", "chat ID to post into")
	cmd.Flags().StringVar(&recipientID, "to", "", "recipient user ID")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the server echo and print the confirmed message ID")
	cmd.Flags().DurationVar(&timeout, "timeout", defaultIntentTimeout, "overall timeout")

	return cmd
}

// awaitEcho blocks until the message sent with clientID is no longer
// pending in the cached collection at key.
func awaitEcho(ctx context.Context, store *cache.Store, key cache.Key, clientID string, changed <-chan struct{}) (models.Message, error) {
	for {
		if msgs, ok := cache.Read[cache.Paged[models.Message]](store, key); ok {
			m, found := msgs.Find(func(m models.Message) bool { return m.ClientID == clientID })
			if found && !m.Pending {
				return m, nil
			}
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return models.Message{}, fmt.Errorf("waiting for server echo: %w", ctx.Err())
		}
	}
}

func newDeleteCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "delete <message-id>",
		Short: "Delete a chat message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(cmd, timeout, func(ctx context.Context, a *app) error {
				return a.session.Synchronizer().DeleteMessage(ctx, args[0])
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", defaultIntentTimeout, "overall timeout")

	return cmd
}

func newSeenCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "seen <message-id>",
		Short: "Mark a chat message as seen",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(cmd, timeout, func(ctx context.Context, a *app) error {
				return a.session.Synchronizer().MarkSeen(ctx, args[0])
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", defaultIntentTimeout, "overall timeout")

	return cmd
}
