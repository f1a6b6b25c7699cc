package commands

import (
	"context"
	"fmt"

	"github.com/dense-identity/securecall/internal/app"
	"github.com/dense-identity/securecall/internal/signaling"
	"github.com/spf13/cobra"
)

// withChannel opens a one-off signaling channel for account operations.
func withChannel(fn func(ctx context.Context, ch *signaling.Channel) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ch, err := a.DialSignaling(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()
	return fn(ctx, ch)
}

func directoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "directory",
		Short: "Fetch the contact directory filter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withChannel(func(ctx context.Context, ch *signaling.Channel) error {
				filter, err := ch.FetchDirectoryFilter(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("hash count: %d\nfilter: %d bytes\n", filter.HashCount, len(filter.Filter))
				return nil
			})
		},
	}
}

func pushCmd() *cobra.Command {
	var (
		kind       string
		unregister bool
	)
	cmd := &cobra.Command{
		Use:   "push <token>",
		Short: "Register (or with --unregister, remove) a push token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withChannel(func(ctx context.Context, ch *signaling.Channel) error {
				if unregister {
					return ch.UnregisterPushToken(ctx, signaling.PushKind(kind), args[0])
				}
				return ch.RegisterPushToken(ctx, signaling.PushKind(kind), args[0])
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "gcm", "push service (gcm or c2dm)")
	cmd.Flags().BoolVar(&unregister, "unregister", false, "remove the token instead")
	return cmd
}

func preferenceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preference <value>",
		Short: "Set the signaling preference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withChannel(func(ctx context.Context, ch *signaling.Channel) error {
				return ch.SetSignalingPreference(ctx, args[0])
			})
		},
	}
}
