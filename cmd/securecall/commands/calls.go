package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dense-identity/securecall/internal/control"
	"github.com/spf13/cobra"
)

func dialCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dial <number>",
		Short: "Place a call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, client *control.Client) error {
				info, err := client.Dial(ctx, args[0])
				if err != nil {
					return err
				}
				printCalls(info)
				return nil
			})
		},
	}
}

// incoming <session-id> <relay-port> <caller>: hand over an incoming-call
// notification so the service starts ringing.
func incomingCmd() *cobra.Command {
	var serverName string
	cmd := &cobra.Command{
		Use:   "incoming <session-id> <relay-port> <caller>",
		Short: "Start ringing for an incoming-call notification",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid session id %q: %w", args[0], err)
			}
			relayPort, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid relay port %q: %w", args[1], err)
			}
			return withClient(func(ctx context.Context, client *control.Client) error {
				info, err := client.Incoming(ctx, sessionID, serverName, relayPort, args[2])
				if err != nil {
					return err
				}
				printCalls(info)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&serverName, "server", "", "relay server name (default $RELAY_HOST)")
	return cmd
}

func answerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "answer <call-id>",
		Short: "Answer a ringing call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, client *control.Client) error {
				info, err := client.Answer(ctx, args[0])
				if err != nil {
					return err
				}
				printCalls(info)
				return nil
			})
		},
	}
}

func rejectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reject <call-id>",
		Short: "Reply busy to a ringing call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, client *control.Client) error {
				return client.Reject(ctx, args[0])
			})
		},
	}
}

func hangupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hangup <call-id>",
		Short: "Terminate a call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, client *control.Client) error {
				return client.Terminate(ctx, args[0])
			})
		},
	}
}

func muteCmd() *cobra.Command {
	var off bool
	cmd := &cobra.Command{
		Use:   "mute <call-id>",
		Short: "Mute (or with --off, unmute) the microphone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, client *control.Client) error {
				info, err := client.SetMute(ctx, args[0], !off)
				if err != nil {
					return err
				}
				printCalls(info)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "unmute instead")
	return cmd
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <call-id>",
		Short: "Record that the short authentication string matched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, client *control.Client) error {
				info, err := client.VerifySAS(ctx, args[0])
				if err != nil {
					return err
				}
				printCalls(info)
				return nil
			})
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List call attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, client *control.Client) error {
				calls, err := client.List(ctx)
				if err != nil {
					return err
				}
				printCalls(calls...)
				return nil
			})
		},
	}
}

func loopbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "loopback",
		Short: "Start a local media loopback with zeroed keys (needs LOOPBACK=true on serve)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, client *control.Client) error {
				info, err := client.Loopback(ctx)
				if err != nil {
					return err
				}
				printCalls(info)
				return nil
			})
		},
	}
}
