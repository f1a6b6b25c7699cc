package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dense-identity/securecall/internal/config"
	"github.com/dense-identity/securecall/internal/control"
	"github.com/spf13/cobra"
)

const rpcTimeout = 10 * time.Second

var (
	cfg         *config.CallConfig
	controlAddr string
)

func Execute() error {
	root := &cobra.Command{
		Use:          "securecall",
		Short:        "Encrypted voice call setup over a signaling switch and media relay",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadEnv(); err != nil {
				return fmt.Errorf("loading env file: %w", err)
			}
			loaded, err := config.New[config.CallConfig]()
			if err != nil {
				return fmt.Errorf("parsing config: %w", err)
			}
			if controlAddr != "" {
				loaded.ControlAddr = controlAddr
			}
			if err := loaded.ConfigureLogging(); err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}

	root.PersistentFlags().StringVar(&controlAddr, "control", "", "call control address (default $CONTROL_ADDR)")

	root.AddCommand(
		serveCmd(),
		dialCmd(), incomingCmd(), answerCmd(), rejectCmd(), hangupCmd(),
		muteCmd(), verifyCmd(), listCmd(), loopbackCmd(),
		directoryCmd(), pushCmd(), preferenceCmd(),
	)
	return root.Execute()
}

// withClient runs fn against the control service with a bounded deadline.
func withClient(fn func(ctx context.Context, client *control.Client) error) error {
	client, err := control.NewClient(cfg.ControlAddr, false)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.ControlAddr, err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	return fn(ctx, client)
}

func printCalls(calls ...control.CallInfo) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tROLE\tREMOTE\tSTATE\tOUTCOME\tSAS\tMUTED")
	for _, c := range calls {
		sas := c.SAS
		if sas != "" && c.SASVerified {
			sas += " (verified)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%v\n",
			c.ID, c.Role, c.Remote, c.State, c.Outcome, sas, c.Muted)
	}
	_ = w.Flush()
}
