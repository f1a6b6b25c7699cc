package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/dense-identity/securecall/internal/app"
	"github.com/dense-identity/securecall/internal/call"
	"github.com/dense-identity/securecall/internal/control"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the call control service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logrus.WithError(err).Warn("Closing providers")
				}
			}()

			registry := control.NewRegistry(control.DefaultRetention)
			defer registry.Close()

			lis, err := net.Listen("tcp", cfg.ControlAddr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.ControlAddr, err)
			}

			srv := grpc.NewServer()
			control.RegisterCallControlServer(srv, control.NewServer(a, registry,
				control.WithServerRoot(cfg.RelayServerRoot),
				control.WithLoopbackEnabled(cfg.Loopback)))

			if cfg.Loopback {
				c := a.Loopback(call.LogObserver{Entry: logrus.WithField("role", "loopback")})
				registry.Track(c)
				if err := c.Start(); err != nil {
					return err
				}
			}

			go func() {
				<-ctx.Done()
				srv.GracefulStop()
			}()

			logrus.WithFields(logrus.Fields{
				"addr":      cfg.ControlAddr,
				"signaling": fmt.Sprintf("%s:%d", cfg.SignalingHost, cfg.SignalingPort),
				"loopback":  cfg.Loopback,
			}).Info("Call control listening")
			if err := srv.Serve(lis); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
}
