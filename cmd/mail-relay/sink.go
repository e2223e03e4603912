package main

import (
	"crypto/tls"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shineum/socket-mail-relay/internal/sink"
	sinktls "github.com/shineum/socket-mail-relay/internal/tls"
)

func newSinkCmd() *cobra.Command {
	var (
		cfg       sink.Config
		enableTLS bool
		certFile  string
		keyFile   string
		logLevel  string
	)

	cmd := &cobra.Command{
		Use:   "sink",
		Short: "Run a local SMTP relay that prints every message it accepts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(logLevel, true)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			log := logger.Sugar()

			if enableTLS || certFile != "" || keyFile != "" {
				var tlsConfig *tls.Config
				tlsConfig, err = sinktls.ServerConfig(certFile, keyFile, sinktls.DefaultHosts...)
				if err != nil {
					return err
				}
				cfg.TLSConfig = tlsConfig
			}
			cfg.Logger = log
			cfg.Mailbox = sink.NewPrinter(cmd.OutOrStdout())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return sink.New(cfg).ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&cfg.Addr, "listen", "127.0.0.1:2525", "address to listen on")
	cmd.Flags().StringVar(&cfg.Username, "username", "", "AUTH PLAIN username (any credentials accepted when empty)")
	cmd.Flags().StringVar(&cfg.Password, "password", "", "AUTH PLAIN password")
	cmd.Flags().BoolVar(&enableTLS, "tls", false, "offer STARTTLS with a self-signed certificate")
	cmd.Flags().StringVar(&certFile, "cert", "", "TLS certificate file (implies --tls)")
	cmd.Flags().StringVar(&keyFile, "key", "", "TLS key file (implies --tls)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}
