package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shineum/socket-mail-relay/internal/channel"
	"github.com/shineum/socket-mail-relay/internal/config"
	"github.com/shineum/socket-mail-relay/internal/credentials"
	"github.com/shineum/socket-mail-relay/internal/dispatch"
	"github.com/shineum/socket-mail-relay/internal/provider"
	"github.com/shineum/socket-mail-relay/internal/provider/ses"
	smtpprovider "github.com/shineum/socket-mail-relay/internal/provider/smtp"
	"github.com/shineum/socket-mail-relay/internal/provider/stdout"
	"github.com/shineum/socket-mail-relay/internal/server"
)

func newServeCmd() *cobra.Command {
	var configPath, envFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the request channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath, envFile)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to YAML configuration file (optional)")
	cmd.Flags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading the environment (default .env if present)")
	return cmd
}

func runServe(ctx context.Context, configPath, envFile string) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := newLogger(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	defer zap.ReplaceGlobals(logger)()
	log := logger.Sugar()

	srv, prov, err := newRelay(cfg, logger)
	if err != nil {
		log.Errorw("failed to create relay provider", "transport", cfg.Relay.Transport, "error", err)
		return err
	}

	log.Infow("starting mail-relay",
		"listen", cfg.Server.Listen,
		"socket_path", cfg.Server.SocketPath,
		"provider", prov.Name(),
		"credentials_file", cfg.Credentials.File,
		"token_auth", cfg.TokenAuthEnabled(),
	)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			log.Infow("received signal, initiating shutdown", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := srv.ListenAndServe(ctx); err != nil {
		log.Errorw("server error", "error", err)
		return err
	}

	log.Info("mail-relay stopped")
	return nil
}

// newRelay wires the credentials store, provider, dispatcher and channel
// into an HTTP server.
func newRelay(cfg *config.Config, logger *zap.Logger) (*server.Server, provider.Provider, error) {
	prov, err := selectProvider(cfg)
	if err != nil {
		return nil, nil, err
	}

	log := logger.Sugar()
	dispatcher := dispatch.New(dispatch.Config{
		Credentials: credentials.NewStore(cfg.Credentials.File),
		Provider:    prov,
		Timeout:     cfg.Relay.Timeout,
		Logger:      log,
	})
	ch := channel.New(channel.Options{
		Sender:      dispatcher,
		Logger:      log,
		TokenSecret: cfg.Server.TokenSecret,
	})
	srv := server.New(server.Config{
		Addr:       cfg.Server.Listen,
		SocketPath: cfg.Server.SocketPath,
		Channel:    ch,
		Logger:     logger,
		Debug:      cfg.Logging.Development,
	})
	return srv, prov, nil
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// selectProvider builds the relay backend named by relay.transport.
func selectProvider(cfg *config.Config) (provider.Provider, error) {
	switch cfg.Relay.Transport {
	case "smtp", "":
		return smtpprovider.New(smtpprovider.Options{
			TLSPolicy:          cfg.Relay.TLSPolicy,
			Auth:               cfg.Relay.Auth,
			Timeout:            cfg.Relay.Timeout,
			InsecureSkipVerify: cfg.Relay.InsecureSkipVerify,
		})
	case "ses":
		return ses.New(ses.Options{Endpoint: cfg.Relay.SESEndpoint}), nil
	case "stdout":
		return stdout.New(), nil
	default:
		return nil, fmt.Errorf("unknown relay transport %q", cfg.Relay.Transport)
	}
}
