package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/bankfeed/internal/certs"
	"github.com/Veraticus/bankfeed/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver",
		Long: `Start the HTTP webhook receiver and the background worker that applies
provider notifications to connections.

Providers post to /webhooks/{provider}. Events that exhaust their retries are
kept in the database, or in DynamoDB when aws.failed_events_table is set.`,
		RunE: runServe,
	}

	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().Bool("init-providers", true, "initialize every provider before serving")
	cmd.Flags().Bool("tls", false, "serve HTTPS with a self-signed certificate from server.cert_dir")
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("server.tls", cmd.Flags().Lookup("tls"))

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	initProviders, _ := cmd.Flags().GetBool("init-providers")

	svc, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	if initProviders {
		if err := svc.Registry.InitializeAll(ctx); err != nil {
			return fmt.Errorf("failed to initialize providers: %w", err)
		}
	}

	failed, err := svc.FailedEventStore(ctx)
	if err != nil {
		return err
	}
	manager, err := svc.WebhookManager(failed)
	if err != nil {
		return err
	}
	manager.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := manager.Stop(stopCtx); err != nil {
			slog.Warn("Webhook worker did not stop cleanly", "error", err)
		}
	}()

	slog.Info("Starting webhook receiver",
		"addr", cfg.Server.Addr,
		"providers", svc.Registry.List(),
		"version", version)
	srv := server.New(cfg.Server.Addr, manager)
	if !cfg.Server.TLS {
		return srv.ListenAndServe(ctx)
	}

	tlsConfig, err := certs.NewStore(cfg.Server.CertDir, certs.WithHosts(cfg.Server.TLSHosts...)).TLSConfig()
	if err != nil {
		return fmt.Errorf("failed to load webhook certificate: %w", err)
	}
	return srv.ListenAndServeTLS(ctx, tlsConfig)
}
