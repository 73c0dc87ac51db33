package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/einyx/bucket-access-portal/internal/api"
	"github.com/einyx/bucket-access-portal/internal/config"
	"github.com/einyx/bucket-access-portal/internal/logging"
	"github.com/einyx/bucket-access-portal/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "bucket-access-portal",
		Short: "S3 bucket access portal",
		Long:  `A dashboard API that catalogs S3 buckets, decides who may list them and runs the access request workflow`,
		RunE:  run,
	}

	rootCmd.Flags().StringP("config", "c", "", "config file path")
	rootCmd.Flags().String("listen", "", "listen address (overrides config)")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	sentryReady := false
	if cfg.Sentry.Enabled {
		if err := initSentry(cfg); err != nil {
			// Sentry is optional, startup continues without it
			fmt.Fprintf(os.Stderr, "Failed to initialize Sentry: %v\n", err)
		} else {
			sentryReady = true
			defer sentry.Flush(2 * time.Second)
		}
	}

	logLevel, _ := cmd.Flags().GetString("log-level")
	if err := logging.Setup(logLevel, sentryReady); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"date":    date,
		"num_cpu": runtime.NumCPU(),
		"sentry":  sentryReady,
	}).Info("Starting bucket access portal")

	if listenAddr, _ := cmd.Flags().GetString("listen"); listenAddr != "" {
		cfg.Server.Listen = listenAddr
	}

	logrus.WithFields(logrus.Fields{
		"database_driver": cfg.Database.Driver,
		"cache_type":      cfg.Cache.Type,
		"listen_addr":     cfg.Server.Listen,
		"opa_enabled":     cfg.OPA.Enabled,
		"s3_config": logrus.Fields{
			"region":     cfg.Storage.Region,
			"endpoint":   cfg.Storage.Endpoint,
			"access_key": config.MaskCredential(cfg.Storage.AccessKey),
		},
	}).Info("Configuration loaded")

	portal, err := api.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create portal server: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           portal,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    1 << 20,
		ReadHeaderTimeout: 5 * time.Second,

		ConnState: func(conn net.Conn, state http.ConnState) {
			if state == http.StateNew {
				transport.TuneServerConn(conn)
			}
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sig
		logrus.Info("Shutting down server...")
		// readiness reports 503 while in-flight requests drain
		portal.SetShuttingDown()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Error("Failed to shutdown server gracefully")
		}
		if err := portal.Close(); err != nil {
			logrus.WithError(err).Error("Failed to close portal resources")
		}
		cancel()
	}()

	logrus.WithField("addr", cfg.Server.Listen).Info("Server listening")
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		_ = portal.Close()
		return fmt.Errorf("server error: %w", err)
	}

	<-ctx.Done()
	logrus.Info("Server stopped")
	return nil
}

func initSentry(cfg *config.Config) error {
	options := sentry.ClientOptions{
		Dsn:              cfg.Sentry.DSN,
		Environment:      cfg.Sentry.Environment,
		Release:          cfg.Sentry.Release,
		SampleRate:       cfg.Sentry.SampleRate,
		TracesSampleRate: cfg.Sentry.TracesSampleRate,
		AttachStacktrace: cfg.Sentry.AttachStacktrace,
		Debug:            cfg.Sentry.Debug,
		MaxBreadcrumbs:   cfg.Sentry.MaxBreadcrumbs,
		ServerName:       cfg.Sentry.ServerName,
	}

	if options.Release == "" {
		options.Release = fmt.Sprintf("bucket-access-portal@%s", version)
	}

	if len(cfg.Sentry.IgnoreErrors) > 0 {
		options.BeforeSend = func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			if hint != nil && hint.OriginalException != nil {
				errMsg := hint.OriginalException.Error()
				for _, ignore := range cfg.Sentry.IgnoreErrors {
					if strings.Contains(errMsg, ignore) {
						return nil
					}
				}
			}
			return event
		}
	}

	options.Tags = map[string]string{
		"server.version": version,
		"server.commit":  commit,
		"server.date":    date,
	}

	return sentry.Init(options)
}
