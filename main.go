package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/timjbruce/filedrop/server"
)

func main() {
	configPath := flag.StringP("config", "c", "config/config.yaml", "Path to configuration file, or ssm:<parameter name>")
	logLevel := flag.String("log-level", "", "Log level, overrides log.level from the configuration")
	audit := flag.Bool("audit", false, "Report uploads whose blob is missing, then exit")
	flag.Parse()

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *logLevel != "" {
		config.Log.Level = *logLevel
	}
	configureLogging(config)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.NewServer(ctx, config)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if *audit {
		runAudit(ctx, srv, config)
		return
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting filedrop")
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case <-ctx.Done():
		log.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout())
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("Unclean shutdown")
	}
}

func runAudit(ctx context.Context, srv *server.Server, config *server.Config) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout())
	defer cancel()
	defer srv.Stop(shutdownCtx)

	dangling, err := srv.Audit(ctx)
	if err != nil {
		log.WithError(err).Error("Audit failed")
		return
	}
	log.WithField("dangling", len(dangling)).Info("Audit complete")
}

func configureLogging(config *server.Config) {
	level, err := log.ParseLevel(config.Log.Level)
	if err != nil {
		log.WithError(err).Warnf("Unknown log level %q, using info", config.Log.Level)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if config.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}
