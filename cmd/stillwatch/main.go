package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/stillwatch/internal/config"
	"github.com/mikeyg42/stillwatch/internal/logging"
	"github.com/mikeyg42/stillwatch/internal/notification"
	"github.com/mikeyg42/stillwatch/internal/validate"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	validateOnly := flag.Bool("validate", false, "Validate the configuration and exit")
	gmailAuth := flag.Bool("gmail-auth", false, "Run the Gmail OAuth2 authorization flow and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		if err := validate.Config(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration invalid:\n%v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration OK")
		return
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if v := validate.Sanitize(cfg); v.HasErrors() {
		for _, e := range v.Errors() {
			logger.Warn("Invalid configuration value replaced by default",
				zap.String("field", e.Field), zap.Any("value", e.Value), zap.String("reason", e.Reason))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *gmailAuth {
		if _, err := notification.AuthorizeGmail(ctx, cfg.Notification.Gmail, os.Stdout, logger); err != nil {
			logger.Fatal("Gmail authorization failed", zap.Error(err))
		}
		logger.Info("Gmail token stored", zap.String("path", cfg.Notification.Gmail.TokenStorePath))
		return
	}

	logger.Info("Starting stillwatch", zap.String("config", *configPath))

	app, err := NewApplication(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create application", zap.Error(err))
	}

	runErr := app.Run(ctx)
	if runErr != nil {
		logger.Error("Application stopped with error", zap.Error(runErr))
	} else {
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	app.Shutdown(shutdownCtx)

	if runErr != nil {
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("Stillwatch stopped")
}
