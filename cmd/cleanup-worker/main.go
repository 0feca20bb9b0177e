package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rba-platform/login-guard/configs"
	"github.com/rba-platform/login-guard/internal/mailer"
	"github.com/rba-platform/login-guard/internal/otp"
	"github.com/rba-platform/login-guard/internal/repositories"
)

// Standalone sweep worker for deployments that run the API server
// without background tasks.
func main() {
	_ = godotenv.Load()

	cfg, err := configs.Load()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Server.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to database")
		os.Exit(2)
	}
	defer db.Close()

	cipher, err := otp.NewCipher(cfg.OTP.EncryptionKey)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize code cipher")
		os.Exit(1)
	}

	// The sweep path never sends mail or mints codes; the service is
	// constructed only for its Sweep operation.
	svc := otp.NewService(repositories.NewOtpRepository(db), cipher, mailer.NewConsoleMailer(), cfg.OTP, cfg.SMTP.Timeout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otp.NewCleanupWorker(svc, cfg.Cleanup.Interval, cfg.Cleanup.ErrorBackoff).Run(ctx)
}
