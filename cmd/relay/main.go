package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/httplog/v2"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"

	"github.com/marcelsud/webhook-relay/config"
	"github.com/marcelsud/webhook-relay/internal/http/chi"
	"github.com/marcelsud/webhook-relay/metrics"
	"github.com/marcelsud/webhook-relay/webhook"
	whredis "github.com/marcelsud/webhook-relay/webhook/redis"
	"github.com/marcelsud/webhook-relay/webhook/signature"
)

const TIMEOUT = 30 * time.Second

/* relay is the public ingress: every call to /v1/webhooks/{webhook_id} becomes an event
 * on that webhook's Redis stream, where attached clients pick it up
 */

func main() {
	fs := pflag.NewFlagSet("relay", pflag.ExitOnError)
	config.RegisterRelayFlags(fs)
	fs.Parse(os.Args[1:])

	if err := run(fs); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, webhook.ErrConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(fs *pflag.FlagSet) error {
	cfg, err := config.LoadRelay(fs)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := httplog.NewLogger("webhook-relay", httplog.Options{
		JSON:     true,
		LogLevel: level,
		Concise:  true,
	})

	var verifier *signature.Verifier
	if cfg.SigningSecret != "" {
		secret, err := signature.ParseSecret(cfg.SigningSecret)
		if err != nil {
			return err
		}
		verifier = signature.NewVerifier(secret)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT,
	)
	defer stop()

	repo, err := whredis.NewRepository(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return fmt.Errorf("%w: %v", webhook.ErrConnection, err)
	}
	repo.WithEventTTL(cfg.EventTTL)
	defer repo.Close(ctx)

	exporter, err := metrics.NewOTelExporter("webhook-relay")
	if err != nil {
		return err
	}
	defer exporter.Shutdown(context.Background())
	otel.SetMeterProvider(exporter.MeterProvider())
	if err := exporter.Observe(metrics.NewRedisCollector(repo)); err != nil {
		return err
	}

	s := webhook.NewService(repo)
	r := chi.RelayHandlers(logger, s, chi.RelayOptions{
		Verifier:     verifier,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Metrics:      exporter.Handler(),
	})
	srv := &http.Server{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      r,
	}

	errShutdown := make(chan error, 1)
	go shutdown(srv, ctx, errShutdown)

	logger.Info("relay listening", "port", cfg.Port, "signed", verifier != nil)
	err = srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return <-errShutdown
}

func shutdown(server *http.Server, ctxShutdown context.Context, errShutdown chan error) {
	<-ctxShutdown.Done()

	ctxTimeout, stop := context.WithTimeout(context.Background(), TIMEOUT)
	defer stop()

	err := server.Shutdown(ctxTimeout)
	switch err {
	case nil:
		errShutdown <- nil
	case context.DeadlineExceeded:
		errShutdown <- fmt.Errorf("forcing closing the server")
	default:
		errShutdown <- fmt.Errorf("forcing closing the server: %w", err)
	}
}
