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
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/marcelsud/webhook-relay/config"
	"github.com/marcelsud/webhook-relay/engine"
	"github.com/marcelsud/webhook-relay/internal/http/chi"
	ledgerredis "github.com/marcelsud/webhook-relay/ledger/redis"
	"github.com/marcelsud/webhook-relay/metrics"
	"github.com/marcelsud/webhook-relay/relay"
	"github.com/marcelsud/webhook-relay/webhook"
	whredis "github.com/marcelsud/webhook-relay/webhook/redis"
)

const TIMEOUT = 30 * time.Second

/* webhook-client attaches to a relay webhook and forwards its events to local destinations
 * main only wires packages together; everything it starts stops when the process is signaled
 */

func main() {
	root := &cobra.Command{
		Use:           "webhook-client",
		Short:         "Forward relayed webhook events to local destinations",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		Args:  cobra.NoArgs,
		RunE:  printConfig,
	})
	root.AddCommand(&cobra.Command{
		Use:   "history <event-id>",
		Short: "Print the archived delivery attempts of an event",
		Args:  cobra.ExactArgs(1),
		RunE:  history,
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, webhook.ErrConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newLogger(debug bool) *httplog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return httplog.NewLogger("webhook-client", httplog.Options{
		JSON:     true,
		LogLevel: level,
		Concise:  true,
	})
}

func newRedis(cfg *config.ResolvedConfig) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Debug)

	rc := newRedis(cfg)
	defer rc.Close()

	exporter, err := metrics.NewOTelExporter("webhook-client")
	if err != nil {
		return err
	}
	defer exporter.Shutdown(context.Background())
	otel.SetMeterProvider(exporter.MeterProvider())

	opts := []engine.Option{
		engine.WithLogger(logger.Logger),
		engine.WithMetrics(exporter),
	}
	if cfg.ArchiveTTL > 0 {
		opts = append(opts, engine.WithArchive(ledgerredis.NewArchive(rc).WithTTL(cfg.ArchiveTTL)))
	}

	client := relay.NewClient(whredis.New(rc), logger.Logger)
	eng, err := engine.New(cfg, client, opts...)
	if err != nil {
		return err
	}
	if err := exporter.Observe(metrics.NewEngineCollector(eng.Ledger(), eng.Manager())); err != nil {
		return err
	}

	// No write timeout: the attempt stream is long lived
	srv := &http.Server{
		ReadTimeout: 30 * time.Second,
		Addr:        ":" + strconv.Itoa(cfg.Port),
		Handler:     chi.ClientHandlers(logger, eng, exporter.Handler()),
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(ctx)
	})
	g.Go(func() error {
		logger.Info("status API listening", "port", cfg.Port, "webhook_id", cfg.WebhookID, "client_id", cfg.ClientID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving status API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return shutdown(ctx, srv)
	})
	g.Go(func() error {
		reloadOnHangup(ctx, cmd, eng, logger.Logger)
		return nil
	})

	return g.Wait()
}

// reloadOnHangup re-reads the configuration on SIGHUP and swaps it into the engine
func reloadOnHangup(ctx context.Context, cmd *cobra.Command, eng *engine.Engine, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				logger.Error("reload: keeping current configuration", "error", err)
				continue
			}
			if err := eng.Reload(cfg); err != nil {
				logger.Error("reload: keeping current configuration", "error", err)
			}
		}
	}
}

func shutdown(ctx context.Context, server *http.Server) error {
	<-ctx.Done()

	ctxTimeout, stop := context.WithTimeout(context.Background(), TIMEOUT)
	defer stop()

	if err := server.Shutdown(ctxTimeout); err != nil {
		return fmt.Errorf("forcing closing the server: %w", err)
	}
	return nil
}

func printConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	out, err := cfg.YAML()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func history(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}

	rc := newRedis(cfg)
	defer rc.Close()

	attempts, err := ledgerredis.NewArchive(rc).History(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		return fmt.Errorf("no archived attempts for event %s", args[0])
	}

	w := cmd.OutOrStdout()
	for _, a := range attempts {
		fmt.Fprintf(w, "#%d  %-20s  %-24s  %s  %s\n",
			a.AttemptNumber,
			a.DestinationName,
			a.Outcome,
			a.StartedAt.Format(time.RFC3339),
			a.Duration().Round(time.Millisecond),
		)
	}
	return nil
}
