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

	"github.com/marcelsud/webhook-relay/internal/http/chi"
	"github.com/marcelsud/webhook-relay/webhook/signature"
)

/* mock-destination is a local webhook consumer for trying out delivery rules
 * Usage: mock-destination --port 3000
 *   curl -X POST 'localhost:3000/anything?status=503'  answers 503
 * Events whose webhook-timestamp is older than five minutes are answered with 410
 */

func main() {
	port := pflag.Int("port", 3000, "listen port")
	secret := pflag.String("secret", "", "verify Standard Webhooks signatures with this secret (whsec_...)")
	debug := pflag.Bool("debug", false, "debug logging")
	pflag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := httplog.NewLogger("mock-destination", httplog.Options{
		JSON:     true,
		LogLevel: level,
		Concise:  true,
	})

	opts := chi.DestinationOptions{}
	if *secret != "" {
		s, err := signature.ParseSecret(*secret)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		opts.Verifier = signature.NewVerifier(s)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		Addr:         ":" + strconv.Itoa(*port),
		Handler:      chi.MockDestinationHandlers(logger, opts),
	}

	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctxTimeout)
	}()

	logger.Info("mock destination listening", "port", *port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
