package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/famcall/famcall/internal/adapters/httpapi"
	"github.com/famcall/famcall/internal/adapters/poll"
	wssignal "github.com/famcall/famcall/internal/adapters/signal"
	"github.com/famcall/famcall/internal/app"
	"github.com/famcall/famcall/internal/auth"
	"github.com/famcall/famcall/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	var provider auth.IdentityProvider
	switch cfg.AuthMode {
	case config.AuthModeInsecure:
		provider = auth.NewInsecureProvider()
	default:
		provider = auth.NewHS256Provider(cfg.AuthSecret)
	}

	registry := app.NewRegistry()
	limiter := app.NewRateLimiter(cfg.SignalRateLimit, cfg.SignalRateWindow)
	dispatcher := &wssignal.Dispatcher{
		Verifier: auth.NewVerifier(provider),
		Registry: registry,
		Relay:    app.NewRelay(registry, limiter),
	}

	ctl := &wssignal.Controller{
		Dispatcher:  dispatcher,
		ReadLimit:   cfg.ReadLimit,
		AuthTimeout: cfg.AuthTimeout,
	}
	ph := poll.NewHandler(dispatcher, cfg.PollIdleTimeout, cfg.PollWait)
	go ph.Run(ctx)

	r := httpapi.SetupRouter(ctx, cfg, ctl, ph)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("famcall signaling server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
