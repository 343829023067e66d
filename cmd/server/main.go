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

	"github.com/mstegen/relay/internal/adapters/auth"
	"github.com/mstegen/relay/internal/adapters/bus"
	router "github.com/mstegen/relay/internal/adapters/http"
	"github.com/mstegen/relay/internal/adapters/store"
	"github.com/mstegen/relay/internal/adapters/ws"
	"github.com/mstegen/relay/internal/app"
	"github.com/mstegen/relay/internal/config"
	"github.com/mstegen/relay/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	// Optional collaborators degrade gracefully: the live relay runs
	// in-memory whether or not they are reachable.
	var chatStore app.ChatStore
	if cfg.PostgresURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			log.Error().Err(err).Msg("chat store unavailable, messages will not be persisted")
		} else {
			defer pg.Close()
			chatStore = pg
		}
	}

	var eventBus *bus.Redis
	if cfg.RedisAddr != "" {
		rb, err := bus.NewRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			log.Error().Err(err).Msg("event bus unavailable, running single-instance")
		} else {
			defer rb.Close()
			eventBus = rb
		}
	}

	presence := core.NewPresence()
	docs := app.NewDocCache(cfg.DocTTL)
	fanout := app.NewFanout(chatStore, busOrNil(eventBus), cfg.SlowConsumerGrace, cfg.FanoutWorkers)
	rt := app.NewRouter(presence, fanout, docs)
	sup := app.NewSupervisor(auth.New(cfg.Secret), presence, fanout, docs,
		cfg.IdleTimeout, cfg.SweepInterval, cfg.OutboxCapacity)
	fanout.SetDisconnector(sup)

	go sup.Run(ctx)
	go docs.Run(ctx)
	if eventBus != nil {
		go eventBus.Subscribe(ctx, rt.DeliverRemote)
	}

	ctl := &ws.Controller{
		Supervisor: sup,
		Router:     rt,
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	}
	r := router.SetupRouter(cfg, sup, ctl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Relay gateway started")
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
	fanout.Wait()
	log.Info().Msg("Server exited gracefully")
}

// busOrNil keeps the typed-nil out of the EventBus interface.
func busOrNil(b *bus.Redis) app.EventBus {
	if b == nil {
		return nil
	}
	return b
}
