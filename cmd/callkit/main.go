package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callkit/internal/adapters/rtc"
	sig "github.com/dkeye/callkit/internal/adapters/signal"
	"github.com/dkeye/callkit/internal/app"
	"github.com/dkeye/callkit/internal/config"
	"github.com/dkeye/callkit/internal/domain"
	"github.com/dkeye/callkit/internal/storage"
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

	room := ""
	if len(os.Args) > 1 {
		room = os.Args[1]
	}

	var store storage.CallStore = storage.NewMemoryStore()
	if cfg.StoragePath != "" {
		db, err := storage.Open(cfg.StoragePath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open resume store")
		}
		defer db.Close()
		store = db
	}

	session := sig.NewSession(sig.Options{
		URL:               cfg.WSURL,
		Project:           cfg.Project,
		Token:             cfg.Token,
		RequestTimeout:    cfg.RequestTimeout,
		PingPeriod:        cfg.PingPeriod,
		ReadLimit:         cfg.ReadLimit,
		ReconnectMin:      cfg.ReconnectMin,
		ReconnectMax:      cfg.ReconnectMax,
		ReconnectAttempts: cfg.ReconnectAttempts,
	})

	media := rtc.NewManager(rtc.Config{ICEServers: cfg.ICEServers})
	notifier := app.NewNotifier()
	registry := app.NewRegistry(notifier)
	resume := app.NewResumeController(store)

	call := app.NewCallSession(session, media, registry, notifier, resume, app.Options{
		Room:   room,
		Attach: cfg.Attach,
	})
	media.OnTransportDown(call.MediaDown)

	session.OnState(func(st sig.State, err error) {
		switch st {
		case sig.StateAuthorized:
			if st := call.State(); st != domain.CallNew && !st.Terminal() {
				rctx, rcancel := context.WithTimeout(context.Background(), 2*cfg.RequestTimeout)
				defer rcancel()
				if rerr := call.Reattach(rctx); rerr != nil {
					log.Error().Err(rerr).Msg("reattach failed")
				}
			}
		case sig.StateDisconnected:
			if err != nil {
				log.Error().Err(err).Msg("session lost")
			}
		}
	})

	if err := session.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("connect failed")
	}

	bus := app.NewBus(session, call, session.Protocol())
	go bus.Run()

	if err := call.Dial(ctx); err != nil {
		log.Fatal().Err(err).Msg("dial failed")
	}

	select {
	case <-call.Joined():
		if self, ok := call.Self(); ok {
			log.Info().Str("member_id", string(self.ID)).Msg("joined call")
		}
	case <-ctx.Done():
	case <-session.Closed():
		log.Fatal().Err(session.Err()).Msg("session closed before join")
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := call.Hangup(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("hangup failed")
	}
	call.Destroy()
	_ = session.Close()
	log.Info().Msg("Exited gracefully")
}
