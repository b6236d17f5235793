package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/Mesh/internal/adapters/http"
	"github.com/dkeye/Mesh/internal/adapters/render"
	"github.com/dkeye/Mesh/internal/adapters/rtc"
	"github.com/dkeye/Mesh/internal/adapters/ws"
	"github.com/dkeye/Mesh/internal/app"
	"github.com/dkeye/Mesh/internal/config"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/media"
	"github.com/dkeye/Mesh/internal/roster"
	"github.com/pion/webrtc/v4"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	self := domain.ParticipantID(cfg.ParticipantID)
	if self == "" {
		self = domain.ParticipantID(uuid.NewString())
		log.Info().Str("participant", string(self)).Msg("generated participant id")
	}

	provider, err := media.NewProvider()
	if err != nil {
		log.Fatal().Err(err).Msg("media provider init")
	}
	mediaMgr := media.NewManager(provider)

	engine, err := rtc.NewEngine(cfg.ICEServers, provider.Populate)
	if err != nil {
		log.Fatal().Err(err).Msg("rtc engine init")
	}

	table := roster.NewTable()
	transport, err := ws.Dial(ctx, ws.Options{
		URL:        cfg.ServerURL,
		Room:       domain.RoomName(cfg.Room),
		Self:       self,
		Name:       cfg.DisplayName,
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		Limiter:    ws.NewOfferLimiter(cfg.OfferLimit, cfg.OfferInterval),
	}, table)
	if err != nil {
		log.Fatal().Err(err).Msg("signaling dial")
	}
	defer transport.Close()

	registry := app.NewRegistry(engine.NewConnection)
	negotiator := app.NewNegotiator(self, registry, transport, mediaMgr)
	controller := app.NewController(self, mediaMgr, registry, negotiator, table, transport, app.DropPolicy{})

	// Remote media lands on render pumps; a rendering layer reads the
	// produced local tracks.
	sink := render.NewSink(ctx, func(peer domain.ParticipantID, kind webrtc.RTPCodecType, _ *webrtc.TrackLocalStaticRTP) {
		log.Info().Str("peer", string(peer)).Str("kind", kind.String()).Msg("remote media ready")
	})
	go func() {
		events := table.Subscribe()
		defer table.Unsubscribe(events)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				switch evt.Type {
				case roster.EventJoined:
					if evt.Participant.ID != self {
						controller.AttachRenderer(evt.Participant.ID, sink)
					}
				case roster.EventLeft:
					sink.Release(evt.Participant.ID)
				case roster.EventSnapshot:
					for _, p := range evt.Snapshot {
						if p.ID != self {
							controller.AttachRenderer(p.ID, sink)
						}
					}
				}
			}
		}
	}()

	go controller.Run(ctx)

	r := router.SetupRouter(cfg, controller, table)
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("room", cfg.Room).Msg("Mesh client started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("control api error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	controller.EndCall()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("control api forced to shutdown")
	}
	log.Info().Msg("Client exited gracefully")
}
