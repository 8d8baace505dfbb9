package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/Mirror/internal/app"
	"github.com/dkeye/Mirror/internal/config"
	"github.com/dkeye/Mirror/internal/core"
	"github.com/dkeye/Mirror/internal/domain"
	"github.com/dkeye/Mirror/internal/input"
	"github.com/dkeye/Mirror/internal/pipeline/capture"
	"github.com/dkeye/Mirror/internal/pipeline/render"
	"github.com/dkeye/Mirror/internal/pipeline/sim"
	"github.com/dkeye/Mirror/internal/signaling"
	"github.com/dkeye/Mirror/internal/transport/rtc"
	"github.com/dkeye/Mirror/internal/transport/stream"
)

// logSink reports session status to the log in place of the tray UI.
type logSink struct{}

func (logSink) OnStatus(s domain.SessionState) {
	log.Info().Str("module", "ui").Str("state", s.String()).Msg("status")
}

func (logSink) OnError(code core.ErrorCode) {
	log.Error().Str("module", "ui").Str("code", string(code)).Msg("session error")
}

func (logSink) OnConfirmConnectionRequest(peer domain.ClientID) bool {
	log.Info().Str("module", "ui").Str("peer", string(peer)).Msg("peer accepted")
	return true
}

func main() {
	role := pflag.String("role", "client", "session role: host or client")
	cfgPath := pflag.String("config", "", "config file path")
	room := pflag.String("room", "", "room id (overrides config)")
	pflag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *room != "" {
		cfg.Session.RoomID = *room
	}
	if cfg.Session.ClientID == "" {
		cfg.Session.ClientID = string(domain.NewClientID())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sid := domain.ClientID(cfg.Session.ClientID)
	roomID := domain.RoomID(cfg.Session.RoomID)

	params := app.Params{
		Role:         app.Role(*role),
		ClientID:     sid,
		RoomID:       roomID,
		Token:        cfg.Signaling.Token,
		Stream:       cfg.Stream,
		DecodeCodecs: []domain.Codec{domain.CodecH264, domain.CodecH265},
		EncodeCodecs: []domain.Codec{domain.CodecH264},
		Signaling:    signaling.NewClient(cfg.SignalURL(), sid),
		Status:       logSink{},

		KeepaliveInterval: cfg.Session.KeepaliveInterval,
		ConnectTimeout:    cfg.Session.ConnectTimeout,
		MaxRetries:        cfg.Session.MaxRetries,
		BackoffBase:       cfg.Session.BackoffBase,
		BackoffCeiling:    cfg.Session.BackoffCeiling,
	}

	offerer := params.Role == app.RoleClient
	params.NewRealtime = func(onSignal func(key, value string)) core.TransportChannel {
		return rtc.NewPeer(rtc.DefaultConfig(cfg.Session.StunServers), sid, offerer, onSignal)
	}
	params.NewReliable = func() core.TransportChannel {
		return stream.New(cfg.RelayURL(roomID, sid), sid)
	}

	switch params.Role {
	case app.RoleHost:
		params.Replayer = input.NewReplayer(sim.Injector{}, cfg.Input.ScancodeOverrides)
		params.NewCapture = func(p domain.StreamParams, sink func(*domain.EncodedFrame)) (app.CapturePipeline, error) {
			return capture.New(p, sim.NewCapturer, sim.NewEncoder, sink)
		}
	case app.RoleClient:
		params.NewRender = func(p domain.StreamParams) (app.RenderPipeline, error) {
			return render.New(p, sim.NewDecoder, sim.NewRenderer, cfg.Render.MaxFenceWaitMs)
		}
	default:
		log.Fatal().Str("role", *role).Msg("unknown role")
	}

	coord := app.NewCoordinator(params)
	if err := coord.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("session start")
	}
	log.Info().Str("role", *role).Str("room", cfg.Session.RoomID).Msg("Mirror session started")

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	coord.Stop()
	log.Info().Msg("Session closed gracefully")
}
