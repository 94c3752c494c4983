package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/memory"
	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/natsbus"
	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/adapter/driven/media/devices"
	mediamemory "github.com/Wyydra/yacall/internal/adapter/driven/media/memory"
	"github.com/Wyydra/yacall/internal/adapter/driven/media/pion"
	handler "github.com/Wyydra/yacall/internal/adapter/driving/http"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/Wyydra/yacall/internal/logging"
	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type closer interface {
	Close() error
}

func main() {
	configPath := flag.String("config", "callagent.yaml", "path to the YAML configuration")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("Could not read .env")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transports, closers := buildTransports(ctx, cfg)
	selector := service.NewTransportSelector(transports)

	acquirer, setupCodecs := buildMedia(cfg)
	if setupCodecs == nil && cfg.Negotiation.Mode == "pion" {
		log.Warn().Msg("No capture devices to send, using synthetic negotiation")
		cfg.Negotiation.Mode = "synthetic"
	}
	negotiators := buildNegotiators(cfg, setupCodecs)

	callService := service.NewCallService(selector, acquirer, negotiators,
		service.WithSelf(cfg.Counterpart()),
		service.WithCallIDAssignment(cfg.Signaling.AssignCallIDs),
		service.WithMessages(cfg.UserMessages()),
	)

	hub := handler.NewHub()
	go hub.Run()
	events, _ := callService.Subscribe()
	go hub.Forward(events)

	h := handler.NewHandler(callService, hub, cfg.UserMessages())
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           h.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Listen).Msg("Starting call agent")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down call agent...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	callService.Disconnect()
	for _, c := range closers {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("Transport close")
		}
	}
	hub.Stop()
	log.Info().Msg("Call agent exited")
}

func buildTransports(ctx context.Context, cfg *config.Config) (map[domain.Channel]port.Transport, []closer) {
	transports := make(map[domain.Channel]port.Transport)
	var closers []closer
	var bus *memory.Bus

	for name, tc := range cfg.Signaling.Transports {
		channel := domain.Channel(name)
		switch tc.Kind {
		case config.TransportNATS:
			t, err := natsbus.Dial(natsbus.Config{
				Name:          name,
				URL:           tc.URL,
				Token:         tc.Token,
				Credentials:   tc.Credentials,
				SubjectPrefix: tc.SubjectPrefix,
			})
			if err != nil {
				log.Fatal().Err(err).Str("transport", name).Msg("Failed to connect to NATS")
			}
			transports[channel] = t
			closers = append(closers, t)

		case config.TransportMemory:
			if bus == nil {
				bus = memory.NewBus()
			}
			transports[channel] = bus.NewTransport(name)

		default:
			t := ws.NewTransport(ws.Config{
				Name:       name,
				URL:        tc.URL,
				Token:      tc.Token,
				PongWait:   tc.PongWait,
				MaxBackoff: tc.MaxBackoff,
			})
			t.Start(ctx)
			transports[channel] = t
			closers = append(closers, t)
		}
		log.Info().Str("transport", name).Str("kind", string(tc.Kind)).Msg("Signaling transport configured")
	}
	return transports, closers
}

// buildMedia falls back to synthetic streams when capture is unavailable on this host.
func buildMedia(cfg *config.Config) (port.MediaAcquirer, func(*webrtc.MediaEngine) error) {
	if cfg.Media.Mode == "synthetic" {
		return mediamemory.NewAcquirer(), nil
	}
	a, err := devices.NewAcquirer(devices.Config{
		MaxWidth:     cfg.Media.MaxWidth,
		MaxHeight:    cfg.Media.MaxHeight,
		VideoBitRate: cfg.Media.VideoBitRate,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Device capture unavailable, using synthetic media")
		return mediamemory.NewAcquirer(), nil
	}
	log.Info().Int("devices", len(a.Devices())).Msg("Media devices ready")
	return a, a.PopulateMediaEngine
}

func buildNegotiators(cfg *config.Config, setupCodecs func(*webrtc.MediaEngine) error) port.NegotiatorFactory {
	if cfg.Negotiation.Mode == "synthetic" {
		return mediamemory.NewNegotiatorFactory()
	}

	servers := make([]webrtc.ICEServer, 0, len(cfg.Negotiation.ICEServers))
	for _, s := range cfg.Negotiation.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	f, err := pion.NewFactory(pion.Config{
		ICEServers:          servers,
		DisconnectedTimeout: cfg.Negotiation.DisconnectedTimeout,
		FailedTimeout:       cfg.Negotiation.FailedTimeout,
		NegotiationTimeout:  cfg.Negotiation.Timeout,
		IncludeLoopback:     cfg.Negotiation.IncludeLoopback,
		SetupMediaEngine:    setupCodecs,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build WebRTC negotiator")
	}
	return f
}
