package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lora-linkctl/internal/api"
	"github.com/lorawan-server/lora-linkctl/internal/auth"
	"github.com/lorawan-server/lora-linkctl/internal/config"
	"github.com/lorawan-server/lora-linkctl/internal/integration"
	"github.com/lorawan-server/lora-linkctl/internal/link"
	"github.com/lorawan-server/lora-linkctl/internal/radio"
	"github.com/lorawan-server/lora-linkctl/internal/radio/sim"
	"github.com/lorawan-server/lora-linkctl/internal/radio/udpair"
	"github.com/lorawan-server/lora-linkctl/internal/server"
	"github.com/lorawan-server/lora-linkctl/internal/storage"
)

func main() {
	// Command line flags
	var (
		configFile string
		validate   bool
		showConfig bool
		token      string
	)
	flag.StringVar(&configFile, "config", "config/linkd.yml", "Configuration file path")
	flag.BoolVar(&validate, "validate", false, "Validate the configuration and exit")
	flag.BoolVar(&showConfig, "show-config", false, "Print the configuration summary and exit")
	flag.StringVar(&token, "token", "", "Print an API token for the given operator and exit")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", configFile).Msg("Failed to load configuration")
	}
	setupLogging(cfg.Log)

	switch {
	case validate:
		fmt.Println("Configuration OK")
		return
	case showConfig:
		cfg.PrintConfigSummary()
		return
	case token != "":
		signed, err := auth.NewJWTManager(&cfg.JWT).GenerateToken(token)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to generate token")
		}
		fmt.Println(signed)
		return
	}

	log.Info().
		Str("name", cfg.Server.Name).
		Str("version", cfg.Server.Version).
		Str("driver", cfg.Radio.Driver).
		Msg("Starting link daemon")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := openStore(ctx, cfg)
	defer store.Close()

	// Publishers
	var publishers []integration.Publisher
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = integration.ConnectNATS(cfg.NATS.URL, cfg.NATS.ClientID)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without NATS support")
		} else {
			defer nc.Close()
			log.Info().Str("url", cfg.NATS.URL).Msg("Connected to NATS")
			publishers = append(publishers, integration.NewNATSPublisher(nc))
		}
	} else {
		log.Info().Msg("NATS not configured, running in standalone mode")
	}

	if cfg.MQTT.Broker != "" {
		client, err := integration.ConnectMQTT(integration.MQTTConfig{
			BrokerURL:   cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         byte(cfg.MQTT.QoS),
			TLS:         cfg.MQTT.TLS,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to MQTT, continuing without MQTT support")
		} else {
			mp := integration.NewMQTTPublisher(client, cfg.MQTT.TopicPrefix, byte(cfg.MQTT.QoS))
			defer mp.Close()
			publishers = append(publishers, mp)
		}
	}

	dispatcher := integration.NewDispatcher(store, cfg.Journal.Buffer, publishers...)

	// WaitGroup for services
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := dispatcher.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Event dispatcher stopped")
		}
	}()

	// Radio and sessions
	driver, peer := openRadio(cfg)
	defer driver.Close()

	session := link.NewSession(cfg.LinkConfig(), driver, link.WithSink(dispatcher))

	sessionErr := make(chan error, 2)
	if peer != nil {
		defer peer.Close()
		peerSession := link.NewSession(cfg.PeerLinkConfig(), peer, link.WithSink(dispatcher))
		wg.Add(1)
		go func() {
			defer wg.Done()
			sessionErr <- peerSession.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sessionErr <- session.Run(ctx)
	}()

	// Optional: outbound payloads over NATS
	if nc != nil {
		subscriber := server.NewNATSSubscriber(nc, session.Config().Station, session)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := subscriber.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("NATS subscriber stopped")
			}
		}()
	}

	// Start REST API server
	var apiServer *api.RESTServer
	if cfg.API.Enabled {
		apiServer = api.NewRESTServer(cfg, store, session)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.ListenAndServe(api.Addr(cfg.API)); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("REST API server failed")
			}
		}()
	}

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
	case err := <-sessionErr:
		if errors.Is(err, radio.ErrInit) {
			log.Fatal().Err(err).Msg("Radio initialisation failed")
		}
		if err != nil {
			log.Error().Err(err).Msg("Link session stopped")
		}
	}

	// Cancel context
	cancel()

	// Shutdown API server
	if apiServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
		}
		done()
	}

	// Wait for all services
	wg.Wait()

	snap := session.Snapshot()
	log.Info().
		Uint64("frames_sent", snap.Counters.FramesSent).
		Uint64("acked", snap.Stats.Acked).
		Uint64("timed_out", snap.Stats.TimedOut).
		Uint64("adaptations", snap.Stats.Adaptations).
		Uint64("events_dropped", dispatcher.Dropped()).
		Msg("Link daemon stopped")
}

// setupLogging applies log.level and log.format
func setupLogging(cfg config.LogConfig) {
	if strings.EqualFold(cfg.Format, "json") {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		log.Warn().Str("level", cfg.Level).Msg("Invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// openStore connects the journal, in memory when no DSN is configured
func openStore(ctx context.Context, cfg *config.Config) storage.Store {
	if cfg.Database.DSN == "" {
		log.Info().Int("capacity", cfg.Journal.MemoryCapacity).Msg("Journalling link events in memory")
		return storage.NewMemoryStore(cfg.Journal.MemoryCapacity)
	}

	store, err := storage.NewPostgresStore(cfg.Database.DSN, storage.PostgresOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to create link_events schema")
	}
	log.Info().Msg("Connected to database")
	return store
}

// openRadio builds the station driver and, for the simulated air, the peer
func openRadio(cfg *config.Config) (radio.Driver, radio.Driver) {
	switch cfg.Radio.Driver {
	case config.DriverUDP:
		d, err := udpair.Listen(cfg.Radio.UDP)
		if err != nil {
			log.Fatal().Err(err).Msg("Radio initialisation failed")
		}
		return d, nil

	default:
		seed := cfg.Radio.Sim.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		air := sim.NewAir(cfg.Radio.Sim.Model, seed)
		local := air.NewRadio(cfg.Link.LocalAddress.String())
		if !cfg.Radio.Sim.Peer {
			return local, nil
		}
		return local, air.NewRadio(cfg.Link.DestinationAddress.String())
	}
}
