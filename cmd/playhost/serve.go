package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/playhost/internal/api"
	"github.com/user/playhost/internal/broadcast"
	"github.com/user/playhost/internal/bus"
	"github.com/user/playhost/internal/config"
	"github.com/user/playhost/internal/db"
	"github.com/user/playhost/internal/device"
	"github.com/user/playhost/internal/devicetype"
	"github.com/user/playhost/internal/gameplay"
	"github.com/user/playhost/internal/games"
	"github.com/user/playhost/internal/hub"
	"github.com/user/playhost/internal/log"
	"github.com/user/playhost/internal/server"
)

const stopTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the game host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg)
		},
	}
	flags := cmd.Flags()
	flags.Int("port", 8765, "http port")
	flags.String("data-dir", "data", "directory for the database, games and logs")
	flags.String("game-dir", "", "games directory (default <data-dir>/games)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("bus", config.BusMQTT, "device bus: mqtt or memory")
	flags.String("mqtt.url", "tcp://127.0.0.1:1883", "mqtt broker url")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log.Reconfigure(log.Config{Level: cfg.LogLevel, Service: "playhost"})
	logger := log.WithComponent("main")
	if cfg.ConfigFile != "" {
		logger.Info().Str(log.FieldPath, cfg.ConfigFile).Msg("config loaded")
	}

	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	database, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	types, err := devicetype.Open(cfg.DeviceTypesFile)
	if err != nil {
		return fmt.Errorf("load device types: %w", err)
	}

	sink, err := log.NewFileSink(cfg.LogDir)
	if err != nil {
		return err
	}
	if removed, err := sink.Clean(cfg.LogRetention); err != nil {
		logger.Warn().Err(err).Msg("log retention cleanup failed")
	} else if removed > 0 {
		logger.Info().Int("removed", removed).Msg("old log files removed")
	}

	topics := bus.Topics{ReportPrefix: cfg.MQTT.ReportPrefix, CommandPrefix: cfg.MQTT.CommandPrefix}
	client, busStatus, closeBus, err := openBus(ctx, cfg, topics)
	if err != nil {
		return err
	}
	defer closeBus()

	devices := device.NewService(device.Config{
		Store:          database.Devices(),
		Bus:            client,
		Topics:         topics,
		Catalog:        types,
		OfflineTimeout: cfg.Device.OfflineTimeout,
		CheckInterval:  cfg.Device.CheckInterval,
	})
	if err := devices.Load(ctx); err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	client.OnMessage(devices.HandleMessage)

	catalog, err := games.NewCatalog(games.Config{
		Dir:   cfg.GameDir,
		Store: database.Games(),
		Runs:  database.Runs(),
	})
	if err != nil {
		return err
	}
	if n, err := catalog.Reload(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial games scan failed")
	} else {
		logger.Info().Int("count", n).Str(log.FieldPath, cfg.GameDir).Msg("games catalog loaded")
	}

	loader := gameplay.NewLoader(gameplay.LoaderConfig{Timeout: cfg.Gameplay.LoadTimeout, Sink: sink})
	stream := broadcast.New(broadcast.Config{
		Budget:        cfg.Stream.Budget,
		FlushInterval: cfg.Stream.FlushInterval,
		PingInterval:  cfg.Stream.PingInterval,
	})
	sched := gameplay.NewScheduler(gameplay.SchedulerConfig{
		Loader:       loader,
		Devices:      devices,
		Capabilities: types,
		Bus:          client,
		Topics:       topics,
		Broadcaster:  stream,
		Sink:         sink,
		Runs:         catalog,
		TickInterval: cfg.Gameplay.TickInterval,
		SlowTick:     cfg.Gameplay.SlowTick,
		StopGrace:    cfg.Gameplay.StopGrace,
	})
	stream.SetSnapshot(func() map[string]any { return sched.Snapshot().Map() })
	sched.EnsureRouter()

	wsHub := hub.New(stream, cfg.API.Token, sched.PerformAction)
	handler := api.NewRouter(api.Deps{
		Devices:         devices,
		Types:           types,
		Games:           catalog,
		Gameplay:        sched,
		Modules:         loader,
		Stream:          stream,
		WS:              wsHub.HandleWebSocket,
		Logs:            sink,
		Bus:             client,
		BusStatus:       busStatus,
		Token:           cfg.API.Token,
		ActionRateLimit: cfg.API.ActionRateLimit,
	})
	srv, err := server.New(cfg.Port, handler, func() {
		stream.CloseAll()
		sink.CloseFollowers()
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		devices.Run(gctx)
		return nil
	})
	g.Go(func() error {
		// The watcher is best-effort: POST /api/games/reload still works.
		if err := catalog.Watch(gctx); err != nil {
			logger.Warn().Err(err).Str(log.FieldEvent, "games.watcher_failed").Msg("games watcher stopped")
		}
		return nil
	})
	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if res, err := sched.Stop(stopCtx); err != nil {
			logger.Warn().Err(err).Msg("stopping session on shutdown failed")
		} else if res.Stopped {
			logger.Info().Dur("duration", res.Duration).Msg("session stopped on shutdown")
		}
		return nil
	})

	logger.Info().Str("addr", srv.Addr()).Str("bus", cfg.Bus).Str("version", version).Msg("playhost running")
	return g.Wait()
}

// openBus connects the configured bus. The returned status func backs
// GET /api/bus/status.
func openBus(ctx context.Context, cfg *config.Config, topics bus.Topics) (bus.Client, func() any, func(), error) {
	if cfg.Bus == config.BusMemory {
		mem := bus.NewMemoryBus()
		status := func() any { return map[string]any{"kind": config.BusMemory, "connected": true} }
		return mem, status, mem.Close, nil
	}

	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		host, _ := os.Hostname()
		clientID = fmt.Sprintf("playhost-%s-%s", host, uuid.NewString()[:8])
	}
	client, err := bus.NewMQTTClient(bus.MQTTConfig{
		URL:           cfg.MQTT.URL,
		ClientID:      clientID,
		Subscriptions: []string{topics.ReportTopic("#")},
		PublishRate:   cfg.MQTT.PublishRate,
		PublishBurst:  cfg.MQTT.PublishBurst,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, nil, nil, err
	}
	status := func() any { return client.Status() }
	return client, status, client.Close, nil
}
