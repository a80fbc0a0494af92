package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"worshiproom/cache"
	"worshiproom/config"
	"worshiproom/core/auth"
	"worshiproom/core/room"
	"worshiproom/core/video"
	"worshiproom/db"
	"worshiproom/events"
	"worshiproom/logger"
	"worshiproom/repository"
	"worshiproom/server"
	"worshiproom/storage"

	"github.com/spf13/cobra"
)

var (
	serverAddr   string
	serverMemory bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the room server",
	Long:  `Starts the HTTP and WebSocket API together with the room scheduler.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if serverAddr != "" {
			cfg.HTTPAddr = serverAddr
		}
		initLogger(cfg)
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg)
	},
}

func init() {
	serverCmd.Flags().StringVar(&serverAddr, "addr", "", "listen address (overrides HTTP_ADDR)")
	serverCmd.Flags().BoolVar(&serverMemory, "memory", false, "keep rooms in memory instead of MySQL")
	rootCmd.AddCommand(serverCmd)
}

func runServer(ctx context.Context, cfg *config.Config) error {
	var (
		repo       repository.RoomRepository
		roomOpts   []room.Option
		serverOpts []server.Option
		relay      *events.KafkaRelay
		cfgWatcher *config.Watcher
	)
	startupCtx, startCancel := context.WithTimeout(ctx, 30*time.Second)
	defer startCancel()

	// Persistence
	if serverMemory {
		logger.Warn("running with in-memory room storage; state is lost on exit")
		repo = repository.NewMemoryRoomRepository()
	} else {
		gdb, err := db.ConnectGormDB(cfg)
		if err != nil {
			return err
		}
		defer db.CloseGormDB()
		if err := db.AutoMigrate(gdb); err != nil {
			return err
		}
		repo = repository.NewGormRoomRepository(gdb)
		serverOpts = append(serverOpts, server.WithHealthCheck("database", func(ctx context.Context) error {
			sqlDB, err := gdb.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}))
	}

	// Snapshot and presence cache
	if rdb, err := db.ConnectRedis(cfg); err != nil {
		logger.Warn("Redis unavailable, room snapshots will not be cached", logger.ErrorField(err))
	} else {
		defer db.CloseRedis()
		roomOpts = append(roomOpts, room.WithCache(cache.NewRoomCache(rdb)))
		serverOpts = append(serverOpts, server.WithHealthCheck("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
	}

	// Event relay
	if len(cfg.KafkaBrokers) > 0 {
		relay = events.NewKafkaRelay(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic), events.RelayOptions{})
		roomOpts = append(roomOpts, room.WithSink(relay))
		logger.Info("relaying room events to Kafka",
			logger.String("topic", cfg.KafkaTopic),
			logger.Int("brokers", len(cfg.KafkaBrokers)))
	}

	// History archive
	if cfg.MinioEndpoint != "" {
		client, err := storage.NewMinioClient(cfg)
		if err != nil {
			return err
		}
		archiver, err := storage.NewHistoryArchiver(startupCtx, client, cfg.MinioBucket, cfg.MinioRegion)
		if err != nil {
			logger.Warn("history archive disabled", logger.ErrorField(err))
		} else {
			roomOpts = append(roomOpts, room.WithArchiver(archiver))
			serverOpts = append(serverOpts, server.WithArchives(archiver))
		}
	}

	// Video metadata
	if cfg.VideoLookupURL != "" {
		lookup, err := video.NewClient(cfg.VideoLookupURL, cfg.VideoLookupTimeout, cfg.VideoCacheSize)
		if err != nil {
			return err
		}
		roomOpts = append(roomOpts, room.WithVideoLookup(lookup))
	}

	manager := room.NewManager(repo, room.OptionsFromConfig(cfg.Engine), roomOpts...)
	if cfg.Engine.RestoreOnStartup {
		if _, err := manager.Restore(startupCtx); err != nil {
			return err
		}
	}

	scheduler := room.NewScheduler(manager, cfg.Engine.TickInterval, cfg.Engine.TickTimeout, cfg.Engine.TickParallelism)
	go scheduler.Run(ctx)

	if w, err := config.Watch(cfg.EnvFile, cfg.Engine, func(engine config.EngineConfig) {
		manager.UpdateOptions(room.OptionsFromConfig(engine))
	}); err != nil {
		logger.Warn("config hot reload disabled", logger.ErrorField(err))
	} else {
		cfgWatcher = w
	}

	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTLifetime)
	serveErr := server.New(manager, tokens, serverOpts...).ListenAndServe(ctx, cfg.HTTPAddr)

	// Shutdown
	if cfgWatcher != nil {
		cfgWatcher.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("room shutdown incomplete", logger.ErrorField(err))
	}
	if relay != nil {
		if err := relay.Close(); err != nil {
			logger.Warn("failed to close event relay", logger.ErrorField(err))
		}
		if n := relay.Dropped(); n > 0 {
			logger.Warn("events dropped by relay", logger.Uint64("count", n))
		}
	}
	logger.Info("server stopped")
	return serveErr
}
