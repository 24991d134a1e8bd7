package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"QueueFM/cache"
	"QueueFM/config"
	"QueueFM/core/audio"
	"QueueFM/core/auth"
	"QueueFM/core/mode"
	"QueueFM/core/player"
	"QueueFM/core/preload"
	"QueueFM/core/queue"
	"QueueFM/core/realtime"
	"QueueFM/core/source"
	"QueueFM/db"
	"QueueFM/logger"
	"QueueFM/metrics"
	"QueueFM/repository"
	"QueueFM/server"
	"QueueFM/storage"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	lockTTL          = 15 * time.Second
	retryDelay       = 2 * time.Second
	pacedFallbackLen = 3 * time.Minute
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动 QueueFM 服务器",
	Long:  `启动播放引擎、实时网关和 HTTP 服务。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

type repositories struct {
	queue    repository.QueueRepository
	history  repository.HistoryRepository
	settings repository.SettingsRepository
}

func openRepositories(cfg *config.Config) (repositories, error) {
	if err := db.ConnectGormDB(cfg); err != nil {
		return repositories{}, err
	}
	if db.GormDB == nil {
		return repositories{
			queue:    repository.NewMemoryQueueRepository(),
			history:  repository.NewMemoryHistoryRepository(),
			settings: repository.NewMemorySettingsRepository(),
		}, nil
	}
	if err := db.AutoMigrateModels(db.Models...); err != nil {
		return repositories{}, err
	}
	return repositories{
		queue:    repository.NewGormQueueRepository(db.GormDB),
		history:  repository.NewGormHistoryRepository(db.GormDB),
		settings: repository.NewGormSettingsRepository(db.GormDB),
	}, nil
}

func runServer(parent context.Context) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	repos, err := openRepositories(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.CloseGormDB(); err != nil {
			logger.Warn("close database failed", logger.ErrorField(err))
		}
	}()

	var mirror realtime.Mirror
	if cfg.RedisEnabled() {
		if err := cache.ConnectRedis(cfg); err != nil {
			return err
		}
		defer cache.CloseRedis()

		lock := cache.NewInstanceLock(cache.RedisClient, cache.EngineLockKey, lockTTL)
		if err := lock.Acquire(ctx); err != nil {
			return err
		}
		defer func() {
			releaseCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			if err := lock.Release(releaseCtx); err != nil {
				logger.Warn("release instance lock failed", logger.ErrorField(err))
			}
		}()
		go lock.Keep(ctx, func(err error) {
			logger.Error("lost engine lock, shutting down", logger.ErrorField(err))
			cancel()
		})
		mirror = cache.NewEventMirror(cache.RedisClient)
		logger.Info("redis connected, engine lock held", logger.String("owner", lock.Owner()))
	}

	var archiver player.Archiver
	if cfg.MinioEnabled() {
		a, err := storage.NewArchiver(cfg)
		if err != nil {
			return err
		}
		if err := a.EnsureBucket(ctx); err != nil {
			return err
		}
		archiver = a
	}

	if err := source.InitCacheDir(cfg.CacheDir); err != nil {
		return err
	}
	ext := &source.Ytdlp{Executable: cfg.YtdlpPath}
	resolver := source.NewResolver(ext, cfg.MetadataTimeout, cfg.SearchTimeout)
	fetcher := source.NewFetcher(ext, cfg.CacheDir, cfg.DownloadTimeout)

	modes := mode.NewService(repos.settings, cfg.KeepFiles)
	if err := modes.Load(ctx); err != nil {
		return err
	}
	store := queue.NewStore(repos.queue, resolver, cfg.MetadataTimeout)
	if err := store.Load(ctx); err != nil {
		return err
	}
	defer store.Wait()

	prober := audio.NewProber(cfg.FFprobePath)
	var library *player.Library
	if cfg.LibraryDir != "" {
		library = player.NewLibrary(cfg.LibraryDir, prober)
		if err := library.Scan(); err != nil {
			logger.Warn("fallback library unavailable", logger.ErrorField(err))
			library = nil
		}
	}

	var gw *realtime.Gateway
	var sink player.Sink
	var encoder *audio.Encoder
	streamOnline := func() bool { return false }
	if cfg.Streaming {
		encoder = audio.NewIcecastEncoder(cfg, func(bool) {
			if gw != nil {
				gw.BroadcastStreamStatus()
			}
		})
		defer encoder.Close()
		sink = audio.NewPipeline(encoder, cfg.FFmpegPath)
		streamOnline = encoder.Online
	} else {
		logger.Warn("streaming disabled, tracks are paced without an encoder")
		sink = audio.NewPacedSink(prober, pacedFallbackLen)
		metrics.StreamOnline.Set(0)
	}

	preparer := player.NewPreparer(resolver, fetcher, modes.KeepFiles)
	engine := player.NewEngine(player.Options{
		Queue:      store,
		Preparer:   preparer,
		Preload:    preload.NewCache(cfg.PreloadSize, store, preparer, modes.KeepFiles),
		Sink:       sink,
		History:    repos.history,
		Archiver:   archiver,
		Library:    library,
		KeepFiles:  modes.KeepFiles,
		RetryLimit: cfg.RetryLimit,
		RetryDelay: retryDelay,
	})

	verifier := auth.NewVerifier(cfg.AdminToken, cfg.AdminTokenHash, cfg.SigningSecret(), cfg.SessionTTL)
	gw = realtime.NewGateway(realtime.Options{
		Queue:                store,
		Player:               engine,
		Modes:                modes,
		Auth:                 verifier,
		Info:                 resolver,
		Mirror:               mirror,
		StreamOnline:         streamOnline,
		MaxDurationSeconds:   cfg.MaxDurationSeconds,
		VoteThresholdSeconds: cfg.VoteThresholdSeconds,
		DurationVoteTimeout:  cfg.DurationVoteTimeout,
		AddsPerMinute:        cfg.AddRatePerMinute,
	})
	engine.SetListener(gw)
	store.Subscribe(engine.QueueChanged)
	store.Subscribe(gw.QueueChanged)
	store.Subscribe(func(queue.Change) { metrics.QueueLength.Set(float64(store.Len())) })
	metrics.QueueLength.Set(float64(store.Len()))

	deps := server.Deps{
		Station: gw,
		Auth:    verifier,
		Search:  resolver,
		History: repos.history,
	}
	if cfg.Streaming {
		deps.Origin = server.NewOrigin(cfg.Icecast)
	}
	srv := server.New(deps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		gw.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx, ":"+cfg.Port)
	})
	if library != nil {
		if err := library.Watch(gctx); err != nil {
			logger.Warn("library watch disabled", logger.ErrorField(err))
		}
	}

	logger.Info("QueueFM started",
		logger.String("port", cfg.Port),
		logger.String("mode", string(modes.Mode())),
		logger.Int("queued", store.Len()),
		logger.Bool("streaming", cfg.Streaming))

	// a failing member cancels gctx and stops the others
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("QueueFM stopped")
	return nil
}
