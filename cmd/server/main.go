// filelist server
//
// Features:
// - Directory listings served from an in-memory index, swept hourly
// - Chunked, multipart and streaming uploads
// - On-the-fly ZIP archives of directories
// - Shares with expiring short links
// - Namespace access gate (owner, admin, public, share key)
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/xaixapi/filelist/internal/api"
	"github.com/xaixapi/filelist/internal/archive"
	"github.com/xaixapi/filelist/internal/auth"
	"github.com/xaixapi/filelist/internal/config"
	"github.com/xaixapi/filelist/internal/disk"
	"github.com/xaixapi/filelist/internal/ephemeral"
	badgerstore "github.com/xaixapi/filelist/internal/ephemeral/badger"
	ephmem "github.com/xaixapi/filelist/internal/ephemeral/memory"
	redisstore "github.com/xaixapi/filelist/internal/ephemeral/redis"
	"github.com/xaixapi/filelist/internal/events"
	"github.com/xaixapi/filelist/internal/index"
	"github.com/xaixapi/filelist/internal/logging"
	"github.com/xaixapi/filelist/internal/metadata"
	metamem "github.com/xaixapi/filelist/internal/metadata/memory"
	"github.com/xaixapi/filelist/internal/metadata/postgres"
	"github.com/xaixapi/filelist/internal/metrics"
	"github.com/xaixapi/filelist/internal/offload"
	"github.com/xaixapi/filelist/internal/quota"
	"github.com/xaixapi/filelist/internal/retry"
	"github.com/xaixapi/filelist/internal/sharing"
	"github.com/xaixapi/filelist/internal/stats"
	"github.com/xaixapi/filelist/internal/upload"
	"github.com/xaixapi/filelist/internal/workers"
	"github.com/xaixapi/filelist/migrations"
)

const fileCountInterval = time.Hour

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}
	overrideFromFlags(cfg)
	if err := cfg.Validate(); err != nil {
		panic(err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("filelist server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("root", cfg.Root),
		zap.Bool("auth", cfg.AuthEnabled))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	root, err := disk.New(disk.Config{RootPath: cfg.Root, CreateDirs: true})
	if err != nil {
		logging.Fatal("disk root unavailable", zap.Error(err))
	}

	metaStore := openMetadata(ctx, cfg)
	defer metaStore.Close()

	ephStore := openEphemeral(ctx, cfg)
	defer ephStore.Close()
	keys := ephemeral.Keyspace{Prefix: cfg.KeyPrefix}

	// Index
	var counter index.Counter
	if cfg.AccessCounting {
		counter = index.StoreCounter{Store: ephStore, Keys: keys}
	}
	cache := index.New(root, counter)
	index.NewSweeper(cache, index.SweeperConfig{
		StartupDelay: cfg.ScanStartupDelay,
		Interval:     cfg.ScanInterval,
		Workers:      cfg.ScanWorkers,
	}).Start(ctx)

	// Uploads
	uploads, err := upload.NewManager(root, upload.Config{
		TmpDir:        cfg.UploadTmpDir,
		SessionExpiry: cfg.SessionExpiry,
	})
	if err != nil {
		logging.Fatal("upload staging unavailable", zap.Error(err))
	}
	uploads.StartCleanup(ctx)

	pool := workers.New(cfg.WorkerPoolSize)
	defer pool.Wait()

	// Sharing
	shares := sharing.NewResolver(metaStore, root, ephStore, keys)
	gate := sharing.NewGate(sharing.GateConfig{
		AuthEnabled:     cfg.AuthEnabled,
		PublicNamespace: cfg.PublicNamespace,
	}, metaStore, shares)

	// Stats
	recorder := stats.NewRecorder(ephStore, keys)
	stats.NewFileCounter(root.Path(), ephStore, keys, cfg.ScanWorkers).Start(ctx, fileCountInterval)

	rateLimiter := quota.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	rateLimiter.StartCleanup(ctx)

	// Offload
	var presigner offload.Presigner
	if cfg.OffloadEnabled() {
		p, err := offload.NewS3Presigner(ctx, offload.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			TTL:       cfg.PresignTTL,
		})
		if err != nil {
			logging.Fatal("S3 presigner init failed", zap.Error(err))
		}
		presigner = p
		logging.Info("S3 offload enabled", zap.String("bucket", cfg.S3Bucket))
	}

	srv := api.NewServer(api.Options{
		AuthEnabled:     cfg.AuthEnabled,
		UploadEnabled:   cfg.UploadEnabled,
		DeleteEnabled:   cfg.DeleteEnabled,
		AccessCounting:  cfg.AccessCounting,
		PublicNamespace: cfg.PublicNamespace,
		LoginURL:        cfg.LoginURL,
	}, api.Deps{
		Root:        root,
		Index:       cache,
		Uploads:     uploads,
		Archives:    archive.NewStreamer(pool),
		Pool:        pool,
		Shares:      shares,
		Gate:        gate,
		Auth:        auth.New(metaStore, auth.Config{APIKey: cfg.APIKey, JWTSecret: cfg.JWTSecret}),
		Meta:        metaStore,
		Ephemeral:   ephStore,
		Keys:        keys,
		Stats:       recorder,
		Offload:     offload.NewRedirector(metaStore, presigner),
		Events:      events.NewBroadcaster(),
		RateLimiter: rateLimiter,
	})

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	if cfg.MetricsAddr != "" {
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("forced shutdown", zap.Error(err))
			httpServer.Close()
		}
		metricsServer.Close()
	}()

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}

// overrideFromFlags applies command-line flags on top of the environment.
func overrideFromFlags(cfg *config.Config) {
	fs := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	fs.StringVarP(&cfg.ListenAddr, "listen", "l", cfg.ListenAddr, "address to serve HTTP on")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "address to serve /metrics on (empty disables)")
	fs.StringVarP(&cfg.Root, "root", "r", cfg.Root, "disk root directory")
	fs.BoolVar(&cfg.AuthEnabled, "auth", cfg.AuthEnabled, "enable namespaces and sharing")
	fs.BoolVar(&cfg.UploadEnabled, "upload", cfg.UploadEnabled, "allow uploads")
	fs.BoolVar(&cfg.DeleteEnabled, "delete", cfg.DeleteEnabled, "allow deletes")
	fs.BoolVar(&cfg.AccessCounting, "count", cfg.AccessCounting, "count file accesses")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.EphemeralBackend, "ephemeral", cfg.EphemeralBackend, "redis, badger or memory")
	fs.Parse(os.Args[1:])
}

// openMetadata connects to PostgreSQL when configured. Without a database
// the disk runs with an empty in-process store.
func openMetadata(ctx context.Context, cfg *config.Config) metadata.Store {
	if cfg.DatabaseURL == "" {
		logging.Warn("no DATABASE_URL; shares and accounts are kept in memory")
		return metamem.New()
	}
	logging.Info("connecting to PostgreSQL...")
	store, err := retry.DoWithResult(ctx, retry.StartupConfig("postgres connect"), func() (*postgres.Store, error) {
		s, err := postgres.New(ctx, cfg.DatabaseURL)
		return s, retry.Retryable(err)
	})
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	logging.Info("running migrations...")
	if err := store.Migrate(ctx, migrations.FS); err != nil {
		logging.Fatal("migration failed", zap.Error(err))
	}

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				store.UpdateConnectionMetrics()
			}
		}
	}()
	return store
}

func openEphemeral(ctx context.Context, cfg *config.Config) ephemeral.Store {
	switch cfg.EphemeralBackend {
	case "redis":
		logging.Info("connecting to Redis...", zap.String("addr", cfg.RedisAddr))
		store, err := retry.DoWithResult(ctx, retry.StartupConfig("redis connect"), func() (*redisstore.Store, error) {
			s, err := redisstore.New(ctx, redisstore.Config{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			return s, retry.Retryable(err)
		})
		if err != nil {
			logging.Fatal("redis connection failed", zap.Error(err))
		}
		return store
	case "badger":
		store, err := badgerstore.New(badgerstore.Config{Path: cfg.BadgerPath})
		if err != nil {
			logging.Fatal("badger open failed", zap.Error(err))
		}
		logging.Info("badger store opened", zap.String("path", cfg.BadgerPath))
		return store
	}
	logging.Warn("ephemeral store is in memory; links and counters do not survive restarts")
	return ephmem.New()
}
