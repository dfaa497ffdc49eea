package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	gintrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/gin-gonic/gin"

	"github.com/jmdall/fileswap/cmd/middleware"
	"github.com/jmdall/fileswap/internal/api"
	"github.com/jmdall/fileswap/internal/api/handlers"
	"github.com/jmdall/fileswap/internal/auth"
	"github.com/jmdall/fileswap/internal/configuration"
	"github.com/jmdall/fileswap/internal/exchange"
	"github.com/jmdall/fileswap/internal/lock"
	natsbus "github.com/jmdall/fileswap/internal/nats"
	"github.com/jmdall/fileswap/internal/notify"
	"github.com/jmdall/fileswap/internal/pipeline"
	"github.com/jmdall/fileswap/internal/services"
	"github.com/jmdall/fileswap/internal/storage"
)

const serviceName = "fileswap"

// app holds everything main starts and later shuts down.
type app struct {
	router  *gin.Engine
	service *exchange.Service
	runner  *pipeline.Runner
	reaper  *exchange.Reaper
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return cfg.Build()
}

// openStore returns the record store and, for postgres, the pool locks can share.
func openStore(ctx context.Context, cfg *configuration.Config, log *zap.Logger) (storage.Store, *sql.DB, error) {
	if cfg.StoreBackend == configuration.BackendMemory {
		log.Warn("using in-memory store, state is lost on restart")
		return storage.NewMemoryStore(), nil, nil
	}
	db, err := storage.Open(ctx, cfg.Database.ConnectionString())
	if err != nil {
		return nil, nil, err
	}
	if err := storage.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	return storage.NewPostgresStore(db, log), db, nil
}

func openLocker(ctx context.Context, cfg *configuration.Config, db *sql.DB) (lock.Locker, func(), error) {
	switch cfg.LockBackend {
	case configuration.BackendRedis:
		l, err := lock.NewRedisFromURL(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	case configuration.BackendPostgres:
		if db == nil {
			return nil, nil, fmt.Errorf("postgres lock needs the postgres store")
		}
		return lock.NewPostgres(db), func() {}, nil
	default:
		return lock.NewMemory(), func() {}, nil
	}
}

func build(ctx context.Context, cfg *configuration.Config, log *zap.Logger) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.close()
		return nil, err
	}

	store, db, err := openStore(ctx, cfg, log)
	if err != nil {
		return fail(fmt.Errorf("store: %w", err))
	}
	if db != nil {
		a.closers = append(a.closers, func() { db.Close() })
	}

	locks, closeLocks, err := openLocker(ctx, cfg, db)
	if err != nil {
		return fail(fmt.Errorf("lock: %w", err))
	}
	a.closers = append(a.closers, closeLocks)

	blobs, err := services.NewMinio(ctx, cfg.MinIO.Endpoint, cfg.MinIO.AccessKey, cfg.MinIO.SecretKey, cfg.MinIO.BucketName, cfg.MinIO.UseSSL, log)
	if err != nil {
		return fail(fmt.Errorf("minio: %w", err))
	}

	scanner := services.NewClamAVScanner(cfg.CLAMAVURL)
	if err := scanner.Ping(); err != nil {
		log.Warn("clamd not reachable at startup", zap.String("addr", cfg.CLAMAVURL), zap.Error(err))
	}

	tokens, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.DownloadSecret, cfg.Auth.SessionTokenTTL, cfg.Auth.DownloadGrantTTL)
	if err != nil {
		return fail(err)
	}

	hub := notify.NewHub(32, log)
	var events notify.Publisher = hub
	var closed exchange.ClosedNotifier
	purger := natsbus.NewPurger(blobs, log)

	if cfg.NATSURL != "" {
		client, err := natsbus.Connect(cfg.NATSURL, serviceName, log)
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, client.Close)

		bridge := natsbus.NewBridge(client.Conn, hub, log)
		if _, err := bridge.Start(client.Conn); err != nil {
			return fail(fmt.Errorf("bridge: %w", err))
		}
		events = notify.Fanout{hub, bridge}

		if client.HasJetStream() {
			if _, err := client.SubscribeAll(natsbus.Routes(purger), serviceName); err != nil {
				return fail(err)
			}
			closed = natsbus.NewClosedPublisher(client, log)
		}
	}
	if closed == nil {
		closed = purger
	}

	proc := pipeline.NewProcessor(store, blobs, scanner, services.NewPreviewGenerator(log), events, pipeline.Options{
		MaxFileSize:    cfg.Exchange.MaxFileSize,
		FetchTimeout:   cfg.Pipeline.FetchTimeout,
		ScanTimeout:    cfg.Pipeline.ScanTimeout,
		PreviewTimeout: cfg.Pipeline.PreviewTimeout,
		AllowUnscanned: cfg.Pipeline.ScannerUnavailable == configuration.ScannerAllow,
	}, log)
	jobTimeout := cfg.Pipeline.FetchTimeout + cfg.Pipeline.ScanTimeout + cfg.Pipeline.PreviewTimeout
	a.runner = pipeline.NewRunner(proc, cfg.Pipeline.Workers, jobTimeout, log)

	a.service = exchange.NewService(store, locks, tokens, blobs, a.runner, events, exchange.Config{
		SessionTTL:     cfg.Exchange.SessionTTL,
		UploadURLTTL:   cfg.Exchange.UploadURLTTL,
		PreviewURLTTL:  cfg.Exchange.PreviewURLTTL,
		DownloadURLTTL: cfg.Auth.DownloadGrantTTL,
		AcceptLockTTL:  cfg.Exchange.AcceptLockTTL,
		LockAttempts:   3,
		LockBackoff:    cfg.Exchange.AcceptLockTTL / 50,
		MaxFileSize:    cfg.Exchange.MaxFileSize,
		PublicURL:      cfg.Server.PublicURL,
	}, log).WithClosedNotifier(closed)
	a.reaper = exchange.NewReaper(a.service, cfg.Exchange.ReaperInterval)

	guards := api.Guards{Session: middleware.SessionAuth(tokens)}
	if cfg.Auth.CreatorIssuer != "" {
		verifier, err := middleware.InitAuth(ctx, cfg.Auth.CreatorIssuer, cfg.Auth.CreatorClientID)
		if err != nil {
			return fail(fmt.Errorf("oidc: %w", err))
		}
		guards.Creator = middleware.RequireAuth(verifier, log)
	}

	checks := []handlers.Check{
		{Name: "store", Probe: store.Ping},
		{Name: "blobs", Probe: blobs.CheckConnection},
		{Name: "scanner", Optional: cfg.Pipeline.ScannerUnavailable == configuration.ScannerAllow, Probe: func(context.Context) error { return scanner.Ping() }},
	}

	a.router = gin.New()
	a.router.Use(middleware.Recover(log), middleware.Logging(log.Named("access")))
	if cfg.TraceEnabled {
		a.router.Use(gintrace.Middleware(serviceName))
	}
	api.RegisterRoutes(a.router, handlers.New(a.service, hub, checks, log), guards)
	return a, nil
}
