package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fwdfleet/internal/accounts"
	"fwdfleet/internal/auth"
	"fwdfleet/internal/config"
	"fwdfleet/internal/jobs"
	"fwdfleet/internal/joins"
	"fwdfleet/internal/logx"
	"fwdfleet/internal/middleware"
	"fwdfleet/models"
	"fwdfleet/pkg/storage"
	"fwdfleet/pkg/telegram/authflow"
	"fwdfleet/pkg/telegram/forward"
	"fwdfleet/pkg/telegram/join"
	"fwdfleet/pkg/telegram/maintenance"
	"fwdfleet/pkg/telegram/runtime"
	"fwdfleet/pkg/telegram/scheduler"
	"fwdfleet/pkg/telegram/tgclient"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("load config")
	}
	log := logx.New(cfg.Log.Level, cfg.Log.Pretty)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("service stopped")
	}
	log.Info().Msg("service stopped")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	sessions, err := sessionBackend(cfg, conn, log)
	if err != nil {
		return err
	}
	db := storage.NewDB(conn, sessions, log)
	defer db.Close()

	newClient := clientFactory(cfg, db, log)
	mgr := runtime.NewManager(db, func(acc models.Account) (runtime.Conn, error) {
		c, err := newClient(acc.Phone, acc.ApiID, acc.ApiHash)
		if err != nil {
			return nil, err
		}
		return c, nil
	}, runtime.Options{
		QueueSize:      cfg.Runtime.QueueSize,
		ConnectTimeout: cfg.Runtime.ClientTimeout,
		Grace:          cfg.Runtime.ShutdownGrace,
	}, log)

	flows := authflow.New(db, mgr, func(phone string, appID int, appHash string) (authflow.Conn, error) {
		c, err := newClient(phone, appID, appHash)
		if err != nil {
			return nil, err
		}
		return c, nil
	}, authflow.Options{TTL: cfg.Auth.FlowTTL, StepTimeout: cfg.Runtime.ClientTimeout}, log)
	forwarder := forward.New(db, mgr, forward.Options{MaxFloodWait: cfg.Telegram.MaxFloodWait}, log)
	joiner := join.New(db, mgr, join.Options{MaxFloodWait: cfg.Telegram.JoinFloodWait}, log)
	sched := scheduler.New(db, mgr, forwarder, scheduler.Options{
		Interval:   cfg.Scheduler.Interval,
		MinSleep:   cfg.Scheduler.MinSleep,
		StartDelay: cfg.Scheduler.StartDelay,
	}, log)
	checker := maintenance.New(db, mgr, flows, log)

	mgr.InitializeAll(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           setupRouter(cfg, db, mgr, flows, forwarder, joiner, checker, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return flows.Run(gctx, time.Minute) })
	g.Go(func() error {
		if err := checker.Start(gctx, cfg.Auth.CheckCron); err != nil {
			return err
		}
		<-gctx.Done()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Runtime.ShutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err = g.Wait()
	checker.Stop()
	sctx, cancel := context.WithTimeout(context.Background(), 2*cfg.Runtime.ShutdownGrace)
	defer cancel()
	mgr.Shutdown(sctx)
	return err
}

func sessionBackend(cfg *config.Config, conn *sqlx.DB, log zerolog.Logger) (storage.SessionBackend, error) {
	if cfg.Session.Backend == "file" {
		return storage.NewFileSessions(cfg.Session.Dir)
	}
	return &storage.DBSessions{DB: conn, Log: log}, nil
}

// clientFactory собирает клиентов gotd с общими настройками процесса.
func clientFactory(cfg *config.Config, db *storage.DB, log zerolog.Logger) func(phone string, appID int, appHash string) (*tgclient.Client, error) {
	var proxy *tgclient.Proxy
	if cfg.Telegram.Proxy.Addr != "" {
		proxy = &tgclient.Proxy{
			Addr:     cfg.Telegram.Proxy.Addr,
			User:     cfg.Telegram.Proxy.User,
			Password: cfg.Telegram.Proxy.Password,
		}
	}
	tgLog := logx.Telegram(cfg.Telegram.Debug)
	return func(phone string, appID int, appHash string) (*tgclient.Client, error) {
		return tgclient.New(tgclient.Options{
			Phone:       phone,
			AppID:       appID,
			AppHash:     appHash,
			Storage:     db.SessionStorage(phone),
			Proxy:       proxy,
			RatePerSec:  cfg.Telegram.RatePerSec,
			DeviceModel: cfg.Telegram.DeviceModel,
			DialTimeout: cfg.Runtime.ClientTimeout,
			Logger:      tgLog,
			Log:         log,
		})
	}
}

// Настройка маршрутов
func setupRouter(
	cfg *config.Config,
	db *storage.DB,
	mgr *runtime.Manager,
	flows *authflow.Service,
	forwarder *forward.Engine,
	joiner *join.Engine,
	checker *maintenance.Checker,
	log zerolog.Logger,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLog(logx.Component(log, "http")))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/", middleware.AuthRequired(cfg.JWTSecret))
	auth.SetupRoutes(api.Group("/auth"), auth.NewHandler(flows))
	accounts.SetupRoutes(api.Group("/accounts"), accounts.NewHandler(db, mgr, checker, log))
	jobs.SetupRoutes(api.Group("/jobs"), jobs.NewHandler(db, mgr, forwarder, log))
	joins.SetupRoutes(api.Group("/joins"), joins.NewHandler(mgr, joiner, log))

	return r
}
