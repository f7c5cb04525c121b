package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/xela07ax/connpulse/internal/api"
	"github.com/xela07ax/connpulse/internal/connectors"
	"github.com/xela07ax/connpulse/internal/engine"
	"github.com/xela07ax/connpulse/internal/infra"
	"github.com/xela07ax/connpulse/internal/infra/auth"
	"github.com/xela07ax/connpulse/internal/journal"
	"github.com/xela07ax/connpulse/internal/repository/postgres"
	"github.com/xela07ax/connpulse/internal/signals"
)

// telemetrySource - живой бэкенд или генератор для --mock.
type telemetrySource interface {
	engine.Fetcher
	engine.Prober
}

func main() {
	// 1. Конфиг и логгер
	fs := pflag.NewFlagSet("connpulse", pflag.ExitOnError)
	infra.RegisterFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
	cfg, err := infra.LoadConfig(fs)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// Контекст для управления жизненным циклом фоновых горутин
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Инфраструктура: Postgres и Redis опциональны
	var db *sql.DB
	if cfg.Database.URL != "" {
		db, err = postgres.Open(cfg.Database.URL, int(cfg.Database.MaxConns), int(cfg.Database.MinConns))
		if err != nil {
			logger.Fatal("postgres open failed", zap.Error(err))
		}
		defer db.Close()
		pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
		if err := db.PingContext(pingCtx); err != nil {
			logger.Fatal("database unreachable", zap.Error(err))
		}
		pingCancel()
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
	}

	// 3. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 4. Источник телеметрии + предохранитель на пробы здоровья
	var source telemetrySource
	if cfg.Backend.Mock {
		logger.Warn("backend mock enabled, telemetry is generated")
		source = connectors.NewMockTelemetrySource()
	} else {
		source = connectors.NewRealtimeClient(connectors.ClientConfig{
			BaseURL:        cfg.Backend.BaseURL,
			Token:          cfg.Backend.Token,
			RequestTimeout: cfg.Backend.RequestTimeout,
			HealthTimeout:  cfg.Backend.HealthTimeout,
		}, &http.Client{}, logger)
	}
	prober := engine.NewReliableProber(source, logger, metrics)

	// 5. Журнал синхронизации пишется в Postgres пачками
	opts := engine.Options{Logger: logger, Metrics: metrics, Prober: prober}
	if db != nil {
		j := journal.New(postgres.NewJournalRepo(db), logger)
		j.Start()
		defer j.Stop()
		opts.Journal = j
	}

	engineCfg := cfg.EngineConfig()
	if rdb != nil && cfg.Sync.PersistDisablement {
		store := signals.NewRedisDisablementStore(rdb)
		opts.Disablement = store
		loadCtx, loadCancel := context.WithTimeout(appCtx, 3*time.Second)
		reason, ok, err := store.Load(loadCtx)
		loadCancel()
		switch {
		case err != nil:
			logger.Error("failed to load persisted disablement", zap.Error(err))
		case ok:
			logger.Warn("polling stays disabled from previous run", zap.String("reason", reason))
			engineCfg.InitiallyDisabled = true
		}
	}

	// 6. Подписчики снимков: grpc health и зеркало в Redis
	healthReporter := api.NewHealthReporter()
	var publisher *signals.SnapshotPublisher
	if rdb != nil {
		publisher = signals.NewSnapshotPublisher(rdb, logger)
		go publisher.Run(appCtx)
	}
	opts.OnSnapshot = func(s *engine.Snapshot) {
		healthReporter.Observe(s)
		if publisher != nil {
			publisher.Offer(s)
		}
	}

	// 7. Ядро
	eng := engine.New(source, engineCfg, opts)
	eng.Start()

	var candidates *postgres.CandidateRepo
	if db != nil {
		candidates = postgres.NewCandidateRepo(db)
		if err := loadCandidates(appCtx, candidates, eng); err != nil {
			logger.Error("initial candidate load failed", zap.Error(err))
		}
	}
	if rdb != nil {
		var src signals.CandidateSource
		if candidates != nil {
			src = candidates
		}
		bridge := signals.NewBridge(rdb, eng, src, logger)
		go bridge.Run(appCtx)
	}

	// 8. Локальный API
	apiOpts := []api.Option{api.WithBreaker(prober), api.WithGatherer(reg)}
	if len(cfg.Auth.PublicKey) > 0 {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			logger.Fatal("invalid auth public key", zap.Error(err))
		}
		vopts := []auth.ValidatorOption{auth.WithLeeway(cfg.Auth.Leeway)}
		if cfg.Auth.Issuer != "" {
			vopts = append(vopts, auth.WithIssuer(cfg.Auth.Issuer))
		}
		apiOpts = append(apiOpts, api.WithAuth(auth.NewBaseValidator(pub, vopts...)))
	} else {
		logger.Warn("auth public key not configured, local API is open")
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      api.NewServer(eng, logger, apiOpts...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Info("local API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	var grpcSrv *grpc.Server
	if cfg.GRPC.Port > 0 {
		grpcSrv = grpc.NewServer()
		healthReporter.Register(grpcSrv)
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
		if err != nil {
			logger.Fatal("failed to listen gRPC", zap.Error(err))
		}
		go func() {
			logger.Info("gRPC health started", zap.Int("port", cfg.GRPC.Port))
			if err := grpcSrv.Serve(lis); err != nil {
				logger.Error("gRPC serve failed", zap.Error(err))
			}
		}()
	}

	// 9. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("connpulse stopping")

	healthReporter.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}

	eng.Stop()
	cancel()
	logger.Info("connpulse exited properly")
}

func loadCandidates(ctx context.Context, repo *postgres.CandidateRepo, eng *engine.Engine) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ids, err := repo.ListCandidateIDs(ctx)
	if err != nil {
		return err
	}
	return eng.SetCandidates(ids)
}
