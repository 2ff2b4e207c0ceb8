package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	grpcctx "github.com/dtroode/didkeeper/internal/api/grpc/context"
	"github.com/dtroode/didkeeper/internal/api/grpc/router"
	grpcServer "github.com/dtroode/didkeeper/internal/api/grpc/server"
	"github.com/dtroode/didkeeper/internal/clock"
	"github.com/dtroode/didkeeper/internal/config"
	"github.com/dtroode/didkeeper/internal/controlplane"
	"github.com/dtroode/didkeeper/internal/crypto"
	"github.com/dtroode/didkeeper/internal/logger"
	"github.com/dtroode/didkeeper/internal/model"
	"github.com/dtroode/didkeeper/internal/repository/bolt"
	"github.com/dtroode/didkeeper/internal/repository/memory"
	"github.com/dtroode/didkeeper/internal/repository/postgres"
	"github.com/dtroode/didkeeper/internal/server"
	"github.com/dtroode/didkeeper/internal/service"
	storage "github.com/dtroode/didkeeper/internal/storage/minio"
)

var (
	buildVersion = "N/A" // set by ldflags
	buildDate    = "N/A" // set by ldflags
	buildCommit  = "N/A" // set by ldflags
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, os.Interrupt)
	defer stop()

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	logger := logger.New(cfg.LogLevel)

	durable, closeStore, err := openDurableStore(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialize storage", "error", err, "driver", cfg.Store.Driver)
	}
	defer closeStore()
	volatile := memory.NewStore()

	clk := clock.Real()
	cp := controlplane.NewClient(cfg.ControlPlane.URL, nil, cfg.ControlPlane.Timeout, logger)

	vault := service.NewVaultStore(durable, cfg.KDF.Params(crypto.DefaultKDFParams()), clk, logger)
	session := service.NewSession(vault, volatile, logger)
	tokens := service.NewTokenService(cp, durable, volatile, session, clk, logger)
	limiter := rate.NewLimiter(rate.Limit(cfg.ControlPlane.ProbeRate), cfg.ControlPlane.ProbeBurst)
	recovery := service.NewRecovery(cp, tokens, limiter, cfg.RecoveryGapLimit, logger)
	hub := service.NewHub(clk, logger)
	consent := service.NewConsent(durable, hub, cfg.ConsentFallback, clk, cfg.ConsentTTL, logger)

	var backup *service.Backup
	if cfg.Backup.Enabled {
		backup, err = newBackup(ctx, cfg.Backup, logger)
		if err != nil {
			logger.Fatal("failed to initialize backups", "error", err)
		}
	}

	keeper := service.NewKeeper(vault, session, tokens, recovery, consent, hub, backup, cp, durable, logger)

	srv := registerGRPCServer(cfg, keeper, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func(s *grpcServer.GRPCServer) {
		defer wg.Done()
		logger.Info("Starting server on", "address", s.Address())
		err := s.Start()
		if err != nil {
			logger.Error("failed to start server", "error", err)
			stop()
		}
	}(srv)

	logAppVersion()

	<-ctx.Done()
	logger.Info("received interruption signal, shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", "error", err, "address", srv.Address())
	}
	if err := session.Lock(shutdownCtx); err != nil {
		logger.Error("failed to lock session", "error", err)
	}

	wg.Wait()
	logger.Info("shutdown complete")
}

func logAppVersion() {
	tmpl := `
Build version: %s
Build date: %s
Build commit: %s
`

	fmt.Printf(tmpl, buildVersion, buildDate, buildCommit)
}

func openDurableStore(ctx context.Context, cfg *config.Config) (model.KeyValueStore, func(), error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		db, err := postgres.NewConnection(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewKVRepository(db), func() { db.Close() }, nil
	default:
		store, err := bolt.Open(cfg.Store.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
}

func newBackup(ctx context.Context, cfg config.Backup, logger *logger.Logger) (*service.Backup, error) {
	minioClient, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	storageClient, err := storage.NewClient(ctx, minioClient, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage client: %w", err)
	}
	return service.NewBackup(storageClient, cfg.AgeRecipient, cfg.AgeIdentity, logger)
}

func registerGRPCServer(
	cfg *config.Config,
	keeper *service.Keeper,
	logger *logger.Logger,
) *grpcServer.GRPCServer {
	r := router.New(keeper, grpcctx.NewManager(), cfg.GRPC.AdminToken, logger)
	s := r.Register()

	healthpb.RegisterHealthServer(s, health.NewServer())

	endpoint := server.NewEndpoint(cfg.GRPC)
	if !endpoint.Local() && cfg.GRPC.AdminToken == "" {
		logger.Warn("management API is reachable over TCP without an admin token")
	}
	return grpcServer.NewGRPCServer(s, endpoint)
}
