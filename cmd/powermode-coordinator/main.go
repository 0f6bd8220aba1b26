// Command powermode-coordinator runs the Power Mode Coordinator Loop as
// a standalone daemon: it seeds one session's objective,
// acquires the coordinator lease, pumps the shared substrate, and
// serves the read-only monitoring API until the objective reaches a
// terminal state or the process receives a shutdown signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/popkit/power-mode/internal/archive"
	"github.com/popkit/power-mode/internal/config"
	"github.com/popkit/power-mode/internal/coordinator"
	"github.com/popkit/power-mode/internal/guardrail"
	"github.com/popkit/power-mode/internal/monitorapi"
	"github.com/popkit/power-mode/internal/objective"
	"github.com/popkit/power-mode/internal/store"
)

func main() {
	sessionID := flag.String("session", "", "session id; generated if empty")
	description := flag.String("objective", "", "objective description")
	criteria := flag.String("criteria", "", "comma-separated success criteria")
	phases := flag.String("phases", "explore,design,implement,review", "comma-separated phase names")
	allowedGlobs := flag.String("allowed-globs", "**", "comma-separated allowed file globs")
	forbiddenTools := flag.String("forbidden-tools", "", "comma-separated forbidden tool names")
	flag.Parse()

	_ = godotenv.Load()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg := config.FromEnv()

	if *sessionID == "" {
		*sessionID = uuid.New().String()
	}

	backend, err := openBackend(cfg, logger)
	if err != nil {
		logger.Fatal("failed to open store backend", zap.Error(err))
	}
	defer backend.Close()

	obj, err := objective.Create(*sessionID, *description, splitCSV(*criteria), splitCSV(*phases), objective.Boundaries{
		AllowedGlobs:   splitCSV(*allowedGlobs),
		ForbiddenTools: splitCSV(*forbiddenTools),
	})
	if err != nil {
		logger.Fatal("failed to create objective", zap.Error(err))
	}

	guardCfg := guardrail.Config{
		ForbiddenTools: splitCSV(*forbiddenTools),
	}
	guard, err := guardrail.New(guardCfg)
	if err != nil {
		logger.Fatal("failed to build guardrail engine", zap.Error(err))
	}

	var archiveStore *archive.Store
	if cfg.MongoURI != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		mongoClient, err := archive.Connect(ctx, cfg.MongoURI)
		cancel()
		if err != nil {
			logger.Warn("failed to connect to durable archive, continuing without it", zap.Error(err))
		} else {
			archiveStore, err = archive.NewStore(context.Background(), mongoClient.Database(cfg.MongoDatabase), logger)
			if err != nil {
				logger.Warn("failed to initialize archive store", zap.Error(err))
				archiveStore = nil
			}
		}
	}

	coord := coordinator.New(coordinator.Options{
		SessionID: *sessionID,
		Backend:   backend,
		Objective: obj,
		Config:    cfg,
		Guardrail: guard,
		Archive:   archiveStore,
		Logger:    logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitor := monitorapi.New(monitorapi.Options{
		Addr:        cfg.MonitorAddr,
		Coordinator: coord,
		EnableJWT:   cfg.EnableJWT,
		JWTSecret:   cfg.JWTSecret,
		Logger:      logger,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := monitor.Run(ctx); err != nil {
			logger.Error("monitor server error", zap.Error(err))
		}
	}()

	logger.Info("coordinator starting",
		zap.String("session_id", *sessionID),
		zap.String("objective", *description))

	if err := coord.Run(ctx); err != nil {
		logger.Error("coordinator run ended with error", zap.Error(err))
	}

	stop()
	wg.Wait()
	logger.Info("coordinator shutdown complete")
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func openBackend(cfg *config.Config, logger *zap.Logger) (store.Backend, error) {
	mode := cfg.ResolveBackendMode(func(addr, password string, timeout time.Duration) bool {
		return store.Ping(context.Background(), addr, password, timeout)
	})

	switch mode {
	case config.BackendRemote:
		logger.Info("using remote store backend", zap.String("addr", cfg.StoreURL))
		return store.NewRedisStore(store.RedisOptions{
			Addr:        cfg.StoreURL,
			Password:    cfg.StoreToken,
			DialTimeout: 2 * time.Second,
		}), nil
	default:
		logger.Info("using file store backend", zap.String("path", cfg.StateFilePath))
		return store.NewFileStore(store.FileStoreOptions{
			StatePath:     cfg.StateFilePath,
			LockPath:      cfg.LockFilePath,
			LockTimeout:   cfg.FileLockTimeout,
			PollInterval:  cfg.FilePollInterval,
			MaxMessages:   cfg.MaxMessagesPerChannel,
			Retention:     cfg.MessageRetention,
			OrphanLockAge: cfg.OrphanLockAge,
			Logger:        logger,
		})
	}
}
