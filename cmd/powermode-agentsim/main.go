// Command powermode-agentsim drives the agent-side Check-in Hook
// against a running session's store backend, standing in for a real
// agent for manual and integration testing of the Coordinator Loop:
// it reports synthetic tool-call progress every N calls and applies
// whatever the coordinator pushes back. It does not register the agent
// with the coordinator; the -type flag is only logged.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/popkit/power-mode/internal/checkin"
	"github.com/popkit/power-mode/internal/config"
	"github.com/popkit/power-mode/internal/store"
)

func main() {
	sessionID := flag.String("session", "", "session id to join (required)")
	agentType := flag.String("type", "worker", "agent type / routing hint")
	agentID := flag.String("agent-id", "", "agent id; generated if empty")
	phases := flag.String("phases", "explore,design,implement,review", "comma-separated assigned phase names")
	toolCalls := flag.Int("tool-calls", 50, "number of simulated tool calls to run")
	toolDelay := flag.Duration("tool-delay", 200*time.Millisecond, "delay between simulated tool calls")
	flag.Parse()

	if *sessionID == "" {
		fmt.Fprintln(os.Stderr, "powermode-agentsim: -session is required")
		os.Exit(2)
	}

	_ = godotenv.Load()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg := config.FromEnv()

	id := *agentID
	if id == "" {
		id = uuid.New().String()
	}

	backend, err := openBackend(cfg, logger)
	if err != nil {
		logger.Fatal("failed to open store backend", zap.Error(err))
	}
	defer backend.Close()

	hook := checkin.New(checkin.Options{
		AgentID:        id,
		SessionID:      *sessionID,
		Backend:        backend,
		CheckinEveryN:  cfg.CheckinEveryNTools,
		PullBudget:     cfg.CheckinPullBudget,
		PublishTimeout: cfg.CheckinPublishTimeout,
		Logger:         logger.With(zap.String("agent_id", id)),
	})
	defer hook.Close()

	phaseList := splitCSV(*phases)
	if len(phaseList) > 0 {
		hook.SetPhase(phaseList[0], 0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("agentsim starting",
		zap.String("agent_id", id),
		zap.String("type", *agentType),
		zap.String("session_id", *sessionID))

	for i := 1; i <= *toolCalls; i++ {
		select {
		case <-ctx.Done():
			hook.Cancel()
			runCheckin(ctx, hook, logger)
			return
		case <-time.After(*toolDelay):
		}

		hook.TouchFile(fmt.Sprintf("src/file_%d.go", i%7))
		if i%11 == 0 {
			hook.AddInsight([]string{"pattern"}, fmt.Sprintf("tool call %d surfaced a recurring shape", i))
		}

		if count, due := hook.ShouldCheckin(); due {
			logger.Info("checkin due", zap.Uint64("tool_call_count", count))
			runCheckin(ctx, hook, logger)
		}
	}

	logger.Info("agentsim finished simulated run", zap.Int("tool_calls", *toolCalls))
}

func runCheckin(ctx context.Context, hook *checkin.Hook, logger *zap.Logger) {
	if err := hook.Push(ctx, "simulated progress"); err != nil {
		logger.Warn("push failed", zap.Error(err))
	}
	result, err := hook.Pull(ctx)
	if err != nil {
		logger.Warn("pull failed", zap.Error(err))
		return
	}
	for _, cc := range result.CourseCorrects {
		logger.Warn("received course correct", zap.String("reason", cc.Reason))
	}
	for _, da := range result.DriftAlerts {
		logger.Warn("received drift alert", zap.String("evidence", da.Evidence))
	}
	for _, ta := range result.NewTasks {
		logger.Info("received task assignment", zap.String("task_id", ta.TaskID))
		hook.SetCurrentTask(ta.TaskID)
	}
	hook.FlushDeferredSyncAcks(ctx)
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
