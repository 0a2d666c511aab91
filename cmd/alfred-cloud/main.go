// Alfred orchestrator server. Hosts the whiteboard HTTP API, runs the
// per-user manager loops, and drives the calendar, productivity, email, and
// mailer subagents.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/thegaltinator/alfred-cloud/pkg/agents"
	"github.com/thegaltinator/alfred-cloud/pkg/agents/calendar"
	"github.com/thegaltinator/alfred-cloud/pkg/agents/email"
	"github.com/thegaltinator/alfred-cloud/pkg/agents/mailer"
	"github.com/thegaltinator/alfred-cloud/pkg/agents/productivity"
	"github.com/thegaltinator/alfred-cloud/pkg/api"
	"github.com/thegaltinator/alfred-cloud/pkg/config"
	"github.com/thegaltinator/alfred-cloud/pkg/manager"
	"github.com/thegaltinator/alfred-cloud/pkg/planner"
	"github.com/thegaltinator/alfred-cloud/pkg/services"
	"github.com/thegaltinator/alfred-cloud/pkg/version"
	"github.com/thegaltinator/alfred-cloud/pkg/wb"
)

// proposalTTL bounds how long pending calendar proposals stay loadable.
const proposalTTL = 7 * 24 * time.Hour

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// stoppable is the shared worker lifecycle every background component obeys.
type stoppable interface {
	Stop()
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting Alfred",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			slog.Error("Invalid PORT environment variable", "port", port)
			os.Exit(1)
		}
		cfg.Server.Port = p
	}

	// 2. Connect to Redis (streams, checkpoints, idempotency keys)
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			slog.Error("Error closing Redis client", "error", err)
		}
	}()
	slog.Info("Connected to Redis", "addr", cfg.Redis.Addr)

	// 3. Whiteboard fabric and checkpoint store
	bus := wb.NewBus(redisClient,
		wb.WithMaxLen(cfg.Fabric.MaxLenApprox),
		wb.WithBatchCount(cfg.Fabric.BatchCount),
		wb.WithBlock(cfg.Fabric.TailBlock))
	checkpoints := manager.NewRedisCheckpointStore(redisClient)
	keys := agents.NewRedisKeySet(redisClient)

	// 4. External collaborators
	plannerClient := planner.NewClient(cfg.Planner)
	calendarSource := calendar.NewHTTPSource(cfg.Calendar)
	classifier := email.NewHTTPClassifier(cfg.Email)
	sender := mailer.NewHTTPSender(cfg.Mailer)

	// 5. Calendar subagent and the drift-checked confirm path
	shadow := calendar.NewRedisShadowStore(redisClient)
	proposals := calendar.NewRedisProposalStore(redisClient, proposalTTL)
	calGate := agents.NewDegradedGate("calendar_planner", cfg.Observability)
	calAgent := calendar.NewSubagent(bus, plannerClient, shadow, proposals, calendarSource, keys, calGate)
	confirmer := calendar.NewConfirmer(shadow, proposals, calendarSource, bus)

	// 6. Manager graph and per-user runtime loops
	graph, err := manager.NewGraph(manager.GraphConfig{
		Bus:             bus,
		Planner:         plannerClient,
		Checkpoints:     checkpoints,
		Confirmer:       confirmer,
		ExternalCeiling: cfg.Runtime.ExternalCeiling,
	})
	if err != nil {
		slog.Error("Failed to build manager graph", "error", err)
		os.Exit(1)
	}
	runtimePool := manager.NewRuntimePool(cfg.Users, bus, graph, checkpoints, cfg.Runtime)
	runtimePool.Start(ctx)

	// 7. Subagent consumer groups, one set per user
	emailGate := agents.NewDegradedGate("email_triage", cfg.Observability)
	emailAgent := email.NewSubagent(bus, classifier, keys, cfg.Email, emailGate)
	mailGate := agents.NewDegradedGate("mailer", cfg.Observability)
	mailWorker := mailer.NewWorker(sender, keys, cfg.Mailer)

	rollover := agents.NewRolloverScheduler(cfg.Observability.Location())
	plans := productivity.NewPlannerPlanSource(plannerClient)
	history := productivity.NewRedisHistory(redisClient)

	var runners []stoppable
	startRunner := func(role, user, stream string, handler agents.Handler, gate *agents.DegradedGate) {
		r := agents.NewGroupRunner(redisClient, role, user, stream, handler, cfg.Agents, gate)
		r.Start(ctx)
		runners = append(runners, r)
	}

	for _, user := range cfg.Users {
		user := user
		startRunner("calendar_planner", user, wb.InputKey(user, wb.SourceCalendar), calAgent, calGate)
		startRunner("email_triage", user, wb.InputKey(user, wb.SourceEmail), emailAgent, emailGate)
		startRunner("mailer", user, wb.ControlKey(user, wb.ControlMail), mailWorker, mailGate)

		prodGate := agents.NewDegradedGate("productivity", cfg.Observability)
		prodAgent := productivity.NewSubagent(user, bus, plans, productivity.StaticPreferences{}, history, cfg.Prod, prodGate)
		startRunner("productivity", user, wb.InputKey(user, wb.SourceProd), prodAgent, prodGate)
		startRunner("prod_control", user, wb.ControlKey(user, wb.ControlProd), prodAgent.ControlHandler(), nil)

		rollover.OnRollover(prodAgent.Rollover)
		rollover.OnRollover(func(ctx context.Context, _ time.Time) {
			if err := calAgent.Bootstrap(ctx, user, calendar.DefaultCalendarID); err != nil {
				slog.Warn("Rollover calendar bootstrap failed", "user_id", user, "error", err)
			}
		})
	}
	slog.Info("Subagent workers started", "users", len(cfg.Users))

	// 8. Checkpoint compactor and midnight rollover
	compactor := manager.NewCompactor(checkpoints, cfg.Runtime)
	compactor.Start(ctx)
	rollover.Start(ctx)

	// 9. HTTP server (non-blocking)
	actions := services.NewUserActionService(bus)
	httpServer := api.NewServer(cfg.Server, bus, actions,
		api.WithHealthCheck(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Alfred started successfully",
		"users", len(cfg.Users), "port", cfg.Server.Port)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop producers first, then the manager loops,
	// then the periodic workers, and the HTTP surface last.
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for _, r := range runners {
			r.Stop()
		}
		runtimePool.Stop()
		compactor.Stop()
		rollover.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Workers stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Worker shutdown timeout exceeded, pending entries will be reclaimed on restart")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
