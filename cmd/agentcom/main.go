// Package main runs the AgentCom hub: the coordination service that agents
// connect to over WebSocket and operators drive over HTTP. All components
// run in one process sharing the event bus and the durable store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentcom/agentcom/internal/agent"
	"github.com/agentcom/agentcom/internal/auth"
	"github.com/agentcom/agentcom/internal/common/config"
	"github.com/agentcom/agentcom/internal/common/logger"
	"github.com/agentcom/agentcom/internal/common/tracing"
	"github.com/agentcom/agentcom/internal/events"
	"github.com/agentcom/agentcom/internal/events/bus"
	gateway "github.com/agentcom/agentcom/internal/gateway/websocket"
	"github.com/agentcom/agentcom/internal/httpapi"
	"github.com/agentcom/agentcom/internal/presence"
	"github.com/agentcom/agentcom/internal/repos"
	"github.com/agentcom/agentcom/internal/scheduler"
	"github.com/agentcom/agentcom/internal/store"
	"github.com/agentcom/agentcom/internal/supervisor"
	"github.com/agentcom/agentcom/internal/taskqueue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting AgentCom hub...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	// Durable store. Every component's table lives under one data dir.
	st, err := store.Open(cfg.Storage.DataDir, log)
	if err != nil {
		log.Fatal("Failed to open data directory", zap.Error(err))
	}
	log.Info("Durable store ready", zap.String("data_dir", st.Dir()))

	tokenTable, err := st.Table("tokens")
	if err != nil {
		log.Fatal("Failed to open token table", zap.Error(err))
	}
	authReg, err := auth.NewRegistry(tokenTable, cfg.Auth.AdminAgents, log)
	if err != nil {
		log.Fatal("Failed to load auth registry", zap.Error(err))
	}
	bootstrapAdminTokens(cfg, authReg, log)

	pres := presence.NewRegistry(eventBus, cfg.Hub.HeartbeatTimeout(), cfg.Hub.PresenceReap(), log)

	agents := agent.NewManager(eventBus, cfg.Hub.AcceptanceTimeout(), log)

	queue, err := taskqueue.New(st, eventBus, cfg.Hub.HistoryCap, cfg.Hub.ReclaimSweep(), log)
	if err != nil {
		log.Fatal("Failed to open task queue", zap.Error(err))
	}
	agents.SetReclaimer(queue)

	repoTable, err := repos.NewRegistry(st, log)
	if err != nil {
		log.Fatal("Failed to load repository table", zap.Error(err))
	}

	sched := scheduler.New(queue, agents, pres, repoTable, eventBus,
		cfg.Hub.SchedulerTick(), cfg.Hub.DefaultDeadline(), log)

	hub := gateway.NewHub(authReg, pres, agents, queue, eventBus,
		cfg.Hub.ValidationFailureThreshold, log)
	hub.SetReadTimeout(cfg.Server.ReadTimeoutDuration())

	// A reclaimed task may still be held by a slow agent's FSM; strip it so
	// the agent goes back to IDLE and cannot shadow the new assignee.
	if _, err := eventBus.Subscribe(events.TopicTasks, func(ctx context.Context, event *bus.Event) error {
		if event.Type != events.TaskReclaimed {
			return nil
		}
		if taskID, ok := event.Data["task_id"].(string); ok {
			agents.OnTaskReclaimed(taskID)
		}
		return nil
	}); err != nil {
		log.Fatal("Failed to subscribe to task events", zap.Error(err))
	}

	// Heartbeat expiry: close the silent socket; its teardown drives the FSM
	// offline and reclaims any in-flight task.
	pres.SetTimeoutHandler(func(agentID string) {
		hub.CloseAgent(agentID, "heartbeat_timeout")
		agents.OnDisconnect(agentID, "heartbeat_timeout")
	})

	httpSrv := httpapi.NewServer(cfg, httpapi.Deps{
		Auth:     authReg,
		Queue:    queue,
		Presence: pres,
		Agents:   agents,
		Repos:    repoTable,
		Hub:      hub,
	}, log)

	// The periodic loops run under Supervise: a panic or error restarts the
	// loop with backoff instead of silently killing that subsystem.
	sup := supervisor.New(log)
	sup.Add(supervisor.Component{Name: "presence", Start: func(ctx context.Context) error {
		sup.Supervise(ctx, "presence_reaper", pres.ReapLoop)
		return nil
	}})
	sup.Add(supervisor.Component{Name: "taskqueue", Start: func(ctx context.Context) error {
		sup.Supervise(ctx, "reclaim_sweep", queue.SweepLoop)
		return nil
	}})
	sup.Add(supervisor.Component{Name: "scheduler", Start: func(ctx context.Context) error {
		if err := sched.Start(ctx); err != nil {
			return err
		}
		sup.Supervise(ctx, "scheduler_loop", sched.Run)
		return nil
	}, Stop: sched.Stop})
	sup.Add(supervisor.Component{Name: "gateway", Start: hub.Start, Stop: hub.Stop})
	sup.Add(supervisor.Component{Name: "http", Start: httpSrv.Start, Stop: func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpSrv.Stop(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
	}})

	if err := sup.Start(ctx); err != nil {
		log.Fatal("Failed to start components", zap.Error(err))
	}
	log.Info("AgentCom hub running", zap.String("addr", cfg.Server.ListenAddr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down AgentCom hub...")
	cancel()
	sup.Stop()

	if err := queue.Close(); err != nil {
		log.Error("Task queue close error", zap.Error(err))
	}
	if err := repoTable.Close(); err != nil {
		log.Error("Repository table close error", zap.Error(err))
	}
	if err := tokenTable.Close(); err != nil {
		log.Error("Token table close error", zap.Error(err))
	}
	if err := tracing.Shutdown(context.Background()); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("AgentCom hub stopped")
}

// bootstrapAdminTokens issues tokens for configured admin agents that do not
// have one yet, so a fresh deployment has a way to call the admin API.
func bootstrapAdminTokens(cfg *config.Config, authReg *auth.Registry, log *logger.Logger) {
	for _, agentID := range cfg.Auth.AdminAgents {
		if authReg.HasToken(agentID) {
			continue
		}
		token, err := authReg.Issue(agentID)
		if err != nil {
			log.Fatal("Failed to bootstrap admin token",
				zap.String("agent_id", agentID), zap.Error(err))
		}
		// Printed once on first boot; rotate via the admin API afterwards.
		log.Info("bootstrap admin token issued",
			zap.String("agent_id", agentID),
			zap.String("token", token))
	}
}
