// Package main is the unified entry point for Banterop.
// One binary runs the orchestrator, the agent host, the room bridge and all
// transports (WebSocket JSON-RPC, HTTP, A2A, MCP) on shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/banterop/banterop/internal/agenthost"
	"github.com/banterop/banterop/internal/attachments"
	"github.com/banterop/banterop/internal/common/config"
	"github.com/banterop/banterop/internal/common/httpmw"
	"github.com/banterop/banterop/internal/common/logger"
	"github.com/banterop/banterop/internal/common/tracing"
	"github.com/banterop/banterop/internal/conversation"
	"github.com/banterop/banterop/internal/conversation/store"
	"github.com/banterop/banterop/internal/db"
	"github.com/banterop/banterop/internal/events"
	gateways "github.com/banterop/banterop/internal/gateway/websocket"
	"github.com/banterop/banterop/internal/llm"
	"github.com/banterop/banterop/internal/orchestrator"
	"github.com/banterop/banterop/internal/orchestrator/subs"
	"github.com/banterop/banterop/internal/rooms"
	roomsmcp "github.com/banterop/banterop/internal/rooms/mcp"
	"github.com/banterop/banterop/internal/scenario"
)

const idempotencySweepInterval = 5 * time.Minute

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Banterop...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus (in-memory by default, NATS when configured)
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	eventBus := provided.Bus

	// 5. Database
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("path", cfg.Database.Path))
	}
	defer database.Close()
	log.Info("SQLite database initialized", zap.String("path", cfg.Database.Path))

	// ============================================
	// EVENT STORE + ORCHESTRATOR
	// ============================================
	eventStore, err := store.New(database)
	if err != nil {
		log.Fatal("Failed to initialize event store", zap.Error(err))
	}

	subsBus := subs.New(eventStore, log)
	defer subsBus.Close()

	orc := orchestrator.New(eventStore, subsBus, eventBus, log,
		orchestrator.WithTurnDeadline(cfg.Agent.TurnDeadline()))
	log.Info("Orchestrator initialized")

	// ============================================
	// AGENT HOST
	// ============================================
	var provider llm.Provider
	if cfg.LLM.APIKey != "" {
		provider = llm.NewOpenAIProvider(cfg.LLM, log)
		log.Info("LLM provider configured", zap.String("model", cfg.LLM.Model))
	} else {
		log.Info("No LLM provider configured; assistant agents unavailable")
	}

	host := agenthost.New(orc, eventBus, provider, cfg.Agent, log)
	if err := host.Start(ctx); err != nil {
		log.Fatal("Failed to start agent host", zap.Error(err))
	}
	if err := host.ResumeAll(ctx); err != nil {
		log.Error("Agent resumption failed", zap.Error(err))
	}
	log.Info("Agent host initialized")

	// ============================================
	// COLLABORATORS
	// ============================================
	attachmentStore, err := attachments.New(database)
	if err != nil {
		log.Fatal("Failed to initialize attachment store", zap.Error(err))
	}
	scenarioStore, err := scenario.New(database)
	if err != nil {
		log.Fatal("Failed to initialize scenario store", zap.Error(err))
	}

	// ============================================
	// ROOM BRIDGE
	// ============================================
	roomStore, err := rooms.NewStore(database)
	if err != nil {
		log.Fatal("Failed to initialize room store", zap.Error(err))
	}
	notifier := rooms.NewNotifier(eventBus, log)
	leases := rooms.NewLeaseManager(cfg.Rooms.LeaseTTL(), notifier, eventBus, log)
	bridge := rooms.NewBridge(roomStore, notifier, log)
	roomHandlers := rooms.NewHandlers(bridge, leases, cfg.Rooms.Heartbeat(), log)
	log.Info("Room bridge initialized")

	var mcpServer *roomsmcp.Server
	if cfg.MCP.Enabled {
		mcpServer = roomsmcp.New(roomsmcp.Config{Port: cfg.MCP.Port}, bridge, log)
		if err := mcpServer.Start(ctx); err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
	}

	// ============================================
	// WEBSOCKET GATEWAY
	// ============================================
	hub := gateways.NewHub(log)
	go hub.Run(ctx)
	gateway := gateways.NewGateway(orc, host, eventBus, scenarioStore, log)
	wsHandler := gateways.NewHandler(hub, gateway, log)
	log.Info("WebSocket gateway initialized")

	// ============================================
	// BACKGROUND SWEEPERS
	// ============================================
	go func() {
		ticker := time.NewTicker(idempotencySweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := eventStore.SweepIdempotency(ctx, store.IdempotencyTTL); err != nil {
					log.Warn("idempotency sweep failed", zap.Error(err))
				} else if n > 0 {
					log.Debug("idempotency keys swept", zap.Int64("removed", n))
				}
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(cfg.Rooms.Heartbeat())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				leases.Sweep(ctx)
			}
		}
	}()

	// ============================================
	// HTTP SERVER
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "banterop"))
	router.Use(httpmw.OtelTracing("banterop"))

	api := router.Group("/api")
	api.GET("/ws", wsHandler.HandleConnection)
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	api.GET("/conversations", func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
		hours, _ := strconv.Atoi(c.DefaultQuery("hours", "0"))
		convs, err := orc.ListConversations(c.Request.Context(), store.ConversationFilter{
			Status:     conversation.Status(c.Query("status")),
			ScenarioID: c.Query("scenarioId"),
			Hours:      hours,
			Limit:      limit,
			Offset:     offset,
		})
		if err != nil {
			log.Error("conversation list failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"conversations": convs})
	})

	attachments.NewHandlers(attachmentStore, log).RegisterRoutes(api)
	scenario.NewHandlers(scenarioStore, log).RegisterRoutes(api)
	roomHandlers.RegisterRoutes(api)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/api/ws"),
		zap.String("health", "/api/health"),
		zap.String("rooms", "/api/rooms/:pairId"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Banterop...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if mcpServer != nil {
		if err := mcpServer.Stop(shutdownCtx); err != nil {
			log.Error("MCP server shutdown error", zap.Error(err))
		}
	}
	if err := host.Shutdown(shutdownCtx); err != nil {
		log.Error("Agent host shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Banterop stopped")
}

// corsMiddleware allows browser clients from any origin; the deployment sits
// behind a reverse proxy in production.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Edit-Token, "+rooms.BackendLeaseHeader)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
