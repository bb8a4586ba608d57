package main

import (
	"context"
	"net/http"
	"os"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yutakobayashidev/kids-code-tutorial/internal/api/handlers"
	"github.com/yutakobayashidev/kids-code-tutorial/internal/api/middleware"
	"github.com/yutakobayashidev/kids-code-tutorial/internal/config"
	"github.com/yutakobayashidev/kids-code-tutorial/internal/database"
	"github.com/yutakobayashidev/kids-code-tutorial/internal/sandbox"
	sessionruntime "github.com/yutakobayashidev/kids-code-tutorial/internal/session/runtime"
	"github.com/yutakobayashidev/kids-code-tutorial/internal/store"
	"github.com/yutakobayashidev/kids-code-tutorial/internal/tutor"
	"github.com/yutakobayashidev/kids-code-tutorial/internal/vmproxy"
	"github.com/yutakobayashidev/kids-code-tutorial/internal/websocket"
	"github.com/yutakobayashidev/kids-code-tutorial/pkg/logger"
)

// sandboxStopper adapts the sandbox manager to the session runtime's stop
// hook, which does not care about the result code.
type sandboxStopper struct {
	m *sandbox.Manager
}

func (s sandboxStopper) Stop(ctx context.Context, code, identity string) {
	s.m.Stop(ctx, code, identity)
}

func main() {
	// Load configuration
	cfg, err := config.Load(config.Overrides{})
	if err != nil {
		logger.Errorf("Failed to load config: %v", err)
		os.Exit(1)
	}

	if cfg.Debug {
		logger.SetLevel(logger.LevelDebug)
	}

	// Set Gin mode
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// Open database
	logger.Infof("Opening database: %s", cfg.DatabasePath)
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Errorf("Failed to open database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	sessionStore := store.NewSQLStore(db.DB)

	// Pick the tutor backend. Without an endpoint the server still runs and
	// answers with a canned reply, which is enough for local development.
	var generator sessionruntime.Generator
	if cfg.TutorEndpoint != "" {
		logger.Infof("Tutor endpoint: %s", cfg.TutorEndpoint)
		generator = tutor.NewHTTPGenerator(cfg.TutorEndpoint, cfg.TutorAPIKey)
	} else {
		logger.Warnf("TUTOR_ENDPOINT not set - using static tutor replies")
		generator = &tutor.StaticGenerator{}
	}

	// Initialize Socket.IO server
	logger.Infof("Initializing Socket.IO server...")
	socketIOServer := websocket.NewSocketIOServer(sessionStore, cfg, generator)
	defer socketIOServer.Close()

	// Sandbox manager and the reverse proxy route table it feeds.
	routes := vmproxy.NewTable()
	sandboxManager := sandbox.NewManager(
		sessionStore,
		routes,
		socketIOServer.Sessions(),
		sandbox.NewProcessUnitFactory(cfg.SandboxRunner),
		sandbox.Config{
			Limits: sandbox.ResourceLimits{
				MaxOldGenerationMB:   cfg.VMMaxOldGenerationMB,
				MaxYoungGenerationMB: cfg.VMMaxYoungGenerationMB,
				MaxCodeRangeMB:       cfg.VMMaxCodeRangeMB,
			},
			StopGrace:     cfg.VMStopGrace,
			FlushInterval: cfg.LogFlushInterval,
			FlushMaxLines: cfg.LogFlushMaxLines,
		},
	)
	socketIOServer.SetSandbox(sandboxManager)
	socketIOServer.Sessions().SetSandbox(sandboxStopper{m: sandboxManager})

	// The proxy listens on its own port so user programs get a clean origin.
	go func() {
		logger.Infof("Sandbox proxy listening on %s", cfg.VMAddr)
		if err := http.ListenAndServe(cfg.VMAddr, vmproxy.NewServer(routes)); err != nil {
			logger.Errorf("Sandbox proxy failed: %v", err)
			os.Exit(1)
		}
	}()

	// Create Gin router
	router := gin.New()
	router.Use(gin.Recovery())

	// CORS middleware
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"*"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	// Logging middleware
	router.Use(middleware.LoggingMiddleware())

	// Root endpoint - returns plain text for client validation
	router.GET("/", func(c *gin.Context) {
		c.String(200, "Kids Code Tutorial server is running.")
	})

	// Initialize handlers
	sessionHandler := handlers.NewSessionHandler(sessionStore, os.Getenv("PUBLIC_URL"))

	router.GET("/sessions", sessionHandler.ListSessions)
	router.POST("/session/new", sessionHandler.CreateSession)
	router.GET("/session/:key", sessionHandler.GetSession)
	router.PUT("/session/:key", sessionHandler.PutSession)
	router.DELETE("/session/:key", sessionHandler.DeleteSession)
	router.POST("/session/resume/:key", sessionHandler.ResumeSession)
	router.GET("/session/:key/qr", sessionHandler.SessionQR)

	// Mount the Socket.IO session channel.
	router.Any(websocket.SocketPath, socketIOServer.HandleSocketIO())
	router.Any(websocket.SocketPath+"/*any", socketIOServer.HandleSocketIO())

	logger.Infof("Server starting on http://localhost%s", cfg.Addr)
	logger.Infof("Database: %s", cfg.DatabasePath)

	if err := router.Run(cfg.Addr); err != nil {
		logger.Errorf("Failed to start server: %v", err)
		os.Exit(1)
	}
}
