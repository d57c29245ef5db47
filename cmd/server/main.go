package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"github.com/remote-agent-terminal/ptyrelay/api/handlers"
	"github.com/remote-agent-terminal/ptyrelay/internal/config"
	"github.com/remote-agent-terminal/ptyrelay/internal/db"
	"github.com/remote-agent-terminal/ptyrelay/internal/logging"
	"github.com/remote-agent-terminal/ptyrelay/internal/repository"
	"github.com/remote-agent-terminal/ptyrelay/internal/session"
	"github.com/remote-agent-terminal/ptyrelay/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "ptyrelay: %v\n", err)
		os.Exit(2)
	}

	logging.Init(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	defer logging.Shutdown()
	log := logging.ForComponent(logging.CompServer)

	if err := run(cfg); err != nil {
		log.Error("server failed", "error", err)
		logging.Shutdown()
		os.Exit(1)
	}
}

// loadConfig resolves configuration from defaults, the optional --config
// file, PTYRELAY_* environment variables and flags, in that order.
func loadConfig(args []string) (*config.Config, error) {
	pre := pflag.NewFlagSet("ptyrelay", pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.Usage = func() {}
	configPath := pre.StringP("config", "c", getEnv("PTYRELAY_CONFIG", ""), "YAML or TOML config file")
	pre.SetOutput(io.Discard)
	if err := pre.Parse(args); err != nil && !errors.Is(err, pflag.ErrHelp) {
		return nil, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.Getenv)

	fs := pflag.NewFlagSet("ptyrelay", pflag.ContinueOnError)
	fs.StringP("config", "c", *configPath, "YAML or TOML config file")
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(cfg *config.Config) error {
	log := logging.ForComponent(logging.CompServer)

	// Initialize database
	database, err := db.InitDB(cfg.Projects.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.CloseDB()

	// Initialize repository
	projectRepo := repository.NewProjectRepository(database, cfg.Projects.MaxProjects)

	// Initialize session registry
	registry := session.NewRegistry(
		session.NewPTYSpawner(session.ProgramConfig{
			Command:   cfg.Program.Command,
			Args:      cfg.Program.Args,
			Env:       cfg.ProgramEnv(),
			Cols:      cfg.Program.Cols,
			Rows:      cfg.Program.Rows,
			ExitDrain: cfg.Session.ExitDrain,
			KillGrace: cfg.Session.KillGrace,
		}),
		session.Config{
			Session: session.Options{
				BufferCeiling: cfg.Session.BufferCeiling,
				BufferSlack:   cfg.Session.BufferSlack,
				QueueLength:   cfg.Session.QueueLength,
			},
			MaxSessions:  cfg.Session.MaxSessions,
			RecordingDir: cfg.Recording.Dir,
			Cols:         cfg.Program.Cols,
			Rows:         cfg.Program.Rows,
		},
	)

	// Initialize WebSocket handler
	terminals := ws.NewHandler(registry, projectRepo, ws.Config{
		SelectRate:     cfg.Server.SelectRate,
		SelectBurst:    cfg.Server.SelectBurst,
		MaxMessageSize: cfg.Server.MaxMessageSize,
	})

	// Initialize handlers
	sessionHandler := handlers.NewSessionHandler(registry)
	projectHandler := handlers.NewProjectHandler(projectRepo)
	wsHandler := handlers.NewWebSocketHandler(terminals)

	// Initialize Gin router
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger())

	// Enable CORS for development
	r.Use(corsMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":   "ok",
			"sessions": registry.Len(),
			"clients":  terminals.ConnectionCount(),
		})
	})

	// API routes
	api := r.Group("/api")
	{
		sessionHandler.RegisterRoutes(api)
		projectHandler.RegisterRoutes(api)
	}
	wsHandler.RegisterRoutes(r)

	if cfg.Server.StaticDir != "" {
		r.NoRoute(gin.WrapH(http.FileServer(http.Dir(cfg.Server.StaticDir))))
	}

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", cfg.Server.Addr, "program", cfg.Program.Command)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutting down server", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	terminals.Close()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}
	if err := registry.Close(ctx); err != nil {
		log.Warn("sessions still running at exit", "error", err)
	}
	return nil
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// corsMiddleware returns a CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
