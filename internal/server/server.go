package server

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"card-authorizer/internal/config"
	"card-authorizer/internal/domain"
	"card-authorizer/internal/handler"
	"card-authorizer/internal/repository"
	"card-authorizer/internal/repository/memory"
	"card-authorizer/internal/repository/redisstore"
	"card-authorizer/internal/security"
	"card-authorizer/internal/service"
)

// Server represents the HTTP server
type Server struct {
	router *mux.Router
	server *http.Server
	store  domain.Store
	logger *slog.Logger
	port   string
}

// NewServer wires storage, services and routes for cfg.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := openStore(context.Background(), cfg, logger)
	if err != nil {
		return nil, err
	}

	return newServerWithStore(cfg, store, logger), nil
}

func newServerWithStore(cfg *config.Config, store domain.Store, logger *slog.Logger) *Server {
	verifier := security.NewBcryptVerifier(cfg.BcryptCost)

	// Initialize services
	accountService := service.NewAccountService(store, verifier, logger)
	transactionService := service.NewTransactionService(store, verifier, logger)

	// Initialize handlers
	accountHandler := handler.NewAccountHandler(accountService, logger)
	transactionHandler := handler.NewTransactionHandler(transactionService, logger)
	healthHandler := handler.NewHealthHandler(store, logger)

	router := mux.NewRouter()
	router.Use(requestIDMiddleware)
	router.Use(loggingMiddleware(logger))
	if cfg.BasicAuthUser != "" {
		router.Use(basicAuthMiddleware(cfg.BasicAuthUser, cfg.BasicAuthPasswordHash, verifier, logger))
	}

	// Card routes
	router.HandleFunc("/cards", accountHandler.CreateAccount).Methods("POST")
	router.HandleFunc("/cards/{card_number}", accountHandler.GetBalance).Methods("GET")

	// Transaction routes
	router.HandleFunc("/transactions", transactionHandler.Debit).Methods("POST")

	// Health check
	router.HandleFunc("/health", healthHandler.Health).Methods("GET")

	return &Server{
		router: router,
		store:  store,
		logger: logger,
	}
}

// openStore connects the storage backend selected by cfg.StorageDriver.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.Store, error) {
	switch cfg.StorageDriver {
	case config.StorageDriverPostgres:
		return openPostgres(ctx, cfg, logger)
	case config.StorageDriverRedis:
		return openRedis(ctx, cfg, logger)
	case config.StorageDriverMemory:
		logger.Warn("Using in-memory storage, data is lost on restart")
		return memory.NewStore(logger, cfg.LockTimeout), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

func openPostgres(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.Store, error) {
	db, err := sql.Open("postgres", cfg.GetDBConnectionString())
	if err != nil {
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	logger.Info("Successfully connected to database")

	if cfg.RunMigrations {
		if err := repository.RunMigrations(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		logger.Info("Database migrations applied")
	}

	return repository.NewStore(db, logger, cfg.LockTimeout), nil
}

func openRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	logger.Info("Successfully connected to redis", "addr", cfg.RedisAddr)

	return redisstore.NewStore(client, logger, redisstore.LockOptions{
		Timeout: cfg.LockTimeout,
		Expiry:  cfg.LockExpiry,
	}), nil
}

// Start starts the HTTP server on the specified port
func (s *Server) Start(port string) (string, error) {
	// Create listener first to get actual port
	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return "", err
	}

	// Get the actual port being used
	addr := listener.Addr().(*net.TCPAddr)
	s.port = strconv.Itoa(addr.Port)

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting server", "port", s.port)

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server failed", "error", err)
		}
	}()

	return s.port, nil
}

// Stop drains in-flight requests, then closes the store.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	var shutdownErr error
	if s.server != nil {
		shutdownErr = s.server.Shutdown(ctx)
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("Failed to close store", "error", err)
		}
	}

	return shutdownErr
}

// GetPort returns the port the server is listening on
func (s *Server) GetPort() string {
	return s.port
}

// GetBaseURL returns the base URL for the server
func (s *Server) GetBaseURL() string {
	return "http://localhost:" + s.port
}

// GetRouter returns the router for testing purposes
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// NewLogger returns the JSON stdout logger, or a discarding one when the
// server is asked for an ephemeral port as tests do.
func NewLogger(cfg *config.Config) *slog.Logger {
	if cfg.ServerPort == "0" {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

// StartServer starts the server with the given configuration
func StartServer(cfg *config.Config) (*Server, string, error) {
	server, err := NewServer(cfg, NewLogger(cfg))
	if err != nil {
		return nil, "", err
	}

	port, err := server.Start(cfg.ServerPort)
	if err != nil {
		server.store.Close()
		return nil, "", err
	}

	return server, port, nil
}
