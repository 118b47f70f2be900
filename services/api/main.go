package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conversa/internal/blob"
	"github.com/conversa/internal/chat"
	"github.com/conversa/internal/config"
	"github.com/conversa/internal/handler"
	"github.com/conversa/internal/logger"
	"github.com/conversa/internal/middleware"
	"github.com/conversa/internal/push"
	"github.com/conversa/internal/repository"
	"github.com/conversa/internal/snapshot"
	"github.com/conversa/internal/startup"
	"github.com/conversa/internal/storage"
	"github.com/conversa/internal/storage/devstore"
	"github.com/conversa/internal/ws"
	"github.com/conversa/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	flag.Parse()

	logger.Info("starting API service")
	cfg := config.Load()

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
	defer pool.Close()

	if err := startup.RunMigrations(pool, migrations.Files); err != nil {
		logger.Errorf("migrations: %v", err)
		os.Exit(1)
	}
	if *migrate && !*dev {
		return
	}
	logger.Info("database connected, migrations applied")

	userRepo := repository.NewUserRepository(pool)
	sessionRepo := repository.NewSessionRepository(pool)
	convRepo := repository.NewConversationRepository(pool)
	msgRepo := repository.NewMessageRepository(pool)
	statusRepo := repository.NewStatusRepository(pool)
	contactRepo := repository.NewContactRepository(pool)
	snapRepo := repository.NewSnapshotRepository(userRepo, convRepo, contactRepo)

	// Redis хранит снапшоты, секреты сессий и счётчики rate limit. Без него
	// всё то же самое живёт в памяти процесса, секреты — в таблице sessions.
	var store storage.SessionCacheStore
	if cfg.Redis.URL != "" {
		store = startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second, "")
	} else {
		logger.Info("REDIS_URL не задан, используется in-process хранилище (single instance only)")
		store = devstore.New(sessionRepo)
	}
	defer store.Close()

	snapCache := snapshot.NewCache(store, snapRepo)

	var uploader chat.Uploader
	if cfg.BlobServiceURL != "" {
		uploader = blob.NewClient(cfg.BlobServiceURL)
	}
	var pushClient *push.Client
	var notifier chat.Notifier
	if cfg.PushServiceURL != "" {
		pushClient = push.NewClient(cfg.PushServiceURL)
		notifier = pushClient
	}

	hub := ws.NewHub(cfg.MaxWSConnections)
	svc := chat.NewService(hub, convRepo, msgRepo, statusRepo, userRepo, contactRepo, snapCache, uploader, notifier)

	hubCtx, hubCancel := context.WithCancel(context.Background())
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	limits := ws.Limits{
		WriteWait:      time.Duration(cfg.WSWriteTimeout) * time.Second,
		PongWait:       time.Duration(cfg.WSPongTimeout) * time.Second,
		MaxMessageSize: int64(cfg.WSMaxMessageSize),
		SendBufSize:    cfg.WSSendBufferSize,
	}

	userH := handler.NewUserHandler(svc)
	contactH := handler.NewContactHandler(svc)
	convH := handler.NewConversationHandler(svc)
	pushH := handler.NewPushHandler(pushClient)
	sessionH := handler.NewSessionHandler(sessionRepo, store)
	configH := handler.NewConfigHandler(cfg)
	wsH := handler.NewWSHandler(hub, svc, limits, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket — иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.RateLimitAPI(store))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Session-Id", "X-Timestamp", "X-Signature"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/api/config/push", configH.GetPushConfig)

	r.Group(func(r chi.Router) {
		r.Use(middleware.SessionAuth(sessionRepo, store))
		r.Use(middleware.RateLimitUser(store))
		r.Get("/api/users/me", userH.GetProfile)
		r.Put("/api/users/me", userH.UpdateProfile)
		r.Get("/api/users/search", userH.SearchUsers)
		r.Get("/api/contacts", contactH.List)
		r.Post("/api/contacts", contactH.Add)
		r.Delete("/api/contacts/{id}", contactH.Remove)
		r.Get("/api/conversations", convH.List)
		r.Post("/api/conversations/direct", convH.CreateDirect)
		r.Post("/api/conversations/group", convH.CreateGroup)
		r.Get("/api/conversations/{id}", convH.Get)
		r.Put("/api/conversations/{id}/name", convH.Rename)
		r.Post("/api/conversations/{id}/members", convH.AddMembers)
		r.Delete("/api/conversations/{id}/members/{userId}", convH.RemoveMember)
		r.Post("/api/conversations/{id}/leave", convH.Leave)
		r.Get("/api/conversations/{id}/messages", convH.History)
		r.Get("/api/messages/{id}/receipts", convH.Receipts)
		r.Get("/api/sessions", sessionH.List)
		r.Delete("/api/sessions/{id}", sessionH.Revoke)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
		r.Get("/ws", wsH.ServeWS)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "conversa"
		password = "conversa_secret"
		database = "conversa"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
