package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"dmchat/internal/chat"
	"dmchat/internal/config"
	"dmchat/internal/db"
	myMiddleware "dmchat/internal/middleware"
	"dmchat/internal/obs"
	"dmchat/internal/storage/memory"
	"dmchat/internal/upload"
	"dmchat/internal/user"
)

type stores struct {
	chat    chat.Store
	history chat.History
	users   user.Store
}

func main() {
	// 1. Config & Flags
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	addr := flag.String("addr", cfg.HTTPAddr, "http service address")
	flag.Parse()

	logger := obs.NewLogger(cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)
	metrics := obs.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Persistence: Postgres when configured, in-memory otherwise.
	var st stores
	if cfg.DBDSN != "" {
		database, err := db.NewDatabase(ctx, cfg.DBDSN)
		if err != nil {
			logger.Error("connect to database", "error", err)
			os.Exit(1)
		}
		defer database.Close()
		if err := database.AutoMigrate(ctx); err != nil {
			logger.Error("migrate database", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to postgres")
		repo := chat.NewRepository(database.Conn)
		st = stores{chat: repo, history: repo, users: user.NewRepository(database.Conn)}
	} else {
		logger.Warn("DB_DSN not set, using in-memory store")
		mem := memory.New()
		st = stores{chat: mem, history: mem, users: mem}
	}

	// 3. Presence relay: Redis when configured, in-process otherwise.
	registry := chat.NewRegistry()
	var broadcaster chat.Broadcaster = chat.NewLocalBroadcaster(registry)
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("connect to redis", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		relay := chat.NewRedisBroadcaster(redisClient, cfg.PresenceChannel, registry, logger)
		if err := relay.Start(ctx); err != nil {
			logger.Error("subscribe presence channel", "error", err)
			os.Exit(1)
		}
		broadcaster = relay
		logger.Info("presence relay via redis", "channel", cfg.PresenceChannel)
	}

	// 4. Image uploads (optional)
	var images upload.Store
	if cfg.UploadsEnabled() {
		ms, err := upload.NewMinioStore(upload.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			PublicURL: cfg.MinioPublicURL,
		}, logger)
		if err != nil {
			logger.Error("configure uploads", "error", err)
			os.Exit(1)
		}
		images = ms
	}

	// 5. Features
	userService := user.NewService(st.users, cfg.JWTSecret, cfg.TokenTTL).WithRefreshTTL(cfg.RefreshTTL)
	userHandler := user.NewHandler(userService, logger, cfg.Env != "dev" && cfg.Env != "local")

	hub := chat.NewHub(st.chat, chat.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		OfflineGrace:      cfg.OfflineGrace,
		TypingTimeout:     cfg.TypingTimeout,
		EditWindow:        cfg.EditWindow,
		StoreTimeout:      cfg.StoreTimeout,
		EventRate:         cfg.EventRate,
		EventBurst:        cfg.EventBurst,
		Registry:          registry,
		Broadcaster:       broadcaster,
		Logger:            logger,
		Metrics:           metrics,
	})
	chatHandler := chat.NewHandler(hub, st.history, logger)
	uploadHandler := upload.NewHandler(images, userService, logger)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 6. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Post("/refresh-token", userHandler.RefreshToken)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/ws", chatHandler.ServeWs)

		r.Post("/logout", userHandler.Logout)
		r.Get("/api/me", userHandler.Me)
		r.Get("/api/users/search", userHandler.SearchUsers)
		r.Patch("/api/users/image", uploadHandler.UpdateProfileImage)
		r.Post("/api/conversations", chatHandler.StartConversation)
		r.Get("/api/conversations", chatHandler.ListConversations)
		r.Get("/api/conversations/{id}/messages", chatHandler.GetChatHistory)
		r.Post("/api/uploads", uploadHandler.UploadImage)
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", *addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	hub.Close()
}
