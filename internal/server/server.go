package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/zorxido-ai/zorxido/config"
	"github.com/zorxido-ai/zorxido/internal/chat"
	"github.com/zorxido-ai/zorxido/internal/llm"
	"github.com/zorxido-ai/zorxido/internal/runtime"
	"github.com/zorxido-ai/zorxido/internal/store"
)

// Run wires the full service and blocks serving HTTP until the listener
// fails or the process exits.
func Run(cfg *config.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	registerDocs(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()
	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	provider, err := llm.NewProvider(cfg.LLM)
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.Storage.Redis.Host != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
	}

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}
	auth := &AuthHandler{Store: st, Secret: secret}

	// chat engine assembly
	chatLogger := log.New(log.Writer(), "[CHAT] ", log.LstdFlags)
	routing := cfg.LLM.Routing
	memory := chat.NewMemory(st, provider, rdb, routing.Rewrite, cfg.Chat.MemoryTurnPairs, cfg.Chat.TurnCacheTTL, chatLogger)
	retriever := chat.NewRetriever(st, provider, routing.Embedding, cfg.Chat.VectorWeight, cfg.Chat.KeywordWeight, cfg.Chat.RRFK, chatLogger)
	mapReducer := chat.NewMapReducer(retriever, st, chatLogger)
	assembler := chat.NewAssembler(st)
	corrections := chat.NewInjector(st, provider, routing.Chat, cfg.Chat.CorrectionsCap, chatLogger)
	engine := chat.NewEngine(st, memory, retriever, mapReducer, assembler, corrections, provider, routing, chatLogger)
	refiner := chat.NewRefiner(st, provider, corrections, routing.Reasoning, chatLogger)

	api := e.Group("/api")
	auth.Register(api.Group("/auth"))

	protected := api.Group("")
	protected.Use(runtime.EchoAuthMiddleware(secret))
	protected.GET("/me", func(c echo.Context) error {
		return c.JSON(http.StatusOK, MeResponse{UserID: c.Get("user_id").(string)})
	})

	NewChatHandler(engine, refiner, corrections, memory, st, baseLogger).Register(protected)
	NewBooksHandler(st, baseLogger).Register(protected)

	if cfg.Scheduler.Enabled {
		sched := &Scheduler{
			Store:   st,
			Rdb:     rdb,
			Gen:     provider,
			Model:   routing.Chat,
			Cron:    cfg.Scheduler.Cron,
			LockTTL: cfg.Scheduler.LockTTL,
			Logger:  log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
			Stop:    make(chan struct{}),
		}
		sched.Start()
	}

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":10010"
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
