package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/carevault/carevault/config"
	"github.com/carevault/carevault/internal/agent"
	"github.com/carevault/carevault/internal/embedding"
	"github.com/carevault/carevault/internal/index"
	"github.com/carevault/carevault/internal/rag"
	"github.com/carevault/carevault/internal/runtime"
	"github.com/carevault/carevault/internal/store"
	openai_provider "github.com/carevault/carevault/provider/openai"
	"github.com/carevault/carevault/tools/research"
	"github.com/carevault/carevault/tools/web_fetch"
)

// Run wires every dependency and serves the API until the listener
// stops.
func Run(cfg *appconfig.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	// unified HTTP error handler with structured JSON and logging
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
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	dsn, err := cfg.Databases.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations: %w", err)
	}

	ctx := context.Background()
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}
	if cfg.Providers.OpenAI.APIKey == "" {
		return fmt.Errorf("openai api key not configured (providers.openai.api_key)")
	}

	prov := openai_provider.NewClient(cfg.Providers.OpenAI)
	embedder := embedding.NewAdapter(prov, cfg.RAG.EmbeddingDimensions, embedding.Policy{
		MaxInputChars: cfg.RAG.MaxInputChars,
		BatchSize:     cfg.RAG.BatchSize,
		Pause:         cfg.RAG.BatchPause,
	}, log.New(log.Writer(), "[EMBED] ", log.LstdFlags))
	indexer := index.New(st, embedder, cfg.RAG.ChunkMaxTokens, cfg.RAG.OverlapWords,
		log.New(log.Writer(), "[INDEX] ", log.LstdFlags))
	retriever := rag.NewRetriever(st, embedder, cfg.RAG.SearchThreshold, cfg.RAG.SearchLimit,
		log.New(log.Writer(), "[RAG] ", log.LstdFlags))

	var researcher research.Searcher
	if cfg.Providers.Serper.APIKey != "" {
		researcher = research.NewClient(cfg.Providers.Serper)
	} else {
		baseLogger.Printf("serper api key not configured, research tool disabled")
	}
	orch := agent.NewOrchestrator(prov, retriever, researcher, cfg.RAG.MaxToolTurns,
		log.New(log.Writer(), "[ORCH] ", log.LstdFlags))

	fetcher := web_fetch.NewWebFetcher(
		time.Duration(cfg.Fetch.TimeoutMS)*time.Millisecond, cfg.Fetch.MaxChars)

	var rdb *redis.Client
	if cfg.Databases.Redis.Host != "" && cfg.Databases.Redis.Port != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%s", cfg.Databases.Redis.Host, cfg.Databases.Redis.Port),
			Password: cfg.Databases.Redis.Pass,
			DB:       cfg.Databases.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s:%s): %w",
				cfg.Databases.Redis.Host, cfg.Databases.Redis.Port, err)
		}
	} else {
		baseLogger.Printf("redis not configured, janitor runs without a distributed lock")
	}

	api := e.Group("/api")
	auth := &AuthHandler{Store: st, Secret: secret}
	auth.Register(api.Group("/auth"))

	(&PatientsHandler{Store: st}).Register(api.Group("/patients"), secret)
	(&FoldersHandler{Store: st}).Register(api.Group("/folders"), secret)
	(&FilesHandler{Store: st, Indexer: indexer, Rdb: rdb, Logger: log.New(log.Writer(), "[FILES] ", log.LstdFlags)}).
		Register(api.Group("/files"), secret)
	(&WebsitesHandler{Store: st, Indexer: indexer, Fetcher: fetcher, Rdb: rdb, Logger: log.New(log.Writer(), "[SITES] ", log.LstdFlags)}).
		Register(api.Group("/websites"), secret)
	(&SearchHandler{Retriever: retriever}).Register(api.Group("/search"), secret)
	(&ChatHandler{Store: st, Orch: orch}).Register(api.Group("/chat"), secret)

	janitor := &Janitor{
		Store:    st,
		Rdb:      rdb,
		CronSpec: cfg.Janitor.CronSpec,
		Deadline: cfg.Janitor.ProcessingDeadline,
		Stop:     make(chan struct{}),
	}
	janitor.Start()
	defer close(janitor.Stop)

	if addr == "" {
		addr = cfg.General.Listen
		if addr != "" && addr[0] != ':' {
			addr = ":" + addr
		}
		if addr == "" {
			addr = ":10002"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// acquireIndexLock takes the per-subject indexing lock so concurrent
// runs for the same subject do not double-index. A nil client grants
// the lock unconditionally.
func acquireIndexLock(ctx context.Context, rdb *redis.Client, subject store.SubjectRef) (func(), bool) {
	if rdb == nil {
		return func() {}, true
	}
	key := fmt.Sprintf("index:lock:%s:%s", subject.Kind, subject.ID)
	set, err := rdb.SetNX(ctx, key, "1", indexTimeout).Result()
	if err != nil || !set {
		return nil, false
	}
	return func() { rdb.Del(context.Background(), key) }, true
}

func authMiddleware(secret []byte) echo.MiddlewareFunc {
	return runtime.EchoAuthMiddleware(secret)
}

func userID(c echo.Context) string {
	if v, ok := c.Get("user_id").(string); ok {
		return v
	}
	return ""
}
