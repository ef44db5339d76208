package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"school-assistant/internal/app"
	"school-assistant/internal/bridge"
	"school-assistant/internal/catalog"
	"school-assistant/internal/config"
	"school-assistant/internal/infra/authapi"
	"school-assistant/internal/infra/memory"
	pgloader "school-assistant/internal/infra/postgres"
	infraredis "school-assistant/internal/infra/redis"
	"school-assistant/internal/logging"
	"school-assistant/internal/metrics"
	transport "school-assistant/internal/transport/http"
)

const serviceName = "school-assistant"

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logging.New(serviceName, cfg.Log.Level)

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, true, log); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 24*time.Hour)

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	var loader memory.QuizLoader = memory.NewStaticQuizLoader(catalog.Builtin())
	if pool != nil {
		loader = pgloader.NewQuizLoader(pool)
	}

	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	var quizRepo app.QuizRepository
	if redisClient != nil {
		quizRepo = infraredis.NewQuizRepository(redisClient, loader, quizTTL)
	} else {
		quizRepo = memory.NewQuizRepository(loader, quizTTL)
	}

	var sessions app.SessionRepository
	var kv app.KeyValueStore
	if redisClient != nil {
		sessions = infraredis.NewSessionStore(redisClient, redisTTL)
		kv = infraredis.NewKVStore(redisClient)
	} else {
		sessions = memory.NewSessionStore()
		kv = memory.NewKVStore()
	}

	m := metrics.New()
	engine := app.NewQuizEngine(quizRepo, app.WithEngineLogger(log), app.WithEngineRecorder(m))
	idleTimeout := config.TTLDuration(cfg.Quiz.IdleTimeout, app.DefaultIdleTimeout)
	service := app.NewQuizService(engine, sessions, log, app.WithIdleTimeout(idleTimeout))
	wsHandler := transport.NewWSHandler(service, log, m)

	deps := transport.SessionDeps{
		Store:       kv,
		Validator:   initDataValidator(cfg, log),
		Recorder:    m,
		Log:         log,
		AuthTimeout: config.TTLDuration(cfg.Auth.Timeout, 10*time.Second),
	}
	if cfg.Auth.BaseURL != "" {
		deps.Auth = authapi.New(cfg.Auth.BaseURL, deps.AuthTimeout)
	}
	sessionHandler := transport.NewSessionHandler(deps)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/ws", wsHandler.ServeWS)
	sessionHandler.Register(mux, m.Middleware)

	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("port", finalPort).Info("starting school assistant")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				quizzes := service.SweepIdle(gctx)
				devices := sessionHandler.SweepIdle()
				if quizzes+devices > 0 {
					log.WithFields(logrus.Fields{"quiz_sessions": quizzes, "devices": devices}).Info("evicted idle entries")
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// initDataValidator checks the host signature when a bot token is configured
// and falls back to a shape check otherwise.
func initDataValidator(cfg config.Config, log logrus.FieldLogger) func(string) bool {
	if cfg.Telegram.BotToken == "" {
		log.Warn("telegram bot token not set, init data signatures are not verified")
		return bridge.IsValidData
	}
	v := bridge.Verifier{
		BotToken: cfg.Telegram.BotToken,
		MaxAge:   config.TTLDuration(cfg.Telegram.MaxAge, 24*time.Hour),
	}
	return v.Valid
}
