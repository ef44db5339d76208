package integration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"school-assistant/internal/app"
	"school-assistant/internal/catalog"
	"school-assistant/internal/domain"
	pgloader "school-assistant/internal/infra/postgres"
	pgmigrations "school-assistant/internal/infra/postgres/migrations"
	infraredis "school-assistant/internal/infra/redis"
)

func TestQuizAttemptEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	migrateAndSeed(t, ctx, pgURL)

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	loader := pgloader.NewQuizLoader(pool)
	if _, err := loader.LoadQuiz(ctx, "missing"); !errors.Is(err, domain.ErrQuizNotFound) {
		t.Fatalf("expected ErrQuizNotFound, got %v", err)
	}

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)

	quizRepo := infraredis.NewQuizRepository(redisClient, loader, 5*time.Minute)
	engine := app.NewQuizEngine(quizRepo, app.WithEngineLogger(log))
	key := app.SessionKey{UserID: "u1", QuizID: "discriminant"}

	service := app.NewQuizService(engine, infraredis.NewSessionStore(redisClient, 5*time.Minute), log)
	session, err := service.Start(ctx, key)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, ok := session.Submit("a"); !ok {
		t.Fatalf("submit rejected")
	}
	service.Suspend(ctx, key, session)

	// A new process resumes from the Redis snapshot.
	restarted := app.NewQuizService(engine, infraredis.NewSessionStore(redisClient, 5*time.Minute), log)
	resumed, err := restarted.Start(ctx, key)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed == session {
		t.Fatalf("expected a fresh session hydrated from the snapshot")
	}
	state := resumed.State()
	if state.Score != 1 || state.CurrentIndex != 1 {
		t.Fatalf("expected resume at question 2 with score 1, got %+v", state)
	}
}

func TestIdentitySurvivesRestartInRedis(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	redisURL, cleanup := startRedis(t, ctx)
	defer cleanup()
	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)

	store := app.Namespace(infraredis.NewKVStore(redisClient), "device:it:")
	boot := app.NewSessionBootstrap(store, app.WithLogger(log))
	if _, err := boot.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, _, err := boot.AwardPoints(ctx, 250); err != nil {
		t.Fatalf("award: %v", err)
	}

	again := app.NewSessionBootstrap(store, app.WithLogger(log))
	user, err := again.Initialize(ctx)
	if err != nil {
		t.Fatalf("reinitialize: %v", err)
	}
	if again.Source() != app.SourcePersisted || user.TotalPoints != 250 || user.Level != 3 {
		t.Fatalf("unexpected identity after restart: %+v (%s)", user, again.Source())
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quiz", "POSTGRES_PASSWORD": "quizpass", "POSTGRES_DB": "quizdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://quiz:quizpass@%s:%s/quizdb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func migrateAndSeed(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	n, err := pgloader.Seed(ctx, db, catalog.Builtin())
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if n != len(catalog.Builtin()) {
		t.Fatalf("expected %d quizzes seeded, got %d", len(catalog.Builtin()), n)
	}
	// seeding twice is an upsert
	if _, err := pgloader.Seed(ctx, db, catalog.Builtin()); err != nil {
		t.Fatalf("reseed: %v", err)
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
