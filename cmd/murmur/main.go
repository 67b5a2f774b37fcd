package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"murmur/core/internal/app"
	"murmur/core/internal/auth"
	"murmur/core/internal/backend"
	"murmur/core/internal/config"
	"murmur/core/internal/profile"
	"murmur/core/internal/realtime"
	"murmur/core/internal/search"
	"murmur/core/internal/store"
)

// memoryDatabase as DATABASE_URL runs without Postgres.
const memoryDatabase = "memory"

type profileWriter interface {
	UpsertProfile(ctx context.Context, p store.Profile) error
}

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("invalid redis url: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	feed := realtime.NewFeedWithClient(redisClient)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}

	var (
		client   *backend.Client
		profiles profileWriter
	)
	if cfg.DatabaseURL == memoryDatabase {
		log.Printf("Using in-memory store")
		mem := store.NewMemoryStore()
		client = backend.New(mem, feed, search.NewService(meiliClient, nil))
		profiles = mem
	} else {
		db := openDatabase(ctx, cfg)
		defer db.Close()
		pg := store.NewPostgresStore(db)
		searchService := search.NewService(meiliClient, search.NewPgFTS(db))
		go searchService.ReindexAllFromPG(ctx)
		client = backend.New(pg, feed, searchService)
		profiles = pg
	}

	provider := auth.NewTokenProvider([]byte(cfg.SessionSecret))
	claims := signIn(cfg, provider)
	if err := profiles.UpsertProfile(ctx, store.Profile{ID: claims.Sub, Username: claims.Username}); err != nil {
		log.Fatalf("profile bootstrap failed: %v", err)
	}

	lookup := profile.NewRedisLookup(redisClient, client, cfg.ProfileCacheTTL)
	session := app.NewSession(cfg, client, provider, lookup)
	defer session.Close()
	go session.Watch(ctx, provider.Changes())

	me, err := session.Start(ctx)
	if err != nil {
		log.Printf("WARNING: startup load failed: %v", err)
	}
	log.Printf("Signed in as %s (%s)", me.Username, me.UserID)

	httpServer := app.NewHTTPServer(session)
	go httpServer.Stream(ctx)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Murmur inspection API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	go func() {
		newConsole(session, os.Stdout).Run(ctx, os.Stdin)
		stop()
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func openDatabase(ctx context.Context, cfg config.Config) *sql.DB {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	return db
}

// signIn uses the configured session token or issues a development token
// for cfg.DevUser.
func signIn(cfg config.Config, provider *auth.TokenProvider) auth.Claims {
	secret := []byte(cfg.SessionSecret)
	token := strings.TrimSpace(cfg.SessionToken)
	if token == "" {
		issued, err := auth.IssueToken(secret, auth.Claims{
			Sub:      cfg.DevUser,
			Username: cfg.DevUser,
			JTI:      uuid.NewString(),
			Exp:      time.Now().Add(cfg.SessionTTL).Unix(),
		})
		if err != nil {
			log.Fatalf("issue dev token failed: %v", err)
		}
		log.Printf("No session token configured, signing in as dev user %q", cfg.DevUser)
		token = issued
	}
	if err := provider.SignIn(token); err != nil {
		log.Fatalf("sign in failed: %v", err)
	}
	claims, err := auth.ParseToken(secret, token)
	if err != nil {
		log.Fatalf("sign in failed: %v", err)
	}
	return claims
}
