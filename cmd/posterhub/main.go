package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pysugar/strava-poster-hub/internal/auth/flow"
	"github.com/pysugar/strava-poster-hub/internal/auth/session"
	"github.com/pysugar/strava-poster-hub/internal/auth/state"
	authstrava "github.com/pysugar/strava-poster-hub/internal/auth/strava"
	"github.com/pysugar/strava-poster-hub/internal/config"
	"github.com/pysugar/strava-poster-hub/internal/db"
	"github.com/pysugar/strava-poster-hub/internal/poster"
	"github.com/pysugar/strava-poster-hub/internal/queue"
	"github.com/pysugar/strava-poster-hub/internal/ratelimit"
	"github.com/pysugar/strava-poster-hub/internal/server"
	"github.com/pysugar/strava-poster-hub/internal/strava"
	"github.com/pysugar/strava-poster-hub/internal/vault"
	"github.com/pysugar/strava-poster-hub/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	path := *configPath
	if path == "" {
		if env := os.Getenv("POSTERHUB_CONFIG"); env != "" {
			path = env
		} else if _, err := os.Stat("config/posterhub.yaml"); err == nil {
			path = "config/posterhub.yaml"
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize database
	database, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// Initialize credential vault
	keys, err := vault.NewKeyring(cfg.Vault.Secret, cfg.Vault.KeyVersion)
	if err != nil {
		log.Fatalf("Failed to initialize vault keyring: %v", err)
	}
	app := authstrava.NewApp(cfg.Strava.ClientID, cfg.Strava.ClientSecret, cfg.Strava.RedirectURL)
	credVault := vault.New(database, keys, app, cfg.RefreshMargin())
	stopRefresh := credVault.StartRefreshLoop(5 * time.Minute)
	defer stopRefresh()

	// Initialize rate limiter and API client
	limiter := ratelimit.New(cfg.Windows()...)
	defer limiter.Stop()
	client := strava.NewClient(credVault, limiter, strava.Options{})

	// Initialize poster store and generation queue
	store, err := poster.NewStore(cfg.Poster.Dir)
	if err != nil {
		log.Fatalf("Failed to initialize poster store: %v", err)
	}
	genQueue := queue.New(client, poster.SVGRenderer{}, store, queue.Options{
		Workers:         cfg.Queue.Workers,
		Depth:           cfg.Queue.Depth,
		Retention:       cfg.QueueRetention(),
		JanitorInterval: cfg.JanitorInterval(),
	})
	genQueue.Start()
	defer genQueue.Stop()

	// Initialize OAuth flow
	states := state.NewStore(cfg.StateTTL())
	stopJanitor := states.StartJanitor(time.Minute)
	defer stopJanitor()
	sessions := session.NewStore(cfg.SessionTTL())
	flowCtl := flow.New(app, authstrava.AthleteID, credVault, states, sessions)

	r := server.NewRouter(server.Deps{
		Flow:     flowCtl,
		Sessions: sessions,
		Client:   client,
		Queue:    genQueue,
		Store:    store,
		Limiter:  limiter,
	})

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: r,
	}

	go func() {
		log.Printf("🚀 Strava Poster Hub %s starting on http://%s", version.Version, cfg.Server.ListenAddr)
		log.Printf("🔑 Login: http://%s/auth/strava/login", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf("🔄 Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("⚠️ Shutdown error: %v", err)
	}
}
