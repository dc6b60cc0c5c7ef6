package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatsync/internal/api"
	"chatsync/internal/broker"
	"chatsync/internal/config"
	"chatsync/internal/database"
	"chatsync/internal/identity"
	"chatsync/internal/logger"
	"chatsync/internal/messaging"
	"chatsync/internal/metrics"
	"chatsync/internal/relay"
	"chatsync/internal/social"
	"chatsync/internal/store"
	"chatsync/internal/typing"
	"chatsync/internal/ws"
)

func main() {
	// 1. Configuration
	cfg, err := config.Load(".")
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	// 2. Logger
	log := logger.New(cfg.Log.Level)
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Store backend
	var st store.Store
	switch cfg.Store.Backend {
	case "postgres":
		if err := database.RunMigrations(cfg.Database.URL); err != nil {
			log.Fatal("migrations failed", zap.Error(err))
		}
		db, err := database.Open(ctx, cfg.Database.URL)
		if err != nil {
			log.Fatal("database unavailable", zap.Error(err))
		}
		defer db.Close()
		pg, err := store.NewPostgresStore(db)
		if err != nil {
			log.Fatal("store init failed", zap.Error(err))
		}
		st = pg
	default:
		st = store.NewMemoryStore()
	}
	log.Info("store ready", zap.String("backend", cfg.Store.Backend))

	// 4. Broker
	b := broker.New(st, log)
	go b.Run(ctx)

	// 5. Metrics
	collector := metrics.NewCollector(b.SubscriberCount)

	// 6. Cross-node relay (optional)
	var rl *relay.Relay
	if cfg.Relay.Enabled {
		mqClient, err := relay.NewClient(cfg.Relay.URL, cfg.Relay.Mode == "stream")
		if err != nil {
			log.Fatal("rabbitmq unavailable", zap.Error(err))
		}
		defer mqClient.Close()

		nodeID := cfg.Relay.NodeID
		if nodeID == "" {
			nodeID = uuid.New().String()
		}
		rl, err = relay.New(mqClient, b, nodeID, relay.Mode(cfg.Relay.Mode), "chatsync-events", log)
		if err != nil {
			log.Fatal("relay init failed", zap.Error(err))
		}
		go func() {
			if err := rl.Start(ctx); err != nil {
				log.Error("relay stopped", zap.Error(err))
			}
		}()
		log.Info("relay started", zap.String("mode", cfg.Relay.Mode), zap.String("node", nodeID))
	}

	// 7. Change feed: broker first so local subscribers see commit order,
	// then the relay for other nodes.
	st.SetSink(func(ev store.Event) {
		collector.RecordCommit()
		collector.RecordBrokerEvent()
		b.Inject(ev)
		if rl != nil {
			rl.Publish(ev)
		}
	})

	// 8. Engines
	verifier := identity.NewVerifier(cfg.Auth.JWTSecret)
	directory := identity.NewDirectory(st)
	graph := social.NewGraph(st, log)
	engine := messaging.NewEngine(st, log)
	tracker := typing.NewTracker(st, cfg.Typing.TTL)

	// 9. WebSocket hub
	hub := ws.NewHub(st, b, tracker, log)
	hub.OnClientCount(collector.AddWSClients)
	go hub.Run()

	// 10. HTTP server
	limiter := api.NewRateLimiter(cfg.Limits.CommandsPerSecond, cfg.Limits.Burst)
	defer limiter.Stop()

	srv := api.NewServer(api.Deps{
		Log:       log,
		Verifier:  verifier,
		Directory: directory,
		Graph:     graph,
		Engine:    engine,
		Tracker:   tracker,
		Hub:       hub,
		Metrics:   collector,
		Limiter:   limiter,
	})

	// No Read/WriteTimeout: /ws connections are long-lived and manage their
	// own deadlines in the pumps.
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Router(),
	}

	go func() {
		log.Info("server starting", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	// 11. Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", zap.Error(err))
	}
	cancel()
}
