package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"

	"coedit/engine/internal/app"
	"coedit/engine/internal/comment"
	"coedit/engine/internal/config"
	"coedit/engine/internal/conflict"
	"coedit/engine/internal/gateway"
	"coedit/engine/internal/knowsync"
	"coedit/engine/internal/lock"
	"coedit/engine/internal/perm"
	"coedit/engine/internal/presence"
	"coedit/engine/internal/replica"
	"coedit/engine/internal/search"
	"coedit/engine/internal/store"
	"coedit/engine/internal/version"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.EnsureSchema(ctx, db); err != nil {
		log.Fatalf("schema migration failed: %v", err)
	}
	dataStore := store.NewPostgresStore(db)

	tracker, err := presence.NewTracker(cfg.RedisURL, cfg.PresenceWindow)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer tracker.Close()

	replicas := replica.NewStore(dataStore, replica.NewLWWContainer, cfg.ReplicaGracePeriod)
	conflicts := conflict.NewRegistry(dataStore)
	versions := version.NewManager(dataStore, replicas)
	comments := comment.NewService(dataStore)
	perms := perm.New(dataStore, dataStore)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	} else {
		log.Printf("Meilisearch not configured, knowledge search runs against Postgres")
	}
	searchService := search.NewService(meiliClient, dataStore)
	if err := searchService.Reindex(ctx); err != nil {
		log.Printf("search bootstrap reindex: %v", err)
	}

	producer, err := newSyncProducer(cfg.KafkaBrokers)
	if err != nil {
		log.Fatalf("kafka producer failed: %v", err)
	}
	defer producer.Close()

	broadcaster := knowsync.NewBroadcaster(producer, cfg.SyncTopic, cfg.PeerTopicPrefix, cfg.PeerID, dataStore, perms, searchService, knowsync.Options{})
	defer broadcaster.Close()

	consumer, err := knowsync.NewConsumer(cfg.KafkaBrokers, "coedit-"+cfg.PeerID, []string{cfg.SyncTopic, broadcaster.PeerTopic()}, broadcaster.HandleMessage)
	if err != nil {
		log.Fatalf("kafka consumer failed: %v", err)
	}
	defer consumer.Close()
	go consumer.Run(ctx)

	var g *gateway.Gateway
	locks := lock.NewManager(lock.SystemClock(), cfg.DefaultLockTTL, cfg.MaxLockTTL, dataStore, func(expired store.Lock) {
		g.PublishLockEvent("lock_expired", expired)
	})
	g = gateway.New(replicas, tracker, locks, dataStore)
	go locks.Run(ctx)

	go sweepLoop(ctx, tracker, cfg.PresenceWindow)
	go evictLoop(ctx, replicas, cfg.ReplicaGracePeriod)
	go snapshotLoop(ctx, versions, tracker, cfg.SnapshotInterval)

	service := app.NewService(g, replicas, locks, conflicts, versions, comments, broadcaster, searchService, perms, dataStore, db)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway.NewWSHandler(g, func(*http.Request) bool { return true }))
	mux.Handle("/", httpServer.Handler())

	// No ReadTimeout/WriteTimeout: websocket connections outlive any
	// reasonable request deadline.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("coedit engine listening on %s (peer %s)", cfg.Addr, cfg.PeerID)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func newSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	saramaCfg.Producer.Retry.Max = 3
	return sarama.NewSyncProducer(brokers, saramaCfg)
}

// sweepLoop reaps presence entries whose heartbeat window lapsed without a
// clean session close.
func sweepLoop(ctx context.Context, tracker *presence.Tracker, window time.Duration) {
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := tracker.Sweep(ctx)
			if err != nil {
				log.Printf("presence sweep: %v", err)
				continue
			}
			if reaped > 0 {
				log.Printf("presence sweep reaped %d stale entries", reaped)
			}
		}
	}
}

func evictLoop(ctx context.Context, replicas *replica.Store, grace time.Duration) {
	ticker := time.NewTicker(grace)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := replicas.EvictIdle(); evicted > 0 {
				log.Printf("evicted %d idle replicas", evicted)
			}
		}
	}
}

// snapshotLoop periodically snapshots every document that has live presence.
func snapshotLoop(ctx context.Context, versions *version.Manager, tracker *presence.Tracker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			docs, err := tracker.Documents(ctx)
			if err != nil {
				log.Printf("snapshot loop: list documents: %v", err)
				continue
			}
			for _, docID := range docs {
				if _, err := versions.Snapshot(ctx, docID, version.Metadata{Reason: "periodic"}); err != nil {
					log.Printf("snapshot loop: doc %s: %v", docID, err)
				}
			}
		}
	}
}
