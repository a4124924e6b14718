package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/smartly-home/smartly-bridge/internal/api"
	"github.com/smartly-home/smartly-bridge/internal/audit"
	"github.com/smartly-home/smartly-bridge/internal/authgate"
	"github.com/smartly-home/smartly-bridge/internal/cameras"
	"github.com/smartly-home/smartly-bridge/internal/config"
	"github.com/smartly-home/smartly-bridge/internal/history"
	"github.com/smartly-home/smartly-bridge/internal/hub"
	"github.com/smartly-home/smartly-bridge/internal/metrics"
	"github.com/smartly-home/smartly-bridge/internal/nonce"
	"github.com/smartly-home/smartly-bridge/internal/push"
	"github.com/smartly-home/smartly-bridge/internal/ratelimit"
	"github.com/smartly-home/smartly-bridge/internal/recorder"
	"github.com/smartly-home/smartly-bridge/internal/webrtc"
)

const (
	rateLimitPerWindow = 60
	rateLimitWindow    = time.Minute

	shutdownTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the bridge config file")
	regen := flag.Bool("regen-credentials", false, "rotate client_id and client_secret, then exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[ERROR] Config: %v", err)
	}

	if *regen {
		cfg.ClientID = config.GenerateClientID()
		cfg.ClientSecret = config.GenerateClientSecret()
		if err := cfg.Save(*configPath); err != nil {
			log.Fatalf("[ERROR] Config: persist rotated credentials: %v", err)
		}
		log.Printf("[INFO] Credentials rotated; new client_id is %s", cfg.ClientID)
		return
	}

	cfgStore := config.NewStore(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Config hot reload
	if err := config.Watch(ctx, *configPath, cfgStore); err != nil {
		log.Printf("[WARN] Config: hot reload disabled: %v", err)
	}

	// Hub session
	hub.WarnIfExpiring(cfg.Hub.AccessToken)
	hubClient := hub.NewClient(cfg.Hub.URL, cfg.Hub.AccessToken)
	hubClient.Start()
	defer hubClient.Stop()
	hubClient.StartRegistryRefresh()

	// Recorder database (read-only)
	var store recorder.Store
	var sqlStore *recorder.SQLStore
	if cfg.Recorder.DSN != "" {
		sqlStore, err = recorder.Open(cfg.Recorder.DSN, cfg.Recorder.MaxConcurrent)
		if err != nil {
			log.Fatalf("[ERROR] Recorder: %v", err)
		}
		defer sqlStore.Close()
		store = sqlStore
	} else {
		log.Printf("[WARN] Recorder: no DSN configured; history endpoints will fail")
	}

	// Security backends
	var nonces nonce.Store
	var limiter ratelimit.Limiter
	if cfg.Security.Backend == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Security.RedisAddr})
		nonces = nonce.NewRedis(rdb, nonce.DefaultTTL)
		limiter = ratelimit.NewRedis(rdb, rateLimitPerWindow, rateLimitWindow)
		defer rdb.Close()
	} else {
		mem := nonce.NewMemory(nonce.DefaultTTL)
		mem.StartSweeper(0)
		defer mem.Stop()
		nonces = mem
		limiter = ratelimit.NewMemory(rateLimitPerWindow, rateLimitWindow)
	}
	verifier := authgate.NewVerifier(cfgStore, nonces, limiter)

	// Audit sink
	var auditDB *sql.DB
	if cfg.Audit.DSN != "" {
		auditDB, err = sql.Open("postgres", cfg.Audit.DSN)
		if err != nil {
			log.Fatalf("[ERROR] Audit: %v", err)
		}
		defer auditDB.Close()
	}
	var spool *audit.Spool
	if cfg.Audit.SpoolPath != "" {
		spool, err = audit.NewSpool(cfg.Audit.SpoolPath)
		if err != nil {
			log.Printf("[WARN] Audit: spool disabled: %v", err)
		}
	}
	audits := audit.NewRecorder(auditDB, spool)
	defer audits.Close()
	if auditDB != nil && spool != nil {
		audits.StartReplayer(ctx.Done())
	}

	collector := metrics.NewCollector()

	// Camera plane
	registry := cameras.NewRegistry()
	for _, seed := range cfg.Cameras {
		verify := true
		if seed.VerifySSL != nil {
			verify = *seed.VerifySSL
		}
		registry.Register(cameras.Config{
			EntityID:     seed.EntityID,
			Name:         seed.Name,
			SnapshotURL:  seed.SnapshotURL,
			StreamURL:    seed.StreamURL,
			Username:     seed.Username,
			Password:     seed.Password,
			VerifySSL:    verify,
			ExtraHeaders: seed.ExtraHeaders,
		})
	}
	cache := cameras.NewSnapshotCache(cameras.DefaultSnapshotTTL)
	cache.StartSweeper(0)
	defer cache.Stop()
	hls := cameras.NewHLSTracker(cfg.Go2RTCURL, collector)
	hls.StartSweeper(0)
	defer hls.StopSweeper()
	cameraMgr := cameras.NewManager(hubClient, registry, cache, hls, collector)

	// WebRTC signaling
	media := webrtc.NewGo2RTC(cfg.Go2RTCURL)
	broker := webrtc.NewBroker(media, cameraMgr, collector)
	broker.StartSweeper(0)
	defer broker.Stop()

	// History reads
	historySvc := history.NewService(store, hubClient, collector)

	// Push pipeline
	deliverer := push.NewDeliverer(cfgStore, collector)
	var mirror *push.Mirror
	if cfg.Push.NATSURL != "" {
		mirror, err = push.Connect(cfg.Push.NATSURL, cfg.Push.NATSSubject)
		if err != nil {
			log.Printf("[WARN] Push: NATS mirror disabled: %v", err)
		} else {
			defer mirror.Close()
		}
	}
	pipeline := push.NewPipeline(cfgStore, hubClient, deliverer, mirror, collector)
	if cfg.WebhookURL != "" {
		pipeline.Start()
		defer pipeline.Stop()
	} else {
		log.Printf("[WARN] Push: no webhook_url configured; state push disabled")
	}

	// HTTP surface
	handlers := api.Handlers{
		Control: api.NewControlHandler(hubClient, audits, collector),
		Sync:    api.NewSyncHandler(hubClient),
		History: api.NewHistoryHandler(hubClient, historySvc, audits),
		Camera:  api.NewCameraHandler(hubClient, cameraMgr, collector),
		WebRTC:  api.NewWebRTCHandler(broker, cameraMgr, cfgStore),
	}

	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: api.NewRouter(handlers, verifier, audits, collector),
	}
	adminServer := &http.Server{
		Addr:    cfg.AdminListen,
		Handler: api.NewAdminRouter(hubClient, collector, store != nil),
	}

	go func() {
		log.Printf("[INFO] Listening on %s", cfg.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[ERROR] HTTP server: %v", err)
		}
	}()
	go func() {
		log.Printf("[INFO] Admin listening on %s", cfg.AdminListen)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[ERROR] Admin server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[INFO] Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[WARN] HTTP shutdown: %v", err)
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[WARN] Admin shutdown: %v", err)
	}
}
