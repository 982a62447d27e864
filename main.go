package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/keyframed/relayd/internal/config"
	"github.com/keyframed/relayd/internal/crypto"
	"github.com/keyframed/relayd/internal/database"
	"github.com/keyframed/relayd/internal/diagnostics"
	"github.com/keyframed/relayd/internal/handlers"
	"github.com/keyframed/relayd/internal/instrument"
	"github.com/keyframed/relayd/internal/logging"
	"github.com/keyframed/relayd/internal/prefetch"
	"github.com/keyframed/relayd/internal/realtime"
	"github.com/keyframed/relayd/internal/reconnect"
	"github.com/keyframed/relayd/internal/settings"
)

func main() {
	config.Load()

	logging.Init(config.Cfg.LogPath)

	if err := database.Init(config.Cfg.DatabasePath); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	log.Printf("Config: ListenAddr=%s, AuthDisabled=%v, DevMode=%v",
		config.Cfg.ListenAddr, config.Cfg.AuthDisabled, config.Cfg.DevMode)

	diag := diagnostics.New(diagnostics.LevelInfo)

	// Reconnect scheduler with an audit trail of every dispatched heal
	sched := reconnect.NewScheduler(diag)
	sched.OnHeal(func(e reconnect.HealEvent) {
		record := database.ReconnectRecord{
			DispatchID:       e.DispatchID,
			Source:           e.Source,
			Reason:           e.Reason,
			Priority:         string(e.Priority),
			CoalescedSources: strings.Join(e.CoalescedSources, ","),
			CoalescedReasons: strings.Join(e.CoalescedReasons, ","),
			IntentCount:      e.IntentCount,
			DispatchedAt:     e.Timestamp,
		}
		if err := database.DB.Create(&record).Error; err != nil {
			log.Printf("WARNING: reconnect audit write failed: %v", err)
		}
	})

	// Realtime channel to the backend
	heartbeat, err := time.ParseDuration(config.Cfg.RealtimeHeartbeat)
	if err != nil {
		heartbeat = 30 * time.Second
	}
	tokenFn := func() (string, error) {
		encrypted, err := database.GetSetting("backend_token")
		if err != nil || encrypted == "" {
			return "", err
		}
		return crypto.Decrypt(encrypted)
	}
	client := realtime.NewClient(config.Cfg.RealtimeURL, tokenFn, heartbeat, diag, sched)
	super := realtime.NewSupervisor(client, realtime.NewRateLimiter(realtime.DefaultRateLimitConfig()), diag)
	super.Attach(sched)

	// Tool settings with debounced writes
	settingsSvc := settings.NewService(settings.DBStore{}, diag)

	// Prefetcher shares the default HTTP client so the http probe's
	// transport wrapper observes its traffic
	httpClient := &http.Client{Timeout: 30 * time.Second}
	strategyTable, err := config.LoadStrategyTable(config.Cfg.PrefetchStrategyFile)
	if err != nil {
		log.Fatalf("Strategy table: %v", err)
	}
	prefetcher := prefetch.New(httpClient, strategyTable, diag)
	prefetcher.SetBaseURL(config.Cfg.MediaBaseURL)

	// Probe registry
	probes := instrument.NewManager(diag, config.Cfg.DevMode)
	probes.Register(instrument.TypeHTTP,
		instrument.Config{Enabled: true, LogLevel: diagnostics.LevelDebug, Tags: []string{"http"}},
		instrument.NewHTTPProbe(httpClient, diag, sched))
	probes.Register(instrument.TypeWebsocket,
		instrument.Config{Enabled: true, LogLevel: diagnostics.LevelDebug, Tags: []string{"realtime"}},
		instrument.NewWebsocketProbe(client, diag))
	probes.Register(instrument.TypeStorage,
		instrument.Config{Enabled: true, LogLevel: diagnostics.LevelVerbose, Tags: []string{"storage"}, DevOnly: true},
		instrument.NewStorageProbe(settingsSvc, diag))
	probes.Register(instrument.TypePanics,
		instrument.Config{Enabled: true, LogLevel: diagnostics.LevelError},
		instrument.NewPanicsProbe(diag))
	probes.InstallAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if config.Cfg.RealtimeURL != "" {
		if err := client.Connect(ctx); err != nil {
			log.Printf("WARNING: realtime connect failed, scheduling heal: %v", err)
			sched.Request(reconnect.Intent{
				Source:    "startup",
				Reason:    "initial connect failed",
				Priority:  reconnect.PriorityMedium,
				Timestamp: time.Now(),
			})
		}
	}

	// Background maintenance
	jobs := cron.New()
	jobs.AddFunc("@every 1m", func() {
		prefetcher.Trim()
	})
	jobs.AddFunc("@daily", func() {
		cutoff := time.Now().AddDate(0, 0, -config.Cfg.ReconnectAuditDays)
		result := database.DB.Where("dispatched_at < ?", cutoff).Delete(&database.ReconnectRecord{})
		if result.Error != nil {
			log.Printf("WARNING: reconnect audit prune failed: %v", result.Error)
		} else if result.RowsAffected > 0 {
			log.Printf("Pruned %d reconnect audit records older than %d days",
				result.RowsAffected, config.Cfg.ReconnectAuditDays)
		}
	})
	jobs.Start()
	defer jobs.Stop()

	api := &handlers.API{
		Diag:     diag,
		Probes:   probes,
		Sched:    sched,
		Super:    super,
		Settings: settingsSvc,
		Prefetch: prefetcher,
	}

	server := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("Listening on %s", config.Cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("WARNING: server shutdown: %v", err)
	}

	cancel()
	settingsSvc.Flush()
	sched.Stop()
	prefetcher.Stop()
	client.Close()
	probes.UninstallAll()
}
