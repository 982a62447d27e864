package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/relayd.db"`
	LogPath      string `envconfig:"LOG_PATH" default:"/app/data/relayd.log"`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8100"`
	AuthDisabled bool   `envconfig:"AUTH_DISABLED" default:"false"`
	APIToken     string `envconfig:"API_TOKEN" default:""`
	DevMode      bool   `envconfig:"DEV_MODE" default:"false"`

	// Realtime channel settings
	RealtimeURL       string `envconfig:"REALTIME_URL" default:""`
	RealtimeHeartbeat string `envconfig:"REALTIME_HEARTBEAT" default:"30s"`

	// Media CDN base used by the prefetcher
	MediaBaseURL string `envconfig:"MEDIA_BASE_URL" default:""`

	// Optional YAML override for the prefetch strategy table
	PrefetchStrategyFile string `envconfig:"PREFETCH_STRATEGY_FILE" default:""`

	// Reconnect audit retention in days; older dispatch records are pruned
	ReconnectAuditDays int `envconfig:"RECONNECT_AUDIT_DAYS" default:"14"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("RELAYD", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
