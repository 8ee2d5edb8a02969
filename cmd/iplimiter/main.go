// main.go — IP connection limiter entrypoint.
// Loads the YAML config, wires every component, and blocks until
// SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pasarguard/iplimiter/internal/activeusers"
	"github.com/pasarguard/iplimiter/internal/adminapi"
	"github.com/pasarguard/iplimiter/internal/audit"
	"github.com/pasarguard/iplimiter/internal/config"
	"github.com/pasarguard/iplimiter/internal/disabledstore"
	"github.com/pasarguard/iplimiter/internal/evaluator"
	"github.com/pasarguard/iplimiter/internal/geocache"
	"github.com/pasarguard/iplimiter/internal/groupstore"
	"github.com/pasarguard/iplimiter/internal/iphistory"
	"github.com/pasarguard/iplimiter/internal/ispinfo"
	"github.com/pasarguard/iplimiter/internal/logger"
	"github.com/pasarguard/iplimiter/internal/logparser"
	"github.com/pasarguard/iplimiter/internal/metrics"
	"github.com/pasarguard/iplimiter/internal/model"
	"github.com/pasarguard/iplimiter/internal/nodestream"
	"github.com/pasarguard/iplimiter/internal/panelclient"
	"github.com/pasarguard/iplimiter/internal/punishment"
	"github.com/pasarguard/iplimiter/internal/reenable"
	"github.com/pasarguard/iplimiter/internal/sqlstore"
	"github.com/pasarguard/iplimiter/internal/telemetry"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	configPath := flag.String("config", getEnv("IPLIMITER_CONFIG", "config.yaml"), "path to the limiter's YAML config")
	dataDir := flag.String("data-dir", getEnv("IPLIMITER_DATA_DIR", "."), "directory for the JSON-backed stores")
	adminAddr := flag.String("admin-addr", getEnv("IPLIMITER_ADMIN_ADDR", ":8090"), "bind address for the admin HTTP API")
	metricsAddr := flag.String("metrics-addr", getEnv("IPLIMITER_METRICS_ADDR", ":9090"), "bind address for the Prometheus /metrics endpoint")
	flag.Parse()

	log := logger.New(getEnv("IPLIMITER_LOG_FORMAT", "json"), getEnv("IPLIMITER_LOG_LEVEL", "info"))
	slog.SetDefault(log)

	if err := telemetry.Init(os.Getenv("SENTRY_DSN"), getEnv("IPLIMITER_VERSION", "dev")); err != nil {
		log.Warn("telemetry init failed, continuing without Sentry", "err", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	var cfgMu sync.RWMutex
	cfgFn := func() *config.Config {
		cfgMu.RLock()
		defer cfgMu.RUnlock()
		return cfg
	}

	adminKey := os.Getenv("IPLIMITER_ADMIN_API_KEY")
	if adminKey == "" {
		log.Error("IPLIMITER_ADMIN_API_KEY is required")
		os.Exit(1)
	}
	apiKeyHash, err := adminapi.HashAPIKey(adminKey)
	if err != nil {
		log.Error("failed to hash admin API key", "err", err)
		os.Exit(1)
	}
	signingKey, err := adminapi.NewSigningSecret()
	if err != nil {
		log.Error("failed to generate admin session signing secret", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	panel := panelclient.New(panelclient.Credentials{
		Username: cfg.Panel.Username,
		Password: cfg.Panel.Password,
		Domain:   cfg.Panel.Domain,
	})

	special, err := sqlstore.Open(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Error("failed to open special-limits database", "err", err)
		os.Exit(1)
	}
	defer special.Close()
	if special.Enabled() {
		log.Info("special-limits database override enabled")
	}

	auditLog := audit.New(ctx, special.DB(), log)

	var redisClient *redis.Client
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Error("failed to parse REDIS_URL", "err", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opt)
		defer redisClient.Close()
	}
	ispCache := geocache.New(redisClient)

	ispToken := cfg.API.IPInfoToken
	if cfg.API.UseFallbackISPAPI {
		ispToken = ""
	}
	ispClient := ispinfo.New(ispToken, ispCache)

	disabled := disabledstore.New(*dataDir + "/disabled_users.json")
	groups := groupstore.New(*dataDir + "/group_backups.json")
	punish := punishment.New(*dataDir+"/punishment_history.json", cfg.Punishment.Enabled, cfg.Punishment.WindowHours, toModelSteps(cfg))
	history := iphistory.New(*dataDir + "/ip_history.json")

	table := activeusers.New()

	ipSets := logparser.NewIPSets()
	handleLine := func(line, nodeID, nodeName string) {
		c := cfgFn()
		pc := logparser.Config{
			CDNInbounds: toSet(c.CDNInbounds),
			CDNUseXFF:   c.CDNUseXFF,
			CountryCode: c.Settings.CountryCode,
		}
		var geo logparser.GeoFilter
		if pc.CountryCode != "" && pc.CountryCode != "None" {
			geo = ispClient
		}
		rec, ok := logparser.Parse(line, nodeID, nodeName, pc, ipSets, geo)
		if !ok {
			return
		}
		now := time.Now()
		table.Record(rec.Username, rec.IP, rec.NodeID, rec.NodeName, rec.Inbound, now)
		if err := history.RecordUserIPs(rec.Username, []string{rec.IP}, now); err != nil {
			log.Warn("failed to record ip history", "username", rec.Username, "err", err)
		}
	}

	streams := nodestream.New(panel, &http.Client{Timeout: 0}, handleLine, log)
	if err := streams.Start(ctx); err != nil {
		log.Error("failed to start node streams", "err", err)
		os.Exit(1)
	}

	eval := evaluator.New(cfgFn, table, panel, punish, disabled, groups, ispClient, auditLog, log).WithSpecialLimits(special)
	reenableLoop := reenable.New(cfgFn, panel, disabled, groups, log)
	admin := adminapi.New(apiKeyHash, signingKey, cfgFn, disabled, groups, punish, panel, special, eval, log)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); streams.RunControlLoops(ctx) }()
	go func() { defer wg.Done(); eval.Run(ctx) }()
	go func() { defer wg.Done(); reenableLoop.Run(ctx) }()

	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: metrics.Handler()}
	adminSrv := &http.Server{Addr: *adminAddr, Handler: admin}

	wg.Add(2)
	go func() {
		defer wg.Done()
		log.Info("metrics server listening", "addr", *metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", "err", err)
		}
	}()
	go func() {
		defer wg.Done()
		log.Info("admin API listening", "addr", *adminAddr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin API server failed", "err", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	_ = adminSrv.Shutdown(shutdownCtx)

	wg.Wait()
	log.Info("iplimiter stopped")
}

func toSet(vals []string) map[string]struct{} {
	out := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		out[v] = struct{}{}
	}
	return out
}

func toModelSteps(cfg *config.Config) []model.PunishmentStep {
	steps := make([]model.PunishmentStep, 0, len(cfg.Punishment.Steps))
	for _, s := range cfg.Punishment.Steps {
		steps = append(steps, model.PunishmentStep{
			Kind:            stepKind(s.Type),
			DurationMinutes: s.Duration,
		})
	}
	return steps
}

func stepKind(t string) model.PunishmentKind {
	switch t {
	case "warning":
		return model.PunishmentWarning
	case "revoke":
		return model.PunishmentRevoke
	default:
		return model.PunishmentDisable
	}
}
