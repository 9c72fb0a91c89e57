package main

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	alertapi "github.com/opsforge/vigil/internal/alerting/api"
	adb "github.com/opsforge/vigil/internal/alerting/database"
	"github.com/opsforge/vigil/internal/alerting/metrics"
	"github.com/opsforge/vigil/internal/alerting/service/escalation"
	"github.com/opsforge/vigil/internal/alerting/service/executor"
	"github.com/opsforge/vigil/internal/alerting/service/metricsource"
	"github.com/opsforge/vigil/internal/alerting/service/notify"
	"github.com/opsforge/vigil/internal/alerting/service/ruleengine"
	"github.com/opsforge/vigil/internal/alerting/service/ruleset"
	"github.com/opsforge/vigil/internal/alerting/service/runbook"
	"github.com/opsforge/vigil/internal/config"
)

func main() {
	log.Info().Msg("Starting vigil alerting server")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// optional Postgres for action results, tickets and event history
	var db *adb.Database
	if d, derr := adb.New(cfg.Database.DSN()); derr == nil {
		db = d
		defer db.Close()
	} else {
		log.Error().Err(derr).Msg("alerting DB init failed; running without persistence")
	}

	// optional Redis for shared silences
	var silences ruleengine.Silencer
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		silences = ruleengine.NewRedisSilencer(rdb)
	} else {
		log.Warn().Msg("no redis configured; silences are per-process only")
		silences = ruleengine.NewMemorySilencer()
	}

	rs, err := ruleset.LoadFile(cfg.Alerting.Engine.RulesFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.Alerting.Engine.RulesFile).Msg("failed to load rule definitions")
	}
	log.Info().Int("rules", len(rs.Rules)).Int("runbooks", len(rs.Runbooks)).Msg("rule definitions loaded")

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	source := metricsource.NewPrometheusSource(&metricsource.PrometheusConfig{
		BaseURL:      cfg.Alerting.Metrics.PrometheusURL,
		QueryTimeout: parseDuration(cfg.Alerting.Metrics.QueryTimeout, 30*time.Second),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan ruleengine.Event, cfg.Alerting.Engine.EventChSize)
	engine := ruleengine.New(ruleengine.Deps{
		Source:   source,
		Ruleset:  rs,
		Silences: silences,
		Events:   events,
		Metrics:  m,
		Interval: parseDuration(cfg.Alerting.Engine.TickInterval, 30*time.Second),
		Workers:  cfg.Alerting.Engine.Workers,
		GCGrace:  parseDuration(cfg.Alerting.Engine.GCGrace, 10*time.Minute),
	})

	notifier := notify.New(
		channelFromURL("primary", cfg.Alerting.Notify.PrimaryURL),
		channelFromURL("fallback", cfg.Alerting.Notify.FallbackURL),
		parseDuration(cfg.Alerting.Notify.SendTimeout, 10*time.Second),
		m,
	)

	var runner executor.Runner = executor.DryRunner{}
	if cfg.Alerting.Executor.RunnerURL != "" {
		runner = executor.NewHTTPRunner(cfg.Alerting.Executor.RunnerURL,
			parseDuration(cfg.Alerting.Executor.RunnerTimeout, 60*time.Second))
	} else {
		log.Warn().Msg("no action runner configured; actions run in dry-run mode")
	}
	actions := executor.NewStore(db)
	exec := executor.New(runner, actions, m, executor.Config{
		MaxRetries:  cfg.Alerting.Executor.MaxRetries,
		BackoffBase: parseDuration(cfg.Alerting.Executor.BackoffBase, 2*time.Second),
	})

	escalator := escalation.NewManager(escalation.Config{
		Ladder:          ladderFromConfig(cfg.Alerting.Escalation.Tiers),
		RepageBackoff:   parseDuration(cfg.Alerting.Escalation.RepageBackoff, 15*time.Minute),
		CriticalWindow:  parseDuration(cfg.Alerting.Escalation.CriticalWindow, 10*time.Minute),
		WarningWindow:   parseDuration(cfg.Alerting.Escalation.WarningWindow, time.Hour),
		MaxRepageWindow: parseDuration(cfg.Alerting.Escalation.MaxRepageWindow, 2*time.Hour),
	}, notifier, escalation.NewStore(db), m)

	registry := runbook.NewRegistry(rs)

	go engine.Start(ctx)
	go runbook.StartDispatcher(ctx, runbook.Deps{
		Events:       events,
		Registry:     registry,
		Executor:     exec,
		Escalation:   escalator,
		Notifier:     notifier,
		History:      runbook.NewEventStore(db),
		Engine:       engine,
		DashboardURL: cfg.Alerting.Notify.DashboardURL,
		Workers:      cfg.Alerting.Engine.Workers,
	})

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	alertapi.NewServer(engine, registry, escalator, actions, db, reg).RegisterRoutes(router, cfg.Server.AuthToken)

	log.Info().Msgf("Starting server on %s", cfg.Server.BindAddr)
	if err := router.Run(cfg.Server.BindAddr); err != nil {
		log.Fatal().Err(err).Msg("start vigil server failed.")
	}
	log.Info().Msg("vigil server exit...")
}

func parseDuration(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	return d
}

func channelFromURL(name, url string) notify.Channel {
	if url == "" {
		return nil
	}
	return notify.NewWebhookChannel(name, url)
}

func ladderFromConfig(tiers []config.ContactTier) []escalation.ContactTier {
	out := make([]escalation.ContactTier, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, escalation.ContactTier{Name: t.Name, Channel: t.Channel, Target: t.Target})
	}
	return out
}
