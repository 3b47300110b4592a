package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/alerts"
	"github.com/enterprise/fraud-engine/internal/api"
	"github.com/enterprise/fraud-engine/internal/audit"
	"github.com/enterprise/fraud-engine/internal/backtest"
	"github.com/enterprise/fraud-engine/internal/behavior"
	"github.com/enterprise/fraud-engine/internal/decision"
	"github.com/enterprise/fraud-engine/internal/events"
	"github.com/enterprise/fraud-engine/internal/features"
	"github.com/enterprise/fraud-engine/internal/graph"
	"github.com/enterprise/fraud-engine/internal/metrics"
	"github.com/enterprise/fraud-engine/internal/pipeline"
	"github.com/enterprise/fraud-engine/internal/queue"
	"github.com/enterprise/fraud-engine/internal/repositories"
	"github.com/enterprise/fraud-engine/internal/rules"
	"github.com/enterprise/fraud-engine/internal/scoring"
	"github.com/enterprise/fraud-engine/internal/velocity"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := configs.Load()
	setupLogging(cfg.Server.Environment)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Str("port", cfg.Server.Port).
		Str("state_store", cfg.Rules.StateStore).
		Msg("Starting fraud decision engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New("decision_engine")
	health := map[string]api.HealthCheck{}

	// Redis is needed for shared state and for stream ingestion
	var rdb *redis.Client
	if cfg.Rules.StateStore == "redis" || cfg.Worker.Enabled {
		client, err := queue.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			if cfg.Rules.StateStore == "redis" {
				log.Fatal().Err(err).Msg("Failed to connect to Redis")
			}
			log.Warn().Err(err).Msg("Redis unavailable, stream ingestion disabled")
		} else {
			rdb = client
			defer rdb.Close()
			health["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		}
	}

	var db *repositories.Database
	if cfg.Database.Enabled {
		var err error
		db, err = repositories.NewDatabase(ctx, cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply schema")
		}
		health["postgres"] = db.HealthCheck
	}

	// Velocity counters, behavior profiles and graph nodes
	var (
		counter      velocity.Counter
		profileStore behavior.Store
		networkStore graph.Store
	)
	if cfg.Rules.StateStore == "redis" {
		counter = velocity.NewRedisCounter(rdb, cfg.Redis.KeyPrefix)
		profileStore = behavior.NewRedisStore(rdb, cfg.Redis.ProfileKeyPrefix, 90*24*time.Hour)
		networkStore = graph.NewRedisStore(rdb, cfg.Redis.GraphKeyPrefix)
	} else {
		mc := velocity.NewMemoryCounter(time.Minute)
		defer mc.Close()
		counter = mc
		profileStore = behavior.NewMemoryStore()
		networkStore = graph.NewMemoryStore()
	}

	// Rules
	engine, err := rules.NewEngine(counter)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create rule engine")
	}
	source, ruleRepo := ruleSource(ctx, cfg, db)
	reloader := rules.NewReloader(engine, source, cfg.Rules.ReloadInterval)
	if _, err := reloader.Reload(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to load configured rules, using built-in rules")
		engine.Load(rules.DefaultRules())
	}
	go reloader.Run(ctx)

	// Features
	var geo features.GeoResolver
	if cfg.Features.GeoIPDBPath != "" {
		resolver, err := features.NewGeoIPResolver(cfg.Features.GeoIPDBPath)
		if err != nil {
			log.Warn().Err(err).Msg("GeoIP database unavailable, IP country disabled")
		} else {
			defer resolver.Close()
			geo = resolver
		}
	}
	extractor := features.NewExtractor(cfg.Features, geo)

	// Models
	specs := scoring.DefaultModelSpecs()
	if cfg.Models.ConfigPath != "" {
		specs, err = scoring.LoadModelSpecs(cfg.Models.ConfigPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load model configuration")
		}
	}
	ensemble, err := scoring.NewEnsemble(cfg.Models, specs, scoring.WithMetrics(m))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build model ensemble")
	}

	policy, err := decision.NewPolicy(cfg.Policy)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid decision policy")
	}

	// Kafka fan-out for alerts and audit
	var producer *events.Producer
	if cfg.Kafka.Enabled {
		producer, err = events.NewProducer(cfg.Kafka)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Kafka")
		}
		defer producer.Close()
	}

	sinks := alerts.MultiSink{alerts.LogSink{}}
	emitters := audit.Multi{audit.LogEmitter{}}
	if producer != nil {
		sinks = append(sinks, events.NewAlertSink(producer, cfg.Kafka.AlertsTopic))
		emitters = append(emitters, audit.NewKafkaEmitter(producer, cfg.Kafka.AuditTopic))
	} else if db != nil {
		emitters = append(emitters, audit.StoreEmitter{Store: repositories.NewAuditRepository(db)})
	}
	alertManager := alerts.NewManager(cfg.Alerts.DedupWindow, alerts.WithSink(sinks), alerts.WithMetrics(m))

	// Stream ingestion
	var stream *queue.StreamClient
	if rdb != nil && cfg.Worker.Enabled {
		stream, err = queue.NewStreamClient(ctx, rdb, cfg.Redis, cfg.Worker.DeadLetterStream)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize transaction stream")
		}
	}

	deps := pipeline.Deps{
		Extractor: extractor,
		Rules:     engine,
		Models:    ensemble,
		Behavior:  behavior.NewModule(profileStore, cfg.Features.MinProfileHistory),
		Network:   graph.NewModule(networkStore),
		Policy:    policy,
		Alerts:    alertManager,
		Audit:     emitters,
		Metrics:   m,
	}
	if stream != nil {
		deps.Review = stream
	}
	proc, err := pipeline.New(cfg.Pipeline, deps)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build decision pipeline")
	}

	dispatcher := pipeline.NewDispatcher(proc, cfg.Pipeline, m)
	dispatcher.Start()

	handlers := &api.Handlers{
		Decider:  dispatcher,
		Alerts:   alertManager,
		Rules:    engine,
		Reloader: reloader,
		Health:   health,
		Metrics:  m,
	}

	if ruleRepo != nil {
		handlers.RuleStore = ruleRepo
	}
	if db != nil {
		auditRepo := repositories.NewAuditRepository(db)
		handlers.Audit = auditRepo
		handlers.Backtester = backtest.NewService(auditRepo, extractor, policy)
	}

	var worker *pipeline.Worker
	if stream != nil {
		decisions := queue.NewDecisionCache(queue.NewCacheClient(rdb, "fraud"), 24*time.Hour)
		worker = pipeline.NewWorker("worker-"+uuid.New().String()[:8], dispatcher, stream, decisions, cfg.Worker, m)
		worker.Start(ctx)

		handlers.Enqueuer = stream
		handlers.Decisions = decisions
		handlers.Streams = stream
	}

	go pruneAlerts(ctx, alertManager, 24*time.Hour)

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.NewRouter(handlers),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if worker != nil {
		worker.Stop()
	}
	cancel()
	dispatcher.Stop()

	log.Info().Msg("Decision engine exited")
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// ruleSource picks where rule definitions come from. The postgres source
// is seeded with the built-in rules on first start.
func ruleSource(ctx context.Context, cfg *configs.Config, db *repositories.Database) (rules.Source, *repositories.RuleRepository) {
	if cfg.Rules.Source != "postgres" {
		return rules.FileSource{Path: cfg.Rules.FilePath}, nil
	}
	if db == nil {
		log.Warn().Msg("RULES_SOURCE=postgres requires DATABASE_ENABLED, falling back to the rules file")
		return rules.FileSource{Path: cfg.Rules.FilePath}, nil
	}

	repo := repositories.NewRuleRepository(db)
	n, err := repo.SeedIfEmpty(ctx, rules.DefaultRules())
	if err != nil {
		log.Error().Err(err).Msg("Failed to seed rules")
	} else if n > 0 {
		log.Info().Int("count", n).Msg("Seeded built-in rules")
	}
	return repo, repo
}

func pruneAlerts(ctx context.Context, mgr *alerts.Manager, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := mgr.Prune(time.Now().Add(-retention)); n > 0 {
				log.Info().Int("pruned", n).Msg("Pruned closed alerts")
			}
		case <-ctx.Done():
			return
		}
	}
}
