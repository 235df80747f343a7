// Package di builds the full service graph: databases, repositories,
// services, and the pieces that bind them.
package di

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/clients/llm"
	"github.com/aristath/foresight/internal/config"
	"github.com/aristath/foresight/internal/database"
	"github.com/aristath/foresight/internal/events"
	"github.com/aristath/foresight/internal/modules/dedup"
	"github.com/aristath/foresight/internal/modules/ensemble"
	"github.com/aristath/foresight/internal/modules/evaluation"
	"github.com/aristath/foresight/internal/modules/learning"
	"github.com/aristath/foresight/internal/modules/pipeline"
	"github.com/aristath/foresight/internal/modules/prediction"
	"github.com/aristath/foresight/internal/modules/replay"
	"github.com/aristath/foresight/internal/modules/review"
	"github.com/aristath/foresight/internal/modules/scope"
	"github.com/aristath/foresight/internal/modules/settings"
	"github.com/aristath/foresight/internal/modules/sources"
	"github.com/aristath/foresight/internal/modules/universe"
	"github.com/aristath/foresight/internal/observability"
	"github.com/aristath/foresight/internal/reliability"
)

// Container holds every constructed component, wired bottom-up:
// databases, then repositories, then services.
type Container struct {
	Config *config.Config
	Log    zerolog.Logger

	// Databases
	UniverseDB  *database.DB
	ConfigDB    *database.DB
	PipelineDB  *database.DB
	LearningsDB *database.DB
	ReplayDB    *database.DB

	// Repositories
	UniverseRepo    *universe.Repository
	SourceRepo      *sources.Repository
	SettingsRepo    *settings.Repository
	AnalystRepo     *scope.AnalystRepository
	FingerprintRepo *dedup.FingerprintRepository
	SignalRepo      *pipeline.SignalRepository
	AssessmentRepo  *ensemble.AssessmentRepository
	PredictorRepo   *prediction.PredictorRepository
	PredictionRepo  *prediction.PredictionRepository
	ReviewRepo      *review.Repository
	LearningRepo    *learning.Repository
	EvaluationRepo  *evaluation.Repository
	ReplayRepo      *replay.Repository

	// Services
	Registry          *prometheus.Registry
	Metrics           *observability.Metrics
	Bus               *events.Bus
	Resolver          *scope.Resolver
	DedupEngine       *dedup.Engine
	Invoker           llm.Invoker
	LearningService   *learning.Service
	EnsembleService   *ensemble.Service
	Generator         *prediction.Generator
	ReviewService     *review.Service
	EvaluationService *evaluation.Service
	PipelineService   *pipeline.Service
	ReplayHarness     *replay.Harness
	Poller            *sources.Poller
	BackupService     *reliability.BackupService // nil when backup is disabled
}

// New builds the container. invoker may be nil, in which case a Gemini
// client is constructed from configuration.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, invoker llm.Invoker) (*Container, error) {
	c := &Container{Config: cfg, Log: log}

	if err := c.initDatabases(); err != nil {
		return nil, err
	}
	c.initRepositories(log)
	if err := c.initServices(ctx, log, invoker); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Container) initDatabases() error {
	specs := []struct {
		name    string
		profile database.DatabaseProfile
		dest    **database.DB
	}{
		{"universe", database.ProfileStandard, &c.UniverseDB},
		{"config", database.ProfileStandard, &c.ConfigDB},
		{"pipeline", database.ProfileStandard, &c.PipelineDB},
		{"learnings", database.ProfileLedger, &c.LearningsDB},
		{"replay", database.ProfileLedger, &c.ReplayDB},
	}
	for _, spec := range specs {
		db, err := database.New(database.Config{
			Path:    filepath.Join(c.Config.DataDir, spec.name+".db"),
			Profile: spec.profile,
			Name:    spec.name,
		})
		if err != nil {
			c.Close()
			return fmt.Errorf("failed to open %s database: %w", spec.name, err)
		}
		if err := db.Migrate(); err != nil {
			c.Close()
			return fmt.Errorf("failed to migrate %s database: %w", spec.name, err)
		}
		*spec.dest = db
	}
	return nil
}

func (c *Container) initRepositories(log zerolog.Logger) {
	c.UniverseRepo = universe.NewRepository(c.UniverseDB.Conn(), log)
	c.SourceRepo = sources.NewRepository(c.UniverseDB.Conn(), log)
	c.SettingsRepo = settings.NewRepository(c.ConfigDB.Conn(), log)
	c.AnalystRepo = scope.NewAnalystRepository(c.ConfigDB.Conn(), log)
	c.FingerprintRepo = dedup.NewFingerprintRepository(c.PipelineDB.Conn(), log)
	c.SignalRepo = pipeline.NewSignalRepository(c.PipelineDB.Conn(), log)
	c.AssessmentRepo = ensemble.NewAssessmentRepository(c.PipelineDB.Conn(), log)
	c.PredictorRepo = prediction.NewPredictorRepository(c.PipelineDB.Conn(), log)
	c.PredictionRepo = prediction.NewPredictionRepository(c.PipelineDB.Conn(), log)
	c.ReviewRepo = review.NewRepository(c.PipelineDB.Conn(), log)
	c.LearningRepo = learning.NewRepository(c.LearningsDB.Conn(), log)
	c.EvaluationRepo = evaluation.NewRepository(c.LearningsDB.Conn(), log)
	c.ReplayRepo = replay.NewRepository(c.ReplayDB.Conn(), log)
}

func (c *Container) initServices(ctx context.Context, log zerolog.Logger, invoker llm.Invoker) error {
	c.Registry = prometheus.NewRegistry()
	c.Metrics = observability.NewMetrics(c.Registry)
	c.Bus = events.NewBus(log)

	c.Resolver = scope.NewResolver(c.AnalystRepo, log)
	c.DedupEngine = dedup.NewEngine(c.FingerprintRepo, dedup.DefaultConfig(), log)
	c.LearningService = learning.NewService(c.LearningRepo, log)

	if invoker == nil {
		client, err := llm.NewGeminiClient(ctx, llm.Config{
			APIKey:     c.Config.GeminiAPIKey,
			MaxRetries: c.Config.AnalystMaxRetries,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to create analyst client: %w", err)
		}
		invoker = client
	}
	c.Invoker = invoker

	ensembleCfg := ensemble.DefaultConfig()
	ensembleCfg.CallTimeout = c.Config.AnalystTimeout
	ensembleCfg.MaxConcurrency = int64(c.Config.AnalystMaxConcurrency)
	c.EnsembleService = ensemble.NewService(c.Resolver, c.Invoker, c.LearningService, c.AssessmentRepo, ensembleCfg, log)

	generatorCfg := prediction.DefaultConfig()
	generatorCfg.MinPredictorCount = c.SettingsRepo.GetInt("generator.min_predictor_count", generatorCfg.MinPredictorCount)
	generatorCfg.MinCombinedStrength = c.SettingsRepo.GetInt("generator.min_combined_strength", generatorCfg.MinCombinedStrength)
	generatorCfg.ConsensusFraction = c.SettingsRepo.GetFloat("generator.consensus_fraction", generatorCfg.ConsensusFraction)
	c.Generator = prediction.NewGenerator(c.PredictorRepo, c.PredictionRepo, c.UniverseRepo, generatorCfg, log)

	c.ReviewService = review.NewService(c.ReviewRepo, c.SignalRepo, c.Generator, ensembleCfg.PredictorTTL, log)

	c.PipelineService = pipeline.NewService(
		c.SignalRepo, c.DedupEngine, c.UniverseRepo, c.EnsembleService, c.AssessmentRepo,
		c.Generator, c.PredictorRepo, c.PredictionRepo, c.ReviewService, c.SourceRepo,
		c.Metrics, c.Bus, c.Config.OrganizationID, log,
	)

	c.EvaluationService = evaluation.NewService(
		c.EvaluationRepo, c.PredictionRepo, c.LearningService, c.PipelineService, c.UniverseRepo, c.UniverseRepo, log,
	)

	c.ReplayHarness = replay.NewHarness(c.ReplayRepo, c.PipelineDB.Conn(), c.Generator, c.PipelineService, c.EvaluationRepo, log)

	fetcher := sources.NewHTTPFetcher(0, log)
	c.Poller = sources.NewPoller(c.SourceRepo, fetcher, c.PipelineService, log)

	backup, err := reliability.NewBackupService(ctx, c.Config.Backup, c.Config.DataDir, log)
	if err != nil {
		return fmt.Errorf("failed to create backup service: %w", err)
	}
	c.BackupService = backup
	return nil
}

// Close releases every database connection. Safe on a partially built
// container.
func (c *Container) Close() {
	for _, db := range []*database.DB{c.ReplayDB, c.LearningsDB, c.PipelineDB, c.ConfigDB, c.UniverseDB} {
		if db != nil {
			if err := db.Close(); err != nil {
				c.Log.Error().Err(err).Str("database", db.Name()).Msg("Failed to close database")
			}
		}
	}
}
