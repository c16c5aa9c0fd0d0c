// Package app assembles the gateway's shared components into a single
// root, replacing the teacher's quick-start singleton (quick.Client) with
// an explicit, constructed App: one process, one App, no package-level
// global state. It also owns the asynchronous memory pipeline supervisor
// that runs the Memory Extractor, Deduplicator, and Relationship Engine
// as best-effort background work after a chat response is sent, so the
// pipeline never adds latency to (or steals workers from) the request
// path it learns from.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/stephabauva/wellness-gateway/internal/breaker"
	"github.com/stephabauva/wellness-gateway/internal/cache"
	"github.com/stephabauva/wellness-gateway/internal/config"
	"github.com/stephabauva/wellness-gateway/internal/flags"
	"github.com/stephabauva/wellness-gateway/internal/gateway"
	"github.com/stephabauva/wellness-gateway/internal/memory/dedup"
	"github.com/stephabauva/wellness-gateway/internal/memory/extractor"
	"github.com/stephabauva/wellness-gateway/internal/memory/relationship"
	"github.com/stephabauva/wellness-gateway/internal/memory/retrieval"
	"github.com/stephabauva/wellness-gateway/internal/memory/store/inmem"
	mongostore "github.com/stephabauva/wellness-gateway/internal/memory/store/mongo"
	sqlstore "github.com/stephabauva/wellness-gateway/internal/memory/store/sql"
	"github.com/stephabauva/wellness-gateway/internal/memory/types"
	"github.com/stephabauva/wellness-gateway/internal/metrics"
	"github.com/stephabauva/wellness-gateway/internal/pool"
	"github.com/stephabauva/wellness-gateway/internal/provider"
	"github.com/stephabauva/wellness-gateway/internal/provider/anthropic"
	"github.com/stephabauva/wellness-gateway/internal/provider/gemini"
	"github.com/stephabauva/wellness-gateway/internal/provider/openaicompat"
	"github.com/stephabauva/wellness-gateway/internal/queue"
	"github.com/stephabauva/wellness-gateway/internal/telemetry"
	"github.com/stephabauva/wellness-gateway/internal/workerpool"
)

// App is the gateway's composition root. It owns every long-lived
// component and the background memory supervisor; cmd/gateway's main
// does nothing but build one App and run it.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	Queue     *queue.Queue
	Conn      *pool.Pool
	Cache     *cache.Cache
	Breakers  *breaker.Registry
	Metrics   *metrics.Collector
	Workers   *workerpool.Pool
	Server    *gateway.Server
	Providers map[string]provider.Provider

	memoryStore   types.Store
	extractor     *extractor.Extractor
	dedup         *dedup.Deduplicator
	relationships *relationship.Engine
	retriever     *retrieval.Retriever

	flags flags.Flags

	memoryJobs chan memoryJob
	stopMemory chan struct{}

	telemetry *telemetry.Providers
}

// New wires every component from cfg. It does not start anything; call
// Run to start the worker pool, memory supervisor, and HTTP listener.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.With(zap.String("component", "app"))

	mcol := metrics.NewCollector("wellness_gateway", log)

	q := queue.New(queue.Config{Levels: cfg.Queue.Levels, Capacity: cfg.Queue.CapacityPerLevel * cfg.Queue.Levels})
	conn := pool.New(pool.Config{MaxPerProvider: cfg.Pool.MaxPerProvider})
	respCache := cache.New(cache.DefaultConfig())
	breakers := breaker.NewRegistry(breaker.Config{
		Threshold:        cfg.Breaker.Threshold,
		ResetTimeout:     cfg.Breaker.Cooldown,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
	})

	providers := buildProviders(cfg, log)

	fl := flags.FromConfig(cfg.Flags)
	workers := workerpool.New(workerpool.Config{
		Workers: cfg.Pool.Workers, MaxRetries: cfg.Pool.MaxRetries, AcquireTimeout: cfg.Pool.AcquireTimeout,
		CircuitBreakersEnabled: fl.Enabled(flags.CircuitBreakers, 0),
	}, q, conn, respCache, breakers, log)

	store, err := buildMemoryStore(context.Background(), cfg.Memory, cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("build memory store: %w", err)
	}

	tel, err := telemetry.Init(cfg.Telemetry, log)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var inferencer extractor.Inferencer
	if primary, ok := pickPrimaryProvider(providers); ok {
		inferencer = providerInferencer{p: primary}
	}

	ext := extractor.New(extractor.DefaultConfig(), inferencer, log)
	dd := dedup.New(dedup.Config{
		Horizon:       cfg.Memory.DedupHorizon,
		MaxCandidates: cfg.Memory.DedupMaxCandidates,
		DecisionTTL:   10 * time.Minute,
	}, store, log)
	rel := relationship.New(relationship.DefaultConfig(), store, log)
	ret := retrieval.New(store, log)

	a := &App{
		cfg:           cfg,
		logger:        log,
		Queue:         q,
		Conn:          conn,
		Cache:         respCache,
		Breakers:      breakers,
		Metrics:       mcol,
		Workers:       workers,
		Providers:     providers,
		memoryStore:   store,
		extractor:     ext,
		dedup:         dd,
		relationships: rel,
		retriever:     ret,
		flags:         fl,
		memoryJobs:    make(chan memoryJob, cfg.Pool.MemoryWorkers*32),
		stopMemory:    make(chan struct{}),
		telemetry:     tel,
	}

	// Observer is the App itself: ObserveTurn's non-blocking submission is
	// exactly the contract gateway.MemoryObserver needs.
	a.Server = gateway.New(gateway.Config{
		Addr:           cfg.Server.Addr,
		APIKey:         cfg.Server.APIKey,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		ShutdownGrace:  cfg.Server.ShutdownTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		JWT:            cfg.Server.JWT,
	}, gateway.Deps{
		Providers: providers,
		Queue:     q,
		Workers:   workers,
		Conn:      conn,
		Cache:     respCache,
		Breakers:  breakers,
		Metrics:   mcol,
		Logger:    logger,
		Retriever: ret,
		Observer:  a,
	})

	return a, nil
}

// FlagsSnapshot returns the per-request flag view described in §4.12:
// flags are read once at request start, so later changes only take
// effect on subsequent requests.
func (a *App) FlagsSnapshot(userID int64) flags.Snapshot {
	return flags.NewSnapshot(a.flags, userID)
}

// Retriever exposes the Intelligent Retriever for the chat handler's
// prompt-assembly step.
func (a *App) Retriever() *retrieval.Retriever { return a.retriever }

// Run starts the worker pool, the memory supervisor goroutines, and the
// HTTP listener, then blocks until ctx is cancelled or the listener
// fails fatally.
func (a *App) Run(ctx context.Context) error {
	a.startMemorySupervisor(ctx)

	if err := a.Server.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return a.Shutdown(context.Background())
	case err := <-a.Server.Errors():
		a.Shutdown(context.Background())
		return err
	}
}

// Shutdown stops the HTTP listener, the worker pool, and the memory
// supervisor, in that order so in-flight chat requests drain before
// background learning is cut off.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.Server.Shutdown(ctx)
	close(a.stopMemory)
	if telErr := a.telemetry.Shutdown(ctx); telErr != nil && err == nil {
		err = telErr
	}
	return err
}

func buildProviders(cfg *config.Config, logger *zap.Logger) map[string]provider.Provider {
	providers := make(map[string]provider.Provider)
	if cfg.Anthropic.APIKey != "" {
		providers["anthropic"] = anthropic.New(anthropic.Config{
			APIKey: cfg.Anthropic.APIKey, BaseURL: cfg.Anthropic.BaseURL,
			Model: cfg.Anthropic.Model, Timeout: cfg.Anthropic.Timeout,
		}, logger)
	}
	if cfg.Gemini.APIKey != "" {
		providers["gemini"] = gemini.New(gemini.Config{
			APIKey: cfg.Gemini.APIKey, BaseURL: cfg.Gemini.BaseURL,
			Model: cfg.Gemini.Model, Timeout: cfg.Gemini.Timeout,
		}, logger)
	}
	if cfg.OpenAI.APIKey != "" {
		providers["openai"] = openaicompat.New("openai", openaicompat.Config{
			APIKey: cfg.OpenAI.APIKey, BaseURL: cfg.OpenAI.BaseURL,
			Model: cfg.OpenAI.Model, Timeout: cfg.OpenAI.Timeout,
		}, logger)
	}
	return providers
}

// pickPrimaryProvider returns a stable provider to drive memory-extraction
// inference, preferring anthropic per the gateway's primary/secondary
// provider convention.
func pickPrimaryProvider(providers map[string]provider.Provider) (provider.Provider, bool) {
	for _, tag := range []string{"anthropic", "gemini", "openai"} {
		if p, ok := providers[tag]; ok {
			return p, true
		}
	}
	return nil, false
}

// providerInferencer adapts a provider.Provider's Chat call to the
// extractor's single prompt/completion Inferencer contract.
type providerInferencer struct {
	p provider.Provider
}

func (pi providerInferencer) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := pi.p.Chat(ctx, []provider.Message{{Role: provider.RoleUser, Content: prompt}}, provider.Options{MaxTokens: 512})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// buildMemoryStore opens the configured memory-store backend. sql and mongo
// open their own driver connection here (gorm.Open / mongo.Connect) from
// cfg.Database, grounded on the teacher's cmd/agentflow openDatabase
// helper, so app.New stays the single place that owns every dependency a
// backend needs instead of splitting connection setup across main and app.
func buildMemoryStore(ctx context.Context, cfg config.MemoryConfig, dbCfg config.DatabaseConfig, logger *zap.Logger) (types.Store, error) {
	switch cfg.Backend {
	case "", "inmem":
		return inmem.New(inmem.Config{}), nil
	case "sql":
		var dialector gorm.Dialector
		switch dbCfg.Driver {
		case "postgres":
			dialector = postgres.Open(dbCfg.DSN)
		case "mysql":
			dialector = mysql.Open(dbCfg.DSN)
		case "sqlite":
			dialector = sqlite.Open(dbCfg.DSN)
		default:
			return nil, fmt.Errorf("unsupported sql driver: %q (supported: postgres, mysql, sqlite)", dbCfg.Driver)
		}
		db, err := gorm.Open(dialector, &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("connect sql memory store: %w", err)
		}
		logger.Info("sql memory store connected", zap.String("driver", dbCfg.Driver))
		return sqlstore.New(db), nil
	case "mongo":
		client, err := mongodriver.Connect(options.Client().ApplyURI(dbCfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("connect mongo memory store: %w", err)
		}
		if err := mongostore.Ping(ctx, client); err != nil {
			return nil, fmt.Errorf("ping mongo memory store: %w", err)
		}
		store, err := mongostore.New(ctx, mongostore.Options{Client: client, Database: "wellness_gateway"})
		if err != nil {
			return nil, fmt.Errorf("build mongo memory store: %w", err)
		}
		logger.Info("mongo memory store connected")
		return store, nil
	default:
		return nil, fmt.Errorf("unknown memory backend: %q (supported: inmem, sql, mongo)", cfg.Backend)
	}
}

// memoryJob is one user turn queued for best-effort background learning.
type memoryJob struct {
	userID       int64
	message      string
	recentTopics []string
	coachingMode string
	submittedAt  time.Time
}

// ObserveTurn submits a completed chat turn to the memory supervisor. It
// never blocks: if every memory worker is busy and the queue is full the
// turn is dropped and counted, since learning from a turn is strictly
// best-effort and must never add latency or backpressure to the request
// path that produced it.
func (a *App) ObserveTurn(userID int64, message, coachingMode string, recentTopics []string) {
	job := memoryJob{userID: userID, message: message, coachingMode: coachingMode, recentTopics: recentTopics, submittedAt: time.Now()}
	select {
	case a.memoryJobs <- job:
	default:
		a.Metrics.RecordMemoryError("queue_full")
		a.logger.Warn("memory pipeline dropped turn, queue full", zap.Int64("user_id", userID))
	}
}

func (a *App) startMemorySupervisor(ctx context.Context) {
	n := a.cfg.Pool.MemoryWorkers
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		go a.memoryWorker(ctx)
	}
}

func (a *App) memoryWorker(ctx context.Context) {
	for {
		select {
		case <-a.stopMemory:
			return
		case <-ctx.Done():
			return
		case job := <-a.memoryJobs:
			a.processMemoryJob(ctx, job)
		}
	}
}

func (a *App) processMemoryJob(ctx context.Context, job memoryJob) {
	snap := a.FlagsSnapshot(job.userID)
	if !snap.AdvancedMemoryEnabled() {
		return
	}

	existing, err := a.memoryStore.ActiveByUser(ctx, job.userID, types.OrderByCreatedAtDesc, 10)
	if err != nil {
		a.Metrics.RecordMemoryError("load_existing")
		a.logger.Warn("memory pipeline failed to load existing memories", zap.Error(err))
		return
	}

	verdict, err := a.extractor.Detect(ctx, extractor.Input{
		Message: job.message, RecentTopics: job.recentTopics,
		CoachingMode: job.coachingMode, ExistingMemories: existing,
	})
	if err != nil {
		a.Metrics.RecordMemoryError("extract")
		a.logger.Warn("memory extraction failed", zap.Error(err))
		return
	}
	if !verdict.ShouldRemember {
		return
	}

	var embedding []float32
	if primary, ok := pickPrimaryProvider(a.Providers); ok {
		if e, err := primary.Embed(ctx, verdict.ExtractedInfo); err == nil {
			embedding = e
		}
	}

	var updateTarget *types.MemoryEntry
	if snap.RealTimeDedupEnabled() {
		result, err := a.dedup.Decide(ctx, job.userID, verdict.ExtractedInfo, embedding, verdict.Importance, verdict.Keywords)
		if err != nil {
			a.Metrics.RecordMemoryError("dedup")
			a.logger.Warn("dedup decision failed", zap.Error(err))
			return
		}
		a.Metrics.RecordMemoryDecision(string(result.Decision))
		if result.Decision == types.DecisionSkip {
			return
		}
		if result.Decision == types.DecisionUpdate {
			existing, ok, err := a.memoryStore.Get(ctx, result.EntryID)
			if err != nil {
				a.Metrics.RecordMemoryError("load_update_target")
				a.logger.Warn("failed to load memory for update", zap.Error(err), zap.String("entry_id", result.EntryID))
				return
			}
			if !ok {
				a.logger.Warn("dedup update target no longer exists", zap.String("entry_id", result.EntryID))
			} else {
				updateTarget = existing
			}
		}
	}

	var entry *types.MemoryEntry
	if updateTarget != nil {
		entry = updateTarget
		entry.Content = verdict.ExtractedInfo
		entry.Keywords = verdict.Keywords
		entry.Embedding = embedding
		if verdict.Importance > entry.Importance {
			entry.Importance = verdict.Importance
		}
		entry.UpdateCount++
		entry.Active = true
	} else {
		entry = &types.MemoryEntry{
			ID:         uuid.NewString(),
			UserID:     job.userID,
			Content:    verdict.ExtractedInfo,
			Category:   verdict.Category,
			Importance: verdict.Importance,
			Keywords:   verdict.Keywords,
			Embedding:  embedding,
			CreatedAt:  time.Now(),
			UpdatedAt:  time.Now(),
			Active:     true,
		}
	}
	entry.SemanticHash = dedup.SemanticHash(entry.Content, entry.Embedding)

	if err := a.memoryStore.Upsert(ctx, entry); err != nil {
		a.Metrics.RecordMemoryError("upsert")
		a.logger.Warn("memory upsert failed", zap.Error(err))
		return
	}

	rels, logEntries, err := a.relationships.Process(ctx, *entry)
	if err != nil {
		a.Metrics.RecordMemoryError("relationship")
		a.logger.Warn("relationship processing failed", zap.Error(err))
		return
	}
	for _, rel := range rels {
		if err := a.memoryStore.SaveRelationship(ctx, rel); err != nil {
			a.Metrics.RecordMemoryError("relationship_persist")
			a.logger.Warn("failed to persist relationship", zap.Error(err))
		}
	}
	for _, logEntry := range logEntries {
		if err := a.memoryStore.SaveConsolidationLogEntry(ctx, logEntry); err != nil {
			a.Metrics.RecordMemoryError("consolidation_log_persist")
			a.logger.Warn("failed to persist consolidation log entry", zap.Error(err))
		}
	}
}
