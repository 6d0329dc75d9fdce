package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/makeavideo/api/internal/cache"
	"github.com/makeavideo/api/internal/client"
	"github.com/makeavideo/api/internal/config"
	"github.com/makeavideo/api/internal/handler"
	"github.com/makeavideo/api/internal/jobstore"
	"github.com/makeavideo/api/internal/middleware"
	"github.com/makeavideo/api/internal/model"
	"github.com/makeavideo/api/internal/orchestrator"
	"github.com/makeavideo/api/internal/queue"
	"github.com/makeavideo/api/internal/resilience"
	"github.com/makeavideo/api/internal/resource"
	"github.com/makeavideo/api/internal/scheduler"
	"github.com/makeavideo/api/internal/service"
	"github.com/makeavideo/api/internal/store"
	ws "github.com/makeavideo/api/internal/websocket"
	"github.com/makeavideo/api/internal/worker"
)

// application is the wired engine: HTTP surface, queue, compose stage and
// periodic maintenance.
type application struct {
	app        *fiber.App
	jobs       *jobstore.Store
	queue      *queue.Manager
	scheduler  *scheduler.Runner
	compose    *asynq.Server
	composeMux *asynq.ServeMux
	closers    []func()
	log        *zap.Logger
}

type periodicTask struct {
	name     string
	interval time.Duration
	fn       func(context.Context)
}

// newApplication wires every component. redisOK reports whether Redis
// answered at startup; without it the compose stage and rate limiting are
// disabled and state falls back to memory.
func newApplication(ctx context.Context, cfg *config.Config, zl *zap.Logger, redisClient *redis.Client, redisOK bool, sampler resource.Sampler) (*application, error) {
	a := &application{log: zl}
	durable := openDurableStore(cfg, redisClient, redisOK, zl)

	// Cache and resource governance
	cacheOpts := []cache.Option{cache.WithLogger(zl.Named("cache"))}
	if durable != nil {
		cacheOpts = append(cacheOpts, cache.WithBacking(durable))
	}
	artifactCache := cache.New(cacheOpts...)

	resources := resource.NewManager(cfg.Resources,
		resource.WithSampler(sampler),
		resource.WithLogger(zl.Named("resource")),
	)
	resources.AddCleanupHook(func(context.Context) { artifactCache.Sweep() })
	resources.AddCleanupHook(resource.ReleaseMemory)

	// Job store, restored from the last snapshot
	jobOpts := []jobstore.Option{
		jobstore.WithRetention(cfg.Jobs.Retention),
		jobstore.WithLogger(zl.Named("jobs")),
	}
	if durable != nil {
		jobOpts = append(jobOpts, jobstore.WithDurable(durable))
	}
	a.jobs = jobstore.New(jobOpts...)
	if restored, err := a.jobs.Restore(ctx); err != nil {
		zl.Warn("failed to restore jobs", zap.Error(err))
	} else if restored > 0 {
		zl.Info("jobs restored", zap.Int("count", restored))
	}

	// Initialize WebSocket hub
	hubCtx, stopHub := context.WithCancel(context.Background())
	hub := ws.NewHub(zl.Named("ws"))
	go hub.Run(hubCtx)
	a.jobs.Subscribe(hub.OnJobEvent)
	a.closers = append(a.closers, stopHub)

	// Retry and circuit breaking per collaborator channel
	breakers := resilience.NewRegistry()
	guards := orchestrator.Guards{
		Script: resilience.NewGuard("script", cfg.Resilience.Script, breakers, zl),
		Audio:  resilience.NewGuard("audio", cfg.Resilience.Audio, breakers, zl),
		Visual: resilience.NewGuard("visual", cfg.Resilience.Visual, breakers, zl),
	}
	composeGuard := resilience.NewGuard("composer", cfg.Resilience.Composer, breakers, zl)

	// Initialize external clients, falling back to mocks
	groqClient := client.NewGroqClient(&cfg.Groq)
	collab := newCollaborators(cfg, zl)

	// Composition stage runs on asynq and needs Redis
	var publisher orchestrator.CompletionPublisher
	if redisOK {
		redisOpt := asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
		asynqClient := asynq.NewClient(redisOpt)
		a.closers = append(a.closers, func() { asynqClient.Close() })
		publisher = worker.NewComposePublisher(asynqClient, zl.Named("compose"))

		a.compose = asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: cfg.Queue.ComposeConcurrency,
			Queues:      map[string]int{worker.QueueCompose: 1},
			LogLevel:    asynqLogLevel(cfg.Server.LogLevel),
			Logger:      zl.Named("asynq").Sugar(),
		})
		a.composeMux = asynq.NewServeMux()
		worker.NewComposeWorker(a.jobs, collab.composer, composeGuard, zl.Named("compose")).Register(a.composeMux)
	} else {
		zl.Info("compose stage disabled without redis")
	}

	// Orchestrator and queue
	orch := orchestrator.New(orchestrator.Deps{
		Jobs:       a.jobs,
		Resources:  resources,
		Cache:      artifactCache,
		Decomposer: client.NewLLMDecomposer(groqClient),
		Audio:      collab.audio,
		Visuals:    collab.visuals,
		Uploader:   collab.uploader,
		Publisher:  publisher,
		Guards:     guards,
		CacheTTL:   cfg.Cache,
		Logger:     zl.Named("orchestrator"),
	})

	a.queue = queue.NewManager(a.jobs, resources, orch,
		queue.WithPollInterval(cfg.Queue.PollInterval),
		queue.WithLogger(zl.Named("queue")),
	)

	// Periodic maintenance
	a.scheduler = scheduler.New(zl.Named("scheduler"))
	tasks := []periodicTask{
		{"cache-sweep", cfg.Cache.SweepInterval, func(context.Context) {
			if n := artifactCache.Sweep(); n > 0 {
				zl.Debug("cache swept", zap.Int("evicted", n))
			}
		}},
		{"job-sweep", cfg.Jobs.SweepInterval, func(ctx context.Context) {
			if n := a.jobs.Sweep(ctx); n > 0 {
				zl.Info("jobs evicted", zap.Int("count", n))
			}
		}},
		{"resource-cleanup", cfg.Resources.CleanupInterval, func(ctx context.Context) {
			resources.CleanupIfNeeded(ctx)
		}},
	}
	if durable != nil {
		tasks = append(tasks, periodicTask{"job-snapshot", cfg.Jobs.SnapshotInterval, func(ctx context.Context) {
			if err := a.jobs.Snapshot(ctx); err != nil {
				zl.Warn("job snapshot failed", zap.Error(err))
			}
		}})
	}
	for _, t := range tasks {
		if err := a.scheduler.Every(t.name, t.interval, t.fn); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to schedule %s: %w", t.name, err)
		}
	}

	// Initialize services and handlers
	validate := validator.New()
	jobService := service.NewJobService(a.queue, a.jobs, cfg.Jobs.DefaultRetries, zl.Named("service"))
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret, time.Duration(cfg.JWT.Expiration)*time.Hour)

	var rateLimiter *middleware.RateLimiter
	if redisOK {
		rateLimiter = middleware.NewRateLimiter(redisClient, zl.Named("ratelimit"))
	}

	a.app = fiber.New(fiber.Config{
		ErrorHandler: handler.ErrorHandler,
		BodyLimit:    10 * 1024 * 1024, // 10MB
	})

	// Global middleware
	a.app.Use(recover.New())
	a.app.Use(middleware.RequestLogger(zl.Named("http")))
	a.app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	handler.Register(a.app, handler.Routes{
		Jobs: handler.NewJobHandler(jobService, validate, zl.Named("handler")),
		Health: handler.NewHealthHandler(resources, breakers, a.queue, a.jobs, map[string]bool{
			"groq":     groqClient.IsConfigured(),
			"tts":      cfg.TTS.URL != "",
			"visual":   cfg.Visual.URL != "",
			"composer": cfg.Composer.URL != "",
			"r2":       collab.uploader != nil,
			"redis":    redisOK,
		}),
		WS:          handler.NewWSHandler(hub, a.jobs),
		Auth:        authMiddleware.Authenticate(),
		SubmitLimit: rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerHour),
	})

	return a, nil
}

// start launches the background workers. The HTTP listener is started by
// the caller.
func (a *application) start() {
	a.queue.Start()
	a.scheduler.Start()
	if a.compose != nil {
		if err := a.compose.Start(a.composeMux); err != nil {
			a.log.Error("failed to start compose worker", zap.Error(err))
			a.compose = nil
		}
	}
}

// shutdown stops intake first, then drains the queue and background
// workers.
func (a *application) shutdown(ctx context.Context) {
	if err := a.app.ShutdownWithContext(ctx); err != nil {
		a.log.Warn("server shutdown error", zap.Error(err))
	}
	if err := a.queue.Stop(ctx); err != nil {
		a.log.Warn("queue shutdown error", zap.Error(err))
	}
	if a.compose != nil {
		a.compose.Shutdown()
	}
	if err := a.scheduler.Stop(ctx); err != nil {
		a.log.Warn("scheduler shutdown error", zap.Error(err))
	}
	a.close()
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

type collaborators struct {
	audio    orchestrator.AudioRenderer
	visuals  *orchestrator.VisualRouter
	composer worker.VideoComposer
	uploader orchestrator.ArtifactUploader
}

// newCollaborators builds the rendering clients. Services without a URL
// are replaced by mocks.
func newCollaborators(cfg *config.Config, zl *zap.Logger) collaborators {
	c := collaborators{
		audio:    client.MockTTS{},
		visuals:  orchestrator.NewVisualRouter(client.MockVisual{}, nil),
		composer: client.MockComposer{},
	}

	if cfg.TTS.URL != "" {
		c.audio = client.NewTTSClient(&cfg.TTS)
	} else {
		zl.Info("TTS service not configured, using mock narration")
	}

	if cfg.Visual.URL != "" {
		routes := make(map[model.VisualType]orchestrator.VisualRenderer)
		for vt, vc := range client.NewVisualClients(&cfg.Visual) {
			routes[vt] = vc
		}
		c.visuals = orchestrator.NewVisualRouter(routes[model.VisualTypeSlide], routes)
	} else {
		zl.Info("visual service not configured, using mock visuals")
	}

	if cfg.Composer.URL != "" {
		c.composer = client.NewComposerClient(&cfg.Composer)
	}

	// Initialize R2 client (optional - continues if not configured)
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			zl.Warn("R2 client not initialized", zap.Error(err))
		} else {
			c.uploader = r2Client
		}
	} else {
		zl.Info("R2 storage not configured, artifacts stay local")
	}
	return c
}

// openDurableStore picks the snapshot and shared-cache backend. A nil
// result disables persistence.
func openDurableStore(cfg *config.Config, redisClient *redis.Client, redisOK bool, zl *zap.Logger) store.DurableStore {
	var s store.DurableStore
	switch cfg.Store.Driver {
	case "none":
		return nil
	case "memory":
		s = store.NewMemoryStore()
	default:
		if !redisOK {
			zl.Warn("redis store unavailable, falling back to in-memory store")
			s = store.NewMemoryStore()
		} else {
			s = store.NewRedisStore(redisClient)
		}
	}
	return store.WithPrefix(s, cfg.Store.KeyPrefix)
}

func asynqLogLevel(level string) asynq.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return asynq.DebugLevel
	case "warn":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}
