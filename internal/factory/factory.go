package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"identity-service/internal/anchor"
	"identity-service/internal/audit"
	"identity-service/internal/authz"
	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/clock"
	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/hashing"
	"identity-service/internal/locking"
	"identity-service/internal/proof"
	"identity-service/internal/repository"
	"identity-service/internal/repository/memory"
	rediscache "identity-service/internal/repository/redis"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/scheduler"
	"identity-service/internal/service"
	"identity-service/internal/tier"
	"identity-service/internal/tls"
	"identity-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	// Clients, only opened when a backend selects them
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	// Engine collaborators
	store          *repository.Store
	registry       authz.Registry
	dispatcher     *anchor.Dispatcher
	auditPipeline  *audit.Pipeline
	scheduler      *scheduler.Scheduler
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{config: cfg}

	if cfg.Server.EnableTLS {
		manager, err := tls.NewManager(tls.Options{
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Production:  cfg.IsProduction(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize TLS: %w", err)
		}
		factory.tlsManager = manager
	}

	if err := factory.initializeManagers(); err != nil {
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeEngine(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.String("store", cfg.Backends.Store),
		util.String("lock", cfg.Backends.Lock),
		util.String("anchor", cfg.Backends.Anchor),
		util.Strings("audit", cfg.Backends.Audit),
	)

	return factory, nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers() error {
	f.hasher = hashing.NewHasher(f.config)

	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c, err := encryption.NewKMSClient(ctx, f.config)
		if err != nil {
			if f.config.IsProduction() {
				return fmt.Errorf("kms: %w", err)
			}
			util.Warn("KMS client initialization failed - using local keys", util.ErrorField(err))
		} else {
			kmsClient = c
		}
	}

	f.encryptionManager = encryption.NewEncryptionManager(f.config, kmsClient)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	if f.config.IsProduction() {
		f.hasher.StartPepperRotation()
	}

	util.Info("Managers initialized successfully",
		util.Bool("hashing_initialized", f.hasher != nil),
		util.Bool("encryption_initialized", f.encryptionManager != nil),
		util.Bool("bucketing_initialized", f.bucketingManager != nil),
	)
	return nil
}

// initializeClients opens the clients the configured backends need. Outside
// production a failed client is logged and its backend falls back to the
// in-process implementation.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b := f.config.Backends
	var initErrors []error

	// Redis
	if b.Lock == config.BackendRedis || b.AttesterRegistry == config.BackendRedis || b.RateLimit == config.BackendRedis {
		if c, err := client.NewRedisClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = c
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if b.Store == config.BackendScylla {
		if c, err := scylla.NewScyllaClient(f.config, f.bucketingManager, f.encryptionManager); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else if err := c.EnsureSchema(ctx); err != nil {
			c.Close()
			initErrors = append(initErrors, fmt.Errorf("scylla schema: %w", err))
		} else {
			f.scyllaClient = c
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka
	if b.Anchor == config.BackendKafka {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	for _, sink := range b.Audit {
		switch sink {
		case config.BackendElasticsearch:
			if c, err := client.NewElasticsearchClient(f.config); err != nil {
				initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
			} else if err := c.HealthCheck(ctx); err != nil {
				c.Close()
				initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
			} else {
				f.esClient = c
				util.Info("Elasticsearch client initialized and healthy")
			}
		case config.BackendClickhouse:
			if c, err := client.NewClickHouseClient(f.config); err != nil {
				initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
			} else {
				f.clickhouseClient = c
				util.Info("ClickHouse client initialized and healthy")
			}
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeEngine assembles the ledger, the disclosure engine and their
// background workers on top of the initialized clients.
func (f *Factory) initializeEngine() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := f.config
	settings := service.SettingsFromConfig(cfg)

	if f.scyllaClient != nil {
		f.store = f.scyllaClient.NewStore()
	} else {
		f.store = memory.NewStore()
	}

	identityLocker, verificationLocker := f.lockers()

	if f.redisClient != nil && cfg.Backends.AttesterRegistry == config.BackendRedis {
		f.registry = authz.NewRedisRegistry(f.redisClient)
	} else {
		f.registry = authz.NewMemoryRegistry()
	}
	if err := authz.Seed(ctx, f.registry, cfg.Engine.Attesters); err != nil {
		return fmt.Errorf("attesters: %w", err)
	}

	tiers, err := tier.ParseTable(cfg.Engine.TierTable)
	if err != nil {
		return fmt.Errorf("tier table: %w", err)
	}
	proofs, err := proof.NewGenerator(cfg.Engine.ProofMethod)
	if err != nil {
		return fmt.Errorf("proof method: %w", err)
	}

	f.dispatcher = anchor.NewDispatcher(f.anchorSink(), anchor.DispatcherConfig{
		Workers:     cfg.Engine.AnchorWorkers,
		QueueSize:   cfg.Engine.AnchorQueueSize,
		Timeout:     cfg.Engine.AnchorTimeout,
		MaxAttempts: cfg.Engine.AnchorMaxAttempts,
	})

	sinks, err := f.auditSinks(ctx)
	if err != nil {
		return err
	}
	f.auditPipeline = audit.NewPipeline(audit.PipelineConfig{
		BatchSize:     cfg.Engine.AuditBatchSize,
		FlushInterval: cfg.Engine.AuditFlushInterval,
	}, sinks...)
	f.auditPipeline.Start()

	f.serviceFactory = service.NewServiceFactory(service.Dependencies{
		Store:            f.store,
		Oracle:           authz.NewAuthorizer(f.registry, f.store.Identities),
		Tiers:            tiers,
		Proofs:           proofs,
		Hasher:           f.hasher,
		IdentityLocker:   identityLocker,
		VerificationLock: verificationLocker,
		Anchors:          f.dispatcher,
		Audit:            f.auditPipeline,
		Clock:            clock.Real(),
		Settings:         settings,
	}, util.Get())

	if f.redisClient != nil && cfg.Backends.RateLimit == config.BackendRedis {
		f.serviceFactory.VerificationService().WithRequestLimiter(
			rediscache.NewRateLimitCache(f.redisClient, cfg.Engine.RequestRateLimit, cfg.Engine.RequestRateWindow))
	}

	attestations := f.serviceFactory.AttestationService()
	f.dispatcher.Start(context.Background(), attestations)

	f.scheduler = scheduler.New(attestations, attestations, clock.Real(), schedulerConfig(cfg), util.Get().Named("scheduler"))
	if err := f.scheduler.Start(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	util.Info("Engine initialized",
		util.Int("tiers", len(tiers.Definitions())),
		util.String("proof_method", proofs.Method()),
		util.Duration("attestation_validity", settings.AttestationValidity),
		util.Duration("consent_window", settings.ConsentWindow),
	)
	return nil
}

// schedulerConfig leaves the anchor retry job out when anchoring is disabled,
// since every resubmission would fail.
func schedulerConfig(cfg *config.Config) scheduler.Config {
	sc := scheduler.Config{
		SweepSchedule:  cfg.Engine.ExpirySweepSchedule,
		AnchorSchedule: cfg.Engine.AnchorRetrySchedule,
		AnchorGrace:    cfg.Engine.AnchorTimeout * time.Duration(cfg.Engine.AnchorMaxAttempts+1),
	}
	if cfg.Backends.Anchor == config.BackendDisabled {
		sc.AnchorSchedule = ""
	}
	return sc
}

// redisLockPrefix namespaces lock keys; the services already qualify keys as
// "identity:<id>" or "verification:<id>".
const redisLockPrefix = "lock:"

// lockers returns the identity and verification lockers. They are separate
// instances because neither locker is reentrant.
func (f *Factory) lockers() (locking.Locker, locking.Locker) {
	if f.redisClient != nil && f.config.Backends.Lock == config.BackendRedis {
		ttl, wait := f.config.Engine.LockTTL, f.config.Engine.LockWait
		return locking.NewRedisLocker(f.redisClient, redisLockPrefix, ttl, wait),
			locking.NewRedisLocker(f.redisClient, redisLockPrefix, ttl, wait)
	}
	return locking.NewStripedLocker(f.bucketingManager), locking.NewStripedLocker(f.bucketingManager)
}

func (f *Factory) anchorSink() anchor.Sink {
	switch f.config.Backends.Anchor {
	case config.BackendKafka:
		if f.kafkaProducer != nil {
			return anchor.NewKafkaSink(f.kafkaProducer, f.config.Kafka.AnchorTopic, f.config.Engine.ProofMethod)
		}
		util.Warn("Kafka producer unavailable - anchoring locally")
		return anchor.LocalSink{}
	case config.BackendDisabled:
		return anchor.DisabledSink{}
	default:
		return anchor.LocalSink{}
	}
}

func (f *Factory) auditSinks(ctx context.Context) ([]audit.Sink, error) {
	var sinks []audit.Sink
	for _, name := range f.config.Backends.Audit {
		switch name {
		case config.BackendLog:
			sinks = append(sinks, audit.LogSink{})
		case config.BackendClickhouse:
			if f.clickhouseClient == nil {
				continue
			}
			sink := audit.NewClickHouseSink(f.clickhouseClient)
			if err := sink.EnsureTable(ctx); err != nil {
				if f.config.IsProduction() {
					return nil, fmt.Errorf("clickhouse audit table: %w", err)
				}
				util.Warn("ClickHouse audit table unavailable - sink disabled", util.ErrorField(err))
				continue
			}
			sinks = append(sinks, sink)
		case config.BackendElasticsearch:
			if f.esClient == nil {
				continue
			}
			sink := audit.NewElasticsearchSink(f.esClient, f.config.Elasticsearch.AuditIndex)
			if err := sink.EnsureIndex(ctx); err != nil {
				if f.config.IsProduction() {
					return nil, fmt.Errorf("elasticsearch audit index: %w", err)
				}
				util.Warn("Elasticsearch audit index unavailable - sink disabled", util.ErrorField(err))
				continue
			}
			sinks = append(sinks, sink)
		default:
			return nil, fmt.Errorf("unknown audit sink %q", name)
		}
	}
	return sinks, nil
}

// ==============================
// Health Checks
// ==============================

type probe struct {
	name     string
	advisory bool
	check    func(ctx context.Context) error
}

// probes lists the clients in use. Anchoring is advisory, so Kafka is
// reported but never makes the service unhealthy.
func (f *Factory) probes() []probe {
	var ps []probe
	if f.redisClient != nil {
		ps = append(ps, probe{name: "redis", check: f.redisClient.HealthCheck})
	}
	if f.scyllaClient != nil {
		ps = append(ps, probe{name: "scylla", check: func(context.Context) error { return f.scyllaClient.HealthCheck() }})
	}
	if f.esClient != nil {
		ps = append(ps, probe{name: "elasticsearch", check: f.esClient.HealthCheck})
	}
	if f.clickhouseClient != nil {
		ps = append(ps, probe{name: "clickhouse", check: f.clickhouseClient.HealthCheck})
	}
	if f.kafkaProducer != nil {
		ps = append(ps, probe{name: "kafka", advisory: true, check: f.kafkaProducer.HealthCheck})
	}
	return ps
}

// HealthCheck runs every probe concurrently and returns the failures keyed by
// client name.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	failures := make(map[string]error)
	if f.serviceFactory == nil {
		failures["engine"] = fmt.Errorf("engine not initialized")
	}

	var g errgroup.Group
	for _, p := range f.probes() {
		g.Go(func() error {
			if err := p.check(ctx); err != nil {
				mu.Lock()
				failures[p.name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failures
}

// Health adapts HealthCheck to the router's /health endpoint, dropping
// advisory failures.
func (f *Factory) Health(ctx context.Context) map[string]string {
	advisory := map[string]bool{}
	for _, p := range f.probes() {
		advisory[p.name] = p.advisory
	}

	var out map[string]string
	for name, err := range f.HealthCheck(ctx) {
		if advisory[name] {
			util.Warn("Advisory dependency unhealthy", util.String("dependency", name), util.ErrorField(err))
			continue
		}
		if out == nil {
			out = map[string]string{}
		}
		out[name] = err.Error()
	}
	return out
}

// Close stops the producers of work first (scheduler, anchor dispatcher,
// audit pipeline) so nothing writes to a client after it is closed.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory")

		steps := []struct {
			name string
			run  func() error
		}{
			{"scheduler", nilOr(f.scheduler != nil, func() error { f.scheduler.Stop(); return nil })},
			{"anchor dispatcher", nilOr(f.dispatcher != nil, func() error { f.dispatcher.Stop(); return nil })},
			{"audit pipeline", nilOr(f.auditPipeline != nil, func() error { f.auditPipeline.Stop(); return nil })},
			{"clickhouse", nilOr(f.clickhouseClient != nil, func() error { return f.clickhouseClient.Close() })},
			{"elasticsearch", nilOr(f.esClient != nil, func() error { f.esClient.Close(); return nil })},
			{"kafka", nilOr(f.kafkaProducer != nil, func() error { return f.kafkaProducer.Close() })},
			{"scylla", nilOr(f.scyllaClient != nil, func() error { f.scyllaClient.Close(); return nil })},
			{"redis", nilOr(f.redisClient != nil, func() error { return f.redisClient.Close() })},
			{"pepper rotation", nilOr(f.hasher != nil, func() error { f.hasher.Stop(); return nil })},
			{"data key cache", nilOr(f.encryptionManager != nil, func() error { f.encryptionManager.ClearCache(); return nil })},
		}
		for _, step := range steps {
			if step.run == nil {
				continue
			}
			if err := step.run(); err != nil {
				util.Error("Shutdown step failed", util.String("step", step.name), util.ErrorField(err))
				continue
			}
			util.Debug("Shutdown step completed", util.String("step", step.name))
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})
	return nil
}

func nilOr(present bool, fn func() error) func() error {
	if !present {
		return nil
	}
	return fn
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}

func (f *Factory) AttesterRegistry() authz.Registry {
	return f.registry
}
