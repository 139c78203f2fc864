package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"fabricgate.org/internal/audit"
	"fabricgate.org/internal/auth"
	"fabricgate.org/internal/config"
	"fabricgate.org/internal/directory"
	"fabricgate.org/internal/gateway"
	"fabricgate.org/internal/guidance"
	"fabricgate.org/internal/httpapi"
	"fabricgate.org/internal/obs"
	"fabricgate.org/internal/policy"
	"fabricgate.org/internal/registry"
	"fabricgate.org/internal/store/pg"
	"fabricgate.org/internal/upstream"
	"fabricgate.org/internal/vault"
)

var (
	version = "0.1.0"
	commit  = ""
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("FABRICGATE_CONFIG"), "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		obs.Logger().Fatal().Err(err).Msg("load config")
	}
	obs.Init(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		obs.Logger().Fatal().Err(err).Msg("fabricgate stopped with error")
	}
	obs.Logger().Info().Msg("stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	obs.RegisterMetrics()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	if cfg.DatabaseDSN == "" {
		return errors.New("database_dsn is required")
	}
	if cfg.Auth.Secret != "" {
		auth.SetSecret(cfg.Auth.Secret)
	}

	store, err := pg.Open(cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	var rdb redis.UniversalClient
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
	}

	var prev []vault.Option
	for ver, secret := range cfg.Vault.Previous {
		n, err := strconv.Atoi(ver)
		if err != nil {
			return errors.New("vault.previous keys must be numeric versions")
		}
		prev = append(prev, vault.WithPreviousKey(n, secret))
	}
	crypter, err := vault.New(cfg.Vault.Secret, cfg.Vault.ActiveVersion, prev...)
	if err != nil {
		return err
	}

	guide, err := guidance.Open(cfg.GuidanceFile)
	if err != nil {
		return err
	}

	catalog := registry.New()
	reloadTools := func(ctx context.Context) (registry.LoadReport, error) {
		if err := guide.Reload(); err != nil {
			log.Warn().Err(err).Msg("guidance reload failed, keeping previous")
		}
		docs, readErr := registry.ReadSources(cfg.Sources())
		if readErr != nil {
			log.Warn().Err(readErr).Msg("some descriptors could not be read")
		}
		report, err := catalog.Load(docs)
		if err != nil {
			return report, err
		}
		pruned, err := store.PruneRoleOperations(ctx, catalog.Snapshot().Names())
		if err != nil {
			log.Warn().Err(err).Msg("prune stale role grants failed")
		} else if pruned > 0 {
			log.Info().Int64("grants", pruned).Msg("pruned grants for unregistered operations")
		}
		return report, nil
	}
	if _, err := reloadTools(ctx); err != nil {
		return err
	}

	sessions, err := upstream.NewManager(crypter,
		upstream.WithTimeout(cfg.Upstream.Timeout),
		upstream.WithSessionTTL(cfg.Upstream.SessionTTL),
		upstream.WithRetry(cfg.Upstream.RetryAttempts, upstream.DefaultBackoffBase, upstream.DefaultBackoffMax),
	)
	if err != nil {
		return err
	}
	clusters, err := upstream.NewClusterService(store, crypter, sessions)
	if err != nil {
		return err
	}

	var locker directory.Locker
	if rdb != nil {
		locker = directory.NewRedisLocker(rdb)
	}
	engineOpts := []directory.EngineOption{}
	if locker != nil {
		engineOpts = append(engineOpts, directory.WithLocker(locker))
	}
	engine, err := directory.NewEngine(store, store, crypter, engineOpts...)
	if err != nil {
		return err
	}
	dirAdmin, err := directory.NewAdmin(store, crypter)
	if err != nil {
		return err
	}
	scheduler := directory.NewScheduler(engine, cfg.Directory.PollInterval)

	accounts, err := auth.NewService(store,
		auth.WithCatalog(catalog),
		auth.WithExternalAuthenticator(engine),
		auth.WithTokenTTL(cfg.Auth.TokenTTL),
	)
	if err != nil {
		return err
	}

	providerOpts := []policy.ProviderOption{policy.WithTTL(cfg.Policy.CacheTTL)}
	if rdb != nil {
		providerOpts = append(providerOpts, policy.WithRedis(rdb, ""))
	}
	policies, err := policy.NewProvider(store, providerOpts...)
	if err != nil {
		return err
	}

	tail := audit.NewTail()
	recorderOpts := []audit.RecorderOption{audit.WithQueueSize(cfg.Audit.QueueSize), audit.WithMirror(tail)}
	if len(cfg.Audit.KafkaBrokers) > 0 {
		sink, err := audit.NewKafkaSink(audit.KafkaConfig{Brokers: cfg.Audit.KafkaBrokers, Topic: cfg.Audit.KafkaTopic})
		if err != nil {
			return err
		}
		defer sink.Close()
		recorderOpts = append(recorderOpts, audit.WithMirror(sink))
	}
	recorder := audit.NewRecorder(store, recorderOpts...)

	gw, err := gateway.New(catalog, accounts, policies, clusters, sessions, recorder,
		gateway.WithDefaultCluster(cfg.Upstream.DefaultCluster),
		gateway.WithOverrides(guide))
	if err != nil {
		return err
	}

	probe := httpapi.ReadyProbe{DB: store.DB(), Redis: rdb}
	api := httpapi.New(httpapi.Deps{
		Auth:         accounts,
		Gateway:      gw,
		Access:       accounts,
		Clusters:     clusters,
		Sessions:     sessions,
		Policy:       policies,
		PolicyStore:  store,
		Directory:    dirAdmin,
		DirectoryOps: engine,
		Sync:         scheduler,
		Audit:        store,
		Tail:         tail,
		ReloadTools:  reloadTools,
		Guidance:     guide,
		Ready:        probe,
	}, httpapi.Options{
		Version:           version,
		RateBurst:         cfg.RateLimit.Burst,
		RatePerSecond:     cfg.RateLimit.PerSecond,
		AllowedOrigins:    cfg.AllowedOrigins,
		TrustForwardedFor: cfg.TrustForwardedFor,
	})

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	grpcSrv := grpc.NewServer()
	health := httpapi.NewGRPCServer(probe, 0)
	health.Register(grpcSrv)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", httpSrv.Addr).Str("version", version).Msg("http listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		log.Info().Str("addr", cfg.GRPCAddr).Msg("grpc listening")
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error { return health.Run(gctx) })
	g.Go(func() error {
		if err := policies.Watch(gctx); err != nil && gctx.Err() == nil {
			log.Warn().Err(err).Msg("policy reload subscription ended")
		}
		return nil
	})
	if cfg.Directory.SchedulerEnabled {
		g.Go(func() error { return scheduler.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		grpcSrv.GracefulStop()
		scheduler.Wait()
		if cerr := recorder.Close(shutdownCtx); cerr != nil {
			log.Warn().Err(cerr).Msg("audit queue not fully drained")
		}
		return err
	})
	return g.Wait()
}
