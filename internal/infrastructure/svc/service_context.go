package svc

import (
	"context"
	"fmt"
	"sync"
	"time"

	redisclient "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"pluto/internal/application/port"
	"pluto/internal/application/service"
	"pluto/internal/application/usecase/stream"
	"pluto/internal/domain"
	"pluto/internal/infrastructure/config"
	"pluto/internal/infrastructure/exchange"
	"pluto/internal/infrastructure/metrics"
	"pluto/internal/infrastructure/pricefeed"
	"pluto/internal/infrastructure/storage"
	"pluto/internal/infrastructure/storage/composite"
	pgrepo "pluto/internal/infrastructure/storage/postgres"
	redisrepo "pluto/internal/infrastructure/storage/redis"
	sqliterepo "pluto/internal/infrastructure/storage/sqlite"
	"pluto/internal/interfaces/console"

	// feed variants register themselves in init()
	_ "pluto/internal/infrastructure/browser"
	_ "pluto/internal/infrastructure/exchange/binance"
)

type ServiceContext struct {
	Ctx    context.Context
	Config *config.Config

	// 基础设施层（第一层初始化）
	Normalizer *exchange.SymbolNormalizer
	Metrics    *metrics.Metrics // nil when disabled
	Repo       port.Repository
	Memory     *storage.Memory // set when no persistent backend is enabled

	// 输出端口
	Sink port.Sink

	// 应用业务组件（依赖基础设施）
	Prices *service.PriceService
	bridge *stream.Bridge

	// feed registry 在第一次订阅时才创建
	registryOnce sync.Once
	registry     *service.FeedRegistry
	registryErr  error

	// 资源管理
	mu          sync.Mutex
	closerChain []func() error
	closed      bool
}

// New 创建并初始化 ServiceContext
// 这是应用启动的唯一入口点，所有依赖初始化都在这里完成
func New(ctx context.Context, cfg *config.Config) (*ServiceContext, error) {
	sc := &ServiceContext{
		Ctx:         ctx,
		Config:      cfg,
		Normalizer:  exchange.NewSymbolNormalizer(cfg.Binance.Quote, cfg.Binance.AltQuotes...),
		Sink:        console.NewSink(),
		closerChain: make([]func() error, 0),
	}

	if err := sc.initializeComponents(); err != nil {
		// 清理已初始化的资源
		_ = sc.Close()
		return nil, err
	}
	return sc, nil
}

// initializeComponents 按依赖顺序初始化；feed registry 除外
func (sc *ServiceContext) initializeComponents() error {
	// 0. 存储层
	if err := sc.initializeStorage(); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageInitFailed, err)
	}

	// 1. 指标
	if sc.Config.Metrics.Enabled {
		sc.Metrics = metrics.New(sc.liveFeeds)
	}

	// 2. 价格持久化（异步写入）
	sc.Prices = service.NewPriceService(sc.Repo)
	sc.addCloser(func() error {
		log.Info().Msg("draining price writes")
		return sc.Prices.Close()
	})

	// 3. streaming bridge
	opts := stream.Options{Normalize: sc.Normalizer.Normalize}
	if sc.Metrics != nil {
		opts.OnSessionEnd = sc.Metrics.StreamEnded
	}
	sc.bridge = stream.NewBridge(registrySubscriber{sc}, opts)

	log.Info().
		Str("source", sc.Config.Feed.Source).
		Strs("registered", pricefeed.Sources()).
		Bool("metrics", sc.Metrics != nil).
		Msg("✓ All components initialized")
	return nil
}

// initializeStorage 初始化存储层 (Redis / SQLite / Postgres)，都未启用时使用内存
func (sc *ServiceContext) initializeStorage() error {
	var repos []port.Repository

	if sc.Config.Redis.Enabled {
		repo, err := sc.initRedis()
		if err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
		repos = append(repos, repo)
	}

	if sc.Config.SQLite.Enabled {
		repo, err := sc.initSQLite()
		if err != nil {
			return fmt.Errorf("sqlite initialization failed: %w", err)
		}
		repos = append(repos, repo)
	}

	if sc.Config.Postgres.Enabled {
		repo, err := sc.initPostgres()
		if err != nil {
			return fmt.Errorf("postgres initialization failed: %w", err)
		}
		repos = append(repos, repo)
	}

	if len(repos) == 0 {
		sc.Memory = storage.NewMemory(1000)
		repos = append(repos, sc.Memory)
		log.Info().Msg("no storage backend enabled, keeping latest prices in memory")
	}

	// backends are closed through closerChain, not through the composite
	sc.Repo = composite.New(repos...)
	return nil
}

// initRedis 初始化 Redis 连接
func (sc *ServiceContext) initRedis() (*redisrepo.Repo, error) {
	rdb := redisclient.NewClient(&redisclient.Options{
		Addr:     sc.Config.Redis.Addr,
		Password: sc.Config.Redis.Password,
		DB:       sc.Config.Redis.DB,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(sc.Ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	ttl := time.Duration(sc.Config.Redis.TTLSeconds) * time.Second
	repo := redisrepo.New(rdb, sc.Config.Redis.Prefix, ttl, sc.Config.Redis.Channel)

	// 注册关闭回调
	sc.addCloser(func() error {
		log.Info().Msg("closing redis connection")
		return rdb.Close()
	})

	log.Info().
		Str("addr", sc.Config.Redis.Addr).
		Int("db", sc.Config.Redis.DB).
		Msg("✓ Redis initialized")
	return repo, nil
}

// initSQLite 初始化 SQLite 数据库
func (sc *ServiceContext) initSQLite() (*sqliterepo.Repo, error) {
	repo, err := sqliterepo.New(sc.Config.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite repo creation failed: %w", err)
	}

	sc.addCloser(func() error {
		log.Info().Msg("closing sqlite connection")
		return repo.Close()
	})

	log.Info().
		Str("path", sc.Config.SQLite.Path).
		Msg("✓ SQLite initialized")
	return repo, nil
}

// initPostgres 初始化 Postgres
func (sc *ServiceContext) initPostgres() (*pgrepo.Repo, error) {
	repo, err := pgrepo.New(sc.Config.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres repo creation failed: %w", err)
	}

	sc.addCloser(func() error {
		log.Info().Msg("closing postgres connection")
		return repo.Close()
	})

	log.Info().Msg("✓ Postgres initialized")
	return repo, nil
}

// Registry 返回 feed registry，第一次调用时创建
func (sc *ServiceContext) Registry() (*service.FeedRegistry, error) {
	sc.registryOnce.Do(func() {
		reg, err := sc.buildRegistry()
		sc.mu.Lock()
		sc.registry, sc.registryErr = reg, err
		sc.mu.Unlock()
	})
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.registry, sc.registryErr
}

func (sc *ServiceContext) buildRegistry() (*service.FeedRegistry, error) {
	sc.mu.Lock()
	closed := sc.closed
	sc.mu.Unlock()
	if closed {
		return nil, domain.ErrFeedsClosed
	}

	source := sc.Config.Feed.Source
	builder, ok := pricefeed.Get(source)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}

	variant, err := builder(sc.Config)
	if err != nil {
		return nil, fmt.Errorf("build %s feeds: %w", source, err)
	}
	closer := variant.Closer

	// a slow variant (browser navigation retries) widens the configured bound
	startTimeout := sc.Config.StartTimeout()
	if variant.StartTimeout > startTimeout {
		startTimeout = variant.StartTimeout
	}

	observers := port.FeedObservers{sc.Prices}
	if sc.Metrics != nil {
		observers = append(observers, sc.Metrics)
	}

	reg := service.NewFeedRegistry(variant.Factory, service.RegistryOptions{
		Source:       source,
		IdleGrace:    sc.Config.IdleGrace(),
		StartTimeout: startTimeout,
		Limiter:      rate.NewLimiter(rate.Limit(sc.Config.Feed.MaxStartsPerSec), sc.Config.Feed.StartBurst),
		Observer:     observers,
	})

	closeFeeds := func() error {
		log.Info().Msg("stopping feeds")
		return reg.Close()
	}
	closeResources := func() error {
		if closer == nil {
			return nil
		}
		log.Info().Str("source", source).Msg("closing feed resources")
		return closer.Close()
	}

	sc.mu.Lock()
	if sc.closed {
		// Close already ran its chain
		sc.mu.Unlock()
		_ = closeFeeds()
		_ = closeResources()
		return nil, domain.ErrFeedsClosed
	}
	// LIFO: registry stops its feeds before the shared closer goes away
	sc.closerChain = append(sc.closerChain, closeResources, closeFeeds)
	sc.mu.Unlock()

	log.Info().
		Str("source", source).
		Dur("idle_grace", sc.Config.IdleGrace()).
		Dur("start_timeout", startTimeout).
		Msg("✓ Feed registry initialized")
	return reg, nil
}

// Bridge 返回 streaming bridge
func (sc *ServiceContext) Bridge() *stream.Bridge {
	return sc.bridge
}

// Feeds lists the registered feeds; empty before the first subscription.
func (sc *ServiceContext) Feeds() []service.FeedInfo {
	if reg := sc.builtRegistry(); reg != nil {
		return reg.Snapshot()
	}
	return []service.FeedInfo{}
}

func (sc *ServiceContext) builtRegistry() *service.FeedRegistry {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.registry
}

func (sc *ServiceContext) liveFeeds() int {
	if reg := sc.builtRegistry(); reg != nil {
		return reg.Len()
	}
	return 0
}

func (sc *ServiceContext) addCloser(fn func() error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.closerChain = append(sc.closerChain, fn)
}

// Close 关闭 ServiceContext 中的所有资源
// 按照相反的顺序关闭：feeds -> 价格写入 -> 存储连接
func (sc *ServiceContext) Close() error {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return nil
	}
	sc.closed = true
	chain := sc.closerChain
	sc.closerChain = nil
	sc.mu.Unlock()

	for i := len(chain) - 1; i >= 0; i-- {
		if err := chain[i](); err != nil {
			log.Error().Err(err).Msg("error closing resource")
		}
	}
	return nil
}

// registrySubscriber defers building the registry until someone subscribes.
type registrySubscriber struct {
	sc *ServiceContext
}

func (s registrySubscriber) Subscribe(ctx context.Context, symbol string, onPrice func(domain.PriceEvent), onUnsubscribed func()) (func(), error) {
	reg, err := s.sc.Registry()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInternal, err)
	}
	return reg.Subscribe(ctx, symbol, onPrice, onUnsubscribed)
}
