package sourced

import "time"

// Config is the single value every long-running piece of the runtime is
// built from, per spec.md §9 "Global mutable state → explicit
// configuration." There is no package-level singleton; NewDispatcher
// constructs one Config from Opts and wires the Dispatcher around it.
type Config struct {
	store Store

	workerCount         int
	batchSize           int
	maxDrainRounds      int
	catchupInterval     time.Duration
	housekeepingInterval time.Duration
	claimTTLSeconds     int

	errorStrategy ErrorStrategy
	notifier      Notifier
	logger        Logger
	idGenerator   IDGenerator
	executor      Executor
}

// Opt configures a Config under construction, mirroring kgo.Opt's
// func(*cfg) shape.
type Opt interface {
	apply(*Config)
}

type optFunc func(*Config)

func (f optFunc) apply(cfg *Config) { f(cfg) }

// WithStore supplies the required Store implementation (spec.md §6.5).
func WithStore(store Store) Opt {
	return optFunc(func(cfg *Config) { cfg.store = store })
}

// WithWorkerCount sets how many workers pull from the work queue.
func WithWorkerCount(n int) Opt {
	return optFunc(func(cfg *Config) { cfg.workerCount = n })
}

// WithBatchSize sets the upper bound on messages returned by one claim.
func WithBatchSize(n int) Opt {
	return optFunc(func(cfg *Config) { cfg.batchSize = n })
}

// WithMaxDrainRounds sets the fairness cap before a worker re-enqueues a
// reactor rather than continuing to drain it.
func WithMaxDrainRounds(n int) Opt {
	return optFunc(func(cfg *Config) { cfg.maxDrainRounds = n })
}

// WithCatchupInterval sets the period between full reactor-queue sweeps.
func WithCatchupInterval(d time.Duration) Opt {
	return optFunc(func(cfg *Config) { cfg.catchupInterval = d })
}

// WithHousekeepingInterval sets the period between heartbeat + stale
// claim reap passes.
func WithHousekeepingInterval(d time.Duration) Opt {
	return optFunc(func(cfg *Config) { cfg.housekeepingInterval = d })
}

// WithClaimTTLSeconds sets how long a claim may go un-heartbeat before
// the stale-claim reaper releases it.
func WithClaimTTLSeconds(n int) Opt {
	return optFunc(func(cfg *Config) { cfg.claimTTLSeconds = n })
}

// WithErrorStrategy supplies the pluggable error policy (spec.md §6.4).
func WithErrorStrategy(s ErrorStrategy) Opt {
	return optFunc(func(cfg *Config) { cfg.errorStrategy = s })
}

// WithNotifier supplies the pub/sub channel implementation. Defaults to
// InlineNotifier if omitted.
func WithNotifier(n Notifier) Opt {
	return optFunc(func(cfg *Config) { cfg.notifier = n })
}

// WithLogger supplies the structured logger every component logs
// through. Defaults to NopLogger if omitted.
func WithLogger(l Logger) Opt {
	return optFunc(func(cfg *Config) { cfg.logger = l })
}

// WithIDGenerator records an ID generator on the Config. No component
// built by NewDispatcher reads it: message IDs come from the generator
// passed to NewMessage, or from a decider's or projector's own
// WithIDGenerator.
func WithIDGenerator(gen IDGenerator) Opt {
	return optFunc(func(cfg *Config) { cfg.idGenerator = gen })
}

// WithExecutor supplies the task executor the Dispatcher runs its
// cooperative tasks on. Defaults to a goroutine-per-task executor backed
// by golang.org/x/sync/errgroup.
func WithExecutor(e Executor) Opt {
	return optFunc(func(cfg *Config) { cfg.executor = e })
}

func defaultConfig() *Config {
	return &Config{
		workerCount:          4,
		batchSize:            100,
		maxDrainRounds:       50,
		catchupInterval:      10 * time.Second,
		housekeepingInterval: 5 * time.Second,
		claimTTLSeconds:      30,
		errorStrategy:        nil,
		notifier:             NewInlineNotifier(),
		logger:               NopLogger(),
		idGenerator:          DefaultIDGenerator,
		executor:             nil,
	}
}

// NewConfig applies opts over the default configuration. WithStore is
// required; NewDispatcher returns an error if it was never supplied.
func NewConfig(opts ...Opt) *Config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt.apply(cfg)
	}
	if cfg.errorStrategy == nil {
		cfg.errorStrategy = StopOnError()
	}
	if cfg.executor == nil {
		cfg.executor = NewGoroutineExecutor()
	}
	return cfg
}
