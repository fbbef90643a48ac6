package sourced

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// Dispatcher wires the pipeline described in spec.md §4.6 when the
// process starts: a WorkQueue, a worker pool, a NotificationQueuer, a
// CatchUpPoller, and a StaleClaimReaper, all run as cooperative tasks on
// a pluggable Executor.
//
// Start/Stop follow the same cancel-then-wait-with-timeout shape as the
// grounding file's Consumer.Start/Stop (242617-core): Stop cancels an
// internal context, closes the work queue with enough sentinels to wake
// every worker, and waits for in-flight HandleNextFor calls to return
// naturally rather than aborting mid-transaction (spec.md §5 "Cancellation
// semantics").
type Dispatcher struct {
	cfg      *Config
	reactors []Reactor
	router   *Router
	queue    *WorkQueue

	mu         sync.Mutex
	started    bool
	cancelFunc context.CancelFunc
	stopped    chan struct{}
}

// NewDispatcher validates cfg (a Store is required) and wires a
// Dispatcher over the given reactors. It does not start any goroutines;
// call Start for that.
func NewDispatcher(reactors []Reactor, opts ...Opt) (*Dispatcher, error) {
	cfg := NewConfig(opts...)
	if cfg.store == nil {
		return nil, fmt.Errorf("sourced: WithStore is required")
	}

	router := NewRouter(cfg.store, reactors, cfg.errorStrategy, cfg.logger)
	queue := NewWorkQueue(cfg.workerCount * 2)

	for _, r := range reactors {
		if err := cfg.store.RegisterConsumerGroup(context.Background(), r.GroupID()); err != nil {
			return nil, NewBackendError("register_consumer_group", err)
		}
	}

	return &Dispatcher{
		cfg:      cfg,
		reactors: reactors,
		router:   router,
		queue:    queue,
	}, nil
}

// Start launches the worker pool, the notification queuer, the catch-up
// poller, and the stale-claim reaper on cfg.executor. Start returns
// immediately; the pipeline runs until Stop is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("sourced: dispatcher already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancelFunc = cancel
	d.stopped = make(chan struct{})
	d.started = true

	hostname, _ := os.Hostname()
	pid := os.Getpid()

	for i := 0; i < d.cfg.workerCount; i++ {
		w := &worker{
			name:      fmt.Sprintf("%s-%d-w%d", hostname, pid, i),
			queue:     d.queue,
			router:    d.router,
			batchSize: d.cfg.batchSize,
			maxRounds: d.cfg.maxDrainRounds,
			logger:    d.cfg.logger,
		}
		d.cfg.executor.Go(func() { w.run(runCtx) })
	}

	queuer := &notificationQueuer{
		notifier: d.cfg.notifier,
		queue:    d.queue,
		reactors: d.reactors,
		logger:   d.cfg.logger,
	}
	d.cfg.executor.Go(func() { queuer.run(runCtx) })

	poller := &catchUpPoller{
		interval: d.cfg.catchupInterval,
		queue:    d.queue,
		reactors: d.reactors,
	}
	d.cfg.executor.Go(func() { poller.run(runCtx) })

	reaper := &staleClaimReaper{
		store:       d.cfg.store,
		interval:    d.cfg.housekeepingInterval,
		ttlSeconds:  d.cfg.claimTTLSeconds,
		workerNames: d.workerNames(hostname, pid),
		logger:      d.cfg.logger,
	}
	d.cfg.executor.Go(func() { reaper.run(runCtx) })

	go func() {
		<-runCtx.Done()
		close(d.stopped)
	}()

	return nil
}

func (d *Dispatcher) workerNames(hostname string, pid int) []string {
	names := make([]string, d.cfg.workerCount)
	for i := range names {
		names[i] = fmt.Sprintf("%s-%d-w%d", hostname, pid, i)
	}
	return names
}

// Stop signals every cooperative task to wind down and waits for them,
// or for ctx to be done first, per spec.md §5 "Cancellation semantics":
// current claims are allowed to complete; no mid-transaction abort is
// required.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	d.cancelFunc()
	d.queue.Close(d.cfg.workerCount)

	done := make(chan struct{})
	go func() {
		d.cfg.executor.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// notificationQueuer subscribes to the Notifier and maps incoming
// payloads to interested reactors, pushing a token for each distinct
// match (spec.md §4.6 step 3).
type notificationQueuer struct {
	notifier Notifier
	queue    *WorkQueue
	reactors []Reactor
	logger   Logger
}

func (q *notificationQueuer) run(ctx context.Context) {
	appended, err := q.notifier.Listen(ctx, ChannelMessagesAppended)
	if err != nil {
		q.logger.Log(LogLevelError, "failed to listen for messages_appended", "err", err)
		return
	}
	resumed, err := q.notifier.Listen(ctx, ChannelReactorResumed)
	if err != nil {
		q.logger.Log(LogLevelError, "failed to listen for reactor_resumed", "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-appended:
			if !ok {
				return
			}
			q.dispatchTypes(SplitTypes(payload))
		case groupID, ok := <-resumed:
			if !ok {
				return
			}
			q.dispatchGroup(groupID)
		}
	}
}

func (q *notificationQueuer) dispatchTypes(types []string) {
	typeSet := make(map[string]struct{}, len(types))
	for _, t := range types {
		typeSet[t] = struct{}{}
	}

	for _, reactor := range q.reactors {
		for _, md := range reactor.HandledMessages() {
			if _, ok := typeSet[md.Type]; ok {
				q.queue.Push(reactor)
				break
			}
		}
	}
}

func (q *notificationQueuer) dispatchGroup(groupID string) {
	for _, reactor := range q.reactors {
		if reactor.GroupID() == groupID {
			q.queue.Push(reactor)
		}
	}
}

// catchUpPoller pushes every reactor into the queue on an interval,
// guaranteeing progress when notifications are lost, in a non-Postgres
// store, or at startup (spec.md §4.6 step 4).
type catchUpPoller struct {
	interval time.Duration
	queue    *WorkQueue
	reactors []Reactor
}

func (p *catchUpPoller) run(ctx context.Context) {
	if p.interval <= 0 {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, reactor := range p.reactors {
				p.queue.Push(reactor)
			}
		}
	}
}

// staleClaimReaper heartbeats live workers, then releases claims held by
// workers that have gone silent past ttlSeconds (spec.md §4.6 step 5).
type staleClaimReaper struct {
	store       Store
	interval    time.Duration
	ttlSeconds  int
	workerNames []string
	logger      Logger
}

func (r *staleClaimReaper) run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *staleClaimReaper) tick(ctx context.Context) {
	if err := r.store.WorkerHeartbeat(ctx, r.workerNames); err != nil {
		r.logger.Log(LogLevelWarn, "worker heartbeat failed", "err", err)
		return
	}
	released, err := r.store.ReleaseStaleClaims(ctx, r.ttlSeconds)
	if err != nil {
		r.logger.Log(LogLevelWarn, "release stale claims failed", "err", err)
		return
	}
	if released > 0 {
		r.logger.Log(LogLevelInfo, "released stale claims", "count", released)
	}
}
