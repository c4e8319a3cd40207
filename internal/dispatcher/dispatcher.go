// Package dispatcher runs the minute-granularity scan that fans out one
// executor invocation per due scout, and the separate reaper sweep that
// reclaims executions left running by a crashed or killed executor.
package dispatcher

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/scoutforge/scoutd/config"
	"github.com/scoutforge/scoutd/internal/executor"
	"github.com/scoutforge/scoutd/internal/scout"
	"github.com/scoutforge/scoutd/internal/telemetry"
)

// Store is the subset of internal/store.Store the dispatcher needs.
type Store interface {
	ListDueScouts(ctx context.Context, now time.Time, batchCap int) ([]scout.Scout, error)
	ReapStaleRunning(ctx context.Context, now time.Time, olderThan time.Duration) ([]string, error)
}

// Executor is the subset of internal/executor.Executor the dispatcher needs.
type Executor interface {
	Run(ctx context.Context, scoutID string) (executor.RunOutcome, error)
}

// Dispatcher owns the tick and reap loops. All dependencies are supplied
// via Option; Redis and Metrics are optional.
type Dispatcher struct {
	store    Store
	executor Executor
	redis    *redis.Client
	metrics  *telemetry.Metrics
	logger   *log.Logger
	cfg      config.DispatcherConfig

	tickExpr *cronexpr.Expression
	reapExpr *cronexpr.Expression

	stop chan struct{}
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

func WithStore(s Store) Option         { return func(d *Dispatcher) { d.store = s } }
func WithExecutor(e Executor) Option   { return func(d *Dispatcher) { d.executor = e } }
func WithRedis(r *redis.Client) Option { return func(d *Dispatcher) { d.redis = r } }
func WithMetrics(m *telemetry.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }
func WithLogger(l *log.Logger) Option  { return func(d *Dispatcher) { d.logger = l } }

// New constructs a Dispatcher from cfg's tick/reap cron expressions. It
// panics if either expression is malformed, since that is a startup-time
// configuration error, not a runtime condition to recover from.
func New(cfg config.DispatcherConfig, opts ...Option) *Dispatcher {
	tickExpr, err := cronexpr.Parse(cfg.TickCron)
	if err != nil {
		panic("dispatcher: invalid tick_cron: " + err.Error())
	}
	reapExpr, err := cronexpr.Parse(cfg.ReapCron)
	if err != nil {
		panic("dispatcher: invalid reap_cron: " + err.Error())
	}

	d := &Dispatcher{
		cfg:      cfg,
		tickExpr: tickExpr,
		reapExpr: reapExpr,
		logger:   log.New(log.Writer(), "[DISPATCHER] ", log.LstdFlags),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run blocks, evaluating the tick and reap schedules against a one-minute
// ticker, until ctx is cancelled or Stop is called.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	lastTick := time.Now()
	lastReap := lastTick

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case now := <-ticker.C:
			if isDue(d.tickExpr, lastTick, now) {
				lastTick = now
				d.dispatchTick(ctx, now)
			}
			if isDue(d.reapExpr, lastReap, now) {
				lastReap = now
				d.reapTick(ctx, now)
			}
		}
	}
}

// Stop ends a running Run loop.
func (d *Dispatcher) Stop() {
	close(d.stop)
}

func isDue(expr *cronexpr.Expression, last, now time.Time) bool {
	return !expr.Next(last).After(now)
}

func (d *Dispatcher) dispatchTick(ctx context.Context, now time.Time) {
	due, err := d.store.ListDueScouts(ctx, now, d.cfg.BatchCap)
	if err != nil {
		d.logger.Printf("list due scouts: %v", err)
		return
	}
	for _, sc := range due {
		go d.dispatchOne(ctx, sc)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, sc scout.Scout) {
	// Jitter avoids a thundering herd of simultaneously-due scouts all
	// hitting the store and the LLM/search providers in the same instant.
	time.Sleep(time.Duration(rand.Intn(250)) * time.Millisecond)

	if d.redis != nil {
		lockKey := "scoutd:dispatch:" + sc.ID
		ok, err := d.redis.SetNX(ctx, lockKey, "1", d.cfg.ExecutorWallMax).Result()
		if err != nil {
			d.logger.Printf("redis pre-claim lock for scout %s: %v", sc.ID, err)
		} else if !ok {
			return
		} else {
			defer d.redis.Del(ctx, lockKey)
		}
	}

	outcome, err := d.executor.Run(ctx, sc.ID)
	if err != nil {
		d.logger.Printf("run scout %s: %v", sc.ID, err)
		return
	}
	if outcome.AlreadyRunning {
		return
	}
	if d.metrics != nil {
		d.metrics.ScoutsDispatched.Inc()
	}
}

func (d *Dispatcher) reapTick(ctx context.Context, now time.Time) {
	ids, err := d.store.ReapStaleRunning(ctx, now, d.cfg.StaleThreshold())
	if err != nil {
		d.logger.Printf("reap stale running: %v", err)
		return
	}
	if d.metrics != nil && len(ids) > 0 {
		d.metrics.StaleReaped.Add(float64(len(ids)))
	}
}
