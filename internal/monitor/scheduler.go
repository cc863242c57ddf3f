package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/OvictorVieira/backbot-sub005/internal/metrics"
	"github.com/OvictorVieira/backbot-sub005/internal/models"

	"go.uber.org/zap"
)

// 每个机器人的维护任务
const (
	KindCycle         = "cycle"
	KindPendingOrders = "pending-orders"
	KindOrphanOrders  = "orphan-orders"
	KindTakeProfit    = "take-profit"
)

// DefaultRunTimeout bounds a single job run. Runs outlive Stop so that an
// order replacement already under way is not cut off between its steps.
const DefaultRunTimeout = 30 * time.Second

// Job is one periodic unit of work.
type Job func(ctx context.Context) error

type job struct {
	kind    string
	fn      Job
	backoff *Backoff
}

// Scheduler 为单个机器人运行多个独立的周期任务, 每个任务有自己的协程和定时器
type Scheduler struct {
	botID      string
	logger     *zap.Logger
	runTimeout time.Duration

	mu      sync.Mutex
	jobs    map[string]*job
	order   []string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewScheduler creates a scheduler for one bot.
func NewScheduler(botID string, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		botID:      botID,
		logger:     logger.With(zap.String("botId", botID)),
		runTimeout: DefaultRunTimeout,
		jobs:       make(map[string]*job),
	}
}

// Register adds a job. Registering an existing kind replaces it; jobs added
// after Start are not run until the next Start.
func (s *Scheduler) Register(kind string, fn Job, limits models.MonitorLimits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[kind]; !ok {
		s.order = append(s.order, kind)
	}
	s.jobs[kind] = &job{kind: kind, fn: fn, backoff: NewBackoff(limits)}
}

// Start launches every registered job. It is a no-op when already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	for _, kind := range s.order {
		j := s.jobs[kind]
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	s.logger.Info("Monitors started", zap.Strings("monitors", s.order))
}

// Stop halts the job timers and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("Monitors stopped")
}

// State returns the rate-limit state of a job.
func (s *Scheduler) State(kind string) (State, bool) {
	s.mu.Lock()
	j, ok := s.jobs[kind]
	s.mu.Unlock()
	if !ok {
		return State{}, false
	}
	return j.backoff.Snapshot(), true
}

// RunOnce runs a job synchronously and applies the backoff rules to its result.
func (s *Scheduler) RunOnce(ctx context.Context, kind string) error {
	s.mu.Lock()
	j, ok := s.jobs[kind]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown monitor %q", kind)
	}
	return s.run(ctx, j)
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		_ = s.run(ctx, j)
		if ctx.Err() != nil {
			return
		}
		timer.Reset(j.backoff.Interval())
	}
}

// run executes the job once, recovering panics and classifying the error.
// The job's context drops the caller's cancellation; only the timeout ends it.
func (s *Scheduler) run(ctx context.Context, j *job) (err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.runTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Monitor panicked", zap.String("monitor", j.kind), zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("monitor %s panicked: %v", j.kind, r)
		}
		s.classify(j, err)
	}()
	return j.fn(ctx)
}

func (s *Scheduler) classify(j *job, err error) {
	var interval time.Duration
	switch {
	case err == nil:
		interval = j.backoff.OnSuccess()
	case errors.Is(err, context.Canceled):
		return
	case models.IsRateLimit(err):
		interval = j.backoff.OnRateLimit(time.Now())
		metrics.RateLimitHits.WithLabelValues(s.botID, j.kind).Inc()
		s.logger.Warn("Monitor rate limited, backing off",
			zap.String("monitor", j.kind),
			zap.Duration("interval", interval),
			zap.Error(err),
		)
	default:
		interval = j.backoff.Interval()
		s.logger.Warn("Monitor run failed", zap.String("monitor", j.kind), zap.Error(err))
	}
	metrics.MonitorInterval.WithLabelValues(s.botID, j.kind).Set(float64(interval.Milliseconds()))
}
