package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"groupcast/internal/channel"
	"groupcast/internal/store"
	logx "groupcast/pkg/logx"
)

type Config struct {
	Enabled      bool
	TickInterval time.Duration // default 60s
	BatchSize    int           // max tasks claimed per tick, default 50
	Workers      int           // concurrent tenant lanes, default 4
	RatePerSec   int           // per-tenant send rate, default 10
	ClaimLease   time.Duration // claim abandonment horizon, default 5m
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 60 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = 5 * time.Minute
	}
	return c
}

// Service is the recurring dispatch engine: on every tick it claims a bounded
// batch of due pending tasks, routes each to its tenant's live channel, and
// writes the terminal outcome back to the store.
type Service struct {
	mu    sync.Mutex
	cfg   Config
	store store.Store
	reg   *channel.Registry
	log   logx.Logger

	c         *cron.Cron
	runCtx    context.Context
	runCancel context.CancelFunc

	lmu      sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(cfg Config, st store.Store, reg *channel.Registry, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		store:    st,
		reg:      reg,
		log:      log,
		limiters: map[string]*rate.Limiter{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates live knobs (batch size, rate, lease). Tick interval changes
// require a restart of the service; the config watcher does that.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	restartNeeded := s.c != nil && cfg.TickInterval != s.cfg.TickInterval
	s.cfg = cfg
	s.mu.Unlock()

	// Existing limiters keep serving at the new rate.
	s.lmu.Lock()
	for _, lim := range s.limiters {
		lim.SetLimit(rate.Limit(cfg.RatePerSec))
		lim.SetBurst(cfg.RatePerSec)
	}
	s.lmu.Unlock()

	if restartNeeded {
		s.log.Info("tick interval changed, restarting dispatcher", logx.Duration("tick", cfg.TickInterval))
		ctx := context.Background()
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start registers the periodic tick. Overlapping ticks are skipped, not
// queued: a tick that outruns the period must never double-claim work.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}

	s.runCtx, s.runCancel = context.WithCancel(ctx)
	runCtx := s.runCtx

	cronLog := cronLogger{log: s.log}
	s.c = cron.New(cron.WithChain(
		cron.Recover(cronLog),
		cron.SkipIfStillRunning(cronLog),
	))
	spec := fmt.Sprintf("@every %s", s.cfg.TickInterval)
	if _, err := s.c.AddFunc(spec, func() { s.Tick(runCtx) }); err != nil {
		s.log.Error("failed to schedule dispatch tick", logx.Err(err))
		s.c = nil
		s.runCancel()
		return
	}
	s.c.Start()
	s.log.Info("dispatcher started",
		logx.Duration("tick", s.cfg.TickInterval),
		logx.Int("batch", s.cfg.BatchSize),
		logx.Int("workers", s.cfg.Workers),
		logx.Int("rate_per_sec", s.cfg.RatePerSec))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCancel = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	// Wait for an in-flight tick, but respect the caller's deadline.
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("dispatcher stopped")
}

func (s *Service) limiter(tenantID string) *rate.Limiter {
	s.mu.Lock()
	rps := s.cfg.RatePerSec
	s.mu.Unlock()

	s.lmu.Lock()
	defer s.lmu.Unlock()
	lim, ok := s.limiters[tenantID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(rps), rps)
		s.limiters[tenantID] = lim
	}
	return lim
}

// cronLogger adapts logx to the cron.Logger interface.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
