package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"groupcast/internal/campaign"
	"groupcast/internal/channel"
	logx "groupcast/pkg/logx"
)

// Tick runs one poll-and-send cycle: claim a bounded batch of due pending
// tasks, fan out per-tenant lanes, and record a terminal outcome for every
// claimed task. Exported so tests can drive the cycle without the cron.
func (s *Service) Tick(ctx context.Context) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	start := time.Now()
	tasks, err := s.store.ClaimDue(ctx, start, cfg.BatchSize, cfg.ClaimLease)
	if err != nil {
		s.log.Error("claiming due tasks failed", logx.Err(err))
		return
	}
	if len(tasks) == 0 {
		return
	}
	s.log.Info("dispatch tick", logx.Int("claimed", len(tasks)))

	// Per-tenant lanes: sends for one tenant are serialized (the underlying
	// channel may not be concurrency-safe for a single connection); lanes for
	// different tenants run concurrently, bounded by the worker budget.
	lanes := map[string][]campaign.SendTask{}
	order := make([]string, 0, 4)
	for _, t := range tasks {
		if _, ok := lanes[t.TenantID]; !ok {
			order = append(order, t.TenantID)
		}
		lanes[t.TenantID] = append(lanes[t.TenantID], t)
	}

	sem := make(chan struct{}, cfg.Workers)
	var wg sync.WaitGroup
	for _, tenant := range order {
		lane := lanes[tenant]
		wg.Add(1)
		sem <- struct{}{}
		go func(tenant string, lane []campaign.SendTask) {
			defer wg.Done()
			defer func() { <-sem }()
			for _, task := range lane {
				s.processTask(ctx, task)
			}
		}(tenant, lane)
	}
	wg.Wait()

	s.log.Debug("dispatch tick done",
		logx.Int("tasks", len(tasks)),
		logx.Int("tenants", len(lanes)),
		logx.Duration("took", time.Since(start)))
}

// processTask attempts one send and persists the outcome. A genuine send
// fault, including a panic inside the channel implementation, becomes a
// terminal failed status. Cancellation of the run context is not a fault:
// the task is abandoned while still claimed and the lease re-exposes it to
// a later tick, so shutdown never converts unattempted tasks into failures.
func (s *Service) processTask(ctx context.Context, t campaign.SendTask) {
	err := s.attempt(ctx, t)
	if errors.Is(err, context.Canceled) {
		s.log.Info("task abandoned for retry",
			logx.String("task", t.ID),
			logx.String("tenant", t.TenantID))
		return
	}
	if err == nil {
		applied, serr := s.store.MarkSent(ctx, t.ID, time.Now())
		if serr != nil {
			s.log.Error("persisting sent status failed", logx.String("task", t.ID), logx.Err(serr))
			return
		}
		if !applied {
			s.log.Warn("task was already terminal", logx.String("task", t.ID))
			return
		}
		s.log.Debug("task sent",
			logx.String("task", t.ID),
			logx.String("tenant", t.TenantID),
			logx.String("group", t.GroupID))
		return
	}

	applied, serr := s.store.MarkFailed(ctx, t.ID, err.Error())
	if serr != nil {
		s.log.Error("persisting failed status failed", logx.String("task", t.ID), logx.Err(serr))
		return
	}
	if !applied {
		s.log.Warn("task was already terminal", logx.String("task", t.ID))
		return
	}
	s.log.Warn("task failed",
		logx.String("task", t.ID),
		logx.String("tenant", t.TenantID),
		logx.String("group", t.GroupID),
		logx.Err(err))
}

// attempt resolves the tenant's channel and performs the send. It returns
// channel.ErrNotConnected without a send attempt when no live channel exists.
func (s *Service) attempt(ctx context.Context, t campaign.SendTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during send: %v", r)
			s.log.Error("send panicked",
				logx.String("task", t.ID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
	}()

	ch, ok := s.reg.Lookup(t.TenantID)
	if !ok {
		return channel.ErrNotConnected
	}
	if err := s.limiter(t.TenantID).Wait(ctx); err != nil {
		return err
	}
	return send(ctx, ch, t.GroupID, t.Text)
}
