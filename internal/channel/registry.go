package channel

import (
	"context"
	"fmt"
	"sync"

	"groupcast/internal/eventbus"
	logx "groupcast/pkg/logx"
)

// Registry is the injected, concurrency-safe index of live tenant channels.
//
// It performs no I/O. Registration and lookup race with channel-driven
// disconnects, so every access goes through the mutex.
type Registry struct {
	mu  sync.RWMutex
	m   map[string]Channel
	log logx.Logger

	events <-chan eventbus.Event
	unsub  func()
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{m: map[string]Channel{}, log: log}
}

// Register installs the tenant's live channel.
// It fails with ErrAlreadyRegistered if a live entry exists.
func (r *Registry) Register(tenantID string, ch Channel) error {
	if ch == nil {
		return fmt.Errorf("nil channel for tenant %s", tenantID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[tenantID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, tenantID)
	}
	r.m[tenantID] = ch
	r.log.Info("channel registered", logx.String("tenant", tenantID))
	return nil
}

// Lookup returns the tenant's channel, or false if none is live.
func (r *Registry) Lookup(tenantID string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.m[tenantID]
	return ch, ok
}

// Remove drops the tenant's entry. Safe to call when no entry exists:
// disconnect notifications are external events and may arrive twice.
func (r *Registry) Remove(tenantID string) {
	r.mu.Lock()
	_, had := r.m[tenantID]
	delete(r.m, tenantID)
	r.mu.Unlock()
	if had {
		r.log.Info("channel removed", logx.String("tenant", tenantID))
	}
}

// Tenants returns a snapshot of tenants with a live channel.
func (r *Registry) Tenants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for t := range r.m {
		out = append(out, t)
	}
	return out
}

// Subscribe attaches the registry to the bus. It must run before any channel
// publishes a lifecycle event: the bus has no replay, so a ready event raced
// against the subscription would be lost and the tenant never registered.
// Subsequent calls are no-ops.
func (r *Registry) Subscribe(bus eventbus.Bus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events != nil {
		return
	}
	r.events, r.unsub = bus.Subscribe(16)
}

// Run consumes channel lifecycle events until ctx is done. Subscribe must
// have been called first; events buffered between Subscribe and Run are
// still delivered.
//
// channel.ready events carry the live Channel in Data; channel.disconnected
// events remove the tenant regardless of payload.
func (r *Registry) Run(ctx context.Context) {
	r.mu.RLock()
	events, unsub := r.events, r.unsub
	r.mu.RUnlock()
	if events == nil {
		r.log.Warn("registry run without subscription")
		return
	}
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Type {
			case eventbus.TypeChannelReady:
				ch, okc := e.Data.(Channel)
				if !okc {
					r.log.Warn("ready event without channel payload", logx.String("tenant", e.TenantID))
					continue
				}
				if err := r.Register(e.TenantID, ch); err != nil {
					r.log.Warn("ready event rejected", logx.String("tenant", e.TenantID), logx.Err(err))
				}
			case eventbus.TypeChannelDisconnected:
				r.log.Info("channel disconnected", logx.String("tenant", e.TenantID), logx.String("reason", e.Reason))
				r.Remove(e.TenantID)
			}
		}
	}
}
