package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"groupcast/internal/eventbus"
	logx "groupcast/pkg/logx"
)

type stubChannel struct{ status Status }

func (s *stubChannel) Send(ctx context.Context, groupID, text string, opt *SendOptions) error {
	return nil
}
func (s *stubChannel) Status() Status { return s.status }

func TestRegistryRegisterLookupRemove(t *testing.T) {
	t.Parallel()
	r := NewRegistry(logx.Nop())
	ch := &stubChannel{status: StatusReady}

	if err := r.Register("acme", ch); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, ok := r.Lookup("acme")
	if !ok || got != ch {
		t.Fatal("Lookup should return the registered channel")
	}

	if err := r.Register("acme", &stubChannel{}); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("duplicate Register error = %v, want ErrAlreadyRegistered", err)
	}

	r.Remove("acme")
	if _, ok := r.Lookup("acme"); ok {
		t.Fatal("Lookup should miss after Remove")
	}
	// Idempotent removal: a second disconnect for the same tenant is fine.
	r.Remove("acme")
}

func TestRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()
	r := NewRegistry(logx.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = r.Register("t", &stubChannel{})
				r.Lookup("t")
				r.Remove("t")
			}
		}()
	}
	wg.Wait()
}

func TestRegistryLifecycleEvents(t *testing.T) {
	t.Parallel()
	r := NewRegistry(logx.Nop())
	bus := eventbus.New()
	r.Subscribe(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	ch := &stubChannel{status: StatusReady}
	bus.Publish(eventbus.Event{Type: eventbus.TypeChannelReady, TenantID: "acme", Data: ch})

	waitFor(t, func() bool { _, ok := r.Lookup("acme"); return ok })

	bus.Publish(eventbus.Event{Type: eventbus.TypeChannelDisconnected, TenantID: "acme", Reason: "socket closed"})
	waitFor(t, func() bool { _, ok := r.Lookup("acme"); return !ok })

	cancel()
	<-done
}

func TestRegistryDeliversEventsPublishedBeforeRun(t *testing.T) {
	t.Parallel()
	r := NewRegistry(logx.Nop())
	bus := eventbus.New()
	r.Subscribe(bus)

	// A channel may come up before the drain loop is scheduled. The
	// subscription must already exist so the ready event is buffered,
	// not dropped.
	ch := &stubChannel{status: StatusReady}
	bus.Publish(eventbus.Event{Type: eventbus.TypeChannelReady, TenantID: "acme", Data: ch})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	waitFor(t, func() bool { _, ok := r.Lookup("acme"); return ok })

	cancel()
	<-done
}

func TestRegistryRunWithoutSubscriptionReturns(t *testing.T) {
	t.Parallel()
	r := NewRegistry(logx.Nop())
	r.Run(context.Background())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
