package telegram

import (
	"context"
	"errors"
	"testing"
	"time"

	"groupcast/internal/channel"
	"groupcast/internal/eventbus"
	logx "groupcast/pkg/logx"
)

func TestNewRejectsMissingSettings(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: "t"}, nil, logx.Nop()); err == nil {
		t.Fatal("want error for empty tenant id")
	}
	if _, err := New(Config{TenantID: "acme"}, nil, logx.Nop()); err == nil {
		t.Fatal("want error for empty token")
	}
}

func TestSendBeforeConnectFails(t *testing.T) {
	t.Parallel()
	a, err := New(Config{TenantID: "acme", Token: "t"}, nil, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if got := a.Status(); got != channel.StatusInitializing {
		t.Fatalf("status = %s, want initializing", got)
	}
	err = a.Send(context.Background(), "123", "hi", nil)
	if !errors.Is(err, channel.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestCloseIsIdempotentAndSilentWhenNeverReady(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	a, err := New(Config{TenantID: "acme", Token: "t"}, bus, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	a.Close("shutdown")
	a.Close("shutdown")
	if got := a.Status(); got != channel.StatusDisconnected {
		t.Fatalf("status = %s, want disconnected", got)
	}

	// A channel that never reached ready must not announce a disconnect.
	select {
	case e := <-events:
		t.Fatalf("unexpected event published: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChatTargetPassesIdentifierThrough(t *testing.T) {
	t.Parallel()
	for _, id := range []string{"-1001234567890", "@broadcast_group"} {
		if got := chatTarget(id).Recipient(); got != id {
			t.Fatalf("Recipient() = %q, want %q", got, id)
		}
	}
}
