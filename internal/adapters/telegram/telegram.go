// Package telegram adapts a Telegram bot account into a tenant's outbound
// channel. The adapter owns the bot session lifecycle and announces it on the
// event bus so the registry can track readiness without holding protocol state.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"groupcast/internal/channel"
	"groupcast/internal/eventbus"
	logx "groupcast/pkg/logx"
)

type Config struct {
	TenantID string
	Token    string

	// SendTimeout bounds a single outbound API call.
	SendTimeout time.Duration
}

// Adapter is a send-only Telegram connection for one tenant. It implements
// channel.Channel; delivery targets are Telegram chat identifiers (numeric
// IDs or @usernames).
type Adapter struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu     sync.Mutex
	bot    *tele.Bot
	status channel.Status
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.TenantID) == "" {
		return nil, errors.New("telegram adapter: tenant id is empty")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram adapter: token is empty")
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		cfg:    cfg,
		log:    log.With(logx.String("tenant", cfg.TenantID)),
		bus:    bus,
		status: channel.StatusInitializing,
	}, nil
}

// Connect authenticates the bot token against the Telegram API and, on
// success, publishes channel.ready with the adapter as payload. No update
// polling is started; the adapter only ever sends.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == channel.StatusReady {
		return nil
	}

	// tele.NewBot performs a getMe call, which validates the token.
	b, err := tele.NewBot(tele.Settings{
		Token:  a.cfg.Token,
		Client: nil,
	})
	if err != nil {
		a.status = channel.StatusDisconnected
		a.log.Error("telegram connect failed", logx.Err(err))
		return err
	}

	a.bot = b
	a.status = channel.StatusReady
	a.log.Info("telegram channel ready", logx.String("bot", b.Me.Username))

	if a.bus != nil {
		a.bus.Publish(eventbus.Event{
			Type:     eventbus.TypeChannelReady,
			TenantID: a.cfg.TenantID,
			Data:     a,
		})
	}
	return nil
}

// Close tears down the session and publishes channel.disconnected.
// It is safe to call more than once.
func (a *Adapter) Close(reason string) {
	a.mu.Lock()
	wasReady := a.status == channel.StatusReady
	a.status = channel.StatusDisconnected
	a.bot = nil
	a.mu.Unlock()

	if !wasReady {
		return
	}
	a.log.Info("telegram channel closed", logx.String("reason", reason))
	if a.bus != nil {
		a.bus.Publish(eventbus.Event{
			Type:     eventbus.TypeChannelDisconnected,
			TenantID: a.cfg.TenantID,
			Reason:   reason,
		})
	}
}

func (a *Adapter) Status() channel.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Send delivers one message to a Telegram chat. Preview expansion follows
// opt.LinkPreview; Telegram's flag is inverted (disable rather than enable).
func (a *Adapter) Send(ctx context.Context, groupID, text string, opt *channel.SendOptions) error {
	a.mu.Lock()
	bot := a.bot
	ready := a.status == channel.StatusReady
	a.mu.Unlock()
	if !ready || bot == nil {
		return channel.ErrNotConnected
	}
	if opt == nil {
		opt = &channel.SendOptions{}
	}

	sendOpt := &tele.SendOptions{
		DisableWebPagePreview: !opt.LinkPreview,
	}

	// telebot's Send has no context plumbing; bound it ourselves so a
	// cancelled dispatch tick doesn't hang on a slow API call.
	sctx, cancel := context.WithTimeout(ctx, a.cfg.SendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := bot.Send(chatTarget(groupID), text, sendOpt)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-sctx.Done():
		return sctx.Err()
	}
}

// chatTarget addresses a Telegram chat by raw identifier. Both numeric chat
// IDs and @username handles pass through the Bot API as-is.
type chatTarget string

func (t chatTarget) Recipient() string { return string(t) }
