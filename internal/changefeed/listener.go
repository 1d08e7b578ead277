// Package changefeed subscribes to Postgres LISTEN/NOTIFY channels and
// dispatches decoded payloads to in-process listeners.
package changefeed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"syncgate/internal/config"
	"syncgate/internal/logger"
	"syncgate/internal/metrics"
)

// Wildcard subscribes a listener to every channel's notifications.
const Wildcard = "*"

// ListenerFunc receives one decoded notification.
type ListenerFunc func(channel string, payload map[string]any)

// Subscription is the handle returned by AddListener; pass it to
// RemoveListener to unregister.
type Subscription struct {
	channel string
	fn      ListenerFunc
}

// Listener owns a dedicated notification connection, distinct from the
// application's query pool: a LISTEN subscription must not be multiplexed
// with transactional queries.
type Listener struct {
	cfg config.ChangeFeed

	mu        sync.Mutex
	regs      map[string][]*Subscription
	connected bool
	attempts  int
	cancel    context.CancelFunc
}

func New(cfg config.ChangeFeed) *Listener {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 5 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Listener{cfg: cfg, regs: map[string][]*Subscription{}}
}

// AddListener registers fn for one channel, or for all channels with
// Wildcard. Wildcard listeners run after the channel's own listeners.
func (l *Listener) AddListener(channel string, fn ListenerFunc) *Subscription {
	sub := &Subscription{channel: channel, fn: fn}
	l.mu.Lock()
	l.regs[channel] = append(l.regs[channel], sub)
	l.mu.Unlock()
	return sub
}

// RemoveListener unregisters a subscription.
func (l *Listener) RemoveListener(sub *Subscription) {
	if sub == nil {
		return
	}
	l.mu.Lock()
	regs := l.regs[sub.channel]
	for i, s := range regs {
		if s == sub {
			l.regs[sub.channel] = append(regs[:i], regs[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
}

// Run connects and dispatches notifications until ctx is cancelled, the
// reconnect budget is exhausted, or Shutdown is called. Reconnects use
// exponential backoff; a successful connect resets the attempt counter.
func (l *Listener) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
	defer cancel()

	for {
		err := l.connectAndListen(ctx)
		l.setConnected(false)
		if ctx.Err() != nil {
			return
		}
		l.mu.Lock()
		l.attempts++
		attempt := l.attempts
		l.mu.Unlock()
		metrics.ChangeFeedReconnects.Inc()
		if attempt > l.cfg.MaxAttempts {
			logger.Error("change feed gave up: max reconnect attempts reached",
				zap.Int("attempts", l.cfg.MaxAttempts), zap.Error(err))
			return
		}
		delay := Backoff(attempt, l.cfg.BaseDelay, l.cfg.MaxDelay)
		logger.Warn("change feed reconnecting",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", l.cfg.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (l *Listener) connectAndListen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.cfg.URL)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(context.Background()) }()

	for _, ch := range l.cfg.Channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return err
		}
	}
	l.setConnected(true)
	l.mu.Lock()
	l.attempts = 0
	l.mu.Unlock()
	logger.Info("change feed connected", zap.Strings("channels", l.cfg.Channels))

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.dispatch(n.Channel, n.Payload)
	}
}

// dispatch decodes the payload and invokes the channel's listeners, then the
// wildcard listeners, each isolated so one failing callback cannot starve
// its siblings or crash the loop.
func (l *Listener) dispatch(channel, payload string) {
	metrics.ChangeFeedNotifications.WithLabelValues(channel).Inc()
	var data map[string]any
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		logger.Warn("change feed payload malformed",
			zap.String("channel", channel), zap.Error(err))
		return
	}
	l.mu.Lock()
	subs := make([]*Subscription, 0, len(l.regs[channel])+len(l.regs[Wildcard]))
	subs = append(subs, l.regs[channel]...)
	subs = append(subs, l.regs[Wildcard]...)
	l.mu.Unlock()
	for _, sub := range subs {
		l.invoke(sub, channel, data)
	}
}

func (l *Listener) invoke(sub *Subscription, channel string, data map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("change feed listener panicked",
				zap.String("channel", channel), zap.Any("panic", r))
		}
	}()
	sub.fn(channel, data)
}

// Shutdown tears the listener down: the connection closes, the run loop
// exits, and all registrations are cleared. Safe mid-reconnect.
func (l *Listener) Shutdown() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.regs = map[string][]*Subscription{}
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Connected reports whether the notification connection is live.
func (l *Listener) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *Listener) setConnected(v bool) {
	l.mu.Lock()
	l.connected = v
	l.mu.Unlock()
}

// Backoff returns the delay before reconnect attempt n (1-based):
// base * 2^(n-1), capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 31 {
		attempt = 31
	}
	d := base << (attempt - 1)
	if d > max || d <= 0 {
		return max
	}
	return d
}
