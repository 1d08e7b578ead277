// Package bridge maintains the connection to the external telemetry broker
// and translates its wire messages into canonical events.
package bridge

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"syncgate/internal/config"
	"syncgate/internal/logger"
	"syncgate/internal/metrics"
	"syncgate/internal/model"
)

// State of the broker connection. Wire messages are processed only in
// StateConnected.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
	StateDisabled     State = "disabled"
)

// Router is the one abstraction the bridge is allowed to emit through.
type Router interface {
	Emit(evt model.Event)
}

// Bridge subscribes to the configured topic set and pushes decoded events
// through the router. Transport-level reconnection belongs to the NATS
// client; the bridge only tracks state and the enable window.
type Bridge struct {
	cfg    config.Broker
	router Router

	mu    sync.Mutex
	state State
	nc    *nats.Conn
	subs  []*nats.Subscription
	timer *time.Timer

	// logGate caps connection error/close logging to once per window so a
	// flapping broker cannot flood the logs.
	logGate *rate.Limiter
}

func New(cfg config.Broker, rt Router) *Bridge {
	window := cfg.LogWindow
	if window <= 0 {
		window = 10 * time.Second
	}
	return &Bridge{
		cfg:     cfg,
		router:  rt,
		state:   StateDisconnected,
		logGate: rate.NewLimiter(rate.Every(window), 1),
	}
}

// Start opens the broker connection. With no URL configured the bridge is
// disabled outright; telemetry is optional and its absence must not block
// the rest of the system.
func (b *Bridge) Start() error {
	if strings.TrimSpace(b.cfg.URL) == "" {
		b.setState(StateDisabled)
		logger.Info("broker bridge disabled: no url configured")
		return nil
	}
	b.setState(StateConnecting)

	opts := []nats.Option{
		nats.Name(b.cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectJitter(100*time.Millisecond, time.Second),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(nc *nats.Conn) { b.onConnected(nc) }),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			metrics.BridgeReconnects.Inc()
			b.onConnected(nc)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.setState(StateError)
			b.logConnIssue("broker disconnected", err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if b.State() != StateDisabled {
				b.setState(StateDisconnected)
				b.logConnIssue("broker connection closed", nil)
			}
		}),
	}
	nc, err := nats.Connect(b.cfg.URL, opts...)
	if err != nil {
		if b.cfg.Required {
			return err
		}
		b.disable(err)
		return nil
	}
	b.mu.Lock()
	b.nc = nc
	b.mu.Unlock()

	// If connected is not reached within the window and the bridge is not
	// marked required, give up instead of retrying forever.
	if !b.cfg.Required {
		timeout := b.cfg.ConnectTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		b.mu.Lock()
		b.timer = time.AfterFunc(timeout, func() {
			if b.State() != StateConnected {
				b.disable(errors.New("not connected within enable window"))
			}
		})
		b.mu.Unlock()
	}
	return nil
}

func (b *Bridge) onConnected(nc *nats.Conn) {
	b.mu.Lock()
	b.state = StateConnected
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	needSubs := len(b.subs) == 0
	b.mu.Unlock()

	logger.Info("broker bridge connected", zap.String("url", nc.ConnectedUrl()))
	if !needSubs {
		// The NATS client re-establishes existing subscriptions itself.
		return
	}
	for _, topic := range b.cfg.Topics {
		subject := topicToSubject(topic)
		sub, err := nc.Subscribe(subject, b.handleMessage)
		if err != nil {
			logger.Error("broker subscribe failed",
				zap.String("topic", topic), zap.Error(err))
			continue
		}
		b.mu.Lock()
		b.subs = append(b.subs, sub)
		b.mu.Unlock()
		logger.Info("broker topic subscribed", zap.String("topic", topic), zap.String("subject", subject))
	}
}

func (b *Bridge) handleMessage(msg *nats.Msg) {
	if b.State() != StateConnected {
		return
	}
	evt, err := Translate(subjectToTopic(msg.Subject), msg.Data)
	if err != nil {
		if errors.Is(err, ErrNoEventName) {
			metrics.BridgeMessages.WithLabelValues("dropped").Inc()
			return
		}
		metrics.BridgeMessages.WithLabelValues("malformed").Inc()
		logger.Warn("broker message malformed",
			zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	b.router.Emit(evt)
	metrics.BridgeMessages.WithLabelValues("ok").Inc()
}

func (b *Bridge) disable(cause error) {
	b.mu.Lock()
	b.state = StateDisabled
	nc := b.nc
	b.nc = nil
	b.subs = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
	if nc != nil {
		nc.Close()
	}
	logger.Warn("broker bridge disabled", zap.Error(cause))
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// State returns the current connection state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) logConnIssue(msg string, err error) {
	if !b.logGate.Allow() {
		return
	}
	logger.Warn(msg, zap.Error(err))
}

// Close drains the connection and stops the bridge.
func (b *Bridge) Close() {
	b.mu.Lock()
	nc := b.nc
	b.nc = nil
	b.subs = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.state = StateDisconnected
	b.mu.Unlock()
	if nc != nil {
		_ = nc.Drain()
	}
}

// Topics are configured slash-form to match the inference table; broker
// subjects are dot-form. Wildcards map +→* and #→>.
func topicToSubject(topic string) string {
	s := strings.ReplaceAll(topic, "/", ".")
	s = strings.ReplaceAll(s, "+", "*")
	return strings.ReplaceAll(s, "#", ">")
}

func subjectToTopic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}
