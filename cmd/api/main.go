package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"syncgate/internal/api"
	"syncgate/internal/auth"
	"syncgate/internal/bridge"
	"syncgate/internal/changefeed"
	"syncgate/internal/config"
	"syncgate/internal/event"
	"syncgate/internal/gateway"
	"syncgate/internal/logger"
	"syncgate/internal/metrics"
	"syncgate/internal/router"
)

func main() {
	cfgPath := os.Getenv("SYNCGATE_CONFIG")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("config load failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel)
	defer logger.Sync()
	metrics.RegisterDefault()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := gateway.NewRegistry()
	verifier := auth.NewVerifier(cfg.Auth.Mode, cfg.Auth.HMACSecret)
	gw := gateway.New(reg, verifier)
	rt := router.New(reg)
	gw.SetEmitter(rt)

	// The relay is created once and lives for the process lifetime; the
	// router forwards its allow-listed events to all clients.
	relay := event.NewRelay()
	rt.AttachRelay(relay)

	if cfg.RedisURL != "" {
		rb, err := router.NewRedisBroker(cfg.RedisURL)
		if err != nil {
			logger.Error("redis fanout unavailable", zap.Error(err))
		} else {
			rt.SetFanout(rb)
			go rb.Run(ctx, rt.DeliverRemote)
			defer func() { _ = rb.Close() }()
		}
	}

	var feed *changefeed.Listener
	if cfg.ChangeFeed.URL != "" {
		feed = changefeed.New(cfg.ChangeFeed)
		for _, ch := range cfg.ChangeFeed.Channels {
			feed.AddListener(ch, forwardNotification(rt))
		}
		go feed.Run(ctx)
	} else {
		logger.Warn("change feed disabled: no database url configured")
	}

	var br *bridge.Bridge
	if cfg.Broker.URL != "" {
		br = bridge.New(cfg.Broker, rt)
		if err := br.Start(); err != nil {
			// Start only errors for a required bridge.
			logger.Error("broker bridge failed to start", zap.Error(err))
			os.Exit(1)
		}
	}

	srv := api.NewServer(gw, rt, br, feed, cfg.Ingest)
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           logMiddleware(srv.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		if br != nil {
			br.Close()
		}
		if feed != nil {
			feed.Shutdown()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("api listening", zap.String("addr", cfg.ListenAddr))
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

// forwardNotification relays a database change notification to all clients.
// The payload names its own event when it can; the channel name is the
// fallback.
func forwardNotification(rt *router.Router) changefeed.ListenerFunc {
	return func(channel string, data map[string]any) {
		name, _ := data["event"].(string)
		if name == "" {
			name = channel
		}
		rt.BroadcastToAll(name, data)
	}
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("http request",
			zap.String("remote", r.RemoteAddr),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}
