package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()

	// ConnectedClients tracks live websocket connections
	ConnectedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "connected_clients", Help: "Currently connected websocket clients."},
	)
	// EventsDelivered counts per-client deliveries by room kind
	EventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "events_delivered_total", Help: "Events delivered to clients by room kind."},
		[]string{"room_kind"},
	)
	// SendDrops counts events dropped because a client's send buffer was full
	SendDrops = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "client_send_drops_total", Help: "Events dropped on full client send buffers."},
	)
	// BridgeMessages counts broker bridge messages by outcome
	BridgeMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bridge_messages_total", Help: "Broker bridge messages by outcome."},
		[]string{"outcome"},
	)
	// BridgeReconnects counts broker reconnect events
	BridgeReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "bridge_reconnects_total", Help: "Broker bridge reconnects."},
	)
	// ChangeFeedNotifications counts change-feed notifications by channel
	ChangeFeedNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "changefeed_notifications_total", Help: "Change-feed notifications by channel."},
		[]string{"channel"},
	)
	// ChangeFeedReconnects counts change-feed reconnect attempts
	ChangeFeedReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "changefeed_reconnects_total", Help: "Change-feed reconnect attempts."},
	)
	// IngestRequests counts HTTP ingest requests by status
	IngestRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ingest_requests_total", Help: "HTTP ingest requests by status."},
		[]string{"status"},
	)
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(ConnectedClients)
		Registry.MustRegister(EventsDelivered)
		Registry.MustRegister(SendDrops)
		Registry.MustRegister(BridgeMessages)
		Registry.MustRegister(BridgeReconnects)
		Registry.MustRegister(ChangeFeedNotifications)
		Registry.MustRegister(ChangeFeedReconnects)
		Registry.MustRegister(IngestRequests)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
