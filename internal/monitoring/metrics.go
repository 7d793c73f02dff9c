package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Prometheus collectors for the chat server. Registered once at package
// init via promauto; handlers call the helper functions below.
var (
	connectionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatline_connections_current",
		Help: "Number of currently open client connections",
	})

	connectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatline_connections_total",
		Help: "Total number of accepted client connections",
	})

	connectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatline_connections_rejected_total",
		Help: "Connections rejected before dispatch",
	}, []string{"reason"}) // reason: rate_limit, capacity, shutdown

	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatline_commands_total",
		Help: "Protocol commands processed, by verb",
	}, []string{"verb"})

	messagesStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatline_messages_stored_total",
		Help: "Messages durably stored",
	})

	notificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatline_notifications_sent_total",
		Help: "Push notifications delivered, by kind",
	}, []string{"kind"})

	notificationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatline_notification_failures_total",
		Help: "Push notification writes that failed",
	})

	cpuPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatline_cpu_percent",
		Help: "Process host CPU usage percent",
	})

	memoryUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatline_memory_used_bytes",
		Help: "Resident memory of the server process in bytes",
	})
)

func ConnectionOpened() {
	connectionsTotal.Inc()
	connectionsCurrent.Inc()
}

func ConnectionClosed() {
	connectionsCurrent.Dec()
}

func ConnectionRejected(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
}

func CommandProcessed(verb string) {
	commandsTotal.WithLabelValues(verb).Inc()
}

func MessageStored() {
	messagesStored.Inc()
}

func NotificationSent(kind string) {
	notificationsSent.WithLabelValues(kind).Inc()
}

func NotificationFailed() {
	notificationFailures.Inc()
}

func setCPUPercent(v float64)     { cpuPercent.Set(v) }
func setMemoryUsedBytes(v uint64) { memoryUsedBytes.Set(float64(v)) }

// StartMetricsServer serves /metrics and /healthz on its own HTTP listener,
// separate from the chat protocol port. Runs until the process exits.
func StartMetricsServer(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
}
