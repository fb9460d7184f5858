package handlers

import (
	"github.com/prometheus/client_golang/prometheus"

	"whispey/credits/internal/ledger"
	"whispey/credits/internal/monitor"
	"whispey/credits/internal/notifier"
	"whispey/credits/internal/storage"
	"whispey/credits/pkg/logging"
)

var (
	logger         logging.Logger
	creditManager  *ledger.Manager
	creditMonitor  *monitor.Monitor
	webhookSender  *notifier.Notifier
	storageManager *storage.Manager
	metrics        *TreasurerMetrics
)

// TreasurerMetrics holds all Prometheus metrics for Treasurer
type TreasurerMetrics struct {
	CreditOperations  *prometheus.CounterVec
	SweepRuns         *prometheus.CounterVec
	AlertsGenerated   *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
	DBQueries         *prometheus.CounterVec
	DBDuration        *prometheus.HistogramVec
	DBConnections     *prometheus.GaugeVec
}

// Init initializes the handlers with logger, domain services and metrics.
// The storage manager may be nil when no S3 endpoint is configured.
func Init(log logging.Logger, treasurerMetrics *TreasurerMetrics,
	manager *ledger.Manager, mon *monitor.Monitor, sender *notifier.Notifier, store *storage.Manager) {
	logger = log
	metrics = treasurerMetrics
	creditManager = manager
	creditMonitor = mon
	webhookSender = sender
	storageManager = store
}
