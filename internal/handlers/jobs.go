package handlers

import (
	"context"
	"time"

	"whispey/credits/internal/monitor"
	"whispey/credits/internal/storage"
	"whispey/credits/pkg/config"
	"whispey/credits/pkg/logging"
)

// JobManager handles background credit monitoring jobs
type JobManager struct {
	logger  logging.Logger
	monitor *monitor.Monitor
	storage *storage.Manager
	metrics *TreasurerMetrics

	sweepInterval    time.Duration
	alertRetention   int
	storageRetention int

	stopCh chan struct{}
}

// NewJobManager creates a new job manager. The storage manager may be nil,
// in which case the storage retention job is skipped.
func NewJobManager(log logging.Logger, mon *monitor.Monitor, store *storage.Manager, m *TreasurerMetrics) *JobManager {
	return &JobManager{
		logger:           log,
		monitor:          mon,
		storage:          store,
		metrics:          m,
		sweepInterval:    time.Duration(config.GetEnvInt("CREDIT_SWEEP_INTERVAL_MINUTES", 15)) * time.Minute,
		alertRetention:   config.GetEnvInt("ALERT_RETENTION_DAYS", 30),
		storageRetention: config.GetEnvInt("STORAGE_RETENTION_DAYS", 90),
		stopCh:           make(chan struct{}),
	}
}

// Start begins all background jobs
func (jm *JobManager) Start(ctx context.Context) {
	jm.logger.Info("Starting credit job manager")

	// Start periodic balance sweep
	go jm.runCreditSweep(ctx)

	// Start daily alert cleanup
	go jm.runAlertCleanup(ctx)

	// Start storage retention job
	if jm.storage != nil {
		go jm.runStorageRetention(ctx)
	}
}

// Stop stops all background jobs
func (jm *JobManager) Stop() {
	jm.logger.Info("Stopping credit job manager")
	close(jm.stopCh)
}

// runCreditSweep monitors all workspace balances on a fixed interval
func (jm *JobManager) runCreditSweep(ctx context.Context) {
	ticker := time.NewTicker(jm.sweepInterval)
	defer ticker.Stop()

	jm.logger.WithField("interval", jm.sweepInterval).Info("Starting credit sweep job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.sweepBalances(ctx)
		}
	}
}

func (jm *JobManager) sweepBalances(ctx context.Context) {
	result, err := jm.monitor.MonitorAllWorkspaces(ctx)
	if err != nil {
		jm.metrics.SweepRuns.WithLabelValues("scheduled", "error").Inc()
		jm.logger.WithError(err).Error("Credit sweep failed")
		return
	}

	jm.metrics.SweepRuns.WithLabelValues("scheduled", "success").Inc()
	jm.metrics.AlertsGenerated.WithLabelValues("sweep").Add(float64(result.AlertsGenerated))

	if result.AlertsGenerated > 0 || result.SuspensionsTriggered > 0 || len(result.WorkspaceErrors) > 0 {
		jm.logger.WithFields(logging.Fields{
			"workspaces_checked":    result.TotalWorkspacesChecked,
			"alerts_generated":      result.AlertsGenerated,
			"suspensions_triggered": result.SuspensionsTriggered,
			"workspace_errors":      len(result.WorkspaceErrors),
		}).Info("Credit sweep completed")
	}
}

// runAlertCleanup purges old resolved alerts once a day
func (jm *JobManager) runAlertCleanup(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	jm.logger.Info("Starting alert cleanup job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			deleted, err := jm.monitor.CleanupOldAlerts(ctx, jm.alertRetention)
			if err != nil {
				jm.logger.WithError(err).Error("Alert cleanup failed")
				continue
			}
			if deleted > 0 {
				jm.logger.WithField("deleted", deleted).Info("Cleaned up old resolved alerts")
			}
		}
	}
}

// runStorageRetention removes expired objects from provisioned buckets daily
func (jm *JobManager) runStorageRetention(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	jm.logger.Info("Starting storage retention job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.enforceStorageRetention(ctx)
		}
	}
}

func (jm *JobManager) enforceStorageRetention(ctx context.Context) {
	stats, err := jm.storage.GetGlobalStorageStats(ctx)
	if err != nil {
		jm.logger.WithError(err).Error("Failed to enumerate buckets for retention")
		return
	}

	totalDeleted := 0
	for _, usage := range append(stats.AgentsUsage, stats.KBsUsage...) {
		deleted, err := jm.storage.DeleteOldObjects(ctx, usage.BucketName, jm.storageRetention)
		if err != nil {
			jm.logger.WithError(err).WithField("bucket", usage.BucketName).Error("Storage retention failed for bucket")
			continue
		}
		totalDeleted += deleted
	}

	if totalDeleted > 0 {
		jm.logger.WithFields(logging.Fields{
			"deleted":        totalDeleted,
			"retention_days": jm.storageRetention,
		}).Info("Storage retention completed")
	}
}
