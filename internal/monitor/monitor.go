package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"whispey/credits/pkg/logging"
	"whispey/credits/pkg/models"
)

// Notifier fans an alert event out to configured webhooks
type Notifier interface {
	SendNotification(ctx context.Context, event models.NotificationEvent) error
}

// MonitoringResult summarizes one sweep over workspace balances
type MonitoringResult struct {
	TotalWorkspacesChecked int                  `json:"total_workspaces_checked"`
	AlertsGenerated        int                  `json:"alerts_generated"`
	SuspensionsTriggered   int                  `json:"suspensions_triggered"`
	Alerts                 []models.CreditAlert `json:"alerts"`
	SuspendedWorkspaces    []string             `json:"suspended_workspaces"`
	WorkspaceErrors        []string             `json:"workspace_errors,omitempty"`
}

// workspaceCredit is one row of the sweep query
type workspaceCredit struct {
	WorkspaceID           string
	WorkspaceName         string
	CreditID              string
	CurrentBalance        float64
	Currency              string
	LowBalanceThreshold   float64
	CreditLimit           float64
	AutoRechargeEnabled   bool
	AutoRechargeThreshold float64
	AutoRechargeAmount    float64
	IsSuspended           bool
}

// action is the outcome classify assigns to a workspace balance
type action int

const (
	actionNone action = iota
	actionSkipSuspended
	actionSuspend
	actionAutoRecharge
	actionCriticalAlert
	actionLowAlert
)

// Balance at or below this always produces a critical alert regardless of
// the workspace's own threshold.
// TODO: move to settings_global once the admin UI exposes it.
const criticalBalanceFloor = 5.00

// classify decides what a sweep does with one workspace. Checks apply in
// strict order: suspended workspaces are skipped, negative balances suspend,
// eligible balances auto-recharge, then critical beats low. At most one
// action per workspace per sweep.
func classify(ws workspaceCredit) action {
	if ws.IsSuspended {
		return actionSkipSuspended
	}
	if ws.CurrentBalance < 0 {
		return actionSuspend
	}
	if ws.AutoRechargeEnabled && ws.CurrentBalance <= ws.AutoRechargeThreshold {
		return actionAutoRecharge
	}
	if ws.CurrentBalance <= criticalBalanceFloor {
		return actionCriticalAlert
	}
	if ws.CurrentBalance <= ws.LowBalanceThreshold {
		return actionLowAlert
	}
	return actionNone
}

// Monitor runs balance sweeps over workspaces and manages the alert
// lifecycle. Webhook notifications for generated alerts are dispatched
// asynchronously through a bounded queue so a slow endpoint never stalls
// a sweep.
type Monitor struct {
	db       *sql.DB
	notifier Notifier
	logger   logging.Logger

	dispatch chan models.NotificationEvent
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// notification queue depth; events beyond this are dropped with a log line
const dispatchQueueSize = 256

// NewMonitor creates a credit monitor. The notifier may be nil, in which
// case alerts are recorded but not fanned out.
func NewMonitor(db *sql.DB, notifier Notifier, logger logging.Logger) *Monitor {
	m := &Monitor{
		db:       db,
		notifier: notifier,
		logger:   logger,
		dispatch: make(chan models.NotificationEvent, dispatchQueueSize),
	}

	m.wg.Add(1)
	go m.dispatchLoop()

	return m
}

// Close drains the notification queue and stops the dispatch worker
func (m *Monitor) Close() {
	m.stopOnce.Do(func() {
		close(m.dispatch)
	})
	m.wg.Wait()
}

func (m *Monitor) dispatchLoop() {
	defer m.wg.Done()
	for event := range m.dispatch {
		if m.notifier == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		if err := m.notifier.SendNotification(ctx, event); err != nil {
			m.logger.WithError(err).WithFields(logging.Fields{
				"workspace_id": event.WorkspaceID,
				"event_type":   event.EventType,
			}).Error("Failed to send webhook notification")
		}
		cancel()
	}
}

const sweepColumns = `
	p.id as workspace_id,
	p.project_name,
	uc.id as credit_id,
	uc.current_balance,
	uc.currency,
	uc.low_balance_threshold,
	uc.credit_limit,
	uc.auto_recharge_enabled,
	uc.auto_recharge_threshold,
	uc.auto_recharge_amount,
	uc.is_suspended`

// MonitorAllWorkspaces sweeps every workspace with active credits,
// lowest balance first
func (m *Monitor) MonitorAllWorkspaces(ctx context.Context) (*MonitoringResult, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+sweepColumns+`
		FROM pype_voice_projects p
		INNER JOIN user_credits uc ON uc.workspace_id = p.id
		WHERE uc.is_active = true
		ORDER BY uc.current_balance ASC
	`)
	if err != nil {
		m.logger.WithError(err).Error("Failed to query workspaces for monitoring")
		return nil, fmt.Errorf("failed to query workspaces: %w", err)
	}

	workspaces, err := scanWorkspaces(rows)
	if err != nil {
		return nil, err
	}

	return m.processWorkspaceMonitoring(ctx, workspaces, true), nil
}

// MonitorSpecificWorkspaces sweeps only the given workspaces. Auto actions
// (suspension, recharge) can be disabled for dry runs.
func (m *Monitor) MonitorSpecificWorkspaces(ctx context.Context, workspaceIDs []string, enableAutoActions bool) (*MonitoringResult, error) {
	if len(workspaceIDs) == 0 {
		return &MonitoringResult{}, nil
	}

	placeholders := make([]string, len(workspaceIDs))
	args := make([]interface{}, len(workspaceIDs))
	for i, id := range workspaceIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT `+sweepColumns+`
		FROM pype_voice_projects p
		INNER JOIN user_credits uc ON uc.workspace_id = p.id
		WHERE uc.is_active = true AND p.id IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY uc.current_balance ASC
	`, args...)
	if err != nil {
		m.logger.WithError(err).Error("Failed to query workspaces for monitoring")
		return nil, fmt.Errorf("failed to query workspaces: %w", err)
	}

	workspaces, err := scanWorkspaces(rows)
	if err != nil {
		return nil, err
	}

	return m.processWorkspaceMonitoring(ctx, workspaces, enableAutoActions), nil
}

func scanWorkspaces(rows *sql.Rows) ([]workspaceCredit, error) {
	defer rows.Close()

	var workspaces []workspaceCredit
	for rows.Next() {
		var ws workspaceCredit
		if err := rows.Scan(&ws.WorkspaceID, &ws.WorkspaceName, &ws.CreditID, &ws.CurrentBalance,
			&ws.Currency, &ws.LowBalanceThreshold, &ws.CreditLimit, &ws.AutoRechargeEnabled,
			&ws.AutoRechargeThreshold, &ws.AutoRechargeAmount, &ws.IsSuspended); err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		workspaces = append(workspaces, ws)
	}

	return workspaces, rows.Err()
}

// processWorkspaceMonitoring applies the sweep classification to each
// workspace. A failure on one workspace is recorded and never aborts the
// rest of the sweep.
func (m *Monitor) processWorkspaceMonitoring(ctx context.Context, workspaces []workspaceCredit, enableAutoActions bool) *MonitoringResult {
	result := &MonitoringResult{
		TotalWorkspacesChecked: len(workspaces),
		Alerts:                 []models.CreditAlert{},
		SuspendedWorkspaces:    []string{},
	}

	for _, ws := range workspaces {
		if err := m.processWorkspace(ctx, ws, enableAutoActions, result); err != nil {
			m.logger.WithError(err).WithField("workspace_id", ws.WorkspaceID).Error("Workspace monitoring failed")
			result.WorkspaceErrors = append(result.WorkspaceErrors, fmt.Sprintf("%s: %v", ws.WorkspaceID, err))
		}
	}

	return result
}

func (m *Monitor) processWorkspace(ctx context.Context, ws workspaceCredit, enableAutoActions bool, result *MonitoringResult) error {
	switch classify(ws) {
	case actionSkipSuspended, actionNone:
		return nil

	case actionSuspend:
		if enableAutoActions {
			if err := m.triggerAutoSuspension(ctx, ws.WorkspaceID, ws.CurrentBalance, ws.Currency); err != nil {
				return err
			}
			result.SuspensionsTriggered++
			result.SuspendedWorkspaces = append(result.SuspendedWorkspaces, ws.WorkspaceID)
		}

		alert, err := m.generateAlert(ctx, ws, models.AlertAutoSuspension, 0,
			fmt.Sprintf("Workspace %s suspended due to negative balance: %.2f %s", ws.WorkspaceName, ws.CurrentBalance, ws.Currency),
			models.SeverityEmergency)
		if err != nil {
			return err
		}
		result.Alerts = append(result.Alerts, *alert)
		result.AlertsGenerated++
		return nil

	case actionAutoRecharge:
		if !enableAutoActions {
			// Dry run: report the balance the recharge would have fixed
			return m.alertOnBalance(ctx, ws, result)
		}
		newBalance, err := m.processAutoRecharge(ctx, ws.WorkspaceID, ws.AutoRechargeAmount)
		if err != nil {
			// A failed recharge falls through to the balance alerts below
			m.logger.WithError(err).WithField("workspace_id", ws.WorkspaceID).Error("Auto-recharge failed")
			return m.alertOnBalance(ctx, ws, result)
		}

		alert, err := m.generateAlert(ctx, ws, models.AlertLowBalance, ws.AutoRechargeThreshold,
			fmt.Sprintf("Auto-recharge triggered: +%.2f %s. New balance: %.2f", ws.AutoRechargeAmount, ws.Currency, newBalance),
			models.SeverityInfo)
		if err != nil {
			return err
		}
		result.Alerts = append(result.Alerts, *alert)
		result.AlertsGenerated++
		return nil

	default:
		return m.alertOnBalance(ctx, ws, result)
	}
}

// alertOnBalance records the critical or low balance alert for a workspace
func (m *Monitor) alertOnBalance(ctx context.Context, ws workspaceCredit, result *MonitoringResult) error {
	var alert *models.CreditAlert
	var err error

	switch {
	case ws.CurrentBalance <= criticalBalanceFloor:
		alert, err = m.generateAlert(ctx, ws, models.AlertCriticalBalance, criticalBalanceFloor,
			fmt.Sprintf("Critical balance warning for %s: %.2f %s remaining", ws.WorkspaceName, ws.CurrentBalance, ws.Currency),
			models.SeverityCritical)
	case ws.CurrentBalance <= ws.LowBalanceThreshold:
		alert, err = m.generateAlert(ctx, ws, models.AlertLowBalance, ws.LowBalanceThreshold,
			fmt.Sprintf("Low balance alert for %s: %.2f %s (threshold: %.2f)", ws.WorkspaceName, ws.CurrentBalance, ws.Currency, ws.LowBalanceThreshold),
			models.SeverityWarning)
	default:
		return nil
	}

	if err != nil {
		return err
	}
	result.Alerts = append(result.Alerts, *alert)
	result.AlertsGenerated++
	return nil
}

// generateAlert persists an alert row and queues its webhook notification.
// The insert is the source of truth; notification delivery is best effort.
func (m *Monitor) generateAlert(ctx context.Context, ws workspaceCredit, alertType string, threshold float64, message string, severity models.Severity) (*models.CreditAlert, error) {
	row := m.db.QueryRowContext(ctx, `
		INSERT INTO credit_alerts (
			workspace_id, alert_type, current_balance, threshold,
			currency, alert_message, severity, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING id, workspace_id, alert_type, current_balance, threshold, currency,
		          alert_message, severity, is_resolved, is_read, is_dismissed,
		          created_at, resolved_at, resolved_by, read_at, dismissed_at
	`, ws.WorkspaceID, alertType, ws.CurrentBalance, threshold, ws.Currency, message, severity)

	var alert models.CreditAlert
	err := row.Scan(&alert.ID, &alert.WorkspaceID, &alert.AlertType, &alert.CurrentBalance,
		&alert.Threshold, &alert.Currency, &alert.AlertMessage, &alert.Severity,
		&alert.IsResolved, &alert.IsRead, &alert.IsDismissed,
		&alert.CreatedAt, &alert.ResolvedAt, &alert.ResolvedBy, &alert.ReadAt, &alert.DismissedAt)
	if err != nil {
		m.logger.WithError(err).WithField("workspace_id", ws.WorkspaceID).Error("Failed to record credit alert")
		return nil, fmt.Errorf("failed to record credit alert: %w", err)
	}

	m.queueNotification(alert, ws.WorkspaceName)

	return &alert, nil
}

// queueNotification hands the alert to the dispatch worker without blocking.
// A full queue drops the event; the alert row itself is already persisted.
func (m *Monitor) queueNotification(alert models.CreditAlert, workspaceName string) {
	if m.notifier == nil {
		return
	}

	event := models.NotificationEvent{
		EventType:      mapAlertTypeToEventType(alert.AlertType),
		WorkspaceID:    alert.WorkspaceID,
		WorkspaceName:  workspaceName,
		CurrentBalance: alert.CurrentBalance,
		Currency:       alert.Currency,
		Threshold:      alert.Threshold,
		AlertMessage:   alert.AlertMessage,
		Severity:       alert.Severity,
		Timestamp:      alert.CreatedAt.UTC().Format(time.RFC3339),
		Metadata: models.JSONB{
			"alert_id":   alert.ID,
			"alert_type": alert.AlertType,
		},
	}

	select {
	case m.dispatch <- event:
	default:
		m.logger.WithFields(logging.Fields{
			"workspace_id": alert.WorkspaceID,
			"event_type":   event.EventType,
		}).Warn("Notification queue full, dropping event")
	}
}

// mapAlertTypeToEventType maps stored alert types onto the webhook event
// vocabulary. Negative balance alerts surface as critical_balance events.
func mapAlertTypeToEventType(alertType string) string {
	switch alertType {
	case models.AlertAutoSuspension:
		return "auto_suspension"
	case models.AlertCriticalBalance, models.AlertNegativeBalance:
		return "critical_balance"
	case models.AlertLowBalance:
		return "low_balance"
	default:
		return "low_balance"
	}
}

// triggerAutoSuspension flags the workspace, disables its agents and
// knowledge bases, and records the audit transaction. All four writes
// commit or roll back together.
func (m *Monitor) triggerAutoSuspension(ctx context.Context, workspaceID string, currentBalance float64, currency string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin suspension transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE user_credits
		SET is_suspended = true,
		    suspension_reason = 'Automatic suspension due to negative balance',
		    suspended_at = NOW(),
		    updated_at = NOW()
		WHERE workspace_id = $1 AND is_active = true
	`, workspaceID); err != nil {
		return fmt.Errorf("failed to suspend workspace credits: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE pype_voice_agents
		SET is_active = false,
		    updated_at = NOW()
		WHERE project_id = $1 AND is_active = true
	`, workspaceID); err != nil {
		return fmt.Errorf("failed to disable agents: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE pype_voice_knowledge_bases
		SET is_active = false,
		    updated_at = NOW()
		WHERE workspace_id = $1 AND is_active = true
	`, workspaceID); err != nil {
		return fmt.Errorf("failed to disable knowledge bases: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (
			workspace_id, user_id, credits_id, transaction_type, amount,
			previous_balance, new_balance, description, status, created_at
		)
		SELECT
			$1, NULL, uc.id, 'suspension', 0,
			uc.current_balance, uc.current_balance,
			$2, 'completed', NOW()
		FROM user_credits uc
		WHERE uc.workspace_id = $1 AND uc.is_active = true
	`, workspaceID, fmt.Sprintf("Auto-suspension: negative balance %.2f %s", currentBalance, currency)); err != nil {
		return fmt.Errorf("failed to record suspension transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit suspension: %w", err)
	}

	m.logger.WithFields(logging.Fields{
		"workspace_id": workspaceID,
		"balance":      currentBalance,
	}).Warn("Workspace auto-suspended for negative balance")

	return nil
}

// processAutoRecharge tops up the workspace balance and records the recharge
// transaction atomically, returning the new balance
func (m *Monitor) processAutoRecharge(ctx context.Context, workspaceID string, amount float64) (float64, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin recharge transaction: %w", err)
	}
	defer tx.Rollback()

	var newBalance float64
	err = tx.QueryRowContext(ctx, `
		UPDATE user_credits
		SET current_balance = current_balance + $2,
		    updated_at = NOW()
		WHERE workspace_id = $1 AND is_active = true
		RETURNING current_balance
	`, workspaceID, amount).Scan(&newBalance)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("workspace credits not found")
	}
	if err != nil {
		return 0, fmt.Errorf("failed to apply auto-recharge: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (
			workspace_id, user_id, credits_id, transaction_type, amount,
			previous_balance, new_balance, description, status, created_at
		)
		SELECT
			$1, NULL, uc.id, 'recharge', $2,
			uc.current_balance - $2, uc.current_balance,
			'Auto-recharge triggered', 'completed', NOW()
		FROM user_credits uc
		WHERE uc.workspace_id = $1 AND uc.is_active = true
	`, workspaceID, amount); err != nil {
		return 0, fmt.Errorf("failed to record recharge transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit recharge: %w", err)
	}

	m.logger.WithFields(logging.Fields{
		"workspace_id": workspaceID,
		"amount":       amount,
		"new_balance":  newBalance,
	}).Info("Auto-recharge applied")

	return newBalance, nil
}

// GetWorkspaceAlerts returns recent alerts for one workspace, newest first
func (m *Monitor) GetWorkspaceAlerts(ctx context.Context, workspaceID string, includeResolved bool) ([]models.CreditAlert, error) {
	query := `
		SELECT id, workspace_id, alert_type, current_balance, threshold, currency,
		       alert_message, severity, is_resolved, is_read, is_dismissed,
		       created_at, resolved_at, resolved_by, read_at, dismissed_at
		FROM credit_alerts
		WHERE workspace_id = $1`
	if !includeResolved {
		query += " AND is_resolved = false"
	}
	query += " ORDER BY created_at DESC LIMIT 50"

	rows, err := m.db.QueryContext(ctx, query, workspaceID)
	if err != nil {
		m.logger.WithError(err).WithField("workspace_id", workspaceID).Error("Failed to fetch workspace alerts")
		return nil, fmt.Errorf("failed to fetch workspace alerts: %w", err)
	}

	return scanAlerts(rows)
}

// GetAllActiveAlerts returns unresolved alerts across all workspaces,
// most severe first
func (m *Monitor) GetAllActiveAlerts(ctx context.Context) ([]models.CreditAlert, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT ca.id, ca.workspace_id, ca.alert_type, ca.current_balance, ca.threshold,
		       ca.currency, ca.alert_message, ca.severity, ca.is_resolved, ca.is_read,
		       ca.is_dismissed, ca.created_at, ca.resolved_at, ca.resolved_by,
		       ca.read_at, ca.dismissed_at
		FROM credit_alerts ca
		INNER JOIN pype_voice_projects p ON p.id = ca.workspace_id
		WHERE ca.is_resolved = false AND ca.is_dismissed = false
		ORDER BY CASE ca.severity
			WHEN 'emergency' THEN 3
			WHEN 'critical' THEN 2
			WHEN 'warning' THEN 1
			ELSE 0
		END DESC, ca.created_at DESC
		LIMIT 100
	`)
	if err != nil {
		m.logger.WithError(err).Error("Failed to fetch active alerts")
		return nil, fmt.Errorf("failed to fetch active alerts: %w", err)
	}

	return scanAlerts(rows)
}

func scanAlerts(rows *sql.Rows) ([]models.CreditAlert, error) {
	defer rows.Close()

	var alerts []models.CreditAlert
	for rows.Next() {
		var a models.CreditAlert
		if err := rows.Scan(&a.ID, &a.WorkspaceID, &a.AlertType, &a.CurrentBalance, &a.Threshold,
			&a.Currency, &a.AlertMessage, &a.Severity, &a.IsResolved, &a.IsRead, &a.IsDismissed,
			&a.CreatedAt, &a.ResolvedAt, &a.ResolvedBy, &a.ReadAt, &a.DismissedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}

	return alerts, rows.Err()
}

// ResolveAlert marks an unresolved alert resolved. Returns false when the
// alert does not exist or was already resolved.
func (m *Monitor) ResolveAlert(ctx context.Context, alertID, resolvedBy string) (bool, error) {
	res, err := m.db.ExecContext(ctx, `
		UPDATE credit_alerts
		SET is_resolved = true,
		    resolved_at = NOW(),
		    resolved_by = $2
		WHERE id = $1 AND is_resolved = false
	`, alertID, nullString(resolvedBy))
	if err != nil {
		m.logger.WithError(err).WithField("alert_id", alertID).Error("Failed to resolve alert")
		return false, fmt.Errorf("failed to resolve alert: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// CleanupOldAlerts deletes resolved alerts older than the retention window
// and returns the number removed
func (m *Monitor) CleanupOldAlerts(ctx context.Context, daysOld int) (int64, error) {
	if daysOld <= 0 {
		daysOld = 30
	}

	res, err := m.db.ExecContext(ctx, `
		DELETE FROM credit_alerts
		WHERE is_resolved = true
		AND resolved_at < NOW() - ($1 * INTERVAL '1 day')
	`, daysOld)
	if err != nil {
		m.logger.WithError(err).Error("Failed to clean up old alerts")
		return 0, fmt.Errorf("failed to clean up old alerts: %w", err)
	}

	return res.RowsAffected()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
