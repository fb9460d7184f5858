package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"whispey/credits/pkg/logging"
	"whispey/credits/pkg/models"
)

// KBUsage is per-call knowledge base consumption
type KBUsage struct {
	KBID            string `json:"kb_id"`
	SearchTokens    int64  `json:"search_tokens"`
	EmbeddingTokens int64  `json:"embedding_tokens"`
}

// WorkflowUsage is per-call workflow consumption
type WorkflowUsage struct {
	WorkflowID       string  `json:"workflow_id"`
	Operations       int64   `json:"operations"`
	ExecutionMinutes float64 `json:"execution_minutes"`
}

// CallMetrics is the usage reported for a finished call
type CallMetrics struct {
	CallDurationMinutes float64        `json:"call_duration_minutes,omitempty"`
	STTDurationMinutes  float64        `json:"stt_duration_minutes,omitempty"`
	TokensUsed          int64          `json:"tokens_used,omitempty"`
	WordsGenerated      int64          `json:"words_generated,omitempty"`
	KBUsage             *KBUsage       `json:"kb_usage,omitempty"`
	WorkflowUsage       *WorkflowUsage `json:"workflow_usage,omitempty"`
}

// CallCostResult is the aggregate outcome of pricing and charging one call
type CallCostResult struct {
	Success         bool                           `json:"success"`
	TotalCost       float64                        `json:"total_cost"`
	CostBreakdown   map[string]models.ServiceCosts `json:"cost_breakdown"`
	DeductionResult *DeductionResult               `json:"deduction_result,omitempty"`
	Error           string                         `json:"error,omitempty"`
}

// SufficiencyCheck is an advisory balance check. It does not reserve funds;
// the deduction procedure remains the only authority on whether a charge lands.
type SufficiencyCheck struct {
	Sufficient     bool    `json:"sufficient"`
	CurrentBalance float64 `json:"current_balance"`
	RequiredAmount float64 `json:"required_amount"`
}

// Manager exposes credit balance operations for workspaces. Balance
// mutations delegate to the Ledger; reads go straight to the tables.
type Manager struct {
	db     *sql.DB
	ledger Ledger
	logger logging.Logger
}

// NewManager creates a credit manager
func NewManager(db *sql.DB, l Ledger, logger logging.Logger) *Manager {
	return &Manager{db: db, ledger: l, logger: logger}
}

// Ledger returns the underlying ledger for callers that need raw mutations
func (m *Manager) Ledger() Ledger {
	return m.ledger
}

// GetWorkspaceBalance returns the active credit record for a workspace,
// or nil when the workspace has no credits configured
func (m *Manager) GetWorkspaceBalance(ctx context.Context, workspaceID string) (*models.CreditBalance, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, user_id, current_balance, currency, credit_limit,
		       low_balance_threshold, auto_recharge_enabled, auto_recharge_amount,
		       auto_recharge_threshold, is_active, is_suspended, suspension_reason
		FROM user_credits
		WHERE workspace_id = $1
		AND is_active = true
		ORDER BY created_at
		LIMIT 1
	`, workspaceID)

	var b models.CreditBalance
	err := row.Scan(&b.ID, &b.WorkspaceID, &b.UserID, &b.CurrentBalance, &b.Currency,
		&b.CreditLimit, &b.LowBalanceThreshold, &b.AutoRechargeEnabled, &b.AutoRechargeAmount,
		&b.AutoRechargeThreshold, &b.IsActive, &b.IsSuspended, &b.SuspensionReason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		m.logger.WithError(err).WithField("workspace_id", workspaceID).Error("Failed to fetch workspace balance")
		return nil, fmt.Errorf("failed to fetch workspace balance: %w", err)
	}

	return &b, nil
}

// DeductCredits removes credits from a workspace through the ledger
func (m *Manager) DeductCredits(ctx context.Context, req DeductionRequest) (*DeductionResult, error) {
	return m.ledger.Deduct(ctx, req)
}

// RechargeCredits adds credits to a workspace through the ledger
func (m *Manager) RechargeCredits(ctx context.Context, req RechargeRequest) (*RechargeResult, error) {
	return m.ledger.Recharge(ctx, req)
}

// CalculateServiceCost prices usage for a single service
func (m *Manager) CalculateServiceCost(ctx context.Context, serviceType, serviceID string, usage *models.UsageMetrics) (*models.CostCalculationResult, error) {
	return m.ledger.CalculateServiceCost(ctx, serviceType, serviceID, usage, nil, nil)
}

// ProcessCallCosts prices a completed call across the agent and any knowledge
// base or workflow it touched, then charges the total as one deduction. When
// the deduction reports insufficient credits the workspace services are
// suspended. Failures are reported in the result rather than as an error so
// call ingestion never breaks on billing problems.
func (m *Manager) ProcessCallCosts(ctx context.Context, workspaceID, agentID, callID string, metrics CallMetrics) *CallCostResult {
	totalCost := 0.0
	breakdown := make(map[string]models.ServiceCosts)

	agentCost, err := m.ledger.CalculateServiceCost(ctx, "agent", agentID, &models.UsageMetrics{
		CallDurationMinutes: metrics.CallDurationMinutes,
		STTDurationMinutes:  metrics.STTDurationMinutes,
		TokensUsed:          metrics.TokensUsed,
		WordsGenerated:      metrics.WordsGenerated,
	}, nil, nil)
	if err != nil {
		m.logger.WithError(err).WithField("call_id", callID).Error("Failed to process call costs")
		return &CallCostResult{Success: false, CostBreakdown: breakdown, Error: err.Error()}
	}
	breakdown["agent"] = agentCost.Costs
	totalCost += agentCost.Costs.TotalCost

	if metrics.KBUsage != nil {
		kbCost, err := m.ledger.CalculateServiceCost(ctx, "knowledge_base", metrics.KBUsage.KBID, &models.UsageMetrics{
			SearchTokens:    metrics.KBUsage.SearchTokens,
			EmbeddingTokens: metrics.KBUsage.EmbeddingTokens,
		}, nil, nil)
		if err != nil {
			m.logger.WithError(err).WithField("call_id", callID).Error("Failed to process call costs")
			return &CallCostResult{Success: false, CostBreakdown: breakdown, Error: err.Error()}
		}
		breakdown["knowledge_base"] = kbCost.Costs
		totalCost += kbCost.Costs.TotalCost
	}

	if metrics.WorkflowUsage != nil {
		wfCost, err := m.ledger.CalculateServiceCost(ctx, "workflow", metrics.WorkflowUsage.WorkflowID, &models.UsageMetrics{
			Operations:       metrics.WorkflowUsage.Operations,
			ExecutionMinutes: metrics.WorkflowUsage.ExecutionMinutes,
		}, nil, nil)
		if err != nil {
			m.logger.WithError(err).WithField("call_id", callID).Error("Failed to process call costs")
			return &CallCostResult{Success: false, CostBreakdown: breakdown, Error: err.Error()}
		}
		breakdown["workflow"] = wfCost.Costs
		totalCost += wfCost.Costs.TotalCost
	}

	deduction, err := m.ledger.Deduct(ctx, DeductionRequest{
		WorkspaceID: workspaceID,
		Amount:      totalCost,
		Description: fmt.Sprintf("Call costs (ID: %s)", callID),
		ServiceType: "call",
		ServiceID:   agentID,
		CallLogID:   callID,
	})
	if err != nil {
		m.logger.WithError(err).WithField("call_id", callID).Error("Failed to process call costs")
		return &CallCostResult{Success: false, TotalCost: totalCost, CostBreakdown: breakdown, Error: err.Error()}
	}

	if !deduction.Success {
		if _, err := m.ledger.Suspend(ctx, workspaceID, "Insufficient credits"); err != nil {
			m.logger.WithError(err).WithField("workspace_id", workspaceID).Error("Failed to suspend workspace after rejected deduction")
		}
	}

	return &CallCostResult{
		Success:         deduction.Success,
		TotalCost:       totalCost,
		CostBreakdown:   breakdown,
		DeductionResult: deduction,
		Error:           deduction.Error,
	}
}

// SuspendWorkspaceServices disables all services for a workspace
func (m *Manager) SuspendWorkspaceServices(ctx context.Context, workspaceID, reason string) (models.JSONB, error) {
	return m.ledger.Suspend(ctx, workspaceID, reason)
}

// UnsuspendWorkspaceServices reactivates services for a workspace
func (m *Manager) UnsuspendWorkspaceServices(ctx context.Context, workspaceID string) (models.JSONB, error) {
	return m.ledger.Unsuspend(ctx, workspaceID)
}

// GetTransactionHistory returns ledger entries for a workspace, newest first.
// When transactionType is non-empty only entries of that type are returned.
func (m *Manager) GetTransactionHistory(ctx context.Context, workspaceID string, limit, offset int, transactionType string) ([]models.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, workspace_id, user_id, credits_id, transaction_type, amount,
		       previous_balance, new_balance, service_type, service_id, call_log_id,
		       description, status, created_at
		FROM credit_transactions
		WHERE workspace_id = $1`
	args := []interface{}{workspaceID}

	if transactionType != "" {
		query += fmt.Sprintf(" AND transaction_type = $%d", len(args)+1)
		args = append(args, transactionType)
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		m.logger.WithError(err).WithField("workspace_id", workspaceID).Error("Failed to fetch transaction history")
		return nil, fmt.Errorf("failed to fetch transaction history: %w", err)
	}
	defer rows.Close()

	var transactions []models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(&t.ID, &t.WorkspaceID, &t.UserID, &t.CreditsID, &t.TransactionType,
			&t.Amount, &t.PreviousBalance, &t.NewBalance, &t.ServiceType, &t.ServiceID,
			&t.CallLogID, &t.Description, &t.Status, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, t)
	}

	return transactions, rows.Err()
}

// CheckSufficientCredits reports whether a workspace balance covers an amount.
// A workspace with no credit record is never sufficient.
func (m *Manager) CheckSufficientCredits(ctx context.Context, workspaceID string, requiredAmount float64) (*SufficiencyCheck, error) {
	balance, err := m.GetWorkspaceBalance(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	if balance == nil {
		return &SufficiencyCheck{
			Sufficient:     false,
			CurrentBalance: 0,
			RequiredAmount: requiredAmount,
		}, nil
	}

	return &SufficiencyCheck{
		Sufficient:     balance.CurrentBalance >= requiredAmount,
		CurrentBalance: balance.CurrentBalance,
		RequiredAmount: requiredAmount,
	}, nil
}

// InitializeWorkspaceCredits creates the credit record for a new workspace
func (m *Manager) InitializeWorkspaceCredits(ctx context.Context, workspaceID, userID string, initialAmount float64) (*models.CreditBalance, error) {
	if initialAmount == 0 {
		initialAmount = 100
	}

	row := m.db.QueryRowContext(ctx, `
		INSERT INTO user_credits (workspace_id, user_id, current_balance, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING id, workspace_id, user_id, current_balance, currency, credit_limit,
		          low_balance_threshold, auto_recharge_enabled, auto_recharge_amount,
		          auto_recharge_threshold, is_active, is_suspended, suspension_reason
	`, workspaceID, userID, initialAmount, userID)

	var b models.CreditBalance
	err := row.Scan(&b.ID, &b.WorkspaceID, &b.UserID, &b.CurrentBalance, &b.Currency,
		&b.CreditLimit, &b.LowBalanceThreshold, &b.AutoRechargeEnabled, &b.AutoRechargeAmount,
		&b.AutoRechargeThreshold, &b.IsActive, &b.IsSuspended, &b.SuspensionReason)
	if err != nil {
		m.logger.WithError(err).WithField("workspace_id", workspaceID).Error("Failed to initialize workspace credits")
		return nil, fmt.Errorf("failed to initialize workspace credits: %w", err)
	}

	return &b, nil
}

// GetCreditAlerts returns recent alerts for a workspace
func (m *Manager) GetCreditAlerts(ctx context.Context, workspaceID string, unresolvedOnly bool) ([]models.CreditAlert, error) {
	query := `
		SELECT id, workspace_id, alert_type, current_balance, threshold, currency,
		       alert_message, severity, is_resolved, is_read, is_dismissed,
		       created_at, resolved_at, resolved_by, read_at, dismissed_at
		FROM credit_alerts
		WHERE workspace_id = $1`
	if unresolvedOnly {
		query += " AND is_resolved = false"
	}
	query += " ORDER BY created_at DESC LIMIT 100"

	rows, err := m.db.QueryContext(ctx, query, workspaceID)
	if err != nil {
		m.logger.WithError(err).WithField("workspace_id", workspaceID).Error("Failed to fetch credit alerts")
		return nil, fmt.Errorf("failed to fetch credit alerts: %w", err)
	}
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

// MarkAlertAsRead flags an alert as seen. Marking an already read alert is a
// no-op that still reports true; false means the alert does not exist.
func (m *Manager) MarkAlertAsRead(ctx context.Context, alertID string) (bool, error) {
	res, err := m.db.ExecContext(ctx, `
		UPDATE credit_alerts
		SET is_read = true,
		    read_at = COALESCE(read_at, NOW())
		WHERE id = $1
	`, alertID)
	if err != nil {
		m.logger.WithError(err).WithField("alert_id", alertID).Error("Failed to mark alert as read")
		return false, fmt.Errorf("failed to mark alert as read: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// DismissAlert hides an alert from alert feeds without resolving the
// underlying condition. False means the alert does not exist.
func (m *Manager) DismissAlert(ctx context.Context, alertID string) (bool, error) {
	res, err := m.db.ExecContext(ctx, `
		UPDATE credit_alerts
		SET is_dismissed = true,
		    dismissed_at = COALESCE(dismissed_at, NOW())
		WHERE id = $1
	`, alertID)
	if err != nil {
		m.logger.WithError(err).WithField("alert_id", alertID).Error("Failed to dismiss alert")
		return false, fmt.Errorf("failed to dismiss alert: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
