package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"whispey/credits/pkg/logging"
	"whispey/credits/pkg/models"
)

// DeductionRequest describes a single balance deduction
type DeductionRequest struct {
	WorkspaceID string  `json:"workspace_id"`
	Amount      float64 `json:"amount"`
	Description string  `json:"description"`
	ServiceType string  `json:"service_type,omitempty"`
	ServiceID   string  `json:"service_id,omitempty"`
	CallLogID   string  `json:"call_log_id,omitempty"`
}

// DeductionResult is the outcome reported by the deduction procedure.
// An insufficient balance is not an error: Success is false and the
// Error, CurrentBalance and RequiredAmount fields describe the shortfall.
type DeductionResult struct {
	Success         bool    `json:"success"`
	TransactionID   string  `json:"transaction_id,omitempty"`
	PreviousBalance float64 `json:"previous_balance,omitempty"`
	NewBalance      float64 `json:"new_balance,omitempty"`
	AmountDeducted  float64 `json:"amount_deducted,omitempty"`
	Error           string  `json:"error,omitempty"`
	CurrentBalance  float64 `json:"current_balance,omitempty"`
	RequiredAmount  float64 `json:"required_amount,omitempty"`
}

// RechargeRequest describes a balance top-up
type RechargeRequest struct {
	WorkspaceID string  `json:"workspace_id"`
	Amount      float64 `json:"amount"`
	Description string  `json:"description,omitempty"`
}

// RechargeResult is the outcome reported by the recharge procedure
type RechargeResult struct {
	Success         bool    `json:"success"`
	TransactionID   string  `json:"transaction_id,omitempty"`
	PreviousBalance float64 `json:"previous_balance,omitempty"`
	NewBalance      float64 `json:"new_balance,omitempty"`
	AmountAdded     float64 `json:"amount_added,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// Ledger is the atomic balance mutation boundary. All balance changes go
// through database procedures so concurrent writers serialize on the row
// inside the database, not in this process.
type Ledger interface {
	Deduct(ctx context.Context, req DeductionRequest) (*DeductionResult, error)
	Recharge(ctx context.Context, req RechargeRequest) (*RechargeResult, error)
	CalculateServiceCost(ctx context.Context, serviceType, serviceID string, usage *models.UsageMetrics, cycleStart, cycleEnd *time.Time) (*models.CostCalculationResult, error)
	Suspend(ctx context.Context, workspaceID, reason string) (models.JSONB, error)
	Unsuspend(ctx context.Context, workspaceID string) (models.JSONB, error)
}

// ProcedureLedger implements Ledger against the PostgreSQL procedures
type ProcedureLedger struct {
	db     *sql.DB
	logger logging.Logger
}

// NewProcedureLedger creates a ledger backed by database procedures
func NewProcedureLedger(db *sql.DB, logger logging.Logger) *ProcedureLedger {
	return &ProcedureLedger{db: db, logger: logger}
}

// Deduct atomically removes credits from a workspace balance
func (l *ProcedureLedger) Deduct(ctx context.Context, req DeductionRequest) (*DeductionResult, error) {
	var raw []byte
	err := l.db.QueryRowContext(ctx, `
		SELECT deduct_credits_from_workspace($1, $2, $3, $4, $5, $6) as result
	`, req.WorkspaceID, req.Amount, req.Description,
		nullString(req.ServiceType), nullString(req.ServiceID), nullString(req.CallLogID),
	).Scan(&raw)
	if err != nil {
		l.logger.WithError(err).WithField("workspace_id", req.WorkspaceID).Error("Failed to deduct credits")
		return nil, fmt.Errorf("failed to deduct credits: %w", err)
	}

	var result DeductionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode deduction result: %w", err)
	}
	return &result, nil
}

// Recharge atomically adds credits to a workspace balance
func (l *ProcedureLedger) Recharge(ctx context.Context, req RechargeRequest) (*RechargeResult, error) {
	description := req.Description
	if description == "" {
		description = "Credit recharge"
	}

	var raw []byte
	err := l.db.QueryRowContext(ctx, `
		SELECT recharge_credits_workspace($1, $2, $3) as result
	`, req.WorkspaceID, req.Amount, description).Scan(&raw)
	if err != nil {
		l.logger.WithError(err).WithField("workspace_id", req.WorkspaceID).Error("Failed to recharge credits")
		return nil, fmt.Errorf("failed to recharge credits: %w", err)
	}

	var result RechargeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode recharge result: %w", err)
	}
	return &result, nil
}

// CalculateServiceCost prices usage for an agent, knowledge base or workflow.
// Cycle dates are passed to the procedure as YYYY-MM-DD or NULL.
func (l *ProcedureLedger) CalculateServiceCost(ctx context.Context, serviceType, serviceID string, usage *models.UsageMetrics, cycleStart, cycleEnd *time.Time) (*models.CostCalculationResult, error) {
	var usageParam interface{}
	if usage != nil {
		encoded, err := json.Marshal(usage)
		if err != nil {
			return nil, fmt.Errorf("failed to encode usage metrics: %w", err)
		}
		usageParam = string(encoded)
	}

	var raw []byte
	err := l.db.QueryRowContext(ctx, `
		SELECT calculate_unified_service_cost($1, $2, $3, $4, $5) as result
	`, serviceType, serviceID, usageParam, dateParam(cycleStart), dateParam(cycleEnd)).Scan(&raw)
	if err != nil {
		l.logger.WithError(err).WithFields(logging.Fields{
			"service_type": serviceType,
			"service_id":   serviceID,
		}).Error("Failed to calculate service cost")
		return nil, fmt.Errorf("failed to calculate service cost: %w", err)
	}

	var result models.CostCalculationResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode cost result: %w", err)
	}
	return &result, nil
}

// Suspend disables all services for a workspace via the database procedure
func (l *ProcedureLedger) Suspend(ctx context.Context, workspaceID, reason string) (models.JSONB, error) {
	if reason == "" {
		reason = "Insufficient credits"
	}

	var raw []byte
	err := l.db.QueryRowContext(ctx, `
		SELECT suspend_workspace_services($1, $2) as result
	`, workspaceID, reason).Scan(&raw)
	if err != nil {
		l.logger.WithError(err).WithField("workspace_id", workspaceID).Error("Failed to suspend workspace services")
		return nil, fmt.Errorf("failed to suspend workspace services: %w", err)
	}

	var result models.JSONB
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode suspension result: %w", err)
	}
	return result, nil
}

// Unsuspend reactivates services for a workspace via the database procedure
func (l *ProcedureLedger) Unsuspend(ctx context.Context, workspaceID string) (models.JSONB, error) {
	var raw []byte
	err := l.db.QueryRowContext(ctx, `
		SELECT unsuspend_workspace_services($1) as result
	`, workspaceID).Scan(&raw)
	if err != nil {
		l.logger.WithError(err).WithField("workspace_id", workspaceID).Error("Failed to unsuspend workspace services")
		return nil, fmt.Errorf("failed to unsuspend workspace services: %w", err)
	}

	var result models.JSONB
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode unsuspension result: %w", err)
	}
	return result, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func dateParam(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format("2006-01-02")
}
