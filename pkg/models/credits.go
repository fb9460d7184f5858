package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// JSONB provides scanning support for PostgreSQL jsonb columns
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// Severity is the ordered alert severity scale shared by the monitor and
// the webhook notifier. Comparisons must go through Level so the ordering
// lives in exactly one place.
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// Level returns the numeric rank of a severity (info < warning < critical < emergency).
// Unknown values rank as info.
func (s Severity) Level() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	case SeverityEmergency:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether s ranks at or above threshold.
func (s Severity) AtLeast(threshold Severity) bool {
	return s.Level() >= threshold.Level()
}

// Transaction types recorded in the credit ledger
const (
	TransactionDeduction  = "deduction"
	TransactionRecharge   = "recharge"
	TransactionRefund     = "refund"
	TransactionAdjustment = "adjustment"
	TransactionSuspension = "suspension"
)

// Alert types emitted by the credit monitor
const (
	AlertLowBalance      = "low_balance"
	AlertCriticalBalance = "critical_balance"
	AlertNegativeBalance = "negative_balance"
	AlertAutoSuspension  = "auto_suspension"
)

// CreditBalance is the single active credit row for a workspace
type CreditBalance struct {
	ID                   string   `json:"id" db:"id"`
	WorkspaceID          string   `json:"workspace_id" db:"workspace_id"`
	UserID               string   `json:"user_id" db:"user_id"`
	CurrentBalance       float64  `json:"current_balance" db:"current_balance"`
	Currency             string   `json:"currency" db:"currency"`
	CreditLimit          float64  `json:"credit_limit" db:"credit_limit"`
	LowBalanceThreshold  float64  `json:"low_balance_threshold" db:"low_balance_threshold"`
	AutoRechargeEnabled  bool     `json:"auto_recharge_enabled" db:"auto_recharge_enabled"`
	AutoRechargeAmount   float64  `json:"auto_recharge_amount" db:"auto_recharge_amount"`
	AutoRechargeThreshold float64 `json:"auto_recharge_threshold" db:"auto_recharge_threshold"`
	IsActive             bool     `json:"is_active" db:"is_active"`
	IsSuspended          bool     `json:"is_suspended" db:"is_suspended"`
	SuspensionReason     *string  `json:"suspension_reason,omitempty" db:"suspension_reason"`
}

// CreditTransaction is one immutable row of the append-only transaction log.
// For every row new_balance == previous_balance + amount.
type CreditTransaction struct {
	ID              string    `json:"id" db:"id"`
	WorkspaceID     string    `json:"workspace_id" db:"workspace_id"`
	UserID          *string   `json:"user_id" db:"user_id"`
	CreditsID       string    `json:"credits_id" db:"credits_id"`
	TransactionType string    `json:"transaction_type" db:"transaction_type"`
	Amount          float64   `json:"amount" db:"amount"`
	PreviousBalance float64   `json:"previous_balance" db:"previous_balance"`
	NewBalance      float64   `json:"new_balance" db:"new_balance"`
	ServiceType     *string   `json:"service_type,omitempty" db:"service_type"`
	ServiceID       *string   `json:"service_id,omitempty" db:"service_id"`
	CallLogID       *string   `json:"call_log_id,omitempty" db:"call_log_id"`
	Description     string    `json:"description" db:"description"`
	Status          string    `json:"status" db:"status"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// CreditAlert is a detected threshold-crossing event. Resolved, read and
// dismissed are independent flags: resolving records that the condition was
// handled, reading and dismissing only affect how the alert is presented.
type CreditAlert struct {
	ID             string     `json:"id" db:"id"`
	WorkspaceID    string     `json:"workspace_id" db:"workspace_id"`
	AlertType      string     `json:"alert_type" db:"alert_type"`
	CurrentBalance float64    `json:"current_balance" db:"current_balance"`
	Threshold      float64    `json:"threshold" db:"threshold"`
	Currency       string     `json:"currency" db:"currency"`
	AlertMessage   string     `json:"alert_message" db:"alert_message"`
	Severity       Severity   `json:"severity" db:"severity"`
	IsResolved     bool       `json:"is_resolved" db:"is_resolved"`
	IsRead         bool       `json:"is_read" db:"is_read"`
	IsDismissed    bool       `json:"is_dismissed" db:"is_dismissed"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy     *string    `json:"resolved_by,omitempty" db:"resolved_by"`
	ReadAt         *time.Time `json:"read_at,omitempty" db:"read_at"`
	DismissedAt    *time.Time `json:"dismissed_at,omitempty" db:"dismissed_at"`
}

// WebhookConfig is a registered delivery target for credit alert events
type WebhookConfig struct {
	ID                string            `json:"id" db:"id"`
	WorkspaceID       *string           `json:"workspace_id,omitempty" db:"workspace_id"`
	IsGlobal          bool              `json:"is_global" db:"is_global"`
	WebhookURL        string            `json:"webhook_url" db:"webhook_url"`
	WebhookName       string            `json:"webhook_name" db:"webhook_name"`
	EventTypes        []string          `json:"event_types" db:"event_types"`
	BalanceThreshold  *float64          `json:"balance_threshold,omitempty" db:"balance_threshold"`
	SeverityThreshold *Severity         `json:"severity_threshold,omitempty" db:"severity_threshold"`
	HTTPMethod        string            `json:"http_method" db:"http_method"`
	Headers           map[string]string `json:"headers" db:"headers"`
	AuthType          string            `json:"auth_type" db:"auth_type"`
	AuthConfig        map[string]string `json:"auth_config" db:"auth_config"`
	TimeoutSeconds    int               `json:"timeout_seconds" db:"timeout_seconds"`
	MaxRetries        int               `json:"max_retries" db:"max_retries"`
	RetryDelaySeconds int               `json:"retry_delay_seconds" db:"retry_delay_seconds"`
	IsActive          bool              `json:"is_active" db:"is_active"`
}

// UsageMetrics is the sparse set of usage fields consumed by cost calculation.
// Zero-valued fields are treated as not-applicable by the ledger.
type UsageMetrics struct {
	// Agent metrics
	CallDurationMinutes float64 `json:"call_duration_minutes,omitempty"`
	STTDurationMinutes  float64 `json:"stt_duration_minutes,omitempty"`
	TokensUsed          int64   `json:"tokens_used,omitempty"`
	WordsGenerated      int64   `json:"words_generated,omitempty"`

	// Knowledge base metrics
	StorageGB       float64 `json:"storage_gb,omitempty"`
	SearchTokens    int64   `json:"search_tokens,omitempty"`
	EmbeddingTokens int64   `json:"embedding_tokens,omitempty"`

	// Workflow metrics
	Operations       int64   `json:"operations,omitempty"`
	ExecutionMinutes float64 `json:"execution_minutes,omitempty"`
	MCPCalls         int64   `json:"mcp_calls,omitempty"`
	InputTokens      int64   `json:"input_tokens,omitempty"`
	OutputTokens     int64   `json:"output_tokens,omitempty"`
}

// ServiceCosts is the itemized cost portion of a cost calculation result
type ServiceCosts struct {
	STTCost          float64 `json:"stt_cost,omitempty"`
	TTSCost          float64 `json:"tts_cost,omitempty"`
	LLMCost          float64 `json:"llm_cost,omitempty"`
	StorageCost      float64 `json:"storage_cost,omitempty"`
	SearchCost       float64 `json:"search_cost,omitempty"`
	EmbeddingCost    float64 `json:"embedding_cost,omitempty"`
	OperationCost    float64 `json:"operation_cost,omitempty"`
	ExecutionCost    float64 `json:"execution_cost,omitempty"`
	SubscriptionCost float64 `json:"subscription_cost,omitempty"`
	TotalCost        float64 `json:"total_cost"`
}

// CostCalculationResult is the per-invocation output of the unified cost function
type CostCalculationResult struct {
	ServiceType  string        `json:"service_type"`
	ServiceID    string        `json:"service_id"`
	Costs        ServiceCosts  `json:"costs"`
	Usage        *UsageMetrics `json:"usage,omitempty"`
	PlatformMode string        `json:"platform_mode,omitempty"`
	CalculatedAt string        `json:"calculated_at"`
}

// NotificationEvent is the alert event shape fanned out to webhooks
type NotificationEvent struct {
	EventType      string   `json:"event_type"`
	WorkspaceID    string   `json:"workspace_id"`
	WorkspaceName  string   `json:"workspace_name"`
	CurrentBalance float64  `json:"current_balance"`
	Currency       string   `json:"currency"`
	Threshold      float64  `json:"threshold,omitempty"`
	AlertMessage   string   `json:"alert_message"`
	Severity       Severity `json:"severity"`
	Timestamp      string   `json:"timestamp"`
	Metadata       JSONB    `json:"metadata,omitempty"`
}
