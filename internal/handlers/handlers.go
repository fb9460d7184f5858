package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"whispey/credits/internal/ledger"
	"whispey/credits/pkg/logging"
	"whispey/credits/pkg/models"
)

// GetBalance returns the credit balance for a workspace
func GetBalance(c *gin.Context) {
	workspaceID := c.Param("workspaceId")

	balance, err := creditManager.GetWorkspaceBalance(c.Request.Context(), workspaceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch balance"})
		return
	}
	if balance == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No credits configured for workspace"})
		return
	}

	c.JSON(http.StatusOK, balance)
}

// DeductCredits charges a workspace balance
func DeductCredits(c *gin.Context) {
	var req ledger.DeductionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.WorkspaceID == "" || req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workspace_id and a positive amount are required"})
		return
	}

	result, err := creditManager.DeductCredits(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to deduct credits"})
		return
	}

	metrics.CreditOperations.WithLabelValues("deduct", operationStatus(result.Success)).Inc()

	if !result.Success {
		// Insufficient balance is a payment problem, not a server error
		c.JSON(http.StatusPaymentRequired, result)
		return
	}

	c.JSON(http.StatusOK, result)
}

// RechargeCredits tops up a workspace balance
func RechargeCredits(c *gin.Context) {
	var req ledger.RechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.WorkspaceID == "" || req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workspace_id and a positive amount are required"})
		return
	}

	result, err := creditManager.RechargeCredits(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to recharge credits"})
		return
	}

	metrics.CreditOperations.WithLabelValues("recharge", operationStatus(result.Success)).Inc()
	c.JSON(http.StatusOK, result)
}

type costRequest struct {
	ServiceType string               `json:"service_type" binding:"required"`
	ServiceID   string               `json:"service_id" binding:"required"`
	Usage       *models.UsageMetrics `json:"usage"`
}

// CalculateServiceCost prices usage for one service without charging it
func CalculateServiceCost(c *gin.Context) {
	var req costRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "service_type and service_id are required"})
		return
	}

	result, err := creditManager.CalculateServiceCost(c.Request.Context(), req.ServiceType, req.ServiceID, req.Usage)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to calculate service cost"})
		return
	}

	c.JSON(http.StatusOK, result)
}

type callCostRequest struct {
	WorkspaceID string             `json:"workspace_id" binding:"required"`
	AgentID     string             `json:"agent_id" binding:"required"`
	CallID      string             `json:"call_id" binding:"required"`
	Metrics     ledger.CallMetrics `json:"metrics"`
}

// ProcessCallCosts prices and charges a completed call
func ProcessCallCosts(c *gin.Context) {
	var req callCostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workspace_id, agent_id and call_id are required"})
		return
	}

	result := creditManager.ProcessCallCosts(c.Request.Context(), req.WorkspaceID, req.AgentID, req.CallID, req.Metrics)
	metrics.CreditOperations.WithLabelValues("call_costs", operationStatus(result.Success)).Inc()

	// The caller always gets the cost breakdown, even when the charge failed
	c.JSON(http.StatusOK, result)
}

type suspendRequest struct {
	Reason string `json:"reason"`
}

// SuspendWorkspace disables all services for a workspace
func SuspendWorkspace(c *gin.Context) {
	workspaceID := c.Param("workspaceId")

	var req suspendRequest
	_ = c.ShouldBindJSON(&req)

	result, err := creditManager.SuspendWorkspaceServices(c.Request.Context(), workspaceID, req.Reason)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to suspend workspace"})
		return
	}

	metrics.CreditOperations.WithLabelValues("suspend", "success").Inc()
	c.JSON(http.StatusOK, result)
}

// UnsuspendWorkspace reactivates services for a workspace
func UnsuspendWorkspace(c *gin.Context) {
	workspaceID := c.Param("workspaceId")

	result, err := creditManager.UnsuspendWorkspaceServices(c.Request.Context(), workspaceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to unsuspend workspace"})
		return
	}

	metrics.CreditOperations.WithLabelValues("unsuspend", "success").Inc()
	c.JSON(http.StatusOK, result)
}

// GetTransactionHistory returns the ledger entries for a workspace
func GetTransactionHistory(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	transactionType := c.Query("type")

	transactions, err := creditManager.GetTransactionHistory(c.Request.Context(), workspaceID, limit, offset, transactionType)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch transaction history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transactions": transactions, "count": len(transactions)})
}

// CheckSufficientCredits reports whether a workspace can cover an amount
func CheckSufficientCredits(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	amount, err := strconv.ParseFloat(c.Query("amount"), 64)
	if err != nil || amount < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "A non-negative amount query parameter is required"})
		return
	}

	check, err := creditManager.CheckSufficientCredits(c.Request.Context(), workspaceID, amount)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check credits"})
		return
	}

	c.JSON(http.StatusOK, check)
}

type initializeRequest struct {
	WorkspaceID   string  `json:"workspace_id" binding:"required"`
	UserID        string  `json:"user_id" binding:"required"`
	InitialAmount float64 `json:"initial_amount"`
}

// InitializeCredits creates the credit record for a new workspace
func InitializeCredits(c *gin.Context) {
	var req initializeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workspace_id and user_id are required"})
		return
	}

	balance, err := creditManager.InitializeWorkspaceCredits(c.Request.Context(), req.WorkspaceID, req.UserID, req.InitialAmount)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to initialize credits"})
		return
	}

	c.JSON(http.StatusCreated, balance)
}

// RunSweep runs a full balance sweep across all workspaces
func RunSweep(c *gin.Context) {
	result, err := creditMonitor.MonitorAllWorkspaces(c.Request.Context())
	if err != nil {
		metrics.SweepRuns.WithLabelValues("manual", "error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Sweep failed"})
		return
	}

	metrics.SweepRuns.WithLabelValues("manual", "success").Inc()
	metrics.AlertsGenerated.WithLabelValues("sweep").Add(float64(result.AlertsGenerated))
	c.JSON(http.StatusOK, result)
}

type targetedSweepRequest struct {
	WorkspaceIDs      []string `json:"workspace_ids" binding:"required"`
	EnableAutoActions *bool    `json:"enable_auto_actions"`
}

// RunTargetedSweep sweeps only the requested workspaces
func RunTargetedSweep(c *gin.Context) {
	var req targetedSweepRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.WorkspaceIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workspace_ids is required"})
		return
	}

	enableAutoActions := true
	if req.EnableAutoActions != nil {
		enableAutoActions = *req.EnableAutoActions
	}

	result, err := creditMonitor.MonitorSpecificWorkspaces(c.Request.Context(), req.WorkspaceIDs, enableAutoActions)
	if err != nil {
		metrics.SweepRuns.WithLabelValues("targeted", "error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Sweep failed"})
		return
	}

	metrics.SweepRuns.WithLabelValues("targeted", "success").Inc()
	metrics.AlertsGenerated.WithLabelValues("sweep").Add(float64(result.AlertsGenerated))
	c.JSON(http.StatusOK, result)
}

// GetAllActiveAlerts returns unresolved alerts across all workspaces
func GetAllActiveAlerts(c *gin.Context) {
	alerts, err := creditMonitor.GetAllActiveAlerts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch alerts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// GetWorkspaceAlerts returns alerts for one workspace
func GetWorkspaceAlerts(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	includeResolved := c.Query("include_resolved") == "true"

	alerts, err := creditMonitor.GetWorkspaceAlerts(c.Request.Context(), workspaceID, includeResolved)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch alerts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// ResolveAlert marks an alert resolved
func ResolveAlert(c *gin.Context) {
	alertID := c.Param("alertId")
	resolvedBy := c.GetString("user_id")

	resolved, err := creditMonitor.ResolveAlert(c.Request.Context(), alertID, resolvedBy)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve alert"})
		return
	}
	if !resolved {
		c.JSON(http.StatusNotFound, gin.H{"error": "Alert not found or already resolved"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"resolved": true})
}

// MarkAlertRead flags an alert as seen by the workspace
func MarkAlertRead(c *gin.Context) {
	alertID := c.Param("alertId")

	found, err := creditManager.MarkAlertAsRead(c.Request.Context(), alertID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to mark alert as read"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Alert not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"read": true})
}

// DismissAlert hides an alert without resolving it
func DismissAlert(c *gin.Context) {
	alertID := c.Param("alertId")

	found, err := creditManager.DismissAlert(c.Request.Context(), alertID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to dismiss alert"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Alert not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"dismissed": true})
}

// TestWebhook delivers a synthetic event to one webhook configuration
func TestWebhook(c *gin.Context) {
	webhookID := c.Param("webhookId")

	result := webhookSender.TestWebhook(c.Request.Context(), webhookID)
	metrics.WebhookDeliveries.WithLabelValues("test", operationStatus(result.Success)).Inc()

	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadGateway
	}
	c.JSON(status, result)
}

type bucketRequest struct {
	ProjectID string `json:"project_id" binding:"required"`
}

// EnsureAgentBucket provisions the storage bucket for an agent
func EnsureAgentBucket(c *gin.Context) {
	if storageManager == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Object storage not configured"})
		return
	}

	var req bucketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project_id is required"})
		return
	}

	bucket, err := storageManager.EnsureAgentBucket(c.Request.Context(), c.Param("agentId"), req.ProjectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to provision bucket"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"bucket_name": bucket})
}

// EnsureKnowledgeBaseBucket provisions the storage bucket for a knowledge base
func EnsureKnowledgeBaseBucket(c *gin.Context) {
	if storageManager == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Object storage not configured"})
		return
	}

	var req bucketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project_id is required"})
		return
	}

	bucket, err := storageManager.EnsureKnowledgeBaseBucket(c.Request.Context(), c.Param("kbId"), req.ProjectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to provision bucket"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"bucket_name": bucket})
}

// GetBucketUsage returns object count and priced size for one bucket
func GetBucketUsage(c *gin.Context) {
	if storageManager == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Object storage not configured"})
		return
	}

	usage, err := storageManager.GetBucketUsage(c.Request.Context(), c.Param("bucketName"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch bucket usage"})
		return
	}

	c.JSON(http.StatusOK, usage)
}

// GetStorageStats aggregates usage across all provisioned buckets
func GetStorageStats(c *gin.Context) {
	if storageManager == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Object storage not configured"})
		return
	}

	stats, err := storageManager.GetGlobalStorageStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch storage stats"})
		return
	}

	c.JSON(http.StatusOK, stats)
}

type migrateRequest struct {
	SourceBucket string `json:"source_bucket" binding:"required"`
	DestBucket   string `json:"dest_bucket" binding:"required"`
}

// MigrateBucket copies all objects from one bucket to another
func MigrateBucket(c *gin.Context) {
	if storageManager == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Object storage not configured"})
		return
	}

	var req migrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source_bucket and dest_bucket are required"})
		return
	}

	result, err := storageManager.MigrateBucket(c.Request.Context(), req.SourceBucket, req.DestBucket)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Migration failed"})
		return
	}

	logger.WithFields(logging.Fields{
		"source": req.SourceBucket,
		"dest":   req.DestBucket,
		"copied": result.ObjectsCopied,
		"failed": result.ObjectsFailed,
	}).Info("Bucket migration requested via API")

	c.JSON(http.StatusOK, result)
}

func operationStatus(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
