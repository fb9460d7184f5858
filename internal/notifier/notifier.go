package notifier

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"whispey/credits/pkg/clients"
	"whispey/credits/pkg/logging"
	"whispey/credits/pkg/models"
)

const userAgent = "Whispey-Webhook/1.0"

// DeliveryResult reports the outcome of delivering one event to one webhook
type DeliveryResult struct {
	Success       bool   `json:"success"`
	WebhookID     string `json:"webhook_id"`
	StatusCode    int    `json:"status_code,omitempty"`
	ResponseBody  string `json:"response_body,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	DeliveryTime  int64  `json:"delivery_time_ms"`
	AttemptNumber int    `json:"attempt_number"`
}

// Notifier fans credit alert events out to configured webhook endpoints.
// Delivery retries use a fixed delay and are bounded by each webhook's
// max_retries; there is no backoff escalation.
type Notifier struct {
	db          *sql.DB
	logger      logging.Logger
	httpClient  *http.Client
	environment string

	// stubbed in tests to avoid real sleeps
	sleep func(time.Duration)
}

// NewNotifier creates a webhook notifier
func NewNotifier(db *sql.DB, logger logging.Logger, environment string) *Notifier {
	return &Notifier{
		db:     db,
		logger: logger,
		httpClient: &http.Client{
			Transport: clients.DefaultTransport(),
		},
		environment: environment,
		sleep:       time.Sleep,
	}
}

// SendNotification delivers an event to every applicable webhook and records
// each outcome. Individual delivery failures do not fail the fan-out.
func (n *Notifier) SendNotification(ctx context.Context, event models.NotificationEvent) error {
	webhooks, err := n.getApplicableWebhooks(ctx, event)
	if err != nil {
		return err
	}

	if len(webhooks) == 0 {
		n.logger.WithFields(logging.Fields{
			"event_type":   event.EventType,
			"workspace_id": event.WorkspaceID,
		}).Debug("No applicable webhooks for event")
		return nil
	}

	for _, webhook := range webhooks {
		result := n.DeliverWebhook(ctx, webhook, event)
		n.updateWebhookStatus(ctx, webhook.ID, result)

		if !result.Success {
			n.logger.WithFields(logging.Fields{
				"webhook_id":   webhook.ID,
				"webhook_name": webhook.WebhookName,
				"attempts":     result.AttemptNumber,
				"error":        result.ErrorMessage,
			}).Warn("Webhook delivery failed")
		}
	}

	return nil
}

// getApplicableWebhooks selects active webhooks matching the event scope,
// type, severity floor and balance ceiling. Global webhooks come first.
func (n *Notifier) getApplicableWebhooks(ctx context.Context, event models.NotificationEvent) ([]models.WebhookConfig, error) {
	rows, err := n.db.QueryContext(ctx, `
		SELECT id, workspace_id, is_global, webhook_url, webhook_name, event_types,
		       balance_threshold, severity_threshold, http_method, headers, auth_type,
		       auth_config, timeout_seconds, max_retries, retry_delay_seconds, is_active
		FROM webhook_configurations
		WHERE is_active = true
		  AND (
		    (is_global = true)
		    OR (workspace_id = $1)
		  )
		  AND $2 = ANY(event_types)
		  AND (
		    severity_threshold IS NULL
		    OR $3 >= (
		      CASE severity_threshold
		        WHEN 'info' THEN 0
		        WHEN 'warning' THEN 1
		        WHEN 'critical' THEN 2
		        WHEN 'emergency' THEN 3
		        ELSE 0
		      END
		    )
		  )
		  AND (
		    balance_threshold IS NULL
		    OR $4 <= balance_threshold
		  )
		ORDER BY is_global DESC, created_at ASC
	`, event.WorkspaceID, event.EventType, event.Severity.Level(), event.CurrentBalance)
	if err != nil {
		n.logger.WithError(err).Error("Failed to fetch applicable webhooks")
		return nil, fmt.Errorf("failed to fetch applicable webhooks: %w", err)
	}
	defer rows.Close()

	var webhooks []models.WebhookConfig
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		webhooks = append(webhooks, *w)
	}

	return webhooks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWebhook(row rowScanner) (*models.WebhookConfig, error) {
	var w models.WebhookConfig
	var headers, authConfig []byte
	var severityThreshold *string

	err := row.Scan(&w.ID, &w.WorkspaceID, &w.IsGlobal, &w.WebhookURL, &w.WebhookName,
		pq.Array(&w.EventTypes), &w.BalanceThreshold, &severityThreshold, &w.HTTPMethod,
		&headers, &w.AuthType, &authConfig, &w.TimeoutSeconds, &w.MaxRetries,
		&w.RetryDelaySeconds, &w.IsActive)
	if err != nil {
		return nil, fmt.Errorf("failed to scan webhook config: %w", err)
	}

	if severityThreshold != nil {
		s := models.Severity(*severityThreshold)
		w.SeverityThreshold = &s
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &w.Headers); err != nil {
			return nil, fmt.Errorf("failed to decode webhook headers: %w", err)
		}
	}
	if len(authConfig) > 0 {
		if err := json.Unmarshal(authConfig, &w.AuthConfig); err != nil {
			return nil, fmt.Errorf("failed to decode webhook auth config: %w", err)
		}
	}

	return &w, nil
}

// DeliverWebhook posts the event to one webhook, retrying up to the
// configured attempt count with a fixed delay between attempts. Any 2xx
// response is success; everything else consumes an attempt.
func (n *Notifier) DeliverWebhook(ctx context.Context, webhook models.WebhookConfig, event models.NotificationEvent) DeliveryResult {
	start := time.Now()

	maxRetries := webhook.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	payload, err := json.Marshal(buildPayload(webhook, event, n.environment))
	if err != nil {
		return DeliveryResult{
			Success:       false,
			WebhookID:     webhook.ID,
			ErrorMessage:  fmt.Sprintf("failed to encode payload: %v", err),
			DeliveryTime:  time.Since(start).Milliseconds(),
			AttemptNumber: 1,
		}
	}

	method := webhook.HTTPMethod
	if method == "" {
		method = http.MethodPost
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		statusCode, body, err := n.attemptDelivery(ctx, webhook, method, payload)

		if err == nil && statusCode >= 200 && statusCode < 300 {
			return DeliveryResult{
				Success:       true,
				WebhookID:     webhook.ID,
				StatusCode:    statusCode,
				ResponseBody:  body,
				DeliveryTime:  time.Since(start).Milliseconds(),
				AttemptNumber: attempt,
			}
		}

		if attempt < maxRetries {
			n.sleep(time.Duration(webhook.RetryDelaySeconds) * time.Second)
			continue
		}

		result := DeliveryResult{
			Success:       false,
			WebhookID:     webhook.ID,
			DeliveryTime:  time.Since(start).Milliseconds(),
			AttemptNumber: attempt,
		}
		if err != nil {
			result.ErrorMessage = err.Error()
		} else {
			result.StatusCode = statusCode
			result.ErrorMessage = fmt.Sprintf("HTTP %d: %s", statusCode, body)
		}
		return result
	}

	// Unreachable: the loop always returns on the last attempt
	return DeliveryResult{
		Success:       false,
		WebhookID:     webhook.ID,
		ErrorMessage:  "max retries exceeded",
		DeliveryTime:  time.Since(start).Milliseconds(),
		AttemptNumber: maxRetries,
	}
}

// attemptDelivery makes a single HTTP call with the webhook's own timeout
func (n *Notifier) attemptDelivery(ctx context.Context, webhook models.WebhookConfig, method string, payload []byte) (int, string, error) {
	timeout := time.Duration(webhook.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, method, webhook.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return 0, "", err
	}

	for key, value := range buildHeaders(webhook) {
		req.Header.Set(key, value)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return resp.StatusCode, string(body), nil
}

// buildPayload assembles the wire format delivered to webhook endpoints
func buildPayload(webhook models.WebhookConfig, event models.NotificationEvent, environment string) map[string]interface{} {
	metadata := event.Metadata
	if metadata == nil {
		metadata = models.JSONB{}
	}

	return map[string]interface{}{
		"webhook_name": webhook.WebhookName,
		"timestamp":    event.Timestamp,
		"event": map[string]interface{}{
			"type": event.EventType,
			"workspace": map[string]interface{}{
				"id":   event.WorkspaceID,
				"name": event.WorkspaceName,
			},
			"credit": map[string]interface{}{
				"current_balance": event.CurrentBalance,
				"currency":        event.Currency,
				"threshold":       event.Threshold,
			},
			"alert": map[string]interface{}{
				"message":  event.AlertMessage,
				"severity": event.Severity,
			},
			"metadata": metadata,
		},
		"platform": map[string]interface{}{
			"name":        "Whispey",
			"environment": environment,
		},
	}
}

// buildHeaders merges the base headers, webhook custom headers and auth
func buildHeaders(webhook models.WebhookConfig) map[string]string {
	headers := map[string]string{
		"Content-Type": "application/json",
		"User-Agent":   userAgent,
	}

	for key, value := range webhook.Headers {
		headers[key] = value
	}

	switch webhook.AuthType {
	case "bearer":
		if token := webhook.AuthConfig["token"]; token != "" {
			headers["Authorization"] = "Bearer " + token
		}
	case "basic":
		username := webhook.AuthConfig["username"]
		password := webhook.AuthConfig["password"]
		if username != "" && password != "" {
			credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
			headers["Authorization"] = "Basic " + credentials
		}
	case "api_key":
		key := webhook.AuthConfig["key"]
		value := webhook.AuthConfig["value"]
		if key != "" && value != "" {
			headers[key] = value
		}
	}

	return headers
}

// updateWebhookStatus records the delivery outcome on the webhook row.
// Status bookkeeping is best effort and never fails a delivery.
func (n *Notifier) updateWebhookStatus(ctx context.Context, webhookID string, result DeliveryResult) {
	var err error
	if result.Success {
		_, err = n.db.ExecContext(ctx, `
			UPDATE webhook_configurations
			SET last_triggered_at = NOW(),
			    last_success_at = NOW(),
			    updated_at = NOW()
			WHERE id = $1
		`, webhookID)
	} else {
		_, err = n.db.ExecContext(ctx, `
			UPDATE webhook_configurations
			SET last_triggered_at = NOW(),
			    last_error_at = NOW(),
			    last_error_message = $2,
			    updated_at = NOW()
			WHERE id = $1
		`, webhookID, result.ErrorMessage)
	}

	if err != nil {
		n.logger.WithError(err).WithField("webhook_id", webhookID).Error("Failed to update webhook status")
	}
}

// TestWebhook delivers a synthetic event to one webhook so operators can
// verify configuration end to end
func (n *Notifier) TestWebhook(ctx context.Context, webhookID string) DeliveryResult {
	row := n.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, is_global, webhook_url, webhook_name, event_types,
		       balance_threshold, severity_threshold, http_method, headers, auth_type,
		       auth_config, timeout_seconds, max_retries, retry_delay_seconds, is_active
		FROM webhook_configurations
		WHERE id = $1 AND is_active = true
	`, webhookID)

	webhook, err := scanWebhook(row)
	if err != nil {
		return DeliveryResult{
			Success:       false,
			WebhookID:     webhookID,
			ErrorMessage:  "Webhook not found or inactive",
			AttemptNumber: 1,
		}
	}

	testEvent := models.NotificationEvent{
		EventType:      "low_balance",
		WorkspaceID:    "test-workspace-id",
		WorkspaceName:  "Test Workspace",
		CurrentBalance: 10.50,
		Currency:       "USD",
		Threshold:      25.00,
		AlertMessage:   "This is a test webhook notification from Whispey",
		Severity:       models.SeverityInfo,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Metadata: models.JSONB{
			"test":            true,
			"webhook_test_id": uuid.New().String(),
		},
	}

	result := n.DeliverWebhook(ctx, *webhook, testEvent)
	n.updateWebhookStatus(ctx, webhook.ID, result)
	return result
}
