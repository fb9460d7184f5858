package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"whispey/credits/pkg/logging"
	"whispey/credits/pkg/models"
)

func TestDeduct_DecodesProcedureResult(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	l := NewProcedureLedger(db, logging.NewLogger())

	mock.ExpectQuery(`SELECT deduct_credits_from_workspace`).
		WithArgs("ws-1", 12.5, "Call costs (ID: call-1)", "call", "agent-1", "call-1").
		WillReturnRows(sqlmock.NewRows([]string{"result"}).
			AddRow(`{"success":true,"transaction_id":"tx-1","previous_balance":100,"new_balance":87.5,"amount_deducted":12.5}`))

	result, err := l.Deduct(context.Background(), DeductionRequest{
		WorkspaceID: "ws-1",
		Amount:      12.5,
		Description: "Call costs (ID: call-1)",
		ServiceType: "call",
		ServiceID:   "agent-1",
		CallLogID:   "call-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.NewBalance != 87.5 {
		t.Fatalf("expected new balance 87.5, got %f", result.NewBalance)
	}
	if result.PreviousBalance-result.AmountDeducted != result.NewBalance {
		t.Fatalf("balance arithmetic mismatch: %+v", result)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeduct_InsufficientBalanceIsNotAnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	l := NewProcedureLedger(db, logging.NewLogger())

	mock.ExpectQuery(`SELECT deduct_credits_from_workspace`).
		WillReturnRows(sqlmock.NewRows([]string{"result"}).
			AddRow(`{"success":false,"error":"Insufficient credits","current_balance":3.2,"required_amount":10}`))

	result, err := l.Deduct(context.Background(), DeductionRequest{
		WorkspaceID: "ws-1",
		Amount:      10,
		Description: "test",
	})
	if err != nil {
		t.Fatalf("insufficient balance must not surface as an error, got: %v", err)
	}
	if result.Success {
		t.Fatal("expected rejected deduction")
	}
	if result.CurrentBalance != 3.2 || result.RequiredAmount != 10 {
		t.Fatalf("shortfall fields not decoded: %+v", result)
	}
}

func TestRecharge_DefaultsDescription(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	l := NewProcedureLedger(db, logging.NewLogger())

	mock.ExpectQuery(`SELECT recharge_credits_workspace`).
		WithArgs("ws-1", 50.0, "Credit recharge").
		WillReturnRows(sqlmock.NewRows([]string{"result"}).
			AddRow(`{"success":true,"transaction_id":"tx-2","previous_balance":10,"new_balance":60,"amount_added":50}`))

	result, err := l.Recharge(context.Background(), RechargeRequest{WorkspaceID: "ws-1", Amount: 50})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || result.AmountAdded != 50 {
		t.Fatalf("unexpected result: %+v", result)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetWorkspaceBalance_MissingWorkspaceReturnsNil(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	m := NewManager(db, NewProcedureLedger(db, logging.NewLogger()), logging.NewLogger())

	mock.ExpectQuery(`SELECT id, workspace_id, user_id, current_balance`).
		WithArgs("ws-missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	balance, err := m.GetWorkspaceBalance(context.Background(), "ws-missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance != nil {
		t.Fatalf("expected nil balance, got %+v", balance)
	}
}

func TestGetTransactionHistory_TypeFilter(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	m := NewManager(db, NewProcedureLedger(db, logging.NewLogger()), logging.NewLogger())

	cols := []string{"id", "workspace_id", "user_id", "credits_id", "transaction_type", "amount",
		"previous_balance", "new_balance", "service_type", "service_id", "call_log_id",
		"description", "status", "created_at"}

	mock.ExpectQuery(`SELECT id, workspace_id, user_id, credits_id, transaction_type`).
		WithArgs("ws-1", "deduction", 10, 0).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("tx-1", "ws-1", nil, "cr-1", "deduction", -5.0, 100.0, 95.0, "call", "agent-1", "call-1", "Call costs", "completed", time.Now()))

	transactions, err := m.GetTransactionHistory(context.Background(), "ws-1", 10, 0, "deduction")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(transactions) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(transactions))
	}
	tx := transactions[0]
	if tx.PreviousBalance+tx.Amount != tx.NewBalance {
		t.Fatalf("ledger row violates balance equation: %+v", tx)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// fakeLedger records calls and serves canned results
type fakeLedger struct {
	deductResult *DeductionResult
	deductions   []DeductionRequest
	suspensions  []string
	costPerCall  float64
}

func (f *fakeLedger) Deduct(ctx context.Context, req DeductionRequest) (*DeductionResult, error) {
	f.deductions = append(f.deductions, req)
	return f.deductResult, nil
}

func (f *fakeLedger) Recharge(ctx context.Context, req RechargeRequest) (*RechargeResult, error) {
	return &RechargeResult{Success: true}, nil
}

func (f *fakeLedger) CalculateServiceCost(ctx context.Context, serviceType, serviceID string, usage *models.UsageMetrics, cycleStart, cycleEnd *time.Time) (*models.CostCalculationResult, error) {
	return &models.CostCalculationResult{
		ServiceType: serviceType,
		ServiceID:   serviceID,
		Costs:       models.ServiceCosts{TotalCost: f.costPerCall},
	}, nil
}

func (f *fakeLedger) Suspend(ctx context.Context, workspaceID, reason string) (models.JSONB, error) {
	f.suspensions = append(f.suspensions, workspaceID)
	return models.JSONB{"suspended": true}, nil
}

func (f *fakeLedger) Unsuspend(ctx context.Context, workspaceID string) (models.JSONB, error) {
	return models.JSONB{"suspended": false}, nil
}

func TestProcessCallCosts_AggregatesAllServices(t *testing.T) {
	fake := &fakeLedger{
		costPerCall:  2.5,
		deductResult: &DeductionResult{Success: true, NewBalance: 92.5},
	}
	m := NewManager(nil, fake, logging.NewLogger())

	result := m.ProcessCallCosts(context.Background(), "ws-1", "agent-1", "call-1", CallMetrics{
		CallDurationMinutes: 3,
		KBUsage:             &KBUsage{KBID: "kb-1", SearchTokens: 100},
		WorkflowUsage:       &WorkflowUsage{WorkflowID: "wf-1", Operations: 5},
	})

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	// Agent + KB + workflow, each priced at 2.5
	if result.TotalCost != 7.5 {
		t.Fatalf("expected total cost 7.5, got %f", result.TotalCost)
	}
	if len(result.CostBreakdown) != 3 {
		t.Fatalf("expected 3 breakdown entries, got %d", len(result.CostBreakdown))
	}
	if len(fake.deductions) != 1 {
		t.Fatalf("expected exactly one deduction, got %d", len(fake.deductions))
	}
	if fake.deductions[0].Amount != 7.5 || fake.deductions[0].CallLogID != "call-1" {
		t.Fatalf("unexpected deduction request: %+v", fake.deductions[0])
	}
	if len(fake.suspensions) != 0 {
		t.Fatalf("successful charge must not suspend, got %v", fake.suspensions)
	}
}

func TestProcessCallCosts_SuspendsOnceOnInsufficientCredits(t *testing.T) {
	fake := &fakeLedger{
		costPerCall:  4,
		deductResult: &DeductionResult{Success: false, Error: "Insufficient credits"},
	}
	m := NewManager(nil, fake, logging.NewLogger())

	result := m.ProcessCallCosts(context.Background(), "ws-1", "agent-1", "call-2", CallMetrics{CallDurationMinutes: 1})

	if result.Success {
		t.Fatal("expected failed charge")
	}
	if result.Error != "Insufficient credits" {
		t.Fatalf("expected deduction error to propagate, got %q", result.Error)
	}
	if len(fake.suspensions) != 1 || fake.suspensions[0] != "ws-1" {
		t.Fatalf("expected exactly one suspension of ws-1, got %v", fake.suspensions)
	}
	// Cost breakdown is still reported on failure
	if result.TotalCost != 4 {
		t.Fatalf("expected total cost 4, got %f", result.TotalCost)
	}
}

func TestCheckSufficientCredits(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	m := NewManager(db, NewProcedureLedger(db, logging.NewLogger()), logging.NewLogger())

	cols := []string{"id", "workspace_id", "user_id", "current_balance", "currency", "credit_limit",
		"low_balance_threshold", "auto_recharge_enabled", "auto_recharge_amount",
		"auto_recharge_threshold", "is_active", "is_suspended", "suspension_reason"}

	mock.ExpectQuery(`SELECT id, workspace_id, user_id, current_balance`).
		WithArgs("ws-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("cr-1", "ws-1", "u-1", 20.0, "USD", 0.0, 10.0, false, 0.0, 0.0, true, false, nil))

	check, err := m.CheckSufficientCredits(context.Background(), "ws-1", 15)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !check.Sufficient {
		t.Fatalf("balance 20 should cover 15: %+v", check)
	}

	// Missing workspace is never sufficient
	mock.ExpectQuery(`SELECT id, workspace_id, user_id, current_balance`).
		WithArgs("ws-none").
		WillReturnRows(sqlmock.NewRows(cols))

	check, err = m.CheckSufficientCredits(context.Background(), "ws-none", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if check.Sufficient || check.CurrentBalance != 0 {
		t.Fatalf("missing workspace must be insufficient: %+v", check)
	}
}

func TestMarkAlertAsRead(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	m := NewManager(db, NewProcedureLedger(db, logging.NewLogger()), logging.NewLogger())

	mock.ExpectExec(`UPDATE credit_alerts(.|\n)*is_read = true`).
		WithArgs("alert-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	found, err := m.MarkAlertAsRead(context.Background(), "alert-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatal("expected existing alert to be found")
	}

	// Unknown alert updates nothing
	mock.ExpectExec(`UPDATE credit_alerts(.|\n)*is_read = true`).
		WithArgs("alert-missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	found, err = m.MarkAlertAsRead(context.Background(), "alert-missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatal("missing alert must report not found")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDismissAlert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	m := NewManager(db, NewProcedureLedger(db, logging.NewLogger()), logging.NewLogger())

	mock.ExpectExec(`UPDATE credit_alerts(.|\n)*is_dismissed = true`).
		WithArgs("alert-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	found, err := m.DismissAlert(context.Background(), "alert-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatal("expected existing alert to be found")
	}

	mock.ExpectExec(`UPDATE credit_alerts(.|\n)*is_dismissed = true`).
		WithArgs("alert-missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	found, err = m.DismissAlert(context.Background(), "alert-missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatal("missing alert must report not found")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// memoryLedger serializes balance mutations behind a mutex, mirroring the
// row-level serialization the database procedures provide, and keeps the
// transaction log so tests can replay it.
type memoryLedger struct {
	mu      sync.Mutex
	balance float64
	log     []models.CreditTransaction
}

func (l *memoryLedger) Deduct(ctx context.Context, req DeductionRequest) (*DeductionResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balance < req.Amount {
		return &DeductionResult{
			Success:        false,
			Error:          "Insufficient credits",
			CurrentBalance: l.balance,
			RequiredAmount: req.Amount,
		}, nil
	}
	prev := l.balance
	l.balance -= req.Amount
	l.log = append(l.log, models.CreditTransaction{
		TransactionType: "deduction",
		Amount:          -req.Amount,
		PreviousBalance: prev,
		NewBalance:      l.balance,
	})
	return &DeductionResult{Success: true, PreviousBalance: prev, NewBalance: l.balance, AmountDeducted: req.Amount}, nil
}

func (l *memoryLedger) Recharge(ctx context.Context, req RechargeRequest) (*RechargeResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.balance
	l.balance += req.Amount
	l.log = append(l.log, models.CreditTransaction{
		TransactionType: "recharge",
		Amount:          req.Amount,
		PreviousBalance: prev,
		NewBalance:      l.balance,
	})
	return &RechargeResult{Success: true, PreviousBalance: prev, NewBalance: l.balance, AmountAdded: req.Amount}, nil
}

func (l *memoryLedger) CalculateServiceCost(ctx context.Context, serviceType, serviceID string, usage *models.UsageMetrics, cycleStart, cycleEnd *time.Time) (*models.CostCalculationResult, error) {
	return &models.CostCalculationResult{ServiceType: serviceType, ServiceID: serviceID}, nil
}

func (l *memoryLedger) Suspend(ctx context.Context, workspaceID, reason string) (models.JSONB, error) {
	return models.JSONB{"suspended": true}, nil
}

func (l *memoryLedger) Unsuspend(ctx context.Context, workspaceID string) (models.JSONB, error) {
	return models.JSONB{"suspended": false}, nil
}

func TestDeductCredits_ConcurrentDeductionsNeverOverdraw(t *testing.T) {
	mem := &memoryLedger{balance: 100}
	m := NewManager(nil, mem, logging.NewLogger())

	const workers = 25
	const amount = 9.0

	var wg sync.WaitGroup
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.DeductCredits(context.Background(), DeductionRequest{
				WorkspaceID: "ws-1",
				Amount:      amount,
				Description: "concurrent charge",
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			results <- res.Success
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for ok := range results {
		if ok {
			successes++
		}
	}
	// A balance of 100 covers a 9.00 charge exactly eleven times
	if successes != 11 {
		t.Fatalf("expected 11 successful deductions, got %d", successes)
	}
	if mem.balance != 1 {
		t.Fatalf("expected final balance 1.00, got %f", mem.balance)
	}
	if len(mem.log) != 11 {
		t.Fatalf("expected 11 transactions, got %d", len(mem.log))
	}
}

func TestTransactionLog_ReplaysToFinalBalance(t *testing.T) {
	mem := &memoryLedger{balance: 100}
	m := NewManager(nil, mem, logging.NewLogger())
	ctx := context.Background()

	if _, err := m.RechargeCredits(ctx, RechargeRequest{WorkspaceID: "ws-1", Amount: 50}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.DeductCredits(ctx, DeductionRequest{WorkspaceID: "ws-1", Amount: 30, Description: "call"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Rejected charge, must leave no trace in the log
	if _, err := m.DeductCredits(ctx, DeductionRequest{WorkspaceID: "ws-1", Amount: 500, Description: "call"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.RechargeCredits(ctx, RechargeRequest{WorkspaceID: "ws-1", Amount: 20}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.DeductCredits(ctx, DeductionRequest{WorkspaceID: "ws-1", Amount: 40, Description: "call"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mem.log) != 4 {
		t.Fatalf("rejected deduction must not write a transaction, got %d rows", len(mem.log))
	}

	replayed := mem.log[0].PreviousBalance
	for i, tx := range mem.log {
		if tx.PreviousBalance+tx.Amount != tx.NewBalance {
			t.Fatalf("row %d violates balance equation: %+v", i, tx)
		}
		if tx.PreviousBalance != replayed {
			t.Fatalf("row %d does not chain from prior balance %f: %+v", i, replayed, tx)
		}
		replayed = tx.NewBalance
	}
	if replayed != mem.balance {
		t.Fatalf("replayed balance %f does not match ledger balance %f", replayed, mem.balance)
	}
	if replayed != 100 {
		t.Fatalf("expected final balance 100, got %f", replayed)
	}
}
