package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"wrap-studio/app/model"
)

func TestRefundRestoresChargeOnce(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "user-1", 10)
	queued := env.submit(t, "user-1")

	first, err := env.pipeline.Refunds.Refund(context.Background(), queued.TaskID, "Manual admin refund")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if first.AlreadyRefunded || first.Amount != 10 || first.UserID != "user-1" {
		t.Fatalf("unexpected refund result %+v", first)
	}

	second, err := env.pipeline.Refunds.Refund(context.Background(), queued.TaskID, "Manual admin refund")
	if err != nil {
		t.Fatalf("second refund: %v", err)
	}
	if !second.AlreadyRefunded {
		t.Fatalf("second refund should be a no-op")
	}

	if got := env.balance(t, "user-1"); got != 10 {
		t.Fatalf("expected balance 10, got %d", got)
	}
	if n := env.ledgerCount(t, queued.TaskID, model.LedgerTypeRefund); n != 1 {
		t.Fatalf("expected exactly one refund entry, got %d", n)
	}

	task := env.mustGetTask(t, queued.TaskID)
	if task.Status != model.TaskStatusFailedRefunded || task.FinishedAt == nil {
		t.Fatalf("unexpected task state %s", task.Status)
	}
	names := stepNames(task)
	if names[len(names)-2] != model.StepFailed || names[len(names)-1] != model.StepRefunded {
		t.Fatalf("active task refund should record failed then refunded, got %v", names)
	}
	credits, _ := env.pipeline.Credits.GetBalance(context.Background(), "user-1")
	if credits.TotalSpent != 0 {
		t.Fatalf("total_spent should be restored, got %d", credits.TotalSpent)
	}
}

func TestConcurrentRefundsCreditExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "user-1", 10)
	queued := env.submit(t, "user-1")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*RefundResult
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := env.pipeline.Refunds.Refund(context.Background(), queued.TaskID, "Auto refund: race")
			if err != nil {
				t.Errorf("refund: %v", err)
				return
			}
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}()
	}
	wg.Wait()

	already := 0
	for _, r := range results {
		if r.AlreadyRefunded {
			already++
		}
	}
	if len(results) != 2 || already != 1 {
		t.Fatalf("expected one refund and one no-op, got %+v", results)
	}
	if n := env.ledgerCount(t, queued.TaskID, model.LedgerTypeRefund); n != 1 {
		t.Fatalf("expected one refund entry, got %d", n)
	}
	if got := env.balance(t, "user-1"); got != 10 {
		t.Fatalf("expected balance 10, got %d", got)
	}
	sum, _ := env.pipeline.Credits.TaskLedgerSum(context.Background(), queued.TaskID)
	if sum != 0 {
		t.Fatalf("charge and refund should cancel out, sum=%d", sum)
	}
}

func TestRefundUsesEarliestChargeNotCachedCost(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "user-1", 10)
	queued := env.submit(t, "user-1")

	// credits_spent 只是缓存值，退款以账本为准
	if err := env.db.Model(&model.GenerationTask{}).Where("id = ?", queued.TaskID).
		Update("credits_spent", 999).Error; err != nil {
		t.Fatalf("tamper credits_spent: %v", err)
	}

	result, err := env.pipeline.Refunds.Refund(context.Background(), queued.TaskID, "refund")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if result.Amount != 10 {
		t.Fatalf("expected refund amount from ledger (10), got %d", result.Amount)
	}
}

func TestRefundWithoutChargeGrantsZero(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "user-1", 7)

	task := &model.GenerationTask{
		ID:        "6f1c2a9e-0000-4000-8000-000000000002",
		UserID:    "user-1",
		Prompt:    "免费任务",
		Status:    model.TaskStatusFailed,
		ModelSlug: "model-3",
	}
	env.insertTask(t, task, 0)

	result, err := env.pipeline.Refunds.Refund(context.Background(), task.ID, "refund")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if result.Amount != 0 || result.AlreadyRefunded {
		t.Fatalf("unexpected result %+v", result)
	}
	if got := env.balance(t, "user-1"); got != 7 {
		t.Fatalf("balance must not change, got %d", got)
	}
	if got := env.mustGetTask(t, task.ID); got.Status != model.TaskStatusFailedRefunded {
		t.Fatalf("expected failed_refunded, got %s", got.Status)
	}
}

func TestRefundAcceptsLegacyChargeType(t *testing.T) {
	env := newTestEnv(t)

	task := &model.GenerationTask{
		ID:        "6f1c2a9e-0000-4000-8000-000000000003",
		UserID:    "user-legacy",
		Status:    model.TaskStatusFailed,
		ModelSlug: "model-3",
	}
	env.insertTask(t, task, 0)
	legacy := &model.CreditLedger{
		ID:        "legacy-charge-1",
		UserID:    "user-legacy",
		TaskID:    &task.ID,
		Amount:    -8,
		Type:      model.LedgerTypeLegacyGeneration,
		CreatedAt: env.clock.Now(),
	}
	if err := env.db.Create(legacy).Error; err != nil {
		t.Fatalf("insert legacy charge: %v", err)
	}

	result, err := env.pipeline.Refunds.Refund(context.Background(), task.ID, "refund")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if result.Amount != 8 {
		t.Fatalf("expected legacy charge amount 8, got %d", result.Amount)
	}
	if got := env.balance(t, "user-legacy"); got != 8 {
		t.Fatalf("expected balance row to be created with 8, got %d", got)
	}
}

func TestRefundRejectsCompletedAndUnknownTasks(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "user-1", 10)
	queued := env.submit(t, "user-1")

	if _, err := env.pipeline.Worker.Tick(context.Background(), 0); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if _, err := env.pipeline.Refunds.Refund(context.Background(), queued.TaskID, "refund"); !errors.Is(err, ErrTaskNotRefundable) {
		t.Fatalf("expected ErrTaskNotRefundable, got %v", err)
	}
	if _, err := env.pipeline.Refunds.Refund(context.Background(), "missing", "refund"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if got := env.balance(t, "user-1"); got != 0 {
		t.Fatalf("completed task keeps its charge, balance=%d", got)
	}
}
