package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"wrap-studio/app/model"
)

func TestSweeperStopsStaleTasksAndRefunds(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "user-1", 20)
	stale := env.submit(t, "user-1")

	// worker 认领后崩溃
	settings := env.pipeline.Worker.Settings()
	if _, err := env.pipeline.Worker.claimBatch(context.Background(), "wrap-worker-crashed", 1, settings); err != nil {
		t.Fatalf("claim: %v", err)
	}

	env.clock.Advance(11 * time.Minute)
	fresh := env.submit(t, "user-1")

	result, err := env.pipeline.Sweeper.Tick(context.Background(), 0)
	if err != nil {
		t.Fatalf("sweeper tick: %v", err)
	}
	if result.Claimed != 1 || result.Refunded != 1 || result.AlreadyRefunded != 0 || result.FailedRefunds != 0 {
		t.Fatalf("unexpected sweeper result %+v", result)
	}

	task := env.mustGetTask(t, stale.TaskID)
	if task.Status != model.TaskStatusFailedRefunded || task.ErrorMessage != StaleReason {
		t.Fatalf("unexpected stale task state %s / %q", task.Status, task.ErrorMessage)
	}
	if !hasStep(task, model.StepStaleAutoStopped) || !hasStep(task, model.StepRefunded) {
		t.Fatalf("missing sweeper steps: %v", stepNames(task))
	}
	if task.LeaseOwner != nil || task.LeaseExpiresAt != nil {
		t.Fatalf("lease should be cleared")
	}

	if got := env.mustGetTask(t, fresh.TaskID); got.Status != model.TaskStatusPending {
		t.Fatalf("fresh task must not be swept, got %s", got.Status)
	}
	if got := env.balance(t, "user-1"); got != 10 {
		t.Fatalf("expected stale charge restored (balance 10), got %d", got)
	}

	again, err := env.pipeline.Sweeper.Tick(context.Background(), 0)
	if err != nil {
		t.Fatalf("second sweeper tick: %v", err)
	}
	if again.Claimed != 0 {
		t.Fatalf("already swept task picked up again: %+v", again)
	}
}

func TestSweeperIgnoresTasksWithLiveLease(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "user-1", 10)
	queued := env.submit(t, "user-1")

	lease := env.clock.Now().Add(time.Hour)
	old := env.clock.Now().Add(-time.Hour)
	if err := env.db.Model(&model.GenerationTask{}).Where("id = ?", queued.TaskID).Updates(map[string]interface{}{
		"status":           model.TaskStatusProcessing,
		"lease_expires_at": lease,
		"updated_at":       old,
	}).Error; err != nil {
		t.Fatalf("update: %v", err)
	}

	result, err := env.pipeline.Sweeper.Tick(context.Background(), 0)
	if err != nil {
		t.Fatalf("sweeper tick: %v", err)
	}
	if result.Claimed != 0 {
		t.Fatalf("task holding a live lease was swept: %+v", result)
	}
}

func TestSweeperKeepsExistingErrorMessage(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "user-1", 10)
	queued := env.submit(t, "user-1")

	if err := env.db.Model(&model.GenerationTask{}).Where("id = ?", queued.TaskID).Updates(map[string]interface{}{
		"error_message": "AI API Error: timeout",
		"updated_at":    env.clock.Now(),
	}).Error; err != nil {
		t.Fatalf("update: %v", err)
	}
	env.clock.Advance(20 * time.Minute)

	if _, err := env.pipeline.Sweeper.Tick(context.Background(), 0); err != nil {
		t.Fatalf("sweeper tick: %v", err)
	}
	if got := env.mustGetTask(t, queued.TaskID); got.ErrorMessage != "AI API Error: timeout" {
		t.Fatalf("existing error message overwritten: %q", got.ErrorMessage)
	}
}

func TestSweeperDisabled(t *testing.T) {
	env := newTestEnv(t)
	settings := env.pipeline.Sweeper.Settings()
	settings.Enabled = false
	env.pipeline.Sweeper.UpdateSettings(settings)

	if _, err := env.pipeline.Sweeper.Tick(context.Background(), 0); !errors.Is(err, ErrSweeperDisabled) {
		t.Fatalf("expected ErrSweeperDisabled, got %v", err)
	}
}

func TestSweeperRetriesRefundForFailedTask(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "user-1", 20)

	// 失败后退款没有落库，停在 failed
	msg := "AI API Error: upstream 500"
	stuck := &model.GenerationTask{
		ID:           "6f1c2a9e-0000-4000-8000-000000000010",
		UserID:       "user-1",
		Prompt:       "退款中断的任务",
		Status:       model.TaskStatusFailed,
		ModelSlug:    "model-3",
		ErrorMessage: msg,
	}
	env.insertTask(t, stuck, 10)

	env.clock.Advance(11 * time.Minute)
	recent := &model.GenerationTask{
		ID:        "6f1c2a9e-0000-4000-8000-000000000011",
		UserID:    "user-1",
		Prompt:    "刚失败的任务",
		Status:    model.TaskStatusFailed,
		ModelSlug: "model-3",
	}
	env.insertTask(t, recent, 10)

	if got := env.balance(t, "user-1"); got != 0 {
		t.Fatalf("expected both charges taken, balance %d", got)
	}

	result, err := env.pipeline.Sweeper.Tick(context.Background(), 0)
	if err != nil {
		t.Fatalf("sweeper tick: %v", err)
	}
	if result.Claimed != 0 || result.Refunded != 1 || result.FailedRefunds != 0 {
		t.Fatalf("unexpected sweeper result %+v", result)
	}

	task := env.mustGetTask(t, stuck.ID)
	if task.Status != model.TaskStatusFailedRefunded || !hasStep(task, model.StepRefunded) {
		t.Fatalf("failed task not refunded: %s %v", task.Status, stepNames(task))
	}
	if task.ErrorMessage != msg {
		t.Fatalf("error message changed: %q", task.ErrorMessage)
	}
	if got := env.ledgerCount(t, stuck.ID, model.LedgerTypeRefund); got != 1 {
		t.Fatalf("expected one refund entry, got %d", got)
	}
	if got := env.mustGetTask(t, recent.ID); got.Status != model.TaskStatusFailed {
		t.Fatalf("recently failed task must be left to its own refund, got %s", got.Status)
	}
	if got := env.balance(t, "user-1"); got != 10 {
		t.Fatalf("expected stuck charge restored (balance 10), got %d", got)
	}

	again, err := env.pipeline.Sweeper.Tick(context.Background(), 0)
	if err != nil {
		t.Fatalf("second sweeper tick: %v", err)
	}
	if again.Refunded != 0 || again.AlreadyRefunded != 0 {
		t.Fatalf("refunded task picked up again: %+v", again)
	}
}
