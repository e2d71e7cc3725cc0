package service

import (
	"context"
	"errors"
	"testing"

	"wrap-studio/app/guard"
	"wrap-studio/app/model"
)

func TestSubmitChargesAndQueuesTask(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "user-1", 25)

	result, err := env.pipeline.Intake.Submit(context.Background(), IntakeRequest{
		UserID:          "user-1",
		ModelSlug:       "cybertruck",
		Prompt:          "  极简几何蓝色条纹  ",
		ReferenceImages: []string{"https://cdn.tewan.club/wraps/reference/a.jpg"},
		Origin:          "https://tewan.club/",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.RemainingBalance != 15 || result.CreditsSpent != 10 || result.Idempotent {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Guard.Action != guard.ActionAllow {
		t.Fatalf("expected allow, got %s", result.Guard.Action)
	}

	task := env.mustGetTask(t, result.TaskID)
	if task.Status != model.TaskStatusPending {
		t.Fatalf("expected pending, got %s", task.Status)
	}
	if task.NextRetryAt == nil || !task.NextRetryAt.Equal(env.clock.Now()) {
		t.Fatalf("next_retry_at should be creation time, got %v", task.NextRetryAt)
	}

	payload, ok := task.QueuedPayload()
	if !ok {
		t.Fatalf("queued payload missing, steps=%v", stepNames(task))
	}
	if payload.ModelName != "Cybertruck" || payload.Origin != "https://tewan.club" || len(payload.ReferenceImages) != 1 {
		t.Fatalf("unexpected payload %+v", payload)
	}

	sum, err := env.pipeline.Credits.TaskLedgerSum(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("ledger sum: %v", err)
	}
	if sum != -10 {
		t.Fatalf("expected ledger sum -10, got %d", sum)
	}
	if got := env.balance(t, "user-1"); got != 15 {
		t.Fatalf("expected balance 15, got %d", got)
	}
}

func TestSubmitInsufficientCreditsLeavesNothingBehind(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "user-1", 5)

	_, err := env.pipeline.Intake.Submit(context.Background(), IntakeRequest{
		UserID:    "user-1",
		ModelSlug: "model-3",
		Prompt:    "赛博朋克霓虹",
	})
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	var tasks, charges int64
	env.db.Model(&model.GenerationTask{}).Count(&tasks)
	env.db.Model(&model.CreditLedger{}).Where("type = ?", model.LedgerTypeGenerationCharge).Count(&charges)
	if tasks != 0 || charges != 0 {
		t.Fatalf("expected no task or charge rows, got tasks=%d charges=%d", tasks, charges)
	}
	if got := env.balance(t, "user-1"); got != 5 {
		t.Fatalf("balance should be untouched, got %d", got)
	}
}

func TestSubmitIdempotencyKeyChargesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "user-1", 30)

	req := IntakeRequest{UserID: "user-1", ModelSlug: "model-3", Prompt: "星空渐变", IdempotencyKey: "req-42"}
	first, err := env.pipeline.Intake.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := env.pipeline.Intake.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}

	if !second.Idempotent || second.TaskID != first.TaskID {
		t.Fatalf("expected idempotent hit on %s, got %+v", first.TaskID, second)
	}
	if got := env.balance(t, "user-1"); got != 20 {
		t.Fatalf("expected a single charge, balance=%d", got)
	}

	// 其他用户使用同一个幂等键互不影响
	env.grant(t, "user-2", 10)
	other, err := env.pipeline.Intake.Submit(context.Background(), IntakeRequest{UserID: "user-2", ModelSlug: "model-3", Prompt: "星空渐变", IdempotencyKey: "req-42"})
	if err != nil {
		t.Fatalf("other user submit: %v", err)
	}
	if other.Idempotent || other.TaskID == first.TaskID {
		t.Fatalf("idempotency key must be scoped per user")
	}
}

func TestSubmitRejectedPromptIsNotCharged(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "user-1", 10)

	_, err := env.pipeline.Intake.Submit(context.Background(), IntakeRequest{
		UserID:    "user-1",
		ModelSlug: "model-3",
		Prompt:    "给我一模一样的漫威官方海报logo贴膜",
	})
	if !errors.Is(err, ErrPolicyRejected) {
		t.Fatalf("expected ErrPolicyRejected, got %v", err)
	}
	var policyErr *PolicyError
	if !errors.As(err, &policyErr) || policyErr.Result.Action != guard.ActionReject {
		t.Fatalf("expected PolicyError carrying the guard result, got %v", err)
	}
	if got := env.balance(t, "user-1"); got != 10 {
		t.Fatalf("rejected prompt must not charge, balance=%d", got)
	}
}

func TestSubmitStoresRewrittenPrompt(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "user-1", 10)

	result, err := env.pipeline.Intake.Submit(context.Background(), IntakeRequest{
		UserID:    "user-1",
		ModelSlug: "cybertruck",
		Prompt:    "设计一个蜘蛛侠风格的赛博卡车贴膜",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	task := env.mustGetTask(t, result.TaskID)
	payload, _ := task.QueuedPayload()
	if task.Prompt != result.Guard.EffectivePrompt || payload.Prompt != result.Guard.EffectivePrompt {
		t.Fatalf("task should store the rewritten prompt")
	}
	if payload.GuardAction != string(guard.ActionRewrite) || len(payload.MatchedTerms) != 1 {
		t.Fatalf("payload should record the guard verdict: %+v", payload)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "user-1", 100)

	cases := map[string]IntakeRequest{
		"unknown model": {UserID: "user-1", ModelSlug: "roadster", Prompt: "红色"},
		"empty prompt":  {UserID: "user-1", ModelSlug: "model-3", Prompt: "   "},
		"foreign host":  {UserID: "user-1", ModelSlug: "model-3", Prompt: "红色", ReferenceImages: []string{"https://evil.example.com/wraps/reference/a.jpg"}},
		"wrong path":    {UserID: "user-1", ModelSlug: "model-3", Prompt: "红色", ReferenceImages: []string{"https://cdn.tewan.club/avatars/a.jpg"}},
		"too many refs": {UserID: "user-1", ModelSlug: "model-3", Prompt: "红色", ReferenceImages: []string{
			"https://cdn.tewan.club/wraps/reference/1.jpg",
			"https://cdn.tewan.club/wraps/reference/2.jpg",
			"https://cdn.tewan.club/wraps/reference/3.jpg",
			"https://cdn.tewan.club/wraps/reference/4.jpg",
		}},
	}
	for name, req := range cases {
		if _, err := env.pipeline.Intake.Submit(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%s: expected ErrInvalidRequest, got %v", name, err)
		}
	}

	ok := IntakeRequest{UserID: "user-1", ModelSlug: "model-3", Prompt: "红色", ReferenceImages: []string{
		"https://bucket.oss-cn-hangzhou.aliyuncs.com/wraps/reference/x.png",
	}}
	if _, err := env.pipeline.Intake.Submit(context.Background(), ok); err != nil {
		t.Fatalf("aliyuncs reference should be accepted: %v", err)
	}
}
