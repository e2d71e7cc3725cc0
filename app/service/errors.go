package service

import (
	"errors"

	"wrap-studio/app/guard"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrPolicyRejected      = errors.New("prompt rejected by policy")
	ErrPayloadMalformed    = errors.New("worker payload missing or malformed")
	ErrProviderFailure     = errors.New("generation provider failure")
	ErrTaskNotFound        = errors.New("generation task not found")
	ErrTaskNotRefundable   = errors.New("generation task is not refundable")
	ErrTaskNotActive       = errors.New("generation task is no longer active")
	ErrTaskInterrupted     = errors.New("generation task interrupted, left for lease recovery")
	ErrWorkerDisabled      = errors.New("generation worker disabled")
	ErrSweeperDisabled     = errors.New("generation sweeper disabled")
	ErrInvalidRequest      = errors.New("invalid request")
)

// PolicyError 提示词被拒绝，携带过滤结果供接口返回给用户
type PolicyError struct {
	Result guard.Result
}

func (e *PolicyError) Error() string {
	if e.Result.UserMessage != "" {
		return e.Result.UserMessage
	}
	return ErrPolicyRejected.Error()
}

func (e *PolicyError) Unwrap() error {
	return ErrPolicyRejected
}
