package handler

import (
	"errors"
	"net/http"
	"time"

	"wrap-studio/app/logger"
	"wrap-studio/app/middleware"
	"wrap-studio/app/model"
	"wrap-studio/app/service"

	"github.com/gin-gonic/gin"
)

// GenerateRequest 生成请求
type GenerateRequest struct {
	ModelSlug       string   `json:"modelSlug" binding:"required"`
	Prompt          string   `json:"prompt" binding:"required"`
	ReferenceImages []string `json:"referenceImages"`
	IdempotencyKey  string   `json:"idempotencyKey"`
}

// TaskView 任务状态查询结果
type TaskView struct {
	ID           string           `json:"id"`
	Status       model.TaskStatus `json:"status"`
	ModelSlug    string           `json:"modelSlug"`
	Prompt       string           `json:"prompt"`
	CreditsSpent int              `json:"creditsSpent"`
	Attempts     int              `json:"attempts"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	Steps        []model.Step     `json:"steps"`
	WrapID       string           `json:"wrapId,omitempty"`
	TextureURL   string           `json:"textureUrl,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	FinishedAt   *time.Time       `json:"finishedAt,omitempty"`
}

// WrapHandler 用户侧生成接口
type WrapHandler struct {
	pipeline *service.Pipeline
	log      *logger.Logger
}

func NewWrapHandler(p *service.Pipeline, log *logger.Logger) *WrapHandler {
	return &WrapHandler{pipeline: p, log: log}
}

// Generate 扣费并入队，返回 202
func (h *WrapHandler) Generate(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error(), nil)
		return
	}

	key := req.IdempotencyKey
	if header := c.GetHeader("Idempotency-Key"); header != "" {
		key = header
	}

	result, err := h.pipeline.Intake.Submit(c.Request.Context(), service.IntakeRequest{
		UserID:          middleware.UserID(c),
		ModelSlug:       req.ModelSlug,
		Prompt:          req.Prompt,
		ReferenceImages: req.ReferenceImages,
		Origin:          c.GetHeader("Origin"),
		IdempotencyKey:  key,
	})
	if err != nil {
		if errors.Is(err, service.ErrInsufficientCredits) {
			balance, berr := h.pipeline.Credits.GetBalance(c.Request.Context(), middleware.UserID(c))
			if berr == nil {
				fail(c, http.StatusPaymentRequired, "积分不足", gin.H{"balance": balance.Balance})
				return
			}
		}
		respondError(c, err)
		return
	}

	success(c, http.StatusAccepted, result, "任务已提交")
}

// GetTask 查询自己的任务
func (h *WrapHandler) GetTask(c *gin.Context) {
	task, err := h.pipeline.Tasks.GetUserTask(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	view := TaskView{
		ID:           task.ID,
		Status:       task.Status,
		ModelSlug:    task.ModelSlug,
		Prompt:       task.Prompt,
		CreditsSpent: task.CreditsSpent,
		Attempts:     task.Attempts,
		ErrorMessage: task.ErrorMessage,
		Steps:        task.Steps,
		CreatedAt:    task.CreatedAt,
		FinishedAt:   task.FinishedAt,
	}
	if view.Steps == nil {
		view.Steps = []model.Step{}
	}
	if task.WrapID != nil {
		view.WrapID = *task.WrapID
		if wrap, err := h.pipeline.Tasks.GetWrap(c.Request.Context(), *task.WrapID); err == nil {
			view.TextureURL = wrap.TextureURL
		} else {
			h.log.Warnf("查询任务作品失败: task=%s, wrap=%s, err=%v", task.ID, *task.WrapID, err)
		}
	}

	success(c, http.StatusOK, view, "获取任务成功")
}
