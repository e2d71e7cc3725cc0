package handler

import (
	"net/http"
	"strings"

	"wrap-studio/app/logger"
	"wrap-studio/app/model"
	"wrap-studio/app/service"

	"github.com/gin-gonic/gin"
)

const manualRefundReason = "Manual refund by operator"

// RefundRequest 手动退款请求，reason 可省略
type RefundRequest struct {
	Reason string `json:"reason"`
}

// GrantRequest 发放积分请求
type GrantRequest struct {
	UserID      string `json:"userId" binding:"required"`
	Amount      int    `json:"amount" binding:"required,gt=0"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// AdminHandler 运维接口，使用内部鉴权
type AdminHandler struct {
	pipeline *service.Pipeline
	log      *logger.Logger
}

func NewAdminHandler(p *service.Pipeline, log *logger.Logger) *AdminHandler {
	return &AdminHandler{pipeline: p, log: log}
}

// RefundTask 手动退款；已退款的任务返回 alreadyRefunded=true
func (h *AdminHandler) RefundTask(c *gin.Context) {
	var req RefundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error(), nil)
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = manualRefundReason
	}

	result, err := h.pipeline.Refunds.Refund(c.Request.Context(), c.Param("id"), reason)
	if err != nil {
		respondError(c, err)
		return
	}

	h.log.Infof("手动退款: task=%s, amount=%d, already=%v", result.TaskID, result.Amount, result.AlreadyRefunded)
	success(c, http.StatusOK, result, "退款处理完成")
}

// TaskStats 时间窗口内各状态任务数量
func (h *AdminHandler) TaskStats(c *gin.Context) {
	stats, err := h.pipeline.Tasks.TaskStats(c.Request.Context(), queryInt(c, "hours", 24))
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, http.StatusOK, stats, "获取任务统计成功")
}

// ListTasks 按状态筛选任务，默认列出 failed 和 processing
func (h *AdminHandler) ListTasks(c *gin.Context) {
	page, pageSize := normalizePage(queryInt(c, "page", 1), queryInt(c, "page_size", 20))

	filter := service.TaskFilter{
		UserID:   strings.TrimSpace(c.Query("user_id")),
		Page:     page,
		PageSize: pageSize,
	}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := model.TaskStatus(strings.TrimSpace(part))
			if !validStatus(status) {
				fail(c, http.StatusBadRequest, "不支持的任务状态: "+string(status), nil)
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	} else {
		filter.Statuses = []model.TaskStatus{model.TaskStatusFailed, model.TaskStatusProcessing}
	}

	tasks, total, err := h.pipeline.Tasks.ListTasks(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, http.StatusOK, PageResult{Items: tasks, Total: total, Page: page, PageSize: pageSize}, "获取任务列表成功")
}

// GrantCredits 充值或系统奖励
func (h *AdminHandler) GrantCredits(c *gin.Context) {
	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error(), nil)
		return
	}

	ledgerType := model.LedgerTypeTopUp
	if req.Type != "" {
		ledgerType = model.LedgerType(req.Type)
	}
	description := req.Description
	if description == "" {
		description = "Admin grant"
	}

	credits, err := h.pipeline.Credits.Grant(c.Request.Context(), strings.TrimSpace(req.UserID), req.Amount, ledgerType, description)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, http.StatusOK, credits, "积分发放成功")
}

func validStatus(status model.TaskStatus) bool {
	for _, s := range model.AllTaskStatuses() {
		if s == status {
			return true
		}
	}
	return false
}
