package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"wrap-studio/app/logger"
	"wrap-studio/app/service"

	"github.com/gin-gonic/gin"
)

// TickRequest tick 接口请求体，batchSize 可省略
type TickRequest struct {
	BatchSize int `json:"batchSize"`
}

// InternalTickHandler 外部定时器调用的 worker-tick 和 sweeper-tick
type InternalTickHandler struct {
	pipeline *service.Pipeline
	log      *logger.Logger
}

func NewInternalTickHandler(p *service.Pipeline, log *logger.Logger) *InternalTickHandler {
	return &InternalTickHandler{pipeline: p, log: log}
}

// parseTickRequest 请求体为空或无法解析时使用默认批量
func parseTickRequest(c *gin.Context) TickRequest {
	var req TickRequest
	raw, err := c.GetRawData()
	if err != nil || len(raw) == 0 {
		return req
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return TickRequest{}
	}
	return req
}

// WorkerTick 认领并处理一批任务
func (h *InternalTickHandler) WorkerTick(c *gin.Context) {
	req := parseTickRequest(c)

	// 调用方断开连接不应中断已认领任务的处理
	result, err := h.pipeline.Worker.Tick(context.WithoutCancel(c.Request.Context()), req.BatchSize)
	if err != nil {
		h.log.Errorf("worker-tick 失败: %v", err)
		respondError(c, err)
		return
	}
	success(c, http.StatusOK, result, "worker-tick 完成")
}

// SweeperTick 终止过期任务并退款
func (h *InternalTickHandler) SweeperTick(c *gin.Context) {
	req := parseTickRequest(c)

	result, err := h.pipeline.Sweeper.Tick(context.WithoutCancel(c.Request.Context()), req.BatchSize)
	if err != nil {
		h.log.Errorf("sweeper-tick 失败: %v", err)
		respondError(c, err)
		return
	}
	success(c, http.StatusOK, result, "sweeper-tick 完成")
}
