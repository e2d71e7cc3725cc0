package handler

import (
	"errors"
	"net/http"
	"strconv"

	"wrap-studio/app/service"

	"github.com/gin-gonic/gin"
)

// ApiResponse 统一的API响应格式
type ApiResponse struct {
	Code    int    `json:"code"`    // 状态码，0表示成功
	Message string `json:"message"` // 响应消息
	Data    any    `json:"data"`    // 响应数据
}

// 创建成功响应
func success(c *gin.Context, statusCode int, data any, message string) {
	c.JSON(statusCode, ApiResponse{
		Code:    0,
		Message: message,
		Data:    data,
	})
}

// 创建错误响应
func fail(c *gin.Context, statusCode int, message string, data any) {
	c.JSON(statusCode, ApiResponse{
		Code:    statusCode,
		Message: message,
		Data:    data,
	})
}

// errorStatus 把服务层错误映射为 HTTP 状态码
func errorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, service.ErrPolicyRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrTaskNotRefundable):
		return http.StatusConflict
	case errors.Is(err, service.ErrWorkerDisabled), errors.Is(err, service.ErrSweeperDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError 按错误类型返回；未知错误不把内部信息暴露给调用方
func respondError(c *gin.Context, err error) {
	status := errorStatus(err)

	var policy *service.PolicyError
	if errors.As(err, &policy) {
		fail(c, status, policy.Error(), policy.Result)
		return
	}
	if status == http.StatusInternalServerError {
		fail(c, status, "服务器内部错误", nil)
		return
	}
	fail(c, status, err.Error(), nil)
}

func queryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// PageResult 分页结果
type PageResult struct {
	Items    any   `json:"items"`
	Total    int64 `json:"total"`
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
}

// normalizePage 与服务层分页规则一致：页码从 1 开始，每页 1..100 条，默认 20
func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}
