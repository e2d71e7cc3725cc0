package handler

import (
	"net/http"

	"wrap-studio/app/logger"
	"wrap-studio/app/middleware"
	"wrap-studio/app/service"

	"github.com/gin-gonic/gin"
)

// CreditsHandler 用户积分查询
type CreditsHandler struct {
	credits *service.CreditService
	log     *logger.Logger
}

func NewCreditsHandler(credits *service.CreditService, log *logger.Logger) *CreditsHandler {
	return &CreditsHandler{credits: credits, log: log}
}

// Balance 当前余额
func (h *CreditsHandler) Balance(c *gin.Context) {
	balance, err := h.credits.GetBalance(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, http.StatusOK, balance, "获取余额成功")
}

// History 积分流水，按时间倒序分页
func (h *CreditsHandler) History(c *gin.Context) {
	page := queryInt(c, "page", 1)
	pageSize := queryInt(c, "page_size", 20)
	page, pageSize = normalizePage(page, pageSize)

	items, total, err := h.credits.ListLedger(c.Request.Context(), middleware.UserID(c), page, pageSize)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, http.StatusOK, PageResult{Items: items, Total: total, Page: page, PageSize: pageSize}, "获取积分流水成功")
}
