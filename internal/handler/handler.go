package handler

import (
	"context"
	"errors"
	"strconv"

	"cashsettle/internal/repository"
	"cashsettle/internal/service"
	"cashsettle/internal/settlement"
	"cashsettle/pkg/response"

	"github.com/gin-gonic/gin"
)

// SettlementService 处理器依赖的结算服务
type SettlementService interface {
	Begin(ctx context.Context, req *service.BeginRequest) (*service.BeginResponse, error)
	RequestFix() error
	RequestCancel() error
	RequestErrorRestore() error
	RequestErrorCancel() error
	Current(ctx context.Context) (*service.CurrentView, error)
	Get(ctx context.Context, settlementNo string) (*service.SettlementDetail, error)
	List(ctx context.Context, page, pageSize int) (*service.SettlementList, error)
	MachineStatus(ctx context.Context) (settlement.MachineStatus, error)
}

type Handler struct {
	settlementService SettlementService
}

func NewHandler(settlementService SettlementService) *Handler {
	return &Handler{settlementService: settlementService}
}

// ============================================================
// 结算接口
// ============================================================

// Begin 开始现金结算
// POST /api/v1/settlement/begin
func (h *Handler) Begin(c *gin.Context) {
	var req service.BeginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	resp, err := h.settlementService.Begin(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, resp)
}

// Current 当前交易状态，收银界面轮询
// GET /api/v1/settlement/current
func (h *Handler) Current(c *gin.Context) {
	view, err := h.settlementService.Current(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, view)
}

// Fix 操作员确定投入金额
// POST /api/v1/settlement/fix
func (h *Handler) Fix(c *gin.Context) {
	h.intent(c, h.settlementService.RequestFix, "已请求确定")
}

// Cancel 操作员取消交易
// POST /api/v1/settlement/cancel
func (h *Handler) Cancel(c *gin.Context) {
	h.intent(c, h.settlementService.RequestCancel, "已请求取消")
}

// ErrorRestore 错误后恢复，重新开始交易
// POST /api/v1/settlement/error/restore
func (h *Handler) ErrorRestore(c *gin.Context) {
	h.intent(c, h.settlementService.RequestErrorRestore, "已请求恢复")
}

// ErrorCancel 错误后放弃交易
// POST /api/v1/settlement/error/cancel
func (h *Handler) ErrorCancel(c *gin.Context) {
	h.intent(c, h.settlementService.RequestErrorCancel, "已请求错误取消")
}

func (h *Handler) intent(c *gin.Context, fn func() error, message string) {
	if err := fn(); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": message})
}

// Detail 结算记录详情
// GET /api/v1/settlement/detail?settlement_no=xxx
func (h *Handler) Detail(c *gin.Context) {
	settlementNo := c.Query("settlement_no")
	if settlementNo == "" {
		response.ParamError(c, "settlement_no 参数不能为空")
		return
	}

	detail, err := h.settlementService.Get(c.Request.Context(), settlementNo)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, detail)
}

// List 本终端结算记录
// GET /api/v1/settlement/list?page=1&page_size=20
func (h *Handler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	list, err := h.settlementService.List(c.Request.Context(), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, list)
}

// DeviceStatus 现金机状态
// GET /api/v1/device/status
func (h *Handler) DeviceStatus(c *gin.Context) {
	status, err := h.settlementService.MachineStatus(c.Request.Context())
	if err != nil {
		response.BusinessError(c, response.CodeDeviceUnavailable, "查询现金机状态失败: "+err.Error())
		return
	}
	response.Success(c, status)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidAmount):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrTerminalBusy):
		response.BusinessError(c, response.CodeTerminalBusy, err.Error())
	case errors.Is(err, service.ErrRequestConflict):
		response.BusinessError(c, response.CodeDuplicateRequest, err.Error())
	case errors.Is(err, service.ErrNoActiveSettlement):
		response.BusinessError(c, response.CodeNoActiveSettlement, err.Error())
	case errors.Is(err, repository.ErrSettlementNotFound):
		response.BusinessError(c, response.CodeSettlementNotFound, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}
