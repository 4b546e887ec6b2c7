package handler

import (
	"errors"
	"strconv"

	"partnerledger/internal/config"
	"partnerledger/internal/infrastructure/lock"
	"partnerledger/internal/referral"
	"partnerledger/internal/repository"
	"partnerledger/internal/service"
	"partnerledger/pkg/response"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	resolver      *referral.Resolver
	saleService   *service.SaleService
	energyService *service.EnergyService
	cycleService  *service.CycleService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, locks lock.Provider, cfg *config.Config) *Handler {
	return &Handler{
		resolver:      referral.NewResolver(repository.NewMemberRepository(db)),
		saleService:   service.NewSaleService(db, locks, cfg),
		energyService: service.NewEnergyService(db, locks, cfg),
		cycleService:  service.NewCycleService(db, locks, cfg),
	}
}

// ============================================================
// 销售事件接入
// ============================================================

// SaleFinalized 销售确认入口（订单系统回调，仅在支付确认后调用）
// POST /api/v1/sale/finalized
//
// 【关键点】同一 event_id 可被重复投递，引擎保证至多一次账务影响
func (h *Handler) SaleFinalized(c *gin.Context) {
	var req service.SaleFinalizedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.saleService.OnSaleFinalized(c.Request.Context(), &req)
	if err != nil {
		if referral.IsGraphCorruption(err) {
			response.BusinessError(c, response.CodeGraphCorruption, err.Error())
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, result)
}

// ============================================================
// 会员账户接口
// ============================================================

// GetBalance 查询会员现金与能量余额
// GET /api/v1/member/balance?member_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	memberID, err := parseMemberID(c)
	if err != nil {
		response.ParamError(c, "member_id 参数错误")
		return
	}

	balances, err := h.energyService.GetBalances(c.Request.Context(), memberID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, balances)
}

// ListLedger 查询会员账本流水
// GET /api/v1/member/ledger?member_id=xxx&page=1&page_size=10
func (h *Handler) ListLedger(c *gin.Context) {
	memberID, err := parseMemberID(c)
	if err != nil {
		response.ParamError(c, "member_id 参数错误")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	entries, total, err := h.energyService.ListLedger(c.Request.Context(), memberID, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":      entries,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetUpline 查询会员祖先链（近者在前）
// GET /api/v1/member/upline?member_id=xxx&max_depth=10
func (h *Handler) GetUpline(c *gin.Context) {
	memberID, err := parseMemberID(c)
	if err != nil {
		response.ParamError(c, "member_id 参数错误")
		return
	}

	maxDepth, _ := strconv.Atoi(c.DefaultQuery("max_depth", "10"))
	if maxDepth <= 0 || maxDepth > 10 {
		maxDepth = 10
	}

	upline, err := h.resolver.ResolveUpline(c.Request.Context(), memberID, maxDepth)
	if err != nil {
		if referral.IsGraphCorruption(err) {
			response.BusinessError(c, response.CodeGraphCorruption, err.Error())
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"member_id": memberID,
		"upline":    upline,
	})
}

// SetReferrerRequest 指定推荐人请求
type SetReferrerRequest struct {
	MemberID   int64 `json:"member_id" binding:"required"`
	ReferrerID int64 `json:"referrer_id" binding:"required"`
}

// SetReferrer 指定推荐人（注册中心的写入闸口）
// POST /api/v1/member/referrer
//
// 会形成环路的指定在任何持久化之前被拒绝
func (h *Handler) SetReferrer(c *gin.Context) {
	var req SetReferrerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	err := h.resolver.AssignReferrer(c.Request.Context(), req.MemberID, req.ReferrerID)
	if err != nil {
		switch {
		case errors.Is(err, referral.ErrSelfReferral), errors.Is(err, referral.ErrAssignmentRejected):
			response.BusinessError(c, response.CodeReferralRejected, err.Error())
		case referral.IsGraphCorruption(err):
			response.BusinessError(c, response.CodeGraphCorruption, err.Error())
		case errors.Is(err, repository.ErrMemberNotFound):
			response.BusinessError(c, response.CodeMemberNotFound, err.Error())
		default:
			response.ServerError(c, err.Error())
		}
		return
	}

	response.Success(c, gin.H{
		"message": "推荐人已指定",
	})
}

// ============================================================
// 合伙人接口
// ============================================================

// GrantEnrollmentRequest 注册赠送请求
type GrantEnrollmentRequest struct {
	MemberID int64 `json:"member_id" binding:"required"`
}

// GrantEnrollment 合伙人注册赠送能量（注册中心激活后调用，幂等）
// POST /api/v1/partner/grant
func (h *Handler) GrantEnrollment(c *gin.Context) {
	var req GrantEnrollmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	entry, applied, err := h.energyService.GrantEnrollmentEnergy(c.Request.Context(), req.MemberID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotEnrolled), errors.Is(err, service.ErrEnrollmentInactive):
			response.BusinessError(c, response.CodeBusinessError, err.Error())
		default:
			response.ServerError(c, err.Error())
		}
		return
	}

	data := gin.H{"applied": applied}
	if entry != nil {
		data["entry_no"] = entry.EntryNo
		data["amount"] = entry.Amount
	}
	response.Success(c, data)
}

// ============================================================
// 提现接口
// ============================================================

// Withdraw 提现（支付网关放款前调用）
// POST /api/v1/withdraw/execute
func (h *Handler) Withdraw(c *gin.Context) {
	var req service.WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.energyService.Withdraw(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInsufficientEnergy):
			response.BusinessError(c, response.CodeInsufficientEnergy, err.Error())
		case errors.Is(err, service.ErrInsufficientCash):
			response.BusinessError(c, response.CodeInsufficientCash, err.Error())
		default:
			response.ServerError(c, err.Error())
		}
		return
	}

	response.Success(c, result)
}

// ============================================================
// 周期接口
// ============================================================

// GetCycleStatus 查询当前奖金池周期（管理端报表）
// GET /api/v1/cycle/status
func (h *Handler) GetCycleStatus(c *gin.Context) {
	status, err := h.cycleService.GetCycleStatus(c.Request.Context())
	if err != nil {
		if errors.Is(err, repository.ErrCycleNotFound) {
			response.BusinessError(c, response.CodeCycleNotFound, err.Error())
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, status)
}

func parseMemberID(c *gin.Context) (int64, error) {
	return strconv.ParseInt(c.Query("member_id"), 10, 64)
}
