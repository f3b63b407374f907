package handler

import (
	"errors"
	"strconv"

	"taskpay/internal/chain"
	"taskpay/internal/config"
	"taskpay/internal/repository"
	"taskpay/internal/service"
	"taskpay/pkg/logger"
	"taskpay/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	accountService *service.AccountService
	payoutService  *service.PayoutService
	chainClient    *chain.SolanaClient
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, chainClient *chain.SolanaClient, cfg *config.Config) *Handler {
	return &Handler{
		accountService: service.NewAccountService(db),
		payoutService:  service.NewPayoutService(db, rdb, cfg),
		chainClient:    chainClient,
	}
}

// ============================================================
// 账户相关接口
// ============================================================

// GetBalance 查询用户余额
// GET /api/v1/account/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userIDStr := c.Query("user_id")
	userID, err := strconv.ParseInt(userIDStr, 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	account, err := h.accountService.GetAccount(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			response.BusinessError(c, response.CodeAccountNotFound, err.Error())
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"user_id":        account.UserID,
		"wallet_address": account.WalletAddress,
		"pending_amount": account.PendingAmount,
		"locked_amount":  account.LockedAmount,
	})
}

// CreditRequest 任务奖励入账请求
type CreditRequest struct {
	UserID        int64  `json:"user_id" binding:"required"`
	WalletAddress string `json:"wallet_address" binding:"required"`
	Amount        int64  `json:"amount" binding:"required,gt=0"`
}

// Credit 任务完成奖励入账（由任务 CRUD 系统回调）
// POST /api/v1/account/credit
func (h *Handler) Credit(c *gin.Context) {
	var req CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.accountService.Credit(c.Request.Context(), req.UserID, req.WalletAddress, req.Amount); err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"message": "入账成功",
	})
}

// ============================================================
// 提现相关接口
// ============================================================

// GetPayoutAmount 查询当前可提现金额
// GET /api/v1/payout/amount?user_id=xxx
func (h *Handler) GetPayoutAmount(c *gin.Context) {
	userIDStr := c.Query("user_id")
	userID, err := strconv.ParseInt(userIDStr, 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	account, err := h.accountService.GetAccount(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			response.BusinessError(c, response.CodeAccountNotFound, err.Error())
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"user_id":       account.UserID,
		"payout_amount": account.PendingAmount,
	})
}

// RequestPayoutRequest 提现申请
//
// 不接收金额参数：提现金额始终等于预留时刻的全部待提现余额，
// 客户端传什么都不采信
type RequestPayoutRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
}

// RequestPayout 发起提现：预留资金并创建 PENDING 记录
// POST /api/v1/payout/request
func (h *Handler) RequestPayout(c *gin.Context) {
	var req RequestPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	record, err := h.payoutService.CreateFullPayout(c.Request.Context(), req.UserID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrInsufficientBalance):
			response.BusinessError(c, response.CodeInsufficientBalance, err.Error())
		case errors.Is(err, repository.ErrAccountNotFound):
			response.BusinessError(c, response.CodeAccountNotFound, err.Error())
		default:
			response.ServerError(c, err.Error())
		}
		return
	}

	response.Success(c, gin.H{
		"payout_no": record.PayoutNo,
		"amount":    record.Amount,
		"status":    record.Status,
	})
}

// SubmitPayoutRequest 提交已签名的链上转账
type SubmitPayoutRequest struct {
	PayoutNo string `json:"payout_no" binding:"required"`
	SignedTx string `json:"signed_tx" binding:"required"` // base64 编码的已签名交易
}

// SubmitPayout 广播转账并把签名附加到提现记录
// POST /api/v1/payout/submit
//
// 链节点明确拒绝交易时立即判定提现失败；
// 临时故障则保持 PENDING，由结算任务按未提交路径处理
func (h *Handler) SubmitPayout(c *gin.Context) {
	var req SubmitPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	ref, err := h.chainClient.Submit(c.Request.Context(), req.SignedTx)
	if err != nil {
		if errors.Is(err, chain.ErrFatal) {
			if failErr := h.payoutService.FailPayout(c.Request.Context(), req.PayoutNo, "链节点拒绝交易: "+err.Error()); failErr != nil {
				logger.Error("提交被拒后标记失败出错",
					zap.String("payoutNo", req.PayoutNo),
					zap.Error(failErr),
				)
			}
			response.BusinessError(c, response.CodeSubmitFailed, err.Error())
			return
		}
		response.BusinessError(c, response.CodeSubmitFailed, "链节点暂时不可用，请稍后重试")
		return
	}

	record, err := h.payoutService.AttachTransaction(c.Request.Context(), req.PayoutNo, ref)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"payout_no":       record.PayoutNo,
		"transaction_ref": record.TransactionRef,
		"status":          record.Status,
	})
}

// AttachTransactionRequest 附加外部获得的交易引用
type AttachTransactionRequest struct {
	PayoutNo       string `json:"payout_no" binding:"required"`
	TransactionRef string `json:"transaction_ref" binding:"required"`
}

// AttachTransaction 附加链上交易引用
// POST /api/v1/payout/attach
func (h *Handler) AttachTransaction(c *gin.Context) {
	var req AttachTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	record, err := h.payoutService.AttachTransaction(c.Request.Context(), req.PayoutNo, req.TransactionRef)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrPayoutNotFound):
			response.BusinessError(c, response.CodePayoutNotFound, err.Error())
		case errors.Is(err, service.ErrConflictingReference):
			response.BusinessError(c, response.CodeConflictingReference, err.Error())
		case errors.Is(err, service.ErrInvalidState):
			response.BusinessError(c, response.CodeInvalidState, err.Error())
		default:
			response.ServerError(c, err.Error())
		}
		return
	}

	response.Success(c, gin.H{
		"payout_no":       record.PayoutNo,
		"transaction_ref": record.TransactionRef,
		"status":          record.Status,
	})
}

// GetPayout 查询提现详情
// GET /api/v1/payout/detail?payout_no=xxx
func (h *Handler) GetPayout(c *gin.Context) {
	payoutNo := c.Query("payout_no")
	if payoutNo == "" {
		response.ParamError(c, "payout_no 参数不能为空")
		return
	}

	record, err := h.payoutService.GetPayout(c.Request.Context(), payoutNo)
	if err != nil {
		if errors.Is(err, repository.ErrPayoutNotFound) {
			response.BusinessError(c, response.CodePayoutNotFound, err.Error())
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, record)
}

// ListPayouts 查询用户提现历史
// GET /api/v1/payout/list?user_id=xxx&page=1&page_size=10
func (h *Handler) ListPayouts(c *gin.Context) {
	userIDStr := c.Query("user_id")
	userID, err := strconv.ParseInt(userIDStr, 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	records, total, err := h.payoutService.ListUserPayouts(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":      records,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}
