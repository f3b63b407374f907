package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskpay/internal/config"
	"taskpay/internal/infrastructure/lock"
	"taskpay/internal/model"
	"taskpay/internal/repository"
	"taskpay/pkg/idgen"
	"taskpay/pkg/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidAmount        = errors.New("提现金额必须大于 0")
	ErrConflictingReference = errors.New("提现已绑定其他交易引用")
	ErrInvalidState         = errors.New("提现状态不允许此操作")
)

// PayoutService 提现结算的事务核心
//
// 资金预留、记录创建、状态转移和账本回补都在这里完成，
// 每个操作是一个完整的数据库事务：要么全部生效，要么全部回滚，
// 不存在"扣了钱没有记录"的中间态
type PayoutService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	accountRepo *repository.AccountRepository
	payoutRepo  *repository.PayoutRepository
	outboxRepo  *repository.OutboxRepository
}

func NewPayoutService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *PayoutService {
	return &PayoutService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		accountRepo: repository.NewAccountRepository(db),
		payoutRepo:  repository.NewPayoutRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
	}
}

// CreatePayout 创建提现：预留资金 + 生成 PENDING 记录
//
// 金额校验在任何变更之前，余额不足时不留任何痕迹
func (s *PayoutService) CreatePayout(ctx context.Context, userID int64, amount int64) (*model.PayoutRecord, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	payoutNo := idgen.GeneratePayoutNo()

	payoutLock := lock.NewPayoutLock(s.redisClient, userID, payoutNo)
	if err := payoutLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer payoutLock.Unlock(ctx)

	return s.create(ctx, payoutNo, userID, amount)
}

// CreateFullPayout 提现当前全部待提现余额
//
// 金额在锁内读取，客户端传入的金额一律不采信
func (s *PayoutService) CreateFullPayout(ctx context.Context, userID int64) (*model.PayoutRecord, error) {
	payoutNo := idgen.GeneratePayoutNo()

	payoutLock := lock.NewPayoutLock(s.redisClient, userID, payoutNo)
	if err := payoutLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer payoutLock.Unlock(ctx)

	account, err := s.accountRepo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if account.PendingAmount <= 0 {
		return nil, repository.ErrInsufficientBalance
	}

	return s.create(ctx, payoutNo, userID, account.PendingAmount)
}

func (s *PayoutService) create(ctx context.Context, payoutNo string, userID int64, amount int64) (*model.PayoutRecord, error) {
	record := &model.PayoutRecord{
		PayoutNo: payoutNo,
		UserID:   userID,
		Amount:   amount,
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.accountRepo.Reserve(ctx, tx, userID, amount); err != nil {
			return err
		}
		if err := s.payoutRepo.Create(ctx, tx, record); err != nil {
			return fmt.Errorf("创建提现记录失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("提现创建成功",
		zap.String("payoutNo", payoutNo),
		zap.Int64("userID", userID),
		zap.Int64("amount", amount),
	)

	return record, nil
}

// AttachTransaction 附加链上交易引用，PENDING -> PROCESSING
//
// 幂等：同一引用重复附加是空操作；已绑定其他引用则报冲突
func (s *PayoutService) AttachTransaction(ctx context.Context, payoutNo, ref string) (*model.PayoutRecord, error) {
	if ref == "" {
		return nil, errors.New("交易引用不能为空")
	}

	record, err := s.payoutRepo.GetByPayoutNo(ctx, payoutNo)
	if err != nil {
		return nil, err
	}

	if record.TransactionRef == ref {
		// 重复提交同一引用，直接返回当前记录
		return record, nil
	}
	if record.TransactionRef != "" {
		return nil, ErrConflictingReference
	}
	if model.IsTerminalStatus(record.Status) {
		return nil, ErrInvalidState
	}

	if err := s.payoutRepo.AttachTransaction(ctx, nil, payoutNo, ref); err != nil {
		if errors.Is(err, repository.ErrPayoutStatusInvalid) {
			// CAS 落空说明有并发转移，重读后按当前状态裁决
			current, readErr := s.payoutRepo.GetByPayoutNo(ctx, payoutNo)
			if readErr != nil {
				return nil, readErr
			}
			if current.TransactionRef == ref {
				return current, nil
			}
			if current.TransactionRef != "" {
				return nil, ErrConflictingReference
			}
			return nil, ErrInvalidState
		}
		return nil, err
	}

	return s.payoutRepo.GetByPayoutNo(ctx, payoutNo)
}

// ConfirmPayout 链上确认完成：释放锁定资金，记录转 SUCCESS
//
// 幂等：已经 SUCCESS 的记录重复确认是空操作，锁定资金只释放一次
func (s *PayoutService) ConfirmPayout(ctx context.Context, payoutNo string) error {
	record, err := s.payoutRepo.GetByPayoutNo(ctx, payoutNo)
	if err != nil {
		return err
	}

	if record.Status == model.PayoutStatusSuccess {
		logger.Warn("提现已确认，忽略重复操作", zap.String("payoutNo", payoutNo))
		return nil
	}
	if record.Status != model.PayoutStatusProcessing {
		return fmt.Errorf("%w: 当前状态 %s，确认要求 PROCESSING", ErrInvalidState, record.Status)
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		// CAS 转移先行：并发确认只有一个事务能命中
		if err := s.payoutRepo.MarkSuccess(ctx, tx, payoutNo); err != nil {
			return err
		}
		if err := s.accountRepo.Release(ctx, tx, record.UserID, record.Amount); err != nil {
			return err
		}
		return s.appendSettlementEvent(ctx, tx, record, model.PayoutStatusSuccess, "")
	})
	if err != nil {
		if errors.Is(err, repository.ErrPayoutStatusInvalid) {
			current, readErr := s.payoutRepo.GetByPayoutNo(ctx, payoutNo)
			if readErr == nil && current.Status == model.PayoutStatusSuccess {
				logger.Warn("提现已被并发确认，忽略重复操作", zap.String("payoutNo", payoutNo))
				return nil
			}
			return fmt.Errorf("%w: 确认时状态已变更", ErrInvalidState)
		}
		return err
	}

	logger.Info("提现确认成功，锁定资金已释放",
		zap.String("payoutNo", payoutNo),
		zap.Int64("userID", record.UserID),
		zap.Int64("amount", record.Amount),
	)

	return nil
}

// FailPayout 提现失败：资金退回 pending，记录转 FAILED
//
// 幂等：终态记录直接忽略，保证每个 FAILED 转移只回补一次资金
func (s *PayoutService) FailPayout(ctx context.Context, payoutNo, reason string) error {
	record, err := s.payoutRepo.GetByPayoutNo(ctx, payoutNo)
	if err != nil {
		return err
	}

	if model.IsTerminalStatus(record.Status) {
		logger.Warn("提现已是终态，忽略失败操作",
			zap.String("payoutNo", payoutNo),
			zap.String("status", record.Status),
			zap.String("reason", reason),
		)
		return nil
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.payoutRepo.MarkFailed(ctx, tx, payoutNo, reason); err != nil {
			return err
		}
		if err := s.accountRepo.Revert(ctx, tx, record.UserID, record.Amount); err != nil {
			return err
		}
		return s.appendSettlementEvent(ctx, tx, record, model.PayoutStatusFailed, reason)
	})
	if err != nil {
		if errors.Is(err, repository.ErrPayoutStatusInvalid) {
			logger.Warn("提现已被并发转为终态，忽略失败操作", zap.String("payoutNo", payoutNo))
			return nil
		}
		return err
	}

	logger.Info("提现已失败，资金退回待提现余额",
		zap.String("payoutNo", payoutNo),
		zap.Int64("userID", record.UserID),
		zap.Int64("amount", record.Amount),
		zap.String("reason", reason),
	)

	return nil
}

// GetPayout 查询单条提现记录
func (s *PayoutService) GetPayout(ctx context.Context, payoutNo string) (*model.PayoutRecord, error) {
	return s.payoutRepo.GetByPayoutNo(ctx, payoutNo)
}

// ListUserPayouts 用户提现历史（含 FAILED 审计记录）
func (s *PayoutService) ListUserPayouts(ctx context.Context, userID int64, page, pageSize int) ([]*model.PayoutRecord, int64, error) {
	return s.payoutRepo.ListByUserID(ctx, userID, page, pageSize)
}

// appendSettlementEvent 与终态转移同事务写入发件箱
func (s *PayoutService) appendSettlementEvent(ctx context.Context, tx *gorm.DB, record *model.PayoutRecord, status, reason string) error {
	payload := map[string]interface{}{
		"payout_no":      record.PayoutNo,
		"user_id":        record.UserID,
		"amount":         record.Amount,
		"status":         status,
		"failure_reason": reason,
		"settled_at":     time.Now().Format(time.RFC3339),
	}
	payloadBytes, _ := json.Marshal(payload)

	topic := "payout_result"
	if s.cfg != nil && s.cfg.Kafka.Topic.PayoutResult != "" {
		topic = s.cfg.Kafka.Topic.PayoutResult
	}

	msg := &model.OutboxMessage{
		MessageKey: record.PayoutNo,
		Topic:      topic,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, tx, msg); err != nil {
		return fmt.Errorf("写入结算事件失败: %w", err)
	}
	return nil
}
