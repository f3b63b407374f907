package repository

import (
	"context"
	"errors"
	"time"

	"taskpay/internal/model"

	"gorm.io/gorm"
)

var (
	ErrPayoutNotFound      = errors.New("提现记录不存在")
	ErrPayoutStatusInvalid = errors.New("提现状态不允许此转移")
)

// PayoutRepository 提现记录存储
//
// 所有状态转移都是 WHERE status = 当前态 的 CAS 更新，
// 零行命中即说明有并发转移抢先，调用方据此保证幂等
type PayoutRepository struct {
	db *gorm.DB
}

func NewPayoutRepository(db *gorm.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

func (r *PayoutRepository) Create(ctx context.Context, tx *gorm.DB, record *model.PayoutRecord) error {
	if tx == nil {
		tx = r.db
	}
	record.Status = model.PayoutStatusPending
	record.RetryCount = 0
	return tx.WithContext(ctx).Create(record).Error
}

func (r *PayoutRepository) GetByPayoutNo(ctx context.Context, payoutNo string) (*model.PayoutRecord, error) {
	var record model.PayoutRecord
	err := r.db.WithContext(ctx).Where("payout_no = ?", payoutNo).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}
	return &record, nil
}

// AttachTransaction 附加链上交易引用，状态推进到 PROCESSING
//
// 只有 transaction_ref 为空或等于本次引用时才会命中，
// 引用一旦写入不再改变
func (r *PayoutRepository) AttachTransaction(ctx context.Context, tx *gorm.DB, payoutNo, ref string) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.PayoutRecord{}).
		Where("payout_no = ? AND status IN ? AND (transaction_ref = '' OR transaction_ref = ?)",
			payoutNo,
			[]string{model.PayoutStatusPending, model.PayoutStatusProcessing},
			ref).
		Updates(map[string]interface{}{
			"status":          model.PayoutStatusProcessing,
			"transaction_ref": ref,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrPayoutStatusInvalid
	}

	return nil
}

// MarkSuccess PROCESSING -> SUCCESS
func (r *PayoutRepository) MarkSuccess(ctx context.Context, tx *gorm.DB, payoutNo string) error {
	if tx == nil {
		tx = r.db
	}

	now := time.Now()
	result := tx.WithContext(ctx).
		Model(&model.PayoutRecord{}).
		Where("payout_no = ? AND status = ?", payoutNo, model.PayoutStatusProcessing).
		Updates(map[string]interface{}{
			"status":       model.PayoutStatusSuccess,
			"processed_at": &now,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrPayoutStatusInvalid
	}

	return nil
}

// MarkFailed 非终态 -> FAILED，记录失败原因并累加重试次数
func (r *PayoutRepository) MarkFailed(ctx context.Context, tx *gorm.DB, payoutNo, reason string) error {
	if tx == nil {
		tx = r.db
	}

	now := time.Now()
	result := tx.WithContext(ctx).
		Model(&model.PayoutRecord{}).
		Where("payout_no = ? AND status IN ?",
			payoutNo,
			[]string{model.PayoutStatusPending, model.PayoutStatusProcessing}).
		Updates(map[string]interface{}{
			"status":         model.PayoutStatusFailed,
			"failure_reason": reason,
			"retry_count":    gorm.Expr("retry_count + 1"),
			"processed_at":   &now,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrPayoutStatusInvalid
	}

	return nil
}

// ListOutstanding 待结算记录：PENDING / PROCESSING 且重试次数未达上限
//
// 按创建时间升序，最早的提现请求最先结算
func (r *PayoutRepository) ListOutstanding(ctx context.Context, retryCeiling, limit int) ([]*model.PayoutRecord, error) {
	var records []*model.PayoutRecord
	err := r.db.WithContext(ctx).
		Where("status IN ? AND retry_count < ?",
			[]string{model.PayoutStatusPending, model.PayoutStatusProcessing},
			retryCeiling).
		Order("created_at ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// IncrementRetryCount Worker 记录一次失败的推进尝试（缺少交易引用 / 状态查询异常）
func (r *PayoutRepository) IncrementRetryCount(ctx context.Context, payoutNo string) error {
	return r.db.WithContext(ctx).
		Model(&model.PayoutRecord{}).
		Where("payout_no = ?", payoutNo).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error
}

func (r *PayoutRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.PayoutRecord, int64, error) {
	var records []*model.PayoutRecord
	var total int64

	query := r.db.WithContext(ctx).Model(&model.PayoutRecord{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error

	return records, total, err
}

// SumOutstandingAmount PENDING/PROCESSING 记录金额之和，对账用：
// 任意时刻应等于所有账户 locked_amount 之和
func (r *PayoutRepository) SumOutstandingAmount(ctx context.Context) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&model.PayoutRecord{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("status IN ?", []string{model.PayoutStatusPending, model.PayoutStatusProcessing}).
		Scan(&total).Error
	return total, err
}
