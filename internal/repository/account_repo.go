package repository

import (
	"context"
	"errors"

	"taskpay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound     = errors.New("账户不存在")
	ErrInsufficientBalance = errors.New("待提现余额不足")
	// ErrLedgerInvariant 表示扣减会产生负余额。
	// 这是资金不变量被破坏的信号，调用方必须回滚整个事务，绝不允许静默截断
	ErrLedgerInvariant = errors.New("账本不变量被破坏：余额扣减结果为负")
)

// AccountRepository 资金账本
//
// Reserve / Release / Revert 是仅有的三种余额变更，
// 每一种都是针对单行的原子带条件 UPDATE，条件不满足时零行命中，
// 并发的 Reserve 不可能同时通过余额检查
type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) GetByUserID(ctx context.Context, userID int64) (*model.Account, error) {
	var account model.Account
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// Reserve 预留资金：pending -= amount, locked += amount
//
// WHERE pending_amount >= ? 保证余额检查与扣减在同一条语句内完成
func (r *AccountRepository) Reserve(ctx context.Context, tx *gorm.DB, userID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ? AND pending_amount >= ?", userID, amount).
		Updates(map[string]interface{}{
			"pending_amount": gorm.Expr("pending_amount - ?", amount),
			"locked_amount":  gorm.Expr("locked_amount + ?", amount),
			"version":        gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		account, err := r.GetByUserID(ctx, userID)
		if err != nil {
			return err
		}
		if account.PendingAmount < amount {
			return ErrInsufficientBalance
		}
		return ErrAccountNotFound
	}

	return nil
}

// Release 提现成功后释放锁定资金：locked -= amount
func (r *AccountRepository) Release(ctx context.Context, tx *gorm.DB, userID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ? AND locked_amount >= ?", userID, amount).
		Updates(map[string]interface{}{
			"locked_amount": gorm.Expr("locked_amount - ?", amount),
			"version":       gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrLedgerInvariant
	}

	return nil
}

// Revert 提现失败后退回资金：pending += amount, locked -= amount
func (r *AccountRepository) Revert(ctx context.Context, tx *gorm.DB, userID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ? AND locked_amount >= ?", userID, amount).
		Updates(map[string]interface{}{
			"pending_amount": gorm.Expr("pending_amount + ?", amount),
			"locked_amount":  gorm.Expr("locked_amount - ?", amount),
			"version":        gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrLedgerInvariant
	}

	return nil
}

// Credit 任务完成奖励入账：pending += amount
//
// 这是 pending 余额唯一的外部入口（另一个来源是失败提现的 Revert）
func (r *AccountRepository) Credit(ctx context.Context, tx *gorm.DB, userID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"pending_amount": gorm.Expr("pending_amount + ?", amount),
			"version":        gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}

	return nil
}

func (r *AccountRepository) GetOrCreate(ctx context.Context, userID int64, walletAddress string) (*model.Account, error) {
	account, err := r.GetByUserID(ctx, userID)
	if err == nil {
		return account, nil
	}

	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	newAccount := &model.Account{
		UserID:        userID,
		WalletAddress: walletAddress,
		PendingAmount: 0,
		LockedAmount:  0,
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(newAccount).Error

	if err != nil {
		return nil, err
	}

	return r.GetByUserID(ctx, userID)
}

// SumLocked 所有账户锁定金额之和，对账用
func (r *AccountRepository) SumLocked(ctx context.Context) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&model.Account{}).
		Select("COALESCE(SUM(locked_amount), 0)").
		Scan(&total).Error
	return total, err
}
