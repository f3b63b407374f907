package service

import (
	"context"
	"errors"

	"taskpay/internal/model"
	"taskpay/internal/repository"

	"gorm.io/gorm"
)

// AccountService 账户边界操作
//
// 任务完成奖励入账由外部 CRUD 系统在这里调用，
// 余额列的实际写入全部走 AccountRepository 的原子操作
type AccountService struct {
	accountRepo *repository.AccountRepository
	db          *gorm.DB
}

func NewAccountService(db *gorm.DB) *AccountService {
	return &AccountService{
		accountRepo: repository.NewAccountRepository(db),
		db:          db,
	}
}

func (s *AccountService) GetAccount(ctx context.Context, userID int64) (*model.Account, error) {
	return s.accountRepo.GetByUserID(ctx, userID)
}

// Credit 任务完成奖励入账
func (s *AccountService) Credit(ctx context.Context, userID int64, walletAddress string, amount int64) error {
	if amount <= 0 {
		return errors.New("入账金额必须大于 0")
	}

	if _, err := s.accountRepo.GetOrCreate(ctx, userID, walletAddress); err != nil {
		return err
	}

	return s.accountRepo.Credit(ctx, s.db, userID, amount)
}
