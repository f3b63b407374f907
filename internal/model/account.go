package model

import (
	"time"
)

// Account 用户资金账户表
//
// pending_amount / locked_amount 均以 lamport（最小货币单位）计，恒为非负。
// 两列只允许通过 AccountRepository 的原子 UPDATE 修改，任何直接写入都是违规
type Account struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID        int64     `gorm:"uniqueIndex;not null" json:"user_id"`                    // 用户ID，业务方传入
	WalletAddress string    `gorm:"type:varchar(64);not null" json:"wallet_address"`        // 收款钱包地址
	PendingAmount int64     `gorm:"not null;default:0" json:"pending_amount"`               // 待提现余额（任务奖励累计）
	LockedAmount  int64     `gorm:"not null;default:0" json:"locked_amount"`                // 锁定金额（在途提现）
	Version       int       `gorm:"not null;default:0" json:"version"`                      // 乐观锁版本号
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}
