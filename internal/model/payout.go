package model

import (
	"time"
)

const (
	PayoutStatusPending    = "PENDING"    // 资金已锁定，尚未提交链上交易
	PayoutStatusProcessing = "PROCESSING" // 已附加链上交易引用，等待确认
	PayoutStatusSuccess    = "SUCCESS"    // 链上确认完成，锁定资金已释放
	PayoutStatusFailed     = "FAILED"     // 终态失败，资金已退回 pending
)

// ValidStatusTransitions 提现状态机
//
// 一旦附加了 transaction_ref 就必须经过 PROCESSING；
// PENDING 可以在始终未提交交易时直接失败
var ValidStatusTransitions = map[string][]string{
	PayoutStatusPending:    {PayoutStatusProcessing, PayoutStatusFailed},
	PayoutStatusProcessing: {PayoutStatusSuccess, PayoutStatusFailed},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// IsTerminalStatus 终态记录不再参与结算，也不允许再次变更资金
func IsTerminalStatus(status string) bool {
	return status == PayoutStatusSuccess || status == PayoutStatusFailed
}

// PayoutRecord 提现记录表
//
// 每一行对应一次提现尝试，创建后 amount 不可变，记录永不删除。
// FAILED 记录保留作为审计痕迹，重试会生成新记录
type PayoutRecord struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	PayoutNo       string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"payout_no"`
	UserID         int64      `gorm:"index;not null" json:"user_id"`
	Amount         int64      `gorm:"not null" json:"amount"`                                  // 锁定金额（lamport），与 Reserve 的金额严格相等
	Status         string     `gorm:"type:varchar(20);index;not null" json:"status"`
	TransactionRef string     `gorm:"type:varchar(128);index" json:"transaction_ref"`          // 链上交易签名，只允许设置一次
	RetryCount     int        `gorm:"not null;default:0" json:"retry_count"`
	FailureReason  string     `gorm:"type:varchar(256)" json:"failure_reason"`
	ProcessedAt    *time.Time `json:"processed_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PayoutRecord) TableName() string {
	return "payout_record"
}
