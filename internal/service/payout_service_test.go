package service

import (
	"context"
	"path/filepath"
	"testing"

	"taskpay/internal/config"
	"taskpay/internal/model"
	"taskpay/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type serviceFixture struct {
	db          *gorm.DB
	svc         *PayoutService
	accountRepo *repository.AccountRepository
	payoutRepo  *repository.PayoutRepository
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "taskpay_test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.Account{},
		&model.PayoutRecord{},
		&model.OutboxMessage{},
	))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{Business: config.DefaultBusinessConfig()}
	cfg.Kafka.Topic.PayoutResult = "payout_result"

	return &serviceFixture{
		db:          db,
		svc:         NewPayoutService(db, rdb, cfg),
		accountRepo: repository.NewAccountRepository(db),
		payoutRepo:  repository.NewPayoutRepository(db),
	}
}

func (f *serviceFixture) seedAccount(t *testing.T, userID, pending int64) {
	t.Helper()
	require.NoError(t, f.db.Create(&model.Account{
		UserID:        userID,
		WalletAddress: "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		PendingAmount: pending,
	}).Error)
}

func (f *serviceFixture) account(t *testing.T, userID int64) *model.Account {
	t.Helper()
	account, err := f.accountRepo.GetByUserID(context.Background(), userID)
	require.NoError(t, err)
	return account
}

// assertLedgerBalanced 全局不变量：所有账户 locked 之和等于未结算提现金额之和
func (f *serviceFixture) assertLedgerBalanced(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	locked, err := f.accountRepo.SumLocked(ctx)
	require.NoError(t, err)
	outstanding, err := f.payoutRepo.SumOutstandingAmount(ctx)
	require.NoError(t, err)
	assert.Equal(t, outstanding, locked, "sum(locked) 必须等于未结算提现金额之和")
}

func TestCreatePayoutReservesFunds(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.seedAccount(t, 1, 1000)

	record, err := f.svc.CreatePayout(ctx, 1, 1000)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusPending, record.Status)
	assert.Equal(t, int64(1000), record.Amount)

	account := f.account(t, 1)
	assert.Equal(t, int64(0), account.PendingAmount)
	assert.Equal(t, int64(1000), account.LockedAmount)
	f.assertLedgerBalanced(t)

	// 余额已全部锁定，再提 1 都不行，且不留任何痕迹
	_, err = f.svc.CreatePayout(ctx, 1, 1)
	assert.ErrorIs(t, err, repository.ErrInsufficientBalance)

	account = f.account(t, 1)
	assert.Equal(t, int64(0), account.PendingAmount)
	assert.Equal(t, int64(1000), account.LockedAmount)

	var count int64
	require.NoError(t, f.db.Model(&model.PayoutRecord{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	f.assertLedgerBalanced(t)
}

func TestCreatePayoutRejectsNonPositiveAmount(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.seedAccount(t, 1, 1000)

	_, err := f.svc.CreatePayout(ctx, 1, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.svc.CreatePayout(ctx, 1, -50)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	// 校验发生在任何变更之前
	account := f.account(t, 1)
	assert.Equal(t, int64(1000), account.PendingAmount)
	assert.Equal(t, int64(0), account.LockedAmount)

	var count int64
	require.NoError(t, f.db.Model(&model.PayoutRecord{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestCreateFullPayoutUsesCurrentPending(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.seedAccount(t, 1, 700)

	record, err := f.svc.CreateFullPayout(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(700), record.Amount)

	account := f.account(t, 1)
	assert.Equal(t, int64(0), account.PendingAmount)
	assert.Equal(t, int64(700), account.LockedAmount)
	f.assertLedgerBalanced(t)

	// 余额为零时拒绝
	_, err = f.svc.CreateFullPayout(ctx, 1)
	assert.ErrorIs(t, err, repository.ErrInsufficientBalance)
}

func TestAttachTransactionIdempotent(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.seedAccount(t, 1, 500)
	record, err := f.svc.CreatePayout(ctx, 1, 500)
	require.NoError(t, err)

	attached, err := f.svc.AttachTransaction(ctx, record.PayoutNo, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusProcessing, attached.Status)
	assert.Equal(t, "sig-1", attached.TransactionRef)

	// 同一引用重复附加是空操作
	again, err := f.svc.AttachTransaction(ctx, record.PayoutNo, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, "sig-1", again.TransactionRef)

	// 不同引用报冲突
	_, err = f.svc.AttachTransaction(ctx, record.PayoutNo, "sig-2")
	assert.ErrorIs(t, err, ErrConflictingReference)
}

func TestConfirmPayoutReleasesFundsOnce(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.seedAccount(t, 1, 1000)
	record, err := f.svc.CreatePayout(ctx, 1, 100)
	require.NoError(t, err)
	_, err = f.svc.AttachTransaction(ctx, record.PayoutNo, "sig-1")
	require.NoError(t, err)

	require.NoError(t, f.svc.ConfirmPayout(ctx, record.PayoutNo))

	account := f.account(t, 1)
	assert.Equal(t, int64(900), account.PendingAmount)
	assert.Equal(t, int64(0), account.LockedAmount)

	loaded, err := f.svc.GetPayout(ctx, record.PayoutNo)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusSuccess, loaded.Status)
	require.NotNil(t, loaded.ProcessedAt)
	f.assertLedgerBalanced(t)

	// 幂等：重复确认是空操作，资金只释放一次
	require.NoError(t, f.svc.ConfirmPayout(ctx, record.PayoutNo))

	account = f.account(t, 1)
	assert.Equal(t, int64(900), account.PendingAmount)
	assert.Equal(t, int64(0), account.LockedAmount)

	// 终态转移写入了一条结算事件
	var events int64
	require.NoError(t, f.db.Model(&model.OutboxMessage{}).Count(&events).Error)
	assert.Equal(t, int64(1), events)
}

func TestConfirmPayoutRequiresProcessing(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.seedAccount(t, 1, 500)
	record, err := f.svc.CreatePayout(ctx, 1, 500)
	require.NoError(t, err)

	// 未附加交易引用不允许确认
	err = f.svc.ConfirmPayout(ctx, record.PayoutNo)
	assert.ErrorIs(t, err, ErrInvalidState)

	account := f.account(t, 1)
	assert.Equal(t, int64(500), account.LockedAmount)
	f.assertLedgerBalanced(t)
}

func TestFailPayoutRevertsFundsOnce(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.seedAccount(t, 1, 800)
	record, err := f.svc.CreatePayout(ctx, 1, 800)
	require.NoError(t, err)

	require.NoError(t, f.svc.FailPayout(ctx, record.PayoutNo, "链上确认超时"))

	account := f.account(t, 1)
	assert.Equal(t, int64(800), account.PendingAmount)
	assert.Equal(t, int64(0), account.LockedAmount)

	loaded, err := f.svc.GetPayout(ctx, record.PayoutNo)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusFailed, loaded.Status)
	assert.Equal(t, "链上确认超时", loaded.FailureReason)
	f.assertLedgerBalanced(t)

	// 幂等：重复失败是空操作，资金只退回一次
	require.NoError(t, f.svc.FailPayout(ctx, record.PayoutNo, "重复调用"))

	account = f.account(t, 1)
	assert.Equal(t, int64(800), account.PendingAmount)
	assert.Equal(t, int64(0), account.LockedAmount)
	assert.Equal(t, "链上确认超时", loaded.FailureReason)
}

func TestFailPayoutIgnoresSuccessRecord(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.seedAccount(t, 1, 300)
	record, err := f.svc.CreatePayout(ctx, 1, 300)
	require.NoError(t, err)
	_, err = f.svc.AttachTransaction(ctx, record.PayoutNo, "sig-1")
	require.NoError(t, err)
	require.NoError(t, f.svc.ConfirmPayout(ctx, record.PayoutNo))

	// 已成功的提现不允许再退款
	require.NoError(t, f.svc.FailPayout(ctx, record.PayoutNo, "迟到的失败"))

	account := f.account(t, 1)
	assert.Equal(t, int64(0), account.PendingAmount)
	assert.Equal(t, int64(0), account.LockedAmount)

	loaded, err := f.svc.GetPayout(ctx, record.PayoutNo)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusSuccess, loaded.Status)
}

func TestConfirmRoundTrip(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.seedAccount(t, 1, 1000)

	record, err := f.svc.CreatePayout(ctx, 1, 100)
	require.NoError(t, err)
	_, err = f.svc.AttachTransaction(ctx, record.PayoutNo, "sig-rt")
	require.NoError(t, err)
	require.NoError(t, f.svc.ConfirmPayout(ctx, record.PayoutNo))

	// 提现 100 后：pending = 原值 - 100，locked 净变化为零
	account := f.account(t, 1)
	assert.Equal(t, int64(900), account.PendingAmount)
	assert.Equal(t, int64(0), account.LockedAmount)
	f.assertLedgerBalanced(t)
}
