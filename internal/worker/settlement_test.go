package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"taskpay/internal/chain"
	"taskpay/internal/config"
	"taskpay/internal/model"
	"taskpay/internal/repository"
	"taskpay/internal/service"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// fakeChainClient 按交易引用返回预设的状态或错误，未登记的引用一律 ErrNotFound
type fakeChainClient struct {
	statuses map[string]*chain.TxStatus
	errs     map[string]error
}

func newFakeChainClient() *fakeChainClient {
	return &fakeChainClient{
		statuses: make(map[string]*chain.TxStatus),
		errs:     make(map[string]error),
	}
}

func (f *fakeChainClient) GetStatus(_ context.Context, ref string) (*chain.TxStatus, error) {
	if err, ok := f.errs[ref]; ok {
		return nil, err
	}
	if status, ok := f.statuses[ref]; ok {
		return status, nil
	}
	return nil, chain.ErrNotFound
}

type workerFixture struct {
	db          *gorm.DB
	mr          *miniredis.Miniredis
	svc         *service.PayoutService
	worker      *SettlementWorker
	chainClient *fakeChainClient
	accountRepo *repository.AccountRepository
	payoutRepo  *repository.PayoutRepository
}

func newWorkerFixture(t *testing.T) *workerFixture {
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

	svc := service.NewPayoutService(db, rdb, cfg)
	chainClient := newFakeChainClient()

	return &workerFixture{
		db:          db,
		mr:          mr,
		svc:         svc,
		worker:      NewSettlementWorker(db, rdb, svc, chainClient, cfg.Business),
		chainClient: chainClient,
		accountRepo: repository.NewAccountRepository(db),
		payoutRepo:  repository.NewPayoutRepository(db),
	}
}

// newProcessingPayout 建立一条已附加链上引用、资金已锁定的提现
func (f *workerFixture) newProcessingPayout(t *testing.T, userID, amount int64, ref string) *model.PayoutRecord {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.db.Create(&model.Account{
		UserID:        userID,
		WalletAddress: "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		PendingAmount: amount,
	}).Error)

	record, err := f.svc.CreatePayout(ctx, userID, amount)
	require.NoError(t, err)

	if ref != "" {
		record, err = f.svc.AttachTransaction(ctx, record.PayoutNo, ref)
		require.NoError(t, err)
	}
	return record
}

func (f *workerFixture) payout(t *testing.T, payoutNo string) *model.PayoutRecord {
	t.Helper()
	record, err := f.payoutRepo.GetByPayoutNo(context.Background(), payoutNo)
	require.NoError(t, err)
	return record
}

func (f *workerFixture) account(t *testing.T, userID int64) *model.Account {
	t.Helper()
	account, err := f.accountRepo.GetByUserID(context.Background(), userID)
	require.NoError(t, err)
	return account
}

func (f *workerFixture) backdate(t *testing.T, payoutNo string, age time.Duration) {
	t.Helper()
	require.NoError(t, f.db.Model(&model.PayoutRecord{}).
		Where("payout_no = ?", payoutNo).
		Update("created_at", time.Now().Add(-age)).Error)
}

func TestMissingSubmissionFailsAfterMaxTicks(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	record := f.newProcessingPayout(t, 1, 1000, "")

	// 前两轮只累加计数，记录保持 PENDING
	for tick := 1; tick < 3; tick++ {
		f.worker.ProcessTick(ctx)

		loaded := f.payout(t, record.PayoutNo)
		assert.Equal(t, model.PayoutStatusPending, loaded.Status)
		assert.Equal(t, tick, loaded.RetryCount)
	}

	// 第三轮判定失败，资金退回
	f.worker.ProcessTick(ctx)

	loaded := f.payout(t, record.PayoutNo)
	assert.Equal(t, model.PayoutStatusFailed, loaded.Status)
	assert.Contains(t, loaded.FailureReason, "交易始终未提交")

	account := f.account(t, 1)
	assert.Equal(t, int64(1000), account.PendingAmount)
	assert.Equal(t, int64(0), account.LockedAmount)
}

func TestFinalizedTransactionSettlesPayout(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	record := f.newProcessingPayout(t, 1, 500, "sig-final")
	f.chainClient.statuses["sig-final"] = &chain.TxStatus{Finalized: true}

	f.worker.ProcessTick(ctx)

	loaded := f.payout(t, record.PayoutNo)
	assert.Equal(t, model.PayoutStatusSuccess, loaded.Status)
	require.NotNil(t, loaded.ProcessedAt)

	account := f.account(t, 1)
	assert.Equal(t, int64(0), account.PendingAmount)
	assert.Equal(t, int64(0), account.LockedAmount)
}

func TestConfirmedTransactionSettlesPayout(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	record := f.newProcessingPayout(t, 1, 500, "sig-confirmed")
	f.chainClient.statuses["sig-confirmed"] = &chain.TxStatus{Confirmed: true}

	f.worker.ProcessTick(ctx)

	loaded := f.payout(t, record.PayoutNo)
	assert.Equal(t, model.PayoutStatusSuccess, loaded.Status)
}

func TestChainReportedErrorFailsPayout(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	record := f.newProcessingPayout(t, 1, 500, "sig-bad")
	f.chainClient.statuses["sig-bad"] = &chain.TxStatus{
		Confirmed: true,
		Err:       `{"InstructionError":[0,{"Custom":1}]}`,
	}

	f.worker.ProcessTick(ctx)

	loaded := f.payout(t, record.PayoutNo)
	assert.Equal(t, model.PayoutStatusFailed, loaded.Status)
	assert.Contains(t, loaded.FailureReason, "链上交易执行失败")

	account := f.account(t, 1)
	assert.Equal(t, int64(500), account.PendingAmount)
	assert.Equal(t, int64(0), account.LockedAmount)
}

func TestUnconfirmedTransactionTimesOut(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	record := f.newProcessingPayout(t, 1, 500, "sig-slow")
	f.chainClient.statuses["sig-slow"] = &chain.TxStatus{}

	// 未超时之前保持 PROCESSING
	f.worker.ProcessTick(ctx)
	loaded := f.payout(t, record.PayoutNo)
	assert.Equal(t, model.PayoutStatusProcessing, loaded.Status)

	// 超过确认超时后判定失败
	f.backdate(t, record.PayoutNo, 11*time.Minute)
	f.worker.ProcessTick(ctx)

	loaded = f.payout(t, record.PayoutNo)
	assert.Equal(t, model.PayoutStatusFailed, loaded.Status)
	assert.Contains(t, loaded.FailureReason, "链上确认超时")

	account := f.account(t, 1)
	assert.Equal(t, int64(500), account.PendingAmount)
	assert.Equal(t, int64(0), account.LockedAmount)
}

func TestNotFoundSignatureKeepsWaiting(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	record := f.newProcessingPayout(t, 1, 500, "sig-unseen")
	f.chainClient.errs["sig-unseen"] = chain.ErrNotFound

	f.worker.ProcessTick(ctx)

	// 交易传播是异步的，未查到签名不算查询失败，也不累加计数
	loaded := f.payout(t, record.PayoutNo)
	assert.Equal(t, model.PayoutStatusProcessing, loaded.Status)
	assert.Equal(t, 0, loaded.RetryCount)
}

func TestTransientQueryErrorsFailAtCeiling(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	record := f.newProcessingPayout(t, 1, 500, "sig-flaky")
	f.chainClient.errs["sig-flaky"] = chain.ErrTransient

	// 前四轮只累加计数
	for tick := 1; tick < 5; tick++ {
		f.worker.ProcessTick(ctx)

		loaded := f.payout(t, record.PayoutNo)
		assert.Equal(t, model.PayoutStatusProcessing, loaded.Status)
		assert.Equal(t, tick, loaded.RetryCount)
	}

	// 第五轮达到上限，判定失败并退回资金
	f.worker.ProcessTick(ctx)

	loaded := f.payout(t, record.PayoutNo)
	assert.Equal(t, model.PayoutStatusFailed, loaded.Status)
	assert.Contains(t, loaded.FailureReason, "链状态查询连续失败")

	account := f.account(t, 1)
	assert.Equal(t, int64(500), account.PendingAmount)
	assert.Equal(t, int64(0), account.LockedAmount)
}

func TestTickSkippedWhenLeaseHeldByOther(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	record := f.newProcessingPayout(t, 1, 500, "")

	// 另一个实例持有结算租约
	require.NoError(t, f.mr.Set("settlement:lock:worker", "other-instance"))

	f.worker.ProcessTick(ctx)

	loaded := f.payout(t, record.PayoutNo)
	assert.Equal(t, model.PayoutStatusPending, loaded.Status)
	assert.Equal(t, 0, loaded.RetryCount)

	// 租约释放后恢复结算
	f.mr.Del("settlement:lock:worker")
	f.worker.ProcessTick(ctx)

	loaded = f.payout(t, record.PayoutNo)
	assert.Equal(t, 1, loaded.RetryCount)
}

func TestOneBadRecordDoesNotBlockOthers(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	// bad 建得更早，保证排在 good 之前被处理
	bad := f.newProcessingPayout(t, 1, 300, "sig-flaky")
	good := f.newProcessingPayout(t, 2, 500, "sig-final")
	f.backdate(t, bad.PayoutNo, time.Minute)

	f.chainClient.errs["sig-flaky"] = chain.ErrTransient
	f.chainClient.statuses["sig-final"] = &chain.TxStatus{Finalized: true}

	f.worker.ProcessTick(ctx)

	assert.Equal(t, model.PayoutStatusProcessing, f.payout(t, bad.PayoutNo).Status)
	assert.Equal(t, model.PayoutStatusSuccess, f.payout(t, good.PayoutNo).Status)
}

func TestStartStopIdempotent(t *testing.T) {
	f := newWorkerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.worker.Start(ctx)
	f.worker.Start(ctx)

	f.worker.Stop()
	f.worker.Stop()
}
