package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"taskpay/internal/chain"
	"taskpay/internal/config"
	"taskpay/internal/infrastructure/lock"
	"taskpay/internal/model"
	"taskpay/internal/repository"
	"taskpay/internal/service"
	"taskpay/pkg/idgen"
	"taskpay/pkg/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ChainStatusClient 结算 Worker 对链客户端的最小依赖
type ChainStatusClient interface {
	GetStatus(ctx context.Context, ref string) (*chain.TxStatus, error)
}

// SettlementWorker 结算轮询任务
//
// 单个循环 goroutine 内同步执行每一轮：一轮没跑完之前下一轮不会开始，
// 超过间隔的轮次被 ticker 自然丢弃，不存在重叠执行。
// 多实例部署时通过 Redis 租约保证同一时刻只有一个实例在结算
type SettlementWorker struct {
	payoutService *service.PayoutService
	payoutRepo    *repository.PayoutRepository
	chainClient   ChainStatusClient
	redisClient   *redis.Client
	cfg           config.BusinessConfig
	instanceID    string

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewSettlementWorker(
	db *gorm.DB,
	redisClient *redis.Client,
	payoutService *service.PayoutService,
	chainClient ChainStatusClient,
	cfg config.BusinessConfig,
) *SettlementWorker {
	return &SettlementWorker{
		payoutService: payoutService,
		payoutRepo:    repository.NewPayoutRepository(db),
		chainClient:   chainClient,
		redisClient:   redisClient,
		cfg:           cfg,
		instanceID:    fmt.Sprintf("settlement-%d", idgen.NextID()),
	}
}

// Start 启动轮询，重复调用是空操作
func (w *SettlementWorker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		logger.Info("结算任务已在运行", zap.Duration("interval", w.cfg.PollInterval))
		return
	}

	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	logger.Info("结算任务启动", zap.Duration("interval", w.cfg.PollInterval))
	go w.run(ctx)
}

// Stop 停止轮询，等待执行中的一轮完成后返回
func (w *SettlementWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	doneCh := w.doneCh
	w.mu.Unlock()

	<-doneCh
	logger.Info("结算任务已停止")
}

func (w *SettlementWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.ProcessTick(ctx)
		}
	}
}

// ProcessTick 执行一轮结算
func (w *SettlementWorker) ProcessTick(ctx context.Context) {
	lease := lock.NewWorkerLease(w.redisClient, w.instanceID, w.cfg.WorkerLeaseExpiration)
	acquired, err := lease.TryLock(ctx)
	if err != nil {
		logger.Error("获取结算租约失败", zap.Error(err))
		return
	}
	if !acquired {
		logger.Debug("其他实例持有结算租约，本轮跳过")
		return
	}
	defer lease.Unlock(ctx)

	records, err := w.payoutRepo.ListOutstanding(ctx, w.cfg.StatusRetryCeiling, w.cfg.OutstandingBatchSize)
	if err != nil {
		logger.Error("查询待结算提现失败", zap.Error(err))
		return
	}

	if len(records) == 0 {
		logger.Debug("无待结算提现")
		return
	}

	logger.Info("开始结算", zap.Int("count", len(records)))

	for _, record := range records {
		w.processRecord(ctx, record)
	}
}

// processRecord 推进单条提现，错误和 panic 都被隔离在本条之内，
// 绝不允许一条记录的异常中断整轮结算
func (w *SettlementWorker) processRecord(ctx context.Context, record *model.PayoutRecord) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("结算单条提现时 panic",
				zap.String("payoutNo", record.PayoutNo),
				zap.Any("panic", r),
			)
		}
	}()

	if record.TransactionRef == "" {
		w.handleMissingTransaction(ctx, record)
		return
	}

	status, err := w.chainClient.GetStatus(ctx, record.TransactionRef)
	if err != nil {
		if errors.Is(err, chain.ErrNotFound) {
			// 签名尚未在网络上可见，交易传播是异步的，按仍在等待处理
			w.checkConfirmTimeout(ctx, record)
			return
		}
		w.handleStatusQueryError(ctx, record, err)
		return
	}

	if status.Err != "" {
		w.failRecord(ctx, record, fmt.Sprintf("链上交易执行失败: %s", status.Err))
		return
	}

	if status.Confirmed || status.Finalized {
		if err := w.payoutService.ConfirmPayout(ctx, record.PayoutNo); err != nil {
			logger.Error("确认提现失败",
				zap.String("payoutNo", record.PayoutNo),
				zap.Error(err),
			)
			return
		}
		logger.Info("提现链上确认完成",
			zap.String("payoutNo", record.PayoutNo),
			zap.String("transactionRef", record.TransactionRef),
		)
		return
	}

	w.checkConfirmTimeout(ctx, record)
}

// handleMissingTransaction 记录创建后始终没有附加交易引用
func (w *SettlementWorker) handleMissingTransaction(ctx context.Context, record *model.PayoutRecord) {
	newCount := record.RetryCount + 1

	if err := w.payoutRepo.IncrementRetryCount(ctx, record.PayoutNo); err != nil {
		logger.Error("累加重试次数失败",
			zap.String("payoutNo", record.PayoutNo),
			zap.Error(err),
		)
		return
	}

	if newCount >= w.cfg.MissingTxMaxTicks {
		w.failRecord(ctx, record, fmt.Sprintf("交易始终未提交，已等待 %d 轮", newCount))
		return
	}

	logger.Warn("提现尚未提交链上交易",
		zap.String("payoutNo", record.PayoutNo),
		zap.Int("retryCount", newCount),
	)
}

// handleStatusQueryError 状态查询自身出错（网络/超时）
//
// 记录保持原状留待下轮，只有连续失败超过上限才判定失败
func (w *SettlementWorker) handleStatusQueryError(ctx context.Context, record *model.PayoutRecord, queryErr error) {
	newCount := record.RetryCount + 1

	if err := w.payoutRepo.IncrementRetryCount(ctx, record.PayoutNo); err != nil {
		logger.Error("累加重试次数失败",
			zap.String("payoutNo", record.PayoutNo),
			zap.Error(err),
		)
		return
	}

	if newCount >= w.cfg.StatusRetryCeiling {
		w.failRecord(ctx, record, fmt.Sprintf("链状态查询连续失败: %v", queryErr))
		return
	}

	logger.Warn("查询交易状态失败，留待下轮",
		zap.String("payoutNo", record.PayoutNo),
		zap.Int("retryCount", newCount),
		zap.Error(queryErr),
	)
}

// checkConfirmTimeout 交易仍未确认时检查墙钟超时
func (w *SettlementWorker) checkConfirmTimeout(ctx context.Context, record *model.PayoutRecord) {
	age := time.Since(record.CreatedAt)
	if age <= w.cfg.ConfirmTimeout {
		logger.Debug("交易仍在等待确认",
			zap.String("payoutNo", record.PayoutNo),
			zap.Duration("age", age),
		)
		return
	}

	w.failRecord(ctx, record, fmt.Sprintf("链上确认超时，已等待 %s", age.Round(time.Second)))
}

func (w *SettlementWorker) failRecord(ctx context.Context, record *model.PayoutRecord, reason string) {
	if err := w.payoutService.FailPayout(ctx, record.PayoutNo, reason); err != nil {
		logger.Error("标记提现失败时出错",
			zap.String("payoutNo", record.PayoutNo),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return
	}
	logger.Info("提现已标记失败",
		zap.String("payoutNo", record.PayoutNo),
		zap.String("reason", reason),
	)
}
