package job

import (
	"context"
	"time"

	"taskpay/internal/config"
	"taskpay/internal/infrastructure/mq"
	"taskpay/internal/model"
	"taskpay/internal/repository"
	"taskpay/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const outboxMaxRetryCount = 5

// OutboxSender 把结算事件从发件箱投递到 Kafka
type OutboxSender struct {
	db         *gorm.DB
	outboxRepo *repository.OutboxRepository
	cfg        *config.Config
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, cfg *config.Config) *OutboxSender {
	return &OutboxSender{
		db:         db,
		outboxRepo: repository.NewOutboxRepository(db),
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		interval:   time.Second,
		batchSize:  100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	logger.Info("结算事件投递任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("结算事件投递任务收到停止信号，退出")
			return
		case <-s.stopCh:
			logger.Info("结算事件投递任务停止")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		logger.Error("查询发件箱失败", zap.Error(err))
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	err := mq.SendMessage(msg.Topic, msg.MessageKey, msg.Payload)

	if err == nil {
		if updateErr := s.outboxRepo.UpdateStatus(ctx, msg.ID, model.OutboxStatusSent); updateErr != nil {
			logger.Error("更新事件状态失败", zap.Int64("id", msg.ID), zap.Error(updateErr))
		} else {
			logger.Info("结算事件投递成功",
				zap.Int64("id", msg.ID),
				zap.String("topic", msg.Topic),
				zap.String("key", msg.MessageKey),
			)
		}
		return
	}

	logger.Error("结算事件投递失败", zap.Int64("id", msg.ID), zap.Error(err))

	if msg.RetryCount+1 >= outboxMaxRetryCount {
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			logger.Error("标记事件失败状态出错", zap.Int64("id", msg.ID), zap.Error(err))
		} else {
			logger.Warn("结算事件超过最大重试次数，标记为失败", zap.Int64("id", msg.ID))
		}
		return
	}

	if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		logger.Error("累加事件重试次数失败", zap.Int64("id", msg.ID), zap.Error(err))
	}
}
