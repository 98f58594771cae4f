package job

import (
	"context"
	"log"
	"time"

	"cashsettle/internal/model"
)

// OutboxStore 发件箱存取
type OutboxStore interface {
	GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error)
	MarkAsSent(ctx context.Context, id int64) error
	IncrementRetryCount(ctx context.Context, id int64) error
	MarkAsFailed(ctx context.Context, id int64) error
}

// Publisher 消息投递
type Publisher interface {
	SendMessage(topic, key, value string) error
}

// OutboxSender 把结算事件从发件箱投递到 Kafka，至少一次
type OutboxSender struct {
	outbox        OutboxStore
	publisher     Publisher
	maxRetryCount int
	stopCh        chan struct{}
	interval      time.Duration
	batchSize     int
}

func NewOutboxSender(outbox OutboxStore, publisher Publisher, maxRetryCount int) *OutboxSender {
	return &OutboxSender{
		outbox:        outbox,
		publisher:     publisher,
		maxRetryCount: maxRetryCount,
		stopCh:        make(chan struct{}),
		interval:      500 * time.Millisecond,
		batchSize:     100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	log.Println("[OutboxSender] 消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OutboxSender] 收到停止信号，任务退出")
			return
		case <-s.stopCh:
			log.Println("[OutboxSender] 任务停止")
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
	messages, err := s.outbox.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		log.Printf("[OutboxSender] 查询消息失败: %v", err)
		return
	}

	for _, msg := range messages {
		if ctx.Err() != nil {
			return
		}
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	err := s.publisher.SendMessage(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if updateErr := s.outbox.MarkAsSent(ctx, msg.ID); updateErr != nil {
			log.Printf("[OutboxSender] 更新消息状态失败: id=%d, err=%v", msg.ID, updateErr)
		} else {
			log.Printf("[OutboxSender] 消息发送成功: id=%d, settlementNo=%s, topic=%s", msg.ID, msg.SettlementNo, msg.Topic)
		}
		return
	}

	log.Printf("[OutboxSender] 消息发送失败: id=%d, settlementNo=%s, err=%v", msg.ID, msg.SettlementNo, err)

	if err := s.outbox.IncrementRetryCount(ctx, msg.ID); err != nil {
		log.Printf("[OutboxSender] 增加重试次数失败: id=%d, err=%v", msg.ID, err)
	}

	if msg.RetryCount+1 >= s.maxRetryCount {
		if err := s.outbox.MarkAsFailed(ctx, msg.ID); err != nil {
			log.Printf("[OutboxSender] 标记消息失败状态失败: id=%d, err=%v", msg.ID, err)
		} else {
			log.Printf("[OutboxSender] 消息超过最大重试次数，标记为失败: id=%d, settlementNo=%s", msg.ID, msg.SettlementNo)
		}
	}
}
