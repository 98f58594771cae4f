package job

import (
	"context"
	"log"
	"time"

	"cashsettle/internal/model"
)

// StaleSettlementStore 查询和标记长时间未结束的结算记录
type StaleSettlementStore interface {
	GetStale(ctx context.Context, terminalID string, beforeTime time.Time, limit int) ([]*model.CashSettlement, error)
	MarkInterrupted(ctx context.Context, settlementNo string) error
}

// InterruptedSettlementJob 处理进程崩溃后遗留的结算记录
//
// 记录停在非终态且长时间没有更新、也不在本进程中运行时，标记为 interrupted，
// 由店员到收银台核对现金机里的钱。
type InterruptedSettlementJob struct {
	store      StaleSettlementStore
	isActive   func(settlementNo string) bool
	terminalID string
	after      time.Duration
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	now        func() time.Time
}

func NewInterruptedSettlementJob(store StaleSettlementStore, isActive func(string) bool, terminalID string, afterMinutes int) *InterruptedSettlementJob {
	return &InterruptedSettlementJob{
		store:      store,
		isActive:   isActive,
		terminalID: terminalID,
		after:      time.Duration(afterMinutes) * time.Minute,
		stopCh:     make(chan struct{}),
		interval:   time.Minute,
		batchSize:  50,
		now:        time.Now,
	}
}

func (j *InterruptedSettlementJob) Start(ctx context.Context) {
	log.Println("[InterruptedSettlementJob] 中断结算检查任务启动")

	// 启动时先检查一次，上次进程崩溃遗留的记录不必等一个周期
	j.markInterrupted(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[InterruptedSettlementJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[InterruptedSettlementJob] 任务停止")
			return
		case <-ticker.C:
			j.markInterrupted(ctx)
		}
	}
}

func (j *InterruptedSettlementJob) Stop() {
	close(j.stopCh)
}

func (j *InterruptedSettlementJob) markInterrupted(ctx context.Context) {
	beforeTime := j.now().Add(-j.after)
	list, err := j.store.GetStale(ctx, j.terminalID, beforeTime, j.batchSize)
	if err != nil {
		log.Printf("[InterruptedSettlementJob] 查询结算记录失败: %v", err)
		return
	}

	if len(list) == 0 {
		return
	}

	marked := 0
	for _, s := range list {
		if j.isActive != nil && j.isActive(s.SettlementNo) {
			continue
		}
		if !model.CanTransitionTo(s.Status, model.SettlementStatusInterrupted) {
			continue
		}
		if err := j.store.MarkInterrupted(ctx, s.SettlementNo); err != nil {
			log.Printf("[InterruptedSettlementJob] 标记中断失败: settlementNo=%s, err=%v", s.SettlementNo, err)
			continue
		}
		marked++
		log.Printf("[InterruptedSettlementJob] 结算已标记为中断，请核对现金: settlementNo=%s, status=%s, amount=%d",
			s.SettlementNo, s.Status, s.BillingAmount)
	}

	if marked > 0 {
		log.Printf("[InterruptedSettlementJob] 本次标记 %d 条中断结算", marked)
	}
}
