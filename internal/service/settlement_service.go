package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"cashsettle/internal/config"
	"cashsettle/internal/infrastructure/cache"
	"cashsettle/internal/model"
	"cashsettle/internal/repository"
	"cashsettle/internal/settlement"
	"cashsettle/pkg/idgen"
)

var (
	ErrNoActiveSettlement = errors.New("没有进行中的现金交易")
	ErrTerminalBusy       = errors.New("终端正在进行其他现金交易")
	ErrInvalidAmount      = errors.New("账单金额不能为负数")
	ErrRequestConflict    = errors.New("相同 request_id 的结算参数不一致")
	ErrServiceStopped     = errors.New("结算服务已停止")
)

const storeTimeout = 3 * time.Second

// SettlementStore 结算记录的持久化
type SettlementStore interface {
	Create(ctx context.Context, s *model.CashSettlement) error
	GetBySettlementNo(ctx context.Context, settlementNo string) (*model.CashSettlement, error)
	GetByRequestID(ctx context.Context, requestID string) (*model.CashSettlement, error)
	UpdateStatus(ctx context.Context, settlementNo, status, errorMessage, transactionID string) error
	Complete(ctx context.Context, settlementNo string, c *repository.Completion) error
	Close(ctx context.Context, settlementNo, status, errorMessage string, event *model.OutboxMessage) error
	MarkInterrupted(ctx context.Context, settlementNo string) error
	ListMovements(ctx context.Context, settlementNo string) ([]*model.CashMovement, error)
	ListByTerminal(ctx context.Context, terminalID string, page, pageSize int) ([]*model.CashSettlement, int64, error)
}

// TerminalLock 终端互斥锁
type TerminalLock interface {
	TryLock(ctx context.Context) (bool, error)
	Refresh(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// SnapshotCache 交易快照缓存
type SnapshotCache interface {
	Save(ctx context.Context, terminalID string, snap *cache.CachedSnapshot) error
	Get(ctx context.Context, terminalID string) (*cache.CachedSnapshot, error)
}

type session struct {
	settlementNo string
	orch         *settlement.Orchestrator
	state        *settlement.State
	lock         TerminalLock

	// 以下字段只在编排器 goroutine（观察者回调）里访问
	lastStatus    settlement.Status
	lastTxID      string
	lastErrorText string
}

// SettlementService 管理本终端的现金交易
//
// 同一时刻最多一笔交易在跑。交易由编排器在后台 goroutine 里驱动，
// 状态变化通过观察者写入 Redis 快照和 MySQL。
type SettlementService struct {
	store     SettlementStore
	gateway   settlement.Gateway
	newLock   func() TerminalLock
	snapshots SnapshotCache
	cfg       *config.Config

	runCtx  context.Context
	stopRun context.CancelFunc
	wg      sync.WaitGroup

	beginMu sync.Mutex
	mu      sync.Mutex
	active  *session
	last    *session
}

func NewSettlementService(store SettlementStore, gateway settlement.Gateway, newLock func() TerminalLock, snapshots SnapshotCache, cfg *config.Config) *SettlementService {
	runCtx, stopRun := context.WithCancel(context.Background())
	return &SettlementService{
		store:     store,
		gateway:   gateway,
		newLock:   newLock,
		snapshots: snapshots,
		cfg:       cfg,
		runCtx:    runCtx,
		stopRun:   stopRun,
	}
}

type BeginRequest struct {
	RequestID   string `json:"request_id" binding:"required"`
	CustomerRef string `json:"customer_ref"`
	Amount      int64  `json:"amount" binding:"gte=0"`
}

type BeginResponse struct {
	SettlementNo string `json:"settlement_no"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	Message      string `json:"message,omitempty"`
}

// CurrentView 当前（或最近一笔）交易
type CurrentView struct {
	SettlementNo string              `json:"settlement_no"`
	Active       bool                `json:"active"`
	Snapshot     settlement.Snapshot `json:"snapshot"`
	Result       *settlement.Result  `json:"result,omitempty"`
}

type SettlementDetail struct {
	Settlement *model.CashSettlement `json:"settlement"`
	Movements  []*model.CashMovement `json:"movements"`
}

type SettlementList struct {
	List  []*model.CashSettlement `json:"list"`
	Total int64                   `json:"total"`
	Page  int                     `json:"page"`
}

// Begin 开始一笔现金交易，按 request_id 幂等
func (s *SettlementService) Begin(ctx context.Context, req *BeginRequest) (*BeginResponse, error) {
	if req.Amount < 0 {
		return nil, ErrInvalidAmount
	}

	s.beginMu.Lock()
	defer s.beginMu.Unlock()

	existing, err := s.store.GetByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("查询结算记录失败: %w", err)
	}
	if existing != nil {
		if existing.BillingAmount != req.Amount || existing.CustomerRef != req.CustomerRef {
			return nil, ErrRequestConflict
		}
		return &BeginResponse{
			SettlementNo: existing.SettlementNo,
			Status:       existing.Status,
			Amount:       existing.BillingAmount,
			Message:      "结算已存在",
		}, nil
	}

	if s.runCtx.Err() != nil {
		return nil, ErrServiceStopped
	}
	s.mu.Lock()
	busy := s.active != nil
	s.mu.Unlock()
	if busy {
		return nil, ErrTerminalBusy
	}

	terminalLock := s.newLock()
	ok, err := terminalLock.TryLock(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取终端锁失败: %w", err)
	}
	if !ok {
		return nil, ErrTerminalBusy
	}

	record := &model.CashSettlement{
		SettlementNo:  idgen.GenerateSettlementNo(),
		RequestID:     req.RequestID,
		TerminalID:    s.cfg.Terminal.ID,
		CustomerRef:   req.CustomerRef,
		BillingAmount: req.Amount,
		Status:        model.SettlementStatusInit,
	}
	if err := s.store.Create(ctx, record); err != nil {
		s.unlock(terminalLock)
		return nil, fmt.Errorf("创建结算记录失败: %w", err)
	}

	state := settlement.NewState(settlement.Billing{CustomerRef: req.CustomerRef, Amount: req.Amount})
	sess := &session{
		settlementNo: record.SettlementNo,
		state:        state,
		lock:         terminalLock,
		lastStatus:   state.Snapshot().Status,
	}
	sess.orch = settlement.NewOrchestrator(s.gateway, state, settlement.Options{
		ErrorPollInterval: s.cfg.Device.ErrorPollInterval,
		CallTimeout:       s.cfg.Device.CallTimeout,
		ResultSink:        s.resultSink(sess),
	})
	state.Subscribe(s.observe(sess))

	s.mu.Lock()
	s.active = sess
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(sess)

	log.Printf("[SettlementService] 开始现金结算: settlementNo=%s, requestID=%s, amount=%d",
		record.SettlementNo, req.RequestID, req.Amount)

	return &BeginResponse{
		SettlementNo: record.SettlementNo,
		Status:       record.Status,
		Amount:       record.BillingAmount,
	}, nil
}

func (s *SettlementService) RequestFix() error {
	return s.withActive("确定", func(o *settlement.Orchestrator) { o.RequestFix() })
}

func (s *SettlementService) RequestCancel() error {
	return s.withActive("取消", func(o *settlement.Orchestrator) { o.RequestCancel() })
}

func (s *SettlementService) RequestErrorRestore() error {
	return s.withActive("错误恢复", func(o *settlement.Orchestrator) { o.RequestErrorRestore() })
}

func (s *SettlementService) RequestErrorCancel() error {
	return s.withActive("错误取消", func(o *settlement.Orchestrator) { o.RequestErrorCancel() })
}

func (s *SettlementService) withActive(action string, fn func(o *settlement.Orchestrator)) error {
	s.mu.Lock()
	sess := s.active
	s.mu.Unlock()
	if sess == nil {
		return ErrNoActiveSettlement
	}
	fn(sess.orch)
	log.Printf("[SettlementService] 操作员请求%s: settlementNo=%s", action, sess.settlementNo)
	return nil
}

// Current 返回进行中的交易；没有时返回本进程最近结束的一笔，
// 进程重启后从快照缓存里读上一笔
func (s *SettlementService) Current(ctx context.Context) (*CurrentView, error) {
	s.mu.Lock()
	sess, active := s.active, true
	if sess == nil {
		sess, active = s.last, false
	}
	s.mu.Unlock()

	if sess == nil {
		return s.cachedView(ctx)
	}

	view := &CurrentView{
		SettlementNo: sess.settlementNo,
		Active:       active,
		Snapshot:     sess.state.Snapshot(),
	}
	if result, ok := sess.orch.Result(); ok {
		view.Result = &result
	}
	return view, nil
}

func (s *SettlementService) cachedView(ctx context.Context) (*CurrentView, error) {
	if s.snapshots == nil {
		return nil, ErrNoActiveSettlement
	}
	cached, err := s.snapshots.Get(ctx, s.cfg.Terminal.ID)
	if err != nil {
		if errors.Is(err, cache.ErrSnapshotNotFound) {
			return nil, ErrNoActiveSettlement
		}
		return nil, fmt.Errorf("读取交易快照失败: %w", err)
	}
	return &CurrentView{SettlementNo: cached.SettlementNo, Snapshot: cached.Snapshot}, nil
}

// IsActive 结算单是否正由本进程驱动
func (s *SettlementService) IsActive(settlementNo string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil && s.active.settlementNo == settlementNo
}

func (s *SettlementService) Get(ctx context.Context, settlementNo string) (*SettlementDetail, error) {
	record, err := s.store.GetBySettlementNo(ctx, settlementNo)
	if err != nil {
		return nil, err
	}

	movements, err := s.store.ListMovements(ctx, settlementNo)
	if err != nil {
		return nil, fmt.Errorf("查询现金流水失败: %w", err)
	}

	return &SettlementDetail{Settlement: record, Movements: movements}, nil
}

func (s *SettlementService) List(ctx context.Context, page, pageSize int) (*SettlementList, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	list, total, err := s.store.ListByTerminal(ctx, s.cfg.Terminal.ID, page, pageSize)
	if err != nil {
		return nil, err
	}
	return &SettlementList{List: list, Total: total, Page: page}, nil
}

// MachineStatus 直接查询现金机状态，供操作员排查
func (s *SettlementService) MachineStatus(ctx context.Context) (settlement.MachineStatus, error) {
	if s.gateway == nil {
		return settlement.MachineStatus{}, settlement.ErrNilGateway
	}
	return s.gateway.GetMachineStatus(ctx)
}

// Shutdown 停止进行中的交易并等待编排器退出
func (s *SettlementService) Shutdown(ctx context.Context) error {
	s.stopRun()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SettlementService) run(sess *session) {
	defer s.wg.Done()

	stopRefresh := s.keepLock(sess)
	err := sess.orch.Run(s.runCtx)
	stopRefresh()

	final := sess.state.Snapshot()
	if err != nil {
		log.Printf("[SettlementService] 交易未结束即退出: settlementNo=%s, status=%s, err=%v",
			sess.settlementNo, final.Status, err)
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if markErr := s.store.MarkInterrupted(ctx, sess.settlementNo); markErr != nil {
			log.Printf("[SettlementService] 标记中断失败: settlementNo=%s, err=%v", sess.settlementNo, markErr)
		}
		cancel()
	} else {
		log.Printf("[SettlementService] 交易结束: settlementNo=%s, status=%s", sess.settlementNo, final.Status)
	}

	s.unlock(sess.lock)

	s.mu.Lock()
	if s.active == sess {
		s.active = nil
	}
	s.last = sess
	s.mu.Unlock()
}

// keepLock 交易期间定期续期终端锁
func (s *SettlementService) keepLock(sess *session) (stop func()) {
	ttl := s.cfg.Business.TerminalLockTTL
	if ttl <= 0 {
		return func() {}
	}

	stopCh := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
				if err := sess.lock.Refresh(ctx); err != nil {
					log.Printf("[SettlementService] 终端锁续期失败: settlementNo=%s, err=%v", sess.settlementNo, err)
				}
				cancel()
			}
		}
	}()

	return func() {
		close(stopCh)
		<-exited
	}
}

func (s *SettlementService) unlock(l TerminalLock) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := l.Unlock(ctx); err != nil {
		log.Printf("[SettlementService] 释放终端锁失败: %v", err)
	}
}

// observe 编排器每次修改状态都会同步调用
func (s *SettlementService) observe(sess *session) settlement.Observer {
	return func(snap settlement.Snapshot) {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()

		if s.snapshots != nil {
			cached := &cache.CachedSnapshot{SettlementNo: sess.settlementNo, Snapshot: snap}
			if err := s.snapshots.Save(ctx, s.cfg.Terminal.ID, cached); err != nil {
				log.Printf("[SettlementService] 缓存交易快照失败: settlementNo=%s, err=%v", sess.settlementNo, err)
			}
		}

		if snap.Status == sess.lastStatus && snap.TransactionID == sess.lastTxID {
			return
		}
		sess.lastStatus = snap.Status
		sess.lastTxID = snap.TransactionID
		if snap.Status.IsError() {
			sess.lastErrorText = snap.Status.Message
		}

		switch snap.Status.Kind {
		case settlement.StatusCompleted:
			// resultSink 已经在同一个事务里写入完成状态
			return
		case settlement.StatusCancelled, settlement.StatusErrorCancelled:
			s.close(ctx, sess, snap)
			return
		}

		err := s.store.UpdateStatus(ctx, sess.settlementNo, string(snap.Status.Kind), snap.Status.Message, snap.TransactionID)
		if err != nil {
			log.Printf("[SettlementService] 更新结算状态失败: settlementNo=%s, status=%s, err=%v",
				sess.settlementNo, snap.Status, err)
		}
	}
}

func (s *SettlementService) close(ctx context.Context, sess *session, snap settlement.Snapshot) {
	status := string(snap.Status.Kind)
	errorMessage := ""
	if snap.Status.Kind == settlement.StatusErrorCancelled {
		errorMessage = sess.lastErrorText
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"settlement_no":  sess.settlementNo,
		"terminal_id":    s.cfg.Terminal.ID,
		"transaction_id": snap.TransactionID,
		"status":         status,
		"error_message":  errorMessage,
		"billing_amount": snap.Billing.Amount,
		"deposit_amount": snap.DepositAmount,
		"occurred_at":    time.Now().Format(time.RFC3339),
	})
	event := &model.OutboxMessage{
		SettlementNo: sess.settlementNo,
		MessageKey:   sess.settlementNo,
		Topic:        s.cfg.Kafka.Topic.SettlementStatus,
		Payload:      string(payload),
		Status:       model.OutboxStatusPending,
	}

	if err := s.store.Close(ctx, sess.settlementNo, status, errorMessage, event); err != nil {
		log.Printf("[SettlementService] 关闭结算记录失败: settlementNo=%s, status=%s, err=%v",
			sess.settlementNo, status, err)
	}
}

// resultSink 交易成功时写入结果、现金流水和结果消息
func (s *SettlementService) resultSink(sess *session) func(settlement.Result) {
	return func(result settlement.Result) {
		snap := sess.state.Snapshot()
		completedAt := time.Now()

		payload, _ := json.Marshal(map[string]interface{}{
			"settlement_no":  sess.settlementNo,
			"terminal_id":    s.cfg.Terminal.ID,
			"transaction_id": snap.TransactionID,
			"customer_ref":   snap.Billing.CustomerRef,
			"billing_amount": snap.Billing.Amount,
			"payment_method": result.PaymentMethod,
			"deposit_total":  result.DepositTotal,
			"deposit_cash":   result.DepositCash,
			"deposit_credit": result.DepositCredit,
			"change":         result.Change,
			"completed_at":   completedAt.Format(time.RFC3339),
		})

		completion := &repository.Completion{
			PaymentMethod: string(result.PaymentMethod),
			DepositTotal:  result.DepositTotal,
			DepositCash:   result.DepositCash,
			DepositCredit: result.DepositCredit,
			ChangeAmount:  result.Change,
			CompletedAt:   completedAt,
			Movements:     s.movements(sess.settlementNo, result),
			Outbox: &model.OutboxMessage{
				SettlementNo: sess.settlementNo,
				MessageKey:   sess.settlementNo,
				Topic:        s.cfg.Kafka.Topic.SettlementResult,
				Payload:      string(payload),
				Status:       model.OutboxStatusPending,
			},
		}

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := s.store.Complete(ctx, sess.settlementNo, completion); err != nil {
			// 现金已经收下，只能人工核对
			log.Printf("[SettlementService] 结算结果落库失败，请人工核对: settlementNo=%s, deposit=%d, change=%d, err=%v",
				sess.settlementNo, result.DepositTotal, result.Change, err)
			return
		}
		log.Printf("[SettlementService] 结算完成: settlementNo=%s, deposit=%d, change=%d",
			sess.settlementNo, result.DepositTotal, result.Change)
	}
}

func (s *SettlementService) movements(settlementNo string, result settlement.Result) []*model.CashMovement {
	var list []*model.CashMovement
	if result.DepositCash > 0 {
		list = append(list, &model.CashMovement{
			MovementNo:   idgen.GenerateMovementNo(),
			TerminalID:   s.cfg.Terminal.ID,
			SettlementNo: settlementNo,
			Amount:       result.DepositCash,
			Type:         model.MovementTypeDeposit,
		})
	}
	if result.Change > 0 {
		list = append(list, &model.CashMovement{
			MovementNo:   idgen.GenerateMovementNo(),
			TerminalID:   s.cfg.Terminal.ID,
			SettlementNo: settlementNo,
			Amount:       -result.Change,
			Type:         model.MovementTypeChange,
		})
	}
	return list
}
