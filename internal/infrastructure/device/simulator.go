package device

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"cashsettle/internal/settlement"
)

var (
	ErrNoTransaction       = errors.New("现金机没有进行中的交易")
	ErrTransactionMismatch = errors.New("交易号与现金机当前交易不一致")
	ErrDepositInsufficient = errors.New("投入金额不足，不能确定")
	ErrTransactionClosed   = errors.New("交易已结束")
)

// SimulatorOptions 模拟器参数
type SimulatorOptions struct {
	// Denomination 每次自动投入的面额，默认 1000
	Denomination int64
	// StepInterval 两次状态推进之间的最短间隔，同时也是两次轮询应答之间的最短间隔，
	// 0 表示每次轮询立即应答并推进
	StepInterval time.Duration
	// ManualDeposit 为 true 时不自动投入，只能通过 Insert 投入
	ManualDeposit bool
}

type simPhase int

const (
	simDepositing simPhase = iota
	simFixed
	simDispensing
	simPullOut
	simFinished
	simCancelling
	simRefunding
	simRefundPullOut
	simCancelled
)

type simTransaction struct {
	id          string
	billing     settlement.Billing
	phase       simPhase
	deposit     int64
	lastStep    time.Time
	lastPoll    time.Time
	fixReported bool
}

// Simulator 进程内的现金机，device.mock=true 时代替 HTTPClient
//
// 收款阶段按 Denomination 逐张投入，直到不少于账单金额；确定后依次上报
// 确定完成、找零中、等待取走、完成；取消后依次上报退款中、等待取走、取消。
type Simulator struct {
	mu    sync.Mutex
	opts  SimulatorOptions
	now   func() time.Time
	seq   int
	tx    *simTransaction
	fault *settlement.DeviceStatus
}

func NewSimulator(opts SimulatorOptions) *Simulator {
	if opts.Denomination <= 0 {
		opts.Denomination = 1000
	}
	return &Simulator{opts: opts, now: time.Now}
}

var _ settlement.Gateway = (*Simulator)(nil)

// Insert 手动投入现金
func (s *Simulator) Insert(amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return ErrNoTransaction
	}
	if s.tx.phase != simDepositing {
		return ErrTransactionClosed
	}
	s.tx.deposit += amount
	return nil
}

// InjectFault 下一次轮询上报指定状态，用于演示错误流程
func (s *Simulator) InjectFault(status settlement.DeviceStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = &status
}

func (s *Simulator) StartTransaction(_ context.Context, billing settlement.Billing) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil && !s.tx.closed() {
		log.Printf("[Simulator] 放弃未结束的交易: transactionID=%s", s.tx.id)
	}
	s.seq++
	s.tx = &simTransaction{
		id:       fmt.Sprintf("SIM%06d", s.seq),
		billing:  billing,
		phase:    simDepositing,
		lastStep: s.now(),
	}
	return s.tx.id, nil
}

func (s *Simulator) GetTransaction(ctx context.Context, transactionID string) (settlement.RemoteSnapshot, error) {
	if err := s.pace(ctx, transactionID); err != nil {
		return settlement.RemoteSnapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return settlement.RemoteSnapshot{}, ErrNoTransaction
	}
	if s.tx.id != transactionID {
		return settlement.RemoteSnapshot{}, ErrTransactionMismatch
	}
	s.tx.lastPoll = s.now()
	if s.fault != nil {
		status := *s.fault
		s.fault = nil
		return settlement.RemoteSnapshot{TransactionID: s.tx.id, DeviceStatus: status, DepositAmount: s.tx.deposit}, nil
	}

	s.advance()
	return s.tx.snapshot(), nil
}

// pace 距上次应答不足 StepInterval 时等待，和真实现金机一样按自己的节奏应答
func (s *Simulator) pace(ctx context.Context, transactionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	var wait time.Duration
	if s.tx != nil && s.tx.id == transactionID && !s.tx.lastPoll.IsZero() {
		wait = s.tx.lastPoll.Add(s.opts.StepInterval).Sub(s.now())
	}
	s.mu.Unlock()
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Simulator) FixDeposit(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return ErrNoTransaction
	}
	if s.tx.phase != simDepositing {
		return ErrTransactionClosed
	}
	if s.tx.deposit < s.tx.billing.Amount {
		return ErrDepositInsufficient
	}
	s.tx.phase = simFixed
	s.tx.lastStep = s.now()
	return nil
}

func (s *Simulator) CancelTransaction(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return ErrNoTransaction
	}
	switch s.tx.phase {
	case simDepositing, simFixed:
		s.tx.phase = simCancelling
		s.tx.lastStep = s.now()
		return nil
	case simCancelling, simRefunding, simRefundPullOut, simCancelled:
		return nil
	default:
		return ErrTransactionClosed
	}
}

func (s *Simulator) GetMachineStatus(_ context.Context) (settlement.MachineStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := "idle"
	if s.tx != nil && !s.tx.closed() {
		state = "busy"
	}
	return settlement.MachineStatus{State: state, CheckedAt: s.now()}, nil
}

// advance 距离上次推进超过 StepInterval 时前进一步
func (s *Simulator) advance() {
	now := s.now()
	if now.Sub(s.tx.lastStep) < s.opts.StepInterval {
		return
	}
	tx := s.tx
	stepped := true

	switch tx.phase {
	case simDepositing:
		if s.opts.ManualDeposit || tx.deposit >= tx.billing.Amount {
			stepped = false
			break
		}
		tx.deposit += s.opts.Denomination
	case simFixed:
		if !tx.fixReported {
			tx.fixReported = true
			stepped = false
			break
		}
		if tx.deposit > tx.billing.Amount {
			tx.phase = simDispensing
		} else {
			tx.phase = simFinished
		}
	case simDispensing:
		tx.phase = simPullOut
	case simPullOut:
		tx.phase = simFinished
	case simCancelling:
		if tx.deposit > 0 {
			tx.phase = simRefunding
		} else {
			tx.phase = simCancelled
		}
	case simRefunding:
		tx.phase = simRefundPullOut
	case simRefundPullOut:
		tx.phase = simCancelled
	default:
		stepped = false
	}

	if stepped {
		tx.lastStep = now
	}
}

func (tx *simTransaction) closed() bool {
	return tx.phase == simFinished || tx.phase == simCancelled
}

func (tx *simTransaction) snapshot() settlement.RemoteSnapshot {
	snap := settlement.RemoteSnapshot{
		TransactionID: tx.id,
		DepositAmount: tx.deposit,
	}

	var change int64
	if tx.deposit > tx.billing.Amount {
		change = tx.deposit - tx.billing.Amount
	}

	switch tx.phase {
	case simDepositing:
		snap.DeviceStatus = settlement.DeviceBeginDeposit
		if tx.deposit >= tx.billing.Amount {
			canPayout := true
			snap.CanPayoutChange = &canPayout
		}
	case simFixed:
		snap.DeviceStatus = settlement.DeviceBeginDeposit
		snap.FixConfirmed = tx.fixReported
	case simDispensing, simRefunding:
		snap.DeviceStatus = settlement.DeviceDispenseChange
	case simPullOut, simRefundPullOut:
		snap.DeviceStatus = settlement.DeviceWaitPullOut
	case simFinished:
		snap.DeviceStatus = settlement.DeviceFinish
	case simCancelling:
		snap.DeviceStatus = settlement.DeviceBeginDeposit
	case simCancelled:
		snap.DeviceStatus = settlement.DeviceCancel
	}

	switch tx.phase {
	case simDispensing, simPullOut, simFinished:
		snap.ChangeAmount = change
	case simRefunding, simRefundPullOut, simCancelled:
		snap.ChangeAmount = tx.deposit
	}
	return snap
}
