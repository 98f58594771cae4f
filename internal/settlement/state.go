package settlement

import (
	"sync"

	"cashsettle/internal/ledger"
)

// Snapshot 交易状态的不可变副本，推送给观察者
type Snapshot struct {
	Seq             uint64  `json:"seq"`
	Billing         Billing `json:"billing"`
	TransactionID   string  `json:"transaction_id,omitempty"`
	Status          Status  `json:"status"`
	DepositAmount   int64   `json:"deposit_amount"`
	ShortfallAmount int64   `json:"shortfall_amount"`
	ChangeAmount    int64   `json:"change_amount"`
	CanPayoutChange *bool   `json:"can_payout_change,omitempty"`
	Diagnostic      string  `json:"diagnostic,omitempty"`
}

// Observer 接收每一次状态变更
type Observer func(Snapshot)

// State 一笔进行中的现金交易
//
// 只有编排器会修改它。每次修改都在同一把锁内完成，
// 投入金额与差额/找零总是一起更新，观察者不会看到半更新的状态。
type State struct {
	mu   sync.Mutex
	data Snapshot

	// notifyMu 保证通知顺序与修改顺序一致
	notifyMu sync.Mutex

	obsMu     sync.Mutex
	observers map[int]Observer
	nextObsID int
}

// NewState 根据账单创建交易状态，初始差额为账单金额
func NewState(billing Billing) *State {
	shortfall, change := ledger.Reconcile(billing.Amount, 0)
	return &State{
		data: Snapshot{
			Billing:         billing,
			Status:          statusOf(StatusInit),
			ShortfallAmount: shortfall,
			ChangeAmount:    change,
		},
		observers: make(map[int]Observer),
	}
}

// Snapshot 返回当前状态副本
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.clone()
}

// Subscribe 注册观察者，返回取消函数
func (s *State) Subscribe(fn Observer) func() {
	s.obsMu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = fn
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *State) mutate(fn func(d *Snapshot) bool) {
	s.mu.Lock()
	if !fn(&s.data) {
		s.mu.Unlock()
		return
	}
	s.data.Seq++
	snap := s.data.clone()
	// 先拿到通知锁再释放数据锁，保证按修改顺序投递
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	s.obsMu.Lock()
	observers := make([]Observer, 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.obsMu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
}

func (s *State) setStatus(status Status) {
	s.mutate(func(d *Snapshot) bool {
		if d.Status == status {
			return false
		}
		d.Status = status
		return true
	})
}

func (s *State) setTransactionID(id string) {
	s.mutate(func(d *Snapshot) bool {
		if d.TransactionID == id {
			return false
		}
		d.TransactionID = id
		return true
	})
}

// applyDeposit 更新投入金额并同步重算差额与找零；status 非 nil 时一并切换状态
func (s *State) applyDeposit(deposit int64, status *Status) {
	s.mutate(func(d *Snapshot) bool {
		changed := false
		if d.DepositAmount != deposit {
			d.DepositAmount = deposit
			d.ShortfallAmount, d.ChangeAmount = ledger.Reconcile(d.Billing.Amount, deposit)
			changed = true
		}
		if status != nil && d.Status != *status {
			d.Status = *status
			changed = true
		}
		return changed
	})
}

func (s *State) setCanPayoutChange(v *bool) {
	if v == nil {
		return
	}
	s.mutate(func(d *Snapshot) bool {
		if d.CanPayoutChange != nil && *d.CanPayoutChange == *v {
			return false
		}
		val := *v
		d.CanPayoutChange = &val
		return true
	})
}

// reset 错误恢复后重新开始交易前调用，金额回到未投入时的值，
// 交易号、找零可否和诊断信息清空，状态不变
func (s *State) reset() {
	s.mutate(func(d *Snapshot) bool {
		shortfall, change := ledger.Reconcile(d.Billing.Amount, 0)
		if d.DepositAmount == 0 && d.ShortfallAmount == shortfall && d.ChangeAmount == change &&
			d.CanPayoutChange == nil && d.TransactionID == "" && d.Diagnostic == "" {
			return false
		}
		d.DepositAmount = 0
		d.ShortfallAmount, d.ChangeAmount = shortfall, change
		d.CanPayoutChange = nil
		d.TransactionID = ""
		d.Diagnostic = ""
		return true
	})
}

func (s *State) setDiagnostic(line string) {
	s.mutate(func(d *Snapshot) bool {
		if d.Diagnostic == line {
			return false
		}
		d.Diagnostic = line
		return true
	})
}

func (s Snapshot) clone() Snapshot {
	if s.CanPayoutChange != nil {
		v := *s.CanPayoutChange
		s.CanPayoutChange = &v
	}
	return s
}
