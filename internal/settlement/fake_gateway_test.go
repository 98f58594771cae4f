package settlement

import (
	"context"
	"errors"
	"sync"
	"time"
)

type step struct {
	snap RemoteSnapshot
	err  error
}

func begin(deposit int64) step {
	return step{snap: RemoteSnapshot{DeviceStatus: DeviceBeginDeposit, DepositAmount: deposit}}
}

func device(status DeviceStatus) step {
	return step{snap: RemoteSnapshot{DeviceStatus: status}}
}

func boolPtr(v bool) *bool { return &v }

// attempt 一次 StartTransaction 之后设备的行为脚本
type attempt struct {
	id       string
	startErr error
	fixErr   error
	// fixBlock 为 true 时 FixDeposit 阻塞到 ctx 结束
	fixBlock  bool
	cancelErr error

	deposit []step // FixDeposit / CancelTransaction 之前
	fix     []step // FixDeposit 之后
	cancel  []step // CancelTransaction 之后
}

type fakeGateway struct {
	mu       sync.Mutex
	attempts []attempt
	current  int
	stage    string
	pos      map[string]int

	machine    MachineStatus
	machineErr error

	startCalls   int
	fixCalls     int
	cancelCalls  int
	pollCalls    int
	machineCalls int
}

func newFakeGateway(attempts ...attempt) *fakeGateway {
	return &fakeGateway{
		attempts: attempts,
		current:  -1,
		pos:      map[string]int{},
		machine:  MachineStatus{State: "idle"},
	}
}

func (f *fakeGateway) attempt() attempt {
	if f.current < 0 {
		return attempt{}
	}
	if f.current >= len(f.attempts) {
		return f.attempts[len(f.attempts)-1]
	}
	return f.attempts[f.current]
}

func (f *fakeGateway) StartTransaction(_ context.Context, _ Billing) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	f.current++
	f.stage = "deposit"
	f.pos = map[string]int{}
	a := f.attempt()
	if a.startErr != nil {
		return "", a.startErr
	}
	if a.id == "" {
		return "tx-1", nil
	}
	return a.id, nil
}

func (f *fakeGateway) GetTransaction(ctx context.Context, id string) (RemoteSnapshot, error) {
	// 模拟设备自身的响应节奏
	time.Sleep(50 * time.Microsecond)
	if err := ctx.Err(); err != nil {
		return RemoteSnapshot{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollCalls++

	a := f.attempt()
	var script []step
	switch f.stage {
	case "fix":
		script = a.fix
	case "cancel":
		script = a.cancel
	default:
		script = a.deposit
	}
	if len(script) == 0 {
		return RemoteSnapshot{}, errors.New("no script for stage " + f.stage)
	}

	i := f.pos[f.stage]
	if i >= len(script) {
		i = len(script) - 1
	} else {
		f.pos[f.stage] = i + 1
	}
	s := script[i]
	s.snap.TransactionID = id
	return s.snap, s.err
}

func (f *fakeGateway) FixDeposit(ctx context.Context) error {
	f.mu.Lock()
	f.fixCalls++
	a := f.attempt()
	f.mu.Unlock()

	if a.fixBlock {
		<-ctx.Done()
		return ctx.Err()
	}
	if a.fixErr != nil {
		return a.fixErr
	}
	f.mu.Lock()
	f.stage = "fix"
	f.mu.Unlock()
	return nil
}

func (f *fakeGateway) CancelTransaction(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	a := f.attempt()
	if a.cancelErr != nil {
		return a.cancelErr
	}
	f.stage = "cancel"
	return nil
}

func (f *fakeGateway) GetMachineStatus(_ context.Context) (MachineStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.machineCalls++
	return f.machine, f.machineErr
}

func (f *fakeGateway) counts() (start, fix, cancel, machine int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls, f.fixCalls, f.cancelCalls, f.machineCalls
}
