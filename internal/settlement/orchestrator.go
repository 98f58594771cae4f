package settlement

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultErrorPollInterval = time.Second

// Options 编排器参数
type Options struct {
	// ErrorPollInterval 错误流程中诊断轮询的间隔，默认 1 秒
	ErrorPollInterval time.Duration
	// CallTimeout 单次设备调用超时，0 表示不限制（与现金机原有行为一致）
	CallTimeout time.Duration
	// ResultSink 交易成功时收到结算结果，每次成功交易调用一次
	ResultSink func(Result)
}

// Orchestrator 现金结算状态机
//
// 主流程：init → start → payment/fixWait → fix → change → completed
// 取消流程：cancel → refund → cancelled
// 错误流程：error → errorRestore → errorRestored（重新开始）或 errorCancel → errorCancelled
//
// 同一笔交易的设备调用总是顺序执行，不会并发。
type Orchestrator struct {
	gateway Gateway
	state   *State
	billing Billing
	opts    Options
	intents *intents
	started atomic.Bool

	transactionID string

	resultMu sync.Mutex
	result   *Result
}

func NewOrchestrator(gateway Gateway, state *State, opts Options) *Orchestrator {
	if opts.ErrorPollInterval <= 0 {
		opts.ErrorPollInterval = defaultErrorPollInterval
	}
	return &Orchestrator{
		gateway: gateway,
		state:   state,
		billing: state.Snapshot().Billing,
		opts:    opts,
		intents: newIntents(),
	}
}

func (o *Orchestrator) State() *State { return o.state }

func (o *Orchestrator) RequestFix()          { o.intents.set(&o.intents.fix) }
func (o *Orchestrator) RequestCancel()       { o.intents.set(&o.intents.cancel) }
func (o *Orchestrator) RequestErrorRestore() { o.intents.set(&o.intents.errorRestore) }
func (o *Orchestrator) RequestErrorCancel()  { o.intents.set(&o.intents.errorCancel) }

// Result 交易完成后返回结算结果
func (o *Orchestrator) Result() (Result, bool) {
	if o.state.Snapshot().Status.Kind != StatusCompleted {
		return Result{}, false
	}
	o.resultMu.Lock()
	defer o.resultMu.Unlock()
	if o.result == nil {
		return Result{}, false
	}
	return *o.result, true
}

// Run 驱动交易直到终态（completed / cancelled / errorCancelled）
//
// 只有 ctx 结束（进程退出）时才会在非终态返回，此时返回 ctx.Err()。
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.gateway == nil {
		return ErrNilGateway
	}
	if !o.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	for {
		cause := o.runAttempt(ctx)
		if cause == nil {
			return nil
		}
		// 进程退出打断的调用不是设备错误，保留当前状态
		if err := ctx.Err(); err != nil {
			return err
		}

		restored, err := o.handleError(ctx, cause)
		if err != nil {
			return err
		}
		if !restored {
			return nil
		}
		o.resetForRestart()
	}
}

func (o *Orchestrator) runAttempt(ctx context.Context) error {
	o.state.setStatus(statusOf(StatusStart))

	cctx, cancel := o.callContext(ctx)
	id, err := o.gateway.StartTransaction(cctx, o.billing)
	cancel()
	if err != nil {
		return &DeviceError{Op: "startTransaction", Err: err}
	}
	o.transactionID = id
	o.state.setTransactionID(id)
	log.Printf("[Orchestrator] 交易开始: transactionID=%s, amount=%d", id, o.billing.Amount)

	cancelled, err := o.collectDeposit(ctx)
	if err != nil {
		return err
	}
	if cancelled {
		return o.cancelFlow(ctx)
	}

	o.state.setStatus(statusOf(StatusFix))
	if err := o.call(ctx, "fixDeposit", o.gateway.FixDeposit); err != nil {
		return err
	}
	if err := o.confirmFix(ctx); err != nil {
		return err
	}
	return o.dispenseChange(ctx)
}

// collectDeposit 轮询投入金额，直到操作员取消，或已达到 fixWait 且操作员确认
func (o *Orchestrator) collectDeposit(ctx context.Context) (cancelled bool, err error) {
	for {
		// wantFix 只在 fixWait 后生效，wantCancel 在收款期间任何时候都生效
		if o.intents.cancel.Load() {
			cancelled = true
			break
		}
		if o.state.Snapshot().Status.Kind == StatusFixWait && o.intents.fix.Load() {
			break
		}

		snap, err := o.poll(ctx)
		if err != nil {
			return false, err
		}

		switch snap.DeviceStatus {
		case DeviceBeginDeposit:
			status := statusOf(StatusPayment)
			if snap.DepositAmount >= o.billing.Amount {
				status = statusOf(StatusFixWait)
			}
			o.state.applyDeposit(snap.DepositAmount, &status)
			if status.Kind == StatusFixWait {
				o.state.setCanPayoutChange(snap.CanPayoutChange)
			}
		default:
			return false, unexpected(PhaseDeposit, snap.DeviceStatus)
		}
	}

	o.intents.fix.Store(false)
	if cancelled {
		o.intents.cancel.Store(false)
	}
	return cancelled, nil
}

func (o *Orchestrator) confirmFix(ctx context.Context) error {
	for {
		snap, err := o.poll(ctx)
		if err != nil {
			return err
		}

		switch snap.DeviceStatus {
		case DeviceBeginDeposit:
			o.state.applyDeposit(snap.DepositAmount, nil)
			if snap.FixConfirmed {
				return nil
			}
		case DeviceDispenseChange, DeviceWaitPullOut, DeviceFinish:
			return nil
		default:
			return unexpected(PhaseFixConfirmation, snap.DeviceStatus)
		}
	}
}

func (o *Orchestrator) dispenseChange(ctx context.Context) error {
	// 找零期间设备上报的投入金额语义会变化，结果必须在第一次轮询前用当前金额构建
	result, err := BuildResult(o.state.Snapshot())
	if err != nil {
		return err
	}
	o.resultMu.Lock()
	o.result = &result
	o.resultMu.Unlock()

	for {
		snap, err := o.poll(ctx)
		if err != nil {
			return err
		}

		switch snap.DeviceStatus {
		case DeviceDispenseChange, DeviceWaitPullOut:
			o.state.setStatus(statusOf(StatusChange))
		case DeviceFinish:
			if o.opts.ResultSink != nil {
				o.opts.ResultSink(result)
			}
			o.state.setStatus(statusOf(StatusCompleted))
			log.Printf("[Orchestrator] 交易完成: transactionID=%s, deposit=%d, change=%d",
				o.transactionID, result.DepositTotal, result.Change)
			return nil
		default:
			return unexpected(PhaseChange, snap.DeviceStatus)
		}
	}
}

func (o *Orchestrator) cancelFlow(ctx context.Context) error {
	o.state.setStatus(statusOf(StatusCancel))
	log.Printf("[Orchestrator] 操作员取消交易: transactionID=%s", o.transactionID)

	if err := o.call(ctx, "cancelTransaction", o.gateway.CancelTransaction); err != nil {
		return err
	}

	for {
		snap, err := o.poll(ctx)
		if err != nil {
			return err
		}

		switch snap.DeviceStatus {
		case DeviceBeginDeposit:
			// 取消指令生效前设备仍可能上报投入，忽略
		case DeviceDispenseChange, DeviceWaitPullOut:
			o.state.setStatus(statusOf(StatusRefund))
		case DeviceCancel:
			o.state.setStatus(statusOf(StatusCancelled))
			log.Printf("[Orchestrator] 交易已取消: transactionID=%s", o.transactionID)
			return nil
		default:
			return unexpected(PhaseCancel, snap.DeviceStatus)
		}
	}
}

// handleError 进入错误流程，只有操作员明确选择才能离开
//
// 返回 restored=true 表示需要重新开始主流程。
func (o *Orchestrator) handleError(ctx context.Context, cause error) (restored bool, err error) {
	// 进入错误状态之前的恢复/取消请求没有意义，先清掉
	o.intents.errorRestore.Store(false)
	o.intents.errorCancel.Store(false)
	select {
	case <-o.intents.wake:
	default:
	}

	o.state.setStatus(ErrorStatus(cause.Error()))
	log.Printf("[Orchestrator] 进入错误流程: transactionID=%s, err=%v", o.transactionID, cause)

	ticker := time.NewTicker(o.opts.ErrorPollInterval)
	defer ticker.Stop()

	for {
		if take(&o.intents.errorRestore) {
			o.state.setStatus(statusOf(StatusErrorRestore))
			o.state.setStatus(statusOf(StatusErrorRestored))
			log.Printf("[Orchestrator] 操作员选择恢复，重新开始交易")
			return true, nil
		}
		if take(&o.intents.errorCancel) {
			o.errorCancel(ctx)
			return false, nil
		}

		o.diagnose(ctx)

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-o.intents.wake:
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) errorCancel(ctx context.Context) {
	o.state.setStatus(statusOf(StatusErrorCancel))
	// 已经没有可以恢复到的状态，取消失败也只记录
	if err := o.call(ctx, "cancelTransaction", o.gateway.CancelTransaction); err != nil {
		log.Printf("[Orchestrator] 错误取消时设备取消失败，请在收银台核对: transactionID=%s, err=%v", o.transactionID, err)
	}
	o.state.setStatus(statusOf(StatusErrorCancelled))
	log.Printf("[Orchestrator] 交易已错误取消: transactionID=%s", o.transactionID)
}

// diagnose 查询交易与设备状态供操作员查看，不会引起状态迁移
func (o *Orchestrator) diagnose(ctx context.Context) {
	parts := make([]string, 0, 2)

	if o.transactionID != "" {
		cctx, cancel := o.callContext(ctx)
		snap, err := o.gateway.GetTransaction(cctx, o.transactionID)
		cancel()
		if err != nil {
			parts = append(parts, fmt.Sprintf("transaction: %v", err))
		} else {
			parts = append(parts, fmt.Sprintf("transaction: %s deposit=%d change=%d",
				snap.DeviceStatus, snap.DepositAmount, snap.ChangeAmount))
		}
	}

	cctx, cancel := o.callContext(ctx)
	machine, err := o.gateway.GetMachineStatus(cctx)
	cancel()
	if err != nil {
		parts = append(parts, fmt.Sprintf("machine: %v", err))
	} else {
		line := "machine: " + machine.State
		if machine.ErrorCode != "" {
			line += " code=" + machine.ErrorCode
		}
		if machine.Message != "" {
			line += " " + machine.Message
		}
		parts = append(parts, line)
	}

	line := strings.Join(parts, "; ")
	if line != o.state.Snapshot().Diagnostic {
		log.Printf("[Orchestrator] 诊断: %s", line)
		o.state.setDiagnostic(line)
	}
}

func (o *Orchestrator) resetForRestart() {
	o.transactionID = ""
	o.intents.fix.Store(false)
	o.intents.cancel.Store(false)
	o.resultMu.Lock()
	o.result = nil
	o.resultMu.Unlock()
	o.state.reset()
}

func (o *Orchestrator) poll(ctx context.Context) (RemoteSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return RemoteSnapshot{}, &DeviceError{Op: "getTransaction", Err: err}
	}
	cctx, cancel := o.callContext(ctx)
	defer cancel()
	snap, err := o.gateway.GetTransaction(cctx, o.transactionID)
	if err != nil {
		return RemoteSnapshot{}, &DeviceError{Op: "getTransaction", Err: err}
	}
	return snap, nil
}

func (o *Orchestrator) call(ctx context.Context, op string, fn func(context.Context) error) error {
	cctx, cancel := o.callContext(ctx)
	defer cancel()
	if err := fn(cctx); err != nil {
		return &DeviceError{Op: op, Err: err}
	}
	return nil
}

func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.opts.CallTimeout > 0 {
		return context.WithTimeout(ctx, o.opts.CallTimeout)
	}
	return context.WithCancel(ctx)
}
