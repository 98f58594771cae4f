package settlement

// StatusKind 现金交易状态
type StatusKind string

const (
	StatusInit           StatusKind = "init"
	StatusStart          StatusKind = "start"
	StatusPayment        StatusKind = "payment"
	StatusFixWait        StatusKind = "fix_wait"
	StatusFix            StatusKind = "fix"
	StatusChange         StatusKind = "change"
	StatusCompleted      StatusKind = "completed"
	StatusCancel         StatusKind = "cancel"
	StatusRefund         StatusKind = "refund"
	StatusCancelled      StatusKind = "cancelled"
	StatusError          StatusKind = "error"
	StatusErrorRestore   StatusKind = "error_restore"
	StatusErrorRestored  StatusKind = "error_restored"
	StatusErrorCancel    StatusKind = "error_cancel"
	StatusErrorCancelled StatusKind = "error_cancelled"
)

// Status 是带载荷的状态：只有 StatusError 会携带 Message
type Status struct {
	Kind    StatusKind `json:"kind"`
	Message string     `json:"message,omitempty"`
}

func statusOf(kind StatusKind) Status {
	return Status{Kind: kind}
}

// ErrorStatus 构造 error(message) 状态
func ErrorStatus(message string) Status {
	return Status{Kind: StatusError, Message: message}
}

func (s Status) String() string {
	if s.Kind == StatusError {
		return "error(" + s.Message + ")"
	}
	return string(s.Kind)
}

// IsTerminal 编排器只会在这三个状态结束
func (s Status) IsTerminal() bool {
	switch s.Kind {
	case StatusCompleted, StatusCancelled, StatusErrorCancelled:
		return true
	}
	return false
}

func (s Status) IsError() bool {
	return s.Kind == StatusError
}

// DeviceStatus 现金机上报的交易状态码
type DeviceStatus string

const (
	DeviceBeginDeposit   DeviceStatus = "begin_deposit"
	DeviceDispenseChange DeviceStatus = "dispense_change"
	DeviceWaitPullOut    DeviceStatus = "wait_pull_out"
	DeviceFinish         DeviceStatus = "finish"
	DeviceCancel         DeviceStatus = "cancel"
	DeviceAbort          DeviceStatus = "abort"
	DeviceTimeout        DeviceStatus = "timeout"
	DeviceFailure        DeviceStatus = "failure"
)

// AllDeviceStatuses 按协议顺序列出全部状态码
var AllDeviceStatuses = []DeviceStatus{
	DeviceBeginDeposit,
	DeviceDispenseChange,
	DeviceWaitPullOut,
	DeviceFinish,
	DeviceCancel,
	DeviceAbort,
	DeviceTimeout,
	DeviceFailure,
}

func (d DeviceStatus) Valid() bool {
	for _, s := range AllDeviceStatuses {
		if s == d {
			return true
		}
	}
	return false
}

// Phase 编排器当前所处阶段，用于错误信息
type Phase string

const (
	PhaseDeposit         Phase = "deposit"
	PhaseFixConfirmation Phase = "fix confirmation"
	PhaseChange          Phase = "change"
	PhaseCancel          Phase = "cancel"
)
