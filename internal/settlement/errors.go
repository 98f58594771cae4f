package settlement

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyStarted = errors.New("settlement: orchestrator already started")
	ErrNilGateway     = errors.New("settlement: gateway is required")
)

// DeviceError 现金机通信/协议失败，对当前交易总是致命的
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s failed: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// UnexpectedStatusError 现金机上报了当前阶段不允许的状态码
type UnexpectedStatusError struct {
	Phase Phase
	Code  DeviceStatus
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("%s: device reported %q during %s", e.Label(), e.Code, e.Phase)
}

// Label abort 和 failure 有专门的提示，其余统一为 unexpected error
func (e *UnexpectedStatusError) Label() string {
	switch e.Code {
	case DeviceAbort:
		return "forced termination"
	case DeviceFailure:
		return "transaction error"
	default:
		return "unexpected error"
	}
}

// ResultConstructionError 结算结果金额校验失败，正常情况下不可达
type ResultConstructionError struct {
	Field  string
	Amount int64
}

func (e *ResultConstructionError) Error() string {
	return fmt.Sprintf("invalid settlement result: %s is negative (%d)", e.Field, e.Amount)
}

func unexpected(phase Phase, code DeviceStatus) error {
	return &UnexpectedStatusError{Phase: phase, Code: code}
}
