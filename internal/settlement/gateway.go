package settlement

import (
	"context"
	"time"
)

// Billing 账单快照，交易创建时捕获，之后不再修改
type Billing struct {
	CustomerRef string `json:"customer_ref,omitempty"`
	Amount      int64  `json:"amount"`
}

// RemoteSnapshot 现金机返回的交易快照（只读）
type RemoteSnapshot struct {
	TransactionID   string       `json:"transaction_id"`
	DeviceStatus    DeviceStatus `json:"device_status"`
	DepositAmount   int64        `json:"deposit_amount"`
	ChangeAmount    int64        `json:"change_amount"`
	FixConfirmed    bool         `json:"fix_confirmed"`
	CanPayoutChange *bool        `json:"can_payout_change,omitempty"`
}

// MachineStatus 设备健康信息，只用于错误处理时给操作员展示
type MachineStatus struct {
	State     string    `json:"state"`
	ErrorCode string    `json:"error_code,omitempty"`
	Message   string    `json:"message,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Gateway 现金机的逻辑请求/响应接口
//
// 任何调用都可能失败。StartTransaction/GetTransaction/FixDeposit/CancelTransaction
// 的失败会让编排器直接进入错误流程，不做自动重试；GetMachineStatus 的失败只记录。
type Gateway interface {
	StartTransaction(ctx context.Context, billing Billing) (string, error)
	GetTransaction(ctx context.Context, transactionID string) (RemoteSnapshot, error)
	FixDeposit(ctx context.Context) error
	CancelTransaction(ctx context.Context) error
	GetMachineStatus(ctx context.Context) (MachineStatus, error)
}
