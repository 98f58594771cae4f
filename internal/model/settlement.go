package model

import (
	"time"
)

// 结算记录状态，与编排器状态同名，另加 interrupted
const (
	SettlementStatusInit           = "init"
	SettlementStatusStart          = "start"
	SettlementStatusPayment        = "payment"
	SettlementStatusFixWait        = "fix_wait"
	SettlementStatusFix            = "fix"
	SettlementStatusChange         = "change"
	SettlementStatusCompleted      = "completed"
	SettlementStatusCancel         = "cancel"
	SettlementStatusRefund         = "refund"
	SettlementStatusCancelled      = "cancelled"
	SettlementStatusError          = "error"
	SettlementStatusErrorRestore   = "error_restore"
	SettlementStatusErrorRestored  = "error_restored"
	SettlementStatusErrorCancel    = "error_cancel"
	SettlementStatusErrorCancelled = "error_cancelled"
	// SettlementStatusInterrupted 进程退出时交易仍未结束，需要到收银台核对现金
	SettlementStatusInterrupted = "interrupted"
)

// FinalSettlementStatuses 终态之后记录不再变化
var FinalSettlementStatuses = []string{
	SettlementStatusCompleted,
	SettlementStatusCancelled,
	SettlementStatusErrorCancelled,
	SettlementStatusInterrupted,
}

func IsFinalSettlementStatus(status string) bool {
	for _, s := range FinalSettlementStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// CanTransitionTo 终态不能再迁移，其余状态之间的顺序由编排器保证
func CanTransitionTo(currentStatus, targetStatus string) bool {
	if currentStatus == targetStatus {
		return false
	}
	return !IsFinalSettlementStatus(currentStatus)
}

// CashSettlement 现金结算记录
//
// 一次 Begin 对应一条记录；错误恢复后重新开始的设备交易仍记在同一条记录上，
// TransactionID 总是最近一次设备交易号。
type CashSettlement struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	SettlementNo  string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"settlement_no"`
	RequestID     string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"request_id"`
	TerminalID    string     `gorm:"type:varchar(32);index;not null" json:"terminal_id"`
	TransactionID string     `gorm:"type:varchar(64)" json:"transaction_id"`
	CustomerRef   string     `gorm:"type:varchar(64)" json:"customer_ref"`
	BillingAmount int64      `gorm:"not null" json:"billing_amount"`
	Status        string     `gorm:"type:varchar(20);index;not null" json:"status"`
	ErrorMessage  string     `gorm:"type:varchar(512)" json:"error_message,omitempty"`
	PaymentMethod string     `gorm:"type:varchar(16)" json:"payment_method,omitempty"`
	DepositTotal  int64      `gorm:"not null;default:0" json:"deposit_total"`
	DepositCash   int64      `gorm:"not null;default:0" json:"deposit_cash"`
	DepositCredit int64      `gorm:"not null;default:0" json:"deposit_credit"`
	ChangeAmount  int64      `gorm:"not null;default:0" json:"change_amount"`
	CompletedAt   *time.Time `json:"completed_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CashSettlement) TableName() string {
	return "cash_settlement"
}
