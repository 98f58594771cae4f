package model

import (
	"time"
)

const (
	MovementTypeDeposit = "DEPOSIT" // 投入
	MovementTypeChange  = "CHANGE"  // 找零
)

// CashMovement 现金出入流水
//
// 只追加，不修改，不删除。每笔结算完成时写入投入和找零两条，
// 终端日结时按流水与钱箱对账。
type CashMovement struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MovementNo   string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"movement_no"`
	TerminalID   string    `gorm:"type:varchar(32);index;not null" json:"terminal_id"`
	SettlementNo string    `gorm:"type:varchar(64);index;not null" json:"settlement_no"`
	Amount       int64     `gorm:"not null" json:"amount"` // 正数入钱箱，负数出钱箱
	Type         string    `gorm:"type:varchar(20);not null" json:"type"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (CashMovement) TableName() string {
	return "cash_movement"
}
