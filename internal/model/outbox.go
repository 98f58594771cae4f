package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// OutboxMessage 结算事件发件箱，与结算记录在同一个事务里写入，由 OutboxSender 投递到 Kafka
type OutboxMessage struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SettlementNo string    `gorm:"type:varchar(64);index;not null" json:"settlement_no"`
	MessageKey   string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic        string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload      string    `gorm:"type:text;not null" json:"payload"`
	Status       string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount   int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "settlement_outbox"
}
