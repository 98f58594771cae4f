package repository

import (
	"context"
	"errors"
	"time"

	"cashsettle/internal/model"

	"gorm.io/gorm"
)

var (
	ErrSettlementNotFound      = errors.New("结算记录不存在")
	ErrSettlementStatusInvalid = errors.New("结算记录状态不合法")
)

// Completion 结算完成时需要原子写入的内容
type Completion struct {
	PaymentMethod string
	DepositTotal  int64
	DepositCash   int64
	DepositCredit int64
	ChangeAmount  int64
	CompletedAt   time.Time
	Movements     []*model.CashMovement
	Outbox        *model.OutboxMessage
}

type SettlementRepository struct {
	db           *gorm.DB
	movementRepo *MovementRepository
	outboxRepo   *OutboxRepository
}

func NewSettlementRepository(db *gorm.DB) *SettlementRepository {
	return &SettlementRepository{
		db:           db,
		movementRepo: NewMovementRepository(db),
		outboxRepo:   NewOutboxRepository(db),
	}
}

func (r *SettlementRepository) Create(ctx context.Context, s *model.CashSettlement) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *SettlementRepository) GetBySettlementNo(ctx context.Context, settlementNo string) (*model.CashSettlement, error) {
	var s model.CashSettlement
	err := r.db.WithContext(ctx).Where("settlement_no = ?", settlementNo).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSettlementNotFound
		}
		return nil, err
	}
	return &s, nil
}

// GetByRequestID 不存在时返回 nil, nil
func (r *SettlementRepository) GetByRequestID(ctx context.Context, requestID string) (*model.CashSettlement, error) {
	var s model.CashSettlement
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// UpdateStatus 更新进行中记录的状态，终态记录不会被覆盖
func (r *SettlementRepository) UpdateStatus(ctx context.Context, settlementNo, status, errorMessage, transactionID string) error {
	updates := map[string]interface{}{
		"status":        status,
		"error_message": errorMessage,
	}
	if transactionID != "" {
		updates["transaction_id"] = transactionID
	}

	result := r.db.WithContext(ctx).
		Model(&model.CashSettlement{}).
		Where("settlement_no = ? AND status NOT IN ?", settlementNo, model.FinalSettlementStatuses).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSettlementStatusInvalid
	}
	return nil
}

// Complete 在一个事务里写入结算结果、现金流水和发件箱消息
func (r *SettlementRepository) Complete(ctx context.Context, settlementNo string, c *Completion) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.CashSettlement{}).
			Where("settlement_no = ? AND status NOT IN ?", settlementNo, model.FinalSettlementStatuses).
			Updates(map[string]interface{}{
				"status":         model.SettlementStatusCompleted,
				"error_message":  "",
				"payment_method": c.PaymentMethod,
				"deposit_total":  c.DepositTotal,
				"deposit_cash":   c.DepositCash,
				"deposit_credit": c.DepositCredit,
				"change_amount":  c.ChangeAmount,
				"completed_at":   &c.CompletedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrSettlementStatusInvalid
		}

		for _, m := range c.Movements {
			if err := r.movementRepo.Create(ctx, tx, m); err != nil {
				return err
			}
		}

		if c.Outbox != nil {
			if err := r.outboxRepo.Create(ctx, tx, c.Outbox); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close 把记录置为 cancelled / error_cancelled 等终态，并在同一事务里写入状态事件
func (r *SettlementRepository) Close(ctx context.Context, settlementNo, status, errorMessage string, event *model.OutboxMessage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.CashSettlement{}).
			Where("settlement_no = ? AND status NOT IN ?", settlementNo, model.FinalSettlementStatuses).
			Updates(map[string]interface{}{
				"status":        status,
				"error_message": errorMessage,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrSettlementStatusInvalid
		}

		if event != nil {
			return r.outboxRepo.Create(ctx, tx, event)
		}
		return nil
	})
}

// GetStale 查询 beforeTime 之前就不再更新、且仍未结束的记录
func (r *SettlementRepository) GetStale(ctx context.Context, terminalID string, beforeTime time.Time, limit int) ([]*model.CashSettlement, error) {
	var list []*model.CashSettlement
	err := r.db.WithContext(ctx).
		Where("terminal_id = ? AND status NOT IN ? AND updated_at < ?", terminalID, model.FinalSettlementStatuses, beforeTime).
		Order("updated_at ASC").
		Limit(limit).
		Find(&list).Error
	return list, err
}

func (r *SettlementRepository) MarkInterrupted(ctx context.Context, settlementNo string) error {
	return r.UpdateStatus(ctx, settlementNo, model.SettlementStatusInterrupted, "进程退出时交易未结束，请在收银台核对现金", "")
}

func (r *SettlementRepository) ListMovements(ctx context.Context, settlementNo string) ([]*model.CashMovement, error) {
	return r.movementRepo.ListBySettlementNo(ctx, settlementNo)
}

func (r *SettlementRepository) ListByTerminal(ctx context.Context, terminalID string, page, pageSize int) ([]*model.CashSettlement, int64, error) {
	var list []*model.CashSettlement
	var total int64

	query := r.db.WithContext(ctx).Model(&model.CashSettlement{}).Where("terminal_id = ?", terminalID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&list).Error

	return list, total, err
}
