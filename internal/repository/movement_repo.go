package repository

import (
	"context"

	"cashsettle/internal/model"

	"gorm.io/gorm"
)

type MovementRepository struct {
	db *gorm.DB
}

func NewMovementRepository(db *gorm.DB) *MovementRepository {
	return &MovementRepository{db: db}
}

func (r *MovementRepository) Create(ctx context.Context, tx *gorm.DB, m *model.CashMovement) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(m).Error
}

func (r *MovementRepository) ListBySettlementNo(ctx context.Context, settlementNo string) ([]*model.CashMovement, error) {
	var list []*model.CashMovement
	err := r.db.WithContext(ctx).
		Where("settlement_no = ?", settlementNo).
		Order("id ASC").
		Find(&list).Error
	return list, err
}
