package repository

import (
	"context"
	"errors"
	"time"

	"partnerledger/internal/model"

	"gorm.io/gorm"
)

var (
	ErrSaleNotFound = errors.New("销售事件不存在")
)

type SaleRepository struct {
	db *gorm.DB
}

func NewSaleRepository(db *gorm.DB) *SaleRepository {
	return &SaleRepository{db: db}
}

func (r *SaleRepository) Create(ctx context.Context, tx *gorm.DB, sale *model.ProcessedSale) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(sale).Error
}

// GetByEventID 按事件ID查询处理记录，不存在时返回 nil
func (r *SaleRepository) GetByEventID(ctx context.Context, eventID string) (*model.ProcessedSale, error) {
	var sale model.ProcessedSale
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&sale).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sale, nil
}

// MarkProcessed 将销售事件标记为已处理并记录归属周期
func (r *SaleRepository) MarkProcessed(ctx context.Context, tx *gorm.DB, saleID int64, cycleID int64) error {
	if tx == nil {
		tx = r.db
	}

	now := time.Now()
	result := tx.WithContext(ctx).
		Model(&model.ProcessedSale{}).
		Where("id = ?", saleID).
		Updates(map[string]interface{}{
			"status":       model.SaleStatusProcessed,
			"cycle_id":     cycleID,
			"reason":       "",
			"processed_at": &now,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrSaleNotFound
	}

	return nil
}

// MarkReview 将销售事件标记为待人工处理（推荐关系异常等）
func (r *SaleRepository) MarkReview(ctx context.Context, saleID int64, reason string) error {
	return r.db.WithContext(ctx).
		Model(&model.ProcessedSale{}).
		Where("id = ?", saleID).
		Updates(map[string]interface{}{
			"status": model.SaleStatusReview,
			"reason": reason,
		}).Error
}

func (r *SaleRepository) ListByStatus(ctx context.Context, status string, limit int) ([]*model.ProcessedSale, error) {
	var sales []*model.ProcessedSale
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Find(&sales).Error
	return sales, err
}
