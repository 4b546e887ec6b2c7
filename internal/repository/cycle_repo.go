package repository

import (
	"context"
	"errors"
	"time"

	"partnerledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrCycleNotFound      = errors.New("奖金池周期不存在")
	ErrCycleStatusInvalid = errors.New("周期状态不合法")
	ErrCycleClosed        = errors.New("周期已进入结算，不再接受销售")
)

type CycleRepository struct {
	db *gorm.DB
}

func NewCycleRepository(db *gorm.DB) *CycleRepository {
	return &CycleRepository{db: db}
}

func (r *CycleRepository) Create(ctx context.Context, tx *gorm.DB, cycle *model.BonusCycle) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(cycle).Error
}

func (r *CycleRepository) GetByID(ctx context.Context, cycleID int64) (*model.BonusCycle, error) {
	var cycle model.BonusCycle
	err := r.db.WithContext(ctx).Where("id = ?", cycleID).First(&cycle).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCycleNotFound
		}
		return nil, err
	}
	return &cycle, nil
}

// GetOpenCycle 查询当前唯一的 OPEN 周期
func (r *CycleRepository) GetOpenCycle(ctx context.Context) (*model.BonusCycle, error) {
	var cycle model.BonusCycle
	err := r.db.WithContext(ctx).
		Where("status = ?", model.CycleStatusOpen).
		Order("start_at ASC").
		First(&cycle).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCycleNotFound
		}
		return nil, err
	}
	return &cycle, nil
}

func (r *CycleRepository) ListByStatus(ctx context.Context, status string, limit int) ([]*model.BonusCycle, error) {
	var cycles []*model.BonusCycle
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("start_at ASC").
		Limit(limit).
		Find(&cycles).Error
	return cycles, err
}

// AddSalesAmount 向 OPEN 周期累计销售额
//
// 【关键点】条件更新带上 status=OPEN：周期一旦被并发流转到 SETTLING，
// 本次累计会落空（返回 ErrCycleClosed），调用方应取新的 OPEN 周期重试
func (r *CycleRepository) AddSalesAmount(ctx context.Context, tx *gorm.DB, cycleID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.BonusCycle{}).
		Where("id = ? AND status = ?", cycleID, model.CycleStatusOpen).
		Update("total_sales_amount", gorm.Expr("total_sales_amount + ?", amount))

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrCycleClosed
	}

	return nil
}

// BeginSettling 周期流转 OPEN -> SETTLING（CAS），同时固定池金额
// 池金额在流转语句内按当时的销售总额计算，与并发销售累计不会错配；
// 多实例并发触发时只有一个流转成功
func (r *CycleRepository) BeginSettling(ctx context.Context, tx *gorm.DB, cycleID int64, poolRatePercent int64) error {
	if !model.CanCycleTransitionTo(model.CycleStatusOpen, model.CycleStatusSettling) {
		return ErrCycleStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.BonusCycle{}).
		Where("id = ? AND status = ?", cycleID, model.CycleStatusOpen).
		Updates(map[string]interface{}{
			"status":      model.CycleStatusSettling,
			"pool_amount": gorm.Expr("total_sales_amount * ? / 100", poolRatePercent),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrCycleStatusInvalid
	}

	return nil
}

// MarkSettled 周期流转 SETTLING -> SETTLED（终态）
func (r *CycleRepository) MarkSettled(ctx context.Context, cycleID int64) error {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&model.BonusCycle{}).
		Where("id = ? AND status = ?", cycleID, model.CycleStatusSettling).
		Updates(map[string]interface{}{
			"status":     model.CycleStatusSettled,
			"settled_at": &now,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrCycleStatusInvalid
	}

	return nil
}

// ============================================================
// 周期代币计数
// ============================================================

// AddTokenCount 累计代币：首次触达时插入（基线1 + 本次件数），
// 已有行则只累加本次件数，并发累加不会丢失更新
func (r *CycleRepository) AddTokenCount(ctx context.Context, tx *gorm.DB, cycleID, memberID int64, units int64) error {
	if tx == nil {
		tx = r.db
	}

	row := &model.CycleTokenCount{
		CycleID:    cycleID,
		MemberID:   memberID,
		TokenCount: 1 + units, // 基线1
	}

	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "cycle_id"}, {Name: "member_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"token_count": gorm.Expr("token_count + ?", units),
			}),
		}).
		Create(row).Error
}

// EnsureBaselineToken 为生效合伙人补足基线代币行（幂等）
func (r *CycleRepository) EnsureBaselineToken(ctx context.Context, tx *gorm.DB, cycleID, memberID int64) error {
	if tx == nil {
		tx = r.db
	}

	row := &model.CycleTokenCount{
		CycleID:    cycleID,
		MemberID:   memberID,
		TokenCount: 1,
	}

	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "cycle_id"}, {Name: "member_id"}},
			DoNothing: true,
		}).
		Create(row).Error
}

func (r *CycleRepository) ListTokenCounts(ctx context.Context, cycleID int64) ([]*model.CycleTokenCount, error) {
	var counts []*model.CycleTokenCount
	err := r.db.WithContext(ctx).
		Where("cycle_id = ?", cycleID).
		Order("member_id ASC").
		Find(&counts).Error
	return counts, err
}

// ============================================================
// 周期分红发放
// ============================================================

// CreatePayout 写入发放记录；(cycle_id, member_id) 冲突时静默跳过
// 返回是否为新写入，结算重试据此避免重复发放
func (r *CycleRepository) CreatePayout(ctx context.Context, tx *gorm.DB, payout *model.CyclePayout) (bool, error) {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "cycle_id"}, {Name: "member_id"}},
			DoNothing: true,
		}).
		Create(payout)

	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected > 0, nil
}

func (r *CycleRepository) ListPayouts(ctx context.Context, cycleID int64) ([]*model.CyclePayout, error) {
	var payouts []*model.CyclePayout
	err := r.db.WithContext(ctx).
		Where("cycle_id = ?", cycleID).
		Order("member_id ASC").
		Find(&payouts).Error
	return payouts, err
}
