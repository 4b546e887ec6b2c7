package repository

import (
	"context"
	"errors"
	"fmt"

	"partnerledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound  = errors.New("账户不存在")
	ErrBalanceNotEnough = errors.New("余额不足")
	ErrOptimisticLock   = errors.New("乐观锁冲突，请重试")
	ErrUnknownStream    = errors.New("未知的资金流")
)

type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func balanceColumn(stream string) (string, error) {
	switch stream {
	case model.StreamCash:
		return "cash_balance", nil
	case model.StreamEnergy:
		return "energy_balance", nil
	default:
		return "", ErrUnknownStream
	}
}

// ============================================================
// 账户（缓存投影）
// ============================================================

func (r *LedgerRepository) GetAccount(ctx context.Context, memberID int64) (*model.MemberAccount, error) {
	var account model.MemberAccount
	err := r.db.WithContext(ctx).Where("member_id = ?", memberID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *LedgerRepository) GetOrCreateAccount(ctx context.Context, tx *gorm.DB, memberID int64) (*model.MemberAccount, error) {
	if tx == nil {
		tx = r.db
	}

	newAccount := &model.MemberAccount{MemberID: memberID}
	err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "member_id"}},
			DoNothing: true,
		}).
		Create(newAccount).Error
	if err != nil {
		return nil, err
	}

	var account model.MemberAccount
	err = tx.WithContext(ctx).Where("member_id = ?", memberID).First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// IncreaseBalance 入账（单调递增，不会失败于余额检查）
func (r *LedgerRepository) IncreaseBalance(ctx context.Context, tx *gorm.DB, memberID int64, stream string, amount int64) error {
	column, err := balanceColumn(stream)
	if err != nil {
		return err
	}
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.MemberAccount{}).
		Where("member_id = ?", memberID).
		Updates(map[string]interface{}{
			column:    gorm.Expr(column+" + ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// DeductForWithdrawal 提现扣减：现金与能量同额、单条语句原子扣减
//
// 【关键点】余额校验与扣减在同一条条件更新里完成，
// 两笔并发提现绝不可能都看到足额余额后双双成功
func (r *LedgerRepository) DeductForWithdrawal(ctx context.Context, tx *gorm.DB, memberID int64, amount int64, version int) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.MemberAccount{}).
		Where("member_id = ? AND cash_balance >= ? AND energy_balance >= ? AND version = ?",
			memberID, amount, amount, version).
		Updates(map[string]interface{}{
			"cash_balance":   gorm.Expr("cash_balance - ?", amount),
			"energy_balance": gorm.Expr("energy_balance - ?", amount),
			"version":        gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		account, err := r.GetAccount(ctx, memberID)
		if err != nil {
			return err
		}
		if account.EnergyBalance < amount || account.CashBalance < amount {
			return ErrBalanceNotEnough
		}
		return ErrOptimisticLock
	}

	return nil
}

// ============================================================
// 账本流水（唯一事实来源）
// ============================================================

func (r *LedgerRepository) CreateEntry(ctx context.Context, tx *gorm.DB, entry *model.LedgerEntry) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(entry).Error
}

// GetEntryBySource 按幂等键查询流水，不存在时返回 nil
func (r *LedgerRepository) GetEntryBySource(ctx context.Context, tx *gorm.DB, memberID int64, stream, kind, sourceRef string) (*model.LedgerEntry, error) {
	if tx == nil {
		tx = r.db
	}

	var entry model.LedgerEntry
	err := tx.WithContext(ctx).
		Where("member_id = ? AND stream = ? AND kind = ? AND source_ref = ?", memberID, stream, kind, sourceRef).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *LedgerRepository) ListEntriesByMemberID(ctx context.Context, memberID int64, page, pageSize int) ([]*model.LedgerEntry, int64, error) {
	var entries []*model.LedgerEntry
	var total int64

	query := r.db.WithContext(ctx).Model(&model.LedgerEntry{}).Where("member_id = ?", memberID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error

	return entries, total, err
}

// SumEntries 重放某会员某条资金流的全部流水
// 对账的依据：缓存余额必须与该和一致
func (r *LedgerRepository) SumEntries(ctx context.Context, memberID int64, stream string) (int64, error) {
	var sum *int64
	err := r.db.WithContext(ctx).
		Model(&model.LedgerEntry{}).
		Select("SUM(amount)").
		Where("member_id = ? AND stream = ?", memberID, stream).
		Scan(&sum).Error
	if err != nil {
		return 0, err
	}
	if sum == nil {
		return 0, nil
	}
	return *sum, nil
}

func (r *LedgerRepository) ListAccounts(ctx context.Context, offset, limit int) ([]*model.MemberAccount, error) {
	var accounts []*model.MemberAccount
	err := r.db.WithContext(ctx).
		Order("id ASC").
		Offset(offset).
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}

// EntrySourceKey 组装幂等来源标识的调试描述
func EntrySourceKey(memberID int64, stream, kind, sourceRef string) string {
	return fmt.Sprintf("%d/%s/%s/%s", memberID, stream, kind, sourceRef)
}
