package service

import (
	"context"
	"fmt"

	"partnerledger/internal/model"
	"partnerledger/internal/repository"

	"gorm.io/gorm"
)

// 3代返现比例（%）：第1代50、第2代30、第3代20，合计恰为销售额的100%
// 比例表为全局常量（不按等级/活动配置）
var cashbackRates = [...]int64{50, 30, 20}

// CommissionService 多代返现引擎
// 按图距离确定代数：祖先未注册合伙人时被跳过，但不改变后续祖先的代数
type CommissionService struct {
	memberRepo *repository.MemberRepository
	ledgerRepo *repository.LedgerRepository
}

func NewCommissionService(db *gorm.DB) *CommissionService {
	return &CommissionService{
		memberRepo: repository.NewMemberRepository(db),
		ledgerRepo: repository.NewLedgerRepository(db),
	}
}

// ApplyCashback 对一笔已完成销售发放3代返现（在调用方事务内执行）
//
// 保证：
// 1. 代数不足时对应份额直接不发，绝不向上或向下重新分配
// 2. 金额整数向下取整（分）
// 3. 幂等：同一销售事件对同一会员的返现至多入账一次
func (s *CommissionService) ApplyCashback(ctx context.Context, tx *gorm.DB, eventID string, saleAmount int64, upline []int64) ([]*model.LedgerEntry, error) {
	entries := make([]*model.LedgerEntry, 0, len(cashbackRates))

	for gen := 1; gen <= len(cashbackRates) && gen <= len(upline); gen++ {
		ancestorID := upline[gen-1]

		enrollment, err := s.memberRepo.GetEnrollment(ctx, ancestorID)
		if err != nil {
			return nil, fmt.Errorf("查询合伙人注册失败: %w", err)
		}
		if !enrollment.IsActive() {
			// 跳过未生效合伙人，代数继续按图距离推进
			continue
		}

		amount := saleAmount * cashbackRates[gen-1] / 100
		if amount <= 0 {
			continue
		}

		entry, _, err := postCredit(ctx, tx, s.ledgerRepo,
			ancestorID, model.StreamCash, model.EntryKindCashbackCredit,
			amount, eventID, fmt.Sprintf("返现-第%d代-%s", gen, eventID))
		if err != nil {
			return nil, fmt.Errorf("返现入账失败: %w", err)
		}

		entries = append(entries, entry)
	}

	return entries, nil
}
