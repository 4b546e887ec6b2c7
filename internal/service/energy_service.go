package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"partnerledger/internal/config"
	"partnerledger/internal/infrastructure/lock"
	"partnerledger/internal/model"
	"partnerledger/internal/repository"
	"partnerledger/pkg/idgen"

	"gorm.io/gorm"
)

// 10代能量回补比例（%），总和恰为销售额的100%
// 祖先缺位或未生效时该代份额直接不发，不重新分配
var replenishRates = [...]int64{20, 15, 10, 10, 10, 5, 5, 5, 5, 5}

var (
	ErrInsufficientEnergy = errors.New("能量不足")
	ErrInsufficientCash   = errors.New("现金余额不足")
	ErrSystemBusy         = errors.New("系统繁忙，请稍后重试")
	ErrNotEnrolled        = errors.New("会员未注册合伙人")
	ErrEnrollmentInactive = errors.New("合伙人注册未生效")
)

// EnergyService 能量账本
// LY 能量是提现门槛：网体销售回补入账，提现时与现金1:1同额扣减
type EnergyService struct {
	db         *gorm.DB
	locks      lock.Provider
	cfg        *config.Config
	memberRepo *repository.MemberRepository
	ledgerRepo *repository.LedgerRepository
}

func NewEnergyService(db *gorm.DB, locks lock.Provider, cfg *config.Config) *EnergyService {
	return &EnergyService{
		db:         db,
		locks:      locks,
		cfg:        cfg,
		memberRepo: repository.NewMemberRepository(db),
		ledgerRepo: repository.NewLedgerRepository(db),
	}
}

// ============================================================
// 余额与流水查询
// ============================================================

type Balances struct {
	MemberID      int64 `json:"member_id"`
	CashBalance   int64 `json:"cash_balance"`
	EnergyBalance int64 `json:"energy_balance"`
}

// GetBalances 查询现金与能量余额，未开户视为0
func (s *EnergyService) GetBalances(ctx context.Context, memberID int64) (*Balances, error) {
	account, err := s.ledgerRepo.GetAccount(ctx, memberID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return &Balances{MemberID: memberID}, nil
		}
		return nil, err
	}
	return &Balances{
		MemberID:      memberID,
		CashBalance:   account.CashBalance,
		EnergyBalance: account.EnergyBalance,
	}, nil
}

func (s *EnergyService) ListLedger(ctx context.Context, memberID int64, page, pageSize int) ([]*model.LedgerEntry, int64, error) {
	return s.ledgerRepo.ListEntriesByMemberID(ctx, memberID, page, pageSize)
}

// ============================================================
// 网体能量回补
// ============================================================

// ReplenishNetwork 对一笔销售沿买家祖先链回补10代能量（在调用方事务内执行）
// 只有生效中的合伙人获得回补；层级按图距离计算
func (s *EnergyService) ReplenishNetwork(ctx context.Context, tx *gorm.DB, eventID string, saleAmount int64, upline []int64) ([]*model.LedgerEntry, error) {
	entries := make([]*model.LedgerEntry, 0, len(replenishRates))

	for level := 1; level <= len(replenishRates) && level <= len(upline); level++ {
		ancestorID := upline[level-1]

		enrollment, err := s.memberRepo.GetEnrollment(ctx, ancestorID)
		if err != nil {
			return nil, fmt.Errorf("查询合伙人注册失败: %w", err)
		}
		if !enrollment.IsActive() {
			continue
		}

		amount := saleAmount * replenishRates[level-1] / 100
		if amount <= 0 {
			continue
		}

		entry, _, err := postCredit(ctx, tx, s.ledgerRepo,
			ancestorID, model.StreamEnergy, model.EntryKindEnergyReplenish,
			amount, eventID, fmt.Sprintf("能量回补-第%d代-%s", level, eventID))
		if err != nil {
			return nil, fmt.Errorf("能量回补入账失败: %w", err)
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

// ============================================================
// 合伙人注册赠送
// ============================================================

// GrantEnrollmentEnergy 注册中心激活合伙人后调用，按注册记录赠送能量
// 幂等：同一注册记录的赠送至多入账一次
func (s *EnergyService) GrantEnrollmentEnergy(ctx context.Context, memberID int64) (*model.LedgerEntry, bool, error) {
	enrollment, err := s.memberRepo.GetEnrollment(ctx, memberID)
	if err != nil {
		return nil, false, err
	}
	if enrollment == nil {
		return nil, false, ErrNotEnrolled
	}
	if !enrollment.IsActive() {
		return nil, false, ErrEnrollmentInactive
	}
	if enrollment.GrantedEnergy <= 0 {
		return nil, false, nil
	}

	var entry *model.LedgerEntry
	var applied bool
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		entry, applied, txErr = postCredit(ctx, tx, s.ledgerRepo,
			memberID, model.StreamEnergy, model.EntryKindEnrollmentCredit,
			enrollment.GrantedEnergy, fmt.Sprintf("ENROLL-%d", enrollment.ID),
			fmt.Sprintf("注册赠送-%s", enrollment.Tier))
		return txErr
	})
	if err != nil {
		return nil, false, err
	}

	return entry, applied, nil
}

// ============================================================
// 提现
// ============================================================

type WithdrawRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	MemberID  int64  `json:"member_id" binding:"required"`
	Amount    int64  `json:"amount" binding:"required,gt=0"`
}

type WithdrawResponse struct {
	WithdrawNo    string `json:"withdraw_no"`
	MemberID      int64  `json:"member_id"`
	Amount        int64  `json:"amount"`
	CashBalance   int64  `json:"cash_balance"`
	EnergyBalance int64  `json:"energy_balance"`
	Message       string `json:"message,omitempty"`
}

// Withdraw 提现：现金扣减 amount，能量同额扣减作为门槛消耗
//
// 【关键点】
// 1. 幂等性：相同的 request_id 只会扣减一次
// 2. 原子性：余额校验与双流扣减在单条条件更新内完成，绝无部分扣减
// 3. 并发安全：按会员维度加分布式锁，锁内复核幂等
func (s *EnergyService) Withdraw(ctx context.Context, req *WithdrawRequest) (*WithdrawResponse, error) {
	if req.Amount <= 0 {
		return nil, errors.New("提现金额必须大于0")
	}

	// 幂等校验
	existing, err := s.ledgerRepo.GetEntryBySource(ctx, nil, req.MemberID, model.StreamEnergy, model.EntryKindWithdrawalDebit, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	if existing != nil {
		return s.replayWithdrawResponse(ctx, req, existing)
	}

	withdrawLock := s.locks.WithdrawLock(req.MemberID, req.RequestID)
	if err := withdrawLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSystemBusy, err)
	}
	defer withdrawLock.Unlock(ctx)

	// 获取锁后再次检查幂等
	existing, err = s.ledgerRepo.GetEntryBySource(ctx, nil, req.MemberID, model.StreamEnergy, model.EntryKindWithdrawalDebit, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	if existing != nil {
		return s.replayWithdrawResponse(ctx, req, existing)
	}

	account, err := s.ledgerRepo.GetAccount(ctx, req.MemberID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, ErrInsufficientEnergy
		}
		return nil, fmt.Errorf("查询账户失败: %w", err)
	}

	if account.EnergyBalance < req.Amount {
		return nil, ErrInsufficientEnergy
	}
	if account.CashBalance < req.Amount {
		return nil, ErrInsufficientCash
	}

	withdrawNo := idgen.GenerateWithdrawNo()

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.ledgerRepo.DeductForWithdrawal(ctx, tx, req.MemberID, req.Amount, account.Version); err != nil {
			if errors.Is(err, repository.ErrBalanceNotEnough) {
				fresh, ferr := s.ledgerRepo.GetAccount(ctx, req.MemberID)
				if ferr == nil && fresh.EnergyBalance < req.Amount {
					return ErrInsufficientEnergy
				}
				return ErrInsufficientCash
			}
			if errors.Is(err, repository.ErrOptimisticLock) {
				return ErrSystemBusy
			}
			return fmt.Errorf("扣减失败: %w", err)
		}

		energyEntry := &model.LedgerEntry{
			EntryNo:       idgen.GenerateEntryNo(),
			MemberID:      req.MemberID,
			Stream:        model.StreamEnergy,
			Kind:          model.EntryKindWithdrawalDebit,
			SourceRef:     req.RequestID,
			Amount:        -req.Amount,
			BalanceBefore: account.EnergyBalance,
			BalanceAfter:  account.EnergyBalance - req.Amount,
			Remark:        fmt.Sprintf("提现-%s", withdrawNo),
		}
		if err := s.ledgerRepo.CreateEntry(ctx, tx, energyEntry); err != nil {
			return fmt.Errorf("记录能量流水失败: %w", err)
		}

		cashEntry := &model.LedgerEntry{
			EntryNo:       idgen.GenerateEntryNo(),
			MemberID:      req.MemberID,
			Stream:        model.StreamCash,
			Kind:          model.EntryKindWithdrawalDebit,
			SourceRef:     req.RequestID,
			Amount:        -req.Amount,
			BalanceBefore: account.CashBalance,
			BalanceAfter:  account.CashBalance - req.Amount,
			Remark:        fmt.Sprintf("提现-%s", withdrawNo),
		}
		if err := s.ledgerRepo.CreateEntry(ctx, tx, cashEntry); err != nil {
			return fmt.Errorf("记录现金流水失败: %w", err)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	log.Printf("提现成功: withdrawNo=%s, memberID=%d, amount=%d", withdrawNo, req.MemberID, req.Amount)

	return &WithdrawResponse{
		WithdrawNo:    withdrawNo,
		MemberID:      req.MemberID,
		Amount:        req.Amount,
		CashBalance:   account.CashBalance - req.Amount,
		EnergyBalance: account.EnergyBalance - req.Amount,
		Message:       "提现成功",
	}, nil
}

func (s *EnergyService) replayWithdrawResponse(ctx context.Context, req *WithdrawRequest, entry *model.LedgerEntry) (*WithdrawResponse, error) {
	log.Printf("提现请求重放: %s", repository.EntrySourceKey(req.MemberID, entry.Stream, entry.Kind, entry.SourceRef))

	balances, err := s.GetBalances(ctx, req.MemberID)
	if err != nil {
		return nil, err
	}
	return &WithdrawResponse{
		MemberID:      req.MemberID,
		Amount:        -entry.Amount,
		CashBalance:   balances.CashBalance,
		EnergyBalance: balances.EnergyBalance,
		Message:       "已提现，请勿重复操作",
	}, nil
}
