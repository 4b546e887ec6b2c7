package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"partnerledger/internal/config"
	"partnerledger/internal/infrastructure/lock"
	"partnerledger/internal/model"
	"partnerledger/internal/repository"
	"partnerledger/pkg/idgen"

	"gorm.io/gorm"
)

// 池金额比例（%）：周期销售总额的30%进入奖金池
const poolRatePercent = 30

// 分红权重按百分整数参与计算，避免浮点误差
// 权重1.0的有效代币数等于原始代币数，与 token/sum(token) 的份额公式一致
const weightBasis = 100

var ErrSettlementInterrupted = errors.New("结算中断，重试可恢复")

// CycleService 奖金池周期引擎
//
// 周期状态机 OPEN -> SETTLING -> SETTLED，结算必须整周期幂等：
// 中断后重试从每个合伙人的发放记录续作，绝不重复发放
type CycleService struct {
	db         *gorm.DB
	locks      lock.Provider
	cfg        *config.Config
	memberRepo *repository.MemberRepository
	ledgerRepo *repository.LedgerRepository
	cycleRepo  *repository.CycleRepository
	outboxRepo *repository.OutboxRepository
}

func NewCycleService(db *gorm.DB, locks lock.Provider, cfg *config.Config) *CycleService {
	return &CycleService{
		db:         db,
		locks:      locks,
		cfg:        cfg,
		memberRepo: repository.NewMemberRepository(db),
		ledgerRepo: repository.NewLedgerRepository(db),
		cycleRepo:  repository.NewCycleRepository(db),
		outboxRepo: repository.NewOutboxRepository(db),
	}
}

func (s *CycleService) cycleDuration() time.Duration {
	days := s.cfg.Business.CycleDays
	if days <= 0 {
		days = 10
	}
	return time.Duration(days) * 24 * time.Hour
}

// EnsureOpenCycle 确保存在 OPEN 周期（仅首次启动时需要引导创建）
func (s *CycleService) EnsureOpenCycle(ctx context.Context) (*model.BonusCycle, error) {
	cycle, err := s.cycleRepo.GetOpenCycle(ctx)
	if err == nil {
		return cycle, nil
	}
	if !errors.Is(err, repository.ErrCycleNotFound) {
		return nil, err
	}

	bootLock := s.locks.CycleBootstrapLock()
	if err := bootLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSystemBusy, err)
	}
	defer bootLock.Unlock(ctx)

	// 获取锁后再次检查
	cycle, err = s.cycleRepo.GetOpenCycle(ctx)
	if err == nil {
		return cycle, nil
	}
	if !errors.Is(err, repository.ErrCycleNotFound) {
		return nil, err
	}

	now := time.Now()
	cycle = &model.BonusCycle{
		CycleNo: idgen.GenerateCycleNo(),
		StartAt: now,
		EndAt:   now.Add(s.cycleDuration()),
		Status:  model.CycleStatusOpen,
	}
	if err := s.cycleRepo.Create(ctx, nil, cycle); err != nil {
		return nil, fmt.Errorf("创建引导周期失败: %w", err)
	}

	log.Printf("奖金池引导周期已创建: cycleNo=%s, window=[%s, %s)",
		cycle.CycleNo, cycle.StartAt.Format(time.RFC3339), cycle.EndAt.Format(time.RFC3339))
	return cycle, nil
}

// ============================================================
// 周期状态查询
// ============================================================

type CycleStatus struct {
	CycleID          int64     `json:"cycle_id"`
	CycleNo          string    `json:"cycle_no"`
	StartAt          time.Time `json:"start_at"`
	EndAt            time.Time `json:"end_at"`
	Status           string    `json:"status"`
	TotalSalesAmount int64     `json:"total_sales_amount"`
	PoolAmount       int64     `json:"pool_amount"`
}

func (s *CycleService) GetCycleStatus(ctx context.Context) (*CycleStatus, error) {
	cycle, err := s.cycleRepo.GetOpenCycle(ctx)
	if err != nil {
		return nil, err
	}
	return &CycleStatus{
		CycleID:          cycle.ID,
		CycleNo:          cycle.CycleNo,
		StartAt:          cycle.StartAt,
		EndAt:            cycle.EndAt,
		Status:           cycle.Status,
		TotalSalesAmount: cycle.TotalSalesAmount,
		PoolAmount:       cycle.TotalSalesAmount * poolRatePercent / 100,
	}, nil
}

// ============================================================
// 周期结算
// ============================================================

// SettleDueCycles 周期结算入口（后台任务周期性调用，可自由重试）
//
// 1. 先恢复遗留的 SETTLING 周期（上次结算中断）
// 2. 到期的 OPEN 周期先原子流转到 SETTLING 并接续新 OPEN 周期，再发放分红
func (s *CycleService) SettleDueCycles(ctx context.Context, now time.Time) error {
	// 恢复中断的结算
	settling, err := s.cycleRepo.ListByStatus(ctx, model.CycleStatusSettling, 10)
	if err != nil {
		return err
	}
	for _, cycle := range settling {
		if err := s.settle(ctx, cycle); err != nil {
			return err
		}
	}

	open, err := s.cycleRepo.GetOpenCycle(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrCycleNotFound) {
			_, err = s.EnsureOpenCycle(ctx)
		}
		return err
	}

	if now.Before(open.EndAt) {
		return nil
	}

	// 原子流转：池金额在流转语句内按当时的销售总额固定，
	// 流转之后到达的销售只会进入接续的新 OPEN 周期
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.cycleRepo.BeginSettling(ctx, tx, open.ID, poolRatePercent); err != nil {
			return err
		}

		next := &model.BonusCycle{
			CycleNo: idgen.GenerateCycleNo(),
			StartAt: open.EndAt,
			EndAt:   open.EndAt.Add(s.cycleDuration()),
			Status:  model.CycleStatusOpen,
		}
		return s.cycleRepo.Create(ctx, tx, next)
	})
	if err != nil {
		if errors.Is(err, repository.ErrCycleStatusInvalid) {
			// 其他实例已流转
			return nil
		}
		return err
	}

	cycle, err := s.cycleRepo.GetByID(ctx, open.ID)
	if err != nil {
		return err
	}

	return s.settle(ctx, cycle)
}

// settle 发放一个 SETTLING 周期的分红并收尾为 SETTLED
func (s *CycleService) settle(ctx context.Context, cycle *model.BonusCycle) error {
	settleLock := s.locks.SettleLock(cycle.ID)
	acquired, err := settleLock.TryLock(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		// 其他实例正在结算
		return nil
	}
	defer settleLock.Unlock(ctx)

	// 基线补足：所有生效合伙人即使零销售也保有1个代币
	enrollments, err := s.memberRepo.ListActiveEnrollments(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSettlementInterrupted, err)
	}
	weights := make(map[int64]int64, len(enrollments))
	for _, enrollment := range enrollments {
		if err := s.cycleRepo.EnsureBaselineToken(ctx, nil, cycle.ID, enrollment.MemberID); err != nil {
			return fmt.Errorf("%w: %v", ErrSettlementInterrupted, err)
		}
		// 四舍五入而非截断：1.15 的浮点表示可能略小于 1.15，截断会变成 114
		weights[enrollment.MemberID] = int64(math.Round(enrollment.DividendWeight * weightBasis))
	}

	counts, err := s.cycleRepo.ListTokenCounts(ctx, cycle.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSettlementInterrupted, err)
	}

	// 有效代币 = 代币数 * 分红权重（按百分整数），全部权重为1.0时
	// 份额退化为 token/sum(token)
	var totalEffective int64
	for _, count := range counts {
		totalEffective += count.TokenCount * s.effectiveWeight(weights, count.MemberID)
	}

	var paidTotal int64
	var paidCount int
	if cycle.PoolAmount > 0 && totalEffective > 0 {
		for _, count := range counts {
			effective := count.TokenCount * s.effectiveWeight(weights, count.MemberID)
			// 向下取整：取整残差留在池内，绝不超发
			amount := cycle.PoolAmount * effective / totalEffective

			err := s.db.Transaction(func(tx *gorm.DB) error {
				payout := &model.CyclePayout{
					CycleID:    cycle.ID,
					MemberID:   count.MemberID,
					TokenCount: count.TokenCount,
					Amount:     amount,
				}
				created, err := s.cycleRepo.CreatePayout(ctx, tx, payout)
				if err != nil {
					return err
				}
				if !created {
					// 上次结算已发放
					return nil
				}
				if amount <= 0 {
					return nil
				}

				_, _, err = postCredit(ctx, tx, s.ledgerRepo,
					count.MemberID, model.StreamCash, model.EntryKindBonusPoolCredit,
					amount, cycle.CycleNo, fmt.Sprintf("奖金池分红-%s", cycle.CycleNo))
				return err
			})
			if err != nil {
				return fmt.Errorf("%w: member_id=%d, %v", ErrSettlementInterrupted, count.MemberID, err)
			}

			paidTotal += amount
			paidCount++
		}
	}

	if err := s.cycleRepo.MarkSettled(ctx, cycle.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrSettlementInterrupted, err)
	}

	s.emitSettlementResult(ctx, cycle, paidTotal, paidCount)

	log.Printf("周期结算完成: cycleNo=%s, pool=%d, paid=%d, partners=%d",
		cycle.CycleNo, cycle.PoolAmount, paidTotal, paidCount)
	return nil
}

func (s *CycleService) effectiveWeight(weights map[int64]int64, memberID int64) int64 {
	if w, ok := weights[memberID]; ok && w >= weightBasis {
		return w
	}
	// 无注册记录或权重异常时按1.0参与
	return weightBasis
}

func (s *CycleService) emitSettlementResult(ctx context.Context, cycle *model.BonusCycle, paidTotal int64, paidCount int) {
	msgPayload := map[string]interface{}{
		"cycle_no":    cycle.CycleNo,
		"pool_amount": cycle.PoolAmount,
		"total_sales": cycle.TotalSalesAmount,
		"paid_total":  paidTotal,
		"paid_count":  paidCount,
		"settled_at":  time.Now().Format(time.RFC3339),
	}
	payloadBytes, _ := json.Marshal(msgPayload)

	outboxMsg := &model.OutboxMessage{
		MessageKey: cycle.CycleNo,
		Topic:      s.cfg.Kafka.Topic.SettlementResult,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, nil, outboxMsg); err != nil {
		log.Printf("写入结算消息失败: cycleNo=%s, err=%v", cycle.CycleNo, err)
	}
}
