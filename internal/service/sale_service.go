package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"partnerledger/internal/config"
	"partnerledger/internal/infrastructure/lock"
	"partnerledger/internal/model"
	"partnerledger/internal/referral"
	"partnerledger/internal/repository"

	"gorm.io/gorm"
)

// cycleRetryLimit 周期并发流转时整笔事务的重试上限
const cycleRetryLimit = 3

// SaleService 销售事件处理入口
//
// 订单系统确认收款后投递 SaleEvent，这里一次事务内完成：
// 幂等落库、3代返现、10代能量回补、周期销售累计与代币计数、发件箱消息
type SaleService struct {
	db         *gorm.DB
	locks      lock.Provider
	cfg        *config.Config
	resolver   *referral.Resolver
	memberRepo *repository.MemberRepository
	saleRepo   *repository.SaleRepository
	cycleRepo  *repository.CycleRepository
	outboxRepo *repository.OutboxRepository
	commission *CommissionService
	energy     *EnergyService
	cycles     *CycleService
}

func NewSaleService(db *gorm.DB, locks lock.Provider, cfg *config.Config) *SaleService {
	memberRepo := repository.NewMemberRepository(db)
	return &SaleService{
		db:         db,
		locks:      locks,
		cfg:        cfg,
		resolver:   referral.NewResolver(memberRepo),
		memberRepo: memberRepo,
		saleRepo:   repository.NewSaleRepository(db),
		cycleRepo:  repository.NewCycleRepository(db),
		outboxRepo: repository.NewOutboxRepository(db),
		commission: NewCommissionService(db),
		energy:     NewEnergyService(db, locks, cfg),
		cycles:     NewCycleService(db, locks, cfg),
	}
}

type SaleFinalizedRequest struct {
	EventID        string    `json:"event_id" binding:"required"`
	BuyerMemberID  *int64    `json:"buyer_member_id"`
	SellerMemberID *int64    `json:"seller_member_id"`
	SaleAmount     int64     `json:"sale_amount" binding:"required,gt=0"`
	UnitCount      int64     `json:"unit_count" binding:"gte=0"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type SaleFinalizedResult struct {
	EventID         string `json:"event_id"`
	Status          string `json:"status"`
	CycleID         int64  `json:"cycle_id,omitempty"`
	Duplicate       bool   `json:"duplicate"` // 重放命中幂等记录，无新增账务影响
	CashbackEntries int    `json:"cashback_entries"`
	EnergyEntries   int    `json:"energy_entries"`
}

// OnSaleFinalized 销售确认入口
//
// 【关键点】
// 1. 幂等性：相同的 event_id 只会产生一次账务影响，重放直接返回
// 2. 原子性：落库、返现、回补、周期累计在同一事务内同生共死
// 3. 推荐关系损坏只影响本笔销售（转入 REVIEW 人工处理），不波及其他会员
func (s *SaleService) OnSaleFinalized(ctx context.Context, req *SaleFinalizedRequest) (*SaleFinalizedResult, error) {
	if req.EventID == "" {
		return nil, errors.New("event_id 不能为空")
	}
	if req.SaleAmount <= 0 {
		return nil, errors.New("销售金额必须大于0")
	}

	// 幂等校验
	existing, err := s.saleRepo.GetByEventID(ctx, req.EventID)
	if err != nil {
		return nil, fmt.Errorf("查询销售记录失败: %w", err)
	}
	if existing != nil && existing.Status == model.SaleStatusProcessed {
		return duplicateResult(existing), nil
	}

	saleLock := s.locks.SaleLock(req.EventID)
	if err := saleLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSystemBusy, err)
	}
	defer saleLock.Unlock(ctx)

	// 获取锁后再次检查幂等
	existing, err = s.saleRepo.GetByEventID(ctx, req.EventID)
	if err != nil {
		return nil, fmt.Errorf("查询销售记录失败: %w", err)
	}
	if existing != nil && existing.Status == model.SaleStatusProcessed {
		return duplicateResult(existing), nil
	}

	// 解析买家祖先链（10代封顶）；图损坏时本笔转入人工处理
	var upline []int64
	if req.BuyerMemberID != nil {
		upline, err = s.resolver.ResolveUpline(ctx, *req.BuyerMemberID, len(replenishRates))
		if err != nil {
			if referral.IsGraphCorruption(err) {
				if parkErr := s.parkForReview(ctx, req, existing, err); parkErr != nil {
					return nil, parkErr
				}
				return nil, err
			}
			return nil, err
		}
	}

	if _, err := s.cycles.EnsureOpenCycle(ctx); err != nil {
		return nil, err
	}

	var result *SaleFinalizedResult
	for attempt := 0; attempt < cycleRetryLimit; attempt++ {
		cycle, err := s.cycleRepo.GetOpenCycle(ctx)
		if err != nil {
			return nil, err
		}

		result, err = s.processInCycle(ctx, req, existing, cycle, upline)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, repository.ErrCycleClosed) {
			// 周期在处理中被流转到结算，改挂新的 OPEN 周期重试
			if _, err := s.cycles.EnsureOpenCycle(ctx); err != nil {
				return nil, err
			}
			continue
		}
		return nil, err
	}

	return nil, fmt.Errorf("%w: 周期流转冲突超过重试上限", ErrSystemBusy)
}

// processInCycle 在指定 OPEN 周期内一次事务完成全部账务影响
func (s *SaleService) processInCycle(ctx context.Context, req *SaleFinalizedRequest,
	existing *model.ProcessedSale, cycle *model.BonusCycle, upline []int64) (*SaleFinalizedResult, error) {

	result := &SaleFinalizedResult{
		EventID: req.EventID,
		Status:  model.SaleStatusProcessed,
		CycleID: cycle.ID,
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		// 销售额累计；周期已流转时返回 ErrCycleClosed 触发外层重试
		if err := s.cycleRepo.AddSalesAmount(ctx, tx, cycle.ID, req.SaleAmount); err != nil {
			return err
		}

		if err := s.recordSale(ctx, tx, req, existing, cycle.ID); err != nil {
			return err
		}

		// 卖家代币计数：自购不计（见 DESIGN.md 的开放问题决策）
		if err := s.countSellerTokens(ctx, tx, req, cycle.ID); err != nil {
			return err
		}

		cashbackEntries, err := s.commission.ApplyCashback(ctx, tx, req.EventID, req.SaleAmount, upline)
		if err != nil {
			return err
		}
		result.CashbackEntries = len(cashbackEntries)

		energyEntries, err := s.energy.ReplenishNetwork(ctx, tx, req.EventID, req.SaleAmount, upline)
		if err != nil {
			return err
		}
		result.EnergyEntries = len(energyEntries)

		return s.emitCommissionResult(ctx, tx, req, cycle.ID, len(cashbackEntries), len(energyEntries))
	})
	if err != nil {
		return nil, err
	}

	log.Printf("销售事件处理完成: eventID=%s, amount=%d, cashback=%d, replenish=%d, cycleID=%d",
		req.EventID, req.SaleAmount, result.CashbackEntries, result.EnergyEntries, cycle.ID)
	return result, nil
}

func (s *SaleService) recordSale(ctx context.Context, tx *gorm.DB, req *SaleFinalizedRequest,
	existing *model.ProcessedSale, cycleID int64) error {

	if existing != nil {
		// REVIEW 记录重试成功，转为已处理
		return s.saleRepo.MarkProcessed(ctx, tx, existing.ID, cycleID)
	}

	now := time.Now()
	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}
	sale := &model.ProcessedSale{
		EventID:        req.EventID,
		BuyerMemberID:  req.BuyerMemberID,
		SellerMemberID: req.SellerMemberID,
		SaleAmount:     req.SaleAmount,
		UnitCount:      req.UnitCount,
		CycleID:        &cycleID,
		Status:         model.SaleStatusProcessed,
		OccurredAt:     occurredAt,
		ProcessedAt:    &now,
	}
	return s.saleRepo.Create(ctx, tx, sale)
}

func (s *SaleService) countSellerTokens(ctx context.Context, tx *gorm.DB, req *SaleFinalizedRequest, cycleID int64) error {
	if req.SellerMemberID == nil {
		return nil
	}
	if req.BuyerMemberID != nil && *req.BuyerMemberID == *req.SellerMemberID {
		// 自购销售不产生代币
		return nil
	}

	enrollment, err := s.memberRepo.GetEnrollment(ctx, *req.SellerMemberID)
	if err != nil {
		return fmt.Errorf("查询卖家注册失败: %w", err)
	}
	if !enrollment.IsActive() {
		// 非生效合伙人不参与分红，不计代币
		return nil
	}

	return s.cycleRepo.AddTokenCount(ctx, tx, cycleID, *req.SellerMemberID, req.UnitCount)
}

// parkForReview 推荐关系异常的销售转入人工处理；重放同一事件会再次尝试
func (s *SaleService) parkForReview(ctx context.Context, req *SaleFinalizedRequest,
	existing *model.ProcessedSale, cause error) error {

	if existing != nil {
		return s.saleRepo.MarkReview(ctx, existing.ID, cause.Error())
	}

	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	sale := &model.ProcessedSale{
		EventID:        req.EventID,
		BuyerMemberID:  req.BuyerMemberID,
		SellerMemberID: req.SellerMemberID,
		SaleAmount:     req.SaleAmount,
		UnitCount:      req.UnitCount,
		Status:         model.SaleStatusReview,
		Reason:         cause.Error(),
		OccurredAt:     occurredAt,
	}
	if err := s.saleRepo.Create(ctx, nil, sale); err != nil {
		return fmt.Errorf("记录待处理销售失败: %w", err)
	}

	log.Printf("销售事件转入人工处理: eventID=%s, reason=%s", req.EventID, cause.Error())
	return nil
}

func (s *SaleService) emitCommissionResult(ctx context.Context, tx *gorm.DB,
	req *SaleFinalizedRequest, cycleID int64, cashbackCount, energyCount int) error {

	msgPayload := map[string]interface{}{
		"event_id":         req.EventID,
		"buyer_member_id":  req.BuyerMemberID,
		"seller_member_id": req.SellerMemberID,
		"sale_amount":      req.SaleAmount,
		"cycle_id":         cycleID,
		"cashback_count":   cashbackCount,
		"replenish_count":  energyCount,
		"processed_at":     time.Now().Format(time.RFC3339),
	}
	payloadBytes, _ := json.Marshal(msgPayload)

	outboxMsg := &model.OutboxMessage{
		MessageKey: req.EventID,
		Topic:      s.cfg.Kafka.Topic.CommissionResult,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	return s.outboxRepo.Create(ctx, tx, outboxMsg)
}

func duplicateResult(sale *model.ProcessedSale) *SaleFinalizedResult {
	result := &SaleFinalizedResult{
		EventID:   sale.EventID,
		Status:    sale.Status,
		Duplicate: true,
	}
	if sale.CycleID != nil {
		result.CycleID = *sale.CycleID
	}
	return result
}
