package service

import (
	"context"
	"testing"

	"partnerledger/internal/model"
	"partnerledger/internal/referral"
	"partnerledger/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnSaleFinalizedDistributesCashbackAndEnergy(t *testing.T) {
	db := setupTestDB(t)
	locks := newLocalLockProvider()
	cfg := testConfig()
	saleSvc := NewSaleService(db, locks, cfg)
	energySvc := NewEnergyService(db, locks, cfg)
	ctx := context.Background()

	// 推荐链 1 <- 2 <- 3 <- 4，买家为4，卖家为3
	seedChain(t, db, 4)

	result, err := saleSvc.OnSaleFinalized(ctx, &SaleFinalizedRequest{
		EventID:        "SALE-001",
		BuyerMemberID:  ref(4),
		SellerMemberID: ref(3),
		SaleAmount:     19900,
		UnitCount:      2,
	})
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.Equal(t, 3, result.CashbackEntries)
	assert.Equal(t, 3, result.EnergyEntries)

	// 返现 50/30/20，能量回补 20/15/10
	gen1 := balancesOf(t, energySvc, 3)
	assert.Equal(t, int64(9950), gen1.CashBalance)
	assert.Equal(t, int64(3980), gen1.EnergyBalance)

	gen2 := balancesOf(t, energySvc, 2)
	assert.Equal(t, int64(5970), gen2.CashBalance)
	assert.Equal(t, int64(2985), gen2.EnergyBalance)

	gen3 := balancesOf(t, energySvc, 1)
	assert.Equal(t, int64(3980), gen3.CashBalance)
	assert.Equal(t, int64(1990), gen3.EnergyBalance)

	// 买家自身无任何入账
	buyer := balancesOf(t, energySvc, 4)
	assert.Zero(t, buyer.CashBalance)
	assert.Zero(t, buyer.EnergyBalance)

	// 周期销售额累计，卖家代币 = 基线1 + 件数2
	cycleRepo := repository.NewCycleRepository(db)
	cycle, err := cycleRepo.GetByID(ctx, result.CycleID)
	require.NoError(t, err)
	assert.Equal(t, int64(19900), cycle.TotalSalesAmount)

	counts, err := cycleRepo.ListTokenCounts(ctx, cycle.ID)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, int64(3), counts[0].MemberID)
	assert.Equal(t, int64(3), counts[0].TokenCount)

	// 发件箱消息已随事务落盘
	var outboxCount int64
	require.NoError(t, db.Model(&model.OutboxMessage{}).Count(&outboxCount).Error)
	assert.Equal(t, int64(1), outboxCount)
}

func TestOnSaleFinalizedReplayIsNoop(t *testing.T) {
	db := setupTestDB(t)
	locks := newLocalLockProvider()
	cfg := testConfig()
	saleSvc := NewSaleService(db, locks, cfg)
	energySvc := NewEnergyService(db, locks, cfg)
	ctx := context.Background()

	seedChain(t, db, 4)

	req := &SaleFinalizedRequest{
		EventID:       "SALE-REPLAY",
		BuyerMemberID: ref(4),
		SaleAmount:    10000,
		UnitCount:     1,
	}

	first, err := saleSvc.OnSaleFinalized(ctx, req)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := saleSvc.OnSaleFinalized(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.CycleID, second.CycleID)

	// 重放后余额与周期累计不变
	gen1 := balancesOf(t, energySvc, 3)
	assert.Equal(t, int64(5000), gen1.CashBalance)
	assert.Equal(t, int64(2000), gen1.EnergyBalance)

	cycle, err := repository.NewCycleRepository(db).GetByID(ctx, first.CycleID)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), cycle.TotalSalesAmount)

	var entryCount int64
	require.NoError(t, db.Model(&model.LedgerEntry{}).Count(&entryCount).Error)
	assert.Equal(t, int64(6), entryCount) // 3笔返现 + 3笔回补
}

func TestOnSaleFinalizedSkipsInactiveWithoutShiftingGenerations(t *testing.T) {
	db := setupTestDB(t)
	locks := newLocalLockProvider()
	cfg := testConfig()
	saleSvc := NewSaleService(db, locks, cfg)
	energySvc := NewEnergyService(db, locks, cfg)
	ctx := context.Background()

	seedChain(t, db, 4)
	// 第1代（member 3）失效：其份额直接不发，不顺延给后代
	require.NoError(t, db.Model(&model.PartnerEnrollment{}).
		Where("member_id = ?", 3).
		Update("status", model.EnrollmentStatusInactive).Error)

	result, err := saleSvc.OnSaleFinalized(ctx, &SaleFinalizedRequest{
		EventID:       "SALE-SKIP",
		BuyerMemberID: ref(4),
		SaleAmount:    10000,
		UnitCount:     1,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.CashbackEntries)
	assert.Equal(t, 2, result.EnergyEntries)

	skipped := balancesOf(t, energySvc, 3)
	assert.Zero(t, skipped.CashBalance)
	assert.Zero(t, skipped.EnergyBalance)

	// member 2 仍按第2代拿30%，member 1 仍按第3代拿20%
	gen2 := balancesOf(t, energySvc, 2)
	assert.Equal(t, int64(3000), gen2.CashBalance)
	assert.Equal(t, int64(1500), gen2.EnergyBalance)

	gen3 := balancesOf(t, energySvc, 1)
	assert.Equal(t, int64(2000), gen3.CashBalance)
	assert.Equal(t, int64(1000), gen3.EnergyBalance)
}

func TestOnSaleFinalizedEnergyCapsAtTenLevels(t *testing.T) {
	db := setupTestDB(t)
	locks := newLocalLockProvider()
	cfg := testConfig()
	saleSvc := NewSaleService(db, locks, cfg)
	energySvc := NewEnergyService(db, locks, cfg)
	ctx := context.Background()

	// 13层链，买家为13：只有前10代祖先（12..3）获得回补
	seedChain(t, db, 13)

	result, err := saleSvc.OnSaleFinalized(ctx, &SaleFinalizedRequest{
		EventID:       "SALE-DEEP",
		BuyerMemberID: ref(13),
		SaleAmount:    10000,
		UnitCount:     1,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.CashbackEntries)
	assert.Equal(t, 10, result.EnergyEntries)

	// 20/15/10/10/10/5/5/5/5/5，合计恰为销售额
	wantEnergy := []int64{2000, 1500, 1000, 1000, 1000, 500, 500, 500, 500, 500}
	var total int64
	for level, want := range wantEnergy {
		ancestorID := int64(12 - level)
		got := balancesOf(t, energySvc, ancestorID)
		assert.Equal(t, want, got.EnergyBalance, "level %d member %d", level+1, ancestorID)
		total += got.EnergyBalance
	}
	assert.Equal(t, int64(10000), total)

	// 第11代及更远无回补
	assert.Zero(t, balancesOf(t, energySvc, 2).EnergyBalance)
	assert.Zero(t, balancesOf(t, energySvc, 1).EnergyBalance)
}

func TestOnSaleFinalizedWithoutBuyer(t *testing.T) {
	db := setupTestDB(t)
	locks := newLocalLockProvider()
	cfg := testConfig()
	saleSvc := NewSaleService(db, locks, cfg)
	ctx := context.Background()

	seedMember(t, db, 7, nil)
	seedPartner(t, db, 7, model.EnrollmentStatusActive)

	// 线下散客购买：无买家会员，仍计卖家代币与周期销售额
	result, err := saleSvc.OnSaleFinalized(ctx, &SaleFinalizedRequest{
		EventID:        "SALE-WALKIN",
		SellerMemberID: ref(7),
		SaleAmount:     5000,
		UnitCount:      3,
	})
	require.NoError(t, err)
	assert.Zero(t, result.CashbackEntries)
	assert.Zero(t, result.EnergyEntries)

	cycleRepo := repository.NewCycleRepository(db)
	counts, err := cycleRepo.ListTokenCounts(ctx, result.CycleID)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, int64(4), counts[0].TokenCount)
}

func TestOnSaleFinalizedSelfPurchaseEarnsNoToken(t *testing.T) {
	db := setupTestDB(t)
	locks := newLocalLockProvider()
	cfg := testConfig()
	saleSvc := NewSaleService(db, locks, cfg)
	ctx := context.Background()

	seedMember(t, db, 8, nil)
	seedPartner(t, db, 8, model.EnrollmentStatusActive)

	result, err := saleSvc.OnSaleFinalized(ctx, &SaleFinalizedRequest{
		EventID:        "SALE-SELF",
		BuyerMemberID:  ref(8),
		SellerMemberID: ref(8),
		SaleAmount:     5000,
		UnitCount:      2,
	})
	require.NoError(t, err)

	counts, err := repository.NewCycleRepository(db).ListTokenCounts(ctx, result.CycleID)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestOnSaleFinalizedGraphCorruptionParksForReview(t *testing.T) {
	db := setupTestDB(t)
	locks := newLocalLockProvider()
	cfg := testConfig()
	saleSvc := NewSaleService(db, locks, cfg)
	ctx := context.Background()

	// 人为制造环路 20 <-> 21（绕过校验直接写库）
	seedMember(t, db, 20, nil)
	seedMember(t, db, 21, ref(20))
	require.NoError(t, db.Model(&model.Member{}).
		Where("id = ?", 20).
		Update("referrer_id", 21).Error)

	req := &SaleFinalizedRequest{
		EventID:       "SALE-CORRUPT",
		BuyerMemberID: ref(21),
		SaleAmount:    10000,
		UnitCount:     1,
	}

	_, err := saleSvc.OnSaleFinalized(ctx, req)
	require.Error(t, err)
	assert.True(t, referral.IsGraphCorruption(err))

	// 本笔转入人工处理，无任何账务影响
	saleRepo := repository.NewSaleRepository(db)
	sale, err := saleRepo.GetByEventID(ctx, req.EventID)
	require.NoError(t, err)
	require.NotNil(t, sale)
	assert.Equal(t, model.SaleStatusReview, sale.Status)
	assert.NotEmpty(t, sale.Reason)

	var entryCount int64
	require.NoError(t, db.Model(&model.LedgerEntry{}).Count(&entryCount).Error)
	assert.Zero(t, entryCount)

	// 修复推荐关系后重放同一事件，销售转为已处理
	require.NoError(t, db.Model(&model.Member{}).
		Where("id = ?", 20).
		Update("referrer_id", nil).Error)

	result, err := saleSvc.OnSaleFinalized(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.Duplicate)

	sale, err = saleRepo.GetByEventID(ctx, req.EventID)
	require.NoError(t, err)
	assert.Equal(t, model.SaleStatusProcessed, sale.Status)
	assert.Empty(t, sale.Reason)
}

func TestOnSaleFinalizedRejectsInvalidRequest(t *testing.T) {
	db := setupTestDB(t)
	saleSvc := NewSaleService(db, newLocalLockProvider(), testConfig())
	ctx := context.Background()

	_, err := saleSvc.OnSaleFinalized(ctx, &SaleFinalizedRequest{SaleAmount: 100})
	assert.Error(t, err)

	_, err = saleSvc.OnSaleFinalized(ctx, &SaleFinalizedRequest{EventID: "E", SaleAmount: 0})
	assert.Error(t, err)
}
