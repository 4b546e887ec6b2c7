package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"partnerledger/internal/model"
	"partnerledger/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func creditBalance(t *testing.T, db *gorm.DB, memberID int64, stream string, amount int64, sourceRef string) {
	t.Helper()
	ledgerRepo := repository.NewLedgerRepository(db)
	kind := model.EntryKindCashbackCredit
	if stream == model.StreamEnergy {
		kind = model.EntryKindEnergyReplenish
	}
	_, applied, err := postCredit(context.Background(), nil, ledgerRepo,
		memberID, stream, kind, amount, sourceRef, "测试入账")
	require.NoError(t, err)
	require.True(t, applied)
}

func TestWithdrawDebitsBothStreams(t *testing.T) {
	db := setupTestDB(t)
	svc := NewEnergyService(db, newLocalLockProvider(), testConfig())
	ctx := context.Background()

	creditBalance(t, db, 5, model.StreamCash, 10000, "C1")
	creditBalance(t, db, 5, model.StreamEnergy, 8000, "E1")

	resp, err := svc.Withdraw(ctx, &WithdrawRequest{
		RequestID: "WD-001",
		MemberID:  5,
		Amount:    5000,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.WithdrawNo)
	assert.Equal(t, int64(5000), resp.CashBalance)
	assert.Equal(t, int64(3000), resp.EnergyBalance)

	balances := balancesOf(t, svc, 5)
	assert.Equal(t, int64(5000), balances.CashBalance)
	assert.Equal(t, int64(3000), balances.EnergyBalance)

	// 双流各记一笔负数流水，缓存余额与流水之和一致
	ledgerRepo := repository.NewLedgerRepository(db)
	for _, stream := range []string{model.StreamCash, model.StreamEnergy} {
		entry, err := ledgerRepo.GetEntryBySource(ctx, nil, 5, stream, model.EntryKindWithdrawalDebit, "WD-001")
		require.NoError(t, err)
		require.NotNil(t, entry, stream)
		assert.Equal(t, int64(-5000), entry.Amount)
	}

	cashSum, err := ledgerRepo.SumEntries(ctx, 5, model.StreamCash)
	require.NoError(t, err)
	assert.Equal(t, balances.CashBalance, cashSum)

	energySum, err := ledgerRepo.SumEntries(ctx, 5, model.StreamEnergy)
	require.NoError(t, err)
	assert.Equal(t, balances.EnergyBalance, energySum)
}

func TestWithdrawInsufficientEnergy(t *testing.T) {
	db := setupTestDB(t)
	svc := NewEnergyService(db, newLocalLockProvider(), testConfig())
	ctx := context.Background()

	creditBalance(t, db, 5, model.StreamCash, 10000, "C1")
	creditBalance(t, db, 5, model.StreamEnergy, 3000, "E1")

	_, err := svc.Withdraw(ctx, &WithdrawRequest{RequestID: "WD-NE", MemberID: 5, Amount: 5000})
	assert.ErrorIs(t, err, ErrInsufficientEnergy)

	// 拒绝后余额原封不动
	balances := balancesOf(t, svc, 5)
	assert.Equal(t, int64(10000), balances.CashBalance)
	assert.Equal(t, int64(3000), balances.EnergyBalance)
}

func TestWithdrawInsufficientCash(t *testing.T) {
	db := setupTestDB(t)
	svc := NewEnergyService(db, newLocalLockProvider(), testConfig())
	ctx := context.Background()

	creditBalance(t, db, 5, model.StreamCash, 2000, "C1")
	creditBalance(t, db, 5, model.StreamEnergy, 8000, "E1")

	_, err := svc.Withdraw(ctx, &WithdrawRequest{RequestID: "WD-NC", MemberID: 5, Amount: 5000})
	assert.ErrorIs(t, err, ErrInsufficientCash)
}

func TestWithdrawWithoutAccount(t *testing.T) {
	db := setupTestDB(t)
	svc := NewEnergyService(db, newLocalLockProvider(), testConfig())

	_, err := svc.Withdraw(context.Background(), &WithdrawRequest{RequestID: "WD-NA", MemberID: 99, Amount: 100})
	assert.ErrorIs(t, err, ErrInsufficientEnergy)
}

func TestWithdrawReplayDebitsOnce(t *testing.T) {
	db := setupTestDB(t)
	svc := NewEnergyService(db, newLocalLockProvider(), testConfig())
	ctx := context.Background()

	creditBalance(t, db, 5, model.StreamCash, 10000, "C1")
	creditBalance(t, db, 5, model.StreamEnergy, 10000, "E1")

	req := &WithdrawRequest{RequestID: "WD-DUP", MemberID: 5, Amount: 4000}

	first, err := svc.Withdraw(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, first.WithdrawNo)

	second, err := svc.Withdraw(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, second.WithdrawNo)
	assert.Equal(t, int64(4000), second.Amount)

	balances := balancesOf(t, svc, 5)
	assert.Equal(t, int64(6000), balances.CashBalance)
	assert.Equal(t, int64(6000), balances.EnergyBalance)
}

func TestConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	db := setupTestDB(t)
	svc := NewEnergyService(db, newLocalLockProvider(), testConfig())
	ctx := context.Background()

	creditBalance(t, db, 5, model.StreamCash, 10000, "C1")
	creditBalance(t, db, 5, model.StreamEnergy, 10000, "E1")

	// 两笔并发提现合计超出余额：至多一笔成功
	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	for _, requestID := range []string{"WD-RACE-A", "WD-RACE-B"} {
		wg.Add(1)
		go func(requestID string) {
			defer wg.Done()
			_, err := svc.Withdraw(ctx, &WithdrawRequest{
				RequestID: requestID,
				MemberID:  5,
				Amount:    7000,
			})
			errCh <- err
		}(requestID)
	}
	wg.Wait()
	close(errCh)

	succeeded := 0
	for err := range errCh {
		if err == nil {
			succeeded++
			continue
		}
		require.True(t,
			errors.Is(err, ErrInsufficientEnergy) || errors.Is(err, ErrInsufficientCash) || errors.Is(err, ErrSystemBusy),
			"unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)

	// 余额绝不为负，且仍与流水之和一致
	balances := balancesOf(t, svc, 5)
	assert.Equal(t, int64(3000), balances.CashBalance)
	assert.Equal(t, int64(3000), balances.EnergyBalance)

	ledgerRepo := repository.NewLedgerRepository(db)
	cashSum, err := ledgerRepo.SumEntries(ctx, 5, model.StreamCash)
	require.NoError(t, err)
	assert.Equal(t, balances.CashBalance, cashSum)

	energySum, err := ledgerRepo.SumEntries(ctx, 5, model.StreamEnergy)
	require.NoError(t, err)
	assert.Equal(t, balances.EnergyBalance, energySum)
}

func TestGrantEnrollmentEnergyIdempotent(t *testing.T) {
	db := setupTestDB(t)
	svc := NewEnergyService(db, newLocalLockProvider(), testConfig())
	ctx := context.Background()

	seedMember(t, db, 6, nil)
	seedPartnerWith(t, db, 6, model.EnrollmentStatusActive, 1.0, 5000)

	entry, applied, err := svc.GrantEnrollmentEnergy(ctx, 6)
	require.NoError(t, err)
	assert.True(t, applied)
	require.NotNil(t, entry)
	assert.Equal(t, int64(5000), entry.Amount)
	assert.Equal(t, model.StreamEnergy, entry.Stream)

	// 重复发放命中幂等记录
	_, applied, err = svc.GrantEnrollmentEnergy(ctx, 6)
	require.NoError(t, err)
	assert.False(t, applied)

	balances := balancesOf(t, svc, 6)
	assert.Equal(t, int64(5000), balances.EnergyBalance)
	assert.Zero(t, balances.CashBalance)
}

func TestGrantEnrollmentEnergyRequiresActiveEnrollment(t *testing.T) {
	db := setupTestDB(t)
	svc := NewEnergyService(db, newLocalLockProvider(), testConfig())
	ctx := context.Background()

	_, _, err := svc.GrantEnrollmentEnergy(ctx, 30)
	assert.ErrorIs(t, err, ErrNotEnrolled)

	seedMember(t, db, 31, nil)
	seedPartnerWith(t, db, 31, model.EnrollmentStatusInactive, 1.0, 5000)
	_, _, err = svc.GrantEnrollmentEnergy(ctx, 31)
	assert.ErrorIs(t, err, ErrEnrollmentInactive)

	// 无赠送额度时静默成功
	seedMember(t, db, 32, nil)
	seedPartnerWith(t, db, 32, model.EnrollmentStatusActive, 1.0, 0)
	entry, applied, err := svc.GrantEnrollmentEnergy(ctx, 32)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Nil(t, entry)
}
