package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"partnerledger/internal/infrastructure/database"
	"partnerledger/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupCycleRepo(t *testing.T) *CycleRepository {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.AutoMigrate(db))
	return NewCycleRepository(db)
}

func createOpenCycle(t *testing.T, repo *CycleRepository) *model.BonusCycle {
	t.Helper()
	now := time.Now()
	cycle := &model.BonusCycle{
		CycleNo: "CYC-TEST",
		StartAt: now,
		EndAt:   now.Add(10 * 24 * time.Hour),
		Status:  model.CycleStatusOpen,
	}
	require.NoError(t, repo.Create(context.Background(), nil, cycle))
	return cycle
}

func TestAddTokenCountConcurrentIncrements(t *testing.T) {
	repo := setupCycleRepo(t)
	ctx := context.Background()
	cycle := createOpenCycle(t, repo)

	// 并发累加不丢更新：UPSERT 在数据库内原子完成，不走读-改-写
	const workers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- repo.AddTokenCount(ctx, nil, cycle.ID, 1, 1)
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		require.NoError(t, err)
	}

	// 基线1 + 每次1件
	counts, err := repo.ListTokenCounts(ctx, cycle.ID)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, int64(1+workers), counts[0].TokenCount)
}

func TestAddTokenCountFirstInsertIncludesBaseline(t *testing.T) {
	repo := setupCycleRepo(t)
	ctx := context.Background()
	cycle := createOpenCycle(t, repo)

	require.NoError(t, repo.AddTokenCount(ctx, nil, cycle.ID, 7, 3))
	require.NoError(t, repo.AddTokenCount(ctx, nil, cycle.ID, 7, 2))

	counts, err := repo.ListTokenCounts(ctx, cycle.ID)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, int64(6), counts[0].TokenCount) // 1 + 3 + 2
}

func TestAddSalesAmountRejectsClosedCycle(t *testing.T) {
	repo := setupCycleRepo(t)
	ctx := context.Background()
	cycle := createOpenCycle(t, repo)

	require.NoError(t, repo.AddSalesAmount(ctx, nil, cycle.ID, 5000))
	require.NoError(t, repo.BeginSettling(ctx, nil, cycle.ID, 30))

	// 已流转的周期不再接受销售
	assert.ErrorIs(t, repo.AddSalesAmount(ctx, nil, cycle.ID, 1000), ErrCycleClosed)

	settling, err := repo.GetByID(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), settling.TotalSalesAmount)
	assert.Equal(t, int64(1500), settling.PoolAmount)
}
