package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"partnerledger/internal/config"
	"partnerledger/internal/infrastructure/database"
	"partnerledger/internal/infrastructure/lock"
	"partnerledger/internal/model"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 内存库每个连接各自独立，必须限制为单连接
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.AutoMigrate(db))
	return db
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Business.CycleDays = 10
	cfg.Business.SettleCheckSeconds = 30
	cfg.Business.ReconcileIntervalMinutes = 60
	cfg.Business.MaxRetryCount = 5
	cfg.Kafka.Topic.CommissionResult = "commission_result"
	cfg.Kafka.Topic.SettlementResult = "settlement_result"
	return cfg
}

// ============================================================
// 进程内锁（测试替身，与 Redis 锁同语义）
// ============================================================

type localLockHandle struct {
	mu *sync.Mutex
}

func (h *localLockHandle) TryLock(ctx context.Context) (bool, error) {
	return h.mu.TryLock(), nil
}

func (h *localLockHandle) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	h.mu.Lock()
	return nil
}

func (h *localLockHandle) Unlock(ctx context.Context) error {
	h.mu.Unlock()
	return nil
}

type localLockProvider struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLocalLockProvider() *localLockProvider {
	return &localLockProvider{locks: make(map[string]*sync.Mutex)}
}

func (p *localLockProvider) handle(key string) lock.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.locks[key]
	if !ok {
		m = &sync.Mutex{}
		p.locks[key] = m
	}
	return &localLockHandle{mu: m}
}

func (p *localLockProvider) SaleLock(eventID string) lock.Handle {
	return p.handle("sale:" + eventID)
}

// 与生产实现一致按会员维度互斥，requestID 只作为持有者标识
func (p *localLockProvider) WithdrawLock(memberID int64, requestID string) lock.Handle {
	return p.handle(fmt.Sprintf("withdraw:%d", memberID))
}

func (p *localLockProvider) SettleLock(cycleID int64) lock.Handle {
	return p.handle(fmt.Sprintf("settle:%d", cycleID))
}

func (p *localLockProvider) CycleBootstrapLock() lock.Handle {
	return p.handle("bootstrap")
}

// ============================================================
// 数据准备
// ============================================================

func ref(id int64) *int64 {
	v := id
	return &v
}

func seedMember(t *testing.T, db *gorm.DB, id int64, referrerID *int64) {
	t.Helper()
	member := &model.Member{
		ID:           id,
		ReferralCode: fmt.Sprintf("RC%06d", id),
		ReferrerID:   referrerID,
	}
	require.NoError(t, db.Create(member).Error)
}

func seedPartner(t *testing.T, db *gorm.DB, memberID int64, status string) {
	t.Helper()
	seedPartnerWith(t, db, memberID, status, 1.0, 0)
}

func seedPartnerWith(t *testing.T, db *gorm.DB, memberID int64, status string, weight float64, grantedEnergy int64) {
	t.Helper()
	enrollment := &model.PartnerEnrollment{
		MemberID:       memberID,
		Tier:           model.TierBronze,
		DividendWeight: weight,
		GrantedEnergy:  grantedEnergy,
		Status:         status,
		JoinedAt:       time.Now(),
	}
	require.NoError(t, db.Create(enrollment).Error)
}

// seedChain 构造 1 <- 2 <- ... <- n 的推荐链（1为根），全部注册为生效合伙人
func seedChain(t *testing.T, db *gorm.DB, n int64) {
	t.Helper()
	for id := int64(1); id <= n; id++ {
		var referrer *int64
		if id > 1 {
			referrer = ref(id - 1)
		}
		seedMember(t, db, id, referrer)
		seedPartner(t, db, id, model.EnrollmentStatusActive)
	}
}

func balancesOf(t *testing.T, svc *EnergyService, memberID int64) *Balances {
	t.Helper()
	balances, err := svc.GetBalances(context.Background(), memberID)
	require.NoError(t, err)
	return balances
}
