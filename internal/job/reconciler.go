package job

import (
	"context"
	"log"
	"time"

	"partnerledger/internal/config"
	"partnerledger/internal/model"
	"partnerledger/internal/repository"

	"gorm.io/gorm"
)

// ReconcilerJob 对账任务
//
// 账本流水是唯一事实来源，账户上的现金/能量余额只是缓存投影。
// 这里定期重放流水求和并与缓存余额比对，发现漂移立即告警日志；
// 投影永远可以由流水重建，漂移说明某处绕过了原子入账路径
type ReconcilerJob struct {
	db         *gorm.DB
	ledgerRepo *repository.LedgerRepository
	cfg        *config.Config
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewReconcilerJob(db *gorm.DB, cfg *config.Config) *ReconcilerJob {
	return &ReconcilerJob{
		db:         db,
		ledgerRepo: repository.NewLedgerRepository(db),
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		interval:   time.Duration(cfg.Business.ReconcileIntervalMinutes) * time.Minute,
		batchSize:  200,
	}
}

func (j *ReconcilerJob) Start(ctx context.Context) {
	log.Println("[ReconcilerJob] 对账任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[ReconcilerJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[ReconcilerJob] 任务停止")
			return
		case <-ticker.C:
			j.reconcileAll(ctx)
		}
	}
}

func (j *ReconcilerJob) Stop() {
	close(j.stopCh)
}

func (j *ReconcilerJob) reconcileAll(ctx context.Context) {
	offset := 0
	checked := 0
	drifted := 0

	for {
		accounts, err := j.ledgerRepo.ListAccounts(ctx, offset, j.batchSize)
		if err != nil {
			log.Printf("[ReconcilerJob] 查询账户失败: %v", err)
			return
		}
		if len(accounts) == 0 {
			break
		}

		for _, account := range accounts {
			checked++
			if !j.reconcileAccount(ctx, account) {
				drifted++
			}
		}

		offset += len(accounts)
	}

	if drifted > 0 {
		log.Printf("[ReconcilerJob] 对账完成: checked=%d, drifted=%d", checked, drifted)
	}
}

// reconcileAccount 比对单个账户的缓存余额与流水之和，一致返回 true
func (j *ReconcilerJob) reconcileAccount(ctx context.Context, account *model.MemberAccount) bool {
	cashSum, err := j.ledgerRepo.SumEntries(ctx, account.MemberID, model.StreamCash)
	if err != nil {
		log.Printf("[ReconcilerJob] 现金流水求和失败: memberID=%d, err=%v", account.MemberID, err)
		return true
	}

	energySum, err := j.ledgerRepo.SumEntries(ctx, account.MemberID, model.StreamEnergy)
	if err != nil {
		log.Printf("[ReconcilerJob] 能量流水求和失败: memberID=%d, err=%v", account.MemberID, err)
		return true
	}

	ok := true
	if cashSum != account.CashBalance {
		log.Printf("[ReconcilerJob] 现金余额漂移: memberID=%d, cached=%d, ledger=%d",
			account.MemberID, account.CashBalance, cashSum)
		ok = false
	}
	if energySum != account.EnergyBalance {
		log.Printf("[ReconcilerJob] 能量余额漂移: memberID=%d, cached=%d, ledger=%d",
			account.MemberID, account.EnergyBalance, energySum)
		ok = false
	}

	return ok
}
