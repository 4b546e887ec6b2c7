package job

import (
	"context"
	"log"
	"time"

	"partnerledger/internal/config"
	"partnerledger/internal/infrastructure/lock"
	"partnerledger/internal/service"

	"gorm.io/gorm"
)

// CycleSettlerJob 周期结算任务
// 周期到期后触发 OPEN -> SETTLING 流转与分红发放；
// 结算整体幂等，任务崩溃或超时后下一轮自动续作
type CycleSettlerJob struct {
	cycleService *service.CycleService
	stopCh       chan struct{}
	interval     time.Duration
}

func NewCycleSettlerJob(db *gorm.DB, locks lock.Provider, cfg *config.Config) *CycleSettlerJob {
	return &CycleSettlerJob{
		cycleService: service.NewCycleService(db, locks, cfg),
		stopCh:       make(chan struct{}),
		interval:     time.Duration(cfg.Business.SettleCheckSeconds) * time.Second,
	}
}

func (j *CycleSettlerJob) Start(ctx context.Context) {
	log.Println("[CycleSettlerJob] 周期结算任务启动")

	// 启动时先确保存在 OPEN 周期
	if _, err := j.cycleService.EnsureOpenCycle(ctx); err != nil {
		log.Printf("[CycleSettlerJob] 引导周期检查失败: %v", err)
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[CycleSettlerJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[CycleSettlerJob] 任务停止")
			return
		case <-ticker.C:
			if err := j.cycleService.SettleDueCycles(ctx, time.Now()); err != nil {
				log.Printf("[CycleSettlerJob] 结算检查失败: %v", err)
			}
		}
	}
}

func (j *CycleSettlerJob) Stop() {
	close(j.stopCh)
}
