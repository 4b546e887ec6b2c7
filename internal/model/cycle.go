package model

import (
	"time"
)

const (
	CycleStatusOpen     = "OPEN"     // 开放中：接受销售累计
	CycleStatusSettling = "SETTLING" // 结算中：池金额已固定，不再接受销售
	CycleStatusSettled  = "SETTLED"  // 已结算（终态，不可重开）
)

var ValidCycleTransitions = map[string][]string{
	CycleStatusOpen:     {CycleStatusSettling},
	CycleStatusSettling: {CycleStatusSettled},
}

func CanCycleTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidCycleTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// BonusCycle 奖金池周期表
// 固定10天窗口，首尾相接不重叠；任意时刻有且仅有一个 OPEN 周期
//
// 【重要】状态机 OPEN -> SETTLING -> SETTLED 的每次流转都是一次
// 条件更新（CAS），多个并发工作者观察到的流转结果一致
type BonusCycle struct {
	ID               int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	CycleNo          string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"cycle_no"` // 周期号
	StartAt          time.Time  `gorm:"not null;index" json:"start_at"`
	EndAt            time.Time  `gorm:"not null" json:"end_at"`
	TotalSalesAmount int64      `gorm:"not null;default:0" json:"total_sales_amount"` // 周期内销售总额（分）
	PoolAmount       int64      `gorm:"not null;default:0" json:"pool_amount"`        // 池金额 = 销售总额 * 30%（进入结算时固定）
	Status           string     `gorm:"type:varchar(16);index;not null" json:"status"`
	SettledAt        *time.Time `json:"settled_at"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (BonusCycle) TableName() string {
	return "bonus_cycle"
}

// CycleTokenCount 周期代币计数表
// token = 基线1 + 周期内销售件数；每个新周期从空表重新开始，绝不结转
type CycleTokenCount struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	CycleID    int64     `gorm:"not null;uniqueIndex:uk_cycle_member,priority:1" json:"cycle_id"`
	MemberID   int64     `gorm:"not null;uniqueIndex:uk_cycle_member,priority:2" json:"member_id"`
	TokenCount int64     `gorm:"not null;default:0" json:"token_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CycleTokenCount) TableName() string {
	return "cycle_token_count"
}

// CyclePayout 周期分红发放记录表
// (cycle_id, member_id) 唯一：结算中断后重试不会向同一合伙人重复发放
type CyclePayout struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	CycleID    int64     `gorm:"not null;uniqueIndex:uk_payout_cycle_member,priority:1" json:"cycle_id"`
	MemberID   int64     `gorm:"not null;uniqueIndex:uk_payout_cycle_member,priority:2" json:"member_id"`
	TokenCount int64     `gorm:"not null" json:"token_count"` // 结算时的代币数（含基线）
	Amount     int64     `gorm:"not null" json:"amount"`      // 实发金额（分，向下取整）
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (CyclePayout) TableName() string {
	return "cycle_payout"
}
