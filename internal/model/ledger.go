package model

import (
	"time"
)

// ============================================================================
// 账本常量
// ============================================================================

// 资金流：现金流（可提现）与能量流（LY，提现门槛）相互独立
const (
	StreamCash   = "CASH"   // 现金流：返现、分红、提现
	StreamEnergy = "ENERGY" // 能量流：网体回补、注册赠送、提现同额扣减
)

const (
	EntryKindCashbackCredit   = "CASHBACK_CREDIT"         // 多代返现（现金）
	EntryKindBonusPoolCredit  = "BONUS_POOL_CREDIT"       // 奖金池分红（现金）
	EntryKindEnergyReplenish  = "ENERGY_REPLENISH_CREDIT" // 网体能量回补（能量）
	EntryKindEnrollmentCredit = "ENROLLMENT_CREDIT"       // 合伙人注册赠送（能量）
	EntryKindWithdrawalDebit  = "WITHDRAWAL_DEBIT"        // 提现扣减（现金与能量各记一笔）
)

// ============================================================================
// 账本实体
// ============================================================================

// LedgerEntry 账本流水表
// 整个引擎唯一可信的资金事实来源
//
// 【重要】账本设计原则：
// 1. 只追加，不修改，不删除 —— 更正通过反向补偿流水完成
// 2. 余额永远等于该会员对应流的流水金额之和 —— 缓存余额只是投影
// 3. (member_id, stream, kind, source_ref) 唯一 —— 同一来源的重放天然幂等
type LedgerEntry struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EntryNo       string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"entry_no"` // 流水号（全局唯一）
	MemberID      int64     `gorm:"not null;uniqueIndex:uk_entry_source,priority:1" json:"member_id"`
	Stream        string    `gorm:"type:varchar(16);not null;uniqueIndex:uk_entry_source,priority:2" json:"stream"`
	Kind          string    `gorm:"type:varchar(32);not null;uniqueIndex:uk_entry_source,priority:3" json:"kind"`
	SourceRef     string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_entry_source,priority:4" json:"source_ref"` // 来源标识（销售事件/周期/提现请求）
	Amount        int64     `gorm:"not null" json:"amount"` // 金额（入账为正，出账为负）
	BalanceBefore int64     `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`
	Remark        string    `gorm:"type:varchar(256)" json:"remark"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entry"
}

// MemberAccount 会员账户表
// 现金与能量余额均为账本的缓存投影，可随时由流水重建
type MemberAccount struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MemberID      int64     `gorm:"uniqueIndex;not null" json:"member_id"`
	CashBalance   int64     `gorm:"not null;default:0" json:"cash_balance"`   // 可提现现金（分）
	EnergyBalance int64     `gorm:"not null;default:0" json:"energy_balance"` // 能量余额（LY）
	Version       int       `gorm:"not null;default:0" json:"version"`        // 乐观锁版本号
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (MemberAccount) TableName() string {
	return "member_account"
}
