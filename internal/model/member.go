package model

import (
	"time"
)

// Member 会员表
// 推荐关系通过 ReferrerID（父指针）表达，整体构成一片森林：
// 不允许自引用，不允许成环，深度不限，但经济上只有前10代有意义
type Member struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ReferralCode string    `gorm:"type:char(8);uniqueIndex;not null" json:"referral_code"` // 推荐码（定长字母数字）
	ReferrerID   *int64    `gorm:"index" json:"referrer_id"`                               // 推荐人ID，根节点为空
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Member) TableName() string {
	return "member"
}

// ============================================================================
// 合伙人等级常量
// ============================================================================

const (
	TierBronze = "TIER1" // 一级合伙人
	TierSilver = "TIER2" // 二级合伙人
	TierGold   = "TIER3" // 三级合伙人
)

const (
	EnrollmentStatusActive   = "ACTIVE"
	EnrollmentStatusInactive = "INACTIVE"
)

// PartnerEnrollment 合伙人注册表
// 一个会员同一时间最多一条生效记录；只有生效中的合伙人参与返现和分红
type PartnerEnrollment struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MemberID       int64     `gorm:"uniqueIndex;not null" json:"member_id"`
	Tier           string    `gorm:"type:varchar(16);not null" json:"tier"`            // 等级：TIER1 < TIER2 < TIER3
	DividendWeight float64   `gorm:"not null;default:1" json:"dividend_weight"`        // 分红权重（>=1.0）
	GrantedEnergy  int64     `gorm:"not null;default:0" json:"granted_energy"`         // 注册时赠送的能量
	Status         string    `gorm:"type:varchar(16);index;not null" json:"status"`    // ACTIVE / INACTIVE
	JoinedAt       time.Time `gorm:"not null" json:"joined_at"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PartnerEnrollment) TableName() string {
	return "partner_enrollment"
}

// IsActive 是否为生效中的合伙人
func (e *PartnerEnrollment) IsActive() bool {
	return e != nil && e.Status == EnrollmentStatusActive
}
