package model

import (
	"time"
)

const (
	SaleStatusProcessed = "PROCESSED" // 已完成返现/回补/计数
	SaleStatusReview    = "REVIEW"    // 推荐关系异常，待人工处理，可重试
)

// ProcessedSale 销售事件处理记录表
// 订单系统投递的 SaleEvent 以 event_id 为幂等键落库；
// 重复投递同一 event_id 不会产生任何新的账务影响
type ProcessedSale struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID        string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"event_id"` // 销售事件ID（幂等键）
	BuyerMemberID  *int64     `gorm:"index" json:"buyer_member_id"`  // 买家会员ID，非推荐购买时为空
	SellerMemberID *int64     `gorm:"index" json:"seller_member_id"` // 销售归属会员ID（代币计数对象）
	SaleAmount     int64      `gorm:"not null" json:"sale_amount"`   // 销售金额（分）
	UnitCount      int64      `gorm:"not null" json:"unit_count"`    // 销售件数（盒）
	CycleID        *int64     `gorm:"index" json:"cycle_id"`         // 归属的奖金池周期
	Status         string     `gorm:"type:varchar(16);index;not null" json:"status"`
	Reason         string     `gorm:"type:varchar(256)" json:"reason"` // REVIEW 状态的原因
	OccurredAt     time.Time  `gorm:"not null" json:"occurred_at"`
	ProcessedAt    *time.Time `json:"processed_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ProcessedSale) TableName() string {
	return "processed_sale"
}
