package repository

import (
	"context"
	"errors"

	"partnerledger/internal/model"

	"gorm.io/gorm"
)

var (
	ErrMemberNotFound = errors.New("会员不存在")
)

type MemberRepository struct {
	db *gorm.DB
}

func NewMemberRepository(db *gorm.DB) *MemberRepository {
	return &MemberRepository{db: db}
}

func (r *MemberRepository) Create(ctx context.Context, member *model.Member) error {
	return r.db.WithContext(ctx).Create(member).Error
}

func (r *MemberRepository) GetByID(ctx context.Context, memberID int64) (*model.Member, error) {
	var member model.Member
	err := r.db.WithContext(ctx).Where("id = ?", memberID).First(&member).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMemberNotFound
		}
		return nil, err
	}
	return &member, nil
}

func (r *MemberRepository) GetByReferralCode(ctx context.Context, code string) (*model.Member, error) {
	var member model.Member
	err := r.db.WithContext(ctx).Where("referral_code = ?", code).First(&member).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMemberNotFound
		}
		return nil, err
	}
	return &member, nil
}

// UpdateReferrer 更新推荐人指针
// 调用方必须先通过 referral.Resolver 的环路校验，这里只做持久化
func (r *MemberRepository) UpdateReferrer(ctx context.Context, memberID int64, referrerID *int64) error {
	result := r.db.WithContext(ctx).
		Model(&model.Member{}).
		Where("id = ?", memberID).
		Update("referrer_id", referrerID)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrMemberNotFound
	}

	return nil
}

// ============================================================
// 合伙人注册
// ============================================================

func (r *MemberRepository) CreateEnrollment(ctx context.Context, enrollment *model.PartnerEnrollment) error {
	return r.db.WithContext(ctx).Create(enrollment).Error
}

// GetEnrollment 查询会员的合伙人注册记录，不存在时返回 nil
func (r *MemberRepository) GetEnrollment(ctx context.Context, memberID int64) (*model.PartnerEnrollment, error) {
	var enrollment model.PartnerEnrollment
	err := r.db.WithContext(ctx).Where("member_id = ?", memberID).First(&enrollment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &enrollment, nil
}

func (r *MemberRepository) ListActiveEnrollments(ctx context.Context) ([]*model.PartnerEnrollment, error) {
	var enrollments []*model.PartnerEnrollment
	err := r.db.WithContext(ctx).
		Where("status = ?", model.EnrollmentStatusActive).
		Find(&enrollments).Error
	return enrollments, err
}
