package referral

import (
	"context"
	"errors"
	"fmt"

	"partnerledger/internal/repository"
)

// MaxTraversalDepth 环路校验时的遍历上限
// 正常森林的深度不受限，但损坏的图必须保证遍历能终止
const MaxTraversalDepth = 10000

var (
	ErrSelfReferral       = errors.New("不能指定自己为推荐人")
	ErrAssignmentRejected = errors.New("该推荐关系会形成环路，已拒绝")
)

// GraphCorruptionError 推荐关系图损坏：遍历中发现环路或节点缺失
// 该操作失败但不影响其他会员的处理；相关销售转入人工处理
type GraphCorruptionError struct {
	MemberID int64
	Reason   string
}

func (e *GraphCorruptionError) Error() string {
	return fmt.Sprintf("推荐关系异常: member_id=%d, %s", e.MemberID, e.Reason)
}

// IsGraphCorruption 判断错误是否为图损坏
func IsGraphCorruption(err error) bool {
	var target *GraphCorruptionError
	return errors.As(err, &target)
}

// Resolver 推荐关系解析器
// 除了指定推荐人时的校验入口，其余操作均为只读
type Resolver struct {
	memberRepo *repository.MemberRepository
}

func NewResolver(memberRepo *repository.MemberRepository) *Resolver {
	return &Resolver{memberRepo: memberRepo}
}

// ResolveUpline 解析会员的祖先链，近者在前，长度不超过 maxDepth
//
// 存储中的图损坏（环路、推荐人指向不存在的会员）不会导致死循环，
// 而是返回 GraphCorruptionError
func (r *Resolver) ResolveUpline(ctx context.Context, memberID int64, maxDepth int) ([]int64, error) {
	member, err := r.memberRepo.GetByID(ctx, memberID)
	if err != nil {
		if errors.Is(err, repository.ErrMemberNotFound) {
			return nil, &GraphCorruptionError{MemberID: memberID, Reason: "起点会员不存在"}
		}
		return nil, err
	}

	visited := map[int64]bool{memberID: true}
	upline := make([]int64, 0, maxDepth)

	current := member
	for len(upline) < maxDepth && current.ReferrerID != nil {
		parentID := *current.ReferrerID

		if visited[parentID] {
			return nil, &GraphCorruptionError{
				MemberID: memberID,
				Reason:   fmt.Sprintf("祖先链中出现环路: %d 重复出现", parentID),
			}
		}

		parent, err := r.memberRepo.GetByID(ctx, parentID)
		if err != nil {
			if errors.Is(err, repository.ErrMemberNotFound) {
				return nil, &GraphCorruptionError{
					MemberID: memberID,
					Reason:   fmt.Sprintf("祖先链中节点缺失: %d 不存在", parentID),
				}
			}
			return nil, err
		}

		visited[parentID] = true
		upline = append(upline, parentID)
		current = parent
	}

	return upline, nil
}

// ValidateAssignment 校验"把 Y 的推荐人指定为 X"是否会形成环路
//
// 从 X 出发沿祖先链上溯，若途中出现 Y 则拒绝；
// 校验在任何持久化之前完成
func (r *Resolver) ValidateAssignment(ctx context.Context, memberID, newReferrerID int64) error {
	if memberID == newReferrerID {
		return ErrSelfReferral
	}

	if _, err := r.memberRepo.GetByID(ctx, memberID); err != nil {
		return err
	}

	current, err := r.memberRepo.GetByID(ctx, newReferrerID)
	if err != nil {
		return err
	}

	visited := map[int64]bool{newReferrerID: true}
	for depth := 0; current.ReferrerID != nil; depth++ {
		if depth >= MaxTraversalDepth {
			return &GraphCorruptionError{MemberID: newReferrerID, Reason: "祖先链超出遍历上限"}
		}

		parentID := *current.ReferrerID
		if parentID == memberID {
			return ErrAssignmentRejected
		}
		if visited[parentID] {
			return &GraphCorruptionError{
				MemberID: newReferrerID,
				Reason:   fmt.Sprintf("祖先链中出现环路: %d 重复出现", parentID),
			}
		}

		parent, err := r.memberRepo.GetByID(ctx, parentID)
		if err != nil {
			if errors.Is(err, repository.ErrMemberNotFound) {
				return &GraphCorruptionError{
					MemberID: newReferrerID,
					Reason:   fmt.Sprintf("祖先链中节点缺失: %d 不存在", parentID),
				}
			}
			return err
		}

		visited[parentID] = true
		current = parent
	}

	return nil
}

// AssignReferrer 指定推荐人：先环路校验，通过后才落库
// 注册中心（外部协作方）创建推荐关系时必须走这里
func (r *Resolver) AssignReferrer(ctx context.Context, memberID, newReferrerID int64) error {
	if err := r.ValidateAssignment(ctx, memberID, newReferrerID); err != nil {
		return err
	}

	referrerID := newReferrerID
	return r.memberRepo.UpdateReferrer(ctx, memberID, &referrerID)
}
