package service

import (
	"context"

	"partnerledger/internal/model"
	"partnerledger/internal/repository"
	"partnerledger/pkg/idgen"

	"gorm.io/gorm"
)

// postCredit 幂等入账
//
// 同一 (member_id, stream, kind, source_ref) 的重放直接返回既有流水，
// 不产生任何新的账务影响；返回值第二项表示本次是否真正入账
func postCredit(ctx context.Context, tx *gorm.DB, ledgerRepo *repository.LedgerRepository,
	memberID int64, stream, kind string, amount int64, sourceRef, remark string) (*model.LedgerEntry, bool, error) {

	existing, err := ledgerRepo.GetEntryBySource(ctx, tx, memberID, stream, kind, sourceRef)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	account, err := ledgerRepo.GetOrCreateAccount(ctx, tx, memberID)
	if err != nil {
		return nil, false, err
	}

	if err := ledgerRepo.IncreaseBalance(ctx, tx, memberID, stream, amount); err != nil {
		return nil, false, err
	}

	before := balanceFor(account, stream)
	entry := &model.LedgerEntry{
		EntryNo:       idgen.GenerateEntryNo(),
		MemberID:      memberID,
		Stream:        stream,
		Kind:          kind,
		SourceRef:     sourceRef,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  before + amount,
		Remark:        remark,
	}
	if err := ledgerRepo.CreateEntry(ctx, tx, entry); err != nil {
		return nil, false, err
	}

	return entry, true, nil
}

func balanceFor(account *model.MemberAccount, stream string) int64 {
	if stream == model.StreamCash {
		return account.CashBalance
	}
	return account.EnergyBalance
}
