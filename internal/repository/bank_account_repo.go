package repository

import (
	"context"

	"github.com/saeid-a/LessonMarketBack/internal/models"
)

type BankAccountRepository struct {
	db DBTX
}

func NewBankAccountRepository(db DBTX) *BankAccountRepository {
	return &BankAccountRepository{db: db}
}

func (r *BankAccountRepository) GetByTrainerID(ctx context.Context, trainerID int64) (*models.BankAccount, error) {
	query := `
		SELECT id, trainer_id, bank_name, bank_code, branch_code, account_type, account_number, holder_name, verified, created_at
		FROM trainer_bank_accounts
		WHERE trainer_id = $1
	`

	var account models.BankAccount
	err := r.db.QueryRow(ctx, query, trainerID).Scan(
		&account.ID,
		&account.TrainerID,
		&account.BankName,
		&account.BankCode,
		&account.BranchCode,
		&account.AccountType,
		&account.AccountNumber,
		&account.HolderName,
		&account.Verified,
		&account.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &account, nil
}
