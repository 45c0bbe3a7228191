package domain

import (
	"context"
	"math/big"
)

// Store begins serialized units of work. Only one Tx is active at a time
// per store; that serialization is what makes the engine's conflict checks
// sufficient without further locking.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one atomic unit of work. Nothing written through its repositories is
// visible after Rollback; Rollback after Commit is a no-op so callers can
// always defer it.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	Conditions() ConditionRepository
	Agreements() AgreementRepository
	Templates() TemplateRepository
	Resources() ResourceRepository
	Balances() BalanceRepository
	Locks() LockRepository
	Permissions() PermissionRepository
	Executions() ExecutionRepository
	Events() EventRepository
	Outbox() OutboxRepository
	Roles() RoleRepository
}

// ConditionRepository persists condition instances. Insert fails with
// ErrAlreadyExists on id reuse; Get fails with ErrNotFound.
type ConditionRepository interface {
	Insert(ctx context.Context, c Condition) error
	Get(ctx context.Context, id Hash) (Condition, error)
	Update(ctx context.Context, c Condition) error
}

type AgreementRepository interface {
	Insert(ctx context.Context, a Agreement) error
	Get(ctx context.Context, id Hash) (Agreement, error)
	ListByResource(ctx context.Context, resourceID Hash) ([]Agreement, error)
	ListByTemplate(ctx context.Context, templateID Address) ([]Agreement, error)
}

type TemplateRepository interface {
	Insert(ctx context.Context, t Template) error
	Get(ctx context.Context, id Address) (Template, error)
	Update(ctx context.Context, t Template) error
	List(ctx context.Context) ([]Template, error)
}

type ResourceRepository interface {
	Insert(ctx context.Context, r Resource) error
	Get(ctx context.Context, id Hash) (Resource, error)
	Update(ctx context.Context, r Resource) error
	List(ctx context.Context, limit int) ([]Resource, error)
	AddProvider(ctx context.Context, id Hash, provider Address) error
	IsProvider(ctx context.Context, id Hash, provider Address) (bool, error)
}

// BalanceRepository holds custody balances. Missing entries read as zero.
type BalanceRepository interface {
	Fungible(ctx context.Context, asset, holder Address) (*big.Int, error)
	SetFungible(ctx context.Context, asset, holder Address, amount *big.Int) error
	NFT(ctx context.Context, contract Address, tokenID Hash, holder Address) (*big.Int, error)
	SetNFT(ctx context.Context, contract Address, tokenID Hash, holder Address, amount *big.Int) error
	// Operator reports whether holder approved operator to move any of its
	// units of contract.
	Operator(ctx context.Context, contract, holder, operator Address) (bool, error)
	SetOperator(ctx context.Context, contract, holder, operator Address, approved bool) error
}

type LockRepository interface {
	Insert(ctx context.Context, l Lock) error
	Get(ctx context.Context, conditionID Hash) (Lock, error)
	Update(ctx context.Context, l Lock) error
	// Unreleased sums locked amounts not yet paid out or refunded, per asset,
	// for the given escrow account.
	Unreleased(ctx context.Context, escrow, asset Address) (*big.Int, error)
}

type PermissionRepository interface {
	Grant(ctx context.Context, p Permission) error
	Has(ctx context.Context, resourceID Hash, grantee Address) (bool, error)
}

type ExecutionRepository interface {
	Record(ctx context.Context, e Execution) error
	Was(ctx context.Context, resourceID Hash, consumer Address) (bool, error)
}

type EventRepository interface {
	Append(ctx context.Context, e Event) (int64, error)
	ListByAgreement(ctx context.Context, agreementID Hash) ([]Event, error)
	ListByCondition(ctx context.Context, conditionID Hash) ([]Event, error)
}

type OutboxRepository interface {
	Enqueue(ctx context.Context, m OutboxMessage) error
	// Pending returns up to limit pending messages, oldest first.
	Pending(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, maxAttempts int) error
}

// RoleRepository stores named capabilities such as the condition create role.
type RoleRepository interface {
	Get(ctx context.Context, name string) (Address, bool, error)
	Set(ctx context.Context, name string, holder Address) error
}
