package conditions

import (
	"context"
	"fmt"

	"escrowflow/domain"
)

// AccessParams grant Grantee access to a resource.
type AccessParams struct {
	ResourceID domain.Hash    `json:"resource_id"`
	Grantee    domain.Address `json:"grantee"`
}

func (p AccessParams) Hash() domain.Hash {
	return domain.HashValues(string(KindAccess), p.ResourceID, p.Grantee)
}

func (p AccessParams) Resource() domain.Hash { return p.ResourceID }

// Access records a permission. Only the resource owner or a provider may
// fulfill it.
type Access struct {
	base
}

func NewAccess(deps *Deps) *Access {
	return &Access{base: newBase(KindAccess, deps)}
}

func (a *Access) Fulfill(ctx context.Context, caller domain.Address, agreementID domain.Hash, p AccessParams) (domain.Condition, error) {
	var c domain.Condition
	err := a.inTx(ctx, func(tx domain.Tx) error {
		var err error
		c, err = a.FulfillTx(ctx, tx, caller, agreementID, p)
		return err
	})
	return c, err
}

func (a *Access) FulfillTx(ctx context.Context, tx domain.Tx, caller domain.Address, agreementID domain.Hash, p AccessParams) (domain.Condition, error) {
	if p.Grantee.IsZero() {
		return domain.Condition{}, domain.NewError(domain.CodeInvalidArgument, "access: grantee required")
	}
	id := a.GenerateID(agreementID, p.Hash())
	if err := a.forAgreement(ctx, tx, agreementID, p.ResourceID); err != nil {
		return domain.Condition{}, err
	}
	if cur, err := a.expectUnfulfilled(ctx, tx, agreementID, id); err != nil || expired(cur) {
		return cur, err
	}
	ok, err := a.canServe(ctx, tx, agreementID, caller)
	if err != nil {
		return domain.Condition{}, err
	}
	if !ok {
		return domain.Condition{}, domain.NewError(domain.CodeUnauthorized,
			fmt.Sprintf("access: %s neither owns nor provides the resource", caller))
	}
	if err := tx.Permissions().Grant(ctx, domain.Permission{
		ResourceID:  p.ResourceID,
		Grantee:     p.Grantee,
		AgreementID: agreementID,
		GrantedAt:   a.now(),
	}); err != nil {
		return domain.Condition{}, fmt.Errorf("access: grant permission: %w", err)
	}
	return a.fulfill(ctx, tx, agreementID, id, caller, map[string]any{
		"grantee": p.Grantee.String(),
	})
}

// CheckPermissions reports whether grantee may access the resource.
func (a *Access) CheckPermissions(ctx context.Context, grantee domain.Address, resourceID domain.Hash) (bool, error) {
	var ok bool
	err := a.inTx(ctx, func(tx domain.Tx) error {
		var err error
		ok, err = tx.Permissions().Has(ctx, resourceID, grantee)
		return err
	})
	return ok, err
}

// ComputeParams authorize Consumer to run compute against a resource.
type ComputeParams struct {
	ResourceID domain.Hash    `json:"resource_id"`
	Consumer   domain.Address `json:"consumer"`
}

func (p ComputeParams) Hash() domain.Hash {
	return domain.HashValues(string(KindComputeExecution), p.ResourceID, p.Consumer)
}

func (p ComputeParams) Resource() domain.Hash { return p.ResourceID }

// ComputeExecution records that a compute job was triggered for a consumer.
type ComputeExecution struct {
	base
}

func NewComputeExecution(deps *Deps) *ComputeExecution {
	return &ComputeExecution{base: newBase(KindComputeExecution, deps)}
}

func (c *ComputeExecution) Fulfill(ctx context.Context, caller domain.Address, agreementID domain.Hash, p ComputeParams) (domain.Condition, error) {
	var out domain.Condition
	err := c.inTx(ctx, func(tx domain.Tx) error {
		var err error
		out, err = c.FulfillTx(ctx, tx, caller, agreementID, p)
		return err
	})
	return out, err
}

func (c *ComputeExecution) FulfillTx(ctx context.Context, tx domain.Tx, caller domain.Address, agreementID domain.Hash, p ComputeParams) (domain.Condition, error) {
	if p.Consumer.IsZero() {
		return domain.Condition{}, domain.NewError(domain.CodeInvalidArgument, "compute: consumer required")
	}
	id := c.GenerateID(agreementID, p.Hash())
	if err := c.forAgreement(ctx, tx, agreementID, p.ResourceID); err != nil {
		return domain.Condition{}, err
	}
	if cur, err := c.expectUnfulfilled(ctx, tx, agreementID, id); err != nil || expired(cur) {
		return cur, err
	}
	ok, err := c.canServe(ctx, tx, agreementID, caller)
	if err != nil {
		return domain.Condition{}, err
	}
	if !ok {
		return domain.Condition{}, domain.NewError(domain.CodeUnauthorized,
			fmt.Sprintf("compute: %s neither owns nor provides the resource", caller))
	}
	if err := tx.Executions().Record(ctx, domain.Execution{
		ResourceID:  p.ResourceID,
		Consumer:    p.Consumer,
		AgreementID: agreementID,
		TriggeredAt: c.now(),
	}); err != nil {
		return domain.Condition{}, fmt.Errorf("compute: record execution: %w", err)
	}
	return c.fulfill(ctx, tx, agreementID, id, caller, map[string]any{
		"consumer": p.Consumer.String(),
	})
}

// WasComputeTriggered reports whether consumer's job was started.
func (c *ComputeExecution) WasComputeTriggered(ctx context.Context, resourceID domain.Hash, consumer domain.Address) (bool, error) {
	var ok bool
	err := c.inTx(ctx, func(tx domain.Tx) error {
		var err error
		ok, err = tx.Executions().Was(ctx, resourceID, consumer)
		return err
	})
	return ok, err
}
