// Package orchestrator composes condition kinds into fixed agreement
// pipelines. Each pipeline is a template principal: it is proposed and
// approved in the template registry and creates agreements under its own
// address.
package orchestrator

import (
	"fmt"

	"escrowflow/conditions"
	"escrowflow/domain"
	"escrowflow/template"
)

// Pipeline is an ordered condition shape bound to a template address.
type Pipeline struct {
	Name    string
	Address domain.Address
	Kinds   []conditions.Kind
	Approve bool
}

// ConditionTypes are the principals the template declares.
func (p Pipeline) ConditionTypes() []domain.Address {
	out := make([]domain.Address, len(p.Kinds))
	for i, k := range p.Kinds {
		out[i] = k.Address()
	}
	return out
}

// Index returns the position of the first condition of kind, or -1.
func (p Pipeline) Index(kind conditions.Kind) int {
	for i, k := range p.Kinds {
		if k == kind {
			return i
		}
	}
	return -1
}

func builtin(name string, kinds ...conditions.Kind) Pipeline {
	return Pipeline{Name: name, Address: domain.Address("template:" + name), Kinds: kinds, Approve: true}
}

// Builtins are the pipelines every deployment carries.
func Builtins() []Pipeline {
	return []Pipeline{
		builtin("access", conditions.KindLockPayment, conditions.KindAccess, conditions.KindEscrowPayment),
		builtin("nft_sales", conditions.KindLockPayment, conditions.KindTransferNFT, conditions.KindEscrowPayment),
		builtin("escrow_compute", conditions.KindLockPayment, conditions.KindComputeExecution, conditions.KindEscrowPayment),
		builtin("nft_access", conditions.KindNFTHolder, conditions.KindAccess),
		builtin("bundle_sales", conditions.KindLockPayment, conditions.KindAccess, conditions.KindTransferNFT, conditions.KindMultiEscrowPayment),
	}
}

// FromDefinitions converts TOML template definitions into pipelines.
func FromDefinitions(defs []template.Definition) ([]Pipeline, error) {
	out := make([]Pipeline, 0, len(defs))
	for _, d := range defs {
		kinds := make([]conditions.Kind, len(d.Conditions))
		for i, name := range d.Conditions {
			k, err := conditions.ParseKind(name)
			if err != nil {
				return nil, fmt.Errorf("template %q: %w", d.Name, err)
			}
			kinds[i] = k
		}
		out = append(out, Pipeline{
			Name:    d.Name,
			Address: domain.Address(d.Address),
			Kinds:   kinds,
			Approve: d.Approve,
		})
	}
	return out, nil
}

// Step is one condition of an agreement with its relative time bounds.
type Step struct {
	Params   conditions.Params
	TimeLock uint64
	TimeOut  uint64
}
