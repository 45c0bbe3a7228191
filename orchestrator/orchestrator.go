package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"escrowflow/agreement"
	"escrowflow/conditions"
	"escrowflow/domain"
	"escrowflow/template"
)

// CreateParams instantiate a pipeline. Steps follow the pipeline's kinds.
type CreateParams struct {
	Pipeline   string
	Seed       domain.Hash
	Creator    domain.Address
	ResourceID domain.Hash
	Steps      []Step
}

// Orchestrator creates agreements for a fixed set of pipelines.
type Orchestrator struct {
	store      domain.Store
	agreements *agreement.Registry
	templates  *template.Registry
	set        *conditions.Set
	pipelines  map[string]Pipeline
	logger     zerolog.Logger
}

// New registers pipelines by name. Names and addresses must be unique.
func New(store domain.Store, agreements *agreement.Registry, templates *template.Registry, set *conditions.Set, pipelines ...Pipeline) (*Orchestrator, error) {
	o := &Orchestrator{
		store:      store,
		agreements: agreements,
		templates:  templates,
		set:        set,
		pipelines:  make(map[string]Pipeline, len(pipelines)),
		logger:     zerolog.Nop(),
	}
	addresses := make(map[domain.Address]string, len(pipelines))
	for _, p := range pipelines {
		if p.Name == "" || p.Address.IsZero() || len(p.Kinds) == 0 {
			return nil, fmt.Errorf("orchestrator: pipeline %q is incomplete", p.Name)
		}
		if _, ok := o.pipelines[p.Name]; ok {
			return nil, fmt.Errorf("orchestrator: pipeline %q declared twice", p.Name)
		}
		if other, ok := addresses[p.Address]; ok {
			return nil, fmt.Errorf("orchestrator: pipelines %q and %q share address %s", other, p.Name, p.Address)
		}
		addresses[p.Address] = p.Name
		o.pipelines[p.Name] = p
	}
	return o, nil
}

func (o *Orchestrator) WithLogger(logger zerolog.Logger) *Orchestrator {
	o.logger = logger.With().Str("component", "orchestrator").Logger()
	return o
}

// Pipeline looks a pipeline up by name.
func (o *Orchestrator) Pipeline(name string) (Pipeline, bool) {
	p, ok := o.pipelines[name]
	return p, ok
}

// Pipelines lists every pipeline sorted by name.
func (o *Orchestrator) Pipelines() []Pipeline {
	out := make([]Pipeline, 0, len(o.pipelines))
	for _, p := range o.pipelines {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Bootstrap proposes every pipeline's template and approves those marked
// for approval. Templates that already exist are left as they are, so a
// revoked template stays revoked across restarts.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	governance := o.templates.Governance()
	return domain.InTx(ctx, o.store, func(tx domain.Tx) error {
		for _, p := range o.Pipelines() {
			_, err := o.templates.Propose(ctx, tx, governance, p.Address, p.ConditionTypes())
			if errors.Is(err, domain.ErrAlreadyExists) {
				continue
			}
			if err != nil {
				return fmt.Errorf("orchestrator: propose %s: %w", p.Name, err)
			}
			if !p.Approve {
				continue
			}
			if _, err := o.templates.Approve(ctx, tx, governance, p.Address); err != nil {
				return fmt.Errorf("orchestrator: approve %s: %w", p.Name, err)
			}
			o.logger.Info().Str("pipeline", p.Name).Str("template", p.Address.String()).Msg("template_bootstrapped")
		}
		return nil
	})
}

// CreateAgreement registers one agreement for the named pipeline.
func (o *Orchestrator) CreateAgreement(ctx context.Context, p CreateParams) (domain.Agreement, error) {
	tx, err := o.store.Begin(ctx)
	if err != nil {
		return domain.Agreement{}, fmt.Errorf("orchestrator: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, a, err := o.create(ctx, tx, p)
	if err != nil {
		return domain.Agreement{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Agreement{}, fmt.Errorf("orchestrator: commit tx: %w", err)
	}
	return a, nil
}

// CreateAgreementAndPay registers the agreement and fulfills its lock
// payment with the creator as payer. Either both happen or neither does.
func (o *Orchestrator) CreateAgreementAndPay(ctx context.Context, p CreateParams) (domain.Agreement, domain.Condition, error) {
	tx, err := o.store.Begin(ctx)
	if err != nil {
		return domain.Agreement{}, domain.Condition{}, fmt.Errorf("orchestrator: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	pl, a, err := o.create(ctx, tx, p)
	if err != nil {
		return domain.Agreement{}, domain.Condition{}, err
	}
	i := pl.Index(conditions.KindLockPayment)
	if i < 0 {
		return domain.Agreement{}, domain.Condition{}, domain.NewError(domain.CodeInvalidArgument,
			fmt.Sprintf("orchestrator: pipeline %s has no lock payment", pl.Name))
	}
	lock := p.Steps[i].Params.(conditions.LockPaymentParams)
	c, err := o.set.LockPayment.FulfillTx(ctx, tx, p.Creator, a.ID, lock)
	if err != nil {
		return domain.Agreement{}, domain.Condition{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Agreement{}, domain.Condition{}, fmt.Errorf("orchestrator: commit tx: %w", err)
	}
	return a, c, nil
}

func (o *Orchestrator) create(ctx context.Context, tx domain.Tx, p CreateParams) (Pipeline, domain.Agreement, error) {
	pl, ok := o.pipelines[p.Pipeline]
	if !ok {
		return Pipeline{}, domain.Agreement{}, domain.NewError(domain.CodeNotFound,
			fmt.Sprintf("orchestrator: unknown pipeline %q", p.Pipeline))
	}
	if len(p.Steps) != len(pl.Kinds) {
		return Pipeline{}, domain.Agreement{}, domain.NewError(domain.CodeArgumentLengthMismatch,
			fmt.Sprintf("orchestrator: %s takes %d steps, got %d", pl.Name, len(pl.Kinds), len(p.Steps)))
	}

	cp := agreement.CreateParams{
		Seed:            p.Seed,
		Creator:         p.Creator,
		Caller:          pl.Address,
		ResourceID:      p.ResourceID,
		ConditionTypes:  pl.ConditionTypes(),
		ConditionHashes: make([]domain.Hash, len(p.Steps)),
		TimeLocks:       make([]uint64, len(p.Steps)),
		TimeOuts:        make([]uint64, len(p.Steps)),
	}
	for i, s := range p.Steps {
		if s.Params == nil {
			return Pipeline{}, domain.Agreement{}, domain.NewError(domain.CodeInvalidArgument,
				fmt.Sprintf("orchestrator: step %d has no parameters", i))
		}
		kind, ok := conditions.KindOf(s.Params)
		if !ok || kind != pl.Kinds[i] {
			return Pipeline{}, domain.Agreement{}, domain.NewError(domain.CodeInvalidArgument,
				fmt.Sprintf("orchestrator: step %d of %s must be %s, got %T", i, pl.Name, pl.Kinds[i], s.Params))
		}
		if s.Params.Resource() != p.ResourceID {
			return Pipeline{}, domain.Agreement{}, domain.NewError(domain.CodeInvalidArgument,
				fmt.Sprintf("orchestrator: step %d names resource %s, agreement is for %s", i, s.Params.Resource(), p.ResourceID))
		}
		if s.TimeOut > 0 && conditions.IsEscrowAccount(kind.Address()) {
			return Pipeline{}, domain.Agreement{}, domain.NewError(domain.CodeInvalidArgument,
				fmt.Sprintf("orchestrator: step %d settles an escrow and cannot time out", i))
		}
		cp.ConditionHashes[i] = s.Params.Hash()
		cp.TimeLocks[i] = s.TimeLock
		cp.TimeOuts[i] = s.TimeOut
	}

	a, err := o.agreements.Create(ctx, tx, cp)
	if err != nil {
		return Pipeline{}, domain.Agreement{}, err
	}
	o.logger.Info().
		Str("pipeline", pl.Name).
		Str("agreement_id", a.ID.Hex()).
		Str("creator", p.Creator.String()).
		Msg("pipeline_agreement_created")
	return pl, a, nil
}

// ConditionIDs precomputes the ids an agreement created from p will hold.
func ConditionIDs(p CreateParams) []domain.Hash {
	id := domain.AgreementID(p.Seed, p.Creator)
	out := make([]domain.Hash, len(p.Steps))
	for i, s := range p.Steps {
		if s.Params != nil {
			out[i] = domain.ConditionID(id, s.Params.Hash())
		}
	}
	return out
}
