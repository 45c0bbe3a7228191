// Package memstore is an in-process domain.Store. A single mutex held from
// Begin until Commit or Rollback serializes every unit of work, and an undo
// journal restores prior values on Rollback.
package memstore

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"escrowflow/domain"
)

type nftKey struct {
	contract domain.Address
	tokenID  domain.Hash
	holder   domain.Address
}

type fungibleKey struct {
	asset  domain.Address
	holder domain.Address
}

type operatorKey struct {
	contract domain.Address
	holder   domain.Address
	operator domain.Address
}

type grantKey struct {
	resourceID domain.Hash
	who        domain.Address
}

type state struct {
	conditions  map[domain.Hash]domain.Condition
	agreements  map[domain.Hash]domain.Agreement
	agreementNo []domain.Hash
	templates   map[domain.Address]domain.Template
	templateNo  []domain.Address
	resources   map[domain.Hash]domain.Resource
	resourceNo  []domain.Hash
	providers   map[grantKey]bool
	fungible    map[fungibleKey]*big.Int
	nfts        map[nftKey]*big.Int
	operators   map[operatorKey]bool
	locks       map[domain.Hash]domain.Lock
	permissions map[grantKey]domain.Permission
	executions  map[grantKey]domain.Execution
	events      []domain.Event
	outbox      map[string]domain.OutboxMessage
	outboxNo    []string
	roles       map[string]domain.Address
}

// Store keeps all engine state in memory.
type Store struct {
	mu sync.Mutex
	st *state
}

// New returns an empty store.
func New() *Store {
	return &Store{st: &state{
		conditions:  make(map[domain.Hash]domain.Condition),
		agreements:  make(map[domain.Hash]domain.Agreement),
		templates:   make(map[domain.Address]domain.Template),
		resources:   make(map[domain.Hash]domain.Resource),
		providers:   make(map[grantKey]bool),
		fungible:    make(map[fungibleKey]*big.Int),
		nfts:        make(map[nftKey]*big.Int),
		operators:   make(map[operatorKey]bool),
		locks:       make(map[domain.Hash]domain.Lock),
		permissions: make(map[grantKey]domain.Permission),
		executions:  make(map[grantKey]domain.Execution),
		outbox:      make(map[string]domain.OutboxMessage),
		roles:       make(map[string]domain.Address),
	}}
}

// Begin blocks until no other transaction is active.
func (s *Store) Begin(ctx context.Context) (domain.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("memstore: begin: %w", err)
	}
	s.mu.Lock()
	return &tx{store: s, st: s.st}, nil
}

type tx struct {
	store *Store
	st    *state
	undo  []func()
	done  bool
}

func (t *tx) record(fn func()) {
	t.undo = append(t.undo, fn)
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("memstore: transaction already closed")
	}
	t.done = true
	t.undo = nil
	t.store.mu.Unlock()
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.done = true
	t.store.mu.Unlock()
	return nil
}

func (t *tx) check() error {
	if t.done {
		return fmt.Errorf("memstore: transaction already closed")
	}
	return nil
}

// put writes m[k]=v and journals the previous entry.
func put[K comparable, V any](t *tx, m map[K]V, k K, v V) {
	prev, existed := m[k]
	t.record(func() {
		if existed {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

// appendKey appends to an ordering slice and journals the truncation.
func appendKey[K any](t *tx, s *[]K, k K) {
	n := len(*s)
	t.record(func() { *s = (*s)[:n] })
	*s = append(*s, k)
}

func (t *tx) Conditions() domain.ConditionRepository   { return conditionRepo{t} }
func (t *tx) Agreements() domain.AgreementRepository   { return agreementRepo{t} }
func (t *tx) Templates() domain.TemplateRepository     { return templateRepo{t} }
func (t *tx) Resources() domain.ResourceRepository     { return resourceRepo{t} }
func (t *tx) Balances() domain.BalanceRepository       { return balanceRepo{t} }
func (t *tx) Locks() domain.LockRepository             { return lockRepo{t} }
func (t *tx) Permissions() domain.PermissionRepository { return permissionRepo{t} }
func (t *tx) Executions() domain.ExecutionRepository   { return executionRepo{t} }
func (t *tx) Events() domain.EventRepository           { return eventRepo{t} }
func (t *tx) Outbox() domain.OutboxRepository          { return outboxRepo{t} }
func (t *tx) Roles() domain.RoleRepository             { return roleRepo{t} }

type conditionRepo struct{ t *tx }

func (r conditionRepo) Insert(ctx context.Context, c domain.Condition) error {
	if err := r.t.check(); err != nil {
		return err
	}
	if _, ok := r.t.st.conditions[c.ID]; ok {
		return domain.NewError(domain.CodeAlreadyExists, fmt.Sprintf("condition %s already exists", c.ID))
	}
	put(r.t, r.t.st.conditions, c.ID, c)
	return nil
}

func (r conditionRepo) Get(ctx context.Context, id domain.Hash) (domain.Condition, error) {
	if err := r.t.check(); err != nil {
		return domain.Condition{}, err
	}
	c, ok := r.t.st.conditions[id]
	if !ok {
		return domain.Condition{}, domain.NewError(domain.CodeNotFound, fmt.Sprintf("condition %s not found", id))
	}
	return c, nil
}

func (r conditionRepo) Update(ctx context.Context, c domain.Condition) error {
	if err := r.t.check(); err != nil {
		return err
	}
	if _, ok := r.t.st.conditions[c.ID]; !ok {
		return domain.NewError(domain.CodeNotFound, fmt.Sprintf("condition %s not found", c.ID))
	}
	put(r.t, r.t.st.conditions, c.ID, c)
	return nil
}

type agreementRepo struct{ t *tx }

func (r agreementRepo) Insert(ctx context.Context, a domain.Agreement) error {
	if err := r.t.check(); err != nil {
		return err
	}
	if _, ok := r.t.st.agreements[a.ID]; ok {
		return domain.NewError(domain.CodeAlreadyExists, fmt.Sprintf("agreement %s already exists", a.ID))
	}
	a.ConditionIDs = append([]domain.Hash(nil), a.ConditionIDs...)
	put(r.t, r.t.st.agreements, a.ID, a)
	appendKey(r.t, &r.t.st.agreementNo, a.ID)
	return nil
}

func (r agreementRepo) Get(ctx context.Context, id domain.Hash) (domain.Agreement, error) {
	if err := r.t.check(); err != nil {
		return domain.Agreement{}, err
	}
	a, ok := r.t.st.agreements[id]
	if !ok {
		return domain.Agreement{}, domain.NewError(domain.CodeNotFound, fmt.Sprintf("agreement %s not found", id))
	}
	a.ConditionIDs = append([]domain.Hash(nil), a.ConditionIDs...)
	return a, nil
}

func (r agreementRepo) ListByResource(ctx context.Context, resourceID domain.Hash) ([]domain.Agreement, error) {
	return r.filter(func(a domain.Agreement) bool { return a.ResourceID == resourceID })
}

func (r agreementRepo) ListByTemplate(ctx context.Context, templateID domain.Address) ([]domain.Agreement, error) {
	return r.filter(func(a domain.Agreement) bool { return a.TemplateID == templateID })
}

func (r agreementRepo) filter(keep func(domain.Agreement) bool) ([]domain.Agreement, error) {
	if err := r.t.check(); err != nil {
		return nil, err
	}
	out := []domain.Agreement{}
	for _, id := range r.t.st.agreementNo {
		a := r.t.st.agreements[id]
		if keep(a) {
			a.ConditionIDs = append([]domain.Hash(nil), a.ConditionIDs...)
			out = append(out, a)
		}
	}
	return out, nil
}

type templateRepo struct{ t *tx }

func (r templateRepo) Insert(ctx context.Context, tpl domain.Template) error {
	if err := r.t.check(); err != nil {
		return err
	}
	if _, ok := r.t.st.templates[tpl.ID]; ok {
		return domain.NewError(domain.CodeAlreadyExists, fmt.Sprintf("template %s already exists", tpl.ID))
	}
	tpl.ConditionTypes = append([]domain.Address(nil), tpl.ConditionTypes...)
	put(r.t, r.t.st.templates, tpl.ID, tpl)
	appendKey(r.t, &r.t.st.templateNo, tpl.ID)
	return nil
}

func (r templateRepo) Get(ctx context.Context, id domain.Address) (domain.Template, error) {
	if err := r.t.check(); err != nil {
		return domain.Template{}, err
	}
	tpl, ok := r.t.st.templates[id]
	if !ok {
		return domain.Template{}, domain.NewError(domain.CodeNotFound, fmt.Sprintf("template %s not found", id))
	}
	tpl.ConditionTypes = append([]domain.Address(nil), tpl.ConditionTypes...)
	return tpl, nil
}

func (r templateRepo) Update(ctx context.Context, tpl domain.Template) error {
	if err := r.t.check(); err != nil {
		return err
	}
	if _, ok := r.t.st.templates[tpl.ID]; !ok {
		return domain.NewError(domain.CodeNotFound, fmt.Sprintf("template %s not found", tpl.ID))
	}
	tpl.ConditionTypes = append([]domain.Address(nil), tpl.ConditionTypes...)
	put(r.t, r.t.st.templates, tpl.ID, tpl)
	return nil
}

func (r templateRepo) List(ctx context.Context) ([]domain.Template, error) {
	if err := r.t.check(); err != nil {
		return nil, err
	}
	out := make([]domain.Template, 0, len(r.t.st.templateNo))
	for _, id := range r.t.st.templateNo {
		tpl := r.t.st.templates[id]
		tpl.ConditionTypes = append([]domain.Address(nil), tpl.ConditionTypes...)
		out = append(out, tpl)
	}
	return out, nil
}

type resourceRepo struct{ t *tx }

func (r resourceRepo) Insert(ctx context.Context, res domain.Resource) error {
	if err := r.t.check(); err != nil {
		return err
	}
	if _, ok := r.t.st.resources[res.ID]; ok {
		return domain.NewError(domain.CodeAlreadyExists, fmt.Sprintf("resource %s already exists", res.ID))
	}
	put(r.t, r.t.st.resources, res.ID, res)
	appendKey(r.t, &r.t.st.resourceNo, res.ID)
	return nil
}

func (r resourceRepo) Get(ctx context.Context, id domain.Hash) (domain.Resource, error) {
	if err := r.t.check(); err != nil {
		return domain.Resource{}, err
	}
	res, ok := r.t.st.resources[id]
	if !ok {
		return domain.Resource{}, domain.NewError(domain.CodeNotFound, fmt.Sprintf("resource %s not found", id))
	}
	return res, nil
}

func (r resourceRepo) Update(ctx context.Context, res domain.Resource) error {
	if err := r.t.check(); err != nil {
		return err
	}
	if _, ok := r.t.st.resources[res.ID]; !ok {
		return domain.NewError(domain.CodeNotFound, fmt.Sprintf("resource %s not found", res.ID))
	}
	put(r.t, r.t.st.resources, res.ID, res)
	return nil
}

func (r resourceRepo) List(ctx context.Context, limit int) ([]domain.Resource, error) {
	if err := r.t.check(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > len(r.t.st.resourceNo) {
		limit = len(r.t.st.resourceNo)
	}
	out := make([]domain.Resource, 0, limit)
	for _, id := range r.t.st.resourceNo[:limit] {
		out = append(out, r.t.st.resources[id])
	}
	return out, nil
}

func (r resourceRepo) AddProvider(ctx context.Context, id domain.Hash, provider domain.Address) error {
	if err := r.t.check(); err != nil {
		return err
	}
	put(r.t, r.t.st.providers, grantKey{id, provider}, true)
	return nil
}

func (r resourceRepo) IsProvider(ctx context.Context, id domain.Hash, provider domain.Address) (bool, error) {
	if err := r.t.check(); err != nil {
		return false, err
	}
	return r.t.st.providers[grantKey{id, provider}], nil
}

type balanceRepo struct{ t *tx }

func (r balanceRepo) Fungible(ctx context.Context, asset, holder domain.Address) (*big.Int, error) {
	if err := r.t.check(); err != nil {
		return nil, err
	}
	return copyInt(r.t.st.fungible[fungibleKey{asset, holder}]), nil
}

func (r balanceRepo) SetFungible(ctx context.Context, asset, holder domain.Address, amount *big.Int) error {
	if err := r.t.check(); err != nil {
		return err
	}
	put(r.t, r.t.st.fungible, fungibleKey{asset, holder}, copyInt(amount))
	return nil
}

func (r balanceRepo) NFT(ctx context.Context, contract domain.Address, tokenID domain.Hash, holder domain.Address) (*big.Int, error) {
	if err := r.t.check(); err != nil {
		return nil, err
	}
	return copyInt(r.t.st.nfts[nftKey{contract, tokenID, holder}]), nil
}

func (r balanceRepo) SetNFT(ctx context.Context, contract domain.Address, tokenID domain.Hash, holder domain.Address, amount *big.Int) error {
	if err := r.t.check(); err != nil {
		return err
	}
	put(r.t, r.t.st.nfts, nftKey{contract, tokenID, holder}, copyInt(amount))
	return nil
}

func (r balanceRepo) Operator(ctx context.Context, contract, holder, operator domain.Address) (bool, error) {
	if err := r.t.check(); err != nil {
		return false, err
	}
	return r.t.st.operators[operatorKey{contract, holder, operator}], nil
}

func (r balanceRepo) SetOperator(ctx context.Context, contract, holder, operator domain.Address, approved bool) error {
	if err := r.t.check(); err != nil {
		return err
	}
	put(r.t, r.t.st.operators, operatorKey{contract, holder, operator}, approved)
	return nil
}

type lockRepo struct{ t *tx }

func (r lockRepo) Insert(ctx context.Context, l domain.Lock) error {
	if err := r.t.check(); err != nil {
		return err
	}
	if _, ok := r.t.st.locks[l.ConditionID]; ok {
		return domain.NewError(domain.CodeAlreadyExists, fmt.Sprintf("lock %s already exists", l.ConditionID))
	}
	l.Amount = copyInt(l.Amount)
	put(r.t, r.t.st.locks, l.ConditionID, l)
	return nil
}

func (r lockRepo) Get(ctx context.Context, conditionID domain.Hash) (domain.Lock, error) {
	if err := r.t.check(); err != nil {
		return domain.Lock{}, err
	}
	l, ok := r.t.st.locks[conditionID]
	if !ok {
		return domain.Lock{}, domain.NewError(domain.CodeNotFound, fmt.Sprintf("lock %s not found", conditionID))
	}
	l.Amount = copyInt(l.Amount)
	return l, nil
}

func (r lockRepo) Update(ctx context.Context, l domain.Lock) error {
	if err := r.t.check(); err != nil {
		return err
	}
	if _, ok := r.t.st.locks[l.ConditionID]; !ok {
		return domain.NewError(domain.CodeNotFound, fmt.Sprintf("lock %s not found", l.ConditionID))
	}
	l.Amount = copyInt(l.Amount)
	put(r.t, r.t.st.locks, l.ConditionID, l)
	return nil
}

func (r lockRepo) Unreleased(ctx context.Context, escrow, asset domain.Address) (*big.Int, error) {
	if err := r.t.check(); err != nil {
		return nil, err
	}
	total := new(big.Int)
	for _, l := range r.t.st.locks {
		if !l.Released && l.Escrow == escrow && l.Asset == asset {
			total.Add(total, l.Amount)
		}
	}
	return total, nil
}

type permissionRepo struct{ t *tx }

func (r permissionRepo) Grant(ctx context.Context, p domain.Permission) error {
	if err := r.t.check(); err != nil {
		return err
	}
	put(r.t, r.t.st.permissions, grantKey{p.ResourceID, p.Grantee}, p)
	return nil
}

func (r permissionRepo) Has(ctx context.Context, resourceID domain.Hash, grantee domain.Address) (bool, error) {
	if err := r.t.check(); err != nil {
		return false, err
	}
	_, ok := r.t.st.permissions[grantKey{resourceID, grantee}]
	return ok, nil
}

type executionRepo struct{ t *tx }

func (r executionRepo) Record(ctx context.Context, e domain.Execution) error {
	if err := r.t.check(); err != nil {
		return err
	}
	put(r.t, r.t.st.executions, grantKey{e.ResourceID, e.Consumer}, e)
	return nil
}

func (r executionRepo) Was(ctx context.Context, resourceID domain.Hash, consumer domain.Address) (bool, error) {
	if err := r.t.check(); err != nil {
		return false, err
	}
	_, ok := r.t.st.executions[grantKey{resourceID, consumer}]
	return ok, nil
}

type eventRepo struct{ t *tx }

func (r eventRepo) Append(ctx context.Context, e domain.Event) (int64, error) {
	if err := r.t.check(); err != nil {
		return 0, err
	}
	e.Seq = int64(len(r.t.st.events)) + 1
	appendKey(r.t, &r.t.st.events, e)
	return e.Seq, nil
}

func (r eventRepo) ListByAgreement(ctx context.Context, agreementID domain.Hash) ([]domain.Event, error) {
	return r.filter(func(e domain.Event) bool { return e.AgreementID == agreementID })
}

func (r eventRepo) ListByCondition(ctx context.Context, conditionID domain.Hash) ([]domain.Event, error) {
	return r.filter(func(e domain.Event) bool { return e.ConditionID == conditionID })
}

func (r eventRepo) filter(keep func(domain.Event) bool) ([]domain.Event, error) {
	if err := r.t.check(); err != nil {
		return nil, err
	}
	out := []domain.Event{}
	for _, e := range r.t.st.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

type outboxRepo struct{ t *tx }

func (r outboxRepo) Enqueue(ctx context.Context, m domain.OutboxMessage) error {
	if err := r.t.check(); err != nil {
		return err
	}
	if m.ID == "" {
		return fmt.Errorf("memstore: outbox message id required")
	}
	if m.Status == "" {
		m.Status = domain.OutboxPending
	}
	put(r.t, r.t.st.outbox, m.ID, m)
	appendKey(r.t, &r.t.st.outboxNo, m.ID)
	return nil
}

func (r outboxRepo) Pending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if err := r.t.check(); err != nil {
		return nil, err
	}
	out := []domain.OutboxMessage{}
	for _, id := range r.t.st.outboxNo {
		if limit > 0 && len(out) >= limit {
			break
		}
		if m := r.t.st.outbox[id]; m.Status == domain.OutboxPending {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r outboxRepo) MarkProcessed(ctx context.Context, id string) error {
	if err := r.t.check(); err != nil {
		return err
	}
	m, ok := r.t.st.outbox[id]
	if !ok {
		return domain.NewError(domain.CodeNotFound, fmt.Sprintf("outbox message %s not found", id))
	}
	m.Status = domain.OutboxProcessed
	put(r.t, r.t.st.outbox, id, m)
	return nil
}

func (r outboxRepo) MarkFailed(ctx context.Context, id string, maxAttempts int) error {
	if err := r.t.check(); err != nil {
		return err
	}
	m, ok := r.t.st.outbox[id]
	if !ok {
		return domain.NewError(domain.CodeNotFound, fmt.Sprintf("outbox message %s not found", id))
	}
	m.Attempts++
	if maxAttempts > 0 && m.Attempts >= maxAttempts {
		m.Status = domain.OutboxDead
	}
	put(r.t, r.t.st.outbox, id, m)
	return nil
}

type roleRepo struct{ t *tx }

func (r roleRepo) Get(ctx context.Context, name string) (domain.Address, bool, error) {
	if err := r.t.check(); err != nil {
		return "", false, err
	}
	holder, ok := r.t.st.roles[name]
	return holder, ok, nil
}

func (r roleRepo) Set(ctx context.Context, name string, holder domain.Address) error {
	if err := r.t.check(); err != nil {
		return err
	}
	put(r.t, r.t.st.roles, name, holder)
	return nil
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// Snapshot returns every condition sorted by id. It takes the store lock and
// exists for invariant checks in tests.
func (s *Store) Snapshot() []domain.Condition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Condition, 0, len(s.st.conditions))
	for _, c := range s.st.conditions {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.Hex() < out[j].ID.Hex()
	})
	return out
}
