package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/domain"
)

// Inserts use ON CONFLICT DO NOTHING so a duplicate leaves the transaction
// usable; callers such as template bootstrap continue after ErrAlreadyExists.
func inserted(tag pgconn.CommandTag, err error, what string) error {
	if err != nil {
		return mapError(err, what)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewError(domain.CodeAlreadyExists, what+" already exists")
	}
	return nil
}

type conditionRepo struct{ tx pgx.Tx }

const conditionColumns = `id, type_ref, state, time_lock, time_out, created_by, created_at, last_updated_by, last_updated_at`

func (r conditionRepo) Insert(ctx context.Context, c domain.Condition) error {
	const insertSQL = `
INSERT INTO conditions (` + conditionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING`
	tag, err := r.tx.Exec(ctx, insertSQL,
		c.ID.Hex(), string(c.TypeRef), int16(c.State), int64(c.TimeLock), int64(c.TimeOut),
		string(c.CreatedBy), int64(c.CreatedAt), string(c.LastUpdatedBy), int64(c.LastUpdatedAt))
	return inserted(tag, err, fmt.Sprintf("condition %s", c.ID))
}

func (r conditionRepo) Get(ctx context.Context, id domain.Hash) (domain.Condition, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+conditionColumns+` FROM conditions WHERE id = $1`, id.Hex())
	c, err := scanCondition(row)
	if err != nil {
		return domain.Condition{}, mapError(err, fmt.Sprintf("condition %s", id))
	}
	return c, nil
}

func (r conditionRepo) Update(ctx context.Context, c domain.Condition) error {
	const updateSQL = `
UPDATE conditions
SET state = $2, time_lock = $3, time_out = $4, last_updated_by = $5, last_updated_at = $6
WHERE id = $1`
	tag, err := r.tx.Exec(ctx, updateSQL,
		c.ID.Hex(), int16(c.State), int64(c.TimeLock), int64(c.TimeOut), string(c.LastUpdatedBy), int64(c.LastUpdatedAt))
	return requireRow(tag, err, fmt.Sprintf("condition %s", c.ID))
}

func scanCondition(row pgx.Row) (domain.Condition, error) {
	var (
		id, typeRef, createdBy, updatedBy       string
		state                                   int16
		timeLock, timeOut, createdAt, updatedAt int64
	)
	if err := row.Scan(&id, &typeRef, &state, &timeLock, &timeOut, &createdBy, &createdAt, &updatedBy, &updatedAt); err != nil {
		return domain.Condition{}, err
	}
	h, err := domain.ParseHash(id)
	if err != nil {
		return domain.Condition{}, err
	}
	return domain.Condition{
		ID:            h,
		TypeRef:       domain.Address(typeRef),
		State:         domain.ConditionState(state),
		TimeLock:      uint64(timeLock),
		TimeOut:       uint64(timeOut),
		CreatedBy:     domain.Address(createdBy),
		CreatedAt:     uint64(createdAt),
		LastUpdatedBy: domain.Address(updatedBy),
		LastUpdatedAt: uint64(updatedAt),
	}, nil
}

type agreementRepo struct{ tx pgx.Tx }

const agreementColumns = `id, resource_id, resource_owner, template_id, creator, condition_ids, last_updated_by, last_updated_at`

func (r agreementRepo) Insert(ctx context.Context, a domain.Agreement) error {
	const insertSQL = `
INSERT INTO agreements (` + agreementColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING`
	tag, err := r.tx.Exec(ctx, insertSQL,
		a.ID.Hex(), a.ResourceID.Hex(), string(a.ResourceOwner), string(a.TemplateID), string(a.Creator),
		hashes(a.ConditionIDs), string(a.LastUpdatedBy), int64(a.LastUpdatedAt))
	return inserted(tag, err, fmt.Sprintf("agreement %s", a.ID))
}

func (r agreementRepo) Get(ctx context.Context, id domain.Hash) (domain.Agreement, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE id = $1`, id.Hex())
	a, err := scanAgreement(row)
	if err != nil {
		return domain.Agreement{}, mapError(err, fmt.Sprintf("agreement %s", id))
	}
	return a, nil
}

func (r agreementRepo) ListByResource(ctx context.Context, resourceID domain.Hash) ([]domain.Agreement, error) {
	return r.list(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE resource_id = $1 ORDER BY seq`, resourceID.Hex())
}

func (r agreementRepo) ListByTemplate(ctx context.Context, templateID domain.Address) ([]domain.Agreement, error) {
	return r.list(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE template_id = $1 ORDER BY seq`, string(templateID))
}

func (r agreementRepo) list(ctx context.Context, query string, arg any) ([]domain.Agreement, error) {
	rows, err := r.tx.Query(ctx, query, arg)
	if err != nil {
		return nil, mapError(err, "agreements")
	}
	defer rows.Close()

	out := []domain.Agreement{}
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, mapError(err, "agreements")
		}
		out = append(out, a)
	}
	return out, mapError(rows.Err(), "agreements")
}

func scanAgreement(row pgx.Row) (domain.Agreement, error) {
	var (
		id, resourceID, owner, templateID, creator, updatedBy string
		conditionIDs                                          []string
		updatedAt                                             int64
	)
	if err := row.Scan(&id, &resourceID, &owner, &templateID, &creator, &conditionIDs, &updatedBy, &updatedAt); err != nil {
		return domain.Agreement{}, err
	}
	a := domain.Agreement{
		ResourceOwner: domain.Address(owner),
		TemplateID:    domain.Address(templateID),
		Creator:       domain.Address(creator),
		LastUpdatedBy: domain.Address(updatedBy),
		LastUpdatedAt: uint64(updatedAt),
	}
	var err error
	if a.ID, err = domain.ParseHash(id); err != nil {
		return domain.Agreement{}, err
	}
	if a.ResourceID, err = domain.ParseHash(resourceID); err != nil {
		return domain.Agreement{}, err
	}
	if a.ConditionIDs, err = parseHashes(conditionIDs); err != nil {
		return domain.Agreement{}, err
	}
	return a, nil
}

type templateRepo struct{ tx pgx.Tx }

const templateColumns = `id, state, owner, condition_types, last_updated_by, last_updated_at`

func (r templateRepo) Insert(ctx context.Context, t domain.Template) error {
	const insertSQL = `
INSERT INTO templates (` + templateColumns + `)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING`
	tag, err := r.tx.Exec(ctx, insertSQL,
		string(t.ID), int16(t.State), string(t.Owner), addresses(t.ConditionTypes), string(t.LastUpdatedBy), int64(t.LastUpdatedAt))
	return inserted(tag, err, fmt.Sprintf("template %s", t.ID))
}

func (r templateRepo) Get(ctx context.Context, id domain.Address) (domain.Template, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+templateColumns+` FROM templates WHERE id = $1`, string(id))
	t, err := scanTemplate(row)
	if err != nil {
		return domain.Template{}, mapError(err, fmt.Sprintf("template %s", id))
	}
	return t, nil
}

func (r templateRepo) Update(ctx context.Context, t domain.Template) error {
	const updateSQL = `
UPDATE templates
SET state = $2, owner = $3, condition_types = $4, last_updated_by = $5, last_updated_at = $6
WHERE id = $1`
	tag, err := r.tx.Exec(ctx, updateSQL,
		string(t.ID), int16(t.State), string(t.Owner), addresses(t.ConditionTypes), string(t.LastUpdatedBy), int64(t.LastUpdatedAt))
	return requireRow(tag, err, fmt.Sprintf("template %s", t.ID))
}

func (r templateRepo) List(ctx context.Context) ([]domain.Template, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+templateColumns+` FROM templates ORDER BY seq`)
	if err != nil {
		return nil, mapError(err, "templates")
	}
	defer rows.Close()

	out := []domain.Template{}
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, mapError(err, "templates")
		}
		out = append(out, t)
	}
	return out, mapError(rows.Err(), "templates")
}

func scanTemplate(row pgx.Row) (domain.Template, error) {
	var (
		id, owner, updatedBy string
		state                int16
		types                []string
		updatedAt            int64
	)
	if err := row.Scan(&id, &state, &owner, &types, &updatedBy, &updatedAt); err != nil {
		return domain.Template{}, err
	}
	return domain.Template{
		ID:             domain.Address(id),
		State:          domain.TemplateState(state),
		Owner:          domain.Address(owner),
		ConditionTypes: parseAddresses(types),
		LastUpdatedBy:  domain.Address(updatedBy),
		LastUpdatedAt:  uint64(updatedAt),
	}, nil
}

type resourceRepo struct{ tx pgx.Tx }

const resourceColumns = `id, owner, creator, royalty_ppm, url, registered_at`

func (r resourceRepo) Insert(ctx context.Context, res domain.Resource) error {
	const insertSQL = `
INSERT INTO resources (` + resourceColumns + `)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING`
	tag, err := r.tx.Exec(ctx, insertSQL,
		res.ID.Hex(), string(res.Owner), string(res.Creator), int64(res.RoyaltyPPM), res.URL, int64(res.RegisteredAt))
	return inserted(tag, err, fmt.Sprintf("resource %s", res.ID))
}

func (r resourceRepo) Get(ctx context.Context, id domain.Hash) (domain.Resource, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+resourceColumns+` FROM resources WHERE id = $1`, id.Hex())
	res, err := scanResource(row)
	if err != nil {
		return domain.Resource{}, mapError(err, fmt.Sprintf("resource %s", id))
	}
	return res, nil
}

func (r resourceRepo) Update(ctx context.Context, res domain.Resource) error {
	const updateSQL = `
UPDATE resources SET owner = $2, creator = $3, royalty_ppm = $4, url = $5, registered_at = $6
WHERE id = $1`
	tag, err := r.tx.Exec(ctx, updateSQL,
		res.ID.Hex(), string(res.Owner), string(res.Creator), int64(res.RoyaltyPPM), res.URL, int64(res.RegisteredAt))
	return requireRow(tag, err, fmt.Sprintf("resource %s", res.ID))
}

func (r resourceRepo) List(ctx context.Context, limit int) ([]domain.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources ORDER BY seq`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := r.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "resources")
	}
	defer rows.Close()

	out := []domain.Resource{}
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, mapError(err, "resources")
		}
		out = append(out, res)
	}
	return out, mapError(rows.Err(), "resources")
}

func (r resourceRepo) AddProvider(ctx context.Context, id domain.Hash, provider domain.Address) error {
	const insertSQL = `
INSERT INTO resource_providers (resource_id, provider) VALUES ($1, $2)
ON CONFLICT DO NOTHING`
	_, err := r.tx.Exec(ctx, insertSQL, id.Hex(), string(provider))
	return mapError(err, fmt.Sprintf("provider of resource %s", id))
}

func (r resourceRepo) IsProvider(ctx context.Context, id domain.Hash, provider domain.Address) (bool, error) {
	const existsSQL = `SELECT EXISTS (SELECT 1 FROM resource_providers WHERE resource_id = $1 AND provider = $2)`
	var ok bool
	if err := r.tx.QueryRow(ctx, existsSQL, id.Hex(), string(provider)).Scan(&ok); err != nil {
		return false, mapError(err, "resource providers")
	}
	return ok, nil
}

func scanResource(row pgx.Row) (domain.Resource, error) {
	var (
		id, owner, creator, url string
		royalty, registeredAt   int64
	)
	if err := row.Scan(&id, &owner, &creator, &royalty, &url, &registeredAt); err != nil {
		return domain.Resource{}, err
	}
	h, err := domain.ParseHash(id)
	if err != nil {
		return domain.Resource{}, err
	}
	return domain.Resource{
		ID:           h,
		Owner:        domain.Address(owner),
		Creator:      domain.Address(creator),
		RoyaltyPPM:   uint64(royalty),
		URL:          url,
		RegisteredAt: uint64(registeredAt),
	}, nil
}

type balanceRepo struct{ tx pgx.Tx }

func (r balanceRepo) Fungible(ctx context.Context, asset, holder domain.Address) (*big.Int, error) {
	const selectSQL = `SELECT amount::text FROM balances WHERE asset = $1 AND holder = $2`
	return r.amount(ctx, selectSQL, string(asset), string(holder))
}

func (r balanceRepo) SetFungible(ctx context.Context, asset, holder domain.Address, amount *big.Int) error {
	const upsertSQL = `
INSERT INTO balances (asset, holder, amount) VALUES ($1, $2, $3::numeric)
ON CONFLICT (asset, holder) DO UPDATE SET amount = EXCLUDED.amount`
	_, err := r.tx.Exec(ctx, upsertSQL, string(asset), string(holder), numeric(amount))
	return mapError(err, fmt.Sprintf("balance of %s in %s", holder, asset))
}

func (r balanceRepo) NFT(ctx context.Context, contract domain.Address, tokenID domain.Hash, holder domain.Address) (*big.Int, error) {
	const selectSQL = `SELECT amount::text FROM nft_balances WHERE contract = $1 AND token_id = $2 AND holder = $3`
	return r.amount(ctx, selectSQL, string(contract), tokenID.Hex(), string(holder))
}

func (r balanceRepo) SetNFT(ctx context.Context, contract domain.Address, tokenID domain.Hash, holder domain.Address, amount *big.Int) error {
	const upsertSQL = `
INSERT INTO nft_balances (contract, token_id, holder, amount) VALUES ($1, $2, $3, $4::numeric)
ON CONFLICT (contract, token_id, holder) DO UPDATE SET amount = EXCLUDED.amount`
	_, err := r.tx.Exec(ctx, upsertSQL, string(contract), tokenID.Hex(), string(holder), numeric(amount))
	return mapError(err, fmt.Sprintf("nft balance of %s", holder))
}

func (r balanceRepo) Operator(ctx context.Context, contract, holder, operator domain.Address) (bool, error) {
	const selectSQL = `SELECT EXISTS (SELECT 1 FROM nft_operators WHERE contract = $1 AND holder = $2 AND operator = $3)`
	var ok bool
	if err := r.tx.QueryRow(ctx, selectSQL, string(contract), string(holder), string(operator)).Scan(&ok); err != nil {
		return false, mapError(err, "nft operator")
	}
	return ok, nil
}

func (r balanceRepo) SetOperator(ctx context.Context, contract, holder, operator domain.Address, approved bool) error {
	const (
		insertSQL = `INSERT INTO nft_operators (contract, holder, operator) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`
		deleteSQL = `DELETE FROM nft_operators WHERE contract = $1 AND holder = $2 AND operator = $3`
	)
	query := deleteSQL
	if approved {
		query = insertSQL
	}
	_, err := r.tx.Exec(ctx, query, string(contract), string(holder), string(operator))
	return mapError(err, fmt.Sprintf("nft operator %s for %s", operator, holder))
}

// amount reads a single numeric column; a missing row is zero.
func (r balanceRepo) amount(ctx context.Context, query string, args ...any) (*big.Int, error) {
	var raw string
	err := r.tx.QueryRow(ctx, query, args...).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, mapError(err, "balance")
	}
	return parseNumeric(raw)
}

type lockRepo struct{ tx pgx.Tx }

const lockColumns = `condition_id, agreement_id, escrow, asset, payer, amount::text, released, released_by, released_at`

func (r lockRepo) Insert(ctx context.Context, l domain.Lock) error {
	const insertSQL = `
INSERT INTO locks (condition_id, agreement_id, escrow, asset, payer, amount, released, released_by, released_at)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9)
ON CONFLICT (condition_id) DO NOTHING`
	tag, err := r.tx.Exec(ctx, insertSQL,
		l.ConditionID.Hex(), l.AgreementID.Hex(), string(l.Escrow), string(l.Asset), string(l.Payer),
		numeric(l.Amount), l.Released, string(l.ReleasedBy), int64(l.ReleasedAt))
	return inserted(tag, err, fmt.Sprintf("lock %s", l.ConditionID))
}

func (r lockRepo) Get(ctx context.Context, conditionID domain.Hash) (domain.Lock, error) {
	var (
		cid, aid, escrow, asset, payer, amount, releasedBy string
		released                                           bool
		releasedAt                                         int64
	)
	err := r.tx.QueryRow(ctx, `SELECT `+lockColumns+` FROM locks WHERE condition_id = $1`, conditionID.Hex()).
		Scan(&cid, &aid, &escrow, &asset, &payer, &amount, &released, &releasedBy, &releasedAt)
	if err != nil {
		return domain.Lock{}, mapError(err, fmt.Sprintf("lock %s", conditionID))
	}
	l := domain.Lock{
		Escrow:     domain.Address(escrow),
		Asset:      domain.Address(asset),
		Payer:      domain.Address(payer),
		Released:   released,
		ReleasedBy: domain.Address(releasedBy),
		ReleasedAt: uint64(releasedAt),
	}
	if l.ConditionID, err = domain.ParseHash(cid); err != nil {
		return domain.Lock{}, err
	}
	if l.AgreementID, err = domain.ParseHash(aid); err != nil {
		return domain.Lock{}, err
	}
	if l.Amount, err = parseNumeric(amount); err != nil {
		return domain.Lock{}, err
	}
	return l, nil
}

func (r lockRepo) Update(ctx context.Context, l domain.Lock) error {
	const updateSQL = `
UPDATE locks
SET agreement_id = $2, escrow = $3, asset = $4, payer = $5, amount = $6::numeric,
    released = $7, released_by = $8, released_at = $9
WHERE condition_id = $1`
	tag, err := r.tx.Exec(ctx, updateSQL,
		l.ConditionID.Hex(), l.AgreementID.Hex(), string(l.Escrow), string(l.Asset), string(l.Payer),
		numeric(l.Amount), l.Released, string(l.ReleasedBy), int64(l.ReleasedAt))
	return requireRow(tag, err, fmt.Sprintf("lock %s", l.ConditionID))
}

func (r lockRepo) Unreleased(ctx context.Context, escrow, asset domain.Address) (*big.Int, error) {
	const sumSQL = `
SELECT COALESCE(SUM(amount), 0)::text FROM locks
WHERE escrow = $1 AND asset = $2 AND NOT released`
	var raw string
	if err := r.tx.QueryRow(ctx, sumSQL, string(escrow), string(asset)).Scan(&raw); err != nil {
		return nil, mapError(err, "unreleased locks")
	}
	return parseNumeric(raw)
}

type permissionRepo struct{ tx pgx.Tx }

func (r permissionRepo) Grant(ctx context.Context, p domain.Permission) error {
	const upsertSQL = `
INSERT INTO permissions (resource_id, grantee, agreement_id, granted_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (resource_id, grantee) DO UPDATE
SET agreement_id = EXCLUDED.agreement_id, granted_at = EXCLUDED.granted_at`
	_, err := r.tx.Exec(ctx, upsertSQL, p.ResourceID.Hex(), string(p.Grantee), p.AgreementID.Hex(), int64(p.GrantedAt))
	return mapError(err, "permission")
}

func (r permissionRepo) Has(ctx context.Context, resourceID domain.Hash, grantee domain.Address) (bool, error) {
	const existsSQL = `SELECT EXISTS (SELECT 1 FROM permissions WHERE resource_id = $1 AND grantee = $2)`
	var ok bool
	if err := r.tx.QueryRow(ctx, existsSQL, resourceID.Hex(), string(grantee)).Scan(&ok); err != nil {
		return false, mapError(err, "permission")
	}
	return ok, nil
}

type executionRepo struct{ tx pgx.Tx }

func (r executionRepo) Record(ctx context.Context, e domain.Execution) error {
	const upsertSQL = `
INSERT INTO executions (resource_id, consumer, agreement_id, triggered_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (resource_id, consumer) DO UPDATE
SET agreement_id = EXCLUDED.agreement_id, triggered_at = EXCLUDED.triggered_at`
	_, err := r.tx.Exec(ctx, upsertSQL, e.ResourceID.Hex(), string(e.Consumer), e.AgreementID.Hex(), int64(e.TriggeredAt))
	return mapError(err, "execution")
}

func (r executionRepo) Was(ctx context.Context, resourceID domain.Hash, consumer domain.Address) (bool, error) {
	const existsSQL = `SELECT EXISTS (SELECT 1 FROM executions WHERE resource_id = $1 AND consumer = $2)`
	var ok bool
	if err := r.tx.QueryRow(ctx, existsSQL, resourceID.Hex(), string(consumer)).Scan(&ok); err != nil {
		return false, mapError(err, "execution")
	}
	return ok, nil
}

type eventRepo struct{ tx pgx.Tx }

const eventColumns = `seq, type, agreement_id, condition_id, actor, payload, recorded_at`

func (r eventRepo) Append(ctx context.Context, e domain.Event) (int64, error) {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("pgstore: marshal event payload: %w", err)
	}

	const insertSQL = `
INSERT INTO events (type, agreement_id, condition_id, actor, payload, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING seq`
	var seq int64
	err = r.tx.QueryRow(ctx, insertSQL,
		string(e.Type), nullableHash(e.AgreementID), nullableHash(e.ConditionID), string(e.Actor), payloadBytes, int64(e.RecordedAt)).
		Scan(&seq)
	if err != nil {
		return 0, mapError(err, "event")
	}
	return seq, nil
}

func (r eventRepo) ListByAgreement(ctx context.Context, agreementID domain.Hash) ([]domain.Event, error) {
	return r.list(ctx, `SELECT `+eventColumns+` FROM events WHERE agreement_id IS NOT DISTINCT FROM $1 ORDER BY seq`, nullableHash(agreementID))
}

func (r eventRepo) ListByCondition(ctx context.Context, conditionID domain.Hash) ([]domain.Event, error) {
	return r.list(ctx, `SELECT `+eventColumns+` FROM events WHERE condition_id IS NOT DISTINCT FROM $1 ORDER BY seq`, nullableHash(conditionID))
}

func (r eventRepo) list(ctx context.Context, query string, arg any) ([]domain.Event, error) {
	rows, err := r.tx.Query(ctx, query, arg)
	if err != nil {
		return nil, mapError(err, "events")
	}
	defer rows.Close()

	out := []domain.Event{}
	for rows.Next() {
		var (
			e                        domain.Event
			typ, actor               string
			agreementID, conditionID *string
			payload                  []byte
			recordedAt               int64
		)
		if err := rows.Scan(&e.Seq, &typ, &agreementID, &conditionID, &actor, &payload, &recordedAt); err != nil {
			return nil, mapError(err, "events")
		}
		e.Type = domain.EventType(typ)
		e.Actor = domain.Address(actor)
		e.RecordedAt = uint64(recordedAt)
		if e.AgreementID, err = parseNullableHash(agreementID); err != nil {
			return nil, err
		}
		if e.ConditionID, err = parseNullableHash(conditionID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("pgstore: decode event %d payload: %w", e.Seq, err)
		}
		out = append(out, e)
	}
	return out, mapError(rows.Err(), "events")
}

type outboxRepo struct{ tx pgx.Tx }

func (r outboxRepo) Enqueue(ctx context.Context, m domain.OutboxMessage) error {
	if m.ID == "" {
		return fmt.Errorf("pgstore: outbox message id required")
	}
	if m.Status == "" {
		m.Status = domain.OutboxPending
	}
	payload := m.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pgstore: marshal outbox payload: %w", err)
	}

	const insertSQL = `
INSERT INTO outbox (id, topic, payload, status, attempts)
VALUES ($1, $2, $3, $4, $5)`
	_, err = r.tx.Exec(ctx, insertSQL, m.ID, m.Topic, payloadBytes, string(m.Status), m.Attempts)
	return mapError(err, fmt.Sprintf("outbox message %s", m.ID))
}

func (r outboxRepo) Pending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	query := `SELECT id, topic, payload, status, attempts FROM outbox WHERE status = 'pending' ORDER BY seq`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := r.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "outbox")
	}
	defer rows.Close()

	out := []domain.OutboxMessage{}
	for rows.Next() {
		var (
			m       domain.OutboxMessage
			status  string
			payload []byte
		)
		if err := rows.Scan(&m.ID, &m.Topic, &payload, &status, &m.Attempts); err != nil {
			return nil, mapError(err, "outbox")
		}
		m.Status = domain.OutboxStatus(status)
		if err := json.Unmarshal(payload, &m.Payload); err != nil {
			return nil, fmt.Errorf("pgstore: decode outbox %s payload: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, mapError(rows.Err(), "outbox")
}

func (r outboxRepo) MarkProcessed(ctx context.Context, id string) error {
	const updateSQL = `UPDATE outbox SET status = 'processed', last_attempt = now() WHERE id = $1`
	tag, err := r.tx.Exec(ctx, updateSQL, id)
	return requireRow(tag, err, fmt.Sprintf("outbox message %s", id))
}

func (r outboxRepo) MarkFailed(ctx context.Context, id string, maxAttempts int) error {
	const updateSQL = `
UPDATE outbox
SET attempts = attempts + 1,
    last_attempt = now(),
    status = CASE WHEN $2 > 0 AND attempts + 1 >= $2 THEN 'dead' ELSE status END
WHERE id = $1`
	tag, err := r.tx.Exec(ctx, updateSQL, id, maxAttempts)
	return requireRow(tag, err, fmt.Sprintf("outbox message %s", id))
}

type roleRepo struct{ tx pgx.Tx }

func (r roleRepo) Get(ctx context.Context, name string) (domain.Address, bool, error) {
	var holder string
	err := r.tx.QueryRow(ctx, `SELECT holder FROM roles WHERE name = $1`, name).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapError(err, "role "+name)
	}
	return domain.Address(holder), true, nil
}

func (r roleRepo) Set(ctx context.Context, name string, holder domain.Address) error {
	const upsertSQL = `
INSERT INTO roles (name, holder) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET holder = EXCLUDED.holder`
	_, err := r.tx.Exec(ctx, upsertSQL, name, string(holder))
	return mapError(err, "role "+name)
}
