package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/domain"
)

var (
	// ErrPrincipalNotFound signals that the principal does not exist.
	ErrPrincipalNotFound = errors.New("auth: principal not found")
	// ErrDuplicateAddress signals that the address is already registered.
	ErrDuplicateAddress = errors.New("auth: address already registered")
)

// Repository handles principal persistence.
type Repository interface {
	CreatePrincipal(ctx context.Context, params CreatePrincipalParams) (Principal, error)
	GetByAddress(ctx context.Context, address domain.Address) (Principal, error)
	GetByID(ctx context.Context, id string) (Principal, error)
}

// CreatePrincipalParams contains write parameters for creating principals.
type CreatePrincipalParams struct {
	Address      domain.Address
	DisplayName  string
	PasswordHash string
	Role         Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const principalColumns = `id, address, display_name, password_hash, role, created_at`

func (r *PGRepository) CreatePrincipal(ctx context.Context, params CreatePrincipalParams) (Principal, error) {
	const insertSQL = `
		INSERT INTO principals (id, address, display_name, password_hash, role)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + principalColumns

	p, err := scanPrincipal(r.pool.QueryRow(ctx, insertSQL,
		uuid.NewString(), params.Address, params.DisplayName, params.PasswordHash, params.Role))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Principal{}, ErrDuplicateAddress
		}
		return Principal{}, fmt.Errorf("auth: create principal: %w", err)
	}
	return p, nil
}

func (r *PGRepository) GetByAddress(ctx context.Context, address domain.Address) (Principal, error) {
	const selectSQL = `SELECT ` + principalColumns + ` FROM principals WHERE address = $1`

	p, err := scanPrincipal(r.pool.QueryRow(ctx, selectSQL, address))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, ErrPrincipalNotFound
		}
		return Principal{}, fmt.Errorf("auth: get principal by address: %w", err)
	}
	return p, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Principal, error) {
	const selectSQL = `SELECT ` + principalColumns + ` FROM principals WHERE id = $1`

	p, err := scanPrincipal(r.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, ErrPrincipalNotFound
		}
		return Principal{}, fmt.Errorf("auth: get principal by id: %w", err)
	}
	return p, nil
}

func scanPrincipal(row pgx.Row) (Principal, error) {
	var (
		p       Principal
		address string
		role    string
	)
	if err := row.Scan(&p.ID, &address, &p.DisplayName, &p.PasswordHash, &role, &p.CreatedAt); err != nil {
		return Principal{}, err
	}
	p.Address = domain.Address(address)
	p.Role = Role(role)
	return p, nil
}

// MemoryRepository keeps principals in process for the in-memory engine.
type MemoryRepository struct {
	mu        sync.RWMutex
	byAddress map[domain.Address]Principal
	byID      map[string]Principal
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byAddress: make(map[domain.Address]Principal),
		byID:      make(map[string]Principal),
	}
}

func (r *MemoryRepository) CreatePrincipal(ctx context.Context, params CreatePrincipalParams) (Principal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byAddress[params.Address]; ok {
		return Principal{}, ErrDuplicateAddress
	}
	p := Principal{
		ID:           uuid.NewString(),
		Address:      params.Address,
		DisplayName:  params.DisplayName,
		PasswordHash: params.PasswordHash,
		Role:         params.Role,
		CreatedAt:    time.Now().UTC(),
	}
	r.byAddress[p.Address] = p
	r.byID[p.ID] = p
	return p, nil
}

func (r *MemoryRepository) GetByAddress(ctx context.Context, address domain.Address) (Principal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byAddress[address]
	if !ok {
		return Principal{}, ErrPrincipalNotFound
	}
	return p, nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (Principal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return Principal{}, ErrPrincipalNotFound
	}
	return p, nil
}
