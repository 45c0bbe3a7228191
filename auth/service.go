package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"escrowflow/domain"
)

const DefaultTokenTTL = 24 * time.Hour

var (
	// ErrInvalidCredentials signals wrong address or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrGovernanceReserved signals an attempt to claim the governance role
	// for an address other than the configured governance principal.
	ErrGovernanceReserved = errors.New("auth: governance role is reserved")
	// ErrReservedAddress signals an attempt to register an engine principal.
	ErrReservedAddress = errors.New("auth: address is reserved")
	// ErrInvalidRequest signals a malformed registration.
	ErrInvalidRequest = errors.New("auth: invalid request")
)

// Service handles authentication business logic.
type Service struct {
	repo       Repository
	jwtSecret  []byte
	governance domain.Address
	reserved   func(domain.Address) bool
	tokenTTL   time.Duration
	now        func() time.Time
}

// LoginResult bundles the token and principal returned after a successful login.
type LoginResult struct {
	Token     string
	Principal Principal
}

// NewService creates an authentication service. Only governance may hold
// the governance role.
func NewService(repo Repository, jwtSecret string, governance domain.Address) *Service {
	return &Service{
		repo:       repo,
		jwtSecret:  []byte(jwtSecret),
		governance: governance,
		reserved:   func(domain.Address) bool { return false },
		tokenTTL:   DefaultTokenTTL,
		now:        time.Now,
	}
}

// WithReserved refuses registration of addresses the engine acts as.
func (s *Service) WithReserved(reserved func(domain.Address) bool) *Service {
	s.reserved = reserved
	return s
}

func (s *Service) WithTokenTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.tokenTTL = ttl
	}
	return s
}

// Register creates a principal.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Principal, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	address := domain.Address(strings.TrimSpace(req.Address))
	if address.IsZero() {
		return nil, fmt.Errorf("%w: address is required", ErrInvalidRequest)
	}
	if s.reserved(address) {
		return nil, ErrReservedAddress
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleActor
	}
	if !isValidRole(role) {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidRequest, role)
	}
	if role == RoleGovernance && address != s.governance {
		return nil, ErrGovernanceReserved
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	p, err := s.repo.CreatePrincipal(ctx, CreatePrincipalParams{
		Address:      address,
		DisplayName:  strings.TrimSpace(req.DisplayName),
		PasswordHash: string(passwordHash),
		Role:         role,
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Login authenticates a principal and returns a JWT.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	p, err := s.repo.GetByAddress(ctx, domain.Address(strings.TrimSpace(req.Address)))
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.generateToken(p)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}
	return LoginResult{Token: token, Principal: p}, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*Principal, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// VerifyToken validates a JWT and returns its claims.
func (s *Service) VerifyToken(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Claims{}, fmt.Errorf("auth: parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, fmt.Errorf("auth: invalid token")
	}
	id, ok := claims["sub"].(string)
	if !ok {
		return Claims{}, fmt.Errorf("auth: invalid subject in token")
	}
	address, ok := claims["address"].(string)
	if !ok || address == "" {
		return Claims{}, fmt.Errorf("auth: invalid address in token")
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return Claims{}, fmt.Errorf("auth: invalid role in token")
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return Claims{}, fmt.Errorf("auth: invalid role %q in token", roleStr)
	}
	return Claims{PrincipalID: id, Address: domain.Address(address), Role: role}, nil
}

func (s *Service) generateToken(p Principal) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"sub":     p.ID,
		"address": p.Address.String(),
		"role":    string(p.Role),
		"exp":     now.Add(s.tokenTTL).Unix(),
		"iat":     now.Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

func isValidRole(role Role) bool {
	switch role {
	case RoleActor, RoleGovernance:
		return true
	default:
		return false
	}
}
