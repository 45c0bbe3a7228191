package auth

import (
	"time"

	"escrowflow/domain"
)

type Role string

const (
	RoleActor      Role = "actor"
	RoleGovernance Role = "governance"
)

// Principal is an authenticated engine participant. Address is the identity
// every engine operation sees as caller.
type Principal struct {
	ID           string
	Address      domain.Address
	DisplayName  string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
}

// RegisterRequest contains principal registration data supplied by callers.
type RegisterRequest struct {
	Address     string `json:"address"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

// LoginRequest contains principal login credentials.
type LoginRequest struct {
	Address  string `json:"address"`
	Password string `json:"password"`
}

// Claims are what a verified token asserts.
type Claims struct {
	PrincipalID string
	Address     domain.Address
	Role        Role
}
