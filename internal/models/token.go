package models

import (
	"time"

	"github.com/google/uuid"
)

type RefreshToken struct {
	ID     uuid.UUID
	Token  string
	JwtID  string // jti of the access token issued together with this one
	UserID uuid.UUID

	// All tokens rotated from the same login share a family
	FamilyID uuid.UUID

	CreatedAt time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time // nil if token not used
	RevokedAt *time.Time // nil if token not revoked
}

func (t RefreshToken) IsUsed() bool {
	return t.UsedAt != nil
}

func (t RefreshToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

// Expiration is inclusive: token expiring exactly at 'now' is expired
func (t RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

type IssuedToken struct {
	Value     string
	ExpiresAt time.Time
}

// Token pair issues by TokenManager, AuthService
type TokenPair struct {
	Access  IssuedToken
	Refresh IssuedToken
}
