package models

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID             uuid.UUID
	CreatedAt      time.Time
	Username       string
	Email          string // empty if user has no email
	HashedPassword string
	Roles          []string

	// Incremented to invalidate every token issued before
	TokenVersion int
}
