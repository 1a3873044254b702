package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Expense represents a financial expense record owned by a single user.
type Expense struct {
	ID          int64           `json:"id"`
	UserID      string          `json:"user_id"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category"`
	Date        time.Time       `json:"date"`
	// Version is bumped by every successful update and guards concurrent edits.
	Version int64 `json:"version"`
}

// OwnedBy reports whether the expense belongs to the given user.
func (e *Expense) OwnedBy(userID string) bool {
	return userID != "" && e.UserID == userID
}

// User represents a user account.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session represents a user session.
type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}
