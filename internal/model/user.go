package model

import "time"

type User struct {
	ID           string
	FullName     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Public is the user as returned to clients (no credentials).
type Public struct {
	ID        string    `json:"id"`
	FullName  string    `json:"fullName"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

func (u User) Public() Public {
	return Public{ID: u.ID, FullName: u.FullName, Email: u.Email, CreatedAt: u.CreatedAt}
}

func (u User) Ref() UserRef { return UserRef{ID: u.ID, FullName: u.FullName} }

// Identity is the authenticated caller as established by the auth layer.
type Identity struct {
	UserID   string
	FullName string
}
