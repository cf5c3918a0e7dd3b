// Package users resolves member identities for the ledger. Membership itself
// is managed elsewhere; this package only answers existence and name lookups.
package users

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"loyalty-backend/apperr"
)

// Directory is the user directory collaborator.
type Directory interface {
	Exists(ctx context.Context, userID uuid.UUID) (bool, error)
	DisplayName(ctx context.Context, userID uuid.UUID) (string, error)
}

// ProfileDirectory reads the profiles table.
type ProfileDirectory struct {
	db *pgxpool.Pool
}

func NewProfileDirectory(db *pgxpool.Pool) *ProfileDirectory {
	return &ProfileDirectory{db: db}
}

func (d *ProfileDirectory) Exists(ctx context.Context, userID uuid.UUID) (bool, error) {
	var exists bool
	err := d.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM profiles WHERE id = $1)", userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check profile existence: %w", err)
	}
	return exists, nil
}

func (d *ProfileDirectory) DisplayName(ctx context.Context, userID uuid.UUID) (string, error) {
	var name *string
	err := d.db.QueryRow(ctx, "SELECT name FROM profiles WHERE id = $1", userID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperr.NotFound("user %s not found", userID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get profile name: %w", err)
	}
	if name == nil {
		return "", nil
	}
	return *name, nil
}

// Static is an in-memory directory used by tests and the memory store driver.
type Static struct {
	mu    sync.RWMutex
	names map[uuid.UUID]string
}

func NewStatic() *Static {
	return &Static{names: make(map[uuid.UUID]string)}
}

// Add registers a user and returns its id for convenience.
func (s *Static) Add(id uuid.UUID, name string) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[id] = name
	return id
}

func (s *Static) Exists(_ context.Context, userID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.names[userID]
	return ok, nil
}

func (s *Static) DisplayName(_ context.Context, userID uuid.UUID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.names[userID]
	if !ok {
		return "", apperr.NotFound("user %s not found", userID)
	}
	return name, nil
}

// Require returns a NotFound error when the user does not exist.
func Require(ctx context.Context, d Directory, userID uuid.UUID) error {
	ok, err := d.Exists(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("user %s not found", userID)
	}
	return nil
}
