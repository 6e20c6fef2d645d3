// Package store provides durable persistence for application ownership,
// prompt history and per-user message limits.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/buildrelay/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Repository defines the interface for persisting applications and prompts.
type Repository interface {
	// ClaimApplication records ownerID as the owner of a new application.
	ClaimApplication(ctx context.Context, applicationID, ownerID string) error

	// ApplicationOwner returns the owner of applicationID, or ErrNotFound.
	ApplicationOwner(ctx context.Context, applicationID string) (string, error)

	// RecordPrompt appends a prompt to the application's history.
	RecordPrompt(ctx context.Context, prompt *domain.Prompt) error

	// ListPrompts returns the prompt history of an application, oldest first.
	ListPrompts(ctx context.Context, applicationID string) ([]domain.Prompt, error)

	// CountUserPrompts counts user-authored prompts of userID created in [from, to).
	CountUserPrompts(ctx context.Context, userID string, from, to time.Time) (int, error)

	// CustomLimit returns the per-user daily limit override, if configured.
	CustomLimit(ctx context.Context, userID string) (int, bool, error)

	// SetCustomLimit creates or replaces a per-user daily limit override.
	SetCustomLimit(ctx context.Context, userID string, limit int) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
