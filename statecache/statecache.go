// Package statecache stores short-lived OAuth authorization state. Entries
// expire server-side after their TTL; consumers still re-check age on read.
package statecache

import (
	"context"
	"errors"
	"time"

	"github.com/Vantage/vantage-books-sync/models"
)

var (
	// ErrNotFound means no entry exists for the state token. The entry may
	// have expired, been consumed, or never existed.
	ErrNotFound = errors.New("authorization state not found")

	// ErrUnavailable wraps backend failures. Callers must propagate it: a
	// silently lost state makes the later callback impossible to validate.
	ErrUnavailable = errors.New("state cache unavailable")
)

// Cache is the TTL store for in-flight authorization context.
type Cache interface {
	PutState(ctx context.Context, st models.AuthorizationState, ttl time.Duration) error
	GetState(ctx context.Context, state string) (models.AuthorizationState, error)
	DeleteState(ctx context.Context, state string) error
}
