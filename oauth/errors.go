package oauth

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState means the CSRF state is unknown or already consumed.
	// Never retried: the exchange attempt is dead.
	ErrInvalidState = errors.New("invalid or unknown authorization state")

	// ErrExpiredState means the state outlived the authorization window. The
	// age check runs even though the cache expires entries itself.
	ErrExpiredState = errors.New("authorization state expired")

	// ErrNoActiveConnection means the organization has no active connection
	// matching the request.
	ErrNoActiveConnection = errors.New("no active connection")

	// ErrDependency wraps state-cache or credential-store unavailability.
	// Always propagated: losing this path silently would corrupt auth state.
	ErrDependency = errors.New("auth dependency unavailable")
)

// ProviderError carries an upstream OAuth rejection verbatim so operators can
// diagnose it against Intuit's documentation.
type ProviderError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("oauth provider rejected request (%s): %s", e.Code, e.Description)
	}
	return fmt.Sprintf("oauth provider rejected request (%s), status %d", e.Code, e.StatusCode)
}

// IsInvalidGrant reports whether the provider declared the grant itself dead,
// meaning the connection cannot be refreshed again.
func (e *ProviderError) IsInvalidGrant() bool {
	return e.Code == "invalid_grant"
}
