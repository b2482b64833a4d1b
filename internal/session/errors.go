package session

import "errors"

var (
	// ErrInvalidCredentials is returned by Login when the API rejects the email/password pair.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrEmailTaken is returned by Register when the email is already registered.
	ErrEmailTaken = errors.New("email already registered")
	// ErrValidation is returned by Register for malformed input, locally or from the API.
	ErrValidation = errors.New("validation failed")
	// ErrSessionExpired means the token refresh was exhausted; the session is gone.
	ErrSessionExpired = errors.New("session expired")
	// ErrNotAuthenticated is returned when an operation needs a session and none is held.
	ErrNotAuthenticated = errors.New("not authenticated")
)
