package auth

import "errors"

var (
	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")
	ErrUnauthorized  = errors.New("auth: unauthorized")

	// ErrInvalidCredentials is the only authentication failure callers ever see.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountInactive    = errors.New("auth: account inactive")
	ErrTooManyAttempts    = errors.New("auth: too many attempts")

	// ErrDirectoryUnavailable surfaces as ErrInvalidCredentials at sign-in.
	ErrDirectoryUnavailable = errors.New("auth: directory unavailable")

	ErrInvalidToken  = errors.New("auth: invalid token")
	ErrTokenNotFound = errors.New("auth: token not found")
	ErrTokenExpired  = errors.New("auth: token expired")
	ErrTokenRevoked  = errors.New("auth: token revoked")

	ErrRoleNotFound             = errors.New("auth: role not found")
	ErrUserNotFound             = errors.New("auth: user not found")
	ErrDuplicateUsernameOrEmail = errors.New("auth: username or email already in use")
	ErrUnassignedRoleReference  = errors.New("auth: role does not exist")

	ErrAlreadyActivated           = errors.New("auth: account already activated")
	ErrInvalidOrExpiredActivation = errors.New("auth: invalid or expired activation")
)
