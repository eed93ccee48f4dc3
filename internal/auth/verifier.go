package auth

import (
	"context"
	"fmt"
)

// DirectoryClient talks to the external user directory. Implementations must be
// safe to call when disabled: they then report false or empty values and no error.
type DirectoryClient interface {
	Enabled() bool
	DefaultRoleName() string
	Authenticate(ctx context.Context, username, password string) (bool, error)
	Email(ctx context.Context, username string) (string, error)
	DisplayName(ctx context.Context, username string) (string, error)
	UserExists(ctx context.Context, username string) (bool, error)
}

type noDirectory struct{}

func (noDirectory) Enabled() bool           { return false }
func (noDirectory) DefaultRoleName() string { return "" }
func (noDirectory) Authenticate(context.Context, string, string) (bool, error) {
	return false, nil
}
func (noDirectory) Email(context.Context, string) (string, error)       { return "", nil }
func (noDirectory) DisplayName(context.Context, string) (string, error) { return "", nil }
func (noDirectory) UserExists(context.Context, string) (bool, error)    { return false, nil }

// CredentialVerifier checks a password for a user record.
type CredentialVerifier interface {
	Verify(ctx context.Context, user *User, password string) error
}

// LocalVerifier checks the stored password hash.
type LocalVerifier struct {
	Hasher PasswordHasher
}

func (v LocalVerifier) Verify(_ context.Context, user *User, password string) error {
	if err := v.Hasher.Verify(user.PasswordHash, password); err != nil {
		return fmt.Errorf("%w: password mismatch", ErrInvalidCredentials)
	}
	return nil
}

// DirectoryVerifier delegates the check to the directory. The local hash of a
// directory user is never consulted.
type DirectoryVerifier struct {
	Directory DirectoryClient
}

func (v DirectoryVerifier) Verify(ctx context.Context, user *User, password string) error {
	if !v.Directory.Enabled() {
		return fmt.Errorf("%w: directory disabled", ErrInvalidCredentials)
	}
	ok, err := v.Directory.Authenticate(ctx, user.Username, password)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: directory rejected credentials", ErrInvalidCredentials)
	}
	return nil
}
