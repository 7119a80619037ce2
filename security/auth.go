package security

import (
	"context"
	"errors"
)

var (
	// ErrAuthenticationCancelled is returned by an Authenticator when the user
	// dismisses the prompt.
	ErrAuthenticationCancelled = errors.New("security: authentication cancelled")
	// ErrAuthenticationUnavailable is returned when no biometric or passcode
	// verifier is enrolled on the device.
	ErrAuthenticationUnavailable = errors.New("security: authentication unavailable")
)

// Authenticator verifies the user before a gated vault entry is released.
// Platform bindings (biometric prompt, passcode sheet) implement it.
type Authenticator interface {
	Available(ctx context.Context) error
	Authenticate(ctx context.Context, prompt string) error
}

// AuthenticatorFunc adapts a function into an Authenticator that is always
// available.
type AuthenticatorFunc func(ctx context.Context, prompt string) error

func (f AuthenticatorFunc) Available(context.Context) error {
	if f == nil {
		return ErrAuthenticationUnavailable
	}
	return nil
}

func (f AuthenticatorFunc) Authenticate(ctx context.Context, prompt string) error {
	if f == nil {
		return ErrAuthenticationUnavailable
	}
	return f(ctx, prompt)
}

// StaticAuthenticator returns a fixed outcome. Useful for headless hosts and
// tests.
type StaticAuthenticator struct {
	Err error
}

func (a StaticAuthenticator) Available(context.Context) error {
	if errors.Is(a.Err, ErrAuthenticationUnavailable) {
		return a.Err
	}
	return nil
}

func (a StaticAuthenticator) Authenticate(ctx context.Context, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.Err
}
