// Package secrets resolves ${secret:name} references in configuration values
// against environment variables and mounted secret files.
package secrets

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a provider has no value for a name.
var ErrNotFound = errors.New("secret not found")

// Provider looks up a secret by name.
type Provider interface {
	GetSecret(ctx context.Context, name string) (string, error)

	// Name identifies the provider in logs ("env", "file").
	Name() string
}
