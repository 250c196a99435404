package interfaces

import "context"

// SecretStore is the external escrow for protector material. Stamping a
// protector means durably storing it here before destructive encryption is
// allowed to proceed.
type SecretStore interface {
	// PutSecret durably stores data under name, overwriting any previous
	// value.
	PutSecret(ctx context.Context, name string, data []byte) error

	// GetSecret retrieves the secret, or ErrSecretNotFound.
	GetSecret(ctx context.Context, name string) ([]byte, error)

	// DeleteSecret removes the secret. Deleting an absent secret is not an
	// error.
	DeleteSecret(ctx context.Context, name string) error

	// Available reports whether the store is reachable.
	Available(ctx context.Context) bool

	// LocationURI returns the URI the store was constructed from, for
	// logging.
	LocationURI() string
}
