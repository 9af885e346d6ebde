package store

import (
	"context"
	"errors"
)

// Lookup errors. Callers distinguish "not found" from infrastructure failures
// with errors.Is.
var (
	ErrVirtualKeyNotFound    = errors.New("store: virtual key not found")
	ErrModelNotFound         = errors.New("store: model not found")
	ErrProviderNotFound      = errors.New("store: provider not found")
	ErrRoutingConfigNotFound = errors.New("store: routing config not found")
	ErrExpertRoutingNotFound = errors.New("store: expert routing config not found")
	ErrInvalidRoutingConfig  = errors.New("store: invalid routing config")
)

// Store is the read-only configuration lookup surface consumed by the proxy
// core. All methods return the dedicated not-found sentinel when no record
// matches.
type Store interface {
	// VirtualKeyByHash looks up a virtual key by the SHA-256 hex hash of its
	// opaque key value.
	VirtualKeyByHash(ctx context.Context, hash string) (*VirtualKey, error)

	ModelByID(ctx context.Context, id string) (*Model, error)
	ProviderByID(ctx context.Context, id string) (*Provider, error)
	RoutingConfigByID(ctx context.Context, id string) (*RoutingConfig, error)
	ExpertRoutingConfigByID(ctx context.Context, id string) (*ExpertRoutingConfig, error)
}
