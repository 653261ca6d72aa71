// Package gateway defines the interface for network entry points.
package gateway

import "context"

// Gateway is a network-facing entry point such as the HTTP API.
type Gateway interface {
	// Start serves until the gateway exits or the context is canceled.
	// Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight requests should drain before returning.
	Stop(ctx context.Context) error
}
