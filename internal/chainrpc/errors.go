package chainrpc

import "errors"

// ErrChainNotSupported is returned when a command names a chain id the
// registry has no entry for.
var ErrChainNotSupported = errors.New("chain not supported")

// ErrChainHasNoRpcURL is returned by Registry.EnsureActive when the chain's
// entry has an empty RPC URL. Building the registry (NewRegistry,
// RegisterChain) never returns it.
var ErrChainHasNoRpcURL = errors.New("chain has no rpc url")

// ErrSubscriptionError is returned when installing a filter on the
// provider fails.
var ErrSubscriptionError = errors.New("subscription error")

// ErrNoSubscriptionFound is returned when revoking a subscription id the
// worker does not have active.
var ErrNoSubscriptionFound = errors.New("no subscription found")
