package relayer

import "errors"

// ErrInvalidAddress is returned when a caller-supplied address string does
// not parse as a 20-byte hex address.
var ErrInvalidAddress = errors.New("invalid address")

// ErrAlreadyRegistered is returned by Register when the user already has a
// relayer key.
var ErrAlreadyRegistered = errors.New("already registered")

// ErrNotAuthenticated is returned by the front-end adapter when signature
// verification fails; kept here so the whole error taxonomy lives in one
// place for callers that only import relayer.
var ErrNotAuthenticated = errors.New("not authenticated")

// ErrNotFound is returned by GetRelayerInfo for an unregistered user.
var ErrNotFound = errors.New("relayer not found")

// ErrNoSubscriptionFound is returned by RevokeSubscription when the
// subscription id is not owned by any known action template.
var ErrNoSubscriptionFound = errors.New("no subscription found")

// ErrInvalidTransactionRequest is returned by the handler's event loop for
// a command type it does not recognise.
var ErrInvalidTransactionRequest = errors.New("invalid transaction request")
