package relayer

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainhooks/relayer/internal/chainrpc"
)

// Command is the tagged union of requests the Relayer Handler accepts on
// its command channel.
type Command interface {
	isCommand()
}

// RegisterCommand creates a fresh relayer key for User.
type RegisterCommand struct{ User common.Address }

func (RegisterCommand) isCommand() {}

// GetRelayerInfoCommand looks up the public address of User's relayer key.
type GetRelayerInfoCommand struct{ User common.Address }

func (GetRelayerInfoCommand) isCommand() {}

// DefineRelayerActionCommand binds an action template to a subscription id
// that a prior Subscribe already produced.
type DefineRelayerActionCommand struct {
	User           common.Address
	SubscriptionID string
	ChainID        int64
	Target         common.Address
	ABI            string
	Function       string
	Params         []string
}

func (DefineRelayerActionCommand) isCommand() {}

// RevokeSubscriptionCommand tears down a subscription and its template.
type RevokeSubscriptionCommand struct {
	User           common.Address
	SubscriptionID string
}

func (RevokeSubscriptionCommand) isCommand() {}

// GetLogsCommand drains User's update log. Since, if non-nil, filters the
// returned entries to those with timestamp >= *Since; the log is cleared
// in full either way.
type GetLogsCommand struct {
	User  common.Address
	Since *int64
}

func (GetLogsCommand) isCommand() {}

// handlerCmd pairs a Command with its one-shot reply channel.
type handlerCmd struct {
	Command Command
	Reply   chan Result
}

// Result is the Relayer Handler's reply to a Command.
type Result struct {
	Success bool
	Address common.Address
	Updates []chainrpc.UserUpdate
	Err     error
}

// Registry is the subset of chainrpc.Registry the Relayer Handler needs,
// narrowed to an interface so tests can substitute a fake without starting
// real chain workers.
type Registry interface {
	EnsureActive(ctx context.Context, chainID int64, initial chainrpc.SubscribeCommand) (string, error)
	Send(chainID int64, cmd chainrpc.Command, reply chan chainrpc.Result) error
}

// AuditRecorder receives a best-effort copy of every UserUpdate appended to
// a user's log, for the optional write-behind audit sink. It is never
// consulted for correctness: its absence or failure never changes relayer
// behavior.
type AuditRecorder interface {
	Record(user common.Address, update chainrpc.UserUpdate)
}
