package chainrpc

import (
	"crypto/ecdsa"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/chainhooks/relayer/internal/txtemplate"
)

// Command is the tagged union of requests a Chain Worker accepts on its
// command channel.
type Command interface {
	isCommand()
}

// SubscribeCommand installs a log filter for user on the given addresses
// and event signatures.
type SubscribeCommand struct {
	User      common.Address
	Addresses []common.Address
	Events    []string
}

func (SubscribeCommand) isCommand() {}

// RevokeCommand tears down a previously installed subscription.
type RevokeCommand struct {
	User           common.Address
	SubscriptionID string
}

func (RevokeCommand) isCommand() {}

// SubmitTxCommand asks the worker to sign and submit tx on behalf of User,
// recording the eventual receipt on Sink. Delivery is fire-and-forget: the
// worker does not reply on this command's channel.
type SubmitTxCommand struct {
	User   common.Address
	Signer *ecdsa.PrivateKey
	Tx     *txtemplate.TxRequest
	Sink   UpdateSink
}

func (SubmitTxCommand) isCommand() {}

// workCmd pairs a Command with its one-shot reply channel. Reply is nil
// for SubmitTxCommand, which never replies.
type workCmd struct {
	Command Command
	Reply   chan Result
}

// Result is a Chain Worker's reply to a Subscribe or Revoke command.
type Result struct {
	Success bool
	Message string
	Err     error
}

// UserUpdate is an entry appended to a user's update log on a confirmed
// transaction receipt.
type UserUpdate struct {
	Timestamp int64
	TxHash    common.Hash
	Receipt   json.RawMessage
}

// UpdateSink receives UserUpdate entries from a Chain Worker's detached
// submission goroutines. internal/relayer.Handler implements this so that
// chainrpc never needs to import relayer.
type UpdateSink interface {
	Append(user common.Address, update UserUpdate)
}

// UserLog is a log tagged with the subscription and user it was delivered
// for, pushed onto the shared channel every Chain Worker fans into.
type UserLog struct {
	User           common.Address
	SubscriptionID string
	Log            types.Log
}
