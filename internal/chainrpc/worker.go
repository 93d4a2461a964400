package chainrpc

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// receiptPollInterval and receiptPollAttempts bound how long a detached
// submission goroutine waits for a transaction receipt before giving up.
const (
	receiptPollInterval = 3 * time.Second
	receiptPollAttempts = 20
)

// subscription is one installed filter.
type subscription struct {
	id        string
	user      common.Address
	addresses []common.Address
	events    []string
	cancel    context.CancelFunc
}

type taggedLog struct {
	subID string
	log   types.Log
}

type subErr struct {
	subID string
	err   error
}

// Worker owns a single chain's WebSocket provider: it multiplexes an
// unbounded number of log subscriptions onto it and serializes outbound
// RPC requests (subscribe, unsubscribe, send transaction) through a single
// command loop.
type Worker struct {
	chainID  int64
	provider Provider
	cmds     <-chan workCmd
	logs     chan<- UserLog

	active map[string]*subscription
	byUser map[common.Address][]*subscription
	wallet map[common.Address]*ecdsa.PrivateKey

	logCh    chan taggedLog
	subErrCh chan subErr

	nextID uint64
}

// NewWorker dials wsURL, installs the filter for initial, and returns the
// worker plus the subscription id the worker assigned to that initial
// filter. The caller is responsible for starting the event loop with
// `go w.Run(ctx)`.
func NewWorker(ctx context.Context, chainID int64, wsURL string, initial SubscribeCommand, cmds <-chan workCmd, logs chan<- UserLog) (*Worker, string, error) {
	client, err := ethclient.DialContext(ctx, wsURL)
	if err != nil {
		return nil, "", fmt.Errorf("dial chain %d: %w", chainID, err)
	}

	w := &Worker{
		chainID:  chainID,
		provider: client,
		cmds:     cmds,
		logs:     logs,
		active:   make(map[string]*subscription),
		byUser:   make(map[common.Address][]*subscription),
		wallet:   make(map[common.Address]*ecdsa.PrivateKey),
		logCh:    make(chan taggedLog, 64),
		subErrCh: make(chan subErr, 8),
	}

	id, err := w.installFilter(ctx, initial)
	if err != nil {
		client.Close()
		return nil, "", err
	}
	return w, id, nil
}

// Run is the worker's single event loop. All mutation of the subscription
// maps happens here, so they need no lock.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Printf("[chainrpc chain=%d] context cancelled, stopping", w.chainID)
			return
		case wc := <-w.cmds:
			w.handleCommand(ctx, wc)
		case tl := <-w.logCh:
			w.handleLog(ctx, tl)
		case se := <-w.subErrCh:
			w.handleSubErr(se)
		}
	}
}

func (w *Worker) handleCommand(ctx context.Context, wc workCmd) {
	switch cmd := wc.Command.(type) {
	case SubscribeCommand:
		id, err := w.installFilter(ctx, cmd)
		if wc.Reply != nil {
			wc.Reply <- Result{Success: err == nil, Message: id, Err: err}
		}
	case RevokeCommand:
		err := w.revoke(cmd)
		if wc.Reply != nil {
			msg := ""
			if err == nil {
				msg = "removed"
			}
			wc.Reply <- Result{Success: err == nil, Message: msg, Err: err}
		}
	case SubmitTxCommand:
		signerAddr := crypto.PubkeyToAddress(cmd.Signer.PublicKey)
		if _, registered := w.wallet[signerAddr]; !registered {
			w.wallet[signerAddr] = cmd.Signer
		}
		go w.submitAndAwaitReceipt(ctx, cmd)
	default:
		if wc.Reply != nil {
			wc.Reply <- Result{Err: fmt.Errorf("chainrpc: unknown command %T", cmd)}
		}
	}
}

// installFilter hashes cmd's event signatures to topic0 values, installs
// the filter on the provider and indexes the resulting subscription.
func (w *Worker) installFilter(ctx context.Context, cmd SubscribeCommand) (string, error) {
	var topic0 []common.Hash
	for _, ev := range cmd.Events {
		topic0 = append(topic0, crypto.Keccak256Hash([]byte(ev)))
	}
	query := ethereum.FilterQuery{
		Addresses: cmd.Addresses,
		Topics:    [][]common.Hash{topic0},
	}

	ch := make(chan types.Log, 64)
	sub, err := w.provider.SubscribeFilterLogs(ctx, query, ch)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubscriptionError, err)
	}

	id := w.newSubscriptionID()
	subCtx, cancel := context.WithCancel(ctx)
	entry := &subscription{
		id:        id,
		user:      cmd.User,
		addresses: cmd.Addresses,
		events:    cmd.Events,
		cancel:    cancel,
	}
	w.active[id] = entry
	w.byUser[cmd.User] = append(w.byUser[cmd.User], entry)

	go w.pump(subCtx, id, ch, sub)

	log.Printf("[chainrpc chain=%d] installed subscription id=%s user=%s", w.chainID, id, cmd.User.Hex())
	return id, nil
}

// pump relays one subscription's logs onto the worker's shared fan-in
// channel until its context is cancelled or the subscription errors.
func (w *Worker) pump(ctx context.Context, id string, ch chan types.Log, sub ethereum.Subscription) {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case vLog := <-ch:
			select {
			case w.logCh <- taggedLog{subID: id, log: vLog}:
			case <-ctx.Done():
				return
			}
		case err := <-sub.Err():
			select {
			case w.subErrCh <- subErr{subID: id, err: err}:
			case <-ctx.Done():
			}
			return
		}
	}
}

func (w *Worker) revoke(cmd RevokeCommand) error {
	entry, ok := w.active[cmd.SubscriptionID]
	if !ok {
		return ErrNoSubscriptionFound
	}
	entry.cancel()
	delete(w.active, cmd.SubscriptionID)
	w.removeFromUser(entry)
	log.Printf("[chainrpc chain=%d] revoked subscription id=%s", w.chainID, cmd.SubscriptionID)
	return nil
}

func (w *Worker) removeFromUser(entry *subscription) {
	list := w.byUser[entry.user]
	for i, e := range list {
		if e.id == entry.id {
			w.byUser[entry.user] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(w.byUser[entry.user]) == 0 {
		delete(w.byUser, entry.user)
	}
}

func (w *Worker) handleLog(ctx context.Context, tl taggedLog) {
	entry, ok := w.active[tl.subID]
	if !ok {
		// Race with a concurrent revoke; drop.
		return
	}
	select {
	case w.logs <- UserLog{User: entry.user, SubscriptionID: tl.subID, Log: tl.log}:
	case <-ctx.Done():
	}
}

// handleSubErr drops the affected subscription's state. Lost WebSocket
// subscriptions are not resilvered automatically; the worker stays up and
// keeps serving its other subscriptions.
func (w *Worker) handleSubErr(se subErr) {
	entry, ok := w.active[se.subID]
	if !ok {
		return
	}
	log.Printf("[chainrpc chain=%d] subscription id=%s lost: %v — dropping", w.chainID, se.subID, se.err)
	delete(w.active, se.subID)
	w.removeFromUser(entry)
}

func (w *Worker) newSubscriptionID() string {
	n := atomic.AddUint64(&w.nextID, 1)
	return fmt.Sprintf("%d-%d", w.chainID, n)
}

// submitAndAwaitReceipt signs and submits cmd.Tx, then polls for its
// receipt in the background so the command loop never blocks on
// confirmation latency.
func (w *Worker) submitAndAwaitReceipt(ctx context.Context, cmd SubmitTxCommand) {
	signerAddr := crypto.PubkeyToAddress(cmd.Signer.PublicKey)

	nonce, err := w.provider.PendingNonceAt(ctx, signerAddr)
	if err != nil {
		log.Printf("[chainrpc chain=%d] pending nonce for %s: %v", w.chainID, signerAddr.Hex(), err)
		return
	}
	gasPrice, err := w.provider.SuggestGasPrice(ctx)
	if err != nil {
		log.Printf("[chainrpc chain=%d] suggest gas price: %v", w.chainID, err)
		return
	}
	to := cmd.Tx.To
	gasLimit, err := w.provider.EstimateGas(ctx, ethereum.CallMsg{
		From: signerAddr,
		To:   &to,
		Data: cmd.Tx.Data,
	})
	if err != nil {
		log.Printf("[chainrpc chain=%d] estimate gas: %v", w.chainID, err)
		return
	}

	legacyTx := &types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     cmd.Tx.Data,
	}
	signer := types.LatestSignerForChainID(big.NewInt(cmd.Tx.ChainID))
	signedTx, err := types.SignNewTx(cmd.Signer, signer, legacyTx)
	if err != nil {
		log.Printf("[chainrpc chain=%d] sign tx: %v", w.chainID, err)
		return
	}

	if err := w.provider.SendTransaction(ctx, signedTx); err != nil {
		log.Printf("[chainrpc chain=%d] send tx %s: %v", w.chainID, signedTx.Hash().Hex(), err)
		return
	}

	receipt := w.pollReceipt(ctx, signedTx.Hash())
	if receipt == nil {
		return
	}

	receiptJSON, err := json.Marshal(receipt)
	if err != nil {
		log.Printf("[chainrpc chain=%d] marshal receipt %s: %v", w.chainID, signedTx.Hash().Hex(), err)
		return
	}

	cmd.Sink.Append(cmd.User, UserUpdate{
		Timestamp: time.Now().UnixNano(),
		TxHash:    signedTx.Hash(),
		Receipt:   receiptJSON,
	})
}

func (w *Worker) pollReceipt(ctx context.Context, txHash common.Hash) *types.Receipt {
	for i := 0; i < receiptPollAttempts; i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(receiptPollInterval):
		}
		receipt, err := w.provider.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt
		}
		if err != ethereum.NotFound {
			log.Printf("[chainrpc] receipt poll for %s: %v", txHash.Hex(), err)
		}
	}
	log.Printf("[chainrpc] gave up waiting for receipt of %s", txHash.Hex())
	return nil
}
