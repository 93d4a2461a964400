// Package relayer owns user identity, relayer signing keys, action
// templates and per-user update logs, and orchestrates the chain registry
// on their behalf.
package relayer

import (
	"context"
	"crypto/ecdsa"
	"log"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/chainhooks/relayer/internal/chainrpc"
	"github.com/chainhooks/relayer/internal/txtemplate"
)

type relayerEntry struct {
	key           *ecdsa.PrivateKey
	address       common.Address
	subscriptions []string
}

type actionEntry struct {
	user     common.Address
	template *txtemplate.Template
}

type updateLog struct {
	entries []chainrpc.UserUpdate
}

// Handler is the authoritative owner of user identity and derived state.
// A single Run goroutine multiplexes its command channel and the shared
// log channel every Chain Worker fans into, serializing all mutation of
// relayers/actions by construction.
type Handler struct {
	registry Registry
	audit    AuditRecorder

	cmds chan handlerCmd
	logs <-chan chainrpc.UserLog

	relayers map[common.Address]*relayerEntry
	actions  map[string]*actionEntry

	userLogsMu sync.Mutex
	userLogs   map[common.Address]*updateLog
}

// NewHandler creates a Handler. logs is the shared channel every Chain
// Worker started via registry publishes tagged logs onto; audit may be nil
// if no write-behind sink is configured.
func NewHandler(registry Registry, audit AuditRecorder, logs <-chan chainrpc.UserLog, bufferSize int) *Handler {
	return &Handler{
		registry: registry,
		audit:    audit,
		cmds:     make(chan handlerCmd, bufferSize),
		logs:     logs,
		relayers: make(map[common.Address]*relayerEntry),
		actions:  make(map[string]*actionEntry),
		userLogs: make(map[common.Address]*updateLog),
	}
}

// Command submits cmd to the handler's event loop and blocks for its
// reply, or until ctx is cancelled.
func (h *Handler) Command(ctx context.Context, cmd Command) Result {
	reply := make(chan Result, 1)
	select {
	case h.cmds <- handlerCmd{Command: cmd, Reply: reply}:
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
	select {
	case res := <-reply:
		return res
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

// Run is the handler's single event loop.
func (h *Handler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Printf("[relayer] context cancelled, stopping")
			return
		case cmd := <-h.cmds:
			h.dispatch(ctx, cmd)
		case ul := <-h.logs:
			h.handleLog(ul)
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, hc handlerCmd) {
	switch c := hc.Command.(type) {
	case RegisterCommand:
		h.doRegister(c, hc.Reply)
	case GetRelayerInfoCommand:
		h.doGetRelayerInfo(c, hc.Reply)
	case DefineRelayerActionCommand:
		h.doDefineRelayerAction(c, hc.Reply)
	case RevokeSubscriptionCommand:
		h.doRevokeSubscription(ctx, c, hc.Reply)
	case GetLogsCommand:
		h.doGetLogs(c, hc.Reply)
	default:
		hc.Reply <- Result{Err: ErrInvalidTransactionRequest}
	}
}

func (h *Handler) doRegister(c RegisterCommand, reply chan Result) {
	if _, exists := h.relayers[c.User]; exists {
		reply <- Result{Err: ErrAlreadyRegistered}
		return
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		reply <- Result{Err: err}
		return
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	h.relayers[c.User] = &relayerEntry{key: key, address: addr}
	reply <- Result{Success: true, Address: addr}
}

func (h *Handler) doGetRelayerInfo(c GetRelayerInfoCommand, reply chan Result) {
	entry, ok := h.relayers[c.User]
	if !ok {
		reply <- Result{Err: ErrNotFound}
		return
	}
	reply <- Result{Success: true, Address: entry.address}
}

func (h *Handler) doDefineRelayerAction(c DefineRelayerActionCommand, reply chan Result) {
	entry, ok := h.relayers[c.User]
	if !ok {
		reply <- Result{Err: ErrNotFound}
		return
	}
	tpl, err := txtemplate.New(c.ChainID, c.Target, c.ABI, c.Function, c.Params)
	if err != nil {
		reply <- Result{Err: err}
		return
	}
	h.actions[c.SubscriptionID] = &actionEntry{user: c.User, template: tpl}
	entry.subscriptions = append(entry.subscriptions, c.SubscriptionID)
	reply <- Result{Success: true}
}

func (h *Handler) doRevokeSubscription(ctx context.Context, c RevokeSubscriptionCommand, reply chan Result) {
	action, ok := h.actions[c.SubscriptionID]
	if !ok {
		reply <- Result{Err: ErrNoSubscriptionFound}
		return
	}

	chainReply := make(chan chainrpc.Result, 1)
	if err := h.registry.Send(action.template.ChainID, chainrpc.RevokeCommand{User: c.User, SubscriptionID: c.SubscriptionID}, chainReply); err != nil {
		reply <- Result{Err: err}
		return
	}

	var chainRes chainrpc.Result
	select {
	case chainRes = <-chainReply:
	case <-ctx.Done():
		reply <- Result{Err: ctx.Err()}
		return
	}
	if chainRes.Err != nil {
		reply <- Result{Err: chainRes.Err}
		return
	}

	delete(h.actions, c.SubscriptionID)
	if entry, ok := h.relayers[c.User]; ok {
		entry.subscriptions = removeString(entry.subscriptions, c.SubscriptionID)
	}
	reply <- Result{Success: true}
}

// doGetLogs always fully drains the user's log; since (if set) only
// narrows which of the drained entries are returned to the caller.
func (h *Handler) doGetLogs(c GetLogsCommand, reply chan Result) {
	h.userLogsMu.Lock()
	ul, ok := h.userLogs[c.User]
	var all []chainrpc.UserUpdate
	if ok {
		all = ul.entries
		ul.entries = nil
	}
	h.userLogsMu.Unlock()

	if c.Since == nil {
		reply <- Result{Success: true, Updates: all}
		return
	}
	var filtered []chainrpc.UserUpdate
	for _, u := range all {
		if u.Timestamp >= *c.Since {
			filtered = append(filtered, u)
		}
	}
	reply <- Result{Success: true, Updates: filtered}
}

// handleLog is the autonomous path driven by the shared log channel: look
// up the template, render a transaction, and forward it to the owning
// chain's worker. Errors are logged and the triggering log is dropped —
// they never kill this loop.
func (h *Handler) handleLog(ul chainrpc.UserLog) {
	action, ok := h.actions[ul.SubscriptionID]
	if !ok {
		// Race with a concurrent revoke; drop.
		return
	}

	req, err := action.template.Build(ul.Log)
	if err != nil {
		log.Printf("[relayer] build tx for sub=%s: %v — dropping log", ul.SubscriptionID, err)
		return
	}

	entry, ok := h.relayers[action.user]
	if !ok {
		log.Printf("[relayer] no relayer key for user=%s sub=%s — dropping log", action.user.Hex(), ul.SubscriptionID)
		return
	}

	cmd := chainrpc.SubmitTxCommand{User: action.user, Signer: entry.key, Tx: req, Sink: h}
	if err := h.registry.Send(req.ChainID, cmd, nil); err != nil {
		log.Printf("[relayer] submit tx chain=%d sub=%s: %v", req.ChainID, ul.SubscriptionID, err)
	}
}

// Append implements chainrpc.UpdateSink. It is called from a Chain
// Worker's detached receipt goroutine, concurrently with any number of
// other workers' goroutines and with GetLogs, hence the dedicated mutex.
func (h *Handler) Append(user common.Address, update chainrpc.UserUpdate) {
	h.userLogsMu.Lock()
	ul, ok := h.userLogs[user]
	if !ok {
		ul = &updateLog{}
		h.userLogs[user] = ul
	}
	ts := time.Now().UnixNano()
	if n := len(ul.entries); n > 0 && ts <= ul.entries[n-1].Timestamp {
		ts = ul.entries[n-1].Timestamp + 1
	}
	update.Timestamp = ts
	ul.entries = append(ul.entries, update)
	h.userLogsMu.Unlock()

	if h.audit != nil {
		h.audit.Record(user, update)
	}
}

func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
