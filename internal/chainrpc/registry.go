package chainrpc

import (
	"context"
	"sync"
)

// ChainState is the registry's record for one chain.
type ChainState struct {
	URL      string
	Active   bool
	Commands chan<- workCmd
}

// Registry tracks supported chains, their RPC URLs, and the command
// channel to each chain's worker once started. It is reached concurrently
// by every front-end-adapter request goroutine, so unlike the
// single-writer Chain Worker and Relayer Handler loops it is guarded by a
// conventional mutex.
type Registry struct {
	mu         sync.RWMutex
	chains     map[int64]*ChainState
	bufferSize int
	logs       chan<- UserLog
}

// NewRegistry creates an empty registry. bufferSize sizes every chain
// worker's command channel; logs is the shared channel every worker fans
// its logs into.
func NewRegistry(bufferSize int, logs chan<- UserLog) *Registry {
	return &Registry{
		chains:     make(map[int64]*ChainState),
		bufferSize: bufferSize,
		logs:       logs,
	}
}

// RegisterChain inserts an inactive entry for id. Idempotent:
// re-registration replaces the URL only while the chain is inactive.
func (r *Registry) RegisterChain(id int64, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.chains[id]
	if !ok {
		r.chains[id] = &ChainState{URL: url}
		return
	}
	if !st.Active {
		st.URL = url
	}
}

// EnsureActive starts a Chain Worker for id the first time it is called,
// installing initial as its first subscription, and caches the worker's
// command channel. If the chain is already active, initial is sent as a
// Subscribe command on the existing channel instead. Returns the
// subscription id the worker assigned to initial.
func (r *Registry) EnsureActive(ctx context.Context, id int64, initial SubscribeCommand) (string, error) {
	r.mu.Lock()
	st, ok := r.chains[id]
	if !ok {
		r.mu.Unlock()
		return "", ErrChainNotSupported
	}
	if st.URL == "" {
		r.mu.Unlock()
		return "", ErrChainHasNoRpcURL
	}

	if !st.Active {
		cmds := make(chan workCmd, r.bufferSize)
		worker, subID, err := NewWorker(ctx, id, st.URL, initial, cmds, r.logs)
		if err != nil {
			r.mu.Unlock()
			return "", err
		}
		st.Commands = cmds
		st.Active = true
		r.mu.Unlock()

		go worker.Run(ctx)
		return subID, nil
	}

	cmds := st.Commands
	r.mu.Unlock()

	reply := make(chan Result, 1)
	cmds <- workCmd{Command: initial, Reply: reply}
	res := <-reply
	return res.Message, res.Err
}

// Send forwards cmd to chainID's worker. reply may be nil for
// fire-and-forget commands (SubmitTxCommand).
func (r *Registry) Send(chainID int64, cmd Command, reply chan Result) error {
	r.mu.RLock()
	st, ok := r.chains[chainID]
	r.mu.RUnlock()

	if !ok || !st.Active {
		return ErrChainNotSupported
	}
	st.Commands <- workCmd{Command: cmd, Reply: reply}
	return nil
}
