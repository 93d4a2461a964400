package chainrpc

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/chainhooks/relayer/internal/txtemplate"
)

// fakeSub is a minimal ethereum.Subscription a fakeProvider hands back
// from SubscribeFilterLogs.
type fakeSub struct {
	errCh chan error
	once  sync.Once
}

func newFakeSub() *fakeSub {
	return &fakeSub{errCh: make(chan error, 1)}
}

func (s *fakeSub) Err() <-chan error { return s.errCh }
func (s *fakeSub) Unsubscribe()      { s.once.Do(func() {}) }

// fakeProvider is a hand-rolled Provider stand-in for a live WebSocket
// node, letting the worker's event loop be exercised without network I/O.
type fakeProvider struct {
	mu   sync.Mutex
	subs map[chan<- types.Log]*fakeSub

	nonce       uint64
	gasPrice    *big.Int
	gas         uint64
	sendErr     error
	subscribeErr error
	sentTxs     []*types.Transaction
	receipt     *types.Receipt
	receiptWait int // number of NotFound replies before returning receipt
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		subs:     make(map[chan<- types.Log]*fakeSub),
		gasPrice: big.NewInt(1_000_000_000),
		gas:      21000,
	}
}

func (p *fakeProvider) SubscribeFilterLogs(ctx context.Context, q goethereum.FilterQuery, ch chan<- types.Log) (goethereum.Subscription, error) {
	if p.subscribeErr != nil {
		return nil, p.subscribeErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	sub := newFakeSub()
	p.subs[ch] = sub
	return sub, nil
}

func (p *fakeProvider) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return p.nonce, nil
}
func (p *fakeProvider) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return p.gasPrice, nil
}
func (p *fakeProvider) EstimateGas(ctx context.Context, msg goethereum.CallMsg) (uint64, error) {
	return p.gas, nil
}
func (p *fakeProvider) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if p.sendErr != nil {
		return p.sendErr
	}
	p.mu.Lock()
	p.sentTxs = append(p.sentTxs, tx)
	p.mu.Unlock()
	return nil
}
func (p *fakeProvider) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.receiptWait > 0 {
		p.receiptWait--
		return nil, goethereum.NotFound
	}
	return p.receipt, nil
}

func newTestWorker(provider Provider) (*Worker, chan workCmd, chan UserLog) {
	cmds := make(chan workCmd, 10)
	logs := make(chan UserLog, 10)
	w := &Worker{
		chainID:  1,
		provider: provider,
		cmds:     cmds,
		logs:     logs,
		active:   make(map[string]*subscription),
		byUser:   make(map[common.Address][]*subscription),
		wallet:   make(map[common.Address]*ecdsa.PrivateKey),
		logCh:    make(chan taggedLog, 64),
		subErrCh: make(chan subErr, 8),
	}
	return w, cmds, logs
}

func TestWorker_SubscribeThenLogDelivered(t *testing.T) {
	provider := newFakeProvider()
	w, cmds, logs := newTestWorker(provider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	user := common.HexToAddress("0xAA00000000000000000000000000000000000A")
	reply := make(chan Result, 1)
	cmds <- workCmd{
		Command: SubscribeCommand{
			User:      user,
			Addresses: []common.Address{common.HexToAddress("0xCa00000000000000000000000000000000000E")},
			Events:    []string{"Transfer(address,address,uint256)"},
		},
		Reply: reply,
	}

	res := <-reply
	require.True(t, res.Success)
	require.NotEmpty(t, res.Message)
	subID := res.Message

	// Find the fake subscription's log channel and push a log through it.
	var logCh chan<- types.Log
	require.Eventually(t, func() bool {
		provider.mu.Lock()
		defer provider.mu.Unlock()
		for ch := range provider.subs {
			logCh = ch
			return true
		}
		return false
	}, time.Second, 10*time.Millisecond)

	logCh <- types.Log{Topics: []common.Hash{crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))}}

	select {
	case ul := <-logs:
		require.Equal(t, user, ul.User)
		require.Equal(t, subID, ul.SubscriptionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tagged log")
	}
}

func TestWorker_RevokeStopsFurtherLogs(t *testing.T) {
	provider := newFakeProvider()
	w, cmds, logs := newTestWorker(provider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	user := common.HexToAddress("0xAA00000000000000000000000000000000000A")
	subReply := make(chan Result, 1)
	cmds <- workCmd{
		Command: SubscribeCommand{User: user, Events: []string{"Transfer(address,address,uint256)"}},
		Reply:   subReply,
	}
	subID := (<-subReply).Message

	revReply := make(chan Result, 1)
	cmds <- workCmd{Command: RevokeCommand{User: user, SubscriptionID: subID}, Reply: revReply}
	res := <-revReply
	require.True(t, res.Success)

	// A second revoke of the same id must fail with NoSubscriptionFound.
	revReply2 := make(chan Result, 1)
	cmds <- workCmd{Command: RevokeCommand{User: user, SubscriptionID: subID}, Reply: revReply2}
	res2 := <-revReply2
	require.False(t, res2.Success)
	require.ErrorIs(t, res2.Err, ErrNoSubscriptionFound)

	// Push a log through the revoked subscription's channel; the worker
	// must not forward it.
	provider.mu.Lock()
	for ch := range provider.subs {
		ch <- types.Log{Topics: []common.Hash{crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))}}
	}
	provider.mu.Unlock()

	select {
	case <-logs:
		t.Fatal("no log should be delivered after revoke")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWorker_SubscribeErrorSurfacesButWorkerStaysHealthy(t *testing.T) {
	provider := newFakeProvider()
	provider.subscribeErr = errors.New("dial refused")
	w, cmds, _ := newTestWorker(provider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	reply := make(chan Result, 1)
	cmds <- workCmd{Command: SubscribeCommand{User: common.Address{}}, Reply: reply}
	res := <-reply
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, ErrSubscriptionError)

	provider.subscribeErr = nil
	reply2 := make(chan Result, 1)
	cmds <- workCmd{Command: SubscribeCommand{User: common.Address{}}, Reply: reply2}
	res2 := <-reply2
	require.True(t, res2.Success)
}

type fakeSink struct {
	mu      sync.Mutex
	updates []UserUpdate
}

func (s *fakeSink) Append(user common.Address, update UserUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update)
}

func TestWorker_SubmitTxAppendsUpdateOnReceipt(t *testing.T) {
	provider := newFakeProvider()
	provider.receipt = &types.Receipt{Status: types.ReceiptStatusSuccessful}
	w, cmds, _ := newTestWorker(provider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	user := crypto.PubkeyToAddress(key.PublicKey)
	sink := &fakeSink{}

	cmds <- workCmd{Command: SubmitTxCommand{
		User:   user,
		Signer: key,
		Tx:     &txtemplate.TxRequest{To: user, ChainID: 1, Data: []byte{0x01, 0x02}},
		Sink:   sink,
	}}

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.updates) == 1
	}, 5*time.Second, 50*time.Millisecond)

	require.Len(t, provider.sentTxs, 1)
}
