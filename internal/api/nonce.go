package api

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainhooks/relayer/internal/canonicaljson"
	"github.com/chainhooks/relayer/internal/ethutil"
	"github.com/chainhooks/relayer/internal/relayer"
)

// noncePayload is the canonical payload signed by the user over a nonce
// challenge, mirroring the teacher's canonicalize-then-sign shape.
type noncePayload struct {
	Address string `json:"address"`
	Nonce   string `json:"nonce"`
}

type nonceChallenge struct {
	nonce    [16]byte
	issuedAt time.Time
}

// nonceStore issues and consumes one-time nonce challenges per address. A
// second GetNonce before the first is consumed overwrites it — simple
// map-insert-overwrite semantics, same as the original prototype.
type nonceStore struct {
	mu         sync.Mutex
	challenges map[common.Address]nonceChallenge
	ttl        time.Duration
}

func newNonceStore(ttl time.Duration) *nonceStore {
	return &nonceStore{
		challenges: make(map[common.Address]nonceChallenge),
		ttl:        ttl,
	}
}

// issue generates a fresh 16-byte nonce for addr and returns its hex form.
func (s *nonceStore) issue(addr common.Address) (string, error) {
	var n [16]byte
	if _, err := rand.Read(n[:]); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.challenges[addr] = nonceChallenge{nonce: n, issuedAt: time.Now()}
	s.mu.Unlock()
	return hex.EncodeToString(n[:]), nil
}

// consume removes addr's currently outstanding challenge from the store,
// so it cannot be replayed whether or not verification succeeds, then
// checks its age against the TTL and verifies sig over the canonical
// {address, nonce} payload.
func (s *nonceStore) consume(addr common.Address, sig string) error {
	s.mu.Lock()
	ch, ok := s.challenges[addr]
	if ok {
		delete(s.challenges, addr)
	}
	s.mu.Unlock()

	if !ok {
		return relayer.ErrNotAuthenticated
	}
	if time.Since(ch.issuedAt) > s.ttl {
		return relayer.ErrNotAuthenticated
	}

	payload := noncePayload{
		Address: strings.ToLower(addr.Hex()),
		Nonce:   hex.EncodeToString(ch.nonce[:]),
	}
	msg, err := canonicaljson.Canonicalize(payload)
	if err != nil {
		return err
	}
	if err := ethutil.VerifyPersonalSign(msg, sig, strings.ToLower(addr.Hex())); err != nil {
		return relayer.ErrNotAuthenticated
	}
	return nil
}
