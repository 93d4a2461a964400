// Package audit provides a best-effort, non-authoritative write-behind
// record of UserUpdate entries. It exists purely for operator visibility:
// its absence or failure never changes relayer behavior, and it is not a
// restart-persistence mechanism — the in-memory stores owned by
// internal/relayer remain the only source of truth the system depends on.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainhooks/relayer/internal/chainrpc"
)

const createTableSQL = `CREATE TABLE IF NOT EXISTS user_updates (
	id BIGSERIAL PRIMARY KEY,
	user_address TEXT NOT NULL,
	tx_hash TEXT NOT NULL,
	timestamp BIGINT NOT NULL,
	receipt_json JSONB NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

type record struct {
	user   common.Address
	update chainrpc.UserUpdate
}

// Sink is a best-effort Postgres write-behind sink for UserUpdate entries.
// Record never blocks the caller beyond a bounded channel send; a full
// buffer drops (and logs) the record rather than applying backpressure to
// the Relayer Handler.
type Sink struct {
	pool *pgxpool.Pool
	ch   chan record
	done chan struct{}
}

// New connects to dsn, creates its table if absent, and starts the
// background writer, which runs until ctx is cancelled. Call Close on
// shutdown to release the pool.
func New(ctx context.Context, dsn string) (*Sink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	s := &Sink{
		pool: pool,
		ch:   make(chan record, 256),
		done: make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

// Record enqueues update for write-behind persistence. Never blocks: if
// the internal buffer is full the record is dropped and logged.
func (s *Sink) Record(user common.Address, update chainrpc.UserUpdate) {
	select {
	case s.ch <- record{user: user, update: update}:
	default:
		log.Printf("[audit] buffer full, dropping update for user=%s tx=%s", user.Hex(), update.TxHash.Hex())
	}
}

func (s *Sink) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-s.ch:
			s.write(ctx, r)
		}
	}
}

func (s *Sink) write(ctx context.Context, r record) {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	const q = `INSERT INTO user_updates (user_address, tx_hash, timestamp, receipt_json) VALUES ($1, $2, $3, $4)`
	receiptJSON := r.update.Receipt
	if receiptJSON == nil {
		receiptJSON = json.RawMessage("null")
	}
	_, err := s.pool.Exec(writeCtx, q, r.user.Hex(), r.update.TxHash.Hex(), r.update.Timestamp, receiptJSON)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			log.Printf("[audit] insert failed (%s): %v", pgErr.Code, err)
			return
		}
		log.Printf("[audit] insert failed: %v", err)
	}
}

// Close closes the pool. It does not stop the background writer (that
// follows the context passed to New) and does not write records still in
// the buffer; this is a best-effort sink, not a durability guarantee.
func (s *Sink) Close() {
	s.pool.Close()
}
