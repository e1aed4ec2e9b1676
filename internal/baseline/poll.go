// Package baseline implements the two baseline-tier transaction sources:
// a polling confirmed-block source and a streaming
// confirmed-transaction source. Both implement source.Source. The
// streaming implementation also backs the shred-tier stream-shred source
// (NewShredStreamSource), which reports IsBaseline() == false.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dgraph-io/ristretto"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/shredrace/internal/fanin"
	"github.com/malbeclabs/shredrace/internal/metrics"
)

// PollInterval is how often the polling source checks the current tip slot.
const PollInterval = 100 * time.Millisecond

// ErrorBackoff is the fixed delay after a general (non-slot-specific) error.
const ErrorBackoff = 500 * time.Millisecond

// blockCacheRetention avoids re-fetching a block already seen at the same
// tip slot across restarts of the poll loop within one process lifetime.
const blockCacheRetention = 10 * time.Minute

// RPCClient is the subset of gagliardetto/solana-go/rpc.Client this source
// needs, narrowed to an interface so it can be faked in tests without a
// live validator.
type RPCClient interface {
	GetSlot(ctx context.Context, commitment solanarpc.CommitmentType) (uint64, error)
	GetBlockWithOpts(ctx context.Context, slot uint64, opts *solanarpc.GetBlockOpts) (*solanarpc.GetBlockResult, error)
}

// PollSource implements the polling confirmed-block baseline source.
type PollSource struct {
	name   string
	log    *slog.Logger
	client RPCClient
	clock  clockwork.Clock
	fanIn  *fanin.FanIn
	m      *metrics.SourceMetrics
	cache  *ristretto.Cache

	lastTip uint64
}

// NewPollSource builds a polling baseline source with its own internal
// ristretto cache of already-fetched slots. clock may be nil, in which case
// the real clock is used.
func NewPollSource(name string, log *slog.Logger, client RPCClient, clock clockwork.Clock, out *fanin.FanIn, m *metrics.SourceMetrics) (*PollSource, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1_000_000,
		MaxCost:     100_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create poll source cache: %w", err)
	}
	return &PollSource{
		name:   name,
		log:    log,
		client: client,
		clock:  clock,
		fanIn:  out,
		m:      m,
		cache:  cache,
	}, nil
}

func (p *PollSource) Name() string     { return p.name }
func (p *PollSource) IsBaseline() bool { return true }

// Start polls the tip slot every PollInterval, fetching and emitting any
// newly confirmed blocks.
func (p *PollSource) Start(ctx context.Context) error {
	ticker := p.clock.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if err := p.tick(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				p.log.Warn("baseline poll tick failed, backing off", "source", p.name, "err", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-p.clock.After(ErrorBackoff):
				}
			}
		}
	}
}

func (p *PollSource) tick(ctx context.Context) error {
	tip, err := p.getSlotWithRetry(ctx)
	if err != nil {
		return fmt.Errorf("get slot: %w", err)
	}
	if p.lastTip == 0 {
		p.lastTip = tip
		return nil
	}
	for slot := p.lastTip + 1; slot <= tip; slot++ {
		p.emitBlock(ctx, slot)
	}
	p.lastTip = tip
	return nil
}

func (p *PollSource) emitBlock(ctx context.Context, slot uint64) {
	if _, ok := p.cache.Get(slot); ok {
		return
	}

	maxVersion := uint64(0)
	block, err := p.client.GetBlockWithOpts(ctx, slot, &solanarpc.GetBlockOpts{
		Commitment:                     solanarpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		p.log.Debug("baseline block fetch skipped", "source", p.name, "slot", slot, "err", err)
		return
	}

	recvAt := p.clock.Now()
	for _, txWithMeta := range block.Transactions {
		tx, err := txWithMeta.GetTransaction()
		if err != nil || tx == nil || len(tx.Signatures) == 0 {
			continue
		}
		p.fanIn.Submit(fanin.Transaction{
			Tx:         tx,
			Slot:       slot,
			Signature:  tx.Signatures[0],
			RecvAt:     recvAt,
			SourceName: p.name,
			Baseline:   true,
			Metrics:    p.m,
		})
	}

	p.cache.SetWithTTL(slot, struct{}{}, 1, blockCacheRetention)
}

func (p *PollSource) getSlotWithRetry(ctx context.Context) (uint64, error) {
	return backoff.Retry(ctx, func() (uint64, error) {
		return p.client.GetSlot(ctx, solanarpc.CommitmentConfirmed)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))
}
