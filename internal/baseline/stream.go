package baseline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/malbeclabs/shredrace/internal/fanin"
	"github.com/malbeclabs/shredrace/internal/metrics"
)

// ReconnectDelay is the fixed wait before retrying a dropped or failed
// subscription.
const ReconnectDelay = 5 * time.Second

// StreamUpdate is one non-vote, non-failed, confirmed transaction delivered
// by the subscription.
type StreamUpdate struct {
	Slot      uint64
	Signature solana.Signature
	Tx        *solana.Transaction
}

// ConfirmedTxStream is the narrow surface this source needs from a
// server-streaming transaction subscription, baseline or shred-tier alike.
// The concrete protobuf-generated client is supplied by StreamClientFactory —
// this package owns the transport (dial, credentials, keepalive, reconnect)
// and treats the subscription's wire protocol as external, exactly as
// specified.
type ConfirmedTxStream interface {
	Recv() (*StreamUpdate, error)
	CloseSend() error
}

// StreamClientFactory opens a new subscription over an established gRPC
// connection. Supplied by the deployment, since the RPC's service
// definition lives outside this module.
type StreamClientFactory func(ctx context.Context, conn *grpc.ClientConn) (ConfirmedTxStream, error)

// StreamSource implements a streaming gRPC transaction source. The same
// dial/subscribe/reconnect machinery backs both tiers this module pulls
// from a subscription rather than a raw multicast socket: the
// confirmed-transaction baseline stream and the stream-shred source, which
// subscribes to a ShredStream-proxy-style feed and decodes entries off it
// instead of reassembling raw shreds. baseline records which one this
// instance is and which Submit tier it reports to the fan-in.
type StreamSource struct {
	name     string
	log      *slog.Logger
	target   string
	dialer   func(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error)
	factory  StreamClientFactory
	clock    clockwork.Clock
	fanIn    *fanin.FanIn
	m        *metrics.SourceMetrics
	baseline bool
}

// NewStreamSource builds a streaming baseline source dialing target with
// insecure transport credentials (the subscription is expected to run over
// a private network path; TLS can be layered in by wrapping dialer).
func NewStreamSource(name string, log *slog.Logger, target string, factory StreamClientFactory, clock clockwork.Clock, out *fanin.FanIn, m *metrics.SourceMetrics) *StreamSource {
	return newStream(name, log, target, factory, clock, out, m, true)
}

// NewShredStreamSource builds a stream-shred source: a shred-tier gRPC
// subscription (e.g. a ShredStream proxy) instead of a multicast receiver.
// It reports Baseline: false to the fan-in, so its transactions are subject
// to the allowlist filter like any other shred-tier feed, but — having no
// per-shred wire timestamps of its own — it does not feed the shred race
// tracker.
func NewShredStreamSource(name string, log *slog.Logger, target string, factory StreamClientFactory, clock clockwork.Clock, out *fanin.FanIn, m *metrics.SourceMetrics) *StreamSource {
	return newStream(name, log, target, factory, clock, out, m, false)
}

func newStream(name string, log *slog.Logger, target string, factory StreamClientFactory, clock clockwork.Clock, out *fanin.FanIn, m *metrics.SourceMetrics, baseline bool) *StreamSource {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StreamSource{
		name:     name,
		log:      log,
		target:   target,
		dialer:   grpc.NewClient,
		factory:  factory,
		clock:    clock,
		fanIn:    out,
		m:        m,
		baseline: baseline,
	}
}

func (s *StreamSource) Name() string     { return s.name }
func (s *StreamSource) IsBaseline() bool { return s.baseline }

// Start connects and reconnects indefinitely, forwarding every received
// update to the fan-in with the arrival timestamp.
func (s *StreamSource) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := s.runOnce(ctx); err != nil {
			s.log.Warn("stream disconnected, reconnecting", "source", s.name, "baseline", s.baseline, "err", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(ReconnectDelay):
		}
	}
}

func (s *StreamSource) runOnce(ctx context.Context) error {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                20 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	conn, err := s.dialer(s.target, opts...)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.target, err)
	}
	defer conn.Close()

	stream, err := s.factory(ctx, conn)
	if err != nil {
		return fmt.Errorf("open subscription: %w", err)
	}
	defer stream.CloseSend()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		update, err := stream.Recv()
		if err != nil {
			return fmt.Errorf("recv: %w", err)
		}
		if update == nil || update.Signature == (solana.Signature{}) {
			continue
		}

		s.fanIn.Submit(fanin.Transaction{
			Tx:         update.Tx,
			Slot:       update.Slot,
			Signature:  update.Signature,
			RecvAt:     s.clock.Now(),
			SourceName: s.name,
			Baseline:   s.baseline,
			Metrics:    s.m,
		})
	}
}
