package baseline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/malbeclabs/shredrace/internal/fanin"
	"github.com/malbeclabs/shredrace/internal/metrics"
)

type fakeStream struct {
	updates []*StreamUpdate
	idx     int
	closed  bool
}

func (f *fakeStream) Recv() (*StreamUpdate, error) {
	if f.idx >= len(f.updates) {
		return nil, errors.New("eof")
	}
	u := f.updates[f.idx]
	f.idx++
	return u, nil
}

func (f *fakeStream) CloseSend() error {
	f.closed = true
	return nil
}

func TestStreamSource_ForwardsUpdates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clock := clockwork.NewFakeClock()
	f := fanin.New(ctx, clock)
	m := metrics.New()

	sig := solana.Signature{1}
	stream := &fakeStream{updates: []*StreamUpdate{
		{Slot: 7, Signature: sig, Tx: &solana.Transaction{}},
	}}

	src := NewStreamSource("stream-a", discardLogger(), "bufnet", func(ctx context.Context, conn *grpc.ClientConn) (ConfirmedTxStream, error) {
		return stream, nil
	}, clock, f, m)
	src.dialer = func(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
		return grpc.NewClient("passthrough:///bufnet", grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	go func() {
		_ = src.runOnce(ctx)
		cancel()
	}()

	require.Eventually(t, func() bool { return len(f.Output()) == 1 }, time.Second, time.Millisecond)
	assert.True(t, stream.closed)
}

func TestStreamSource_Identity(t *testing.T) {
	src := &StreamSource{name: "s", baseline: true}
	assert.True(t, src.IsBaseline())
	assert.Equal(t, "s", src.Name())
}

func TestShredStreamSource_IsNotBaseline(t *testing.T) {
	src := NewShredStreamSource("shred-stream-a", discardLogger(), "bufnet", func(ctx context.Context, conn *grpc.ClientConn) (ConfirmedTxStream, error) {
		return &fakeStream{}, nil
	}, clockwork.NewFakeClock(), fanin.New(context.Background(), clockwork.NewFakeClock()), metrics.New())
	assert.False(t, src.IsBaseline())
}

func TestShredStreamSource_ForwardsUpdatesAsShredTier(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clock := clockwork.NewFakeClock()
	f := fanin.New(ctx, clock)
	m := metrics.New()

	sig := solana.Signature{2}
	stream := &fakeStream{updates: []*StreamUpdate{
		{Slot: 9, Signature: sig, Tx: &solana.Transaction{}},
	}}

	src := NewShredStreamSource("shred-stream-b", discardLogger(), "bufnet", func(ctx context.Context, conn *grpc.ClientConn) (ConfirmedTxStream, error) {
		return stream, nil
	}, clock, f, m)
	src.dialer = func(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
		return grpc.NewClient("passthrough:///bufnet", grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	go func() {
		_ = src.runOnce(ctx)
		cancel()
	}()

	require.Eventually(t, func() bool { return len(f.Output()) == 1 }, time.Second, time.Millisecond)
	out := <-f.Output()
	assert.False(t, out.Baseline)
}
