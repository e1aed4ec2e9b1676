//go:build linux

// Package receiver implements the UDP multicast shred receiver: batch socket receive with kernel per-packet timestamps, fork
// version filtering, and non-blocking forwarding to the decode pipeline and
// the shred race tracker. The hot loop never allocates beyond the copy of
// an accepted payload out of the batch scratch buffer.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/malbeclabs/shredrace/internal/decode"
	"github.com/malbeclabs/shredrace/internal/metrics"
	"github.com/malbeclabs/shredrace/internal/race"
	"github.com/malbeclabs/shredrace/internal/shred"
)

const (
	// DefaultBatchSize bounds how many queued datagrams one ReadBatch call
	// opportunistically drains.
	DefaultBatchSize = 64

	// DefaultDatagramBufSize is the per-slot scratch buffer size; shreds
	// are nominally <= shred.MaxSize but the buffer is sized generously.
	DefaultDatagramBufSize = 1500

	// DefaultOOBBufSize holds the SO_TIMESTAMPNS control message.
	DefaultOOBBufSize = 64

	// DefaultSocketBufferBytes is the requested SO_RCVBUF (~32 MiB, spec
	// §4.1 "Socket setup").
	DefaultSocketBufferBytes = 32 * 1024 * 1024

	// DefaultBusyPollUs is the SO_BUSY_POLL window in microseconds.
	DefaultBusyPollUs = 50

	// readDeadlineInterval bounds how long ReadBatch blocks before the
	// loop re-checks ctx, mirroring multicast.Listener.Run's pattern.
	readDeadlineInterval = 250 * time.Millisecond

	// clockSampleCount is the number of tight-succession samples used to
	// estimate the wall-to-monotonic offset at startup.
	clockSampleCount = 8
)

// FanoutSink optionally mirrors every accepted raw datagram to an external
// capture subsystem. Implementations
// must never block; a nil sink is the default no-op.
type FanoutSink interface {
	Emit(raw RawDatagram) bool
}

// RawDatagram is the fan-out hook's payload shape.
type RawDatagram struct {
	RecvAt time.Time
	Source string
	Dest   *net.UDPAddr
	Data   []byte
}

// Config configures one Receiver. Zero values fall back to the package
// defaults.
type Config struct {
	Logger *slog.Logger

	MulticastAddr string
	Port          int
	InterfaceName string
	ForkVersion   *uint16

	BatchSize          int
	DatagramBufSize    int
	SocketBufferBytes  int
	BusyPollUs         int

	Fanout FanoutSink
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.DatagramBufSize <= 0 {
		c.DatagramBufSize = DefaultDatagramBufSize
	}
	if c.SocketBufferBytes <= 0 {
		c.SocketBufferBytes = DefaultSocketBufferBytes
	}
	if c.BusyPollUs <= 0 {
		c.BusyPollUs = DefaultBusyPollUs
	}
}

// Receiver owns one source's multicast socket and hot receive loop.
type Receiver struct {
	log        *slog.Logger
	cfg        Config
	sourceName string

	conn *net.UDPConn
	pc   *ipv4.PacketConn

	monoOffset time.Duration

	out  chan<- decode.RawShred
	race *race.Tracker
	m    *metrics.SourceMetrics
}

// New binds the socket, joins the multicast group, and configures
// busy-poll/timestamp/buffer socket options.
// Socket setup errors are fatal to the caller; New never starts the receive loop itself.
func New(sourceName string, cfg Config, out chan<- decode.RawShred, raceTracker *race.Tracker, m *metrics.SourceMetrics) (*Receiver, error) {
	cfg.setDefaults()

	r := &Receiver{
		log:        cfg.Logger.With("source", sourceName, "component", "receiver"),
		cfg:        cfg,
		sourceName: sourceName,
		out:        out,
		race:       raceTracker,
		m:          m,
	}

	if err := r.setup(); err != nil {
		return nil, err
	}
	r.monoOffset = sampleMonotonicOffset()
	return r, nil
}

func (r *Receiver) setup() error {
	// SO_REUSEADDR (not SO_REUSEPORT): with REUSEPORT the kernel's flow
	// hash would pin all of one relay's packets to a single socket,
	// starving the others when multiple sources share a box.
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}

	pconn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", r.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen udp :%d: %w", r.cfg.Port, err)
	}
	conn := pconn.(*net.UDPConn)

	mcastIP := net.ParseIP(r.cfg.MulticastAddr)
	if mcastIP == nil || mcastIP.To4() == nil {
		conn.Close()
		return fmt.Errorf("invalid multicast address %q", r.cfg.MulticastAddr)
	}

	pc := ipv4.NewPacketConn(conn)

	var ifi *net.Interface
	if r.cfg.InterfaceName != "" {
		ifi, err = net.InterfaceByName(r.cfg.InterfaceName)
		if err != nil {
			conn.Close()
			return fmt.Errorf("interface %q not found: %w", r.cfg.InterfaceName, err)
		}
	}
	if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: mcastIP}); err != nil {
		conn.Close()
		return fmt.Errorf("join multicast group %s: %w", r.cfg.MulticastAddr, err)
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return fmt.Errorf("syscall conn: %w", err)
	}
	err = rawConn.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_TIMESTAMPNS, 1); e != nil {
			r.log.Warn("SO_TIMESTAMPNS unsupported, falling back to post-recv monotonic reads", "err", e)
		}
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BUSY_POLL, r.cfg.BusyPollUs); e != nil {
			r.log.Debug("SO_BUSY_POLL unsupported", "err", e)
		}
		setRecvBuffer(int(fd), r.cfg.SocketBufferBytes, r.log)
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("configure socket options: %w", err)
	}

	r.conn = conn
	r.pc = pc
	return nil
}

// setRecvBuffer attempts the privileged SO_RCVBUFFORCE path first, falling
// back to the unprivileged SO_RCVBUF limit, and warns if the achieved size
// is less than half the request.
func setRecvBuffer(fd, want int, log *slog.Logger) {
	err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, want)
	if err != nil {
		if err2 := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, want); err2 != nil {
			log.Warn("failed to set socket receive buffer", "want", want, "err", err2)
			return
		}
	}
	got, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF)
	if gerr == nil && got < want/2 {
		log.Warn("achieved socket receive buffer smaller than half the request", "want", want, "got", got)
	}
}

// sampleMonotonicOffset samples the kernel's wall clock and the process's
// monotonic-backed time.Now() in tight succession and retains the minimum
// difference, reducing bias from scheduling jitter. The offset, added to any later CLOCK_REALTIME-based kernel
// timestamp, projects it onto time.Now()'s timeline so every receive
// timestamp in the pipeline (kernel-stamped or fallback) is comparable.
func sampleMonotonicOffset() time.Duration {
	var best time.Duration
	for i := 0; i < clockSampleCount; i++ {
		var ts unix.Timespec
		if err := unix.ClockGettime(unix.CLOCK_REALTIME, &ts); err != nil {
			continue
		}
		wall := time.Unix(ts.Sec, ts.Nsec)
		now := time.Now()
		diff := now.Sub(wall)
		if i == 0 || diff < best {
			best = diff
		}
	}
	return best
}

// Name identifies the source in logs, metrics, and race-tracker pairs.
func (r *Receiver) Name() string { return r.sourceName }

// Run blocks receiving batches until ctx is cancelled or the socket is
// closed. It never blocks the kernel socket buffer behind a full channel —
// every downstream send is non-blocking. A drop on the decode channel
// increments ShredsDropped; race-tracker and fan-out drops are silent.
func (r *Receiver) Run(ctx context.Context) error {
	defer r.conn.Close()

	msgs := make([]ipv4.Message, r.cfg.BatchSize)
	buffers := make([][]byte, r.cfg.BatchSize)
	oobs := make([][]byte, r.cfg.BatchSize)
	for i := range msgs {
		buffers[i] = make([]byte, r.cfg.DatagramBufSize)
		oobs[i] = make([]byte, DefaultOOBBufSize)
		msgs[i].Buffers = [][]byte{buffers[i]}
		msgs[i].OOB = oobs[i]
	}

	r.log.Info("shred receiver started",
		"multicast", r.cfg.MulticastAddr, "port", r.cfg.Port, "batch_size", r.cfg.BatchSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		for i := range msgs {
			msgs[i].Buffers[0] = buffers[i][:cap(buffers[i])]
			msgs[i].OOB = oobs[i][:cap(oobs[i])]
		}

		if err := r.conn.SetReadDeadline(time.Now().Add(readDeadlineInterval)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		n, err := r.pc.ReadBatch(msgs, 0)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.log.Error("batch receive error", "err", err)
			continue
		}

		for i := 0; i < n; i++ {
			r.handleDatagram(&msgs[i])
		}
	}
}

func (r *Receiver) handleDatagram(msg *ipv4.Message) {
	data := msg.Buffers[0][:msg.N]
	if len(data) < shred.ForkVersionOffset+2 {
		return
	}

	if r.cfg.ForkVersion != nil {
		fv := uint16(data[shred.ForkVersionOffset]) | uint16(data[shred.ForkVersionOffset+1])<<8
		if fv != *r.cfg.ForkVersion {
			return
		}
	}

	r.m.ShredsReceived.Add(1)
	r.m.BytesReceived.Add(uint64(len(data)))

	recvAt := r.kernelTimestamp(msg.OOB[:msg.NN])

	if len(data) >= shred.CommonHeaderEnd && r.race != nil {
		slot := leUint64(data[shred.SlotOffset:])
		idx := leUint32(data[shred.ShredIndexOffset:])
		r.race.Send(race.Arrival{Source: r.sourceName, Slot: slot, Index: idx, RecvAt: recvAt})
	}

	payload := make([]byte, len(data))
	copy(payload, data)

	if r.cfg.Fanout != nil {
		r.cfg.Fanout.Emit(RawDatagram{RecvAt: recvAt, Source: r.sourceName, Data: payload})
	}

	select {
	case r.out <- decode.RawShred{Data: payload, RecvAt: recvAt}:
	default:
		r.m.ShredsDropped.Add(1)
	}
}

// kernelTimestamp extracts SO_TIMESTAMPNS from the control message buffer
// and projects it onto the process's monotonic timeline. If no timestamp
// control message is present, it falls back to reading the clock
// immediately after return.
func (r *Receiver) kernelTimestamp(oob []byte) time.Time {
	if len(oob) > 0 {
		cmsgs, err := syscall.ParseSocketControlMessage(oob)
		if err == nil {
			for _, cmsg := range cmsgs {
				if cmsg.Header.Level == syscall.SOL_SOCKET && cmsg.Header.Type == unix.SO_TIMESTAMPNS {
					if ts, ok := parseTimespec(cmsg.Data); ok {
						return ts.Add(r.monoOffset)
					}
				}
			}
		}
	}
	return time.Now()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func leUint32(b []byte) uint32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(b[i]) << (8 * i)
	}
	return v
}
