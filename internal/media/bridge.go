package media

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// AudioFrame is a block of mono linear PCM exchanged with the
// conferencing session.
type AudioFrame struct {
	Samples    []int16
	SampleRate int
}

// FrameSink receives audio frames bound for the conferencing session's
// local track.
type FrameSink interface {
	WriteFrame(AudioFrame) error
}

// preAnswerQueueDepth bounds the FIFO of agent frames that arrive before
// the SIP answer: 300 packets of 20 ms is six seconds of audio, enough to
// cover the agent's opening utterance during carrier ringing.
const preAnswerQueueDepth = 300

// Bridge moves audio between one UDP RTP socket and the conferencing
// session for a single call. One instance per call; it owns the socket
// bound to a pooled port.
type Bridge struct {
	logger *slog.Logger
	conn   *net.UDPConn
	port   int

	pkt     *packetizer
	toPhone *Resampler // session rate -> 8 kHz
	toRoom  *Resampler // 8 kHz -> session rate

	mu       sync.Mutex
	remote   *net.UDPAddr
	remotePT int
	pending  [][]int16 // resampled 8 kHz frames queued before answer

	stopped     atomic.Bool
	firstRxOnce sync.Once
	lastRx      atomic.Int64 // unix nanos of last inbound packet; 0 = never
	rxPackets   atomic.Uint64
	txPackets   atomic.Uint64
}

// NewBridge binds a UDP socket on the given pooled port.
func NewBridge(port int, logger *slog.Logger) (*Bridge, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("binding rtp socket on port %d: %w", port, err)
	}
	return &Bridge{
		logger:  logger.With("subsystem", "rtp-bridge", "port", port),
		conn:    conn,
		port:    port,
		pkt:     newPacketizer(),
		toPhone: NewResampler(SessionSampleRate, CarrierSampleRate),
		toRoom:  NewResampler(CarrierSampleRate, SessionSampleRate),
	}, nil
}

// Port returns the local RTP port.
func (b *Bridge) Port() int {
	return b.port
}

// Start launches the receive loop. Frames decoded from inbound RTP are
// written to sink at the session rate. The loop exits when ctx is
// cancelled or Stop closes the socket.
func (b *Bridge) Start(ctx context.Context, sink FrameSink) {
	go b.receiveLoop(ctx, sink)
}

func (b *Bridge) receiveLoop(ctx context.Context, sink FrameSink) {
	buf := make([]byte, maxRTPPacket)
	var pkt rtp.Packet

	for {
		if b.stopped.Load() || ctx.Err() != nil {
			return
		}

		b.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if !b.stopped.Load() {
				b.logger.Debug("rtp read error", "error", err)
			}
			return
		}
		if n < rtpHeaderSize {
			continue
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}

		b.rxPackets.Add(1)
		b.lastRx.Store(time.Now().UnixNano())
		b.firstRxOnce.Do(func() {
			b.logger.Info("first rtp packet received",
				"from", addr.String(),
				"payload_type", pkt.PayloadType,
			)
		})

		// The payload type is read from each packet header rather than
		// trusted from the SDP answer; some carriers send a different
		// codec than they negotiated.
		pcm, ok := DecodeG711(pkt.Payload, int(pkt.PayloadType))
		if !ok {
			continue // telephone-event or unknown payload
		}

		frame := AudioFrame{
			Samples:    b.toRoom.Resample(pcm),
			SampleRate: SessionSampleRate,
		}
		if err := sink.WriteFrame(frame); err != nil {
			if !b.stopped.Load() {
				b.logger.Debug("frame sink write failed", "error", err)
			}
			return
		}
	}
}

// SendFrame queues or transmits one agent audio frame toward the phone.
// Before SetRemoteEndpoint is called, frames are resampled and held in a
// bounded FIFO so the call's opening audio is not lost; afterwards they
// are encoded with the negotiated codec and sent directly.
func (b *Bridge) SendFrame(frame AudioFrame) error {
	if b.stopped.Load() {
		return nil
	}

	b.mu.Lock()
	pcm8 := b.toPhone.Resample(frame.Samples)
	if b.remote == nil {
		if len(b.pending) >= preAnswerQueueDepth {
			b.pending = b.pending[1:]
		}
		b.pending = append(b.pending, pcm8)
		b.mu.Unlock()
		return nil
	}
	remote, pt := b.remote, b.remotePT
	b.mu.Unlock()

	return b.transmit(pcm8, remote, pt)
}

// SetRemoteEndpoint flushes the frames buffered before answer, in
// arrival order, then fixes the far end's RTP destination and codec.
// The remote address is published only once the queue is empty: a frame
// arriving mid-flush still sees a nil remote and joins the tail of the
// queue, so the opening audio cannot overtake it on the wire.
func (b *Bridge) SetRemoteEndpoint(ep RtpEndpoint) error {
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(ep.IP, fmt.Sprintf("%d", ep.Port)))
	if err != nil {
		return fmt.Errorf("resolving remote rtp endpoint %s: %w", ep, err)
	}

	flushed := 0
	b.mu.Lock()
	for len(b.pending) > 0 {
		queued := b.pending
		b.pending = nil
		b.mu.Unlock()
		for _, pcm8 := range queued {
			if err := b.transmit(pcm8, addr, ep.PayloadType); err != nil {
				return err
			}
		}
		flushed += len(queued)
		b.mu.Lock()
	}
	b.remote = addr
	b.remotePT = ep.PayloadType
	b.mu.Unlock()

	b.logger.Info("remote rtp endpoint set", "endpoint", ep.String(), "queued_frames", flushed)
	return nil
}

func (b *Bridge) transmit(pcm8 []int16, remote *net.UDPAddr, payloadType int) error {
	if len(pcm8) == 0 {
		return nil
	}
	b.mu.Lock()
	data, err := b.pkt.pack(EncodeG711(pcm8, payloadType), payloadType)
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshaling rtp packet: %w", err)
	}
	if _, err := b.conn.WriteToUDP(data, remote); err != nil {
		if b.stopped.Load() {
			return nil
		}
		return fmt.Errorf("sending rtp packet: %w", err)
	}
	b.txPackets.Add(1)
	return nil
}

// SinceLastRx reports the time since the last inbound RTP packet. The
// second return value is false if no packet has ever arrived.
func (b *Bridge) SinceLastRx() (time.Duration, bool) {
	ns := b.lastRx.Load()
	if ns == 0 {
		return 0, false
	}
	return time.Since(time.Unix(0, ns)), true
}

// PacketsReceived returns the inbound packet count.
func (b *Bridge) PacketsReceived() uint64 { return b.rxPackets.Load() }

// PacketsSent returns the outbound packet count.
func (b *Bridge) PacketsSent() uint64 { return b.txPackets.Load() }

// Stop closes the socket. Safe to call more than once and safe to call
// when no packet was ever received; the zero-inbound case is logged as a
// diagnostic because it usually means a firewall or a wrong advertised
// media address rather than a code defect.
func (b *Bridge) Stop() {
	if !b.stopped.CompareAndSwap(false, true) {
		return
	}
	b.conn.Close()

	rx, tx := b.rxPackets.Load(), b.txPackets.Load()
	if rx == 0 {
		b.logger.Warn("no inbound rtp for entire call; check firewall rules and the advertised media address",
			"tx_packets", tx)
	}
	b.logger.Info("rtp bridge stopped", "rx_packets", rx, "tx_packets", tx)
}
