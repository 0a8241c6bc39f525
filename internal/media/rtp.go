package media

import (
	"math/rand/v2"

	"github.com/pion/rtp"
)

const (
	// CarrierSampleRate is the G.711 clock rate on the PSTN leg.
	CarrierSampleRate = 8000

	// SessionSampleRate is the conferencing session's native rate.
	SessionSampleRate = 48000

	// samplesPerPacket is the number of 8 kHz samples in one 20 ms packet.
	samplesPerPacket = 160

	rtpHeaderSize = 12
	maxRTPPacket  = 1500
)

// packetizer holds the outbound RTP header state for one call: a random
// starting sequence number and timestamp, and a fixed random SSRC chosen
// once per call.
type packetizer struct {
	seq  uint16
	ts   uint32
	ssrc uint32
}

func newPacketizer() *packetizer {
	return &packetizer{
		seq:  uint16(rand.Uint32()),
		ts:   rand.Uint32(),
		ssrc: rand.Uint32(),
	}
}

// pack marshals one G.711 payload into an RTP packet. The timestamp
// advances by the number of 8 kHz samples in the payload.
func (p *packetizer) pack(payload []byte, payloadType int) ([]byte, error) {
	p.seq++
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    uint8(payloadType),
			SequenceNumber: p.seq,
			Timestamp:      p.ts,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
	p.ts += uint32(len(payload))
	return pkt.Marshal()
}
