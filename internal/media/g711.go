package media

// RTP payload types for the two canonical G.711 variants (RFC 3551).
const (
	PayloadTypePCMU = 0 // u-law
	PayloadTypePCMA = 8 // a-law
	PayloadTypeDTMF = 101
)

// G.711 u-law (PCMU) decoding table: maps each u-law byte to a 16-bit linear PCM sample.
var ulawToLinear [256]int16

// G.711 a-law (PCMA) decoding table: maps each a-law byte to a 16-bit linear PCM sample.
var alawToLinear [256]int16

// G.711 u-law encoding table: indexed by the uint16 bit pattern of the signed sample.
var linearToUlaw [65536]uint8

// G.711 a-law encoding table: indexed by the uint16 bit pattern of the signed sample.
var linearToAlaw [65536]uint8

func init() {
	for i := 0; i < 256; i++ {
		ulawToLinear[i] = decodeUlaw(uint8(i))
		alawToLinear[i] = decodeAlaw(uint8(i))
	}
	for i := -32768; i <= 32767; i++ {
		linearToUlaw[uint16(int16(i))] = encodeUlaw(int16(i))
		linearToAlaw[uint16(int16(i))] = encodeAlaw(int16(i))
	}
}

// decodeUlaw converts a u-law byte to a 16-bit linear PCM sample.
func decodeUlaw(u uint8) int16 {
	// Complement to obtain the original code.
	u = ^u
	negative := u&0x80 != 0
	exponent := int((u >> 4) & 0x07)
	mantissa := int(u & 0x0F)
	sample := (((mantissa << 3) + 0x84) << uint(exponent)) - 0x84
	if negative {
		return int16(-sample)
	}
	return int16(sample)
}

// decodeAlaw converts an a-law byte to a 16-bit linear PCM sample.
func decodeAlaw(a uint8) int16 {
	a ^= 0x55
	sign := int16(1)
	if a&0x80 != 0 {
		a &= 0x7F
	} else {
		sign = -1
	}
	exponent := int((a >> 4) & 0x07)
	mantissa := int(a & 0x0F)
	var sample int16
	if exponent == 0 {
		sample = int16(mantissa<<4 | 0x08)
	} else {
		sample = int16((mantissa<<4 | 0x108) << uint(exponent-1))
	}
	return sign * sample
}

// encodeUlaw converts a 16-bit linear PCM sample to a u-law byte.
func encodeUlaw(sample int16) uint8 {
	const bias = 0x84
	const clip = 32635

	sign := uint8(0)
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > clip {
		sample = clip
	}
	sample += bias

	exponent := 7
	mask := int16(0x4000)
	for exponent > 0 {
		if sample&mask != 0 {
			break
		}
		exponent--
		mask >>= 1
	}

	mantissa := (sample >> (uint(exponent) + 3)) & 0x0F
	return ^(sign | uint8(exponent<<4) | uint8(mantissa))
}

// Segment upper bounds for a-law encoding, in the 13-bit magnitude domain.
var alawSegEnd = [8]int{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

// encodeAlaw converts a 16-bit linear PCM sample to an a-law byte.
func encodeAlaw(sample int16) uint8 {
	mask := uint8(0xD5)
	pcm := int(sample) >> 3
	if pcm < 0 {
		mask = 0x55
		pcm = -pcm - 1
	}
	if pcm > 0xFFF {
		pcm = 0xFFF
	}

	seg := 0
	for seg < 8 && pcm > alawSegEnd[seg] {
		seg++
	}

	aval := uint8(seg << 4)
	if seg < 2 {
		aval |= uint8((pcm >> 1) & 0x0F)
	} else {
		aval |= uint8((pcm >> uint(seg)) & 0x0F)
	}
	return aval ^ mask
}

// DecodeG711 converts a G.711 payload to linear PCM using the companding
// law indicated by the RTP payload type. The second return value is false
// for payload types that are not PCMU or PCMA.
func DecodeG711(payload []byte, payloadType int) ([]int16, bool) {
	pcm := make([]int16, len(payload))
	switch payloadType {
	case PayloadTypePCMU:
		for i, b := range payload {
			pcm[i] = ulawToLinear[b]
		}
	case PayloadTypePCMA:
		for i, b := range payload {
			pcm[i] = alawToLinear[b]
		}
	default:
		return nil, false
	}
	return pcm, true
}

// EncodeG711 converts linear PCM to a G.711 payload using the companding
// law indicated by the RTP payload type. Unknown payload types fall back
// to a-law, which matches the first codec offered in the session
// description.
func EncodeG711(pcm []int16, payloadType int) []byte {
	out := make([]byte, len(pcm))
	if payloadType == PayloadTypePCMU {
		for i, s := range pcm {
			out[i] = linearToUlaw[uint16(s)]
		}
		return out
	}
	for i, s := range pcm {
		out[i] = linearToAlaw[uint16(s)]
	}
	return out
}
