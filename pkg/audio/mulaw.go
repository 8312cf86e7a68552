// Package audio provides μ-law codec helpers for the telephony pipeline.
//
// All call audio in Attenda is G.711 μ-law at 8 kHz mono — the format the
// telephony media stream delivers and expects. These helpers are the only
// audio processing the runtime performs; anything beyond trivial energy
// estimation is deliberately out of scope.
package audio

// SilenceByte is the μ-law encoding of a zero-amplitude sample.
const SilenceByte = 0x7F

const muLawBias = 0x84

// DecodeSample converts a single μ-law byte to a linear 16-bit PCM sample.
func DecodeSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F

	sample := int16((int(mantissa)<<3+muLawBias)<<exponent - muLawBias)
	if sign != 0 {
		return -sample
	}
	return sample
}

// Decode converts a μ-law frame to linear 16-bit PCM samples.
func Decode(frame []byte) []int16 {
	out := make([]int16, len(frame))
	for i, b := range frame {
		out[i] = DecodeSample(b)
	}
	return out
}

// ActiveRatio returns the fraction of samples in a μ-law frame whose
// deviation from the silence byte exceeds deviation. It operates on the
// encoded domain directly: μ-law's logarithmic companding makes byte
// distance from [SilenceByte] a serviceable loudness proxy, and avoiding
// the decode keeps the per-frame ingress path allocation-free.
//
// An empty frame has ratio 0.
func ActiveRatio(frame []byte, deviation int) float64 {
	if len(frame) == 0 {
		return 0
	}
	active := 0
	for _, b := range frame {
		d := int(b) - SilenceByte
		if d < 0 {
			d = -d
		}
		if d > deviation {
			active++
		}
	}
	return float64(active) / float64(len(frame))
}
