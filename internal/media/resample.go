package media

// Resampler converts linear PCM between two fixed sample rates using
// linear interpolation. State (the last consumed sample and the
// fractional read position) is carried across calls so packet boundaries
// do not introduce discontinuities. One instance per direction per call;
// never shared.
type Resampler struct {
	fromRate int
	toRate   int

	last   int16
	pos    float64
	primed bool
}

// NewResampler creates a resampler converting fromRate to toRate.
func NewResampler(fromRate, toRate int) *Resampler {
	return &Resampler{fromRate: fromRate, toRate: toRate}
}

// Resample converts a block of samples to the target rate. Output length
// varies by a sample or two between calls depending on the carried
// fractional position.
func (r *Resampler) Resample(in []int16) []int16 {
	if len(in) == 0 {
		return nil
	}
	if r.fromRate == r.toRate {
		out := make([]int16, len(in))
		copy(out, in)
		r.last = in[len(in)-1]
		r.primed = true
		return out
	}

	// Prepend the previous block's final sample so interpolation spans
	// the packet boundary.
	ext := in
	if r.primed {
		ext = make([]int16, 0, len(in)+1)
		ext = append(ext, r.last)
		ext = append(ext, in...)
	}

	step := float64(r.fromRate) / float64(r.toRate)
	out := make([]int16, 0, len(in)*r.toRate/r.fromRate+2)

	t := r.pos
	for {
		i := int(t)
		if i+1 >= len(ext) {
			break
		}
		frac := t - float64(i)
		s := float64(ext[i]) + (float64(ext[i+1])-float64(ext[i]))*frac
		out = append(out, int16(s))
		t += step
	}

	r.pos = t - float64(len(ext)-1)
	r.last = ext[len(ext)-1]
	r.primed = true
	return out
}

// Reset clears the carried filter state.
func (r *Resampler) Reset() {
	r.last = 0
	r.pos = 0
	r.primed = false
}
