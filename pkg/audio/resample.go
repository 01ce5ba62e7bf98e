package audio

import "math"

// Downsampler filter design. The cutoff sits well below the 4 kHz telephony
// Nyquist so aliasing products stay out of the voice band after 3:1
// decimation.
const (
	firTaps   = 45
	firCutoff = 3400.0 // Hz, at the 24 kHz input rate
)

// Upsampler doubles 16-bit mono PCM from 8 kHz to 16 kHz by linear
// interpolation, keeping the last sample of each call so that interpolation
// is continuous across packet boundaries. Create one per stream; not safe for
// concurrent use.
type Upsampler struct {
	prev    int16
	started bool
}

// Process returns the 2× upsampled PCM for pcm8k. Empty input returns nil.
// An odd byte count is corrupt PCM.
func (u *Upsampler) Process(pcm8k []byte) ([]byte, error) {
	if len(pcm8k) == 0 {
		return nil, nil
	}
	if len(pcm8k)%2 != 0 {
		return nil, ErrCorruptPCM
	}

	n := len(pcm8k) / 2
	out := make([]byte, n*4)
	prev := u.prev
	for i := range n {
		s := int16(pcm8k[i*2]) | int16(pcm8k[i*2+1])<<8
		if !u.started {
			prev = s
			u.started = true
		}
		mid := int16((int32(prev) + int32(s)) / 2)
		out[i*4] = byte(mid)
		out[i*4+1] = byte(mid >> 8)
		out[i*4+2] = byte(s)
		out[i*4+3] = byte(s >> 8)
		prev = s
	}
	u.prev = prev
	return out, nil
}

// Reset clears the interpolation state.
func (u *Upsampler) Reset() {
	u.prev = 0
	u.started = false
}

// Downsampler converts 16-bit mono PCM from 24 kHz to 8 kHz: a windowed-sinc
// low-pass FIR followed by 3:1 decimation. Filter history and the decimation
// phase persist across calls, so packets of any size (including packets
// shorter than one output sample) convert without seams — the residue is
// bounded by the filter length and emitted on the next call. Create one per
// stream; not safe for concurrent use.
type Downsampler struct {
	taps  []float64
	hist  []int16 // last len(taps)-1 input samples
	phase int     // 0..2 position within the current decimation group
}

// NewDownsampler builds a Downsampler with the standard telephony low-pass.
func NewDownsampler() *Downsampler {
	return &Downsampler{
		taps: firLowpass(firTaps, firCutoff/ModelOutputRate),
		hist: make([]int16, firTaps-1),
	}
}

// Process returns the 8 kHz PCM produced from pcm24k. Empty input returns
// nil. An odd byte count is corrupt PCM.
func (d *Downsampler) Process(pcm24k []byte) ([]byte, error) {
	if len(pcm24k) == 0 {
		return nil, nil
	}
	if len(pcm24k)%2 != 0 {
		return nil, ErrCorruptPCM
	}

	n := len(pcm24k) / 2
	ext := make([]int16, len(d.hist)+n)
	copy(ext, d.hist)
	for i := range n {
		ext[len(d.hist)+i] = int16(pcm24k[i*2]) | int16(pcm24k[i*2+1])<<8
	}

	out := make([]byte, 0, (n/3+1)*2)
	for i := range n {
		if d.phase == 0 {
			pos := len(d.hist) + i
			var acc float64
			for k, t := range d.taps {
				acc += t * float64(ext[pos-k])
			}
			s := clampToInt16(acc)
			out = append(out, byte(s), byte(s>>8))
		}
		d.phase = (d.phase + 1) % 3
	}

	copy(d.hist, ext[len(ext)-len(d.hist):])
	return out, nil
}

// Reset clears the filter history and decimation phase.
func (d *Downsampler) Reset() {
	for i := range d.hist {
		d.hist[i] = 0
	}
	d.phase = 0
}

// firLowpass returns n Hamming-windowed sinc taps with the given normalised
// cutoff (cycles per sample), scaled to unity DC gain.
func firLowpass(n int, cutoff float64) []float64 {
	taps := make([]float64, n)
	mid := float64(n-1) / 2
	var sum float64
	for i := range n {
		x := float64(i) - mid
		var s float64
		if x == 0 {
			s = 2 * cutoff
		} else {
			s = math.Sin(2*math.Pi*cutoff*x) / (math.Pi * x)
		}
		w := 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
		taps[i] = s * w
		sum += taps[i]
	}
	for i := range taps {
		taps[i] /= sum
	}
	return taps
}

func clampToInt16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(math.Round(v))
	}
}
