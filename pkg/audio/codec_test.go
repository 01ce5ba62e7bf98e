package audio_test

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/voicegate-ai/voicegate/pkg/audio"
)

// samplesToBytes converts int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts little-endian bytes to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

// sineWave generates n samples of a freq-Hz sine at rate Hz scaled to amp.
func sineWave(n int, freq, rate float64, amp int16) []int16 {
	out := make([]int16, n)
	for i := range n {
		out[i] = int16(float64(amp) * math.Sin(2*math.Pi*freq*float64(i)/rate))
	}
	return out
}

func TestUlawRoundTrip_BoundedError(t *testing.T) {
	t.Parallel()

	// 1 kHz tone at 16 kHz, near full scale.
	src := sineWave(1600, 1000, 16000, 30000)
	pcm := samplesToBytes(src)

	ulaw, err := audio.PCMToUlaw(pcm)
	if err != nil {
		t.Fatalf("PCMToUlaw: %v", err)
	}
	back := bytesToSamples(audio.UlawToPCM(ulaw))
	if len(back) != len(src) {
		t.Fatalf("round trip length: got %d, want %d", len(back), len(src))
	}

	// μ-law's largest segment quantises with a step of 256 linear units around
	// full scale; per-sample error must stay within one step.
	var sumSq float64
	for i := range src {
		diff := float64(src[i]) - float64(back[i])
		if math.Abs(diff) > 256 {
			t.Fatalf("sample %d: error %v exceeds quantisation step", i, diff)
		}
		sumSq += diff * diff
	}
	rms := math.Sqrt(sumSq/float64(len(src))) / 32768
	if rms > 0.02 {
		t.Errorf("round-trip RMS error %.4f of full scale, want <= 0.02", rms)
	}
}

func TestPCMToUlaw_OddLengthCorrupt(t *testing.T) {
	t.Parallel()
	if _, err := audio.PCMToUlaw([]byte{0x01, 0x02, 0x03}); !errors.Is(err, audio.ErrCorruptPCM) {
		t.Fatalf("want ErrCorruptPCM, got %v", err)
	}
}

func TestCodec_EmptyInput(t *testing.T) {
	t.Parallel()
	c := audio.NewCodec()

	out, err := c.DecodeUlawToPCM16k(nil)
	if err != nil || len(out) != 0 {
		t.Fatalf("decode empty: out=%v err=%v", out, err)
	}
	out, err = c.EncodePCM24kToUlaw(nil)
	if err != nil || len(out) != 0 {
		t.Fatalf("encode empty: out=%v err=%v", out, err)
	}
}

func TestCodec_DecodeDoublesSampleCount(t *testing.T) {
	t.Parallel()
	c := audio.NewCodec()

	// One 20 ms carrier frame: 160 μ-law bytes → 320 samples at 16 kHz.
	ulaw := make([]byte, audio.CarrierFrameBytes)
	for i := range ulaw {
		ulaw[i] = 0xFF // μ-law silence
	}
	pcm, err := c.DecodeUlawToPCM16k(ulaw)
	if err != nil {
		t.Fatalf("DecodeUlawToPCM16k: %v", err)
	}
	if got, want := len(pcm)/2, 320; got != want {
		t.Fatalf("sample count: got %d, want %d", got, want)
	}
}

func TestCodec_EncodeThirdsSampleCount(t *testing.T) {
	t.Parallel()
	c := audio.NewCodec()

	src := samplesToBytes(sineWave(480, 440, 24000, 16000)) // 20 ms at 24 kHz
	ulaw, err := c.EncodePCM24kToUlaw(src)
	if err != nil {
		t.Fatalf("EncodePCM24kToUlaw: %v", err)
	}
	if got, want := len(ulaw), 160; got != want {
		t.Fatalf("μ-law byte count: got %d, want %d", got, want)
	}
}

func TestCodec_EncodeRejectsOddLength(t *testing.T) {
	t.Parallel()
	c := audio.NewCodec()
	if _, err := c.EncodePCM24kToUlaw([]byte{0x00}); !errors.Is(err, audio.ErrCorruptPCM) {
		t.Fatalf("want ErrCorruptPCM, got %v", err)
	}
}

func TestDownsampler_SplitMatchesOneShot(t *testing.T) {
	t.Parallel()

	src := samplesToBytes(sineWave(24*30, 1000, 24000, 20000)) // 30 ms

	whole := audio.NewDownsampler()
	want, err := whole.Process(src)
	if err != nil {
		t.Fatalf("one-shot Process: %v", err)
	}

	// Feed the same audio in uneven slivers, including one shorter than a
	// single output sample (2 bytes = one input sample).
	split := audio.NewDownsampler()
	var got []byte
	bounds := []int{2, 12, 258, 758, len(src)}
	prev := 0
	for _, b := range bounds {
		chunk, err := split.Process(src[prev:b])
		if err != nil {
			t.Fatalf("split Process: %v", err)
		}
		got = append(got, chunk...)
		prev = b
	}

	if len(got) != len(want) {
		t.Fatalf("split output length %d, one-shot %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d differs: split %d, one-shot %d", i, got[i], want[i])
		}
	}
}

func TestDownsampler_AttenuatesAbove4kHz(t *testing.T) {
	t.Parallel()

	// A 6 kHz tone at 24 kHz would alias into the telephony band; the
	// low-pass must squash it before decimation.
	src := samplesToBytes(sineWave(2400, 6000, 24000, 28000))
	d := audio.NewDownsampler()
	out, err := d.Process(src)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	samples := bytesToSamples(out)
	var sumSq float64
	for _, s := range samples[len(samples)/4:] { // skip filter warm-up
		sumSq += float64(s) * float64(s)
	}
	rms := math.Sqrt(sumSq / float64(len(samples)*3/4))
	if rms > 2800 { // ≥ 20 dB down from the 28000-amplitude input
		t.Errorf("6 kHz tone survived the low-pass: RMS %.0f", rms)
	}
}

func TestUpsampler_ContinuousAcrossPackets(t *testing.T) {
	t.Parallel()

	src := samplesToBytes(sineWave(320, 500, 8000, 12000))

	whole := &audio.Upsampler{}
	want, err := whole.Process(src)
	if err != nil {
		t.Fatalf("one-shot Process: %v", err)
	}

	split := &audio.Upsampler{}
	var got []byte
	for i := 0; i < len(src); i += 80 {
		end := min(i+80, len(src))
		chunk, err := split.Process(src[i:end])
		if err != nil {
			t.Fatalf("split Process: %v", err)
		}
		got = append(got, chunk...)
	}

	if len(got) != len(want) {
		t.Fatalf("split output length %d, one-shot %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d differs: split %d, one-shot %d", i, got[i], want[i])
		}
	}
}

func TestCodec_ResetClearsState(t *testing.T) {
	t.Parallel()

	c := audio.NewCodec()
	loud := samplesToBytes(sineWave(480, 1000, 24000, 28000))
	if _, err := c.EncodePCM24kToUlaw(loud); err != nil {
		t.Fatalf("EncodePCM24kToUlaw: %v", err)
	}
	c.Reset()

	// After a reset, silence must encode to silence immediately — no tail of
	// the previous loud signal may leak out of the filter history.
	silence := make([]byte, 480*2)
	ulaw, err := c.EncodePCM24kToUlaw(silence)
	if err != nil {
		t.Fatalf("EncodePCM24kToUlaw after reset: %v", err)
	}
	for i, s := range bytesToSamples(audio.UlawToPCM(ulaw)) {
		if s > 8 || s < -8 {
			t.Fatalf("sample %d after reset: got %d, want near zero", i, s)
		}
	}
}
