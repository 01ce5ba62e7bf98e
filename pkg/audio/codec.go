package audio

// Codec bundles both conversion directions for one call: carrier μ-law @ 8 kHz
// up to model PCM @ 16 kHz, and model PCM @ 24 kHz down to carrier μ-law
// @ 8 kHz. Create one per call; not safe for concurrent use from multiple
// goroutines (the two directions are driven by separate pump goroutines, so
// each direction's state is touched by exactly one of them).
type Codec struct {
	up   Upsampler
	down *Downsampler
}

// NewCodec returns a Codec ready for the first packet of a call.
func NewCodec() *Codec {
	return &Codec{down: NewDownsampler()}
}

// DecodeUlawToPCM16k converts carrier μ-law @ 8 kHz to model-input PCM
// @ 16 kHz. Empty input yields empty output; there are no other error cases
// on this path because every μ-law byte is a valid sample.
func (c *Codec) DecodeUlawToPCM16k(ulaw []byte) ([]byte, error) {
	pcm8k := UlawToPCM(ulaw)
	return c.up.Process(pcm8k)
}

// EncodePCM24kToUlaw converts model-output PCM @ 24 kHz to carrier μ-law
// @ 8 kHz. A byte length that is not a whole number of samples is rejected
// as ErrCorruptPCM.
func (c *Codec) EncodePCM24kToUlaw(pcm24k []byte) ([]byte, error) {
	pcm8k, err := c.down.Process(pcm24k)
	if err != nil {
		return nil, err
	}
	return PCMToUlaw(pcm8k)
}

// Reset clears all resampling state, as on barge-in when buffered model audio
// is discarded mid-stream.
func (c *Codec) Reset() {
	c.up.Reset()
	c.down.Reset()
}
