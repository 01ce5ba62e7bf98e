package audio

import "github.com/zaf/g711"

// UlawToPCM expands 8-bit μ-law samples to 16-bit linear PCM at the same
// sample rate. Empty input yields empty output.
func UlawToPCM(ulaw []byte) []byte {
	if len(ulaw) == 0 {
		return nil
	}
	return g711.DecodeUlaw(ulaw)
}

// PCMToUlaw compands 16-bit linear PCM to 8-bit μ-law at the same sample
// rate. The input length must be a whole number of samples.
func PCMToUlaw(pcm []byte) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, nil
	}
	if len(pcm)%2 != 0 {
		return nil, ErrCorruptPCM
	}
	return g711.EncodeUlaw(pcm), nil
}
