// Package audio implements the pure audio-format layer of the gateway: ITU
// G.711 μ-law companding and the sample-rate conversions between the carrier
// leg (μ-law, 8 kHz, mono) and the model leg (linear PCM s16le, 16 kHz in /
// 24 kHz out).
//
// The package performs no I/O. The only state is the small continuity state
// kept by the resamplers (filter history and decimation phase) so that audio
// split across many 20 ms packets converts without seams. All PCM byte slices
// are little-endian signed 16-bit mono.
package audio

import (
	"errors"
	"time"
)

// Sample rates of the three audio legs.
const (
	CarrierRate     = 8000  // μ-law toward/from the telephone network
	ModelInputRate  = 16000 // PCM sent to the model
	ModelOutputRate = 24000 // PCM received from the model
)

// FrameDuration is the carrier's fixed packetisation interval.
const FrameDuration = 20 * time.Millisecond

// CarrierFrameBytes is the payload size of one 20 ms μ-law frame at 8 kHz.
const CarrierFrameBytes = CarrierRate / 1000 * 20

// ErrCorruptPCM reports a PCM byte slice whose length is not a whole number
// of 16-bit samples. The orchestrator treats this as fatal for the call.
var ErrCorruptPCM = errors.New("audio: pcm length is not a multiple of the sample size")

// Direction tags which leg of the bridge a frame belongs to.
type Direction uint8

const (
	// ToModel is caller audio flowing toward the model.
	ToModel Direction = iota
	// FromModel is model audio flowing toward the caller.
	FromModel
)

// String returns the metric/log label for d.
func (d Direction) String() string {
	if d == ToModel {
		return "to_model"
	}
	return "from_model"
}

// Encoding identifies the byte layout of a frame payload.
type Encoding uint8

const (
	// EncodingUlaw is 8-bit G.711 μ-law.
	EncodingUlaw Encoding = iota
	// EncodingPCM16 is little-endian signed 16-bit linear PCM.
	EncodingPCM16
)

// Frame is one tagged chunk of audio moving through the bridge. Seq increases
// monotonically per direction within a call; gaps indicate drops and are
// counted, never repaired.
type Frame struct {
	Direction  Direction
	Encoding   Encoding
	SampleRate int
	Seq        uint64
	Data       []byte
}
