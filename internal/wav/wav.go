// Package wav adapts go-audio's RIFF/WAVE decoding for the analyzers:
// integer PCM in, normalized mono float samples out.
package wav

import (
	"errors"
	"fmt"
	"io"

	gowav "github.com/go-audio/wav"
)

// ErrFormat is returned for files that are not PCM WAV.
var ErrFormat = errors.New("not a PCM WAV file")

// Audio holds decoded samples, downmixed to mono in [-1, 1].
type Audio struct {
	SampleRate int
	Samples    []float64
}

// Duration returns the clip length in seconds.
func (a *Audio) Duration() float64 {
	if a.SampleRate == 0 {
		return 0
	}
	return float64(len(a.Samples)) / float64(a.SampleRate)
}

// Decode reads a complete WAV stream into memory.
func Decode(r io.ReadSeeker) (*Audio, error) {
	d := gowav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, ErrFormat
	}
	if d.WavAudioFormat != 1 {
		return nil, fmt.Errorf("%w: compression format %d", ErrFormat, d.WavAudioFormat)
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	channels := buf.Format.NumChannels
	if channels < 1 || len(buf.Data) == 0 {
		return nil, fmt.Errorf("%w: no samples", ErrFormat)
	}

	var norm func(int) float64
	switch buf.SourceBitDepth {
	case 8:
		// 8-bit WAV is unsigned, centered at 128.
		norm = func(v int) float64 { return (float64(v) - 128) / 128 }
	case 16, 24, 32:
		scale := float64(int64(1) << (buf.SourceBitDepth - 1))
		norm = func(v int) float64 { return float64(v) / scale }
	default:
		return nil, fmt.Errorf("%w: %d bits per sample", ErrFormat, buf.SourceBitDepth)
	}

	frames := len(buf.Data) / channels
	out := &Audio{
		SampleRate: buf.Format.SampleRate,
		Samples:    make([]float64, frames),
	}
	for i := range frames {
		var sum float64
		for c := range channels {
			sum += norm(buf.Data[i*channels+c])
		}
		out.Samples[i] = sum / float64(channels)
	}
	return out, nil
}

// ProbeDuration reads only the headers and reports the clip length in
// seconds without decoding samples. The estimate comes from the declared
// RIFF size, so it runs a few header bytes long.
func ProbeDuration(r io.ReadSeeker) (float64, error) {
	d := gowav.NewDecoder(r)
	if !d.IsValidFile() {
		return 0, ErrFormat
	}
	dur, err := d.Duration()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return dur.Seconds(), nil
}
