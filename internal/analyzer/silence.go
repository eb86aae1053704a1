package analyzer

import (
	"math"

	"github.com/audiod/audiod/internal/wav"
)

// Energy analysis shared by the segmentation and diarization analyzers:
// the clip is cut into fixed windows, each window's RMS energy is compared
// against a floor, and runs of quiet windows long enough to qualify become
// silences. Speech regions are the complement.

const (
	// energyWindow is the RMS window length in seconds.
	energyWindow = 0.025
	// silenceFloor is the RMS level below which a window counts as silent,
	// roughly -40 dBFS.
	silenceFloor = 0.01
)

type span struct {
	start, end float64
}

func (s span) duration() float64 { return s.end - s.start }

// windowRMS computes per-window RMS energy over the mono samples.
func windowRMS(a *wav.Audio) []float64 {
	windowSamples := int(float64(a.SampleRate) * energyWindow)
	if windowSamples <= 0 {
		windowSamples = 1
	}
	n := (len(a.Samples) + windowSamples - 1) / windowSamples
	rms := make([]float64, 0, n)
	for off := 0; off < len(a.Samples); off += windowSamples {
		end := off + windowSamples
		if end > len(a.Samples) {
			end = len(a.Samples)
		}
		var sum float64
		for _, v := range a.Samples[off:end] {
			sum += v * v
		}
		mean := sum / float64(end-off)
		rms = append(rms, math.Sqrt(mean))
	}
	return rms
}

// findSilences returns spans where the signal stays below the floor for at
// least minDur seconds.
func findSilences(rms []float64, minDur float64) []span {
	var out []span
	runStart := -1
	for i, v := range rms {
		if v < silenceFloor {
			if runStart < 0 {
				runStart = i
			}
			continue
		}
		if runStart >= 0 {
			s := span{start: float64(runStart) * energyWindow, end: float64(i) * energyWindow}
			if s.duration() >= minDur {
				out = append(out, s)
			}
			runStart = -1
		}
	}
	if runStart >= 0 {
		s := span{start: float64(runStart) * energyWindow, end: float64(len(rms)) * energyWindow}
		if s.duration() >= minDur {
			out = append(out, s)
		}
	}
	return out
}

// speechRegions inverts the silences over [0, total]. With no qualifying
// silence the whole clip is one region.
func speechRegions(silences []span, total float64) []span {
	if total <= 0 {
		return nil
	}
	var out []span
	cursor := 0.0
	for _, s := range silences {
		if s.start > cursor {
			out = append(out, span{start: cursor, end: s.start})
		}
		cursor = s.end
	}
	if cursor < total {
		out = append(out, span{start: cursor, end: total})
	}
	return out
}
