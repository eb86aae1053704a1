package analyzer

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/audiod/audiod/internal/job"
	"github.com/audiod/audiod/internal/wav"
)

// Segmenter cuts audio into speech segments at silence gaps. Segments split
// only where the signal is quiet for at least min_silence_duration; regions
// outside the [min,max] duration bounds are merged with a neighbor or split
// at their quietest point.
type Segmenter struct{}

func NewSegmenter() *Segmenter { return &Segmenter{} }

func (sg *Segmenter) Run(ctx context.Context, in Input, params job.Params, progress ProgressFunc) (job.Result, error) {
	p := params.Segmentation
	if p == nil {
		return job.Result{}, fmt.Errorf("segmentation parameters missing")
	}
	audio, err := decodeWAV(in)
	if err != nil {
		return job.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return job.Result{}, err
	}

	rms := windowRMS(audio)
	total := audio.Duration()
	regions := speechRegions(findSilences(rms, p.MinSilenceDuration), total)
	regions = mergeShort(regions, p.MinSegmentDuration, p.MaxSegmentDuration)

	segments := make([]job.Span, 0, len(regions))
	for i, r := range regions {
		if err := ctx.Err(); err != nil {
			return job.Result{}, err
		}
		for _, part := range splitLong(r, rms, p.MaxSegmentDuration, p.MinSegmentDuration) {
			segments = append(segments, job.Span{Start: part.start, End: part.end})
		}
		progress(i+1, len(regions), fmt.Sprintf("segment %d of %d", i+1, len(regions)))
	}

	return job.Result{Segmentation: &job.Segmentation{Segments: segments}}, nil
}

// mergeShort folds regions shorter than min into a neighbor when the merged
// span stays within max. A lone region is always kept: a clip shorter than
// min_segment_duration still yields its one segment.
func mergeShort(regions []span, min, max float64) []span {
	if len(regions) <= 1 {
		return regions
	}
	out := make([]span, 0, len(regions))
	for _, r := range regions {
		if r.duration() >= min || len(out) == 0 {
			out = append(out, r)
			continue
		}
		prev := &out[len(out)-1]
		if r.end-prev.start <= max {
			prev.end = r.end
		} else {
			// Too short to stand alone, too big to merge: treat as noise.
			continue
		}
	}
	// A short leading region merges forward instead.
	if len(out) >= 2 && out[0].duration() < min && out[1].end-out[0].start <= max {
		out[1].start = out[0].start
		out = out[1:]
	}
	return out
}

// splitLong cuts a region longer than max into pieces, preferring the
// quietest window inside the allowed range as each cut point so splits land
// on sub-threshold gaps when any exist.
func splitLong(r span, rms []float64, max, min float64) []span {
	if r.duration() <= max {
		return []span{r}
	}
	lo, hi := r.start+min, r.start+max
	if rest := r.end - min; rest < hi {
		hi = rest
	}
	var cut float64
	if hi > lo {
		cut = quietestPoint(rms, lo, hi)
	} else {
		// No cut satisfies both bounds; halve the region.
		cut = r.start + r.duration()/2
	}
	head := span{start: r.start, end: cut}
	rest := splitLong(span{start: cut, end: r.end}, rms, max, min)
	return append([]span{head}, rest...)
}

// quietestPoint returns the center of the lowest-energy window between lo
// and hi (seconds).
func quietestPoint(rms []float64, lo, hi float64) float64 {
	loIdx := int(lo / energyWindow)
	hiIdx := int(hi / energyWindow)
	if hiIdx > len(rms) {
		hiIdx = len(rms)
	}
	if loIdx >= hiIdx {
		return hi
	}
	best := loIdx
	for i := loIdx; i < hiIdx; i++ {
		if rms[i] < rms[best] {
			best = i
		}
	}
	return (float64(best) + 0.5) * energyWindow
}

// decodeWAV opens and decodes the input, mapping non-WAV input to
// ErrUnsupportedFormat. Compressed formats are expected to be converted
// upstream before submission.
func decodeWAV(in Input) (*wav.Audio, error) {
	if in.Format != "wav" {
		return nil, fmt.Errorf("%s input: %w", in.Format, ErrUnsupportedFormat)
	}
	f, err := os.Open(in.Path)
	if err != nil {
		return nil, fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	audio, err := wav.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", in.Path, errUnsupportedIfFormat(err))
	}
	return audio, nil
}

func errUnsupportedIfFormat(err error) error {
	if errors.Is(err, wav.ErrFormat) {
		return ErrUnsupportedFormat
	}
	return err
}
