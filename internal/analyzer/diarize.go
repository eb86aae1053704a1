package analyzer

import (
	"context"
	"fmt"

	"github.com/audiod/audiod/internal/job"
)

// Diarizer assigns speaker labels to speech regions using a gap heuristic:
// the speaker advances whenever the pause between two regions exceeds a
// threshold. It is a stand-in for a model-backed pipeline and keeps the same
// result contract one would produce.
type Diarizer struct{}

const (
	// diarizeMinSilence is the pause length that separates speech regions.
	diarizeMinSilence = 0.35
	// speakerSwitchGap is the pause length that suggests a speaker change.
	speakerSwitchGap = 1.5
)

func NewDiarizer() *Diarizer { return &Diarizer{} }

func (d *Diarizer) Run(ctx context.Context, in Input, params job.Params, progress ProgressFunc) (job.Result, error) {
	p := params.Diarization
	if p == nil {
		return job.Result{}, fmt.Errorf("diarization parameters missing")
	}
	audio, err := decodeWAV(in)
	if err != nil {
		return job.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return job.Result{}, err
	}

	regions := speechRegions(findSilences(windowRMS(audio), diarizeMinSilence), audio.Duration())

	// With a declared speaker count, gap switches rotate through all of
	// them; otherwise we alternate between two and report how many were
	// actually used.
	rotation := p.NumSpeakers
	if rotation == 0 {
		rotation = 2
	}

	turns := make([]job.SpeakerTurn, 0, len(regions))
	speaker := 0
	used := 0
	for i, r := range regions {
		if err := ctx.Err(); err != nil {
			return job.Result{}, err
		}
		if i > 0 && r.start-regions[i-1].end > speakerSwitchGap {
			speaker = (speaker + 1) % rotation
		}
		if speaker+1 > used {
			used = speaker + 1
		}
		turns = append(turns, job.SpeakerTurn{
			Start:   r.start,
			End:     r.end,
			Speaker: fmt.Sprintf("speaker_%d", speaker+1),
		})
		progress(i+1, len(regions), fmt.Sprintf("turn %d of %d", i+1, len(regions)))
	}

	num := used
	if p.NumSpeakers != 0 {
		num = p.NumSpeakers
	}
	return job.Result{Diarization: &job.Diarization{Turns: turns, NumSpeakers: num}}, nil
}
