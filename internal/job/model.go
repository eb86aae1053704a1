package job

import (
	"errors"
	"fmt"
	"time"
)

// Kind selects which analyzer a job runs.
type Kind string

const (
	KindTranscription Kind = "transcription"
	KindDiarization   Kind = "diarization"
	KindSegmentation  Kind = "segmentation"
)

// Valid reports whether k is a known job kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTranscription, KindDiarization, KindSegmentation:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var validModels = map[string]bool{
	"tiny":     true,
	"base":     true,
	"small":    true,
	"medium":   true,
	"large-v3": true,
}

// AudioRef points at stored input audio. The bytes themselves live in the
// object store; analyzers resolve the key through it.
type AudioRef struct {
	Key      string  `json:"key"`
	Format   string  `json:"format"`
	Size     int64   `json:"size"`
	Duration float64 `json:"duration,omitempty"`
}

type TranscriptionParams struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type DiarizationParams struct {
	// NumSpeakers of 0 means auto-detect.
	NumSpeakers int `json:"num_speakers,omitempty"`
}

type SegmentationParams struct {
	MinSilenceDuration float64 `json:"min_silence_duration"`
	MinSegmentDuration float64 `json:"min_segment_duration"`
	MaxSegmentDuration float64 `json:"max_segment_duration"`
}

// Params is a tagged variant: exactly the field matching the job kind is set.
type Params struct {
	Transcription *TranscriptionParams `json:"transcription,omitempty"`
	Diarization   *DiarizationParams   `json:"diarization,omitempty"`
	Segmentation  *SegmentationParams  `json:"segmentation,omitempty"`
}

// Validate checks that the parameters for the given kind are present and
// within bounds. Jobs with invalid parameters are rejected before a record
// is created.
func (p Params) Validate(kind Kind) error {
	switch kind {
	case KindTranscription:
		if p.Transcription == nil {
			return errors.New("transcription parameters missing")
		}
		if !validModels[p.Transcription.Model] {
			return fmt.Errorf("model %q must be one of: tiny, base, small, medium, large-v3", p.Transcription.Model)
		}
	case KindDiarization:
		if p.Diarization == nil {
			return errors.New("diarization parameters missing")
		}
		if n := p.Diarization.NumSpeakers; n != 0 && (n < 2 || n > 32) {
			return fmt.Errorf("num_speakers %d must be 0 (auto) or between 2 and 32", n)
		}
	case KindSegmentation:
		if p.Segmentation == nil {
			return errors.New("segmentation parameters missing")
		}
		s := p.Segmentation
		if s.MinSilenceDuration <= 0 {
			return errors.New("min_silence_duration must be > 0")
		}
		if s.MinSegmentDuration <= 0 || s.MaxSegmentDuration <= 0 {
			return errors.New("segment durations must be > 0")
		}
		if s.MinSegmentDuration >= s.MaxSegmentDuration {
			return errors.New("min_segment_duration must be < max_segment_duration")
		}
	default:
		return fmt.Errorf("unknown job kind %q", kind)
	}
	return nil
}

// Progress tracks how far along a running job is. Fraction is normalized to
// [0,1]; CurrentSegment/TotalSegments keep the analyzer's own granularity.
type Progress struct {
	Fraction       float64 `json:"progress"`
	CurrentSegment int     `json:"current_segment"`
	TotalSegments  int     `json:"total_segments"`
	Detail         string  `json:"detail,omitempty"`
}

type TranscriptSegment struct {
	Start      float64 `json:"start_time"`
	End        float64 `json:"end_time"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Speaker    string  `json:"speaker_label,omitempty"`
}

type Transcript struct {
	Segments []TranscriptSegment `json:"transcription"`
	Language string              `json:"language"`
	Duration float64             `json:"duration"`
}

type SpeakerTurn struct {
	Start   float64 `json:"start_time"`
	End     float64 `json:"end_time"`
	Speaker string  `json:"speaker_id"`
}

type Diarization struct {
	Turns       []SpeakerTurn `json:"speakers"`
	NumSpeakers int           `json:"num_speakers"`
}

type Span struct {
	Start float64 `json:"start_time"`
	End   float64 `json:"end_time"`
}

type Segmentation struct {
	Segments []Span `json:"segments"`
}

// Result is a tagged variant mirroring Params: the field matching the job
// kind carries the payload.
type Result struct {
	Transcript   *Transcript   `json:"transcript,omitempty"`
	Diarization  *Diarization  `json:"diarization,omitempty"`
	Segmentation *Segmentation `json:"segmentation,omitempty"`
}

// FailureCode classifies analyzer-level failures stored on the record.
type FailureCode string

const (
	FailureUnsupportedFormat FailureCode = "unsupported_format"
	FailureCompute           FailureCode = "compute_failure"
	FailureTimeout           FailureCode = "timeout"
	FailureCancelled         FailureCode = "cancelled"
)

// Failure is the structured error persisted when a job fails.
type Failure struct {
	Code    FailureCode `json:"code"`
	Message string      `json:"message"`
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Record is the canonical state of one submitted job.
type Record struct {
	ID          string     `json:"job_id"`
	Kind        Kind       `json:"kind"`
	Params      Params     `json:"params"`
	Audio       AudioRef   `json:"audio"`
	Status      Status     `json:"status"`
	Progress    Progress   `json:"progress"`
	Result      *Result    `json:"result,omitempty"`
	Failure     *Failure   `json:"failure,omitempty"`
	CallbackURL string     `json:"callback_url,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}
