package analyzer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/audiod/audiod/internal/job"
)

// Transcriber shells out to a whisper-style CLI that prints one JSON object
// per line on stdout: segment lines while decoding, then a final summary
// line with the detected language and total duration.
type Transcriber struct {
	bin string
}

func NewTranscriber(bin string) *Transcriber {
	return &Transcriber{bin: bin}
}

type transcriberLine struct {
	Type       string  `json:"type"`
	Index      int     `json:"index"`
	Total      int     `json:"total"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
	Duration   float64 `json:"duration"`
}

func (t *Transcriber) Run(ctx context.Context, in Input, params job.Params, progress ProgressFunc) (job.Result, error) {
	p := params.Transcription
	if p == nil {
		return job.Result{}, fmt.Errorf("transcription parameters missing")
	}

	args := []string{
		"--model", p.Model,
		"--output-format", "jsonl",
	}
	if p.Language != "" {
		args = append(args, "--language", p.Language)
	}
	args = append(args, in.Path)

	cmd := exec.CommandContext(ctx, t.bin, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return job.Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return job.Result{}, fmt.Errorf("start transcriber: %w", err)
	}

	tr := &job.Transcript{Language: p.Language}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var line transcriberLine
		if err := json.Unmarshal(raw, &line); err != nil {
			continue
		}

		switch line.Type {
		case "segment":
			tr.Segments = append(tr.Segments, job.TranscriptSegment{
				Start:      line.Start,
				End:        line.End,
				Text:       strings.TrimSpace(line.Text),
				Confidence: line.Confidence,
			})
			progress(line.Index, line.Total, fmt.Sprintf("segment %d of %d", line.Index, line.Total))
		case "summary":
			if line.Language != "" {
				tr.Language = line.Language
			}
			tr.Duration = line.Duration
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return job.Result{}, ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = "no stderr output"
		}
		return job.Result{}, fmt.Errorf("transcriber exited: %w — %s", err, detail)
	}
	if err := ctx.Err(); err != nil {
		return job.Result{}, err
	}

	if tr.Duration == 0 && len(tr.Segments) > 0 {
		tr.Duration = tr.Segments[len(tr.Segments)-1].End
	}
	return job.Result{Transcript: tr}, nil
}
