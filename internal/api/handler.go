// Package api is the HTTP transport: multipart submission routes per
// analysis kind, polling and SSE progress routes, and the job management
// surface. Handlers translate service sentinel errors to status codes and
// never touch the registry directly.
package api

import (
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/audiod/audiod/internal/config"
	"github.com/audiod/audiod/internal/job"
	"github.com/audiod/audiod/internal/queue"
	"github.com/audiod/audiod/internal/service"
)

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	svc   *service.Service
	queue *queue.Queue
	cfg   *config.Config
}

func NewHandler(svc *service.Service, q *queue.Queue, cfg *config.Config) *Handler {
	return &Handler{svc: svc, queue: q, cfg: cfg}
}

// RegisterRoutes registers all API routes on mux. The metrics route is
// registered separately by the caller so it can bypass auth.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/asr/transcribe", h.SubmitTranscription)
	mux.HandleFunc("GET /api/asr/progress/{id}", h.GetProgress)
	mux.HandleFunc("GET /api/asr/progress/{id}/sse", h.StreamProgress)
	mux.HandleFunc("GET /api/asr/result/{id}", h.resultHandler(job.KindTranscription))

	mux.HandleFunc("POST /api/diarization/diarize", h.SubmitDiarization)
	mux.HandleFunc("GET /api/diarization/result/{id}", h.resultHandler(job.KindDiarization))

	mux.HandleFunc("POST /api/segmentation/segment", h.SubmitSegmentation)
	mux.HandleFunc("GET /api/segmentation/result/{id}", h.resultHandler(job.KindSegmentation))

	mux.HandleFunc("GET /api/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", h.GetJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", h.DeleteJob)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", h.CancelJob)

	mux.HandleFunc("GET /api/health", h.Health)
}

// SubmitTranscription handles POST /api/asr/transcribe.
func (h *Handler) SubmitTranscription(w http.ResponseWriter, r *http.Request) {
	file, header, form, ok := h.openUpload(w, r)
	if !ok {
		return
	}
	defer file.Close()

	model := form("model")
	if model == "" {
		model = "base"
	}
	params := job.Params{Transcription: &job.TranscriptionParams{
		Model:    model,
		Language: form("language"),
	}}
	h.submit(w, r, job.KindTranscription, params, file, header.Filename, form("callback_url"))
}

// SubmitDiarization handles POST /api/diarization/diarize.
func (h *Handler) SubmitDiarization(w http.ResponseWriter, r *http.Request) {
	file, header, form, ok := h.openUpload(w, r)
	if !ok {
		return
	}
	defer file.Close()

	numSpeakers := 0
	if raw := form("num_speakers"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "num_speakers must be an integer")
			return
		}
		numSpeakers = n
	}
	params := job.Params{Diarization: &job.DiarizationParams{NumSpeakers: numSpeakers}}
	h.submit(w, r, job.KindDiarization, params, file, header.Filename, form("callback_url"))
}

// SubmitSegmentation handles POST /api/segmentation/segment. Thresholds fall
// back to the service defaults when the form omits them.
func (h *Handler) SubmitSegmentation(w http.ResponseWriter, r *http.Request) {
	file, header, form, ok := h.openUpload(w, r)
	if !ok {
		return
	}
	defer file.Close()

	p := &job.SegmentationParams{
		MinSilenceDuration: 0.5,
		MinSegmentDuration: 1.0,
		MaxSegmentDuration: 30.0,
	}
	fields := []struct {
		name string
		dst  *float64
	}{
		{"min_silence_duration", &p.MinSilenceDuration},
		{"min_segment_duration", &p.MinSegmentDuration},
		{"max_segment_duration", &p.MaxSegmentDuration},
	}
	for _, f := range fields {
		raw := form(f.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, f.name+" must be a number")
			return
		}
		*f.dst = v
	}
	h.submit(w, r, job.KindSegmentation, job.Params{Segmentation: p}, file, header.Filename, form("callback_url"))
}

// openUpload parses the multipart body and returns the "file" part plus a
// form value accessor. On error it writes the response and returns ok=false.
func (h *Handler) openUpload(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, func(string) string, bool) {
	// Slack over the blob cap covers the form fields and part boundaries;
	// the store enforces the real limit.
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes+1<<20)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusBadRequest, "audio file too large")
			return nil, nil, nil, false
		}
		writeError(w, http.StatusBadRequest, "expected multipart form data")
		return nil, nil, nil, false
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return nil, nil, nil, false
	}
	return file, header, r.FormValue, true
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, kind job.Kind, params job.Params, file multipart.File, filename, callbackURL string) {
	rec, err := h.svc.Submit(r.Context(), kind, params, service.Upload{
		Reader:      file,
		Filename:    filename,
		CallbackURL: callbackURL,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": rec.ID,
		"status": rec.Status,
	})
}

// GetProgress handles GET /api/asr/progress/{id}. It serves any job kind;
// the route lives under /asr for compatibility with the original clients.
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progressBody(rec))
}

func progressBody(rec *job.Record) map[string]any {
	body := map[string]any{
		"job_id":          rec.ID,
		"status":          rec.Status,
		"progress":        rec.Progress.Fraction,
		"current_segment": rec.Progress.CurrentSegment,
		"total_segments":  rec.Progress.TotalSegments,
	}
	if rec.Progress.Detail != "" {
		body["detail"] = rec.Progress.Detail
	}
	if rec.Failure != nil {
		body["error"] = rec.Failure.Message
		body["code"] = rec.Failure.Code
	}
	return body
}

// resultHandler builds the result route for one job kind. A finished job of
// a different kind is a conflict, not a missing job.
func (h *Handler) resultHandler(kind job.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := h.svc.Result(r.Context(), r.PathValue("id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if rec.Kind != kind {
			writeError(w, http.StatusConflict, "job is of kind "+string(rec.Kind))
			return
		}

		body := map[string]any{
			"job_id": rec.ID,
			"status": rec.Status,
		}
		if rec.Failure != nil {
			body["error"] = rec.Failure.Message
			body["code"] = rec.Failure.Code
			writeJSON(w, http.StatusOK, body)
			return
		}
		if rec.Result == nil {
			// Cancelled before any result was produced.
			writeJSON(w, http.StatusOK, body)
			return
		}

		switch {
		case rec.Result.Transcript != nil:
			t := rec.Result.Transcript
			segments := t.Segments
			if segments == nil {
				segments = []job.TranscriptSegment{}
			}
			body["transcription"] = segments
			body["language"] = t.Language
			body["duration"] = t.Duration
		case rec.Result.Diarization != nil:
			d := rec.Result.Diarization
			turns := d.Turns
			if turns == nil {
				turns = []job.SpeakerTurn{}
			}
			body["speakers"] = turns
			body["num_speakers"] = d.NumSpeakers
		case rec.Result.Segmentation != nil:
			spans := rec.Result.Segmentation.Segments
			if spans == nil {
				spans = []job.Span{}
			}
			body["segments"] = spans
			body["num_segments"] = len(spans)
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// ListJobs handles GET /api/jobs with limit/offset pagination.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r.URL.Query().Get("limit"), 20)
	offset := parseIntParam(r.URL.Query().Get("offset"), 0)

	jobs, total, err := h.svc.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*job.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// GetJob handles GET /api/jobs/{id} and returns the full record.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteJob handles DELETE /api/jobs/{id} and responds 204.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelJob handles POST /api/jobs/{id}/cancel.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": rec.ID,
		"status": rec.Status,
	})
}

// Health handles GET /api/health with per-status job counts.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	counts, err := h.svc.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"error":  "registry unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "audiod",
		"jobs":    counts,
	})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, service.ErrInvalidParameters):
		writeError(w, http.StatusBadRequest, trimSentinel(err, service.ErrInvalidParameters))
	case errors.Is(err, service.ErrNotReady):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrActive):
		writeError(w, http.StatusConflict, "cancel the job before deleting it")
	case errors.Is(err, service.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, "queue full, retry later")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// trimSentinel drops the sentinel prefix so clients see only the specific
// message ("model \"x\" must be one of ..." rather than "invalid parameters: ...").
func trimSentinel(err error, sentinel error) string {
	msg := err.Error()
	if rest, ok := strings.CutPrefix(msg, sentinel.Error()+": "); ok {
		return rest
	}
	return msg
}

func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
