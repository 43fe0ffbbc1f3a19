package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/aristath/docanalyst/internal/catalog"
	"github.com/aristath/docanalyst/internal/document"
	"github.com/aristath/docanalyst/internal/orchestrator"
	"github.com/aristath/docanalyst/internal/task"
)

// Service is the task surface the handlers drive. *orchestrator.Service implements it.
type Service interface {
	Submit(ctx context.Context, doc document.Document, jobIDs []string) (string, error)
	Status(ctx context.Context, id string) (task.Summary, error)
	Result(ctx context.Context, id string) (orchestrator.Result, error)
	JobResult(ctx context.Context, id, jobID string) (task.Outcome, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]task.Summary, error)
	Jobs() []catalog.JobSpec
}

var _ Service = (*orchestrator.Service)(nil)

// maxMemory is the part of a multipart upload held in memory before spilling to disk.
const maxMemory = 8 << 20

// CreateTaskRequest is the JSON form of a submission.
type CreateTaskRequest struct {
	Document string   `json:"document" validate:"required"`
	Name     string   `json:"name"`
	Jobs     []string `json:"jobs" validate:"omitempty,dive,required"`
}

// CreateTaskResponse acknowledges an accepted submission.
type CreateTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskResponse is the status view of a task.
type TaskResponse struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	CreatedAt time.Time `json:"created_at"`
}

// ListTasksResponse wraps the task listing.
type ListTasksResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

// JobResultResponse is one job's outcome. Data is set on success, Error on failure.
type JobResultResponse struct {
	JobID  string          `json:"job_id"`
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ResultResponse is the outcome view of a task. Results are in request order
// with the consolidator last.
type ResultResponse struct {
	TaskID   string              `json:"task_id"`
	Status   string              `json:"status"`
	Progress int                 `json:"progress"`
	Error    string              `json:"error,omitempty"`
	Results  []JobResultResponse `json:"results"`
}

// JobResponse describes one catalog job.
type JobResponse struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Kind  string `json:"kind"`
}

// ListJobsResponse wraps the catalog listing.
type ListJobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// HandlerConfig carries the upload settings of a Handler.
type HandlerConfig struct {
	// UploadDir receives staged uploads; empty uses the system temp dir.
	UploadDir      string
	MaxUploadBytes int64
	// DefaultJobs is used when a submission names no jobs.
	DefaultJobs []string
}

// Handler serves the task API.
type Handler struct {
	svc       Service
	logger    *slog.Logger
	validator *validator.Validate
	cfg       HandlerConfig
}

// NewHandler creates a Handler.
func NewHandler(svc Service, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 50 << 20
	}
	return &Handler{
		svc:       svc,
		logger:    logger,
		validator: validator.New(),
		cfg:       cfg,
	}
}

// CreateTask handles POST /api/v1/tasks with either a multipart upload or a JSON body.
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var (
		doc  document.Document
		jobs []string
		err  error
	)
	switch mediaType {
	case "multipart/form-data":
		doc, jobs, err = h.readUpload(r)
	case "application/json", "":
		doc, jobs, err = h.readJSON(r)
	default:
		RespondWithError(w, r, http.StatusUnsupportedMediaType, "Unsupported content type: "+mediaType)
		return
	}
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	if len(jobs) == 0 {
		jobs = h.cfg.DefaultJobs
	}

	// Submit owns doc from here on.
	id, err := h.svc.Submit(r.Context(), doc, jobs)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	RespondWithJSON(w, r, http.StatusAccepted, CreateTaskResponse{
		TaskID: id,
		Status: string(task.StatusPending),
	})
}

func (h *Handler) readUpload(r *http.Request) (document.Document, []string, error) {
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		return document.Document{}, nil, fmt.Errorf("%w: %w", errMalformedRequest, err)
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		return document.Document{}, nil, fmt.Errorf("%w: %w", errMalformedRequest, err)
	}
	defer file.Close()

	doc, err := document.Stage(file, header.Filename, h.cfg.UploadDir)
	if err != nil {
		return document.Document{}, nil, fmt.Errorf("staging upload: %w", err)
	}
	return doc, splitJobs(r.FormValue("jobs")), nil
}

func (h *Handler) readJSON(r *http.Request) (document.Document, []string, error) {
	var req CreateTaskRequest
	if err := DecodeJSON(r, &req); err != nil {
		return document.Document{}, nil, fmt.Errorf("%w: %w", errMalformedRequest, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return document.Document{}, nil, err
	}

	name := req.Name
	if name == "" {
		name = "document.txt"
	}
	return document.Document{Name: name, Text: req.Document}, req.Jobs, nil
}

// splitJobs parses a comma-separated job list, dropping blanks.
func splitJobs(raw string) []string {
	var jobs []string
	for _, part := range strings.Split(raw, ",") {
		if id := strings.TrimSpace(part); id != "" {
			jobs = append(jobs, id)
		}
	}
	return jobs
}

// ListTasks handles GET /api/v1/tasks.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.svc.List(r.Context())
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	resp := ListTasksResponse{Tasks: make([]TaskResponse, 0, len(summaries))}
	for _, s := range summaries {
		resp.Tasks = append(resp.Tasks, summaryToResponse(s))
	}
	RespondWithJSON(w, r, http.StatusOK, resp)
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	RespondWithJSON(w, r, http.StatusOK, summaryToResponse(summary))
}

// GetResult handles GET /api/v1/tasks/{id}/result.
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Result(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	resp := ResultResponse{
		TaskID:   result.ID,
		Status:   string(result.Status),
		Progress: result.Progress,
		Error:    result.Error,
		Results:  make([]JobResultResponse, 0, len(result.Entries)),
	}
	for _, e := range result.Entries {
		resp.Results = append(resp.Results, outcomeToResponse(e.JobID, e.Outcome))
	}
	RespondWithJSON(w, r, http.StatusOK, resp)
}

// GetJobResult handles GET /api/v1/tasks/{id}/jobs/{job}.
func (h *Handler) GetJobResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job")
	outcome, err := h.svc.JobResult(r.Context(), chi.URLParam(r, "id"), jobID)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	RespondWithJSON(w, r, http.StatusOK, outcomeToResponse(jobID, outcome))
}

// DeleteTask handles DELETE /api/v1/tasks/{id}.
func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListJobs handles GET /api/v1/jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	specs := h.svc.Jobs()
	resp := ListJobsResponse{Jobs: make([]JobResponse, 0, len(specs))}
	for _, spec := range specs {
		resp.Jobs = append(resp.Jobs, JobResponse{
			ID:    spec.ID,
			Title: spec.Title,
			Kind:  spec.Kind.String(),
		})
	}
	RespondWithJSON(w, r, http.StatusOK, resp)
}

func summaryToResponse(s task.Summary) TaskResponse {
	return TaskResponse{
		TaskID:    s.ID,
		Status:    string(s.Status),
		Progress:  s.Progress,
		CreatedAt: s.CreatedAt,
	}
}

func outcomeToResponse(jobID string, o task.Outcome) JobResultResponse {
	if !o.Succeeded() {
		return JobResultResponse{JobID: jobID, Status: "failure", Error: o.Reason()}
	}
	return JobResultResponse{JobID: jobID, Status: "success", Data: o.Payload()}
}
