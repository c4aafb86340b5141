// Package httpx provides the HTTP API, the live update websocket and the
// dashboard page for review-pulse.
package httpx

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/target/review-pulse/internal/domain/model"
	"github.com/target/review-pulse/internal/service"
)

// multipartMemory is how much of an upload ParseMultipartForm keeps in memory.
const multipartMemory = 8 << 20

// JobHandlers provides HTTP handlers for job-related operations.
type JobHandlers struct {
	Jobs            *service.JobService
	Submitter       *service.SubmitterService
	MaxUploadBytes  int64
	DefaultPageSize int
	MaxPageSize     int
	Logger          *slog.Logger
}

type createJobResponse struct {
	ID string `json:"id"`
}

// CreateJob accepts either a multipart upload (field "file") or a JSON body
// referencing a document already in the artifact store.
func (h *JobHandlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var (
		id  string
		err error
	)
	switch mediaType {
	case "multipart/form-data":
		id, err = h.submitUpload(w, r)
	case "application/json", "":
		var req service.SubmitRequest
		if !DecodeJSON(w, r, &req) {
			return
		}
		id, err = h.Submitter.Submit(r.Context(), req)
	default:
		WriteError(w, ErrorParams{
			Code:    http.StatusUnsupportedMediaType,
			ErrCode: "unsupported_media_type",
			Err:     fmt.Errorf("content type %q is not supported", mediaType),
		})
		return
	}

	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		WriteError(w, ErrorParams{
			Code:    http.StatusRequestEntityTooLarge,
			ErrCode: "upload_too_large",
			Err:     fmt.Errorf("upload exceeds %d bytes", tooLarge.Limit),
		})
	case errors.Is(err, http.ErrMissingFile):
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "validation",
			Err:     errors.New("a file is required"),
			Field:   "file",
		})
	case err != nil:
		WriteServiceError(r.Context(), w, h.Logger, err)
	default:
		WriteJSON(w, http.StatusCreated, createJobResponse{ID: id})
	}
}

func (h *JobHandlers) submitUpload(w http.ResponseWriter, r *http.Request) (string, error) {
	if r.ContentLength > h.MaxUploadBytes {
		return "", &http.MaxBytesError{Limit: h.MaxUploadBytes}
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return "", err
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, hdr, err := r.FormFile("file")
	if err != nil {
		return "", err
	}
	defer file.Close()

	return h.Submitter.Upload(r.Context(), hdr.Filename, file, hdr.Size)
}

// ListJobs returns jobs newest first. Query: limit, offset, status.
func (h *JobHandlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	opts, perr := ParseJobListQuery(r, h.DefaultPageSize, h.MaxPageSize)
	if perr != nil {
		WriteError(w, *perr)
		return
	}

	jobs, err := h.Jobs.List(r.Context(), opts)
	if err != nil {
		WriteServiceError(r.Context(), w, h.Logger, err)
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	WriteJSON(w, http.StatusOK, jobs)
}

// GetJob returns one job with its full state.
func (h *JobHandlers) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.Jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(r.Context(), w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, j)
}

// DownloadCharts streams the chart bundle of a Completed job as an attachment.
func (h *JobHandlers) DownloadCharts(w http.ResponseWriter, r *http.Request) {
	bundle, err := h.Jobs.OpenCharts(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(r.Context(), w, h.Logger, err)
		return
	}
	defer bundle.Close()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": "charts-" + bundle.Job.ID + ".json",
	}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, bundle); err != nil {
		h.Logger.WarnContext(r.Context(), "chart download interrupted", "job_id", bundle.Job.ID, "error", err)
	}
}
