package api

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/redteam/internal/apperr"
	"github.com/seantiz/redteam/internal/model"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// maxTimeoutSeconds is the largest timeout a time.Duration can hold.
const maxTimeoutSeconds = float64(math.MaxInt64) / float64(time.Second)

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Jobs   []*model.Job `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// decodeJob reads a job request. Lifecycle fields in the body are ignored
// by the engine.
func decodeJob(w http.ResponseWriter, r *http.Request) (*model.Job, error) {
	var req model.Job
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, apperr.New(apperr.CodeValidation, "invalid JSON body")
	}
	if req.NumberOfAttacks != nil && *req.NumberOfAttacks < 0 {
		return nil, apperr.New(apperr.CodeValidation, "number_of_attacks must not be negative")
	}
	return &req, nil
}

// parseTimeout reads the optional timeout query parameter in seconds.
func parseTimeout(r *http.Request) (time.Duration, error) {
	v := r.URL.Query().Get("timeout")
	if v == "" {
		return 0, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 || secs >= maxTimeoutSeconds || math.IsNaN(secs) {
		return 0, apperr.Newf(apperr.CodeValidation, "invalid timeout %q", v)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJob(w, r)
	if err != nil {
		s.writeAppError(w, "decode job", "", err)
		return
	}

	j, err := s.engine.Submit(r.Context(), req)
	if err != nil {
		s.writeAppError(w, "submit job", req.ID, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, j)
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	timeout, err := parseTimeout(r)
	if err != nil {
		s.writeAppError(w, "parse timeout", id, err)
		return
	}
	s.runAndRespond(w, r, id, timeout)
}

// handleAtomicAttack submits a job and waits for its execution in one call.
func (s *Server) handleAtomicAttack(w http.ResponseWriter, r *http.Request) {
	timeout, err := parseTimeout(r)
	if err != nil {
		s.writeAppError(w, "parse timeout", "", err)
		return
	}
	req, err := decodeJob(w, r)
	if err != nil {
		s.writeAppError(w, "decode job", "", err)
		return
	}

	j, err := s.engine.Submit(r.Context(), req)
	if err != nil {
		s.writeAppError(w, "submit job", req.ID, err)
		return
	}
	s.runAndRespond(w, r, j.ID, timeout)
}

func (s *Server) runAndRespond(w http.ResponseWriter, r *http.Request, id string, timeout time.Duration) {
	start := time.Now()
	j, err := s.engine.Run(r.Context(), id, timeout)
	if err != nil {
		outcome := string(apperr.CodeOf(err))
		if outcome == "" {
			outcome = string(apperr.CodeInternal)
		}
		observeRunWait(outcome, start)
		s.writeAppError(w, "run job", id, err)
		return
	}

	observeRunWait(j.Status, start)
	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.engine.Result(r.Context(), id)
	if err != nil {
		s.writeAppError(w, "get job", id, err)
		return
	}

	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := s.engine.List(r.Context(), limit, offset)
	if err != nil {
		s.writeAppError(w, "list jobs", "", err)
		return
	}

	if jobs == nil {
		jobs = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}
