package server

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/wesm/annoreports/internal/analytics"
	"github.com/wesm/annoreports/internal/db"
	"github.com/wesm/annoreports/internal/logger"
	"github.com/wesm/annoreports/internal/timeutil"
)

const maxRequestBody = 1 << 20

// targetParams names a resource by exactly one of its ids.
type targetParams struct {
	JobID     *int64 `json:"job_id"`
	TaskID    *int64 `json:"task_id"`
	ProjectID *int64 `json:"project_id"`
}

func (p targetParams) ref() (db.Ref, bool) {
	var refs []db.Ref
	if p.JobID != nil {
		refs = append(refs, db.Ref{Kind: db.KindJob, ID: *p.JobID})
	}
	if p.TaskID != nil {
		refs = append(refs, db.Ref{Kind: db.KindTask, ID: *p.TaskID})
	}
	if p.ProjectID != nil {
		refs = append(refs, db.Ref{Kind: db.KindProject, ID: *p.ProjectID})
	}
	if len(refs) != 1 {
		return db.Ref{}, false
	}
	return refs[0], true
}

const targetRequired = "exactly one of job_id, task_id, project_id is required"

// parseTargetQuery reads the resource from query parameters.
func parseTargetQuery(
	w http.ResponseWriter, q url.Values,
) (db.Ref, bool) {
	var p targetParams
	for name, dst := range map[string]**int64{
		"job_id":     &p.JobID,
		"task_id":    &p.TaskID,
		"project_id": &p.ProjectID,
	} {
		s := q.Get(name)
		if s == "" {
			continue
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+name)
			return db.Ref{}, false
		}
		*dst = &v
	}
	ref, ok := p.ref()
	if !ok {
		writeError(w, http.StatusBadRequest, targetRequired)
	}
	return ref, ok
}

// parseDate accepts YYYY-MM-DD or an RFC 3339 timestamp.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return timeutil.Parse(s)
}

// parseDateFilter reads start_date and end_date. Both are
// optional and inclusive.
func parseDateFilter(
	w http.ResponseWriter, q url.Values,
) (analytics.DateFilter, bool) {
	var f analytics.DateFilter
	for name, dst := range map[string]*time.Time{
		"start_date": &f.Start,
		"end_date":   &f.End,
	} {
		s := q.Get(name)
		if s == "" {
			continue
		}
		t, err := parseDate(s)
		if err != nil {
			writeError(w, http.StatusBadRequest,
				"invalid "+name+": use YYYY-MM-DD or RFC 3339")
			return analytics.DateFilter{}, false
		}
		*dst = t
	}
	if !f.Start.IsZero() && !f.End.IsZero() && f.Start.After(f.End) {
		writeError(w, http.StatusBadRequest,
			"start_date must not be after end_date")
		return analytics.DateFilter{}, false
	}
	return f, true
}

// requesterID reads the optional X-User-ID header.
func requesterID(
	w http.ResponseWriter, r *http.Request,
) (int64, bool) {
	s := r.Header.Get("X-User-ID")
	if s == "" {
		return 0, true
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 0 {
		writeError(w, http.StatusBadRequest, "invalid X-User-ID")
		return 0, false
	}
	return id, true
}

func (s *Server) handleScheduleReport(
	w http.ResponseWriter, r *http.Request,
) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var p targetParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ref, ok := p.ref()
	if !ok {
		writeError(w, http.StatusBadRequest, targetRequired)
		return
	}
	user, ok := requesterID(w, r)
	if !ok {
		return
	}

	id, err := s.reports.ScheduleCheck(r.Context(), ref, user)
	if err != nil {
		s.writeReportError(w, err, ref)
		return
	}
	s.metrics.ChecksScheduled.WithLabelValues(string(ref.Kind)).Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"rq_id": id})
}

func (s *Server) handleRequestStatus(
	w http.ResponseWriter, r *http.Request,
) {
	id := r.PathValue("rq_id")
	if _, err := analytics.ParseRequestID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := s.reports.RequestStatus(r.Context(), id)
	if err != nil {
		if handleContextError(w, err) {
			return
		}
		s.log.Error("reading request status",
			logger.String("rq_id", id), logger.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetReport(
	w http.ResponseWriter, r *http.Request,
) {
	q := r.URL.Query()
	ref, ok := parseTargetQuery(w, q)
	if !ok {
		return
	}
	filter, ok := parseDateFilter(w, q)
	if !ok {
		return
	}
	report, err := s.reports.Report(r.Context(), ref, filter)
	if err != nil {
		s.writeReportError(w, err, ref)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) writeReportError(
	w http.ResponseWriter, err error, ref db.Ref,
) {
	if handleContextError(w, err) {
		return
	}
	if errors.Is(err, analytics.ErrNotFound) {
		writeError(w, http.StatusNotFound, ref.String()+" not found")
		return
	}
	s.log.Error("report request failed",
		logger.String("ref", ref.String()), logger.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}
