package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/wesm/annoreports/internal/events"
	"github.com/wesm/annoreports/internal/logger"
)

const maxEventsBody = 16 << 20

func (s *Server) handleIngestEvents(
	w http.ResponseWriter, r *http.Request,
) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventsBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				"request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "reading body failed")
		return
	}
	evs, err := events.ParseEvents(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.sink.Ingest(r.Context(), evs); err != nil {
		if handleContextError(w, err) {
			return
		}
		s.log.Error("storing events", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.metrics.EventsIngested.WithLabelValues("http").Add(float64(len(evs)))
	writeJSON(w, http.StatusCreated, map[string]int{"ingested": len(evs)})
}
