package dispatch

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/leadgrid/harvester/pkg/browser"
	"github.com/leadgrid/harvester/pkg/store"
)

type errorResponse struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.WithError(err).Error("Failed to marshal response")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		s.logger.WithError(err).Warn("Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.logger.WithFields(logrus.Fields{
		"status": statusCode,
		"error":  message,
	}).Warn("Request rejected")
	s.writeJSON(w, statusCode, errorResponse{Status: statusCode, Error: message})
}

// writeStoreError maps the error taxonomy onto status codes: unknown
// ids and illegal transitions are client errors, capacity is 429,
// anything else is a store failure surfaced as 500.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, store.ErrVideoNotFound),
		errors.Is(err, store.ErrAccountNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrInvalidStatus):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, browser.ErrCapacityExceeded),
		errors.Is(err, ErrTooManyTasks):
		s.writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.logger.WithError(err).Error("Store operation failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
