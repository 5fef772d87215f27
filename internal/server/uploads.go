package server

import (
	"errors"
	"net/http"

	"github.com/stashpool/stashpool/internal/upload"
)

func (s *Server) handleUploadInit(w http.ResponseWriter, r *http.Request) {
	var req upload.InitRequest
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := s.uploads.Init(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, upload.ErrValidation):
			respondErr(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, upload.ErrExhausted):
			respondErr(w, http.StatusInsufficientStorage, "no storage node has enough free space")
		case errors.Is(err, upload.ErrInitFailed):
			respondErr(w, http.StatusInternalServerError, "all eligible storage nodes failed")
		default:
			s.log.WithError(err).Error("upload init failed")
			respondErr(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	respond(w, http.StatusOK, result)
}

func (s *Server) handleUploadFinalize(w http.ResponseWriter, r *http.Request) {
	var req upload.FinalizeRequest
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	file, err := s.uploads.Finalize(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, upload.ErrValidation):
			respondErr(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, upload.ErrUnknownReservation):
			respondErr(w, http.StatusBadRequest, "unknown or expired reservation")
		default:
			s.log.WithError(err).Error("upload finalize failed")
			respondErr(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	respond(w, http.StatusOK, file)
}

func (s *Server) handleUploadAbort(w http.ResponseWriter, r *http.Request) {
	reservationID := r.PathValue("reservationID")
	if err := s.uploads.Abort(r.Context(), reservationID); err != nil {
		s.log.WithError(err).Error("upload abort failed")
		respondErr(w, http.StatusInternalServerError, "internal error")
		return
	}
	respond(w, http.StatusOK, map[string]string{"reservationId": reservationID})
}
