package server

import (
	"net/http"
)

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, s.devices.List())
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.devices.Get(r.PathValue("id"))
	if err != nil {
		writeAPIError(r.Context(), w, "failed to get device", err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, d)
}
