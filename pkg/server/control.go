package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/raterudder/energysim/pkg/log"
	"github.com/raterudder/energysim/pkg/storage"
	"github.com/raterudder/energysim/pkg/types"
)

type controlRequest struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters"`
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := log.WithDevice(r.Context(), id)

	var req controlRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cmdType, ok := types.ParseCommandType(req.Command)
	if !ok {
		writeJSONError(w, "unknown command: "+req.Command, http.StatusBadRequest)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "applying command",
		slog.String("command", string(cmdType)),
		slog.String("operator", operatorFromContext(ctx)),
	)
	result, err := s.commands.Apply(ctx, id, types.Command{
		Type:       cmdType,
		Parameters: req.Parameters,
		Timestamp:  s.now().UTC(),
	})
	if err != nil {
		writeAPIError(ctx, w, "failed to apply command", err)
		return
	}
	writeJSON(w, result)
}

func (s *Server) handleCommandHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := log.WithDevice(r.Context(), id)

	limit, err := parseLimit(r, defaultCommandLimit, storage.MaxSamplesPerDevice)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := s.devices.Get(id); err != nil {
		writeAPIError(ctx, w, "failed to get device", err)
		return
	}
	records, err := s.storage.GetCommandHistory(ctx, id, limit)
	if err != nil {
		writeAPIError(ctx, w, "failed to get command history", err)
		return
	}
	if records == nil {
		records = []types.CommandRecord{}
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, records)
}
