package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/raterudder/energysim/pkg/log"
	"github.com/raterudder/energysim/pkg/storage"
	"github.com/raterudder/energysim/pkg/types"
)

// naiveLayout is accepted for timestamps without a zone, which are read as UTC.
const naiveLayout = "2006-01-02T15:04:05"

func parseTimestamp(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(naiveLayout, v, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// parseTimeRange reads start and end from the query. A missing end is now and
// a missing start is 24 hours before end. A reversed range is swapped.
func parseTimeRange(r *http.Request, now time.Time) (time.Time, time.Time, error) {
	end := now.UTC()
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := parseTimestamp(v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
		}
		end = t
	}
	start := end.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := parseTimestamp(v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
		}
		start = t
	}
	if start.After(end) {
		start, end = end, start
	}
	return start, end, nil
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxLimit), nil
}

func (s *Server) handleCurrentTelemetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := log.WithDevice(r.Context(), id)

	sample, err := s.engine.GenerateSample(ctx, id, s.now())
	if err != nil {
		writeAPIError(ctx, w, "failed to generate telemetry", err)
		return
	}
	if err := s.storage.InsertTelemetry(ctx, []types.TelemetrySample{sample}); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to archive telemetry", slog.Any("error", err))
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, sample)
}

// handleTelemetryHistory returns archived samples in range. Any part of the
// range before the earliest archived sample is backfilled from the simulation,
// anchored on that sample's charge, and archived for later requests.
func (s *Server) handleTelemetryHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := log.WithDevice(r.Context(), id)

	start, end, err := parseTimeRange(r, s.now())
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := parseLimit(r, defaultHistoryLimit, storage.MaxSamplesPerDevice)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := s.devices.Get(id); err != nil {
		writeAPIError(ctx, w, "failed to get device", err)
		return
	}

	archived, err := s.storage.GetTelemetryHistory(ctx, id, start, end)
	if err != nil {
		writeAPIError(ctx, w, "failed to get telemetry history", err)
		return
	}

	gapEnd := end
	var anchor float64
	if len(archived) > 0 {
		gapEnd = archived[0].Timestamp
		anchor = archived[0].BatteryChargePercent
	} else {
		anchor, err = s.engine.CurrentCharge(id)
		if err != nil {
			writeAPIError(ctx, w, "failed to get current charge", err)
			return
		}
	}

	points := []types.TelemetrySample{}
	if gapEnd.After(start) {
		generated, err := s.engine.GenerateHistoricalSeries(ctx, id, start, gapEnd, anchor)
		if err != nil {
			writeAPIError(ctx, w, "failed to generate telemetry history", err)
			return
		}
		// the last generated sample sits on the earliest archived one
		if len(archived) > 0 && len(generated) > 0 {
			generated = generated[:len(generated)-1]
		}
		if len(generated) > 0 {
			if err := s.storage.InsertTelemetry(ctx, generated); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "failed to archive generated telemetry", slog.Any("error", err))
			}
		}
		points = append(points, generated...)
	}
	points = append(points, archived...)
	if len(points) > limit {
		points = points[len(points)-limit:]
	}

	w.Header().Set("Cache-Control", "private, max-age=60")
	writeJSON(w, types.TelemetryHistory{
		DeviceID:   id,
		StartTime:  start,
		EndTime:    end,
		DataPoints: points,
	})
}

func (s *Server) handleTelemetryStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.devices.Get(id); err != nil {
		writeAPIError(r.Context(), w, "failed to get device", err)
		return
	}
	s.hub.ServeDevice(w, r, id)
}
