package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"swatwps/services/observations"
	"swatwps/services/orchestrator"
)

func (a *API) handleLatestObservation(w http.ResponseWriter, r *http.Request) {
	if a.deps.Fetcher == nil || a.config.SOSURL == "" {
		respondError(w, http.StatusServiceUnavailable, errors.New("observation service not configured"))
		return
	}

	q := observations.Query{
		BaseURL:          a.config.SOSURL,
		Procedure:        a.config.SOSProcedure,
		ObservedProperty: a.config.SOSProperty,
		Years:            a.config.SOSYears,
	}
	params := r.URL.Query()
	if v := strings.TrimSpace(params.Get("procedure")); v != "" {
		q.Procedure = v
	}
	if q.Procedure == "" {
		q.Procedure = observations.DefaultProcedure
	}
	if v := strings.TrimSpace(params.Get("observed_property")); v != "" {
		q.ObservedProperty = v
	}
	if v := params.Get("years"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, errors.New("years must be a positive integer"))
			return
		}
		q.Years = n
	}
	if v := params.Get("reference"); v != "" {
		ref, err := parseReference(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, errors.New("reference must be RFC3339 or \"now\""))
			return
		}
		q.Reference = ref
	}

	status, err := a.deps.Fetcher.Latest(r.Context(), q)
	if err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}

	record := orchestrator.ObservationStatus{
		Sensor:    status.Sensor,
		Status:    status.String(),
		Count:     status.Count,
		CheckedAt: time.Now().UTC(),
	}
	if status.Latest != nil {
		at := status.Latest.Time
		record.LatestAt = &at
	}
	if a.deps.Observations != nil {
		if err := a.deps.Observations.RecordObservation(r.Context(), record); err != nil {
			a.logger.Warn().Err(err).Str("sensor", status.Sensor).Msg("record observation status")
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"sensor":  status.Sensor,
		"status":  record.Status,
		"missing": status.Missing(),
		"count":   status.Count,
		"latest":  status.Latest,
	})
}

func parseReference(v string) (time.Time, error) {
	if strings.EqualFold(v, "now") {
		return time.Now().UTC(), nil
	}
	return time.Parse(time.RFC3339, v)
}
