package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/smartly-home/smartly-bridge/internal/acl"
	"github.com/smartly-home/smartly-bridge/internal/audit"
	"github.com/smartly-home/smartly-bridge/internal/format"
	"github.com/smartly-home/smartly-bridge/internal/history"
	"github.com/smartly-home/smartly-bridge/internal/hub"
	"github.com/smartly-home/smartly-bridge/internal/recorder"
)

// HistoryHandler serves the recorder read paths.
type HistoryHandler struct {
	hub     HubService
	service *history.Service
	audits  *audit.Recorder
}

func NewHistoryHandler(h HubService, svc *history.Service, audits *audit.Recorder) *HistoryHandler {
	return &HistoryHandler{hub: h, service: svc, audits: audits}
}

// Entity is GET /api/smartly/history/{entity_id}.
func (h *HistoryHandler) Entity(w http.ResponseWriter, r *http.Request) {
	grant, _ := GrantFrom(r.Context())
	entityID := chi.URLParam(r, "entity_id")
	if !acl.ValidEntityID(entityID) {
		respondError(w, http.StatusBadRequest, "invalid_entity_id")
		return
	}

	if !h.entityKnown(entityID) {
		respondError(w, http.StatusNotFound, "entity_not_found")
		return
	}
	if !h.entityAllowed(entityID) {
		if grant != nil {
			h.audits.Deny(grant.ClientID, entityID, "history", "entity_not_allowed", grant.SourceIP, nil)
		}
		respondError(w, http.StatusForbidden, "entity_not_allowed")
		return
	}

	q, err := parseHistoryQuery(r, entityID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_time_range")
		return
	}

	res, err := h.service.Entity(r.Context(), q)
	if err != nil {
		h.respondHistoryError(w, entityID, err)
		return
	}

	payload := map[string]any{
		"entity_id":  entityID,
		"history":    res.Entries,
		"count":      res.Count,
		"start_time": res.Start.UTC().Format(timeLayout),
		"end_time":   res.End.UTC().Format(timeLayout),
		"metadata":   res.Metadata,
	}
	if res.CursorMode {
		payload["page_size"] = res.PageSize
		payload["has_more"] = res.HasMore
		if res.HasMore {
			payload["next_cursor"] = res.NextCursor
		}
	} else {
		payload["truncated"] = res.Truncated
	}
	respondJSON(w, http.StatusOK, payload)
}

type batchRequest struct {
	EntityIDs       []string `json:"entity_ids"`
	StartTime       string   `json:"start_time"`
	EndTime         string   `json:"end_time"`
	Limit           int      `json:"limit"`
	SignificantOnly *bool    `json:"significant_changes_only"`
}

// Batch is POST /api/smartly/history/batch: up to 50 entities with the
// single-entity time semantics.
func (h *HistoryHandler) Batch(w http.ResponseWriter, r *http.Request) {
	grant, _ := GrantFrom(r.Context())

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if len(req.EntityIDs) == 0 {
		respondError(w, http.StatusBadRequest, "missing_required_fields")
		return
	}
	if len(req.EntityIDs) > history.MaxBatchEntities {
		respondError(w, http.StatusBadRequest, "too_many_entities")
		return
	}

	start, end, err := parseTimeRange(req.StartTime, req.EndTime)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_time_range")
		return
	}

	allowed, denied := h.splitAllowed(req.EntityIDs)
	if len(allowed) == 0 {
		if grant != nil {
			h.audits.Deny(grant.ClientID, "", "history_batch", "acl_denied", grant.SourceIP, nil)
		}
		respondError(w, http.StatusForbidden, "acl_denied")
		return
	}

	significant := true
	if req.SignificantOnly != nil {
		significant = *req.SignificantOnly
	}

	histories := make(map[string][]history.Entry, len(allowed))
	counts := make(map[string]int, len(allowed))
	truncated := make(map[string]bool, len(allowed))
	metadata := make(map[string]*history.Metadata, len(allowed))

	var winStart, winEnd time.Time
	for _, entityID := range allowed {
		res, err := h.service.Entity(r.Context(), history.Query{
			EntityID:        entityID,
			Start:           start,
			End:             end,
			Limit:           req.Limit,
			SignificantOnly: significant,
		})
		if err != nil {
			h.respondHistoryError(w, entityID, err)
			return
		}
		histories[entityID] = res.Entries
		counts[entityID] = res.Count
		truncated[entityID] = res.Truncated
		metadata[entityID] = res.Metadata
		winStart, winEnd = res.Start, res.End
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"history":         histories,
		"count":           counts,
		"truncated":       truncated,
		"denied_entities": denied,
		"start_time":      winStart.UTC().Format(timeLayout),
		"end_time":        winEnd.UTC().Format(timeLayout),
		"metadata":        metadata,
	})
}

type statisticsRequest struct {
	EntityIDs []string `json:"entity_ids"`
	Period    string   `json:"period"`
	StartTime string   `json:"start_time"`
	EndTime   string   `json:"end_time"`
}

// Statistics is POST /api/smartly/history/statistics: recorder
// aggregates for numeric sensors.
func (h *HistoryHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	grant, _ := GrantFrom(r.Context())

	var req statisticsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if len(req.EntityIDs) == 0 {
		respondError(w, http.StatusBadRequest, "missing_required_fields")
		return
	}
	if len(req.EntityIDs) > history.MaxBatchEntities {
		respondError(w, http.StatusBadRequest, "too_many_entities")
		return
	}
	if !recorder.ValidPeriod(req.Period) {
		respondError(w, http.StatusBadRequest, "invalid_period")
		return
	}

	start, end, err := parseTimeRange(req.StartTime, req.EndTime)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_time_range")
		return
	}
	end = endOrNow(end)
	start = startOrDefault(start, end)

	allowed, denied := h.splitAllowed(req.EntityIDs)
	if len(allowed) == 0 {
		if grant != nil {
			h.audits.Deny(grant.ClientID, "", "history_statistics", "acl_denied", grant.SourceIP, nil)
		}
		respondError(w, http.StatusForbidden, "acl_denied")
		return
	}

	stats := make(map[string][]map[string]any, len(allowed))
	for _, entityID := range allowed {
		if !h.isNumericSensor(entityID) {
			denied = append(denied, entityID)
			continue
		}
		rows, err := h.service.Statistics(r.Context(), entityID, req.Period, start, end)
		if err != nil {
			if errors.Is(err, history.ErrNoStore) {
				respondError(w, http.StatusServiceUnavailable, "integration_not_configured")
				return
			}
			log.Printf("[ERROR] History: statistics for %s failed: %v", entityID, err)
			respondError(w, http.StatusInternalServerError, "statistics_query_failed")
			return
		}
		stats[entityID] = renderStatRows(rows)
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"statistics":      stats,
		"period":          req.Period,
		"start_time":      start.UTC().Format(timeLayout),
		"end_time":        end.UTC().Format(timeLayout),
		"denied_entities": denied,
	})
}

func (h *HistoryHandler) entityKnown(entityID string) bool {
	if _, ok := h.hub.State(entityID); ok {
		return true
	}
	_, ok := h.hub.Entity(entityID)
	return ok
}

func (h *HistoryHandler) entityAllowed(entityID string) bool {
	entry, ok := h.hub.Entity(entityID)
	return ok && acl.IsEntityAllowed(&entry)
}

// splitAllowed partitions ids into allowed and denied, preserving
// request order.
func (h *HistoryHandler) splitAllowed(ids []string) (allowed, denied []string) {
	denied = []string{}
	for _, id := range ids {
		if acl.ValidEntityID(id) && h.entityAllowed(id) {
			allowed = append(allowed, id)
		} else {
			denied = append(denied, id)
		}
	}
	return allowed, denied
}

func (h *HistoryHandler) isNumericSensor(entityID string) bool {
	if hub.Domain(entityID) != "sensor" {
		return false
	}
	state, ok := h.hub.State(entityID)
	if !ok {
		return true // let the recorder decide for unknown current state
	}
	return format.IsNumeric(state.State) || state.Unit() != ""
}

func (h *HistoryHandler) respondHistoryError(w http.ResponseWriter, entityID string, err error) {
	switch {
	case errors.Is(err, history.ErrInvalidTimeRange):
		respondError(w, http.StatusBadRequest, "invalid_time_range")
	case errors.Is(err, history.ErrInvalidCursor):
		respondError(w, http.StatusBadRequest, "invalid_cursor")
	case errors.Is(err, history.ErrNoStore):
		respondError(w, http.StatusServiceUnavailable, "integration_not_configured")
	default:
		log.Printf("[ERROR] History: query for %s failed: %v", entityID, err)
		respondError(w, http.StatusInternalServerError, "history_query_failed")
	}
}

// parseHistoryQuery reads the single-entity query parameters. Cursor
// mode engages when cursor or page_size is present.
func parseHistoryQuery(r *http.Request, entityID string) (history.Query, error) {
	params := r.URL.Query()

	start, end, err := parseTimeRange(params.Get("start_time"), params.Get("end_time"))
	if err != nil {
		return history.Query{}, err
	}

	q := history.Query{
		EntityID:        entityID,
		Start:           start,
		End:             end,
		SignificantOnly: true,
	}
	if v := params.Get("significant_changes_only"); v != "" {
		q.SignificantOnly = v != "false" && v != "0"
	}
	if v := params.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			q.Limit = n
		}
	}
	if v := params.Get("page_size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			q.PageSize = n
			q.CursorMode = true
		}
	}
	if v := params.Get("cursor"); v != "" {
		q.Cursor = v
		q.CursorMode = true
	}
	return q, nil
}

// parseTimeRange accepts RFC 3339 boundaries; zero values mean the
// caller gets the defaults.
func parseTimeRange(startRaw, endRaw string) (time.Time, time.Time, error) {
	var start, end time.Time
	var err error
	if startRaw != "" {
		start, err = time.Parse(time.RFC3339, startRaw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if endRaw != "" {
		end, err = time.Parse(time.RFC3339, endRaw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	return start, end, nil
}

func endOrNow(end time.Time) time.Time {
	if end.IsZero() {
		return time.Now()
	}
	return end
}

func startOrDefault(start, end time.Time) time.Time {
	if start.IsZero() {
		return endOrNow(end).Add(-history.DefaultWindow)
	}
	return start
}

func renderStatRows(rows []recorder.StatRow) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		entry := map[string]any{
			"start": row.Start.UTC().Format(timeLayout),
			"end":   row.End.UTC().Format(timeLayout),
		}
		if row.Mean != nil {
			entry["mean"] = *row.Mean
		}
		if row.Min != nil {
			entry["min"] = *row.Min
		}
		if row.Max != nil {
			entry["max"] = *row.Max
		}
		if row.Sum != nil {
			entry["sum"] = *row.Sum
		}
		if row.State != nil {
			entry["state"] = *row.State
		}
		out = append(out, entry)
	}
	return out
}
