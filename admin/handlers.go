package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/maxpert/shardrelay/checkpoint"
	"github.com/maxpert/shardrelay/relay"
	"github.com/maxpert/shardrelay/telemetry"
	"github.com/rs/zerolog/log"
)

// RelayView is the part of the scheduler the admin endpoints read
type RelayView interface {
	Tailers() []relay.TailerStatus
	Stats() telemetry.RelayStats
}

// Handlers serves the operator endpoints
type Handlers struct {
	relayID     string
	relay       RelayView
	checkpoints checkpoint.Store
	started     time.Time
}

// NewHandlers creates a new Handlers instance
func NewHandlers(relayID string, view RelayView, checkpoints checkpoint.Store) *Handlers {
	return &Handlers{
		relayID:     relayID,
		relay:       view,
		checkpoints: checkpoints,
		started:     time.Now(),
	}
}

type healthResponse struct {
	Status        string `json:"status"`
	RelayID       string `json:"relay_id"`
	Uptime        string `json:"uptime"`
	ActiveTailers int    `json:"active_tailers"`
	KnownShards   int    `json:"known_shards"`
	DrainedShards int    `json:"drained_shards"`
	StalledShards int    `json:"stalled_shards"`
}

// handleHealth reports "degraded" while any shard is stalled on publishing
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.relay.Stats()
	resp := healthResponse{
		Status:        "ok",
		RelayID:       h.relayID,
		Uptime:        time.Since(h.started).Truncate(time.Second).String(),
		ActiveTailers: stats.ActiveTailers,
		KnownShards:   stats.KnownShards,
		DrainedShards: stats.DrainedShards,
	}
	for _, st := range h.relay.Tailers() {
		if st.Stalled {
			resp.StalledShards++
		}
	}
	if resp.StalledShards > 0 {
		resp.Status = "degraded"
	}
	writeJSONResponse(w, resp, false, "")
}

func (h *Handlers) handleListShards(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	out := make([]relay.TailerStatus, 0)
	for _, st := range h.relay.Tailers() {
		if state != "" && st.State != state {
			continue
		}
		out = append(out, st)
	}
	writeJSONResponse(w, out, false, "")
}

func (h *Handlers) handleShard(w http.ResponseWriter, r *http.Request, shardID string) {
	for _, st := range h.relay.Tailers() {
		if st.ShardID == shardID {
			writeJSONResponse(w, st, false, "")
			return
		}
	}
	writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("no tailer for shard '%s'", shardID))
}

// handleListCheckpoints pages through stored checkpoints ordered by shard id.
// Query: limit, from (exclusive shard id), drained (true/false).
func (h *Handlers) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	drained, err := parseDrained(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	from := parseFrom(r)

	all, err := h.checkpoints.List(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("failed to list checkpoints: %v", err))
		return
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ShardID < all[j].ShardID })

	page := make([]checkpoint.Checkpoint, 0, limit)
	hasMore := false
	for _, cp := range all {
		if from != "" && cp.ShardID <= from {
			continue
		}
		if drained != nil && cp.Drained != *drained {
			continue
		}
		if len(page) == limit {
			hasMore = true
			break
		}
		page = append(page, cp)
	}

	lastKey := ""
	if hasMore {
		lastKey = page[len(page)-1].ShardID
	}
	writeJSONResponse(w, page, hasMore, lastKey)
}

func (h *Handlers) handleCheckpoint(w http.ResponseWriter, r *http.Request, shardID string) {
	cp, found, err := h.checkpoints.Load(r.Context(), shardID)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("failed to load checkpoint: %v", err))
		return
	}
	if !found {
		writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("no checkpoint for shard '%s'", shardID))
		return
	}
	writeJSONResponse(w, cp, false, "")
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool, lastKey string) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}
	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}
	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}
	return limit, nil
}

// parseFrom parses from parameter for pagination
func parseFrom(r *http.Request) string {
	return r.URL.Query().Get("from")
}

func parseDrained(r *http.Request) (*bool, error) {
	s := r.URL.Query().Get("drained")
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return nil, fmt.Errorf("invalid drained parameter: %w", err)
	}
	return &v, nil
}
