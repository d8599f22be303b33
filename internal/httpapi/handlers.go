package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yusef-r/daowyn-sub000/internal/cache"
	"github.com/yusef-r/daowyn-sub000/internal/snapshot"
	"github.com/yusef-r/daowyn-sub000/internal/telemetry"
)

// healthResponse is the /health document.
type healthResponse struct {
	Status        string                            `json:"status"`
	UptimeSeconds int64                             `json:"uptimeSeconds"`
	Snapshot      *healthSnapshot                   `json:"snapshot,omitempty"`
	Counters      map[string]telemetry.CounterStats `json:"counters,omitempty"`
}

type healthSnapshot struct {
	Round      uint64 `json:"round"`
	Stage      string `json:"stage"`
	Block      uint64 `json:"block"`
	Hash       string `json:"hash"`
	AgeMs      int64  `json:"ageMs"`
	Degraded   bool   `json:"degraded"`
	WindowTier string `json:"windowTier"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleSnapshot serves the aggregated round snapshot. Conditional
// requests short-circuit on the content hash; rebuild denials and
// failed refreshes surface through the stale and rate-limited headers
// rather than error statuses.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var timer *telemetry.Timer
	if s.tel != nil {
		timer = s.tel.StartTimer(telemetry.StageRequest)
		defer timer.Stop()
	}

	opts := cache.Options{Caller: clientIP(r)}
	if raw := r.URL.Query().Get("forBlock"); raw != "" {
		block, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "forBlock must be a decimal block number"})
			return
		}
		opts.ForBlock = block
	}

	res, outcome, err := s.cache.Get(r.Context(), opts)
	if err != nil {
		id, _ := r.Context().Value(requestIDKey).(string)
		log.Error().Str("request_id", id).Err(err).Msg("snapshot unavailable")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "snapshot unavailable"})
		return
	}

	w.Header().Set("ETag", res.ETag)
	w.Header().Set("X-Snapshot-Block", strconv.FormatUint(res.ForBlock, 10))
	w.Header().Set("X-Snapshot-Hash", res.Hash)
	w.Header().Set("X-Snapshot-Stale", boolHeader(outcome.Stale))
	w.Header().Set("X-Rate-Limited", boolHeader(outcome.RateLimited))
	w.Header().Set("Cache-Control", "no-cache")

	if etagMatch(r.Header.Get("If-None-Match"), res.ETag) {
		if s.tel != nil {
			s.tel.Incr(telemetry.CounterNotModified)
		}
		w.WriteHeader(http.StatusNotModified)
		return
	}

	// The stored body is immutable; serve-time fields go on a copy.
	body := *res.Body
	body.IsStale = outcome.Stale
	if s.scheduler != nil {
		if fireAt, ok := s.scheduler.WillTriggerAt(res.Body); ok {
			body.WillTriggerAt = fireAt
		}
	}

	writeJSON(w, http.StatusOK, &body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "starting",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}

	if res := s.cache.Peek(); res != nil {
		resp.Status = "ok"
		resp.Snapshot = &healthSnapshot{
			Round:      res.Body.Round,
			Stage:      snapshot.StageName(res.Body.Stage),
			Block:      res.ForBlock,
			Hash:       res.Hash,
			AgeMs:      time.Now().UnixMilli() - res.BuiltAtMs,
			Degraded:   res.Body.Degraded,
			WindowTier: res.Body.WindowTier,
		}
	}

	if s.tel != nil {
		resp.Counters = map[string]telemetry.CounterStats{
			telemetry.CounterBuilds:      s.tel.Counter(telemetry.CounterBuilds),
			telemetry.CounterBuildErrors: s.tel.Counter(telemetry.CounterBuildErrors),
			telemetry.CounterCacheHits:   s.tel.Counter(telemetry.CounterCacheHits),
			telemetry.CounterStaleServes: s.tel.Counter(telemetry.CounterStaleServes),
			telemetry.CounterNotModified: s.tel.Counter(telemetry.CounterNotModified),
			telemetry.CounterRateLimited: s.tel.Counter(telemetry.CounterRateLimited),
			telemetry.CounterKeeperFires: s.tel.Counter(telemetry.CounterKeeperFires),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
}

// etagMatch implements If-None-Match against a strong validator. Weak
// markers are stripped so a W/-prefixed echo from a proxy still hits.
func etagMatch(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

func boolHeader(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encoding failed")
	}
}
