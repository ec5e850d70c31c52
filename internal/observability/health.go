package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker backs /healthz (liveness) and /readyz (readiness).
// Readiness also tracks how far the event log trails the processor.
type HealthChecker struct {
	ready        atomic.Bool
	appliedSeq   atomic.Int64
	persistedSeq atomic.Int64
	maxLag       atomic.Int64
	startTime    time.Time
}

func NewHealthChecker() *HealthChecker {
	h := &HealthChecker{startTime: time.Now()}
	h.appliedSeq.Store(-1)
	h.persistedSeq.Store(-1)
	return h
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// SetAppliedSequence records the last sequence the processor applied.
func (h *HealthChecker) SetAppliedSequence(seq int64) {
	h.appliedSeq.Store(seq)
}

// SetPersistedSequence records the last sequence committed to the event log.
func (h *HealthChecker) SetPersistedSequence(seq int64) {
	h.persistedSeq.Store(seq)
}

// SetMaxPersistLag bounds the persistence lag a ready service may carry.
// Zero disables the bound.
func (h *HealthChecker) SetMaxPersistLag(lag int64) {
	h.maxLag.Store(lag)
}

// PersistLag is the number of applied events not yet in the event log.
func (h *HealthChecker) PersistLag() int64 {
	lag := h.appliedSeq.Load() - h.persistedSeq.Load()
	if lag < 0 {
		return 0
	}
	return lag
}

// IsReady reports readiness: recovery finished and the event log within the
// configured lag of the processor.
func (h *HealthChecker) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	maxLag := h.maxLag.Load()
	return maxLag <= 0 || h.PersistLag() <= maxLag
}

func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns 503 before recovery completes and while the
// persistence worker lags too far behind.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"applied_sequence":   h.appliedSeq.Load(),
		"persisted_sequence": h.persistedSeq.Load(),
		"persist_lag":        h.PersistLag(),
	}
	switch {
	case !h.ready.Load():
		body["status"] = "not_ready"
		writeHealth(w, http.StatusServiceUnavailable, body)
	case !h.IsReady():
		body["status"] = "lagging"
		writeHealth(w, http.StatusServiceUnavailable, body)
	default:
		body["status"] = "ready"
		writeHealth(w, http.StatusOK, body)
	}
}

func writeHealth(w http.ResponseWriter, code int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
