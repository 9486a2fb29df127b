package sources

import (
	"sync"
	"time"

	"github.com/quorumtrade/trading-core/internal/observ"
)

// Health tracks per-source reliability. A source that returns hard
// authentication/permission errors repeatedly is disabled for the remainder
// of the session rather than retried indefinitely; the disable is logged once.
type Health struct {
	mu sync.RWMutex

	sourceID          string
	maxAuthErrors     int
	consecutiveAuth   int
	disabled          bool
	disabledAt        time.Time
	lastSuccess       time.Time
	lastError         time.Time
	successCount      int64
	errorCount        int64
	consecutiveErrors int
}

// NewHealth creates a health tracker for one source. maxAuthErrors is the
// consecutive hard-auth-error count after which the source self-disables.
func NewHealth(sourceID string, maxAuthErrors int) *Health {
	if maxAuthErrors <= 0 {
		maxAuthErrors = 3
	}
	return &Health{sourceID: sourceID, maxAuthErrors: maxAuthErrors}
}

// RecordSuccess registers a successful fetch.
func (h *Health) RecordSuccess(latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastSuccess = time.Now()
	h.successCount++
	h.consecutiveErrors = 0
	h.consecutiveAuth = 0

	observ.IncCounter("source_fetch_total", map[string]string{"source": h.sourceID, "result": "success"})
	observ.RecordDuration("source_fetch_latency", latency, map[string]string{"source": h.sourceID})
}

// RecordError registers a failed fetch and applies the self-disable rule for
// hard auth errors.
func (h *Health) RecordError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastError = time.Now()
	h.errorCount++
	h.consecutiveErrors++

	observ.IncCounter("source_fetch_total", map[string]string{"source": h.sourceID, "result": "error"})

	if !IsAuthError(err) {
		h.consecutiveAuth = 0
		return
	}

	h.consecutiveAuth++
	if h.consecutiveAuth >= h.maxAuthErrors && !h.disabled {
		h.disabled = true
		h.disabledAt = time.Now()
		observ.IncCounter("source_disabled_total", map[string]string{"source": h.sourceID})
		observ.Warn("source_disabled", map[string]any{
			"source":            h.sourceID,
			"consecutive_auth":  h.consecutiveAuth,
			"disabled_for":      "session",
			"requires_operator": true,
		})
	}
}

// Disabled reports whether the source has self-disabled for this session.
func (h *Health) Disabled() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.disabled
}

// Metrics returns a snapshot of health counters for the status surface.
func (h *Health) Metrics() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := h.successCount + h.errorCount
	errorRate := 0.0
	if total > 0 {
		errorRate = float64(h.errorCount) / float64(total)
	}
	return map[string]any{
		"source":             h.sourceID,
		"disabled":           h.disabled,
		"error_rate":         errorRate,
		"consecutive_errors": h.consecutiveErrors,
		"last_success":       h.lastSuccess,
		"last_error":         h.lastError,
		"success_count":      h.successCount,
		"error_count":        h.errorCount,
	}
}
